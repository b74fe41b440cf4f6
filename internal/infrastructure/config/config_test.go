package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "8000", cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "./var/governor", cfg.Storage.DataDir)
	assert.True(t, cfg.Storage.StateFsync)
	assert.Equal(t, 10*time.Minute, cfg.Lock.StaleAfter)
	assert.Equal(t, LivenessProcess, cfg.Lock.Liveness)
	assert.Equal(t, 200, cfg.Events.Backlog)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.RateLimit.Enabled)
	require.NoError(t, cfg.Validate())
}

func TestServerConfig(t *testing.T) {
	tests := []struct {
		name     string
		envVars  map[string]string
		expected ServerConfig
	}{
		{
			name:    "default values",
			envVars: map[string]string{},
			expected: ServerConfig{
				Port:          "8000",
				Host:          "0.0.0.0",
				ShutdownGrace: 30 * time.Second,
				CORSOrigins:   []string{"*"},
			},
		},
		{
			name: "custom values",
			envVars: map[string]string{
				"PORT":           "9000",
				"HOST":           "127.0.0.1",
				"SHUTDOWN_GRACE": "5s",
				"CORS_ORIGINS":   "https://a.example.com,https://b.example.com",
			},
			expected: ServerConfig{
				Port:          "9000",
				Host:          "127.0.0.1",
				ShutdownGrace: 5 * time.Second,
				CORSOrigins:   []string{"https://a.example.com", "https://b.example.com"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Unsetenv("PORT")
			os.Unsetenv("HOST")
			os.Unsetenv("SHUTDOWN_GRACE")
			os.Unsetenv("CORS_ORIGINS")
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}
			cfg := LoadOrDefault()
			assert.Equal(t, tt.expected, cfg.Server)
		})
	}
}

func TestLockConfig(t *testing.T) {
	tests := []struct {
		name     string
		envVars  map[string]string
		expected LockConfig
	}{
		{
			name:    "default values",
			envVars: map[string]string{},
			expected: LockConfig{
				StaleAfter:     10 * time.Minute,
				Liveness:       LivenessProcess,
				HeartbeatGrace: 2 * time.Minute,
				RenewInterval:  15 * time.Second,
			},
		},
		{
			name: "heartbeat mode",
			envVars: map[string]string{
				"LOCK_STALE_AFTER":     "1m",
				"LOCK_LIVENESS":        "heartbeat",
				"LOCK_HEARTBEAT_GRACE": "30s",
				"LOCK_RENEW_INTERVAL":  "5s",
			},
			expected: LockConfig{
				StaleAfter:     time.Minute,
				Liveness:       LivenessHeartbeat,
				HeartbeatGrace: 30 * time.Second,
				RenewInterval:  5 * time.Second,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}
			cfg, err := Load()
			require.NoError(t, err)
			assert.Equal(t, tt.expected, cfg.Lock)
		})
	}
}

func TestStorageAndPipelineConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DATA_DIR", dir)
	t.Setenv("AUDIT_FSYNC", "true")
	t.Setenv("PIPELINE_FILE", "/etc/governor/pipeline.toml")
	t.Setenv("STAGE_TIMEOUT", "45m")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.Storage.DataDir)
	assert.True(t, cfg.Storage.AuditFsync)
	assert.Equal(t, "/etc/governor/pipeline.toml", cfg.Pipeline.DefinitionFile)
	assert.Equal(t, 45*time.Minute, cfg.Pipeline.StageTimeout)
}

func TestValidateRejectsUnsafeLockPolicy(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown liveness", func(c *Config) { c.Lock.Liveness = "vibes" }},
		{"zero stale threshold", func(c *Config) { c.Lock.StaleAfter = 0 }},
		{"renew slower than stale", func(c *Config) { c.Lock.RenewInterval = c.Lock.StaleAfter }},
		{"grace shorter than renew", func(c *Config) {
			c.Lock.Liveness = LivenessHeartbeat
			c.Lock.HeartbeatGrace = c.Lock.RenewInterval
		}},
		{"zero subscriber buffer", func(c *Config) { c.Events.SubscriberBuffer = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadOrDefaultFallsBackOnInvalid(t *testing.T) {
	t.Setenv("LOCK_LIVENESS", "bogus")

	_, err := Load()
	require.Error(t, err)

	cfg := LoadOrDefault()
	assert.Equal(t, LivenessProcess, cfg.Lock.Liveness)
}

func TestLoadRejectsMalformedDuration(t *testing.T) {
	t.Setenv("LOCK_STALE_AFTER", "ten minutes")

	_, err := Load()
	assert.Error(t, err)
}
