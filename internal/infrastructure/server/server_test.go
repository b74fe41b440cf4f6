package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/GriffinCanCode/governor/internal/infrastructure/config"
	"github.com/GriffinCanCode/governor/internal/infrastructure/logging"
)

const pipelineYAML = `name: test
stages:
  translator:
    command: ["sh", "-c", "echo translating"]
  analyzer:
    command: ["sh", "-c", "echo analyzing"]
  merger:
    command: ["sh", "-c", "echo merging"]
`

func testConfig(t *testing.T, pipeline string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Storage.DataDir = filepath.Join(dir, "data")
	cfg.Storage.StateFsync = false
	cfg.Pipeline.DefinitionFile = filepath.Join(dir, "pipeline.yaml")
	cfg.Health.ProbeInterval = 20 * time.Millisecond
	cfg.RateLimit.Enabled = false
	if pipeline != "" {
		require.NoError(t, os.WriteFile(cfg.Pipeline.DefinitionFile, []byte(pipeline), 0o644))
	}
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config) (*Server, *httptest.Server) {
	t.Helper()
	srv, err := NewServer(cfg, &logging.Logger{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	srv.Start(context.Background())

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv, ts
}

func getJSON(t *testing.T, url string) (int, map[string]interface{}) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]interface{}
	require.NoError(t, sonic.ConfigStd.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestServerRunsPipelineEndToEnd(t *testing.T) {
	_, ts := newTestServer(t, testConfig(t, pipelineYAML))

	code, health := getJSON(t, ts.URL+"/health")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "IDLE", health["state"])

	resp, err := http.Post(ts.URL+"/runs", "application/json", strings.NewReader(""))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		_, st := getJSON(t, ts.URL+"/status")
		return st["state"] == "SUCCESS"
	}, 10*time.Second, 20*time.Millisecond)

	resp, err = http.Post(ts.URL+"/reset", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, st := getJSON(t, ts.URL+"/status")
	assert.Equal(t, "IDLE", st["state"])
}

func TestServerMissingPipelineServesDegraded(t *testing.T) {
	_, ts := newTestServer(t, testConfig(t, ""))

	code, health := getJSON(t, ts.URL+"/health")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, true, health["degraded"])

	resp, err := http.Post(ts.URL+"/runs", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServerPrometheusEndpoint(t *testing.T) {
	_, ts := newTestServer(t, testConfig(t, pipelineYAML))

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
}

func TestServerRejectsUnknownLivenessMode(t *testing.T) {
	cfg := testConfig(t, pipelineYAML)
	cfg.Lock.Liveness = "telepathy"
	_, err := NewServer(cfg, logging.NewNop())
	assert.Error(t, err)
}

func TestShutdownIsIdempotent(t *testing.T) {
	srv, err := NewServer(testConfig(t, pipelineYAML), logging.NewNop())
	require.NoError(t, err)
	srv.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	require.NoError(t, srv.Shutdown(ctx))
	assert.Equal(t, 0, srv.hub.Stats().Subscribers)
}
