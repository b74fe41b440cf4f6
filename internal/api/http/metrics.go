package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/GriffinCanCode/governor/internal/domain/events"
	"github.com/GriffinCanCode/governor/internal/infrastructure/monitoring"
)

// MetricsSnapshot is the JSON view of the governor's counters.
type MetricsSnapshot struct {
	Timestamp time.Time                  `json:"timestamp"`
	Governor  monitoring.MetricsSnapshot `json:"governor"`
	Feed      *events.HubStats           `json:"feed,omitempty"`
	Audit     events.AuditHealth         `json:"audit"`
	Summary   MetricsSummary             `json:"summary"`
}

// MetricsSummary provides high-level rates.
type MetricsSummary struct {
	TotalRequests    int64   `json:"total_requests"`
	AverageLatencyMs float64 `json:"average_latency_ms"`
	ErrorRate        float64 `json:"error_rate"`
	RunSuccessRate   float64 `json:"run_success_rate"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
}

// MetricsJSON returns counters, live feed and audit health in one document.
func (h *Handlers) MetricsJSON(c *gin.Context) {
	snap := h.metrics.Snapshot()
	out := MetricsSnapshot{
		Timestamp: time.Now().UTC(),
		Governor:  snap,
		Audit:     h.orch.AuditHealth(),
		Summary:   summarize(snap),
	}
	if hub := h.orch.Hub(); hub != nil {
		stats := hub.Stats()
		out.Feed = &stats
	}
	c.JSON(http.StatusOK, out)
}

func summarize(s monitoring.MetricsSnapshot) MetricsSummary {
	sum := MetricsSummary{
		TotalRequests:    s.TotalRequests,
		AverageLatencyMs: s.AvgRequestSeconds * 1000,
		UptimeSeconds:    s.UptimeSeconds,
	}
	if s.TotalRequests > 0 {
		sum.ErrorRate = float64(s.TotalErrors) / float64(s.TotalRequests)
	}
	if finished := s.RunsSucceeded + s.RunsFailed; finished > 0 {
		sum.RunSuccessRate = float64(s.RunsSucceeded) / float64(finished)
	}
	return sum
}
