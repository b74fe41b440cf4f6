package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/governor/internal/domain/events"
	"github.com/GriffinCanCode/governor/internal/domain/orchestrator"
	"github.com/GriffinCanCode/governor/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/governor/internal/shared/id"
)

// Version is reported by the root banner.
const Version = "1.0.0"

// controlTimeout bounds a start or reset request. Stages run on the run loop,
// so this only covers admission.
const controlTimeout = 30 * time.Second

// Handlers serves the governor's control and status routes.
type Handlers struct {
	orch    *orchestrator.Orchestrator
	reader  *events.Reader
	metrics *monitoring.Metrics
	log     *zap.Logger
}

// NewHandlers creates a handler set.
func NewHandlers(orch *orchestrator.Orchestrator, reader *events.Reader, metrics *monitoring.Metrics, log *zap.Logger) *Handlers {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handlers{orch: orch, reader: reader, metrics: metrics, log: log}
}

// Register mounts every route. control wraps the mutating routes, typically
// with a rate limiter.
func (h *Handlers) Register(router gin.IRouter, control ...gin.HandlerFunc) {
	router.GET("/", h.Root)
	router.GET("/health", h.Health)
	router.GET("/status", h.Status)

	mutating := router.Group("/", control...)
	mutating.POST("/runs", h.StartRun)
	mutating.POST("/reset", h.Reset)
	mutating.POST("/stages/:stage/start", h.StartStage)
	mutating.POST("/audit/acknowledge", h.AcknowledgeAudit)

	router.GET("/runs", h.ListRuns)
	router.GET("/runs/stats", h.RunStats)
	router.GET("/runs/:id/events", h.RunEvents)
	router.GET("/audit/export", h.ExportAudit)
	router.GET("/metrics/json", h.MetricsJSON)
}

// Root reports the service banner.
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "online",
		"service": "pipeline governor",
		"version": Version,
	})
}

// Health reports state, degraded mode and audit health. It answers 503
// while degraded so load balancers stop routing control traffic here.
func (h *Handlers) Health(c *gin.Context) {
	status := h.orch.CurrentStatus(c.Request.Context())
	audit := h.orch.AuditHealth()

	code := http.StatusOK
	if status.Degraded {
		code = http.StatusServiceUnavailable
	}
	body := gin.H{
		"status":           healthWord(status),
		"state":            status.State,
		"active_run_id":    status.RunID,
		"degraded":         status.Degraded,
		"recovery_pending": status.RecoveryPending,
		"audit":            audit,
	}
	if status.DegradedReason != "" {
		body["degraded_reason"] = status.DegradedReason
	}
	c.JSON(code, body)
}

func healthWord(s orchestrator.Status) string {
	switch {
	case s.Degraded:
		return "degraded"
	case !s.AuditHealthy:
		return "audit_impaired"
	default:
		return "healthy"
	}
}

// Status returns the orchestrator's current status. It always answers 200;
// degraded mode is part of the body.
func (h *Handlers) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.orch.CurrentStatus(c.Request.Context()))
}

// StartRun requests a full pipeline run.
func (h *Handlers) StartRun(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), controlTimeout)
	defer cancel()

	d, err := h.orch.StartRun(ctx)
	if err != nil {
		h.internalError(c, "start run", err)
		return
	}
	c.JSON(decisionStatus(d, http.StatusAccepted), d)
}

// Reset moves a terminal pipeline back to IDLE.
func (h *Handlers) Reset(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), controlTimeout)
	defer cancel()

	d, err := h.orch.ResetAfterTerminal(ctx)
	if err != nil {
		h.internalError(c, "reset", err)
		return
	}
	c.JSON(decisionStatus(d, http.StatusOK), d)
}

// StageRequest is the optional body of a diagnostic stage invocation.
type StageRequest struct {
	Params map[string]interface{} `json:"params"`
}

// StartStage invokes one stage synchronously under a diagnostic run id.
func (h *Handlers) StartStage(c *gin.Context) {
	var req StageRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	d, res, err := h.orch.StartStage(c.Request.Context(), c.Param("stage"), req.Params)
	if err != nil {
		h.internalError(c, "start stage", err)
		return
	}
	if !d.Accepted {
		c.JSON(decisionStatus(d, http.StatusOK), d)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"accepted": true,
		"run_id":   d.RunID,
		"result": gin.H{
			"ok":      res.OK,
			"outputs": res.Outputs,
			"reason":  res.Reason,
		},
	})
}

// decisionStatus maps a control decision onto an HTTP status.
func decisionStatus(d orchestrator.Decision, ok int) int {
	if d.Accepted {
		return ok
	}
	switch d.Reason {
	case orchestrator.RejectUnavailable:
		return http.StatusServiceUnavailable
	case orchestrator.RejectInvalidStage, orchestrator.RejectInvalidParams:
		return http.StatusBadRequest
	default:
		return http.StatusConflict
	}
}

// ListRuns summarizes runs from the audit log, newest first.
func (h *Handlers) ListRuns(c *gin.Context) {
	runs, anomalies, err := h.reader.Runs()
	if err != nil {
		h.internalError(c, "read runs", err)
		return
	}

	withDiag := c.Query("diagnostic") == "true"
	out := make([]events.RunSummary, 0, len(runs))
	for i := len(runs) - 1; i >= 0; i-- {
		if runs[i].Diagnostic && !withDiag {
			continue
		}
		out = append(out, runs[i])
	}

	limit, err := queryInt(c, "limit", 50)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	c.JSON(http.StatusOK, gin.H{
		"runs":      out,
		"total":     len(out),
		"anomalies": len(anomalies),
	})
}

// RunStats reports per-stage duration statistics across finished runs.
func (h *Handlers) RunStats(c *gin.Context) {
	runs, anomalies, err := h.reader.Runs()
	if err != nil {
		h.internalError(c, "read runs", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"stages":    events.ComputeStageStats(runs, c.Query("diagnostic") == "true"),
		"runs":      len(runs),
		"anomalies": len(anomalies),
	})
}

// RunEvents returns every event of one run in audit order.
func (h *Handlers) RunEvents(c *gin.Context) {
	runID := c.Param("id")
	if !id.IsValidRunID(runID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
		return
	}

	evs, anomalies, err := h.reader.ByRun(id.RunID(runID))
	if err != nil {
		h.internalError(c, "read run events", err)
		return
	}
	if len(evs) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found", "anomalies": len(anomalies)})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"run_id":    runID,
		"events":    evs,
		"anomalies": len(anomalies),
	})
}

// AcknowledgeAudit clears the sticky audit failure marker. The response
// carries the health as it was and as it is now.
func (h *Handlers) AcknowledgeAudit(c *gin.Context) {
	before := h.orch.AcknowledgeAudit()
	c.JSON(http.StatusOK, gin.H{
		"acknowledged": true,
		"before":       before,
		"audit":        h.orch.AuditHealth(),
	})
}

// ExportAudit streams the audit log compressed with gzip (default) or zstd.
func (h *Handlers) ExportAudit(c *gin.Context) {
	encoding := c.DefaultQuery("encoding", events.EncodingGzip)
	var contentType, ext string
	switch encoding {
	case events.EncodingGzip:
		contentType, ext = "application/gzip", ".gz"
	case events.EncodingZstd:
		contentType, ext = "application/zstd", ".zst"
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "encoding must be gzip or zstd"})
		return
	}

	name := "audit-" + time.Now().UTC().Format("20060102T150405Z") + ".ndjson" + ext
	c.Header("Content-Type", contentType)
	c.Header("Content-Disposition", `attachment; filename="`+name+`"`)
	c.Status(http.StatusOK)

	n, err := h.reader.Export(c.Writer, encoding)
	if err != nil {
		// Headers are gone; all that is left is to cut the stream short.
		h.log.Error("audit export failed", zap.Error(err), zap.Int64("bytes", n))
		c.Abort()
		return
	}
	h.log.Debug("audit exported", zap.String("encoding", encoding), zap.Int64("bytes", n))
}

func (h *Handlers) internalError(c *gin.Context, op string, err error) {
	h.log.Error(op+" failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, errors.New(key + " must be a non-negative integer")
	}
	return v, nil
}
