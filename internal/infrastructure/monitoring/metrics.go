package monitoring

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "governor"

// Metrics holds all Prometheus metrics.
//
// Every method is safe on a nil receiver so domain packages can be built
// without a collector in tests.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RequestSize     *prometheus.HistogramVec
	ResponseSize    *prometheus.HistogramVec

	// State metrics
	StateTransitions *prometheus.CounterVec
	StateRejections  *prometheus.CounterVec
	StateRecoveries  *prometheus.CounterVec
	StateGeneration  prometheus.Gauge

	// Lock metrics
	LockAcquisitions *prometheus.CounterVec
	LockReclaims     *prometheus.CounterVec
	LockHeld         prometheus.Gauge

	// Event metrics
	EventsEmitted       *prometheus.CounterVec
	EventsDemoted       prometheus.Counter
	AuditAppendFailures prometheus.Counter
	AuditBreakerState   prometheus.Gauge
	BroadcastDropped    prometheus.Counter
	Subscribers         prometheus.Gauge

	// Run metrics
	RunsStarted     prometheus.Counter
	RunsFinished    *prometheus.CounterVec
	StartRejections *prometheus.CounterVec
	StageDuration   *prometheus.HistogramVec
	StagesAbandoned *prometheus.CounterVec
	StagesOrphaned  prometheus.Gauge
	Degraded        prometheus.Gauge

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec

	startTime time.Time

	// Snapshot for JSON API
	snapshot MetricsSnapshot
	mu       sync.RWMutex
}

// MetricsSnapshot holds current metric values for the JSON status API.
type MetricsSnapshot struct {
	TotalRequests       int64   `json:"total_requests"`
	TotalErrors         int64   `json:"total_errors"`
	RunsStarted         int64   `json:"runs_started"`
	RunsSucceeded       int64   `json:"runs_succeeded"`
	RunsFailed          int64   `json:"runs_failed"`
	AuditAppendFailures int64   `json:"audit_append_failures"`
	StagesAbandoned     int64   `json:"stages_abandoned"`
	BroadcastDropped    int64   `json:"broadcast_dropped"`
	ActiveConnections   int64   `json:"active_connections"`
	AvgRequestSeconds   float64 `json:"avg_request_seconds"`
	UptimeSeconds       float64 `json:"uptime_seconds"`

	totalDuration float64
}

// NewRegistry returns a registry preloaded with Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// NewMetrics creates a collector registered on reg. A nil reg gets a fresh
// registry from NewRegistry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = NewRegistry()
	}
	f := promauto.With(reg)

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		// HTTP metrics
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		RequestSize: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_size_bytes",
				Help:      "HTTP request size in bytes",
				Buckets:   []float64{100, 1000, 10000, 100000, 1000000},
			},
			[]string{"method", "path"},
		),
		ResponseSize: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_response_size_bytes",
				Help:      "HTTP response size in bytes",
				Buckets:   []float64{100, 1000, 10000, 100000, 1000000, 10000000},
			},
			[]string{"method", "path"},
		),

		// State metrics
		StateTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_transitions_total",
				Help:      "Applied pipeline state transitions",
			},
			[]string{"from", "to"},
		),
		StateRejections: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_transition_rejections_total",
				Help:      "Rejected pipeline state transitions",
			},
			[]string{"reason"},
		),
		StateRecoveries: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_recoveries_total",
				Help:      "State records replaced by corruption recovery",
			},
			[]string{"reason"},
		),
		StateGeneration: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "state_generation",
				Help:      "Generation of the last state record written",
			},
		),

		// Lock metrics
		LockAcquisitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_acquisitions_total",
				Help:      "Run lock acquisition attempts by result",
			},
			[]string{"result"},
		),
		LockReclaims: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_reclaims_total",
				Help:      "Stale lock reclaim checks by result",
			},
			[]string{"result"},
		),
		LockHeld: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "lock_held",
				Help:      "1 while this process holds the run lock",
			},
		),

		// Event metrics
		EventsEmitted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_emitted_total",
				Help:      "Events emitted by tier and type",
			},
			[]string{"tier", "event_type"},
		),
		EventsDemoted: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_demoted_total",
				Help:      "Run-tier emissions demoted to system tier",
			},
		),
		AuditAppendFailures: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_append_failures_total",
				Help:      "Audit log appends that failed or were short-circuited",
			},
		),
		AuditBreakerState: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "audit_breaker_state",
				Help:      "Audit sink breaker state (0 closed, 1 half-open, 2 open)",
			},
		),
		BroadcastDropped: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "broadcast_dropped_total",
				Help:      "Live feed messages dropped for slow subscribers",
			},
		),
		Subscribers: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "feed_subscribers",
				Help:      "Connected live feed subscribers",
			},
		),

		// Run metrics
		RunsStarted: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Pipeline runs accepted",
			},
		),
		RunsFinished: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_finished_total",
				Help:      "Pipeline runs finished by outcome",
			},
			[]string{"outcome"},
		),
		StartRejections: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "start_rejections_total",
				Help:      "Rejected start and reset requests by reason",
			},
			[]string{"reason"},
		),
		StageDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Stage invocation duration in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.1, 4, 10),
			},
			[]string{"stage", "outcome"},
		),
		StagesAbandoned: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stages_abandoned_total",
				Help:      "Stage invocations that were still running when their deadline passed",
			},
			[]string{"stage"},
		),
		StagesOrphaned: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "stages_orphaned",
				Help:      "Abandoned stage invocations that have not returned yet",
			},
		),
		Degraded: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "degraded",
				Help:      "1 while the orchestrator is unavailable",
			},
		),

		// WebSocket metrics
		WSConnections: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ws_connections",
				Help:      "Number of active WebSocket connections",
			},
		),
		WSMessages: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ws_messages_total",
				Help:      "Total number of WebSocket messages",
			},
			[]string{"direction", "type"},
		),
	}

	f.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Governor uptime in seconds",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)

	return m
}

// Handler serves the Prometheus exposition for this collector's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration, reqSize, respSize int64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	m.RequestSize.WithLabelValues(method, path).Observe(float64(reqSize))
	m.ResponseSize.WithLabelValues(method, path).Observe(float64(respSize))

	m.mu.Lock()
	m.snapshot.TotalRequests++
	m.snapshot.totalDuration += duration.Seconds()
	if status != "" && (status[0] == '4' || status[0] == '5') {
		m.snapshot.TotalErrors++
	}
	m.mu.Unlock()
}

// RecordTransition records an applied state transition.
func (m *Metrics) RecordTransition(from, to string, generation uint64) {
	if m == nil {
		return
	}
	m.StateTransitions.WithLabelValues(from, to).Inc()
	m.StateGeneration.Set(float64(generation))
}

// RecordTransitionRejected records a rejected state transition.
func (m *Metrics) RecordTransitionRejected(reason string) {
	if m == nil {
		return
	}
	m.StateRejections.WithLabelValues(reason).Inc()
}

// RecordStateRecovery records a corruption recovery.
func (m *Metrics) RecordStateRecovery(reason string) {
	if m == nil {
		return
	}
	m.StateRecoveries.WithLabelValues(reason).Inc()
}

// RecordLockAcquire records an acquisition attempt ("granted", "held", "unreadable", "error").
func (m *Metrics) RecordLockAcquire(result string) {
	if m == nil {
		return
	}
	m.LockAcquisitions.WithLabelValues(result).Inc()
	if result == "granted" {
		m.LockHeld.Set(1)
	}
}

// RecordLockReleased clears the held gauge.
func (m *Metrics) RecordLockReleased() {
	if m == nil {
		return
	}
	m.LockHeld.Set(0)
}

// RecordLockReclaim records a reclaim check ("reclaimed", "not_stale", "absent").
func (m *Metrics) RecordLockReclaim(result string) {
	if m == nil {
		return
	}
	m.LockReclaims.WithLabelValues(result).Inc()
}

// RecordEvent records one emitted event.
func (m *Metrics) RecordEvent(tier, eventType string, demoted bool) {
	if m == nil {
		return
	}
	m.EventsEmitted.WithLabelValues(tier, eventType).Inc()
	if demoted {
		m.EventsDemoted.Inc()
	}
}

// RecordAuditFailure records a failed or short-circuited audit append.
func (m *Metrics) RecordAuditFailure() {
	if m == nil {
		return
	}
	m.AuditAppendFailures.Inc()
	m.mu.Lock()
	m.snapshot.AuditAppendFailures++
	m.mu.Unlock()
}

// SetAuditBreakerState publishes the audit breaker state.
func (m *Metrics) SetAuditBreakerState(state int) {
	if m == nil {
		return
	}
	m.AuditBreakerState.Set(float64(state))
}

// RecordBroadcastDropped records messages dropped for slow subscribers.
func (m *Metrics) RecordBroadcastDropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.BroadcastDropped.Add(float64(n))
	m.mu.Lock()
	m.snapshot.BroadcastDropped += int64(n)
	m.mu.Unlock()
}

// SetSubscribers sets the live feed subscriber count.
func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.Subscribers.Set(float64(n))
}

// RecordRunStarted records an accepted run.
func (m *Metrics) RecordRunStarted() {
	if m == nil {
		return
	}
	m.RunsStarted.Inc()
	m.mu.Lock()
	m.snapshot.RunsStarted++
	m.mu.Unlock()
}

// RecordRunFinished records a run outcome ("success" or "failed").
func (m *Metrics) RecordRunFinished(outcome string) {
	if m == nil {
		return
	}
	m.RunsFinished.WithLabelValues(outcome).Inc()
	m.mu.Lock()
	if outcome == "success" {
		m.snapshot.RunsSucceeded++
	} else {
		m.snapshot.RunsFailed++
	}
	m.mu.Unlock()
}

// RecordStartRejected records a rejected control request.
func (m *Metrics) RecordStartRejected(reason string) {
	if m == nil {
		return
	}
	m.StartRejections.WithLabelValues(reason).Inc()
}

// RecordStage records one stage invocation.
func (m *Metrics) RecordStage(stage, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage, outcome).Observe(duration.Seconds())
}

// RecordStageAbandoned records an invocation left running past its deadline.
func (m *Metrics) RecordStageAbandoned(stage string) {
	if m == nil {
		return
	}
	m.StagesAbandoned.WithLabelValues(stage).Inc()
	m.StagesOrphaned.Inc()
	m.mu.Lock()
	m.snapshot.StagesAbandoned++
	m.mu.Unlock()
}

// RecordAbandonedReturned records that an abandoned invocation finally returned.
func (m *Metrics) RecordAbandonedReturned() {
	if m == nil {
		return
	}
	m.StagesOrphaned.Dec()
}

// SetDegraded publishes degraded mode.
func (m *Metrics) SetDegraded(degraded bool) {
	if m == nil {
		return
	}
	if degraded {
		m.Degraded.Set(1)
	} else {
		m.Degraded.Set(0)
	}
}

// RecordWSMessage records a WebSocket message
func (m *Metrics) RecordWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

// IncWSConnections increments WebSocket connections
func (m *Metrics) IncWSConnections() {
	if m == nil {
		return
	}
	m.WSConnections.Inc()
	m.mu.Lock()
	m.snapshot.ActiveConnections++
	m.mu.Unlock()
}

// DecWSConnections decrements WebSocket connections
func (m *Metrics) DecWSConnections() {
	if m == nil {
		return
	}
	m.WSConnections.Dec()
	m.mu.Lock()
	m.snapshot.ActiveConnections--
	m.mu.Unlock()
}

// Snapshot returns a copy of the JSON-facing counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.snapshot
	if s.TotalRequests > 0 {
		s.AvgRequestSeconds = s.totalDuration / float64(s.TotalRequests)
	}
	s.UptimeSeconds = time.Since(m.startTime).Seconds()
	return s
}
