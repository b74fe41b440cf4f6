package tracing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observed() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core), logs
}

func TestStartSpanPropagatesTrace(t *testing.T) {
	tracer := New("test", nil)
	defer tracer.Close()

	root, ctx := tracer.StartSpan(context.Background(), "run")
	assert.NotEmpty(t, root.TraceID)
	assert.Empty(t, root.ParentID)
	assert.Equal(t, root.TraceID, GetTraceID(ctx))
	assert.Equal(t, root.SpanID, GetSpanID(ctx))

	child, _ := tracer.StartSpan(ctx, "stage.translator")
	assert.Equal(t, root.TraceID, child.TraceID)
	assert.Equal(t, root.SpanID, child.ParentID)
	assert.NotEqual(t, root.SpanID, child.SpanID)
}

func TestEndLogsSpans(t *testing.T) {
	logger, logs := observed()
	tracer := New("governor", logger)

	span, _ := tracer.StartSpan(context.Background(), "orchestrator.boot")
	span.SetTag("state", "IDLE")
	tracer.End(span, nil)

	failed, _ := tracer.StartSpan(context.Background(), "stage.merger")
	tracer.End(failed, errors.New("exit status 2"))
	tracer.Close()

	ok := logs.FilterMessage("span completed").All()
	require.Len(t, ok, 1)
	assert.Equal(t, "orchestrator.boot", ok[0].ContextMap()["operation"])
	assert.Equal(t, "IDLE", ok[0].ContextMap()["tag.state"])

	bad := logs.FilterMessage("span completed with error").All()
	require.Len(t, bad, 1)
	assert.Equal(t, int64(500), bad[0].ContextMap()["status"])
}

func TestSubmitAfterCloseIsDropped(t *testing.T) {
	logger, logs := observed()
	tracer := New("governor", logger)
	tracer.Close()
	tracer.Close()

	span, _ := tracer.StartSpan(context.Background(), "late")
	tracer.End(span, nil)
	assert.Equal(t, 0, logs.Len())
}

func TestInjectExtractRoundTrip(t *testing.T) {
	ctx := WithTrace(context.Background(), "trace-1", "span-1")
	headers := map[string]string{}
	InjectTraceContext(ctx, headers)

	traceID, spanID := ExtractTraceContext(headers)
	assert.Equal(t, TraceID("trace-1"), traceID)
	assert.Equal(t, SpanID("span-1"), spanID)
	assert.Equal(t, "[trace:trace-1 span:span-1]", FormatTrace(traceID, spanID))
}

func TestHTTPMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger, logs := observed()
	tracer := New("governor", logger)

	var seen TraceID
	router := gin.New()
	router.Use(HTTPMiddleware(tracer))
	router.GET("/status", func(c *gin.Context) {
		seen = GetTraceID(c.Request.Context())
		c.Status(http.StatusOK)
	})

	t.Run("continues incoming trace", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/status", nil)
		req.Header.Set(HeaderTraceID, "upstream-trace")
		req.Header.Set(HeaderSpanID, "upstream-span")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, TraceID("upstream-trace"), seen)
		assert.Equal(t, "upstream-trace", w.Header().Get(HeaderTraceID))
		assert.NotEmpty(t, w.Header().Get(HeaderSpanID))
		assert.NotEqual(t, "upstream-span", w.Header().Get(HeaderSpanID))
	})

	t.Run("starts a new trace", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))
		assert.NotEmpty(t, w.Header().Get(HeaderTraceID))
		assert.NotEqual(t, "upstream-trace", w.Header().Get(HeaderTraceID))
	})

	t.Run("unmatched route", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	tracer.Close()
	entries := logs.FilterMessage("span completed").All()
	require.Len(t, entries, 3)
	assert.Equal(t, "GET /status", entries[0].ContextMap()["operation"])
	assert.Equal(t, "upstream-span", entries[0].ContextMap()["parent_id"])
	assert.Equal(t, "GET unmatched", entries[2].ContextMap()["operation"])
}
