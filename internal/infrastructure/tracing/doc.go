/*
Package tracing provides lightweight request and run tracing.

Spans carry a trace id and a parent span id through context.Context. The
HTTP middleware starts a span per request, honoring X-Trace-ID and X-Span-ID
from the caller and echoing them on the response. The orchestrator opens a
span per run and a child span per stage. Finished spans are logged through
zap by a buffered collector.

# Usage

	tracer := tracing.New("governor", logger)
	defer tracer.Close()

	router.Use(tracing.HTTPMiddleware(tracer))

	span, ctx := tracer.StartSpan(ctx, "stage.translator")
	defer tracer.End(span, err)
*/
package tracing
