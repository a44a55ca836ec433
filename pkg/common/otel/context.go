package otel

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// zeroTraceID is logged for records emitted outside of any span.
const zeroTraceID = "00000000000000000000000000000000"

// GetTraceID returns the hex trace id of the span in ctx.
func GetTraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return zeroTraceID
	}
	return sc.TraceID().String()
}
