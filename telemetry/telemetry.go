// Package telemetry wires session-core events into VictoriaMetrics
// counters/gauges and OpenTelemetry spans: stream lifecycle counts,
// GOAWAY/byte counters and per-request/per-drain tracing spans.
package telemetry

import (
	"context"

	"github.com/VictoriaMetrics/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/costinm/hq/session")

var (
	activeStreams = metrics.NewCounter("hq_session_active_streams")
	streamsOpened = metrics.NewCounter("hq_session_streams_opened_total")
	streamsClosed = metrics.NewCounter("hq_session_streams_closed_total")
	goAwaysSent   = metrics.NewCounter("hq_session_goaways_sent_total")
	bytesEgress   = metrics.NewCounter("hq_session_bytes_egress_total")
)

// StreamOpened records a new request stream entering the registry.
func StreamOpened() {
	streamsOpened.Inc()
	activeStreams.Inc()
}

// StreamClosed records a request stream detaching from the registry.
func StreamClosed() {
	streamsClosed.Inc()
	activeStreams.Dec()
}

// GoAwaySent records a GOAWAY frame queued on a control stream.
func GoAwaySent() {
	goAwaysSent.Inc()
}

// BytesWritten accumulates egress bytes actually accepted by the socket.
func BytesWritten(n int) {
	if n > 0 {
		bytesEgress.Add(n)
	}
}

// RecordDrop tags a connection drop with its reason for the
// `hq_session_drops_total` counter, partitioned the way the original
// HQSession partitions its ProxygenError stats.
func RecordDrop(reason string) {
	metrics.GetOrCreateCounter(`hq_session_drops_total{reason="` + reason + `"}`).Inc()
}

// StartRequestSpan opens the per-transaction span a RequestStreamTransport
// lives under, named the way a single HTTP transaction is traced end to
// end from header receipt to EOM delivery.
func StartRequestSpan(ctx context.Context, streamID uint64) (context.Context, trace.Span) {
	return tracer.Start(ctx, "session.request",
		trace.WithAttributes(attribute.Int64("hq.stream_id", int64(streamID))))
}

// StartDrainSpan opens the span covering one connection's graceful
// drain, from NotifyPendingShutdown/CloseWhenIdle to self-destruction.
func StartDrainSpan(ctx context.Context) (context.Context, trace.Span) {
	return tracer.Start(ctx, "session.drain")
}
