package session

import (
	"net/http"

	"github.com/costinm/hq/session/codec"
)

// Transaction is the external HTTP transaction/handler-dispatch
// collaborator this core treats as out of scope. A
// RequestStreamTransport drives one Transaction per request/response
// and never interprets its contents.
type Transaction interface {
	OnHeaders(msg *codec.Message)
	OnBody(data []byte)
	OnTrailers(h http.Header)
	OnEOM()
	OnError(err error)

	// OnPushPromise delivers a PUSH_PROMISE received on this request
	// stream; msg.PushID identifies the push for later correlation
	// against the dedicated push stream.
	OnPushPromise(msg *codec.Message)

	// OnWriteReady offers the transaction room to top up the stream's
	// write buffer as part of the per-stream write path. budget is how
	// many more bytes could be written this turn; ratio is the priority
	// queue's bandwidth share for this stream.
	OnWriteReady(budget int, ratio float64)
	OnEgressPaused()
	OnEgressResumed()

	OnLastEgressHeaderByteAcked()
	OnEgressBodyBytesAcked(bodyOffset uint64)
	OnEgressBodyBytesCancelled(bodyOffset uint64)

	// OnPartialDataExpired/OnPartialDataRejected are the partial-
	// reliability callbacks for advisory, never-fatal delivery hints.
	OnPartialDataExpired(offset uint64)
	OnPartialDataRejected(offset uint64)
}

// Handler constructs the Transaction for a newly opened request stream.
type Handler func() Transaction
