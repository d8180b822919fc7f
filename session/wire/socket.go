// Package wire defines the socket abstraction the session core consumes.
// The QUIC transport itself is out of scope; this package only
// describes the seam and, in fake.go, a deterministic in-process fake
// used by tests, in the style of a net.Conn-wrapping stream split into
// per-stream read/write/reset/stop-sending operations.
package wire

import "time"

// StreamID identifies a QUIC stream. Bit 0 carries client/server
// initiation, bit 1 carries uni/bidirectional-ness, matching RFC 9000's
// stream id layout; the session package's stream-acceptance checks read
// those two bits directly (id%4).
type StreamID uint64

// ErrorClass distinguishes where a socket-reported failure originated.
type ErrorClass int

const (
	ErrClassNone ErrorClass = iota
	ErrClassLocal
	ErrClassTransport
	ErrClassApplication
)

// OpError is the error type every Socket method returns. ApplicationCode
// is meaningful only when Class == ErrClassApplication.
type OpError struct {
	Class           ErrorClass
	ApplicationCode uint64
	Err             error
}

func (e *OpError) Error() string {
	if e == nil || e.Err == nil {
		return "<nil>"
	}
	return e.Err.Error()
}

// TransportInfo is the read-only connection diagnostics snapshot exposed
// through get_current_transport_info.
type TransportInfo struct {
	RTT                        time.Duration
	Cwnd                       uint64
	BytesSent                  uint64
	CongestionControlAlgorithm string
}

// DeliveryCallback is invoked by the socket, off the session's single
// event-loop turn, once bytes up to and including offset have either
// been acknowledged (acked=true) or are known to never be delivered
// (acked=false, e.g. the stream was reset before the offset was acked).
type DeliveryCallback func(offset uint64, acked bool)

// PeekCallback is installed on a stream to receive bytes without
// consuming them, used by the unidirectional-stream dispatcher to read
// the type preface.
type PeekCallback func(data []byte)

// ReadCallback is installed once a stream's role is known; it is invoked
// with newly available, not-yet-consumed bytes.
type ReadCallback func()

// Socket is the external QUIC transport abstraction the session core
// mediates against. A session owns exactly one Socket for its lifetime.
type Socket interface {
	// ApplicationProtocol returns the ALPN label negotiated during the
	// handshake, used to select a dialect.
	ApplicationProtocol() string

	// OpenBidirectionalStream/OpenUnidirectionalStream create a locally
	// initiated stream and return its id.
	OpenBidirectionalStream() (StreamID, *OpError)
	OpenUnidirectionalStream() (StreamID, *OpError)

	// SetReadCallback/SetPeekCallback install or clear (nil) the
	// callback invoked when new ingress bytes are available on id.
	// Exactly one of the two may be installed at a time.
	SetReadCallback(id StreamID, cb ReadCallback)
	SetPeekCallback(id StreamID, cb PeekCallback)

	// Peek returns up to len(buf) not-yet-consumed bytes without
	// advancing the read cursor.
	Peek(id StreamID, buf []byte) (n int, err *OpError)
	// Consume advances the read cursor by n bytes previously returned
	// by Peek or counted via a ReadCallback.
	Consume(id StreamID, n int) *OpError
	// Read consumes up to len(buf) bytes, returning io.EOF semantics
	// via eof when the peer half-closed the stream.
	Read(id StreamID, buf []byte) (n int, eof bool, err *OpError)

	// WriteChain writes the concatenation of chunks to id, returning the
	// number of bytes actually accepted (which may be less than
	// requested under flow control) and optionally marking the end of
	// the stream when eom is true and all bytes were accepted.
	WriteChain(id StreamID, chunks [][]byte, eom bool) (written int, err *OpError)

	// ResetStream aborts the egress half of id with code.
	ResetStream(id StreamID, code uint64) *OpError
	// StopSending aborts the ingress half of id with code.
	StopSending(id StreamID, code uint64) *OpError

	// RegisterDeliveryCallback arms cb to fire once offset on id has
	// been acked or is known cancelled.
	RegisterDeliveryCallback(id StreamID, offset uint64, cb DeliveryCallback) *OpError

	// SendWindowAvailable/ConnectionSendWindowAvailable report flow
	// control windows immediately before a write.
	SendWindowAvailable(id StreamID) uint64
	ConnectionSendWindowAvailable() uint64

	// TransportInfo reports connection diagnostics (RTT, cwnd, ...).
	TransportInfo() TransportInfo

	// ScheduleWrite requests a future OnConnectionWriteReady callback
	// from the transport; it is idempotent if a write is already
	// pending.
	ScheduleWrite()

	// Close tears down the connection. err is nil for a graceful close.
	Close(err *OpError)
}
