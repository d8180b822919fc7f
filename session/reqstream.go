package session

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"github.com/costinm/hq/session/codec"
	"github.com/costinm/hq/session/wire"
	"github.com/costinm/hq/telemetry"
)

// RequestStreamTransport is the per-request glue between a codec, a
// transaction and a QUIC stream: a buffered reader/writer pair, flow
// control bookkeeping and delivery-callback tracking per stream, minus
// the goroutine-and-channel plumbing a threaded transport would use —
// this core is single-threaded.
type RequestStreamTransport struct {
	session *Session

	egressID   wire.StreamID
	ingressID  wire.StreamID
	hasIngress bool
	// hasEgress is false only for a push stream's content observed on
	// its receiving (client) side, which is purely unidirectional and
	// never writes anything of its own back.
	hasEgress bool
	isPush    bool

	codec codec.RequestCodec
	txn   Transaction

	readBuf  []byte
	writeBuf []byte

	pendingEOM bool

	// ingressErr is sticky once the codec rejects ingress bytes.
	ingressErr bool

	codecEOMSeen   bool
	ingressEOMSeen bool

	headerAckOffset    *uint64
	bodyAckOffsets     map[uint64]uint64 // stream offset -> body offset
	egressHeaderEnd    uint64            // offset just past the framed headers
	firstBodyByteArmed bool

	bytesWritten      uint64
	pendingByteEvents int

	// egressEOMRequested is set once SendEOM (or SendHeaders/SendBody
	// with includeEOM) is called, distinguishing "egress not started
	// yet" from "egress finished" when both have pendingEOM == false.
	egressEOMRequested bool

	detached         bool
	priorityEnqueued bool

	span trace.Span
}

func newRequestStreamTransport(s *Session, egressID wire.StreamID, hasIngress bool, ingressID wire.StreamID, c codec.RequestCodec, txn Transaction) *RequestStreamTransport {
	_, span := telemetry.StartRequestSpan(context.Background(), uint64(egressID))
	rst := &RequestStreamTransport{
		session:        s,
		egressID:       egressID,
		ingressID:      ingressID,
		hasIngress:     hasIngress,
		hasEgress:      true,
		codec:          c,
		txn:            txn,
		bodyAckOffsets: make(map[uint64]uint64),
		span:           span,
	}
	c.SetEventSink(rst)
	return rst
}

// endSpan closes the transaction's tracing span; safe to call more than
// once since the registry only reaps a stream a single time.
func (rst *RequestStreamTransport) endSpan() {
	if rst.span != nil {
		rst.span.End()
	}
}

// --- codec.EventSink ---

func (rst *RequestStreamTransport) OnHeaders(msg *codec.Message) {
	rst.txn.OnHeaders(msg)
	rst.session.dialect.HeadersComplete(rst.session, rst, msg)
}

func (rst *RequestStreamTransport) OnBody(data []byte) { rst.txn.OnBody(data) }

func (rst *RequestStreamTransport) OnTrailers(h http.Header) { rst.txn.OnTrailers(h) }

func (rst *RequestStreamTransport) OnEOM() {
	rst.codecEOMSeen = true
	rst.maybeDeliverEOM()
	rst.maybeMarkDetached()
}

// OnPushPromise forwards a received PUSH_PROMISE to the transaction and
// remembers which Transaction should receive the eventual push stream's
// content, correlated by push id, if the transaction chooses to accept
// it via the session's push handler.
func (rst *RequestStreamTransport) OnPushPromise(msg *codec.Message) {
	rst.txn.OnPushPromise(msg)
	if rst.session.pushHandler != nil {
		if txn := rst.session.pushHandler(msg.PushID, msg); txn != nil {
			rst.session.pendingPush[msg.PushID] = txn
		}
	}
}

func (rst *RequestStreamTransport) OnStreamError(err error) {
	rst.ingressErr = true
	rst.txn.OnError(err)
	rst.abortIngress(ErrGeneralProtocolError)
}

func (rst *RequestStreamTransport) maybeDeliverEOM() {
	if rst.codecEOMSeen && rst.ingressEOMSeen {
		rst.txn.OnEOM()
	}
}

// maybeMarkDetached marks the transport eligible for reaping once both
// directions have completed: ingress delivered its EOM (or never had
// an ingress half, as for a push stream's egress side) and egress has
// finished writing a requested EOM. Reaping itself still waits for
// canDetach's buffer/callback drain check; this only flips the
// data-model "detached" bit spec.md §3 describes.
func (rst *RequestStreamTransport) maybeMarkDetached() {
	if rst.detached {
		return
	}
	ingressDone := !rst.hasIngress || rst.codecEOMSeen || rst.ingressEOMSeen
	egressDone := !rst.hasEgress || (rst.egressEOMRequested && !rst.pendingEOM)
	if ingressDone && egressDone {
		rst.detached = true
		rst.session.scheduleDetachCheck(rst.egressID)
	}
}

// --- egress ---

// SendHeaders frames msg and arms a header-delivery callback at the
// last byte of the framed header block. includeEOM additionally appends
// the codec's EOM marker and sets pendingEOM, so the write path ends
// the stream once the buffer drains. If msg carries a push id and this transport
// is the original request stream (not itself a push stream), the
// message is a push promise and is forwarded to the push path: framed
// as PUSH_PROMISE rather than HEADERS, leaving the actual pushed
// response to go out on the dedicated push stream created via
// Session.NewPushTransaction.
func (rst *RequestStreamTransport) SendHeaders(msg *codec.Message, includeEOM bool) {
	var framed []byte
	if msg.PushID != 0 && !rst.isPush {
		framed = rst.codec.EncodePushPromise(msg)
	} else {
		framed = rst.codec.EncodeHeaders(msg)
	}
	rst.writeBuf = append(rst.writeBuf, framed...)
	newOffset := rst.bytesWritten + uint64(len(rst.writeBuf))
	off := newOffset - 1
	rst.headerAckOffset = &off
	rst.egressHeaderEnd = newOffset
	rst.pendingByteEvents++
	rst.session.socket.RegisterDeliveryCallback(rst.egressID, off, rst.onDeliveryAck)
	rst.session.dialect.EgressHeadersSent(rst.session, msg)
	if includeEOM {
		rst.writeBuf = append(rst.writeBuf, rst.codec.EncodeEOM()...)
		rst.pendingEOM = true
		rst.egressEOMRequested = true
	}
	rst.enqueueForEgress()
}

// SendBody appends framed body bytes and arms a first-body-byte
// callback the first time a non-empty body is queued. includeEOM
// appends the codec's EOM marker after the body.
func (rst *RequestStreamTransport) SendBody(buf []byte, includeEOM bool) {
	if len(buf) > 0 {
		framed := rst.codec.EncodeBody(buf)
		frameStart := rst.bytesWritten + uint64(len(rst.writeBuf))
		rst.writeBuf = append(rst.writeBuf, framed...)
		if !rst.firstBodyByteArmed {
			rst.firstBodyByteArmed = true
			bodyOffset := uint64(0)
			// The first body byte follows the frame's type/length prefix.
			off := frameStart + uint64(len(framed)-len(buf))
			rst.bodyAckOffsets[off] = bodyOffset
			rst.pendingByteEvents++
			rst.session.socket.RegisterDeliveryCallback(rst.egressID, off, rst.onDeliveryAck)
		}
	}
	if includeEOM {
		rst.writeBuf = append(rst.writeBuf, rst.codec.EncodeEOM()...)
		rst.pendingEOM = true
		rst.egressEOMRequested = true
	}
	rst.enqueueForEgress()
}

// SendEOM frames trailers, if any, and the framing-layer end-of-message.
func (rst *RequestStreamTransport) SendEOM(trailers http.Header) {
	if trailers != nil {
		rst.writeBuf = append(rst.writeBuf, rst.codec.EncodeTrailers(trailers)...)
	}
	rst.writeBuf = append(rst.writeBuf, rst.codec.EncodeEOM()...)
	rst.pendingEOM = true
	rst.egressEOMRequested = true
	rst.enqueueForEgress()
}

// SendAbort emits a reset on egress and a stop-sending on ingress (if
// present), drains buffers and marks the transport for detach.
func (rst *RequestStreamTransport) SendAbort(err AppError) {
	rst.session.socket.ResetStream(rst.egressID, uint64(err))
	if rst.hasIngress {
		rst.session.socket.StopSending(rst.ingressID, uint64(err))
	}
	rst.writeBuf = nil
	rst.pendingEOM = false
	rst.detached = true
	rst.session.scheduleDetachCheck(rst.egressID)
}

func (rst *RequestStreamTransport) enqueueForEgress() {
	if rst.priorityEnqueued {
		return
	}
	rst.priorityEnqueued = true
	rst.session.priority.Enqueue(rst.egressID)
	rst.session.socket.ScheduleWrite()
}

// ProcessReadData feeds the accumulated read buffer to the codec until
// blocked, consumed, or errored, returning whether bytes remain
// unconsumed.
func (rst *RequestStreamTransport) ProcessReadData() bool {
	if rst.ingressErr || len(rst.readBuf) == 0 {
		return false
	}
	consumed, blocked, err := rst.codec.FeedIngress(rst.readBuf)
	rst.readBuf = rst.readBuf[consumed:]
	if err != nil {
		rst.ingressErr = true
		return false
	}
	if blocked {
		return len(rst.readBuf) > 0
	}
	return len(rst.readBuf) > 0
}

// onIngressFIN records that the ingress half closed, feeding the EOM
// gate that waits for both the codec's own EOM marker and the
// transport-level FIN before delivering OnEOM to the transaction.
func (rst *RequestStreamTransport) onIngressFIN() {
	rst.ingressEOMSeen = true
	rst.maybeDeliverEOM()
	rst.maybeMarkDetached()
}

// onDeliveryAck dispatches a delivery (or cancellation) callback by
// offset: the header-ack offset fires OnLastEgressHeaderByteAcked, a
// body-ack offset fires OnEgressBodyBytesAcked/Cancelled. Any other
// offset, such as the EOM callback the write path arms, only releases
// its pending byte event.
func (rst *RequestStreamTransport) onDeliveryAck(offset uint64, acked bool) {
	rst.pendingByteEvents--
	if rst.headerAckOffset != nil && *rst.headerAckOffset == offset {
		rst.headerAckOffset = nil
		if acked {
			rst.txn.OnLastEgressHeaderByteAcked()
		}
	} else if bodyOffset, ok := rst.bodyAckOffsets[offset]; ok {
		delete(rst.bodyAckOffsets, offset)
		if acked {
			rst.txn.OnEgressBodyBytesAcked(bodyOffset)
		} else {
			rst.txn.OnEgressBodyBytesCancelled(bodyOffset)
		}
	}
	rst.session.scheduleDetachCheck(rst.egressID)
}

// onReset translates a peer RESET_STREAM/STOP_SENDING into a
// transaction error and picks the reply error code.
func (rst *RequestStreamTransport) onReset(peerErr AppError) {
	var reply AppError
	switch {
	case rst.session.direction == Upstream:
		reply = ErrCancelled
	case !rst.hasIngress || (!rst.ingressEOMSeen && len(rst.readBuf) == 0):
		reply = ErrRejected
	default:
		reply = ErrNoError
	}
	rst.txn.OnError(&StreamError{App: peerErr})
	rst.SendAbort(reply)
}

func (rst *RequestStreamTransport) abortIngress(reason AppError) {
	if rst.hasIngress {
		rst.session.socket.StopSending(rst.ingressID, uint64(reason))
	}
}

// canDetach reports whether this transport has no remaining ingress,
// egress or callback state and can be reclaimed from the registry.
func (rst *RequestStreamTransport) canDetach() bool {
	return rst.detached &&
		len(rst.readBuf) == 0 &&
		len(rst.writeBuf) == 0 &&
		!rst.pendingEOM &&
		!rst.priorityEnqueued &&
		rst.pendingByteEvents == 0
}

// requestStreamWriteImpl is the per-stream write path driven by the
// egress scheduler. It returns the number of bytes written.
func (rst *RequestStreamTransport) requestStreamWriteImpl(canSend int, ratio float64) int {
	if ratio > 0 && ratio < 1 {
		canSend = int(float64(canSend) * ratio)
	}
	if canSend <= 0 && !(rst.pendingEOM && len(rst.writeBuf) == 0) {
		return 0
	}

	if rst.txn != nil {
		budget := canSend - len(rst.writeBuf)
		if budget > 0 {
			rst.txn.OnWriteReady(budget, ratio)
		}
	}

	window := int(rst.session.socket.SendWindowAvailable(rst.egressID))
	n := canSend
	if window < n {
		n = window
	}
	if len(rst.writeBuf) < n {
		n = len(rst.writeBuf)
	}

	eom := rst.pendingEOM && n == len(rst.writeBuf)
	var chunk []byte
	if n > 0 {
		chunk = rst.writeBuf[:n]
	}
	var chunks [][]byte
	if len(chunk) > 0 || eom {
		chunks = [][]byte{chunk}
	}

	written := 0
	if len(chunks) > 0 {
		w, opErr := rst.session.socket.WriteChain(rst.egressID, chunks, eom)
		if opErr != nil {
			rst.txn.OnError(opErr)
			return 0
		}
		written = w
	}
	telemetry.BytesWritten(written)

	rst.writeBuf = rst.writeBuf[written:]
	rst.bytesWritten += uint64(written)

	if written == n && eom {
		rst.pendingEOM = false
		rst.pendingByteEvents++ // kept alive until the EOM delivery callback
		eomOffset := rst.bytesWritten - 1
		rst.session.socket.RegisterDeliveryCallback(rst.egressID, eomOffset, rst.onDeliveryAck)
		rst.maybeMarkDetached()
	}

	if len(rst.writeBuf) == 0 && !rst.pendingEOM {
		rst.priorityEnqueued = false
		rst.txn.OnEgressResumed()
	} else {
		// leftover bytes: remain enqueued, revisited on next writeability.
		rst.session.priority.Enqueue(rst.egressID)
		rst.txn.OnEgressPaused()
	}

	rst.session.scheduleDetachCheck(rst.egressID)
	return written
}

// onDataExpired/onDataRejected implement the partial-reliability
// supplement: advisory only, never fatal.
func (rst *RequestStreamTransport) onDataExpired(offset uint64) {
	for off := range rst.bodyAckOffsets {
		if off <= offset {
			delete(rst.bodyAckOffsets, off)
		}
	}
	rst.txn.OnPartialDataExpired(offset)
}

func (rst *RequestStreamTransport) onDataRejected(offset uint64) {
	for off := range rst.bodyAckOffsets {
		if off <= offset {
			delete(rst.bodyAckOffsets, off)
		}
	}
	rst.txn.OnPartialDataRejected(offset)
}
