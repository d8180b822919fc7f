// Package session implements the per-connection state machine that
// multiplexes HTTP request/response transactions over a single QUIC
// connection across the legacy framed (v1, v2) and HTTP/3 wire
// dialects: one mutex-free, single-threaded object driven entirely by
// transport callbacks, owning a stream registry, an egress write
// scheduler and a two-phase GOAWAY drain state machine.
package session

import (
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/trace"

	"github.com/costinm/hq/session/codec"
	"github.com/costinm/hq/session/wire"
	"github.com/costinm/hq/telemetry"
)

// Session is the central object: one per QUIC connection, constructed
// once the ALPN (and therefore the dialect) is known.
type Session struct {
	// ID correlates this session's log lines and tracing spans across
	// the connection's lifetime, the way a request id threads through a
	// gRPC call's logs.
	ID uuid.UUID

	socket    wire.Socket
	dialect   VersionUtils
	direction Direction
	handler   Handler

	codecFactory func() codec.RequestCodec

	priority PriorityQueue
	registry *StreamRegistry

	egressSettings   SessionSettings
	ingressSettings  SessionSettings
	settingsReceived bool

	drain               DrainState
	highestPeerStreamID uint64
	peerGoAwayLimit     *uint64
	v1CloseSent         bool
	v1CloseReceived     bool

	pendingUni    map[wire.StreamID]*pendingUnistream
	detachPending map[wire.StreamID]bool

	// pushHandler, if set, is offered every inbound PUSH_PROMISE and
	// decides whether to accept it; pendingPush correlates an accepted
	// push id to the Transaction that will receive the dedicated push
	// stream's content once it arrives.
	pushHandler func(pushID uint64, msg *codec.Message) Transaction
	pendingPush map[uint64]Transaction
	nextPushID  uint64

	// pendingDrop holds a connection-fatal error discovered mid-callback
	// until the next loop-turn boundary drains it via
	// drainPendingDrop, so a fault found while unwinding one callback's
	// stack never re-enters DropConnection synchronously from inside it.
	pendingDrop error

	// inOnStopSending guards against re-entering OnStopSending while
	// already inside it, e.g. when StopSending synchronously triggers
	// another callback through a test fake.
	inOnStopSending bool
	// guardDepth counts nested calls into code that must not let the
	// session self-destroy out from under the caller's stack frame.
	guardDepth int
	destroyed  bool
	onDestroy  func()
	drainSpan  trace.Span

	onConnectionError func(err error)
}

// Option configures a Session at construction.
type Option func(*Session)

// WithPriorityQueue overrides the default FIFO priority queue.
func WithPriorityQueue(q PriorityQueue) Option {
	return func(s *Session) { s.priority = q }
}

// WithRequestCodecFactory overrides the reference request codec; a real
// deployment wires in an HTTP/1-framed or HTTP/3+QPACK codec here.
func WithRequestCodecFactory(f func() codec.RequestCodec) Option {
	return func(s *Session) { s.codecFactory = f }
}

// WithSettings overrides the advertised SessionSettings.
func WithSettings(set SessionSettings) Option {
	return func(s *Session) { s.egressSettings = set }
}

// WithOnDestroy registers a callback invoked exactly once: when the
// session reaches its terminal, stream-free, unguarded state, or when
// DropConnection tears it down (streams may then still be registered).
func WithOnDestroy(f func()) Option {
	return func(s *Session) { s.onDestroy = f }
}

// WithOnConnectionError registers the sink for connection-level
// errors; the session has already dropped the connection by the time
// this fires.
func WithOnConnectionError(f func(err error)) Option {
	return func(s *Session) { s.onConnectionError = f }
}

// WithPushHandler registers the callback consulted on every inbound
// PUSH_PROMISE; returning nil declines the push. Only meaningful on an
// UPSTREAM HTTP/3 session, since push is the only dialect/direction
// pair that ever receives one.
func WithPushHandler(f func(pushID uint64, msg *codec.Message) Transaction) Option {
	return func(s *Session) { s.pushHandler = f }
}

// NewSession builds a session for socket's already-negotiated ALPN and
// wires up the dialect's required egress control streams. It returns
// an error if the ALPN isn't one of the three supported dialects.
func NewSession(socket wire.Socket, direction Direction, handler Handler, opts ...Option) (*Session, error) {
	d, ok := DialectFromALPN(socket.ApplicationProtocol())
	if !ok {
		return nil, &ConnectionError{Proxygen: ErrorALPNUnsupported, Msg: socket.ApplicationProtocol()}
	}

	s := &Session{
		ID:             uuid.New(),
		socket:         socket,
		direction:      direction,
		handler:        handler,
		codecFactory:   func() codec.RequestCodec { return codec.NewRefRequestCodec() },
		priority:       newFIFOPriorityQueue(),
		registry:       newStreamRegistry(),
		egressSettings: DefaultSessionSettings(),
		pendingUni:     make(map[wire.StreamID]*pendingUnistream),
		detachPending:  make(map[wire.StreamID]bool),
		pendingPush:    make(map[uint64]Transaction),
	}
	switch d {
	case DialectV1:
		s.dialect = dialectV1{}
	case DialectV2:
		s.dialect = dialectV2{}
	case DialectH3:
		s.dialect = dialectH3{}
	}
	for _, o := range opts {
		o(s)
	}

	s.dialect.CreateEgressControlStreams(s)
	s.dialect.SendSettings(s)
	return s, nil
}

// --- public session API ---

// NewTransaction opens a new request stream for txn and returns its
// transport, failing if the session is draining past the point new
// requests are accepted.
func (s *Session) NewTransaction(txn Transaction) (*RequestStreamTransport, error) {
	if s.draining() && s.direction == Upstream {
		return nil, &ConnectionError{App: ErrRejected, Msg: "session draining"}
	}
	id, opErr := s.socket.OpenBidirectionalStream()
	if opErr != nil {
		return nil, opErr
	}
	rst := newRequestStreamTransport(s, id, true, id, s.codecFactory(), txn)
	s.registry.AddRequest(id, rst)
	telemetry.StreamOpened()
	s.socket.SetReadCallback(id, func() { s.readAvailable(id) })
	return rst, nil
}

// NextPushID allocates the next push id a DOWNSTREAM session should
// stamp onto a PUSH_PROMISE's Message.PushID before calling SendHeaders
// on the triggering request stream, keeping ids sequential and unique
// per session. Ids start at 1, since a zero Message.PushID marks a
// message that is not a push promise.
func (s *Session) NextPushID() uint64 {
	s.nextPushID++
	return s.nextPushID
}

// NewPushTransaction opens a dedicated, egress-only unidirectional
// push stream for pushID and wires txn to it, for a DOWNSTREAM session
// that has already sent the matching PUSH_PROMISE on the triggering
// request stream via SendHeaders(msg-with-PushID, ...). Only the HTTP/3
// dialect supports push; other dialects always fail this call.
func (s *Session) NewPushTransaction(pushID uint64, txn Transaction) (*RequestStreamTransport, error) {
	tag := s.dialect.PushStreamPrefaceTag()
	if !s.dialect.IsPushStreamPreface(tag) {
		return nil, &ConnectionError{App: ErrRejected, Msg: "dialect does not support server push"}
	}
	id, opErr := s.socket.OpenUnidirectionalStream()
	if opErr != nil {
		return nil, opErr
	}
	rst := newRequestStreamTransport(s, id, false, 0, s.codecFactory(), txn)
	rst.isPush = true
	s.registry.AddRequest(id, rst)
	s.registry.AddPush(id)
	telemetry.StreamOpened()

	preface := codec.AppendVarint(nil, tag)
	preface = codec.AppendVarint(preface, pushID)
	rst.writeBuf = append(preface, rst.writeBuf...)
	rst.enqueueForEgress()
	return rst, nil
}

// DropConnection tears the connection down synchronously. err, together
// with one error per aborted stream, is reported through
// onConnectionError as a *multierror.Error. A session that is already
// destroyed ignores the call.
func (s *Session) DropConnection(err error) {
	if s.destroyed {
		return
	}
	log.Printf("session %s: dropping connection: %v", s.ID, err)
	s.guardDepth++
	defer func() { s.guardDepth--; s.checkSelfDestroy() }()

	// Delivering the error to every open transaction can fan out to
	// several reply errors (one per stream abort); combine them with the
	// connection-level cause into one reported drop error rather than
	// losing all but the last.
	var merr *multierror.Error
	merr = multierror.Append(merr, err)
	for id, rst := range s.registry.requests {
		rst.txn.OnError(err)
		rst.SendAbort(ErrNoError)
		rst.endSpan()
		merr = multierror.Append(merr, fmt.Errorf("stream %d aborted: %w", id, err))
	}
	s.drain = DrainDone
	s.socket.Close(nil)
	s.destroyed = true
	if s.drainSpan != nil {
		s.drainSpan.End()
		s.drainSpan = nil
	}
	if ce, ok := err.(*ConnectionError); ok {
		telemetry.RecordDrop(ce.Proxygen.String())
	} else {
		telemetry.RecordDrop("unknown")
	}
	if s.onConnectionError != nil {
		s.onConnectionError(merr.ErrorOrNil())
	}
	if s.onDestroy != nil {
		s.onDestroy()
	}
}

// dropConnectionAsync records err as the pending-drop descriptor and
// requests a write-ready turn to drain it, rather than tearing the
// connection down synchronously: the caller is always reacting to a
// fault discovered mid-callback (a bad frame, a stop_sending on a
// critical stream) and must not re-enter destruction while still
// unwinding that callback's stack. drainPendingDrop runs the actual
// DropConnection exactly once, at the next loop-turn boundary.
func (s *Session) dropConnectionAsync(err error) {
	if s.destroyed || s.pendingDrop != nil {
		return
	}
	s.pendingDrop = err
	s.socket.ScheduleWrite()
}

// drainPendingDrop runs a pending-drop descriptor queued by
// dropConnectionAsync, if any. Called at the start of
// onConnectionWriteReady (spec.md §4.5 step 1), before any control or
// request stream is serviced for this turn.
func (s *Session) drainPendingDrop() bool {
	if s.pendingDrop == nil {
		return false
	}
	err := s.pendingDrop
	s.pendingDrop = nil
	s.DropConnection(err)
	return true
}

func (s *Session) GetCurrentTransportInfo() wire.TransportInfo {
	return s.socket.TransportInfo()
}

func (s *Session) GetCurrentStreamTransportInfo(id wire.StreamID) (wire.TransportInfo, bool) {
	if _, ok := s.registry.GetRequest(id); !ok {
		return wire.TransportInfo{}, false
	}
	return s.socket.TransportInfo(), true
}

// OnNewBidirectionalStream handles a peer-initiated request stream.
func (s *Session) OnNewBidirectionalStream(id wire.StreamID) {
	if !s.dialect.CheckNewStream(s, uint64(id), true) {
		s.socket.StopSending(id, uint64(ErrWrongStream))
		s.socket.ResetStream(id, uint64(ErrWrongStream))
		return
	}
	if uint64(id) > s.highestPeerStreamID {
		s.highestPeerStreamID = uint64(id)
	}
	if s.handler == nil {
		s.socket.StopSending(id, uint64(ErrRejected))
		s.socket.ResetStream(id, uint64(ErrRejected))
		return
	}
	txn := s.handler()
	rst := newRequestStreamTransport(s, id, true, id, s.codecFactory(), txn)
	s.registry.AddRequest(id, rst)
	telemetry.StreamOpened()
	s.socket.SetReadCallback(id, func() { s.readAvailable(id) })
}

// OnNewUnidirectionalStream hands a peer-initiated unidirectional stream
// to the stream-type dispatcher.
func (s *Session) OnNewUnidirectionalStream(id wire.StreamID) {
	s.onNewUnidirectionalStream(id)
}

// OnStopSending handles the peer aborting read interest in one of our
// egress streams.
func (s *Session) OnStopSending(id wire.StreamID, code uint64) {
	if s.inOnStopSending {
		return // re-entrant stop_sending on the same turn, ignore
	}
	s.inOnStopSending = true
	defer func() { s.inOnStopSending = false }()

	if rst, ok := s.registry.GetRequest(id); ok {
		rst.onReset(AppError(code))
		return
	}
	for _, cst := range s.registry.AllControl() {
		if cst.egressID == id {
			s.dropConnectionAsync(&ConnectionError{Proxygen: ErrorConnectionReset, App: ErrClosedCriticalStream, Msg: "control stream stop_sending"})
			return
		}
	}
}

// readAvailable pulls newly available bytes for a request stream and
// feeds them to its codec.
func (s *Session) readAvailable(id wire.StreamID) {
	rst, ok := s.registry.GetRequest(id)
	if !ok {
		return
	}
	buf := wire.GetChunk(16384)
	defer wire.PutChunk(buf)
	buf = buf[:cap(buf)]
	for i := 0; i < s.egressSettings.MaxReadsPerLoop; i++ {
		n, eof, opErr := s.socket.Read(id, buf)
		if opErr != nil {
			s.ReadError(id, opErr)
			return
		}
		if n > 0 {
			rst.readBuf = append(rst.readBuf, buf[:n]...)
		}
		more := rst.ProcessReadData()
		if eof {
			rst.onIngressFIN()
			return
		}
		if n == 0 || !more {
			return
		}
	}
}

// ReadError reports a transport-level read failure on a single stream.
func (s *Session) ReadError(id wire.StreamID, err error) {
	if rst, ok := s.registry.GetRequest(id); ok {
		rst.txn.OnError(err)
		rst.abortIngress(ErrGeneralProtocolError)
		return
	}
	s.dropConnectionAsync(err)
}

// OnFlowControlUpdate re-enqueues id so the egress scheduler revisits a
// stream that was blocked on its send window.
func (s *Session) OnFlowControlUpdate(id wire.StreamID) {
	if _, ok := s.registry.GetRequest(id); ok {
		s.priority.Enqueue(id)
		s.socket.ScheduleWrite()
	}
}

// OnConnectionWriteReady drives the egress scheduler with the
// connection-level send budget the transport currently allows.
func (s *Session) OnConnectionWriteReady(budget int) {
	s.onConnectionWriteReady(budget)
}

// OnConnectionWriteError is always connection-fatal.
func (s *Session) OnConnectionWriteError(err error) {
	s.dropConnectionAsync(err)
}

// OnDeliveryAck dispatches a per-offset delivery (or cancellation)
// notification to whichever transport owns id.
func (s *Session) OnDeliveryAck(id wire.StreamID, offset uint64, acked bool) {
	if rst, ok := s.registry.GetRequest(id); ok {
		rst.onDeliveryAck(offset, acked)
		return
	}
	if cst, ok := s.registry.ControlByType(s.controlTypeForEgress(id)); ok && cst.egressID == id {
		if cst.goAwayAckOffset != nil && *cst.goAwayAckOffset == offset {
			cst.goAwayAckOffset = nil
			s.onGoAwayDelivered(offset, acked)
		}
	}
}

func (s *Session) controlTypeForEgress(id wire.StreamID) ControlStreamType {
	for _, cst := range s.registry.AllControl() {
		if cst.egressID == id {
			return cst.typ
		}
	}
	log.Printf("session %s: delivery ack for unknown egress stream %d", s.ID, id)
	return StreamTypeControl
}

// OnCanceled reports a peer RESET_STREAM on one of our ingress streams.
func (s *Session) OnCanceled(id wire.StreamID, code uint64) {
	if rst, ok := s.registry.GetRequest(id); ok {
		rst.onReset(AppError(code))
		return
	}
	if _, ok := s.registry.ControlByIngress(id); ok {
		s.dropConnectionAsync(&ConnectionError{Proxygen: ErrorConnectionReset, App: ErrClosedCriticalStream, Msg: "control stream reset"})
	}
}

// OnConnectionError is invoked by the transport when the connection
// fails for reasons outside the session's own protocol logic (idle
// timeout, peer CONNECTION_CLOSE, network failure).
func (s *Session) OnConnectionError(err error) {
	s.DropConnection(err)
}

// OnReplaySafe notifies the session 0-RTT data is now safe to send;
// this core has no 0-RTT-gated state of its own.
func (s *Session) OnReplaySafe() {}

// OnPartialDataExpired/OnPartialDataRejected implement the
// partial-reliability supplement.
func (s *Session) OnPartialDataExpired(id wire.StreamID, offset uint64) {
	if rst, ok := s.registry.GetRequest(id); ok {
		rst.onDataExpired(offset)
	}
}

func (s *Session) OnPartialDataRejected(id wire.StreamID, offset uint64) {
	if rst, ok := s.registry.GetRequest(id); ok {
		rst.onDataRejected(offset)
	}
}

// NotifyPendingShutdown starts a graceful drain.
func (s *Session) NotifyPendingShutdown() { s.notifyPendingShutdown() }

// CloseWhenIdle starts a drain like NotifyPendingShutdown and destroys
// the session at once if that drain is already DONE and no streams
// remain; otherwise the drain runs its normal course.
func (s *Session) CloseWhenIdle() { s.closeWhenIdle() }

// --- internal helpers shared by dialect.go ---

func (s *Session) onPeerSettings(set codec.Settings) {
	s.dialect.ApplySettings(s, set)
}

// createEgressControl opens a unidirectional stream, writes its type
// preface, and registers the resulting ControlStreamTransport.
func (s *Session) createEgressControl(typ ControlStreamType, c codec.ControlCodec) *ControlStreamTransport {
	id, opErr := s.socket.OpenUnidirectionalStream()
	if opErr != nil {
		s.dropConnectionAsync(opErr)
		return nil
	}
	cst := newControlStreamTransport(s, id, typ, c)
	s.registry.AddControlEgress(typ, cst)
	cst.enqueuePreface(unistreamPreface(typ))
	return cst
}

func unistreamPreface(typ ControlStreamType) []byte {
	var tag uint64
	switch typ {
	case StreamTypeControl:
		tag = 0x00
	case StreamTypeQPACKEncoder:
		tag = 0x02
	case StreamTypeQPACKDecoder:
		tag = 0x03
	}
	return codec.AppendVarint(nil, tag)
}

func (s *Session) sendSettingsOnType(typ ControlStreamType, set codec.Settings) {
	cst, ok := s.registry.ControlByType(typ)
	if !ok || cst.codec == nil {
		return
	}
	cst.enqueueFrame(cst.codec.EncodeSettings(set))
}

func (s *Session) sendGoAwayOnType(typ ControlStreamType, limit uint64) {
	cst, ok := s.registry.ControlByType(typ)
	if !ok || cst.codec == nil {
		return
	}
	frame := cst.codec.EncodeGoAway(limit)
	cst.enqueueFrame(frame)
	telemetry.GoAwaySent()
	newOffset := uint64(len(cst.writeBuf))
	off := newOffset - 1
	cst.goAwayAckOffset = &off
	s.socket.RegisterDeliveryCallback(cst.egressID, off, func(offset uint64, acked bool) {
		s.OnDeliveryAck(cst.egressID, offset, acked)
	})
}

func (s *Session) String() string {
	return fmt.Sprintf("session{%s %s drain=%s streams=%d}", s.direction, s.dialect.Dialect(), s.drain, s.registry.StreamCount())
}
