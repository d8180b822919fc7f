package session

import (
	"github.com/costinm/hq/session/codec"
	"github.com/costinm/hq/session/wire"
	"github.com/costinm/hq/telemetry"
)

// pendingUnistream tracks a peer-initiated unidirectional stream while
// its type preface is still being assembled.
type pendingUnistream struct {
	id  wire.StreamID
	buf []byte
}

// onNewUnidirectionalStream installs a peek callback that accumulates
// bytes until the leading varint preface can be read, then classifies
// the stream and hands it off to the matching control-stream slot.
// Unknown preface values get a STOP_SENDING on that one stream and
// leave the connection open, matching the "unknown unidirectional
// stream types must be tolerated" rule HTTP/3 and dialect v2 share. Dialect v1 never reaches this point for
// a peer id that passes CheckNewStream, since it rejects every
// unidirectional stream outright.
func (s *Session) onNewUnidirectionalStream(id wire.StreamID) {
	if !s.dialect.CheckNewStream(s, uint64(id), false) {
		s.socket.StopSending(id, uint64(ErrWrongStream))
		return
	}
	pu := &pendingUnistream{id: id}
	s.pendingUni[id] = pu
	s.socket.SetPeekCallback(id, func(data []byte) {
		s.onUnistreamPeek(pu, data)
	})
}

func (s *Session) onUnistreamPeek(pu *pendingUnistream, data []byte) {
	pu.buf = append(pu.buf[:0:0], data...)
	tag, n, ok := codec.ReadVarint(pu.buf)
	if !ok {
		if len(pu.buf) > 8 {
			// A preface varint is at most 8 bytes; anything longer without
			// a terminator is malformed.
			s.dropConnectionAsync(&ConnectionError{Proxygen: ErrorConnectionReset, App: ErrGeneralProtocolError, Msg: "unistream preface too long"})
		}
		return
	}

	if s.dialect.IsPushStreamPreface(tag) {
		pushID, n2, ok := codec.ReadVarint(pu.buf[n:])
		if !ok {
			if len(pu.buf) > 16 {
				s.dropConnectionAsync(&ConnectionError{Proxygen: ErrorConnectionReset, App: ErrGeneralProtocolError, Msg: "push stream preface too long"})
			}
			return // need more bytes for the push id varint
		}
		delete(s.pendingUni, pu.id)
		s.socket.Consume(pu.id, n+n2)
		s.socket.SetPeekCallback(pu.id, nil)
		s.onNewPushIngressStream(pu.id, pushID)
		return
	}

	delete(s.pendingUni, pu.id)
	s.socket.Consume(pu.id, n)
	s.socket.SetPeekCallback(pu.id, nil)

	typ, known := s.dialect.ParseStreamPreface(tag)
	if !known {
		// Unrecognized type: reject it with STOP_SENDING carrying the
		// "unknown stream type" application error and detach all
		// callbacks; the connection itself stays open.
		s.socket.StopSending(pu.id, uint64(ErrUnknownStreamType))
		return
	}

	cst, dup := s.registry.AttachControlIngress(typ, pu.id)
	if dup {
		s.dropConnectionAsync(&ConnectionError{Proxygen: ErrorConnectionReset, App: ErrWrongStreamCount, Msg: "duplicate " + typ.String() + " stream"})
		return
	}
	if cst == nil {
		// No matching egress control stream was ever created for this
		// dialect/type: the peer is confused about our advertised
		// capabilities.
		s.dropConnectionAsync(&ConnectionError{Proxygen: ErrorConnectionReset, App: ErrUnknownStreamType})
		return
	}
	if cst.codec == nil {
		cst.codec = s.dialect.CreateControlCodec(typ)
		if cst.codec != nil {
			cst.codec.SetEventSink(cst)
		}
	}

	s.socket.SetReadCallback(pu.id, func() {
		s.onControlReadable(cst)
	})
	// Bytes past the preface may already be sitting in this stream's
	// buffer from the same delivery that carried the preface; a real
	// socket edge-triggers on new bytes, so nothing would prompt another
	// callback until the next write. Process what is already there now.
	s.onControlReadable(cst)
}

// onNewPushIngressStream wires up a peer-initiated (server-to-client)
// push stream once its type tag and push id have both been peeked. If
// no handler ever claimed pushID via a prior PUSH_PROMISE, the stream
// is rejected rather than silently buffered.
func (s *Session) onNewPushIngressStream(id wire.StreamID, pushID uint64) {
	txn, ok := s.pendingPush[pushID]
	if !ok {
		s.socket.StopSending(id, uint64(ErrRequestRejected))
		return
	}
	delete(s.pendingPush, pushID)
	rst := newRequestStreamTransport(s, id, true, id, s.codecFactory(), txn)
	rst.isPush = true
	rst.hasEgress = false
	s.registry.AddRequest(id, rst)
	s.registry.AddPush(id)
	telemetry.StreamOpened()
	s.socket.SetReadCallback(id, func() { s.readAvailable(id) })
	// As in onUnistreamPeek: bytes past the push preface may already be
	// buffered from the same delivery, so read them now rather than
	// waiting for a callback that a real socket would only fire on new
	// bytes arriving.
	s.readAvailable(id)
}

func (s *Session) onControlReadable(cst *ControlStreamTransport) {
	buf := wire.GetChunk(4096)
	defer wire.PutChunk(buf)
	buf = buf[:cap(buf)]
	n, eof, opErr := s.socket.Read(*cst.ingressID, buf)
	if opErr != nil {
		s.dropConnectionAsync(&ConnectionError{Proxygen: ErrorConnectionReset, Msg: opErr.Error()})
		return
	}
	if n > 0 {
		cst.readBuf = append(cst.readBuf, buf[:n]...)
		cst.ProcessReadData()
	}
	if eof {
		// A control stream closing its ingress half is always fatal.
		s.dropConnectionAsync(&ConnectionError{Proxygen: ErrorConnectionReset, App: ErrClosedCriticalStream, Msg: "control stream FIN"})
	}
}
