package session

import (
	"time"

	"github.com/costinm/hq/session/codec"
	"github.com/costinm/hq/session/wire"
	"github.com/costinm/hq/telemetry"
)

// ControlStreamTransport is the per-control-stream glue: preface
// emission, ingress codec routing, egress framing. Ambiguity between
// multiple active codecs is avoided by construction — ControlStreamTransport
// is itself the codec.ControlEventSink, and it forwards connection-level
// events straight to the session rather than mutating a shared
// "active codec" pointer.
type ControlStreamTransport struct {
	session *Session

	egressID  wire.StreamID
	ingressID *wire.StreamID
	typ       ControlStreamType

	codec codec.ControlCodec

	writeBuf []byte
	readBuf  []byte

	created time.Time

	priorityEnqueued bool

	goAwayAckOffset *uint64
}

func newControlStreamTransport(s *Session, egressID wire.StreamID, typ ControlStreamType, c codec.ControlCodec) *ControlStreamTransport {
	cst := &ControlStreamTransport{
		session:  s,
		egressID: egressID,
		typ:      typ,
		codec:    c,
		created:  time.Now(),
	}
	if c != nil {
		c.SetEventSink(cst)
	}
	return cst
}

// --- codec.ControlEventSink ---

func (cst *ControlStreamTransport) OnSettings(s codec.Settings) {
	cst.session.onPeerSettings(s)
}

func (cst *ControlStreamTransport) OnGoAway(lastStreamID uint64) {
	cst.session.onPeerGoAway(lastStreamID)
}

func (cst *ControlStreamTransport) OnPriority(streamID uint64, weight uint8) {
	// Priority frames are ignored; they are not forwarded to the
	// priority queue.
}

func (cst *ControlStreamTransport) OnControlError(err error) {
	// Any application or protocol error on a control stream is always
	// connection-fatal.
	cst.session.dropConnectionAsync(&ConnectionError{
		Proxygen: ErrorConnectionReset,
		App:      ErrClosedCriticalStream,
		Msg:      err.Error(),
	})
}

func (cst *ControlStreamTransport) enqueuePreface(preface []byte) {
	cst.writeBuf = append(cst.writeBuf, preface...)
	cst.enqueue()
}

func (cst *ControlStreamTransport) enqueueFrame(b []byte) {
	cst.writeBuf = append(cst.writeBuf, b...)
	cst.enqueue()
}

func (cst *ControlStreamTransport) enqueue() {
	if cst.priorityEnqueued {
		return
	}
	cst.priorityEnqueued = true
	cst.session.socket.ScheduleWrite()
}

// ProcessReadData feeds ingress bytes to the control codec.
func (cst *ControlStreamTransport) ProcessReadData() {
	if cst.codec == nil || len(cst.readBuf) == 0 {
		return
	}
	consumed, _, err := cst.codec.FeedIngress(cst.readBuf)
	cst.readBuf = cst.readBuf[consumed:]
	if err != nil {
		cst.OnControlError(err)
	}
}

// writeImpl drains the control stream's buffered egress, subtracting
// from the connection-level budget the egress scheduler gives it.
// Control streams ignore per-stream flow control windows in this
// design since they carry small, bounded traffic (settings/goaway/
// priority) the peer is expected to always have receive window for;
// written is still capped by the connection window like every other
// stream.
func (cst *ControlStreamTransport) writeImpl(budget int) int {
	if len(cst.writeBuf) == 0 {
		cst.priorityEnqueued = false
		return 0
	}
	n := len(cst.writeBuf)
	if n > budget {
		n = budget
	}
	if n <= 0 {
		return 0
	}
	written, opErr := cst.session.socket.WriteChain(cst.egressID, [][]byte{cst.writeBuf[:n]}, false)
	if opErr != nil {
		cst.session.dropConnectionAsync(&ConnectionError{Proxygen: ErrorConnectionReset, Msg: opErr.Error()})
		return 0
	}
	telemetry.BytesWritten(written)
	cst.writeBuf = cst.writeBuf[written:]
	if len(cst.writeBuf) == 0 {
		cst.priorityEnqueued = false
	}
	return written
}
