package wire

import (
	"sort"
	"sync"
)

// FakeSocket is a deterministic, single-process stand-in for a
// handshaken QUIC socket, used by session package tests. It models just
// enough of the socket contract — stream creation, buffered delivery,
// flow control windows, delivery callbacks — to drive the session core
// without a real QUIC transport, pairing two in-process sockets instead
// of hitting the network.
//
// Two FakeSockets are wired together by NewFakeSocketPair; writes on one
// appear as ingress on the other once Deliver is called, which keeps
// test sequencing explicit instead of relying on goroutine scheduling.
type FakeSocket struct {
	mu sync.Mutex

	alpn string
	peer *FakeSocket

	nextLocalBidi uint64
	nextLocalUni  uint64
	isServer      bool

	streams map[StreamID]*fakeStream

	connSendWindow uint64
	connRecvWindow uint64

	pendingWrite bool
	closed       bool
	closeErr     *OpError

	// outbox holds bytes written via WriteChain keyed by destination
	// stream id, waiting for Deliver to move them to the peer.
	outbox map[StreamID][][]byte
	eom    map[StreamID]bool
}

type fakeStream struct {
	id StreamID

	writeOffset uint64
	ackedUpTo   uint64

	readBuf    []byte
	readEOF    bool
	readClosed bool

	readCB ReadCallback
	peekCB PeekCallback

	deliveryCBs map[uint64]DeliveryCallback

	resetCode       *uint64
	stopSendingCode *uint64
}

// NewFakeSocketPair returns a connected client/server FakeSocket pair
// negotiated with the given ALPN label.
func NewFakeSocketPair(alpn string) (client, server *FakeSocket) {
	client = &FakeSocket{
		alpn:           alpn,
		streams:        make(map[StreamID]*fakeStream),
		outbox:         make(map[StreamID][][]byte),
		eom:            make(map[StreamID]bool),
		connSendWindow: 1 << 20,
		connRecvWindow: 1 << 20,
		isServer:       false,
		nextLocalBidi:  0, // client-initiated bidi ids are 0,4,8,... (low bits 00)
		nextLocalUni:   2, // client-initiated uni ids are 2,6,10,... (low bits 10)
	}
	server = &FakeSocket{
		alpn:           alpn,
		streams:        make(map[StreamID]*fakeStream),
		outbox:         make(map[StreamID][][]byte),
		eom:            make(map[StreamID]bool),
		connSendWindow: 1 << 20,
		connRecvWindow: 1 << 20,
		isServer:       true,
		nextLocalBidi:  1, // server-initiated bidi ids are 1,5,9,...
		nextLocalUni:   3, // server-initiated uni ids are 3,7,11,...
	}
	client.peer = server
	server.peer = client
	return client, server
}

func (f *FakeSocket) ApplicationProtocol() string { return f.alpn }

func (f *FakeSocket) stream(id StreamID) *fakeStream {
	s, ok := f.streams[id]
	if !ok {
		s = &fakeStream{id: id, deliveryCBs: make(map[uint64]DeliveryCallback)}
		f.streams[id] = s
	}
	return s
}

func (f *FakeSocket) OpenBidirectionalStream() (StreamID, *OpError) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := StreamID(f.nextLocalBidi)
	f.nextLocalBidi += 4
	f.stream(id)
	return id, nil
}

func (f *FakeSocket) OpenUnidirectionalStream() (StreamID, *OpError) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := StreamID(f.nextLocalUni)
	f.nextLocalUni += 4
	f.stream(id)
	return id, nil
}

func (f *FakeSocket) SetReadCallback(id StreamID, cb ReadCallback) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.stream(id)
	s.readCB = cb
	s.peekCB = nil
}

func (f *FakeSocket) SetPeekCallback(id StreamID, cb PeekCallback) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.stream(id)
	s.peekCB = cb
	s.readCB = nil
}

func (f *FakeSocket) Peek(id StreamID, buf []byte) (int, *OpError) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.stream(id)
	n := copy(buf, s.readBuf)
	return n, nil
}

func (f *FakeSocket) Consume(id StreamID, n int) *OpError {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.stream(id)
	if n > len(s.readBuf) {
		n = len(s.readBuf)
	}
	s.readBuf = s.readBuf[n:]
	return nil
}

func (f *FakeSocket) Read(id StreamID, buf []byte) (int, bool, *OpError) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.stream(id)
	n := copy(buf, s.readBuf)
	s.readBuf = s.readBuf[n:]
	eof := s.readEOF && len(s.readBuf) == 0
	return n, eof, nil
}

func (f *FakeSocket) WriteChain(id StreamID, chunks [][]byte, eom bool) (int, *OpError) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.stream(id)
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	requested := total
	avail := f.connSendWindow
	if uint64(total) > avail {
		total = int(avail)
	}
	written := 0
	var kept [][]byte
	for _, c := range chunks {
		if written >= total {
			break
		}
		take := len(c)
		if written+take > total {
			take = total - written
		}
		kept = append(kept, append([]byte(nil), c[:take]...))
		written += take
	}
	f.connSendWindow -= uint64(written)
	s.writeOffset += uint64(written)
	f.outbox[id] = append(f.outbox[id], kept...)
	if eom && written == requested {
		f.eom[id] = true
	}
	return written, nil
}

func (f *FakeSocket) ResetStream(id StreamID, code uint64) *OpError {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.stream(id)
	s.resetCode = &code
	return nil
}

func (f *FakeSocket) StopSending(id StreamID, code uint64) *OpError {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.stream(id)
	s.stopSendingCode = &code
	return nil
}

func (f *FakeSocket) RegisterDeliveryCallback(id StreamID, offset uint64, cb DeliveryCallback) *OpError {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.stream(id)
	s.deliveryCBs[offset] = cb
	return nil
}

func (f *FakeSocket) SendWindowAvailable(id StreamID) uint64 {
	return f.connSendWindow
}

func (f *FakeSocket) ConnectionSendWindowAvailable() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connSendWindow
}

func (f *FakeSocket) TransportInfo() TransportInfo {
	return TransportInfo{CongestionControlAlgorithm: "fake"}
}

func (f *FakeSocket) ScheduleWrite() {
	f.mu.Lock()
	f.pendingWrite = true
	f.mu.Unlock()
}

func (f *FakeSocket) Close(err *OpError) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeErr = err
}

// Deliver moves every byte written via WriteChain since the last call
// into the peer's ingress buffers and invokes the peer's installed
// callbacks, then immediately acks all delivered offsets back to the
// writer. Tests call this to advance the simulated wire.
func (f *FakeSocket) Deliver() {
	f.mu.Lock()
	peer := f.peer
	outbox := f.outbox
	f.outbox = make(map[StreamID][][]byte)
	eom := f.eom
	f.eom = make(map[StreamID]bool)
	f.mu.Unlock()

	for id, chunks := range outbox {
		var total int
		peer.mu.Lock()
		ps := peer.stream(id)
		for _, c := range chunks {
			ps.readBuf = append(ps.readBuf, c...)
			total += len(c)
		}
		if eom[id] {
			ps.readEOF = true
		}
		cb := ps.readCB
		pk := ps.peekCB
		peer.mu.Unlock()
		if cb != nil {
			cb()
		} else if pk != nil {
			peer.mu.Lock()
			data := append([]byte(nil), ps.readBuf...)
			peer.mu.Unlock()
			pk(data)
		}

		f.mu.Lock()
		s := f.stream(id)
		var offsets []uint64
		for off := range s.deliveryCBs {
			if off <= s.writeOffset {
				offsets = append(offsets, off)
			}
		}
		// Delivery callbacks for a given stream fire in offset-ascending
		// order (spec.md §5); Go map iteration gives no such guarantee.
		sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
		type pending struct {
			off uint64
			cb  DeliveryCallback
		}
		cbs := make([]pending, 0, len(offsets))
		for _, off := range offsets {
			cbs = append(cbs, pending{off: off, cb: s.deliveryCBs[off]})
			delete(s.deliveryCBs, off)
		}
		f.mu.Unlock()
		for _, p := range cbs {
			p.cb(p.off, true)
		}
	}
}

var _ Socket = (*FakeSocket)(nil)

// StopSendingCode returns the application error code the session core
// passed to StopSending on id, if any. Test-only observability into the
// fake's internal stream state.
func (f *FakeSocket) StopSendingCode(id StreamID) *uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.streams[id]
	if !ok {
		return nil
	}
	return s.stopSendingCode
}

// ResetCode returns the application error code the session core passed
// to ResetStream on id, if any.
func (f *FakeSocket) ResetCode(id StreamID) *uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.streams[id]
	if !ok {
		return nil
	}
	return s.resetCode
}

// HasStream reports whether id has ever been touched on this socket,
// for tests asserting a rejected stream never gets its own state.
func (f *FakeSocket) HasStream(id StreamID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.streams[id]
	return ok
}
