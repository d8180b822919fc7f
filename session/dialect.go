package session

import "github.com/costinm/hq/session/codec"

// Dialect is the wire variant negotiated via ALPN.
type Dialect int

const (
	DialectUnknown Dialect = iota
	// DialectV1 is the legacy framed dialect with no control stream.
	DialectV1
	// DialectV2 is the legacy framed dialect with a single control stream.
	DialectV2
	// DialectH3 is full HTTP/3: control + QPACK encoder + QPACK decoder.
	DialectH3
)

func (d Dialect) String() string {
	switch d {
	case DialectV1:
		return "v1"
	case DialectV2:
		return "v2"
	case DialectH3:
		return "h3"
	default:
		return "unknown"
	}
}

// MaxStreamID is the largest representable QUIC stream id (62-bit
// varint space), used as the first GOAWAY's limit.
const MaxStreamID uint64 = (1 << 62) - 1

// DialectFromALPN maps the negotiated application-protocol label to a
// dialect. Absence of a supported label is a hard failure the caller
// must turn into a connection drop.
func DialectFromALPN(alpn string) (Dialect, bool) {
	switch alpn {
	case "h1q-fb", "h1q", "hq-27":
		return DialectV1, true
	case "h1q-fb-v2":
		return DialectV2, true
	case "h3-fb-05", "h3-27":
		return DialectH3, true
	default:
		return DialectUnknown, false
	}
}

// VersionUtils encapsulates all per-dialect policy; the session never
// inspects the dialect enum directly, only through this interface.
type VersionUtils interface {
	Dialect() Dialect
	HasControlStream() bool

	// CheckNewStream is the accept/reject predicate for newly observed
	// peer-initiated streams.
	CheckNewStream(s *Session, id uint64, bidirectional bool) bool

	// CreateEgressControlStreams opens and primes this dialect's
	// required control streams at bring-up.
	CreateEgressControlStreams(s *Session)

	// CreateControlCodec produces the ingress codec for a classified
	// unidirectional stream type.
	CreateControlCodec(typ ControlStreamType) codec.ControlCodec

	// ParseStreamPreface maps a preface varint to a stream type, for
	// this dialect's accepted set.
	ParseStreamPreface(tag uint64) (ControlStreamType, bool)

	// IsPushStreamPreface reports whether tag identifies a push stream,
	// whose preface carries a second varint (the push id) the common
	// control-type table in ParseStreamPreface doesn't model.
	IsPushStreamPreface(tag uint64) bool

	// PushStreamPrefaceTag is the type tag this dialect uses to open a
	// push stream; dialects without push support never call it.
	PushStreamPrefaceTag() uint64

	ApplySettings(s *Session, set codec.Settings)
	SendSettings(s *Session)
	SendGoAway(s *Session, limit uint64)

	HeadersComplete(s *Session, rst *RequestStreamTransport, msg *codec.Message)

	// EgressHeadersSent mirrors HeadersComplete for the outbound
	// direction: dialect v1 inspects an outgoing message's headers for
	// Connection: close the same way it inspects an inbound one, since
	// v1 has no control stream and drains entirely off that header.
	EgressHeadersSent(s *Session, msg *codec.Message)

	ReadDataProcessed(s *Session)
	AbortStream(s *Session, id uint64)
}

// checkNewStreamCommon implements the shared v2/HTTP-3 acceptance rule:
// reject peer-initiated bidirectional streams opened by a peer acting
// out of its role (a DOWNSTREAM session's peer, i.e. the client, never
// opens server-style streams), and once draining, reject ids beyond
// the advertised GOAWAY limit.
func checkNewStreamCommon(s *Session, id uint64, bidirectional bool) bool {
	if bidirectional {
		// A peer acting as a server would open bidi streams with the
		// server-initiated low bits (1 mod 4); reject those.
		if id%4 == 1 && s.direction == Downstream {
			return false
		}
	} else {
		if id%4 == 3 && s.direction == Downstream {
			return false // server-initiated uni from a client peer
		}
	}
	if !s.draining() {
		return true
	}
	if s.direction == Upstream {
		if s.peerGoAwayLimit != nil && id > *s.peerGoAwayLimit {
			return false
		}
		return true
	}
	// DOWNSTREAM: reject ids beyond the highest peer-initiated id
	// already seen at the time the GOAWAY was queued.
	return id <= s.highestPeerStreamID
}

// --- Dialect v1 ---

type dialectV1 struct{}

func (dialectV1) Dialect() Dialect        { return DialectV1 }
func (dialectV1) HasControlStream() bool  { return false }

func (dialectV1) CheckNewStream(s *Session, id uint64, bidirectional bool) bool {
	// Legacy single-direction dialect: no unidirectional streams, no
	// peer-server-initiated streams.
	if !bidirectional {
		return false
	}
	if id%4 == 1 && s.direction == Downstream {
		return false
	}
	return true
}

func (dialectV1) CreateEgressControlStreams(s *Session) {}

func (dialectV1) CreateControlCodec(typ ControlStreamType) codec.ControlCodec { return nil }

func (dialectV1) ParseStreamPreface(tag uint64) (ControlStreamType, bool) { return 0, false }

func (dialectV1) IsPushStreamPreface(tag uint64) bool { return false }
func (dialectV1) PushStreamPrefaceTag() uint64        { return 0 }

func (dialectV1) ApplySettings(s *Session, set codec.Settings) {}
func (dialectV1) SendSettings(s *Session)                      {}
func (dialectV1) SendGoAway(s *Session, limit uint64)          {}

func (dialectV1) HeadersComplete(s *Session, rst *RequestStreamTransport, msg *codec.Message) {
	if msg.Headers == nil {
		return
	}
	if v := msg.Headers.Get("Connection"); v == "close" || v == "Close" {
		s.onV1InboundClose()
	}
}

func (dialectV1) EgressHeadersSent(s *Session, msg *codec.Message) {
	if msg.Headers == nil {
		return
	}
	if v := msg.Headers.Get("Connection"); v == "close" || v == "Close" {
		s.onV1OutboundClose()
	}
}

func (dialectV1) ReadDataProcessed(s *Session)        {}
func (dialectV1) AbortStream(s *Session, id uint64)   {}

// --- Dialect v2 ---

type dialectV2 struct{}

func (dialectV2) Dialect() Dialect       { return DialectV2 }
func (dialectV2) HasControlStream() bool { return true }

func (dialectV2) CheckNewStream(s *Session, id uint64, bidirectional bool) bool {
	return checkNewStreamCommon(s, id, bidirectional)
}

func (dialectV2) CreateEgressControlStreams(s *Session) {
	s.createEgressControl(StreamTypeControl, codec.NewRefControlCodec())
}

func (dialectV2) CreateControlCodec(typ ControlStreamType) codec.ControlCodec {
	if typ == StreamTypeControl {
		return codec.NewRefControlCodec()
	}
	return nil
}

func (dialectV2) ParseStreamPreface(tag uint64) (ControlStreamType, bool) {
	if tag == 0 {
		return StreamTypeControl, true
	}
	return 0, false
}

// dialect v2 never offers server push.
func (dialectV2) IsPushStreamPreface(tag uint64) bool { return false }
func (dialectV2) PushStreamPrefaceTag() uint64        { return 0 }

func (dialectV2) ApplySettings(s *Session, set codec.Settings) {}

func (dialectV2) SendSettings(s *Session) {
	s.sendSettingsOnType(StreamTypeControl, codec.Settings{Params: map[uint64]uint64{}})
}

func (dialectV2) SendGoAway(s *Session, limit uint64) {
	s.sendGoAwayOnType(StreamTypeControl, limit)
}

func (dialectV2) HeadersComplete(s *Session, rst *RequestStreamTransport, msg *codec.Message) {}
func (dialectV2) EgressHeadersSent(s *Session, msg *codec.Message)                            {}
func (dialectV2) ReadDataProcessed(s *Session)                                                {}
func (dialectV2) AbortStream(s *Session, id uint64)                                            {}

// --- Dialect HTTP/3 ---

type dialectH3 struct{}

func (dialectH3) Dialect() Dialect       { return DialectH3 }
func (dialectH3) HasControlStream() bool { return true }

func (dialectH3) CheckNewStream(s *Session, id uint64, bidirectional bool) bool {
	return checkNewStreamCommon(s, id, bidirectional)
}

func (dialectH3) CreateEgressControlStreams(s *Session) {
	s.createEgressControl(StreamTypeControl, codec.NewRefControlCodec())
	s.createEgressControl(StreamTypeQPACKEncoder, nil)
	s.createEgressControl(StreamTypeQPACKDecoder, nil)
}

func (dialectH3) CreateControlCodec(typ ControlStreamType) codec.ControlCodec {
	if typ == StreamTypeControl {
		return codec.NewRefControlCodec()
	}
	return nil // QPACK encoder/decoder streams carry QPACK-specific framing, out of scope.
}

func (dialectH3) ParseStreamPreface(tag uint64) (ControlStreamType, bool) {
	switch tag {
	case 0x00:
		return StreamTypeControl, true
	case 0x02:
		return StreamTypeQPACKEncoder, true
	case 0x03:
		return StreamTypeQPACKDecoder, true
	default:
		return 0, false
	}
}

// pushStreamTag is RFC 9114's push stream type (0x01), distinct from
// the control-stream-type table above since many push streams, one
// per pushed response, can be open at once.
const pushStreamTag = 0x01

func (dialectH3) IsPushStreamPreface(tag uint64) bool { return tag == pushStreamTag }
func (dialectH3) PushStreamPrefaceTag() uint64        { return pushStreamTag }

func (dialectH3) ApplySettings(s *Session, set codec.Settings) {
	if s.settingsReceived {
		// SETTINGS may only be sent once; redefining QPACK parameters
		// after the first frame is connection-fatal.
		s.dropConnectionAsync(&ConnectionError{Proxygen: ErrorConnectionReset, App: ErrClosedCriticalStream, Msg: "duplicate SETTINGS"})
		return
	}
	s.settingsReceived = true
	if v, ok := set.Get(codec.SettingQPACKMaxTableCapacity); ok {
		s.ingressSettings.QPACKMaxTableCapacity = v
	}
	if v, ok := set.Get(codec.SettingQPACKBlockedStreams); ok {
		s.ingressSettings.QPACKMaxBlockedStreams = v
	}
}

func (dialectH3) SendSettings(s *Session) {
	s.sendSettingsOnType(StreamTypeControl, codec.Settings{Params: map[uint64]uint64{
		codec.SettingQPACKMaxTableCapacity: s.egressSettings.QPACKMaxTableCapacity,
		codec.SettingQPACKBlockedStreams:   s.egressSettings.QPACKMaxBlockedStreams,
	}})
}

func (dialectH3) SendGoAway(s *Session, limit uint64) {
	s.sendGoAwayOnType(StreamTypeControl, limit)
}

func (dialectH3) HeadersComplete(s *Session, rst *RequestStreamTransport, msg *codec.Message) {
	// A real QPACK encoder-stream writer would flush newly insertable
	// header-field references from here; no-op without one wired in.
}

func (dialectH3) EgressHeadersSent(s *Session, msg *codec.Message) {}

func (dialectH3) ReadDataProcessed(s *Session) {
	// Flushes QPACK decoder-stream insert-count increments; no-op
	// without a real QPACK decoder wired in.
}

func (dialectH3) AbortStream(s *Session, id uint64) {
	// Emits a QPACK cancellation for the stream's header block; no-op
	// without a real QPACK decoder wired in.
}
