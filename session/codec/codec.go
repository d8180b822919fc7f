// Package codec declares the pluggable byte-in/event-out,
// event-in/byte-out translators the session core drives. HTTP parsing
// and QPACK are explicitly out of scope for the core; this package only
// fixes the seam, plus (in refcodec.go) a small reference implementation
// that the session uses as its default request codec and as its
// control-stream codec, and that the tests drive, the way proxygen's test suite drives
// HQSession against a fake, non-QPACK codec rather than a full one.
package codec

import "net/http"

// Message is the minimal request/response envelope the core threads
// between a transaction and a codec. It is not a full HTTP message
// model — that lives in the (out of scope) transaction layer.
type Message struct {
	IsRequest  bool
	Method     string
	Path       string
	StatusCode int
	Headers    http.Header

	// PushID, when non-zero, marks this as a server push promise for the
	// given push id.
	PushID uint64
}

// Settings is a generic SETTINGS parameter bag. HTTP/3's well-known
// parameter ids are named constants read through Get; dialects that don't use SETTINGS
// (v1) never construct one.
type Settings struct {
	Params map[uint64]uint64
}

const (
	SettingQPACKMaxTableCapacity uint64 = 0x1
	SettingMaxFieldSectionSize   uint64 = 0x6
	SettingQPACKBlockedStreams   uint64 = 0x7
)

func (s Settings) Get(id uint64) (uint64, bool) {
	if s.Params == nil {
		return 0, false
	}
	v, ok := s.Params[id]
	return v, ok
}

// EventSink receives events parsed off a request-stream's ingress by a
// RequestCodec. It is set by the request-stream transport that owns the
// codec rather than swapped behind a package-global; control streams
// use ControlEventSink instead.
type EventSink interface {
	OnHeaders(msg *Message)
	OnBody(data []byte)
	OnTrailers(trailers http.Header)
	OnEOM()
	OnStreamError(err error)

	// OnPushPromise delivers a PUSH_PROMISE parsed off a request
	// stream's ingress; msg.PushID identifies the push, correlated
	// against the dedicated push stream opened separately.
	OnPushPromise(msg *Message)
}

// ControlEventSink receives the connection-level events a ControlCodec
// parses off a control stream: SETTINGS, GOAWAY, PRIORITY.
type ControlEventSink interface {
	OnSettings(s Settings)
	OnGoAway(lastStreamID uint64)
	OnPriority(streamID uint64, weight uint8)
	OnControlError(err error)
}

// RequestCodec frames a single request or response stream. FeedIngress
// is called with newly available bytes and returns how many it
// consumed; blocked indicates the codec needs more bytes before it can
// make further progress, matching request-stream transport's
// process-read-data contract.
type RequestCodec interface {
	SetEventSink(EventSink)
	FeedIngress(data []byte) (consumed int, blocked bool, err error)

	EncodeHeaders(msg *Message) []byte
	EncodeBody(b []byte) []byte
	EncodeTrailers(h http.Header) []byte
	EncodeEOM() []byte
	EncodePushPromise(msg *Message) []byte
}

// ControlCodec frames a control stream (SETTINGS/GOAWAY/PRIORITY for
// HTTP/3 and dialect v2; dialect v1 never constructs one).
type ControlCodec interface {
	SetEventSink(ControlEventSink)
	FeedIngress(data []byte) (consumed int, blocked bool, err error)

	EncodeSettings(s Settings) []byte
	EncodeGoAway(lastStreamID uint64) []byte
}
