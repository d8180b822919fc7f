package codec

import (
	"fmt"
	"net/http"
)

// Reference frame types, using the RFC 9114 frame shape
// (Type(i) Length(i) Payload(..)). FrameEOM is this
// package's own addition: a zero-length sentinel frame marking
// "no further frames on this stream", since a real HTTP/3 stream closes
// logically on the QUIC FIN rather than an in-band frame — tests using
// RefRequestCodec want an explicit, codec-level EOM independent of the
// fake socket's FIN so the EOM-gate behavior has something to coalesce
// against.
const (
	FrameData        uint64 = 0x00
	FrameHeaders     uint64 = 0x01
	FrameSettings    uint64 = 0x04
	FramePushPromise uint64 = 0x05
	FrameGoAway      uint64 = 0x07
	FrameEOM         uint64 = 0x7f
)

func appendFrame(buf []byte, typ uint64, payload []byte) []byte {
	buf = AppendVarint(buf, typ)
	buf = AppendVarint(buf, uint64(len(payload)))
	return append(buf, payload...)
}

func appendString(buf []byte, s string) []byte {
	buf = AppendVarint(buf, uint64(len(s)))
	return append(buf, s...)
}

func readString(buf []byte) (string, int, bool) {
	l, n, ok := ReadVarint(buf)
	if !ok || len(buf) < n+int(l) {
		return "", 0, false
	}
	return string(buf[n : n+int(l)]), n + int(l), true
}

func encodeHeaderPayload(msg *Message) []byte {
	var buf []byte
	if msg.IsRequest {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = appendString(buf, msg.Method)
	buf = appendString(buf, msg.Path)
	buf = AppendVarint(buf, uint64(msg.StatusCode))
	buf = AppendVarint(buf, msg.PushID)
	n := 0
	for k, vs := range msg.Headers {
		n += len(vs)
		_ = k
	}
	buf = AppendVarint(buf, uint64(n))
	for k, vs := range msg.Headers {
		for _, v := range vs {
			buf = appendString(buf, k)
			buf = appendString(buf, v)
		}
	}
	return buf
}

func decodeHeaderPayload(p []byte) (*Message, error) {
	if len(p) < 1 {
		return nil, fmt.Errorf("codec: truncated headers frame")
	}
	msg := &Message{IsRequest: p[0] == 1, Headers: http.Header{}}
	p = p[1:]
	var ok bool
	var n int
	if msg.Method, n, ok = readString(p); !ok {
		return nil, fmt.Errorf("codec: truncated method")
	}
	p = p[n:]
	if msg.Path, n, ok = readString(p); !ok {
		return nil, fmt.Errorf("codec: truncated path")
	}
	p = p[n:]
	status, n, ok := ReadVarint(p)
	if !ok {
		return nil, fmt.Errorf("codec: truncated status")
	}
	msg.StatusCode = int(status)
	p = p[n:]
	pushID, n, ok := ReadVarint(p)
	if !ok {
		return nil, fmt.Errorf("codec: truncated push id")
	}
	msg.PushID = pushID
	p = p[n:]
	count, n, ok := ReadVarint(p)
	if !ok {
		return nil, fmt.Errorf("codec: truncated header count")
	}
	p = p[n:]
	for i := uint64(0); i < count; i++ {
		var k, v string
		if k, n, ok = readString(p); !ok {
			return nil, fmt.Errorf("codec: truncated header key")
		}
		p = p[n:]
		if v, n, ok = readString(p); !ok {
			return nil, fmt.Errorf("codec: truncated header value")
		}
		p = p[n:]
		msg.Headers.Add(k, v)
	}
	return msg, nil
}

// RefRequestCodec is a minimal, non-QPACK stand-in for the per-stream
// HTTP codec request-stream transport drives. It is the session's
// default request codec and the one this repository's tests use;
// production deployments supply a real HTTP/1.x or HTTP/3+QPACK codec
// at the seam RequestCodec defines.
type RefRequestCodec struct {
	sink EventSink
	buf  []byte
}

func NewRefRequestCodec() *RefRequestCodec { return &RefRequestCodec{} }

func (c *RefRequestCodec) SetEventSink(s EventSink) { c.sink = s }

func (c *RefRequestCodec) FeedIngress(data []byte) (int, bool, error) {
	c.buf = append(c.buf, data...)
	consumed := 0
	for {
		typ, n1, ok := ReadVarint(c.buf)
		if !ok {
			return consumed, true, nil
		}
		length, n2, ok := ReadVarint(c.buf[n1:])
		if !ok {
			return consumed, true, nil
		}
		hdr := n1 + n2
		if len(c.buf) < hdr+int(length) {
			return consumed, true, nil
		}
		payload := c.buf[hdr : hdr+int(length)]
		c.buf = c.buf[hdr+int(length):]
		consumed += hdr + int(length)

		switch typ {
		case FrameHeaders:
			msg, err := decodeHeaderPayload(payload)
			if err != nil {
				if c.sink != nil {
					c.sink.OnStreamError(err)
				}
				return consumed, false, err
			}
			if c.sink != nil {
				if msg.Method == "" && msg.Path == "" && !msg.IsRequest && msg.StatusCode == 0 {
					c.sink.OnTrailers(msg.Headers)
				} else {
					c.sink.OnHeaders(msg)
				}
			}
		case FrameData:
			if c.sink != nil {
				c.sink.OnBody(payload)
			}
		case FramePushPromise:
			msg, err := decodeHeaderPayload(payload)
			if err != nil {
				if c.sink != nil {
					c.sink.OnStreamError(err)
				}
				return consumed, false, err
			}
			if c.sink != nil {
				c.sink.OnPushPromise(msg)
			}
		case FrameEOM:
			if c.sink != nil {
				c.sink.OnEOM()
			}
		default:
			// unknown frame types are ignored by a forward-compatible codec
		}
	}
}

func (c *RefRequestCodec) EncodeHeaders(msg *Message) []byte {
	return appendFrame(nil, FrameHeaders, encodeHeaderPayload(msg))
}

func (c *RefRequestCodec) EncodeBody(b []byte) []byte {
	return appendFrame(nil, FrameData, b)
}

func (c *RefRequestCodec) EncodeTrailers(h http.Header) []byte {
	return appendFrame(nil, FrameHeaders, encodeHeaderPayload(&Message{Headers: h}))
}

func (c *RefRequestCodec) EncodeEOM() []byte {
	return appendFrame(nil, FrameEOM, nil)
}

func (c *RefRequestCodec) EncodePushPromise(msg *Message) []byte {
	return appendFrame(nil, FramePushPromise, encodeHeaderPayload(msg))
}

var _ RequestCodec = (*RefRequestCodec)(nil)

// RefControlCodec is the matching reference control-stream codec,
// framing SETTINGS and GOAWAY with the same frame shape.
type RefControlCodec struct {
	sink ControlEventSink
	buf  []byte
}

func NewRefControlCodec() *RefControlCodec { return &RefControlCodec{} }

func (c *RefControlCodec) SetEventSink(s ControlEventSink) { c.sink = s }

func (c *RefControlCodec) FeedIngress(data []byte) (int, bool, error) {
	c.buf = append(c.buf, data...)
	consumed := 0
	for {
		typ, n1, ok := ReadVarint(c.buf)
		if !ok {
			return consumed, true, nil
		}
		length, n2, ok := ReadVarint(c.buf[n1:])
		if !ok {
			return consumed, true, nil
		}
		hdr := n1 + n2
		if len(c.buf) < hdr+int(length) {
			return consumed, true, nil
		}
		payload := c.buf[hdr : hdr+int(length)]
		c.buf = c.buf[hdr+int(length):]
		consumed += hdr + int(length)

		switch typ {
		case FrameSettings:
			s := Settings{Params: map[uint64]uint64{}}
			p := payload
			count, n, ok := ReadVarint(p)
			if !ok {
				continue
			}
			p = p[n:]
			for i := uint64(0); i < count; i++ {
				id, n, ok := ReadVarint(p)
				if !ok {
					break
				}
				p = p[n:]
				val, n, ok := ReadVarint(p)
				if !ok {
					break
				}
				p = p[n:]
				s.Params[id] = val
			}
			if c.sink != nil {
				c.sink.OnSettings(s)
			}
		case FrameGoAway:
			id, _, ok := ReadVarint(payload)
			if ok && c.sink != nil {
				c.sink.OnGoAway(id)
			}
		default:
		}
	}
}

func (c *RefControlCodec) EncodeSettings(s Settings) []byte {
	var p []byte
	p = AppendVarint(p, uint64(len(s.Params)))
	for id, val := range s.Params {
		p = AppendVarint(p, id)
		p = AppendVarint(p, val)
	}
	return appendFrame(nil, FrameSettings, p)
}

func (c *RefControlCodec) EncodeGoAway(lastStreamID uint64) []byte {
	p := AppendVarint(nil, lastStreamID)
	return appendFrame(nil, FrameGoAway, p)
}

var _ ControlCodec = (*RefControlCodec)(nil)
