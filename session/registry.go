package session

import "github.com/costinm/hq/session/wire"

// ControlStreamType tags the dialect-defined roles a unidirectional
// control stream can take.
type ControlStreamType int

const (
	StreamTypeControl ControlStreamType = iota
	StreamTypeQPACKEncoder
	StreamTypeQPACKDecoder
)

func (t ControlStreamType) String() string {
	switch t {
	case StreamTypeControl:
		return "control"
	case StreamTypeQPACKEncoder:
		return "qpack-encoder"
	case StreamTypeQPACKDecoder:
		return "qpack-decoder"
	default:
		return "unknown"
	}
}

// StreamRegistry indexes every stream transport the session owns: a
// map keyed by stream id per stream kind, generalized to the session's
// three stream kinds and the invariant that a stream id appears in at
// most one table.
type StreamRegistry struct {
	requests map[wire.StreamID]*RequestStreamTransport

	controlByType    map[ControlStreamType]*ControlStreamTransport
	controlByIngress map[wire.StreamID]*ControlStreamTransport
	// controlOrder records the order control streams were created in,
	// so egress draining can tie-break on insertion order (spec.md
	// §4.5 step 4) instead of Go's randomized map iteration order.
	controlOrder []ControlStreamType

	push map[wire.StreamID]struct{}
}

func newStreamRegistry() *StreamRegistry {
	return &StreamRegistry{
		requests:         make(map[wire.StreamID]*RequestStreamTransport),
		controlByType:    make(map[ControlStreamType]*ControlStreamTransport),
		controlByIngress: make(map[wire.StreamID]*ControlStreamTransport),
		push:             make(map[wire.StreamID]struct{}),
	}
}

func (r *StreamRegistry) AddRequest(id wire.StreamID, t *RequestStreamTransport) {
	r.requests[id] = t
}

func (r *StreamRegistry) GetRequest(id wire.StreamID) (*RequestStreamTransport, bool) {
	t, ok := r.requests[id]
	return t, ok
}

// RemoveRequest is idempotent; erasing an id that isn't present is a
// no-op rather than an error. A push stream's id lives in both
// r.requests (for generic codec/egress handling) and r.push (the
// push-specific marker set), so removal clears both rather than
// leaving a stale push marker behind after detach.
func (r *StreamRegistry) RemoveRequest(id wire.StreamID) {
	delete(r.requests, id)
	delete(r.push, id)
}

// AddControlEgress registers a control stream the moment its egress id
// is known (bring-up); its ingress id, if any, is attached later via
// AttachControlIngress once the peer's matching unidirectional stream
// is classified.
func (r *StreamRegistry) AddControlEgress(typ ControlStreamType, t *ControlStreamTransport) bool {
	if _, exists := r.controlByType[typ]; exists {
		return false
	}
	r.controlByType[typ] = t
	r.controlOrder = append(r.controlOrder, typ)
	return true
}

// AttachControlIngress reports whether typ already had an ingress
// stream attached — a true result is the "second ingress control stream
// of the same type" fault that must fail the connection.
func (r *StreamRegistry) AttachControlIngress(typ ControlStreamType, ingress wire.StreamID) (*ControlStreamTransport, bool) {
	t, ok := r.controlByType[typ]
	if !ok {
		return nil, false
	}
	if t.ingressID != nil {
		return t, true // duplicate
	}
	t.ingressID = &ingress
	r.controlByIngress[ingress] = t
	return t, false
}

func (r *StreamRegistry) ControlByType(typ ControlStreamType) (*ControlStreamTransport, bool) {
	t, ok := r.controlByType[typ]
	return t, ok
}

func (r *StreamRegistry) ControlByIngress(id wire.StreamID) (*ControlStreamTransport, bool) {
	t, ok := r.controlByIngress[id]
	return t, ok
}

// AllControl returns every control stream transport in the order its
// egress stream was created, so callers that must write control
// streams "in the order they appear in the registry" (spec.md §4.5
// step 4) get a deterministic tie-break.
func (r *StreamRegistry) AllControl() []*ControlStreamTransport {
	out := make([]*ControlStreamTransport, 0, len(r.controlOrder))
	for _, typ := range r.controlOrder {
		if t, ok := r.controlByType[typ]; ok {
			out = append(out, t)
		}
	}
	return out
}

// AddPush marks id (already present in r.requests) as a push stream.
// It does not add a second table entry: StreamCount and erasure both
// treat a push stream's id as living in exactly one place, per the
// registry's "a stream id appears in at most one table" invariant.
func (r *StreamRegistry) AddPush(id wire.StreamID)     { r.push[id] = struct{}{} }
func (r *StreamRegistry) RemovePush(id wire.StreamID)  { delete(r.push, id) }
func (r *StreamRegistry) IsPush(id wire.StreamID) bool { _, ok := r.push[id]; return ok }

func (r *StreamRegistry) StreamCount() int {
	return len(r.requests) + len(r.controlByType)
}
