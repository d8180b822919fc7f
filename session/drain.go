package session

import (
	"context"

	"github.com/costinm/hq/telemetry"
)

// DrainState is the graceful-shutdown state machine: NONE -> PENDING
// -> (dialect-specific) -> DONE.
type DrainState int

const (
	DrainNone DrainState = iota
	DrainPending
	DrainFirstGoAway
	DrainSecondGoAway
	DrainCloseSent
	DrainCloseReceived
	DrainDone
)

func (d DrainState) String() string {
	switch d {
	case DrainNone:
		return "NONE"
	case DrainPending:
		return "PENDING"
	case DrainFirstGoAway:
		return "FIRST_GOAWAY"
	case DrainSecondGoAway:
		return "SECOND_GOAWAY"
	case DrainCloseSent:
		return "CLOSE_SENT"
	case DrainCloseReceived:
		return "CLOSE_RECEIVED"
	case DrainDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// draining reports whether checkNewStream must start enforcing the
// GOAWAY stream-id limit.
func (s *Session) draining() bool {
	return s.drain != DrainNone && s.drain != DrainDone
}

// notifyPendingShutdown is the NONE -> PENDING transition triggered
// locally.
func (s *Session) notifyPendingShutdown() {
	s.enterPending()
	s.maybeAdvanceDrain(true)
}

// closeWhenIdle enters PENDING, queues the first GOAWAY where the
// dialect has a control stream, and runs the self-destroy check. That
// check destroys the session only if the drain already reached DONE
// (a locally drained UPSTREAM session with a control stream) and no
// streams remain; a dialect v1 session stays PENDING.
func (s *Session) closeWhenIdle() {
	s.enterPending()
	s.maybeAdvanceDrain(true)
	s.checkSelfDestroy()
}

func (s *Session) enterPending() {
	if s.drain == DrainNone {
		s.drain = DrainPending
		if s.drainSpan == nil {
			_, s.drainSpan = telemetry.StartDrainSpan(context.Background())
		}
	}
}

// maybeAdvanceDrain queues the first (or only) GOAWAY once the session
// is PENDING and the dialect uses a control stream. localInitiated
// distinguishes a locally requested drain (notifyPendingShutdown /
// closeWhenIdle) from one reacting to the peer's own GOAWAY — only the
// former collapses an UPSTREAM session straight to DONE; an UPSTREAM
// session reacting to an inbound GOAWAY still advances to FIRST_GOAWAY
// so in-flight streams above the peer's limit can be failed off first.
func (s *Session) maybeAdvanceDrain(localInitiated bool) {
	if s.drain != DrainPending {
		return
	}
	if !s.dialect.HasControlStream() {
		return
	}
	s.dialect.SendGoAway(s, MaxStreamID)
	s.drain = DrainFirstGoAway
	if localInitiated && s.direction == Upstream {
		s.drain = DrainDone
	}
	s.checkSelfDestroy()
}

// onGoAwayDelivered is the delivery callback armed when a GOAWAY is
// sent. acked=false signals a delivery cancellation, which this
// treats the same as the second GOAWAY's ack.
func (s *Session) onGoAwayDelivered(offset uint64, acked bool) {
	if !acked {
		s.drain = DrainDone
		s.checkSelfDestroy()
		return
	}
	switch s.drain {
	case DrainFirstGoAway:
		limit := s.currentGoAwayLimit()
		s.dialect.SendGoAway(s, limit)
		s.drain = DrainSecondGoAway
	case DrainSecondGoAway:
		s.drain = DrainDone
	}
	s.checkSelfDestroy()
}

// currentGoAwayLimit is the narrower limit the second GOAWAY carries:
// the current highest accepted peer-initiated id. This implementation
// uses the strictly-greater comparison (checkNewStream rejects
// id > limit, accepts id == limit), kept local to dialect.go's
// checkNewStreamCommon so it stays easy to flip.
func (s *Session) currentGoAwayLimit() uint64 {
	return s.highestPeerStreamID
}

// onPeerGoAway handles an inbound GOAWAY frame: enters PENDING,
// records the peer's limit so checkNewStream can reject streams above
// it (NewTransaction refuses every new transaction once an UPSTREAM
// session is draining), and fails any already-open transaction whose
// stream id exceeds it.
func (s *Session) onPeerGoAway(lastStreamID uint64) {
	first := s.peerGoAwayLimit == nil
	s.peerGoAwayLimit = &lastStreamID
	s.enterPending()
	s.maybeAdvanceDrain(false)

	for id, rst := range s.registry.requests {
		if uint64(id) > lastStreamID {
			rst.txn.OnError(&ConnectionError{Proxygen: ErrorStreamUnacknowledged})
			rst.SendAbort(ErrRequestCancelled)
		}
	}
	_ = first
}

// --- dialect v1: header-driven drain ---

func (s *Session) onV1InboundClose() {
	if s.v1CloseSent {
		s.drain = DrainDone
		s.checkSelfDestroy()
		return
	}
	s.v1CloseReceived = true
	s.enterPending()
}

func (s *Session) onV1OutboundClose() {
	s.v1CloseSent = true
	if s.v1CloseReceived {
		s.drain = DrainDone
	} else {
		s.drain = DrainCloseSent
	}
	s.checkSelfDestroy()
}

// checkSelfDestroy implements the terminal rule: DONE + no streams +
// no reentrant guard in flight => destroy exactly once, after a final
// socket close. Go's GC reclaims the Session value itself; what
// matters operationally is that Close is invoked exactly once and no
// further work is scheduled on it.
func (s *Session) checkSelfDestroy() {
	if s.destroyed {
		return
	}
	if s.drain != DrainDone {
		return
	}
	if s.registry.StreamCount() > 0 {
		return
	}
	if s.guardDepth > 0 {
		return
	}
	s.destroyed = true
	s.socket.Close(nil)
	if s.drainSpan != nil {
		s.drainSpan.End()
	}
	if s.onDestroy != nil {
		s.onDestroy()
	}
}
