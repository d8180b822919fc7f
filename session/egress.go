package session

import (
	"github.com/costinm/hq/session/wire"
	"github.com/costinm/hq/telemetry"
)

// onConnectionWriteReady is the egress scheduler: drain control
// streams first since their frames are small and connection-critical,
// then service request streams in priority order within the remaining
// connection-level send window, re-enqueuing any stream left with
// buffered data.
func (s *Session) onConnectionWriteReady(budget int) {
	if s.drainPendingDrop() {
		return
	}
	if budget <= 0 {
		budget = int(s.socket.ConnectionSendWindowAvailable())
	}
	remaining := budget

	for _, cst := range s.registry.AllControl() {
		if remaining <= 0 {
			break
		}
		remaining -= cst.writeImpl(remaining)
	}

	for remaining > 0 {
		batch := s.priority.NextBatch(requestWriteBatchSize)
		if len(batch) == 0 {
			break
		}
		progressed := false
		for _, entry := range batch {
			if remaining <= 0 {
				s.priority.Enqueue(entry.StreamID)
				continue
			}
			rst, ok := s.registry.GetRequest(entry.StreamID)
			if !ok {
				continue
			}
			n := rst.requestStreamWriteImpl(remaining, entry.Ratio)
			remaining -= n
			if n > 0 {
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}

	s.reapDetached()
}

// requestWriteBatchSize bounds how many request streams the priority
// queue is asked to hand back per write-ready turn, keeping any single
// connection write a bounded amount of work.
const requestWriteBatchSize = 16

// scheduleDetachCheck marks id for detach evaluation at the end of the
// next write-ready turn (reapDetached) rather than immediately, since a
// delivery callback or a write can fire mid-iteration over the registry.
func (s *Session) scheduleDetachCheck(id wire.StreamID) {
	s.detachPending[id] = true
}

func (s *Session) reapDetached() {
	if len(s.detachPending) == 0 {
		return
	}
	for id := range s.detachPending {
		rst, ok := s.registry.GetRequest(id)
		if !ok {
			delete(s.detachPending, id)
			continue
		}
		if rst.canDetach() {
			s.registry.RemoveRequest(id)
			s.priority.Remove(id)
			rst.endSpan()
			telemetry.StreamClosed()
		}
		delete(s.detachPending, id)
	}
	s.checkSelfDestroy()
}
