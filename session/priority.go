package session

import "github.com/costinm/hq/session/wire"

// PriorityEntry is one batch element the priority queue hands back to
// the egress scheduler: a stream to service and the fraction of the
// remaining connection budget it should receive.
type PriorityEntry struct {
	StreamID wire.StreamID
	Ratio    float64
}

// PriorityQueue is the external collaborator this core treats as out of
// scope ("the priority queue data structure"); the session only ever
// touches it through this interface.
type PriorityQueue interface {
	Enqueue(id wire.StreamID)
	Remove(id wire.StreamID)
	Contains(id wire.StreamID) bool
	Empty() bool
	// NextBatch returns up to max entries to service this turn, removing
	// them from the queue; callers re-Enqueue a stream that still has
	// data after being serviced.
	NextBatch(max int) []PriorityEntry
}

// fifoPriorityQueue is a plain FIFO, used when no real priority queue is
// wired in (tests, or a caller that doesn't care about prioritization).
// Nothing in the example pack ships a priority-queue library — it is a
// deliberate external seam — so a bare slice is the right call here
// rather than reaching for a heap package (documented in DESIGN.md's
// stdlib ledger).
type fifoPriorityQueue struct {
	order []wire.StreamID
	set   map[wire.StreamID]bool
}

func newFIFOPriorityQueue() *fifoPriorityQueue {
	return &fifoPriorityQueue{set: make(map[wire.StreamID]bool)}
}

func (q *fifoPriorityQueue) Enqueue(id wire.StreamID) {
	if q.set[id] {
		return
	}
	q.set[id] = true
	q.order = append(q.order, id)
}

func (q *fifoPriorityQueue) Remove(id wire.StreamID) {
	if !q.set[id] {
		return
	}
	delete(q.set, id)
	for i, v := range q.order {
		if v == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}

func (q *fifoPriorityQueue) Contains(id wire.StreamID) bool { return q.set[id] }

func (q *fifoPriorityQueue) Empty() bool { return len(q.order) == 0 }

func (q *fifoPriorityQueue) NextBatch(max int) []PriorityEntry {
	if max > len(q.order) {
		max = len(q.order)
	}
	batch := make([]PriorityEntry, max)
	for i := 0; i < max; i++ {
		batch[i] = PriorityEntry{StreamID: q.order[i], Ratio: 1}
	}
	q.order = q.order[max:]
	for _, e := range batch {
		delete(q.set, e.StreamID)
	}
	return batch
}
