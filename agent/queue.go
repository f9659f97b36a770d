package main

import (
	"sync"

	"github.com/fleetguard/fleetguard/wire"
)

// EventQueue is the in-memory staging area for events produced since the
// last successful sync. Every monitor goroutine appends to it concurrently;
// the sync engine drains it once per cycle. All mutation happens under one
// mutex so an event appended mid-cycle can never be lost between a snapshot
// and a clear.
//
// The queue also guards the agent's WorkStats counters, which the monitors
// update on their own cadences.
type EventQueue struct {
	mu     sync.Mutex
	events []wire.Event
	stats  wire.WorkStats
}

// NewEventQueue returns an empty queue.
func NewEventQueue() *EventQueue {
	return &EventQueue{}
}

// Append queues an event without blocking on I/O. An idempotency ID is
// assigned here so the event keeps the same identity across upload retries
// and offline buffering.
func (q *EventQueue) Append(e wire.Event) {
	if e.ID == "" {
		e.ID = generateUUID()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, e)
}

// Drain atomically removes and returns all queued events. Events appended
// after Drain returns belong to the next cycle.
func (q *EventQueue) Drain() []wire.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	events := q.events
	q.events = nil
	return events
}

// Len reports the number of queued events.
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// UpdateStats applies fn to the shared counters under the queue lock.
func (q *EventQueue) UpdateStats(fn func(*wire.WorkStats)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	fn(&q.stats)
}

// Stats returns a snapshot of the counters.
func (q *EventQueue) Stats() wire.WorkStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}
