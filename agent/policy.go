package main

import (
	"sync/atomic"

	"github.com/fleetguard/fleetguard/wire"
)

// PolicyCell holds the cached device policy. The sync engine replaces the
// whole map after each successful round trip; monitor goroutines read it on
// every tick. Readers always observe a complete snapshot, never a map that
// is being mutated.
type PolicyCell struct {
	v atomic.Value
}

// NewPolicyCell returns a cell holding an empty policy.
func NewPolicyCell() *PolicyCell {
	c := &PolicyCell{}
	c.v.Store(wire.Policy{})
	return c
}

// Replace swaps in a new policy snapshot. The stored copy is private to the
// cell so later mutation of p cannot leak into readers.
func (c *PolicyCell) Replace(p wire.Policy) {
	snapshot := make(wire.Policy, len(p))
	for k, v := range p {
		snapshot[k] = v
	}
	c.v.Store(snapshot)
}

// Enabled reports whether the named toggle is on. Toggles absent from the
// policy default to enabled, so an agent that never managed to register
// still runs its monitors.
func (c *PolicyCell) Enabled(name string) bool {
	p := c.v.Load().(wire.Policy)
	v, ok := p[name]
	if !ok {
		return true
	}
	return v
}

// Snapshot returns the current policy map. Callers must not mutate it.
func (c *PolicyCell) Snapshot() wire.Policy {
	return c.v.Load().(wire.Policy)
}
