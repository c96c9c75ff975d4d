package domain

import "sync/atomic"

// Connectivity is the process-wide online/offline snapshot. It is flipped
// by the runtime's connectivity signal and only ever read by the mutation
// queue and merge layer, which receive it by injection so tests can
// simulate offline without touching globals.
type Connectivity struct {
	offline atomic.Bool
}

// NewConnectivity returns a snapshot in the given initial state.
func NewConnectivity(offline bool) *Connectivity {
	c := &Connectivity{}
	c.offline.Store(offline)
	return c
}

// Offline reports the current state.
func (c *Connectivity) Offline() bool {
	if c == nil {
		return false
	}
	return c.offline.Load()
}

// SetOffline flips the state and reports whether it changed.
func (c *Connectivity) SetOffline(v bool) bool {
	return c.offline.Swap(v) != v
}
