package uap

import "sync"

// LogicalClock is a Lamport-style logical clock shared by a single UAP
// endpoint (client or server). It is safe for concurrent use.
//
// spec.md §9 flags that the original Python client instead set
// `clock = remote + 1` unconditionally, which can move the clock
// backwards when the local value already exceeds the remote one. This
// implementation adopts the standard Lamport rule, which subsumes the
// source's behavior whenever remote >= local.
type LogicalClock struct {
	mu  sync.Mutex
	val uint64
}

// Tick increments the clock by one before an outgoing packet is stamped
// and returns the new value.
func (c *LogicalClock) Tick() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.val++
	return c.val
}

// Observe applies the Lamport receive rule for a packet carrying remote
// clock value `remote`: local = max(local, remote) + 1.
func (c *LogicalClock) Observe(remote uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if remote > c.val {
		c.val = remote
	}
	c.val++
	return c.val
}

// Value returns the current clock value without advancing it.
func (c *LogicalClock) Value() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.val
}
