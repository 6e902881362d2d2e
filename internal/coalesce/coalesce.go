// Package coalesce collapses simultaneous requests for the same operation
// kind into one worker and fans the answer back out to every parked task.
package coalesce

import (
	"sync"

	"github.com/oriys/pulsar/internal/logging"
	"github.com/oriys/pulsar/internal/metrics"
)

// Kind is the operation being coalesced.
type Kind int

const (
	CheckUpdate Kind = iota
	DownloadFW
)

func (k Kind) String() string {
	if k == DownloadFW {
		return "DOWNLOAD_FW"
	}
	return "CHECK_UPDATE"
}

// Claim is the outcome of ClaimOrWait.
type Claim int

const (
	// Own means the caller runs the work and must call Publish when done.
	Own Claim = iota
	// Wait means a worker is already running; the caller's reply is
	// delivered later through Publish.
	Wait
)

// DeliverFunc hands a result to a parked task. It must tolerate tasks that
// vanished (client disconnected) by returning false.
type DeliverFunc func(taskID uint64, result any) bool

type group struct {
	inProgress bool
	waiters    []uint64
	last       any
	hasLast    bool
}

// Coalescer guards one in-flight worker per operation kind. ClaimOrWait and
// Publish share the single lock; no other code path mutates the groups.
type Coalescer struct {
	mu      sync.Mutex
	groups  map[Kind]*group
	deliver DeliverFunc
}

// New creates a coalescer delivering results through deliver.
func New(deliver DeliverFunc) *Coalescer {
	return &Coalescer{
		groups:  map[Kind]*group{},
		deliver: deliver,
	}
}

// ClaimOrWait atomically claims the worker slot for kind or parks taskID on
// the waiter list. The claiming task is parked too; its reply arrives with
// everyone else's at Publish.
func (c *Coalescer) ClaimOrWait(kind Kind, taskID uint64) Claim {
	c.mu.Lock()
	defer c.mu.Unlock()

	g := c.groups[kind]
	if g == nil {
		g = &group{}
		c.groups[kind] = g
	}

	g.waiters = append(g.waiters, taskID)
	if g.inProgress {
		metrics.CoalescedWaiter(kind.String())
		return Wait
	}
	g.inProgress = true
	return Own
}

// Publish delivers result to every parked task, clears the waiter list and
// releases the worker slot. Missing tasks are dropped silently.
func (c *Coalescer) Publish(kind Kind, result any) {
	c.mu.Lock()
	g := c.groups[kind]
	if g == nil {
		c.mu.Unlock()
		return
	}
	waiters := g.waiters
	g.waiters = nil
	g.inProgress = false
	g.last = result
	g.hasLast = true
	c.mu.Unlock()

	for _, taskID := range waiters {
		if !c.deliver(taskID, result) {
			logging.Op().Debug("waiter vanished before reply", "kind", kind.String(), "task", taskID)
		}
	}
}

// LastResult returns the most recently published result for kind, serving
// latecomers that arrive between completion and the next cycle.
func (c *Coalescer) LastResult(kind Kind) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g := c.groups[kind]
	if g == nil || !g.hasLast {
		return nil, false
	}
	return g.last, true
}

// Drop removes a parked task (its client disconnected before the worker
// finished).
func (c *Coalescer) Drop(taskID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, g := range c.groups {
		for i, id := range g.waiters {
			if id == taskID {
				g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
				break
			}
		}
	}
}
