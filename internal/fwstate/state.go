// Package fwstate holds the process-wide download state machine. One enum,
// one lock; readers take non-blocking snapshots.
package fwstate

import (
	"fmt"
	"sync"

	"github.com/oriys/pulsar/internal/logging"
	"github.com/oriys/pulsar/internal/metrics"
)

// State enumerates the download lifecycle, with a parallel sequence for
// XCONF cloud queries.
type State int

const (
	Uninitialized State = iota
	Init
	InProgress
	Complete
	Failed
	FlashInProgress
	FlashComplete
	FlashFailed

	XconfInit
	XconfInProgress
	XconfComplete
	XconfFailed
)

var stateNames = map[State]string{
	Uninitialized:   "UNINITIALIZED",
	Init:            "INIT",
	InProgress:      "IN_PROGRESS",
	Complete:        "COMPLETE",
	Failed:          "FAILED",
	FlashInProgress: "FLASH_INPROGRESS",
	FlashComplete:   "FLASH_COMPLETE",
	FlashFailed:     "FLASH_FAILED",
	XconfInit:       "XCONF_INIT",
	XconfInProgress: "XCONF_IN_PROGRESS",
	XconfComplete:   "XCONF_COMPLETE",
	XconfFailed:     "XCONF_FAILED",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// legal lists the allowed transitions. Restarting a cycle from a terminal
// state goes back through Init / XconfInit.
var legal = map[State][]State{
	Uninitialized:   {Init, XconfInit},
	Init:            {InProgress},
	InProgress:      {Complete, Failed, FlashInProgress},
	Complete:        {FlashInProgress, Init, XconfInit},
	Failed:          {Init, XconfInit},
	FlashInProgress: {FlashComplete, FlashFailed},
	FlashComplete:   {FlashInProgress, Init, XconfInit}, // PDRI flash follows the PCI one
	FlashFailed:     {Init, XconfInit},
	XconfInit:       {XconfInProgress},
	XconfInProgress: {XconfComplete, XconfFailed},
	XconfComplete:   {Init, XconfInit},
	XconfFailed:     {Init, XconfInit},
}

// Machine is the shared state machine.
type Machine struct {
	mu  sync.Mutex
	cur State
}

// New starts in UNINITIALIZED.
func New() *Machine {
	return &Machine{cur: Uninitialized}
}

// Set transitions to next, rejecting edges not in the diagram. Every
// transition is logged with old and new state.
func (m *Machine) Set(next State) error {
	m.mu.Lock()
	old := m.cur
	if old == next {
		m.mu.Unlock()
		return nil
	}
	allowed := false
	for _, s := range legal[old] {
		if s == next {
			allowed = true
			break
		}
	}
	if !allowed {
		m.mu.Unlock()
		return fmt.Errorf("fwstate: illegal transition %s -> %s", old, next)
	}
	m.cur = next
	m.mu.Unlock()

	logging.Op().Info("download state transition", "from", old.String(), "to", next.String())
	metrics.SetDownloadState(int(next))
	return nil
}

// Snapshot returns the current state without blocking on writers beyond the
// short internal lock.
func (m *Machine) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur
}

// Downloading reports whether a transfer is currently in progress; pause and
// resume are only meaningful in this state.
func (m *Machine) Downloading() bool {
	return m.Snapshot() == InProgress
}

// Busy reports whether an upgrade cycle holds the machine (anything between
// INIT and a terminal state).
func (m *Machine) Busy() bool {
	switch m.Snapshot() {
	case Init, InProgress, FlashInProgress, XconfInit, XconfInProgress:
		return true
	}
	return false
}
