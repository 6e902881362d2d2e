// Package redstate holds the recovery posture entered when the cloud rejects
// the device client certificate (HTTP 495 / allowlist failures). The flag is
// read by URL selection and the upgrade pipeline; only the orchestrator's
// state helper sets it, and the upgrade pipeline clears it after a
// successful recovery flash.
package redstate

import (
	"sync"

	"github.com/oriys/pulsar/internal/eventbus"
	"github.com/oriys/pulsar/internal/logging"
)

// Flag is the process-wide state-red latch.
type Flag struct {
	mu     sync.Mutex
	active bool
	bus    *eventbus.Bus
}

// New creates the flag. bus may be nil in tests.
func New(bus *eventbus.Bus) *Flag {
	return &Flag{bus: bus}
}

// Enter flips the flag on and announces recovery start. Re-entering while
// already active is a no-op.
func (f *Flag) Enter(reason string) {
	f.mu.Lock()
	if f.active {
		f.mu.Unlock()
		return
	}
	f.active = true
	f.mu.Unlock()

	logging.Op().Warn("entering state-red recovery", "reason", reason)
	if f.bus != nil {
		f.bus.Publish(eventbus.RedStateEvent, eventbus.RedRecoveryStarted)
	}
}

// Downloaded announces that the recovery image reached local storage.
func (f *Flag) Downloaded() {
	if f.Active() && f.bus != nil {
		f.bus.Publish(eventbus.RedStateEvent, eventbus.RedRecoveryDownloaded)
	}
}

// Complete clears the flag after a successful recovery flash.
func (f *Flag) Complete() {
	f.mu.Lock()
	was := f.active
	f.active = false
	f.mu.Unlock()

	if was {
		logging.Op().Info("state-red recovery completed")
		if f.bus != nil {
			f.bus.Publish(eventbus.RedStateEvent, eventbus.RedRecoveryCompleted)
		}
	}
}

// Active returns a snapshot of the flag.
func (f *Flag) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}
