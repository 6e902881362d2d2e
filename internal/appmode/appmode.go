// Package appmode holds the foreground/background latch fed from the event
// bus and applies the throttle-speed policy to the active download.
package appmode

import (
	"sync"
	"sync/atomic"

	"github.com/oriys/pulsar/internal/device"
	"github.com/oriys/pulsar/internal/eventbus"
	"github.com/oriys/pulsar/internal/fwstate"
	"github.com/oriys/pulsar/internal/logging"
	"github.com/oriys/pulsar/internal/metrics"
	"github.com/oriys/pulsar/internal/transport"
)

// Mode is the resident application mode.
type Mode int

const (
	Foreground Mode = iota
	Background
)

func (m Mode) String() string {
	if m == Background {
		return "background"
	}
	return "foreground"
}

// Latches are the process-wide mode and force-exit latches. The mode sits
// behind its own mutex; force-exit is a one-way atomic latch.
type Latches struct {
	mu   sync.Mutex
	mode Mode

	forceExit atomic.Bool
}

// Mode returns the current mode.
func (l *Latches) Mode() Mode {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mode
}

func (l *Latches) setMode(m Mode) {
	l.mu.Lock()
	l.mode = m
	l.mu.Unlock()
}

// ForceExit reports whether the process-wide exit latch is set.
func (l *Latches) ForceExit() bool {
	return l.forceExit.Load()
}

// SetForceExit latches the process for clean shutdown. It is never cleared.
func (l *Latches) SetForceExit() {
	l.forceExit.Store(true)
}

// RfcFunc supplies a fresh remote-config snapshot on each mode change.
type RfcFunc func() device.RfcSettings

// Controller applies mode changes to the active download handle.
type Controller struct {
	latches *Latches
	rfc     RfcFunc
	state   *fwstate.Machine
	bus     *eventbus.Bus
	active  *transport.Active
}

// NewController wires the controller. Call Bind to subscribe it to the bus.
func NewController(latches *Latches, rfc RfcFunc, state *fwstate.Machine, bus *eventbus.Bus, active *transport.Active) *Controller {
	return &Controller{latches: latches, rfc: rfc, state: state, bus: bus, active: active}
}

// Bind subscribes the controller to APP_MODE_EVENT broadcasts.
func (c *Controller) Bind() {
	c.bus.Subscribe(eventbus.AppModeEvent, func(ev eventbus.Event) {
		switch ev.Value {
		case "background":
			c.OnModeChange(Background)
		case "foreground":
			c.OnModeChange(Foreground)
		default:
			logging.Op().Warn("unknown app mode value", "value", ev.Value)
		}
	})
}

// OnModeChange records the new mode and, when a download is in progress,
// applies the throttle policy to it.
func (c *Controller) OnModeChange(mode Mode) {
	c.latches.setMode(mode)
	metrics.SetAppMode(mode == Background)
	logging.Op().Info("app mode changed", "mode", mode.String())

	if !c.state.Downloading() {
		return
	}
	h := c.active.Get()
	if h == nil {
		return
	}

	if mode == Foreground {
		h.Pause()
		if err := h.Resume(0); err != nil {
			logging.Op().Error("unpause failed, aborting transfer", "error", err)
			h.Stop()
		}
		return
	}

	settings := c.rfc()
	if !settings.ThrottleEnabled {
		return
	}

	if settings.TopSpeed == 0 {
		// Background with a zero top-speed means the transfer may not
		// continue at all; latch the process for clean exit.
		c.latches.SetForceExit()
		h.Stop()
		if err := c.state.Set(fwstate.Failed); err != nil {
			logging.Op().Warn("state transition rejected", "error", err)
		}
		c.bus.Publish(eventbus.MaintEvent, eventbus.MaintFwdownloadError)
		c.bus.Publish(eventbus.FWStateEvent, eventbus.FWStateFailed)
		return
	}

	h.Pause()
	if err := h.Resume(settings.TopSpeed); err != nil {
		logging.Op().Error("unpause failed, aborting transfer", "error", err)
		h.Stop()
	}
}
