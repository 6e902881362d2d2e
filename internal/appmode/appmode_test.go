package appmode

import (
	"testing"
	"time"

	"github.com/oriys/pulsar/internal/config"
	"github.com/oriys/pulsar/internal/device"
	"github.com/oriys/pulsar/internal/eventbus"
	"github.com/oriys/pulsar/internal/fwstate"
	"github.com/oriys/pulsar/internal/transport"
)

func collectEvents(bus *eventbus.Bus, name string) chan string {
	ch := make(chan string, 8)
	bus.Subscribe(name, func(ev eventbus.Event) {
		ch <- ev.Value
	})
	return ch
}

func waitValue(t *testing.T, ch chan string, want string) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("event value = %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event %q", want)
	}
}

func testController(t *testing.T, settings device.RfcSettings) (*Controller, *Latches, *fwstate.Machine, *eventbus.Bus, *transport.Active) {
	t.Helper()
	latches := &Latches{}
	state := fwstate.New()
	bus := eventbus.New(0)
	bus.Start()
	t.Cleanup(bus.Stop)
	active := &transport.Active{}

	c := NewController(latches, func() device.RfcSettings { return settings }, state, bus, active)
	return c, latches, state, bus, active
}

func TestBackgroundThrottleToZero(t *testing.T) {
	c, latches, state, bus, active := testController(t, device.RfcSettings{
		ThrottleEnabled: true,
		TopSpeed:        0,
	})

	maint := collectEvents(bus, eventbus.MaintEvent)
	fwEvents := collectEvents(bus, eventbus.FWStateEvent)

	state.Set(fwstate.Init)
	state.Set(fwstate.InProgress)
	h := transport.NewEngine(config.TransportConfig{}).NewHandle(&transport.Job{URL: "http://x/"})
	active.Set(h)

	c.OnModeChange(Background)

	if !latches.ForceExit() {
		t.Fatal("force_exit latch must be set")
	}
	if got := state.Snapshot(); got != fwstate.Failed {
		t.Fatalf("state = %s, want FAILED", got)
	}
	waitValue(t, maint, eventbus.MaintFwdownloadError)
	waitValue(t, fwEvents, eventbus.FWStateFailed)
}

func TestBackgroundThrottleDisabledIsNoop(t *testing.T) {
	c, latches, state, _, active := testController(t, device.RfcSettings{
		ThrottleEnabled: false,
		TopSpeed:        0,
	})

	state.Set(fwstate.Init)
	state.Set(fwstate.InProgress)
	active.Set(transport.NewEngine(config.TransportConfig{}).NewHandle(&transport.Job{URL: "http://x/"}))

	c.OnModeChange(Background)

	if latches.ForceExit() {
		t.Fatal("force_exit must stay clear when throttle is disabled")
	}
	if got := state.Snapshot(); got != fwstate.InProgress {
		t.Fatalf("state = %s, want IN_PROGRESS", got)
	}
	if latches.Mode() != Background {
		t.Fatal("mode latch must still record background")
	}
}

func TestModeChangeWithoutDownloadOnlyLatches(t *testing.T) {
	c, latches, state, _, _ := testController(t, device.RfcSettings{
		ThrottleEnabled: true,
		TopSpeed:        0,
	})

	c.OnModeChange(Background)

	if latches.Mode() != Background {
		t.Fatal("mode latch not set")
	}
	if latches.ForceExit() {
		t.Fatal("no active download; force_exit must stay clear")
	}
	if got := state.Snapshot(); got != fwstate.Uninitialized {
		t.Fatalf("state = %s", got)
	}
}

func TestBindRoutesBusEvents(t *testing.T) {
	c, latches, _, bus, _ := testController(t, device.RfcSettings{})
	c.Bind()

	bus.Publish(eventbus.AppModeEvent, "background")

	deadline := time.After(2 * time.Second)
	for latches.Mode() != Background {
		select {
		case <-deadline:
			t.Fatal("mode latch never flipped to background")
		case <-time.After(10 * time.Millisecond):
		}
	}

	bus.Publish(eventbus.AppModeEvent, "foreground")
	deadline = time.After(2 * time.Second)
	for latches.Mode() != Foreground {
		select {
		case <-deadline:
			t.Fatal("mode latch never flipped back to foreground")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
