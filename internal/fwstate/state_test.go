package fwstate

import "testing"

func TestLegalDownloadCycle(t *testing.T) {
	m := New()

	for _, s := range []State{Init, InProgress, Complete, FlashInProgress, FlashComplete} {
		if err := m.Set(s); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
	if got := m.Snapshot(); got != FlashComplete {
		t.Fatalf("snapshot = %s, want FLASH_COMPLETE", got)
	}
}

func TestLegalXconfCycle(t *testing.T) {
	m := New()

	for _, s := range []State{XconfInit, XconfInProgress, XconfComplete, Init, InProgress, Failed} {
		if err := m.Set(s); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
}

func TestIllegalTransitions(t *testing.T) {
	cases := []struct {
		from, to State
	}{
		{Uninitialized, InProgress},
		{Uninitialized, Complete},
		{Init, Complete},
		{Complete, Failed},
		{Failed, FlashInProgress},
		{XconfInit, Complete},
		{XconfInProgress, InProgress},
	}
	for _, tc := range cases {
		m := &Machine{cur: tc.from}
		if err := m.Set(tc.to); err == nil {
			t.Fatalf("transition %s -> %s should be rejected", tc.from, tc.to)
		}
		if got := m.Snapshot(); got != tc.from {
			t.Fatalf("rejected transition mutated state to %s", got)
		}
	}
}

func TestSameStateIsNoop(t *testing.T) {
	m := New()
	if err := m.Set(Uninitialized); err != nil {
		t.Fatalf("same-state set should be a no-op: %v", err)
	}
}

func TestDownloadingAndBusy(t *testing.T) {
	m := New()
	if m.Downloading() || m.Busy() {
		t.Fatal("fresh machine should be idle")
	}

	m.Set(Init)
	if !m.Busy() {
		t.Fatal("INIT should count as busy")
	}
	m.Set(InProgress)
	if !m.Downloading() {
		t.Fatal("IN_PROGRESS should report downloading")
	}
	m.Set(Failed)
	if m.Downloading() || m.Busy() {
		t.Fatal("FAILED should be idle")
	}
}
