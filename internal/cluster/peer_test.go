package cluster

import "testing"

func TestPeerStateTransitions(t *testing.T) {
	p := NewPeer(1, "127.0.0.1:9001")
	if p.State() != StateActive {
		t.Fatalf("initial state = %v, want Active", p.State())
	}

	if err := p.TransitionTo(StateRecovering); err == nil {
		t.Fatal("expected Active -> Recovering to be rejected")
	}

	if err := p.TransitionTo(StateFailed); err != nil {
		t.Fatalf("Active -> Failed: %v", err)
	}
	if err := p.TransitionTo(StateRecovering); err != nil {
		t.Fatalf("Failed -> Recovering: %v", err)
	}
	if err := p.TransitionTo(StateActive); err != nil {
		t.Fatalf("Recovering -> Active: %v", err)
	}
}

func TestPeerActiveRequestsSaturatesAtZero(t *testing.T) {
	p := NewPeer(1, "127.0.0.1:9001")
	if got := p.DecActiveRequests(); got != 0 {
		t.Fatalf("decrementing below zero gave %d, want 0", got)
	}
	p.IncActiveRequests()
	p.IncActiveRequests()
	if got := p.DecActiveRequests(); got != 1 {
		t.Fatalf("active requests = %d, want 1", got)
	}
}

func TestPeerDedup(t *testing.T) {
	p := NewPeer(1, "127.0.0.1:9001")
	if !p.MarkInFlight("r1") {
		t.Fatal("expected first MarkInFlight to succeed")
	}
	if p.MarkInFlight("r1") {
		t.Fatal("expected duplicate MarkInFlight to fail")
	}
	p.ClearInFlight("r1")
	if !p.MarkInFlight("r1") {
		t.Fatal("expected MarkInFlight to succeed again after clearing")
	}
}

func TestPeerFailedPeersLifecycle(t *testing.T) {
	p := NewPeer(1, "127.0.0.1:9001")
	if !p.MarkFailed(2) {
		t.Fatal("expected first MarkFailed to succeed")
	}
	if p.MarkFailed(2) {
		t.Fatal("expected marking an already-failed peer again to report no change")
	}
	if !p.IsFailed(2) {
		t.Fatal("expected peer 2 to be marked failed")
	}
	if !p.MarkRecovered(2) {
		t.Fatal("expected MarkRecovered to report a change")
	}
	if p.IsFailed(2) {
		t.Fatal("expected peer 2 to no longer be failed")
	}
}
