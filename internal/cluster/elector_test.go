package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/ghostveil/cluster/internal/config"
	"github.com/ghostveil/cluster/internal/wire"
)

func TestLowestLoad_PicksSmallestValue(t *testing.T) {
	loads := map[uint32]float64{1: 0.8, 2: 0.3, 3: 0.5}
	winner, load := lowestLoad(loads)
	if winner != 2 || load != 0.3 {
		t.Fatalf("got (%d, %v), want (2, 0.3)", winner, load)
	}
}

func TestLowestLoad_TiesBreakByAscendingID(t *testing.T) {
	loads := map[uint32]float64{5: 0.2, 2: 0.2, 9: 0.2}
	winner, _ := lowestLoad(loads)
	if winner != 2 {
		t.Fatalf("winner = %d, want 2 (lowest id among equal loads)", winner)
	}
}

func TestCorrelationKey_IsStableAndDistinct(t *testing.T) {
	if correlationKey(1) == correlationKey(2) {
		t.Fatal("distinct peer ids must not collide")
	}
	if correlationKey(7) != correlationKey(7) {
		t.Fatal("correlationKey must be deterministic")
	}
}

func TestElector_HandleLoadResponseDeliversToPendingQuery(t *testing.T) {
	e := &Elector{pending: make(map[string]chan wire.LoadResponse)}
	self := NewPeer(1, "127.0.0.1:9001")
	e.self = self

	key := correlationKey(4)
	ch := make(chan wire.LoadResponse, 1)
	e.pending[key] = ch

	want := wire.LoadResponse{NodeID: 4, Load: 0.42, ProcessedCount: 7}
	e.HandleLoadResponse(want)

	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("got %+v, want %+v", got, want)
		}
	default:
		t.Fatal("expected HandleLoadResponse to deliver to the pending channel")
	}

	if cached, ok := e.self.PeerLoadCache()[4]; !ok || cached.load != want.Load {
		t.Fatal("expected HandleLoadResponse to cache the reported load")
	}
}

func TestElector_HandleElectionAckDeliversToPendingProbe(t *testing.T) {
	e := &Elector{pendingAck: make(map[string]chan wire.ElectionAck)}

	key := correlationKey(4)
	ch := make(chan wire.ElectionAck, 1)
	e.pendingAck[key] = ch

	want := wire.ElectionAck{FromNode: 4}
	e.HandleElectionAck(want)

	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("got %+v, want %+v", got, want)
		}
	default:
		t.Fatal("expected HandleElectionAck to deliver to the pending probe channel")
	}
}

func TestElector_HandleElectionAckIgnoresUnknownSender(t *testing.T) {
	e := &Elector{pendingAck: make(map[string]chan wire.ElectionAck)}
	e.HandleElectionAck(wire.ElectionAck{FromNode: 99})
}

// TestRunElection_DoesNotReelectFailedIncumbent walks the coordinator-dies
// scenario: peer 1 was coordinator and is now in failed_peers, so it never
// appears among the gathered loads. Hysteresis must not fall back to
// retaining it as the incumbent.
func TestRunElection_DoesNotReelectFailedIncumbent(t *testing.T) {
	peers := map[uint32]string{1: "a:1", 2: "b:1", 3: "c:1"}
	self := NewPeer(2, peers[2])
	send := &fakeSender{}
	log := testLogger()
	metrics := testMetrics()
	cfg := config.DefaultConfig()
	e := NewElector(self, peers, send, log, metrics, cfg)

	self.SetCoordinatorID(1)
	self.MarkFailed(1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	e.RunElection(ctx, "test")

	got, known := self.CoordinatorID()
	if !known || got == 1 {
		t.Fatalf("coordinator = %d (known=%v), must not re-elect the failed incumbent", got, known)
	}
}
