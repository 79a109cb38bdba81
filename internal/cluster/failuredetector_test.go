package cluster

import (
	"testing"
	"time"
)

func newTestDetector(self *Peer, peers map[uint32]string) (*FailureDetector, *fakeSender) {
	send := &fakeSender{}
	fd := &FailureDetector{
		self:              self,
		peers:             peers,
		send:              send,
		log:               testLogger(),
		metrics:           testMetrics(),
		heartbeatInterval: 2 * time.Second,
		detectorInterval:  3 * time.Second,
		failureThreshold:  10 * time.Millisecond,
		startupGrace:      0,
		startedAt:         time.Now().Add(-time.Minute),
	}
	return fd, send
}

func TestFailureDetector_MarksStalePeerFailed(t *testing.T) {
	peers := map[uint32]string{1: "a:1", 2: "b:1"}
	self := NewPeer(1, peers[1])
	fd, _ := newTestDetector(self, peers)

	self.RecordHeartbeat(2, time.Now().Add(-time.Hour))
	fd.scan()

	if !self.IsFailed(2) {
		t.Fatal("expected a stale peer to be marked failed")
	}
}

func TestFailureDetector_NeverSeenPeerIsStale(t *testing.T) {
	peers := map[uint32]string{1: "a:1", 2: "b:1"}
	self := NewPeer(1, peers[1])
	fd, _ := newTestDetector(self, peers)

	fd.scan()

	if !self.IsFailed(2) {
		t.Fatal("expected a never-seen peer to be treated as stale once past the grace period")
	}
}

func TestFailureDetector_RespectsStartupGrace(t *testing.T) {
	peers := map[uint32]string{1: "a:1", 2: "b:1"}
	self := NewPeer(1, peers[1])
	fd, _ := newTestDetector(self, peers)
	fd.startupGrace = time.Hour
	fd.startedAt = time.Now()

	fd.scan()

	if self.IsFailed(2) {
		t.Fatal("expected no failures to be declared during the startup grace period")
	}
}

func TestFailureDetector_FreshHeartbeatIsNotStale(t *testing.T) {
	peers := map[uint32]string{1: "a:1", 2: "b:1"}
	self := NewPeer(1, peers[1])
	fd, _ := newTestDetector(self, peers)

	self.RecordHeartbeat(2, time.Now())
	fd.scan()

	if self.IsFailed(2) {
		t.Fatal("expected a recently-heartbeating peer to stay alive")
	}
}

func TestFailureDetector_HandleHeartbeatClearsFailedMark(t *testing.T) {
	peers := map[uint32]string{1: "a:1", 2: "b:1"}
	self := NewPeer(1, peers[1])
	fd, _ := newTestDetector(self, peers)

	self.MarkFailed(2)
	fd.HandleHeartbeat(2, 0.1, 5)

	if self.IsFailed(2) {
		t.Fatal("expected a fresh heartbeat to clear the failed mark")
	}
}

func TestFailureDetector_TriggersElectionOnCoordinatorFailure(t *testing.T) {
	peers := map[uint32]string{1: "a:1", 2: "b:1"}
	self := NewPeer(1, peers[1])
	fd, _ := newTestDetector(self, peers)
	self.SetCoordinatorID(2)

	triggered := false
	fd.OnCoordinatorFailed(func(reason string) { triggered = true })

	self.RecordHeartbeat(2, time.Now().Add(-time.Hour))
	fd.scan()

	if !triggered {
		t.Fatal("expected the failure of the believed coordinator to trigger the callback")
	}
}
