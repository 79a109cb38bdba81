package cluster

import (
	"sync"
	"testing"
	"time"

	"github.com/ghostveil/cluster/internal/compute"
	"github.com/ghostveil/cluster/internal/config"
	"github.com/ghostveil/cluster/internal/imagestore"
	"github.com/ghostveil/cluster/internal/wire"
)

type fakeSender struct {
	mu       sync.Mutex
	messages []*wire.Message
	logical  []*wire.Message
}

func (f *fakeSender) SendMessage(addr string, msg *wire.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakeSender) SendLogical(addr string, msg *wire.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logical = append(f.logical, msg)
	return nil
}

func newTestRouter(self *Peer, peers map[uint32]string) (*Router, *fakeSender) {
	send := &fakeSender{}
	log := testLogger()
	metrics := testMetrics()
	cfg := config.DefaultConfig()
	detector := NewFailureDetector(self, peers, send, log, metrics, cfg)
	elector := NewElector(self, peers, send, log, metrics, cfg)
	router := NewRouter(self, peers, send, detector, elector, imagestore.NewSessionRegistry(), imagestore.New(), compute.New(), log, metrics, cfg)
	return router, send
}

func TestFindLowestLoadNode_PicksLowestScore(t *testing.T) {
	peers := map[uint32]string{1: "a:1", 2: "b:1", 3: "c:1"}
	self := NewPeer(1, peers[1])
	router, _ := newTestRouter(self, peers)

	// Self is a candidate too; give it one active request so it does not
	// tie peer 3 at score 0 and win the tie-break by lower id.
	self.IncActiveRequests()
	self.CachePeerLoad(2, 1.0, 0)
	self.CachePeerLoad(3, 0.0, 0)

	winner, _ := router.findLowestLoadNode()
	if winner != 3 {
		t.Fatalf("winner = %d, want 3 (lowest load, no processed history)", winner)
	}
}

func TestFindLowestLoadNode_TieBreaksByID(t *testing.T) {
	peers := map[uint32]string{1: "a:1", 2: "b:1", 3: "c:1"}
	self := NewPeer(3, peers[3])
	router, _ := newTestRouter(self, peers)

	self.CachePeerLoad(1, 0.0, 0)
	self.CachePeerLoad(2, 0.0, 0)

	winner, _ := router.findLowestLoadNode()
	if winner != 1 {
		t.Fatalf("winner = %d, want 1 (lowest id among ties)", winner)
	}
}

func TestFindLowestLoadNode_SkipsFailedPeers(t *testing.T) {
	peers := map[uint32]string{1: "a:1", 2: "b:1", 3: "c:1"}
	self := NewPeer(1, peers[1])
	router, _ := newTestRouter(self, peers)

	self.CachePeerLoad(2, 0.0, 0)
	self.MarkFailed(2)
	self.CachePeerLoad(3, 0.5, 0)

	winner, _ := router.findLowestLoadNode()
	if winner == 2 {
		t.Fatal("a failed peer must never be selected")
	}
}

func TestFindLowestLoadNode_PrefersFreshEntryOnScoreTie(t *testing.T) {
	peers := map[uint32]string{1: "a:1", 2: "b:1", 3: "c:1"}
	self := NewPeer(3, peers[3])
	router, _ := newTestRouter(self, peers)
	router.loadCacheTTL = 10 * time.Millisecond

	self.CachePeerLoad(1, 0.0, 0)
	time.Sleep(20 * time.Millisecond)
	self.CachePeerLoad(2, 0.0, 0)

	winner, _ := router.findLowestLoadNode()
	if winner != 2 {
		t.Fatalf("winner = %d, want 2 (fresher cache entry wins a score tie over stale peer 1)", winner)
	}
}

func TestHandleEncryptionRequest_DuplicateDropped(t *testing.T) {
	peers := map[uint32]string{1: "a:1"}
	self := NewPeer(1, peers[1])
	router, send := newTestRouter(self, peers)

	req := wire.EncryptionRequest{RequestID: "r1", Image: []byte("img"), Recipients: []string{"bob"}}
	msg, _ := wire.NewMessage(wire.KindEncryptionRequest, req)

	router.Dispatch(msg, "client:1")
	router.Dispatch(msg, "client:1")

	send.mu.Lock()
	defer send.mu.Unlock()
	if len(send.logical) != 1 {
		t.Fatalf("got %d replies, want exactly 1 (second delivery is a duplicate)", len(send.logical))
	}
}

func TestHandleEncryptionRequest_NetZeroActiveRequests(t *testing.T) {
	peers := map[uint32]string{1: "a:1"}
	self := NewPeer(1, peers[1])
	router, _ := newTestRouter(self, peers)

	req := wire.EncryptionRequest{RequestID: "r2", Image: []byte("img"), Recipients: []string{"bob"}}
	msg, _ := wire.NewMessage(wire.KindEncryptionRequest, req)
	router.Dispatch(msg, "client:1")

	if got := self.ActiveRequests(); got != 0 {
		t.Fatalf("active requests = %d, want 0 after final reply", got)
	}
}

func TestDispatch_ElectionRoundTripsThroughAckHandler(t *testing.T) {
	peers := map[uint32]string{1: "a:1", 2: "b:1"}
	self := NewPeer(2, peers[2])
	router, send := newTestRouter(self, peers)

	el := wire.Election{FromNode: 1}
	msg, _ := wire.NewMessage(wire.KindElection, el)
	router.Dispatch(msg, "a:1")

	send.mu.Lock()
	if len(send.messages) != 1 {
		send.mu.Unlock()
		t.Fatalf("got %d replies to Election, want exactly 1 ElectionAck", len(send.messages))
	}
	ackMsg := send.messages[0]
	send.mu.Unlock()
	if ackMsg.Kind != wire.KindElectionAck {
		t.Fatalf("reply kind = %q, want %q", ackMsg.Kind, wire.KindElectionAck)
	}

	// Feeding that ack back through Dispatch must reach the elector
	// without error (no pending probe waiting on it here).
	router.Dispatch(ackMsg, "b:1")
}
