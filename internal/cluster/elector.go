package cluster

import (
	"context"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/ghostveil/cluster/internal/config"
	"github.com/ghostveil/cluster/internal/observability"
	"github.com/ghostveil/cluster/internal/wire"
)

// electionAttempts and electionBackoffUnit govern LoadQuery's retry
// policy: three attempts, backoff growing by 100ms per attempt.
const (
	electionAttempts    = 3
	electionBackoffUnit = 100 * time.Millisecond
	loadQueryTimeout    = 3 * time.Second
)

// Elector runs the coordinator election. A plain mutex (not the peer's
// per-field locks) guards a running flag so only one election round runs
// at a time; a call made while a round is running returns without running
// another.
type Elector struct {
	self  *Peer
	peers map[uint32]string
	send  Sender

	log     *observability.Logger
	metrics *observability.Metrics

	hysteresis        float64
	startupGrace      time.Duration
	safetyNetInterval time.Duration
	startedAt         time.Time

	mu      sync.Mutex
	running bool

	pending map[string]chan wire.LoadResponse
	pendMu  sync.Mutex

	pendingAck map[string]chan wire.ElectionAck
	ackMu      sync.Mutex
}

// NewElector wires an elector for self against the fixed peer table.
func NewElector(self *Peer, peers map[uint32]string, send Sender, log *observability.Logger, metrics *observability.Metrics, cfg *config.Config) *Elector {
	return &Elector{
		self:              self,
		peers:             peers,
		send:              send,
		log:               log,
		metrics:           metrics,
		hysteresis:        cfg.ElectionHysteresis,
		startupGrace:      cfg.ElectionStartupGrace,
		safetyNetInterval: cfg.ElectionSafetyNetInterval,
		startedAt:         time.Now(),
		pending:           make(map[string]chan wire.LoadResponse),
		pendingAck:        make(map[string]chan wire.ElectionAck),
	}
}

// electionAckTimeout bounds how long queryLoad waits for the direct
// ELECTION acknowledgement before moving on to the LoadQuery round;
// unanswered, it still proceeds to LoadQuery rather than failing the
// candidate outright.
const electionAckTimeout = 2 * time.Second

// probeElection sends Election to id and waits briefly for its
// ElectionAck, mirroring the two-step reply (ack, then load report) the
// election protocol uses. Best-effort: a missed ack does not abort the
// gather, since queryLoad's own retry/timeout governs correctness.
func (e *Elector) probeElection(ctx context.Context, id uint32, addr string) {
	msg, err := wire.NewMessage(wire.KindElection, wire.Election{FromNode: e.self.ID})
	if err != nil {
		return
	}
	key := correlationKey(id)
	ch := make(chan wire.ElectionAck, 1)
	e.ackMu.Lock()
	e.pendingAck[key] = ch
	e.ackMu.Unlock()
	defer func() {
		e.ackMu.Lock()
		delete(e.pendingAck, key)
		e.ackMu.Unlock()
	}()

	if err := e.send.SendMessage(addr, msg); err != nil {
		return
	}
	select {
	case <-ch:
	case <-time.After(electionAckTimeout):
	case <-ctx.Done():
	}
}

// HandleElectionAck delivers an inbound ElectionAck to whichever
// probeElection call is waiting on it.
func (e *Elector) HandleElectionAck(ack wire.ElectionAck) {
	key := correlationKey(ack.FromNode)
	e.ackMu.Lock()
	ch, ok := e.pendingAck[key]
	e.ackMu.Unlock()
	if ok {
		select {
		case ch <- ack:
		default:
		}
	}
}

// RunStartupElection triggers the one-time election after the startup
// grace period.
func (e *Elector) RunStartupElection(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(e.startupGrace):
		e.RunElection(ctx, "startup")
	}
}

// RunSafetyNet re-runs the election on a long period as a convergence
// backstop, independent of failure events.
func (e *Elector) RunSafetyNet(ctx context.Context) {
	ticker := time.NewTicker(e.safetyNetInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.RunElection(ctx, "safety_net")
		}
	}
}

// RunElection gathers loads from every non-failed peer, picks the winner,
// applies hysteresis, and broadcasts Coordinator to the whole cluster.
func (e *Elector) RunElection(ctx context.Context, reason string) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	if e.self.State() != StateActive {
		return
	}

	tr := otel.Tracer("ghostveil-cluster")
	ctx, span := tr.Start(ctx, "elector.RunElection")
	defer span.End()

	e.metrics.RecordElection(reason)
	e.log.ElectionStarted(e.self.ID, reason)

	failed := e.self.FailedPeers()
	candidates := make([]uint32, 0, len(e.peers))
	for id := range e.peers {
		if _, isFailed := failed[id]; isFailed {
			continue
		}
		candidates = append(candidates, id)
	}

	loads := make(map[uint32]float64, len(candidates))
	processed := make(map[uint32]uint64, len(candidates))
	loads[e.self.ID] = e.self.Load()
	processed[e.self.ID] = e.self.ProcessedTotal()

	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, id := range candidates {
		if id == e.self.ID {
			continue
		}
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, ok := e.queryLoad(ctx, id)
			if !ok {
				return
			}
			mu.Lock()
			loads[id] = resp.Load
			processed[id] = resp.ProcessedCount
			mu.Unlock()
			e.self.CachePeerLoad(id, resp.Load, resp.ProcessedCount)
		}()
	}
	wg.Wait()

	winner, winnerLoad := lowestLoad(loads)
	e.log.ElectionConverged(winner, winnerLoad, loads)

	currentCoord, known := e.self.CoordinatorID()
	if known && currentCoord != winner {
		if currentLoad, isLive := loads[currentCoord]; isLive {
			denom := math.Max(currentLoad, 0.01)
			if (currentLoad-winnerLoad)/denom <= e.hysteresis {
				winner = currentCoord
				winnerLoad = currentLoad
			}
		}
	}

	if e.self.SetCoordinatorID(winner) {
		e.metrics.CoordinatorChanges.Inc()
		e.log.CoordinatorChanged(e.self.ID, winner, winnerLoad)
	}

	coordMsg, err := wire.NewMessage(wire.KindCoordinator, wire.Coordinator{NodeID: winner, Load: winnerLoad})
	if err != nil {
		return
	}
	for id, addr := range e.peers {
		if id == e.self.ID {
			continue
		}
		_ = e.send.SendMessage(addr, coordMsg)
	}
}

// lowestLoad picks the lowest-scoring candidate, ties broken by peer id.
func lowestLoad(loads map[uint32]float64) (uint32, float64) {
	ids := make([]uint32, 0, len(loads))
	for id := range loads {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	winner := ids[0]
	winnerLoad := loads[winner]
	for _, id := range ids[1:] {
		if loads[id] < winnerLoad {
			winner = id
			winnerLoad = loads[id]
		}
	}
	return winner, winnerLoad
}

// queryLoad sends LoadQuery to peer id with retry policy:
// three attempts, 100*n ms backoff, 3 s per-attempt timeout.
func (e *Elector) queryLoad(ctx context.Context, id uint32) (wire.LoadResponse, bool) {
	addr, ok := e.peers[id]
	if !ok {
		return wire.LoadResponse{}, false
	}
	e.probeElection(ctx, id, addr)

	msg, err := wire.NewMessage(wire.KindLoadQuery, wire.LoadQuery{FromNode: e.self.ID})
	if err != nil {
		return wire.LoadResponse{}, false
	}

	key := correlationKey(id)
	ch := make(chan wire.LoadResponse, 1)
	e.pendMu.Lock()
	e.pending[key] = ch
	e.pendMu.Unlock()
	defer func() {
		e.pendMu.Lock()
		delete(e.pending, key)
		e.pendMu.Unlock()
	}()

	for attempt := 0; attempt < electionAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return wire.LoadResponse{}, false
			case <-time.After(time.Duration(attempt) * electionBackoffUnit):
			}
		}
		if err := e.send.SendMessage(addr, msg); err != nil {
			continue
		}
		select {
		case resp := <-ch:
			return resp, true
		case <-time.After(loadQueryTimeout):
		case <-ctx.Done():
			return wire.LoadResponse{}, false
		}
	}
	return wire.LoadResponse{}, false
}

// HandleLoadResponse delivers an inbound LoadResponse to whichever
// queryLoad call is waiting on it.
func (e *Elector) HandleLoadResponse(resp wire.LoadResponse) {
	key := correlationKey(resp.NodeID)
	e.pendMu.Lock()
	ch, ok := e.pending[key]
	e.pendMu.Unlock()
	if ok {
		select {
		case ch <- resp:
		default:
		}
	}
	e.self.CachePeerLoad(resp.NodeID, resp.Load, resp.ProcessedCount)
}

func correlationKey(peerID uint32) string {
	return "load:" + strconv.FormatUint(uint64(peerID), 10)
}
