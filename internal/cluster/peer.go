// Package cluster implements the peer runtime: state machine, load model,
// failure detector, elector, and request router.
//
// A *Peer is the single shareable handle: every background task (heartbeat
// sender, failure detector, elector, router) holds the same *Peer pointer
// rather than owning any
// state itself, so there is no cyclic ownership between the peer and its
// task goroutines. Every mutable region is guarded by its own lock and no
// lock is ever held across a network call.
package cluster

import (
	"errors"
	"sync"
	"time"
)

// State is a peer's membership state.
type State int

const (
	StateActive State = iota + 1
	StateFailed
	StateRecovering
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateFailed:
		return "FAILED"
	case StateRecovering:
		return "RECOVERING"
	default:
		return "UNKNOWN"
	}
}

var ErrInvalidStateTransition = errors.New("cluster: invalid peer state transition")

var validTransitions = map[State][]State{
	StateActive:     {StateFailed},
	StateFailed:     {StateRecovering},
	StateRecovering: {StateActive, StateFailed},
}

// loadCacheEntry is one entry of the peer_load_cache table.
type loadCacheEntry struct {
	load           float64
	processedTotal uint64
	observedAt     time.Time
}

// Peer holds one cluster member's identity and every piece of mutable
// state tracked about it. Each region has its own lock: state transitions
// and coordinator belief share one RWMutex (both small, rarely written,
// often read together); counters, liveness, and caches each get their own
// so a reader of one never blocks a writer of another.
type Peer struct {
	ID      uint32
	Address string

	stateMu       sync.RWMutex
	state         State
	coordinatorID *uint32

	countersMu       sync.RWMutex
	activeRequests   int64
	processedTotal   uint64

	livenessMu     sync.RWMutex
	lastHeartbeat  map[uint32]time.Time
	failedPeers    map[uint32]struct{}

	loadCacheMu   sync.RWMutex
	peerLoadCache map[uint32]loadCacheEntry

	dedupMu     sync.RWMutex
	inFlightIDs map[string]struct{}

	StartedAt time.Time
}

// NewPeer creates a peer in its initial Active state.
func NewPeer(id uint32, address string) *Peer {
	return &Peer{
		ID:            id,
		Address:       address,
		state:         StateActive,
		lastHeartbeat: make(map[uint32]time.Time),
		failedPeers:   make(map[uint32]struct{}),
		peerLoadCache: make(map[uint32]loadCacheEntry),
		inFlightIDs:   make(map[string]struct{}),
		StartedAt:     time.Now(),
	}
}

// State returns the peer's current membership state.
func (p *Peer) State() State {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.state
}

// TransitionTo moves the peer to newState, enforcing state
// machine (start->Active, Active->Failed, Failed->Recovering,
// Recovering->{Active,Failed}).
func (p *Peer) TransitionTo(newState State) error {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()

	for _, allowed := range validTransitions[p.state] {
		if allowed == newState {
			p.state = newState
			return nil
		}
	}
	return ErrInvalidStateTransition
}

// CoordinatorID returns the believed coordinator and whether one is known.
func (p *Peer) CoordinatorID() (uint32, bool) {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	if p.coordinatorID == nil {
		return 0, false
	}
	return *p.coordinatorID, true
}

// SetCoordinatorID updates the local coordinator belief. Returns true if
// this was a change (used to decide whether to log/emit a metric).
func (p *Peer) SetCoordinatorID(id uint32) bool {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	if p.coordinatorID != nil && *p.coordinatorID == id {
		return false
	}
	p.coordinatorID = &id
	return true
}

// IsCoordinator reports whether this peer currently believes itself to be
// the coordinator.
func (p *Peer) IsCoordinator() bool {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.coordinatorID != nil && *p.coordinatorID == p.ID
}

// RecordHeartbeat stamps the last-seen time for peerID.
func (p *Peer) RecordHeartbeat(peerID uint32, at time.Time) {
	p.livenessMu.Lock()
	defer p.livenessMu.Unlock()
	p.lastHeartbeat[peerID] = at
}

// LastHeartbeat returns the last time peerID was heard from.
func (p *Peer) LastHeartbeat(peerID uint32) (time.Time, bool) {
	p.livenessMu.RLock()
	defer p.livenessMu.RUnlock()
	t, ok := p.lastHeartbeat[peerID]
	return t, ok
}

// MarkFailed records peerID as failed. Returns false if it was already
// marked failed, so callers only log/transition once.
func (p *Peer) MarkFailed(peerID uint32) bool {
	p.livenessMu.Lock()
	defer p.livenessMu.Unlock()
	if _, already := p.failedPeers[peerID]; already {
		return false
	}
	p.failedPeers[peerID] = struct{}{}
	return true
}

// MarkRecovered clears peerID's failed mark. Returns false if it was not
// marked failed.
func (p *Peer) MarkRecovered(peerID uint32) bool {
	p.livenessMu.Lock()
	defer p.livenessMu.Unlock()
	if _, failed := p.failedPeers[peerID]; !failed {
		return false
	}
	delete(p.failedPeers, peerID)
	return true
}

// IsFailed reports whether peerID is currently marked failed.
func (p *Peer) IsFailed(peerID uint32) bool {
	p.livenessMu.RLock()
	defer p.livenessMu.RUnlock()
	_, failed := p.failedPeers[peerID]
	return failed
}

// FailedPeers returns a snapshot of the currently failed peer ids.
func (p *Peer) FailedPeers() map[uint32]struct{} {
	p.livenessMu.RLock()
	defer p.livenessMu.RUnlock()
	snapshot := make(map[uint32]struct{}, len(p.failedPeers))
	for id := range p.failedPeers {
		snapshot[id] = struct{}{}
	}
	return snapshot
}

// MarkInFlight records requestID as being processed locally. Returns false
// if it was already in flight, signalling a duplicate.
func (p *Peer) MarkInFlight(requestID string) bool {
	p.dedupMu.Lock()
	defer p.dedupMu.Unlock()
	if _, dup := p.inFlightIDs[requestID]; dup {
		return false
	}
	p.inFlightIDs[requestID] = struct{}{}
	return true
}

// ClearInFlight removes requestID once the request has been answered.
func (p *Peer) ClearInFlight(requestID string) {
	p.dedupMu.Lock()
	defer p.dedupMu.Unlock()
	delete(p.inFlightIDs, requestID)
}
