package cluster

import "time"

// IncActiveRequests records that this peer has begun processing one more
// EncryptionRequest (accounting: incremented when the router accepts a
// request, decremented when this peer's handling of it ends, whether it
// was executed here or passed on to the coordinator or a worker).
func (p *Peer) IncActiveRequests() int64 {
	p.countersMu.Lock()
	defer p.countersMu.Unlock()
	p.activeRequests++
	return p.activeRequests
}

// DecActiveRequests records that one in-flight request finished, saturating
// at zero so a duplicate decrement (e.g. a retried completion) can never
// drive the counter negative.
func (p *Peer) DecActiveRequests() int64 {
	p.countersMu.Lock()
	defer p.countersMu.Unlock()
	if p.activeRequests > 0 {
		p.activeRequests--
	}
	return p.activeRequests
}

// ActiveRequests returns the current in-flight request count.
func (p *Peer) ActiveRequests() int64 {
	p.countersMu.RLock()
	defer p.countersMu.RUnlock()
	return p.activeRequests
}

// IncProcessedTotal records one more request completed on this peer over
// its lifetime, used by the router's processed-share weighting in
// findLowestLoadNode.
func (p *Peer) IncProcessedTotal() uint64 {
	p.countersMu.Lock()
	defer p.countersMu.Unlock()
	p.processedTotal++
	return p.processedTotal
}

// ProcessedTotal returns the lifetime completed-request count.
func (p *Peer) ProcessedTotal() uint64 {
	p.countersMu.RLock()
	defer p.countersMu.RUnlock()
	return p.processedTotal
}

// Load returns this peer's own reported load value: its current active
// request count, as sent in LoadResponse.
func (p *Peer) Load() float64 {
	return float64(p.ActiveRequests())
}

// CachePeerLoad records a peer's self-reported load in the peer_load_cache,
// fed by heartbeats and by the elector's LoadResponse round and read by the
// router's forwarding decision.
func (p *Peer) CachePeerLoad(peerID uint32, load float64, processedTotal uint64) {
	p.loadCacheMu.Lock()
	defer p.loadCacheMu.Unlock()
	p.peerLoadCache[peerID] = loadCacheEntry{
		load:           load,
		processedTotal: processedTotal,
		observedAt:     time.Now(),
	}
}

// PeerLoadCache returns a snapshot of the cached load table.
func (p *Peer) PeerLoadCache() map[uint32]loadCacheEntry {
	p.loadCacheMu.RLock()
	defer p.loadCacheMu.RUnlock()
	snapshot := make(map[uint32]loadCacheEntry, len(p.peerLoadCache))
	for id, entry := range p.peerLoadCache {
		snapshot[id] = entry
	}
	return snapshot
}
