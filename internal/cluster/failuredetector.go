package cluster

import (
	"context"
	"time"

	"github.com/ghostveil/cluster/internal/config"
	"github.com/ghostveil/cluster/internal/observability"
	"github.com/ghostveil/cluster/internal/wire"
)

// FailureDetector runs periodic heartbeats and a liveness scan, with a
// startup grace period to avoid false positives before the first round of
// heartbeats has had time to arrive.
type FailureDetector struct {
	self  *Peer
	peers map[uint32]string
	send  Sender

	log     *observability.Logger
	metrics *observability.Metrics

	heartbeatInterval time.Duration
	detectorInterval  time.Duration
	failureThreshold  time.Duration
	startupGrace      time.Duration
	startedAt         time.Time

	onCoordinatorFailed func(reason string)
}

// NewFailureDetector wires a detector for self against the fixed peer
// table, using cfg's timing tunables.
func NewFailureDetector(self *Peer, peers map[uint32]string, send Sender, log *observability.Logger, metrics *observability.Metrics, cfg *config.Config) *FailureDetector {
	return &FailureDetector{
		self:              self,
		peers:             peers,
		send:              send,
		log:               log,
		metrics:           metrics,
		heartbeatInterval: cfg.HeartbeatInterval,
		detectorInterval:  cfg.FailureDetectorInterval,
		failureThreshold:  cfg.FailureThreshold,
		startupGrace:      cfg.StartupGracePeriod,
		startedAt:         time.Now(),
	}
}

// OnCoordinatorFailed registers the callback invoked synchronously when
// the believed coordinator is marked failed.
func (fd *FailureDetector) OnCoordinatorFailed(fn func(reason string)) {
	fd.onCoordinatorFailed = fn
}

// RunHeartbeatLoop broadcasts a Heartbeat to every other peer every
// heartbeatInterval until ctx is cancelled.
func (fd *FailureDetector) RunHeartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(fd.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fd.broadcastHeartbeat()
		}
	}
}

func (fd *FailureDetector) broadcastHeartbeat() {
	if fd.self.State() == StateFailed {
		return
	}
	hb := wire.Heartbeat{
		FromNode:       fd.self.ID,
		Load:           fd.self.Load(),
		ProcessedCount: fd.self.ProcessedTotal(),
	}
	msg, err := wire.NewMessage(wire.KindHeartbeat, hb)
	if err != nil {
		return
	}
	for id, addr := range fd.peers {
		if id == fd.self.ID {
			continue
		}
		if err := fd.send.SendMessage(addr, msg); err == nil {
			fd.metrics.HeartbeatsSentTotal.Inc()
		}
	}
}

// HandleHeartbeat applies an observed Heartbeat or HeartbeatAck: refresh
// liveness and the load cache, and clear any failed mark.
func (fd *FailureDetector) HandleHeartbeat(from uint32, load float64, processedTotal uint64) {
	now := time.Now()
	fd.self.RecordHeartbeat(from, now)
	fd.self.CachePeerLoad(from, load, processedTotal)
	fd.log.HeartbeatObserved(from, load, processedTotal)
	if fd.self.MarkRecovered(from) {
		fd.metrics.PeersRecoveredTotal.Inc()
		fd.log.PeerRecovered(from)
	}
}

// RunDetectorLoop scans last_heartbeat every detectorInterval, marking
// stale peers failed. Failed marks are cleared by HandleHeartbeat when the
// peer is heard from again, not by this scan.
func (fd *FailureDetector) RunDetectorLoop(ctx context.Context) {
	ticker := time.NewTicker(fd.detectorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fd.scan()
		}
	}
}

func (fd *FailureDetector) scan() {
	if time.Since(fd.startedAt) < fd.startupGrace {
		return
	}
	now := time.Now()
	for id := range fd.peers {
		if id == fd.self.ID {
			continue
		}
		last, seen := fd.self.LastHeartbeat(id)
		var since time.Duration
		stale := !seen
		if seen {
			since = now.Sub(last)
			stale = since > fd.failureThreshold
		}
		if !stale {
			continue
		}
		if fd.self.MarkFailed(id) {
			fd.metrics.HeartbeatsMissedTotal.Inc()
			fd.metrics.PeersFailedTotal.Inc()
			fd.log.PeerMarkedFailed(id, since)
			if coordID, ok := fd.self.CoordinatorID(); ok && coordID == id && fd.onCoordinatorFailed != nil {
				fd.onCoordinatorFailed("coordinator_failed")
			}
		}
	}
}
