package observability

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for a cluster peer.
type Metrics struct {
	// Transport
	ChunksSentTotal        prometheus.Counter
	ChunksReceivedTotal    prometheus.Counter
	ChunksRetransmitted    *prometheus.CounterVec
	BytesTransferredTotal  *prometheus.CounterVec
	MalformedDatagramsTotal prometheus.Counter
	ReassemblyTimeoutsTotal prometheus.Counter

	// Router / requests
	RequestsAcceptedTotal   *prometheus.CounterVec
	RequestsDuplicateTotal  prometheus.Counter
	ActiveRequests          prometheus.Gauge
	RequestDuration         prometheus.Histogram

	// Failure detector / elector
	HeartbeatsSentTotal   prometheus.Counter
	HeartbeatsMissedTotal prometheus.Counter
	PeersFailedTotal      prometheus.Counter
	PeersRecoveredTotal   prometheus.Counter
	ElectionsTotal        *prometheus.CounterVec
	CoordinatorChanges    prometheus.Counter

	// Image store
	ImagesStoredTotal    prometheus.Counter
	ImagesViewedTotal     *prometheus.CounterVec
	QuotaExhaustedTotal   prometheus.Counter

	activeRequestCount int64
}

// NewMetrics creates and registers all Prometheus metrics for a peer.
func NewMetrics() *Metrics {
	return &Metrics{
		ChunksSentTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cluster_chunks_sent_total",
			Help: "Total outbound chunks sent",
		}),
		ChunksReceivedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cluster_chunks_received_total",
			Help: "Total inbound chunks received",
		}),
		ChunksRetransmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cluster_chunks_retransmitted_total",
			Help: "Chunks re-sent in response to a RetransmitRequest",
		}, []string{"reason"}),
		BytesTransferredTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cluster_bytes_transferred_total",
			Help: "Total bytes transferred",
		}, []string{"direction"}),
		MalformedDatagramsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cluster_malformed_datagrams_total",
			Help: "Datagrams that failed both chunk and raw envelope parsing",
		}),
		ReassemblyTimeoutsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cluster_reassembly_timeouts_total",
			Help: "Reassembly contexts evicted without completing",
		}),

		RequestsAcceptedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cluster_requests_accepted_total",
			Help: "EncryptionRequests accepted for processing",
		}, []string{"role"}),
		RequestsDuplicateTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cluster_requests_duplicate_total",
			Help: "Requests dropped as duplicates",
		}),
		ActiveRequests: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "cluster_active_requests",
			Help: "Currently in-flight compute requests on this peer",
		}),
		RequestDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "cluster_request_duration_seconds",
			Help:    "End-to-end EncryptionRequest latency",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),

		HeartbeatsSentTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cluster_heartbeats_sent_total",
			Help: "Heartbeats emitted",
		}),
		HeartbeatsMissedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cluster_heartbeats_missed_total",
			Help: "Peers found stale by the detector and newly marked failed",
		}),
		PeersFailedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cluster_peers_failed_total",
			Help: "Peer failure transitions observed",
		}),
		PeersRecoveredTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cluster_peers_recovered_total",
			Help: "Peer recovery transitions observed",
		}),
		ElectionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cluster_elections_total",
			Help: "Election rounds run",
		}, []string{"reason"}),
		CoordinatorChanges: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cluster_coordinator_changes_total",
			Help: "Local coordinator belief changes",
		}),

		ImagesStoredTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cluster_images_stored_total",
			Help: "Inbox entries created by SendImage",
		}),
		ImagesViewedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cluster_images_viewed_total",
			Help: "ViewImage outcomes",
		}, []string{"result"}),
		QuotaExhaustedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cluster_quota_exhausted_total",
			Help: "ViewImage attempts against an exhausted quota",
		}),
	}
}

// RecordChunkSent updates metrics for an outbound chunk.
func (m *Metrics) RecordChunkSent(bytes int) {
	m.ChunksSentTotal.Inc()
	m.BytesTransferredTotal.WithLabelValues("sent").Add(float64(bytes))
}

// RecordChunkReceived updates metrics for an inbound chunk.
func (m *Metrics) RecordChunkReceived(bytes int) {
	m.ChunksReceivedTotal.Inc()
	m.BytesTransferredTotal.WithLabelValues("received").Add(float64(bytes))
}

// RecordChunkRetransmit increments retransmit counters.
func (m *Metrics) RecordChunkRetransmit(reason string) {
	m.ChunksRetransmitted.WithLabelValues(reason).Inc()
}

// RecordRequestAccepted increments the accepted-request counter and the
// active-requests gauge.
func (m *Metrics) RecordRequestAccepted(role string) {
	m.RequestsAcceptedTotal.WithLabelValues(role).Inc()
	n := atomic.AddInt64(&m.activeRequestCount, 1)
	m.ActiveRequests.Set(float64(n))
}

// RecordRequestFinished decrements the active-requests gauge, saturating at zero.
func (m *Metrics) RecordRequestFinished(durationSeconds float64) {
	n := atomic.AddInt64(&m.activeRequestCount, -1)
	if n < 0 {
		atomic.StoreInt64(&m.activeRequestCount, 0)
		n = 0
	}
	m.ActiveRequests.Set(float64(n))
	m.RequestDuration.Observe(durationSeconds)
}

// RecordElection increments the election counter for the given trigger reason.
func (m *Metrics) RecordElection(reason string) {
	m.ElectionsTotal.WithLabelValues(reason).Inc()
}

// RecordImageViewed records a ViewImage outcome.
func (m *Metrics) RecordImageViewed(result string) {
	m.ImagesViewedTotal.WithLabelValues(result).Inc()
	if result == "quota_exhausted" {
		m.QuotaExhaustedTotal.Inc()
	}
}

// Handler exposes the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
