// Package observability wraps the cluster's logging, metrics, and tracing
// stack.
package observability

import (
	"io"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging across the cluster runtime.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new structured logger for a peer process.
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{logger: logger}
}

// WithPeer adds peer_id context to the logger.
func (l *Logger) WithPeer(peerID uint32) *Logger {
	return &Logger{logger: l.logger.With().Uint32("peer_id", peerID).Logger()}
}

// WithRequest adds request_id context to the logger.
func (l *Logger) WithRequest(requestID string) *Logger {
	return &Logger{logger: l.logger.With().Str("request_id", requestID).Logger()}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) { l.logger.Debug().Msg(msg) }

// Info logs an info message.
func (l *Logger) Info(msg string) { l.logger.Info().Msg(msg) }

// Warn logs a warning message.
func (l *Logger) Warn(msg string) { l.logger.Warn().Msg(msg) }

// Error logs an error message.
func (l *Logger) Error(err error, msg string) { l.logger.Error().Err(err).Msg(msg) }

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(err error, msg string) { l.logger.Fatal().Err(err).Msg(msg) }

// HeartbeatObserved logs a heartbeat (or ack) received from a peer.
func (l *Logger) HeartbeatObserved(fromNode uint32, load float64, processedTotal uint64) {
	l.logger.Debug().
		Uint32("from_node", fromNode).
		Float64("load", load).
		Uint64("processed_total", processedTotal).
		Msg("heartbeat observed")
}

// PeerMarkedFailed logs a peer transitioning into the failed set.
func (l *Logger) PeerMarkedFailed(peerID uint32, sinceLastHeartbeat time.Duration) {
	l.logger.Warn().
		Uint32("peer_id", peerID).
		Float64("since_last_heartbeat_seconds", sinceLastHeartbeat.Seconds()).
		Msg("peer marked failed")
}

// PeerRecovered logs a previously failed peer clearing from failed_peers.
func (l *Logger) PeerRecovered(peerID uint32) {
	l.logger.Info().Uint32("peer_id", peerID).Msg("peer recovered")
}

// ElectionStarted logs the start of an election round.
func (l *Logger) ElectionStarted(initiator uint32, reason string) {
	l.logger.Info().
		Uint32("initiator", initiator).
		Str("reason", reason).
		Msg("election started")
}

// ElectionConverged logs the final load table of an election round, one
// field per node in ascending node-id order.
func (l *Logger) ElectionConverged(winner uint32, winnerLoad float64, loads map[uint32]float64) {
	evt := l.logger.Info().
		Uint32("winner", winner).
		Float64("winner_load", winnerLoad)
	ids := make([]uint32, 0, len(loads))
	for id := range loads {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		evt = evt.Float64("load_node_"+strconv.FormatUint(uint64(id), 10), loads[id])
	}
	evt.Msg("election converged")
}

// CoordinatorChanged logs a local belief update about the coordinator.
func (l *Logger) CoordinatorChanged(peerID uint32, newCoordinator uint32, load float64) {
	l.logger.Info().
		Uint32("peer_id", peerID).
		Uint32("new_coordinator", newCoordinator).
		Float64("load", load).
		Msg("coordinator belief updated")
}

// RequestForwarded logs a request being handed to the coordinator or a worker.
func (l *Logger) RequestForwarded(requestID string, toPeer uint32, forwarded bool) {
	l.logger.Debug().
		Str("request_id", requestID).
		Uint32("to_peer", toPeer).
		Bool("forwarded", forwarded).
		Msg("request forwarded")
}

// DuplicateRequestDropped logs a deduplicated request.
func (l *Logger) DuplicateRequestDropped(requestID string) {
	l.logger.Debug().Str("request_id", requestID).Msg("duplicate request dropped")
}

// ChunkRetransmitted logs a chunk being re-sent in response to a RetransmitRequest.
func (l *Logger) ChunkRetransmitted(chunkID string, index uint32) {
	l.logger.Debug().
		Str("chunk_id", chunkID).
		Uint32("chunk_index", index).
		Msg("chunk retransmitted")
}

// ReassemblyIntegrity logs the BLAKE3 digest computed over a freshly
// reassembled payload.
func (l *Logger) ReassemblyIntegrity(chunkID string, size int, digest string) {
	l.logger.Debug().
		Str("chunk_id", chunkID).
		Int("size", size).
		Str("digest", digest).
		Msg("reassembly complete")
}

// ReassemblyDropped logs a reassembly context evicted for exceeding its TTL.
func (l *Logger) ReassemblyDropped(chunkID string) {
	l.logger.Warn().Str("chunk_id", chunkID).Msg("reassembly timed out")
}

// MalformedDatagram logs a datagram that failed both framing attempts.
func (l *Logger) MalformedDatagram(from string, err error) {
	l.logger.Warn().Str("from", from).Err(err).Msg("malformed datagram dropped")
}

func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
