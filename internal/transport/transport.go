// Package transport implements the cluster's datagram channel:
// application-level fragmentation over an unordered, unreliable,
// bounded-size datagram, reassembly, and selective retransmission. Two
// framings coexist on the wire: the chunk envelope used for
// anything that might not fit a single datagram, and a raw message
// envelope used for small intra-cluster control traffic.
package transport

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/ghostveil/cluster/internal/observability"
	"github.com/ghostveil/cluster/internal/ratelimit"
	"github.com/ghostveil/cluster/internal/wire"
	"golang.org/x/time/rate"
)

// interChunkPaceMin/Max bound the pacing delay inserted between chunks of
// the same outbound message: the pacer built in Listen releases one chunk
// per interChunkPaceMin, and TokenBucket.Wait's 10ms poll keeps each wait
// below interChunkPaceMax.
const (
	interChunkPaceMin = 2 * time.Millisecond
	interChunkPaceMax = 15 * time.Millisecond
)

// Handler processes one reassembled logical message from its source
// address. The cluster router implements this; transport never imports
// cluster, so the dependency only runs one way.
type Handler func(msg *wire.Message, fromAddr string)

// Transport owns the UDP socket and the reassembly/chunk-cache state
// backing it.
type Transport struct {
	conn *net.UDPConn

	reassembly *reassemblyTable
	cache      *chunkCache

	pacer *ratelimit.TokenBucket

	inboundMu       sync.Mutex
	inboundLimiters map[string]*rate.Limiter
	inboundRPS      float64
	inboundBurst    int

	log     *observability.Logger
	metrics *observability.Metrics

	handler Handler

	isFailed func() bool
}

// Listen opens the UDP socket at bindAddr and raises its buffers to
// socketBufferBytes where the host allows it.
func Listen(bindAddr string, socketBufferBytes int, inboundRPS float64, inboundBurst int, log *observability.Logger, metrics *observability.Metrics, isFailed func() bool) (*Transport, error) {
	addr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolving bind address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listening: %w", err)
	}
	_ = conn.SetReadBuffer(socketBufferBytes)
	_ = conn.SetWriteBuffer(socketBufferBytes)

	return &Transport{
		conn:            conn,
		reassembly:      newReassemblyTable(),
		cache:           newChunkCache(),
		pacer:           ratelimit.NewTokenBucket(float64(time.Second/interChunkPaceMin), 1),
		inboundLimiters: make(map[string]*rate.Limiter),
		inboundRPS:      inboundRPS,
		inboundBurst:    inboundBurst,
		log:             log,
		metrics:         metrics,
		isFailed:        isFailed,
	}, nil
}

// SetHandler registers the callback invoked for every reassembled logical
// message. Must be called before Serve.
func (t *Transport) SetHandler(h Handler) {
	t.handler = h
}

// LocalAddr returns the bound address.
func (t *Transport) LocalAddr() string {
	return t.conn.LocalAddr().String()
}

// Close releases the UDP socket.
func (t *Transport) Close() error {
	return t.conn.Close()
}

// SendMessage sends a small control message raw: the marshaled envelope
// goes on the wire without chunk wrapping or base64, since intra-cluster
// control traffic is guaranteed to fit one datagram.
func (t *Transport) SendMessage(addr string, msg *wire.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return t.writeTo(addr, data)
}

// SendLogical sends a message that may carry an arbitrarily large byte
// payload, fragmenting it when necessary.
func (t *Transport) SendLogical(addr string, msg *wire.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return t.sendFragmented(addr, data)
}

func (t *Transport) sendFragmented(addr string, payload []byte) error {
	if len(payload) <= wire.SinglePacketThreshold {
		frame := &wire.ChunkFrame{
			Kind: wire.KindSinglePacket,
			Data: base64.StdEncoding.EncodeToString(payload),
		}
		body, err := frame.Marshal()
		if err != nil {
			return err
		}
		return t.writeTo(addr, body)
	}

	chunkID := uuid.NewString()
	total := (len(payload) + wire.ChunkBodySize - 1) / wire.ChunkBodySize
	cached := make([]cachedChunk, 0, total)

	for i := 0; i < total; i++ {
		start := i * wire.ChunkBodySize
		end := start + wire.ChunkBodySize
		if end > len(payload) {
			end = len(payload)
		}
		body := payload[start:end]
		cached = append(cached, cachedChunk{index: uint32(i), total: uint32(total), body: body})

		if i > 0 {
			t.pacer.Wait(1)
		}
		if err := t.sendChunk(addr, chunkID, uint32(i), uint32(total), body); err != nil {
			return err
		}
	}
	t.cache.store(chunkID, cached)
	return nil
}

func (t *Transport) sendChunk(addr, chunkID string, index, total uint32, body []byte) error {
	frame := &wire.ChunkFrame{
		Kind:        wire.KindMultiPacket,
		ChunkID:     chunkID,
		ChunkIndex:  index,
		TotalChunks: total,
		Data:        base64.StdEncoding.EncodeToString(body),
	}
	data, err := frame.Marshal()
	if err != nil {
		return err
	}
	if err := t.writeTo(addr, data); err != nil {
		return err
	}
	t.metrics.RecordChunkSent(len(body))
	return nil
}

func (t *Transport) writeTo(addr string, data []byte) error {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	_, err = t.conn.WriteToUDP(data, raddr)
	return err
}

// Serve reads datagrams until the connection is closed, dispatching each
// reassembled logical message to the registered handler.
func (t *Transport) Serve() {
	buf := make([]byte, wire.MaxDatagramSize)
	for {
		n, raddr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if t.isFailed != nil && t.isFailed() {
			continue
		}
		if !t.allow(raddr.String()) {
			continue
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		go t.handleDatagram(datagram, raddr.String())
	}
}

func (t *Transport) allow(addr string) bool {
	t.inboundMu.Lock()
	limiter, ok := t.inboundLimiters[addr]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(t.inboundRPS), t.inboundBurst)
		t.inboundLimiters[addr] = limiter
	}
	t.inboundMu.Unlock()
	return limiter.Allow()
}

func (t *Transport) handleDatagram(data []byte, from string) {
	if frame, err := wire.UnmarshalChunkFrame(data); err == nil {
		t.handleChunkFrame(frame, from)
		return
	}

	var msg wire.Message
	if err := json.Unmarshal(data, &msg); err != nil || msg.Kind == "" {
		t.metrics.MalformedDatagramsTotal.Inc()
		t.log.MalformedDatagram(from, wire.ErrMalformed)
		return
	}
	t.metrics.RecordChunkReceived(len(data))
	if t.handler != nil {
		t.handler(&msg, from)
	}
}

func (t *Transport) handleChunkFrame(frame *wire.ChunkFrame, from string) {
	switch frame.Kind {
	case wire.KindSinglePacket:
		payload, err := base64.StdEncoding.DecodeString(frame.Data)
		if err != nil {
			t.metrics.MalformedDatagramsTotal.Inc()
			t.log.MalformedDatagram(from, err)
			return
		}
		t.metrics.RecordChunkReceived(len(payload))
		t.deliver(payload, from)

	case wire.KindMultiPacket:
		body, err := base64.StdEncoding.DecodeString(frame.Data)
		if err != nil {
			t.metrics.MalformedDatagramsTotal.Inc()
			t.log.MalformedDatagram(from, err)
			return
		}
		t.metrics.RecordChunkReceived(len(body))
		payload, done := t.reassembly.insert(frame.ChunkID, from, frame.ChunkIndex, frame.TotalChunks, body)
		if done {
			digest := blake3.Sum256(payload)
			t.log.ReassemblyIntegrity(frame.ChunkID, len(payload), fmt.Sprintf("%x", digest[:8]))
			t.deliver(payload, from)
		}

	case wire.KindRetransmitRequest:
		t.handleRetransmitRequest(frame, from)
	}
}

func (t *Transport) deliver(payload []byte, from string) {
	var msg wire.Message
	if err := json.Unmarshal(payload, &msg); err != nil || msg.Kind == "" {
		t.metrics.MalformedDatagramsTotal.Inc()
		t.log.MalformedDatagram(from, wire.ErrMalformed)
		return
	}
	if t.handler != nil {
		t.handler(&msg, from)
	}
}

func (t *Transport) handleRetransmitRequest(frame *wire.ChunkFrame, from string) {
	chunks, ok := t.cache.lookup(frame.ChunkID)
	if !ok {
		return
	}
	wanted := make(map[uint32]bool, len(frame.MissingIndices))
	for _, idx := range frame.MissingIndices {
		wanted[idx] = true
	}
	paced := false
	for _, c := range chunks {
		if !wanted[c.index] {
			continue
		}
		if paced {
			t.pacer.Wait(1)
		}
		paced = true
		if err := t.sendChunk(from, frame.ChunkID, c.index, c.total, c.body); err == nil {
			t.metrics.RecordChunkRetransmit("requested")
			t.log.ChunkRetransmitted(frame.ChunkID, c.index)
		}
	}
}

// RunRetransmitLoop periodically checks for reassembly contexts that have
// been waiting past the retransmit wait window and asks the sender to
// resend their missing chunks.
func (t *Transport) RunRetransmitLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			due := t.reassembly.pendingRetransmits(now)
			for chunkID, d := range due {
				if len(d.missing) == 0 || d.sourceAddr == "" {
					continue
				}
				frame := &wire.ChunkFrame{
					Kind:           wire.KindRetransmitRequest,
					ChunkID:        chunkID,
					MissingIndices: d.missing,
				}
				body, err := frame.Marshal()
				if err != nil {
					continue
				}
				_ = t.writeTo(d.sourceAddr, body)
			}
		}
	}
}

// RunSweepLoop evicts expired reassembly contexts and chunk-cache entries.
func (t *Transport) RunSweepLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			if n := t.reassembly.evictExpired(now); n > 0 {
				t.metrics.ReassemblyTimeoutsTotal.Add(float64(n))
			}
			t.cache.evictExpired(now)
		}
	}
}
