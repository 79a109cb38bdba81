package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/ghostveil/cluster/internal/observability"
	"github.com/ghostveil/cluster/internal/wire"
)

// Prometheus registration is global, so every test in this package must
// share one Metrics instance rather than calling NewMetrics per transport.
var (
	sharedMetrics     *observability.Metrics
	sharedMetricsOnce sync.Once
)

func testMetrics() *observability.Metrics {
	sharedMetricsOnce.Do(func() {
		sharedMetrics = observability.NewMetrics()
	})
	return sharedMetrics
}

func newLoopbackTransport(t *testing.T) *Transport {
	t.Helper()
	log := observability.NewLogger("test", "0", nil)
	metrics := testMetrics()
	tr, err := Listen("127.0.0.1:0", 1<<20, 1000, 1000, log, metrics, func() bool { return false })
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestTransport_SendMessageRoundTrip(t *testing.T) {
	a := newLoopbackTransport(t)
	b := newLoopbackTransport(t)

	var mu sync.Mutex
	var got *wire.Message
	done := make(chan struct{})
	b.SetHandler(func(msg *wire.Message, from string) {
		mu.Lock()
		got = msg
		mu.Unlock()
		close(done)
	})
	go b.Serve()

	hb := wire.Heartbeat{FromNode: 1, Load: 0.25, ProcessedCount: 4}
	msg, err := wire.NewMessage(wire.KindHeartbeat, hb)
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	if err := a.SendMessage(b.LocalAddr(), msg); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	if got == nil || got.Kind != wire.KindHeartbeat {
		t.Fatalf("got %+v, want a delivered heartbeat message", got)
	}
}

func TestTransport_SendLogicalFragmentsLargePayload(t *testing.T) {
	a := newLoopbackTransport(t)
	b := newLoopbackTransport(t)

	done := make(chan []byte, 1)
	b.SetHandler(func(msg *wire.Message, from string) {
		var req wire.EncryptionRequest
		if err := msg.Decode(&req); err == nil {
			done <- req.Image
		}
	})
	go b.Serve()

	image := make([]byte, wire.ChunkBodySize*3+100)
	for i := range image {
		image[i] = byte(i)
	}
	req := wire.EncryptionRequest{RequestID: "r1", Image: image, Recipients: []string{"bob"}, Quota: 1}
	msg, err := wire.NewMessage(wire.KindEncryptionRequest, req)
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	if err := a.SendLogical(b.LocalAddr(), msg); err != nil {
		t.Fatalf("SendLogical: %v", err)
	}

	select {
	case gotImage := <-done:
		if len(gotImage) != len(image) {
			t.Fatalf("reassembled length = %d, want %d", len(gotImage), len(image))
		}
		for i := range image {
			if gotImage[i] != image[i] {
				t.Fatalf("byte %d mismatch: got %d want %d", i, gotImage[i], image[i])
			}
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reassembled delivery")
	}
}

func TestTransport_RejectsMalformedDatagram(t *testing.T) {
	a := newLoopbackTransport(t)
	b := newLoopbackTransport(t)

	delivered := false
	b.SetHandler(func(msg *wire.Message, from string) { delivered = true })
	go b.Serve()

	if err := a.writeTo(b.LocalAddr(), []byte("not json at all")); err != nil {
		t.Fatalf("writeTo: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if delivered {
		t.Fatal("expected a malformed datagram to never reach the handler")
	}
}
