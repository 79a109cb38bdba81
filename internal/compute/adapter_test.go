package compute

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAdapter_RejectsEmptyImage(t *testing.T) {
	a := New()
	if _, err := a.Encrypt(context.Background(), nil, []string{"bob"}, 3); !errors.Is(err, ErrEmptyImage) {
		t.Fatalf("err = %v, want ErrEmptyImage", err)
	}
}

func TestAdapter_OutputIsLengthPreservingAndReversible(t *testing.T) {
	a := New()
	image := []byte("some pixel data")
	out, err := a.Encrypt(context.Background(), image, []string{"bob", "carol"}, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != len(image) {
		t.Fatalf("output length = %d, want %d", len(out), len(image))
	}

	back, err := a.Encrypt(context.Background(), out, []string{"bob", "carol"}, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(back) != string(image) {
		t.Fatal("expected the same key to invert the transform (XOR is self-inverse)")
	}
}

func TestAdapter_RespectsContextCancellation(t *testing.T) {
	a := &Adapter{SimulatedLatency: time.Hour}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := a.Encrypt(ctx, []byte("x"), []string{"bob"}, 1)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
}

func TestAdapter_NoLatencyByDefault(t *testing.T) {
	a := New()
	start := time.Now()
	if _, err := a.Encrypt(context.Background(), []byte("x"), []string{"bob"}, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("expected no artificial delay, took %v", elapsed)
	}
}
