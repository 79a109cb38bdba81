// Package compute wraps the steganographic encode/decode step, which is
// explicitly out of scope here: a pure byte-in/byte-out function with a
// known cost. Nothing outside this package may add latency to emulate
// realistic load (design note).
package compute

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
)

var ErrEmptyImage = errors.New("compute: empty carrier image")

// Adapter invokes the out-of-scope encrypt operation. SimulatedLatency, if
// nonzero, is slept before returning — a test-only knob for reproducing
// realistic load, never set by the router itself.
type Adapter struct {
	SimulatedLatency time.Duration
}

// New creates an adapter with no artificial latency.
func New() *Adapter {
	return &Adapter{}
}

// Encrypt embeds the payload image into a carrier for each recipient and
// returns the resulting ciphertext bytes. The real steganographic
// transform is an external compute step; this stands in for it with a
// length-preserving XOR keyed on the recipient list, enough to exercise the
// router's data flow without claiming cryptographic strength.
func (a *Adapter) Encrypt(ctx context.Context, image []byte, recipients []string, quota uint32) ([]byte, error) {
	tr := otel.Tracer("ghostveil-cluster")
	ctx, span := tr.Start(ctx, "compute.Encrypt")
	defer span.End()

	if len(image) == 0 {
		return nil, ErrEmptyImage
	}
	if a.SimulatedLatency > 0 {
		select {
		case <-time.After(a.SimulatedLatency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	key := quota + uint32(len(recipients))
	out := make([]byte, len(image))
	for i, b := range image {
		out[i] = b ^ byte(key+uint32(i))
	}
	return out, nil
}
