package cluster

import "github.com/ghostveil/cluster/internal/wire"

// Sender is the outbound half of the transport that the cluster layer
// needs. The transport package implements this; cluster never imports
// transport directly so the dependency only runs one way.
type Sender interface {
	// SendMessage sends a small, guaranteed-single-datagram control
	// message raw, skipping the chunk envelope's base64 overhead
	// (dual framing).
	SendMessage(addr string, msg *wire.Message) error

	// SendLogical sends a message that may carry an arbitrarily large
	// byte payload (an image or ciphertext), fragmenting it when it
	// exceeds a single datagram.
	SendLogical(addr string, msg *wire.Message) error
}
