// Package wire defines the datagram framing used between cluster peers
// and between a client and any peer.
//
// Two framings coexist on the wire: a chunk envelope used for
// anything that might not fit a single datagram, and a raw message
// envelope used for small intra-cluster control traffic so it can skip
// the base64 overhead of the chunk framing.
package wire

import "encoding/json"

// MaxDatagramSize is the largest payload the underlying channel accepts.
const MaxDatagramSize = 65507

// SinglePacketThreshold is the largest logical payload (the marshaled
// message, measured before base64 encoding) sent as a single chunk
// envelope. Anything larger is split into ChunkBodySize-sized pieces.
const SinglePacketThreshold = 45000

// ChunkBodySize is the body size of each fragment of a multi-chunk message.
const ChunkBodySize = 45000

// ChunkFrameKind tags which chunk envelope variant a datagram carries.
type ChunkFrameKind string

const (
	KindSinglePacket       ChunkFrameKind = "single_packet"
	KindMultiPacket        ChunkFrameKind = "multi_packet"
	KindRetransmitRequest  ChunkFrameKind = "retransmit_request"
)

// ChunkFrame is the outer envelope attempted first on every received
// datagram. Exactly one of the Kind-selected fields is populated.
type ChunkFrame struct {
	Kind ChunkFrameKind `json:"kind"`

	// SinglePacket
	Data string `json:"data,omitempty"`

	// MultiPacket
	ChunkID     string `json:"chunk_id,omitempty"`
	ChunkIndex  uint32 `json:"chunk_index,omitempty"`
	TotalChunks uint32 `json:"total_chunks,omitempty"`

	// RetransmitRequest
	MissingIndices []uint32 `json:"missing_indices,omitempty"`
}

// Marshal serializes the frame to JSON bytes suitable for a single datagram.
func (f *ChunkFrame) Marshal() ([]byte, error) {
	return json.Marshal(f)
}

// UnmarshalChunkFrame attempts to parse a datagram as a ChunkFrame. It is
// the first parse attempted on any inbound datagram.
func UnmarshalChunkFrame(data []byte) (*ChunkFrame, error) {
	var f ChunkFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	switch f.Kind {
	case KindSinglePacket, KindMultiPacket, KindRetransmitRequest:
		return &f, nil
	default:
		return nil, errInvalidFrame
	}
}
