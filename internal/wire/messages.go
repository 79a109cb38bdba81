package wire

import "encoding/json"

// MessageKind tags the raw control-message envelope's variant.
type MessageKind string

const (
	KindSessionRegister        MessageKind = "session_register"
	KindSessionRegisterResp    MessageKind = "session_register_response"
	KindSessionUnregister      MessageKind = "session_unregister"
	KindCheckUsernameAvailable MessageKind = "check_username_available"
	KindUsernameAvailableResp  MessageKind = "username_available_response"
	KindEncryptionRequest      MessageKind = "encryption_request"
	KindEncryptionResponse     MessageKind = "encryption_response"
	KindSendImage              MessageKind = "send_image"
	KindSendImageResponse      MessageKind = "send_image_response"
	KindQueryReceivedImages    MessageKind = "query_received_images"
	KindReceivedImagesResponse MessageKind = "received_images_response"
	KindViewImage              MessageKind = "view_image"
	KindViewImageResponse      MessageKind = "view_image_response"
	KindHeartbeat              MessageKind = "heartbeat"
	KindHeartbeatAck           MessageKind = "heartbeat_ack"
	KindElection               MessageKind = "election"
	KindElectionAck            MessageKind = "election_ack"
	KindLoadQuery               MessageKind = "load_query"
	KindLoadResponse             MessageKind = "load_response"
	KindCoordinator              MessageKind = "coordinator"
	KindCoordinatorQuery         MessageKind = "coordinator_query"
	KindCoordinatorQueryResponse MessageKind = "coordinator_query_response"
	KindStateSync                MessageKind = "state_sync"
	KindStateSyncResponse        MessageKind = "state_sync_response"
)

// Message is the tagged-union envelope for every logical message. Small
// intra-cluster control messages are sent as raw JSON (no base64
// wrapping); messages that may carry large byte payloads are marshaled the
// same way and then carried inside chunk frames.
type Message struct {
	Kind    MessageKind     `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// NewMessage marshals payload and wraps it with its kind tag.
func NewMessage(kind MessageKind, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{Kind: kind, Payload: data}, nil
}

// Decode unmarshals the message payload into dst.
func (m *Message) Decode(dst interface{}) error {
	return json.Unmarshal(m.Payload, dst)
}

// ---- Session management ----

type SessionRegister struct {
	ClientID string `json:"client_id"`
	Username string `json:"username"`
}

type SessionRegisterResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type SessionUnregister struct {
	ClientID string `json:"client_id"`
	Username string `json:"username"`
}

type CheckUsernameAvailable struct {
	Username string `json:"username"`
}

type UsernameAvailableResponse struct {
	Available bool `json:"available"`
}

// ---- Encryption request/response ----

type EncryptionRequest struct {
	RequestID      string   `json:"request_id"`
	ClientUsername string   `json:"client_username"`
	Image          []byte   `json:"image"`
	Recipients     []string `json:"recipients"`
	Quota          uint32   `json:"quota"`
	Forwarded      bool     `json:"forwarded"`
	ClientAddress  string   `json:"client_address,omitempty"`
}

type EncryptionResponse struct {
	RequestID  string `json:"request_id"`
	Ciphertext []byte `json:"ciphertext,omitempty"`
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
}

// ---- Image store ----

type SendImage struct {
	From       string   `json:"from"`
	To         []string `json:"to"`
	Ciphertext []byte   `json:"ciphertext"`
	MaxViews   uint32   `json:"max_views"`
	ImageID    string   `json:"image_id"`
}

type SendImageResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type QueryReceivedImages struct {
	Username string `json:"username"`
}

type ImageSummary struct {
	ImageID        string `json:"image_id"`
	From           string `json:"from"`
	RemainingViews uint32 `json:"remaining_views"`
	MaxViews       uint32 `json:"max_views"`
	StoredAt       int64  `json:"stored_at"`
}

type ReceivedImagesResponse struct {
	Images []ImageSummary `json:"images"`
}

type ViewImage struct {
	Username string `json:"username"`
	ImageID  string `json:"image_id"`
}

type ViewImageResponse struct {
	OK             bool   `json:"ok"`
	Ciphertext     []byte `json:"ciphertext,omitempty"`
	RemainingViews uint32 `json:"remaining_views"`
	Error          string `json:"error,omitempty"`
}

// ---- Failure detector ----

type Heartbeat struct {
	FromNode      uint32  `json:"from_node"`
	Load          float64 `json:"load"`
	ProcessedCount uint64 `json:"processed_count"`
}

type HeartbeatAck struct {
	FromNode       uint32  `json:"from_node"`
	Load           float64 `json:"load"`
	ProcessedCount uint64  `json:"processed_count"`
}

// ---- Elector ----

type Election struct {
	FromNode uint32 `json:"from_node"`
}

// ElectionAck is the direct liveness acknowledgement to an Election probe,
// distinct from the load report that follows it.
type ElectionAck struct {
	FromNode uint32 `json:"from_node"`
}

type LoadQuery struct {
	FromNode uint32 `json:"from_node"`
}

type LoadResponse struct {
	NodeID         uint32  `json:"node_id"`
	Load           float64 `json:"load"`
	QueueLength    uint32  `json:"queue_length"`
	ProcessedCount uint64  `json:"processed_count"`
}

type Coordinator struct {
	NodeID uint32  `json:"node_id"`
	Load   float64 `json:"load"`
}

type CoordinatorQuery struct {
	FromNode uint32 `json:"from_node"`
}

type CoordinatorQueryResponse struct {
	CoordinatorID uint32 `json:"coordinator_id"`
	Address       string `json:"address"`
	Known         bool   `json:"known"`
}

type StateSync struct {
	FromNode uint32 `json:"from_node"`
}

type StateSyncResponse struct {
	CoordinatorID uint32             `json:"coordinator_id"`
	LoadMetrics   map[uint32]float64 `json:"load_metrics"`
	Timestamp     int64              `json:"timestamp"`
}
