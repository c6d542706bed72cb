package model

import (
	"time"
)

// Event codes shared by client and server metadata.
const (
	EventSendMessage      = 1
	EventUserConnected    = 2
	EventUserDisconnected = 3
	EventUpdateName       = 4
)

// Wire format lengths.
const (
	ClientMetadataPlainLength = 80
	ClientMetadataLength      = 120
	ServerMetadataLength      = 120
	NonContentLength          = ClientMetadataLength + ServerMetadataLength
)

const (
	IDBytesLength      = 16
	IDStringLength     = 32
	SecretBytesLength  = 32
	SecretStringLength = 64
	FriendlyIDLength   = 8

	// PaddingByte right-pads metadata JSON up to its fixed length.
	PaddingByte byte = ' '
)

// Metadata is the record carried both encrypted (client side) and
// as plaintext trailer (relay side). Keys are kept short to fit fixed lengths.
type Metadata struct {
	Event     int    `json:"e,omitempty"`
	UserID    string `json:"u,omitempty"`
	SessionID string `json:"s,omitempty"`
	Message   string `json:"m,omitempty"`
	Name      string `json:"n,omitempty"`
	Timestamp int64  `json:"t,omitempty"` // unix millis
}

// IsLifecycle reports whether metadata announces a connect or disconnect.
func (m Metadata) IsLifecycle() bool {
	return m.Event == EventUserConnected || m.Event == EventUserDisconnected
}

// Time returns the server stamped timestamp.
func (m Metadata) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

type Room struct {
	ID           string                 `json:"room_id"`
	Participants map[string]Participant `json:"participants"` // keyed by session id
}

type Participant struct {
	UserID      string    `json:"user_id"`
	SessionID   string    `json:"session_id"`
	ConnectedAt time.Time `json:"connected_at"`
	Wire        Wire      `json:"-"`
}

// Message is a single transport message. Data is never interpreted by the relay.
type Message struct {
	Binary bool
	Data   []byte
}

type Wire struct {
	RX chan Message
	TX chan Message
}

func NewWire(txBuffer int) Wire {
	return Wire{
		RX: make(chan Message),
		TX: make(chan Message, txBuffer),
	}
}
