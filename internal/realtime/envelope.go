package realtime

import (
	"encoding/json"
	"time"

	"github.com/matheus3301/convsync/internal/model"
)

// Kind is the type of a realtime envelope.
type Kind string

const (
	KindInit    Kind = "init"
	KindMessage Kind = "message"
)

// Envelope is the wire format on every transport. Origin identifies the
// publishing subscriber so it does not receive its own notifications.
type Envelope struct {
	Kind           Kind           `json:"kind"`
	Origin         string         `json:"origin"`
	ConversationID string         `json:"conversation_id"`
	Message        *model.Message `json:"message,omitempty"`
	SentAt         time.Time      `json:"sent_at"`
}

func encode(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

func decode(data []byte) (Envelope, error) {
	var e Envelope
	err := json.Unmarshal(data, &e)
	return e, err
}
