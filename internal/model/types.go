package model

import (
	"fmt"
	"time"
)

// DeliveryState is the client-local delivery annotation of a message.
type DeliveryState string

const (
	Pending   DeliveryState = "pending"
	Delivered DeliveryState = "delivered"
	Read      DeliveryState = "read"
	Failed    DeliveryState = "failed"
)

// Participant is a user referenced by the subsystem. Display metadata comes
// from the external user service.
type Participant struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
}

// Conversation is the durable record of a two-party message thread.
type Conversation struct {
	ID           string    `json:"id"`
	ParticipantA string    `json:"participant_a"`
	ParticipantB string    `json:"participant_b"`
	PairKey      string    `json:"pair_key"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Other returns the participant on the other side of self.
func (c Conversation) Other(self string) string {
	if c.ParticipantA == self {
		return c.ParticipantB
	}
	return c.ParticipantA
}

// Message is a single conversation message. ClientID is the temporary id of
// the optimistic placeholder that produced it, if any.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	SenderID       string        `json:"sender_id"`
	ClientID       string        `json:"client_id,omitempty"`
	Body           string        `json:"body"`
	CreatedAt      time.Time     `json:"created_at"`
	DeliveryState  DeliveryState `json:"delivery_state,omitempty"`
}

// IsPlaceholder reports whether m is a client-synthesized message that the
// store has not acknowledged yet.
func (m Message) IsPlaceholder() bool {
	return m.ClientID != "" && m.ID == m.ClientID
}

// PairKey returns the canonical, order-independent key for two participants.
// Ids are length-prefixed so that no separator can collide with id content.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return fmt.Sprintf("%d:%s|%d:%s", len(a), a, len(b), b)
}

// Draft is a message to be persisted. The store assigns ID and CreatedAt.
type Draft struct {
	ConversationID string
	SenderID       string
	ClientID       string
	Body           string
}
