package api

import (
	"github.com/matheus3301/convsync/internal/convsync"
	"github.com/matheus3301/convsync/internal/model"
	"github.com/matheus3301/convsync/internal/status"
)

// OpenRequest opens a handle on the conversation between Self and Other.
type OpenRequest struct {
	Self  string `json:"self"`
	Other string `json:"other"`
}

type SendRequest struct {
	Body string `json:"body"`
}

// HandleView is the JSON snapshot of an open handle. Messages are newest first.
type HandleView struct {
	ID           string             `json:"id"`
	Self         string             `json:"self"`
	Conversation model.Conversation `json:"conversation"`
	Status       status.State       `json:"status"`
	Stale        bool               `json:"stale"`
	HasMore      bool               `json:"has_more"`
	Messages     []model.Message    `json:"messages"`
}

// SendResponse carries the message a send produced. On failure Message is
// the failed placeholder, whose ClientID can be retried.
type SendResponse struct {
	Message model.Message `json:"message"`
	Error   string        `json:"error,omitempty"`
}

type ConversationsResponse struct {
	Conversations []model.Conversation `json:"conversations"`
}

type ParticipantResponse struct {
	Participant model.Participant `json:"participant"`
	Stale       bool              `json:"stale"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func viewOf(h *convsync.Handle) HandleView {
	msgs := h.Messages()
	if msgs == nil {
		msgs = []model.Message{}
	}
	return HandleView{
		ID:           h.ID(),
		Self:         h.Self(),
		Conversation: h.Conversation(),
		Status:       h.Status(),
		Stale:        h.Stale(),
		HasMore:      h.HasMore(),
		Messages:     msgs,
	}
}
