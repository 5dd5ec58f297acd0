// Package messages reads and appends conversation history with offset
// pagination, newest first.
package messages

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/matheus3301/convsync/internal/cursor"
	"github.com/matheus3301/convsync/internal/model"
)

// Repository is the persistence the message store needs.
type Repository interface {
	InsertMessage(ctx context.Context, d model.Draft) (model.Message, error)
	ListMessages(ctx context.Context, conversationID string, offset, limit int) ([]model.Message, error)
}

// Toucher moves a conversation to the top of the conversation list.
type Toucher interface {
	Touch(ctx context.Context, conversationID string) error
}

// Store loads conversation history page by page and appends new messages.
type Store struct {
	repo    Repository
	toucher Toucher
	logger  *zap.Logger
}

// New returns a Store over repo. A non-nil toucher is touched after every append.
func New(repo Repository, toucher Toucher, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{repo: repo, toucher: toucher, logger: logger}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", model.ErrStoreUnavailable, op, err)
}

// LoadFirstPage reads the newest pageSize messages and returns a fresh cursor
// positioned after them. An empty conversation yields an exhausted cursor.
func (s *Store) LoadFirstPage(ctx context.Context, conversationID string, pageSize int) ([]model.Message, *cursor.Cursor, error) {
	cur := cursor.New(pageSize)
	msgs, err := s.repo.ListMessages(ctx, conversationID, 0, cur.PageSize())
	if err != nil {
		return nil, nil, unavailable("load first page", err)
	}
	if len(msgs) == 0 {
		cur.MarkExhausted()
	}
	return msgs, cur, nil
}

// LoadNextPage reads the page after the cursor's committed offset. The cursor
// only advances when the read succeeds, so a failed page can be retried. An
// exhausted cursor returns nil without touching the store.
func (s *Store) LoadNextPage(ctx context.Context, conversationID string, cur *cursor.Cursor) ([]model.Message, error) {
	if !cur.HasMore() {
		return nil, nil
	}
	msgs, err := s.repo.ListMessages(ctx, conversationID, cur.Next(), cur.PageSize())
	if err != nil {
		return nil, unavailable("load next page", err)
	}
	if len(msgs) == 0 {
		cur.MarkExhausted()
		return nil, nil
	}
	cur.Advance()
	return msgs, nil
}

// Append persists a message. Appending the same clientID twice returns the
// first stored message. A failure to touch the conversation is logged only;
// the message is already durable.
func (s *Store) Append(ctx context.Context, conversationID, senderID, body, clientID string) (model.Message, error) {
	if strings.TrimSpace(senderID) == "" {
		return model.Message{}, model.ErrInvalidParticipants
	}
	m, err := s.repo.InsertMessage(ctx, model.Draft{
		ConversationID: conversationID,
		SenderID:       senderID,
		ClientID:       clientID,
		Body:           body,
	})
	if err != nil {
		return model.Message{}, unavailable("append message", err)
	}
	m.DeliveryState = model.Delivered

	if s.toucher != nil {
		if err := s.toucher.Touch(ctx, conversationID); err != nil {
			s.logger.Warn("touch after append failed",
				zap.String("conversation_id", conversationID),
				zap.String("message_id", m.ID),
				zap.Error(err),
			)
		}
	}
	return m, nil
}
