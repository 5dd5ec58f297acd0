// Package resolver maps an unordered pair of participants to exactly one
// conversation record.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/metrics"
	"github.com/matheus3301/convsync/internal/model"
)

// Bus event kinds published by the resolver.
const (
	EventCreated = "conversation.created"
	EventTouched = "conversation.touched"
)

// Store is the persistence the resolver needs. Both the SQLite and Postgres
// stores satisfy it.
type Store interface {
	FindConversation(ctx context.Context, pairKey string) (*model.Conversation, error)
	CreateConversation(ctx context.Context, a, b string) (*model.Conversation, bool, error)
	TouchConversation(ctx context.Context, id string, at time.Time) error
	ListConversations(ctx context.Context, participant string, limit, offset int) ([]model.Conversation, error)
}

// Initializer allocates the realtime channel of a new conversation.
type Initializer interface {
	Init(ctx context.Context, conversationID string) error
}

// ConversationEvent is the bus payload for conversation events.
type ConversationEvent struct {
	ConversationID string
	At             time.Time
}

// Resolver finds and creates conversations by participant pair.
type Resolver struct {
	store   Store
	channel Initializer
	bus     *bus.Bus
	logger  *zap.Logger
	now     func() time.Time
}

// New returns a resolver. channel and b may be nil.
func New(store Store, channel Initializer, b *bus.Bus, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{store: store, channel: channel, bus: b, logger: logger, now: time.Now}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", model.ErrStoreUnavailable, op, err)
}

// FindOrCreate returns the conversation between a and b regardless of
// argument order, creating it if absent. When two callers race to create the
// same pair, both get the winner's record.
func (r *Resolver) FindOrCreate(ctx context.Context, a, b string) (model.Conversation, error) {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" || a == b {
		return model.Conversation{}, fmt.Errorf("%w: %q and %q", model.ErrInvalidParticipants, a, b)
	}

	key := model.PairKey(a, b)
	c, err := r.store.FindConversation(ctx, key)
	if err != nil {
		return model.Conversation{}, unavailable("find conversation", err)
	}
	if c != nil {
		return *c, nil
	}

	c, created, err := r.store.CreateConversation(ctx, a, b)
	if err != nil {
		return model.Conversation{}, unavailable("create conversation", err)
	}
	if c == nil {
		return model.Conversation{}, fmt.Errorf("conversation %s: %w", key, model.ErrNotFound)
	}
	if !created {
		return *c, nil
	}

	metrics.ConversationsCreated.Inc()
	r.logger.Info("conversation created",
		zap.String("conversation_id", c.ID),
		zap.String("participant_a", c.ParticipantA),
		zap.String("participant_b", c.ParticipantB),
	)
	r.publish(EventCreated, c.ID, c.CreatedAt)

	if r.channel != nil {
		// The record stays; the channel retries init on its next subscribe.
		if err := r.channel.Init(ctx, c.ID); err != nil {
			r.logger.Warn("channel init deferred", zap.String("conversation_id", c.ID), zap.Error(err))
		}
	}
	return *c, nil
}

// Touch marks the conversation as updated now, moving it to the top of its
// participants' conversation lists.
func (r *Resolver) Touch(ctx context.Context, conversationID string) error {
	at := r.now().UTC()
	if err := r.store.TouchConversation(ctx, conversationID, at); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return err
		}
		return unavailable("touch conversation", err)
	}
	r.publish(EventTouched, conversationID, at)
	return nil
}

// List returns the participant's conversations, most recently updated first.
func (r *Resolver) List(ctx context.Context, participant string, limit, offset int) ([]model.Conversation, error) {
	if strings.TrimSpace(participant) == "" {
		return nil, model.ErrInvalidParticipants
	}
	convs, err := r.store.ListConversations(ctx, participant, limit, offset)
	if err != nil {
		return nil, unavailable("list conversations", err)
	}
	return convs, nil
}

func (r *Resolver) publish(kind, conversationID string, at time.Time) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(bus.Event{
		Kind:      kind,
		Timestamp: time.Now(),
		Payload:   ConversationEvent{ConversationID: conversationID, At: at},
	})
}
