// Package realtime delivers ephemeral new-message notifications between
// subscribers of the same conversation. Nothing published here is persisted;
// the message store stays the source of truth.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/convsync/internal/metrics"
	"github.com/matheus3301/convsync/internal/model"
)

// SubscriptionState reports whether a subscription still delivers.
type SubscriptionState string

const (
	Subscribed   SubscriptionState = "SUBSCRIBED"
	Unsubscribed SubscriptionState = "UNSUBSCRIBED"
)

// Subscription is one listener on a conversation channel.
type Subscription struct {
	conversationID string
	origin         string
	fn             func(model.Message)
	onState        StateHandler

	// mu is held for the duration of every callback, so Unsubscribe waits
	// for a running callback and no callback starts after it.
	mu     sync.Mutex
	active bool
}

func (s *Subscription) ConversationID() string { return s.conversationID }
func (s *Subscription) Origin() string         { return s.origin }

// State reports whether the subscription still delivers.
func (s *Subscription) State() SubscriptionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return Subscribed
	}
	return Unsubscribed
}

func (s *Subscription) deliver(m model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		s.fn(m)
	}
}

func (s *Subscription) deliverState(state ConnState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active && s.onState != nil {
		s.onState(state)
	}
}

// SubscribeOption configures a Subscription.
type SubscribeOption func(*Subscription)

// WithStateHandler asks to be told when the transport under the subscription
// disconnects or reconnects. fn runs under the same guarantee as the message
// callback: never after Unsubscribe returns.
func WithStateHandler(fn StateHandler) SubscribeOption {
	return func(s *Subscription) { s.onState = fn }
}

type topic struct {
	unsub Unsubscribe
	subs  []*Subscription
}

// Channel multiplexes per-conversation subscriptions over one transport
// subscription per conversation.
type Channel struct {
	transport Transport
	logger    *zap.Logger
	connected atomic.Bool

	mu      sync.Mutex
	topics  map[string]*topic
	pending map[string]struct{}
}

var errDisconnected = errors.New("transport disconnected")

// NewChannel returns a Channel over t that follows t's connection state.
func NewChannel(t Transport, logger *zap.Logger) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Channel{
		transport: t,
		logger:    logger,
		topics:    make(map[string]*topic),
		pending:   make(map[string]struct{}),
	}
	c.connected.Store(true)
	metrics.RealtimeConnected.Set(1)
	t.Notify(c.onConnState)
	return c
}

// Connected reports whether the transport was connected at its last state
// change.
func (c *Channel) Connected() bool { return c.connected.Load() }

func (c *Channel) onConnState(state ConnState) {
	up := state == Connected
	if c.connected.Swap(up) == up {
		return
	}
	if up {
		metrics.RealtimeConnected.Set(1)
		c.logger.Info("realtime transport connected")
	} else {
		metrics.RealtimeConnected.Set(0)
		c.logger.Warn("realtime transport disconnected")
	}

	c.mu.Lock()
	var subs []*Subscription
	for _, t := range c.topics {
		subs = append(subs, t.subs...)
	}
	c.mu.Unlock()
	for _, s := range subs {
		s.deliverState(state)
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", model.ErrChannelUnavailable, op, err)
}

// Init announces a newly created conversation on its channel. It does not
// subscribe: the transport subscription is allocated by the first Subscribe,
// which the creator issues when it opens a handle. When the announcement
// fails the conversation is remembered and Init is retried on its next
// Subscribe.
func (c *Channel) Init(ctx context.Context, conversationID string) error {
	data, err := encode(Envelope{Kind: KindInit, ConversationID: conversationID, SentAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	if err := c.transport.Publish(ctx, conversationID, data); err != nil {
		c.mu.Lock()
		c.pending[conversationID] = struct{}{}
		c.mu.Unlock()
		return unavailable("init", err)
	}
	c.mu.Lock()
	delete(c.pending, conversationID)
	c.mu.Unlock()
	metrics.RealtimeEvents.WithLabelValues("out", string(KindInit)).Inc()
	return nil
}

// PendingInit reports whether the conversation's init is still owed.
func (c *Channel) PendingInit(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[conversationID]
	return ok
}

// Subscribe registers onMessage for messages published on the conversation
// by any origin other than origin. Messages arrive in transport order and may
// repeat. The conversation's transport subscription is allocated by its first
// Subscribe. It fails while the transport is disconnected.
func (c *Channel) Subscribe(ctx context.Context, conversationID, origin string, onMessage func(model.Message), opts ...SubscribeOption) (*Subscription, error) {
	if !c.Connected() {
		return nil, unavailable("subscribe", errDisconnected)
	}
	if c.PendingInit(conversationID) {
		if err := c.Init(ctx, conversationID); err != nil {
			return nil, err
		}
		c.logger.Info("deferred channel init completed", zap.String("conversation_id", conversationID))
	}

	sub := &Subscription{conversationID: conversationID, origin: origin, fn: onMessage, active: true}
	for _, opt := range opts {
		opt(sub)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.topics[conversationID]
	if !ok {
		unsub, err := c.transport.Subscribe(ctx, conversationID, func(data []byte) {
			c.dispatch(conversationID, data)
		})
		if err != nil {
			return nil, unavailable("subscribe", err)
		}
		t = &topic{unsub: unsub}
		c.topics[conversationID] = t
	}
	t.subs = append(t.subs, sub)
	return sub, nil
}

// Unsubscribe stops sub. No callback for sub runs after it returns. It must
// not be called from inside that subscription's own callback.
func (c *Channel) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	sub.mu.Lock()
	sub.active = false
	sub.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.topics[sub.conversationID]
	if !ok {
		return
	}
	for i, s := range t.subs {
		if s == sub {
			t.subs = append(t.subs[:i], t.subs[i+1:]...)
			break
		}
	}
	if len(t.subs) == 0 {
		delete(c.topics, sub.conversationID)
		if err := t.unsub(); err != nil {
			c.logger.Warn("transport unsubscribe failed", zap.String("conversation_id", sub.conversationID), zap.Error(err))
		}
	}
}

// Publish notifies the conversation's other subscribers about a persisted
// message.
func (c *Channel) Publish(ctx context.Context, origin string, m model.Message) error {
	data, err := encode(Envelope{
		Kind:           KindMessage,
		Origin:         origin,
		ConversationID: m.ConversationID,
		Message:        &m,
		SentAt:         time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := c.transport.Publish(ctx, m.ConversationID, data); err != nil {
		return unavailable("publish", err)
	}
	metrics.RealtimeEvents.WithLabelValues("out", string(KindMessage)).Inc()
	return nil
}

func (c *Channel) dispatch(conversationID string, data []byte) {
	env, err := decode(data)
	if err != nil {
		c.logger.Warn("dropping undecodable envelope", zap.String("conversation_id", conversationID), zap.Error(err))
		return
	}
	metrics.RealtimeEvents.WithLabelValues("in", string(env.Kind)).Inc()
	if env.Kind != KindMessage || env.Message == nil {
		return
	}

	c.mu.Lock()
	var subs []*Subscription
	if t, ok := c.topics[conversationID]; ok {
		subs = append(subs, t.subs...)
	}
	c.mu.Unlock()

	for _, s := range subs {
		if s.origin == env.Origin {
			continue
		}
		s.deliver(*env.Message)
	}
}

// Close drops every transport subscription.
func (c *Channel) Close() {
	c.mu.Lock()
	topics := c.topics
	c.topics = make(map[string]*topic)
	c.mu.Unlock()

	for id, t := range topics {
		for _, s := range t.subs {
			s.mu.Lock()
			s.active = false
			s.mu.Unlock()
		}
		if err := t.unsub(); err != nil {
			c.logger.Warn("transport unsubscribe failed", zap.String("conversation_id", id), zap.Error(err))
		}
	}
}
