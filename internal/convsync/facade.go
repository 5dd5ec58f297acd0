// Package convsync is the entry point screens use to open a conversation:
// it resolves the conversation, loads history, subscribes to live updates and
// keeps one merged, ordered message list per open handle.
package convsync

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/cache"
	"github.com/matheus3301/convsync/internal/cursor"
	"github.com/matheus3301/convsync/internal/ids"
	"github.com/matheus3301/convsync/internal/metrics"
	"github.com/matheus3301/convsync/internal/model"
	"github.com/matheus3301/convsync/internal/realtime"
	"github.com/matheus3301/convsync/internal/status"
	"github.com/matheus3301/convsync/internal/tracing"
)

// Resolver finds or creates the conversation between two participants.
type Resolver interface {
	FindOrCreate(ctx context.Context, a, b string) (model.Conversation, error)
}

// MessageStore pages and appends conversation history.
type MessageStore interface {
	LoadFirstPage(ctx context.Context, conversationID string, pageSize int) ([]model.Message, *cursor.Cursor, error)
	LoadNextPage(ctx context.Context, conversationID string, cur *cursor.Cursor) ([]model.Message, error)
	Append(ctx context.Context, conversationID, senderID, body, clientID string) (model.Message, error)
}

// Channel carries live message notifications between handles.
type Channel interface {
	Subscribe(ctx context.Context, conversationID, origin string, onMessage func(model.Message), opts ...realtime.SubscribeOption) (*realtime.Subscription, error)
	Unsubscribe(sub *realtime.Subscription)
	Publish(ctx context.Context, origin string, m model.Message) error
	Connected() bool
}

// Options configures a Facade. Zero values select defaults.
type Options struct {
	PageSize int
	Cache    *cache.Cache
	Bus      *bus.Bus
	Logger   *zap.Logger
}

// Facade opens conversation handles.
type Facade struct {
	resolver Resolver
	messages MessageStore
	channel  Channel
	cache    *cache.Cache
	bus      *bus.Bus
	logger   *zap.Logger
	pageSize int
	now      func() time.Time
}

// New returns a Facade over the given resolver, history store and channel.
func New(r Resolver, ms MessageStore, ch Channel, opts Options) *Facade {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Cache == nil {
		opts.Cache = cache.New(nil, opts.Logger)
	}
	if opts.PageSize <= 0 {
		opts.PageSize = cursor.DefaultPageSize
	}
	return &Facade{
		resolver: r,
		messages: ms,
		channel:  ch,
		cache:    opts.Cache,
		bus:      opts.Bus,
		logger:   opts.Logger,
		pageSize: opts.PageSize,
		now:      time.Now,
	}
}

// FirstPageKey is the cache key of a conversation's first history page.
func FirstPageKey(conversationID string, limit int) string {
	return fmt.Sprintf("messages/%s/first?limit=%d", conversationID, limit)
}

// firstPage reads the newest page through the cache. The cursor is nil when
// the page was served from cache.
func (f *Facade) firstPage(ctx context.Context, conversationID string) ([]model.Message, *cursor.Cursor, cache.Freshness, error) {
	var cur *cursor.Cursor
	page, fresh, err := cache.Fetch(ctx, f.cache, FirstPageKey(conversationID, f.pageSize),
		func(ctx context.Context) ([]model.Message, error) {
			msgs, c, err := f.messages.LoadFirstPage(ctx, conversationID, f.pageSize)
			cur = c
			return msgs, err
		})
	return page, cur, fresh, err
}

// Open returns a handle on the conversation between self and other. A failed
// realtime subscription does not fail Open: the handle starts DEGRADED and
// only sees new messages through Refresh and LoadMore. A LIVE handle turns
// DEGRADED when its transport disconnects and LIVE again when it reconnects.
func (f *Facade) Open(ctx context.Context, self, other string) (*Handle, error) {
	ctx, span := tracing.Tracer().Start(ctx, "convsync.Open",
		trace.WithAttributes(attribute.String("participant.self", self), attribute.String("participant.other", other)))
	defer span.End()

	conv, err := f.resolver.FindOrCreate(ctx, self, other)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("conversation.id", conv.ID))

	page, cur, fresh, err := f.firstPage(ctx, conv.ID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if cur == nil {
		// Served from cache; paging continues after the cached page.
		cur = cursor.New(f.pageSize)
	}

	h := newHandle(f, conv, self, cur)
	h.tl.mergeAll(page, false)
	h.stale.Store(fresh.Stale)
	h.publishSnapshot()
	go h.loop()

	sub, err := f.channel.Subscribe(ctx, conv.ID, h.id, h.onRealtime, realtime.WithStateHandler(h.onConnState))
	if err != nil {
		h.logger.Warn("realtime unavailable, handle is pull-only", zap.Error(err))
		h.status.TransitionFrom(status.Opening, status.Degraded)
	} else {
		h.subMu.Lock()
		h.sub = sub
		h.subMu.Unlock()
		// A disconnect reported since Subscribe has already degraded the handle.
		h.status.TransitionFrom(status.Opening, status.Live)
	}
	metrics.HandlesOpen.Inc()

	h.logger.Info("handle opened",
		zap.Int("messages", len(page)),
		zap.Bool("stale", fresh.Stale),
		zap.String("status", string(h.status.Current())),
	)
	return h, nil
}

func (f *Facade) newPlaceholder(conversationID, sender, body string) model.Message {
	id := ids.NewTempID()
	return model.Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       sender,
		ClientID:       id,
		Body:           body,
		CreatedAt:      f.now().UTC(),
		DeliveryState:  model.Pending,
	}
}
