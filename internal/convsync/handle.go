package convsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/matheus3301/convsync/internal/cursor"
	"github.com/matheus3301/convsync/internal/ids"
	"github.com/matheus3301/convsync/internal/metrics"
	"github.com/matheus3301/convsync/internal/model"
	"github.com/matheus3301/convsync/internal/realtime"
	"github.com/matheus3301/convsync/internal/status"
	"github.com/matheus3301/convsync/internal/tracing"
)

// catchUpTimeout bounds the first-page re-read after a reconnect.
const catchUpTimeout = 10 * time.Second

type update struct {
	fn   func(*timeline) bool
	done chan struct{}
}

// Handle is one open view of a conversation. All list mutations run on the
// handle's update loop in arrival order; store and transport calls run on
// the caller's goroutine.
type Handle struct {
	id     string
	self   string
	conv   model.Conversation
	f      *Facade
	status *status.Machine
	cur    *cursor.Cursor
	logger *zap.Logger

	tl       timeline
	snap     atomic.Pointer[[]model.Message]
	stale    atomic.Bool
	updates  chan update
	changes  chan struct{}
	quit     chan struct{}
	loopDone chan struct{}

	// pageMu serializes history page loads.
	pageMu sync.Mutex

	subMu sync.Mutex
	sub   *realtime.Subscription

	closeOnce sync.Once
	closed    atomic.Bool
}

func newHandle(f *Facade, conv model.Conversation, self string, cur *cursor.Cursor) *Handle {
	id := ids.NewOrigin()
	return &Handle{
		id:       id,
		self:     self,
		conv:     conv,
		f:        f,
		status:   status.NewMachine(id, f.bus),
		cur:      cur,
		logger:   f.logger.With(zap.String("handle", id), zap.String("conversation_id", conv.ID)),
		updates:  make(chan update),
		changes:  make(chan struct{}, 1),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
}

// ID identifies the handle; it is also the origin of its realtime publishes.
func (h *Handle) ID() string                       { return h.id }
func (h *Handle) Self() string                     { return h.self }
func (h *Handle) Conversation() model.Conversation { return h.conv }
func (h *Handle) Status() status.State             { return h.status.Current() }

// Stale reports whether the current first page was served from cache.
func (h *Handle) Stale() bool { return h.stale.Load() }

// HasMore reports whether older history may still be loaded.
func (h *Handle) HasMore() bool { return h.cur.HasMore() }

// Messages returns a copy of the merged list, newest first.
func (h *Handle) Messages() []model.Message {
	p := h.snap.Load()
	if p == nil {
		return nil
	}
	out := make([]model.Message, len(*p))
	copy(out, *p)
	return out
}

// Changes signals after the list changes. Signals are coalesced, so a
// receiver should re-read Messages. The channel is closed by Close.
func (h *Handle) Changes() <-chan struct{} { return h.changes }

func (h *Handle) publishSnapshot() {
	s := h.tl.snapshot()
	h.snap.Store(&s)
}

func (h *Handle) loop() {
	defer close(h.loopDone)
	defer close(h.changes)
	for {
		select {
		case u := <-h.updates:
			select {
			case <-h.quit:
				return
			default:
			}
			if u.fn(&h.tl) {
				h.publishSnapshot()
				select {
				case h.changes <- struct{}{}:
				default:
				}
			}
			close(u.done)
		case <-h.quit:
			return
		}
	}
}

// apply runs fn on the update loop and waits for it. It returns
// ErrHandleClosed if the handle closes first, in which case fn may not run.
func (h *Handle) apply(fn func(*timeline) bool) error {
	u := update{fn: fn, done: make(chan struct{})}
	select {
	case h.updates <- u:
	case <-h.quit:
		return model.ErrHandleClosed
	}
	select {
	case <-u.done:
		return nil
	case <-h.quit:
		return model.ErrHandleClosed
	}
}

func (h *Handle) onRealtime(m model.Message) {
	if m.ConversationID != h.conv.ID {
		return
	}
	if err := h.apply(func(t *timeline) bool { return t.merge(m, true) }); err != nil {
		h.logger.Debug("realtime message discarded", zap.String("message_id", m.ID), zap.Error(err))
	}
}

// onConnState follows the transport under the handle's subscription. A lost
// connection degrades the handle. On reconnect it goes LIVE again and re-reads
// the first page for anything published while it was down.
func (h *Handle) onConnState(s realtime.ConnState) {
	switch s {
	case realtime.Disconnected:
		if h.status.TransitionFrom(status.Live, status.Degraded) || h.status.TransitionFrom(status.Opening, status.Degraded) {
			h.logger.Warn("realtime lost, handle is pull-only")
		}
	case realtime.Connected:
		if h.status.TransitionFrom(status.Degraded, status.Live) {
			h.logger.Info("realtime restored")
			go h.catchUp()
		}
	}
}

func (h *Handle) catchUp() {
	ctx, cancel := context.WithTimeout(context.Background(), catchUpTimeout)
	defer cancel()
	if err := h.Refresh(ctx); err != nil && !errors.Is(err, model.ErrHandleClosed) {
		h.logger.Warn("catch-up refresh failed", zap.Error(err))
	}
}

func (h *Handle) span(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracing.Tracer().Start(ctx, name, trace.WithAttributes(
		attribute.String("handle.id", h.id),
		attribute.String("conversation.id", h.conv.ID),
	))
}

// LoadMore appends the next history page. It is a no-op once history is
// exhausted. On failure the list and cursor are unchanged and the call can
// be retried.
func (h *Handle) LoadMore(ctx context.Context) error {
	if h.closed.Load() {
		return model.ErrHandleClosed
	}
	ctx, span := h.span(ctx, "convsync.LoadMore")
	defer span.End()

	h.pageMu.Lock()
	defer h.pageMu.Unlock()

	if !h.cur.HasMore() {
		return nil
	}
	msgs, err := h.f.messages.LoadNextPage(ctx, h.conv.ID, h.cur)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		h.logger.Warn("page load failed", zap.Int("offset", h.cur.Next()), zap.Error(err))
		return err
	}
	span.SetAttributes(attribute.Int("messages", len(msgs)))
	if len(msgs) == 0 {
		return nil
	}
	return h.apply(func(t *timeline) bool { return t.mergeAll(msgs, false) })
}

// Refresh re-reads the first page and merges it by id. The cursor is left
// alone. It is how a DEGRADED handle picks up new messages.
func (h *Handle) Refresh(ctx context.Context) error {
	if h.closed.Load() {
		return model.ErrHandleClosed
	}
	ctx, span := h.span(ctx, "convsync.Refresh")
	defer span.End()

	h.pageMu.Lock()
	defer h.pageMu.Unlock()

	page, _, fresh, err := h.f.firstPage(ctx, h.conv.ID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if err := h.apply(func(t *timeline) bool { return t.mergeAll(page, false) }); err != nil {
		return err
	}
	h.stale.Store(fresh.Stale)
	return nil
}

// Send shows body at the head as a pending placeholder, persists it and then
// replaces the placeholder in place with the stored message. If persisting
// fails the placeholder stays in the list marked failed, and the error is
// returned with it.
func (h *Handle) Send(ctx context.Context, body string) (model.Message, error) {
	if h.closed.Load() {
		return model.Message{}, model.ErrHandleClosed
	}
	ph := h.f.newPlaceholder(h.conv.ID, h.self, body)
	if err := h.apply(func(t *timeline) bool { t.prepend(ph); return true }); err != nil {
		return model.Message{}, err
	}
	return h.deliver(ctx, ph)
}

// Retry re-sends a failed placeholder under its original client id, so a
// send that did reach the store is not stored twice.
func (h *Handle) Retry(ctx context.Context, clientID string) (model.Message, error) {
	if h.closed.Load() {
		return model.Message{}, model.ErrHandleClosed
	}
	var (
		ph model.Message
		ok bool
	)
	err := h.apply(func(t *timeline) bool {
		m, found := t.get(clientID)
		if !found || !m.IsPlaceholder() || m.DeliveryState != model.Failed {
			return false
		}
		t.setState(clientID, model.Pending)
		ph, ok = m, true
		return true
	})
	if err != nil {
		return model.Message{}, err
	}
	if !ok {
		return model.Message{}, model.ErrNotRetryable
	}
	ph.DeliveryState = model.Pending
	return h.deliver(ctx, ph)
}

func (h *Handle) deliver(ctx context.Context, ph model.Message) (model.Message, error) {
	ctx, span := h.span(ctx, "convsync.Send")
	defer span.End()

	m, err := h.f.messages.Append(ctx, h.conv.ID, h.self, ph.Body, ph.ClientID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		metrics.MessagesSent.WithLabelValues("failed").Inc()
		h.logger.Warn("send failed", zap.String("client_id", ph.ClientID), zap.Error(err))
		_ = h.apply(func(t *timeline) bool { return t.setState(ph.ClientID, model.Failed) })
		ph.DeliveryState = model.Failed
		return ph, err
	}
	metrics.MessagesSent.WithLabelValues("delivered").Inc()
	span.SetAttributes(attribute.String("message.id", m.ID))

	// The message is durable, so others are notified even if this handle
	// closed meanwhile.
	if perr := h.f.channel.Publish(ctx, h.id, m); perr != nil {
		h.logger.Warn("realtime publish failed", zap.String("message_id", m.ID), zap.Error(perr))
	}
	if err := h.apply(func(t *timeline) bool { return t.merge(m, true) }); err != nil {
		return m, err
	}
	return m, nil
}

// Resubscribe tries to restore live delivery on a DEGRADED handle. A handle
// that kept its subscription through a disconnect only needs the transport
// back.
func (h *Handle) Resubscribe(ctx context.Context) error {
	if h.closed.Load() {
		return model.ErrHandleClosed
	}
	h.subMu.Lock()
	defer h.subMu.Unlock()
	if h.sub != nil {
		if !h.f.channel.Connected() {
			return fmt.Errorf("%w: resubscribe: transport disconnected", model.ErrChannelUnavailable)
		}
		if h.status.TransitionFrom(status.Degraded, status.Live) {
			h.logger.Info("realtime restored")
		}
		return nil
	}
	sub, err := h.f.channel.Subscribe(ctx, h.conv.ID, h.id, h.onRealtime, realtime.WithStateHandler(h.onConnState))
	if err != nil {
		return err
	}
	if h.closed.Load() {
		h.f.channel.Unsubscribe(sub)
		return model.ErrHandleClosed
	}
	h.sub = sub
	if h.status.TransitionFrom(status.Degraded, status.Live) {
		h.logger.Info("realtime restored")
	}
	return nil
}

// Close tears the handle down. Results of operations still in flight are
// discarded and every later call returns ErrHandleClosed.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		close(h.quit)
		<-h.loopDone

		h.subMu.Lock()
		if h.sub != nil {
			h.f.channel.Unsubscribe(h.sub)
			h.sub = nil
		}
		h.subMu.Unlock()

		h.cur.Reset()
		if err := h.status.Transition(status.Closed); err != nil {
			h.logger.Warn("status transition rejected", zap.Error(err))
		}
		metrics.HandlesOpen.Dec()
		h.logger.Info("handle closed")
	})
	return nil
}
