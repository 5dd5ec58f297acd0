package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/conversations"
	"github.com/matheus3301/convsync/internal/convsync"
	"github.com/matheus3301/convsync/internal/metrics"
	"github.com/matheus3301/convsync/internal/model"
	"github.com/matheus3301/convsync/internal/status"
)

// Stream event names.
const (
	EventSnapshot      = "snapshot"
	EventClosed        = "closed"
	EventHeartbeat     = "heartbeat"
	EventConversations = "conversations"
)

// Frame is one websocket message.
type Frame struct {
	Event  string      `json:"event"`
	Handle *HandleView `json:"handle,omitempty"`
}

// follower watches one handle's list and status changes on the bus.
type follower struct {
	h       *convsync.Handle
	changes <-chan bus.Event
	states  <-chan bus.Event
	unsub   func()
}

func (s *Server) follow(h *convsync.Handle) *follower {
	changes, unsubChanges := s.bus.Subscribe(Topic(h.ID()), 16)
	states, unsubStates := s.bus.Subscribe(status.EventKind, 16)
	return &follower{
		h:       h,
		changes: changes,
		states:  states,
		unsub: func() {
			unsubChanges()
			unsubStates()
		},
	}
}

// next blocks until the handle changed, the handle closed, the heartbeat
// fired or ctx ended, and returns the event name to emit ("" when ctx ended).
func (f *follower) next(ctx context.Context, heartbeat <-chan time.Time) string {
	for {
		select {
		case <-ctx.Done():
			return ""
		case <-heartbeat:
			if f.h.Status() == status.Closed {
				return EventClosed
			}
			return EventHeartbeat
		case evt := <-f.changes:
			if sig, ok := evt.Payload.(Signal); ok && sig.Closed {
				return EventClosed
			}
			return EventSnapshot
		case evt := <-f.states:
			if sc, ok := evt.Payload.(status.StatusChange); ok && sc.Handle == f.h.ID() {
				if sc.To == status.Closed {
					return EventClosed
				}
				return EventSnapshot
			}
		}
	}
}

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// handleEvents streams the handle's snapshot as server-sent events: one on
// connect and one after every change, until the handle closes or the client
// goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	h, ok := s.lookup(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	f := s.follow(h)
	defer f.unsub()

	sseHeaders(w)
	w.WriteHeader(http.StatusOK)
	metrics.StreamsActive.WithLabelValues("sse").Inc()
	defer metrics.StreamsActive.WithLabelValues("sse").Dec()

	ctx := r.Context()
	heartbeat := time.NewTicker(s.opts.Heartbeat)
	defer heartbeat.Stop()

	event := EventSnapshot
	if h.Status() == status.Closed {
		event = EventClosed
	}
	for {
		var err error
		switch event {
		case "":
			s.logger.Debug("sse client disconnected", zap.String("handle", h.ID()))
			return
		case EventClosed:
			_ = sendSSEEvent(w, flusher, EventClosed, map[string]string{"id": h.ID()})
			return
		case EventHeartbeat:
			err = sendSSEEvent(w, flusher, EventHeartbeat, map[string]time.Time{"timestamp": time.Now().UTC()})
		default:
			err = sendSSEEvent(w, flusher, EventSnapshot, viewOf(h))
		}
		if err != nil {
			s.logger.Debug("sse write failed", zap.String("handle", h.ID()), zap.Error(err))
			return
		}
		event = f.next(ctx, heartbeat.C)
	}
}

// handleSocket pushes the same snapshots as handleEvents over a websocket.
// Client messages are ignored.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	h, ok := s.lookup(w, r)
	if !ok {
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	f := s.follow(h)
	defer f.unsub()
	metrics.StreamsActive.WithLabelValues("ws").Inc()
	defer metrics.StreamsActive.WithLabelValues("ws").Dec()

	ctx := conn.CloseRead(r.Context())
	heartbeat := time.NewTicker(s.opts.Heartbeat)
	defer heartbeat.Stop()

	event := EventSnapshot
	if h.Status() == status.Closed {
		event = EventClosed
	}
	for {
		var frame Frame
		switch event {
		case "":
			return
		case EventHeartbeat:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				s.logger.Debug("websocket ping failed", zap.String("handle", h.ID()), zap.Error(err))
				return
			}
			event = f.next(ctx, heartbeat.C)
			continue
		case EventClosed:
			frame = Frame{Event: EventClosed}
		default:
			v := viewOf(h)
			frame = Frame{Event: EventSnapshot, Handle: &v}
		}
		writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := wsjson.Write(writeCtx, conn, frame)
		cancel()
		if err != nil {
			s.logger.Debug("websocket write failed", zap.String("handle", h.ID()), zap.Error(err))
			return
		}
		if event == EventClosed {
			return
		}
		event = f.next(ctx, heartbeat.C)
	}
}

// conversationEvents streams a participant's conversation list: once on
// connect and again whenever a conversation is created or touched.
func (s *Server) conversationEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	participant := chi.URLParam(r, "id")
	list := conversations.New(participant, s.conversations, s.bus, s.opts.ListLimit, s.logger)
	go func() { _ = list.Watch(ctx) }()
	if _, err := list.Refresh(ctx); err != nil {
		writeErr(w, err)
		return
	}

	sseHeaders(w)
	w.WriteHeader(http.StatusOK)
	metrics.StreamsActive.WithLabelValues("sse").Inc()
	defer metrics.StreamsActive.WithLabelValues("sse").Dec()

	heartbeat := time.NewTicker(s.opts.Heartbeat)
	defer heartbeat.Stop()

	select {
	case <-list.Changes():
	default:
	}
	send := func() error {
		items := list.Items()
		if items == nil {
			items = []model.Conversation{}
		}
		return sendSSEEvent(w, flusher, EventConversations, ConversationsResponse{Conversations: items})
	}
	if err := send(); err != nil {
		return
	}
	for {
		var err error
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			err = sendSSEEvent(w, flusher, EventHeartbeat, map[string]time.Time{"timestamp": time.Now().UTC()})
		case <-list.Changes():
			err = send()
		}
		if err != nil {
			s.logger.Debug("sse write failed", zap.String("participant", participant), zap.Error(err))
			return
		}
	}
}
