// Package api serves the daemon's local HTTP API: conversation handles,
// their live event streams, and conversation and participant lookups.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/cache"
	"github.com/matheus3301/convsync/internal/convsync"
	"github.com/matheus3301/convsync/internal/model"
)

// Conversations lists a participant's conversations.
type Conversations interface {
	List(ctx context.Context, participant string, limit, offset int) ([]model.Conversation, error)
}

// Participants looks up participant profiles.
type Participants interface {
	Lookup(ctx context.Context, id string) (model.Participant, cache.Freshness, error)
}

// Options configures the API. Zero values select defaults.
type Options struct {
	RateLimitPerMinute int
	ListLimit          int
	// Heartbeat is the keep-alive interval of event streams.
	Heartbeat time.Duration
}

// Server is the HTTP front of the registry and the conversation stores.
type Server struct {
	registry      *Registry
	conversations Conversations
	participants  Participants
	bus           *bus.Bus
	logger        *zap.Logger
	opts          Options
}

// New creates a new API server.
func New(reg *Registry, convs Conversations, people Participants, b *bus.Bus, logger *zap.Logger, opts Options) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ListLimit <= 0 {
		opts.ListLimit = 50
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 30 * time.Second
	}
	return &Server{
		registry:      reg,
		conversations: convs,
		participants:  people,
		bus:           b,
		logger:        logger,
		opts:          opts,
	}
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(logging(s.logger))

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(rateLimit(s.opts.RateLimitPerMinute))

		r.Route("/handles", func(r chi.Router) {
			r.Post("/", s.openHandle)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getHandle)
				r.Delete("/", s.closeHandle)
				r.Post("/more", s.loadMore)
				r.Post("/refresh", s.refresh)
				r.Post("/resubscribe", s.resubscribe)
				r.Post("/messages", s.send)
				r.Post("/messages/{clientID}/retry", s.retry)
				r.Get("/events", s.handleEvents)
				r.Get("/ws", s.handleSocket)
			})
		})

		r.Route("/participants/{id}", func(r chi.Router) {
			r.Get("/", s.getParticipant)
			r.Get("/conversations", s.listConversations)
			r.Get("/conversations/events", s.conversationEvents)
		})
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"handles": s.registry.Len(),
	})
}

// lookup resolves the {id} handle or writes a 404.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*convsync.Handle, bool) {
	h, ok := s.registry.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "handle not found")
		return nil, false
	}
	return h, true
}

func (s *Server) openHandle(w http.ResponseWriter, r *http.Request) {
	var req OpenRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	h, err := s.registry.Open(r.Context(), req.Self, req.Other)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(h))
}

func (s *Server) getHandle(w http.ResponseWriter, r *http.Request) {
	h, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, viewOf(h))
}

func (s *Server) closeHandle(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Close(chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeError(w, http.StatusNotFound, "handle not found")
			return
		}
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// action runs op on the {id} handle and answers with its snapshot.
func (s *Server) action(op func(*convsync.Handle, context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h, ok := s.lookup(w, r)
		if !ok {
			return
		}
		if err := op(h, r.Context()); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, viewOf(h))
	}
}

func (s *Server) loadMore(w http.ResponseWriter, r *http.Request) {
	s.action((*convsync.Handle).LoadMore)(w, r)
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	s.action((*convsync.Handle).Refresh)(w, r)
}

func (s *Server) resubscribe(w http.ResponseWriter, r *http.Request) {
	s.action((*convsync.Handle).Resubscribe)(w, r)
}

func (s *Server) send(w http.ResponseWriter, r *http.Request) {
	h, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req SendRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	m, err := h.Send(r.Context(), req.Body)
	s.writeSend(w, m, err)
}

func (s *Server) retry(w http.ResponseWriter, r *http.Request) {
	h, ok := s.lookup(w, r)
	if !ok {
		return
	}
	m, err := h.Retry(r.Context(), chi.URLParam(r, "clientID"))
	s.writeSend(w, m, err)
}

func (s *Server) writeSend(w http.ResponseWriter, m model.Message, err error) {
	if err != nil {
		if m.ID == "" {
			writeErr(w, err)
			return
		}
		writeJSON(w, statusFor(err), SendResponse{Message: m, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, SendResponse{Message: m})
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pageParams(r, s.opts.ListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	convs, err := s.conversations.List(r.Context(), chi.URLParam(r, "id"), limit, offset)
	if err != nil {
		writeErr(w, err)
		return
	}
	if convs == nil {
		convs = []model.Conversation{}
	}
	writeJSON(w, http.StatusOK, ConversationsResponse{Conversations: convs})
}

func (s *Server) getParticipant(w http.ResponseWriter, r *http.Request) {
	p, fresh, err := s.participants.Lookup(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ParticipantResponse{Participant: p, Stale: fresh.Stale})
}

func pageParams(r *http.Request, defLimit int) (int, int, error) {
	limit, offset := defLimit, 0
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = n
	}
	return limit, offset, nil
}
