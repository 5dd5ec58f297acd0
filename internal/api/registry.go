package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/convsync"
	"github.com/matheus3301/convsync/internal/model"
)

// Opener opens conversation handles.
type Opener interface {
	Open(ctx context.Context, self, other string) (*convsync.Handle, error)
}

// Signal is the bus payload announcing a change on a registered handle.
type Signal struct {
	Handle string
	Closed bool
}

// Topic is the bus topic a registered handle's list changes are announced on.
func Topic(handleID string) string {
	return "api.handle." + handleID
}

// Registry owns the handles opened through the API, keyed by handle id.
// Each handle's change notifications are forwarded onto the bus so any
// number of event streams can follow one handle.
type Registry struct {
	opener Opener
	bus    *bus.Bus
	logger *zap.Logger

	mu      sync.RWMutex
	handles map[string]*convsync.Handle
}

// NewRegistry returns an empty registry opening handles through o.
func NewRegistry(o Opener, b *bus.Bus, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if b == nil {
		b = bus.New()
	}
	return &Registry{
		opener:  o,
		bus:     b,
		logger:  logger,
		handles: make(map[string]*convsync.Handle),
	}
}

// Open opens and registers a handle.
func (r *Registry) Open(ctx context.Context, self, other string) (*convsync.Handle, error) {
	h, err := r.opener.Open(ctx, self, other)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.handles[h.ID()] = h
	r.mu.Unlock()
	go r.forward(h)
	return h, nil
}

func (r *Registry) forward(h *convsync.Handle) {
	for range h.Changes() {
		r.bus.Publish(bus.Event{Kind: Topic(h.ID()), Timestamp: time.Now(), Payload: Signal{Handle: h.ID()}})
	}
	r.bus.Publish(bus.Event{Kind: Topic(h.ID()), Timestamp: time.Now(), Payload: Signal{Handle: h.ID(), Closed: true}})
}

// Get returns the registered handle with the given id.
func (r *Registry) Get(id string) (*convsync.Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[id]
	return h, ok
}

// Close closes and forgets a handle.
func (r *Registry) Close(id string) error {
	r.mu.Lock()
	h, ok := r.handles[id]
	delete(r.handles, id)
	r.mu.Unlock()
	if !ok {
		return model.ErrNotFound
	}
	return h.Close()
}

// CloseAll closes every registered handle.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	hs := r.handles
	r.handles = make(map[string]*convsync.Handle)
	r.mu.Unlock()
	for id, h := range hs {
		if err := h.Close(); err != nil {
			r.logger.Warn("close handle failed", zap.String("handle", id), zap.Error(err))
		}
	}
}

// Len returns the number of open handles.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}
