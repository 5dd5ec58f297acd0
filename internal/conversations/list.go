// Package conversations keeps a participant's conversation list current,
// most recently updated first.
package conversations

import (
	"context"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/model"
)

// Lister runs the conversation list query.
type Lister interface {
	List(ctx context.Context, participant string, limit, offset int) ([]model.Conversation, error)
}

// List is one participant's conversation list, most recently updated first.
type List struct {
	participant string
	lister      Lister
	bus         *bus.Bus
	limit       int
	logger      *zap.Logger

	mu      sync.RWMutex
	items   []model.Conversation
	changes chan struct{}
}

// New returns an empty list for participant. Call Refresh to fill it.
func New(participant string, l Lister, b *bus.Bus, limit int, logger *zap.Logger) *List {
	if limit <= 0 {
		limit = 50
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &List{
		participant: participant,
		lister:      l,
		bus:         b,
		limit:       limit,
		logger:      logger.With(zap.String("participant", participant)),
		changes:     make(chan struct{}, 1),
	}
}

// Items returns a copy of the list.
func (l *List) Items() []model.Conversation {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.items)
}

// Changes signals, coalesced, after Refresh changed the list.
func (l *List) Changes() <-chan struct{} { return l.changes }

// Refresh runs the list query and merges the result by id. Entries missing
// from the result are kept, since they may just have fallen off the page.
func (l *List) Refresh(ctx context.Context) (bool, error) {
	fresh, err := l.lister.List(ctx, l.participant, l.limit, 0)
	if err != nil {
		return false, err
	}

	l.mu.Lock()
	changed := false
	byID := make(map[string]int, len(l.items))
	for i, c := range l.items {
		byID[c.ID] = i
	}
	for _, c := range fresh {
		if i, ok := byID[c.ID]; ok {
			if l.items[i] != c {
				l.items[i] = c
				changed = true
			}
			continue
		}
		byID[c.ID] = len(l.items)
		l.items = append(l.items, c)
		changed = true
	}
	if changed {
		slices.SortStableFunc(l.items, func(a, b model.Conversation) int {
			if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
				return c
			}
			return strings.Compare(a.ID, b.ID)
		})
	}
	l.mu.Unlock()

	if changed {
		select {
		case l.changes <- struct{}{}:
		default:
		}
	}
	return changed, nil
}

// Watch refreshes whenever a conversation event appears on the bus, until
// ctx is done. Bursts of events collapse into one refresh.
func (l *List) Watch(ctx context.Context) error {
	if l.bus == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	events, unsub := l.bus.Subscribe("conversation.", 64)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-events:
		drain:
			for {
				select {
				case <-events:
				default:
					break drain
				}
			}
			if _, err := l.Refresh(ctx); err != nil {
				l.logger.Warn("conversation list refresh failed", zap.Error(err))
			}
		}
	}
}
