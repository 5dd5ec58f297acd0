package bus

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/matheus3301/convsync/internal/metrics"
)

// Bus is an in-process publish/subscribe event bus. It backs the local
// realtime transport and carries conversation and handle lifecycle events.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*subscription
	next    int
	dropped atomic.Int64
}

type subscription struct {
	topic string
	ch    chan Event
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
	}
}

// Matches reports whether an event of the given kind is delivered to a
// subscriber of topic. A topic ending in "." is a namespace and matches every
// kind below it; any other topic matches only itself.
func Matches(topic, kind string) bool {
	if strings.HasSuffix(topic, ".") {
		return strings.HasPrefix(kind, topic)
	}
	return kind == topic
}

// Namespace returns the first dot-separated segment of an event kind.
func Namespace(kind string) string {
	ns, _, _ := strings.Cut(kind, ".")
	return ns
}

// Publish delivers evt to every matching subscriber in subscription order of
// arrival. Subscribers with a full buffer miss the event.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !Matches(sub.topic, evt.Kind) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			b.dropped.Add(1)
			metrics.BusDropped.WithLabelValues(Namespace(evt.Kind)).Inc()
		}
	}
}

// Subscribe returns a channel receiving events that match topic, and a
// function that removes the subscription. bufSize controls the channel buffer.
func (b *Bus) Subscribe(topic string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{topic: topic, ch: ch}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
