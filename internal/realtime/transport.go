package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/matheus3301/convsync/internal/bus"
)

// Handler receives raw payloads in the order the transport delivers them.
type Handler func(data []byte)

// ConnState is the health of a transport connection.
type ConnState string

const (
	Connected    ConnState = "CONNECTED"
	Disconnected ConnState = "DISCONNECTED"
)

// StateHandler is told about connection state changes. It must not block.
type StateHandler func(ConnState)

// Transport is a topic-based pub/sub connection. Delivery is at-least-once
// while connected and carries no history: a subscriber only sees what is
// published after it subscribed, and nothing published while the connection
// is down.
type Transport interface {
	Subscribe(ctx context.Context, topic string, fn Handler) (Unsubscribe, error)
	Publish(ctx context.Context, topic string, data []byte) error
	// Notify registers fn for every later connection state change.
	Notify(fn StateHandler)
}

// notifier fans connection state changes out to registered handlers.
type notifier struct {
	mu  sync.Mutex
	fns []StateHandler
}

func (n *notifier) Notify(fn StateHandler) {
	n.mu.Lock()
	n.fns = append(n.fns, fn)
	n.mu.Unlock()
}

func (n *notifier) notify(s ConnState) {
	n.mu.Lock()
	fns := append([]StateHandler(nil), n.fns...)
	n.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

// Unsubscribe stops a transport subscription. Handlers may still be running
// when it returns.
type Unsubscribe func() error

var errTransportClosed = errors.New("transport closed")

// LocalPrefix namespaces realtime topics on the in-process bus.
const LocalPrefix = "realtime."

// Local is a Transport over the in-process bus. It connects handles that live
// in the same daemon. A subscriber more than bufSize payloads behind misses
// the overflow, which shows up in the bus drop metric.
type Local struct {
	notifier
	bus     *bus.Bus
	bufSize int

	mu     sync.RWMutex
	closed bool
}

// NewLocal returns a connected Local transport over b.
func NewLocal(b *bus.Bus, bufSize int) *Local {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &Local{bus: b, bufSize: bufSize}
}

// Subscribe forwards payloads published on topic to fn from one goroutine.
func (l *Local) Subscribe(_ context.Context, topic string, fn Handler) (Unsubscribe, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, errTransportClosed
	}

	ch, unsub := l.bus.Subscribe(LocalPrefix+topic, l.bufSize)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case evt := <-ch:
				if data, ok := evt.Payload.([]byte); ok {
					fn(data)
				}
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() error {
		once.Do(func() {
			unsub()
			close(done)
		})
		return nil
	}, nil
}

func (l *Local) Publish(_ context.Context, topic string, data []byte) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return errTransportClosed
	}
	l.bus.Publish(bus.Event{
		Kind:      LocalPrefix + topic,
		Timestamp: time.Now(),
		Payload:   data,
	})
	return nil
}

// Close makes every later Subscribe and Publish fail and reports the
// transport as disconnected.
func (l *Local) Close() error {
	l.mu.Lock()
	was := l.closed
	l.closed = true
	l.mu.Unlock()
	if !was {
		l.notify(Disconnected)
	}
	return nil
}
