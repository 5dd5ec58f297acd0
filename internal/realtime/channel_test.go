package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/model"
)

type recorder struct {
	mu   sync.Mutex
	msgs []model.Message
	got  chan model.Message
}

func newRecorder() *recorder {
	return &recorder{got: make(chan model.Message, 64)}
}

func (r *recorder) fn(m model.Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
	r.got <- m
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func (r *recorder) wait(t *testing.T) model.Message {
	t.Helper()
	select {
	case m := <-r.got:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for realtime message")
		return model.Message{}
	}
}

// flakyTransport fails Publish or Subscribe on demand.
type flakyTransport struct {
	Transport
	mu           sync.Mutex
	publishErr   error
	subscribeErr error
}

func (f *flakyTransport) set(pub, sub error) {
	f.mu.Lock()
	f.publishErr, f.subscribeErr = pub, sub
	f.mu.Unlock()
}

func (f *flakyTransport) Publish(ctx context.Context, topic string, data []byte) error {
	f.mu.Lock()
	err := f.publishErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Transport.Publish(ctx, topic, data)
}

func (f *flakyTransport) Subscribe(ctx context.Context, topic string, fn Handler) (Unsubscribe, error) {
	f.mu.Lock()
	err := f.subscribeErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.Transport.Subscribe(ctx, topic, fn)
}

func msg(conv, id string) model.Message {
	return model.Message{ID: id, ConversationID: conv, SenderID: "u1", Body: "b", CreatedAt: time.Now().UTC()}
}

func TestSubscribeReceivesOtherOrigins(t *testing.T) {
	ch := NewChannel(NewLocal(bus.New(), 0), nil)
	ctx := context.Background()

	a, b := newRecorder(), newRecorder()
	subA, err := ch.Subscribe(ctx, "c1", "origin-a", a.fn)
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Unsubscribe(subA)
	subB, err := ch.Subscribe(ctx, "c1", "origin-b", b.fn)
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Unsubscribe(subB)

	if err := ch.Publish(ctx, "origin-a", msg("c1", "m1")); err != nil {
		t.Fatal(err)
	}

	got := b.wait(t)
	if got.ID != "m1" {
		t.Errorf("got %s, want m1", got.ID)
	}
	// Give a stray self-delivery time to show up.
	time.Sleep(50 * time.Millisecond)
	if a.count() != 0 {
		t.Errorf("publisher received its own message %d times", a.count())
	}
}

func TestSubscribeIsolatesConversations(t *testing.T) {
	ch := NewChannel(NewLocal(bus.New(), 0), nil)
	ctx := context.Background()

	r := newRecorder()
	sub, err := ch.Subscribe(ctx, "c1", "o1", r.fn)
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Unsubscribe(sub)

	_ = ch.Publish(ctx, "o2", msg("c2", "other"))
	_ = ch.Publish(ctx, "o2", msg("c1", "mine"))

	if got := r.wait(t); got.ID != "mine" {
		t.Errorf("got %s, want mine", got.ID)
	}
}

func TestDeliveryPreservesPublishOrder(t *testing.T) {
	ch := NewChannel(NewLocal(bus.New(), 0), nil)
	ctx := context.Background()

	r := newRecorder()
	sub, err := ch.Subscribe(ctx, "c1", "o1", r.fn)
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Unsubscribe(sub)

	want := []string{"m1", "m2", "m3", "m4"}
	for _, id := range want {
		if err := ch.Publish(ctx, "o2", msg("c1", id)); err != nil {
			t.Fatal(err)
		}
	}
	for _, id := range want {
		if got := r.wait(t); got.ID != id {
			t.Errorf("got %s, want %s", got.ID, id)
		}
	}
}

func TestNoCallbacksAfterUnsubscribe(t *testing.T) {
	ch := NewChannel(NewLocal(bus.New(), 0), nil)
	ctx := context.Background()

	r := newRecorder()
	sub, err := ch.Subscribe(ctx, "c1", "o1", r.fn)
	if err != nil {
		t.Fatal(err)
	}
	if sub.State() != Subscribed {
		t.Errorf("state = %s, want SUBSCRIBED", sub.State())
	}
	_ = ch.Publish(ctx, "o2", msg("c1", "before"))
	r.wait(t)

	ch.Unsubscribe(sub)
	if sub.State() != Unsubscribed {
		t.Errorf("state = %s, want UNSUBSCRIBED", sub.State())
	}
	n := r.count()
	for i := 0; i < 5; i++ {
		_ = ch.Publish(ctx, "o2", msg("c1", "after"))
	}
	time.Sleep(50 * time.Millisecond)
	if r.count() != n {
		t.Errorf("received %d callbacks after unsubscribe", r.count()-n)
	}

	// Unsubscribe twice is harmless.
	ch.Unsubscribe(sub)
}

func TestResubscribeDoesNotReplay(t *testing.T) {
	ch := NewChannel(NewLocal(bus.New(), 0), nil)
	ctx := context.Background()

	first := newRecorder()
	sub, err := ch.Subscribe(ctx, "c1", "o1", first.fn)
	if err != nil {
		t.Fatal(err)
	}
	ch.Unsubscribe(sub)
	_ = ch.Publish(ctx, "o2", msg("c1", "missed"))

	second := newRecorder()
	sub2, err := ch.Subscribe(ctx, "c1", "o1", second.fn)
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Unsubscribe(sub2)
	if sub2 == sub {
		t.Error("resubscribe should create a new subscription")
	}
	_ = ch.Publish(ctx, "o2", msg("c1", "live"))

	if got := second.wait(t); got.ID != "live" {
		t.Errorf("got %s, want live (no replay of missed)", got.ID)
	}
}

func TestPublishCarriesPersistedFields(t *testing.T) {
	ch := NewChannel(NewLocal(bus.New(), 0), nil)
	ctx := context.Background()

	r := newRecorder()
	sub, err := ch.Subscribe(ctx, "c1", "o1", r.fn)
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Unsubscribe(sub)

	sent := msg("c1", "01HX")
	sent.ClientID = "tmp-9"
	sent.CreatedAt = time.Date(2025, 5, 5, 5, 5, 5, 0, time.UTC)
	_ = ch.Publish(ctx, "o2", sent)

	got := r.wait(t)
	if got.ID != sent.ID || got.ClientID != "tmp-9" || !got.CreatedAt.Equal(sent.CreatedAt) {
		t.Errorf("got %+v, want id/client id/created at preserved", got)
	}
}

func TestPublishFailureIsChannelUnavailable(t *testing.T) {
	ft := &flakyTransport{Transport: NewLocal(bus.New(), 0)}
	ft.set(errors.New("broken pipe"), nil)
	ch := NewChannel(ft, nil)

	if err := ch.Publish(context.Background(), "o1", msg("c1", "m")); !errors.Is(err, model.ErrChannelUnavailable) {
		t.Errorf("err = %v, want ErrChannelUnavailable", err)
	}
}

func TestSubscribeFailureIsChannelUnavailable(t *testing.T) {
	ft := &flakyTransport{Transport: NewLocal(bus.New(), 0)}
	ft.set(nil, errors.New("refused"))
	ch := NewChannel(ft, nil)

	if _, err := ch.Subscribe(context.Background(), "c1", "o1", func(model.Message) {}); !errors.Is(err, model.ErrChannelUnavailable) {
		t.Errorf("err = %v, want ErrChannelUnavailable", err)
	}
}

func TestFailedInitRetriedOnSubscribe(t *testing.T) {
	b := bus.New()
	raw, unsub := b.Subscribe(LocalPrefix+"c1", 10)
	defer unsub()

	ft := &flakyTransport{Transport: NewLocal(b, 0)}
	ch := NewChannel(ft, nil)
	ctx := context.Background()

	ft.set(errors.New("offline"), nil)
	if err := ch.Init(ctx, "c1"); !errors.Is(err, model.ErrChannelUnavailable) {
		t.Fatalf("err = %v, want ErrChannelUnavailable", err)
	}
	if !ch.PendingInit("c1") {
		t.Fatal("failed init should be pending")
	}

	// Still offline: subscribe fails and init stays pending.
	if _, err := ch.Subscribe(ctx, "c1", "o1", func(model.Message) {}); err == nil {
		t.Fatal("subscribe should fail while init cannot be published")
	}
	if !ch.PendingInit("c1") {
		t.Fatal("init should still be pending")
	}

	ft.set(nil, nil)
	sub, err := ch.Subscribe(ctx, "c1", "o1", func(model.Message) {})
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Unsubscribe(sub)
	if ch.PendingInit("c1") {
		t.Error("init should be cleared after a successful retry")
	}

	select {
	case evt := <-raw:
		env, err := decode(evt.Payload.([]byte))
		if err != nil {
			t.Fatal(err)
		}
		if env.Kind != KindInit || env.ConversationID != "c1" {
			t.Errorf("envelope = %+v, want init for c1", env)
		}
	case <-time.After(time.Second):
		t.Fatal("init envelope not published")
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	ch := NewChannel(NewLocal(bus.New(), 0), nil)
	ctx := context.Background()

	r := newRecorder()
	sub, err := ch.Subscribe(ctx, "c1", "o1", r.fn)
	if err != nil {
		t.Fatal(err)
	}
	ch.Close()
	if sub.State() != Unsubscribed {
		t.Errorf("state = %s, want UNSUBSCRIBED", sub.State())
	}
	_ = ch.Publish(ctx, "o2", msg("c1", "late"))
	time.Sleep(50 * time.Millisecond)
	if r.count() != 0 {
		t.Errorf("received %d callbacks after Close", r.count())
	}
}

type stateLog struct {
	mu     sync.Mutex
	states []ConnState
}

func (l *stateLog) fn(s ConnState) {
	l.mu.Lock()
	l.states = append(l.states, s)
	l.mu.Unlock()
}

func (l *stateLog) get() []ConnState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ConnState(nil), l.states...)
}

func TestConnectionStateReachesSubscribers(t *testing.T) {
	local := NewLocal(bus.New(), 0)
	ch := NewChannel(local, nil)
	ctx := context.Background()

	var a, b stateLog
	subA, err := ch.Subscribe(ctx, "c1", "o1", func(model.Message) {}, WithStateHandler(a.fn))
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Unsubscribe(subA)
	subB, err := ch.Subscribe(ctx, "c2", "o1", func(model.Message) {}, WithStateHandler(b.fn))
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Unsubscribe(subB)

	local.notify(Disconnected)
	local.notify(Disconnected)
	if ch.Connected() {
		t.Error("Connected() = true after disconnect")
	}
	if _, err := ch.Subscribe(ctx, "c3", "o1", func(model.Message) {}); !errors.Is(err, model.ErrChannelUnavailable) {
		t.Errorf("Subscribe while disconnected err = %v, want ErrChannelUnavailable", err)
	}

	local.notify(Connected)
	if !ch.Connected() {
		t.Error("Connected() = false after reconnect")
	}
	want := []ConnState{Disconnected, Connected}
	for name, l := range map[string]*stateLog{"a": &a, "b": &b} {
		got := l.get()
		if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
			t.Errorf("subscriber %s states = %v, want %v", name, got, want)
		}
	}
}

func TestNoStateCallbackAfterUnsubscribe(t *testing.T) {
	local := NewLocal(bus.New(), 0)
	ch := NewChannel(local, nil)

	var l stateLog
	sub, err := ch.Subscribe(context.Background(), "c1", "o1", func(model.Message) {}, WithStateHandler(l.fn))
	if err != nil {
		t.Fatal(err)
	}
	ch.Unsubscribe(sub)

	if err := local.Close(); err != nil {
		t.Fatal(err)
	}
	if got := l.get(); len(got) != 0 {
		t.Errorf("states after unsubscribe = %v, want none", got)
	}
	if ch.Connected() {
		t.Error("Connected() = true after the local transport closed")
	}
}

type countingTransport struct {
	Transport
	mu   sync.Mutex
	subs int
}

func (c *countingTransport) Subscribe(ctx context.Context, topic string, fn Handler) (Unsubscribe, error) {
	c.mu.Lock()
	c.subs++
	c.mu.Unlock()
	return c.Transport.Subscribe(ctx, topic, fn)
}

func (c *countingTransport) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs
}

func TestFirstSubscribeAllocatesTransportSubscription(t *testing.T) {
	ct := &countingTransport{Transport: NewLocal(bus.New(), 0)}
	ch := NewChannel(ct, nil)
	ctx := context.Background()

	if err := ch.Init(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if ct.count() != 0 {
		t.Fatalf("Init opened %d transport subscriptions, want 0", ct.count())
	}
	a, err := ch.Subscribe(ctx, "c1", "o1", func(model.Message) {})
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Unsubscribe(a)
	b, err := ch.Subscribe(ctx, "c1", "o2", func(model.Message) {})
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Unsubscribe(b)
	if ct.count() != 1 {
		t.Errorf("transport subscriptions = %d, want 1", ct.count())
	}
}
