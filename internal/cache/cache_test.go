package cache

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

type page struct {
	Items []string `json:"items"`
}

var errOffline = errors.New("offline")

func ok(v page) func(context.Context) (page, error) {
	return func(context.Context) (page, error) { return v, nil }
}

func failing(context.Context) (page, error) { return page{}, errOffline }

func TestFetchFreshStoresValue(t *testing.T) {
	mem := NewMemory()
	c := New(mem, nil)

	v, fresh, err := Fetch(context.Background(), c, "k", ok(page{Items: []string{"a"}}))
	if err != nil {
		t.Fatal(err)
	}
	if fresh.Stale {
		t.Error("live success should not be stale")
	}
	if len(v.Items) != 1 || v.Items[0] != "a" {
		t.Errorf("value = %+v", v)
	}
	if mem.Len() != 1 {
		t.Errorf("cached keys = %d, want 1", mem.Len())
	}
}

func TestFetchServesStaleOnFailure(t *testing.T) {
	c := New(NewMemory(), nil)
	stored := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return stored }
	ctx := context.Background()

	if _, _, err := Fetch(ctx, c, "k", ok(page{Items: []string{"v"}})); err != nil {
		t.Fatal(err)
	}

	v, fresh, err := Fetch(ctx, c, "k", failing)
	if err != nil {
		t.Fatalf("expected cached value, got error %v", err)
	}
	if !fresh.Stale {
		t.Error("fallback read should be flagged stale")
	}
	if !fresh.StoredAt.Equal(stored) {
		t.Errorf("stored at = %v, want %v", fresh.StoredAt, stored)
	}
	if len(v.Items) != 1 || v.Items[0] != "v" {
		t.Errorf("value = %+v, want cached V", v)
	}
}

func TestFetchMissReturnsOriginalError(t *testing.T) {
	c := New(NewMemory(), nil)

	_, fresh, err := Fetch(context.Background(), c, "absent", failing)
	if !errors.Is(err, errOffline) {
		t.Errorf("err = %v, want original error", err)
	}
	if fresh.Stale {
		t.Error("miss should not be flagged stale")
	}
}

func TestFetchLastWriteWins(t *testing.T) {
	c := New(NewMemory(), nil)
	ctx := context.Background()

	_, _, _ = Fetch(ctx, c, "k", ok(page{Items: []string{"old"}}))
	_, _, _ = Fetch(ctx, c, "k", ok(page{Items: []string{"new"}}))

	v, _, err := Fetch(ctx, c, "k", failing)
	if err != nil {
		t.Fatal(err)
	}
	if v.Items[0] != "new" {
		t.Errorf("cached = %q, want latest", v.Items[0])
	}
}

func TestFetchKeysAreIndependent(t *testing.T) {
	c := New(NewMemory(), nil)
	ctx := context.Background()

	_, _, _ = Fetch(ctx, c, "a", ok(page{Items: []string{"a"}}))
	if _, _, err := Fetch(ctx, c, "b", failing); !errors.Is(err, errOffline) {
		t.Errorf("key b should miss, got %v", err)
	}
}

type brokenBackend struct{}

func (brokenBackend) Get(context.Context, string) (Entry, error) { return Entry{}, errors.New("down") }
func (brokenBackend) Set(context.Context, string, Entry) error   { return errors.New("down") }

func TestFetchToleratesBackendFailure(t *testing.T) {
	c := New(brokenBackend{}, nil)
	ctx := context.Background()

	v, _, err := Fetch(ctx, c, "k", ok(page{Items: []string{"x"}}))
	if err != nil || v.Items[0] != "x" {
		t.Errorf("live read should succeed despite backend: %v %+v", err, v)
	}
	if _, _, err := Fetch(ctx, c, "k", failing); !errors.Is(err, errOffline) {
		t.Errorf("err = %v, want original error", err)
	}
}

func TestRedisBackend(t *testing.T) {
	url := os.Getenv("CONVSYNC_TEST_REDIS_URL")
	if url == "" {
		t.Skip("CONVSYNC_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	r, err := NewRedis(ctx, url, "convsync-test:"+time.Now().Format("150405.000")+":")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = r.Close() }()

	if _, err := r.Get(ctx, "k"); !errors.Is(err, ErrMiss) {
		t.Errorf("empty get = %v, want ErrMiss", err)
	}
	c := New(r, nil)
	if _, _, err := Fetch(ctx, c, "k", ok(page{Items: []string{"r"}})); err != nil {
		t.Fatal(err)
	}
	v, fresh, err := Fetch(ctx, c, "k", failing)
	if err != nil || !fresh.Stale || v.Items[0] != "r" {
		t.Errorf("stale read via redis = %+v %+v %v", v, fresh, err)
	}
}
