package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/matheus3301/convsync/internal/api"
)

func TestOpenSendsParticipants(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/handles" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var req api.OpenRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(api.HandleView{ID: "h1", Self: req.Self, Status: "LIVE"})
	}))
	defer srv.Close()

	c := NewTCP(srv.URL)
	v, err := c.Open(context.Background(), "u1", "u2")
	if err != nil {
		t.Fatal(err)
	}
	if v.ID != "h1" || v.Self != "u1" {
		t.Errorf("view = %+v", v)
	}
}

func TestErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "handle not found"})
	}))
	defer srv.Close()

	_, err := NewTCP(srv.URL).Handle(context.Background(), "nope")
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if e.Status != http.StatusNotFound || e.Message != "handle not found" {
		t.Errorf("error = %+v", e)
	}
}

func TestFollowStopsOnClosed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: snapshot\ndata: {\"id\":\"h1\"}\n\n")
		fmt.Fprint(w, "event: heartbeat\ndata: {}\n\n")
		fmt.Fprint(w, "event: closed\ndata: {\"id\":\"h1\"}\n\n")
		fmt.Fprint(w, "event: snapshot\ndata: {}\n\n")
	}))
	defer srv.Close()

	var got []string
	err := NewTCP(srv.URL).Follow(context.Background(), "h1", func(event string, data []byte) error {
		got = append(got, event)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"snapshot", "heartbeat", "closed"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestUnixSocket(t *testing.T) {
	dir, err := os.MkdirTemp("/tmp", "convsync-client-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(dir) }()
	sock := filepath.Join(dir, "d.sock")

	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatal(err)
	}
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
	})}
	go func() { _ = srv.Serve(ln) }()
	defer srv.Close()

	c := New(sock)
	defer c.Close()
	h, err := c.Health(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if h["status"] != "ok" {
		t.Errorf("health = %v", h)
	}
}
