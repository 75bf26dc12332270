package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newStatusServer(t *testing.T) (*Server, string) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	path := filepath.Join(t.TempDir(), "state", "current_task.json")
	return NewServer(nil, nil, nil, logger, WithTaskFile(path)), path
}

func TestStatusEndpoint(t *testing.T) {
	s, path := newStatusServer(t)

	get := func() StatusMessage {
		t.Helper()
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("GET /api/status = %d", rec.Code)
		}
		var msg StatusMessage
		if err := json.Unmarshal(rec.Body.Bytes(), &msg); err != nil {
			t.Fatal(err)
		}
		return msg
	}

	if msg := get(); msg.Running || msg.Task != nil {
		t.Errorf("no task file should report idle, got %+v", msg)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(`{"pid":42,"total_chunks":4}`), 0o600); err != nil {
		t.Fatal(err)
	}
	msg := get()
	if !msg.Running || !strings.Contains(string(msg.Task), `"total_chunks":4`) {
		t.Errorf("unexpected status %+v", msg)
	}

	if err := os.WriteFile(path, []byte(`{"pid":`), 0o600); err != nil {
		t.Fatal(err)
	}
	if msg := get(); msg.Running {
		t.Error("a partially written task file should report idle")
	}
}

func TestStatusDisabled(t *testing.T) {
	f := newFixture(t, 1)
	for _, path := range []string{"/api/status", "/ws/status"} {
		if rec := f.get(t, path); rec.Code != http.StatusNotFound {
			t.Errorf("GET %s without a task file = %d, want 404", path, rec.Code)
		}
	}
}

func TestStatusSocketPushesChanges(t *testing.T) {
	s, path := newStatusServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.status.watch(ctx) }()

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/status", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	var first StatusMessage
	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatal(err)
	}
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatal(err)
	}
	if first.Type != "status" || first.Running {
		t.Fatalf("initial message = %+v, want idle status", first)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(`{"pid":42,"completed_chunks":1}`), 0o600); err != nil {
		t.Fatal(err)
	}

	// Either the watcher or the periodic refresh delivers the update
	deadline := time.Now().Add(3 * statusRefresh)
	for {
		if err := conn.SetReadDeadline(deadline); err != nil {
			t.Fatal(err)
		}
		var msg StatusMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("no running status received: %v", err)
		}
		if msg.Running {
			if !strings.Contains(string(msg.Task), `"completed_chunks":1`) {
				t.Errorf("unexpected task %s", msg.Task)
			}
			return
		}
	}
}

func TestStatusBroadcastDropsClientPastWriteDeadline(t *testing.T) {
	s, _ := newStatusServer(t)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/status", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatal(err)
	}
	var first StatusMessage
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatal(err)
	}

	// Every write now starts past its deadline
	s.status.mu.Lock()
	s.status.writeTimeout = -time.Second
	s.status.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.status.broadcast()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("broadcast blocked on a client that cannot be written")
	}

	s.status.mu.RLock()
	remaining := len(s.status.clients)
	s.status.mu.RUnlock()
	if remaining != 0 {
		t.Errorf("expected the client to be dropped, %d remain", remaining)
	}
}
