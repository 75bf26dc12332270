package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gorilla/websocket"
)

const (
	statusDebounce = 200 * time.Millisecond
	statusRefresh  = 2 * time.Second

	// statusWriteTimeout bounds one websocket write so a stalled client
	// cannot hold up a broadcast
	statusWriteTimeout = 5 * time.Second
)

// StatusMessage reports the export running on the serving machine. Task holds
// the task file as written by the exporter.
type StatusMessage struct {
	Type    string          `json:"type"`
	Running bool            `json:"running"`
	Task    json.RawMessage `json:"task,omitempty"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// clientWrapper serializes writes to one websocket connection
type clientWrapper struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (cw *clientWrapper) writeJSON(v interface{}, timeout time.Duration) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if err := cw.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return cw.conn.WriteJSON(v)
}

// statusHub pushes the task file to websocket clients whenever it changes.
type statusHub struct {
	path   string
	logger *slog.Logger

	mu           sync.RWMutex
	clients      map[*websocket.Conn]*clientWrapper
	writeTimeout time.Duration
}

func newStatusHub(path string, logger *slog.Logger) *statusHub {
	return &statusHub{
		path:         filepath.Clean(path),
		logger:       logger,
		clients:      make(map[*websocket.Conn]*clientWrapper),
		writeTimeout: statusWriteTimeout,
	}
}

// current reads the task file. A missing or unparsable file means no export is running.
func (h *statusHub) current() StatusMessage {
	msg := StatusMessage{Type: "status"}
	data, err := os.ReadFile(h.path)
	if err != nil || !json.Valid(data) {
		return msg
	}
	msg.Running = true
	msg.Task = data
	return msg
}

func (h *statusHub) timeout() time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.writeTimeout
}

func (h *statusHub) add(conn *websocket.Conn) *clientWrapper {
	wrapper := &clientWrapper{conn: conn}
	h.mu.Lock()
	h.clients[conn] = wrapper
	h.mu.Unlock()
	return wrapper
}

func (h *statusHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
}

func (h *statusHub) broadcast() {
	msg := h.current()

	h.mu.RLock()
	var failed []*websocket.Conn
	for conn, wrapper := range h.clients {
		if err := wrapper.writeJSON(msg, h.writeTimeout); err != nil {
			failed = append(failed, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range failed {
		h.remove(conn)
		_ = conn.Close()
	}
}

// watch broadcasts on every change to the task file until ctx is done. A
// periodic refresh catches events the watcher misses.
func (h *statusHub) watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(h.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	refreshTicker := time.NewTicker(statusRefresh)
	defer refreshTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != h.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(statusDebounce, h.broadcast)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			h.logger.Warn(fmt.Sprintf("⚠️  Task file watcher error: %v", err))

		case <-refreshTicker.C:
			h.broadcast()
		}
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		s.respondError(w, r, errStatusDisabled)
		return
	}
	writeJSON(w, http.StatusOK, s.status.current())
}

func (s *Server) handleStatusSocket(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		s.respondError(w, r, errStatusDisabled)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug(fmt.Sprintf("WebSocket upgrade error: %v", err))
		return
	}
	defer conn.Close()

	wrapper := s.status.add(conn)
	defer s.status.remove(conn)

	// Send initial status
	if err := wrapper.writeJSON(s.status.current(), s.status.timeout()); err != nil {
		return
	}

	// Keep the connection open until the client goes away
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug(fmt.Sprintf("Status WebSocket error: %v", err))
			}
			return
		}
	}
}

var errStatusDisabled = errors.New("status is not served: no task file configured")
