// Package websocket streams engine logs to operators over WebSocket
package websocket

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	broadcastBufferSize  = 256
	subscriberBufferSize = 64

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	readLimit  = 512
)

// LogHub is an io.Writer placed behind the slog JSON handler. Every line
// written to it is forwarded to the consoles subscribed on /ws/logs.
type LogHub struct {
	secret   string
	lines    chan []byte
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	stopped bool
}

// subscriber is one operator console
type subscriber struct {
	conn     *websocket.Conn
	out      chan []byte
	minLevel slog.Level
	once     sync.Once
}

// NewLogHub creates a hub. An empty secret rejects every subscriber.
func NewLogHub(secret string) *LogHub {
	return &LogHub{
		secret: secret,
		lines:  make(chan []byte, broadcastBufferSize),
		subs:   make(map[*subscriber]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Write hands one log line to the hub. Lines are dropped when the hub is
// behind; a log call never waits on a console.
func (h *LogHub) Write(p []byte) (int, error) {
	line := bytes.TrimRight(append([]byte(nil), p...), "\r\n")
	select {
	case h.lines <- line:
	default:
	}
	return len(p), nil
}

// Run forwards lines to subscribers until ctx is cancelled, then
// disconnects everyone.
func (h *LogHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			h.stopped = true
			for s := range h.subs {
				delete(h.subs, s)
				s.close()
			}
			h.mu.Unlock()
			return
		case line := <-h.lines:
			level := lineLevel(line)
			h.mu.RLock()
			for s := range h.subs {
				if level < s.minLevel {
					continue
				}
				select {
				case s.out <- line:
				default:
				}
			}
			h.mu.RUnlock()
		}
	}
}

// ServeWS handles GET /ws/logs?secret_key=...&level=warn
func (h *LogHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("secret_key")
	if h.secret == "" || subtle.ConstantTimeCompare([]byte(key), []byte(h.secret)) != 1 {
		slog.Warn("Rejected log stream subscriber", "remote_addr", r.RemoteAddr)
		http.Error(w, "Unauthorized: Invalid or missing secret_key", http.StatusUnauthorized)
		return
	}

	var minLevel slog.Level
	if raw := r.URL.Query().Get("level"); raw != "" {
		if err := minLevel.UnmarshalText([]byte(raw)); err != nil {
			http.Error(w, "Invalid level", http.StatusBadRequest)
			return
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Log stream upgrade failed", "error", err)
		return
	}

	s := &subscriber{
		conn:     conn,
		out:      make(chan []byte, subscriberBufferSize),
		minLevel: minLevel,
	}
	if !h.subscribe(s) {
		conn.Close()
		return
	}
	slog.Debug("Log stream subscriber connected", "remote_addr", r.RemoteAddr, "min_level", minLevel)

	go s.pump()
	go h.watch(s)
}

// ClientCount returns the number of connected subscribers
func (h *LogHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *LogHub) subscribe(s *subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return false
	}
	h.subs[s] = struct{}{}
	return true
}

func (h *LogHub) drop(s *subscriber) {
	h.mu.Lock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		s.close()
	}
	h.mu.Unlock()
}

// watch reads control frames until the peer goes away
func (h *LogHub) watch(s *subscriber) {
	defer func() {
		h.drop(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(readLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// pump writes one frame per line and keeps the connection alive with pings
func (s *subscriber) pump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case line, ok := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, line); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.out) })
}

// lineLevel reads the "level" field of a JSON log line. Lines that are not
// JSON are treated as INFO.
func lineLevel(line []byte) slog.Level {
	var rec struct {
		Level string `json:"level"`
	}
	if err := json.Unmarshal(line, &rec); err != nil || rec.Level == "" {
		return slog.LevelInfo
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(rec.Level))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
