// Package server exposes the backend over the network: command invocation
// as HTTP POST and the event channel as a WebSocket.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/agentdeck/agentdeck/backend"
	"github.com/agentdeck/agentdeck/transport"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Server handles /api/invoke/<command> and /ws/events.
type Server struct {
	token   string
	backend *backend.Backend
	devMode bool
}

// New creates a server over the given backend. token guards every route.
func New(token string, b *backend.Backend, devMode bool) *Server {
	return &Server{token: token, backend: b, devMode: devMode}
}

// Handler returns the HTTP handler for the server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("POST /api/invoke/{command}", s.handleInvoke)
	mux.HandleFunc("GET /ws/events", s.handleEvents)
	return mux
}

type invokeBody struct {
	Args json.RawMessage `json:"args"`
}

type invokeResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(bearerToken(r)) {
		http.Error(w, "Invalid token", http.StatusUnauthorized)
		return
	}

	command := r.PathValue("command")
	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	var parsed invokeBody
	if len(body) > 0 {
		if err := json.Unmarshal(body, &parsed); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
	}

	result, err := s.backend.Call(r.Context(), command, parsed.Args)

	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		// Application-level failure: still a 2xx with success=false, so
		// clients can distinguish it from transport failures.
		json.NewEncoder(w).Encode(invokeResponse{Success: false, Error: err.Error()})
		return
	}
	json.NewEncoder(w).Encode(invokeResponse{Success: true, Data: json.RawMessage(result)})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	queryToken := r.URL.Query().Get("token")
	if !s.authorized(queryToken) {
		http.Error(w, "Invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: s.devMode,
	})
	if err != nil {
		slog.Error("failed to accept websocket", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	s.handleConnection(r.Context(), conn)
}

func (s *Server) authorized(token string) bool {
	return token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) == 1
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return after
	}
	return ""
}

// connState tracks one event channel connection's subscriptions.
type connState struct {
	conn *websocket.Conn
	log  *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	cancels map[string]transport.CancelFunc
}

type clientFrame struct {
	Type    string `json:"type"`
	Pattern string `json:"pattern"`
}

type serverFrame struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

func (s *Server) handleConnection(ctx context.Context, conn *websocket.Conn) {
	connID := uuid.NewString()
	state := &connState{
		conn:    conn,
		log:     slog.With("connId", connID),
		cancels: make(map[string]transport.CancelFunc),
	}
	state.log.Info("event channel connected")
	defer state.cleanup()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			state.log.Debug("event channel closed", "error", err)
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			// One malformed frame must not break the channel.
			state.log.Warn("dropping malformed control frame", "error", err)
			continue
		}

		switch frame.Type {
		case "subscribe":
			s.subscribe(ctx, state, frame.Pattern)
		case "unsubscribe":
			state.unsubscribe(frame.Pattern)
		default:
			state.log.Warn("unknown control frame type", "type", frame.Type)
		}
	}
}

func (s *Server) subscribe(ctx context.Context, state *connState, pattern string) {
	state.mu.Lock()
	defer state.mu.Unlock()
	if _, exists := state.cancels[pattern]; exists {
		return
	}
	state.cancels[pattern] = s.backend.Subscribe(pattern, func(ev transport.Event) {
		state.send(ctx, serverFrame{EventType: ev.Type, Payload: ev.Payload})
	})
	state.log.Debug("subscribed", "pattern", pattern)
}

func (c *connState) unsubscribe(pattern string) {
	c.mu.Lock()
	cancel := c.cancels[pattern]
	delete(c.cancels, pattern)
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		c.log.Debug("unsubscribed", "pattern", pattern)
	}
}

func (c *connState) cleanup() {
	c.mu.Lock()
	cancels := c.cancels
	c.cancels = make(map[string]transport.CancelFunc)
	c.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	c.log.Info("event channel cleaned up", "subscriptions", len(cancels))
}

func (c *connState) send(ctx context.Context, frame serverFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.log.Error("failed to marshal event frame", "error", err)
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.log.Debug("event write failed", "error", err)
	}
}
