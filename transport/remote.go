package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const defaultReconnectDelay = 2 * time.Second

// RemoteConfig configures a network transport.
type RemoteConfig struct {
	// BaseURL is the backend origin, e.g. "http://localhost:8080".
	BaseURL string

	// AuthToken is the initial bearer token. Optional.
	AuthToken string

	// ReconnectDelay is the fixed wait between reconnect attempts after a
	// detected disconnect. Defaults to 2s; never zero to avoid a tight
	// retry loop.
	ReconnectDelay time.Duration

	// HTTPClient overrides the client used for Invoke. Optional.
	HTTPClient *http.Client
}

// Remote is the network Transport: command invocation over HTTP POST and a
// persistent WebSocket event channel with resubscription replay.
type Remote struct {
	baseURL    string
	httpClient *http.Client
	delay      time.Duration
	log        *slog.Logger

	subs *subscriptionBook

	reconnectCbs callbackList[func()]
	authCbs      callbackList[func()]
	stateCbs     callbackList[func(ConnectionState)]

	mu                 sync.Mutex
	token              string
	authRequired       bool
	state              ConnectionState
	hasConnectedBefore bool
	channelStarted     bool
	channelCancel      context.CancelFunc
	conn               *websocket.Conn

	writeMu sync.Mutex
}

// NewRemote creates a network transport for the given backend.
func NewRemote(cfg RemoteConfig) *Remote {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	delay := cfg.ReconnectDelay
	if delay <= 0 {
		delay = defaultReconnectDelay
	}
	return &Remote{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: client,
		delay:      delay,
		log:        slog.With("component", "transport"),
		subs:       newSubscriptionBook(),
		token:      cfg.AuthToken,
	}
}

var _ Transport = (*Remote)(nil)

type invokeEnvelope struct {
	Args any `json:"args"`
}

type invokeResult struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

// Invoke posts a command to /api/invoke/<command> and unwraps the result
// envelope. A 401 flags authRequired; other non-2xx statuses become
// *HTTPError; success=false becomes *InvokeError.
func (r *Remote) Invoke(ctx context.Context, command string, args any) (json.RawMessage, error) {
	body, err := json.Marshal(invokeEnvelope{Args: args})
	if err != nil {
		return nil, fmt.Errorf("invoke %s: marshal args: %w", command, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/api/invoke/"+command, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", command, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token := r.authToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", command, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		r.flagAuthRequired()
		return nil, fmt.Errorf("invoke %s: %w", command, ErrAuthRequired)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &HTTPError{Status: resp.StatusCode, Message: strings.TrimSpace(string(snippet))}
	}

	var result invokeResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("invoke %s: decode response: %w", command, err)
	}
	if !result.Success {
		return nil, &InvokeError{Command: command, Message: result.Error}
	}
	return result.Data, nil
}

// Listen registers fn under pattern and lazily opens the event channel on
// the first call. The subscribe control frame for a pattern is sent only
// when its listener count goes 0→1.
func (r *Remote) Listen(pattern string, fn EventFunc) (CancelFunc, error) {
	token, first := r.subs.add(pattern, fn)
	r.ensureChannel()
	if first {
		r.sendControl("subscribe", pattern)
	}

	cancel := func() {
		if last := r.subs.remove(pattern, token); last {
			r.sendControl("unsubscribe", pattern)
		}
	}
	return cancel, nil
}

func (r *Remote) SetAuthToken(token string) {
	r.mu.Lock()
	r.token = token
	if token != "" {
		r.authRequired = false
	}
	r.mu.Unlock()
}

func (r *Remote) AuthRequired() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.authRequired
}

func (r *Remote) State() ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Remote) OnReconnect(fn func()) CancelFunc {
	return r.reconnectCbs.add(fn)
}

func (r *Remote) OnAuthRequired(fn func()) CancelFunc {
	return r.authCbs.add(fn)
}

func (r *Remote) OnStateChange(fn func(ConnectionState)) CancelFunc {
	return r.stateCbs.add(fn)
}

// Disconnect is a hard reset: it closes the channel and drops every
// subscription and registered callback.
func (r *Remote) Disconnect() {
	r.mu.Lock()
	cancel := r.channelCancel
	conn := r.conn
	r.channelCancel = nil
	r.conn = nil
	r.channelStarted = false
	r.state = StateDisconnected
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "")
	}

	r.subs.clear()
	r.reconnectCbs.clear()
	r.authCbs.clear()
	r.stateCbs.clear()
}

func (r *Remote) authToken() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.token
}

func (r *Remote) flagAuthRequired() {
	r.mu.Lock()
	already := r.authRequired
	r.authRequired = true
	r.mu.Unlock()

	// Fire callbacks only on the false→true edge so a burst of rejected
	// requests does not re-prompt until the token has been replaced.
	if already {
		return
	}
	for _, fn := range r.authCbs.snapshot() {
		fn()
	}
}

func (r *Remote) setState(state ConnectionState) {
	r.mu.Lock()
	if r.state == state {
		r.mu.Unlock()
		return
	}
	r.state = state
	r.mu.Unlock()

	for _, fn := range r.stateCbs.snapshot() {
		fn(state)
	}
}

// ensureChannel starts the connect/read loop once.
func (r *Remote) ensureChannel() {
	r.mu.Lock()
	if r.channelStarted {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.channelStarted = true
	r.channelCancel = cancel
	r.mu.Unlock()

	go r.runChannel(ctx)
}

func (r *Remote) runChannel(ctx context.Context) {
	for {
		r.setState(StateConnecting)
		conn, err := r.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.log.Debug("event channel dial failed", "error", err)
			r.setState(StateDisconnected)
			if !sleepCtx(ctx, r.delay) {
				return
			}
			continue
		}

		r.mu.Lock()
		r.conn = conn
		reconnected := r.hasConnectedBefore
		r.hasConnectedBefore = true
		r.mu.Unlock()

		r.setState(StateConnected)

		// Resubscription replay: every pattern with a live listener gets
		// its subscribe frame resent on this new socket.
		for _, pattern := range r.subs.livePatterns() {
			r.sendControl("subscribe", pattern)
		}

		if reconnected {
			for _, fn := range r.reconnectCbs.snapshot() {
				fn()
			}
		}

		r.readLoop(ctx, conn)

		r.mu.Lock()
		if r.conn == conn {
			r.conn = nil
		}
		r.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")

		if ctx.Err() != nil {
			return
		}
		r.setState(StateDisconnected)
		if !sleepCtx(ctx, r.delay) {
			return
		}
	}
}

func (r *Remote) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(r.baseURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws/events"
	if token := r.authToken(); token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}

	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	return conn, err
}

type wireEvent struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

type controlFrame struct {
	Type    string `json:"type"`
	Pattern string `json:"pattern"`
}

func (r *Remote) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var frame wireEvent
		if err := json.Unmarshal(data, &frame); err != nil {
			// Malformed frames must not break the channel.
			r.log.Warn("dropping malformed event frame", "error", err, "length", len(data))
			continue
		}
		if frame.EventType == "" {
			continue
		}
		r.subs.dispatch(Event{Type: frame.EventType, Payload: frame.Payload})
	}
}

// sendControl writes a subscribe/unsubscribe frame if a socket is up.
// Patterns are replayed on reconnect, so a miss here is not a loss.
func (r *Remote) sendControl(frameType, pattern string) {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return
	}

	data, err := json.Marshal(controlFrame{Type: frameType, Pattern: pattern})
	if err != nil {
		return
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := conn.Write(context.Background(), websocket.MessageText, data); err != nil {
		r.log.Debug("control frame write failed", "type", frameType, "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
