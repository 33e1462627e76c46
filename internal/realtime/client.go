// Package realtime maintains the persistent WebSocket connection to the
// upstream API and feeds collection updates into the state store.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultEndpoint is the production realtime socket.
const DefaultEndpoint = "wss://api.apparyllis.com/v1/socket"

const (
	handshakeTimeout  = 10 * time.Second
	authReplyTimeout  = 10 * time.Second
	keepaliveInterval = 10 * time.Second
	writeTimeout      = 5 * time.Second

	initialReconnectDelay = time.Second
	maxReconnectDelay     = 60 * time.Second
)

// ErrAuthRejected is returned when the server explicitly refuses the token.
// Reconnecting will not help; the run loop stops retrying on it.
var ErrAuthRejected = errors.New("realtime: authentication rejected")

// ConnState is the connection lifecycle as reported by Status.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateAuthFailed   ConnState = "auth_failed"
)

// UpdateFunc receives one collection event. Calls arrive from a single
// goroutine in stream order.
type UpdateFunc func(target, operation, id string, content json.RawMessage)

// StatusInfo is a snapshot of the connection for the status command.
type StatusInfo struct {
	State            ConnState `json:"state"`
	Uptime           float64   `json:"uptime"`
	ReconnectCount   int       `json:"reconnect_count"`
	ReconnectDelay   float64   `json:"reconnect_delay"`
	LastPing         int64     `json:"last_ping"`
	LastMessage      int64     `json:"last_message"`
	MessagesReceived int64     `json:"messages_received"`
	LastError        string    `json:"last_error,omitempty"`
}

// Options configures a Client. Zero values fall back to defaults.
type Options struct {
	Endpoint string
	Dialer   *websocket.Dialer

	// OnAuthenticated fires after each successful authentication,
	// including reconnects, and before the session dispatches any
	// updates. A blocking callback holds off event delivery, so the
	// daemon can reseed state in it without racing the stream.
	OnAuthenticated func()
}

// Client owns one upstream socket and its reconnect loop.
type Client struct {
	endpoint        string
	token           string
	dialer          *websocket.Dialer
	onUpdate        UpdateFunc
	onAuthenticated func()

	mu               sync.Mutex
	state            ConnState
	connectedAt      time.Time
	reconnectCount   int
	currentDelay     time.Duration
	lastPing         time.Time
	lastMessage      time.Time
	messagesReceived int64
	lastError        string
}

// New creates a client. onUpdate must be non-nil.
func New(token string, onUpdate UpdateFunc, opts Options) *Client {
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		}
	}
	return &Client{
		endpoint:        endpoint,
		token:           token,
		dialer:          dialer,
		onUpdate:        onUpdate,
		onAuthenticated: opts.OnAuthenticated,
		state:           StateDisconnected,
		currentDelay:    initialReconnectDelay,
	}
}

// Run connects and keeps the connection alive until ctx is cancelled,
// reconnecting with exponential backoff. On an explicit authentication
// rejection it stops reconnecting, reports auth_failed via Status, and
// blocks until ctx is done so the daemon keeps serving cached state.
func (c *Client) Run(ctx context.Context) error {
	delay := initialReconnectDelay

	for {
		authed, err := c.runSession(ctx)
		if authed {
			// A successful handshake proves the token and the route work;
			// the next drop starts the backoff over from one second.
			delay = initialReconnectDelay
		}
		if ctx.Err() != nil {
			c.setState(StateDisconnected, "")
			return ctx.Err()
		}
		if errors.Is(err, ErrAuthRejected) {
			log.Printf("[Realtime] Authentication rejected; not retrying. Fix the token and restart.")
			c.setState(StateAuthFailed, err.Error())
			<-ctx.Done()
			return err
		}
		if err != nil {
			c.setState(StateDisconnected, err.Error())
		} else {
			c.setState(StateDisconnected, "")
		}

		c.mu.Lock()
		c.reconnectCount++
		attempt := c.reconnectCount
		c.currentDelay = delay
		c.mu.Unlock()

		log.Printf("[Realtime] Reconnecting in %s (attempt %d): %v", delay, attempt, err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// runSession dials, authenticates, and pumps messages until the connection
// drops or ctx is cancelled. The bool reports whether authentication
// succeeded, so the reconnect loop can reset its backoff.
func (c *Client) runSession(ctx context.Context) (bool, error) {
	c.setState(StateConnecting, "")
	log.Printf("[Realtime] Connecting to %s", c.endpoint)

	conn, resp, err := c.dialer.DialContext(ctx, c.endpoint, nil)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("dial: %w (HTTP %d)", err, resp.StatusCode)
		}
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if err := c.authenticate(conn); err != nil {
		return false, err
	}

	c.mu.Lock()
	c.state = StateConnected
	c.connectedAt = time.Now()
	c.lastError = ""
	c.mu.Unlock()
	log.Printf("[Realtime] Authenticated")

	if c.onAuthenticated != nil {
		c.onAuthenticated()
	}

	// Close the socket when ctx is cancelled so the read loop unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	var wg sync.WaitGroup
	stopKeepalive := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.keepaliveLoop(conn, stopKeepalive)
	}()

	err = c.readLoop(conn)
	close(stopKeepalive)
	wg.Wait()
	return true, err
}

// authenticate sends the auth frame and waits for the server's verdict.
// The server may emit an empty greeting frame before the verdict; anything
// that is neither verdict literal is skipped.
func (c *Client) authenticate(conn *websocket.Conn) error {
	auth := map[string]string{"op": "authenticate", "token": c.token}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(auth); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(authReplyTimeout))
	for skipped := 0; skipped < 5; skipped++ {
		_, reply, err := conn.ReadMessage()
		if err != nil {
			if isTimeout(err) {
				return errors.New("authentication timeout")
			}
			return fmt.Errorf("read auth response: %w", err)
		}

		text := string(reply)
		switch {
		case strings.Contains(text, "Successfully authenticated"):
			return nil
		case strings.Contains(text, "Authentication violation"):
			return fmt.Errorf("%w: %s", ErrAuthRejected, strings.TrimSpace(text))
		}
	}
	return errors.New("no auth response among initial frames")
}

// keepaliveLoop sends the literal string "ping" every 10 seconds. The
// server expects this text frame, not a WebSocket ping control frame.
func (c *Client) keepaliveLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
				return
			}
			c.mu.Lock()
			c.lastPing = time.Now()
			c.mu.Unlock()
		case <-stop:
			return
		}
	}
}

type updateFrame struct {
	Msg     string `json:"msg"`
	Target  string `json:"target"`
	Results []struct {
		OperationType string          `json:"operationType"`
		ID            string          `json:"id"`
		Content       json.RawMessage `json:"content"`
	} `json:"results"`
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		// Two keepalive intervals without any frame means the link is dead.
		conn.SetReadDeadline(time.Now().Add(3 * keepaliveInterval))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		c.mu.Lock()
		c.messagesReceived++
		c.lastMessage = time.Now()
		c.mu.Unlock()

		text := string(payload)
		lower := strings.ToLower(text)
		if strings.Contains(lower, "pong") || strings.Contains(lower, "authenticated") {
			continue
		}
		if strings.Contains(text, "Authentication violation") {
			return fmt.Errorf("%w: %s", ErrAuthRejected, strings.TrimSpace(text))
		}

		var frame updateFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			log.Printf("[Realtime] Skipping unparseable frame: %v", err)
			continue
		}
		if !strings.EqualFold(frame.Msg, "update") {
			continue
		}

		for _, result := range frame.Results {
			if result.ID == "" {
				continue
			}
			c.onUpdate(frame.Target, result.OperationType, result.ID, result.Content)
		}
	}
}

// Status reports the connection snapshot.
func (c *Client) Status() StatusInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	info := StatusInfo{
		State:            c.state,
		ReconnectCount:   c.reconnectCount,
		ReconnectDelay:   c.currentDelay.Seconds(),
		MessagesReceived: c.messagesReceived,
		LastError:        c.lastError,
	}
	if c.state == StateConnected && !c.connectedAt.IsZero() {
		info.Uptime = time.Since(c.connectedAt).Seconds()
	}
	if !c.lastPing.IsZero() {
		info.LastPing = c.lastPing.Unix()
	}
	if !c.lastMessage.IsZero() {
		info.LastMessage = c.lastMessage.Unix()
	}
	return info
}

func (c *Client) setState(state ConnState, errMsg string) {
	c.mu.Lock()
	c.state = state
	c.lastError = errMsg
	c.mu.Unlock()
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
