// Package client talks to a running daemon over its per-profile Unix
// socket. One request per connection.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/SiteRelEnby/simplyplural-cli/internal/protocol"
	"github.com/SiteRelEnby/simplyplural-cli/internal/state"
)

const defaultTimeout = 5 * time.Second

// ErrDaemonNotRunning means the socket is absent or nothing is listening.
var ErrDaemonNotRunning = errors.New("daemon not running")

// Client issues requests against one daemon socket.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// New creates a client for the given socket path.
func New(socketPath string) *Client {
	return &Client{socketPath: socketPath, timeout: defaultTimeout}
}

// Call sends one command and returns the response payload.
func (c *Client) Call(command string) (json.RawMessage, error) {
	return c.call(protocol.NewRequest(command))
}

func (c *Client) call(req protocol.Request) (json.RawMessage, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDaemonNotRunning, err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(c.timeout))

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	var resp protocol.Response
	decoder := json.NewDecoder(io.LimitReader(conn, protocol.MaxMessageSize))
	if err := decoder.Decode(&resp); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.RequestID != req.RequestID {
		return nil, fmt.Errorf("response id %q does not match request id %q", resp.RequestID, req.RequestID)
	}
	if !resp.IsOK() {
		return nil, fmt.Errorf("daemon error: %s", resp.Error)
	}
	return resp.Data, nil
}

// Ping checks the daemon answers on its socket.
func (c *Client) Ping() error {
	data, err := c.Call(protocol.CommandPing)
	if err != nil {
		return err
	}
	var payload struct {
		Pong bool `json:"pong"`
	}
	if err := json.Unmarshal(data, &payload); err != nil || !payload.Pong {
		return fmt.Errorf("unexpected ping payload: %s", data)
	}
	return nil
}

// IsRunning reports whether a daemon answers on the socket.
func (c *Client) IsRunning() bool {
	return c.Ping() == nil
}

// StatusPayload is the daemon's status response.
type StatusPayload struct {
	WebSocket  json.RawMessage `json:"websocket"`
	State      state.Status    `json:"state"`
	SocketPath string          `json:"socket_path"`
	Profile    string          `json:"profile"`
	Version    string          `json:"version"`
	PID        int             `json:"pid"`
}

// Status fetches the daemon status snapshot.
func (c *Client) Status() (StatusPayload, error) {
	data, err := c.Call(protocol.CommandStatus)
	if err != nil {
		return StatusPayload{}, err
	}
	var payload StatusPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return StatusPayload{}, fmt.Errorf("decode status: %w", err)
	}
	return payload, nil
}

// Fronters fetches the current fronters and the time they last changed.
func (c *Client) Fronters() ([]state.FronterView, time.Time, error) {
	data, err := c.Call(protocol.CommandFronting)
	if err != nil {
		return nil, time.Time{}, err
	}
	var payload struct {
		Fronters  []state.FronterView `json:"fronters"`
		Timestamp int64               `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, time.Time{}, fmt.Errorf("decode fronters: %w", err)
	}
	return payload.Fronters, timeOrZero(payload.Timestamp), nil
}

// Members fetches the member list.
func (c *Client) Members() ([]state.Entity, time.Time, error) {
	data, err := c.Call(protocol.CommandMembers)
	if err != nil {
		return nil, time.Time{}, err
	}
	var payload struct {
		Members   []state.Entity `json:"members"`
		Timestamp int64          `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, time.Time{}, fmt.Errorf("decode members: %w", err)
	}
	return payload.Members, timeOrZero(payload.Timestamp), nil
}

// CustomFronts fetches the custom front list.
func (c *Client) CustomFronts() ([]state.Entity, time.Time, error) {
	data, err := c.Call(protocol.CommandCustomFronts)
	if err != nil {
		return nil, time.Time{}, err
	}
	var payload struct {
		CustomFronts []state.Entity `json:"custom_fronts"`
		Timestamp    int64          `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, time.Time{}, fmt.Errorf("decode custom fronts: %w", err)
	}
	return payload.CustomFronts, timeOrZero(payload.Timestamp), nil
}

func timeOrZero(unix int64) time.Time {
	if unix == 0 {
		return time.Time{}
	}
	return time.Unix(unix, 0)
}
