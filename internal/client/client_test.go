package client

import (
	"encoding/json"
	"errors"
	"net"
	"path/filepath"
	"strings"
	"testing"

	"github.com/SiteRelEnby/simplyplural-cli/internal/protocol"
)

// fakeDaemon answers one request per connection, like the real socket
// service. The respond callback picks the reply for each request.
func fakeDaemon(t *testing.T, respond func(protocol.Request) protocol.Response) string {
	t.Helper()

	socketPath := filepath.Join(t.TempDir(), "daemon.sock")
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("failed to listen on %s: %v", socketPath, err)
	}
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				var req protocol.Request
				if err := json.NewDecoder(conn).Decode(&req); err != nil {
					return
				}
				json.NewEncoder(conn).Encode(respond(req))
			}(conn)
		}
	}()

	return socketPath
}

func okResponse(req protocol.Request, data any) protocol.Response {
	return protocol.OK(req.RequestID, data)
}

func TestPing(t *testing.T) {
	socketPath := fakeDaemon(t, func(req protocol.Request) protocol.Response {
		if req.Command != protocol.CommandPing {
			t.Errorf("unexpected command %q", req.Command)
		}
		return okResponse(req, map[string]bool{"pong": true})
	})

	c := New(socketPath)
	if err := c.Ping(); err != nil {
		t.Fatalf("Ping returned error: %v", err)
	}
	if !c.IsRunning() {
		t.Fatal("IsRunning should report true")
	}
}

func TestPingRejectsUnexpectedPayload(t *testing.T) {
	socketPath := fakeDaemon(t, func(req protocol.Request) protocol.Response {
		return okResponse(req, map[string]string{"unexpected": "payload"})
	})

	if err := New(socketPath).Ping(); err == nil {
		t.Fatal("expected error for payload without pong")
	}
}

func TestDaemonNotRunning(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "absent.sock"))

	_, err := c.Call(protocol.CommandPing)
	if !errors.Is(err, ErrDaemonNotRunning) {
		t.Fatalf("expected ErrDaemonNotRunning, got %v", err)
	}
	if c.IsRunning() {
		t.Fatal("IsRunning should report false")
	}
}

func TestDaemonErrorPropagated(t *testing.T) {
	socketPath := fakeDaemon(t, func(req protocol.Request) protocol.Response {
		return protocol.Error(req.RequestID, "unknown command: "+req.Command)
	})

	_, err := New(socketPath).Call("bogus")
	if err == nil {
		t.Fatal("expected error response to surface")
	}
	if !strings.Contains(err.Error(), "unknown command: bogus") {
		t.Fatalf("expected daemon error message, got %v", err)
	}
}

func TestRequestIDMismatchRejected(t *testing.T) {
	socketPath := fakeDaemon(t, func(req protocol.Request) protocol.Response {
		resp := okResponse(req, map[string]bool{"pong": true})
		resp.RequestID = "someone-else"
		return resp
	})

	_, err := New(socketPath).Call(protocol.CommandPing)
	if err == nil {
		t.Fatal("expected mismatched request id to be rejected")
	}
	if !strings.Contains(err.Error(), "does not match") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestStatusDecodesPayload(t *testing.T) {
	socketPath := fakeDaemon(t, func(req protocol.Request) protocol.Response {
		return okResponse(req, map[string]any{
			"websocket":   map[string]string{"state": "connected"},
			"state":       map[string]any{"update_count": 7},
			"socket_path": "/tmp/sp-daemon-default.sock",
			"profile":     "default",
			"version":     "0.3.0",
			"pid":         4242,
		})
	})

	status, err := New(socketPath).Status()
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if status.Profile != "default" {
		t.Fatalf("expected profile default, got %q", status.Profile)
	}
	if status.PID != 4242 {
		t.Fatalf("expected pid 4242, got %d", status.PID)
	}
	if status.State.UpdateCount != 7 {
		t.Fatalf("expected update count 7, got %d", status.State.UpdateCount)
	}
	if !strings.Contains(string(status.WebSocket), "connected") {
		t.Fatalf("websocket payload lost: %s", status.WebSocket)
	}
}

func TestFrontersTimestamp(t *testing.T) {
	socketPath := fakeDaemon(t, func(req protocol.Request) protocol.Response {
		return okResponse(req, map[string]any{
			"fronters":  []map[string]any{{"id": "fh-1", "member": "mem-1", "live": true, "name": "Alice", "type": "member"}},
			"timestamp": int64(1700000000),
		})
	})

	fronters, ts, err := New(socketPath).Fronters()
	if err != nil {
		t.Fatalf("Fronters returned error: %v", err)
	}
	if len(fronters) != 1 {
		t.Fatalf("expected 1 fronter, got %d", len(fronters))
	}
	if fronters[0].Name != "Alice" {
		t.Fatalf("expected resolved name Alice, got %q", fronters[0].Name)
	}
	if ts.Unix() != 1700000000 {
		t.Fatalf("expected timestamp 1700000000, got %d", ts.Unix())
	}
}

func TestZeroTimestampMeansNever(t *testing.T) {
	socketPath := fakeDaemon(t, func(req protocol.Request) protocol.Response {
		return okResponse(req, map[string]any{"members": []any{}, "timestamp": 0})
	})

	_, ts, err := New(socketPath).Members()
	if err != nil {
		t.Fatalf("Members returned error: %v", err)
	}
	if !ts.IsZero() {
		t.Fatalf("expected zero time for timestamp 0, got %v", ts)
	}
}
