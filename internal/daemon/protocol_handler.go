package daemon

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"time"

	"github.com/SiteRelEnby/simplyplural-cli/internal/protocol"
	"github.com/SiteRelEnby/simplyplural-cli/internal/realtime"
	"github.com/SiteRelEnby/simplyplural-cli/internal/state"
	"github.com/SiteRelEnby/simplyplural-cli/internal/version"
)

const requestTimeout = 5 * time.Second

// ProtocolHandler serves one IPC connection: a single request, a single
// response, then close.
type ProtocolHandler struct {
	store       *state.Store
	realtime    *realtime.Client
	runtimeInfo *RuntimeInfo
	conn        net.Conn
}

// NewProtocolHandler creates a handler bound to conn.
func NewProtocolHandler(store *state.Store, rt *realtime.Client, info *RuntimeInfo, conn net.Conn) *ProtocolHandler {
	return &ProtocolHandler{
		store:       store,
		realtime:    rt,
		runtimeInfo: info,
		conn:        conn,
	}
}

// Handle reads the request, dispatches it, writes the response, and closes
// the connection. Deadlines bound both directions so a stuck client cannot
// pin the daemon.
func (h *ProtocolHandler) Handle() {
	defer h.conn.Close()

	h.conn.SetDeadline(time.Now().Add(requestTimeout))

	var req protocol.Request
	decoder := json.NewDecoder(io.LimitReader(h.conn, protocol.MaxMessageSize))
	if err := decoder.Decode(&req); err != nil {
		if err != io.EOF {
			h.send(protocol.Error(req.RequestID, fmt.Sprintf("failed to decode request: %v", err)))
		}
		return
	}

	if req.Version != protocol.Version {
		log.Printf("[IPC] Client protocol version %d, daemon speaks %d", req.Version, protocol.Version)
	}

	h.send(h.handleRequest(&req))
}

func (h *ProtocolHandler) handleRequest(req *protocol.Request) protocol.Response {
	switch req.Command {
	case protocol.CommandPing:
		return protocol.OK(req.RequestID, map[string]any{"pong": true})
	case protocol.CommandStatus:
		return h.handleStatus(req)
	case protocol.CommandFronting:
		fronters, ts := h.store.CurrentFronters()
		return protocol.OK(req.RequestID, map[string]any{
			"fronters":  fronters,
			"timestamp": unixOrZero(ts),
		})
	case protocol.CommandMembers:
		members, ts := h.store.Members()
		return protocol.OK(req.RequestID, map[string]any{
			"members":   members,
			"timestamp": unixOrZero(ts),
		})
	case protocol.CommandCustomFronts:
		customFronts, ts := h.store.CustomFronts()
		return protocol.OK(req.RequestID, map[string]any{
			"custom_fronts": customFronts,
			"timestamp":     unixOrZero(ts),
		})
	case protocol.CommandSwitch:
		return protocol.Error(req.RequestID, "switch is not handled by the daemon; the CLI registers switches against the API directly")
	case protocol.CommandReload:
		return protocol.Error(req.RequestID, "reload not yet implemented; restart the daemon to force a reseed")
	default:
		return protocol.Error(req.RequestID, fmt.Sprintf("unknown command: %s", req.Command))
	}
}

func (h *ProtocolHandler) handleStatus(req *protocol.Request) protocol.Response {
	return protocol.OK(req.RequestID, map[string]any{
		"websocket":   h.realtime.Status(),
		"state":       h.store.Status(),
		"socket_path": h.runtimeInfo.SocketPath(),
		"profile":     h.runtimeInfo.ProfileName(),
		"version":     version.String(),
		"pid":         os.Getpid(),
	})
}

func (h *ProtocolHandler) send(resp protocol.Response) {
	if err := json.NewEncoder(h.conn).Encode(resp); err != nil {
		log.Printf("[IPC] Failed to write response: %v", err)
	}
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
