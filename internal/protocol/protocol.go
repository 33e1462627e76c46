// Package protocol defines the request/response vocabulary spoken between
// CLI clients and the daemon over the per-profile Unix socket.
package protocol

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Version is the current daemon protocol version.
const Version = 1

// MaxMessageSize bounds a single request or response on the wire.
const MaxMessageSize = 1 << 20 // 1 MiB

// Commands understood by the daemon.
const (
	CommandPing         = "ping"
	CommandStatus       = "status"
	CommandFronting     = "fronting"
	CommandMembers      = "members"
	CommandCustomFronts = "custom-fronts"

	// Reserved commands. The daemon answers these with an explicit
	// not-implemented error rather than silently succeeding.
	CommandSwitch = "switch"
	CommandReload = "reload"
)

// Response status values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Request is a single client request to the daemon.
type Request struct {
	Version   int             `json:"version"`
	Command   string          `json:"command"`
	Args      json.RawMessage `json:"args,omitempty"`
	RequestID string          `json:"request_id"`
}

// Response is the daemon's reply. RequestID always echoes the request's id.
// Exactly one of Data and Error carries content.
type Response struct {
	Version   int             `json:"version"`
	Status    string          `json:"status"`
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error,omitempty"`
	RequestID string          `json:"request_id"`
}

// NewRequest builds a request for the given command with a fresh request id.
func NewRequest(command string) Request {
	return Request{
		Version:   Version,
		Command:   command,
		RequestID: uuid.NewString(),
	}
}

// OK builds a success response carrying data, which must marshal cleanly.
func OK(requestID string, data any) Response {
	payload, err := json.Marshal(data)
	if err != nil {
		return Error(requestID, "failed to encode response data: "+err.Error())
	}
	return Response{
		Version:   Version,
		Status:    StatusOK,
		Data:      payload,
		RequestID: requestID,
	}
}

// Error builds an error response.
func Error(requestID, message string) Response {
	return Response{
		Version:   Version,
		Status:    StatusError,
		Error:     message,
		RequestID: requestID,
	}
}

// IsOK reports whether the response carries a successful status.
func (r Response) IsOK() bool {
	return r.Status == StatusOK
}
