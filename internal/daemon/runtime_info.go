package daemon

import (
	"sync"
	"time"
)

// RuntimeInfo stores runtime metadata exposed to clients.
type RuntimeInfo struct {
	mu          sync.RWMutex
	profileName string
	socketPath  string
	startTime   time.Time
}

// SetProfileName records the profile the daemon was started for.
func (r *RuntimeInfo) SetProfileName(name string) {
	r.mu.Lock()
	r.profileName = name
	r.mu.Unlock()
}

// ProfileName returns the active profile name.
func (r *RuntimeInfo) ProfileName() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.profileName
}

// SetSocketPath records the IPC socket path being served.
func (r *RuntimeInfo) SetSocketPath(path string) {
	r.mu.Lock()
	r.socketPath = path
	r.mu.Unlock()
}

// SocketPath returns the IPC socket path.
func (r *RuntimeInfo) SocketPath() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.socketPath
}

// SetStartTime records the daemon start time.
func (r *RuntimeInfo) SetStartTime(t time.Time) {
	r.mu.Lock()
	r.startTime = t
	r.mu.Unlock()
}

// StartTime returns the daemon start time.
func (r *RuntimeInfo) StartTime() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.startTime
}
