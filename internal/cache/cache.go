// Package cache stores API responses on disk so reads survive daemon
// restarts and offline stretches. Entries are JSON files carrying the data
// plus write timestamp and TTL; a small in-memory layer fronts the files
// for hot keys.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/SiteRelEnby/simplyplural-cli/internal/state"
)

const memoryTTL = 5 * time.Minute

// TTLs configures per-collection file cache lifetimes.
type TTLs struct {
	Fronters     time.Duration
	Members      time.Duration
	CustomFronts time.Duration
}

// DefaultTTLs mirrors the config store defaults.
func DefaultTTLs() TTLs {
	return TTLs{
		Fronters:     5 * time.Minute,
		Members:      time.Hour,
		CustomFronts: time.Hour,
	}
}

type envelope struct {
	Data      json.RawMessage `json:"data"`
	Timestamp float64         `json:"timestamp"`
	TTL       int64           `json:"ttl"`
}

func (e envelope) expired(now time.Time) bool {
	age := now.Sub(time.Unix(0, int64(e.Timestamp*float64(time.Second))))
	return age > time.Duration(e.TTL)*time.Second
}

type memoryEntry struct {
	data    json.RawMessage
	written time.Time
}

// Manager is a file-per-key cache rooted at one directory. It is safe for
// concurrent use.
type Manager struct {
	dir  string
	ttls TTLs

	mu     sync.Mutex
	memory map[string]memoryEntry
}

// Keys for the mirrored collections. Per-entity entries use the
// KeyMemberPrefix/KeyCustomFrontPrefix plus the entity id.
const (
	KeyFronters          = "fronters"
	KeyMembers           = "members"
	KeyCustomFronts      = "custom_fronts"
	KeyMemberPrefix      = "member_"
	KeyCustomFrontPrefix = "custom_front_"
)

// New creates the cache directory if needed.
func New(dir string, ttls TTLs) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	return &Manager{
		dir:    dir,
		ttls:   ttls,
		memory: make(map[string]memoryEntry),
	}, nil
}

func (m *Manager) filePath(key string) string {
	return filepath.Join(m.dir, key+".json")
}

func (m *Manager) ttlFor(key string) time.Duration {
	switch {
	case key == KeyFronters:
		return m.ttls.Fronters
	case key == KeyMembers || strings.HasPrefix(key, KeyMemberPrefix):
		return m.ttls.Members
	case key == KeyCustomFronts || strings.HasPrefix(key, KeyCustomFrontPrefix):
		return m.ttls.CustomFronts
	default:
		return time.Hour
	}
}

// Set writes a key atomically: marshal, write a temp file in the cache
// directory, then rename over the destination.
func (m *Manager) Set(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value for %s: %w", key, err)
	}

	now := time.Now()
	env := envelope{
		Data:      data,
		Timestamp: float64(now.UnixNano()) / float64(time.Second),
		TTL:       int64(m.ttlFor(key) / time.Second),
	}
	raw, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cache envelope for %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(m.dir, key+".*.tmp")
	if err != nil {
		return fmt.Errorf("create cache temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write cache temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync cache temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close cache temp file: %w", err)
	}
	if err := os.Rename(tmpPath, m.filePath(key)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace cache file for %s: %w", key, err)
	}

	m.mu.Lock()
	m.memory[key] = memoryEntry{data: data, written: now}
	m.mu.Unlock()
	return nil
}

// Get returns the raw cached data for key, or false when absent or
// expired. Corrupt files are removed on read.
func (m *Manager) Get(key string) (json.RawMessage, bool) {
	now := time.Now()

	m.mu.Lock()
	if entry, ok := m.memory[key]; ok {
		if now.Sub(entry.written) <= memoryTTL {
			m.mu.Unlock()
			return entry.data, true
		}
		delete(m.memory, key)
	}
	m.mu.Unlock()

	env, err := m.loadFile(key)
	if err != nil {
		return nil, false
	}
	if env.expired(now) {
		return nil, false
	}

	m.mu.Lock()
	m.memory[key] = memoryEntry{data: env.Data, written: now}
	m.mu.Unlock()
	return env.Data, true
}

// GetStale returns the cached data for key even when expired. Used for
// seeding when the API is unreachable.
func (m *Manager) GetStale(key string) (json.RawMessage, bool) {
	m.mu.Lock()
	if entry, ok := m.memory[key]; ok {
		m.mu.Unlock()
		return entry.data, true
	}
	m.mu.Unlock()

	env, err := m.loadFile(key)
	if err != nil {
		return nil, false
	}
	return env.Data, true
}

func (m *Manager) loadFile(key string) (envelope, error) {
	raw, err := os.ReadFile(m.filePath(key))
	if err != nil {
		return envelope{}, err
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Data == nil {
		os.Remove(m.filePath(key))
		if err == nil {
			err = errors.New("cache envelope missing data")
		}
		return envelope{}, err
	}
	return env, nil
}

// Invalidate removes a key from both layers.
func (m *Manager) Invalidate(key string) error {
	m.mu.Lock()
	delete(m.memory, key)
	m.mu.Unlock()

	if err := os.Remove(m.filePath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove cache file for %s: %w", key, err)
	}
	return nil
}

// ClearAll removes every cached file and empties the memory layer.
func (m *Manager) ClearAll() error {
	m.mu.Lock()
	m.memory = make(map[string]memoryEntry)
	m.mu.Unlock()

	matches, err := filepath.Glob(filepath.Join(m.dir, "*.json"))
	if err != nil {
		return err
	}
	for _, path := range matches {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", path, err)
		}
	}
	return nil
}

// EntryInfo describes one cached file for diagnostics.
type EntryInfo struct {
	Key      string `json:"key"`
	Age      int64  `json:"age_seconds"`
	TTL      int64  `json:"ttl_seconds"`
	Expired  bool   `json:"expired"`
	InMemory bool   `json:"in_memory"`
	Size     int64  `json:"file_size"`
}

// Info lists all cached files with age and expiry.
func (m *Manager) Info() ([]EntryInfo, error) {
	matches, err := filepath.Glob(filepath.Join(m.dir, "*.json"))
	if err != nil {
		return nil, err
	}

	now := time.Now()
	infos := make([]EntryInfo, 0, len(matches))
	for _, path := range matches {
		key := strings.TrimSuffix(filepath.Base(path), ".json")
		env, err := m.loadFile(key)
		if err != nil {
			continue
		}
		stat, err := os.Stat(path)
		if err != nil {
			continue
		}
		m.mu.Lock()
		_, inMemory := m.memory[key]
		m.mu.Unlock()
		infos = append(infos, EntryInfo{
			Key:      key,
			Age:      int64(now.Sub(time.Unix(0, int64(env.Timestamp*float64(time.Second)))) / time.Second),
			TTL:      env.TTL,
			Expired:  env.expired(now),
			InMemory: inMemory,
			Size:     stat.Size(),
		})
	}
	return infos, nil
}

// Typed accessors for the mirrored collections. The setter half satisfies
// state.Cache.

func (m *Manager) SetFronters(fronters []state.FronterView) error {
	return m.Set(KeyFronters, fronters)
}

func (m *Manager) GetFronters() ([]state.FronterView, bool) {
	return getTyped[[]state.FronterView](m, KeyFronters, false)
}

// StaleFronters ignores expiry; for offline seeding.
func (m *Manager) StaleFronters() ([]state.FronterView, bool) {
	return getTyped[[]state.FronterView](m, KeyFronters, true)
}

func (m *Manager) SetMembers(members []state.Entity) error {
	return m.Set(KeyMembers, members)
}

func (m *Manager) GetMembers() ([]state.Entity, bool) {
	return getTyped[[]state.Entity](m, KeyMembers, false)
}

func (m *Manager) StaleMembers() ([]state.Entity, bool) {
	return getTyped[[]state.Entity](m, KeyMembers, true)
}

func (m *Manager) SetCustomFronts(customFronts []state.Entity) error {
	return m.Set(KeyCustomFronts, customFronts)
}

func (m *Manager) GetCustomFronts() ([]state.Entity, bool) {
	return getTyped[[]state.Entity](m, KeyCustomFronts, false)
}

func (m *Manager) StaleCustomFronts() ([]state.Entity, bool) {
	return getTyped[[]state.Entity](m, KeyCustomFronts, true)
}

func (m *Manager) SetMember(id string, member state.Entity) error {
	return m.Set(KeyMemberPrefix+id, member)
}

func (m *Manager) GetMember(id string) (state.Entity, bool) {
	return getTyped[state.Entity](m, KeyMemberPrefix+id, false)
}

func (m *Manager) InvalidateMember(id string) error {
	return m.Invalidate(KeyMemberPrefix + id)
}

func (m *Manager) SetCustomFront(id string, customFront state.Entity) error {
	return m.Set(KeyCustomFrontPrefix+id, customFront)
}

func (m *Manager) GetCustomFront(id string) (state.Entity, bool) {
	return getTyped[state.Entity](m, KeyCustomFrontPrefix+id, false)
}

func (m *Manager) InvalidateCustomFront(id string) error {
	return m.Invalidate(KeyCustomFrontPrefix + id)
}

func getTyped[T any](m *Manager, key string, stale bool) (T, bool) {
	var value T
	var raw json.RawMessage
	var ok bool
	if stale {
		raw, ok = m.GetStale(key)
	} else {
		raw, ok = m.Get(key)
	}
	if !ok {
		return value, false
	}
	if err := json.Unmarshal(raw, &value); err != nil {
		return value, false
	}
	return value, true
}
