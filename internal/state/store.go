// Package state keeps the daemon's in-memory mirror of the upstream
// collections: the front history ledger, members, and custom fronts. The
// current-fronters list is never stored on its own; it is recomputed from
// the ledger on every ledger mutation.
package state

import (
	"encoding/json"
	"log"
	"sort"
	"sync"
	"time"
)

// Cache is the best-effort disk mirror written after each mutation. All
// methods may fail without affecting in-memory state.
type Cache interface {
	SetFronters(fronters []FronterView) error
	SetMembers(members []Entity) error
	SetCustomFronts(customFronts []Entity) error
	SetMember(id string, member Entity) error
	SetCustomFront(id string, customFront Entity) error
	InvalidateMember(id string) error
	InvalidateCustomFront(id string) error
}

// Status summarises store contents for the status command.
type Status struct {
	Uptime           float64          `json:"uptime"`
	UpdateCount      uint64           `json:"update_count"`
	FronterCount     int              `json:"fronters_count"`
	MemberCount      int              `json:"members_count"`
	CustomFrontCount int              `json:"custom_fronts_count"`
	LastUpdates      map[string]int64 `json:"last_updates"`
}

// Store is the in-memory state mirror. One writer (the realtime client
// callback) and many readers (request handlers) share it; every mutation
// and its derived-view recompute happen under a single lock so readers
// never observe a partially-applied update.
type Store struct {
	cache Cache

	mu           sync.RWMutex
	ledger       map[string]FrontEntry
	members      map[string]Entity
	customFronts map[string]Entity
	fronters     []FrontEntry // derived: live ledger entries, startTime desc

	lastUpdates map[string]time.Time
	updateCount uint64
	startTime   time.Time
}

// New creates an empty store. cache may be nil to disable disk mirroring.
func New(cache Cache) *Store {
	return &Store{
		cache:        cache,
		ledger:       make(map[string]FrontEntry),
		members:      make(map[string]Entity),
		customFronts: make(map[string]Entity),
		lastUpdates:  make(map[string]time.Time),
		startTime:    time.Now(),
	}
}

// Seed replaces all collections wholesale. The ledger is reconstructed from
// the seeded fronters so later incremental updates merge against seeded
// history instead of starting from an empty ledger.
func (s *Store) Seed(fronters []FrontEntry, members []Entity, customFronts []Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	s.ledger = make(map[string]FrontEntry, len(fronters))
	for _, entry := range fronters {
		if entry.ID == "" {
			continue
		}
		s.ledger[entry.ID] = entry
	}

	s.members = make(map[string]Entity, len(members))
	for _, m := range members {
		if m.ID == "" {
			continue
		}
		s.members[m.ID] = m
	}

	s.customFronts = make(map[string]Entity, len(customFronts))
	for _, cf := range customFronts {
		if cf.ID == "" {
			continue
		}
		s.customFronts[cf.ID] = cf
	}

	s.recomputeFronters()
	s.lastUpdates["fronters"] = now
	s.lastUpdates["front_history"] = now
	s.lastUpdates["members"] = now
	s.lastUpdates["custom_fronts"] = now

	if s.cache != nil {
		if err := s.cache.SetFronters(s.resolveFronters()); err != nil {
			log.Printf("[State] Fronters cache write failed: %v", err)
		}
		if err := s.cache.SetMembers(s.memberList()); err != nil {
			log.Printf("[State] Members cache write failed: %v", err)
		}
		if err := s.cache.SetCustomFronts(s.customFrontList()); err != nil {
			log.Printf("[State] Custom fronts cache write failed: %v", err)
		}
	}

	log.Printf("[State] Seeded: %d ledger entries, %d members, %d custom fronts",
		len(s.ledger), len(s.members), len(s.customFronts))
}

// ApplyUpdate applies one upstream event. Events must arrive in the order
// received from the stream; Store relies on the caller (the realtime
// client's single read loop) for that ordering. The signature matches
// realtime.UpdateFunc so the store can be registered as the update callback
// directly.
func (s *Store) ApplyUpdate(target, operation, id string, content json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.updateCount++
	now := time.Now()

	switch Target(target) {
	case TargetFrontHistory:
		s.applyFrontHistory(Operation(operation), id, content)
		s.lastUpdates["front_history"] = now
		s.lastUpdates["fronters"] = now
	case TargetMembers:
		s.applyMember(Operation(operation), id, content)
		s.lastUpdates["members"] = now
	case TargetCustomFronts:
		s.applyCustomFront(Operation(operation), id, content)
		s.lastUpdates["custom_fronts"] = now
	default:
		// Collections we don't mirror (board messages etc.) still count
		// toward the update counter.
		s.lastUpdates[target] = now
	}
}

func (s *Store) applyFrontHistory(op Operation, id string, content json.RawMessage) {
	switch op {
	case OpDelete:
		if _, ok := s.ledger[id]; ok {
			delete(s.ledger, id)
			log.Printf("[State] Deleted front history entry %s", id)
		}
	default:
		// Insert and update are both full-replace upserts; an update for an
		// unseen id is an implicit insert.
		var entry FrontEntry
		if err := json.Unmarshal(content, &entry); err != nil {
			log.Printf("[State] Dropping malformed front history payload for %s: %v", id, err)
			return
		}
		entry.ID = id
		s.ledger[id] = entry
	}

	s.recomputeFronters()

	if s.cache != nil {
		if err := s.cache.SetFronters(s.resolveFronters()); err != nil {
			log.Printf("[State] Fronters cache write failed: %v", err)
		}
	}
}

func (s *Store) applyMember(op Operation, id string, content json.RawMessage) {
	switch op {
	case OpDelete:
		if _, ok := s.members[id]; ok {
			delete(s.members, id)
			log.Printf("[State] Deleted member %s", id)
		}
		if s.cache != nil {
			if err := s.cache.InvalidateMember(id); err != nil {
				log.Printf("[State] Member cache invalidation failed: %v", err)
			}
		}
	default:
		var member Entity
		if err := json.Unmarshal(content, &member); err != nil {
			log.Printf("[State] Dropping malformed member payload for %s: %v", id, err)
			return
		}
		member.ID = id
		s.members[id] = member
		if s.cache != nil {
			if err := s.cache.SetMember(id, member); err != nil {
				log.Printf("[State] Member cache write failed: %v", err)
			}
		}
	}

	if s.cache != nil {
		if err := s.cache.SetMembers(s.memberList()); err != nil {
			log.Printf("[State] Members cache write failed: %v", err)
		}
	}
}

func (s *Store) applyCustomFront(op Operation, id string, content json.RawMessage) {
	switch op {
	case OpDelete:
		if _, ok := s.customFronts[id]; ok {
			delete(s.customFronts, id)
			log.Printf("[State] Deleted custom front %s", id)
		}
		if s.cache != nil {
			if err := s.cache.InvalidateCustomFront(id); err != nil {
				log.Printf("[State] Custom front cache invalidation failed: %v", err)
			}
		}
	default:
		var cf Entity
		if err := json.Unmarshal(content, &cf); err != nil {
			log.Printf("[State] Dropping malformed custom front payload for %s: %v", id, err)
			return
		}
		cf.ID = id
		s.customFronts[id] = cf
		if s.cache != nil {
			if err := s.cache.SetCustomFront(id, cf); err != nil {
				log.Printf("[State] Custom front cache write failed: %v", err)
			}
		}
	}

	if s.cache != nil {
		if err := s.cache.SetCustomFronts(s.customFrontList()); err != nil {
			log.Printf("[State] Custom fronts cache write failed: %v", err)
		}
	}
}

// recomputeFronters rebuilds the derived current-fronters list from the
// ledger. Callers must hold the write lock.
func (s *Store) recomputeFronters() {
	live := make([]FrontEntry, 0, len(s.fronters))
	for _, entry := range s.ledger {
		if entry.Live {
			live = append(live, entry)
		}
	}
	sort.SliceStable(live, func(i, j int) bool {
		return live[i].StartTime > live[j].StartTime
	})
	s.fronters = live
}

// resolveFronters attaches entity names to the derived fronter list.
// Callers must hold at least the read lock.
func (s *Store) resolveFronters() []FronterView {
	views := make([]FronterView, len(s.fronters))
	for i, entry := range s.fronters {
		view := FronterView{Entry: entry, Type: "member"}
		if entry.Custom {
			view.Type = "custom_front"
			if cf, ok := s.customFronts[entry.EntityID]; ok {
				view.Name = cf.Name
			}
		} else if m, ok := s.members[entry.EntityID]; ok {
			view.Name = m.Name
		}
		if view.Name == "" {
			view.Name = fallbackName(entry.EntityID, entry.Status)
		}
		views[i] = view
	}
	return views
}

func (s *Store) memberList() []Entity {
	list := make([]Entity, 0, len(s.members))
	for _, m := range s.members {
		list = append(list, m)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

func (s *Store) customFrontList() []Entity {
	list := make([]Entity, 0, len(s.customFronts))
	for _, cf := range s.customFronts {
		list = append(list, cf)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// CurrentFronters returns the derived current-fronters view with names
// resolved, plus the time of the last fronters recompute.
func (s *Store) CurrentFronters() ([]FronterView, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resolveFronters(), s.lastUpdates["fronters"]
}

// Members returns all known members and the collection's last update time.
// Order is stable (by id) within a read.
func (s *Store) Members() ([]Entity, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.memberList(), s.lastUpdates["members"]
}

// CustomFronts returns all known custom fronts and the collection's last
// update time.
func (s *Store) CustomFronts() ([]Entity, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.customFrontList(), s.lastUpdates["custom_fronts"]
}

// Status returns counters for the status command.
func (s *Store) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	last := make(map[string]int64, len(s.lastUpdates))
	for k, v := range s.lastUpdates {
		last[k] = v.Unix()
	}

	return Status{
		Uptime:           time.Since(s.startTime).Seconds(),
		UpdateCount:      s.updateCount,
		FronterCount:     len(s.fronters),
		MemberCount:      len(s.members),
		CustomFrontCount: len(s.customFronts),
		LastUpdates:      last,
	}
}

func fallbackName(entityID, status string) string {
	short := entityID
	if len(short) > 8 {
		short = short[len(short)-8:]
	}
	short = "ID-" + short
	if status != "" {
		return short + " (" + status + ")"
	}
	return short
}
