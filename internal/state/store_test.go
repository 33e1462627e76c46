package state

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"testing"
)

func entryContent(t *testing.T, entityID string, startTime int64, live, custom bool) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"member":    entityID,
		"startTime": startTime,
		"live":      live,
		"custom":    custom,
	})
	if err != nil {
		t.Fatalf("marshal entry content: %v", err)
	}
	return raw
}

func entityContent(t *testing.T, name string) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"name": name})
	if err != nil {
		t.Fatalf("marshal entity content: %v", err)
	}
	return raw
}

func TestFrontersDerivedFromLedger(t *testing.T) {
	s := New(nil)

	s.ApplyUpdate("members", "insert", "mem-a", entityContent(t, "Alice"))
	s.ApplyUpdate("frontHistory", "insert", "fh-1", entryContent(t, "mem-a", 100, true, false))
	s.ApplyUpdate("frontHistory", "insert", "fh-2", entryContent(t, "mem-b", 200, true, false))
	s.ApplyUpdate("frontHistory", "insert", "fh-3", entryContent(t, "mem-c", 300, false, false))

	fronters, _ := s.CurrentFronters()
	if len(fronters) != 2 {
		t.Fatalf("expected 2 live fronters, got %d", len(fronters))
	}
	if fronters[0].Entry.ID != "fh-2" || fronters[1].Entry.ID != "fh-1" {
		t.Fatalf("expected newest-first order [fh-2 fh-1], got [%s %s]",
			fronters[0].Entry.ID, fronters[1].Entry.ID)
	}
	if fronters[1].Name != "Alice" {
		t.Fatalf("expected resolved name Alice, got %q", fronters[1].Name)
	}
	if fronters[0].Name == "" {
		t.Fatalf("expected fallback name for unknown entity, got empty string")
	}
}

func TestUpdateIsFullReplace(t *testing.T) {
	s := New(nil)

	s.ApplyUpdate("frontHistory", "insert", "fh-1", entryContent(t, "mem-a", 100, true, false))
	s.ApplyUpdate("frontHistory", "update", "fh-1", entryContent(t, "mem-a", 100, false, false))

	fronters, _ := s.CurrentFronters()
	if len(fronters) != 0 {
		t.Fatalf("expected entry gone from fronters after live flip, got %d", len(fronters))
	}

	// Applying the same update twice leaves state unchanged.
	before := s.Status()
	s.ApplyUpdate("frontHistory", "update", "fh-1", entryContent(t, "mem-a", 100, false, false))
	after := s.Status()
	if after.FronterCount != before.FronterCount {
		t.Fatalf("idempotent replay changed fronter count: %d -> %d",
			before.FronterCount, after.FronterCount)
	}
	if after.UpdateCount != before.UpdateCount+1 {
		t.Fatalf("expected update count %d, got %d", before.UpdateCount+1, after.UpdateCount)
	}
}

func TestUpdateForUnseenIDIsInsert(t *testing.T) {
	s := New(nil)
	s.ApplyUpdate("frontHistory", "update", "fh-new", entryContent(t, "mem-a", 50, true, false))

	fronters, _ := s.CurrentFronters()
	if len(fronters) != 1 {
		t.Fatalf("expected update on unseen id to insert, got %d fronters", len(fronters))
	}
}

func TestRepeatedEventIsIdempotent(t *testing.T) {
	s := New(nil)

	content := entryContent(t, "mem-a", 100, true, false)
	s.ApplyUpdate("frontHistory", "insert", "fh-1", content)
	once, _ := s.CurrentFronters()

	s.ApplyUpdate("frontHistory", "insert", "fh-1", content)
	s.ApplyUpdate("frontHistory", "update", "fh-1", content)
	twice, _ := s.CurrentFronters()

	if len(once) != 1 || len(twice) != 1 {
		t.Fatalf("expected 1 fronter before and after replay, got %d and %d", len(once), len(twice))
	}
	if twice[0].Entry.ID != once[0].Entry.ID || twice[0].Entry.StartTime != once[0].Entry.StartTime {
		t.Fatalf("replayed event changed the entry: %+v vs %+v", once[0].Entry, twice[0].Entry)
	}
}

func TestOrderSensitivity(t *testing.T) {
	content := func() json.RawMessage { return entryContent(t, "mem-a", 100, true, false) }

	insertThenDelete := New(nil)
	insertThenDelete.ApplyUpdate("frontHistory", "insert", "fh-1", content())
	insertThenDelete.ApplyUpdate("frontHistory", "delete", "fh-1", nil)
	if f, _ := insertThenDelete.CurrentFronters(); len(f) != 0 {
		t.Fatalf("insert-then-delete: expected empty, got %d", len(f))
	}

	deleteThenInsert := New(nil)
	deleteThenInsert.ApplyUpdate("frontHistory", "delete", "fh-1", nil)
	deleteThenInsert.ApplyUpdate("frontHistory", "insert", "fh-1", content())
	if f, _ := deleteThenInsert.CurrentFronters(); len(f) != 1 {
		t.Fatalf("delete-then-insert: expected 1 fronter, got %d", len(f))
	}
}

func TestUnknownDeleteIsNoOp(t *testing.T) {
	s := New(nil)
	s.ApplyUpdate("frontHistory", "insert", "fh-1", entryContent(t, "mem-a", 100, true, false))

	s.ApplyUpdate("frontHistory", "delete", "never-seen", nil)
	s.ApplyUpdate("members", "delete", "never-seen", nil)

	if f, _ := s.CurrentFronters(); len(f) != 1 {
		t.Fatalf("expected existing state untouched, got %d fronters", len(f))
	}
	if st := s.Status(); st.UpdateCount != 3 {
		t.Fatalf("expected update count 3, got %d", st.UpdateCount)
	}
}

func TestSeedReconstructsLedger(t *testing.T) {
	s := New(nil)

	end := int64(90)
	s.Seed(
		[]FrontEntry{
			{ID: "fh-1", EntityID: "mem-a", StartTime: 100, Live: true},
			{ID: "fh-0", EntityID: "mem-b", StartTime: 10, EndTime: &end, Live: false},
		},
		[]Entity{{ID: "mem-a", Name: "Alice"}},
		nil,
	)

	fronters, _ := s.CurrentFronters()
	if len(fronters) != 1 || fronters[0].Entry.ID != "fh-1" {
		t.Fatalf("expected seeded live entry fh-1, got %+v", fronters)
	}

	// A delete for a seeded entry must find it in the ledger.
	s.ApplyUpdate("frontHistory", "delete", "fh-1", nil)
	if f, _ := s.CurrentFronters(); len(f) != 0 {
		t.Fatalf("expected fronters empty after deleting seeded entry, got %d", len(f))
	}
}

func TestUnknownTargetCountsUpdate(t *testing.T) {
	s := New(nil)
	s.ApplyUpdate("chatMessages", "insert", "msg-1", json.RawMessage(`{}`))
	if st := s.Status(); st.UpdateCount != 1 {
		t.Fatalf("expected update count 1, got %d", st.UpdateCount)
	}
}

func TestMalformedContentDropped(t *testing.T) {
	s := New(nil)
	s.ApplyUpdate("frontHistory", "insert", "fh-1", json.RawMessage(`not json`))
	if f, _ := s.CurrentFronters(); len(f) != 0 {
		t.Fatalf("expected malformed payload dropped, got %d fronters", len(f))
	}
}

func TestConcurrentReadsSeeConsistentState(t *testing.T) {
	s := New(nil)
	s.ApplyUpdate("members", "insert", "mem-a", entityContent(t, "Alice"))

	var wg sync.WaitGroup
	stop := make(chan struct{})

	// Writer flips a single entry between live and retired.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			live := i%2 == 0
			s.ApplyUpdate("frontHistory", "update", "fh-1", entryContent(t, "mem-a", 100, live, false))
		}
		close(stop)
	}()

	errs := make(chan error, 4)
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				fronters, _ := s.CurrentFronters()
				if n := len(fronters); n != 0 && n != 1 {
					select {
					case errs <- fmt.Errorf("observed %d fronters for a single-entry ledger", n):
					default:
					}
					return
				}
			}
		}()
	}

	wg.Wait()
	select {
	case err := <-errs:
		t.Fatal(err)
	default:
	}
}

func TestRandomizedSequencesKeepInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 20; trial++ {
		s := New(nil)
		live := make(map[string]bool)

		for step := 0; step < 200; step++ {
			id := fmt.Sprintf("fh-%d", rng.Intn(25))
			switch rng.Intn(3) {
			case 0:
				delete(live, id)
				s.ApplyUpdate("frontHistory", "delete", id, nil)
			default:
				isLive := rng.Intn(2) == 0
				live[id] = isLive
				s.ApplyUpdate("frontHistory", "update", id,
					entryContent(t, "mem-a", int64(rng.Intn(1000)), isLive, false))
			}
		}

		want := 0
		for _, isLive := range live {
			if isLive {
				want++
			}
		}

		fronters, _ := s.CurrentFronters()
		if len(fronters) != want {
			t.Fatalf("trial %d: expected %d live fronters, got %d", trial, want, len(fronters))
		}
		for i := 1; i < len(fronters); i++ {
			if fronters[i-1].Entry.StartTime < fronters[i].Entry.StartTime {
				t.Fatalf("trial %d: fronters not sorted newest-first at index %d", trial, i)
			}
		}
	}
}

type recordingCache struct {
	mu               sync.Mutex
	fronterWrites    int
	memberWrites     int
	invalidatedIDs   []string
	lastFronterViews []FronterView
}

func (c *recordingCache) SetFronters(f []FronterView) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fronterWrites++
	c.lastFronterViews = f
	return nil
}

func (c *recordingCache) SetMembers([]Entity) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.memberWrites++
	return nil
}

func (c *recordingCache) SetCustomFronts([]Entity) error { return nil }

func (c *recordingCache) SetMember(string, Entity) error { return nil }

func (c *recordingCache) SetCustomFront(string, Entity) error { return nil }

func (c *recordingCache) InvalidateMember(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidatedIDs = append(c.invalidatedIDs, id)
	return nil
}

func (c *recordingCache) InvalidateCustomFront(string) error { return nil }

func TestCacheWrittenOnMutation(t *testing.T) {
	cache := &recordingCache{}
	s := New(cache)

	s.ApplyUpdate("members", "insert", "mem-a", entityContent(t, "Alice"))
	s.ApplyUpdate("frontHistory", "insert", "fh-1", entryContent(t, "mem-a", 100, true, false))
	s.ApplyUpdate("members", "delete", "mem-a", nil)

	cache.mu.Lock()
	defer cache.mu.Unlock()
	if cache.fronterWrites != 1 {
		t.Fatalf("expected 1 fronters cache write, got %d", cache.fronterWrites)
	}
	if cache.memberWrites != 2 {
		t.Fatalf("expected 2 members cache writes, got %d", cache.memberWrites)
	}
	if len(cache.invalidatedIDs) != 1 || cache.invalidatedIDs[0] != "mem-a" {
		t.Fatalf("expected mem-a invalidated, got %v", cache.invalidatedIDs)
	}
	if len(cache.lastFronterViews) != 1 || cache.lastFronterViews[0].Name != "Alice" {
		t.Fatalf("expected cached fronters with resolved name, got %+v", cache.lastFronterViews)
	}
}

func TestStatusCounters(t *testing.T) {
	s := New(nil)
	s.Seed(
		[]FrontEntry{{ID: "fh-1", EntityID: "mem-a", StartTime: 100, Live: true}},
		[]Entity{{ID: "mem-a", Name: "Alice"}, {ID: "mem-b", Name: "Bob"}},
		[]Entity{{ID: "cf-1", Name: "Work"}},
	)
	s.ApplyUpdate("frontHistory", "insert", "fh-2",
		entryContent(t, "cf-1", 200, true, true))

	st := s.Status()
	if st.FronterCount != 2 {
		t.Fatalf("expected 2 fronters, got %d", st.FronterCount)
	}
	if st.MemberCount != 2 || st.CustomFrontCount != 1 {
		t.Fatalf("expected 2 members / 1 custom front, got %d / %d",
			st.MemberCount, st.CustomFrontCount)
	}
	if st.UpdateCount != 1 {
		t.Fatalf("expected update count 1 after seed+one update, got %d", st.UpdateCount)
	}
	if st.Uptime < 0 {
		t.Fatalf("expected non-negative uptime, got %f", st.Uptime)
	}
	if _, ok := st.LastUpdates["fronters"]; !ok {
		t.Fatalf("expected fronters last-update timestamp, missing: %v", st.LastUpdates)
	}

	fronters, ts := s.CurrentFronters()
	if fronters[0].Type != "custom_front" || fronters[0].Name != "Work" {
		t.Fatalf("expected custom front Work first, got %+v", fronters[0])
	}
	if ts.IsZero() {
		t.Fatalf("expected non-zero fronters timestamp")
	}
}
