package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/SiteRelEnby/simplyplural-cli/internal/state"
)

func newTestManager(t *testing.T, ttls TTLs) *Manager {
	t.Helper()
	m, err := New(t.TempDir(), ttls)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func TestSetGetRoundTrip(t *testing.T) {
	m := newTestManager(t, DefaultTTLs())

	members := []state.Entity{{ID: "mem-a", Name: "Alice"}}
	if err := m.SetMembers(members); err != nil {
		t.Fatalf("SetMembers: %v", err)
	}

	got, ok := m.GetMembers()
	if !ok {
		t.Fatalf("expected members cache hit")
	}
	if len(got) != 1 || got[0].Name != "Alice" {
		t.Fatalf("expected cached Alice, got %+v", got)
	}
}

func TestGetMissingKey(t *testing.T) {
	m := newTestManager(t, DefaultTTLs())
	if _, ok := m.Get("fronters"); ok {
		t.Fatalf("expected miss for unset key")
	}
}

func TestExpiredEntryIsMiss(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir, DefaultTTLs())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Write an envelope whose timestamp is far in the past.
	env := map[string]any{
		"data":      []state.Entity{{ID: "mem-a", Name: "Alice"}},
		"timestamp": float64(time.Now().Add(-2 * time.Hour).Unix()),
		"ttl":       300,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "members.json"), raw, 0o600); err != nil {
		t.Fatalf("write cache file: %v", err)
	}

	if _, ok := m.GetMembers(); ok {
		t.Fatalf("expected expired entry to miss")
	}
	if _, ok := m.StaleMembers(); !ok {
		t.Fatalf("expected stale read to return expired data")
	}
}

func TestCorruptFileRemovedOnRead(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir, DefaultTTLs())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	path := filepath.Join(dir, "fronters.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}

	if _, ok := m.Get("fronters"); ok {
		t.Fatalf("expected miss for corrupt file")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected corrupt file removed, stat err = %v", err)
	}
}

func TestInvalidateRemovesBothLayers(t *testing.T) {
	m := newTestManager(t, DefaultTTLs())

	if err := m.SetMember("mem-a", state.Entity{ID: "mem-a", Name: "Alice"}); err != nil {
		t.Fatalf("SetMember: %v", err)
	}
	if _, ok := m.GetMember("mem-a"); !ok {
		t.Fatalf("expected member cache hit before invalidation")
	}

	if err := m.InvalidateMember("mem-a"); err != nil {
		t.Fatalf("InvalidateMember: %v", err)
	}
	if _, ok := m.GetMember("mem-a"); ok {
		t.Fatalf("expected member cache miss after invalidation")
	}
}

func TestInvalidateMissingKeyIsNoError(t *testing.T) {
	m := newTestManager(t, DefaultTTLs())
	if err := m.Invalidate("never-set"); err != nil {
		t.Fatalf("Invalidate on missing key: %v", err)
	}
}

func TestClearAll(t *testing.T) {
	m := newTestManager(t, DefaultTTLs())

	if err := m.SetMembers([]state.Entity{{ID: "mem-a"}}); err != nil {
		t.Fatalf("SetMembers: %v", err)
	}
	if err := m.SetCustomFronts([]state.Entity{{ID: "cf-1"}}); err != nil {
		t.Fatalf("SetCustomFronts: %v", err)
	}

	if err := m.ClearAll(); err != nil {
		t.Fatalf("ClearAll: %v", err)
	}
	if _, ok := m.GetMembers(); ok {
		t.Fatalf("expected members cleared")
	}
	if _, ok := m.GetCustomFronts(); ok {
		t.Fatalf("expected custom fronts cleared")
	}
}

func TestInfoReportsEntries(t *testing.T) {
	m := newTestManager(t, DefaultTTLs())

	if err := m.SetFronters([]state.FronterView{{Name: "Alice", Type: "member"}}); err != nil {
		t.Fatalf("SetFronters: %v", err)
	}

	infos, err := m.Info()
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("expected 1 cache entry, got %d", len(infos))
	}
	info := infos[0]
	if info.Key != "fronters" {
		t.Fatalf("expected key fronters, got %q", info.Key)
	}
	if info.Expired {
		t.Fatalf("fresh entry reported expired")
	}
	if !info.InMemory {
		t.Fatalf("expected fresh write present in memory layer")
	}
	if info.TTL != int64(DefaultTTLs().Fronters/time.Second) {
		t.Fatalf("expected fronters TTL %d, got %d", int64(DefaultTTLs().Fronters/time.Second), info.TTL)
	}
}

func TestEnvelopeFormatOnDisk(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir, DefaultTTLs())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := m.SetMembers([]state.Entity{{ID: "mem-a", Name: "Alice"}}); err != nil {
		t.Fatalf("SetMembers: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "members.json"))
	if err != nil {
		t.Fatalf("read cache file: %v", err)
	}
	var env struct {
		Data      json.RawMessage `json:"data"`
		Timestamp float64         `json:"timestamp"`
		TTL       int64           `json:"ttl"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Data == nil || env.Timestamp == 0 || env.TTL == 0 {
		t.Fatalf("incomplete envelope: %s", raw)
	}

	// No stray temp files left behind.
	tmps, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(tmps) != 0 {
		t.Fatalf("expected no temp files, found %v", tmps)
	}
}
