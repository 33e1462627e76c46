package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := NewClient("test-token", Options{BaseURL: srv.URL, MaxRetries: 2})
	return client, srv
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Errorf("encode response: %v", err)
	}
}

func TestAuthHeaderIsRawToken(t *testing.T) {
	var gotAuth, gotUA string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotUA = r.Header.Get("User-Agent")
		writeJSON(t, w, map[string]string{"id": "sys-1"})
	}))

	if _, err := client.SystemID(context.Background()); err != nil {
		t.Fatalf("SystemID: %v", err)
	}
	if gotAuth != "test-token" {
		t.Fatalf("expected raw token in Authorization header, got %q", gotAuth)
	}
	if gotUA != "SimplePlural-CLI/1.0" {
		t.Fatalf("expected CLI user agent, got %q", gotUA)
	}
}

func TestSystemIDFromNestedContent(t *testing.T) {
	calls := 0
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		writeJSON(t, w, map[string]any{"content": map[string]string{"uid": "sys-nested"}})
	}))

	id, err := client.SystemID(context.Background())
	if err != nil {
		t.Fatalf("SystemID: %v", err)
	}
	if id != "sys-nested" {
		t.Fatalf("expected sys-nested, got %q", id)
	}

	// Second call served from the in-process cache.
	if _, err := client.SystemID(context.Background()); err != nil {
		t.Fatalf("SystemID (cached): %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 /me call, got %d", calls)
	}
}

func TestSystemIDMissing(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{"unrelated": true})
	}))

	if _, err := client.SystemID(context.Background()); err == nil {
		t.Fatalf("expected error for /me response without system id")
	}
}

func TestMembersEndpointUsesSystemID(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/me":
			writeJSON(t, w, map[string]string{"id": "sys-1"})
		case "/members/sys-1":
			writeJSON(t, w, []map[string]any{
				{"id": "mem-a", "content": map[string]any{"name": "Alice", "desc": "first"}},
				{"id": "mem-b", "content": map[string]any{"name": "Bob"}},
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
		}
	}))

	members, err := client.Members(context.Background())
	if err != nil {
		t.Fatalf("Members: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}
	if members[0].ID != "mem-a" || members[0].Name != "Alice" || members[0].Description != "first" {
		t.Fatalf("unexpected first member: %+v", members[0])
	}
}

func TestFrontersResolvesNames(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/me":
			writeJSON(t, w, map[string]string{"id": "sys-1"})
		case "/fronters":
			writeJSON(t, w, []map[string]any{
				{"id": "fh-1", "content": map[string]any{"member": "mem-a", "startTime": 100, "live": true, "custom": false}},
				{"id": "fh-2", "content": map[string]any{"member": "cf-1", "startTime": 200, "live": true, "custom": true}},
				{"id": "fh-3", "content": map[string]any{"member": "mem-gone", "startTime": 300, "live": true, "custom": false, "customStatus": "working"}},
			})
		case "/member/sys-1/mem-a":
			writeJSON(t, w, map[string]any{"id": "mem-a", "content": map[string]any{"name": "Alice"}})
		case "/customFront/sys-1/cf-1":
			writeJSON(t, w, map[string]any{"id": "cf-1", "content": map[string]any{"name": "Work"}})
		default:
			http.NotFound(w, r)
		}
	}))

	fronters, err := client.Fronters(context.Background())
	if err != nil {
		t.Fatalf("Fronters: %v", err)
	}
	if len(fronters) != 3 {
		t.Fatalf("expected 3 fronters, got %d", len(fronters))
	}
	// Newest first.
	if fronters[0].Entry.ID != "fh-3" {
		t.Fatalf("expected fh-3 first, got %s", fronters[0].Entry.ID)
	}
	if !strings.Contains(fronters[0].Name, "mem-gone") || !strings.Contains(fronters[0].Name, "working") {
		t.Fatalf("expected fallback name with status, got %q", fronters[0].Name)
	}
	if fronters[1].Name != "Work" || fronters[1].Type != "custom_front" {
		t.Fatalf("expected resolved custom front, got %+v", fronters[1])
	}
	if fronters[2].Name != "Alice" || fronters[2].Type != "member" {
		t.Fatalf("expected resolved member, got %+v", fronters[2])
	}
}

func TestForbiddenNotRetried(t *testing.T) {
	calls := 0
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusForbidden)
	}))

	_, err := client.FrontEntries(context.Background())
	if err == nil {
		t.Fatalf("expected error for 403")
	}
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusForbidden {
		t.Fatalf("expected API error with 403, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected auth failure not retried, got %d calls", calls)
	}
}

func TestServerErrorRetried(t *testing.T) {
	calls := 0
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		writeJSON(t, w, []any{})
	}))

	if _, err := client.FrontEntries(context.Background()); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRegisterSwitchEndsThenStarts(t *testing.T) {
	var mu sync.Mutex
	var patches []string
	var posts []map[string]any

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/me":
			writeJSON(t, w, map[string]string{"id": "sys-1"})
		case r.URL.Path == "/members/sys-1":
			writeJSON(t, w, []map[string]any{
				{"id": "mem-a", "content": map[string]any{"name": "Alice"}},
				{"id": "mem-b", "content": map[string]any{"name": "Alicia"}},
			})
		case r.URL.Path == "/customFronts/sys-1":
			writeJSON(t, w, []map[string]any{
				{"id": "cf-1", "content": map[string]any{"name": "Work"}},
			})
		case r.URL.Path == "/fronters":
			writeJSON(t, w, []map[string]any{
				{"id": "fh-old", "content": map[string]any{"member": "mem-b", "startTime": 1, "live": true}},
			})
		case r.Method == http.MethodPatch && strings.HasPrefix(r.URL.Path, "/frontHistory/"):
			mu.Lock()
			patches = append(patches, strings.TrimPrefix(r.URL.Path, "/frontHistory/"))
			mu.Unlock()
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/frontHistory/"):
			var body map[string]any
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("decode POST body: %v", err)
			}
			id := strings.TrimPrefix(r.URL.Path, "/frontHistory/")
			if len(id) != 24 {
				t.Errorf("expected 24-char front id, got %q", id)
			}
			mu.Lock()
			posts = append(posts, body)
			mu.Unlock()
			w.WriteHeader(http.StatusOK)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			http.NotFound(w, r)
		}
	}))

	err := client.RegisterSwitch(context.Background(), []string{"alice", "Work"}, "back at it")
	if err != nil {
		t.Fatalf("RegisterSwitch: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(patches) != 1 || patches[0] != "fh-old" {
		t.Fatalf("expected fh-old ended, got %v", patches)
	}
	if len(posts) != 2 {
		t.Fatalf("expected 2 new front sessions, got %d", len(posts))
	}
	if posts[0]["member"] != "mem-a" || posts[0]["custom"] != false {
		t.Fatalf("expected member session for mem-a, got %v", posts[0])
	}
	if posts[1]["member"] != "cf-1" || posts[1]["custom"] != true {
		t.Fatalf("expected custom front session for cf-1, got %v", posts[1])
	}
	if posts[0]["customStatus"] != "back at it" {
		t.Fatalf("expected note carried as customStatus, got %v", posts[0]["customStatus"])
	}
}

func TestRegisterSwitchAmbiguousName(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/me":
			writeJSON(t, w, map[string]string{"id": "sys-1"})
		case "/members/sys-1":
			writeJSON(t, w, []map[string]any{
				{"id": "mem-a", "content": map[string]any{"name": "Alice"}},
				{"id": "mem-b", "content": map[string]any{"name": "Alicia"}},
			})
		case "/customFronts/sys-1":
			writeJSON(t, w, []any{})
		default:
			http.NotFound(w, r)
		}
	}))

	err := client.RegisterSwitch(context.Background(), []string{"ali"}, "")
	if err == nil || !strings.Contains(err.Error(), "ambiguous") {
		t.Fatalf("expected ambiguous-name error, got %v", err)
	}
}

func TestRegisterSwitchUnknownName(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/me":
			writeJSON(t, w, map[string]string{"id": "sys-1"})
		case "/members/sys-1":
			writeJSON(t, w, []map[string]any{
				{"id": "mem-a", "content": map[string]any{"name": "Alice"}},
			})
		case "/customFronts/sys-1":
			writeJSON(t, w, []any{})
		default:
			http.NotFound(w, r)
		}
	}))

	err := client.RegisterSwitch(context.Background(), []string{"nobody"}, "")
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected unknown-name error, got %v", err)
	}
}
