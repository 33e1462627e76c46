// Package api is the REST client for api.apparyllis.com. The daemon uses
// it to seed state on startup; the CLI uses it directly when no daemon is
// running and for write operations like registering a switch.
package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/SiteRelEnby/simplyplural-cli/internal/state"
)

// DefaultBaseURL is the production API root.
const DefaultBaseURL = "https://api.apparyllis.com/v1"

const userAgent = "SimplePlural-CLI/1.0"

// Error is a failed API call. StatusCode is zero for transport failures.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("HTTP %d - %s", e.StatusCode, e.Message)
	}
	return e.Message
}

// Options configures a Client. Zero values fall back to defaults.
type Options struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	HTTPClient *http.Client
}

// Client talks to the upstream REST API. Safe for concurrent use.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int

	mu       sync.Mutex
	systemID string
}

// NewClient authenticates every request with token. The API expects the
// raw token in the Authorization header, no Bearer prefix.
func NewClient(token string, opts Options) *Client {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: httpClient,
		maxRetries: maxRetries,
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Authorization", c.token)
		req.Header.Set("User-Agent", userAgent)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = &Error{Message: err.Error()}
			continue
		}

		raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			wait := 60 * time.Second
			if after, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && after > 0 {
				wait = time.Duration(after) * time.Second
			}
			lastErr = &Error{StatusCode: resp.StatusCode, Message: "rate limited"}
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		case resp.StatusCode == http.StatusUnauthorized:
			return &Error{StatusCode: resp.StatusCode, Message: "check that your token has the required permissions (write access is needed to update fronters)"}
		case resp.StatusCode == http.StatusForbidden:
			return &Error{StatusCode: resp.StatusCode, Message: "access denied; check your token is entered correctly and not revoked"}
		case resp.StatusCode == http.StatusNotFound:
			return &Error{StatusCode: resp.StatusCode, Message: "endpoint " + path + " not found"}
		case resp.StatusCode >= 500:
			lastErr = &Error{StatusCode: resp.StatusCode, Message: "server error"}
			continue
		case resp.StatusCode >= 400:
			return &Error{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		}

		if readErr != nil {
			lastErr = &Error{Message: "read response: " + readErr.Error()}
			continue
		}
		if out == nil || len(bytes.TrimSpace(raw)) == 0 {
			// PATCH responses are often empty.
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return &Error{StatusCode: resp.StatusCode, Message: "decode response: " + err.Error()}
		}
		return nil
	}
	return fmt.Errorf("request failed after %d attempts: %w", c.maxRetries+1, lastErr)
}

// SystemID resolves and caches the caller's system id from /me. The id can
// appear under several field names depending on account type.
func (c *Client) SystemID(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.systemID != "" {
		id := c.systemID
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	var me map[string]json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/me", nil, &me); err != nil {
		return "", fmt.Errorf("could not get system id: %w", err)
	}

	id := findSystemID(me)
	if id == "" {
		if content, ok := me["content"]; ok {
			var nested map[string]json.RawMessage
			if err := json.Unmarshal(content, &nested); err == nil {
				id = findSystemID(nested)
			}
		}
	}
	if id == "" {
		return "", &Error{Message: "could not extract system id from /me response"}
	}

	c.mu.Lock()
	c.systemID = id
	c.mu.Unlock()
	return id, nil
}

func findSystemID(fields map[string]json.RawMessage) string {
	for _, key := range []string{"id", "uid", "system_id", "systemId", "user_id", "userId"} {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		var id string
		if err := json.Unmarshal(raw, &id); err == nil && id != "" {
			return id
		}
	}
	return ""
}

// FrontEntries returns the raw current front sessions from /fronters, no
// name resolution. The daemon seeds its ledger from these.
func (c *Client) FrontEntries(ctx context.Context) ([]state.FrontEntry, error) {
	var entries []state.FrontEntry
	if err := c.do(ctx, http.MethodGet, "/fronters", nil, &entries); err != nil {
		return nil, fmt.Errorf("fetch fronters: %w", err)
	}
	return entries, nil
}

// Fronters returns current fronters with names resolved via individual
// member/custom-front lookups. For direct CLI use without a daemon.
func (c *Client) Fronters(ctx context.Context) ([]state.FronterView, error) {
	entries, err := c.FrontEntries(ctx)
	if err != nil {
		return nil, err
	}

	views := make([]state.FronterView, 0, len(entries))
	for _, entry := range entries {
		view := state.FronterView{Entry: entry, Type: "member"}
		if entry.Custom {
			view.Type = "custom_front"
			if cf, err := c.CustomFront(ctx, entry.EntityID); err == nil {
				view.Name = cf.Name
			}
		} else if m, err := c.Member(ctx, entry.EntityID); err == nil {
			view.Name = m.Name
		}
		if view.Name == "" {
			view.Name = fallbackName(entry.EntityID, entry.Status)
		}
		views = append(views, view)
	}
	sort.SliceStable(views, func(i, j int) bool {
		return views[i].Entry.StartTime > views[j].Entry.StartTime
	})
	return views, nil
}

// Members returns all system members.
func (c *Client) Members(ctx context.Context) ([]state.Entity, error) {
	systemID, err := c.SystemID(ctx)
	if err != nil {
		return nil, fmt.Errorf("cannot get member list: %w", err)
	}
	var members []state.Entity
	if err := c.do(ctx, http.MethodGet, "/members/"+systemID, nil, &members); err != nil {
		return nil, fmt.Errorf("fetch members: %w", err)
	}
	return members, nil
}

// Member fetches one member by id.
func (c *Client) Member(ctx context.Context, memberID string) (state.Entity, error) {
	systemID, err := c.SystemID(ctx)
	if err != nil {
		return state.Entity{}, err
	}
	var member state.Entity
	if err := c.do(ctx, http.MethodGet, "/member/"+systemID+"/"+memberID, nil, &member); err != nil {
		return state.Entity{}, fmt.Errorf("fetch member %s: %w", memberID, err)
	}
	return member, nil
}

// CustomFronts returns all custom fronts.
func (c *Client) CustomFronts(ctx context.Context) ([]state.Entity, error) {
	systemID, err := c.SystemID(ctx)
	if err != nil {
		return nil, fmt.Errorf("cannot get custom fronts: %w", err)
	}
	var customFronts []state.Entity
	if err := c.do(ctx, http.MethodGet, "/customFronts/"+systemID, nil, &customFronts); err != nil {
		return nil, fmt.Errorf("fetch custom fronts: %w", err)
	}
	return customFronts, nil
}

// CustomFront fetches one custom front by id.
func (c *Client) CustomFront(ctx context.Context, customFrontID string) (state.Entity, error) {
	systemID, err := c.SystemID(ctx)
	if err != nil {
		return state.Entity{}, err
	}
	var cf state.Entity
	if err := c.do(ctx, http.MethodGet, "/customFront/"+systemID+"/"+customFrontID, nil, &cf); err != nil {
		return state.Entity{}, fmt.Errorf("fetch custom front %s: %w", customFrontID, err)
	}
	return cf, nil
}

// RegisterSwitch ends all live front sessions and starts new ones for the
// named members or custom fronts. Names match case-insensitively, exact
// first, then unique substring. note becomes the new sessions' custom
// status.
func (c *Client) RegisterSwitch(ctx context.Context, names []string, note string) error {
	members, err := c.Members(ctx)
	if err != nil {
		return err
	}
	customFronts, err := c.CustomFronts(ctx)
	if err != nil {
		return err
	}

	type target struct {
		id     string
		custom bool
	}
	targets := make([]target, 0, len(names))
	for _, name := range names {
		resolved, err := resolveName(name, members, customFronts)
		if err != nil {
			return err
		}
		targets = append(targets, target{id: resolved.ID, custom: resolved.custom})
	}

	// End every live session before starting the new ones. A failed PATCH
	// is tolerated; the session may already be ended.
	current, err := c.FrontEntries(ctx)
	if err != nil {
		return err
	}
	nowMillis := time.Now().UnixMilli()
	for _, entry := range current {
		if !entry.Live {
			continue
		}
		end := map[string]any{"live": false, "endTime": nowMillis}
		if err := c.do(ctx, http.MethodPatch, "/frontHistory/"+entry.ID, end, nil); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}

	for _, tgt := range targets {
		start := map[string]any{
			"member":    tgt.id,
			"startTime": nowMillis + 1,
			"live":      true,
			"custom":    tgt.custom,
		}
		if note != "" {
			start["customStatus"] = note
		}
		id, err := newFrontID()
		if err != nil {
			return err
		}
		if err := c.do(ctx, http.MethodPost, "/frontHistory/"+id, start, nil); err != nil {
			return fmt.Errorf("start front session for %s: %w", tgt.id, err)
		}
	}
	return nil
}

type resolvedEntity struct {
	ID     string
	Name   string
	custom bool
}

func resolveName(name string, members, customFronts []state.Entity) (resolvedEntity, error) {
	lower := strings.ToLower(name)

	for _, m := range members {
		if strings.ToLower(m.Name) == lower {
			return resolvedEntity{ID: m.ID, Name: m.Name}, nil
		}
	}
	for _, cf := range customFronts {
		if strings.ToLower(cf.Name) == lower {
			return resolvedEntity{ID: cf.ID, Name: cf.Name, custom: true}, nil
		}
	}

	var matches []resolvedEntity
	for _, m := range members {
		if strings.Contains(strings.ToLower(m.Name), lower) {
			matches = append(matches, resolvedEntity{ID: m.ID, Name: m.Name})
		}
	}
	for _, cf := range customFronts {
		if strings.Contains(strings.ToLower(cf.Name), lower) {
			matches = append(matches, resolvedEntity{ID: cf.ID, Name: cf.Name, custom: true})
		}
	}

	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		available := make([]string, 0, len(members)+len(customFronts))
		for _, m := range members {
			available = append(available, m.Name+" (member)")
		}
		for _, cf := range customFronts {
			available = append(available, cf.Name+" (custom_front)")
		}
		return resolvedEntity{}, &Error{Message: fmt.Sprintf("name %q not found; available: %s", name, strings.Join(available, ", "))}
	default:
		labels := make([]string, len(matches))
		for i, match := range matches {
			kind := "member"
			if match.custom {
				kind = "custom_front"
			}
			labels[i] = match.Name + " (" + kind + ")"
		}
		return resolvedEntity{}, &Error{Message: fmt.Sprintf("ambiguous name %q; matches: %s", name, strings.Join(labels, ", "))}
	}
}

// newFrontID generates a 24-hex-character document id in the style the
// upstream API expects for client-created frontHistory entries.
func newFrontID() (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate front id: %w", err)
	}
	return hex.EncodeToString(buf), nil
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
