package state

import (
	"encoding/json"
	"fmt"
)

// Target identifies an upstream collection named in update events.
type Target string

const (
	TargetFrontHistory Target = "frontHistory"
	TargetMembers      Target = "members"
	TargetCustomFronts Target = "customFronts"
)

// Operation is the mutation kind carried by an update event.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// FrontEntry is one fronting record from the front history ledger. Known
// fields are typed; everything else the upstream sends is preserved in Rest
// so it round-trips unchanged to clients.
type FrontEntry struct {
	ID        string
	EntityID  string // member or custom front id
	StartTime int64  // milliseconds since epoch
	EndTime   *int64
	Live      bool
	Custom    bool // EntityID refers to a custom front
	Status    string
	Rest      map[string]json.RawMessage
}

// Entity is a member or custom front. Unknown fields round-trip via Rest.
type Entity struct {
	ID          string
	Name        string
	Description string
	Rest        map[string]json.RawMessage
}

// FronterView is a current-fronter entry with its entity name resolved for
// display. Type is "member" or "custom_front".
type FronterView struct {
	Entry FrontEntry
	Name  string
	Type  string
}

func (e FrontEntry) jsonMap() map[string]any {
	m := make(map[string]any, len(e.Rest)+7)
	for k, v := range e.Rest {
		m[k] = v
	}
	if e.ID != "" {
		m["id"] = e.ID
	}
	m["member"] = e.EntityID
	m["startTime"] = e.StartTime
	if e.EndTime != nil {
		m["endTime"] = *e.EndTime
	}
	m["live"] = e.Live
	m["custom"] = e.Custom
	if e.Status != "" {
		m["customStatus"] = e.Status
	}
	return m
}

// MarshalJSON flattens the entry back into its wire shape, including any
// unknown fields captured at decode time.
func (e FrontEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.jsonMap())
}

// UnmarshalJSON accepts either a bare content object or a document wrapper
// ({"id": …, "content": {…}}) as returned by the REST collaborator.
func (e *FrontEntry) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("state: decode front entry: %w", err)
	}

	if content, ok := fields["content"]; ok {
		var id string
		takeString(fields, "id", &id)
		if id == "" {
			takeString(fields, "_id", &id)
		}
		if err := e.UnmarshalJSON(content); err != nil {
			return err
		}
		if e.ID == "" {
			e.ID = id
		}
		return nil
	}

	takeString(fields, "id", &e.ID)
	if e.ID == "" {
		takeString(fields, "_id", &e.ID)
	}
	delete(fields, "_id")
	takeString(fields, "member", &e.EntityID)
	takeInt(fields, "startTime", &e.StartTime)
	if raw, ok := fields["endTime"]; ok {
		var v int64
		if err := json.Unmarshal(raw, &v); err == nil {
			e.EndTime = &v
		}
		delete(fields, "endTime")
	}
	takeBool(fields, "live", &e.Live)
	takeBool(fields, "custom", &e.Custom)
	takeString(fields, "customStatus", &e.Status)

	if len(fields) > 0 {
		e.Rest = fields
	}
	return nil
}

func (e Entity) jsonMap() map[string]any {
	m := make(map[string]any, len(e.Rest)+3)
	for k, v := range e.Rest {
		m[k] = v
	}
	if e.ID != "" {
		m["id"] = e.ID
	}
	m["name"] = e.Name
	if e.Description != "" {
		m["desc"] = e.Description
	}
	return m
}

// MarshalJSON flattens the entity back into its wire shape.
func (e Entity) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.jsonMap())
}

// UnmarshalJSON accepts either a bare content object or a document wrapper.
func (e *Entity) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("state: decode entity: %w", err)
	}

	if content, ok := fields["content"]; ok {
		var id string
		takeString(fields, "id", &id)
		if id == "" {
			takeString(fields, "_id", &id)
		}
		if err := e.UnmarshalJSON(content); err != nil {
			return err
		}
		if e.ID == "" {
			e.ID = id
		}
		return nil
	}

	takeString(fields, "id", &e.ID)
	if e.ID == "" {
		takeString(fields, "_id", &e.ID)
	}
	delete(fields, "_id")
	takeString(fields, "name", &e.Name)
	takeString(fields, "desc", &e.Description)

	if len(fields) > 0 {
		e.Rest = fields
	}
	return nil
}

// MarshalJSON emits the underlying entry with name/type attached, matching
// the shape clients of the original daemon expect.
func (v FronterView) MarshalJSON() ([]byte, error) {
	m := v.Entry.jsonMap()
	m["name"] = v.Name
	m["type"] = v.Type
	return json.Marshal(m)
}

// UnmarshalJSON splits the resolved name/type back out from the entry
// fields so cached fronter lists round-trip.
func (v *FronterView) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	takeString(fields, "name", &v.Name)
	takeString(fields, "type", &v.Type)

	entryRaw, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	return v.Entry.UnmarshalJSON(entryRaw)
}

func takeString(fields map[string]json.RawMessage, key string, dst *string) {
	raw, ok := fields[key]
	if !ok {
		return
	}
	var v string
	if err := json.Unmarshal(raw, &v); err == nil {
		*dst = v
		delete(fields, key)
	}
}

func takeInt(fields map[string]json.RawMessage, key string, dst *int64) {
	raw, ok := fields[key]
	if !ok {
		return
	}
	var v int64
	if err := json.Unmarshal(raw, &v); err == nil {
		*dst = v
		delete(fields, key)
		return
	}
	// Some ledger entries carry startTime as a float.
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		*dst = int64(f)
		delete(fields, key)
	}
}

func takeBool(fields map[string]json.RawMessage, key string, dst *bool) {
	raw, ok := fields[key]
	if !ok {
		return
	}
	var v bool
	if err := json.Unmarshal(raw, &v); err == nil {
		*dst = v
		delete(fields, key)
	}
}
