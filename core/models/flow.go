package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/nyaruka/null/v3"
)

// FlowID is the id of a flow
type FlowID null.Int

// NilFlowID is our nil value for FlowID
const NilFlowID = FlowID(0)

func (i *FlowID) Scan(value any) error         { return null.ScanInt(value, i) }
func (i FlowID) Value() (driver.Value, error)  { return null.IntValue(i) }
func (i *FlowID) UnmarshalJSON(b []byte) error { return null.UnmarshalInt(b, i) }
func (i FlowID) MarshalJSON() ([]byte, error)  { return null.MarshalInt(i) }

// String returns a string representation of the id
func (i FlowID) String() string {
	if i != NilFlowID {
		return strconv.FormatInt(int64(i), 10)
	}
	return "null"
}

// the node id edges use to mark the flow entry
const StartNodeID = "start"

// Node is one step in a flow graph. Its semantics live in its type tag and
// the type specific config under data.
type Node struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Edge connects two nodes. SourceHandle selects among the source node's
// typed outputs, empty means the default output.
type Edge struct {
	ID           string `json:"id,omitempty"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
}

// NodeList is a list of nodes stored as JSON
type NodeList []Node

// Scan implements the sql.Scanner interface
func (l *NodeList) Scan(value any) error { return scanJSON(value, l) }

// Value implements the driver.Valuer interface
func (l NodeList) Value() (driver.Value, error) {
	if l == nil {
		return []byte(`[]`), nil
	}
	return json.Marshal(l)
}

// EdgeList is a list of edges stored as JSON
type EdgeList []Edge

// Scan implements the sql.Scanner interface
func (l *EdgeList) Scan(value any) error { return scanJSON(value, l) }

// Value implements the driver.Valuer interface
func (l EdgeList) Value() (driver.Value, error) {
	if l == nil {
		return []byte(`[]`), nil
	}
	return json.Marshal(l)
}

// DayWindow is the open window for a single weekday
type DayWindow struct {
	Open   string `json:"open"`
	Close  string `json:"close"`
	Closed bool   `json:"closed,omitempty"`
}

// WorkingHours is a per weekday open/close policy in an IANA timezone. Days
// are keyed mon..sun.
type WorkingHours struct {
	Enabled  bool                 `json:"enabled"`
	Timezone string               `json:"timezone,omitempty"`
	Days     map[string]DayWindow `json:"days,omitempty"`
}

var weekdayKeys = map[time.Weekday]string{
	time.Monday:    "mon",
	time.Tuesday:   "tue",
	time.Wednesday: "wed",
	time.Thursday:  "thu",
	time.Friday:    "fri",
	time.Saturday:  "sat",
	time.Sunday:    "sun",
}

// IsOpenAt returns whether the given instant falls inside this policy. A
// disabled policy or one without day windows is always open.
func (w *WorkingHours) IsOpenAt(t time.Time) bool {
	if w == nil || !w.Enabled || len(w.Days) == 0 {
		return true
	}

	loc := time.UTC
	if w.Timezone != "" {
		if l, err := time.LoadLocation(w.Timezone); err == nil {
			loc = l
		}
	}
	local := t.In(loc)

	day, ok := w.Days[weekdayKeys[local.Weekday()]]
	if !ok || day.Closed {
		return false
	}

	// HH:MM strings compare correctly as strings
	cur := local.Format("15:04")
	return day.Open <= cur && cur < day.Close
}

// Scan implements the sql.Scanner interface
func (w *WorkingHours) Scan(value any) error {
	if value == nil {
		*w = WorkingHours{}
		return nil
	}
	return scanJSON(value, w)
}

// Value implements the driver.Valuer interface
func (w WorkingHours) Value() (driver.Value, error) {
	if !w.Enabled && len(w.Days) == 0 {
		return nil, nil
	}
	return json.Marshal(w)
}

// Flow is a user authored node graph automation belonging to one org.
type Flow struct {
	ID    FlowID `db:"id"     json:"id"`
	OrgID OrgID  `db:"org_id" json:"org_id"`
	Name  string `db:"name"   json:"name"`

	Nodes NodeList `db:"nodes" json:"nodes"`
	Edges EdgeList `db:"edges" json:"edges"`

	TriggerKeyword null.String  `db:"trigger_keyword" json:"trigger_keyword"`
	IsDefault      bool         `db:"is_default"      json:"is_default"`
	WorkingHours   WorkingHours `db:"working_hours"   json:"working_hours"`
	SessionTimeout int          `db:"session_timeout" json:"session_timeout"`
	Enabled        bool         `db:"enabled"         json:"enabled"`

	CreatedOn  time.Time `db:"created_on"  json:"created_on"`
	ModifiedOn time.Time `db:"modified_on" json:"modified_on"`
}

// Node returns the node with the given id or nil
func (f *Flow) Node(id string) *Node {
	for i := range f.Nodes {
		if f.Nodes[i].ID == id {
			return &f.Nodes[i]
		}
	}
	return nil
}

// Next returns the target of the first edge out of the given node whose
// handle matches any of the passed handles, tried in order. Empty string
// means no edge matched.
func (f *Flow) Next(source string, handles ...string) string {
	for _, handle := range handles {
		for i := range f.Edges {
			if f.Edges[i].Source == source && f.Edges[i].SourceHandle == handle {
				return f.Edges[i].Target
			}
		}
	}
	return ""
}

// NextDefault returns the target of the default edge out of the given node,
// accepting both an unset handle and an explicit "default".
func (f *Flow) NextDefault(source string) string {
	return f.Next(source, "", "default")
}

// EntryNode resolves the node execution should begin at: an explicit
// start_trigger node, else the target of an edge from the virtual start id,
// else any node without inbound edges.
func (f *Flow) EntryNode() *Node {
	for i := range f.Nodes {
		if f.Nodes[i].Type == "start_trigger" {
			return &f.Nodes[i]
		}
	}

	if target := f.Next(StartNodeID, "", "default"); target != "" {
		return f.Node(target)
	}

	hasInbound := make(map[string]bool, len(f.Edges))
	for i := range f.Edges {
		hasInbound[f.Edges[i].Target] = true
	}
	for i := range f.Nodes {
		if f.Nodes[i].ID != StartNodeID && !hasInbound[f.Nodes[i].ID] {
			return &f.Nodes[i]
		}
	}
	return nil
}

// SessionTimeoutDuration returns the session timeout with a default of one
// hour when unset.
func (f *Flow) SessionTimeoutDuration() time.Duration {
	if f.SessionTimeout <= 0 {
		return time.Hour
	}
	return time.Duration(f.SessionTimeout) * time.Second
}

func scanJSON(value, dest any) error {
	var raw []byte
	switch typed := value.(type) {
	case string:
		raw = []byte(typed)
	case []byte:
		raw = typed
	default:
		return errors.New("incompatible type for JSON column")
	}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dest)
}
