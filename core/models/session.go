package models

import (
	"database/sql/driver"
	"strconv"
	"time"

	"github.com/nyaruka/null/v3"
)

// SessionID is the id of a flow session
type SessionID null.Int

// NilSessionID is our nil value for SessionID
const NilSessionID = SessionID(0)

func (i *SessionID) Scan(value any) error         { return null.ScanInt(value, i) }
func (i SessionID) Value() (driver.Value, error)  { return null.IntValue(i) }
func (i *SessionID) UnmarshalJSON(b []byte) error { return null.UnmarshalInt(b, i) }
func (i SessionID) MarshalJSON() ([]byte, error)  { return null.MarshalInt(i) }

// String returns a string representation of the id
func (i SessionID) String() string {
	if i != NilSessionID {
		return strconv.FormatInt(int64(i), 10)
	}
	return "null"
}

// SessionWait marks what kind of input a suspended session is waiting on
type SessionWait string

// Possible values for SessionWait
const (
	SessionWaitNone   SessionWait = ""
	SessionWaitInput  SessionWait = "input"
	SessionWaitButton SessionWait = "button"
	SessionWaitList   SessionWait = "list"
	SessionWaitFlow   SessionWait = "flow"
)

// Session is the live execution state of a flow for one contact. At most one
// exists per (org, contact).
type Session struct {
	ID        SessionID `db:"id"         json:"id"`
	OrgID     OrgID     `db:"org_id"     json:"org_id"`
	ContactID ContactID `db:"contact_id" json:"contact_id"`
	FlowID    FlowID    `db:"flow_id"    json:"flow_id"`

	CurrentNodeID string      `db:"current_node_id" json:"current_node_id"`
	Vars          Vars        `db:"vars"            json:"vars"`
	WaitingOn     SessionWait `db:"waiting_on"      json:"waiting_on"`

	TimeoutOverride   int       `db:"timeout_override"  json:"timeout_override"`
	LastInteractionOn time.Time `db:"last_interaction_on" json:"last_interaction_on"`
	CreatedOn         time.Time `db:"created_on"          json:"created_on"`
}

// NewSession creates a fresh session for the given flow and contact
func NewSession(org *Org, flow *Flow, contactID ContactID) *Session {
	now := time.Now()
	return &Session{
		OrgID:             org.ID,
		ContactID:         contactID,
		FlowID:            flow.ID,
		Vars:              make(Vars),
		LastInteractionOn: now,
		CreatedOn:         now,
	}
}

// TimeoutDuration returns the effective timeout for this session, preferring
// a session_config override to the flow's own.
func (s *Session) TimeoutDuration(flow *Flow) time.Duration {
	if s.TimeoutOverride > 0 {
		return time.Duration(s.TimeoutOverride) * time.Second
	}
	return flow.SessionTimeoutDuration()
}

// IsExpired returns whether the session's last interaction is older than the
// effective timeout at the given instant.
func (s *Session) IsExpired(flow *Flow, now time.Time) bool {
	return now.Sub(s.LastInteractionOn) > s.TimeoutDuration(flow)
}

// Reset clears the session's variables and position so another flow can
// adopt it.
func (s *Session) Reset(flow *Flow) {
	s.FlowID = flow.ID
	s.CurrentNodeID = ""
	s.Vars = make(Vars)
	s.WaitingOn = SessionWaitNone
	s.TimeoutOverride = 0
}
