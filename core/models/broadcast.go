package models

import (
	"database/sql/driver"
	"encoding/json"
	"strconv"
	"time"

	"github.com/nyaruka/null/v3"
)

// BroadcastID is the id of a broadcast
type BroadcastID null.Int

// NilBroadcastID is our nil value for BroadcastID
const NilBroadcastID = BroadcastID(0)

func (i *BroadcastID) Scan(value any) error         { return null.ScanInt(value, i) }
func (i BroadcastID) Value() (driver.Value, error)  { return null.IntValue(i) }
func (i *BroadcastID) UnmarshalJSON(b []byte) error { return null.UnmarshalInt(b, i) }
func (i BroadcastID) MarshalJSON() ([]byte, error)  { return null.MarshalInt(i) }

// String returns a string representation of the id
func (i BroadcastID) String() string {
	if i != NilBroadcastID {
		return strconv.FormatInt(int64(i), 10)
	}
	return "null"
}

// BroadcastStatus is the lifecycle state of a broadcast
type BroadcastStatus string

// Possible values for BroadcastStatus
const (
	BroadcastStatusPending    BroadcastStatus = "P"
	BroadcastStatusScheduled  BroadcastStatus = "S"
	BroadcastStatusProcessing BroadcastStatus = "R"
	BroadcastStatusCompleted  BroadcastStatus = "C"
	BroadcastStatusFailed     BroadcastStatus = "F"
	BroadcastStatusCancelled  BroadcastStatus = "X"
)

// Broadcast is a bulk template send to a static recipient list.
type Broadcast struct {
	ID    BroadcastID `db:"id"     json:"id"`
	OrgID OrgID       `db:"org_id" json:"org_id"`
	Name  string      `db:"name"   json:"name"`

	TemplateName     string      `db:"template_name"     json:"template_name"`
	TemplateLanguage string      `db:"template_language" json:"template_language"`
	HeaderMediaID    null.String `db:"header_media_id"   json:"header_media_id,omitempty"`
	HeaderMediaType  null.String `db:"header_media_type" json:"header_media_type,omitempty"`

	Status          BroadcastStatus `db:"status"            json:"status"`
	ChatbotOnReply  bool            `db:"chatbot_on_reply"  json:"chatbot_on_reply"`
	RecipientCount  int             `db:"recipient_count"   json:"recipient_count"`
	SentCount       int             `db:"sent_count"        json:"sent_count"`
	DeliveredCount  int             `db:"delivered_count"   json:"delivered_count"`
	ReadCount       int             `db:"read_count"        json:"read_count"`
	FailedCount     int             `db:"failed_count"      json:"failed_count"`
	RepliedCount    int             `db:"replied_count"     json:"replied_count"`

	ScheduledOn *time.Time `db:"scheduled_on" json:"scheduled_on,omitempty"`
	StartedOn   *time.Time `db:"started_on"   json:"started_on,omitempty"`
	CompletedOn *time.Time `db:"completed_on" json:"completed_on,omitempty"`

	CreatedOn  time.Time `db:"created_on"  json:"created_on"`
	ModifiedOn time.Time `db:"modified_on" json:"modified_on"`
}

// CanStart returns whether the dispatcher may pick this broadcast up
func (b *Broadcast) CanStart() bool {
	return b.Status == BroadcastStatusPending || b.Status == BroadcastStatusScheduled
}

// RecipientVars are the per recipient template variables, keyed "1", "2", ..
type RecipientVars map[string]string

// Scan implements the sql.Scanner interface
func (v *RecipientVars) Scan(value any) error {
	if value == nil {
		*v = nil
		return nil
	}
	return scanJSON(value, v)
}

// Value implements the driver.Valuer interface
func (v RecipientVars) Value() (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// Recipient is a single phone number targeted by a broadcast, tracking its
// own send outcome and eventual delivered/read statuses.
type Recipient struct {
	ID          int         `db:"id"           json:"id"`
	BroadcastID BroadcastID `db:"broadcast_id" json:"broadcast_id"`
	OrgID       OrgID       `db:"org_id"       json:"org_id"`

	Phone string        `db:"phone" json:"phone"`
	Vars  RecipientVars `db:"vars"  json:"vars,omitempty"`

	Status     MsgStatus   `db:"status"      json:"status"`
	ProviderID null.String `db:"provider_id" json:"provider_id,omitempty"`
	Error      null.String `db:"error"       json:"error,omitempty"`

	SentOn *time.Time `db:"sent_on" json:"sent_on,omitempty"`
}

var counterColumns = map[MsgStatus]string{
	MsgStatusSent:      "sent_count",
	MsgStatusDelivered: "delivered_count",
	MsgStatusRead:      "read_count",
	MsgStatusFailed:    "failed_count",
}

// CountersForAdvance returns the broadcast counter columns to bump when a
// recipient advances from one status to another. A jump across ranks bumps
// every rank crossed, so sent ≥ delivered ≥ read always holds.
func CountersForAdvance(from, to MsgStatus) []string {
	if !StatusAdvances(from, to) {
		return nil
	}
	if to == MsgStatusFailed {
		return []string{counterColumns[to]}
	}

	var cols []string
	for _, s := range []MsgStatus{MsgStatusSent, MsgStatusDelivered, MsgStatusRead} {
		if statusRanks[s] > statusRanks[from] && statusRanks[s] <= statusRanks[to] {
			cols = append(cols, counterColumns[s])
		}
	}
	return cols
}
