package models

import (
	"database/sql/driver"
	"strconv"
	"time"

	"github.com/nyaruka/gocommon/stringsx"
	"github.com/nyaruka/null/v3"
)

// ConversationID is the id of a conversation
type ConversationID null.Int

// NilConversationID is our nil value for ConversationID
const NilConversationID = ConversationID(0)

func (i *ConversationID) Scan(value any) error         { return null.ScanInt(value, i) }
func (i ConversationID) Value() (driver.Value, error)  { return null.IntValue(i) }
func (i *ConversationID) UnmarshalJSON(b []byte) error { return null.UnmarshalInt(b, i) }
func (i ConversationID) MarshalJSON() ([]byte, error)  { return null.MarshalInt(i) }

// String returns a string representation of the id
func (i ConversationID) String() string {
	if i != NilConversationID {
		return strconv.FormatInt(int64(i), 10)
	}
	return "null"
}

// ConversationStatus is the state of a conversation
type ConversationStatus string

// Possible values for ConversationStatus
const (
	ConversationStatusOpen     ConversationStatus = "O"
	ConversationStatusPending  ConversationStatus = "P"
	ConversationStatusResolved ConversationStatus = "R"
	ConversationStatusClosed   ConversationStatus = "C"
)

// the maximum length of the preview we keep of the last message
const maxPreviewLength = 100

// Conversation is the thread between an org and a contact. At most one is
// open per (org, contact) at any time.
type Conversation struct {
	ID        ConversationID `db:"id"         json:"id"`
	OrgID     OrgID          `db:"org_id"     json:"org_id"`
	ContactID ContactID      `db:"contact_id" json:"contact_id"`

	Status      ConversationStatus `db:"status"       json:"status"`
	AssigneeID  UserID             `db:"assignee_id"  json:"assignee_id"`
	BroadcastID BroadcastID        `db:"broadcast_id" json:"broadcast_id"`

	LastMsgOn   time.Time   `db:"last_msg_on"  json:"last_msg_on"`
	UnreadCount int         `db:"unread_count" json:"unread_count"`
	LastPreview null.String `db:"last_preview" json:"last_preview"`

	CreatedOn  time.Time `db:"created_on"  json:"created_on"`
	ModifiedOn time.Time `db:"modified_on" json:"modified_on"`

	IsNew bool `db:"-" json:"-"`
}

// IsAttributed returns whether this conversation has been attributed to a
// broadcast already.
func (c *Conversation) IsAttributed() bool { return c.BroadcastID != NilBroadcastID }

// PreviewFor returns the preview text a conversation should carry after the
// given message, truncated to fit.
func PreviewFor(msgType MsgType, text string) string {
	if text == "" {
		return "[" + string(msgType) + "]"
	}
	return stringsx.Truncate(text, maxPreviewLength)
}

// Note is an internal operator note on a conversation, never sent to the
// contact.
type Note struct {
	ID             int            `db:"id"              json:"id"`
	OrgID          OrgID          `db:"org_id"          json:"org_id"`
	ConversationID ConversationID `db:"conversation_id" json:"conversation_id"`
	AuthorID       UserID         `db:"author_id"       json:"author_id"`
	Body           string         `db:"body"            json:"body"`
	CreatedOn      time.Time      `db:"created_on"      json:"created_on"`
}
