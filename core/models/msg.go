package models

import (
	"time"

	"github.com/nyaruka/gocommon/uuids"
	"github.com/nyaruka/null/v3"
)

// MsgID is the id of a message
type MsgID int64

// NilMsgID is our nil value for MsgID
const NilMsgID = MsgID(0)

// MsgUUID is the UUID of a message
type MsgUUID uuids.UUID

// MsgDirection is the direction of a message
type MsgDirection string

// Possible values for MsgDirection
const (
	MsgIncoming MsgDirection = "I"
	MsgOutgoing MsgDirection = "O"
)

// MsgStatus is the status of a message
type MsgStatus string

// Possible values for MsgStatus
const (
	MsgStatusPending   MsgStatus = "P"
	MsgStatusSent      MsgStatus = "S"
	MsgStatusDelivered MsgStatus = "D"
	MsgStatusRead      MsgStatus = "R"
	MsgStatusFailed    MsgStatus = "F"
)

// statusRanks orders statuses so that updates can be applied monotonically,
// a failed message never advances again.
var statusRanks = map[MsgStatus]int{
	MsgStatusPending:   1,
	MsgStatusSent:      2,
	MsgStatusDelivered: 3,
	MsgStatusRead:      4,
	MsgStatusFailed:    5,
}

// StatusAdvances returns whether a message in status from may move to status
// to. Downgrades and moves off failed return false.
func StatusAdvances(from, to MsgStatus) bool {
	if from == MsgStatusFailed {
		return false
	}
	return statusRanks[to] > statusRanks[from]
}

// MsgType is the semantic type of a message
type MsgType string

// Possible values for MsgType
const (
	MsgTypeText        MsgType = "text"
	MsgTypeImage       MsgType = "image"
	MsgTypeVideo       MsgType = "video"
	MsgTypeAudio       MsgType = "audio"
	MsgTypeDocument    MsgType = "document"
	MsgTypeLocation    MsgType = "location"
	MsgTypeContacts    MsgType = "contacts"
	MsgTypeSticker     MsgType = "sticker"
	MsgTypeInteractive MsgType = "interactive"
	MsgTypeButton      MsgType = "button"
	MsgTypeList        MsgType = "list"
	MsgTypeTemplate    MsgType = "template"
	MsgTypeReaction    MsgType = "reaction"
	MsgTypeOrder       MsgType = "order"
	MsgTypeCatalog     MsgType = "catalog"
	MsgTypeFlow        MsgType = "flow"
	MsgTypeSystem      MsgType = "system"
	MsgTypeUnknown     MsgType = "unknown"
)

// IsMedia returns whether messages of this type carry downloadable media
func (t MsgType) IsMedia() bool {
	switch t {
	case MsgTypeImage, MsgTypeVideo, MsgTypeAudio, MsgTypeDocument, MsgTypeSticker:
		return true
	}
	return false
}

// Msg is a single message on a conversation, either direction.
type Msg struct {
	ID   MsgID   `db:"id"   json:"id"`
	UUID MsgUUID `db:"uuid" json:"uuid"`

	OrgID          OrgID          `db:"org_id"          json:"org_id"`
	ConversationID ConversationID `db:"conversation_id" json:"conversation_id"`
	ContactID      ContactID      `db:"contact_id"      json:"contact_id"`

	Direction MsgDirection `db:"direction" json:"direction"`
	Type      MsgType      `db:"msg_type"  json:"type"`
	Text      string       `db:"text"      json:"text"`

	Caption   null.String `db:"caption"    json:"caption,omitempty"`
	MediaURL  null.String `db:"media_url"  json:"media_url,omitempty"`
	MediaID   null.String `db:"media_id"   json:"media_id,omitempty"`
	MediaMime null.String `db:"media_mime" json:"media_mime,omitempty"`
	MediaSize int64       `db:"media_size" json:"media_size,omitempty"`
	Filename  null.String `db:"filename"   json:"filename,omitempty"`

	Status     MsgStatus   `db:"status"      json:"status"`
	ProviderID null.String `db:"provider_id" json:"provider_id,omitempty"`
	FailReason null.String `db:"fail_reason" json:"fail_reason,omitempty"`

	SentByID  UserID    `db:"sent_by_id" json:"sent_by_id,omitempty"`
	CreatedOn time.Time `db:"created_on" json:"created_on"`
}

// NewIncomingMsg creates a message in the incoming direction
func NewIncomingMsg(org *Org, conv *Conversation, typ MsgType, text string) *Msg {
	return &Msg{
		UUID:           MsgUUID(uuids.NewV7()),
		OrgID:          org.ID,
		ConversationID: conv.ID,
		ContactID:      conv.ContactID,
		Direction:      MsgIncoming,
		Type:           typ,
		Text:           text,
		Status:         MsgStatusDelivered,
		CreatedOn:      time.Now(),
	}
}

// NewOutgoingMsg creates a message in the outgoing direction, pending until
// the provider accepts it.
func NewOutgoingMsg(org *Org, conv *Conversation, typ MsgType, text string) *Msg {
	return &Msg{
		UUID:           MsgUUID(uuids.NewV7()),
		OrgID:          org.ID,
		ConversationID: conv.ID,
		ContactID:      conv.ContactID,
		Direction:      MsgOutgoing,
		Type:           typ,
		Text:           text,
		Status:         MsgStatusPending,
		CreatedOn:      time.Now(),
	}
}

// WithMedia attaches media fields to the message
func (m *Msg) WithMedia(url, mediaID, mime, filename string) *Msg {
	m.MediaURL = null.String(url)
	m.MediaID = null.String(mediaID)
	m.MediaMime = null.String(mime)
	m.Filename = null.String(filename)
	return m
}

// WithCaption attaches a caption to the message
func (m *Msg) WithCaption(caption string) *Msg {
	m.Caption = null.String(caption)
	return m
}
