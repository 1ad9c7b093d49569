package realtime

import (
	"github.com/tucanchat/tucan/core/models"
)

// Event names pushed to dashboard clients.
const (
	EventConversationNew         = "conversation:new"
	EventMessageNew              = "message:new"
	EventMessageStatus           = "message:status"
	EventConversationAssigned    = "conversation:assigned"
	EventConversationTransferred = "conversation:transferred"
	EventConversationStatus      = "conversation:status"
	EventTyping                  = "typing"
	EventUserStatus              = "user:status"
	EventBroadcastUpdate         = "broadcast:update"
)

// Event is a single named payload delivered to everyone in a room.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Publisher is the emitting half of the hub, small enough for other packages
// to depend on without knowing anything about websockets.
type Publisher interface {
	Publish(room string, event *Event)
}

// OrgRoom is the room every connected agent of an org sits in.
func OrgRoom(id models.OrgID) string { return "org:" + id.String() }

// ConvRoom is the room for agents watching a single conversation.
func ConvRoom(id models.ConversationID) string { return "conv:" + id.String() }

// UserRoom addresses one agent across all of their connections.
func UserRoom(id models.UserID) string { return "user:" + id.String() }
