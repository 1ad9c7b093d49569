package store

import (
	"context"
	"time"

	"github.com/tucanchat/tucan/core/models"
)

// Store is the persistence contract shared by the ingester, interpreter,
// dispatcher, scheduler and API layers. Every method is tenant scoped and an
// implementation must never return another org's rows.
type Store interface {
	// orgs
	GetOrg(ctx context.Context, id models.OrgID) (*models.Org, error)
	GetOrgByPhoneNumberID(ctx context.Context, phoneNumberID string) (*models.Org, error)
	GetOrgByAPIKey(ctx context.Context, key string) (*models.Org, error)

	// contacts
	GetOrCreateContact(ctx context.Context, org *models.Org, waID, phone, profileName string) (*models.Contact, error)
	GetContact(ctx context.Context, orgID models.OrgID, id models.ContactID) (*models.Contact, error)
	GetContactByPhone(ctx context.Context, orgID models.OrgID, phone string) (*models.Contact, error)
	UpdateContact(ctx context.Context, contact *models.Contact) error
	ListContacts(ctx context.Context, orgID models.OrgID, query string, limit, offset int) ([]*models.Contact, error)

	// conversations
	GetOrOpenConversation(ctx context.Context, org *models.Org, contactID models.ContactID) (*models.Conversation, error)
	GetOpenConversation(ctx context.Context, orgID models.OrgID, contactID models.ContactID) (*models.Conversation, error) // nil if none open
	GetConversation(ctx context.Context, orgID models.OrgID, id models.ConversationID) (*models.Conversation, error)
	ListConversations(ctx context.Context, orgID models.OrgID, status models.ConversationStatus, limit, offset int) ([]*models.Conversation, error)
	RecordIncomingOnConversation(ctx context.Context, id models.ConversationID, preview string, when time.Time) error
	RecordOutgoingOnConversation(ctx context.Context, id models.ConversationID, preview string, when time.Time) error
	MarkConversationRead(ctx context.Context, orgID models.OrgID, id models.ConversationID, msgIDs []models.MsgID) error
	UpdateConversationStatus(ctx context.Context, orgID models.OrgID, id models.ConversationID, status models.ConversationStatus) error
	AssignConversation(ctx context.Context, orgID models.OrgID, id models.ConversationID, assignee models.UserID) error
	AttributeConversation(ctx context.Context, id models.ConversationID, broadcastID models.BroadcastID) (bool, error)
	AddNote(ctx context.Context, note *models.Note) error
	ListNotes(ctx context.Context, orgID models.OrgID, conversationID models.ConversationID) ([]*models.Note, error)

	// messages
	InsertMsg(ctx context.Context, msg *models.Msg) (bool, error)
	UpdateMsgSent(ctx context.Context, id models.MsgID, providerID string) error
	UpdateMsgFailed(ctx context.Context, id models.MsgID, reason string) error
	AdvanceMsgStatusByProviderID(ctx context.Context, orgID models.OrgID, providerID string, status models.MsgStatus, failReason string) (*models.Msg, bool, error)
	ListMsgs(ctx context.Context, orgID models.OrgID, conversationID models.ConversationID, limit int, beforeID models.MsgID) ([]*models.Msg, error)

	// flows
	GetFlow(ctx context.Context, orgID models.OrgID, id models.FlowID) (*models.Flow, error)
	GetEnabledFlows(ctx context.Context, orgID models.OrgID) ([]*models.Flow, error)
	ListFlows(ctx context.Context, orgID models.OrgID) ([]*models.Flow, error)
	CreateFlow(ctx context.Context, flow *models.Flow) error
	UpdateFlow(ctx context.Context, flow *models.Flow) error
	DeleteFlow(ctx context.Context, orgID models.OrgID, id models.FlowID) error
	SetDefaultFlow(ctx context.Context, orgID models.OrgID, id models.FlowID) error

	// flow sessions
	GetSession(ctx context.Context, orgID models.OrgID, contactID models.ContactID) (*models.Session, error) // nil if none
	CreateSession(ctx context.Context, session *models.Session) (*models.Session, error)
	SaveSession(ctx context.Context, session *models.Session) error
	DeleteSession(ctx context.Context, id models.SessionID) error
	DistinctSessionVarNames(ctx context.Context, orgID models.OrgID) ([]string, error)

	// broadcasts
	CreateBroadcast(ctx context.Context, bcast *models.Broadcast, recipients []*models.Recipient) error
	GetBroadcast(ctx context.Context, orgID models.OrgID, id models.BroadcastID) (*models.Broadcast, error)
	ListBroadcasts(ctx context.Context, orgID models.OrgID, limit, offset int) ([]*models.Broadcast, error)
	GetBroadcastRecipients(ctx context.Context, id models.BroadcastID) ([]*models.Recipient, error)
	ClaimBroadcast(ctx context.Context, id models.BroadcastID) (*models.Broadcast, bool, error)
	CompleteBroadcast(ctx context.Context, id models.BroadcastID) error
	CancelBroadcast(ctx context.Context, orgID models.OrgID, id models.BroadcastID) (bool, error)
	UpdateRecipientSent(ctx context.Context, recipientID int, providerID string) error
	UpdateRecipientFailed(ctx context.Context, recipientID int, errMsg string) error
	AdvanceRecipientStatusByProviderID(ctx context.Context, orgID models.OrgID, providerID string, status models.MsgStatus) (*models.Recipient, models.BroadcastID, error)
	IncrementBroadcastReplied(ctx context.Context, id models.BroadcastID) error
	GetDueScheduledBroadcasts(ctx context.Context, now time.Time, grace time.Duration) ([]*models.Broadcast, error)
	GetRecentBroadcastForPhone(ctx context.Context, orgID models.OrgID, phone string, window time.Duration) (*models.Broadcast, error) // nil if none

	// scheduled notifications
	CreateNotification(ctx context.Context, n *models.Notification) (bool, error)
	ListNotifications(ctx context.Context, orgID models.OrgID, limit, offset int) ([]*models.Notification, error)
	GetDueNotifications(ctx context.Context, now time.Time, limit int) ([]*models.Notification, error)
	MarkNotificationSent(ctx context.Context, id int) error
	MarkNotificationFailed(ctx context.Context, id int, errMsg string) error
	CancelNotification(ctx context.Context, orgID models.OrgID, externalID string) (bool, error)

	// templates
	UpsertTemplates(ctx context.Context, orgID models.OrgID, templates []*models.Template) error
	ListTemplates(ctx context.Context, orgID models.OrgID) ([]*models.Template, error)
	DeleteTemplateByName(ctx context.Context, orgID models.OrgID, name string) error

	// quick replies
	ListQuickReplies(ctx context.Context, orgID models.OrgID) ([]*models.QuickReply, error)
	CreateQuickReply(ctx context.Context, qr *models.QuickReply) error
	DeleteQuickReply(ctx context.Context, orgID models.OrgID, id int) error

	// users
	GetUser(ctx context.Context, orgID models.OrgID, id models.UserID) (*models.User, error)
}

// MediaStore persists media bytes and returns a public URL for them.
type MediaStore interface {
	Put(ctx context.Context, orgID models.OrgID, filename, contentType string, body []byte) (string, error)
}
