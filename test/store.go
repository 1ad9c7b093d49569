// Package test provides in-memory fakes of the persistence, media and
// realtime surfaces so component tests can run without Postgres, S3 or
// websockets.
package test

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nyaruka/gocommon/stringsx"
	"github.com/nyaruka/null/v3"
	"github.com/tucanchat/tucan/core/errs"
	"github.com/tucanchat/tucan/core/models"
	"github.com/tucanchat/tucan/core/store"
)

// Store is an in-memory store.Store. Semantics mirror the Postgres backend,
// including uniqueness rules and monotonic status advances, so components
// tested against it behave the same against the real thing.
type Store struct {
	mu sync.Mutex

	orgs          []*models.Org
	users         []*models.User
	contacts      []*models.Contact
	conversations []*models.Conversation
	msgs          []*models.Msg
	notes         []*models.Note
	flows         []*models.Flow
	sessions      []*models.Session
	broadcasts    []*models.Broadcast
	recipients    []*models.Recipient
	notifications []*models.Notification
	templates     []*models.Template
	quickReplies  []*models.QuickReply

	lastID int64
}

// NewStore returns a new empty store
func NewStore() *Store {
	return &Store{}
}

var _ store.Store = (*Store)(nil)

func (s *Store) nextID() int64 {
	s.lastID++
	return s.lastID
}

func clone[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

//------------------------------------------------------------------------
// seeding
//------------------------------------------------------------------------

// AddOrg registers an org, assigning it an id if it has none
func (s *Store) AddOrg(org *models.Org) *models.Org {
	s.mu.Lock()
	defer s.mu.Unlock()

	if org.ID == models.NilOrgID {
		org.ID = models.OrgID(s.nextID())
	}
	if org.Status == "" {
		org.Status = models.OrgStatusActive
	}
	s.orgs = append(s.orgs, clone(org))
	return org
}

// AddUser registers a user, assigning it an id if it has none
func (s *Store) AddUser(user *models.User) *models.User {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user.ID == models.NilUserID {
		user.ID = models.UserID(s.nextID())
	}
	s.users = append(s.users, clone(user))
	return user
}

// AddFlow registers a flow, assigning it an id if it has none
func (s *Store) AddFlow(flow *models.Flow) *models.Flow {
	s.mu.Lock()
	defer s.mu.Unlock()

	if flow.ID == models.NilFlowID {
		flow.ID = models.FlowID(s.nextID())
	}
	s.flows = append(s.flows, clone(flow))
	return flow
}

// AddTemplate registers a template, assigning it an id if it has none
func (s *Store) AddTemplate(t *models.Template) *models.Template {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == 0 {
		t.ID = int(s.nextID())
	}
	s.templates = append(s.templates, clone(t))
	return t
}

//------------------------------------------------------------------------
// orgs and users
//------------------------------------------------------------------------

func (s *Store) GetOrg(ctx context.Context, id models.OrgID) (*models.Org, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, o := range s.orgs {
		if o.ID == id {
			return clone(o), nil
		}
	}
	return nil, errs.Newf(errs.NotFound, "no such org %s", id)
}

func (s *Store) GetOrgByPhoneNumberID(ctx context.Context, phoneNumberID string) (*models.Org, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, o := range s.orgs {
		if o.PhoneNumberID == phoneNumberID {
			return clone(o), nil
		}
	}
	return nil, errs.Newf(errs.NotFound, "no org with phone number id %s", phoneNumberID)
}

func (s *Store) GetOrgByAPIKey(ctx context.Context, key string) (*models.Org, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, o := range s.orgs {
		if o.APIKey != "" && string(o.APIKey) == key {
			return clone(o), nil
		}
	}
	return nil, errs.New(errs.Auth, "no org with that API key")
}

func (s *Store) GetUser(ctx context.Context, orgID models.OrgID, id models.UserID) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.OrgID == orgID && u.ID == id {
			return clone(u), nil
		}
	}
	return nil, errs.Newf(errs.NotFound, "no such user %s", id)
}

//------------------------------------------------------------------------
// contacts
//------------------------------------------------------------------------

func (s *Store) GetOrCreateContact(ctx context.Context, org *models.Org, waID, phone, profileName string) (*models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	profileName = stringsx.Truncate(profileName, 128)

	for _, c := range s.contacts {
		if c.OrgID == org.ID && c.WaID == waID {
			if profileName != "" && string(c.ProfileName) != profileName {
				c.ProfileName = null.String(profileName)
				c.ModifiedOn = time.Now()
			}
			return clone(c), nil
		}
	}

	now := time.Now()
	c := &models.Contact{
		ID:          models.ContactID(s.nextID()),
		OrgID:       org.ID,
		WaID:        waID,
		Phone:       phone,
		ProfileName: null.String(profileName),
		Labels:      []string{},
		CreatedOn:   now,
		ModifiedOn:  now,
	}
	s.contacts = append(s.contacts, clone(c))

	// only the creating caller sees the contact as new
	c.IsNew = true
	return c, nil
}

func (s *Store) GetContact(ctx context.Context, orgID models.OrgID, id models.ContactID) (*models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.contacts {
		if c.OrgID == orgID && c.ID == id {
			return clone(c), nil
		}
	}
	return nil, errs.Newf(errs.NotFound, "no such contact %s", id)
}

func (s *Store) GetContactByPhone(ctx context.Context, orgID models.OrgID, phone string) (*models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.contacts {
		if c.OrgID == orgID && models.SamePhone(c.Phone, phone) {
			return clone(c), nil
		}
	}
	return nil, errs.Newf(errs.NotFound, "no contact with phone %s", phone)
}

func (s *Store) UpdateContact(ctx context.Context, contact *models.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, c := range s.contacts {
		if c.OrgID == contact.OrgID && c.ID == contact.ID {
			updated := clone(contact)
			updated.ModifiedOn = time.Now()
			s.contacts[i] = updated
			return nil
		}
	}
	return errs.Newf(errs.NotFound, "no such contact %s", contact.ID)
}

func (s *Store) ListContacts(ctx context.Context, orgID models.OrgID, query string, limit, offset int) ([]*models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query = strings.ToLower(query)
	matches := make([]*models.Contact, 0)
	for _, c := range s.contacts {
		if c.OrgID != orgID {
			continue
		}
		if query != "" &&
			!strings.Contains(strings.ToLower(string(c.Name)), query) &&
			!strings.Contains(strings.ToLower(string(c.ProfileName)), query) &&
			!strings.Contains(c.Phone, query) {
			continue
		}
		matches = append(matches, clone(c))
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].ModifiedOn.After(matches[j].ModifiedOn) })
	return page(matches, limit, offset), nil
}

//------------------------------------------------------------------------
// conversations
//------------------------------------------------------------------------

func (s *Store) findActiveConversation(orgID models.OrgID, contactID models.ContactID) *models.Conversation {
	for _, c := range s.conversations {
		if c.OrgID == orgID && c.ContactID == contactID &&
			(c.Status == models.ConversationStatusOpen || c.Status == models.ConversationStatusPending) {
			return c
		}
	}
	return nil
}

func (s *Store) GetOrOpenConversation(ctx context.Context, org *models.Org, contactID models.ContactID) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c := s.findActiveConversation(org.ID, contactID); c != nil {
		return clone(c), nil
	}

	now := time.Now()
	c := &models.Conversation{
		ID:         models.ConversationID(s.nextID()),
		OrgID:      org.ID,
		ContactID:  contactID,
		Status:     models.ConversationStatusOpen,
		LastMsgOn:  now,
		CreatedOn:  now,
		ModifiedOn: now,
	}
	s.conversations = append(s.conversations, clone(c))

	// only the opening caller sees the conversation as new
	c.IsNew = true
	return c, nil
}

func (s *Store) GetOpenConversation(ctx context.Context, orgID models.OrgID, contactID models.ContactID) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c := s.findActiveConversation(orgID, contactID); c != nil {
		return clone(c), nil
	}
	return nil, nil
}

func (s *Store) GetConversation(ctx context.Context, orgID models.OrgID, id models.ConversationID) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.conversations {
		if c.OrgID == orgID && c.ID == id {
			return clone(c), nil
		}
	}
	return nil, errs.Newf(errs.NotFound, "no such conversation %s", id)
}

func (s *Store) ListConversations(ctx context.Context, orgID models.OrgID, status models.ConversationStatus, limit, offset int) ([]*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matches := make([]*models.Conversation, 0)
	for _, c := range s.conversations {
		if c.OrgID == orgID && (status == "" || c.Status == status) {
			matches = append(matches, clone(c))
		}
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].LastMsgOn.After(matches[j].LastMsgOn) })
	return page(matches, limit, offset), nil
}

func (s *Store) RecordIncomingOnConversation(ctx context.Context, id models.ConversationID, preview string, when time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.conversations {
		if c.ID == id {
			c.LastMsgOn = when
			c.LastPreview = null.String(preview)
			c.UnreadCount++
			c.ModifiedOn = time.Now()
			return nil
		}
	}
	return errs.Newf(errs.NotFound, "no such conversation %s", id)
}

func (s *Store) RecordOutgoingOnConversation(ctx context.Context, id models.ConversationID, preview string, when time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.conversations {
		if c.ID == id {
			c.LastMsgOn = when
			c.LastPreview = null.String(preview)
			c.ModifiedOn = time.Now()
			return nil
		}
	}
	return errs.Newf(errs.NotFound, "no such conversation %s", id)
}

func (s *Store) MarkConversationRead(ctx context.Context, orgID models.OrgID, id models.ConversationID, msgIDs []models.MsgID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var conv *models.Conversation
	for _, c := range s.conversations {
		if c.OrgID == orgID && c.ID == id {
			conv = c
			break
		}
	}
	if conv == nil {
		return errs.Newf(errs.NotFound, "no such conversation %s", id)
	}

	conv.UnreadCount = 0
	conv.ModifiedOn = time.Now()

	for _, m := range s.msgs {
		if m.OrgID != orgID || m.ConversationID != id || m.Direction != models.MsgIncoming {
			continue
		}
		for _, mid := range msgIDs {
			if m.ID == mid && m.Status != models.MsgStatusRead {
				m.Status = models.MsgStatusRead
			}
		}
	}
	return nil
}

func (s *Store) UpdateConversationStatus(ctx context.Context, orgID models.OrgID, id models.ConversationID, status models.ConversationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.conversations {
		if c.OrgID == orgID && c.ID == id {
			c.Status = status
			c.ModifiedOn = time.Now()
			return nil
		}
	}
	return errs.Newf(errs.NotFound, "no such conversation %s", id)
}

func (s *Store) AssignConversation(ctx context.Context, orgID models.OrgID, id models.ConversationID, assignee models.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.conversations {
		if c.OrgID == orgID && c.ID == id {
			c.AssigneeID = assignee
			c.ModifiedOn = time.Now()
			return nil
		}
	}
	return errs.Newf(errs.NotFound, "no such conversation %s", id)
}

func (s *Store) AttributeConversation(ctx context.Context, id models.ConversationID, broadcastID models.BroadcastID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.conversations {
		if c.ID == id && c.BroadcastID == models.NilBroadcastID {
			c.BroadcastID = broadcastID
			c.ModifiedOn = time.Now()
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) AddNote(ctx context.Context, note *models.Note) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	note.ID = int(s.nextID())
	if note.CreatedOn.IsZero() {
		note.CreatedOn = time.Now()
	}
	s.notes = append(s.notes, clone(note))
	return nil
}

func (s *Store) ListNotes(ctx context.Context, orgID models.OrgID, conversationID models.ConversationID) ([]*models.Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matches := make([]*models.Note, 0)
	for _, n := range s.notes {
		if n.OrgID == orgID && n.ConversationID == conversationID {
			matches = append(matches, clone(n))
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].ID < matches[j].ID })
	return matches, nil
}

//------------------------------------------------------------------------
// messages
//------------------------------------------------------------------------

func (s *Store) InsertMsg(ctx context.Context, msg *models.Msg) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ProviderID != "" {
		for _, m := range s.msgs {
			if m.OrgID == msg.OrgID && m.ProviderID == msg.ProviderID {
				return false, nil
			}
		}
	}

	msg.ID = models.MsgID(s.nextID())
	s.msgs = append(s.msgs, clone(msg))
	return true, nil
}

func (s *Store) UpdateMsgSent(ctx context.Context, id models.MsgID, providerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.msgs {
		if m.ID == id {
			if m.Status == models.MsgStatusPending {
				m.Status = models.MsgStatusSent
			}
			m.ProviderID = null.String(providerID)
			return nil
		}
	}
	return errs.Newf(errs.NotFound, "no such msg %d", id)
}

func (s *Store) UpdateMsgFailed(ctx context.Context, id models.MsgID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.msgs {
		if m.ID == id {
			m.Status = models.MsgStatusFailed
			m.FailReason = null.String(reason)
			return nil
		}
	}
	return errs.Newf(errs.NotFound, "no such msg %d", id)
}

func (s *Store) AdvanceMsgStatusByProviderID(ctx context.Context, orgID models.OrgID, providerID string, status models.MsgStatus, failReason string) (*models.Msg, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.msgs {
		if m.OrgID == orgID && string(m.ProviderID) == providerID && m.Direction == models.MsgOutgoing {
			if !models.StatusAdvances(m.Status, status) {
				return clone(m), false, nil
			}
			m.Status = status
			if status == models.MsgStatusFailed && failReason != "" {
				m.FailReason = null.String(failReason)
			}
			return clone(m), true, nil
		}
	}
	return nil, false, nil
}

func (s *Store) ListMsgs(ctx context.Context, orgID models.OrgID, conversationID models.ConversationID, limit int, beforeID models.MsgID) ([]*models.Msg, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matches := make([]*models.Msg, 0)
	for _, m := range s.msgs {
		if m.OrgID == orgID && m.ConversationID == conversationID && (beforeID == models.NilMsgID || m.ID < beforeID) {
			matches = append(matches, clone(m))
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].ID > matches[j].ID })
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

//------------------------------------------------------------------------
// flows and sessions
//------------------------------------------------------------------------

func (s *Store) GetFlow(ctx context.Context, orgID models.OrgID, id models.FlowID) (*models.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range s.flows {
		if f.OrgID == orgID && f.ID == id {
			return clone(f), nil
		}
	}
	return nil, errs.Newf(errs.NotFound, "no such flow %s", id)
}

func (s *Store) GetEnabledFlows(ctx context.Context, orgID models.OrgID) ([]*models.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matches := make([]*models.Flow, 0)
	for _, f := range s.flows {
		if f.OrgID == orgID && f.Enabled {
			matches = append(matches, clone(f))
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].IsDefault != matches[j].IsDefault {
			return matches[i].IsDefault
		}
		return matches[i].ID < matches[j].ID
	})
	return matches, nil
}

func (s *Store) ListFlows(ctx context.Context, orgID models.OrgID) ([]*models.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matches := make([]*models.Flow, 0)
	for _, f := range s.flows {
		if f.OrgID == orgID {
			matches = append(matches, clone(f))
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Name < matches[j].Name })
	return matches, nil
}

func (s *Store) CreateFlow(ctx context.Context, flow *models.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range s.flows {
		if f.OrgID == flow.OrgID && f.Name == flow.Name {
			return errs.Newf(errs.Conflict, "flow named '%s' already exists", flow.Name)
		}
	}

	now := time.Now()
	flow.ID = models.FlowID(s.nextID())
	flow.CreatedOn = now
	flow.ModifiedOn = now
	s.flows = append(s.flows, clone(flow))
	return nil
}

func (s *Store) UpdateFlow(ctx context.Context, flow *models.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range s.flows {
		if f.OrgID == flow.OrgID && f.Name == flow.Name && f.ID != flow.ID {
			return errs.Newf(errs.Conflict, "flow named '%s' already exists", flow.Name)
		}
	}

	for i, f := range s.flows {
		if f.OrgID == flow.OrgID && f.ID == flow.ID {
			updated := clone(flow)
			updated.IsDefault = f.IsDefault // only changes through SetDefaultFlow
			updated.CreatedOn = f.CreatedOn
			updated.ModifiedOn = time.Now()
			s.flows[i] = updated
			return nil
		}
	}
	return errs.Newf(errs.NotFound, "no such flow %s", flow.ID)
}

func (s *Store) DeleteFlow(ctx context.Context, orgID models.OrgID, id models.FlowID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, f := range s.flows {
		if f.OrgID == orgID && f.ID == id {
			s.flows = append(s.flows[:i], s.flows[i+1:]...)
			return nil
		}
	}
	return errs.Newf(errs.NotFound, "no such flow %s", id)
}

func (s *Store) SetDefaultFlow(ctx context.Context, orgID models.OrgID, id models.FlowID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var target *models.Flow
	for _, f := range s.flows {
		if f.OrgID == orgID && f.ID == id {
			target = f
			break
		}
	}
	if target == nil {
		return errs.Newf(errs.NotFound, "no such flow %s", id)
	}

	for _, f := range s.flows {
		if f.OrgID == orgID {
			f.IsDefault = f.ID == id
		}
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, orgID models.OrgID, contactID models.ContactID) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ses := range s.sessions {
		if ses.OrgID == orgID && ses.ContactID == contactID {
			return cloneSession(ses), nil
		}
	}
	return nil, nil
}

func (s *Store) CreateSession(ctx context.Context, session *models.Session) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// one session per contact, losers adopt the winner
	for _, ses := range s.sessions {
		if ses.OrgID == session.OrgID && ses.ContactID == session.ContactID {
			return cloneSession(ses), nil
		}
	}

	session.ID = models.SessionID(s.nextID())
	s.sessions = append(s.sessions, cloneSession(session))
	return cloneSession(session), nil
}

func (s *Store) SaveSession(ctx context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, ses := range s.sessions {
		if ses.ID == session.ID {
			s.sessions[i] = cloneSession(session)
			return nil
		}
	}
	return errs.Newf(errs.NotFound, "no such session %s", session.ID)
}

func (s *Store) DeleteSession(ctx context.Context, id models.SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, ses := range s.sessions {
		if ses.ID == id {
			s.sessions = append(s.sessions[:i], s.sessions[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *Store) DistinctSessionVarNames(ctx context.Context, orgID models.OrgID) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool)
	for _, ses := range s.sessions {
		if ses.OrgID == orgID {
			for name := range ses.Vars {
				seen[name] = true
			}
		}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func cloneSession(ses *models.Session) *models.Session {
	c := *ses
	c.Vars = make(models.Vars, len(ses.Vars))
	for k, v := range ses.Vars {
		c.Vars[k] = v
	}
	return &c
}

//------------------------------------------------------------------------
// broadcasts
//------------------------------------------------------------------------

func (s *Store) CreateBroadcast(ctx context.Context, bcast *models.Broadcast, recipients []*models.Recipient) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	bcast.ID = models.BroadcastID(s.nextID())
	bcast.RecipientCount = len(recipients)
	if bcast.Status == "" {
		bcast.Status = models.BroadcastStatusPending
	}
	bcast.CreatedOn = now
	bcast.ModifiedOn = now
	s.broadcasts = append(s.broadcasts, clone(bcast))

	for _, r := range recipients {
		r.ID = int(s.nextID())
		r.BroadcastID = bcast.ID
		r.OrgID = bcast.OrgID
		if r.Status == "" {
			r.Status = models.MsgStatusPending
		}
		s.recipients = append(s.recipients, clone(r))
	}
	return nil
}

func (s *Store) GetBroadcast(ctx context.Context, orgID models.OrgID, id models.BroadcastID) (*models.Broadcast, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range s.broadcasts {
		if b.OrgID == orgID && b.ID == id {
			return clone(b), nil
		}
	}
	return nil, errs.Newf(errs.NotFound, "no such broadcast %s", id)
}

func (s *Store) ListBroadcasts(ctx context.Context, orgID models.OrgID, limit, offset int) ([]*models.Broadcast, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matches := make([]*models.Broadcast, 0)
	for _, b := range s.broadcasts {
		if b.OrgID == orgID {
			matches = append(matches, clone(b))
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].ID > matches[j].ID })
	return page(matches, limit, offset), nil
}

func (s *Store) GetBroadcastRecipients(ctx context.Context, id models.BroadcastID) ([]*models.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matches := make([]*models.Recipient, 0)
	for _, r := range s.recipients {
		if r.BroadcastID == id {
			matches = append(matches, clone(r))
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].ID < matches[j].ID })
	return matches, nil
}

func (s *Store) ClaimBroadcast(ctx context.Context, id models.BroadcastID) (*models.Broadcast, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range s.broadcasts {
		if b.ID == id {
			if !b.CanStart() {
				return clone(b), false, nil
			}
			now := time.Now()
			b.Status = models.BroadcastStatusProcessing
			b.StartedOn = &now
			b.ModifiedOn = now
			return clone(b), true, nil
		}
	}
	return nil, false, errs.Newf(errs.NotFound, "no such broadcast %s", id)
}

func (s *Store) CompleteBroadcast(ctx context.Context, id models.BroadcastID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range s.broadcasts {
		if b.ID == id && b.Status == models.BroadcastStatusProcessing {
			now := time.Now()
			b.Status = models.BroadcastStatusCompleted
			b.CompletedOn = &now
			b.ModifiedOn = now
		}
	}
	return nil
}

func (s *Store) CancelBroadcast(ctx context.Context, orgID models.OrgID, id models.BroadcastID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range s.broadcasts {
		if b.OrgID == orgID && b.ID == id && (b.CanStart() || b.Status == models.BroadcastStatusProcessing) {
			b.Status = models.BroadcastStatusCancelled
			b.ModifiedOn = time.Now()
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) UpdateRecipientSent(ctx context.Context, recipientID int, providerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.recipients {
		if r.ID == recipientID && r.Status == models.MsgStatusPending {
			now := time.Now()
			r.Status = models.MsgStatusSent
			r.ProviderID = null.String(providerID)
			r.SentOn = &now
			s.bumpBroadcastCounters(r.BroadcastID, []string{"sent_count"})
		}
	}
	return nil
}

func (s *Store) UpdateRecipientFailed(ctx context.Context, recipientID int, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.recipients {
		if r.ID == recipientID && r.Status == models.MsgStatusPending {
			r.Status = models.MsgStatusFailed
			r.Error = null.String(errMsg)
			s.bumpBroadcastCounters(r.BroadcastID, []string{"failed_count"})
		}
	}
	return nil
}

func (s *Store) AdvanceRecipientStatusByProviderID(ctx context.Context, orgID models.OrgID, providerID string, status models.MsgStatus) (*models.Recipient, models.BroadcastID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.recipients {
		if r.OrgID == orgID && string(r.ProviderID) == providerID {
			if !models.StatusAdvances(r.Status, status) {
				return nil, models.NilBroadcastID, nil
			}
			counters := models.CountersForAdvance(r.Status, status)
			r.Status = status
			s.bumpBroadcastCounters(r.BroadcastID, counters)
			return clone(r), r.BroadcastID, nil
		}
	}
	return nil, models.NilBroadcastID, nil
}

func (s *Store) IncrementBroadcastReplied(ctx context.Context, id models.BroadcastID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bumpBroadcastCounters(id, []string{"replied_count"})
	return nil
}

func (s *Store) bumpBroadcastCounters(id models.BroadcastID, counters []string) {
	for _, b := range s.broadcasts {
		if b.ID != id {
			continue
		}
		for _, c := range counters {
			switch c {
			case "sent_count":
				b.SentCount++
			case "delivered_count":
				b.DeliveredCount++
			case "read_count":
				b.ReadCount++
			case "failed_count":
				b.FailedCount++
			case "replied_count":
				b.RepliedCount++
			}
		}
		b.ModifiedOn = time.Now()
	}
}

func (s *Store) GetDueScheduledBroadcasts(ctx context.Context, now time.Time, grace time.Duration) ([]*models.Broadcast, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(grace)
	matches := make([]*models.Broadcast, 0)
	for _, b := range s.broadcasts {
		if b.Status == models.BroadcastStatusScheduled && b.ScheduledOn != nil && !b.ScheduledOn.After(cutoff) {
			matches = append(matches, clone(b))
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].ScheduledOn.Before(*matches[j].ScheduledOn) })
	return matches, nil
}

func (s *Store) GetRecentBroadcastForPhone(ctx context.Context, orgID models.OrgID, phone string, window time.Duration) (*models.Broadcast, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-window)
	var best *models.Broadcast
	for _, r := range s.recipients {
		if r.OrgID != orgID || !models.SamePhone(r.Phone, phone) {
			continue
		}
		for _, b := range s.broadcasts {
			if b.ID == r.BroadcastID && b.StartedOn != nil && b.StartedOn.After(cutoff) {
				if best == nil || b.StartedOn.After(*best.StartedOn) {
					best = b
				}
			}
		}
	}
	return clone(best), nil
}

//------------------------------------------------------------------------
// scheduled notifications
//------------------------------------------------------------------------

func (s *Store) CreateNotification(ctx context.Context, n *models.Notification) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.notifications {
		if existing.OrgID == n.OrgID && existing.ExternalID == n.ExternalID {
			return false, nil
		}
	}

	n.ID = int(s.nextID())
	if n.Status == "" {
		n.Status = models.NotificationStatusPending
	}
	if n.CreatedOn.IsZero() {
		n.CreatedOn = time.Now()
	}
	s.notifications = append(s.notifications, clone(n))
	return true, nil
}

func (s *Store) ListNotifications(ctx context.Context, orgID models.OrgID, limit, offset int) ([]*models.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matches := make([]*models.Notification, 0)
	for _, n := range s.notifications {
		if n.OrgID == orgID {
			matches = append(matches, clone(n))
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].ScheduledOn.After(matches[j].ScheduledOn) })
	return page(matches, limit, offset), nil
}

func (s *Store) GetDueNotifications(ctx context.Context, now time.Time, limit int) ([]*models.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matches := make([]*models.Notification, 0)
	for _, n := range s.notifications {
		if n.Status == models.NotificationStatusPending && !n.ScheduledOn.After(now) {
			matches = append(matches, clone(n))
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].ScheduledOn.Before(matches[j].ScheduledOn) })
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (s *Store) MarkNotificationSent(ctx context.Context, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, n := range s.notifications {
		if n.ID == id && n.Status == models.NotificationStatusPending {
			now := time.Now()
			n.Status = models.NotificationStatusSent
			n.SentOn = &now
		}
	}
	return nil
}

func (s *Store) MarkNotificationFailed(ctx context.Context, id int, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, n := range s.notifications {
		if n.ID == id && n.Status == models.NotificationStatusPending {
			n.Status = models.NotificationStatusFailed
			n.Error = null.String(errMsg)
		}
	}
	return nil
}

func (s *Store) CancelNotification(ctx context.Context, orgID models.OrgID, externalID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, n := range s.notifications {
		if n.OrgID == orgID && n.ExternalID == externalID && n.Status == models.NotificationStatusPending {
			n.Status = models.NotificationStatusCancelled
			return true, nil
		}
	}
	return false, nil
}

//------------------------------------------------------------------------
// templates and quick replies
//------------------------------------------------------------------------

func (s *Store) UpsertTemplates(ctx context.Context, orgID models.OrgID, templates []*models.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, t := range templates {
		t.OrgID = orgID

		updated := false
		for _, existing := range s.templates {
			if existing.OrgID == orgID && existing.Name == t.Name && existing.Language == t.Language {
				existing.Category = t.Category
				existing.Status = t.Status
				existing.Components = t.Components
				existing.ProviderID = t.ProviderID
				existing.ModifiedOn = now
				updated = true
				break
			}
		}
		if !updated {
			t.ID = int(s.nextID())
			t.CreatedOn = now
			t.ModifiedOn = now
			s.templates = append(s.templates, clone(t))
		}
	}
	return nil
}

func (s *Store) ListTemplates(ctx context.Context, orgID models.OrgID) ([]*models.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matches := make([]*models.Template, 0)
	for _, t := range s.templates {
		if t.OrgID == orgID {
			matches = append(matches, clone(t))
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Name != matches[j].Name {
			return matches[i].Name < matches[j].Name
		}
		return matches[i].Language < matches[j].Language
	})
	return matches, nil
}

func (s *Store) DeleteTemplateByName(ctx context.Context, orgID models.OrgID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.templates[:0]
	for _, t := range s.templates {
		if !(t.OrgID == orgID && t.Name == name) {
			kept = append(kept, t)
		}
	}
	s.templates = kept
	return nil
}

func (s *Store) ListQuickReplies(ctx context.Context, orgID models.OrgID) ([]*models.QuickReply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matches := make([]*models.QuickReply, 0)
	for _, q := range s.quickReplies {
		if q.OrgID == orgID {
			matches = append(matches, clone(q))
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Shortcut < matches[j].Shortcut })
	return matches, nil
}

func (s *Store) CreateQuickReply(ctx context.Context, qr *models.QuickReply) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, q := range s.quickReplies {
		if q.OrgID == qr.OrgID && q.Shortcut == qr.Shortcut {
			return errs.Newf(errs.Conflict, "quick reply shortcut '%s' already exists", qr.Shortcut)
		}
	}

	qr.ID = int(s.nextID())
	if qr.CreatedOn.IsZero() {
		qr.CreatedOn = time.Now()
	}
	s.quickReplies = append(s.quickReplies, clone(qr))
	return nil
}

func (s *Store) DeleteQuickReply(ctx context.Context, orgID models.OrgID, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, q := range s.quickReplies {
		if q.OrgID == orgID && q.ID == id {
			s.quickReplies = append(s.quickReplies[:i], s.quickReplies[i+1:]...)
			return nil
		}
	}
	return errs.Newf(errs.NotFound, "no such quick reply %d", id)
}

// page applies limit and offset the way the SQL queries do
func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
