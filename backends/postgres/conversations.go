package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/nyaruka/gocommon/dbutil"
	"github.com/tucanchat/tucan/core/errs"
	"github.com/tucanchat/tucan/core/models"
)

const sqlSelectOpenConversation = `
SELECT id, org_id, contact_id, status, assignee_id, broadcast_id, last_msg_on, unread_count, last_preview, created_on, modified_on
  FROM inbox_conversation
 WHERE org_id = $1 AND contact_id = $2 AND status IN ('O', 'P')`

const sqlInsertConversation = `
INSERT INTO inbox_conversation(org_id, contact_id, status, last_msg_on, unread_count, created_on, modified_on)
     VALUES (:org_id, :contact_id, :status, :last_msg_on, 0, :created_on, :modified_on)
  RETURNING id`

// GetOrOpenConversation returns the contact's active conversation, opening a
// new one when the last was resolved or closed. A partial unique index keeps
// concurrent openers down to one winner, losers re-read the winner's row.
func (s *Store) GetOrOpenConversation(ctx context.Context, org *models.Org, contactID models.ContactID) (*models.Conversation, error) {
	conv := &models.Conversation{}
	err := s.db.GetContext(ctx, conv, sqlSelectOpenConversation, org.ID, contactID)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("error selecting open conversation: %w", err)
	}
	if err == nil {
		return conv, nil
	}

	now := time.Now()
	conv = &models.Conversation{
		OrgID:      org.ID,
		ContactID:  contactID,
		Status:     models.ConversationStatusOpen,
		LastMsgOn:  now,
		CreatedOn:  now,
		ModifiedOn: now,
	}

	rows, err := s.db.NamedQueryContext(ctx, sqlInsertConversation, conv)
	if err != nil {
		if dbutil.IsUniqueViolation(err) {
			return s.GetOrOpenConversation(ctx, org, contactID)
		}
		return nil, fmt.Errorf("error inserting conversation: %w", err)
	}
	defer rows.Close()
	if rows.Next() {
		if err := rows.Scan(&conv.ID); err != nil {
			return nil, fmt.Errorf("error scanning conversation id: %w", err)
		}
	}

	conv.IsNew = true
	return conv, nil
}

// GetOpenConversation returns the contact's active conversation or nil if
// they don't have one, never creating one.
func (s *Store) GetOpenConversation(ctx context.Context, orgID models.OrgID, contactID models.ContactID) (*models.Conversation, error) {
	conv := &models.Conversation{}
	err := s.db.GetContext(ctx, conv, sqlSelectOpenConversation, orgID, contactID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error selecting open conversation: %w", err)
	}
	return conv, nil
}

const sqlSelectConversation = `
SELECT id, org_id, contact_id, status, assignee_id, broadcast_id, last_msg_on, unread_count, last_preview, created_on, modified_on
  FROM inbox_conversation
 WHERE org_id = $1 AND id = $2`

// GetConversation returns the conversation with the given id within the org
func (s *Store) GetConversation(ctx context.Context, orgID models.OrgID, id models.ConversationID) (*models.Conversation, error) {
	conv := &models.Conversation{}
	err := s.db.GetContext(ctx, conv, sqlSelectConversation, orgID, id)
	if err == sql.ErrNoRows {
		return nil, errs.Newf(errs.NotFound, "no such conversation %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("error selecting conversation: %w", err)
	}
	return conv, nil
}

const sqlSelectConversations = `
SELECT id, org_id, contact_id, status, assignee_id, broadcast_id, last_msg_on, unread_count, last_preview, created_on, modified_on
  FROM inbox_conversation
 WHERE org_id = $1 AND ($2 = '' OR status = $2)
 ORDER BY last_msg_on DESC, id DESC
 LIMIT $3 OFFSET $4`

// ListConversations returns a page of the org's conversations, newest
// activity first, optionally filtered on status.
func (s *Store) ListConversations(ctx context.Context, orgID models.OrgID, status models.ConversationStatus, limit, offset int) ([]*models.Conversation, error) {
	convs := make([]*models.Conversation, 0, limit)
	err := s.db.SelectContext(ctx, &convs, sqlSelectConversations, orgID, string(status), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("error selecting conversations: %w", err)
	}
	return convs, nil
}

const sqlRecordIncoming = `
UPDATE inbox_conversation
   SET last_msg_on = $2, last_preview = $3, unread_count = unread_count + 1, modified_on = NOW()
 WHERE id = $1`

// RecordIncomingOnConversation bumps the conversation's preview, last message
// time and unread counter for one incoming message. Only incoming writes may
// touch the unread counter.
func (s *Store) RecordIncomingOnConversation(ctx context.Context, id models.ConversationID, preview string, when time.Time) error {
	if _, err := s.db.ExecContext(ctx, sqlRecordIncoming, id, when, preview); err != nil {
		return fmt.Errorf("error recording incoming on conversation: %w", err)
	}
	return nil
}

const sqlRecordOutgoing = `
UPDATE inbox_conversation
   SET last_msg_on = $2, last_preview = $3, modified_on = NOW()
 WHERE id = $1`

// RecordOutgoingOnConversation bumps the conversation's preview and last
// message time for one outgoing message.
func (s *Store) RecordOutgoingOnConversation(ctx context.Context, id models.ConversationID, preview string, when time.Time) error {
	if _, err := s.db.ExecContext(ctx, sqlRecordOutgoing, id, when, preview); err != nil {
		return fmt.Errorf("error recording outgoing on conversation: %w", err)
	}
	return nil
}

const sqlMarkConversationRead = `
UPDATE inbox_conversation SET unread_count = 0, modified_on = NOW() WHERE org_id = $1 AND id = $2`

const sqlMarkMsgsRead = `
UPDATE msgs_msg SET status = 'R'
 WHERE org_id = $1 AND conversation_id = $2 AND id = ANY($3) AND direction = 'I' AND status != 'R'`

// MarkConversationRead zeroes the conversation's unread counter and marks the
// given incoming messages as read.
func (s *Store) MarkConversationRead(ctx context.Context, orgID models.OrgID, id models.ConversationID, msgIDs []models.MsgID) error {
	res, err := s.db.ExecContext(ctx, sqlMarkConversationRead, orgID, id)
	if err != nil {
		return fmt.Errorf("error marking conversation read: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return errs.Newf(errs.NotFound, "no such conversation %s", id)
	}

	if len(msgIDs) > 0 {
		ids := make([]int64, len(msgIDs))
		for i := range msgIDs {
			ids[i] = int64(msgIDs[i])
		}
		if _, err := s.db.ExecContext(ctx, sqlMarkMsgsRead, orgID, id, pq.Array(ids)); err != nil {
			return fmt.Errorf("error marking messages read: %w", err)
		}
	}
	return nil
}

const sqlUpdateConversationStatus = `
UPDATE inbox_conversation SET status = $3, modified_on = NOW() WHERE org_id = $1 AND id = $2`

// UpdateConversationStatus moves the conversation to the given status
func (s *Store) UpdateConversationStatus(ctx context.Context, orgID models.OrgID, id models.ConversationID, status models.ConversationStatus) error {
	res, err := s.db.ExecContext(ctx, sqlUpdateConversationStatus, orgID, id, status)
	if err != nil {
		return fmt.Errorf("error updating conversation status: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return errs.Newf(errs.NotFound, "no such conversation %s", id)
	}
	return nil
}

const sqlAssignConversation = `
UPDATE inbox_conversation SET assignee_id = $3, modified_on = NOW() WHERE org_id = $1 AND id = $2`

// AssignConversation sets or clears the conversation's assigned agent
func (s *Store) AssignConversation(ctx context.Context, orgID models.OrgID, id models.ConversationID, assignee models.UserID) error {
	res, err := s.db.ExecContext(ctx, sqlAssignConversation, orgID, id, assignee)
	if err != nil {
		return fmt.Errorf("error assigning conversation: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return errs.Newf(errs.NotFound, "no such conversation %s", id)
	}
	return nil
}

const sqlAttributeConversation = `
UPDATE inbox_conversation SET broadcast_id = $2, modified_on = NOW() WHERE id = $1 AND broadcast_id IS NULL`

// AttributeConversation links the conversation to a broadcast if it isn't
// attributed to one already, returning whether this call did the linking.
func (s *Store) AttributeConversation(ctx context.Context, id models.ConversationID, broadcastID models.BroadcastID) (bool, error) {
	res, err := s.db.ExecContext(ctx, sqlAttributeConversation, id, broadcastID)
	if err != nil {
		return false, fmt.Errorf("error attributing conversation: %w", err)
	}
	rows, _ := res.RowsAffected()
	return rows > 0, nil
}

const sqlInsertNote = `
INSERT INTO inbox_note(org_id, conversation_id, author_id, body, created_on)
     VALUES (:org_id, :conversation_id, :author_id, :body, :created_on)
  RETURNING id`

// AddNote attaches an internal note to a conversation
func (s *Store) AddNote(ctx context.Context, note *models.Note) error {
	if note.CreatedOn.IsZero() {
		note.CreatedOn = time.Now()
	}
	rows, err := s.db.NamedQueryContext(ctx, sqlInsertNote, note)
	if err != nil {
		return fmt.Errorf("error inserting note: %w", err)
	}
	defer rows.Close()
	if rows.Next() {
		if err := rows.Scan(&note.ID); err != nil {
			return fmt.Errorf("error scanning note id: %w", err)
		}
	}
	return nil
}

const sqlSelectNotes = `
SELECT id, org_id, conversation_id, author_id, body, created_on
  FROM inbox_note
 WHERE org_id = $1 AND conversation_id = $2
 ORDER BY created_on, id`

// ListNotes returns the conversation's notes, oldest first
func (s *Store) ListNotes(ctx context.Context, orgID models.OrgID, conversationID models.ConversationID) ([]*models.Note, error) {
	notes := make([]*models.Note, 0, 10)
	err := s.db.SelectContext(ctx, &notes, sqlSelectNotes, orgID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("error selecting notes: %w", err)
	}
	return notes, nil
}
