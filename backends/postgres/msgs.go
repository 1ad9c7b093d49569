package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nyaruka/gocommon/dbutil"
	"github.com/tucanchat/tucan/core/models"
)

const sqlInsertMsg = `
INSERT INTO msgs_msg(uuid, org_id, conversation_id, contact_id, direction, msg_type, text, caption,
                     media_url, media_id, media_mime, media_size, filename, status, provider_id, fail_reason,
                     sent_by_id, created_on)
     VALUES (:uuid, :org_id, :conversation_id, :contact_id, :direction, :msg_type, :text, :caption,
             :media_url, :media_id, :media_mime, :media_size, :filename, :status, :provider_id, :fail_reason,
             :sent_by_id, :created_on)
  RETURNING id`

// InsertMsg writes the message, returning false without error when a message
// with the same provider id already exists for the org. That unique index is
// the last line of defense against double processing of webhook retries.
func (s *Store) InsertMsg(ctx context.Context, msg *models.Msg) (bool, error) {
	rows, err := s.db.NamedQueryContext(ctx, sqlInsertMsg, msg)
	if err != nil {
		if dbutil.IsUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("error inserting msg: %w", err)
	}
	defer rows.Close()
	if rows.Next() {
		if err := rows.Scan(&msg.ID); err != nil {
			return false, fmt.Errorf("error scanning msg id: %w", err)
		}
	}
	return true, nil
}

const sqlUpdateMsgSent = `
UPDATE msgs_msg
   SET status = CASE WHEN status = 'P' THEN 'S' ELSE status END, provider_id = $2
 WHERE id = $1`

// UpdateMsgSent records that the provider accepted the message. The status
// only moves off pending so a delivery receipt that raced us isn't undone.
func (s *Store) UpdateMsgSent(ctx context.Context, id models.MsgID, providerID string) error {
	if _, err := s.db.ExecContext(ctx, sqlUpdateMsgSent, id, providerID); err != nil {
		return fmt.Errorf("error updating msg as sent: %w", err)
	}
	return nil
}

const sqlUpdateMsgFailed = `
UPDATE msgs_msg SET status = 'F', fail_reason = $2 WHERE id = $1`

// UpdateMsgFailed records that the provider rejected the message
func (s *Store) UpdateMsgFailed(ctx context.Context, id models.MsgID, reason string) error {
	if _, err := s.db.ExecContext(ctx, sqlUpdateMsgFailed, id, reason); err != nil {
		return fmt.Errorf("error updating msg as failed: %w", err)
	}
	return nil
}

// the CASE ladders rank both statuses so stale or duplicated receipts can
// never move a message backwards, and nothing moves off failed
const sqlAdvanceMsgStatus = `
UPDATE msgs_msg
   SET status = $3,
       fail_reason = CASE WHEN $3 = 'F' THEN NULLIF($4, '') ELSE fail_reason END
 WHERE org_id = $1 AND provider_id = $2 AND direction = 'O' AND status != 'F'
   AND CASE status WHEN 'P' THEN 1 WHEN 'S' THEN 2 WHEN 'D' THEN 3 WHEN 'R' THEN 4 ELSE 5 END <
       CASE $3     WHEN 'P' THEN 1 WHEN 'S' THEN 2 WHEN 'D' THEN 3 WHEN 'R' THEN 4 ELSE 5 END
RETURNING id, uuid, org_id, conversation_id, contact_id, direction, msg_type, text, caption,
          media_url, media_id, media_mime, media_size, filename, status, provider_id, fail_reason,
          sent_by_id, created_on`

const sqlSelectMsgByProviderID = `
SELECT id, uuid, org_id, conversation_id, contact_id, direction, msg_type, text, caption,
       media_url, media_id, media_mime, media_size, filename, status, provider_id, fail_reason,
       sent_by_id, created_on
  FROM msgs_msg
 WHERE org_id = $1 AND provider_id = $2 AND direction = 'O'`

// AdvanceMsgStatusByProviderID applies a provider status receipt to whichever
// outgoing message carries that provider id. It returns the message and true
// when the status advanced, the message and false when the receipt was stale,
// and nil when no message matches, e.g. a receipt for a broadcast send.
func (s *Store) AdvanceMsgStatusByProviderID(ctx context.Context, orgID models.OrgID, providerID string, status models.MsgStatus, failReason string) (*models.Msg, bool, error) {
	msg := &models.Msg{}
	err := s.db.GetContext(ctx, msg, sqlAdvanceMsgStatus, orgID, providerID, status, failReason)
	if err == nil {
		return msg, true, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, fmt.Errorf("error advancing msg status: %w", err)
	}

	// nothing updated, distinguish an unknown provider id from a stale receipt
	err = s.db.GetContext(ctx, msg, sqlSelectMsgByProviderID, orgID, providerID)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("error selecting msg by provider id: %w", err)
	}
	return msg, false, nil
}

const sqlSelectMsgs = `
SELECT id, uuid, org_id, conversation_id, contact_id, direction, msg_type, text, caption,
       media_url, media_id, media_mime, media_size, filename, status, provider_id, fail_reason,
       sent_by_id, created_on
  FROM msgs_msg
 WHERE org_id = $1 AND conversation_id = $2 AND ($3 = 0 OR id < $3)
 ORDER BY id DESC
 LIMIT $4`

// ListMsgs returns a page of the conversation's messages, newest first,
// starting below beforeID when given for scroll-back paging.
func (s *Store) ListMsgs(ctx context.Context, orgID models.OrgID, conversationID models.ConversationID, limit int, beforeID models.MsgID) ([]*models.Msg, error) {
	msgs := make([]*models.Msg, 0, limit)
	err := s.db.SelectContext(ctx, &msgs, sqlSelectMsgs, orgID, conversationID, int64(beforeID), limit)
	if err != nil {
		return nil, fmt.Errorf("error selecting msgs: %w", err)
	}
	return msgs, nil
}
