package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/nyaruka/gocommon/dbutil"
	"github.com/tucanchat/tucan/core/errs"
	"github.com/tucanchat/tucan/core/models"
)

const sqlInsertBroadcast = `
INSERT INTO broadcasts_broadcast(org_id, name, template_name, template_language, header_media_id, header_media_type,
                                 status, chatbot_on_reply, recipient_count, scheduled_on, created_on, modified_on)
     VALUES (:org_id, :name, :template_name, :template_language, :header_media_id, :header_media_type,
             :status, :chatbot_on_reply, :recipient_count, :scheduled_on, :created_on, :modified_on)
  RETURNING id`

const sqlInsertRecipients = `
INSERT INTO broadcasts_recipient( broadcast_id,  org_id,  phone,  vars,  status)
                          VALUES(:broadcast_id, :org_id, :phone, :vars, :status)`

// CreateBroadcast inserts the broadcast and its recipient list in one
// transaction, setting the broadcast's id and recipient count.
func (s *Store) CreateBroadcast(ctx context.Context, bcast *models.Broadcast, recipients []*models.Recipient) error {
	now := time.Now()
	bcast.CreatedOn = now
	bcast.ModifiedOn = now
	bcast.RecipientCount = len(recipients)
	if bcast.Status == "" {
		bcast.Status = models.BroadcastStatusPending
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %w", err)
	}

	rows, err := tx.NamedQuery(sqlInsertBroadcast, bcast)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("error inserting broadcast: %w", err)
	}
	if rows.Next() {
		err = rows.Scan(&bcast.ID)
	}
	rows.Close()
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("error scanning broadcast id: %w", err)
	}

	for i := range recipients {
		recipients[i].BroadcastID = bcast.ID
		recipients[i].OrgID = bcast.OrgID
		if recipients[i].Status == "" {
			recipients[i].Status = models.MsgStatusPending
		}
	}
	if err := dbutil.BulkQuery(ctx, tx, sqlInsertRecipients, recipients); err != nil {
		tx.Rollback()
		return fmt.Errorf("error inserting recipients: %w", err)
	}

	return tx.Commit()
}

const sqlSelectBroadcast = `
SELECT id, org_id, name, template_name, template_language, header_media_id, header_media_type, status, chatbot_on_reply,
       recipient_count, sent_count, delivered_count, read_count, failed_count, replied_count,
       scheduled_on, started_on, completed_on, created_on, modified_on
  FROM broadcasts_broadcast
 WHERE org_id = $1 AND id = $2`

// GetBroadcast returns the broadcast with the given id within the org
func (s *Store) GetBroadcast(ctx context.Context, orgID models.OrgID, id models.BroadcastID) (*models.Broadcast, error) {
	bcast := &models.Broadcast{}
	err := s.db.GetContext(ctx, bcast, sqlSelectBroadcast, orgID, id)
	if err == sql.ErrNoRows {
		return nil, errs.Newf(errs.NotFound, "no such broadcast %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("error selecting broadcast: %w", err)
	}
	return bcast, nil
}

const sqlSelectBroadcasts = `
SELECT id, org_id, name, template_name, template_language, header_media_id, header_media_type, status, chatbot_on_reply,
       recipient_count, sent_count, delivered_count, read_count, failed_count, replied_count,
       scheduled_on, started_on, completed_on, created_on, modified_on
  FROM broadcasts_broadcast
 WHERE org_id = $1
 ORDER BY created_on DESC, id DESC
 LIMIT $2 OFFSET $3`

// ListBroadcasts returns a page of the org's broadcasts, newest first
func (s *Store) ListBroadcasts(ctx context.Context, orgID models.OrgID, limit, offset int) ([]*models.Broadcast, error) {
	bcasts := make([]*models.Broadcast, 0, limit)
	if err := s.db.SelectContext(ctx, &bcasts, sqlSelectBroadcasts, orgID, limit, offset); err != nil {
		return nil, fmt.Errorf("error selecting broadcasts: %w", err)
	}
	return bcasts, nil
}

const sqlSelectRecipients = `
SELECT id, broadcast_id, org_id, phone, vars, status, provider_id, error, sent_on
  FROM broadcasts_recipient
 WHERE broadcast_id = $1
 ORDER BY id`

// GetBroadcastRecipients returns the broadcast's recipients in insertion order
func (s *Store) GetBroadcastRecipients(ctx context.Context, id models.BroadcastID) ([]*models.Recipient, error) {
	recipients := make([]*models.Recipient, 0, 50)
	if err := s.db.SelectContext(ctx, &recipients, sqlSelectRecipients, id); err != nil {
		return nil, fmt.Errorf("error selecting recipients: %w", err)
	}
	return recipients, nil
}

const sqlClaimBroadcast = `
UPDATE broadcasts_broadcast
   SET status = 'R', started_on = NOW(), modified_on = NOW()
 WHERE id = $1 AND status IN ('P', 'S')
RETURNING id, org_id, name, template_name, template_language, header_media_id, header_media_type, status, chatbot_on_reply,
          recipient_count, sent_count, delivered_count, read_count, failed_count, replied_count,
          scheduled_on, started_on, completed_on, created_on, modified_on`

const sqlSelectBroadcastByID = `
SELECT id, org_id, name, template_name, template_language, header_media_id, header_media_type, status, chatbot_on_reply,
       recipient_count, sent_count, delivered_count, read_count, failed_count, replied_count,
       scheduled_on, started_on, completed_on, created_on, modified_on
  FROM broadcasts_broadcast
 WHERE id = $1`

// ClaimBroadcast atomically moves the broadcast to processing, returning it
// and whether this caller won the claim. Losing makes start idempotent: a
// second dispatch of the same broadcast becomes a no-op.
func (s *Store) ClaimBroadcast(ctx context.Context, id models.BroadcastID) (*models.Broadcast, bool, error) {
	bcast := &models.Broadcast{}
	err := s.db.GetContext(ctx, bcast, sqlClaimBroadcast, id)
	if err == nil {
		return bcast, true, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, fmt.Errorf("error claiming broadcast: %w", err)
	}

	err = s.db.GetContext(ctx, bcast, sqlSelectBroadcastByID, id)
	if err == sql.ErrNoRows {
		return nil, false, errs.Newf(errs.NotFound, "no such broadcast %s", id)
	}
	if err != nil {
		return nil, false, fmt.Errorf("error selecting broadcast: %w", err)
	}
	return bcast, false, nil
}

const sqlCompleteBroadcast = `
UPDATE broadcasts_broadcast SET status = 'C', completed_on = NOW(), modified_on = NOW() WHERE id = $1 AND status = 'R'`

// CompleteBroadcast marks a processing broadcast as completed
func (s *Store) CompleteBroadcast(ctx context.Context, id models.BroadcastID) error {
	if _, err := s.db.ExecContext(ctx, sqlCompleteBroadcast, id); err != nil {
		return fmt.Errorf("error completing broadcast: %w", err)
	}
	return nil
}

const sqlCancelBroadcast = `
UPDATE broadcasts_broadcast SET status = 'X', modified_on = NOW() WHERE org_id = $1 AND id = $2 AND status IN ('P', 'S', 'R')`

// CancelBroadcast cancels a broadcast that hasn't finished yet, returning
// whether it was still cancellable. Cancelling one that is already sending
// stops it at the next batch boundary.
func (s *Store) CancelBroadcast(ctx context.Context, orgID models.OrgID, id models.BroadcastID) (bool, error) {
	res, err := s.db.ExecContext(ctx, sqlCancelBroadcast, orgID, id)
	if err != nil {
		return false, fmt.Errorf("error cancelling broadcast: %w", err)
	}
	rows, _ := res.RowsAffected()
	return rows > 0, nil
}

// recipient and counter move in one statement so a crash between them can't
// leave the two out of step
const sqlUpdateRecipientSent = `
WITH r AS (
	UPDATE broadcasts_recipient SET status = 'S', provider_id = $2, sent_on = NOW() WHERE id = $1 AND status = 'P'
	RETURNING broadcast_id
)
UPDATE broadcasts_broadcast b SET sent_count = sent_count + 1, modified_on = NOW() FROM r WHERE b.id = r.broadcast_id`

// UpdateRecipientSent records a successful send for the recipient and bumps
// the broadcast's sent counter.
func (s *Store) UpdateRecipientSent(ctx context.Context, recipientID int, providerID string) error {
	if _, err := s.db.ExecContext(ctx, sqlUpdateRecipientSent, recipientID, providerID); err != nil {
		return fmt.Errorf("error updating recipient as sent: %w", err)
	}
	return nil
}

const sqlUpdateRecipientFailed = `
WITH r AS (
	UPDATE broadcasts_recipient SET status = 'F', error = $2 WHERE id = $1 AND status = 'P'
	RETURNING broadcast_id
)
UPDATE broadcasts_broadcast b SET failed_count = failed_count + 1, modified_on = NOW() FROM r WHERE b.id = r.broadcast_id`

// UpdateRecipientFailed records a failed send for the recipient and bumps the
// broadcast's failed counter.
func (s *Store) UpdateRecipientFailed(ctx context.Context, recipientID int, errMsg string) error {
	if _, err := s.db.ExecContext(ctx, sqlUpdateRecipientFailed, recipientID, errMsg); err != nil {
		return fmt.Errorf("error updating recipient as failed: %w", err)
	}
	return nil
}

const sqlSelectRecipientByProviderID = `
SELECT id, broadcast_id, org_id, phone, vars, status, provider_id, error, sent_on
  FROM broadcasts_recipient
 WHERE org_id = $1 AND provider_id = $2
   FOR UPDATE`

const sqlUpdateRecipientStatus = `
UPDATE broadcasts_recipient SET status = $2 WHERE id = $1`

// AdvanceRecipientStatusByProviderID applies a provider status receipt to
// whichever recipient carries that provider id, bumping the broadcast's
// counters for every rank the advance crossed so sent >= delivered >= read
// always holds. Returns nil when no recipient matches or the receipt is
// stale.
func (s *Store) AdvanceRecipientStatusByProviderID(ctx context.Context, orgID models.OrgID, providerID string, status models.MsgStatus) (*models.Recipient, models.BroadcastID, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, models.NilBroadcastID, fmt.Errorf("error beginning transaction: %w", err)
	}

	rcpt := &models.Recipient{}
	err = tx.GetContext(ctx, rcpt, sqlSelectRecipientByProviderID, orgID, providerID)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, models.NilBroadcastID, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, models.NilBroadcastID, fmt.Errorf("error selecting recipient by provider id: %w", err)
	}

	if !models.StatusAdvances(rcpt.Status, status) {
		tx.Rollback()
		return nil, models.NilBroadcastID, nil
	}
	counters := models.CountersForAdvance(rcpt.Status, status)

	if _, err := tx.ExecContext(ctx, sqlUpdateRecipientStatus, rcpt.ID, status); err != nil {
		tx.Rollback()
		return nil, models.NilBroadcastID, fmt.Errorf("error updating recipient status: %w", err)
	}
	rcpt.Status = status

	if len(counters) > 0 {
		sets := make([]string, len(counters))
		for i, col := range counters {
			sets[i] = fmt.Sprintf("%s = %s + 1", col, col)
		}
		bump := fmt.Sprintf(`UPDATE broadcasts_broadcast SET %s, modified_on = NOW() WHERE id = $1`, strings.Join(sets, ", "))
		if _, err := tx.ExecContext(ctx, bump, rcpt.BroadcastID); err != nil {
			tx.Rollback()
			return nil, models.NilBroadcastID, fmt.Errorf("error bumping broadcast counters: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, models.NilBroadcastID, fmt.Errorf("error committing recipient advance: %w", err)
	}
	return rcpt, rcpt.BroadcastID, nil
}

const sqlIncrementBroadcastReplied = `
UPDATE broadcasts_broadcast SET replied_count = replied_count + 1, modified_on = NOW() WHERE id = $1`

// IncrementBroadcastReplied bumps the broadcast's reply counter, called when
// a conversation is first attributed to it.
func (s *Store) IncrementBroadcastReplied(ctx context.Context, id models.BroadcastID) error {
	if _, err := s.db.ExecContext(ctx, sqlIncrementBroadcastReplied, id); err != nil {
		return fmt.Errorf("error incrementing broadcast replied: %w", err)
	}
	return nil
}

const sqlSelectDueBroadcasts = `
SELECT id, org_id, name, template_name, template_language, header_media_id, header_media_type, status, chatbot_on_reply,
       recipient_count, sent_count, delivered_count, read_count, failed_count, replied_count,
       scheduled_on, started_on, completed_on, created_on, modified_on
  FROM broadcasts_broadcast
 WHERE status = 'S' AND scheduled_on <= $1
 ORDER BY scheduled_on`

// GetDueScheduledBroadcasts returns scheduled broadcasts due at now, with a
// grace window so a send scheduled moments after a tick isn't held a full
// tick.
func (s *Store) GetDueScheduledBroadcasts(ctx context.Context, now time.Time, grace time.Duration) ([]*models.Broadcast, error) {
	bcasts := make([]*models.Broadcast, 0, 5)
	if err := s.db.SelectContext(ctx, &bcasts, sqlSelectDueBroadcasts, now.Add(grace)); err != nil {
		return nil, fmt.Errorf("error selecting due broadcasts: %w", err)
	}
	return bcasts, nil
}

const sqlSelectRecentBroadcastForPhone = `
SELECT b.id, b.org_id, b.name, b.template_name, b.template_language, b.header_media_id, b.header_media_type, b.status,
       b.chatbot_on_reply, b.recipient_count, b.sent_count, b.delivered_count, b.read_count, b.failed_count, b.replied_count,
       b.scheduled_on, b.started_on, b.completed_on, b.created_on, b.modified_on
  FROM broadcasts_broadcast b
  JOIN broadcasts_recipient r ON r.broadcast_id = b.id
 WHERE b.org_id = $1 AND regexp_replace(r.phone, '\D', '', 'g') = $2 AND b.started_on >= $3
 ORDER BY b.started_on DESC
 LIMIT 1`

// GetRecentBroadcastForPhone returns the latest broadcast that targeted the
// given phone number inside the window, or nil. Phones compare on digits
// only.
func (s *Store) GetRecentBroadcastForPhone(ctx context.Context, orgID models.OrgID, phone string, window time.Duration) (*models.Broadcast, error) {
	bcast := &models.Broadcast{}
	err := s.db.GetContext(ctx, bcast, sqlSelectRecentBroadcastForPhone, orgID, models.DigitsOnly(phone), time.Now().Add(-window))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error selecting recent broadcast for phone: %w", err)
	}
	return bcast, nil
}
