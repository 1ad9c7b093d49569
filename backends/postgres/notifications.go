package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/nyaruka/gocommon/dbutil"
	"github.com/tucanchat/tucan/core/models"
)

const sqlInsertNotification = `
INSERT INTO schedules_notification(org_id, external_id, phone, template_name, template_language, payload, status, scheduled_on, created_on)
     VALUES (:org_id, :external_id, :phone, :template_name, :template_language, :payload, :status, :scheduled_on, :created_on)
  RETURNING id`

// CreateNotification schedules the notification, returning false without
// error when the org already has one for the same external id, e.g. the same
// abandoned cart reported twice.
func (s *Store) CreateNotification(ctx context.Context, n *models.Notification) (bool, error) {
	if n.CreatedOn.IsZero() {
		n.CreatedOn = time.Now()
	}
	if n.Status == "" {
		n.Status = models.NotificationStatusPending
	}

	rows, err := s.db.NamedQueryContext(ctx, sqlInsertNotification, n)
	if err != nil {
		if dbutil.IsUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("error inserting notification: %w", err)
	}
	defer rows.Close()
	if rows.Next() {
		if err := rows.Scan(&n.ID); err != nil {
			return false, fmt.Errorf("error scanning notification id: %w", err)
		}
	}
	return true, nil
}

const sqlSelectNotifications = `
SELECT id, org_id, external_id, phone, template_name, template_language, payload, status, error, scheduled_on, sent_on, created_on
  FROM schedules_notification
 WHERE org_id = $1
 ORDER BY scheduled_on DESC, id DESC
 LIMIT $2 OFFSET $3`

// ListNotifications returns a page of the org's notifications, latest
// schedule first.
func (s *Store) ListNotifications(ctx context.Context, orgID models.OrgID, limit, offset int) ([]*models.Notification, error) {
	notifications := make([]*models.Notification, 0, limit)
	if err := s.db.SelectContext(ctx, &notifications, sqlSelectNotifications, orgID, limit, offset); err != nil {
		return nil, fmt.Errorf("error selecting notifications: %w", err)
	}
	return notifications, nil
}

const sqlSelectDueNotifications = `
SELECT id, org_id, external_id, phone, template_name, template_language, payload, status, error, scheduled_on, sent_on, created_on
  FROM schedules_notification
 WHERE status = 'P' AND scheduled_on <= $1
 ORDER BY scheduled_on
 LIMIT $2`

// GetDueNotifications returns pending notifications due at now, oldest first,
// across all orgs.
func (s *Store) GetDueNotifications(ctx context.Context, now time.Time, limit int) ([]*models.Notification, error) {
	notifications := make([]*models.Notification, 0, limit)
	if err := s.db.SelectContext(ctx, &notifications, sqlSelectDueNotifications, now, limit); err != nil {
		return nil, fmt.Errorf("error selecting due notifications: %w", err)
	}
	return notifications, nil
}

const sqlMarkNotificationSent = `
UPDATE schedules_notification SET status = 'S', sent_on = NOW() WHERE id = $1 AND status = 'P'`

// MarkNotificationSent records that the notification went out
func (s *Store) MarkNotificationSent(ctx context.Context, id int) error {
	if _, err := s.db.ExecContext(ctx, sqlMarkNotificationSent, id); err != nil {
		return fmt.Errorf("error marking notification sent: %w", err)
	}
	return nil
}

const sqlMarkNotificationFailed = `
UPDATE schedules_notification SET status = 'F', error = $2 WHERE id = $1 AND status = 'P'`

// MarkNotificationFailed records why the notification could not be sent
func (s *Store) MarkNotificationFailed(ctx context.Context, id int, errMsg string) error {
	if _, err := s.db.ExecContext(ctx, sqlMarkNotificationFailed, id, errMsg); err != nil {
		return fmt.Errorf("error marking notification failed: %w", err)
	}
	return nil
}

const sqlCancelNotification = `
UPDATE schedules_notification SET status = 'X' WHERE org_id = $1 AND external_id = $2 AND status = 'P'`

// CancelNotification cancels a still pending notification by its external id,
// e.g. when the abandoned cart gets checked out after all. Returns whether
// anything was cancelled.
func (s *Store) CancelNotification(ctx context.Context, orgID models.OrgID, externalID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, sqlCancelNotification, orgID, externalID)
	if err != nil {
		return false, fmt.Errorf("error cancelling notification: %w", err)
	}
	rows, _ := res.RowsAffected()
	return rows > 0, nil
}
