package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/nyaruka/gocommon/dbutil"
	"github.com/tucanchat/tucan/core/errs"
	"github.com/tucanchat/tucan/core/models"
)

const sqlUpsertTemplate = `
INSERT INTO templates_template( org_id,  name,  language,  category,  status,  components,  provider_id,  created_on,  modified_on)
                        VALUES(:org_id, :name, :language, :category, :status, :components, :provider_id, :created_on, :modified_on)
ON CONFLICT(org_id, name, language)
  DO UPDATE SET category = EXCLUDED.category, status = EXCLUDED.status, components = EXCLUDED.components,
                provider_id = EXCLUDED.provider_id, modified_on = EXCLUDED.modified_on`

// UpsertTemplates writes the given templates for the org, inserting new ones
// and refreshing category, status and components of known ones. Used by
// template sync to mirror the provider's state.
func (s *Store) UpsertTemplates(ctx context.Context, orgID models.OrgID, templates []*models.Template) error {
	if len(templates) == 0 {
		return nil
	}

	now := time.Now()
	for i := range templates {
		templates[i].OrgID = orgID
		if templates[i].CreatedOn.IsZero() {
			templates[i].CreatedOn = now
		}
		templates[i].ModifiedOn = now
	}

	if err := dbutil.BulkQuery(ctx, s.db, sqlUpsertTemplate, templates); err != nil {
		return fmt.Errorf("error upserting templates: %w", err)
	}
	return nil
}

const sqlSelectTemplates = `
SELECT id, org_id, name, language, category, status, components, provider_id, created_on, modified_on
  FROM templates_template
 WHERE org_id = $1
 ORDER BY name, language`

// ListTemplates returns the org's template mirror
func (s *Store) ListTemplates(ctx context.Context, orgID models.OrgID) ([]*models.Template, error) {
	templates := make([]*models.Template, 0, 10)
	if err := s.db.SelectContext(ctx, &templates, sqlSelectTemplates, orgID); err != nil {
		return nil, fmt.Errorf("error selecting templates: %w", err)
	}
	return templates, nil
}

const sqlDeleteTemplateByName = `
DELETE FROM templates_template WHERE org_id = $1 AND name = $2`

// DeleteTemplateByName removes all language variants of the named template,
// mirroring how the provider deletes templates by name.
func (s *Store) DeleteTemplateByName(ctx context.Context, orgID models.OrgID, name string) error {
	if _, err := s.db.ExecContext(ctx, sqlDeleteTemplateByName, orgID, name); err != nil {
		return fmt.Errorf("error deleting template: %w", err)
	}
	return nil
}

const sqlSelectQuickReplies = `
SELECT id, org_id, shortcut, body, created_on
  FROM inbox_quickreply
 WHERE org_id = $1
 ORDER BY shortcut`

// ListQuickReplies returns the org's quick replies ordered by shortcut
func (s *Store) ListQuickReplies(ctx context.Context, orgID models.OrgID) ([]*models.QuickReply, error) {
	replies := make([]*models.QuickReply, 0, 10)
	if err := s.db.SelectContext(ctx, &replies, sqlSelectQuickReplies, orgID); err != nil {
		return nil, fmt.Errorf("error selecting quick replies: %w", err)
	}
	return replies, nil
}

const sqlInsertQuickReply = `
INSERT INTO inbox_quickreply(org_id, shortcut, body, created_on)
     VALUES (:org_id, :shortcut, :body, :created_on)
  RETURNING id`

// CreateQuickReply inserts a new quick reply, shortcut collisions within the
// org are conflicts.
func (s *Store) CreateQuickReply(ctx context.Context, qr *models.QuickReply) error {
	if qr.CreatedOn.IsZero() {
		qr.CreatedOn = time.Now()
	}

	rows, err := s.db.NamedQueryContext(ctx, sqlInsertQuickReply, qr)
	if err != nil {
		if dbutil.IsUniqueViolation(err) {
			return errs.Newf(errs.Conflict, "quick reply shortcut '%s' already exists", qr.Shortcut)
		}
		return fmt.Errorf("error inserting quick reply: %w", err)
	}
	defer rows.Close()
	if rows.Next() {
		if err := rows.Scan(&qr.ID); err != nil {
			return fmt.Errorf("error scanning quick reply id: %w", err)
		}
	}
	return nil
}

const sqlDeleteQuickReply = `
DELETE FROM inbox_quickreply WHERE org_id = $1 AND id = $2`

// DeleteQuickReply removes the quick reply with the given id
func (s *Store) DeleteQuickReply(ctx context.Context, orgID models.OrgID, id int) error {
	res, err := s.db.ExecContext(ctx, sqlDeleteQuickReply, orgID, id)
	if err != nil {
		return fmt.Errorf("error deleting quick reply: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return errs.Newf(errs.NotFound, "no such quick reply %d", id)
	}
	return nil
}
