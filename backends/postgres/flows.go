package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nyaruka/gocommon/dbutil"
	"github.com/tucanchat/tucan/core/errs"
	"github.com/tucanchat/tucan/core/models"
)

const sqlSelectFlow = `
SELECT id, org_id, name, nodes, edges, trigger_keyword, is_default, working_hours, session_timeout, enabled, created_on, modified_on
  FROM flows_flow
 WHERE org_id = $1 AND id = $2`

// GetFlow returns the flow with the given id within the org
func (s *Store) GetFlow(ctx context.Context, orgID models.OrgID, id models.FlowID) (*models.Flow, error) {
	flow := &models.Flow{}
	err := s.db.GetContext(ctx, flow, sqlSelectFlow, orgID, id)
	if err == sql.ErrNoRows {
		return nil, errs.Newf(errs.NotFound, "no such flow %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("error selecting flow: %w", err)
	}
	return flow, nil
}

const sqlSelectEnabledFlows = `
SELECT id, org_id, name, nodes, edges, trigger_keyword, is_default, working_hours, session_timeout, enabled, created_on, modified_on
  FROM flows_flow
 WHERE org_id = $1 AND enabled = TRUE
 ORDER BY is_default DESC, id`

// GetEnabledFlows returns the org's enabled flows, default flow first so
// trigger resolution can scan them in priority order.
func (s *Store) GetEnabledFlows(ctx context.Context, orgID models.OrgID) ([]*models.Flow, error) {
	flows := make([]*models.Flow, 0, 5)
	if err := s.db.SelectContext(ctx, &flows, sqlSelectEnabledFlows, orgID); err != nil {
		return nil, fmt.Errorf("error selecting enabled flows: %w", err)
	}
	return flows, nil
}

const sqlSelectFlows = `
SELECT id, org_id, name, nodes, edges, trigger_keyword, is_default, working_hours, session_timeout, enabled, created_on, modified_on
  FROM flows_flow
 WHERE org_id = $1
 ORDER BY name, id`

// ListFlows returns all of the org's flows
func (s *Store) ListFlows(ctx context.Context, orgID models.OrgID) ([]*models.Flow, error) {
	flows := make([]*models.Flow, 0, 10)
	if err := s.db.SelectContext(ctx, &flows, sqlSelectFlows, orgID); err != nil {
		return nil, fmt.Errorf("error selecting flows: %w", err)
	}
	return flows, nil
}

const sqlInsertFlow = `
INSERT INTO flows_flow(org_id, name, nodes, edges, trigger_keyword, is_default, working_hours, session_timeout, enabled, created_on, modified_on)
     VALUES (:org_id, :name, :nodes, :edges, :trigger_keyword, :is_default, :working_hours, :session_timeout, :enabled, :created_on, :modified_on)
  RETURNING id`

// CreateFlow inserts a new flow, setting its id on success
func (s *Store) CreateFlow(ctx context.Context, flow *models.Flow) error {
	now := time.Now()
	flow.CreatedOn = now
	flow.ModifiedOn = now

	rows, err := s.db.NamedQueryContext(ctx, sqlInsertFlow, flow)
	if err != nil {
		if dbutil.IsUniqueViolation(err) {
			return errs.Newf(errs.Conflict, "flow named '%s' already exists", flow.Name)
		}
		return fmt.Errorf("error inserting flow: %w", err)
	}
	defer rows.Close()
	if rows.Next() {
		if err := rows.Scan(&flow.ID); err != nil {
			return fmt.Errorf("error scanning flow id: %w", err)
		}
	}
	return nil
}

const sqlUpdateFlow = `
UPDATE flows_flow
   SET name = :name, nodes = :nodes, edges = :edges, trigger_keyword = :trigger_keyword,
       working_hours = :working_hours, session_timeout = :session_timeout, enabled = :enabled, modified_on = NOW()
 WHERE org_id = :org_id AND id = :id`

// UpdateFlow writes the flow's definition and settings back. The default flag
// only changes through SetDefaultFlow.
func (s *Store) UpdateFlow(ctx context.Context, flow *models.Flow) error {
	res, err := s.db.NamedExecContext(ctx, sqlUpdateFlow, flow)
	if err != nil {
		if dbutil.IsUniqueViolation(err) {
			return errs.Newf(errs.Conflict, "flow named '%s' already exists", flow.Name)
		}
		return fmt.Errorf("error updating flow: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return errs.Newf(errs.NotFound, "no such flow %s", flow.ID)
	}
	return nil
}

const sqlDeleteFlow = `
DELETE FROM flows_flow WHERE org_id = $1 AND id = $2`

// DeleteFlow removes the flow along with its live sessions
func (s *Store) DeleteFlow(ctx context.Context, orgID models.OrgID, id models.FlowID) error {
	res, err := s.db.ExecContext(ctx, sqlDeleteFlow, orgID, id)
	if err != nil {
		return fmt.Errorf("error deleting flow: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return errs.Newf(errs.NotFound, "no such flow %s", id)
	}
	return nil
}

const sqlClearDefaultFlow = `
UPDATE flows_flow SET is_default = FALSE, modified_on = NOW() WHERE org_id = $1 AND is_default = TRUE AND id != $2`

const sqlSetDefaultFlow = `
UPDATE flows_flow SET is_default = TRUE, modified_on = NOW() WHERE org_id = $1 AND id = $2`

// SetDefaultFlow makes the given flow the org's default entry point,
// displacing any previous default.
func (s *Store) SetDefaultFlow(ctx context.Context, orgID models.OrgID, id models.FlowID) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %w", err)
	}

	if _, err := tx.ExecContext(ctx, sqlClearDefaultFlow, orgID, id); err != nil {
		tx.Rollback()
		return fmt.Errorf("error clearing default flow: %w", err)
	}

	res, err := tx.ExecContext(ctx, sqlSetDefaultFlow, orgID, id)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("error setting default flow: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		tx.Rollback()
		return errs.Newf(errs.NotFound, "no such flow %s", id)
	}
	return tx.Commit()
}

const sqlSelectSession = `
SELECT id, org_id, contact_id, flow_id, current_node_id, vars, waiting_on, timeout_override, last_interaction_on, created_on
  FROM flows_session
 WHERE org_id = $1 AND contact_id = $2`

// GetSession returns the contact's live session or nil if they have none
func (s *Store) GetSession(ctx context.Context, orgID models.OrgID, contactID models.ContactID) (*models.Session, error) {
	session := &models.Session{}
	err := s.db.GetContext(ctx, session, sqlSelectSession, orgID, contactID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error selecting session: %w", err)
	}
	return session, nil
}

const sqlInsertSession = `
INSERT INTO flows_session(org_id, contact_id, flow_id, current_node_id, vars, waiting_on, timeout_override, last_interaction_on, created_on)
     VALUES (:org_id, :contact_id, :flow_id, :current_node_id, :vars, :waiting_on, :timeout_override, :last_interaction_on, :created_on)
  RETURNING id`

// CreateSession inserts the session. The (org, contact) uniqueness constraint
// resolves creation races by insertion order: a loser gets the winner's
// session back instead of its own.
func (s *Store) CreateSession(ctx context.Context, session *models.Session) (*models.Session, error) {
	rows, err := s.db.NamedQueryContext(ctx, sqlInsertSession, session)
	if err != nil {
		if dbutil.IsUniqueViolation(err) {
			winner, err := s.GetSession(ctx, session.OrgID, session.ContactID)
			if err != nil {
				return nil, err
			}
			if winner != nil {
				return winner, nil
			}
			// winner was deleted in between, try again
			return s.CreateSession(ctx, session)
		}
		return nil, fmt.Errorf("error inserting session: %w", err)
	}
	defer rows.Close()
	if rows.Next() {
		if err := rows.Scan(&session.ID); err != nil {
			return nil, fmt.Errorf("error scanning session id: %w", err)
		}
	}
	return session, nil
}

const sqlUpdateSession = `
UPDATE flows_session
   SET flow_id = :flow_id, current_node_id = :current_node_id, vars = :vars, waiting_on = :waiting_on,
       timeout_override = :timeout_override, last_interaction_on = :last_interaction_on
 WHERE id = :id`

// SaveSession writes the session's position and variable bag back
func (s *Store) SaveSession(ctx context.Context, session *models.Session) error {
	if _, err := s.db.NamedExecContext(ctx, sqlUpdateSession, session); err != nil {
		return fmt.Errorf("error updating session: %w", err)
	}
	return nil
}

const sqlDeleteSession = `
DELETE FROM flows_session WHERE id = $1`

// DeleteSession ends the session
func (s *Store) DeleteSession(ctx context.Context, id models.SessionID) error {
	if _, err := s.db.ExecContext(ctx, sqlDeleteSession, id); err != nil {
		return fmt.Errorf("error deleting session: %w", err)
	}
	return nil
}

const sqlSelectSessionVarNames = `
SELECT DISTINCT jsonb_object_keys(vars) AS name FROM flows_session WHERE org_id = $1 ORDER BY 1`

// DistinctSessionVarNames returns the names of every variable appearing in
// the org's live sessions, for the variable picker in the flow editor.
func (s *Store) DistinctSessionVarNames(ctx context.Context, orgID models.OrgID) ([]string, error) {
	names := make([]string, 0, 10)
	if err := s.db.SelectContext(ctx, &names, sqlSelectSessionVarNames, orgID); err != nil {
		return nil, fmt.Errorf("error selecting session var names: %w", err)
	}
	return names, nil
}
