package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/tucanchat/tucan/core/errs"
	"github.com/tucanchat/tucan/core/models"
)

const sqlSelectOrgByID = `
SELECT id, uuid, name, access_token, business_account_id, phone_number_id, display_phone_number, verify_token,
       external_webhook_url, external_webhook_secret, api_key, chatbot_enabled, status, timezone, created_on, modified_on
  FROM orgs_org
 WHERE id = $1`

const sqlSelectOrgByPhoneNumberID = `
SELECT id, uuid, name, access_token, business_account_id, phone_number_id, display_phone_number, verify_token,
       external_webhook_url, external_webhook_secret, api_key, chatbot_enabled, status, timezone, created_on, modified_on
  FROM orgs_org
 WHERE phone_number_id = $1`

const sqlSelectOrgByAPIKey = `
SELECT id, uuid, name, access_token, business_account_id, phone_number_id, display_phone_number, verify_token,
       external_webhook_url, external_webhook_secret, api_key, chatbot_enabled, status, timezone, created_on, modified_on
  FROM orgs_org
 WHERE api_key = $1`

// GetOrg returns the org with the given id
func (s *Store) GetOrg(ctx context.Context, id models.OrgID) (*models.Org, error) {
	org := &models.Org{}
	err := s.db.GetContext(ctx, org, sqlSelectOrgByID, id)
	if err == sql.ErrNoRows {
		return nil, errs.Newf(errs.NotFound, "no such org %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("error selecting org: %w", err)
	}
	return org, nil
}

// GetOrgByPhoneNumberID returns the org owning the given provider phone number
func (s *Store) GetOrgByPhoneNumberID(ctx context.Context, phoneNumberID string) (*models.Org, error) {
	org := &models.Org{}
	err := s.db.GetContext(ctx, org, sqlSelectOrgByPhoneNumberID, phoneNumberID)
	if err == sql.ErrNoRows {
		return nil, errs.Newf(errs.NotFound, "no org with phone number id %s", phoneNumberID)
	}
	if err != nil {
		return nil, fmt.Errorf("error selecting org by phone number id: %w", err)
	}
	return org, nil
}

// GetOrgByAPIKey returns the org holding the given API key
func (s *Store) GetOrgByAPIKey(ctx context.Context, key string) (*models.Org, error) {
	org := &models.Org{}
	err := s.db.GetContext(ctx, org, sqlSelectOrgByAPIKey, key)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.Auth, "no org with that API key")
	}
	if err != nil {
		return nil, fmt.Errorf("error selecting org by api key: %w", err)
	}
	return org, nil
}

const sqlSelectUser = `
SELECT id, org_id, name, email, role, created_on
  FROM users_user
 WHERE org_id = $1 AND id = $2`

// GetUser returns the user with the given id within the org
func (s *Store) GetUser(ctx context.Context, orgID models.OrgID, id models.UserID) (*models.User, error) {
	user := &models.User{}
	err := s.db.GetContext(ctx, user, sqlSelectUser, orgID, id)
	if err == sql.ErrNoRows {
		return nil, errs.Newf(errs.NotFound, "no such user %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("error selecting user: %w", err)
	}
	return user, nil
}
