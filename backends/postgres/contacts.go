package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nyaruka/gocommon/dbutil"
	"github.com/nyaruka/gocommon/stringsx"
	"github.com/nyaruka/null/v3"
	"github.com/tucanchat/tucan/core/errs"
	"github.com/tucanchat/tucan/core/models"
)

const sqlSelectContactByWaID = `
SELECT id, org_id, wa_id, phone, name, profile_name, email, labels, created_on, modified_on
  FROM contacts_contact
 WHERE org_id = $1 AND wa_id = $2`

const sqlInsertContact = `
INSERT INTO contacts_contact(org_id, wa_id, phone, name, profile_name, email, labels, created_on, modified_on)
     VALUES (:org_id, :wa_id, :phone, :name, :profile_name, :email, :labels, :created_on, :modified_on)
  RETURNING id`

const sqlUpdateContactProfileName = `
UPDATE contacts_contact SET profile_name = $3, modified_on = NOW() WHERE org_id = $1 AND id = $2`

// GetOrCreateContact returns the contact with the given provider id, creating
// it when first seen. A changed push name is written back so the inbox always
// shows the name the contact currently uses.
func (s *Store) GetOrCreateContact(ctx context.Context, org *models.Org, waID, phone, profileName string) (*models.Contact, error) {
	profileName = dbutil.ToValidUTF8(stringsx.Truncate(profileName, 128))

	contact := &models.Contact{}
	err := s.db.GetContext(ctx, contact, sqlSelectContactByWaID, org.ID, waID)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("error selecting contact: %w", err)
	}

	if err == nil {
		if profileName != "" && contact.ProfileName != null.String(profileName) {
			if _, err := s.db.ExecContext(ctx, sqlUpdateContactProfileName, org.ID, contact.ID, profileName); err != nil {
				return nil, fmt.Errorf("error updating contact profile name: %w", err)
			}
			contact.ProfileName = null.String(profileName)
		}
		return contact, nil
	}

	now := time.Now()
	contact = &models.Contact{
		OrgID:       org.ID,
		WaID:        waID,
		Phone:       phone,
		ProfileName: null.String(profileName),
		Labels:      []string{},
		CreatedOn:   now,
		ModifiedOn:  now,
		IsNew:       true,
	}

	rows, err := s.db.NamedQueryContext(ctx, sqlInsertContact, contact)
	if err != nil {
		// another worker inserted the same wa_id first, use theirs
		if dbutil.IsUniqueViolation(err) {
			return s.GetOrCreateContact(ctx, org, waID, phone, profileName)
		}
		return nil, fmt.Errorf("error inserting contact: %w", err)
	}
	defer rows.Close()
	if rows.Next() {
		if err := rows.Scan(&contact.ID); err != nil {
			return nil, fmt.Errorf("error scanning contact id: %w", err)
		}
	}
	return contact, nil
}

const sqlSelectContactByID = `
SELECT id, org_id, wa_id, phone, name, profile_name, email, labels, created_on, modified_on
  FROM contacts_contact
 WHERE org_id = $1 AND id = $2`

// GetContact returns the contact with the given id within the org
func (s *Store) GetContact(ctx context.Context, orgID models.OrgID, id models.ContactID) (*models.Contact, error) {
	contact := &models.Contact{}
	err := s.db.GetContext(ctx, contact, sqlSelectContactByID, orgID, id)
	if err == sql.ErrNoRows {
		return nil, errs.Newf(errs.NotFound, "no such contact %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("error selecting contact: %w", err)
	}
	return contact, nil
}

const sqlSelectContactByPhone = `
SELECT id, org_id, wa_id, phone, name, profile_name, email, labels, created_on, modified_on
  FROM contacts_contact
 WHERE org_id = $1 AND regexp_replace(phone, '\D', '', 'g') = $2`

// GetContactByPhone returns the org's contact with the given phone number,
// compared on digits only so formatting differences don't matter.
func (s *Store) GetContactByPhone(ctx context.Context, orgID models.OrgID, phone string) (*models.Contact, error) {
	contact := &models.Contact{}
	err := s.db.GetContext(ctx, contact, sqlSelectContactByPhone, orgID, models.DigitsOnly(phone))
	if err == sql.ErrNoRows {
		return nil, errs.Newf(errs.NotFound, "no contact with phone %s", phone)
	}
	if err != nil {
		return nil, fmt.Errorf("error selecting contact by phone: %w", err)
	}
	return contact, nil
}

const sqlUpdateContact = `
UPDATE contacts_contact
   SET phone = :phone, name = :name, profile_name = :profile_name, email = :email, labels = :labels, modified_on = NOW()
 WHERE org_id = :org_id AND id = :id`

// UpdateContact writes the contact's mutable fields back
func (s *Store) UpdateContact(ctx context.Context, contact *models.Contact) error {
	res, err := s.db.NamedExecContext(ctx, sqlUpdateContact, contact)
	if err != nil {
		return fmt.Errorf("error updating contact: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return errs.Newf(errs.NotFound, "no such contact %s", contact.ID)
	}
	return nil
}

const sqlSelectContacts = `
SELECT id, org_id, wa_id, phone, name, profile_name, email, labels, created_on, modified_on
  FROM contacts_contact
 WHERE org_id = $1
 ORDER BY modified_on DESC, id DESC
 LIMIT $2 OFFSET $3`

const sqlSearchContacts = `
SELECT id, org_id, wa_id, phone, name, profile_name, email, labels, created_on, modified_on
  FROM contacts_contact
 WHERE org_id = $1 AND (name ILIKE $2 OR profile_name ILIKE $2 OR phone LIKE $2)
 ORDER BY modified_on DESC, id DESC
 LIMIT $3 OFFSET $4`

// ListContacts returns a page of the org's contacts, optionally filtered on
// name or phone.
func (s *Store) ListContacts(ctx context.Context, orgID models.OrgID, query string, limit, offset int) ([]*models.Contact, error) {
	contacts := make([]*models.Contact, 0, limit)

	var err error
	if query != "" {
		err = s.db.SelectContext(ctx, &contacts, sqlSearchContacts, orgID, "%"+query+"%", limit, offset)
	} else {
		err = s.db.SelectContext(ctx, &contacts, sqlSelectContacts, orgID, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("error selecting contacts: %w", err)
	}
	return contacts, nil
}
