package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/nyaruka/null/v3"
)

// TemplateComponents is the raw component list of a provider template
type TemplateComponents []json.RawMessage

// Scan implements the sql.Scanner interface
func (c *TemplateComponents) Scan(value any) error { return scanJSON(value, c) }

// Value implements the driver.Valuer interface
func (c TemplateComponents) Value() (driver.Value, error) {
	if c == nil {
		return []byte(`[]`), nil
	}
	return json.Marshal(c)
}

// Template is our local mirror of a provider side message template, synced
// through the provider client.
type Template struct {
	ID    int   `db:"id"     json:"id"`
	OrgID OrgID `db:"org_id" json:"org_id"`

	Name     string `db:"name"     json:"name"`
	Language string `db:"language" json:"language"`
	Category string `db:"category" json:"category"`
	Status   string `db:"status"   json:"status"`

	Components TemplateComponents `db:"components"  json:"components"`
	ProviderID null.String        `db:"provider_id" json:"provider_id,omitempty"`

	CreatedOn  time.Time `db:"created_on"  json:"created_on"`
	ModifiedOn time.Time `db:"modified_on" json:"modified_on"`
}

// QuickReply is a canned response an operator can insert by shortcut, unique
// per (org, shortcut).
type QuickReply struct {
	ID    int   `db:"id"     json:"id"`
	OrgID OrgID `db:"org_id" json:"org_id"`

	Shortcut string `db:"shortcut" json:"shortcut"`
	Body     string `db:"body"     json:"body"`

	CreatedOn time.Time `db:"created_on" json:"created_on"`
}
