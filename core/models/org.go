package models

import (
	"database/sql/driver"
	"strconv"
	"time"

	"github.com/nyaruka/gocommon/uuids"
	"github.com/nyaruka/null/v3"
)

// OrgID is the id of a tenant organization
type OrgID null.Int

// NilOrgID is our nil value for OrgID
const NilOrgID = OrgID(0)

func (i *OrgID) Scan(value any) error         { return null.ScanInt(value, i) }
func (i OrgID) Value() (driver.Value, error)  { return null.IntValue(i) }
func (i *OrgID) UnmarshalJSON(b []byte) error { return null.UnmarshalInt(b, i) }
func (i OrgID) MarshalJSON() ([]byte, error)  { return null.MarshalInt(i) }

// String returns a string representation of the id
func (i OrgID) String() string {
	if i != NilOrgID {
		return strconv.FormatInt(int64(i), 10)
	}
	return "null"
}

// OrgStatus is the subscription state of an org
type OrgStatus string

// Possible values for OrgStatus
const (
	OrgStatusActive  OrgStatus = "A"
	OrgStatusClosed  OrgStatus = "C"
	OrgStatusExpired OrgStatus = "X"
)

// Org is a tenant organization with its own provider credentials, agents,
// contacts and automations.
type Org struct {
	ID   OrgID      `db:"id"            json:"id"`
	UUID uuids.UUID `db:"uuid"          json:"uuid"`
	Name string     `db:"name"          json:"name"`

	AccessToken        string `db:"access_token"         json:"-"`
	BusinessAccountID  string `db:"business_account_id"  json:"business_account_id"`
	PhoneNumberID      string `db:"phone_number_id"      json:"phone_number_id"`
	DisplayPhoneNumber string `db:"display_phone_number" json:"display_phone_number"`

	VerifyToken           string      `db:"verify_token"            json:"-"`
	ExternalWebhookURL    null.String `db:"external_webhook_url"    json:"external_webhook_url"`
	ExternalWebhookSecret null.String `db:"external_webhook_secret" json:"-"`
	APIKey                null.String `db:"api_key"                 json:"-"`

	ChatbotEnabled bool      `db:"chatbot_enabled" json:"chatbot_enabled"`
	Status         OrgStatus `db:"status"          json:"status"`
	Timezone       string    `db:"timezone"        json:"timezone"`

	CreatedOn  time.Time `db:"created_on"  json:"created_on"`
	ModifiedOn time.Time `db:"modified_on" json:"modified_on"`
}

// IsActive returns whether this org can send and receive
func (o *Org) IsActive() bool { return o.Status == OrgStatusActive }

// Location returns the org's timezone, defaulting to UTC
func (o *Org) Location() *time.Location {
	loc, err := time.LoadLocation(o.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
