package models

import (
	"database/sql/driver"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/nyaruka/null/v3"
)

// ContactID is the id of a contact
type ContactID null.Int

// NilContactID is our nil value for ContactID
const NilContactID = ContactID(0)

func (i *ContactID) Scan(value any) error         { return null.ScanInt(value, i) }
func (i ContactID) Value() (driver.Value, error)  { return null.IntValue(i) }
func (i *ContactID) UnmarshalJSON(b []byte) error { return null.UnmarshalInt(b, i) }
func (i ContactID) MarshalJSON() ([]byte, error)  { return null.MarshalInt(i) }

// String returns a string representation of the id
func (i ContactID) String() string {
	if i != NilContactID {
		return strconv.FormatInt(int64(i), 10)
	}
	return "null"
}

// Contact is an end user, unique per (org, provider id), created lazily on
// their first inbound message.
type Contact struct {
	ID    ContactID `db:"id"     json:"id"`
	OrgID OrgID     `db:"org_id" json:"org_id"`

	WaID        string         `db:"wa_id"        json:"wa_id"`
	Phone       string         `db:"phone"        json:"phone"`
	Name        null.String    `db:"name"         json:"name"`
	ProfileName null.String    `db:"profile_name" json:"profile_name"`
	Email       null.String    `db:"email"        json:"email"`
	Labels      pq.StringArray `db:"labels"       json:"labels"`

	CreatedOn  time.Time `db:"created_on"  json:"created_on"`
	ModifiedOn time.Time `db:"modified_on" json:"modified_on"`

	IsNew bool `db:"-" json:"-"`
}

// DisplayName returns the best name we have for this contact
func (c *Contact) DisplayName() string {
	if c.Name != "" {
		return string(c.Name)
	}
	if c.ProfileName != "" {
		return string(c.ProfileName)
	}
	return "Customer"
}

// DigitsOnly strips everything but digits from a phone number so that
// numbers in different formats can be compared.
func DigitsOnly(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SamePhone compares two phone numbers on digits only
func SamePhone(a, b string) bool {
	return DigitsOnly(a) != "" && DigitsOnly(a) == DigitsOnly(b)
}
