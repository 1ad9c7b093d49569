package models

import (
	"database/sql/driver"
	"strconv"
	"time"

	"github.com/nyaruka/null/v3"
)

// UserID is the id of an agent user
type UserID null.Int

// NilUserID is our nil value for UserID
const NilUserID = UserID(0)

func (i *UserID) Scan(value any) error         { return null.ScanInt(value, i) }
func (i UserID) Value() (driver.Value, error)  { return null.IntValue(i) }
func (i *UserID) UnmarshalJSON(b []byte) error { return null.UnmarshalInt(b, i) }
func (i UserID) MarshalJSON() ([]byte, error)  { return null.MarshalInt(i) }

// String returns a string representation of the id
func (i UserID) String() string {
	if i != NilUserID {
		return strconv.FormatInt(int64(i), 10)
	}
	return "null"
}

// User is an agent belonging to an org. Credential management is handled
// elsewhere, we only validate tokens naming these users.
type User struct {
	ID    UserID `db:"id"     json:"id"`
	OrgID OrgID  `db:"org_id" json:"org_id"`

	Name  string `db:"name"  json:"name"`
	Email string `db:"email" json:"email"`
	Role  string `db:"role"  json:"role"`

	CreatedOn time.Time `db:"created_on" json:"created_on"`
}
