package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/nyaruka/null/v3"
)

// NotificationStatus is the state of a scheduled notification
type NotificationStatus string

// Possible values for NotificationStatus
const (
	NotificationStatusPending   NotificationStatus = "P"
	NotificationStatusSent      NotificationStatus = "S"
	NotificationStatusFailed    NotificationStatus = "F"
	NotificationStatusCancelled NotificationStatus = "X"
)

// NotificationPayload is the free form payload a notification carries, used
// to fill template variables at send time.
type NotificationPayload map[string]string

// Scan implements the sql.Scanner interface
func (p *NotificationPayload) Scan(value any) error {
	if value == nil {
		*p = nil
		return nil
	}
	return scanJSON(value, p)
}

// Value implements the driver.Valuer interface
func (p NotificationPayload) Value() (driver.Value, error) {
	if p == nil {
		return nil, nil
	}
	return json.Marshal(p)
}

// Notification is a deferred template send, e.g. an abandoned cart reminder,
// deduplicated per org on its external id.
type Notification struct {
	ID    int    `db:"id"     json:"id"`
	OrgID OrgID  `db:"org_id" json:"org_id"`

	ExternalID       string              `db:"external_id"       json:"external_id"`
	Phone            string              `db:"phone"             json:"phone"`
	TemplateName     string              `db:"template_name"     json:"template_name"`
	TemplateLanguage string              `db:"template_language" json:"template_language"`
	Payload          NotificationPayload `db:"payload"           json:"payload,omitempty"`

	Status      NotificationStatus `db:"status"       json:"status"`
	Error       null.String        `db:"error"        json:"error,omitempty"`
	ScheduledOn time.Time          `db:"scheduled_on" json:"scheduled_on"`
	SentOn      *time.Time         `db:"sent_on"      json:"sent_on,omitempty"`

	CreatedOn time.Time `db:"created_on" json:"created_on"`
}
