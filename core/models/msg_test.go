package models_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tucanchat/tucan/core/models"
)

func TestStatusAdvances(t *testing.T) {
	tcs := []struct {
		from     models.MsgStatus
		to       models.MsgStatus
		advances bool
	}{
		{models.MsgStatusPending, models.MsgStatusSent, true},
		{models.MsgStatusSent, models.MsgStatusDelivered, true},
		{models.MsgStatusDelivered, models.MsgStatusRead, true},
		{models.MsgStatusSent, models.MsgStatusRead, true},
		{models.MsgStatusPending, models.MsgStatusFailed, true},
		{models.MsgStatusSent, models.MsgStatusFailed, true},

		// downgrades are ignored
		{models.MsgStatusRead, models.MsgStatusDelivered, false},
		{models.MsgStatusDelivered, models.MsgStatusSent, false},
		{models.MsgStatusSent, models.MsgStatusSent, false},

		// failed is terminal
		{models.MsgStatusFailed, models.MsgStatusSent, false},
		{models.MsgStatusFailed, models.MsgStatusRead, false},
	}

	for _, tc := range tcs {
		assert.Equal(t, tc.advances, models.StatusAdvances(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestCountersForAdvance(t *testing.T) {
	assert.Equal(t, []string{"sent_count"}, models.CountersForAdvance(models.MsgStatusPending, models.MsgStatusSent))
	assert.Equal(t, []string{"delivered_count"}, models.CountersForAdvance(models.MsgStatusSent, models.MsgStatusDelivered))
	assert.Equal(t, []string{"read_count"}, models.CountersForAdvance(models.MsgStatusDelivered, models.MsgStatusRead))

	// a read arriving before its delivered bumps both counters
	assert.Equal(t, []string{"delivered_count", "read_count"}, models.CountersForAdvance(models.MsgStatusSent, models.MsgStatusRead))

	assert.Equal(t, []string{"failed_count"}, models.CountersForAdvance(models.MsgStatusSent, models.MsgStatusFailed))

	// no columns for downgrades or no-ops
	assert.Nil(t, models.CountersForAdvance(models.MsgStatusRead, models.MsgStatusDelivered))
	assert.Nil(t, models.CountersForAdvance(models.MsgStatusFailed, models.MsgStatusDelivered))
	assert.Nil(t, models.CountersForAdvance(models.MsgStatusSent, models.MsgStatusSent))
}

func TestNewMsgs(t *testing.T) {
	org := &Org1
	conv := &models.Conversation{ID: models.ConversationID(10), OrgID: org.ID, ContactID: models.ContactID(7)}

	in := models.NewIncomingMsg(org, conv, models.MsgTypeText, "hi there")
	assert.Equal(t, models.MsgIncoming, in.Direction)
	assert.Equal(t, models.MsgStatusDelivered, in.Status)
	assert.Equal(t, conv.ContactID, in.ContactID)
	assert.NotEmpty(t, in.UUID)

	out := models.NewOutgoingMsg(org, conv, models.MsgTypeImage, "").
		WithMedia("https://example.com/cat.jpg", "", "image/jpeg", "cat.jpg").
		WithCaption("a cat")
	assert.Equal(t, models.MsgOutgoing, out.Direction)
	assert.Equal(t, models.MsgStatusPending, out.Status)
	assert.Equal(t, "https://example.com/cat.jpg", string(out.MediaURL))
	assert.Equal(t, "a cat", string(out.Caption))
	assert.True(t, models.MsgTypeImage.IsMedia())
	assert.False(t, models.MsgTypeText.IsMedia())
}

func TestPreviewFor(t *testing.T) {
	assert.Equal(t, "hello", models.PreviewFor(models.MsgTypeText, "hello"))
	assert.Equal(t, "[image]", models.PreviewFor(models.MsgTypeImage, ""))

	long := ""
	for i := 0; i < 30; i++ {
		long += "0123456789"
	}
	assert.Len(t, models.PreviewFor(models.MsgTypeText, long), 100)
}

// Org1 is a reusable active org for tests in this package
var Org1 = models.Org{
	ID:                 models.OrgID(1),
	Name:               "Nhlanhla Tea",
	AccessToken:        "org1-access-token",
	PhoneNumberID:      "236785079735689",
	DisplayPhoneNumber: "+27 11 555 0199",
	Status:             models.OrgStatusActive,
	Timezone:           "Africa/Johannesburg",
	ChatbotEnabled:     true,
}
