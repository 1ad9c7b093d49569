package outbox_test

import (
	"context"
	"testing"

	"github.com/nyaruka/gocommon/httpx"
	"github.com/nyaruka/null/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tucanchat/tucan/core/errs"
	"github.com/tucanchat/tucan/core/models"
	"github.com/tucanchat/tucan/outbox"
	"github.com/tucanchat/tucan/realtime"
	"github.com/tucanchat/tucan/runtime"
	"github.com/tucanchat/tucan/test"
	"github.com/tucanchat/tucan/whatsapp"
)

func TestSend(t *testing.T) {
	defer httpx.SetRequestor(httpx.DefaultRequestor)
	httpx.SetRequestor(httpx.NewMockRequestor(map[string][]*httpx.MockResponse{
		"https://graph.facebook.com/v20.0/236785079735689/messages": {
			httpx.NewMockResponse(200, nil, []byte(`{"messages":[{"id":"wamid.451"}]}`)),
			httpx.NewMockResponse(400, nil, []byte(`{"error":{"message":"Message Undeliverable","code":131026}}`)),
		},
	}))

	ctx := context.Background()
	rt := &runtime.Runtime{Config: runtime.NewDefaultConfig()}
	db := test.NewStore()
	pub := test.NewPublisher()
	sender := outbox.NewSender(rt, db, pub)

	org := db.AddOrg(&models.Org{Name: "Nhlanhla Tea", AccessToken: "org1-access-token", PhoneNumberID: "236785079735689"})
	contact, err := db.GetOrCreateContact(ctx, org, "27110001111", "+27110001111", "Jim")
	require.NoError(t, err)
	conv, err := db.GetOrOpenConversation(ctx, org, contact.ID)
	require.NoError(t, err)

	// an accepted send settles the message to sent
	msg := models.NewOutgoingMsg(org, conv, models.MsgTypeText, "hello there")
	sent, err := sender.Send(ctx, org, contact, msg, whatsapp.NewText("hello there"))
	assert.NoError(t, err)
	assert.Equal(t, models.MsgStatusSent, sent.Status)
	assert.Equal(t, null.String("wamid.451"), sent.ProviderID)

	msgs, _ := db.ListMsgs(ctx, org.ID, conv.ID, 10, models.NilMsgID)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.MsgStatusSent, msgs[0].Status)

	conv, _ = db.GetConversation(ctx, org.ID, conv.ID)
	assert.Equal(t, null.String("hello there"), conv.LastPreview)

	events := pub.EventsOfType(realtime.EventMessageNew)
	require.Len(t, events, 2)
	assert.Equal(t, realtime.OrgRoom(org.ID), events[0].Room)
	assert.Equal(t, realtime.ConvRoom(conv.ID), events[1].Room)

	// a rejected send settles the message to failed but still lands on the
	// conversation so operators can see it
	msg = models.NewOutgoingMsg(org, conv, models.MsgTypeText, "second try")
	failed, err := sender.Send(ctx, org, contact, msg, whatsapp.NewText("second try"))
	assert.Error(t, err)
	assert.Equal(t, errs.Provider, errs.KindOf(err))
	assert.Equal(t, models.MsgStatusFailed, failed.Status)
	assert.Equal(t, null.String("Message Undeliverable"), failed.FailReason)

	msgs, _ = db.ListMsgs(ctx, org.ID, conv.ID, 10, models.NilMsgID)
	require.Len(t, msgs, 2)
	assert.Equal(t, models.MsgStatusFailed, msgs[0].Status)

	conv, _ = db.GetConversation(ctx, org.ID, conv.ID)
	assert.Equal(t, null.String("second try"), conv.LastPreview)

	assert.Len(t, pub.EventsOfType(realtime.EventMessageNew), 4)
}

func TestSendMediaPreview(t *testing.T) {
	defer httpx.SetRequestor(httpx.DefaultRequestor)
	httpx.SetRequestor(httpx.NewMockRequestor(map[string][]*httpx.MockResponse{
		"https://graph.facebook.com/v20.0/236785079735689/messages": {
			httpx.NewMockResponse(200, nil, []byte(`{"messages":[{"id":"wamid.452"}]}`)),
		},
	}))

	ctx := context.Background()
	rt := &runtime.Runtime{Config: runtime.NewDefaultConfig()}
	db := test.NewStore()
	sender := outbox.NewSender(rt, db, test.NewPublisher())

	org := db.AddOrg(&models.Org{Name: "Nhlanhla Tea", AccessToken: "org1-access-token", PhoneNumberID: "236785079735689"})
	contact, _ := db.GetOrCreateContact(ctx, org, "27110001111", "+27110001111", "Jim")
	conv, _ := db.GetOrOpenConversation(ctx, org, contact.ID)

	// media messages preview their caption
	msg := models.NewOutgoingMsg(org, conv, models.MsgTypeImage, "").WithCaption("Fresh rooibos")
	env := whatsapp.NewMedia(models.MsgTypeImage, &whatsapp.Media{Link: "https://example.com/tea.jpg", Caption: "Fresh rooibos"})
	_, err := sender.Send(ctx, org, contact, msg, env)
	assert.NoError(t, err)

	conv, _ = db.GetConversation(ctx, org.ID, conv.ID)
	assert.Equal(t, null.String("Fresh rooibos"), conv.LastPreview)
}
