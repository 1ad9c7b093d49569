package broadcasts

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nyaruka/gocommon/httpx"
	"github.com/nyaruka/gocommon/jsonx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tucanchat/tucan/core/models"
	"github.com/tucanchat/tucan/realtime"
	"github.com/tucanchat/tucan/runtime"
	"github.com/tucanchat/tucan/test"
)

const sendURL = "https://graph.facebook.com/v20.0/236785079735689/messages"

func setup(t *testing.T) (context.Context, *Dispatcher, *test.Store, *test.Publisher, *models.Org) {
	ctx := context.Background()

	rt := &runtime.Runtime{Config: runtime.NewDefaultConfig()}
	db := test.NewStore()
	pub := test.NewPublisher()
	org := db.AddOrg(&models.Org{Name: "TucanEats", AccessToken: "org1-access-token", PhoneNumberID: "236785079735689"})

	d := NewDispatcher(rt, db, pub)
	d.concurrency = 1 // sends hit the mock in recipient order
	d.batchPause = time.Millisecond
	return ctx, d, db, pub, org
}

// okSends queues one successful provider response per id
func okSends(ids ...string) {
	resps := make([]*httpx.MockResponse, len(ids))
	for i, id := range ids {
		resps[i] = httpx.NewMockResponse(200, nil, []byte(fmt.Sprintf(`{"messages": [{"id": "%s"}]}`, id)))
	}
	httpx.SetRequestor(httpx.NewMockRequestor(map[string][]*httpx.MockResponse{sendURL: resps}))
}

func TestDispatchCompletes(t *testing.T) {
	ctx, d, db, pub, org := setup(t)
	defer httpx.SetRequestor(httpx.DefaultRequestor)

	bcast := &models.Broadcast{OrgID: org.ID, Name: "August promo", TemplateName: "promo", TemplateLanguage: "en"}
	require.NoError(t, db.CreateBroadcast(ctx, bcast, []*models.Recipient{
		{Phone: "+911234500001", Vars: models.RecipientVars{"1": "Maria"}},
		{Phone: "+911234500002"},
	}))

	okSends("wamid.B1", "wamid.B2")

	claimed, err := d.Start(ctx, bcast.ID)
	require.NoError(t, err)
	assert.True(t, claimed)

	// a second start loses the claim and changes nothing
	claimed, err = d.Start(ctx, bcast.ID)
	require.NoError(t, err)
	assert.False(t, claimed)

	d.Stop()

	final, err := db.GetBroadcast(ctx, org.ID, bcast.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BroadcastStatusCompleted, final.Status)
	assert.Equal(t, 2, final.SentCount)
	assert.Equal(t, 0, final.FailedCount)
	assert.NotNil(t, final.StartedOn)
	assert.NotNil(t, final.CompletedOn)

	rcpts, err := db.GetBroadcastRecipients(ctx, bcast.ID)
	require.NoError(t, err)
	require.Len(t, rcpts, 2)
	assert.Equal(t, models.MsgStatusSent, rcpts[0].Status)
	assert.Equal(t, "wamid.B1", string(rcpts[0].ProviderID))
	assert.NotNil(t, rcpts[0].SentOn)
	assert.Equal(t, models.MsgStatusSent, rcpts[1].Status)
	assert.Equal(t, "wamid.B2", string(rcpts[1].ProviderID))

	events := pub.EventsOfType(realtime.EventBroadcastUpdate)
	require.Len(t, events, 2) // claimed, then completed
	assert.Equal(t, models.BroadcastStatusProcessing, events[0].Event.Data.(*models.Broadcast).Status)
	assert.Equal(t, models.BroadcastStatusCompleted, events[1].Event.Data.(*models.Broadcast).Status)
}

func TestSendFailures(t *testing.T) {
	ctx, d, db, _, org := setup(t)
	defer httpx.SetRequestor(httpx.DefaultRequestor)

	bcast := &models.Broadcast{OrgID: org.ID, Name: "August promo", TemplateName: "promo", TemplateLanguage: "en"}
	require.NoError(t, db.CreateBroadcast(ctx, bcast, []*models.Recipient{
		{Phone: "+911234500001"},
		{Phone: "+911234500002"},
	}))

	httpx.SetRequestor(httpx.NewMockRequestor(map[string][]*httpx.MockResponse{
		sendURL: {
			httpx.NewMockResponse(200, nil, []byte(`{"messages": [{"id": "wamid.B1"}]}`)),
			httpx.NewMockResponse(400, nil, []byte(`{"error": {"message": "(#131030) Recipient phone number not in allowed list", "code": 131030}}`)),
		},
	}))

	claimed, err := d.Start(ctx, bcast.ID)
	require.NoError(t, err)
	require.True(t, claimed)
	d.Stop()

	// one failure doesn't stop the run or its completion
	final, err := db.GetBroadcast(ctx, org.ID, bcast.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BroadcastStatusCompleted, final.Status)
	assert.Equal(t, 1, final.SentCount)
	assert.Equal(t, 1, final.FailedCount)

	rcpts, err := db.GetBroadcastRecipients(ctx, bcast.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MsgStatusSent, rcpts[0].Status)
	assert.Equal(t, models.MsgStatusFailed, rcpts[1].Status)
	assert.Contains(t, string(rcpts[1].Error), "131030")
}

func TestBatching(t *testing.T) {
	ctx, d, db, pub, org := setup(t)
	defer httpx.SetRequestor(httpx.DefaultRequestor)
	d.batchSize = 1

	bcast := &models.Broadcast{OrgID: org.ID, Name: "August promo", TemplateName: "promo", TemplateLanguage: "en"}
	require.NoError(t, db.CreateBroadcast(ctx, bcast, []*models.Recipient{
		{Phone: "+911234500001"},
		{Phone: "+911234500002"},
		{Phone: "+911234500003"},
	}))

	okSends("wamid.B1", "wamid.B2", "wamid.B3")

	claimed, err := d.Start(ctx, bcast.ID)
	require.NoError(t, err)
	require.True(t, claimed)
	d.Stop()

	final, err := db.GetBroadcast(ctx, org.ID, bcast.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BroadcastStatusCompleted, final.Status)
	assert.Equal(t, 3, final.SentCount)

	// claimed + one per batch boundary + completed
	events := pub.EventsOfType(realtime.EventBroadcastUpdate)
	assert.Len(t, events, 4)
}

func TestCancelBeforeStart(t *testing.T) {
	ctx, d, db, pub, org := setup(t)

	bcast := &models.Broadcast{OrgID: org.ID, Name: "August promo", TemplateName: "promo", TemplateLanguage: "en"}
	require.NoError(t, db.CreateBroadcast(ctx, bcast, []*models.Recipient{{Phone: "+911234500001"}}))

	won, err := db.CancelBroadcast(ctx, org.ID, bcast.ID)
	require.NoError(t, err)
	require.True(t, won)

	claimed, err := d.Start(ctx, bcast.ID)
	require.NoError(t, err)
	assert.False(t, claimed)
	d.Stop()

	rcpts, err := db.GetBroadcastRecipients(ctx, bcast.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MsgStatusPending, rcpts[0].Status)
	assert.Len(t, pub.Events(), 0)
}

func TestCancelMidRun(t *testing.T) {
	ctx, d, db, _, org := setup(t)
	defer httpx.SetRequestor(httpx.DefaultRequestor)
	d.batchSize = 1
	d.batchPause = 250 * time.Millisecond

	bcast := &models.Broadcast{OrgID: org.ID, Name: "August promo", TemplateName: "promo", TemplateLanguage: "en"}
	require.NoError(t, db.CreateBroadcast(ctx, bcast, []*models.Recipient{
		{Phone: "+911234500001"},
		{Phone: "+911234500002"},
	}))

	okSends("wamid.B1")

	claimed, err := d.Start(ctx, bcast.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	// cancel while the dispatcher is pausing between the two batches
	require.Eventually(t, func() bool {
		b, err := db.GetBroadcast(ctx, org.ID, bcast.ID)
		return err == nil && b.SentCount == 1
	}, time.Second, 5*time.Millisecond)

	won, err := db.CancelBroadcast(ctx, org.ID, bcast.ID)
	require.NoError(t, err)
	assert.True(t, won)

	d.Stop()

	final, err := db.GetBroadcast(ctx, org.ID, bcast.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BroadcastStatusCancelled, final.Status)
	assert.Equal(t, 1, final.SentCount)
	assert.Nil(t, final.CompletedOn)

	rcpts, err := db.GetBroadcastRecipients(ctx, bcast.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MsgStatusSent, rcpts[0].Status)
	assert.Equal(t, models.MsgStatusPending, rcpts[1].Status)
}

func TestAttributesOpenConversation(t *testing.T) {
	ctx, d, db, _, org := setup(t)
	defer httpx.SetRequestor(httpx.DefaultRequestor)

	contact, err := db.GetOrCreateContact(ctx, org, "911234500001", "+911234500001", "Jim Soni")
	require.NoError(t, err)
	conv, err := db.GetOrOpenConversation(ctx, org, contact.ID)
	require.NoError(t, err)

	bcast := &models.Broadcast{OrgID: org.ID, Name: "August promo", TemplateName: "promo", TemplateLanguage: "en"}
	require.NoError(t, db.CreateBroadcast(ctx, bcast, []*models.Recipient{{Phone: "+911234500001"}}))

	okSends("wamid.B1")
	claimed, err := d.Start(ctx, bcast.ID)
	require.NoError(t, err)
	require.True(t, claimed)
	d.Stop()

	updated, err := db.GetConversation(ctx, org.ID, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, bcast.ID, updated.BroadcastID)

	// a later broadcast to the same phone doesn't steal the attribution
	second := &models.Broadcast{OrgID: org.ID, Name: "September promo", TemplateName: "promo", TemplateLanguage: "en"}
	require.NoError(t, db.CreateBroadcast(ctx, second, []*models.Recipient{{Phone: "+911234500001"}}))

	okSends("wamid.B2")
	claimed, err = d.Start(ctx, second.ID)
	require.NoError(t, err)
	require.True(t, claimed)
	d.Stop()

	updated, err = db.GetConversation(ctx, org.ID, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, bcast.ID, updated.BroadcastID)
}

func TestTemplateParams(t *testing.T) {
	d := &Dispatcher{}

	bcast := &models.Broadcast{TemplateName: "order_update", TemplateLanguage: "en", HeaderMediaID: "MEDIA9", HeaderMediaType: "video"}
	rcpt := &models.Recipient{Vars: models.RecipientVars{"2": "", "1": "Maria", "10": "450"}}

	// header media leads, body params sort numerically, empties become "-"
	assert.JSONEq(t, `{
		"name": "order_update",
		"language": {"policy": "deterministic", "code": "en"},
		"components": [
			{"type": "header", "parameters": [{"type": "video", "video": {"id": "MEDIA9"}}]},
			{"type": "body", "parameters": [
				{"type": "text", "text": "Maria"},
				{"type": "text", "text": "-"},
				{"type": "text", "text": "450"}
			]}
		]
	}`, string(jsonx.MustMarshal(d.template(bcast, rcpt))))

	// media type defaults to image when the broadcast doesn't carry one
	bcast = &models.Broadcast{TemplateName: "order_update", TemplateLanguage: "en", HeaderMediaID: "MEDIA9"}
	assert.JSONEq(t, `{
		"name": "order_update",
		"language": {"policy": "deterministic", "code": "en"},
		"components": [
			{"type": "header", "parameters": [{"type": "image", "image": {"id": "MEDIA9"}}]}
		]
	}`, string(jsonx.MustMarshal(d.template(bcast, &models.Recipient{}))))

	// no header and no vars means a bare template
	bcast = &models.Broadcast{TemplateName: "hello_world", TemplateLanguage: "en_US"}
	assert.JSONEq(t, `{
		"name": "hello_world",
		"language": {"policy": "deterministic", "code": "en_US"}
	}`, string(jsonx.MustMarshal(d.template(bcast, &models.Recipient{}))))
}
