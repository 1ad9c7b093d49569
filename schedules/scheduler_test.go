package schedules

import (
	"context"
	"testing"
	"time"

	"github.com/nyaruka/gocommon/httpx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tucanchat/tucan/broadcasts"
	"github.com/tucanchat/tucan/core/models"
	"github.com/tucanchat/tucan/runtime"
	"github.com/tucanchat/tucan/test"
)

const sendURL = "https://graph.facebook.com/v20.0/236785079735689/messages"

func setup(t *testing.T) (context.Context, *Scheduler, *broadcasts.Dispatcher, *test.Store, *models.Org) {
	ctx := context.Background()

	rt := &runtime.Runtime{Config: runtime.NewDefaultConfig()}
	db := test.NewStore()
	org := db.AddOrg(&models.Org{Name: "TucanEats", AccessToken: "org1-access-token", PhoneNumberID: "236785079735689"})

	d := broadcasts.NewDispatcher(rt, db, test.NewPublisher())
	return ctx, NewScheduler(rt, db, d), d, db, org
}

func TestScheduledBroadcasts(t *testing.T) {
	ctx, s, d, db, org := setup(t)
	defer httpx.SetRequestor(httpx.DefaultRequestor)

	past := time.Now().Add(-time.Minute)
	soon := time.Now().Add(20 * time.Second)
	later := time.Now().Add(2 * time.Minute)

	overdue := &models.Broadcast{OrgID: org.ID, Name: "overdue", TemplateName: "promo", TemplateLanguage: "en", Status: models.BroadcastStatusScheduled, ScheduledOn: &past}
	require.NoError(t, db.CreateBroadcast(ctx, overdue, []*models.Recipient{{Phone: "+911234500001"}}))

	imminent := &models.Broadcast{OrgID: org.ID, Name: "imminent", TemplateName: "promo", TemplateLanguage: "en", Status: models.BroadcastStatusScheduled, ScheduledOn: &soon}
	require.NoError(t, db.CreateBroadcast(ctx, imminent, []*models.Recipient{{Phone: "+911234500002"}}))

	tomorrow := &models.Broadcast{OrgID: org.ID, Name: "later", TemplateName: "promo", TemplateLanguage: "en", Status: models.BroadcastStatusScheduled, ScheduledOn: &later}
	require.NoError(t, db.CreateBroadcast(ctx, tomorrow, []*models.Recipient{{Phone: "+911234500003"}}))

	httpx.SetRequestor(httpx.NewMockRequestor(map[string][]*httpx.MockResponse{
		sendURL: {
			httpx.NewMockResponse(200, nil, []byte(`{"messages": [{"id": "wamid.S1"}]}`)),
			httpx.NewMockResponse(200, nil, []byte(`{"messages": [{"id": "wamid.S2"}]}`)),
		},
	}))

	s.tick()
	d.Stop()

	// overdue and within-grace broadcasts went out, the later one didn't move
	b, err := db.GetBroadcast(ctx, org.ID, overdue.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BroadcastStatusCompleted, b.Status)
	assert.Equal(t, 1, b.SentCount)

	b, err = db.GetBroadcast(ctx, org.ID, imminent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BroadcastStatusCompleted, b.Status)

	b, err = db.GetBroadcast(ctx, org.ID, tomorrow.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BroadcastStatusScheduled, b.Status)
	assert.Equal(t, 0, b.SentCount)

	// a second tick finds nothing left to start
	s.tick()
	d.Stop()
	b, err = db.GetBroadcast(ctx, org.ID, tomorrow.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BroadcastStatusScheduled, b.Status)
}

func TestDueNotifications(t *testing.T) {
	ctx, s, _, db, org := setup(t)
	defer httpx.SetRequestor(httpx.DefaultRequestor)

	closed := db.AddOrg(&models.Org{Name: "Shut Eats", Status: models.OrgStatusClosed, AccessToken: "org2-access-token", PhoneNumberID: "111111111111111"})

	seed := func(orgID models.OrgID, externalID string, scheduledOn time.Time) *models.Notification {
		n := &models.Notification{
			OrgID:            orgID,
			ExternalID:       externalID,
			Phone:            "+911234500001",
			TemplateName:     "cart_reminder",
			TemplateLanguage: "en",
			Payload:          models.NotificationPayload{"1": "Maria"},
			ScheduledOn:      scheduledOn,
		}
		created, err := db.CreateNotification(ctx, n)
		require.NoError(t, err)
		require.True(t, created)
		return n
	}

	now := time.Now()
	sendable := seed(org.ID, "cart-1", now.Add(-3*time.Minute))
	rejected := seed(org.ID, "cart-2", now.Add(-2*time.Minute))
	skipped := seed(org.ID, "cart-3", now.Add(-time.Minute))
	noOrg := seed(closed.ID, "cart-4", now.Add(-time.Minute))
	future := seed(org.ID, "cart-5", now.Add(time.Hour))

	// the same external id doesn't schedule twice
	created, err := db.CreateNotification(ctx, &models.Notification{OrgID: org.ID, ExternalID: "cart-1", Phone: "+911234500001", TemplateName: "cart_reminder", TemplateLanguage: "en", ScheduledOn: now})
	require.NoError(t, err)
	assert.False(t, created)

	won, err := db.CancelNotification(ctx, org.ID, "cart-3")
	require.NoError(t, err)
	require.True(t, won)

	requestor := httpx.NewMockRequestor(map[string][]*httpx.MockResponse{
		sendURL: {
			httpx.NewMockResponse(200, nil, []byte(`{"messages": [{"id": "wamid.N1"}]}`)),
			httpx.NewMockResponse(400, nil, []byte(`{"error": {"message": "(#132001) Template name does not exist", "code": 132001}}`)),
		},
	})
	httpx.SetRequestor(requestor)

	s.tick()

	byExternalID := make(map[string]*models.Notification)
	all, err := db.ListNotifications(ctx, org.ID, 10, 0)
	require.NoError(t, err)
	for _, n := range all {
		byExternalID[n.ExternalID] = n
	}

	n := byExternalID[sendable.ExternalID]
	assert.Equal(t, models.NotificationStatusSent, n.Status)
	assert.NotNil(t, n.SentOn)

	n = byExternalID[rejected.ExternalID]
	assert.Equal(t, models.NotificationStatusFailed, n.Status)
	assert.Contains(t, string(n.Error), "132001")

	n = byExternalID[skipped.ExternalID]
	assert.Equal(t, models.NotificationStatusCancelled, n.Status)
	assert.Nil(t, n.SentOn)

	n = byExternalID[future.ExternalID]
	assert.Equal(t, models.NotificationStatusPending, n.Status)

	// the closed org's notification failed without reaching the provider
	all, err = db.ListNotifications(ctx, closed.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, noOrg.ExternalID, all[0].ExternalID)
	assert.Equal(t, models.NotificationStatusFailed, all[0].Status)
	assert.Equal(t, "org not active", string(all[0].Error))
	assert.False(t, requestor.HasUnused())

	// everything due is settled, a second tick sends nothing
	s.tick()
	all, err = db.ListNotifications(ctx, org.ID, 10, 0)
	require.NoError(t, err)
	for _, n := range all {
		if n.ExternalID == future.ExternalID {
			assert.Equal(t, models.NotificationStatusPending, n.Status)
		} else {
			assert.NotEqual(t, models.NotificationStatusPending, n.Status, "external id %s", n.ExternalID)
		}
	}
}

func TestStartStop(t *testing.T) {
	_, s, d, _, _ := setup(t)

	require.NoError(t, s.Start())
	s.Stop()
	d.Stop()
}
