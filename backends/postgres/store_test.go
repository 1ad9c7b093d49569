package postgres_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/nyaruka/null/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tucanchat/tucan/backends/postgres"
	"github.com/tucanchat/tucan/core/errs"
	"github.com/tucanchat/tucan/core/models"
	"github.com/tucanchat/tucan/testsuite"
)

func TestOrgs(t *testing.T) {
	ctx, rt := testsuite.Runtime(t)
	testsuite.ResetDB(t, rt)

	st := postgres.NewStore(rt.DB)

	org, err := st.GetOrg(ctx, testsuite.Org1)
	require.NoError(t, err)
	assert.Equal(t, "TucanEats", org.Name)
	assert.Equal(t, "16055741111", org.PhoneNumberID)
	assert.True(t, org.IsActive())

	_, err = st.GetOrg(ctx, models.OrgID(999))
	assert.Equal(t, errs.NotFound, errs.KindOf(err))

	org, err = st.GetOrgByPhoneNumberID(ctx, "16055742222")
	require.NoError(t, err)
	assert.Equal(t, testsuite.Org2, org.ID)

	_, err = st.GetOrgByPhoneNumberID(ctx, "16055749999")
	assert.Equal(t, errs.NotFound, errs.KindOf(err))

	org, err = st.GetOrgByAPIKey(ctx, "org1-api-key")
	require.NoError(t, err)
	assert.Equal(t, testsuite.Org1, org.ID)

	_, err = st.GetOrgByAPIKey(ctx, "not-a-key")
	assert.Equal(t, errs.Auth, errs.KindOf(err))

	// org 2 has no API key configured, an empty key must not match its NULL
	_, err = st.GetOrgByAPIKey(ctx, "")
	assert.Equal(t, errs.Auth, errs.KindOf(err))

	user, err := st.GetUser(ctx, testsuite.Org1, testsuite.Org1Admin)
	require.NoError(t, err)
	assert.Equal(t, "Ann McBride", user.Name)
	assert.Equal(t, "admin", user.Role)

	// users aren't visible from other orgs
	_, err = st.GetUser(ctx, testsuite.Org2, testsuite.Org1Admin)
	assert.Equal(t, errs.NotFound, errs.KindOf(err))
}

func TestContacts(t *testing.T) {
	ctx, rt := testsuite.Runtime(t)
	testsuite.ResetDB(t, rt)

	st := postgres.NewStore(rt.DB)
	org1, _ := st.GetOrg(ctx, testsuite.Org1)
	org2, _ := st.GetOrg(ctx, testsuite.Org2)

	contact, err := st.GetOrCreateContact(ctx, org1, "16055551234", "+1 605-555-1234", "Jim")
	require.NoError(t, err)
	assert.True(t, contact.IsNew)
	assert.NotZero(t, contact.ID)
	assert.Equal(t, null.String("Jim"), contact.ProfileName)

	// same wa_id returns the same contact
	again, err := st.GetOrCreateContact(ctx, org1, "16055551234", "+1 605-555-1234", "Jim")
	require.NoError(t, err)
	assert.False(t, again.IsNew)
	assert.Equal(t, contact.ID, again.ID)

	// a changed push name is written back
	again, err = st.GetOrCreateContact(ctx, org1, "16055551234", "+1 605-555-1234", "Jimmy")
	require.NoError(t, err)
	assert.Equal(t, null.String("Jimmy"), again.ProfileName)

	// but an empty one is ignored
	again, err = st.GetOrCreateContact(ctx, org1, "16055551234", "+1 605-555-1234", "")
	require.NoError(t, err)
	assert.Equal(t, null.String("Jimmy"), again.ProfileName)

	// same wa_id under another org is a different contact
	other, err := st.GetOrCreateContact(ctx, org2, "16055551234", "+1 605-555-1234", "Jim")
	require.NoError(t, err)
	assert.True(t, other.IsNew)
	assert.NotEqual(t, contact.ID, other.ID)

	// phone lookup compares digits only
	found, err := st.GetContactByPhone(ctx, testsuite.Org1, "+1 (605) 555-1234")
	require.NoError(t, err)
	assert.Equal(t, contact.ID, found.ID)

	_, err = st.GetContactByPhone(ctx, testsuite.Org1, "+1 605 555 9999")
	assert.Equal(t, errs.NotFound, errs.KindOf(err))

	contact, err = st.GetContact(ctx, testsuite.Org1, contact.ID)
	require.NoError(t, err)

	contact.Name = null.String("Jim Halpert")
	contact.Email = null.String("jim@dundermifflin.com")
	contact.Labels = pq.StringArray{"vip", "paper"}
	err = st.UpdateContact(ctx, contact)
	require.NoError(t, err)

	contact, err = st.GetContact(ctx, testsuite.Org1, contact.ID)
	require.NoError(t, err)
	assert.Equal(t, null.String("Jim Halpert"), contact.Name)
	assert.Equal(t, pq.StringArray{"vip", "paper"}, contact.Labels)

	// updating a contact that isn't in the org is not found
	contact.OrgID = testsuite.Org2
	err = st.UpdateContact(ctx, contact)
	assert.Equal(t, errs.NotFound, errs.KindOf(err))

	_, err = st.GetOrCreateContact(ctx, org1, "16055555678", "+1 605-555-5678", "Pam")
	require.NoError(t, err)

	contacts, err := st.ListContacts(ctx, testsuite.Org1, "", 50, 0)
	require.NoError(t, err)
	assert.Len(t, contacts, 2)

	contacts, err = st.ListContacts(ctx, testsuite.Org1, "halpert", 50, 0)
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.Equal(t, null.String("Jim Halpert"), contacts[0].Name)

	contacts, err = st.ListContacts(ctx, testsuite.Org1, "5678", 50, 0)
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.Equal(t, null.String("Pam"), contacts[0].ProfileName)
}

func TestConversations(t *testing.T) {
	ctx, rt := testsuite.Runtime(t)
	testsuite.ResetDB(t, rt)

	st := postgres.NewStore(rt.DB)
	org, _ := st.GetOrg(ctx, testsuite.Org1)
	contact, _ := st.GetOrCreateContact(ctx, org, "16055551234", "+16055551234", "Jim")

	// no active conversation yet
	conv, err := st.GetOpenConversation(ctx, org.ID, contact.ID)
	require.NoError(t, err)
	assert.Nil(t, conv)

	conv, err = st.GetOrOpenConversation(ctx, org, contact.ID)
	require.NoError(t, err)
	assert.NotZero(t, conv.ID)
	assert.Equal(t, models.ConversationStatusOpen, conv.Status)
	assert.Equal(t, 0, conv.UnreadCount)

	// a second call returns the same conversation
	again, err := st.GetOrOpenConversation(ctx, org, contact.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, again.ID)

	err = st.RecordIncomingOnConversation(ctx, conv.ID, "hello there", time.Now())
	require.NoError(t, err)
	err = st.RecordIncomingOnConversation(ctx, conv.ID, "anyone home?", time.Now())
	require.NoError(t, err)

	conv, err = st.GetConversation(ctx, org.ID, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, conv.UnreadCount)
	assert.Equal(t, null.String("anyone home?"), conv.LastPreview)

	// outgoing writes update the preview but never the unread counter
	err = st.RecordOutgoingOnConversation(ctx, conv.ID, "yes, hi!", time.Now())
	require.NoError(t, err)

	conv, err = st.GetConversation(ctx, org.ID, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, conv.UnreadCount)
	assert.Equal(t, null.String("yes, hi!"), conv.LastPreview)

	msg := models.NewIncomingMsg(org, conv, models.MsgTypeText, "hello there")
	_, err = st.InsertMsg(ctx, msg)
	require.NoError(t, err)

	err = st.MarkConversationRead(ctx, org.ID, conv.ID, []models.MsgID{msg.ID})
	require.NoError(t, err)

	conv, _ = st.GetConversation(ctx, org.ID, conv.ID)
	assert.Equal(t, 0, conv.UnreadCount)

	msgs, _ := st.ListMsgs(ctx, org.ID, conv.ID, 10, models.NilMsgID)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.MsgStatusRead, msgs[0].Status)

	err = st.AssignConversation(ctx, org.ID, conv.ID, testsuite.Org1Agent)
	require.NoError(t, err)
	conv, _ = st.GetConversation(ctx, org.ID, conv.ID)
	assert.Equal(t, testsuite.Org1Agent, conv.AssigneeID)

	err = st.AssignConversation(ctx, org.ID, conv.ID, models.NilUserID)
	require.NoError(t, err)
	conv, _ = st.GetConversation(ctx, org.ID, conv.ID)
	assert.Equal(t, models.NilUserID, conv.AssigneeID)

	// conversations aren't reachable from other orgs
	_, err = st.GetConversation(ctx, testsuite.Org2, conv.ID)
	assert.Equal(t, errs.NotFound, errs.KindOf(err))
	err = st.UpdateConversationStatus(ctx, testsuite.Org2, conv.ID, models.ConversationStatusResolved)
	assert.Equal(t, errs.NotFound, errs.KindOf(err))

	// resolving ends the active conversation, the next message opens a new one
	err = st.UpdateConversationStatus(ctx, org.ID, conv.ID, models.ConversationStatusResolved)
	require.NoError(t, err)

	reopened, err := st.GetOrOpenConversation(ctx, org, contact.ID)
	require.NoError(t, err)
	assert.NotEqual(t, conv.ID, reopened.ID)

	convs, err := st.ListConversations(ctx, org.ID, "", 50, 0)
	require.NoError(t, err)
	assert.Len(t, convs, 2)

	convs, err = st.ListConversations(ctx, org.ID, models.ConversationStatusResolved, 50, 0)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, conv.ID, convs[0].ID)

	note := &models.Note{OrgID: org.ID, ConversationID: conv.ID, AuthorID: testsuite.Org1Agent, Body: "called them back"}
	err = st.AddNote(ctx, note)
	require.NoError(t, err)
	assert.NotZero(t, note.ID)

	notes, err := st.ListNotes(ctx, org.ID, conv.ID)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "called them back", notes[0].Body)
}

func TestConversationAttribution(t *testing.T) {
	ctx, rt := testsuite.Runtime(t)
	testsuite.ResetDB(t, rt)

	st := postgres.NewStore(rt.DB)
	org, _ := st.GetOrg(ctx, testsuite.Org1)
	contact, _ := st.GetOrCreateContact(ctx, org, "16055551234", "+16055551234", "Jim")
	conv, _ := st.GetOrOpenConversation(ctx, org, contact.ID)

	bcast := &models.Broadcast{OrgID: org.ID, Name: "May promo", TemplateName: "promo_may", TemplateLanguage: "en"}
	err := st.CreateBroadcast(ctx, bcast, []*models.Recipient{{Phone: "+16055551234"}})
	require.NoError(t, err)

	// first attribution wins
	linked, err := st.AttributeConversation(ctx, conv.ID, bcast.ID)
	require.NoError(t, err)
	assert.True(t, linked)

	linked, err = st.AttributeConversation(ctx, conv.ID, bcast.ID)
	require.NoError(t, err)
	assert.False(t, linked)

	conv, _ = st.GetConversation(ctx, org.ID, conv.ID)
	assert.Equal(t, bcast.ID, conv.BroadcastID)
}

func TestMsgs(t *testing.T) {
	ctx, rt := testsuite.Runtime(t)
	testsuite.ResetDB(t, rt)

	st := postgres.NewStore(rt.DB)
	org1, _ := st.GetOrg(ctx, testsuite.Org1)
	org2, _ := st.GetOrg(ctx, testsuite.Org2)
	contact, _ := st.GetOrCreateContact(ctx, org1, "16055551234", "+16055551234", "Jim")
	conv, _ := st.GetOrOpenConversation(ctx, org1, contact.ID)

	in := models.NewIncomingMsg(org1, conv, models.MsgTypeText, "hello")
	in.ProviderID = null.String("wamid.in1")
	created, err := st.InsertMsg(ctx, in)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotZero(t, in.ID)

	// same provider id within the org is a duplicate webhook delivery
	dup := models.NewIncomingMsg(org1, conv, models.MsgTypeText, "hello")
	dup.ProviderID = null.String("wamid.in1")
	created, err = st.InsertMsg(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)

	// but the same provider id under another org is fine
	contact2, _ := st.GetOrCreateContact(ctx, org2, "16055551234", "+16055551234", "Jim")
	conv2, _ := st.GetOrOpenConversation(ctx, org2, contact2.ID)
	other := models.NewIncomingMsg(org2, conv2, models.MsgTypeText, "hello")
	other.ProviderID = null.String("wamid.in1")
	created, err = st.InsertMsg(ctx, other)
	require.NoError(t, err)
	assert.True(t, created)

	out := models.NewOutgoingMsg(org1, conv, models.MsgTypeText, "hi, how can we help?")
	_, err = st.InsertMsg(ctx, out)
	require.NoError(t, err)
	assert.Equal(t, models.MsgStatusPending, out.Status)

	err = st.UpdateMsgSent(ctx, out.ID, "wamid.out1")
	require.NoError(t, err)

	// receipts advance the status monotonically
	msg, advanced, err := st.AdvanceMsgStatusByProviderID(ctx, org1.ID, "wamid.out1", models.MsgStatusDelivered, "")
	require.NoError(t, err)
	assert.True(t, advanced)
	assert.Equal(t, out.ID, msg.ID)
	assert.Equal(t, models.MsgStatusDelivered, msg.Status)

	msg, advanced, err = st.AdvanceMsgStatusByProviderID(ctx, org1.ID, "wamid.out1", models.MsgStatusRead, "")
	require.NoError(t, err)
	assert.True(t, advanced)
	assert.Equal(t, models.MsgStatusRead, msg.Status)

	// a late delivered receipt is stale, the message is returned unchanged
	msg, advanced, err = st.AdvanceMsgStatusByProviderID(ctx, org1.ID, "wamid.out1", models.MsgStatusDelivered, "")
	require.NoError(t, err)
	assert.False(t, advanced)
	assert.Equal(t, models.MsgStatusRead, msg.Status)

	// an unknown provider id matches nothing
	msg, advanced, err = st.AdvanceMsgStatusByProviderID(ctx, org1.ID, "wamid.nope", models.MsgStatusDelivered, "")
	require.NoError(t, err)
	assert.False(t, advanced)
	assert.Nil(t, msg)

	// failed is terminal
	out2 := models.NewOutgoingMsg(org1, conv, models.MsgTypeText, "second")
	_, err = st.InsertMsg(ctx, out2)
	require.NoError(t, err)
	err = st.UpdateMsgSent(ctx, out2.ID, "wamid.out2")
	require.NoError(t, err)

	msg, advanced, err = st.AdvanceMsgStatusByProviderID(ctx, org1.ID, "wamid.out2", models.MsgStatusFailed, "131047: re-engagement required")
	require.NoError(t, err)
	assert.True(t, advanced)
	assert.Equal(t, null.String("131047: re-engagement required"), msg.FailReason)

	_, advanced, err = st.AdvanceMsgStatusByProviderID(ctx, org1.ID, "wamid.out2", models.MsgStatusDelivered, "")
	require.NoError(t, err)
	assert.False(t, advanced)

	// newest first with scroll-back paging
	msgs, err := st.ListMsgs(ctx, org1.ID, conv.ID, 2, models.NilMsgID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, out2.ID, msgs[0].ID)
	assert.Equal(t, out.ID, msgs[1].ID)

	msgs, err = st.ListMsgs(ctx, org1.ID, conv.ID, 2, msgs[1].ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, in.ID, msgs[0].ID)
}

func TestFlowCRUD(t *testing.T) {
	ctx, rt := testsuite.Runtime(t)
	testsuite.ResetDB(t, rt)

	st := postgres.NewStore(rt.DB)

	flow := &models.Flow{
		OrgID: testsuite.Org1,
		Name:  "Support",
		Nodes: models.NodeList{
			{ID: "n1", Type: "message", Data: []byte(`{"text": "Welcome to support!"}`)},
		},
		Edges:          models.EdgeList{{Source: models.StartNodeID, Target: "n1"}},
		TriggerKeyword: null.String("help"),
		Enabled:        true,
	}
	err := st.CreateFlow(ctx, flow)
	require.NoError(t, err)
	assert.NotZero(t, flow.ID)

	// names are unique within the org
	err = st.CreateFlow(ctx, &models.Flow{OrgID: testsuite.Org1, Name: "Support"})
	assert.Equal(t, errs.Conflict, errs.KindOf(err))

	// but not across orgs
	err = st.CreateFlow(ctx, &models.Flow{OrgID: testsuite.Org2, Name: "Support"})
	require.NoError(t, err)

	loaded, err := st.GetFlow(ctx, testsuite.Org1, flow.ID)
	require.NoError(t, err)
	assert.Equal(t, "Support", loaded.Name)
	require.Len(t, loaded.Nodes, 1)
	assert.Equal(t, "message", loaded.Nodes[0].Type)
	assert.Equal(t, null.String("help"), loaded.TriggerKeyword)

	_, err = st.GetFlow(ctx, testsuite.Org2, flow.ID)
	assert.Equal(t, errs.NotFound, errs.KindOf(err))

	loaded.TriggerKeyword = null.String("support")
	loaded.SessionTimeout = 1800
	err = st.UpdateFlow(ctx, loaded)
	require.NoError(t, err)

	loaded, _ = st.GetFlow(ctx, testsuite.Org1, flow.ID)
	assert.Equal(t, null.String("support"), loaded.TriggerKeyword)
	assert.Equal(t, 1800, loaded.SessionTimeout)

	sales := &models.Flow{OrgID: testsuite.Org1, Name: "Sales", Enabled: true}
	require.NoError(t, st.CreateFlow(ctx, sales))

	// renaming onto an existing name is a conflict
	sales.Name = "Support"
	err = st.UpdateFlow(ctx, sales)
	assert.Equal(t, errs.Conflict, errs.KindOf(err))

	err = st.SetDefaultFlow(ctx, testsuite.Org1, sales.ID)
	require.NoError(t, err)

	// enabled flows come back default first
	flows, err := st.GetEnabledFlows(ctx, testsuite.Org1)
	require.NoError(t, err)
	require.Len(t, flows, 2)
	assert.Equal(t, sales.ID, flows[0].ID)
	assert.True(t, flows[0].IsDefault)

	// the default moves, it doesn't multiply
	err = st.SetDefaultFlow(ctx, testsuite.Org1, flow.ID)
	require.NoError(t, err)
	flows, _ = st.GetEnabledFlows(ctx, testsuite.Org1)
	assert.Equal(t, flow.ID, flows[0].ID)
	assert.False(t, flows[1].IsDefault)

	err = st.SetDefaultFlow(ctx, testsuite.Org1, models.FlowID(999))
	assert.Equal(t, errs.NotFound, errs.KindOf(err))

	err = st.DeleteFlow(ctx, testsuite.Org1, sales.ID)
	require.NoError(t, err)
	err = st.DeleteFlow(ctx, testsuite.Org1, sales.ID)
	assert.Equal(t, errs.NotFound, errs.KindOf(err))

	flows, _ = st.ListFlows(ctx, testsuite.Org1)
	assert.Len(t, flows, 1)
}

func TestSessions(t *testing.T) {
	ctx, rt := testsuite.Runtime(t)
	testsuite.ResetDB(t, rt)

	st := postgres.NewStore(rt.DB)
	org, _ := st.GetOrg(ctx, testsuite.Org1)
	contact, _ := st.GetOrCreateContact(ctx, org, "16055551234", "+16055551234", "Jim")

	flow := &models.Flow{OrgID: org.ID, Name: "Support", Enabled: true}
	require.NoError(t, st.CreateFlow(ctx, flow))

	ses, err := st.GetSession(ctx, org.ID, contact.ID)
	require.NoError(t, err)
	assert.Nil(t, ses)

	ses = models.NewSession(org, flow, contact.ID)
	ses, err = st.CreateSession(ctx, ses)
	require.NoError(t, err)
	assert.NotZero(t, ses.ID)

	// a contact has at most one session, a second create returns the winner
	loser, err := st.CreateSession(ctx, models.NewSession(org, flow, contact.ID))
	require.NoError(t, err)
	assert.Equal(t, ses.ID, loser.ID)

	ses.CurrentNodeID = "n3"
	ses.WaitingOn = models.SessionWaitButton
	ses.Vars.Set("name", models.StringValue("Jim"))
	ses.Vars.Set("cart_total", models.NumberValue(42.5))
	err = st.SaveSession(ctx, ses)
	require.NoError(t, err)

	ses, err = st.GetSession(ctx, org.ID, contact.ID)
	require.NoError(t, err)
	assert.Equal(t, "n3", ses.CurrentNodeID)
	assert.Equal(t, models.SessionWaitButton, ses.WaitingOn)
	name, ok := ses.Vars.Get("name")
	assert.True(t, ok)
	assert.Equal(t, "Jim", name.String())
	total, _ := ses.Vars.Get("cart_total")
	assert.Equal(t, "42.5", total.String())

	// variable names across the org's sessions, for the editor's picker
	contact2, _ := st.GetOrCreateContact(ctx, org, "16055555678", "+16055555678", "Pam")
	ses2, _ := st.CreateSession(ctx, models.NewSession(org, flow, contact2.ID))
	ses2.Vars.Set("city", models.StringValue("Scranton"))
	require.NoError(t, st.SaveSession(ctx, ses2))

	names, err := st.DistinctSessionVarNames(ctx, org.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"cart_total", "city", "name"}, names)

	err = st.DeleteSession(ctx, ses.ID)
	require.NoError(t, err)
	ses, _ = st.GetSession(ctx, org.ID, contact.ID)
	assert.Nil(t, ses)

	// deleting a flow takes its sessions with it
	require.NoError(t, st.DeleteFlow(ctx, org.ID, flow.ID))
	ses2, _ = st.GetSession(ctx, org.ID, contact2.ID)
	assert.Nil(t, ses2)
}

func TestBroadcasts(t *testing.T) {
	ctx, rt := testsuite.Runtime(t)
	testsuite.ResetDB(t, rt)

	st := postgres.NewStore(rt.DB)

	bcast := &models.Broadcast{
		OrgID:            testsuite.Org1,
		Name:             "May promo",
		TemplateName:     "promo_may",
		TemplateLanguage: "en",
		ChatbotOnReply:   true,
	}
	recipients := []*models.Recipient{
		{Phone: "+16055551111", Vars: models.RecipientVars{"1": "Ann"}},
		{Phone: "+16055552222", Vars: models.RecipientVars{"1": "Bob"}},
		{Phone: "+16055553333"},
	}
	err := st.CreateBroadcast(ctx, bcast, recipients)
	require.NoError(t, err)
	assert.NotZero(t, bcast.ID)
	assert.Equal(t, models.BroadcastStatusPending, bcast.Status)
	assert.Equal(t, 3, bcast.RecipientCount)

	_, err = st.GetBroadcast(ctx, testsuite.Org2, bcast.ID)
	assert.Equal(t, errs.NotFound, errs.KindOf(err))

	loaded, err := st.GetBroadcastRecipients(ctx, bcast.ID)
	require.NoError(t, err)
	require.Len(t, loaded, 3)
	assert.Equal(t, "+16055551111", loaded[0].Phone)
	assert.Equal(t, models.RecipientVars{"1": "Ann"}, loaded[0].Vars)
	assert.Equal(t, models.MsgStatusPending, loaded[0].Status)

	// first claim wins, the second is a no-op
	claimed, won, err := st.ClaimBroadcast(ctx, bcast.ID)
	require.NoError(t, err)
	assert.True(t, won)
	assert.Equal(t, models.BroadcastStatusProcessing, claimed.Status)
	assert.NotNil(t, claimed.StartedOn)

	claimed, won, err = st.ClaimBroadcast(ctx, bcast.ID)
	require.NoError(t, err)
	assert.False(t, won)
	assert.Equal(t, models.BroadcastStatusProcessing, claimed.Status)

	_, _, err = st.ClaimBroadcast(ctx, models.BroadcastID(999))
	assert.Equal(t, errs.NotFound, errs.KindOf(err))

	// per recipient outcomes bump the counters
	err = st.UpdateRecipientSent(ctx, loaded[0].ID, "wamid.b1")
	require.NoError(t, err)
	err = st.UpdateRecipientSent(ctx, loaded[1].ID, "wamid.b2")
	require.NoError(t, err)
	err = st.UpdateRecipientFailed(ctx, loaded[2].ID, "invalid phone number")
	require.NoError(t, err)

	// a repeat on the same recipient can't double count
	err = st.UpdateRecipientSent(ctx, loaded[0].ID, "wamid.b1")
	require.NoError(t, err)

	b, _ := st.GetBroadcast(ctx, testsuite.Org1, bcast.ID)
	assert.Equal(t, 2, b.SentCount)
	assert.Equal(t, 1, b.FailedCount)

	err = st.CompleteBroadcast(ctx, bcast.ID)
	require.NoError(t, err)
	b, _ = st.GetBroadcast(ctx, testsuite.Org1, bcast.ID)
	assert.Equal(t, models.BroadcastStatusCompleted, b.Status)
	assert.NotNil(t, b.CompletedOn)

	// a completed broadcast can't be cancelled
	ok, err := st.CancelBroadcast(ctx, testsuite.Org1, bcast.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	pending := &models.Broadcast{OrgID: testsuite.Org1, Name: "June promo", TemplateName: "promo_june", TemplateLanguage: "en"}
	require.NoError(t, st.CreateBroadcast(ctx, pending, []*models.Recipient{{Phone: "+16055551111"}}))
	ok, err = st.CancelBroadcast(ctx, testsuite.Org1, pending.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	b, _ = st.GetBroadcast(ctx, testsuite.Org1, pending.ID)
	assert.Equal(t, models.BroadcastStatusCancelled, b.Status)
}

func TestBroadcastReceipts(t *testing.T) {
	ctx, rt := testsuite.Runtime(t)
	testsuite.ResetDB(t, rt)

	st := postgres.NewStore(rt.DB)

	bcast := &models.Broadcast{OrgID: testsuite.Org1, Name: "May promo", TemplateName: "promo_may", TemplateLanguage: "en"}
	recipients := []*models.Recipient{{Phone: "+16055551111"}, {Phone: "+16055552222"}}
	require.NoError(t, st.CreateBroadcast(ctx, bcast, recipients))

	_, _, err := st.ClaimBroadcast(ctx, bcast.ID)
	require.NoError(t, err)

	loaded, _ := st.GetBroadcastRecipients(ctx, bcast.ID)
	require.NoError(t, st.UpdateRecipientSent(ctx, loaded[0].ID, "wamid.b1"))
	require.NoError(t, st.UpdateRecipientSent(ctx, loaded[1].ID, "wamid.b2"))

	rcpt, bcastID, err := st.AdvanceRecipientStatusByProviderID(ctx, testsuite.Org1, "wamid.b1", models.MsgStatusDelivered)
	require.NoError(t, err)
	require.NotNil(t, rcpt)
	assert.Equal(t, bcast.ID, bcastID)
	assert.Equal(t, models.MsgStatusDelivered, rcpt.Status)

	rcpt, _, err = st.AdvanceRecipientStatusByProviderID(ctx, testsuite.Org1, "wamid.b1", models.MsgStatusRead)
	require.NoError(t, err)
	require.NotNil(t, rcpt)

	// a read receipt that skips delivered still counts the delivery, so
	// sent >= delivered >= read holds
	rcpt, _, err = st.AdvanceRecipientStatusByProviderID(ctx, testsuite.Org1, "wamid.b2", models.MsgStatusRead)
	require.NoError(t, err)
	require.NotNil(t, rcpt)
	assert.Equal(t, models.MsgStatusRead, rcpt.Status)

	b, _ := st.GetBroadcast(ctx, testsuite.Org1, bcast.ID)
	assert.Equal(t, 2, b.SentCount)
	assert.Equal(t, 2, b.DeliveredCount)
	assert.Equal(t, 2, b.ReadCount)

	// stale and unknown receipts change nothing
	rcpt, bcastID, err = st.AdvanceRecipientStatusByProviderID(ctx, testsuite.Org1, "wamid.b1", models.MsgStatusDelivered)
	require.NoError(t, err)
	assert.Nil(t, rcpt)
	assert.Equal(t, models.NilBroadcastID, bcastID)

	rcpt, _, err = st.AdvanceRecipientStatusByProviderID(ctx, testsuite.Org1, "wamid.nope", models.MsgStatusDelivered)
	require.NoError(t, err)
	assert.Nil(t, rcpt)

	b, _ = st.GetBroadcast(ctx, testsuite.Org1, bcast.ID)
	assert.Equal(t, 2, b.DeliveredCount)
	assert.Equal(t, 2, b.ReadCount)

	require.NoError(t, st.IncrementBroadcastReplied(ctx, bcast.ID))
	b, _ = st.GetBroadcast(ctx, testsuite.Org1, bcast.ID)
	assert.Equal(t, 1, b.RepliedCount)
}

func TestScheduledBroadcasts(t *testing.T) {
	ctx, rt := testsuite.Runtime(t)
	testsuite.ResetDB(t, rt)

	st := postgres.NewStore(rt.DB)
	now := time.Now()

	soon := now.Add(10 * time.Second)
	later := now.Add(10 * time.Minute)

	due := &models.Broadcast{OrgID: testsuite.Org1, Name: "due", TemplateName: "t", TemplateLanguage: "en", Status: models.BroadcastStatusScheduled, ScheduledOn: &soon}
	notDue := &models.Broadcast{OrgID: testsuite.Org1, Name: "not due", TemplateName: "t", TemplateLanguage: "en", Status: models.BroadcastStatusScheduled, ScheduledOn: &later}
	unscheduled := &models.Broadcast{OrgID: testsuite.Org1, Name: "draft", TemplateName: "t", TemplateLanguage: "en"}
	require.NoError(t, st.CreateBroadcast(ctx, due, []*models.Recipient{{Phone: "+16055551111"}}))
	require.NoError(t, st.CreateBroadcast(ctx, notDue, []*models.Recipient{{Phone: "+16055551111"}}))
	require.NoError(t, st.CreateBroadcast(ctx, unscheduled, []*models.Recipient{{Phone: "+16055551111"}}))

	// the grace window picks up sends scheduled moments from now
	bcasts, err := st.GetDueScheduledBroadcasts(ctx, now, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, bcasts, 1)
	assert.Equal(t, due.ID, bcasts[0].ID)

	bcasts, err = st.GetDueScheduledBroadcasts(ctx, now, 5*time.Second)
	require.NoError(t, err)
	assert.Len(t, bcasts, 0)
}

func TestRecentBroadcastForPhone(t *testing.T) {
	ctx, rt := testsuite.Runtime(t)
	testsuite.ResetDB(t, rt)

	st := postgres.NewStore(rt.DB)

	bcast := &models.Broadcast{OrgID: testsuite.Org1, Name: "May promo", TemplateName: "promo_may", TemplateLanguage: "en"}
	require.NoError(t, st.CreateBroadcast(ctx, bcast, []*models.Recipient{{Phone: "+1 605-555-1111"}}))

	// not started yet, nothing to attribute a reply to
	found, err := st.GetRecentBroadcastForPhone(ctx, testsuite.Org1, "16055551111", 24*time.Hour)
	require.NoError(t, err)
	assert.Nil(t, found)

	_, _, err = st.ClaimBroadcast(ctx, bcast.ID)
	require.NoError(t, err)

	// found on digits only compare
	found, err = st.GetRecentBroadcastForPhone(ctx, testsuite.Org1, "+1 (605) 555-1111", 24*time.Hour)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, bcast.ID, found.ID)

	// other orgs and other phones see nothing
	found, err = st.GetRecentBroadcastForPhone(ctx, testsuite.Org2, "16055551111", 24*time.Hour)
	require.NoError(t, err)
	assert.Nil(t, found)

	found, err = st.GetRecentBroadcastForPhone(ctx, testsuite.Org1, "16055559999", 24*time.Hour)
	require.NoError(t, err)
	assert.Nil(t, found)

	// a zero window puts the start outside it
	found, err = st.GetRecentBroadcastForPhone(ctx, testsuite.Org1, "16055551111", 0)
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestNotifications(t *testing.T) {
	ctx, rt := testsuite.Runtime(t)
	testsuite.ResetDB(t, rt)

	st := postgres.NewStore(rt.DB)
	now := time.Now()

	n := &models.Notification{
		OrgID:            testsuite.Org1,
		ExternalID:       "order-1042",
		Phone:            "+16055551234",
		TemplateName:     "order_update",
		TemplateLanguage: "en",
		Payload:          models.NotificationPayload{"1": "Jim", "2": "1042"},
		ScheduledOn:      now.Add(-time.Minute),
	}
	created, err := st.CreateNotification(ctx, n)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotZero(t, n.ID)
	assert.Equal(t, models.NotificationStatusPending, n.Status)

	// the same external id reported twice is dropped
	dup := &models.Notification{OrgID: testsuite.Org1, ExternalID: "order-1042", Phone: "+16055551234", TemplateName: "order_update", TemplateLanguage: "en", ScheduledOn: now}
	created, err = st.CreateNotification(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)

	// but another org can use the same external id
	other := &models.Notification{OrgID: testsuite.Org2, ExternalID: "order-1042", Phone: "+16055551234", TemplateName: "order_update", TemplateLanguage: "en", ScheduledOn: now.Add(time.Hour)}
	created, err = st.CreateNotification(ctx, other)
	require.NoError(t, err)
	assert.True(t, created)

	future := &models.Notification{OrgID: testsuite.Org1, ExternalID: "order-1043", Phone: "+16055555678", TemplateName: "order_update", TemplateLanguage: "en", ScheduledOn: now.Add(time.Hour)}
	created, err = st.CreateNotification(ctx, future)
	require.NoError(t, err)
	assert.True(t, created)

	due, err := st.GetDueNotifications(ctx, now, 50)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, n.ID, due[0].ID)
	assert.Equal(t, models.NotificationPayload{"1": "Jim", "2": "1042"}, due[0].Payload)

	err = st.MarkNotificationSent(ctx, n.ID)
	require.NoError(t, err)

	due, _ = st.GetDueNotifications(ctx, now, 50)
	assert.Len(t, due, 0)

	// a sent notification can't be cancelled, a pending one can
	ok, err := st.CancelNotification(ctx, testsuite.Org1, "order-1042")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = st.CancelNotification(ctx, testsuite.Org1, "order-1043")
	require.NoError(t, err)
	assert.True(t, ok)

	failed := &models.Notification{OrgID: testsuite.Org1, ExternalID: "order-1044", Phone: "+16055551234", TemplateName: "order_update", TemplateLanguage: "en", ScheduledOn: now.Add(-time.Minute)}
	_, err = st.CreateNotification(ctx, failed)
	require.NoError(t, err)
	err = st.MarkNotificationFailed(ctx, failed.ID, "template not found")
	require.NoError(t, err)

	all, err := st.ListNotifications(ctx, testsuite.Org1, 50, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)

	statuses := map[string]models.NotificationStatus{}
	for _, item := range all {
		statuses[item.ExternalID] = item.Status
	}
	assert.Equal(t, models.NotificationStatusSent, statuses["order-1042"])
	assert.Equal(t, models.NotificationStatusCancelled, statuses["order-1043"])
	assert.Equal(t, models.NotificationStatusFailed, statuses["order-1044"])
}

func TestTemplates(t *testing.T) {
	ctx, rt := testsuite.Runtime(t)
	testsuite.ResetDB(t, rt)

	st := postgres.NewStore(rt.DB)

	templates := []*models.Template{
		{Name: "order_update", Language: "en", Category: "UTILITY", Status: "APPROVED", Components: models.TemplateComponents{json.RawMessage(`{"type": "BODY", "text": "Hi {{1}}, order {{2}} shipped"}`)}},
		{Name: "order_update", Language: "es", Category: "UTILITY", Status: "PENDING"},
		{Name: "promo_may", Language: "en", Category: "MARKETING", Status: "APPROVED"},
	}
	err := st.UpsertTemplates(ctx, testsuite.Org1, templates)
	require.NoError(t, err)

	listed, err := st.ListTemplates(ctx, testsuite.Org1)
	require.NoError(t, err)
	require.Len(t, listed, 3)
	assert.Equal(t, "order_update", listed[0].Name)
	assert.Equal(t, "en", listed[0].Language)
	assert.Equal(t, "es", listed[1].Language)

	// a later sync refreshes what the provider changed
	err = st.UpsertTemplates(ctx, testsuite.Org1, []*models.Template{
		{Name: "order_update", Language: "es", Category: "UTILITY", Status: "APPROVED"},
	})
	require.NoError(t, err)

	listed, _ = st.ListTemplates(ctx, testsuite.Org1)
	require.Len(t, listed, 3)
	assert.Equal(t, "APPROVED", listed[1].Status)

	// other orgs see nothing
	listed, _ = st.ListTemplates(ctx, testsuite.Org2)
	assert.Len(t, listed, 0)

	// deleting removes every language variant
	err = st.DeleteTemplateByName(ctx, testsuite.Org1, "order_update")
	require.NoError(t, err)
	listed, _ = st.ListTemplates(ctx, testsuite.Org1)
	require.Len(t, listed, 1)
	assert.Equal(t, "promo_may", listed[0].Name)
}

func TestQuickReplies(t *testing.T) {
	ctx, rt := testsuite.Runtime(t)
	testsuite.ResetDB(t, rt)

	st := postgres.NewStore(rt.DB)

	qr := &models.QuickReply{OrgID: testsuite.Org1, Shortcut: "hours", Body: "We're open 9-5, Monday to Friday."}
	err := st.CreateQuickReply(ctx, qr)
	require.NoError(t, err)
	assert.NotZero(t, qr.ID)

	err = st.CreateQuickReply(ctx, &models.QuickReply{OrgID: testsuite.Org1, Shortcut: "hours", Body: "different"})
	assert.Equal(t, errs.Conflict, errs.KindOf(err))

	// shortcuts are per org
	err = st.CreateQuickReply(ctx, &models.QuickReply{OrgID: testsuite.Org2, Shortcut: "hours", Body: "24/7"})
	require.NoError(t, err)

	require.NoError(t, st.CreateQuickReply(ctx, &models.QuickReply{OrgID: testsuite.Org1, Shortcut: "address", Body: "123 Main St"}))

	replies, err := st.ListQuickReplies(ctx, testsuite.Org1)
	require.NoError(t, err)
	require.Len(t, replies, 2)
	assert.Equal(t, "address", replies[0].Shortcut)
	assert.Equal(t, "hours", replies[1].Shortcut)

	err = st.DeleteQuickReply(ctx, testsuite.Org1, qr.ID)
	require.NoError(t, err)
	err = st.DeleteQuickReply(ctx, testsuite.Org1, qr.ID)
	assert.Equal(t, errs.NotFound, errs.KindOf(err))
}
