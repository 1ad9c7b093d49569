package webhook_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nyaruka/gocommon/httpx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tucanchat/tucan/core/models"
	"github.com/tucanchat/tucan/flows"
	"github.com/tucanchat/tucan/outbox"
	"github.com/tucanchat/tucan/realtime"
	"github.com/tucanchat/tucan/runtime"
	"github.com/tucanchat/tucan/test"
	"github.com/tucanchat/tucan/webhook"
)

const sendURL = "https://graph.facebook.com/v20.0/236785079735689/messages"

const textEnvelope = `{
	"object": "whatsapp_business_account",
	"entry": [{
		"id": "8856996819413533",
		"changes": [{
			"field": "messages",
			"value": {
				"messaging_product": "whatsapp",
				"metadata": {"display_phone_number": "15550001234", "phone_number_id": "236785079735689"},
				"contacts": [{"profile": {"name": "Jim Soni"}, "wa_id": "911234500001"}],
				"messages": [{"from": "911234500001", "id": "%s", "timestamp": "1454119029", "type": "text", "text": {"body": "%s"}}]
			}
		}]
	}]
}`

const imageEnvelope = `{
	"object": "whatsapp_business_account",
	"entry": [{
		"id": "8856996819413533",
		"changes": [{
			"field": "messages",
			"value": {
				"messaging_product": "whatsapp",
				"metadata": {"display_phone_number": "15550001234", "phone_number_id": "236785079735689"},
				"contacts": [{"profile": {"name": "Jim Soni"}, "wa_id": "911234500001"}],
				"messages": [{"from": "911234500001", "id": "wamid.IMG1", "timestamp": "1454119029", "type": "image", "image": {"id": "MEDIA555", "mime_type": "image/jpeg", "sha256": "29ed500fa64eb55fc19dc4124acb300e5dcca0f822a301ae99944db", "caption": "nice shot"}}]
			}
		}]
	}]
}`

const statusEnvelope = `{
	"object": "whatsapp_business_account",
	"entry": [{
		"id": "8856996819413533",
		"changes": [{
			"field": "messages",
			"value": {
				"messaging_product": "whatsapp",
				"metadata": {"display_phone_number": "15550001234", "phone_number_id": "236785079735689"},
				"statuses": [{"id": "%s", "recipient_id": "911234500001", "status": "%s", "timestamp": "1454119029"}]
			}
		}]
	}]
}`

const selfEnvelope = `{
	"object": "whatsapp_business_account",
	"entry": [{
		"id": "8856996819413533",
		"changes": [{
			"field": "messages",
			"value": {
				"messaging_product": "whatsapp",
				"metadata": {"display_phone_number": "15550001234", "phone_number_id": "236785079735689"},
				"messages": [{"from": "15550001234", "id": "wamid.SELF1", "timestamp": "1454119029", "type": "text", "text": {"body": "echo"}}]
			}
		}]
	}]
}`

type harness struct {
	rt     *runtime.Runtime
	db     *test.Store
	pub    *test.Publisher
	server *webhook.Server
	ts     *httptest.Server
	org    *models.Org

	drained bool
}

func newHarness(t *testing.T, mods ...func(*models.Org)) (context.Context, *harness) {
	ctx := context.Background()

	rt := &runtime.Runtime{Config: runtime.NewDefaultConfig()}
	rt.Config.MaxWorkers = 1
	rt.Config.DefaultVerifyToken = "global-verify"

	db := test.NewStore()
	pub := test.NewPublisher()
	media := test.NewMediaStore()

	org := &models.Org{
		Name:               "TucanEats",
		AccessToken:        "org1-access-token",
		PhoneNumberID:      "236785079735689",
		DisplayPhoneNumber: "15550001234",
		VerifyToken:        "org1-verify",
		ChatbotEnabled:     true,
	}
	for _, mod := range mods {
		mod(org)
	}
	org = db.AddOrg(org)

	engine := flows.NewEngine(rt, db, outbox.NewSender(rt, db, pub), media, pub)
	server := webhook.NewServer(rt, db, pub, engine)
	server.Start()

	router := chi.NewRouter()
	server.Routes(router)
	ts := httptest.NewServer(router)

	h := &harness{rt: rt, db: db, pub: pub, server: server, ts: ts, org: org}
	t.Cleanup(func() {
		h.drain()
		ts.Close()
	})
	return ctx, h
}

// drain stops the worker pool, blocking until everything queued has been
// processed
func (h *harness) drain() {
	if !h.drained {
		h.server.Stop()
		h.drained = true
	}
}

func sign(token, body string) string {
	mac := hmac.New(sha256.New, []byte(token))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// post delivers an envelope the way the provider would, signed with the
// org's access token
func (h *harness) post(t *testing.T, path, body string) *http.Response {
	return h.postSigned(t, path, body, sign(h.org.AccessToken, body))
}

func (h *harness) postSigned(t *testing.T, path, body, signature string) *http.Response {
	req, err := http.NewRequest(http.MethodPost, h.ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("X-Hub-Signature-256", signature)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp
}

func (h *harness) get(t *testing.T, path string) (int, string) {
	resp, err := http.Get(h.ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestVerification(t *testing.T) {
	_, h := newHarness(t)

	t.Run("legacy route uses the global token", func(t *testing.T) {
		status, body := h.get(t, "/webhook?hub.mode=subscribe&hub.verify_token=global-verify&hub.challenge=yarchallenge")
		assert.Equal(t, 200, status)
		assert.Equal(t, "yarchallenge", body)
	})

	t.Run("org route uses the org token", func(t *testing.T) {
		status, body := h.get(t, "/webhook/1?hub.mode=subscribe&hub.verify_token=org1-verify&hub.challenge=yarchallenge")
		assert.Equal(t, 200, status)
		assert.Equal(t, "yarchallenge", body)
	})

	t.Run("wrong token is forbidden", func(t *testing.T) {
		status, _ := h.get(t, "/webhook?hub.mode=subscribe&hub.verify_token=nope&hub.challenge=yarchallenge")
		assert.Equal(t, 403, status)

		status, _ = h.get(t, "/webhook/1?hub.mode=subscribe&hub.verify_token=global-verify&hub.challenge=yarchallenge")
		assert.Equal(t, 403, status)
	})

	t.Run("unknown org is forbidden", func(t *testing.T) {
		status, _ := h.get(t, "/webhook/999?hub.mode=subscribe&hub.verify_token=org1-verify&hub.challenge=yarchallenge")
		assert.Equal(t, 403, status)
	})

	t.Run("other modes are errors", func(t *testing.T) {
		status, _ := h.get(t, "/webhook?hub.mode=unsubscribe&hub.verify_token=global-verify&hub.challenge=yarchallenge")
		assert.Equal(t, 400, status)
	})
}

func TestSignatures(t *testing.T) {
	t.Run("bad signature is rejected", func(t *testing.T) {
		ctx, h := newHarness(t)
		body := fmt.Sprintf(textEnvelope, "wamid.ABGGFlA5Fpa", "hello")

		good := sign(h.org.AccessToken, body)
		bad := []byte(good)
		bad[len(bad)-1] ^= 0x01 // flip one bit

		resp := h.postSigned(t, "/webhook", body, string(bad))
		assert.Equal(t, 403, resp.StatusCode)

		resp = h.postSigned(t, "/webhook", body, "")
		assert.Equal(t, 403, resp.StatusCode)

		h.drain()
		msgs, err := h.db.ListMsgs(ctx, h.org.ID, models.ConversationID(1), 10, models.NilMsgID)
		require.NoError(t, err)
		assert.Len(t, msgs, 0)
	})

	t.Run("development mode accepts anything", func(t *testing.T) {
		ctx, h := newHarness(t)
		h.rt.Config.DevelopmentMode = true

		resp := h.postSigned(t, "/webhook", fmt.Sprintf(textEnvelope, "wamid.ABGGFlA5Fpa", "hello"), "")
		assert.Equal(t, 200, resp.StatusCode)

		h.drain()
		contact, err := h.db.GetContactByPhone(ctx, h.org.ID, "+911234500001")
		require.NoError(t, err)
		assert.NotNil(t, contact)
	})
}

func TestInboundMessage(t *testing.T) {
	ctx, h := newHarness(t)

	resp := h.post(t, "/webhook", fmt.Sprintf(textEnvelope, "wamid.ABGGFlA5Fpa", "hello world"))
	assert.Equal(t, 200, resp.StatusCode)

	h.drain()

	contact, err := h.db.GetContactByPhone(ctx, h.org.ID, "+911234500001")
	require.NoError(t, err)
	require.NotNil(t, contact)
	assert.Equal(t, "911234500001", contact.WaID)
	assert.Equal(t, "Jim Soni", string(contact.ProfileName))

	conv, err := h.db.GetOpenConversation(ctx, h.org.ID, contact.ID)
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.Equal(t, 1, conv.UnreadCount)
	assert.Equal(t, "hello world", string(conv.LastPreview))

	msgs, err := h.db.ListMsgs(ctx, h.org.ID, conv.ID, 10, models.NilMsgID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.MsgIncoming, msgs[0].Direction)
	assert.Equal(t, models.MsgTypeText, msgs[0].Type)
	assert.Equal(t, "hello world", msgs[0].Text)
	assert.Equal(t, "wamid.ABGGFlA5Fpa", string(msgs[0].ProviderID))
	assert.Equal(t, time.Date(2016, 1, 30, 1, 57, 9, 0, time.UTC), msgs[0].CreatedOn)

	// fanned out to the org room and the conversation room
	events := h.pub.EventsOfType(realtime.EventMessageNew)
	require.Len(t, events, 2)
	assert.Equal(t, realtime.OrgRoom(h.org.ID), events[0].Room)
	assert.Equal(t, realtime.ConvRoom(conv.ID), events[1].Room)

	// and the freshly opened conversation was announced
	opened := h.pub.EventsOfType(realtime.EventConversationNew)
	require.Len(t, opened, 1)
	assert.Equal(t, realtime.OrgRoom(h.org.ID), opened[0].Room)
	assert.Equal(t, conv.ID, opened[0].Event.Data.(*models.Conversation).ID)
}

func TestInboundMedia(t *testing.T) {
	ctx, h := newHarness(t)
	defer httpx.SetRequestor(httpx.DefaultRequestor)

	httpx.SetRequestor(httpx.NewMockRequestor(map[string][]*httpx.MockResponse{
		"https://graph.facebook.com/v20.0/MEDIA555": {httpx.NewMockResponse(200, nil, []byte(`{"url": "https://mmg.whatsapp.net/d/f/abc"}`))},
	}))

	h.post(t, "/webhook", imageEnvelope)
	h.drain()

	contact, err := h.db.GetContactByPhone(ctx, h.org.ID, "+911234500001")
	require.NoError(t, err)
	conv, err := h.db.GetOpenConversation(ctx, h.org.ID, contact.ID)
	require.NoError(t, err)

	msgs, err := h.db.ListMsgs(ctx, h.org.ID, conv.ID, 10, models.NilMsgID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.MsgTypeImage, msgs[0].Type)
	assert.Equal(t, "https://mmg.whatsapp.net/d/f/abc", string(msgs[0].MediaURL))
	assert.Equal(t, "MEDIA555", string(msgs[0].MediaID))
	assert.Equal(t, "image/jpeg", string(msgs[0].MediaMime))
	assert.Equal(t, "nice shot", string(msgs[0].Caption))
	assert.Equal(t, "nice shot", msgs[0].Text)
}

func TestDuplicateDeliveries(t *testing.T) {
	ctx, h := newHarness(t)

	body := fmt.Sprintf(textEnvelope, "wamid.ABGGFlA5Fpa", "hello")
	h.post(t, "/webhook", body)
	h.post(t, "/webhook", body)
	h.drain()

	contact, err := h.db.GetContactByPhone(ctx, h.org.ID, "+911234500001")
	require.NoError(t, err)
	conv, err := h.db.GetOpenConversation(ctx, h.org.ID, contact.ID)
	require.NoError(t, err)

	// the retry changed nothing
	msgs, err := h.db.ListMsgs(ctx, h.org.ID, conv.ID, 10, models.NilMsgID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
	assert.Equal(t, 1, conv.UnreadCount)
	assert.Len(t, h.pub.EventsOfType(realtime.EventMessageNew), 2)
	assert.Len(t, h.pub.EventsOfType(realtime.EventConversationNew), 1)
}

func TestSelfMessagesDropped(t *testing.T) {
	ctx, h := newHarness(t)

	resp := h.post(t, "/webhook", selfEnvelope)
	assert.Equal(t, 200, resp.StatusCode)
	h.drain()

	contact, err := h.db.GetContactByPhone(ctx, h.org.ID, "+15550001234")
	assert.Error(t, err)
	assert.Nil(t, contact)
	assert.Len(t, h.pub.Events(), 0)
}

func TestUnknownTenantDropped(t *testing.T) {
	_, h := newHarness(t)

	body := strings.ReplaceAll(fmt.Sprintf(textEnvelope, "wamid.ABGGFlA5Fpa", "hello"), "236785079735689", "999999")
	resp := h.postSigned(t, "/webhook", body, sign(h.org.AccessToken, body))
	assert.Equal(t, 200, resp.StatusCode)

	h.drain()
	assert.Len(t, h.pub.Events(), 0)
}

func TestUnknownObjectRejected(t *testing.T) {
	_, h := newHarness(t)

	resp := h.post(t, "/webhook", `{"object": "page", "entry": []}`)
	assert.Equal(t, 400, resp.StatusCode)
}

func TestStatuses(t *testing.T) {
	ctx, h := newHarness(t)

	// seed an outgoing message the statuses will land on
	contact, err := h.db.GetOrCreateContact(ctx, h.org, "911234500001", "+911234500001", "")
	require.NoError(t, err)
	conv, err := h.db.GetOrOpenConversation(ctx, h.org, contact.ID)
	require.NoError(t, err)
	msg := models.NewOutgoingMsg(h.org, conv, models.MsgTypeText, "your order shipped")
	_, err = h.db.InsertMsg(ctx, msg)
	require.NoError(t, err)
	require.NoError(t, h.db.UpdateMsgSent(ctx, msg.ID, "wamid.OUT1"))

	h.post(t, "/webhook", fmt.Sprintf(statusEnvelope, "wamid.OUT1", "delivered"))
	h.post(t, "/webhook", fmt.Sprintf(statusEnvelope, "wamid.OUT1", "read"))
	// a late delivered must not regress the read
	h.post(t, "/webhook", fmt.Sprintf(statusEnvelope, "wamid.OUT1", "delivered"))
	h.drain()

	updated, _, err := h.db.AdvanceMsgStatusByProviderID(ctx, h.org.ID, "wamid.OUT1", models.MsgStatusRead, "")
	require.NoError(t, err)
	assert.Equal(t, models.MsgStatusRead, updated.Status)

	// org room + conv room for each actual advance, the downgrade is silent
	events := h.pub.EventsOfType(realtime.EventMessageStatus)
	assert.Len(t, events, 4)
}

func TestFailedStatus(t *testing.T) {
	ctx, h := newHarness(t)

	contact, err := h.db.GetOrCreateContact(ctx, h.org, "911234500001", "+911234500001", "")
	require.NoError(t, err)
	conv, err := h.db.GetOrOpenConversation(ctx, h.org, contact.ID)
	require.NoError(t, err)
	msg := models.NewOutgoingMsg(h.org, conv, models.MsgTypeText, "hi")
	_, err = h.db.InsertMsg(ctx, msg)
	require.NoError(t, err)
	require.NoError(t, h.db.UpdateMsgSent(ctx, msg.ID, "wamid.OUT2"))

	failed := `{
		"object": "whatsapp_business_account",
		"entry": [{
			"id": "8856996819413533",
			"changes": [{
				"field": "messages",
				"value": {
					"messaging_product": "whatsapp",
					"metadata": {"display_phone_number": "15550001234", "phone_number_id": "236785079735689"},
					"statuses": [{"id": "wamid.OUT2", "recipient_id": "911234500001", "status": "failed", "timestamp": "1454119029", "errors": [{"code": 131026, "title": "Message undeliverable"}]}]
				}
			}]
		}]
	}`
	h.post(t, "/webhook", failed)
	h.drain()

	updated, advanced, err := h.db.AdvanceMsgStatusByProviderID(ctx, h.org.ID, "wamid.OUT2", models.MsgStatusFailed, "")
	require.NoError(t, err)
	assert.False(t, advanced)
	assert.Equal(t, models.MsgStatusFailed, updated.Status)
	assert.Equal(t, "Message undeliverable", string(updated.FailReason))
}

func TestRecipientStatuses(t *testing.T) {
	ctx, h := newHarness(t)

	bcast := &models.Broadcast{OrgID: h.org.ID, Name: "August promo", TemplateName: "promo", TemplateLanguage: "en"}
	require.NoError(t, h.db.CreateBroadcast(ctx, bcast, []*models.Recipient{{Phone: "+911234500001"}}))
	_, claimed, err := h.db.ClaimBroadcast(ctx, bcast.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	rcpts, err := h.db.GetBroadcastRecipients(ctx, bcast.ID)
	require.NoError(t, err)
	require.NoError(t, h.db.UpdateRecipientSent(ctx, rcpts[0].ID, "wamid.BCAST1"))

	h.post(t, "/webhook", fmt.Sprintf(statusEnvelope, "wamid.BCAST1", "delivered"))
	h.post(t, "/webhook", fmt.Sprintf(statusEnvelope, "wamid.BCAST1", "read"))
	h.drain()

	updated, err := h.db.GetBroadcast(ctx, h.org.ID, bcast.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.SentCount)
	assert.Equal(t, 1, updated.DeliveredCount)
	assert.Equal(t, 1, updated.ReadCount)

	events := h.pub.EventsOfType(realtime.EventBroadcastUpdate)
	assert.Len(t, events, 2)
	assert.Equal(t, realtime.OrgRoom(h.org.ID), events[0].Room)
}

func TestAttribution(t *testing.T) {
	ctx, h := newHarness(t)

	// a broadcast that recently went to this phone, with bot replies off
	bcast := &models.Broadcast{OrgID: h.org.ID, Name: "August promo", TemplateName: "promo", TemplateLanguage: "en", ChatbotOnReply: false}
	require.NoError(t, h.db.CreateBroadcast(ctx, bcast, []*models.Recipient{{Phone: "+911234500001"}}))
	_, claimed, err := h.db.ClaimBroadcast(ctx, bcast.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	// a catch-all flow that would normally answer
	h.db.AddFlow(&models.Flow{
		OrgID:          h.org.ID,
		Name:           "Greeter",
		TriggerKeyword: "*",
		Enabled:        true,
		Nodes:          models.NodeList{{ID: "m", Type: "message", Data: json.RawMessage(`{"text": "hi there"}`)}},
	})

	h.post(t, "/webhook", fmt.Sprintf(textEnvelope, "wamid.REPLY1", "love it"))
	h.post(t, "/webhook", fmt.Sprintf(textEnvelope, "wamid.REPLY2", "tell me more"))
	h.drain()

	contact, err := h.db.GetContactByPhone(ctx, h.org.ID, "+911234500001")
	require.NoError(t, err)
	conv, err := h.db.GetOpenConversation(ctx, h.org.ID, contact.ID)
	require.NoError(t, err)
	assert.Equal(t, bcast.ID, conv.BroadcastID)

	// replied counts once, and the broadcast's opt-out kept the bot quiet
	updated, err := h.db.GetBroadcast(ctx, h.org.ID, bcast.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.RepliedCount)

	msgs, err := h.db.ListMsgs(ctx, h.org.ID, conv.ID, 10, models.NilMsgID)
	require.NoError(t, err)
	assert.Len(t, msgs, 2) // just the two inbound, no bot replies
}

func TestInterpreterReplies(t *testing.T) {
	ctx, h := newHarness(t)
	defer httpx.SetRequestor(httpx.DefaultRequestor)

	httpx.SetRequestor(httpx.NewMockRequestor(map[string][]*httpx.MockResponse{
		sendURL: {httpx.NewMockResponse(200, nil, []byte(`{"messages": [{"id": "wamid.RESP1"}]}`))},
	}))

	h.db.AddFlow(&models.Flow{
		OrgID:          h.org.ID,
		Name:           "Greeter",
		TriggerKeyword: "*",
		Enabled:        true,
		Nodes:          models.NodeList{{ID: "m", Type: "message", Data: json.RawMessage(`{"text": "Hi {{sender_name}}"}`)}},
	})

	h.post(t, "/webhook", fmt.Sprintf(textEnvelope, "wamid.ABGGFlA5Fpa", "hello"))
	h.drain()

	contact, err := h.db.GetContactByPhone(ctx, h.org.ID, "+911234500001")
	require.NoError(t, err)
	conv, err := h.db.GetOpenConversation(ctx, h.org.ID, contact.ID)
	require.NoError(t, err)

	msgs, err := h.db.ListMsgs(ctx, h.org.ID, conv.ID, 10, models.NilMsgID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hi Jim Soni", msgs[0].Text) // newest first
	assert.Equal(t, models.MsgOutgoing, msgs[0].Direction)
	assert.Equal(t, "hello", msgs[1].Text)

	// chatbot off means no reply
	h2ctx, h2 := newHarness(t, func(o *models.Org) { o.ChatbotEnabled = false })

	h2.post(t, "/webhook", fmt.Sprintf(textEnvelope, "wamid.ABGGFlA5Fpb", "hello"))
	h2.drain()

	contact2, err := h2.db.GetContactByPhone(h2ctx, h2.org.ID, "+911234500001")
	require.NoError(t, err)
	conv2, err := h2.db.GetOpenConversation(h2ctx, h2.org.ID, contact2.ID)
	require.NoError(t, err)
	msgs2, err := h2.db.ListMsgs(h2ctx, h2.org.ID, conv2.ID, 10, models.NilMsgID)
	require.NoError(t, err)
	assert.Len(t, msgs2, 1)
}

func TestForwarding(t *testing.T) {
	ctx, h := newHarness(t, func(o *models.Org) {
		o.ExternalWebhookURL = "https://erp.tucaneats.in/hooks/wa"
		o.ExternalWebhookSecret = "fwd-secret"
	})
	defer httpx.SetRequestor(httpx.DefaultRequestor)

	requestor := httpx.NewMockRequestor(map[string][]*httpx.MockResponse{
		"https://erp.tucaneats.in/hooks/wa": {httpx.NewMockResponse(200, nil, []byte(`ok`))},
	})
	httpx.SetRequestor(requestor)

	h.post(t, "/webhook", fmt.Sprintf(textEnvelope, "wamid.ABGGFlA5Fpa", "hello"))
	h.drain()

	// the mock was consumed, meaning the forward went out
	assert.False(t, requestor.HasUnused())

	contact, err := h.db.GetContactByPhone(ctx, h.org.ID, "+911234500001")
	require.NoError(t, err)
	assert.NotNil(t, contact)
}
