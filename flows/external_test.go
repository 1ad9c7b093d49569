package flows_test

import (
	"encoding/json"
	"testing"

	"github.com/nyaruka/gocommon/httpx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tucanchat/tucan/core/models"
	"github.com/tucanchat/tucan/flows"
)

func TestAPINode(t *testing.T) {
	defer httpx.SetRequestor(httpx.DefaultRequestor)

	const ordersURL = "https://api.acme.com/orders"

	newAPIFlow := func(orgID models.OrgID) *models.Flow {
		return &models.Flow{
			OrgID:          orgID,
			Name:           "Track",
			TriggerKeyword: "TRACK",
			Enabled:        true,
			Nodes: models.NodeList{
				{ID: "call", Type: "api", Data: json.RawMessage(`{
					"method": "POST",
					"url": "` + ordersURL + `",
					"body": "{\"phone\": \"{{sender_mobile}}\"}",
					"mappings": [{"variable": "status", "path": "data.status"}, {"variable": "total", "path": "data.items[0].total"}],
					"routes": [{"id": "shipped", "variable": "status", "operator": "equals", "value": "shipped"}]
				}`)},
				{ID: "s", Type: "message", Data: json.RawMessage(`{"text": "On the way, total {{total}}"}`)},
				{ID: "p", Type: "message", Data: json.RawMessage(`{"text": "Processing"}`)},
				{ID: "e", Type: "message", Data: json.RawMessage(`{"text": "Try later"}`)},
			},
			Edges: models.EdgeList{
				{Source: "call", Target: "s", SourceHandle: "shipped"},
				{Source: "call", Target: "p", SourceHandle: "success"},
				{Source: "call", Target: "e", SourceHandle: "fail"},
			},
		}
	}

	t.Run("matched route", func(t *testing.T) {
		ctx, h := newHarness(t)
		h.db.AddFlow(newAPIFlow(h.org.ID))

		httpx.SetRequestor(httpx.NewMockRequestor(map[string][]*httpx.MockResponse{
			ordersURL: {httpx.NewMockResponse(200, nil, []byte(`{"data": {"status": "shipped", "items": [{"total": 42.5}]}}`))},
			sendURL:   {httpx.NewMockResponse(200, nil, []byte(`{"messages": [{"id": "wamid.1"}]}`))},
		}))

		h.handle(ctx, t, "TRACK")
		assert.Equal(t, []string{"On the way, total 42.5"}, h.msgTexts(ctx, t))
	})

	t.Run("no route matches takes success", func(t *testing.T) {
		ctx, h := newHarness(t)
		h.db.AddFlow(newAPIFlow(h.org.ID))

		httpx.SetRequestor(httpx.NewMockRequestor(map[string][]*httpx.MockResponse{
			ordersURL: {httpx.NewMockResponse(200, nil, []byte(`{"data": {"status": "packed", "items": []}}`))},
			sendURL:   {httpx.NewMockResponse(200, nil, []byte(`{"messages": [{"id": "wamid.1"}]}`))},
		}))

		h.handle(ctx, t, "TRACK")
		assert.Equal(t, []string{"Processing"}, h.msgTexts(ctx, t))
	})

	t.Run("connection error takes fail", func(t *testing.T) {
		ctx, h := newHarness(t)
		h.db.AddFlow(newAPIFlow(h.org.ID))

		httpx.SetRequestor(httpx.NewMockRequestor(map[string][]*httpx.MockResponse{
			ordersURL: {httpx.MockConnectionError},
			sendURL:   {httpx.NewMockResponse(200, nil, []byte(`{"messages": [{"id": "wamid.1"}]}`))},
		}))

		h.handle(ctx, t, "TRACK")
		assert.Equal(t, []string{"Try later"}, h.msgTexts(ctx, t))
	})

	t.Run("server error takes fail", func(t *testing.T) {
		ctx, h := newHarness(t)
		h.db.AddFlow(newAPIFlow(h.org.ID))

		httpx.SetRequestor(httpx.NewMockRequestor(map[string][]*httpx.MockResponse{
			ordersURL: {httpx.NewMockResponse(500, nil, []byte(`boom`))},
			sendURL:   {httpx.NewMockResponse(200, nil, []byte(`{"messages": [{"id": "wamid.1"}]}`))},
		}))

		h.handle(ctx, t, "TRACK")
		assert.Equal(t, []string{"Try later"}, h.msgTexts(ctx, t))
	})
}

func TestMediaForwardNode(t *testing.T) {
	ctx, h := newHarness(t)
	defer httpx.SetRequestor(httpx.DefaultRequestor)

	h.db.AddFlow(&models.Flow{
		OrgID:          h.org.ID,
		Name:           "Receipts",
		TriggerKeyword: "*",
		Enabled:        true,
		Nodes: models.NodeList{
			{ID: "fwd", Type: "media_forward", Data: json.RawMessage(`{}`)},
			{ID: "ok", Type: "message", Data: json.RawMessage(`{"text": "Saved at {{media_url}}"}`)},
		},
		Edges: models.EdgeList{{Source: "fwd", Target: "ok", SourceHandle: "success"}},
	})

	png := append([]byte("\x89PNG\r\n\x1a\n"), []byte("not really pixels")...)

	httpx.SetRequestor(httpx.NewMockRequestor(map[string][]*httpx.MockResponse{
		"https://graph.facebook.com/v20.0/MEDIA555": {httpx.NewMockResponse(200, nil, []byte(`{"url": "https://mmg.whatsapp.net/d/f/abc"}`))},
		"https://mmg.whatsapp.net/d/f/abc":          {httpx.NewMockResponse(200, nil, png)},
		sendURL: {httpx.NewMockResponse(200, nil, []byte(`{"messages": [{"id": "wamid.1"}]}`))},
	}))

	// the node falls back to the media on the triggering message
	require.NoError(t, h.engine.HandleInbound(ctx, h.org, h.contact, h.conv, &flows.Input{
		Type: models.MsgTypeImage, MediaID: "MEDIA555", MediaURL: "https://mmg.whatsapp.net/d/f/abc",
	}))

	assert.Equal(t, []string{"Saved at https://media.test/1/file1"}, h.msgTexts(ctx, t))

	saved := h.media.Saved()
	require.Len(t, saved, 1)
	assert.Equal(t, "media.png", saved[0].Filename)
	assert.Equal(t, "image/png", saved[0].ContentType)
	assert.Equal(t, png, saved[0].Body)
}

func TestGoogleSheetQueryNode(t *testing.T) {
	defer httpx.SetRequestor(httpx.DefaultRequestor)

	newSheetFlow := func(orgID models.OrgID) *models.Flow {
		return &models.Flow{
			OrgID:          orgID,
			Name:           "Balance",
			TriggerKeyword: "BALANCE",
			Enabled:        true,
			Nodes: models.NodeList{
				{ID: "q", Type: "google_sheet_query", Data: json.RawMessage(`{
					"url": "https://script.google.com/macros/s/KEY/exec",
					"match": {"phone": "{{sender_mobile}}"},
					"mappings": [{"variable": "balance", "path": "balance"}]
				}`)},
				{ID: "hit", Type: "message", Data: json.RawMessage(`{"text": "Balance {{balance}}"}`)},
				{ID: "miss", Type: "message", Data: json.RawMessage(`{"text": "No account"}`)},
			},
			Edges: models.EdgeList{
				{Source: "q", Target: "hit", SourceHandle: "success"},
				{Source: "q", Target: "miss", SourceHandle: "fail"},
			},
		}
	}

	// url.Values escapes the contact's + prefix
	const queryURL = "https://script.google.com/macros/s/KEY/exec?phone=%2B911234500001"

	t.Run("row found", func(t *testing.T) {
		ctx, h := newHarness(t)
		h.db.AddFlow(newSheetFlow(h.org.ID))

		httpx.SetRequestor(httpx.NewMockRequestor(map[string][]*httpx.MockResponse{
			queryURL: {httpx.NewMockResponse(200, nil, []byte(`{"balance": 250}`))},
			sendURL:  {httpx.NewMockResponse(200, nil, []byte(`{"messages": [{"id": "wamid.1"}]}`))},
		}))

		h.handle(ctx, t, "BALANCE")
		assert.Equal(t, []string{"Balance 250"}, h.msgTexts(ctx, t))
	})

	t.Run("empty document routes fail", func(t *testing.T) {
		ctx, h := newHarness(t)
		h.db.AddFlow(newSheetFlow(h.org.ID))

		httpx.SetRequestor(httpx.NewMockRequestor(map[string][]*httpx.MockResponse{
			queryURL: {httpx.NewMockResponse(200, nil, []byte(`{}`))},
			sendURL:  {httpx.NewMockResponse(200, nil, []byte(`{"messages": [{"id": "wamid.1"}]}`))},
		}))

		h.handle(ctx, t, "BALANCE")
		assert.Equal(t, []string{"No account"}, h.msgTexts(ctx, t))
	})
}

func TestPaymentNode(t *testing.T) {
	ctx, h := newHarness(t)
	defer httpx.SetRequestor(httpx.DefaultRequestor)

	h.db.AddFlow(&models.Flow{
		OrgID:          h.org.ID,
		Name:           "Checkout",
		TriggerKeyword: "PAY",
		Enabled:        true,
		Nodes: models.NodeList{
			{ID: "pay", Type: "payment", Data: json.RawMessage(`{
				"provider": "razorpay",
				"keyId": "rzp_test_key",
				"keySecret": "shhh",
				"amount": "150",
				"description": "Order 1042"
			}`)},
			{ID: "done", Type: "message", Data: json.RawMessage(`{"text": "Reply PAID once you're through"}`)},
		},
		Edges: models.EdgeList{{Source: "pay", Target: "done", SourceHandle: "success"}},
	})

	httpx.SetRequestor(httpx.NewMockRequestor(map[string][]*httpx.MockResponse{
		"https://api.razorpay.com/v1/payment_links": {httpx.NewMockResponse(200, nil, []byte(`{"id": "plink_1", "short_url": "https://rzp.io/i/abc"}`))},
		sendURL: {
			httpx.NewMockResponse(200, nil, []byte(`{"messages": [{"id": "wamid.1"}]}`)),
			httpx.NewMockResponse(200, nil, []byte(`{"messages": [{"id": "wamid.2"}]}`)),
		},
	}))

	h.handle(ctx, t, "PAY")

	assert.Equal(t, []string{"Pay here: https://rzp.io/i/abc", "Reply PAID once you're through"}, h.msgTexts(ctx, t))
}

func TestSendExternalNode(t *testing.T) {
	ctx, h := newHarness(t)
	defer httpx.SetRequestor(httpx.DefaultRequestor)

	h.db.AddFlow(&models.Flow{
		OrgID:          h.org.ID,
		Name:           "Escalate",
		TriggerKeyword: "URGENT",
		Enabled:        true,
		Nodes: models.NodeList{
			{ID: "ping", Type: "send_external", Data: json.RawMessage(`{"phone": "+1 555 000 1111", "text": "Customer {{sender_mobile}} needs help"}`)},
			{ID: "ack", Type: "message", Data: json.RawMessage(`{"text": "The team is on it"}`)},
		},
		Edges: models.EdgeList{{Source: "ping", Target: "ack"}},
	})

	okSends(2)
	h.handle(ctx, t, "URGENT")

	// only the reply to the contact lands in the conversation, the side
	// message leaves no record
	assert.Equal(t, []string{"The team is on it"}, h.msgTexts(ctx, t))
}
