package webhook

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/nyaruka/gocommon/httpx"
	"github.com/nyaruka/gocommon/jsonx"
	"github.com/nyaruka/null/v3"
	"github.com/nyaruka/redisx"
	"github.com/tucanchat/tucan/core/models"
	"github.com/tucanchat/tucan/flows"
	"github.com/tucanchat/tucan/realtime"
	"github.com/tucanchat/tucan/whatsapp"
	validator "gopkg.in/go-playground/validator.v9"
)

const (
	// how long after a broadcast send a reply still counts as a response
	attributionWindow = 24 * time.Hour

	// how long tenants' external webhooks get to answer a forward
	forwardTimeout = 5 * time.Second
)

var validate = validator.New()

// forwards don't deserve idle connections of their own, tenant endpoints
// are slow and rarely called
var forwardClient = &http.Client{Timeout: forwardTimeout}

// seenMsgs tracks provider message ids over two day-long windows so retried
// envelopes drop out cheaply before touching the database
var seenMsgs = redisx.NewIntervalSet("webhook:seen", time.Hour*24, 2)

// processPayload walks an accepted envelope, handling every message and
// status inside it. Individual failures are logged and skipped, one bad
// entry must not sink the rest of the batch.
func (s *Server) processPayload(ctx context.Context, org *models.Org, body []byte) {
	payload := &whatsapp.Payload{}
	if err := jsonx.Unmarshal(body, payload); err != nil {
		slog.Error("error unmarshalling webhook payload", "error", err, "org_id", org.ID)
		return
	}
	if err := validate.Struct(payload); err != nil {
		slog.Error("invalid webhook payload", "error", err, "org_id", org.ID)
		return
	}

	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			// profile names ride alongside messages, keyed by wa_id
			names := make(map[string]string, len(change.Value.Contacts))
			for _, c := range change.Value.Contacts {
				names[c.WaID] = c.Profile.Name
			}

			for i := range change.Value.Messages {
				if err := s.handleMessage(ctx, org, &change.Value.Messages[i], names); err != nil {
					slog.Error("error handling inbound message", "error", err, "org_id", org.ID, "provider_id", change.Value.Messages[i].ID)
				}
			}
			for i := range change.Value.Statuses {
				if err := s.handleStatus(ctx, org, &change.Value.Statuses[i]); err != nil {
					slog.Error("error handling status", "error", err, "org_id", org.ID, "provider_id", change.Value.Statuses[i].ID)
				}
			}
			for _, e := range change.Value.Errors {
				slog.Error("provider reported webhook error", "org_id", org.ID, "code", e.Code, "title", e.Title)
			}
		}
	}
}

// handleMessage ingests one inbound message: contact, conversation,
// broadcast attribution, persistence, realtime fan-out, external forward and
// finally the interpreter.
func (s *Server) handleMessage(ctx context.Context, org *models.Org, m *whatsapp.WAMessage, names map[string]string) error {
	// a message from our own number is an echo of something we sent
	if models.SamePhone(m.From, org.DisplayPhoneNumber) {
		return nil
	}

	if s.checkSeen(org, m.ID) {
		slog.Debug("duplicate webhook message dropped", "org_id", org.ID, "provider_id", m.ID)
		return nil
	}

	contact, err := s.db.GetOrCreateContact(ctx, org, m.From, "+"+models.DigitsOnly(m.From), names[m.From])
	if err != nil {
		return err
	}

	conv, err := s.db.GetOrOpenConversation(ctx, org, contact.ID)
	if err != nil {
		return err
	}

	// the first reply after a broadcast credits it, exactly once
	var attributed *models.Broadcast
	if !conv.IsAttributed() {
		bcast, err := s.db.GetRecentBroadcastForPhone(ctx, org.ID, contact.Phone, attributionWindow)
		if err != nil {
			slog.Error("error looking up recent broadcast", "error", err, "org_id", org.ID)
		} else if bcast != nil {
			won, err := s.db.AttributeConversation(ctx, conv.ID, bcast.ID)
			if err != nil {
				slog.Error("error attributing conversation", "error", err, "conversation_id", conv.ID)
			} else if won {
				conv.BroadcastID = bcast.ID
				attributed = bcast
				if err := s.db.IncrementBroadcastReplied(ctx, bcast.ID); err != nil {
					slog.Error("error incrementing broadcast replies", "error", err, "broadcast_id", bcast.ID)
				}
			}
		}
	}

	if conv.IsNew {
		s.pub.Publish(realtime.OrgRoom(org.ID), &realtime.Event{Type: realtime.EventConversationNew, Data: conv})
	}

	msg := models.NewIncomingMsg(org, conv, m.MsgType(), m.ExtractText())
	msg.ProviderID = null.String(m.ID)
	msg.CreatedOn = m.SentOn()

	if part := m.MediaPart(); part != nil {
		// the provider's media URLs are short lived, resolve now so the
		// inbox can render the attachment
		mediaURL, err := whatsapp.NewClient(s.rt, org).ResolveMediaURL(ctx, part.ID)
		if err != nil {
			slog.Error("error resolving media url", "error", err, "org_id", org.ID, "media_id", part.ID)
		}
		msg.WithMedia(mediaURL, part.ID, part.Mimetype, part.Filename)
		msg.WithCaption(part.Caption)
	}

	inserted, err := s.db.InsertMsg(ctx, msg)
	if err != nil {
		return err
	}
	if !inserted {
		// already persisted by an earlier delivery of this envelope
		return nil
	}
	s.markSeen(org, m.ID)

	preview := msg.Text
	if preview == "" {
		preview = string(msg.Caption)
	}
	if err := s.db.RecordIncomingOnConversation(ctx, conv.ID, models.PreviewFor(msg.Type, preview), msg.CreatedOn); err != nil {
		slog.Error("error updating conversation for incoming msg", "error", err, "conversation_id", conv.ID)
	}

	s.pub.Publish(realtime.OrgRoom(org.ID), &realtime.Event{Type: realtime.EventMessageNew, Data: msg})
	s.pub.Publish(realtime.ConvRoom(conv.ID), &realtime.Event{Type: realtime.EventMessageNew, Data: msg})

	s.forward(ctx, org, "message", msg, contact)

	if !s.chatbotWanted(ctx, org, conv, attributed) {
		return nil
	}
	if err := s.interp.HandleInbound(ctx, org, contact, conv, flows.InputFromProvider(m, msg)); err != nil {
		slog.Error("error running interpreter", "error", err, "org_id", org.ID, "contact_id", contact.ID)
	}
	return nil
}

// chatbotWanted decides whether the interpreter runs for a message: the org
// switch rules, and a broadcast the conversation is attributed to can opt
// its replies out of the bot.
func (s *Server) chatbotWanted(ctx context.Context, org *models.Org, conv *models.Conversation, attributed *models.Broadcast) bool {
	if !org.ChatbotEnabled {
		return false
	}
	if !conv.IsAttributed() {
		return true
	}

	bcast := attributed
	if bcast == nil {
		var err error
		bcast, err = s.db.GetBroadcast(ctx, org.ID, conv.BroadcastID)
		if err != nil {
			slog.Error("error loading attributed broadcast", "error", err, "broadcast_id", conv.BroadcastID)
			return true
		}
	}
	return bcast == nil || bcast.ChatbotOnReply
}

// statusMap translates provider status names to ours
var statusMap = map[string]models.MsgStatus{
	"sent":      models.MsgStatusSent,
	"delivered": models.MsgStatusDelivered,
	"read":      models.MsgStatusRead,
	"failed":    models.MsgStatusFailed,
}

// handleStatus advances the message carrying the provider id, or the
// broadcast recipient when the id belongs to a campaign send.
func (s *Server) handleStatus(ctx context.Context, org *models.Org, st *whatsapp.WAStatus) error {
	status, found := statusMap[st.Status]
	if !found {
		slog.Info("unknown status ignored", "org_id", org.ID, "status", st.Status)
		return nil
	}

	msg, advanced, err := s.db.AdvanceMsgStatusByProviderID(ctx, org.ID, st.ID, status, st.FailReason())
	if err != nil {
		return err
	}
	if msg != nil {
		if advanced {
			s.pub.Publish(realtime.OrgRoom(org.ID), &realtime.Event{Type: realtime.EventMessageStatus, Data: msg})
			s.pub.Publish(realtime.ConvRoom(msg.ConversationID), &realtime.Event{Type: realtime.EventMessageStatus, Data: msg})
			s.forward(ctx, org, "status", msg, nil)
		}
		return nil
	}

	rcpt, bcastID, err := s.db.AdvanceRecipientStatusByProviderID(ctx, org.ID, st.ID, status)
	if err != nil {
		return err
	}
	if rcpt == nil {
		slog.Debug("status for unknown provider id ignored", "org_id", org.ID, "provider_id", st.ID)
		return nil
	}

	bcast, err := s.db.GetBroadcast(ctx, org.ID, bcastID)
	if err != nil {
		return err
	}
	if bcast != nil {
		s.pub.Publish(realtime.OrgRoom(org.ID), &realtime.Event{Type: realtime.EventBroadcastUpdate, Data: bcast})
	}
	s.forward(ctx, org, "status", rcpt, nil)
	return nil
}

// forwardEnvelope is what tenants' own systems receive for every message and
// status we process for them.
type forwardEnvelope struct {
	Type    string          `json:"type"`
	Data    any             `json:"data"`
	Contact *models.Contact `json:"contact,omitempty"`
}

// forward mirrors an event to the tenant's external webhook, signed the same
// way the provider signs for us. Failures only log, forwarding is best
// effort.
func (s *Server) forward(ctx context.Context, org *models.Org, typ string, data any, contact *models.Contact) {
	if org.ExternalWebhookURL == "" {
		return
	}

	body := jsonx.MustMarshal(&forwardEnvelope{Type: typ, Data: data, Contact: contact})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, string(org.ExternalWebhookURL), bytes.NewReader(body))
	if err != nil {
		slog.Error("error building forward request", "error", err, "org_id", org.ID)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signatureHeader, "sha256="+calculateSignature(string(org.ExternalWebhookSecret), body))

	trace, err := httpx.DoTrace(forwardClient, req, nil, nil, maxRequestBytes)
	if err != nil || trace.Response == nil {
		slog.Error("error forwarding webhook", "error", err, "org_id", org.ID, "url", org.ExternalWebhookURL)
		return
	}
	slog.Debug("webhook forwarded", "org_id", org.ID, "status", trace.Response.StatusCode, "elapsed", trace.EndTime.Sub(trace.StartTime))
}

// checkSeen reports whether we already processed this provider message id
// recently. Redis being down fails open, the database unique index is the
// authority.
func (s *Server) checkSeen(org *models.Org, providerID string) bool {
	if s.rt.RP == nil || providerID == "" {
		return false
	}
	rc := s.rt.RP.Get()
	defer rc.Close()

	seen, err := seenMsgs.IsMember(rc, org.ID.String()+"|"+providerID)
	if err != nil {
		slog.Error("error checking seen messages", "error", err)
		return false
	}
	return seen
}

func (s *Server) markSeen(org *models.Org, providerID string) {
	if s.rt.RP == nil || providerID == "" {
		return
	}
	rc := s.rt.RP.Get()
	defer rc.Close()

	if err := seenMsgs.Add(rc, org.ID.String()+"|"+providerID); err != nil {
		slog.Error("error marking message seen", "error", err)
	}
}
