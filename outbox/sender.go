// Package outbox sends conversation messages out through the provider. Every
// send is recorded as pending before the provider call so nothing an operator
// or flow did can disappear, then settled to sent or failed by the outcome.
package outbox

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nyaruka/gocommon/stringsx"
	"github.com/nyaruka/null/v3"
	"github.com/tucanchat/tucan/core/models"
	"github.com/tucanchat/tucan/core/store"
	"github.com/tucanchat/tucan/realtime"
	"github.com/tucanchat/tucan/runtime"
	"github.com/tucanchat/tucan/whatsapp"
)

// fail reasons are stored in a varchar(255)
const maxFailReason = 255

// Sender records and sends outgoing messages on conversations.
type Sender struct {
	rt  *runtime.Runtime
	db  store.Store
	pub realtime.Publisher
}

func NewSender(rt *runtime.Runtime, db store.Store, pub realtime.Publisher) *Sender {
	return &Sender{rt: rt, db: db, pub: pub}
}

// Send records msg on its conversation, submits env to the provider for the
// contact, and settles the message to sent or failed. The message is returned
// in its final state, along with the send error if there was one.
func (s *Sender) Send(ctx context.Context, org *models.Org, contact *models.Contact, msg *models.Msg, env *whatsapp.Envelope) (*models.Msg, error) {
	if _, err := s.db.InsertMsg(ctx, msg); err != nil {
		return nil, fmt.Errorf("error inserting outgoing msg: %w", err)
	}

	providerID, sendErr := whatsapp.NewClient(s.rt, org).Send(ctx, contact.WaID, env)
	if sendErr != nil {
		reason := stringsx.Truncate(sendErr.Error(), maxFailReason)
		if err := s.db.UpdateMsgFailed(ctx, msg.ID, reason); err != nil {
			slog.Error("error marking msg failed", "error", err, "msg_id", msg.ID)
		}
		msg.Status = models.MsgStatusFailed
		msg.FailReason = null.String(reason)
	} else {
		if err := s.db.UpdateMsgSent(ctx, msg.ID, providerID); err != nil {
			slog.Error("error marking msg sent", "error", err, "msg_id", msg.ID)
		}
		msg.Status = models.MsgStatusSent
		msg.ProviderID = null.String(providerID)
	}

	// failed sends still update the thread, operators need to see them
	text := msg.Text
	if text == "" {
		text = string(msg.Caption)
	}
	if err := s.db.RecordOutgoingOnConversation(ctx, msg.ConversationID, models.PreviewFor(msg.Type, text), msg.CreatedOn); err != nil {
		slog.Error("error updating conversation for outgoing msg", "error", err, "conversation_id", msg.ConversationID)
	}

	event := &realtime.Event{Type: realtime.EventMessageNew, Data: msg}
	s.pub.Publish(realtime.OrgRoom(org.ID), event)
	s.pub.Publish(realtime.ConvRoom(msg.ConversationID), event)

	return msg, sendErr
}
