// Package broadcasts runs bulk template sends. A broadcast is claimed exactly
// once, its recipients go out in concurrent batches with a pause between
// them, and the delivered/read/failed aggregates are reconciled later by the
// webhook ingester as provider status events arrive.
package broadcasts

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nyaruka/gocommon/stringsx"
	"github.com/tucanchat/tucan/core/models"
	"github.com/tucanchat/tucan/core/store"
	"github.com/tucanchat/tucan/realtime"
	"github.com/tucanchat/tucan/runtime"
	"github.com/tucanchat/tucan/whatsapp"
)

// provider errors are stored in a varchar(255)
const maxErrorLen = 255

// Dispatcher claims broadcasts and runs them to completion on background
// goroutines.
type Dispatcher struct {
	rt  *runtime.Runtime
	db  store.Store
	pub realtime.Publisher

	batchSize   int
	batchPause  time.Duration
	concurrency int

	wg sync.WaitGroup
}

func NewDispatcher(rt *runtime.Runtime, db store.Store, pub realtime.Publisher) *Dispatcher {
	return &Dispatcher{
		rt:          rt,
		db:          db,
		pub:         pub,
		batchSize:   50,
		batchPause:  5 * time.Second,
		concurrency: 10,
	}
}

// Start claims the broadcast and begins sending in the background, returning
// whether this call won the claim. Starting is idempotent: a broadcast that
// is already processing, finished or cancelled is left alone.
func (d *Dispatcher) Start(ctx context.Context, id models.BroadcastID) (bool, error) {
	bcast, claimed, err := d.db.ClaimBroadcast(ctx, id)
	if err != nil {
		return false, err
	}
	if !claimed {
		return false, nil
	}

	org, err := d.db.GetOrg(ctx, bcast.OrgID)
	if err != nil {
		return false, err
	}

	d.pub.Publish(realtime.OrgRoom(org.ID), &realtime.Event{Type: realtime.EventBroadcastUpdate, Data: bcast})

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		// the claim outlives the request that made it
		d.run(context.Background(), org, bcast)
	}()
	return true, nil
}

// Stop waits for every in-flight broadcast to finish its batches
func (d *Dispatcher) Stop() {
	d.wg.Wait()
}

func (d *Dispatcher) run(ctx context.Context, org *models.Org, bcast *models.Broadcast) {
	log := slog.With("comp", "broadcasts", "org_id", org.ID, "broadcast_id", bcast.ID)
	start := time.Now()

	all, err := d.db.GetBroadcastRecipients(ctx, bcast.ID)
	if err != nil {
		log.Error("error loading broadcast recipients", "error", err)
		return
	}

	// recipients already settled by an earlier run can't be sent twice
	recipients := make([]*models.Recipient, 0, len(all))
	for _, r := range all {
		if r.Status == models.MsgStatusPending {
			recipients = append(recipients, r)
		}
	}

	for batchStart := 0; batchStart < len(recipients); batchStart += d.batchSize {
		if batchStart > 0 {
			if current, err := d.db.GetBroadcast(ctx, org.ID, bcast.ID); err == nil {
				d.pub.Publish(realtime.OrgRoom(org.ID), &realtime.Event{Type: realtime.EventBroadcastUpdate, Data: current})
			}

			time.Sleep(d.batchPause)

			// a cancellation while a batch was in flight lets that batch
			// finish but stops the run here
			current, err := d.db.GetBroadcast(ctx, org.ID, bcast.ID)
			if err != nil {
				log.Error("error reloading broadcast", "error", err)
				return
			}
			if current.Status != models.BroadcastStatusProcessing {
				log.Info("broadcast no longer processing, stopping", "status", current.Status)
				return
			}
		}

		d.sendBatch(ctx, org, bcast, recipients[batchStart:min(batchStart+d.batchSize, len(recipients))])
	}

	if err := d.db.CompleteBroadcast(ctx, bcast.ID); err != nil {
		log.Error("error completing broadcast", "error", err)
		return
	}
	if final, err := d.db.GetBroadcast(ctx, org.ID, bcast.ID); err == nil {
		d.pub.Publish(realtime.OrgRoom(org.ID), &realtime.Event{Type: realtime.EventBroadcastUpdate, Data: final})
	}

	log.Info("broadcast completed", "recipients", len(recipients), "elapsed", time.Since(start))
}

// sendBatch fans one batch out over bounded goroutines and waits for all of
// them to settle
func (d *Dispatcher) sendBatch(ctx context.Context, org *models.Org, bcast *models.Broadcast, batch []*models.Recipient) {
	var wg sync.WaitGroup
	sem := make(chan struct{}, d.concurrency)

	for _, rcpt := range batch {
		sem <- struct{}{}
		wg.Add(1)
		go func(rcpt *models.Recipient) {
			defer wg.Done()
			defer func() { <-sem }()
			d.sendRecipient(ctx, org, bcast, rcpt)
		}(rcpt)
	}
	wg.Wait()
}

// sendRecipient sends the broadcast's template to one recipient and settles
// the recipient row by the outcome
func (d *Dispatcher) sendRecipient(ctx context.Context, org *models.Org, bcast *models.Broadcast, rcpt *models.Recipient) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic sending broadcast recipient", "panic", r, "broadcast_id", bcast.ID, "recipient_id", rcpt.ID)
		}
	}()

	env := whatsapp.NewTemplate(d.template(bcast, rcpt))
	providerID, err := whatsapp.NewClient(d.rt, org).Send(ctx, models.DigitsOnly(rcpt.Phone), env)
	if err != nil {
		if dbErr := d.db.UpdateRecipientFailed(ctx, rcpt.ID, stringsx.Truncate(err.Error(), maxErrorLen)); dbErr != nil {
			slog.Error("error marking recipient failed", "error", dbErr, "recipient_id", rcpt.ID)
		}
		return
	}

	if err := d.db.UpdateRecipientSent(ctx, rcpt.ID, providerID); err != nil {
		slog.Error("error marking recipient sent", "error", err, "recipient_id", rcpt.ID)
	}

	d.attribute(ctx, org, bcast, rcpt)
}

// template assembles the payload for one recipient: header media first when
// the broadcast carries one, then the recipient's numbered body variables
func (d *Dispatcher) template(bcast *models.Broadcast, rcpt *models.Recipient) *whatsapp.Template {
	params := whatsapp.TemplateParams{}

	if bcast.HeaderMediaID != "" {
		typ := string(bcast.HeaderMediaType)
		if typ == "" {
			typ = "image"
		}
		params["header"] = []whatsapp.TemplateParam{{Type: typ, Value: string(bcast.HeaderMediaID)}}
	}
	if len(rcpt.Vars) > 0 {
		params["body"] = whatsapp.BodyParams(rcpt.Vars)
	}

	return whatsapp.BuildTemplatePayload(bcast.TemplateName, bcast.TemplateLanguage, params)
}

// attribute stamps the recipient's open conversation with this broadcast so
// the next reply is credited to it even before the ingester's recency lookup
func (d *Dispatcher) attribute(ctx context.Context, org *models.Org, bcast *models.Broadcast, rcpt *models.Recipient) {
	contact, err := d.db.GetContactByPhone(ctx, org.ID, rcpt.Phone)
	if err != nil || contact == nil {
		return
	}
	conv, err := d.db.GetOpenConversation(ctx, org.ID, contact.ID)
	if err != nil || conv == nil || conv.IsAttributed() {
		return
	}
	if _, err := d.db.AttributeConversation(ctx, conv.ID, bcast.ID); err != nil {
		slog.Error("error attributing conversation", "error", err, "conversation_id", conv.ID)
	}
}
