// Package schedules wakes deferred work once a minute: broadcasts whose
// scheduled time has arrived are handed to the dispatcher, and due
// notifications are sent directly as template messages. Ticks are serialized
// across instances with a redis lock, so running several processes is safe.
package schedules

import (
	"context"
	"log/slog"
	"time"

	"github.com/nyaruka/gocommon/stringsx"
	"github.com/nyaruka/redisx"
	"github.com/robfig/cron/v3"
	"github.com/tucanchat/tucan/broadcasts"
	"github.com/tucanchat/tucan/core/errs"
	"github.com/tucanchat/tucan/core/models"
	"github.com/tucanchat/tucan/core/store"
	"github.com/tucanchat/tucan/runtime"
	"github.com/tucanchat/tucan/whatsapp"
)

// scheduleGrace lets a broadcast scheduled moments ahead of a tick go out on
// that tick instead of waiting a whole minute.
const scheduleGrace = 30 * time.Second

// notificationBatch caps how many due notifications one tick sends, the rest
// roll over to the next minute.
const notificationBatch = 50

const maxErrorLen = 255

// tickLock serializes ticks across instances, expiring well before a stuck
// process could block more than a few minutes of schedules.
var tickLock = redisx.NewLocker("schedules:tick", time.Minute*5)

// Scheduler owns the cron that wakes scheduled broadcasts and due
// notifications.
type Scheduler struct {
	rt         *runtime.Runtime
	db         store.Store
	dispatcher *broadcasts.Dispatcher

	cron *cron.Cron
}

// NewScheduler creates a new scheduler which wakes work through the given
// dispatcher and store.
func NewScheduler(rt *runtime.Runtime, db store.Store, dispatcher *broadcasts.Dispatcher) *Scheduler {
	return &Scheduler{rt: rt, db: db, dispatcher: dispatcher, cron: cron.New()}
}

// Start begins ticking once a minute.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc("* * * * *", s.tick); err != nil {
		return err
	}
	s.cron.Start()

	slog.Info("scheduler started")
	return nil
}

// Stop stops the cron and waits for an in-flight tick to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()

	slog.Info("scheduler stopped")
}

// tick runs one pass over due work. The pass is skipped entirely when
// another instance holds the lock.
func (s *Scheduler) tick() {
	log := slog.With("comp", "scheduler")

	if s.rt.RP != nil {
		lock, err := tickLock.Grab(s.rt.RP, 0)
		if err != nil {
			log.Error("error grabbing schedules lock", "error", err)
			return
		}
		if lock == "" {
			return
		}
		defer func() {
			if err := tickLock.Release(s.rt.RP, lock); err != nil {
				log.Error("error releasing schedules lock", "error", err)
			}
		}()
	}

	// everything must land inside the minute or the next tick piles on
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*55)
	defer cancel()

	s.startDueBroadcasts(ctx, log)
	s.sendDueNotifications(ctx, log)
}

// startDueBroadcasts hands every scheduled broadcast that has come due to
// the dispatcher. Claiming is single-winner so a broadcast started by hand
// between ticks is simply skipped.
func (s *Scheduler) startDueBroadcasts(ctx context.Context, log *slog.Logger) {
	due, err := s.db.GetDueScheduledBroadcasts(ctx, time.Now(), scheduleGrace)
	if err != nil {
		log.Error("error loading due broadcasts", "error", err)
		return
	}

	for _, b := range due {
		claimed, err := s.dispatcher.Start(ctx, b.ID)
		if err != nil {
			log.Error("error starting scheduled broadcast", "error", err, "broadcast_id", b.ID, "org_id", b.OrgID)
		} else if claimed {
			log.Info("scheduled broadcast started", "broadcast_id", b.ID, "org_id", b.OrgID)
		}
	}
}

// sendDueNotifications sends one batch of due notifications, marking each
// sent or failed as it goes.
func (s *Scheduler) sendDueNotifications(ctx context.Context, log *slog.Logger) {
	due, err := s.db.GetDueNotifications(ctx, time.Now(), notificationBatch)
	if err != nil {
		log.Error("error loading due notifications", "error", err)
		return
	}

	for _, n := range due {
		if err := s.sendNotification(ctx, n); err != nil {
			log.Error("error sending notification", "error", err, "notification_id", n.ID, "org_id", n.OrgID)

			if err := s.db.MarkNotificationFailed(ctx, n.ID, stringsx.Truncate(err.Error(), maxErrorLen)); err != nil {
				log.Error("error marking notification failed", "error", err, "notification_id", n.ID)
			}
			continue
		}

		if err := s.db.MarkNotificationSent(ctx, n.ID); err != nil {
			log.Error("error marking notification sent", "error", err, "notification_id", n.ID)
		}
	}

	if len(due) > 0 {
		log.Info("notifications dispatched", "count", len(due))
	}
}

func (s *Scheduler) sendNotification(ctx context.Context, n *models.Notification) error {
	org, err := s.db.GetOrg(ctx, n.OrgID)
	if err != nil {
		return err
	}
	if !org.IsActive() {
		return errs.New(errs.TenantClosed, "org not active")
	}

	params := whatsapp.TemplateParams{}
	if len(n.Payload) > 0 {
		params["body"] = whatsapp.BodyParams(n.Payload)
	}
	env := whatsapp.NewTemplate(whatsapp.BuildTemplatePayload(n.TemplateName, n.TemplateLanguage, params))

	_, err = whatsapp.NewClient(s.rt, org).Send(ctx, models.DigitsOnly(n.Phone), env)
	return err
}
