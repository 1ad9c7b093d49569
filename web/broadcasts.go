package web

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nyaruka/null/v3"
	"github.com/tucanchat/tucan/core/errs"
	"github.com/tucanchat/tucan/core/models"
)

func (s *Server) handleListBroadcasts(w http.ResponseWriter, r *http.Request) {
	org := orgFromCtx(r.Context())

	query := &pageQuery{}
	if err := decodeQuery(r, query); err != nil {
		s.writeError(w, err)
		return
	}
	query.clamp()

	bcasts, err := s.db.ListBroadcasts(r.Context(), org.ID, query.Limit, query.Offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, bcasts)
}

type broadcastRecipient struct {
	Phone string            `json:"phone" validate:"required"`
	Vars  map[string]string `json:"vars"`
}

type createBroadcastRequest struct {
	Name             string     `json:"name"              validate:"required"`
	TemplateName     string     `json:"template_name"     validate:"required"`
	TemplateLanguage string     `json:"template_language" validate:"required"`
	HeaderMediaID    string     `json:"header_media_id"`
	HeaderMediaType  string     `json:"header_media_type"`
	ChatbotOnReply   bool       `json:"chatbot_on_reply"`
	ScheduledOn      *time.Time `json:"scheduled_on"`

	Recipients []broadcastRecipient `json:"recipients" validate:"required,min=1,dive"`
}

// handleCreateBroadcast records a broadcast and its recipients. With a
// scheduled time it waits for the scheduler, otherwise it sits pending until
// started.
func (s *Server) handleCreateBroadcast(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	org := orgFromCtx(ctx)

	req := &createBroadcastRequest{}
	if err := decodeJSON(r, req); err != nil {
		s.writeError(w, err)
		return
	}

	recipients := make([]*models.Recipient, len(req.Recipients))
	for i, rcpt := range req.Recipients {
		if models.DigitsOnly(rcpt.Phone) == "" {
			s.writeError(w, errs.Newf(errs.Validation, "invalid recipient phone '%s'", rcpt.Phone))
			return
		}
		recipients[i] = &models.Recipient{Phone: rcpt.Phone, Vars: models.RecipientVars(rcpt.Vars)}
	}

	bcast := &models.Broadcast{
		OrgID:            org.ID,
		Name:             req.Name,
		TemplateName:     req.TemplateName,
		TemplateLanguage: req.TemplateLanguage,
		HeaderMediaID:    null.String(req.HeaderMediaID),
		HeaderMediaType:  null.String(req.HeaderMediaType),
		ChatbotOnReply:   req.ChatbotOnReply,
	}
	if req.ScheduledOn != nil {
		bcast.Status = models.BroadcastStatusScheduled
		bcast.ScheduledOn = req.ScheduledOn
	}

	if err := s.db.CreateBroadcast(ctx, bcast, recipients); err != nil {
		s.writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, bcast)
}

// broadcastFromPath loads the broadcast addressed by the id URL parameter,
// scoped to the caller's org.
func (s *Server) broadcastFromPath(r *http.Request) (*models.Broadcast, error) {
	org := orgFromCtx(r.Context())
	return s.db.GetBroadcast(r.Context(), org.ID, models.BroadcastID(intParam(chi.URLParam(r, "id"))))
}

func (s *Server) handleGetBroadcast(w http.ResponseWriter, r *http.Request) {
	bcast, err := s.broadcastFromPath(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	recipients, err := s.db.GetBroadcastRecipients(r.Context(), bcast.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"broadcast": bcast, "recipients": recipients})
}

func (s *Server) handleStartBroadcast(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	org := orgFromCtx(ctx)

	bcast, err := s.broadcastFromPath(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	claimed, err := s.dispatcher.Start(ctx, bcast.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !claimed {
		s.writeError(w, errs.New(errs.Conflict, "broadcast has already been started"))
		return
	}

	bcast, err = s.db.GetBroadcast(ctx, org.ID, bcast.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeData(w, http.StatusAccepted, bcast)
}

func (s *Server) handleCancelBroadcast(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	org := orgFromCtx(ctx)

	bcast, err := s.broadcastFromPath(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	won, err := s.db.CancelBroadcast(ctx, org.ID, bcast.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !won {
		s.writeError(w, errs.New(errs.Conflict, "broadcast can no longer be cancelled"))
		return
	}

	bcast, err = s.db.GetBroadcast(ctx, org.ID, bcast.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, bcast)
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	org := orgFromCtx(r.Context())

	query := &pageQuery{}
	if err := decodeQuery(r, query); err != nil {
		s.writeError(w, err)
		return
	}
	query.clamp()

	notifications, err := s.db.ListNotifications(r.Context(), org.ID, query.Limit, query.Offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, notifications)
}

type createNotificationRequest struct {
	ExternalID       string            `json:"external_id"       validate:"required"`
	Phone            string            `json:"phone"             validate:"required"`
	TemplateName     string            `json:"template_name"     validate:"required"`
	TemplateLanguage string            `json:"template_language" validate:"required"`
	Payload          map[string]string `json:"payload"`
	ScheduledOn      *time.Time        `json:"scheduled_on"`
}

func (s *Server) handleCreateNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	org := orgFromCtx(ctx)

	req := &createNotificationRequest{}
	if err := decodeJSON(r, req); err != nil {
		s.writeError(w, err)
		return
	}
	if models.DigitsOnly(req.Phone) == "" {
		s.writeError(w, errs.Newf(errs.Validation, "invalid phone '%s'", req.Phone))
		return
	}

	scheduledOn := time.Now()
	if req.ScheduledOn != nil {
		scheduledOn = *req.ScheduledOn
	}

	notification := &models.Notification{
		OrgID:            org.ID,
		ExternalID:       req.ExternalID,
		Phone:            req.Phone,
		TemplateName:     req.TemplateName,
		TemplateLanguage: req.TemplateLanguage,
		Payload:          models.NotificationPayload(req.Payload),
		ScheduledOn:      scheduledOn,
	}

	created, err := s.db.CreateNotification(ctx, notification)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !created {
		s.writeError(w, errs.Newf(errs.Conflict, "a notification with external id '%s' already exists", req.ExternalID))
		return
	}
	writeData(w, http.StatusCreated, notification)
}

func (s *Server) handleCancelNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	org := orgFromCtx(ctx)
	externalID := chi.URLParam(r, "externalID")

	won, err := s.db.CancelNotification(ctx, org.ID, externalID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !won {
		s.writeError(w, errs.Newf(errs.Conflict, "notification '%s' is not pending", externalID))
		return
	}
	writeData(w, http.StatusOK, map[string]string{"status": "cancelled"})
}
