package web

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/nyaruka/null/v3"
	"github.com/tucanchat/tucan/core/errs"
	"github.com/tucanchat/tucan/core/models"
	"github.com/tucanchat/tucan/realtime"
	"github.com/tucanchat/tucan/whatsapp"
)

type listConversationsQuery struct {
	pageQuery
	Status string `schema:"status"`
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	org := orgFromCtx(r.Context())

	query := &listConversationsQuery{}
	if err := decodeQuery(r, query); err != nil {
		s.writeError(w, err)
		return
	}
	query.clamp()

	convs, err := s.db.ListConversations(r.Context(), org.ID, models.ConversationStatus(query.Status), query.Limit, query.Offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, convs)
}

// conversationFromPath loads the conversation addressed by the id URL
// parameter, scoped to the caller's org.
func (s *Server) conversationFromPath(r *http.Request) (*models.Conversation, error) {
	org := orgFromCtx(r.Context())
	return s.db.GetConversation(r.Context(), org.ID, models.ConversationID(intParam(chi.URLParam(r, "id"))))
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.conversationFromPath(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, conv)
}

// updateConversationRequest carries a status move, an assignment or both.
type updateConversationRequest struct {
	Status     *models.ConversationStatus `json:"status"`
	AssigneeID *models.UserID             `json:"assignee_id"`
}

func (s *Server) handleUpdateConversation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	org := orgFromCtx(ctx)

	conv, err := s.conversationFromPath(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	req := &updateConversationRequest{}
	if err := decodeJSON(r, req); err != nil {
		s.writeError(w, err)
		return
	}

	events := make([]string, 0, 2)

	if req.Status != nil && *req.Status != conv.Status {
		switch *req.Status {
		case models.ConversationStatusOpen, models.ConversationStatusPending, models.ConversationStatusResolved, models.ConversationStatusClosed:
		default:
			s.writeError(w, errs.Newf(errs.Validation, "invalid conversation status '%s'", *req.Status))
			return
		}
		if err := s.db.UpdateConversationStatus(ctx, org.ID, conv.ID, *req.Status); err != nil {
			s.writeError(w, err)
			return
		}
		events = append(events, realtime.EventConversationStatus)
	}

	if req.AssigneeID != nil && *req.AssigneeID != conv.AssigneeID {
		if *req.AssigneeID != models.NilUserID {
			if _, err := s.db.GetUser(ctx, org.ID, *req.AssigneeID); err != nil {
				s.writeError(w, err)
				return
			}
		}
		if err := s.db.AssignConversation(ctx, org.ID, conv.ID, *req.AssigneeID); err != nil {
			s.writeError(w, err)
			return
		}
		// reassignments read as transfers on the dashboard
		if conv.AssigneeID != models.NilUserID && *req.AssigneeID != models.NilUserID {
			events = append(events, realtime.EventConversationTransferred)
		} else {
			events = append(events, realtime.EventConversationAssigned)
		}
	}

	conv, err = s.db.GetConversation(ctx, org.ID, conv.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	for _, typ := range events {
		event := &realtime.Event{Type: typ, Data: conv}
		s.pub.Publish(realtime.OrgRoom(org.ID), event)
		s.pub.Publish(realtime.ConvRoom(conv.ID), event)
	}

	writeData(w, http.StatusOK, conv)
}

type markReadRequest struct {
	MessageIDs []models.MsgID `json:"message_ids"`
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	org := orgFromCtx(ctx)

	conv, err := s.conversationFromPath(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	req := &markReadRequest{}
	if err := decodeJSON(r, req); err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.db.MarkConversationRead(ctx, org.ID, conv.ID, req.MessageIDs); err != nil {
		s.writeError(w, err)
		return
	}

	conv, err = s.db.GetConversation(ctx, org.ID, conv.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, conv)
}

func (s *Server) handleListNotes(w http.ResponseWriter, r *http.Request) {
	org := orgFromCtx(r.Context())

	conv, err := s.conversationFromPath(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	notes, err := s.db.ListNotes(r.Context(), org.ID, conv.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, notes)
}

type addNoteRequest struct {
	Body string `json:"body" validate:"required"`
}

func (s *Server) handleAddNote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	org := orgFromCtx(ctx)

	conv, err := s.conversationFromPath(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	req := &addNoteRequest{}
	if err := decodeJSON(r, req); err != nil {
		s.writeError(w, err)
		return
	}

	note := &models.Note{
		OrgID:          org.ID,
		ConversationID: conv.ID,
		AuthorID:       userFromCtx(ctx),
		Body:           req.Body,
	}
	if err := s.db.AddNote(ctx, note); err != nil {
		s.writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, note)
}

// replyRequest is an operator message on a conversation: a text, a media
// attachment or a template (required outside the 24 hour window).
type replyRequest struct {
	Type models.MsgType `json:"type" validate:"required"`

	Text string `json:"text"`

	MediaID  string `json:"media_id"`
	MediaURL string `json:"media_url"`
	Caption  string `json:"caption"`
	Filename string `json:"filename"`

	TemplateName     string            `json:"template_name"`
	TemplateLanguage string            `json:"template_language"`
	TemplateParams   map[string]string `json:"template_params"`
	HeaderMediaID    string            `json:"header_media_id"`
	HeaderMediaType  string            `json:"header_media_type"`
}

// envelope renders the request into the provider payload.
func (req *replyRequest) envelope() (*whatsapp.Envelope, error) {
	switch req.Type {
	case models.MsgTypeText:
		if req.Text == "" {
			return nil, errs.New(errs.Validation, "text messages require text")
		}
		return whatsapp.NewText(req.Text), nil

	case models.MsgTypeImage, models.MsgTypeVideo, models.MsgTypeAudio, models.MsgTypeDocument, models.MsgTypeSticker:
		if (req.MediaID == "") == (req.MediaURL == "") {
			return nil, errs.New(errs.Validation, "media messages require exactly one of media_id or media_url")
		}
		return whatsapp.NewMedia(req.Type, &whatsapp.Media{ID: req.MediaID, Link: req.MediaURL, Caption: req.Caption, Filename: req.Filename}), nil

	case models.MsgTypeTemplate:
		if req.TemplateName == "" || req.TemplateLanguage == "" {
			return nil, errs.New(errs.Validation, "template messages require template_name and template_language")
		}
		params := whatsapp.TemplateParams{}
		if req.HeaderMediaID != "" {
			typ := req.HeaderMediaType
			if typ == "" {
				typ = "image"
			}
			params["header"] = []whatsapp.TemplateParam{{Type: typ, Value: req.HeaderMediaID}}
		}
		if len(req.TemplateParams) > 0 {
			params["body"] = whatsapp.BodyParams(req.TemplateParams)
		}
		return whatsapp.NewTemplate(whatsapp.BuildTemplatePayload(req.TemplateName, req.TemplateLanguage, params)), nil

	default:
		return nil, errs.Newf(errs.Validation, "unsupported message type '%s'", req.Type)
	}
}

func (s *Server) handleReply(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	org := orgFromCtx(ctx)

	conv, err := s.conversationFromPath(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	req := &replyRequest{}
	if err := decodeJSON(r, req); err != nil {
		s.writeError(w, err)
		return
	}

	env, err := req.envelope()
	if err != nil {
		s.writeError(w, err)
		return
	}

	contact, err := s.db.GetContact(ctx, org.ID, conv.ContactID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	msg := models.NewOutgoingMsg(org, conv, req.Type, req.Text)
	msg.SentByID = userFromCtx(ctx)
	msg.Caption = null.String(req.Caption)
	msg.MediaID = null.String(req.MediaID)
	msg.MediaURL = null.String(req.MediaURL)
	msg.Filename = null.String(req.Filename)

	msg, err = s.sender.Send(ctx, org, contact, msg, env)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, msg)
}

// typingEvent mirrors the frame the hub publishes when an agent types over
// the socket, so REST callers look the same to other agents.
type typingEvent struct {
	ConversationID models.ConversationID `json:"conversation_id"`
	UserID         models.UserID         `json:"user_id"`
}

func (s *Server) handleTyping(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	conv, err := s.conversationFromPath(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.pub.Publish(realtime.ConvRoom(conv.ID), &realtime.Event{
		Type: realtime.EventTyping,
		Data: &typingEvent{ConversationID: conv.ID, UserID: userFromCtx(ctx)},
	})
	writeData(w, http.StatusOK, map[string]string{"status": "ok"})
}

type listMsgsQuery struct {
	ConversationID models.ConversationID `schema:"conversation_id"`
	Limit          int                   `schema:"limit"`
	BeforeID       models.MsgID          `schema:"before_id"`
}

func (s *Server) handleListMsgs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	org := orgFromCtx(ctx)

	query := &listMsgsQuery{}
	if err := decodeQuery(r, query); err != nil {
		s.writeError(w, err)
		return
	}
	if query.ConversationID == models.NilConversationID {
		s.writeError(w, errs.New(errs.Validation, "conversation_id is required"))
		return
	}
	if query.Limit <= 0 || query.Limit > 250 {
		query.Limit = 50
	}

	// resolving the conversation first keeps ids from other orgs a 404
	conv, err := s.db.GetConversation(ctx, org.ID, query.ConversationID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	msgs, err := s.db.ListMsgs(ctx, org.ID, conv.ID, query.Limit, query.BeforeID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, msgs)
}
