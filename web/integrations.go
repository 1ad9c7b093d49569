package web

import (
	"io"
	"net/http"

	"github.com/h2non/filetype"
	"github.com/nyaruka/null/v3"
	"github.com/tucanchat/tucan/core/errs"
	"github.com/tucanchat/tucan/core/models"
)

// integration sends address a phone directly rather than a conversation id,
// since external callers don't hold our ids
type integrationSendRequest struct {
	Phone string `json:"phone" validate:"required"`
	replyRequest
}

func (s *Server) handleIntegrationSend(w http.ResponseWriter, r *http.Request) {
	req := &integrationSendRequest{}
	if err := decodeJSON(r, req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Type == models.MsgTypeTemplate {
		s.writeError(w, errs.New(errs.Validation, "use /integrations/send-template for template messages"))
		return
	}
	s.integrationSend(w, r, req)
}

type integrationSendTemplateRequest struct {
	Phone            string            `json:"phone" validate:"required"`
	TemplateName     string            `json:"template_name" validate:"required"`
	TemplateLanguage string            `json:"template_language" validate:"required"`
	TemplateParams   map[string]string `json:"template_params"`
	HeaderMediaID    string            `json:"header_media_id"`
	HeaderMediaType  string            `json:"header_media_type"`
}

func (s *Server) handleIntegrationSendTemplate(w http.ResponseWriter, r *http.Request) {
	req := &integrationSendTemplateRequest{}
	if err := decodeJSON(r, req); err != nil {
		s.writeError(w, err)
		return
	}

	s.integrationSend(w, r, &integrationSendRequest{
		Phone: req.Phone,
		replyRequest: replyRequest{
			Type:             models.MsgTypeTemplate,
			TemplateName:     req.TemplateName,
			TemplateLanguage: req.TemplateLanguage,
			TemplateParams:   req.TemplateParams,
			HeaderMediaID:    req.HeaderMediaID,
			HeaderMediaType:  req.HeaderMediaType,
		},
	})
}

// integrationSend resolves the contact and conversation for the phone and
// sends like an operator reply, so the message shows up in the inbox.
func (s *Server) integrationSend(w http.ResponseWriter, r *http.Request, req *integrationSendRequest) {
	ctx := r.Context()
	org := orgFromCtx(ctx)

	env, err := req.envelope()
	if err != nil {
		s.writeError(w, err)
		return
	}

	phone := models.DigitsOnly(req.Phone)
	if phone == "" {
		s.writeError(w, errs.New(errs.Validation, "invalid phone number"))
		return
	}

	contact, err := s.db.GetOrCreateContact(ctx, org, phone, "+"+phone, "")
	if err != nil {
		s.writeError(w, err)
		return
	}
	conv, err := s.db.GetOrOpenConversation(ctx, org, contact.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	msg := models.NewOutgoingMsg(org, conv, req.Type, req.Text)
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

// media uploads are bounded well above the request body cap, videos and
// documents run to tens of megabytes
const maxMediaUploadBytes = 50 * 1024 * 1024

type uploadMediaResponse struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
}

func (s *Server) handleUploadMedia(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	org := orgFromCtx(ctx)

	if err := r.ParseMultipartForm(maxMediaUploadBytes); err != nil {
		s.writeError(w, errs.Wrap(errs.Validation, "error parsing upload", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, errs.Wrap(errs.Validation, "upload requires a 'file' part", err))
		return
	}
	defer file.Close()

	body, err := io.ReadAll(io.LimitReader(file, maxMediaUploadBytes+1))
	if err != nil {
		s.writeError(w, errs.Wrap(errs.Internal, "error reading upload", err))
		return
	}
	if len(body) > maxMediaUploadBytes {
		s.writeError(w, errs.New(errs.Validation, "upload is too large"))
		return
	}

	// trust the bytes over the declared content type
	contentType := header.Header.Get("Content-Type")
	if kind, err := filetype.Match(body); err == nil && kind != filetype.Unknown {
		contentType = kind.MIME.Value
	}

	url, err := s.media.Put(ctx, org.ID, header.Filename, contentType, body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, &uploadMediaResponse{URL: url, ContentType: contentType, Size: len(body)})
}
