package web

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/nyaruka/gocommon/jsonx"
	"github.com/nyaruka/null/v3"
	"github.com/tucanchat/tucan/core/errs"
	"github.com/tucanchat/tucan/core/models"
	"github.com/tucanchat/tucan/whatsapp"
)

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	org := orgFromCtx(r.Context())

	templates, err := s.db.ListTemplates(r.Context(), org.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, templates)
}

// handleSyncTemplates pulls the org's templates from the provider and
// refreshes the local mirror, returning it.
func (s *Server) handleSyncTemplates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	org := orgFromCtx(ctx)

	defs, err := whatsapp.NewClient(s.rt, org).ListTemplates(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}

	templates := make([]*models.Template, len(defs))
	for i, def := range defs {
		templates[i], err = localTemplate(org.ID, def)
		if err != nil {
			s.writeError(w, err)
			return
		}
	}
	if err := s.db.UpsertTemplates(ctx, org.ID, templates); err != nil {
		s.writeError(w, err)
		return
	}

	templates, err = s.db.ListTemplates(ctx, org.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, templates)
}

// handleCreateTemplate submits a new template for review and mirrors it
// locally in its pending state.
func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	org := orgFromCtx(ctx)

	def := &whatsapp.TemplateDefinition{}
	if err := decodeJSON(r, def); err != nil {
		s.writeError(w, err)
		return
	}

	created, err := whatsapp.NewClient(s.rt, org).CreateTemplate(ctx, def)
	if err != nil {
		s.writeError(w, err)
		return
	}

	template, err := localTemplate(org.ID, created)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.db.UpsertTemplates(ctx, org.ID, []*models.Template{template}); err != nil {
		s.writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, template)
}

func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	org := orgFromCtx(ctx)
	name := chi.URLParam(r, "name")

	if err := whatsapp.NewClient(s.rt, org).DeleteTemplate(ctx, name); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.db.DeleteTemplateByName(ctx, org.ID, name); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// localTemplate converts a provider template definition into our mirror row.
func localTemplate(orgID models.OrgID, def *whatsapp.TemplateDefinition) (*models.Template, error) {
	template := &models.Template{
		OrgID:      orgID,
		Name:       def.Name,
		Language:   def.Language,
		Category:   def.Category,
		Status:     def.Status,
		ProviderID: null.String(def.ID),
	}
	if len(def.Components) > 0 {
		if err := jsonx.Unmarshal(def.Components, &template.Components); err != nil {
			return nil, errs.Wrap(errs.Provider, "error parsing template components", err)
		}
	}
	return template, nil
}

// handleTemplateMedia uploads a file through the provider's resumable upload
// API and returns the handle used for template header media.
func (s *Server) handleTemplateMedia(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	org := orgFromCtx(ctx)

	filename, contentType, body, err := readUpload(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	handle, err := whatsapp.NewClient(s.rt, org).UploadSession(ctx, filename, body, contentType)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"handle": handle})
}

// uploads are capped well above the provider's own media limits
const maxUploadBytes = 64 * 1024 * 1024

// readUpload pulls the file part out of a multipart upload.
func readUpload(r *http.Request) (string, string, []byte, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, maxUploadBytes)

	file, header, err := r.FormFile("file")
	if err != nil {
		return "", "", nil, errs.Wrap(errs.Validation, "error reading file upload", err)
	}
	defer file.Close()

	body, err := io.ReadAll(file)
	if err != nil {
		return "", "", nil, errs.Wrap(errs.Validation, "error reading file upload", err)
	}
	return header.Filename, header.Header.Get("Content-Type"), body, nil
}

func (s *Server) handleListQuickReplies(w http.ResponseWriter, r *http.Request) {
	org := orgFromCtx(r.Context())

	replies, err := s.db.ListQuickReplies(r.Context(), org.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, replies)
}

type createQuickReplyRequest struct {
	Shortcut string `json:"shortcut" validate:"required"`
	Body     string `json:"body"     validate:"required"`
}

func (s *Server) handleCreateQuickReply(w http.ResponseWriter, r *http.Request) {
	org := orgFromCtx(r.Context())

	req := &createQuickReplyRequest{}
	if err := decodeJSON(r, req); err != nil {
		s.writeError(w, err)
		return
	}

	qr := &models.QuickReply{OrgID: org.ID, Shortcut: req.Shortcut, Body: req.Body}
	if err := s.db.CreateQuickReply(r.Context(), qr); err != nil {
		s.writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, qr)
}

func (s *Server) handleDeleteQuickReply(w http.ResponseWriter, r *http.Request) {
	org := orgFromCtx(r.Context())

	if err := s.db.DeleteQuickReply(r.Context(), org.ID, int(intParam(chi.URLParam(r, "id")))); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
