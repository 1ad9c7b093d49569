package web

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/lib/pq"
	"github.com/nyaruka/null/v3"
	"github.com/tucanchat/tucan/core/models"
)

type listContactsQuery struct {
	pageQuery
	Query string `schema:"q"`
}

func (s *Server) handleListContacts(w http.ResponseWriter, r *http.Request) {
	org := orgFromCtx(r.Context())

	query := &listContactsQuery{}
	if err := decodeQuery(r, query); err != nil {
		s.writeError(w, err)
		return
	}
	query.clamp()

	contacts, err := s.db.ListContacts(r.Context(), org.ID, query.Query, query.Limit, query.Offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, contacts)
}

func (s *Server) handleGetContact(w http.ResponseWriter, r *http.Request) {
	org := orgFromCtx(r.Context())

	contact, err := s.db.GetContact(r.Context(), org.ID, models.ContactID(intParam(chi.URLParam(r, "id"))))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, contact)
}

// updateContactRequest carries the editable contact fields, absent fields are
// left alone.
type updateContactRequest struct {
	Name   *string   `json:"name"`
	Email  *string   `json:"email"`
	Labels *[]string `json:"labels"`
}

func (s *Server) handleUpdateContact(w http.ResponseWriter, r *http.Request) {
	org := orgFromCtx(r.Context())

	contact, err := s.db.GetContact(r.Context(), org.ID, models.ContactID(intParam(chi.URLParam(r, "id"))))
	if err != nil {
		s.writeError(w, err)
		return
	}

	req := &updateContactRequest{}
	if err := decodeJSON(r, req); err != nil {
		s.writeError(w, err)
		return
	}

	if req.Name != nil {
		contact.Name = null.String(*req.Name)
	}
	if req.Email != nil {
		contact.Email = null.String(*req.Email)
	}
	if req.Labels != nil {
		contact.Labels = pq.StringArray(*req.Labels)
	}

	if err := s.db.UpdateContact(r.Context(), contact); err != nil {
		s.writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, contact)
}
