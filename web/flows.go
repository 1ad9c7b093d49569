package web

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/tucanchat/tucan/core/errs"
	"github.com/tucanchat/tucan/core/models"
)

func (s *Server) handleListFlows(w http.ResponseWriter, r *http.Request) {
	org := orgFromCtx(r.Context())

	flows, err := s.db.ListFlows(r.Context(), org.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, flows)
}

func (s *Server) handleGetFlow(w http.ResponseWriter, r *http.Request) {
	org := orgFromCtx(r.Context())

	flow, err := s.db.GetFlow(r.Context(), org.ID, models.FlowID(intParam(chi.URLParam(r, "id"))))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, flow)
}

// checkFlow rejects definitions the interpreter could never run.
func checkFlow(flow *models.Flow) error {
	if flow.Name == "" {
		return errs.New(errs.Validation, "flow name is required")
	}
	if len(flow.Nodes) == 0 {
		return errs.New(errs.Validation, "flow requires at least one node")
	}
	if flow.EntryNode() == nil {
		return errs.New(errs.Validation, "flow has no entry node")
	}
	return nil
}

func (s *Server) handleCreateFlow(w http.ResponseWriter, r *http.Request) {
	org := orgFromCtx(r.Context())

	flow := &models.Flow{}
	if err := decodeJSON(r, flow); err != nil {
		s.writeError(w, err)
		return
	}
	flow.ID = models.NilFlowID
	flow.OrgID = org.ID

	if err := checkFlow(flow); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.db.CreateFlow(r.Context(), flow); err != nil {
		s.writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, flow)
}

func (s *Server) handleUpdateFlow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	org := orgFromCtx(ctx)

	existing, err := s.db.GetFlow(ctx, org.ID, models.FlowID(intParam(chi.URLParam(r, "id"))))
	if err != nil {
		s.writeError(w, err)
		return
	}

	flow := &models.Flow{}
	if err := decodeJSON(r, flow); err != nil {
		s.writeError(w, err)
		return
	}
	flow.ID = existing.ID
	flow.OrgID = org.ID

	if err := checkFlow(flow); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.db.UpdateFlow(ctx, flow); err != nil {
		s.writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, flow)
}

func (s *Server) handleDeleteFlow(w http.ResponseWriter, r *http.Request) {
	org := orgFromCtx(r.Context())

	if err := s.db.DeleteFlow(r.Context(), org.ID, models.FlowID(intParam(chi.URLParam(r, "id")))); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSetDefaultFlow makes a flow the org's fallback when no keyword
// matches, clearing the flag from any other flow.
func (s *Server) handleSetDefaultFlow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	org := orgFromCtx(ctx)
	id := models.FlowID(intParam(chi.URLParam(r, "id")))

	if err := s.db.SetDefaultFlow(ctx, org.ID, id); err != nil {
		s.writeError(w, err)
		return
	}

	flow, err := s.db.GetFlow(ctx, org.ID, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, flow)
}

// handleListVariables returns the distinct variable names set across the
// org's live sessions, for the flow editor's autocompletion.
func (s *Server) handleListVariables(w http.ResponseWriter, r *http.Request) {
	org := orgFromCtx(r.Context())

	names, err := s.db.DistinctSessionVarNames(r.Context(), org.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string][]string{"variables": names})
}
