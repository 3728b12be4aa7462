package feedbackapi

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/sift/internal/pipeline"
)

func (a *API) handleListCases(w http.ResponseWriter, r *http.Request) {
	limit, err := listLimit(r)
	if err != nil {
		a.writeError(w, r, err, "list cases")
		return
	}
	cases, err := a.svc.ListCases(r.Context(), limit)
	if err != nil {
		a.writeError(w, r, err, "failed to list cases")
		return
	}
	writeJSON(w, http.StatusOK, cases)
}

func (a *API) handleGetCase(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.writeError(w, r, err, "get case")
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.Int64("sift.case.id", id))

	c, err := a.svc.GetCase(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err, "failed to get case", "case_id", id)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *API) handleCreateCase(w http.ResponseWriter, r *http.Request) {
	var req pipeline.CreateCaseRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, r, err, "decode case")
		return
	}

	c, err := a.svc.CreateCase(r.Context(), req)
	if err != nil {
		a.writeError(w, r, err, "failed to create case", "title", req.Title)
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.Int64("sift.case.id", c.ID))
	writeJSON(w, http.StatusCreated, c)
}
