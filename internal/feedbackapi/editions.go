package feedbackapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/sift/internal/feedback"
)

// editionView returns the stored edition with its content inlined as JSON
// rather than as an escaped string.
type editionView struct {
	ID        int64           `json:"id"`
	Date      string          `json:"date"`
	Content   json.RawMessage `json:"content"`
	CreatedAt time.Time       `json:"createdAt"`
}

func viewEdition(e *feedback.Edition) editionView {
	content := json.RawMessage(e.Content)
	if !json.Valid(content) {
		content, _ = json.Marshal(e.Content)
	}
	return editionView{ID: e.ID, Date: e.Date, Content: content, CreatedAt: e.CreatedAt}
}

func (a *API) handleListEditions(w http.ResponseWriter, r *http.Request) {
	editions, err := a.svc.ListEditions(r.Context(), editionListLimit)
	if err != nil {
		a.writeError(w, r, err, "failed to list editions")
		return
	}
	out := make([]editionView, len(editions))
	for i := range editions {
		out[i] = viewEdition(&editions[i])
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleLatestEdition(w http.ResponseWriter, r *http.Request) {
	e, err := a.svc.LatestEdition(r.Context())
	if err != nil {
		a.writeError(w, r, err, "failed to get latest edition")
		return
	}
	writeJSON(w, http.StatusOK, viewEdition(e))
}

func (a *API) handleGetEdition(w http.ResponseWriter, r *http.Request) {
	date := chi.URLParam(r, "date")
	if _, err := time.Parse(feedback.EditionDateLayout, date); err != nil {
		a.writeError(w, r, feedback.Invalid("date", "must be YYYY-MM-DD"), "get edition")
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("sift.edition.date", date))

	e, err := a.svc.GetEdition(r.Context(), date)
	if err != nil {
		a.writeError(w, r, err, "failed to get edition", "date", date)
		return
	}
	writeJSON(w, http.StatusOK, viewEdition(e))
}

func (a *API) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	inst, err := a.svc.RegenerateEdition(r.Context())
	if err != nil {
		a.writeError(w, r, err, "failed to start edition workflow")
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("sift.workflow.id", inst.ID))
	writeJSON(w, http.StatusAccepted, inst)
}

func (a *API) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("sift.workflow.id", id))

	d, err := a.svc.GetWorkflow(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err, "failed to get workflow", "instance_id", id)
		return
	}

	span.SetAttributes(attribute.String("sift.workflow.status", string(d.Status)))
	writeJSON(w, http.StatusOK, d)
}
