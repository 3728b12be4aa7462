package feedbackapi

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/sift/internal/feedback"
	"github.com/linnemanlabs/sift/internal/workflow"
)

func (a *API) handleIngest(w http.ResponseWriter, r *http.Request) {
	var in feedback.Feedback
	if err := decodeBody(r, &in); err != nil {
		a.writeError(w, r, err, "decode feedback")
		return
	}

	res, err := a.svc.Ingest(r.Context(), &in)
	if err != nil {
		a.writeError(w, r, err, "failed to ingest feedback", "source", in.Source)
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.Int64("sift.feedback.id", res.Feedback.ID),
		attribute.String("sift.feedback.source", res.Feedback.Source),
	)
	writeJSON(w, http.StatusAccepted, res)
}

func (a *API) handleListFeedback(w http.ResponseWriter, r *http.Request) {
	limit, err := listLimit(r)
	if err != nil {
		a.writeError(w, r, err, "list feedback")
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		a.writeError(w, r, err, "list feedback")
		return
	}

	items, err := a.svc.ListFeedback(r.Context(), feedback.ListOptions{
		Limit:  limit,
		Offset: offset,
		Source: r.URL.Query().Get("source"),
	})
	if err != nil {
		a.writeError(w, r, err, "failed to list feedback")
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (a *API) handleGetFeedback(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.writeError(w, r, err, "get feedback")
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.Int64("sift.feedback.id", id))

	f, err := a.svc.GetFeedback(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err, "failed to get feedback", "feedback_id", id)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (a *API) handleClassify(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.writeError(w, r, err, "classify feedback")
		return
	}

	out, err := a.svc.Classify(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err, "failed to classify feedback", "feedback_id", id)
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.Int64("sift.feedback.id", id),
		attribute.Bool("sift.feedback.flagged", out.Flagged),
	)
	writeJSON(w, http.StatusOK, out)
}

type resubmitResponse struct {
	Workflow *workflow.Instance `json:"workflow"`
	Created  bool               `json:"created"`
}

func (a *API) handleResubmit(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.writeError(w, r, err, "resubmit feedback")
		return
	}

	inst, created, err := a.svc.ResubmitFeedback(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err, "failed to start feedback workflow", "feedback_id", id)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusAccepted
	}
	writeJSON(w, status, resubmitResponse{Workflow: inst, Created: created})
}

func (a *API) handleDetect(w http.ResponseWriter, r *http.Request) {
	n, err := a.svc.RunBatchDetection(r.Context())
	if err != nil {
		a.writeError(w, r, err, "batch detection failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"flagged": n})
}

func (a *API) handleListFlags(w http.ResponseWriter, r *http.Request) {
	limit, err := listLimit(r)
	if err != nil {
		a.writeError(w, r, err, "list flags")
		return
	}
	flags, err := a.svc.ListFlags(r.Context(), limit)
	if err != nil {
		a.writeError(w, r, err, "failed to list flags")
		return
	}
	writeJSON(w, http.StatusOK, flags)
}
