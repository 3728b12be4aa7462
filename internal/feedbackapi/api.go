// Package feedbackapi exposes the triage pipeline over a JSON HTTP API.
package feedbackapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/sift/internal/feedback"
	"github.com/linnemanlabs/sift/internal/pipeline"
	"github.com/linnemanlabs/sift/internal/triage"
	"github.com/linnemanlabs/sift/internal/workflow"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	editionListLimit = 30
)

// Service defines the pipeline operations the API needs.
type Service interface {
	Ingest(ctx context.Context, f *feedback.Feedback) (*pipeline.IngestResult, error)
	ResubmitFeedback(ctx context.Context, id int64) (*workflow.Instance, bool, error)
	Classify(ctx context.Context, id int64) (*triage.Outcome, error)
	RunBatchDetection(ctx context.Context) (int, error)
	GetFeedback(ctx context.Context, id int64) (*feedback.Feedback, error)
	ListFeedback(ctx context.Context, opts feedback.ListOptions) ([]feedback.Feedback, error)
	ListFlags(ctx context.Context, limit int) ([]feedback.Flag, error)
	ListCases(ctx context.Context, limit int) ([]feedback.Case, error)
	GetCase(ctx context.Context, id int64) (*pipeline.CaseDetail, error)
	CreateCase(ctx context.Context, req pipeline.CreateCaseRequest) (*feedback.Case, error)
	GetEdition(ctx context.Context, date string) (*feedback.Edition, error)
	LatestEdition(ctx context.Context) (*feedback.Edition, error)
	ListEditions(ctx context.Context, limit int) ([]feedback.Edition, error)
	RegenerateEdition(ctx context.Context) (*workflow.Instance, error)
	GetWorkflow(ctx context.Context, id string) (*pipeline.WorkflowDetail, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    Service
}

// New creates a new API handler.
func New(logger log.Logger, svc Service) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("pipeline service is required"))
	}
	return &API{
		logger: logger,
		svc:    svc,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/feedback", func(r chi.Router) {
			r.Post("/", a.handleIngest)
			r.Get("/", a.handleListFeedback)
			r.Get("/{id}", a.handleGetFeedback)
			r.Post("/{id}/classify", a.handleClassify)
			r.Post("/{id}/workflow", a.handleResubmit)
		})
		r.Post("/detect", a.handleDetect)
		r.Get("/flags", a.handleListFlags)

		r.Route("/cases", func(r chi.Router) {
			r.Get("/", a.handleListCases)
			r.Post("/", a.handleCreateCase)
			r.Get("/{id}", a.handleGetCase)
		})

		r.Route("/editions", func(r chi.Router) {
			r.Get("/", a.handleListEditions)
			r.Get("/latest", a.handleLatestEdition)
			r.Post("/regenerate", a.handleRegenerate)
			r.Get("/{date}", a.handleGetEdition)
		})

		r.Get("/workflows/{id}", a.handleGetWorkflow)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

// writeError maps err onto a status code. Validation messages are echoed,
// storage failures are logged and hidden.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error, msg string, kv ...any) {
	switch {
	case errors.Is(err, feedback.ErrValidation):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
	case errors.Is(err, feedback.ErrNotFound), errors.Is(err, workflow.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
	default:
		a.logger.Error(r.Context(), err, msg, kv...)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return feedback.Invalid("body", "is not valid JSON")
	}
	return nil
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, feedback.Invalid("id", "must be a positive integer")
	}
	return id, nil
}

// queryInt reads a non-negative integer query parameter, returning def when
// it is absent.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, feedback.Invalid(name, "must be a non-negative integer")
	}
	return n, nil
}

func listLimit(r *http.Request) (int, error) {
	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil {
		return 0, err
	}
	if limit == 0 {
		limit = defaultListLimit
	}
	return min(limit, maxListLimit), nil
}
