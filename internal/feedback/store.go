package feedback

import "context"

// Store is the persistence interface for the triage pipeline. Lookups
// return (nil, false, nil) when the record is absent. Every write is an
// independent atomic operation.
type Store interface {
	InsertFeedback(ctx context.Context, f *Feedback) (int64, error)
	GetFeedback(ctx context.Context, id int64) (*Feedback, bool, error)
	ListFeedback(ctx context.Context, opts ListOptions) ([]Feedback, error)
	// SetSentiment records a sentiment only if none is set yet and reports
	// whether it wrote.
	SetSentiment(ctx context.Context, id int64, s Sentiment) (bool, error)

	CreateCase(ctx context.Context, title string) (*Case, error)
	GetCase(ctx context.Context, id int64) (*Case, bool, error)
	ListCases(ctx context.Context, limit int) ([]Case, error)
	// LinkFeedback associates a feedback item with a case. Linking an
	// existing pair is a no-op.
	LinkFeedback(ctx context.Context, caseID, feedbackID int64) error
	// CaseIDsForFeedback returns the ids of cases holding the item, ascending.
	CaseIDsForFeedback(ctx context.Context, feedbackID int64) ([]int64, error)
	FeedbackForCase(ctx context.Context, caseID int64) ([]Feedback, error)

	GetFlag(ctx context.Context, feedbackID int64) (*Flag, bool, error)
	InsertFlag(ctx context.Context, f *Flag) (int64, error)
	// ListFlags returns flags ordered by severity, highest first.
	ListFlags(ctx context.Context, limit int) ([]Flag, error)

	// UpsertEdition replaces any edition for the same date.
	UpsertEdition(ctx context.Context, e *Edition) error
	GetEdition(ctx context.Context, date string) (*Edition, bool, error)
	LatestEdition(ctx context.Context) (*Edition, bool, error)
	ListEditions(ctx context.Context, limit int) ([]Edition, error)
}
