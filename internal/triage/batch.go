package triage

import (
	"context"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/sift/internal/feedback"
)

// DefaultBatchWindow is how many of the most recent items a batch run reads.
const DefaultBatchWindow = 1000

// BatchDetector sweeps recent feedback through a Classifier.
//
// Items that do not qualify are not remembered, so every run re-scores
// them and asks the Judge again.
type BatchDetector struct {
	store      feedback.Store
	classifier *Classifier
	logger     log.Logger
	window     int
}

// NewBatchDetector creates a BatchDetector reading window items per run;
// non-positive window selects DefaultBatchWindow.
func NewBatchDetector(store feedback.Store, classifier *Classifier, logger log.Logger, window int) *BatchDetector {
	if store == nil {
		panic(xerrors.New("feedback store is required"))
	}
	if classifier == nil {
		panic(xerrors.New("classifier is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	if window <= 0 {
		window = DefaultBatchWindow
	}
	return &BatchDetector{store: store, classifier: classifier, logger: logger, window: window}
}

// Run classifies every unflagged item in the window and returns how many
// flags it created. A storage error stops the run; the count so far is
// returned with it.
func (b *BatchDetector) Run(ctx context.Context) (flagged int, err error) {
	start := time.Now()
	defer func() {
		if h := b.classifier.hooks.OnBatch; h != nil {
			h(flagged, time.Since(start).Seconds(), err)
		}
	}()

	items, err := b.store.ListFeedback(ctx, feedback.ListOptions{Limit: b.window})
	if err != nil {
		return 0, fmt.Errorf("list feedback: %w", err)
	}

	for i := range items {
		if err := ctx.Err(); err != nil {
			return flagged, err
		}
		out, err := b.classifier.Classify(ctx, &items[i])
		if err != nil {
			return flagged, err
		}
		if out.Flagged && !out.Existing {
			flagged++
		}
	}

	b.logger.Info(ctx, "batch detection finished", "scanned", len(items), "flagged", flagged)
	return flagged, nil
}
