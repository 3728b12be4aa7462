package triage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/sift/internal/feedback"
	"github.com/linnemanlabs/sift/internal/feedback/memstore"
)

// failingListStore fails ListFeedback.
type failingListStore struct {
	*memstore.Store
}

func (failingListStore) ListFeedback(context.Context, feedback.ListOptions) ([]feedback.Feedback, error) {
	return nil, errors.New("connection refused")
}

func TestBatchDetector_FlagsOnceThenZero(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	judge := &mockJudge{judgment: Judgment{Reason: "routine", Severity: 1}}
	c := NewClassifier(store, judge, log.Nop())
	b := NewBatchDetector(store, c, log.Nop(), 0)

	seed(t, store, "Love the docs")
	seed(t, store, "URGENT: production down, customers blocked!!")
	seed(t, store, "The dark mode toggle is a nice touch")

	first, err := b.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if first != 1 {
		t.Errorf("first run flagged = %d, want 1", first)
	}
	callsAfterFirst := judge.Calls()
	if callsAfterFirst != 3 {
		t.Errorf("judge calls after first run = %d, want 3", callsAfterFirst)
	}

	second, err := b.Run(context.Background())
	if err != nil {
		t.Fatalf("Run again: %v", err)
	}
	if second != 0 {
		t.Errorf("second run flagged = %d, want 0", second)
	}
	// both unflagged items are judged again; the flagged one is skipped
	if got := judge.Calls() - callsAfterFirst; got != 2 {
		t.Errorf("judge calls in second run = %d, want 2", got)
	}
}

func TestBatchDetector_Window(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	judge := &mockJudge{judgment: Judgment{IsUnderRadar: true, Reason: "all of them", Severity: 6}}
	c := NewClassifier(store, judge, log.Nop())
	b := NewBatchDetector(store, c, log.Nop(), 2)

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := range 3 {
		f := &feedback.Feedback{Source: "web", Content: "x", Timestamp: base.Add(time.Duration(i) * time.Hour)}
		if _, err := store.InsertFeedback(context.Background(), f); err != nil {
			t.Fatalf("InsertFeedback: %v", err)
		}
	}

	n, err := b.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 2 {
		t.Errorf("flagged = %d, want 2 (window)", n)
	}
	if _, ok, _ := store.GetFlag(context.Background(), 1); ok {
		t.Error("oldest item outside the window was flagged")
	}
}

func TestBatchDetector_StoreErrorStopsRun(t *testing.T) {
	t.Parallel()

	store := failingFlagStore{memstore.New()}
	judge := &mockJudge{judgment: Judgment{IsUnderRadar: true, Severity: 6}}
	var batchErr error
	c := NewClassifier(store, judge, log.Nop(),
		WithHooks(Hooks{OnBatch: func(_ int, _ float64, err error) { batchErr = err }}))
	b := NewBatchDetector(store, c, log.Nop(), 0)

	seed(t, store, "one")
	seed(t, store, "two")

	n, err := b.Run(context.Background())
	if err == nil {
		t.Fatal("Run returned nil error")
	}
	if n != 0 {
		t.Errorf("flagged = %d, want 0", n)
	}
	if judge.Calls() != 1 {
		t.Errorf("judge calls = %d, want 1 (run stops at first error)", judge.Calls())
	}
	if batchErr == nil {
		t.Error("OnBatch hook did not receive the error")
	}
}

func TestBatchDetector_ListError(t *testing.T) {
	t.Parallel()

	store := failingListStore{memstore.New()}
	b := NewBatchDetector(store, NewClassifier(store, &mockJudge{}, log.Nop()), log.Nop(), 0)

	if _, err := b.Run(context.Background()); err == nil {
		t.Fatal("Run returned nil error when ListFeedback failed")
	}
}
