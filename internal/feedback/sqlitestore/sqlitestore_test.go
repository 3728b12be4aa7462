package sqlitestore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/linnemanlabs/sift/internal/feedback"
	"github.com/linnemanlabs/sift/internal/feedback/storetest"
	"github.com/linnemanlabs/sift/internal/workflow"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "sift.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreContract(t *testing.T) {
	t.Parallel()
	storetest.Run(t, func(t *testing.T) storetest.Store { return openStore(t) })
}

func TestOpen_CreatesDirectory(t *testing.T) {
	t.Parallel()

	dsn := filepath.Join(t.TempDir(), "nested", "dir", "sift.db")
	s, err := Open(context.Background(), dsn)
	if err != nil {
		t.Fatalf("Open(%q): %v", dsn, err)
	}
	_ = s.Close()
}

func TestOpen_Reopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "sift.db")

	s, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id, err := s.InsertFeedback(ctx, &feedback.Feedback{Source: "web", Content: "survives", Timestamp: time.Now()})
	if err != nil {
		t.Fatalf("InsertFeedback: %v", err)
	}
	_ = s.Close()

	s, err = Open(ctx, dsn)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	got, ok, err := s.GetFeedback(ctx, id)
	if err != nil || !ok || got.Content != "survives" {
		t.Errorf("GetFeedback after reopen = %+v, ok %v, err %v", got, ok, err)
	}
}

func TestSetSentiment_Missing(t *testing.T) {
	t.Parallel()

	_, err := openStore(t).SetSentiment(context.Background(), 99, feedback.NeutralSentiment)
	if !errors.Is(err, feedback.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestLinkFeedback_MissingCase(t *testing.T) {
	t.Parallel()

	err := openStore(t).LinkFeedback(context.Background(), 12, 1)
	if !errors.Is(err, feedback.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestLinkFeedback_TouchesCaseOnlyOnNewLink(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := context.Background()
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	c, err := s.CreateCase(ctx, "login loop")
	if err != nil {
		t.Fatalf("CreateCase: %v", err)
	}

	clock = clock.Add(time.Hour)
	if err := s.LinkFeedback(ctx, c.ID, 5); err != nil {
		t.Fatalf("LinkFeedback: %v", err)
	}
	clock = clock.Add(time.Hour)
	if err := s.LinkFeedback(ctx, c.ID, 5); err != nil {
		t.Fatalf("LinkFeedback again: %v", err)
	}

	got, _, err := s.GetCase(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCase: %v", err)
	}
	want := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if !got.UpdatedAt.Equal(want) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, want)
	}
}

func TestListFeedback_OffsetWithoutLimit(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := range 3 {
		if _, err := s.InsertFeedback(ctx, &feedback.Feedback{Source: "web", Content: "x", Timestamp: base.Add(time.Duration(i) * time.Minute)}); err != nil {
			t.Fatalf("InsertFeedback: %v", err)
		}
	}

	got, err := s.ListFeedback(ctx, feedback.ListOptions{Offset: 1})
	if err != nil {
		t.Fatalf("ListFeedback: %v", err)
	}
	if len(got) != 2 || got[0].ID != 2 || got[1].ID != 1 {
		t.Errorf("ListFeedback(offset 1) = %+v, want ids [2 1]", got)
	}
}

func TestUpdateInstance_Missing(t *testing.T) {
	t.Parallel()

	err := openStore(t).UpdateInstance(context.Background(), &workflow.Instance{ID: "ghost"})
	if !errors.Is(err, workflow.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
