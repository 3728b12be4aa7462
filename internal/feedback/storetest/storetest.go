// Package storetest holds behavioral tests shared by every feedback.Store
// and workflow.Store implementation.
package storetest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/linnemanlabs/sift/internal/feedback"
	"github.com/linnemanlabs/sift/internal/workflow"
)

// Store is implemented by backends that persist both feedback records and
// workflow checkpoints.
type Store interface {
	feedback.Store
	workflow.Store
}

// Run exercises s against the shared contract. Backends whose data
// survives between calls of newStore should return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) Store) {
	t.Helper()

	t.Run("FeedbackRoundTrip", func(t *testing.T) { testFeedbackRoundTrip(t, newStore(t)) })
	t.Run("ListFeedbackOrderAndFilter", func(t *testing.T) { testListFeedback(t, newStore(t)) })
	t.Run("SentimentSetOnce", func(t *testing.T) { testSentimentOnce(t, newStore(t)) })
	t.Run("CasesAndLinks", func(t *testing.T) { testCasesAndLinks(t, newStore(t)) })
	t.Run("Flags", func(t *testing.T) { testFlags(t, newStore(t)) })
	t.Run("EditionUpsert", func(t *testing.T) { testEditionUpsert(t, newStore(t)) })
	t.Run("WorkflowInstances", func(t *testing.T) { testInstances(t, newStore(t)) })
	t.Run("WorkflowSteps", func(t *testing.T) { testSteps(t, newStore(t)) })
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func insert(t *testing.T, s Store, source, content string, ts time.Time) int64 {
	t.Helper()
	id, err := s.InsertFeedback(context.Background(), &feedback.Feedback{
		Source:    source,
		Content:   content,
		Timestamp: ts,
	})
	if err != nil {
		t.Fatalf("InsertFeedback: %v", err)
	}
	if id <= 0 {
		t.Fatalf("InsertFeedback id = %d, want > 0", id)
	}
	return id
}

func testFeedbackRoundTrip(t *testing.T, s Store) {
	ctx := context.Background()

	in := &feedback.Feedback{
		Source:    "github",
		Content:   "export button does nothing",
		Timestamp: base,
		UserID:    "u-42",
		Metadata:  json.RawMessage(`{"repo":"app"}`),
	}
	id, err := s.InsertFeedback(ctx, in)
	if err != nil {
		t.Fatalf("InsertFeedback: %v", err)
	}

	got, ok, err := s.GetFeedback(ctx, id)
	if err != nil {
		t.Fatalf("GetFeedback: %v", err)
	}
	if !ok {
		t.Fatal("GetFeedback returned ok=false")
	}
	if got.ID != id || got.Source != in.Source || got.Content != in.Content || got.UserID != in.UserID {
		t.Errorf("GetFeedback = %+v, want fields of %+v", got, in)
	}
	if !got.Timestamp.Equal(base) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, base)
	}
	var meta map[string]string
	if err := json.Unmarshal(got.Metadata, &meta); err != nil || meta["repo"] != "app" {
		t.Errorf("Metadata = %s, want repo=app", got.Metadata)
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}
	if got.HasSentiment() {
		t.Error("new feedback should have no sentiment")
	}

	if _, ok, err := s.GetFeedback(ctx, id+1000); err != nil || ok {
		t.Errorf("GetFeedback(missing) = ok %v, err %v; want false, nil", ok, err)
	}
}

func testListFeedback(t *testing.T, s Store) {
	ctx := context.Background()

	oldest := insert(t, s, "email", "first", base)
	newest := insert(t, s, "slack", "third", base.Add(2*time.Hour))
	middle := insert(t, s, "email", "second", base.Add(time.Hour))

	all, err := s.ListFeedback(ctx, feedback.ListOptions{Limit: 10})
	if err != nil {
		t.Fatalf("ListFeedback: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	want := []int64{newest, middle, oldest}
	for i, f := range all {
		if f.ID != want[i] {
			t.Errorf("all[%d].ID = %d, want %d", i, f.ID, want[i])
		}
	}

	paged, err := s.ListFeedback(ctx, feedback.ListOptions{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("ListFeedback paged: %v", err)
	}
	if len(paged) != 1 || paged[0].ID != middle {
		t.Errorf("paged = %+v, want only id %d", paged, middle)
	}

	email, err := s.ListFeedback(ctx, feedback.ListOptions{Limit: 10, Source: "email"})
	if err != nil {
		t.Fatalf("ListFeedback source: %v", err)
	}
	if len(email) != 2 {
		t.Errorf("email len = %d, want 2", len(email))
	}
}

func testSentimentOnce(t *testing.T, s Store) {
	ctx := context.Background()
	id := insert(t, s, "web", "love the new dashboard", base)

	wrote, err := s.SetSentiment(ctx, id, feedback.Sentiment{Label: feedback.SentimentPositive, Score: 0.9})
	if err != nil {
		t.Fatalf("SetSentiment: %v", err)
	}
	if !wrote {
		t.Error("first SetSentiment wrote = false, want true")
	}

	wrote, err = s.SetSentiment(ctx, id, feedback.Sentiment{Label: feedback.SentimentNegative, Score: 0.1})
	if err != nil {
		t.Fatalf("SetSentiment again: %v", err)
	}
	if wrote {
		t.Error("second SetSentiment wrote = true, want false")
	}

	got, _, err := s.GetFeedback(ctx, id)
	if err != nil {
		t.Fatalf("GetFeedback: %v", err)
	}
	if got.SentimentLabel != feedback.SentimentPositive {
		t.Errorf("label = %q, want %q", got.SentimentLabel, feedback.SentimentPositive)
	}
	if got.SentimentScore == nil || *got.SentimentScore != 0.9 {
		t.Errorf("score = %v, want 0.9", got.SentimentScore)
	}
}

func testCasesAndLinks(t *testing.T, s Store) {
	ctx := context.Background()
	a := insert(t, s, "web", "sso login loops", base)
	b := insert(t, s, "web", "sso redirect loop again", base.Add(time.Minute))

	c1, err := s.CreateCase(ctx, "SSO loop")
	if err != nil {
		t.Fatalf("CreateCase: %v", err)
	}
	if c1.Status != feedback.CaseOpen {
		t.Errorf("status = %q, want %q", c1.Status, feedback.CaseOpen)
	}
	c2, err := s.CreateCase(ctx, "Auth")
	if err != nil {
		t.Fatalf("CreateCase: %v", err)
	}

	for _, l := range [][2]int64{{c1.ID, a}, {c1.ID, b}, {c1.ID, a}, {c2.ID, a}} {
		if err := s.LinkFeedback(ctx, l[0], l[1]); err != nil {
			t.Fatalf("LinkFeedback(%d, %d): %v", l[0], l[1], err)
		}
	}

	members, err := s.FeedbackForCase(ctx, c1.ID)
	if err != nil {
		t.Fatalf("FeedbackForCase: %v", err)
	}
	if len(members) != 2 {
		t.Errorf("members = %d, want 2 (duplicate link ignored)", len(members))
	}

	ids, err := s.CaseIDsForFeedback(ctx, a)
	if err != nil {
		t.Fatalf("CaseIDsForFeedback: %v", err)
	}
	if len(ids) != 2 || ids[0] != c1.ID || ids[1] != c2.ID {
		t.Errorf("CaseIDsForFeedback = %v, want [%d %d]", ids, c1.ID, c2.ID)
	}
	if ids, _ := s.CaseIDsForFeedback(ctx, a+b+100); len(ids) != 0 {
		t.Errorf("CaseIDsForFeedback(unlinked) = %v, want empty", ids)
	}

	got, ok, err := s.GetCase(ctx, c1.ID)
	if err != nil || !ok {
		t.Fatalf("GetCase = ok %v, err %v", ok, err)
	}
	if got.Title != "SSO loop" {
		t.Errorf("title = %q, want %q", got.Title, "SSO loop")
	}

	list, err := s.ListCases(ctx, 10)
	if err != nil {
		t.Fatalf("ListCases: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("ListCases len = %d, want 2", len(list))
	}
}

func testFlags(t *testing.T, s Store) {
	ctx := context.Background()
	low := insert(t, s, "web", "minor confusion", base)
	high := insert(t, s, "web", "prod down", base)

	if _, ok, err := s.GetFlag(ctx, low); err != nil || ok {
		t.Fatalf("GetFlag before insert = ok %v, err %v", ok, err)
	}

	for _, f := range []feedback.Flag{
		{FeedbackID: low, Severity: 5, Reason: "low", DetectedAt: base},
		{FeedbackID: high, Severity: 9.5, Reason: "high", DetectedAt: base},
	} {
		if _, err := s.InsertFlag(ctx, &f); err != nil {
			t.Fatalf("InsertFlag: %v", err)
		}
	}

	got, ok, err := s.GetFlag(ctx, high)
	if err != nil || !ok {
		t.Fatalf("GetFlag = ok %v, err %v", ok, err)
	}
	if got.Severity != 9.5 || got.Reason != "high" {
		t.Errorf("GetFlag = %+v", got)
	}

	list, err := s.ListFlags(ctx, 1)
	if err != nil {
		t.Fatalf("ListFlags: %v", err)
	}
	if len(list) != 1 || list[0].FeedbackID != high {
		t.Errorf("ListFlags(1) = %+v, want highest severity first", list)
	}
}

func testEditionUpsert(t *testing.T, s Store) {
	ctx := context.Background()

	if err := s.UpsertEdition(ctx, &feedback.Edition{Date: "2026-03-01", Content: `{"v":1}`}); err != nil {
		t.Fatalf("UpsertEdition: %v", err)
	}
	if err := s.UpsertEdition(ctx, &feedback.Edition{Date: "2026-03-01", Content: `{"v":2}`}); err != nil {
		t.Fatalf("UpsertEdition again: %v", err)
	}
	if err := s.UpsertEdition(ctx, &feedback.Edition{Date: "2026-03-02", Content: `{"v":3}`}); err != nil {
		t.Fatalf("UpsertEdition next day: %v", err)
	}

	got, ok, err := s.GetEdition(ctx, "2026-03-01")
	if err != nil || !ok {
		t.Fatalf("GetEdition = ok %v, err %v", ok, err)
	}
	if got.Content != `{"v":2}` {
		t.Errorf("content = %q, want second insert", got.Content)
	}

	list, err := s.ListEditions(ctx, 30)
	if err != nil {
		t.Fatalf("ListEditions: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("ListEditions len = %d, want 2 (one row per date)", len(list))
	}

	latest, ok, err := s.LatestEdition(ctx)
	if err != nil || !ok {
		t.Fatalf("LatestEdition = ok %v, err %v", ok, err)
	}
	if latest.Date != "2026-03-02" {
		t.Errorf("latest date = %q, want %q", latest.Date, "2026-03-02")
	}

	if _, ok, err := s.GetEdition(ctx, "1999-01-01"); err != nil || ok {
		t.Errorf("GetEdition(missing) = ok %v, err %v", ok, err)
	}
}

func testInstances(t *testing.T, s Store) {
	ctx := context.Background()

	inst := &workflow.Instance{
		ID:        "feedback-7",
		Type:      "feedback",
		Params:    json.RawMessage(`{"feedbackId":7}`),
		Status:    workflow.StatusPending,
		CreatedAt: base,
		UpdatedAt: base,
	}
	stored, created, err := s.CreateInstance(ctx, inst)
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	if !created || stored.ID != inst.ID {
		t.Fatalf("CreateInstance = %+v, created %v", stored, created)
	}

	dup := *inst
	dup.Params = json.RawMessage(`{"feedbackId":8}`)
	stored, created, err = s.CreateInstance(ctx, &dup)
	if err != nil {
		t.Fatalf("CreateInstance duplicate: %v", err)
	}
	if created {
		t.Error("duplicate CreateInstance created = true")
	}
	var p map[string]int
	if err := json.Unmarshal(stored.Params, &p); err != nil || p["feedbackId"] != 7 {
		t.Errorf("duplicate returned params %s, want original", stored.Params)
	}

	stored.Status = workflow.StatusRunning
	stored.CurrentStep = "find-similar"
	stored.UpdatedAt = base.Add(time.Second)
	if err := s.UpdateInstance(ctx, stored); err != nil {
		t.Fatalf("UpdateInstance: %v", err)
	}

	got, ok, err := s.GetInstance(ctx, inst.ID)
	if err != nil || !ok {
		t.Fatalf("GetInstance = ok %v, err %v", ok, err)
	}
	if got.Status != workflow.StatusRunning || got.CurrentStep != "find-similar" {
		t.Errorf("GetInstance = %+v", got)
	}

	running, err := s.ListInstances(ctx, workflow.StatusRunning, 10)
	if err != nil {
		t.Fatalf("ListInstances: %v", err)
	}
	if len(running) != 1 || running[0].ID != inst.ID {
		t.Errorf("ListInstances(running) = %+v", running)
	}
	pending, err := s.ListInstances(ctx, workflow.StatusPending, 10)
	if err != nil {
		t.Fatalf("ListInstances: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("ListInstances(pending) = %+v, want empty", pending)
	}

	if _, ok, err := s.GetInstance(ctx, "nope"); err != nil || ok {
		t.Errorf("GetInstance(missing) = ok %v, err %v", ok, err)
	}
}

func testSteps(t *testing.T, s Store) {
	ctx := context.Background()

	if _, _, err := s.CreateInstance(ctx, &workflow.Instance{ID: "daily-2026-03-01", Type: "daily-edition", Status: workflow.StatusRunning, CreatedAt: base, UpdatedAt: base}); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	rec := &workflow.StepRecord{
		InstanceID: "daily-2026-03-01",
		Name:       "load-data",
		Status:     workflow.StepFailed,
		Attempts:   1,
		Error:      "boom",
		UpdatedAt:  base,
	}
	if err := s.PutStep(ctx, rec); err != nil {
		t.Fatalf("PutStep: %v", err)
	}
	rec.Status = workflow.StepCompleted
	rec.Attempts = 2
	rec.Error = ""
	rec.Output = json.RawMessage(`{"cases":3}`)
	rec.UpdatedAt = base.Add(time.Second)
	if err := s.PutStep(ctx, rec); err != nil {
		t.Fatalf("PutStep replace: %v", err)
	}

	got, ok, err := s.GetStep(ctx, "daily-2026-03-01", "load-data")
	if err != nil || !ok {
		t.Fatalf("GetStep = ok %v, err %v", ok, err)
	}
	if got.Status != workflow.StepCompleted || got.Attempts != 2 || got.Error != "" {
		t.Errorf("GetStep = %+v", got)
	}
	var out map[string]int
	if err := json.Unmarshal(got.Output, &out); err != nil || out["cases"] != 3 {
		t.Errorf("Output = %s", got.Output)
	}

	if _, ok, err := s.GetStep(ctx, "daily-2026-03-01", "store-edition"); err != nil || ok {
		t.Errorf("GetStep(missing) = ok %v, err %v", ok, err)
	}

	steps, err := s.ListSteps(ctx, "daily-2026-03-01")
	if err != nil {
		t.Fatalf("ListSteps: %v", err)
	}
	if len(steps) != 1 {
		t.Errorf("ListSteps len = %d, want 1", len(steps))
	}
}
