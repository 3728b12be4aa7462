package pgstore_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/sift/internal/feedback"
	"github.com/linnemanlabs/sift/internal/feedback/pgstore"
	"github.com/linnemanlabs/sift/internal/feedback/storetest"
	"github.com/linnemanlabs/sift/internal/postgres"
	"github.com/linnemanlabs/sift/internal/workflow"
)

func openPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("SIFT_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("SIFT_TEST_DATABASE_URL not set, skipping integration test")
	}
	pool, err := postgres.NewPool(context.Background(), dsn)
	if err != nil {
		t.Fatalf("postgres.NewPool: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

// openStore returns a store over freshly truncated tables.
func openStore(t *testing.T, pool *pgxpool.Pool) *pgstore.Store {
	t.Helper()
	ctx := context.Background()
	s, err := pgstore.New(ctx, pool)
	if err != nil {
		t.Fatalf("pgstore.New: %v", err)
	}
	_, err = pool.Exec(ctx, `TRUNCATE feedback, cases, case_feedback, under_radar_flags,
		daily_editions, workflow_steps, workflow_instances RESTART IDENTITY`)
	if err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return s
}

func TestStoreContract(t *testing.T) {
	pool := openPool(t)
	storetest.Run(t, func(t *testing.T) storetest.Store { return openStore(t, pool) })
}

func TestSetSentiment_Missing(t *testing.T) {
	s := openStore(t, openPool(t))

	_, err := s.SetSentiment(context.Background(), 404, feedback.NeutralSentiment)
	if !errors.Is(err, feedback.ErrNotFound) {
		t.Errorf("SetSentiment(missing) err = %v, want ErrNotFound", err)
	}
}

func TestUpdateInstance_Missing(t *testing.T) {
	s := openStore(t, openPool(t))

	err := s.UpdateInstance(context.Background(), &workflow.Instance{ID: "ghost", Status: workflow.StatusRunning})
	if !errors.Is(err, workflow.ErrNotFound) {
		t.Errorf("UpdateInstance(missing) err = %v, want ErrNotFound", err)
	}
}

func TestNew_SchemaIsIdempotent(t *testing.T) {
	pool := openPool(t)
	ctx := context.Background()
	for i := range 2 {
		if _, err := pgstore.New(ctx, pool); err != nil {
			t.Fatalf("New #%d: %v", i+1, err)
		}
	}
}
