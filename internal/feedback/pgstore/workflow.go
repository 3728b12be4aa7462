package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/linnemanlabs/sift/internal/workflow"
)

const instanceColumns = `id, type, params, status, current_step, output, error, created_at, updated_at`

// CreateInstance inserts inst unless its ID already exists, in which case
// the stored row is returned with created=false.
func (s *Store) CreateInstance(ctx context.Context, inst *workflow.Instance) (*workflow.Instance, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.CreateInstance", "INSERT")
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO workflow_instances (`+instanceColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO NOTHING`,
		inst.ID, inst.Type, nullJSON(inst.Params), string(inst.Status), inst.CurrentStep,
		nullJSON(inst.Output), inst.Error, inst.CreatedAt, inst.UpdatedAt,
	)
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("insert instance %s: %w", inst.ID, err))
	}

	stored, err := scanInstance(s.pool.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM workflow_instances WHERE id = $1`, inst.ID))
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("select instance %s: %w", inst.ID, err))
	}
	return stored, tag.RowsAffected() == 1, nil
}

// GetInstance retrieves a workflow instance.
func (s *Store) GetInstance(ctx context.Context, id string) (*workflow.Instance, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetInstance", "SELECT")
	defer span.End()

	inst, err := scanInstance(s.pool.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM workflow_instances WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fail(span, fmt.Errorf("select instance %s: %w", id, err))
	}
	return inst, true, nil
}

// UpdateInstance overwrites the mutable fields of an instance.
func (s *Store) UpdateInstance(ctx context.Context, inst *workflow.Instance) error {
	ctx, span := startSpan(ctx, "pgstore.UpdateInstance", "UPDATE")
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		`UPDATE workflow_instances
		 SET status = $2, current_step = $3, output = $4, error = $5, updated_at = $6
		 WHERE id = $1`,
		inst.ID, string(inst.Status), inst.CurrentStep, nullJSON(inst.Output), inst.Error, inst.UpdatedAt,
	)
	if err != nil {
		return fail(span, fmt.Errorf("update instance %s: %w", inst.ID, err))
	}
	if tag.RowsAffected() == 0 {
		return fail(span, fmt.Errorf("%w: %s", workflow.ErrNotFound, inst.ID))
	}
	return nil
}

// ListInstances returns instances in a status, oldest first.
func (s *Store) ListInstances(ctx context.Context, status workflow.Status, limit int) ([]workflow.Instance, error) {
	ctx, span := startSpan(ctx, "pgstore.ListInstances", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT `+instanceColumns+` FROM workflow_instances
		 WHERE status = $1 ORDER BY created_at, id LIMIT $2`,
		string(status), nullableLimit(limit),
	)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query instances: %w", err))
	}
	defer rows.Close()

	var out []workflow.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fail(span, fmt.Errorf("scan instance: %w", err))
		}
		out = append(out, *inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate instances: %w", err))
	}
	return out, nil
}

const stepColumns = `instance_id, name, status, attempts, output, error, updated_at`

// GetStep returns the checkpoint for one step.
func (s *Store) GetStep(ctx context.Context, instanceID, name string) (*workflow.StepRecord, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetStep", "SELECT")
	defer span.End()

	rec, err := scanStep(s.pool.QueryRow(ctx,
		`SELECT `+stepColumns+` FROM workflow_steps WHERE instance_id = $1 AND name = $2`,
		instanceID, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fail(span, fmt.Errorf("select step %s/%s: %w", instanceID, name, err))
	}
	return rec, true, nil
}

// PutStep upserts a checkpoint.
func (s *Store) PutStep(ctx context.Context, rec *workflow.StepRecord) error {
	ctx, span := startSpan(ctx, "pgstore.PutStep", "UPSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO workflow_steps (`+stepColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (instance_id, name) DO UPDATE SET
			status     = EXCLUDED.status,
			attempts   = EXCLUDED.attempts,
			output     = EXCLUDED.output,
			error      = EXCLUDED.error,
			updated_at = EXCLUDED.updated_at`,
		rec.InstanceID, rec.Name, string(rec.Status), rec.Attempts, nullJSON(rec.Output), rec.Error, rec.UpdatedAt,
	)
	if err != nil {
		return fail(span, fmt.Errorf("upsert step %s/%s: %w", rec.InstanceID, rec.Name, err))
	}
	return nil
}

// ListSteps returns the checkpoints of an instance in update order.
func (s *Store) ListSteps(ctx context.Context, instanceID string) ([]workflow.StepRecord, error) {
	ctx, span := startSpan(ctx, "pgstore.ListSteps", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT `+stepColumns+` FROM workflow_steps WHERE instance_id = $1 ORDER BY updated_at, name`,
		instanceID)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query steps: %w", err))
	}
	defer rows.Close()

	var out []workflow.StepRecord
	for rows.Next() {
		rec, err := scanStep(rows)
		if err != nil {
			return nil, fail(span, fmt.Errorf("scan step: %w", err))
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate steps: %w", err))
	}
	return out, nil
}

func scanInstance(row pgx.Row) (*workflow.Instance, error) {
	var (
		inst           workflow.Instance
		status         string
		params, output []byte
	)
	if err := row.Scan(&inst.ID, &inst.Type, &params, &status, &inst.CurrentStep,
		&output, &inst.Error, &inst.CreatedAt, &inst.UpdatedAt); err != nil {
		return nil, err
	}
	inst.Status = workflow.Status(status)
	if len(params) > 0 {
		inst.Params = params
	}
	if len(output) > 0 {
		inst.Output = output
	}
	return &inst, nil
}

func scanStep(row pgx.Row) (*workflow.StepRecord, error) {
	var (
		rec    workflow.StepRecord
		status string
		output []byte
	)
	if err := row.Scan(&rec.InstanceID, &rec.Name, &status, &rec.Attempts, &output, &rec.Error, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Status = workflow.StepStatus(status)
	if len(output) > 0 {
		rec.Output = output
	}
	return &rec, nil
}

// nullJSON maps an empty document to SQL NULL.
func nullJSON(raw []byte) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
