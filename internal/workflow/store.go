package workflow

import "context"

// Store persists instances and their step checkpoints. It is the source of
// truth for resume: nothing held in memory needs to survive a restart.
type Store interface {
	// CreateInstance inserts inst unless an instance with the same ID exists.
	// It returns the stored instance and whether this call created it.
	CreateInstance(ctx context.Context, inst *Instance) (*Instance, bool, error)
	GetInstance(ctx context.Context, id string) (*Instance, bool, error)
	UpdateInstance(ctx context.Context, inst *Instance) error
	// ListInstances returns instances in the given status, oldest first.
	ListInstances(ctx context.Context, status Status, limit int) ([]Instance, error)

	GetStep(ctx context.Context, instanceID, name string) (*StepRecord, bool, error)
	// PutStep inserts or replaces the checkpoint for (InstanceID, Name).
	PutStep(ctx context.Context, rec *StepRecord) error
	ListSteps(ctx context.Context, instanceID string) ([]StepRecord, error)
}
