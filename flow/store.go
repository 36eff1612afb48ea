package flow

import (
	"context"
	"errors"
	"fmt"

	"github.com/corda-ledger/flownode/core"
)

// ErrCheckpointNotFound is returned by CheckpointStore.Get/Update/Remove
// when no checkpoint exists for the given FlowId. Wrapped around
// core.ErrNotFound so resilience.DefaultErrorClassifier (via
// core.IsNotFound) correctly treats it as a user error, not a transient
// infrastructure failure worth retrying.
var ErrCheckpointNotFound = fmt.Errorf("checkpoint not found: %w", core.ErrNotFound)

// ErrCheckpointExists is returned by CheckpointStore.Add when a
// checkpoint already exists for the given FlowId.
var ErrCheckpointExists = errors.New("checkpoint already exists")

// ErrSuspendOutOfOrder is returned when a write's NumberOfSuspends does
// not strictly exceed the stored revision's, protecting invariant 3.
var ErrSuspendOutOfOrder = errors.New("checkpoint numberOfSuspends did not strictly increase")

// CheckpointStore is the collaborator interface consumed by the
// Transition Executor (spec §6). All calls are expected to run inside
// the caller's DB transaction/pipeline where the backing store supports
// one.
type CheckpointStore interface {
	// Add persists a brand-new checkpoint. Returns ErrCheckpointExists
	// if one is already stored for cp.FlowId.
	Add(ctx context.Context, cp *Checkpoint) error

	// Update replaces the stored checkpoint for cp.FlowId. Returns
	// ErrCheckpointNotFound if none exists, or ErrSuspendOutOfOrder if
	// cp.NumberOfSuspends does not strictly exceed the stored value.
	Update(ctx context.Context, cp *Checkpoint) error

	// Remove deletes the checkpoint for flowId. Not finding one is not
	// an error - removal is idempotent.
	Remove(ctx context.Context, flowId FlowId) error

	// Get retrieves the checkpoint for flowId, or ErrCheckpointNotFound.
	Get(ctx context.Context, flowId FlowId) (*Checkpoint, error)

	// List returns every non-terminal checkpoint, used by the Flow
	// Manager at startup to reconstruct workers after a restart.
	List(ctx context.Context) ([]*Checkpoint, error)
}
