// Package planstate implements durable persistence of PersistedStep and
// PersistedPlanMetadata rows, with local-file and relational (PostgreSQL)
// backends and a retention purge.
package planstate

import (
	"context"
	"errors"
	"time"

	"github.com/planmesh/orchestrator/pkg/planmodel"
)

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("planstate: not found")

// RememberStepOptions configures an upsert via Store.RememberStep.
type RememberStepOptions struct {
	InitialState   planmodel.PlanStepState
	IdempotencyKey string
	Attempt        int
	CreatedAt      time.Time
	Approvals      map[string]bool
	Subject        planmodel.Subject
}

// Store is the persistence contract. Every mutating operation is
// serialized per (plan_id, step_id) by an internal lock so concurrent
// writers cannot interleave updates to the same row; subjects are
// deep-cloned on both read and write so callers can never mutate stored
// state through an aliased slice/map.
type Store interface {
	// RememberStep upserts a step row.
	RememberStep(ctx context.Context, planID string, step planmodel.PlanStep, traceID string, opts RememberStepOptions) error
	// SetState updates a step's state/summary/output/attempt. Reaching a
	// terminal state deletes the row.
	SetState(ctx context.Context, planID, stepID string, state planmodel.PlanStepState, summary string, output map[string]any, attempt int) error
	// RecordApproval updates the approvals map for a step.
	RecordApproval(ctx context.Context, planID, stepID, capability string, granted bool) error
	// ForgetStep deletes a step row unconditionally.
	ForgetStep(ctx context.Context, planID, stepID string) error

	// RememberPlanMetadata upserts a plan's metadata row.
	RememberPlanMetadata(ctx context.Context, meta planmodel.PersistedPlanMetadata) error
	// GetPlanMetadata returns a plan's metadata row, if any.
	GetPlanMetadata(ctx context.Context, planID string) (planmodel.PersistedPlanMetadata, bool, error)
	// ListPlanMetadata returns every plan metadata row.
	ListPlanMetadata(ctx context.Context) ([]planmodel.PersistedPlanMetadata, error)
	// ForgetPlanMetadata deletes a plan's metadata row unconditionally.
	ForgetPlanMetadata(ctx context.Context, planID string) error

	// ListActiveSteps returns every non-terminal step row, used by the run
	// loop to rehydrate in-flight work after a crash.
	ListActiveSteps(ctx context.Context) ([]planmodel.PersistedStep, error)
	// GetStep looks up a step row by (plan_id, step_id).
	GetStep(ctx context.Context, planID, stepID string) (planmodel.PersistedStep, bool, error)
	// GetEntry looks up a step row by its own row id.
	GetEntry(ctx context.Context, id string) (planmodel.PersistedStep, bool, error)

	// Clear wipes all state. Intended for tests and full resets.
	Clear(ctx context.Context) error

	// Close releases resources held by the backend.
	Close() error
}
