// store/store.go
package store

import (
	"context"
	"errors"

	"github.com/TuringDynamics3000/TuringMachines/internal/envelope"
	"github.com/TuringDynamics3000/TuringMachines/internal/models"
)

var (
	// ErrWorkflowNotFound is the sentinel for Load on an absent workflow.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrStaleVersion means an optimistic write lost the race; the caller
	// reloads and retries a bounded number of times.
	ErrStaleVersion = errors.New("stale workflow version")

	// ErrStoreUnavailable wraps infrastructure failures (connection down,
	// query timeout). Retriable.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// ListFilter narrows investigator listings.
type ListFilter struct {
	TenantID string
	State    models.State
	Limit    int
}

// WorkflowStore is the single shared mutable resource in the process.
// All operations are durable before returning.
//
// Concurrency contract: uniqueness on event_id and decision_id is
// enforced by the store itself, so a concurrent AppendDecision with the
// same decision_id is observed by exactly one caller as new and by all
// others as duplicate. That property is what makes the decision
// authority's single-emitter guarantee hold across retries.
type WorkflowStore interface {
	// Load returns the current workflow record and its full decision
	// history in append order. ErrWorkflowNotFound if absent.
	Load(ctx context.Context, workflowID string) (models.Workflow, []models.Decision, error)

	// CreateIfAbsent atomically creates the workflow in state pending.
	// Returns the stored record either way.
	CreateIfAbsent(ctx context.Context, workflowID, tenantID string) (models.Workflow, error)

	// Apply performs an optimistic-concurrency mutation. The mutation
	// func edits the loaded copy in place; the write succeeds only if the
	// stored version still equals expectedVersion, and bumps the version
	// by exactly 1. ErrStaleVersion otherwise.
	Apply(ctx context.Context, workflowID string, expectedVersion int64, mutate func(*models.Workflow)) (models.Workflow, error)

	// AppendDecision atomically appends the decision, sets it current,
	// moves the workflow to finalised and bumps the version. A duplicate
	// decision_id is an idempotent no-op: the existing record is returned
	// with isNew=false.
	AppendDecision(ctx context.Context, workflowID string, expectedVersion int64, d models.Decision) (stored models.Decision, isNew bool, err error)

	// RecordEvent persists the event for audit/replay. Idempotent on
	// event_id; isNew reports whether this delivery was the first.
	RecordEvent(ctx context.Context, ev envelope.Event) (isNew bool, err error)

	// ListEvents returns the recorded events for a workflow in arrival
	// order. Used by the replay harness.
	ListEvents(ctx context.Context, workflowID string) ([]envelope.WireEvent, error)

	// ListWorkflows is the investigator read path. Pure read, never takes
	// serializer locks.
	ListWorkflows(ctx context.Context, f ListFilter) ([]models.Workflow, error)

	// Ping reports whether the backing store is reachable (readiness).
	Ping(ctx context.Context) error
}
