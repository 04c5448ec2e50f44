// store/memory.go
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/TuringDynamics3000/TuringMachines/internal/envelope"
	"github.com/TuringDynamics3000/TuringMachines/internal/models"
)

// MemoryStore is the in-memory WorkflowStore used by tests and local
// runs without Postgres. Same contract, same uniqueness guarantees.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]models.Workflow
	decisions map[string][]models.Decision    // workflow_id -> append order
	decIndex  map[string]models.Decision      // decision_id -> record
	events    map[string]struct{}             // event_id set
	eventLog  map[string][]envelope.WireEvent // workflow_id -> arrival order

	clock func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string]models.Workflow),
		decisions: make(map[string][]models.Decision),
		decIndex:  make(map[string]models.Decision),
		events:    make(map[string]struct{}),
		eventLog:  make(map[string][]envelope.WireEvent),
		clock:     time.Now,
	}
}

// WithClock overrides the clock for tests.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) Load(ctx context.Context, workflowID string) (models.Workflow, []models.Decision, error) {
	if err := ctx.Err(); err != nil {
		return models.Workflow{}, nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	wf, ok := s.workflows[workflowID]
	if !ok {
		return models.Workflow{}, nil, ErrWorkflowNotFound
	}
	history := make([]models.Decision, len(s.decisions[workflowID]))
	copy(history, s.decisions[workflowID])
	return wf.Clone(), history, nil
}

func (s *MemoryStore) CreateIfAbsent(ctx context.Context, workflowID, tenantID string) (models.Workflow, error) {
	if err := ctx.Err(); err != nil {
		return models.Workflow{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if wf, ok := s.workflows[workflowID]; ok {
		return wf.Clone(), nil
	}
	now := s.clock().UTC()
	wf := models.Workflow{
		WorkflowID: workflowID,
		TenantID:   tenantID,
		State:      models.StatePending,
		Signals:    map[string]float64{},
		Meta:       map[string]string{},
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.workflows[workflowID] = wf
	return wf.Clone(), nil
}

func (s *MemoryStore) Apply(ctx context.Context, workflowID string, expectedVersion int64, mutate func(*models.Workflow)) (models.Workflow, error) {
	if err := ctx.Err(); err != nil {
		return models.Workflow{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[workflowID]
	if !ok {
		return models.Workflow{}, ErrWorkflowNotFound
	}
	if wf.Version != expectedVersion {
		return models.Workflow{}, fmt.Errorf("%w: have %d, want %d", ErrStaleVersion, wf.Version, expectedVersion)
	}

	next := wf.Clone()
	mutate(&next)
	// The version is ours to manage, not the mutation's.
	next.WorkflowID = wf.WorkflowID
	next.Version = wf.Version + 1
	next.UpdatedAt = s.clock().UTC()

	s.workflows[workflowID] = next
	return next.Clone(), nil
}

func (s *MemoryStore) AppendDecision(ctx context.Context, workflowID string, expectedVersion int64, d models.Decision) (models.Decision, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.Decision{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// Duplicate decision_id is success, returning the existing record.
	// This is the single-emitter foundation: one caller wins the insert,
	// every other delivery of the same cause observes a duplicate.
	if existing, ok := s.decIndex[d.DecisionID]; ok {
		return existing, false, nil
	}

	wf, ok := s.workflows[workflowID]
	if !ok {
		return models.Decision{}, false, ErrWorkflowNotFound
	}
	if wf.Version != expectedVersion {
		return models.Decision{}, false, fmt.Errorf("%w: have %d, want %d", ErrStaleVersion, wf.Version, expectedVersion)
	}

	next := wf.Clone()
	next.CurrentDecisionID = d.DecisionID
	next.State = models.StateFinalised
	next.Version = wf.Version + 1
	next.UpdatedAt = s.clock().UTC()

	s.workflows[workflowID] = next
	s.decisions[workflowID] = append(s.decisions[workflowID], d)
	s.decIndex[d.DecisionID] = d
	return d, true, nil
}

func (s *MemoryStore) RecordEvent(ctx context.Context, ev envelope.Event) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.events[ev.EventID]; dup {
		return false, nil
	}
	s.events[ev.EventID] = struct{}{}
	s.eventLog[ev.WorkflowID] = append(s.eventLog[ev.WorkflowID], ev.ToWire())
	return true, nil
}

func (s *MemoryStore) ListEvents(ctx context.Context, workflowID string) ([]envelope.WireEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]envelope.WireEvent, len(s.eventLog[workflowID]))
	copy(out, s.eventLog[workflowID])
	return out, nil
}

func (s *MemoryStore) ListWorkflows(ctx context.Context, f ListFilter) ([]models.Workflow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []models.Workflow
	for _, wf := range s.workflows {
		if (f.TenantID == "" || wf.TenantID == f.TenantID) &&
			(f.State == "" || wf.State == f.State) {
			result = append(result, wf.Clone())
		}
	}
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }
