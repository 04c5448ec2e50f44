// store/postgres.go
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/TuringDynamics3000/TuringMachines/internal/envelope"
	"github.com/TuringDynamics3000/TuringMachines/internal/models"
)

// PostgresStore is the durable WorkflowStore. Uniqueness on event_id and
// decision_id lives in the schema (primary keys + ON CONFLICT), so the
// idempotency guarantees hold across processes, not just goroutines.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection and verifies it with a ping.
func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres db: %v", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping postgres db: %v", err)
	}
	return &PostgresStore{db: db}, nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, workflowID string) (models.Workflow, []models.Decision, error) {
	wf, err := s.loadWorkflow(ctx, s.db, workflowID)
	if err != nil {
		return models.Workflow{}, nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
        SELECT record
        FROM decisions
        WHERE workflow_id = $1
        ORDER BY seq ASC`, workflowID)
	if err != nil {
		return models.Workflow{}, nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var history []models.Decision
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return models.Workflow{}, nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		var d models.Decision
		if err := json.Unmarshal(raw, &d); err != nil {
			return models.Workflow{}, nil, fmt.Errorf("failed to decode decision record: %v", err)
		}
		history = append(history, d)
	}
	if err := rows.Err(); err != nil {
		return models.Workflow{}, nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return wf, history, nil
}

func (s *PostgresStore) CreateIfAbsent(ctx context.Context, workflowID, tenantID string) (models.Workflow, error) {
	// INSERT ... ON CONFLICT DO NOTHING makes first-arrival races safe:
	// exactly one insert wins, everyone reads the same row back.
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO workflows (workflow_id, tenant_id, state, signals, meta, current_decision_id, version, created_at, updated_at)
        VALUES ($1, $2, $3, '{}', '{}', '', 1, NOW(), NOW())
        ON CONFLICT (workflow_id) DO NOTHING`,
		workflowID, tenantID, string(models.StatePending))
	if err != nil {
		return models.Workflow{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return s.loadWorkflow(ctx, s.db, workflowID)
}

func (s *PostgresStore) Apply(ctx context.Context, workflowID string, expectedVersion int64, mutate func(*models.Workflow)) (models.Workflow, error) {
	wf, err := s.loadWorkflow(ctx, s.db, workflowID)
	if err != nil {
		return models.Workflow{}, err
	}
	if wf.Version != expectedVersion {
		return models.Workflow{}, fmt.Errorf("%w: have %d, want %d", ErrStaleVersion, wf.Version, expectedVersion)
	}

	next := wf.Clone()
	mutate(&next)
	next.WorkflowID = wf.WorkflowID
	next.Version = wf.Version + 1

	signals, _ := json.Marshal(next.Signals)
	meta, _ := json.Marshal(next.Meta)

	// Optimistic write: the WHERE version guard is the concurrency
	// control. 0 rows affected means someone got there first.
	res, err := s.db.ExecContext(ctx, `
        UPDATE workflows
        SET state = $1, signals = $2, meta = $3, current_decision_id = $4,
            version = $5, updated_at = NOW()
        WHERE workflow_id = $6 AND version = $7`,
		string(next.State), signals, meta, next.CurrentDecisionID,
		next.Version, workflowID, expectedVersion)
	if err != nil {
		return models.Workflow{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return models.Workflow{}, fmt.Errorf("%w: version %d was overtaken", ErrStaleVersion, expectedVersion)
	}
	return s.loadWorkflow(ctx, s.db, workflowID)
}

func (s *PostgresStore) AppendDecision(ctx context.Context, workflowID string, expectedVersion int64, d models.Decision) (models.Decision, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Decision{}, false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	record, _ := json.Marshal(d)

	// One caller wins the insert; every other delivery of the same
	// decision_id sees 0 rows and reads the stored record back.
	res, err := tx.ExecContext(ctx, `
        INSERT INTO decisions (decision_id, workflow_id, tenant_id, outcome, record, created_at)
        VALUES ($1, $2, $3, $4, $5, NOW())
        ON CONFLICT (decision_id) DO NOTHING`,
		d.DecisionID, workflowID, d.TenantID, string(d.Outcome), record)
	if err != nil {
		return models.Decision{}, false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	inserted, _ := res.RowsAffected()
	if inserted == 0 {
		var raw []byte
		err := tx.QueryRowContext(ctx,
			`SELECT record FROM decisions WHERE decision_id = $1`, d.DecisionID).Scan(&raw)
		if err != nil {
			return models.Decision{}, false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		var existing models.Decision
		if err := json.Unmarshal(raw, &existing); err != nil {
			return models.Decision{}, false, fmt.Errorf("failed to decode decision record: %v", err)
		}
		return existing, false, nil
	}

	upd, err := tx.ExecContext(ctx, `
        UPDATE workflows
        SET current_decision_id = $1, state = $2, version = version + 1, updated_at = NOW()
        WHERE workflow_id = $3 AND version = $4`,
		d.DecisionID, string(models.StateFinalised), workflowID, expectedVersion)
	if err != nil {
		return models.Decision{}, false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	affected, _ := upd.RowsAffected()
	if affected == 0 {
		// Rolling back also rolls back the decision insert, so the retry
		// starts clean.
		return models.Decision{}, false, fmt.Errorf("%w: version %d was overtaken", ErrStaleVersion, expectedVersion)
	}

	if err := tx.Commit(); err != nil {
		return models.Decision{}, false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return d, true, nil
}

func (s *PostgresStore) RecordEvent(ctx context.Context, ev envelope.Event) (bool, error) {
	wire := ev.ToWire()
	raw, _ := json.Marshal(wire)

	res, err := s.db.ExecContext(ctx, `
        INSERT INTO events (event_id, workflow_id, event_type, envelope, received_at)
        VALUES ($1, $2, $3, $4, NOW())
        ON CONFLICT (event_id) DO NOTHING`,
		ev.EventID, ev.WorkflowID, string(ev.EventType), raw)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	inserted, _ := res.RowsAffected()
	return inserted > 0, nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, workflowID string) ([]envelope.WireEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT envelope
        FROM events
        WHERE workflow_id = $1
        ORDER BY received_at ASC, event_id ASC`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []envelope.WireEvent
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		var w envelope.WireEvent
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("failed to decode stored event: %v", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListWorkflows(ctx context.Context, f ListFilter) ([]models.Workflow, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT workflow_id, tenant_id, state, signals, meta, current_decision_id, version, created_at, updated_at
        FROM workflows
        WHERE ($1 = '' OR tenant_id = $1)
          AND ($2 = '' OR state = $2)
        ORDER BY created_at DESC
        LIMIT $3`,
		f.TenantID, string(f.State), limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var result []models.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, wf)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *PostgresStore) loadWorkflow(ctx context.Context, q *sql.DB, workflowID string) (models.Workflow, error) {
	row := q.QueryRowContext(ctx, `
        SELECT workflow_id, tenant_id, state, signals, meta, current_decision_id, version, created_at, updated_at
        FROM workflows
        WHERE workflow_id = $1`, workflowID)
	wf, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Workflow{}, ErrWorkflowNotFound
	}
	return wf, err
}

func scanWorkflow(r rowScanner) (models.Workflow, error) {
	var wf models.Workflow
	var state string
	var signals, meta []byte
	if err := r.Scan(
		&wf.WorkflowID,
		&wf.TenantID,
		&state,
		&signals,
		&meta,
		&wf.CurrentDecisionID,
		&wf.Version,
		&wf.CreatedAt,
		&wf.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Workflow{}, err
		}
		return models.Workflow{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	wf.State = models.State(state)
	if err := json.Unmarshal(signals, &wf.Signals); err != nil {
		return models.Workflow{}, fmt.Errorf("failed to decode signals: %v", err)
	}
	if err := json.Unmarshal(meta, &wf.Meta); err != nil {
		return models.Workflow{}, fmt.Errorf("failed to decode meta: %v", err)
	}
	if wf.Signals == nil {
		wf.Signals = map[string]float64{}
	}
	if wf.Meta == nil {
		wf.Meta = map[string]string{}
	}
	return wf, nil
}
