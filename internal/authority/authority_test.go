// internal/authority/authority_test.go

package authority

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/TuringDynamics3000/TuringMachines/internal/envelope"
	"github.com/TuringDynamics3000/TuringMachines/internal/models"
	"github.com/TuringDynamics3000/TuringMachines/internal/policy"
	"github.com/TuringDynamics3000/TuringMachines/internal/risk"
	"github.com/TuringDynamics3000/TuringMachines/store"
)

// --- MOCKS ---

type fakePublisher struct {
	mu        sync.Mutex
	published []string // keys, in order
}

func (f *fakePublisher) Publish(ctx context.Context, key string, value interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, key)
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

// --- HELPERS ---

func auPack(t *testing.T) policy.Pack {
	t.Helper()
	p, err := policy.NewLoader().Get("AU", "latest")
	if err != nil {
		t.Fatalf("AU pack missing: %v", err)
	}
	return p
}

func causeEvent(id string) envelope.Event {
	return envelope.Event{
		EventID:       id,
		EventType:     envelope.EventMatchCompleted,
		WorkflowID:    "wf-1",
		TenantID:      "cu-001",
		CorrelationID: "corr-1",
		Timestamp:     time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Match:         &envelope.MatchPayload{MatchScore: 0.88},
	}
}

func lowRisk() risk.Result {
	return risk.Result{Band: "low", Score: 15, Confidence: 0.93}
}

// --- TESTS ---

func TestDecisionIDDeterministic(t *testing.T) {
	a := DecisionID("wf-1", "evt-1")
	b := DecisionID("wf-1", "evt-1")
	if a != b {
		t.Fatalf("decision id must be stable: %s vs %s", a, b)
	}
	if DecisionID("wf-1", "evt-2") == a {
		t.Fatal("different causes must produce different decision ids")
	}
	if DecisionID("wf-2", "evt-1") == a {
		t.Fatal("different workflows must produce different decision ids")
	}
}

func TestFinaliseAppendsAndPublishes(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	pub := &fakePublisher{}
	auth := New(st, pub, "sync")

	wf, _ := st.CreateIfAbsent(ctx, "wf-1", "cu-001")
	dec, err := auth.Finalise(ctx, wf, causeEvent("evt-match"), lowRisk(), nil, auPack(t), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if dec.DecisionID != DecisionID("wf-1", "evt-match") {
		t.Fatalf("decision id not derived from cause: %s", dec.DecisionID)
	}
	if dec.Outcome != models.OutcomeApprove {
		t.Fatalf("AU low band must approve, got %s", dec.Outcome)
	}
	if dec.Authority.IsOverride || dec.SupersedesDecisionID != "" {
		t.Fatalf("first resolve must not look like an override: %+v", dec)
	}
	if dec.Timestamp != causeEvent("evt-match").Timestamp {
		t.Fatalf("decision timestamp must come from the cause event, got %v", dec.Timestamp)
	}
	if !dec.CanProceed || dec.RequiresHuman {
		t.Fatalf("an approve needs no human and can proceed: %+v", dec)
	}
	if pub.count() != 1 {
		t.Fatalf("expected exactly one publish, got %d", pub.count())
	}

	updated, decisions, _ := st.Load(ctx, "wf-1")
	if updated.State != models.StateFinalised || updated.CurrentDecisionID != dec.DecisionID {
		t.Fatalf("workflow not finalised: %+v", updated)
	}
	if len(decisions) != 1 {
		t.Fatalf("expected 1 decision in the log, got %d", len(decisions))
	}
}

func TestFinaliseDuplicateCauseDoesNotRepublish(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	pub := &fakePublisher{}
	auth := New(st, pub, "sync")

	wf, _ := st.CreateIfAbsent(ctx, "wf-1", "cu-001")
	first, err := auth.Finalise(ctx, wf, causeEvent("evt-match"), lowRisk(), nil, auPack(t), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Re-delivery: same cause, stale workflow snapshot. Must return the
	// stored record and stay silent outbound.
	second, err := auth.Finalise(ctx, wf, causeEvent("evt-match"), lowRisk(), nil, auPack(t), nil)
	if err != nil {
		t.Fatalf("re-delivery must succeed: %v", err)
	}
	if second.DecisionID != first.DecisionID {
		t.Fatalf("re-delivery produced a different decision: %s vs %s", second.DecisionID, first.DecisionID)
	}
	if pub.count() != 1 {
		t.Fatalf("duplicate finalisation must not republish, got %d publishes", pub.count())
	}

	_, decisions, _ := st.Load(ctx, "wf-1")
	if len(decisions) != 1 {
		t.Fatalf("decision log grew on re-delivery: %d records", len(decisions))
	}
}

func TestFinaliseOverrideCarriesLineage(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	pub := &fakePublisher{}
	auth := New(st, pub, "sync")

	wf, _ := st.CreateIfAbsent(ctx, "wf-1", "cu-001")
	original, err := auth.Finalise(ctx, wf, causeEvent("evt-match"), lowRisk(), nil, auPack(t), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wf, _, _ = st.Load(ctx, "wf-1")
	ovrEvent := causeEvent("evt-ovr")
	ovrEvent.EventType = envelope.EventOverrideApplied
	dec, err := auth.Finalise(ctx, wf, ovrEvent, risk.Result{}, nil, auPack(t), &OverrideContext{
		NewOutcome: models.OutcomeDecline,
		Reason:     "manual review",
		ActorID:    "inv_007",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !dec.Authority.IsOverride || dec.Authority.ActorID != "inv_007" {
		t.Fatalf("override authority wrong: %+v", dec.Authority)
	}
	if dec.SupersedesDecisionID != original.DecisionID {
		t.Fatalf("lineage must point at the superseded decision: %s", dec.SupersedesDecisionID)
	}
	if dec.Outcome != models.OutcomeDecline || dec.Confidence != 1.0 {
		t.Fatalf("override outcome wrong: %+v", dec)
	}
	if !dec.RequiresHuman || dec.CanProceed {
		t.Fatalf("a declining override keeps the human flag and blocks: %+v", dec)
	}
	// The superseded decision's risk facts ride along for audit.
	if dec.RiskSummary.Band != "low" || dec.RiskSummary.Score != 15 {
		t.Fatalf("override must carry the overruled risk summary, got %+v", dec.RiskSummary)
	}

	// The original record is untouched; both remain in the log.
	updated, decisions, _ := st.Load(ctx, "wf-1")
	if len(decisions) != 2 {
		t.Fatalf("expected 2 decisions, got %d", len(decisions))
	}
	if decisions[0].DecisionID != original.DecisionID || decisions[0].Outcome != models.OutcomeApprove {
		t.Fatalf("original decision mutated: %+v", decisions[0])
	}
	if updated.CurrentDecisionID != dec.DecisionID {
		t.Fatalf("override must become current: %+v", updated)
	}
}

func TestFinaliseRiskFailureFallbacks(t *testing.T) {
	tests := []struct {
		name       string
		riskErr    error
		wantOut    models.Outcome
		wantReason string
	}{
		{"permanent declines", fmt.Errorf("%w: http 400", risk.ErrPermanent), models.OutcomeDecline, "risk_unavailable_permanent"},
		{"transient reviews", fmt.Errorf("%w: retries exhausted", risk.ErrTransient), models.OutcomeReview, "risk_unavailable_transient"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			st := store.NewMemoryStore()
			auth := New(st, nil, "sync")

			wf, _ := st.CreateIfAbsent(ctx, "wf-1", "cu-001")
			dec, err := auth.Finalise(ctx, wf, causeEvent("evt-match"), risk.Result{}, tt.riskErr, auPack(t), nil)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if dec.Outcome != tt.wantOut {
				t.Fatalf("want %s, got %s", tt.wantOut, dec.Outcome)
			}
			if len(dec.ReasonCodes) != 1 || dec.ReasonCodes[0] != tt.wantReason {
				t.Fatalf("want reason %s, got %v", tt.wantReason, dec.ReasonCodes)
			}
			wantHuman := tt.wantOut == models.OutcomeReview
			wantProceed := tt.wantOut != models.OutcomeDecline
			if dec.RequiresHuman != wantHuman || dec.CanProceed != wantProceed {
				t.Fatalf("derived flags wrong for %s: %+v", tt.wantOut, dec)
			}
			if !errors.Is(tt.riskErr, risk.ErrPermanent) && !errors.Is(tt.riskErr, risk.ErrTransient) {
				t.Fatal("test setup broken")
			}
		})
	}
}

func TestAsyncPublishDrainsOnClose(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	pub := &fakePublisher{}
	auth := New(st, pub, "async_with_buffer")

	wf, _ := st.CreateIfAbsent(ctx, "wf-1", "cu-001")
	if _, err := auth.Finalise(ctx, wf, causeEvent("evt-match"), lowRisk(), nil, auPack(t), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	auth.Close() // must flush the buffer
	if pub.count() != 1 {
		t.Fatalf("async publish lost the decision, got %d publishes", pub.count())
	}
}
