// internal/statemachine/machine_test.go

package statemachine

import (
	"errors"
	"testing"
	"time"

	"github.com/TuringDynamics3000/TuringMachines/internal/envelope"
	"github.com/TuringDynamics3000/TuringMachines/internal/models"
)

// requireAll mimics a policy pack wanting the three base signals.
func requireAll(signals map[string]float64) bool {
	for _, name := range []string{models.SignalLiveness, models.SignalDocumentQuality, models.SignalMatchScore} {
		if _, ok := signals[name]; !ok {
			return false
		}
	}
	return true
}

func workflow(state models.State, signals map[string]float64, currentDecision string) models.Workflow {
	if signals == nil {
		signals = map[string]float64{}
	}
	return models.Workflow{
		WorkflowID:        "wf-1",
		TenantID:          "cu-001",
		State:             state,
		Signals:           signals,
		Meta:              map[string]string{},
		CurrentDecisionID: currentDecision,
		Version:           1,
	}
}

func selfieEvent() envelope.Event {
	return envelope.Event{
		EventID:    "evt-selfie",
		EventType:  envelope.EventSelfieUploaded,
		WorkflowID: "wf-1",
		TenantID:   "cu-001",
		Timestamp:  time.Now().UTC(),
		Selfie:     &envelope.SelfiePayload{LivenessScore: 0.85, Confidence: 0.9},
	}
}

func matchEvent() envelope.Event {
	return envelope.Event{
		EventID:    "evt-match",
		EventType:  envelope.EventMatchCompleted,
		WorkflowID: "wf-1",
		TenantID:   "cu-001",
		Timestamp:  time.Now().UTC(),
		Match:      &envelope.MatchPayload{MatchScore: 0.88},
	}
}

func overrideEvent() envelope.Event {
	return envelope.Event{
		EventID:    "evt-ovr",
		EventType:  envelope.EventOverrideApplied,
		WorkflowID: "wf-1",
		TenantID:   "cu-001",
		Timestamp:  time.Now().UTC(),
		Override:   &envelope.OverridePayload{NewOutcome: "decline", Reason: "manual review", AuthorizedBy: "inv_007"},
	}
}

func TestSignalCollection(t *testing.T) {
	// First signal moves pending into collecting.
	res, err := Transition(workflow(models.StatePending, nil, ""), selfieEvent(), requireAll)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.NewState != models.StateSignalsCollected {
		t.Fatalf("expected signals_collected, got %s", res.NewState)
	}
	if res.SignalUpdates[models.SignalLiveness] != 0.85 {
		t.Fatalf("liveness not captured: %+v", res.SignalUpdates)
	}
	if res.SignalsNowComplete {
		t.Fatal("one signal must not complete the set")
	}
}

func TestSignalsCompleteFiresOnceRequiredSetPresent(t *testing.T) {
	wf := workflow(models.StateSignalsCollected, map[string]float64{
		models.SignalLiveness:        0.85,
		models.SignalDocumentQuality: 0.9,
	}, "")

	res, err := Transition(wf, matchEvent(), requireAll)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.SignalsNowComplete {
		t.Fatal("match event completed the required set, expected SignalsNowComplete")
	}

	// The internal signals.complete event then moves the workflow to
	// risk evaluation.
	scEv := envelope.NewInternal(envelope.EventSignalsComplete, matchEvent())
	res2, err := Transition(workflow(models.StateSignalsCollected, wf.Signals, ""), scEv, requireAll)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res2.NewState != models.StateRiskEvaluated {
		t.Fatalf("expected risk_evaluated, got %s", res2.NewState)
	}
	if len(res2.Effects) != 1 || res2.Effects[0] != EffectInvokeRisk {
		t.Fatalf("expected invoke_risk effect, got %v", res2.Effects)
	}
}

func TestRiskReturnedFinalises(t *testing.T) {
	rrEv := envelope.NewInternal(envelope.EventRiskReturned, matchEvent())
	res, err := Transition(workflow(models.StateRiskEvaluated, nil, ""), rrEv, requireAll)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.NewState != models.StateFinalised {
		t.Fatalf("expected finalised, got %s", res.NewState)
	}
	if len(res.Effects) != 1 || res.Effects[0] != EffectEmitDecision {
		t.Fatalf("expected emit_decision effect, got %v", res.Effects)
	}
}

func TestLateSignalsDoNotReopen(t *testing.T) {
	for _, state := range []models.State{models.StateRiskEvaluated, models.StateFinalised, models.StateSuperseded} {
		res, err := Transition(workflow(state, map[string]float64{models.SignalLiveness: 0.5}, "dec_1"), selfieEvent(), requireAll)
		if err != nil {
			t.Fatalf("state %s: unexpected error: %v", state, err)
		}
		if res.NewState != state {
			t.Fatalf("state %s: late signal must not change state, got %s", state, res.NewState)
		}
		if res.SignalUpdates[models.SignalLiveness] != 0.85 {
			t.Fatalf("state %s: late signal must still be recorded", state)
		}
		if res.SignalsNowComplete || len(res.Effects) != 0 {
			t.Fatalf("state %s: late signal must not trigger risk or decisions", state)
		}
	}
}

func TestStaleInternalEventsAreNoops(t *testing.T) {
	tests := []struct {
		name  string
		state models.State
		ev    envelope.EventType
	}{
		{"signals.complete after risk", models.StateRiskEvaluated, envelope.EventSignalsComplete},
		{"signals.complete after finalised", models.StateFinalised, envelope.EventSignalsComplete},
		{"risk.returned while collecting", models.StateSignalsCollected, envelope.EventRiskReturned},
		{"risk.returned after finalised", models.StateFinalised, envelope.EventRiskReturned},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := envelope.NewInternal(tt.ev, matchEvent())
			res, err := Transition(workflow(tt.state, nil, "dec_1"), ev, requireAll)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !res.Noop {
				t.Fatalf("expected noop, got %+v", res)
			}
		})
	}
}

func TestOverrideRequiresFinalisedDecision(t *testing.T) {
	// No prior decision: the override is rejected and nothing is emitted.
	_, err := Transition(workflow(models.StatePending, nil, ""), overrideEvent(), requireAll)
	if !errors.Is(err, ErrInvalidOverrideTarget) {
		t.Fatalf("expected ErrInvalidOverrideTarget, got %v", err)
	}

	// With a finalised decision the override supersedes it.
	res, err := Transition(workflow(models.StateFinalised, nil, "dec_1"), overrideEvent(), requireAll)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.NewState != models.StateSuperseded {
		t.Fatalf("expected superseded, got %s", res.NewState)
	}
	if len(res.Effects) != 1 || res.Effects[0] != EffectEmitOverrideDecision {
		t.Fatalf("expected emit_override_decision effect, got %v", res.Effects)
	}
}
