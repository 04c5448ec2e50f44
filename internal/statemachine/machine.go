// internal/statemachine/machine.go

// Package statemachine holds the deterministic transition function for
// identity workflows. Transitions are pure: they read the current
// workflow and one event, and return the new state plus declarative side
// effects. No IO happens here, which is what keeps the function
// unit-testable and replay-safe.
package statemachine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/TuringDynamics3000/TuringMachines/internal/envelope"
	"github.com/TuringDynamics3000/TuringMachines/internal/models"
)

// ErrInvalidOverrideTarget means an override arrived for a workflow that
// has never been finalised. No decision is emitted.
var ErrInvalidOverrideTarget = errors.New("override target has no finalised decision")

// EffectKind is a declarative instruction handed back to the serializer's
// handler. The state machine never performs the effect itself.
type EffectKind string

const (
	EffectInvokeRisk           EffectKind = "invoke_risk"
	EffectEmitDecision         EffectKind = "emit_decision"
	EffectEmitOverrideDecision EffectKind = "emit_override_decision"
)

// Result describes what one event does to a workflow.
type Result struct {
	NewState      models.State
	SignalUpdates map[string]float64
	MetaUpdates   map[string]string
	Effects       []EffectKind

	// SignalsNowComplete tells the handler to synthesize the internal
	// signals.complete event. Fires at most once per workflow because the
	// triggering check only runs while the workflow is still collecting.
	SignalsNowComplete bool

	// Noop means the event changes nothing (duplicate or out-of-order).
	// Late signal events are not no-ops: they still update signals. The
	// event itself stays recorded for audit either way.
	Noop       bool
	NoopReason string
}

// Transition computes the deterministic outcome of applying ev to wf.
// The required predicate comes from the tenant's policy pack; the state
// machine itself knows nothing about jurisdictions.
func Transition(wf models.Workflow, ev envelope.Event, required func(map[string]float64) bool) (Result, error) {
	switch ev.EventType {

	case envelope.EventSelfieUploaded, envelope.EventDocumentUploaded, envelope.EventMatchCompleted:
		return signalEvent(wf, ev, required), nil

	case envelope.EventSignalsComplete:
		// Internal. Only meaningful while collecting; anything else is a
		// replayed or stale trigger.
		if wf.State != models.StateSignalsCollected {
			return noop(wf, fmt.Sprintf("signals.complete in state %s", wf.State)), nil
		}
		return Result{
			NewState: models.StateRiskEvaluated,
			Effects:  []EffectKind{EffectInvokeRisk},
		}, nil

	case envelope.EventRiskReturned:
		// Internal. The risk result rides with the handler; this event
		// only moves the workflow into finalisation.
		if wf.State != models.StateRiskEvaluated {
			return noop(wf, fmt.Sprintf("risk.returned in state %s", wf.State)), nil
		}
		return Result{
			NewState: models.StateFinalised,
			Effects:  []EffectKind{EffectEmitDecision},
		}, nil

	case envelope.EventOverrideApplied:
		if wf.CurrentDecisionID == "" || (wf.State != models.StateFinalised && wf.State != models.StateSuperseded) {
			return Result{}, fmt.Errorf("%w: workflow %s in state %s", ErrInvalidOverrideTarget, wf.WorkflowID, wf.State)
		}
		// finalised -> superseded; the authority's append moves it back to
		// finalised with the new current decision.
		return Result{
			NewState: models.StateSuperseded,
			Effects:  []EffectKind{EffectEmitOverrideDecision},
		}, nil

	default:
		return noop(wf, fmt.Sprintf("unhandled event type %s", ev.EventType)), nil
	}
}

// signalEvent folds a signal-bearing event into the workflow.
func signalEvent(wf models.Workflow, ev envelope.Event, required func(map[string]float64) bool) Result {
	updates := map[string]float64{}
	meta := map[string]string{}

	switch ev.EventType {
	case envelope.EventSelfieUploaded:
		updates[models.SignalLiveness] = ev.Selfie.LivenessScore
		updates[models.SignalLivenessConfidence] = ev.Selfie.Confidence
	case envelope.EventDocumentUploaded:
		updates[models.SignalDocumentQuality] = ev.Document.QualityScore
		if ev.Document.DocumentType != "" {
			meta["document_type"] = ev.Document.DocumentType
		}
	case envelope.EventMatchCompleted:
		updates[models.SignalMatchScore] = ev.Match.MatchScore
		if len(ev.Match.ModelIDs) > 0 {
			meta["match_models"] = strings.Join(ev.Match.ModelIDs, ",")
		}
	}

	switch wf.State {
	case models.StatePending, models.StateSignalsCollected:
		res := Result{
			NewState:      models.StateSignalsCollected,
			SignalUpdates: updates,
			MetaUpdates:   meta,
		}
		// Would the merged signal set satisfy the policy? Checked here, in
		// the collecting states only, so risk is never re-triggered by
		// later signal updates.
		merged := make(map[string]float64, len(wf.Signals)+len(updates))
		for k, v := range wf.Signals {
			merged[k] = v
		}
		for k, v := range updates {
			merged[k] = v
		}
		if required != nil && required(merged) {
			res.SignalsNowComplete = true
		}
		return res

	case models.StateRiskEvaluated, models.StateFinalised, models.StateSuperseded:
		// Late signal: recorded on the workflow, state untouched, no new
		// decision.
		return Result{
			NewState:      wf.State,
			SignalUpdates: updates,
			MetaUpdates:   meta,
		}

	default:
		return noop(wf, fmt.Sprintf("signal event in state %s", wf.State))
	}
}

func noop(wf models.Workflow, reason string) Result {
	return Result{NewState: wf.State, Noop: true, NoopReason: reason}
}
