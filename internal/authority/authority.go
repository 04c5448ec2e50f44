// internal/authority/authority.go

// Package authority is the ONLY component allowed to construct and
// append decision.finalised records. Nothing else calls
// store.AppendDecision; keeping that call site unique is what makes the
// single-emitter invariant structural rather than aspirational.
package authority

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/TuringDynamics3000/TuringMachines/internal/envelope"
	"github.com/TuringDynamics3000/TuringMachines/internal/models"
	"github.com/TuringDynamics3000/TuringMachines/internal/policy"
	"github.com/TuringDynamics3000/TuringMachines/internal/risk"
	"github.com/TuringDynamics3000/TuringMachines/shared/contracts"
	"github.com/TuringDynamics3000/TuringMachines/store"
)

const (
	ServiceName    = "turing_orchestrate"
	ServiceVersion = "2.0.0"
)

// Publisher is the outbound leg; shared/kafka satisfies it.
type Publisher interface {
	Publish(ctx context.Context, key string, value interface{}) error
}

// OverrideContext carries the human instruction when a decision is an
// override rather than a risk-derived resolve.
type OverrideContext struct {
	NewOutcome models.Outcome
	Reason     string
	ActorID    string
}

// Authority finalises decisions: derives the outcome, appends the record
// idempotently, and publishes the authoritative event.
type Authority struct {
	store     store.WorkflowStore
	publisher Publisher // nil disables outbound publication

	asyncCh chan contracts.DecisionFinalised
	wg      sync.WaitGroup
}

// New builds the authority. publishMode "async_with_buffer" moves
// publication off the handler's critical path into a buffered background
// writer; "sync" publishes before Finalise returns.
func New(st store.WorkflowStore, pub Publisher, publishMode string) *Authority {
	a := &Authority{store: st, publisher: pub}
	if publishMode == "async_with_buffer" && pub != nil {
		a.asyncCh = make(chan contracts.DecisionFinalised, 256)
		a.wg.Add(1)
		go a.publishLoop()
	}
	return a
}

// Close drains the async publish buffer, if any.
func (a *Authority) Close() {
	if a.asyncCh != nil {
		close(a.asyncCh)
		a.wg.Wait()
	}
}

// DecisionID derives the deterministic id for a decision caused by one
// event. Re-delivery of the same cause (including override re-delivery)
// lands on the same id, which the store turns into an idempotent no-op.
func DecisionID(workflowID, causeEventID string) string {
	identity := ServiceName + "@" + ServiceVersion
	h := sha256.Sum256([]byte(workflowID + "|" + causeEventID + "|" + identity))
	return "dec_" + hex.EncodeToString(h[:])[:24]
}

// Finalise derives and appends the decision for a cause event.
//
//   - wf is the workflow as of the handler's last write; its version is
//     the optimistic guard for the append.
//   - cause is the event the decision hashes on: the signal event that
//     completed the required set, or the override.applied event.
//   - riskRes/riskErr describe the risk call (ignored for overrides).
//
// A duplicate decision_id returns the stored record without publishing
// again. On a new append the decision is published outward.
func (a *Authority) Finalise(
	ctx context.Context,
	wf models.Workflow,
	cause envelope.Event,
	riskRes risk.Result,
	riskErr error,
	pack policy.Pack,
	ovr *OverrideContext,
) (models.Decision, error) {
	d := a.buildDecision(wf, cause, riskRes, riskErr, pack, ovr, a.priorRiskSummary(ctx, wf, ovr))

	stored, isNew, err := a.store.AppendDecision(ctx, wf.WorkflowID, wf.Version, d)
	if err != nil {
		return models.Decision{}, fmt.Errorf("failed to append decision: %w", err)
	}
	if !isNew {
		// Someone already finalised this cause. Do not re-publish;
		// downstream dedupes on decision_id anyway, but there is no point
		// writing a message we know is a duplicate.
		return stored, nil
	}

	a.publish(ctx, contracts.FromDecision(stored))
	return stored, nil
}

func (a *Authority) buildDecision(
	wf models.Workflow,
	cause envelope.Event,
	riskRes risk.Result,
	riskErr error,
	pack policy.Pack,
	ovr *OverrideContext,
	prior models.RiskSummary,
) models.Decision {
	d := models.Decision{
		DecisionID: DecisionID(wf.WorkflowID, cause.EventID),
		WorkflowID: wf.WorkflowID,
		TenantID:   wf.TenantID,
		Policy:     pack.Ref(),
		Subject:    subjectFor(wf),
		// The prior current decision, captured before the append makes
		// this one current. Empty for a first resolve.
		SupersedesDecisionID: wf.CurrentDecisionID,
		CorrelationID:        correlationFor(cause),
		// Event time, not wall time: replays must reproduce the record
		// byte for byte.
		Timestamp: cause.Timestamp,
		Authority: models.Authority{
			DecidedBy:      ServiceName,
			ServiceVersion: ServiceVersion,
		},
	}

	switch {
	case ovr != nil:
		d.Outcome = ovr.NewOutcome
		d.Confidence = 1.0 // a human said so
		d.ReasonCodes = []string{ovr.Reason}
		d.Authority.IsOverride = true
		d.Authority.ActorID = ovr.ActorID
		// The superseded decision's risk picture stays attached for
		// audit context; the human changed the outcome, not the facts.
		d.RiskSummary = prior

	case errors.Is(riskErr, risk.ErrPermanent):
		d.Outcome = models.OutcomeDecline
		d.ReasonCodes = []string{"risk_unavailable_permanent"}
		d.RiskSummary = models.RiskSummary{Error: riskErr.Error()}

	case riskErr != nil:
		// Transient budget exhausted. Fall back to review rather than
		// leaving the workflow unresolved.
		d.Outcome = models.OutcomeReview
		d.ReasonCodes = []string{"risk_unavailable_transient"}
		d.RiskSummary = models.RiskSummary{Error: riskErr.Error()}

	default:
		d.Outcome = pack.OutcomeForBand(riskRes.Band)
		d.Confidence = riskRes.Confidence
		d.ReasonCodes = riskRes.ReasonCodes
		d.RiskSummary = models.RiskSummary{
			Band:   riskRes.Band,
			Score:  riskRes.Score,
			Scores: riskRes.Scores,
		}
	}

	// Enforcement hints derived from the outcome: review and overrides
	// keep a human in the loop, only a decline blocks the subject.
	d.RequiresHuman = d.Outcome == models.OutcomeReview || d.Authority.IsOverride
	d.CanProceed = d.Outcome != models.OutcomeDecline

	return d
}

// priorRiskSummary reads the superseded decision's risk summary from the
// decision log when finalising an override, so the override record keeps
// the risk facts it is overruling.
func (a *Authority) priorRiskSummary(ctx context.Context, wf models.Workflow, ovr *OverrideContext) models.RiskSummary {
	if ovr == nil || wf.CurrentDecisionID == "" {
		return models.RiskSummary{}
	}
	_, history, err := a.store.Load(ctx, wf.WorkflowID)
	if err != nil {
		log.Printf("⚠️ could not load decision log for %s, override carries no risk summary: %v", wf.WorkflowID, err)
		return models.RiskSummary{}
	}
	for _, d := range history {
		if d.DecisionID == wf.CurrentDecisionID {
			return d.RiskSummary
		}
	}
	return models.RiskSummary{}
}

func (a *Authority) publish(ctx context.Context, ev contracts.DecisionFinalised) {
	if a.publisher == nil {
		return
	}
	if a.asyncCh != nil {
		select {
		case a.asyncCh <- ev:
		default:
			// Buffer full. The decision is durable in the store; dropping
			// the publish here degrades to "re-publish on next replay"
			// rather than blocking the handler.
			log.Printf("⚠️ outbound buffer full, decision %s not published", ev.DecisionID)
		}
		return
	}
	if err := a.publisher.Publish(ctx, ev.WorkflowID, ev); err != nil {
		// At-least-once: the record is durable, consumers dedupe on
		// decision_id, and operators can re-drive publication.
		log.Printf("⚠️ failed to publish decision %s: %v", ev.DecisionID, err)
	}
}

func (a *Authority) publishLoop() {
	defer a.wg.Done()
	for ev := range a.asyncCh {
		if err := a.publisher.Publish(context.Background(), ev.WorkflowID, ev); err != nil {
			log.Printf("⚠️ failed to publish decision %s: %v", ev.DecisionID, err)
		}
	}
}

func subjectFor(wf models.Workflow) models.Subject {
	s := models.Subject{
		SubjectType: "user",
		SubjectID:   wf.WorkflowID,
		Action:      "onboarding",
	}
	if v := wf.Meta["subject_type"]; v != "" {
		s.SubjectType = v
	}
	if v := wf.Meta["subject_id"]; v != "" {
		s.SubjectID = v
	}
	if v := wf.Meta["action"]; v != "" {
		s.Action = v
	}
	return s
}

func correlationFor(cause envelope.Event) string {
	if cause.CorrelationID != "" {
		return cause.CorrelationID
	}
	// Deterministic fallback keeps replayed records identical.
	return "corr_" + cause.EventID
}
