// internal/dispatch/processor.go

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/TuringDynamics3000/TuringMachines/internal/authority"
	"github.com/TuringDynamics3000/TuringMachines/internal/envelope"
	"github.com/TuringDynamics3000/TuringMachines/internal/models"
	"github.com/TuringDynamics3000/TuringMachines/internal/policy"
	"github.com/TuringDynamics3000/TuringMachines/internal/risk"
	"github.com/TuringDynamics3000/TuringMachines/internal/statemachine"
	"github.com/TuringDynamics3000/TuringMachines/store"
)

// staleRetryBound is how many times in total a handler runs the
// load/mutate cycle before giving up on lost optimistic writes. With the serializer in front
// this should never trip; the bound is the safety net.
const staleRetryBound = 3

// ErrRiskRetained is returned instead of finalising when the operator
// chose event retention over a review fallback for transient risk
// failures. Retriable, so the serializer re-runs the event later.
var ErrRiskRetained = errors.New("risk transiently unavailable, event retained for retry")

// ProcessorOptions tune the handler.
type ProcessorOptions struct {
	// DefaultJurisdiction picks the policy pack when a workflow carries
	// no jurisdiction hint.
	DefaultJurisdiction string

	// RiskWallBudget caps the total time spent inside the risk client,
	// strictly below the handler deadline so finalisation always has
	// room. Zero means 2/3 of whatever deadline the context carries.
	RiskWallBudget time.Duration

	// RetainOnRiskTransient switches the transient-exhausted policy from
	// "finalise as review" to "keep the event queued for later retry".
	RetainOnRiskTransient bool
}

// Processor is the per-event handler the serializer runs. It owns the
// read-transition-write cycle; the authority owns finalisation.
type Processor struct {
	store  store.WorkflowStore
	risk   risk.Evaluator
	auth   *authority.Authority
	policy *policy.Loader
	opts   ProcessorOptions
}

func NewProcessor(st store.WorkflowStore, rk risk.Evaluator, auth *authority.Authority, pl *policy.Loader, opts ProcessorOptions) *Processor {
	if opts.DefaultJurisdiction == "" {
		opts.DefaultJurisdiction = "AU"
	}
	return &Processor{store: st, risk: rk, auth: auth, policy: pl, opts: opts}
}

// Handle processes one event under the per-workflow lock.
func (p *Processor) Handle(ctx context.Context, ev envelope.Event) error {
	var lastErr error
	for attempt := 0; attempt < staleRetryBound; attempt++ {
		err := p.handleOnce(ctx, ev)
		if err == nil {
			return nil
		}
		if errors.Is(err, store.ErrStaleVersion) {
			lastErr = err
			continue
		}
		return err
	}
	return fmt.Errorf("gave up after %d attempts lost to stale versions: %w", staleRetryBound, lastErr)
}

func (p *Processor) handleOnce(ctx context.Context, ev envelope.Event) error {
	wf, _, err := p.store.Load(ctx, ev.WorkflowID)
	if err != nil {
		return err
	}
	pack, err := p.packFor(wf)
	if err != nil {
		return err
	}

	res, err := statemachine.Transition(wf, ev, pack.SignalsComplete)
	if err != nil {
		// InvalidOverrideTarget and friends: terminal, the event stays
		// recorded, no decision is emitted.
		log.Printf("event %s rejected for workflow %s: %v", ev.EventID, ev.WorkflowID, err)
		return err
	}
	if res.Noop {
		log.Printf("event %s is a no-op for workflow %s: %s", ev.EventID, ev.WorkflowID, res.NoopReason)
		return nil
	}

	wf, err = p.applyResult(ctx, wf, res)
	if err != nil {
		return err
	}
	log.Printf("workflow %s → %s (event %s)", wf.WorkflowID, wf.State, ev.EventType)

	for _, eff := range res.Effects {
		if eff == statemachine.EffectEmitOverrideDecision {
			if err := p.finaliseOverride(ctx, wf, ev, pack); err != nil {
				return err
			}
		}
	}

	if res.SignalsNowComplete {
		return p.runRiskAndFinalise(ctx, wf, ev, pack)
	}

	if wf.State == models.StateRiskEvaluated && wf.CurrentDecisionID == "" {
		// A previous attempt was interrupted between invoking risk and
		// finalising. Resume here so no workflow is ever stranded
		// without a resolution.
		log.Printf("workflow %s stranded in %s, resuming finalisation", wf.WorkflowID, wf.State)
		return p.evaluateAndFinalise(ctx, wf, ev, pack)
	}
	return nil
}

// runRiskAndFinalise drives the internal tail of the state machine:
// signals.complete → risk_evaluated → risk.returned → finalised. The
// internal events are synthesized here, deterministically derived from
// the external cause, and recorded like any other event.
func (p *Processor) runRiskAndFinalise(ctx context.Context, wf models.Workflow, cause envelope.Event, pack policy.Pack) error {
	scEv := envelope.NewInternal(envelope.EventSignalsComplete, cause)
	res, err := statemachine.Transition(wf, scEv, pack.SignalsComplete)
	if err != nil {
		return err
	}
	if res.Noop {
		// Risk already triggered once for this workflow; nothing to do.
		return nil
	}
	if _, err := p.store.RecordEvent(ctx, scEv); err != nil {
		return err
	}
	wf, err = p.applyResult(ctx, wf, res)
	if err != nil {
		return err
	}
	log.Printf("workflow %s → %s (required signals present)", wf.WorkflowID, wf.State)

	return p.evaluateAndFinalise(ctx, wf, cause, pack)
}

// evaluateAndFinalise is the tail of the pipeline: call risk, synthesize
// risk.returned, hand the result to the authority.
func (p *Processor) evaluateAndFinalise(ctx context.Context, wf models.Workflow, cause envelope.Event, pack policy.Pack) error {
	// Inner risk budget, strictly below the handler deadline so
	// finalisation always has room.
	riskCtx, cancel := context.WithTimeout(ctx, p.riskBudget(ctx))
	riskRes, riskErr := p.risk.Evaluate(riskCtx, risk.Snapshot{
		WorkflowID:   wf.WorkflowID,
		TenantID:     wf.TenantID,
		Jurisdiction: pack.Jurisdiction,
		Signals:      wf.Signals,
	})
	cancel()

	if riskErr != nil && !errors.Is(riskErr, risk.ErrPermanent) && p.opts.RetainOnRiskTransient {
		// Operator chose retention: surface a retriable error and leave
		// the workflow in risk_evaluated for the retry.
		return fmt.Errorf("%w: %v", ErrRiskRetained, riskErr)
	}

	rrEv := envelope.NewInternal(envelope.EventRiskReturned, cause)
	rrEv.Risk = &envelope.RiskReturnedPayload{Band: riskRes.Band, Score: riskRes.Score}
	res, err := statemachine.Transition(wf, rrEv, pack.SignalsComplete)
	if err != nil {
		return err
	}
	if res.Noop {
		return nil
	}
	if _, err := p.store.RecordEvent(ctx, rrEv); err != nil {
		return err
	}

	// EffectEmitDecision: the authority appends (moving the workflow to
	// finalised) and publishes. The decision hashes on the external
	// cause event, so re-delivery of that event cannot double-emit.
	dec, err := p.auth.Finalise(ctx, wf, cause, riskRes, riskErr, pack, nil)
	if err != nil {
		return err
	}
	log.Printf("workflow %s finalised: %s (decision %s)", wf.WorkflowID, dec.Outcome, dec.DecisionID)
	return nil
}

func (p *Processor) finaliseOverride(ctx context.Context, wf models.Workflow, ev envelope.Event, pack policy.Pack) error {
	outcome, ok := models.ParseOutcome(ev.Override.NewOutcome)
	if !ok {
		return fmt.Errorf("override carries unknown outcome %q", ev.Override.NewOutcome)
	}
	dec, err := p.auth.Finalise(ctx, wf, ev, risk.Result{}, nil, pack, &authority.OverrideContext{
		NewOutcome: outcome,
		Reason:     ev.Override.Reason,
		ActorID:    ev.Override.AuthorizedBy,
	})
	if err != nil {
		return err
	}
	log.Printf("workflow %s override by %s: %s supersedes %s", wf.WorkflowID, ev.Override.AuthorizedBy, dec.DecisionID, dec.SupersedesDecisionID)
	return nil
}

func (p *Processor) applyResult(ctx context.Context, wf models.Workflow, res statemachine.Result) (models.Workflow, error) {
	return p.store.Apply(ctx, wf.WorkflowID, wf.Version, func(w *models.Workflow) {
		w.State = res.NewState
		for k, v := range res.SignalUpdates {
			w.Signals[k] = v
		}
		for k, v := range res.MetaUpdates {
			w.Meta[k] = v
		}
	})
}

func (p *Processor) packFor(wf models.Workflow) (policy.Pack, error) {
	jurisdiction := wf.Meta["jurisdiction"]
	if jurisdiction == "" {
		jurisdiction = p.opts.DefaultJurisdiction
	}
	return p.policy.Get(jurisdiction, "latest")
}

func (p *Processor) riskBudget(ctx context.Context) time.Duration {
	if p.opts.RiskWallBudget > 0 {
		return p.opts.RiskWallBudget
	}
	if deadline, ok := ctx.Deadline(); ok {
		return time.Until(deadline) * 2 / 3
	}
	return 10 * time.Second
}

// IsRetriable classifies handler errors for the serializer: transient
// infrastructure trouble earns another attempt, everything else is
// terminal for this event.
func IsRetriable(err error) bool {
	return errors.Is(err, store.ErrStoreUnavailable) ||
		errors.Is(err, store.ErrStaleVersion) ||
		errors.Is(err, ErrRiskRetained) ||
		errors.Is(err, context.DeadlineExceeded)
}
