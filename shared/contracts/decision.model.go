// shared/contracts/decision.model.go
package contracts

import (
	"time"

	"github.com/TuringDynamics3000/TuringMachines/internal/models"
)

// DecisionFinalised is the single authoritative outbound event. Consumers
// (settlement guard, audit projections) treat it as truth and dedupe on
// decision_id; publication is at-least-once.
type DecisionFinalised struct {
	EventType string `json:"event_type"` // always "decision.finalised"

	DecisionID    string    `json:"decision_id"`
	WorkflowID    string    `json:"workflow_id"`
	TenantID      string    `json:"tenant_id"`
	CorrelationID string    `json:"correlation_id"`
	Timestamp     time.Time `json:"timestamp"`

	Outcome       string   `json:"outcome"`
	Confidence    float64  `json:"confidence"`
	RequiresHuman bool     `json:"requires_human"`
	CanProceed    bool     `json:"can_proceed"`
	ReasonCodes   []string `json:"reason_codes"`

	RiskSummary models.RiskSummary `json:"risk_summary"`
	Policy      models.PolicyRef   `json:"policy"`
	Authority   models.Authority   `json:"authority"`
	Subject     models.Subject     `json:"subject"`

	Lineage Lineage `json:"lineage"`
}

// Lineage links overrides to the decisions they replaced.
type Lineage struct {
	SupersedesDecisionID string `json:"supersedes_decision_id,omitempty"`
}

// FromDecision builds the wire event from a stored decision record.
func FromDecision(d models.Decision) DecisionFinalised {
	reasons := d.ReasonCodes
	if reasons == nil {
		reasons = []string{}
	}
	return DecisionFinalised{
		EventType:     "decision.finalised",
		DecisionID:    d.DecisionID,
		WorkflowID:    d.WorkflowID,
		TenantID:      d.TenantID,
		CorrelationID: d.CorrelationID,
		Timestamp:     d.Timestamp,
		Outcome:       string(d.Outcome),
		Confidence:    d.Confidence,
		RequiresHuman: d.RequiresHuman,
		CanProceed:    d.CanProceed,
		ReasonCodes:   reasons,
		RiskSummary:   d.RiskSummary,
		Policy:        d.Policy,
		Authority:     d.Authority,
		Subject:       d.Subject,
		Lineage:       Lineage{SupersedesDecisionID: d.SupersedesDecisionID},
	}
}
