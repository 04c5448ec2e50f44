// internal/envelope/envelope.go

package envelope

import (
	"encoding/json"
	"time"
)

// EventType discriminates the enumerated event kinds the orchestrator
// understands. Anything else is rejected at the door.
type EventType string

const (
	EventSelfieUploaded   EventType = "selfie.uploaded"
	EventDocumentUploaded EventType = "document.uploaded"
	EventMatchCompleted   EventType = "match.completed"
	EventOverrideApplied  EventType = "override.applied"

	// Internal kinds. These are produced by the orchestrator itself and
	// must never be accepted from the outside.
	EventSignalsComplete EventType = "signals.complete"
	EventRiskReturned    EventType = "risk.returned"
)

// Event is the validated, typed form every downstream component consumes.
// Events are immutable once built.
type Event struct {
	EventID       string
	EventType     EventType
	WorkflowID    string
	TenantID      string
	CorrelationID string
	Timestamp     time.Time

	// At most one of these is non-nil, matching EventType. The validator
	// guarantees exactly one for external kinds so the state machine can
	// switch exhaustively; internal signals.complete events carry none.
	Selfie   *SelfiePayload
	Document *DocumentPayload
	Match    *MatchPayload
	Override *OverridePayload
	Risk     *RiskReturnedPayload
}

// SelfiePayload carries the liveness result from the capture service.
type SelfiePayload struct {
	LivenessScore float64 `json:"liveness_score"`
	Confidence    float64 `json:"confidence"`
	FaceCentered  bool    `json:"face_centered"`
	FaceSize      float64 `json:"face_size"`
}

// DocumentPayload carries the document submission facts.
type DocumentPayload struct {
	DocumentType string  `json:"document_type"`
	QualityScore float64 `json:"quality_score"`
}

// MatchPayload carries the face match result.
type MatchPayload struct {
	MatchScore float64  `json:"match_score"`
	ModelIDs   []string `json:"model_ids"`
}

// OverridePayload carries a human override instruction.
type OverridePayload struct {
	NewOutcome   string `json:"new_outcome"` // approve | review | decline
	Reason       string `json:"reason"`
	AuthorizedBy string `json:"authorized_by"`
}

// RiskReturnedPayload is the internal event produced when the risk
// service answered (or definitively failed). The full risk result rides
// alongside in the handler; the state machine only needs to know the
// evaluation concluded.
type RiskReturnedPayload struct {
	Band  string  `json:"band"`
	Score float64 `json:"score"`
}

// WireEvent is the raw envelope as it arrives over HTTP, before
// validation. Payload stays opaque until the type is known.
type WireEvent struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	WorkflowID    string          `json:"workflow_id"`
	TenantID      string          `json:"tenant_id"`
	CorrelationID string          `json:"correlation_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
}

// ToWire converts a validated event back into its wire form. Used when
// persisting the event log so a replay sees exactly what ingress saw.
func (e Event) ToWire() WireEvent {
	var payload any
	switch {
	case e.Selfie != nil:
		payload = e.Selfie
	case e.Document != nil:
		payload = e.Document
	case e.Match != nil:
		payload = e.Match
	case e.Override != nil:
		payload = e.Override
	case e.Risk != nil:
		payload = e.Risk
	}
	raw, _ := json.Marshal(payload)
	return WireEvent{
		EventID:       e.EventID,
		EventType:     string(e.EventType),
		WorkflowID:    e.WorkflowID,
		TenantID:      e.TenantID,
		CorrelationID: e.CorrelationID,
		Timestamp:     e.Timestamp,
		Payload:       raw,
	}
}

// NewInternal derives an internal event from the external event that
// caused it. The derived id is deterministic so replays produce the
// same internal chain.
func NewInternal(t EventType, cause Event) Event {
	return Event{
		EventID:       string(t) + ":" + cause.EventID,
		EventType:     t,
		WorkflowID:    cause.WorkflowID,
		TenantID:      cause.TenantID,
		CorrelationID: cause.CorrelationID,
		Timestamp:     cause.Timestamp,
	}
}
