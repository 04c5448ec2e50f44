// internal/envelope/validator.go

package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrMalformedEvent means a required envelope field is missing or a
	// payload does not match its declared type. 4xx-like, never retried.
	ErrMalformedEvent = errors.New("malformed event")

	// ErrUnknownEventType means the event_type is not in the enumerated
	// set, or is an internal kind submitted from outside.
	ErrUnknownEventType = errors.New("unknown event type")
)

// Validate turns a raw wire envelope into a well-typed Event.
//
// Guarantees on success:
//   - all required envelope fields are present and trimmed
//   - timestamps are normalised to UTC
//   - the payload decoded cleanly against the schema for its type
//   - internal event kinds were rejected
//
// A missing event_id is assigned once, server-side.
func Validate(w WireEvent) (Event, error) {
	ev := Event{
		EventID:       strings.TrimSpace(w.EventID),
		WorkflowID:    strings.TrimSpace(w.WorkflowID),
		TenantID:      strings.TrimSpace(w.TenantID),
		CorrelationID: strings.TrimSpace(w.CorrelationID),
	}

	if ev.EventID == "" {
		// Server-assigned-once: the caller gets it back in the ack and can
		// use it for retries from then on.
		ev.EventID = "evt_" + uuid.NewString()
	}
	if ev.WorkflowID == "" {
		return Event{}, fmt.Errorf("%w: missing workflow_id", ErrMalformedEvent)
	}
	if ev.TenantID == "" {
		return Event{}, fmt.Errorf("%w: missing tenant_id", ErrMalformedEvent)
	}
	if strings.TrimSpace(w.EventType) == "" {
		return Event{}, fmt.Errorf("%w: missing event_type", ErrMalformedEvent)
	}
	if w.Timestamp.IsZero() {
		return Event{}, fmt.Errorf("%w: missing timestamp", ErrMalformedEvent)
	}
	ev.Timestamp = w.Timestamp.UTC()

	t := EventType(strings.TrimSpace(w.EventType))
	ev.EventType = t

	switch t {
	case EventSelfieUploaded:
		p := &SelfiePayload{}
		if err := decodePayload(w.Payload, p); err != nil {
			return Event{}, err
		}
		ev.Selfie = p

	case EventDocumentUploaded:
		p := &DocumentPayload{}
		if err := decodePayload(w.Payload, p); err != nil {
			return Event{}, err
		}
		ev.Document = p

	case EventMatchCompleted:
		p := &MatchPayload{}
		if err := decodePayload(w.Payload, p); err != nil {
			return Event{}, err
		}
		ev.Match = p

	case EventOverrideApplied:
		p := &OverridePayload{}
		if err := decodePayload(w.Payload, p); err != nil {
			return Event{}, err
		}
		p.AuthorizedBy = strings.TrimSpace(p.AuthorizedBy)
		p.NewOutcome = strings.TrimSpace(p.NewOutcome)
		if p.Reason == "" {
			return Event{}, fmt.Errorf("%w: override requires a non-empty reason", ErrMalformedEvent)
		}
		if p.AuthorizedBy == "" {
			return Event{}, fmt.Errorf("%w: override requires authorized_by", ErrMalformedEvent)
		}
		switch p.NewOutcome {
		case "approve", "review", "decline":
		default:
			return Event{}, fmt.Errorf("%w: override new_outcome must be approve, review or decline", ErrMalformedEvent)
		}
		ev.Override = p

	case EventSignalsComplete, EventRiskReturned:
		// Internal kinds are never accepted from outside.
		return Event{}, fmt.Errorf("%w: %s is internal", ErrUnknownEventType, t)

	default:
		return Event{}, fmt.Errorf("%w: %s", ErrUnknownEventType, t)
	}

	return ev, nil
}

// FromStored rebuilds a typed event from its persisted wire form. Stored
// events already passed validation once, but replay must go through the
// same decoding so the two paths cannot drift.
func FromStored(w WireEvent) (Event, error) {
	return Validate(w)
}

func decodePayload(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing payload", ErrMalformedEvent)
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return nil
}
