// internal/dispatch/dispatcher.go

// Package dispatch is the ingress: it validates envelopes, claims the
// event id for idempotency, makes sure the workflow exists, and hands
// the event to the per-workflow serializer. The ack means "accepted for
// processing", not "processed" — callers wanting the outcome read the
// query API or the outbound log.
package dispatch

import (
	"context"
	"errors"
	"log"

	"github.com/TuringDynamics3000/TuringMachines/internal/envelope"
	"github.com/TuringDynamics3000/TuringMachines/internal/serializer"
	"github.com/TuringDynamics3000/TuringMachines/store"
)

// AckStatus is the closed set of ingress responses.
type AckStatus string

const (
	AckAccepted     AckStatus = "accepted"
	AckDuplicate    AckStatus = "duplicate"
	AckBackpressure AckStatus = "backpressure"
	AckInvalid      AckStatus = "invalid"
)

// Ack is what the caller gets back from Ingest.
type Ack struct {
	Status  AckStatus `json:"status"`
	EventID string    `json:"event_id,omitempty"`
	Reason  string    `json:"reason,omitempty"`
}

// Retriable reports whether the caller should retry this ack.
func (a Ack) Retriable() bool { return a.Status == AckBackpressure }

// Enqueuer is the serializer-facing dependency; tests swap it out.
type Enqueuer interface {
	Enqueue(ev envelope.Event) error
}

// Dispatcher is the ingress pipeline.
type Dispatcher struct {
	store store.WorkflowStore
	queue Enqueuer
}

func NewDispatcher(st store.WorkflowStore, queue Enqueuer) *Dispatcher {
	return &Dispatcher{store: st, queue: queue}
}

// Ingest runs the ingress steps in order: validate, claim the event id,
// ensure the workflow exists, enqueue.
func (d *Dispatcher) Ingest(ctx context.Context, w envelope.WireEvent) (Ack, error) {
	ev, err := envelope.Validate(w)
	if err != nil {
		return Ack{Status: AckInvalid, EventID: w.EventID, Reason: err.Error()}, nil
	}

	// Claiming the event id is the dedupe: exactly one delivery records
	// it as new, every other delivery is acknowledged and dropped here.
	isNew, err := d.store.RecordEvent(ctx, ev)
	if err != nil {
		return Ack{}, err
	}
	if !isNew {
		return Ack{Status: AckDuplicate, EventID: ev.EventID}, nil
	}

	if _, err := d.store.CreateIfAbsent(ctx, ev.WorkflowID, ev.TenantID); err != nil {
		return Ack{}, err
	}

	if err := d.queue.Enqueue(ev); err != nil {
		if errors.Is(err, serializer.ErrBackpressure) {
			log.Printf("⚠️ backpressure on workflow %s, event %s bounced", ev.WorkflowID, ev.EventID)
			return Ack{Status: AckBackpressure, EventID: ev.EventID, Reason: "per-workflow queue full, retry later"}, nil
		}
		return Ack{}, err
	}

	return Ack{Status: AckAccepted, EventID: ev.EventID}, nil
}

// Replay re-ingests a stored event log through the normal pipeline.
// Stored events pass the same validation ingress uses, so replay and
// live processing cannot drift apart.
func (d *Dispatcher) Replay(ctx context.Context, events []envelope.WireEvent) error {
	for _, w := range events {
		t := envelope.EventType(w.EventType)
		if t == envelope.EventSignalsComplete || t == envelope.EventRiskReturned {
			// Internal events are re-derived during replay, never fed in.
			continue
		}
		if _, err := d.Ingest(ctx, w); err != nil {
			return err
		}
	}
	return nil
}
