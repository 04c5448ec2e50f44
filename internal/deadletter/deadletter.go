// internal/deadletter/deadletter.go

// Package deadletter parks events that exhausted their handler retry
// budget onto a durable RabbitMQ queue, where operators can inspect and
// re-submit them. Parking is a last resort; retriable failures get their
// attempts first.
package deadletter

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/TuringDynamics3000/TuringMachines/internal/envelope"
	"github.com/TuringDynamics3000/TuringMachines/shared/rabbitmq"
)

const Queue = "decision_orchestrator_dead_letters"

// Sink is what the serializer depends on; tests inject fakes and a nil
// sink disables dead-lettering entirely.
type Sink interface {
	Park(ctx context.Context, ev envelope.Event, attempts int, cause string) error
}

// letter is the persisted dead-letter record.
type letter struct {
	Event    envelope.WireEvent `json:"event"`
	Attempts int                `json:"attempts"`
	Cause    string             `json:"cause"`
	ParkedAt time.Time          `json:"parked_at"`
}

// RabbitSink parks letters on the durable queue.
type RabbitSink struct {
	client *rabbitmq.RabbitmqClient
}

func NewRabbitSink(client *rabbitmq.RabbitmqClient) (*RabbitSink, error) {
	if err := client.CreateQueue(Queue); err != nil {
		return nil, err
	}
	return &RabbitSink{client: client}, nil
}

func (s *RabbitSink) Park(ctx context.Context, ev envelope.Event, attempts int, cause string) error {
	body, err := json.Marshal(letter{
		Event:    ev.ToWire(),
		Attempts: attempts,
		Cause:    cause,
		ParkedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := s.client.Publish(ctx, Queue, body); err != nil {
		return err
	}
	log.Printf("☠️ dead-lettered event %s (workflow %s) after %d attempts: %s", ev.EventID, ev.WorkflowID, attempts, cause)
	return nil
}
