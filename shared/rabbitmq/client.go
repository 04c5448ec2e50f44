package rabbitmq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

type RabbitmqClient struct {
	//conn is a tcp connection to rabbitmq server
	conn *amqp.Connection
	chn  *amqp.Channel
}

func NewClient(url string) (*RabbitmqClient, error) {
	//Dial the server
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	//Open a channel. This opens a logical session inside the connection.
	chn, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel")
	}

	return &RabbitmqClient{
		conn: conn,
		chn:  chn,
	}, nil
}

// Close cleans up
func (r *RabbitmqClient) Close() error {
	if err := r.chn.Close(); err != nil {
		return err
	}
	if err := r.conn.Close(); err != nil {
		return err
	}
	return nil
}

// CreateQueue prepares a durable queue to hold messages
func (r *RabbitmqClient) CreateQueue(queueName string) error {
	_, err := r.chn.QueueDeclare(
		queueName, //name of queue
		true,      //durable
		false,     //delete when unused
		false,     //exclusive
		false,     //no-wait
		nil,       //arguments
	)
	return err
}

// Publish sends a message to a specific queue
func (r *RabbitmqClient) Publish(ctx context.Context, queueName string, body []byte) error {
	return r.chn.PublishWithContext(
		ctx,
		"",        //exchange
		queueName, //routing key (queue name)
		false,     //mandatory
		false,     //immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent, // make message persistent
			Body:         body,            //actual data payload
		},
	)
}
