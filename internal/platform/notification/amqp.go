package notification

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// confirmWaiter is the broker's answer to one published message.
// *amqp.DeferredConfirmation satisfies it.
type confirmWaiter interface {
	WaitContext(ctx context.Context) (bool, error)
}

type publishFunc func(ctx context.Context, queue string, msg amqp.Publishing) (confirmWaiter, error)

// AMQPPublisher publishes events to a durable RabbitMQ queue and waits for
// the broker to confirm each message. Every confirmation is tied to the
// delivery tag of its own message.
type AMQPPublisher struct {
	conn    *amqp.Connection
	ch      *amqp.Channel
	queue   string
	publish publishFunc
}

// NewAMQPPublisher dials the broker, declares the queue and enables
// publisher confirms.
func NewAMQPPublisher(amqpURL, queue string) (*AMQPPublisher, error) {
	if queue == "" {
		queue = "appointments"
	}

	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}

	if _, err := ch.QueueDeclare(
		queue, // name
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,   // args
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}

	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}

	return &AMQPPublisher{
		conn:    conn,
		ch:      ch,
		queue:   queue,
		publish: channelPublisher(ch),
	}, nil
}

func channelPublisher(ch *amqp.Channel) publishFunc {
	return func(ctx context.Context, queue string, msg amqp.Publishing) (confirmWaiter, error) {
		dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, msg)
		if err != nil {
			return nil, err
		}
		if dc == nil {
			return nil, errors.New("amqp channel is not in confirm mode")
		}
		return dc, nil
	}
}

func (p *AMQPPublisher) Publish(ctx context.Context, event *Event) error {
	body, err := event.encode()
	if err != nil {
		return err
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		MessageId:    event.ID,
		Type:         event.Type,
		Timestamp:    event.OccurredAt,
		Body:         body,
		DeliveryMode: amqp.Persistent,
	}

	confirm, err := p.publish(ctx, p.queue, msg)
	if err != nil {
		return fmt.Errorf("publish %s to queue %s: %w", event.Type, p.queue, err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("await confirm for %s: %w", event.Type, err)
	}
	if !acked {
		return fmt.Errorf("broker did not confirm %s on queue %s", event.Type, p.queue)
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	if err := p.ch.Close(); err != nil {
		p.conn.Close()
		return err
	}
	return p.conn.Close()
}
