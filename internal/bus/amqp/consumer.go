// Package amqp consumes bus messages from a RabbitMQ topic exchange.
package amqp

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/jeremycline/fedora-notifications/errs"
	"github.com/jeremycline/fedora-notifications/internal/config"
	"github.com/jeremycline/fedora-notifications/internal/observability"
	"github.com/jeremycline/fedora-notifications/internal/schema"
)

const component = "bus"

// Delivery is one consumed bus message together with its broker
// acknowledgement handles. Exactly one of Ack or Nack must be called, once.
type Delivery struct {
	Message schema.BusMessage

	ack  func() error
	nack func(requeue bool) error
}

// NewDelivery pairs a bus message with its acknowledgement handles.
func NewDelivery(msg schema.BusMessage, ack func() error, nack func(requeue bool) error) Delivery {
	return Delivery{Message: msg, ack: ack, nack: nack}
}

// Ack acknowledges the message to the broker.
func (d Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// Nack returns the message to the broker, requeueing it when requested.
func (d Delivery) Nack(requeue bool) error {
	if d.nack == nil {
		return nil
	}
	return d.nack(requeue)
}

// Consumer owns the broker connection and republishes consumed messages on
// its Deliveries channel. The unacknowledged message window is bounded by
// the configured prefetch.
type Consumer struct {
	cfg        config.AMQPConfig
	deliveries chan Delivery
}

// NewConsumer builds a consumer from configuration. Run must be started for
// deliveries to flow.
func NewConsumer(cfg config.AMQPConfig) *Consumer {
	return &Consumer{
		cfg:        cfg,
		deliveries: make(chan Delivery),
	}
}

// Deliveries returns the stream of consumed messages.
func (c *Consumer) Deliveries() <-chan Delivery {
	return c.deliveries
}

// Run connects to the broker and consumes until ctx is cancelled,
// reconnecting with exponential backoff on connection loss. Protocol errors
// such as a misconfigured exchange are returned instead of retried.
func (c *Consumer) Run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = c.cfg.ReconnectMaxInterval

	for {
		err := c.consumeOnce(ctx, policy)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errs.IsBusProtocol(err) {
			return err
		}

		wait := policy.NextBackOff()
		observability.Log().Warn("broker connection lost",
			observability.Err(err),
			observability.String("retry_in", wait.String()))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (c *Consumer) consumeOnce(ctx context.Context, policy *backoff.ExponentialBackOff) error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return classify("dial broker", err)
	}
	defer func() { _ = conn.Close() }()

	channel, err := conn.Channel()
	if err != nil {
		return classify("open channel", err)
	}

	messages, err := c.setup(channel)
	if err != nil {
		return err
	}
	policy.Reset()
	observability.Log().Info("consuming bus messages",
		observability.String("queue", c.cfg.Queue),
		observability.String("exchange", c.cfg.Exchange),
		observability.Int("prefetch", c.cfg.Prefetch))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-messages:
			if !ok {
				return errs.New(component, errs.CodeTransient,
					errs.WithMessage("delivery stream closed"))
			}
			delivery := wrap(raw)
			select {
			case c.deliveries <- delivery:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (c *Consumer) setup(channel *amqp.Channel) (<-chan amqp.Delivery, error) {
	// amq.* exchanges are broker-owned and must not be redeclared.
	if !strings.HasPrefix(c.cfg.Exchange, "amq.") {
		if err := channel.ExchangeDeclare(c.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
			return nil, classify("declare exchange", err)
		}
	}
	if _, err := channel.QueueDeclare(c.cfg.Queue, true, false, false, false, nil); err != nil {
		return nil, classify("declare queue", err)
	}
	for _, key := range c.cfg.BindingKeys {
		if err := channel.QueueBind(c.cfg.Queue, key, c.cfg.Exchange, false, nil); err != nil {
			return nil, classify("bind queue", err)
		}
	}
	if err := channel.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return nil, classify("set qos", err)
	}

	messages, err := channel.Consume(c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, classify("start consume", err)
	}
	return messages, nil
}

// wrap converts a broker delivery into the internal representation. A
// missing message id is replaced with a digest of routing key and body so
// redeliveries still map to the same id.
func wrap(raw amqp.Delivery) Delivery {
	id := strings.TrimSpace(raw.MessageId)
	if id == "" {
		seed := append([]byte(raw.RoutingKey+"\x00"), raw.Body...)
		id = uuid.NewSHA1(uuid.NameSpaceOID, seed).String()
	}

	headers := make(map[string]any, len(raw.Headers))
	for key, value := range raw.Headers {
		headers[key] = value
	}

	return Delivery{
		Message: schema.BusMessage{
			ID:       id,
			Topic:    raw.RoutingKey,
			Headers:  headers,
			Body:     raw.Body,
			Received: time.Now().UTC(),
		},
		ack:  func() error { return raw.Ack(false) },
		nack: func(requeue bool) error { return raw.Nack(false, requeue) },
	}
}

// classify separates configuration mistakes, which reconnecting cannot fix,
// from connection trouble.
func classify(op string, err error) error {
	code := errs.CodeTransient
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		switch amqpErr.Code {
		case amqp.AccessRefused, amqp.NotAllowed, amqp.PreconditionFailed, amqp.NotImplemented:
			code = errs.CodeBusProtocol
		}
	}
	return errs.New(component, code, errs.WithMessage(op), errs.WithCause(err))
}
