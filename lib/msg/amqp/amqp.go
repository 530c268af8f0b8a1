// Package amqp implements the message broker interface for AMQP compliant brokers (ie RabbitMQ)
package amqp

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"

	"github.com/fanengagement/chainadp/lib/msg"
	"github.com/fanengagement/chainadp/lib/msg/types"
)

// Amqp implements a connection to a broker and a channel for reuse.
type Amqp struct {
	conn *amqp.Connection
	mu   sync.Mutex // guards ch, publishing is not safe for concurrent use
	ch   *amqp.Channel
	log  zerolog.Logger
}

var _ msg.MsgBroker = (*Amqp)(nil)

// New instantiates a new amqp broker.
func New(uri string, log zerolog.Logger) (*Amqp, error) {
	r := Amqp{log: log.With().Str("component", "amqp").Logger()}

	var err error
	if r.conn, err = amqp.Dial(uri); err != nil {
		return nil, err
	}

	r.log.Info().Msg("connected to message broker")

	return &r, nil
}

// Setup obtains an amqp channel and declares the message broker exchanges:
//
// - ge ("governance events"): the core platform publishes domain events to this exchange
//
// - ra ("reconciliation alerts"): the syncer publishes discrepancy alerts to this exchange
func (r *Amqp) Setup() error {
	// obtain a one-use channel
	channel, err := r.conn.Channel()
	if err != nil {
		return err
	}
	defer channel.Close()

	if err = channel.ExchangeDeclare(msg.ExchangeEvents, "topic", true, false, false, false, nil); err != nil {
		return err
	}

	return channel.ExchangeDeclare(msg.ExchangeAlerts, "topic", true, false, false, false, nil)
}

// Close terminates gracefully the connection to the AMQP message broker
func (r *Amqp) Close() error {
	r.mu.Lock()
	if r.ch != nil {
		if err := r.ch.Close(); err != nil {
			r.log.Error().Err(err).Msg("error closing amqp channel")
		}

		r.ch = nil
	}
	r.mu.Unlock()

	return r.conn.Close()
}

func (r *Amqp) publish(exchange, key, header string, v interface{}) error {
	jsonDoc, err := json.Marshal(v)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// obtain channel if not present
	if r.ch == nil {
		if r.ch, err = r.conn.Channel(); err != nil {
			return err
		}
	}

	m := amqp.Publishing{
		Headers:      amqp.Table{"x-name": header},
		Body:         jsonDoc,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
	}

	if err = r.ch.Publish(exchange, key, false, false, m); err != nil {
		// force a new channel on the next publish
		_ = r.ch.Close()
		r.ch = nil
	}

	return err
}

// SendEvent publishes a domain event to the "ge" exchange with routing key <orgId>.<eventType>.
func (r *Amqp) SendEvent(e types.DomainEvent) error {
	err := r.publish(msg.ExchangeEvents, e.RoutingKey(), e.IdempotencyKey, e)
	if err != nil {
		r.log.Error().Err(err).Str("org", e.OrgID).Str("key", e.IdempotencyKey).Msg("error sending event")
	}

	return err
}

// SendAlert publishes a discrepancy alert to the "ra" exchange with routing key <orgId>.<severity>.<kind>.
func (r *Amqp) SendAlert(a types.Alert) error {
	err := r.publish(msg.ExchangeAlerts, a.OrgID+"."+a.Severity+"."+a.Kind, a.DiscrepancyID, a)
	if err != nil {
		r.log.Error().Err(err).Str("org", a.OrgID).Str("discrepancy", a.DiscrepancyID).Msg("error sending alert")
	}

	return err
}

// GetEvents consumes domain events from the "ge" exchange into a durable queue named after the service, pushing them
// to the returned channel. The Mutex pointer is provided to ensure the consumed message has been fully dealt with by
// the management function, so the message consumed is only acknowledged when the mutex is unlocked.
func (r *Amqp) GetEvents(service string, mut *sync.Mutex) (<-chan types.DomainEvent, <-chan error, error) {
	// consumers get their own channel so that a publish failure does not cancel deliveries
	ch, err := r.conn.Channel()
	if err != nil {
		return nil, nil, err
	}

	queue := msg.ExchangeEvents + "." + service
	if _, err = ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, nil, err
	}
	// bind queue to exchange for every organization and event
	if err = ch.QueueBind(queue, "#", msg.ExchangeEvents, false, nil); err != nil {
		return nil, nil, err
	}
	// one unacknowledged message at a time
	if err = ch.Qos(1, 0, false); err != nil {
		return nil, nil, err
	}

	msgs, err := ch.Consume(queue, service, false, false, false, false, nil)
	if err != nil {
		return nil, nil, err
	}

	eves := make(chan types.DomainEvent)
	errs := make(chan error)
	// start routine to consume messages from broker
	go func() {
		defer close(eves)
		defer ch.Close()

		for m := range msgs {
			var e types.DomainEvent
			if err := json.Unmarshal(m.Body, &e); err != nil {
				errs <- err
				// a malformed message will never decode, drop it
				_ = m.Nack(false, false)

				continue
			}

			eves <- e
			mut.Lock() // wait for the syncer to finish processing the event
			_ = m.Ack(false)
		}
	}()

	return eves, errs, nil
}
