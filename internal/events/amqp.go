package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/streadway/amqp"

	"github.com/whatsapp-automation/dispatcher/internal/observability"
)

// AMQPPublisher forwards events to a topic exchange so the dashboard's
// websocket tier can relay them. Publish only enqueues; Run drains.
type AMQPPublisher struct {
	url      string
	exchange string
	log      zerolog.Logger
	queue    chan Event

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewAMQPPublisher(url, exchange string, buffer int, log zerolog.Logger) *AMQPPublisher {
	if buffer <= 0 {
		buffer = 1024
	}
	return &AMQPPublisher{
		url:      url,
		exchange: exchange,
		log:      log,
		queue:    make(chan Event, buffer),
	}
}

// RoutingKey is user.<user id>.<event name>.
func RoutingKey(ev Event) string {
	return fmt.Sprintf("user.%s.%s", ev.UserID, ev.Name)
}

// Connect dials the broker and declares the exchange, retrying with
// exponential backoff until ctx ends or the attempts run out.
func (p *AMQPPublisher) Connect(ctx context.Context) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, p.dial()
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(5))
	return err
}

func (p *AMQPPublisher) dial() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("amqp exchange declare: %w", err)
	}

	p.mu.Lock()
	old := p.conn
	p.conn, p.ch = conn, ch
	p.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

func (p *AMQPPublisher) Publish(_ context.Context, ev Event) {
	select {
	case p.queue <- ev:
	default:
		observability.Events.WithLabelValues("amqp", "dropped").Inc()
		p.log.Warn().Str("event", string(ev.Name)).Msg("amqp queue full, event dropped")
	}
}

// Run publishes queued events until ctx is done.
func (p *AMQPPublisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.queue:
			err := p.send(ev)
			if err != nil {
				p.log.Warn().Err(err).Msg("amqp publish failed, redialing")
				if derr := p.Connect(ctx); derr == nil {
					err = p.send(ev)
				}
			}
			if err != nil {
				observability.Events.WithLabelValues("amqp", "error").Inc()
				p.log.Error().Err(err).Str("event", string(ev.Name)).Msg("event not delivered to broker")
				continue
			}
			observability.Events.WithLabelValues("amqp", "ok").Inc()
		}
	}
}

var errNotConnected = errors.New("amqp: not connected")

func (p *AMQPPublisher) send(ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	p.mu.Lock()
	ch := p.ch
	p.mu.Unlock()
	if ch == nil {
		return errNotConnected
	}
	return ch.Publish(p.exchange, RoutingKey(ev), false, false, amqp.Publishing{
		ContentType:  "application/json",
		MessageId:    ev.ID,
		Type:         string(ev.Name),
		Timestamp:    ev.At,
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn, p.ch = nil, nil
	return err
}

// pending is used by tests and the shutdown path to see what is left.
func (p *AMQPPublisher) pending() int { return len(p.queue) }

// Drain waits up to timeout for the queue to empty.
func (p *AMQPPublisher) Drain(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for p.pending() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
}
