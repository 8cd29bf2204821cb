package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"reminder-engine/internal/models"
)

// Event records one reminder status transition.
type Event struct {
	ReminderID string        `json:"reminder_id"`
	PatientID  int64         `json:"patient_id"`
	Type       string        `json:"reminder_type"`
	From       models.Status `json:"from,omitempty"`
	To         models.Status `json:"to"`
	RetryCount int           `json:"retry_count"`
	ExternalID string        `json:"external_message_id,omitempty"`
	Error      string        `json:"error,omitempty"`
	At         time.Time     `json:"at"`
}

// RoutingKey is "reminder.<status>", e.g. reminder.delivered.
func (e Event) RoutingKey() string {
	return "reminder." + string(e.To)
}

// NewEvent builds the event for r having moved from `from` to its current status.
func NewEvent(r models.Reminder, from models.Status, at time.Time) Event {
	e := Event{
		ReminderID: r.ID,
		PatientID:  r.PatientID,
		Type:       string(r.Type),
		From:       from,
		To:         r.Status,
		RetryCount: r.RetryCount,
		At:         at.UTC(),
	}
	if r.ExternalMessageID != nil {
		e.ExternalID = *r.ExternalMessageID
	}
	if r.ErrorMessage != nil {
		e.Error = *r.ErrorMessage
	}
	return e
}

// Publisher emits lifecycle events. Publishing is best effort: callers log
// errors and carry on.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// redialBackoff is the minimum wait between reconnect attempts after a failed dial.
const redialBackoff = 5 * time.Second

var (
	ErrPublisherClosed = errors.New("amqp publisher closed")
	errNotConnected    = errors.New("amqp broker not connected")
)

type publishChannel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// session is one broker connection and its publishing channel. closed fires
// (or is closed) when the connection goes away.
type session struct {
	ch     publishChannel
	conn   io.Closer
	closed <-chan *amqp.Error
}

func (s *session) shutdown() {
	_ = s.ch.Close()
	_ = s.conn.Close()
}

type dialFunc func() (*session, error)

// AMQPPublisher publishes events as JSON to a durable topic exchange. A dropped
// connection is redialled on the next publish, at most once per redialBackoff.
type AMQPPublisher struct {
	mu       sync.Mutex
	dial     dialFunc
	sess     *session
	exchange string
	nextDial time.Time
	closed   bool
	now      func() time.Time
}

// NewAMQPPublisher connects to the broker and declares the exchange. The first
// dial must succeed.
func NewAMQPPublisher(url, exchange string) (*AMQPPublisher, error) {
	return newAMQPPublisher(func() (*session, error) { return dialAMQP(url, exchange) }, exchange)
}

func newAMQPPublisher(dial dialFunc, exchange string) (*AMQPPublisher, error) {
	sess, err := dial()
	if err != nil {
		return nil, err
	}
	return &AMQPPublisher{dial: dial, sess: sess, exchange: exchange, now: time.Now}, nil
}

func dialAMQP(url, exchange string) (*session, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	return &session{ch: ch, conn: conn, closed: closed}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	// amqp channels are not safe for concurrent publishes.
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connected(); err != nil {
		return fmt.Errorf("publish %s: %w", e.RoutingKey(), err)
	}
	err = p.sess.ch.Publish(p.exchange, e.RoutingKey(), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    e.ReminderID,
		Timestamp:    e.At,
		Body:         body,
	})
	if err != nil {
		p.drop()
		return fmt.Errorf("publish %s: %w", e.RoutingKey(), err)
	}
	return nil
}

// connected makes sure a live session exists, redialling when the previous
// connection was closed. Callers hold p.mu.
func (p *AMQPPublisher) connected() error {
	if p.closed {
		return ErrPublisherClosed
	}
	if p.sess != nil {
		select {
		case <-p.sess.closed:
			p.drop()
		default:
			return nil
		}
	}
	if p.now().Before(p.nextDial) {
		return errNotConnected
	}
	sess, err := p.dial()
	if err != nil {
		p.nextDial = p.now().Add(redialBackoff)
		return err
	}
	p.sess = sess
	return nil
}

func (p *AMQPPublisher) drop() {
	if p.sess != nil {
		p.sess.shutdown()
		p.sess = nil
	}
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.sess == nil {
		return nil
	}
	sess := p.sess
	p.sess = nil
	if err := sess.ch.Close(); err != nil {
		sess.conn.Close()
		return err
	}
	return sess.conn.Close()
}
