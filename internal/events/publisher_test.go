package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reminder-engine/internal/models"
)

func TestNewEvent(t *testing.T) {
	sid := "SM1"
	r := models.Reminder{
		ID:                "r-1",
		PatientID:         7,
		Type:              models.TypeAppointment,
		Status:            models.StatusDelivered,
		RetryCount:        1,
		ExternalMessageID: &sid,
	}
	at := time.Date(2026, 3, 14, 10, 0, 0, 0, time.FixedZone("WAT", 3600))
	e := NewEvent(r, models.StatusSent, at)

	assert.Equal(t, "reminder.delivered", e.RoutingKey())
	assert.Equal(t, models.StatusSent, e.From)
	assert.Equal(t, "SM1", e.ExternalID)
	assert.Equal(t, time.UTC, e.At.Location())

	body, err := json.Marshal(e)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"reminder_id": "r-1",
		"patient_id": 7,
		"reminder_type": "appointment",
		"from": "sent",
		"to": "delivered",
		"retry_count": 1,
		"external_message_id": "SM1",
		"at": "2026-03-14T09:00:00Z"
	}`, string(body))
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = Nop{}
	assert.NoError(t, p.Publish(context.Background(), Event{}))
	assert.NoError(t, p.Close())
}

type fakeChannel struct {
	mu        sync.Mutex
	published []amqp.Publishing
	keys      []string
	err       error
	closed    bool
}

func (c *fakeChannel) Publish(_, key string, _, _ bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.keys = append(c.keys, key)
	c.published = append(c.published, msg)
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type fakeConn struct{ closed bool }

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

// fakeBroker hands out sessions and records every dial.
type fakeBroker struct {
	channels []*fakeChannel
	drops    []chan *amqp.Error
	dialErr  error
	dials    int
}

func (b *fakeBroker) dial() (*session, error) {
	b.dials++
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	ch := &fakeChannel{}
	drop := make(chan *amqp.Error, 1)
	b.channels = append(b.channels, ch)
	b.drops = append(b.drops, drop)
	return &session{ch: ch, conn: &fakeConn{}, closed: drop}, nil
}

func (b *fakeBroker) last() *fakeChannel { return b.channels[len(b.channels)-1] }

func newTestPublisher(t *testing.T, b *fakeBroker) (*AMQPPublisher, *time.Time) {
	t.Helper()
	p, err := newAMQPPublisher(b.dial, "reminders")
	require.NoError(t, err)
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return clock }
	return p, &clock
}

func delivered(id string) Event {
	return Event{ReminderID: id, To: models.StatusDelivered, At: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func TestAMQPPublisherPublishesJSON(t *testing.T) {
	b := &fakeBroker{}
	p, _ := newTestPublisher(t, b)

	require.NoError(t, p.Publish(context.Background(), delivered("r-1")))
	ch := b.last()
	require.Len(t, ch.published, 1)
	assert.Equal(t, "reminder.delivered", ch.keys[0])
	assert.Equal(t, "application/json", ch.published[0].ContentType)
	assert.Equal(t, "r-1", ch.published[0].MessageId)
	assert.Equal(t, amqp.Persistent, ch.published[0].DeliveryMode)
}

func TestAMQPPublisherRedialsAfterConnectionDrop(t *testing.T) {
	b := &fakeBroker{}
	p, _ := newTestPublisher(t, b)
	first := b.last()

	b.drops[0] <- &amqp.Error{Code: amqp.ConnectionForced, Reason: "broker restart"}
	require.NoError(t, p.Publish(context.Background(), delivered("r-2")))

	assert.Equal(t, 2, b.dials)
	assert.True(t, first.closed)
	assert.Empty(t, first.published)
	assert.Len(t, b.last().published, 1)
}

func TestAMQPPublisherRedialsAfterPublishError(t *testing.T) {
	b := &fakeBroker{}
	p, _ := newTestPublisher(t, b)
	b.last().err = amqp.ErrClosed

	assert.Error(t, p.Publish(context.Background(), delivered("r-3")))
	require.NoError(t, p.Publish(context.Background(), delivered("r-3")))
	assert.Equal(t, 2, b.dials)
	assert.Len(t, b.last().published, 1)
}

func TestAMQPPublisherBacksOffFailedDials(t *testing.T) {
	b := &fakeBroker{}
	p, clock := newTestPublisher(t, b)
	close(b.drops[0])
	b.dialErr = errors.New("connection refused")

	assert.Error(t, p.Publish(context.Background(), delivered("r-4")))
	assert.Equal(t, 2, b.dials)

	err := p.Publish(context.Background(), delivered("r-4"))
	assert.ErrorIs(t, err, errNotConnected)
	assert.Equal(t, 2, b.dials)

	b.dialErr = nil
	*clock = clock.Add(redialBackoff)
	require.NoError(t, p.Publish(context.Background(), delivered("r-4")))
	assert.Equal(t, 3, b.dials)
}

func TestAMQPPublisherClose(t *testing.T) {
	b := &fakeBroker{}
	p, _ := newTestPublisher(t, b)
	require.NoError(t, p.Close())
	assert.True(t, b.last().closed)

	err := p.Publish(context.Background(), delivered("r-5"))
	assert.ErrorIs(t, err, ErrPublisherClosed)
	assert.Equal(t, 1, b.dials)
}

func TestNewAMQPPublisherNeedsFirstDial(t *testing.T) {
	b := &fakeBroker{dialErr: errors.New("connection refused")}
	_, err := newAMQPPublisher(b.dial, "reminders")
	assert.Error(t, err)
}
