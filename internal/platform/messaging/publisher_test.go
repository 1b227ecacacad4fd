package messaging

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/revcycle/internal/domain/billing"
)

type published struct {
	exchange string
	key      string
	msg      amqp091.Publishing
}

type fakeChannel struct {
	confirms chan amqp091.Confirmation
	nack     bool
	fail     error
	sent     []published
	closed   bool
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp091.Publishing) error {
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, published{exchange, key, msg})
	if f.confirms != nil {
		f.confirms <- amqp091.Confirmation{DeliveryTag: uint64(len(f.sent)), Ack: !f.nack}
	}
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func sampleEvents() (*billing.Claim, []*billing.RevenueCycleEvent) {
	at := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	c := &billing.Claim{ID: 7, ClaimNumber: "CLM-20240315-AAAA0001"}
	return c, []*billing.RevenueCycleEvent{
		{Sequence: 4, Type: billing.EventSubmitted, OldStatus: billing.StatusValidated, NewStatus: billing.StatusSubmitted,
			Details: map[string]interface{}{"control_number": "ICN1"}, CreatedAt: at},
		{Sequence: 5, Type: billing.EventPaid, OldStatus: billing.StatusSubmitted, NewStatus: billing.StatusPaid, CreatedAt: at},
	}
}

func TestAMQPPublisher_PublishesEachEvent(t *testing.T) {
	ch := &fakeChannel{confirms: make(chan amqp091.Confirmation, 4)}
	p := newAMQPPublisher(ch, ch.confirms, "revcycle.events", zerolog.Nop())

	c, events := sampleEvents()
	require.NoError(t, p.Publish(context.Background(), c, events))
	require.Len(t, ch.sent, 2)

	first := ch.sent[0]
	assert.Equal(t, "revcycle.events", first.exchange)
	assert.Equal(t, "claim.submitted", first.key)
	assert.Equal(t, "7-4", first.msg.MessageId)
	assert.Equal(t, amqp091.Persistent, first.msg.DeliveryMode)
	assert.Equal(t, "application/json", first.msg.ContentType)

	var m Message
	require.NoError(t, json.Unmarshal(first.msg.Body, &m))
	assert.Equal(t, int64(7), m.ClaimID)
	assert.Equal(t, billing.StatusSubmitted, m.NewStatus)
	assert.Equal(t, "ICN1", m.Details["control_number"])

	assert.Equal(t, "claim.paid", ch.sent[1].key)
}

func TestAMQPPublisher_Nack(t *testing.T) {
	ch := &fakeChannel{confirms: make(chan amqp091.Confirmation, 4), nack: true}
	p := newAMQPPublisher(ch, ch.confirms, "x", zerolog.Nop())
	c, events := sampleEvents()
	err := p.Publish(context.Background(), c, events)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nacked")
	assert.Len(t, ch.sent, 1, "publishing stops at the first failure")
}

func TestAMQPPublisher_PublishError(t *testing.T) {
	ch := &fakeChannel{fail: amqp091.ErrClosed}
	p := newAMQPPublisher(ch, nil, "x", zerolog.Nop())
	c, events := sampleEvents()
	err := p.Publish(context.Background(), c, events)
	assert.True(t, errors.Is(err, amqp091.ErrClosed))
}

func TestAMQPPublisher_ConfirmTimeout(t *testing.T) {
	ch := &fakeChannel{}
	p := newAMQPPublisher(ch, make(chan amqp091.Confirmation), "x", zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	c, events := sampleEvents()
	assert.ErrorIs(t, p.Publish(ctx, c, events), context.DeadlineExceeded)
}

func TestAMQPPublisher_Close(t *testing.T) {
	ch := &fakeChannel{}
	p := newAMQPPublisher(ch, nil, "x", zerolog.Nop())
	require.NoError(t, p.Close())
	assert.True(t, ch.closed)
}

func TestLogPublisher(t *testing.T) {
	var buf bytes.Buffer
	p := NewLogPublisher(zerolog.New(&buf))
	c, events := sampleEvents()
	require.NoError(t, p.Publish(context.Background(), c, events))
	assert.Contains(t, buf.String(), `"routing_key":"claim.paid"`)
	assert.Contains(t, buf.String(), `"claim_id":7`)
}
