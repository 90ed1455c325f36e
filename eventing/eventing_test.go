package eventing

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/condo-billing/billing"
	"github.com/warp/condo-billing/generic"
)

var at = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

func event(name, slipID string, payload map[string]any) generic.DomainEvent {
	if payload == nil {
		payload = map[string]any{"slip_id": slipID}
	}
	return generic.NewDomainEvent(slipID, name, payload, at)
}

// =============================================================================
// ENVELOPE
// =============================================================================

func TestNewEnvelope_CarriesMetadataAndPayload(t *testing.T) {
	e := event(billing.EventSlipWasSent, "slip-1", map[string]any{
		"slip_id":      "slip-1",
		"amount":       "150.00",
		"amount_cents": int64(15000),
	})

	env, err := NewEnvelope(e)
	require.NoError(t, err)

	assert.Equal(t, string(e.ID), env.EventID)
	assert.Equal(t, billing.EventSlipWasSent, env.EventType)
	assert.Equal(t, "slip-1", env.AggregateID)
	assert.Equal(t, 1, env.SchemaVersion)
	assert.True(t, env.OccurredAt.Equal(at))

	var payload struct {
		Amount string `json:"amount"`
		Cents  int64  `json:"amount_cents"`
	}
	require.NoError(t, env.Decode(&payload))
	assert.Equal(t, "150.00", payload.Amount)
	assert.Equal(t, int64(15000), payload.Cents)
}

// =============================================================================
// BUS
// =============================================================================

func TestBus_DeliversBatchInOrder(t *testing.T) {
	bus := NewBus()
	var seen []string
	bus.Subscribe(AllEvents, func(_ context.Context, env Envelope) error {
		seen = append(seen, env.EventType+":"+env.AggregateID)
		return nil
	})

	// GIVEN a compensation batch
	batch := []generic.DomainEvent{
		event(billing.EventSlipWasCompensated, "old", nil),
		event(billing.EventSlipWasCreated, "new", nil),
	}

	// WHEN it is published
	require.NoError(t, bus.Publish(context.Background(), batch))

	// THEN the subscriber sees the compensation first
	assert.Equal(t, []string{"SlipWasCompensated:old", "SlipWasCreated:new"}, seen)
}

func TestBus_RoutesByEventType(t *testing.T) {
	bus := NewBus()
	var paid, all int
	bus.Subscribe(billing.EventSlipWasPaid, func(context.Context, Envelope) error { paid++; return nil })
	bus.Subscribe(AllEvents, func(context.Context, Envelope) error { all++; return nil })

	err := bus.Publish(context.Background(), []generic.DomainEvent{
		event(billing.EventSlipWasSent, "a", nil),
		event(billing.EventSlipWasPaid, "a", nil),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, paid)
	assert.Equal(t, 2, all)
}

func TestBus_FailingHandlerDoesNotStopDelivery(t *testing.T) {
	bus := NewBus()
	boom := errors.New("boom")
	var delivered int
	bus.Subscribe(AllEvents, func(context.Context, Envelope) error { return boom })
	bus.Subscribe(AllEvents, func(context.Context, Envelope) error { delivered++; return nil })

	err := bus.Publish(context.Background(), []generic.DomainEvent{
		event(billing.EventSlipWasSent, "a", nil),
		event(billing.EventSlipWasSent, "b", nil),
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, delivered)
}

// =============================================================================
// FANOUT
// =============================================================================

func TestFanout_PublishesToEveryone(t *testing.T) {
	var calls []string
	failing := generic.EventPublisherFunc(func(context.Context, []generic.DomainEvent) error {
		calls = append(calls, "first")
		return errors.New("down")
	})
	second := generic.EventPublisherFunc(func(_ context.Context, events []generic.DomainEvent) error {
		calls = append(calls, "second")
		assert.Len(t, events, 1)
		return nil
	})

	err := Fanout{failing, nil, second}.Publish(context.Background(), []generic.DomainEvent{event("X", "a", nil)})

	require.Error(t, err)
	assert.Equal(t, []string{"first", "second"}, calls)
}

// =============================================================================
// REDIS STREAM
// =============================================================================

type fakeStream struct {
	added  []*redis.XAddArgs
	failAt int // 1-based; 0 never fails
}

func (f *fakeStream) XAdd(_ context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.added = append(f.added, a)
	if f.failAt == len(f.added) {
		return redis.NewStringResult("", errors.New("connection refused"))
	}
	return redis.NewStringResult("1-0", nil)
}

func TestRedisPublisher_AppendsOneEntryPerEvent(t *testing.T) {
	stream := &fakeStream{}
	p := NewRedisPublisher(stream, "billing.events", WithMaxLen(500))

	err := p.Publish(context.Background(), []generic.DomainEvent{
		event(billing.EventSlipWasCompensated, "old", nil),
		event(billing.EventSlipWasCreated, "new", nil),
	})
	require.NoError(t, err)
	require.Len(t, stream.added, 2)

	first := stream.added[0]
	assert.Equal(t, "billing.events", first.Stream)
	assert.Equal(t, int64(500), first.MaxLen)
	assert.True(t, first.Approx)

	values := first.Values.(map[string]any)
	assert.Equal(t, billing.EventSlipWasCompensated, values["event_type"])
	assert.Equal(t, "old", values["aggregate_id"])

	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(values["envelope"].(string)), &env))
	assert.Equal(t, values["event_id"], env.EventID)
}

func TestRedisPublisher_StopsAtFirstFailure(t *testing.T) {
	stream := &fakeStream{failAt: 1}
	p := NewRedisPublisher(stream, "billing.events", WithMaxLen(0))

	err := p.Publish(context.Background(), []generic.DomainEvent{
		event(billing.EventSlipWasCompensated, "old", nil),
		event(billing.EventSlipWasCreated, "new", nil),
	})

	require.Error(t, err)
	assert.Len(t, stream.added, 1, "later events must not overtake a failed one")
	assert.Zero(t, stream.added[0].MaxLen)
}

// =============================================================================
// NOTIFIER
// =============================================================================

type recordingMailer struct {
	sent []Notification
	err  error
}

func (m *recordingMailer) Send(_ context.Context, n Notification) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, n)
	return nil
}

func TestNotifier_SentAndPaid(t *testing.T) {
	bus := NewBus()
	mailer := &recordingMailer{}
	NewNotifier(mailer, zap.NewNop()).Register(bus)

	payload := func(extra map[string]any) map[string]any {
		p := map[string]any{
			"slip_id":  "slip-1",
			"amount":   "150.00",
			"due_date": "2025-03-10",
			"target":   "unit-101",
		}
		for k, v := range extra {
			p[k] = v
		}
		return p
	}

	err := bus.Publish(context.Background(), []generic.DomainEvent{
		event(billing.EventSlipWasCreated, "slip-1", payload(nil)),
		event(billing.EventSlipWasSent, "slip-1", payload(nil)),
		event(billing.EventSlipWasPaid, "slip-1", payload(map[string]any{"paid_at": "2025-03-09T10:00:00Z"})),
	})
	require.NoError(t, err)

	// THEN creation is silent; sent and paid notify the unit
	require.Len(t, mailer.sent, 2)
	assert.Equal(t, billing.EventSlipWasSent, mailer.sent[0].Kind)
	assert.Equal(t, "unit-101", mailer.sent[0].Target)
	assert.Contains(t, mailer.sent[0].Subject, "due 2025-03-10")
	assert.Equal(t, billing.EventSlipWasPaid, mailer.sent[1].Kind)
	assert.Contains(t, mailer.sent[1].Body, "2025-03-09T10:00:00Z")
}

func TestNotifier_MailerFailureSurfaces(t *testing.T) {
	bus := NewBus()
	NewNotifier(&recordingMailer{err: errors.New("smtp down")}, nil).Register(bus)

	err := bus.Publish(context.Background(), []generic.DomainEvent{
		event(billing.EventSlipWasSent, "slip-1", nil),
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "smtp down")
}
