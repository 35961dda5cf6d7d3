package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	segkafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortressi/saga"
)

type fakeWriter struct {
	msgs   []segkafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...segkafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisherKeysBySagaID(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisherWithWriter(w, "saga-events")

	ev := Event{ID: "e-1", Kind: StepFailed, SagaID: "s-1", SagaType: "order", Step: "ChargePayment", Attempt: 2}
	require.NoError(t, p.Publish(context.Background(), ev))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "saga-events", msg.Topic)
	assert.Equal(t, []byte("s-1"), msg.Key)
	assert.Equal(t, []segkafka.Header{{Key: "kind", Value: []byte("step.failed")}}, msg.Headers)

	got, err := Unmarshal(msg.Value)
	require.NoError(t, err)
	assert.Equal(t, ev.Step, got.Step)
	assert.Equal(t, 2, got.Attempt)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestKafkaConfigValidate(t *testing.T) {
	assert.Error(t, KafkaConfig{}.Validate())
	assert.Error(t, KafkaConfig{Brokers: []string{"b1"}}.Validate())
	assert.NoError(t, KafkaConfig{Brokers: []string{"b1"}, Topic: "saga-events"}.Validate())

	_, err := NewKafkaPublisher(KafkaConfig{})
	assert.Error(t, err)
}

func TestNilKafkaPublisher(t *testing.T) {
	var p *KafkaPublisher
	assert.Error(t, p.Publish(context.Background(), Event{}))
	assert.NoError(t, p.Close())
}

func TestRedisStreamPublisher(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	p := NewRedisStreamPublisher(client, "saga:events", 0)
	require.NoError(t, p.Publish(context.Background(), Event{ID: "e-1", Kind: SagaStarted, SagaID: "s-1"}))
	require.NoError(t, p.Publish(context.Background(), Event{ID: "e-2", Kind: SagaCompleted, SagaID: "s-1"}))

	entries, err := client.XRange(context.Background(), "saga:events", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "saga.started", entries[0].Values["kind"])
	assert.Equal(t, "s-1", entries[1].Values["saga_id"])

	ev, err := Unmarshal([]byte(entries[1].Values["data"].(string)))
	require.NoError(t, err)
	assert.Equal(t, SagaCompleted, ev.Kind)
}

func TestEmitterPublishesLifecycle(t *testing.T) {
	pub := NewMemoryPublisher()
	def := saga.MustDefinition("order",
		saga.NewStepWithNoOpCompensation("CreateOrder", func(context.Context, *saga.Context) error { return nil }),
		saga.NewStepWithNoOpCompensation("ChargePayment", func(context.Context, *saga.Context) error {
			return saga.Permanent(errors.New("card declined"))
		}),
	)
	o := saga.New(saga.NewMemoryStore(), nil, saga.WithObserver(NewEmitter(pub)))

	out, err := o.Run(context.Background(), def, nil)
	require.NoError(t, err)
	require.Equal(t, saga.StatusFailed, out.Status)

	assert.Equal(t, []Kind{SagaStarted, StepSucceeded, StepFailed, StepCompensated, SagaFailed}, pub.Kinds(out.SagaID))

	events := pub.Events()
	last := events[len(events)-1]
	assert.Equal(t, "ChargePayment", last.Step)
	assert.Equal(t, "FAILED", last.Status)
	assert.Contains(t, last.Error, "card declined")
}

type failingPublisher struct{ calls int }

func (p *failingPublisher) Publish(context.Context, Event) error {
	p.calls++
	return errors.New("broker down")
}

func (p *failingPublisher) Close() error { return nil }

func TestEmitterSwallowsPublishErrors(t *testing.T) {
	pub := &failingPublisher{}
	def := saga.MustDefinition("order",
		saga.NewStepWithNoOpCompensation("CreateOrder", func(context.Context, *saga.Context) error { return nil }),
	)
	o := saga.New(saga.NewMemoryStore(), nil,
		saga.WithObserver(NewEmitter(pub, WithPublishTimeout(50*time.Millisecond))))

	out, err := o.Run(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompleted, out.Status)
	assert.Equal(t, 3, pub.calls)
}
