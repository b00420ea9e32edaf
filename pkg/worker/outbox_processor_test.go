package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ToniYenC11/CDSS/internal/model"
	"github.com/ToniYenC11/CDSS/internal/repository/memory"
	"github.com/ToniYenC11/CDSS/pkg/logger"
	"github.com/ToniYenC11/CDSS/pkg/messaging"
	"github.com/ToniYenC11/CDSS/pkg/metrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testConfig = OutboxProcessorConfig{
	BatchSize:     10,
	PollInterval:  10 * time.Millisecond,
	RetryAttempts: 3,
	RetryDelay:    time.Millisecond,
	Channel:       "cdss.events",
}

// flakyBroker fails the first failures publishes and records the rest.
type flakyBroker struct {
	messaging.Broker
	mu        sync.Mutex
	failures  int
	published []messaging.Envelope
}

func (b *flakyBroker) Publish(_ context.Context, _ string, message interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures > 0 {
		b.failures--
		return errors.New("connection refused")
	}
	b.published = append(b.published, message.(messaging.Envelope))
	return nil
}

func addEvent(t *testing.T, o *memory.Outbox, eventType string) *model.OutboxEvent {
	t.Helper()
	event, err := model.NewOutboxEvent(eventType, map[string]int64{"case_id": 7})
	require.NoError(t, err)
	o.Enqueue(event)
	return event
}

func newProcessor(t *testing.T, o *memory.Outbox, b messaging.Broker) (*OutboxProcessor, *metrics.Metrics) {
	t.Helper()
	m := metrics.NewMetrics(prometheus.NewRegistry(), "test", "")
	p, err := NewOutboxProcessor(o, b, testConfig, logger.Nop(), m)
	require.NoError(t, err)
	return p, m
}

func TestNewOutboxProcessorValidatesConfig(t *testing.T) {
	cfg := testConfig
	cfg.Channel = ""
	_, err := NewOutboxProcessor(memory.NewOutbox(), messaging.NewMemoryBroker(), cfg, logger.Nop(), nil)
	assert.ErrorContains(t, err, "Channel")

	cfg = testConfig
	cfg.BatchSize = 0
	_, err = NewOutboxProcessor(memory.NewOutbox(), messaging.NewMemoryBroker(), cfg, logger.Nop(), nil)
	assert.ErrorContains(t, err, "BatchSize")
}

func TestProcessEventsRetriesThenPublishes(t *testing.T) {
	o := memory.NewOutbox()
	event := addEvent(t, o, model.EventCaseCreated)
	broker := &flakyBroker{failures: 2}
	p, m := newProcessor(t, o, broker)

	require.NoError(t, p.ProcessEvents(context.Background()))

	require.Len(t, broker.published, 1)
	assert.Equal(t, event.ID, broker.published[0].ID)
	assert.Equal(t, model.EventCaseCreated, broker.published[0].Type)
	assert.JSONEq(t, `{"case_id":7}`, string(broker.published[0].Payload))

	events := o.Events()
	assert.Equal(t, model.OutboxStatusProcessed, events[0].Status)
	assert.NotNil(t, events[0].ProcessedAt)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.OutboxRetries.WithLabelValues(model.EventCaseCreated)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.OutboxEventsProcessed))
}

func TestProcessEventsMarksExhaustedEventsFailed(t *testing.T) {
	o := memory.NewOutbox()
	addEvent(t, o, model.EventCaseDeleted)
	p, m := newProcessor(t, o, &flakyBroker{failures: 10})

	require.NoError(t, p.ProcessEvents(context.Background()))

	events := o.Events()
	assert.Equal(t, model.OutboxStatusFailed, events[0].Status)
	require.NotNil(t, events[0].ErrorMessage)
	assert.Equal(t, "connection refused", *events[0].ErrorMessage)
	assert.Equal(t, 1, events[0].RetryCount)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.OutboxEventsFailed))
}

func TestTwoProcessorsPublishEachEventOnce(t *testing.T) {
	o := memory.NewOutbox()
	for i := 0; i < 10; i++ {
		addEvent(t, o, model.EventCaseCreated)
	}
	broker := &flakyBroker{}
	api, _ := newProcessor(t, o, broker)
	worker, _ := newProcessor(t, o, broker)

	var wg sync.WaitGroup
	for _, p := range []*OutboxProcessor{api, worker} {
		wg.Add(1)
		go func(p *OutboxProcessor) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				assert.NoError(t, p.ProcessEvents(context.Background()))
			}
		}(p)
	}
	wg.Wait()

	assert.Len(t, broker.published, 10)
	ids := map[string]bool{}
	for _, env := range broker.published {
		ids[env.ID.String()] = true
	}
	assert.Len(t, ids, 10)
}

func TestStartDeliversThroughMemoryBrokerAndStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	broker := messaging.NewMemoryBroker()
	defer broker.Close()

	sub, err := broker.Subscribe(ctx, testConfig.Channel)
	require.NoError(t, err)

	o := memory.NewOutbox()
	addEvent(t, o, model.EventAnnotationsSaved)
	p, _ := newProcessor(t, o, broker)

	done := make(chan struct{})
	go func() {
		p.Start(ctx)
		close(done)
	}()

	select {
	case raw := <-sub:
		var env messaging.Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		assert.Equal(t, model.EventAnnotationsSaved, env.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("event was not published")
	}

	cancel()
	<-done
}

func TestCleanupRemovesOldProcessedEvents(t *testing.T) {
	ctx := context.Background()
	o := memory.NewOutbox()
	old := addEvent(t, o, model.EventCaseCreated)
	addEvent(t, o, model.EventCaseUpdated)
	require.NoError(t, o.UpdateStatus(ctx, old.ID, model.OutboxStatusProcessed, nil))

	w := NewOutboxCleanupWorker(o, time.Hour, time.Minute, logger.Nop())
	w.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	assert.Equal(t, int64(1), w.Cleanup(ctx))
	events := o.Events()
	require.Len(t, events, 1)
	assert.Equal(t, model.EventCaseUpdated, events[0].EventType)
}
