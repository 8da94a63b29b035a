package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ce "github.com/drblury/hookrelay/internal/runtime/cloudevents"
	"github.com/drblury/hookrelay/internal/runtime/codec"
	"github.com/drblury/hookrelay/internal/runtime/domain"
	errspkg "github.com/drblury/hookrelay/internal/runtime/errors"
	loggingpkg "github.com/drblury/hookrelay/internal/runtime/logging"
	metricspkg "github.com/drblury/hookrelay/internal/runtime/metrics"
)

func testLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

type hit struct {
	header http.Header
	body   []byte
}

// endpoint is a callback server answering with the statuses in order and
// repeating the last one.
type endpoint struct {
	*httptest.Server
	mu       sync.Mutex
	hits     []hit
	statuses []int
}

func newEndpoint(t *testing.T, statuses ...int) *endpoint {
	t.Helper()
	e := &endpoint{statuses: statuses}
	e.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		e.mu.Lock()
		e.hits = append(e.hits, hit{header: r.Header.Clone(), body: body})
		status := http.StatusOK
		if len(e.statuses) > 0 {
			idx := len(e.hits) - 1
			if idx >= len(e.statuses) {
				idx = len(e.statuses) - 1
			}
			status = e.statuses[idx]
		}
		e.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(e.Close)
	return e
}

func (e *endpoint) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.hits)
}

func (e *endpoint) first() hit {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hits[0]
}

func queueMessage(t *testing.T, eventID, subscriptionID, callbackURL, secret string) *message.Message {
	t.Helper()
	event := domain.SampleEvent()
	event.ID = eventID
	extensions := ce.Extensions{
		ce.ExtCallbackURL:    callbackURL,
		ce.ExtSubscriptionID: subscriptionID,
		ce.ExtTopic:          "equipmentReference",
	}
	if secret != "" {
		extensions[ce.ExtSecret] = secret
	}
	template := ce.Envelope{
		ID:     eventID,
		Source: "http://member.dcsa.org",
		Type:   "org.dcsa.v1.event",
		Time:   ce.Now(),
	}
	msg, err := codec.EncodeEvent(event, extensions, template, codec.QueueBinding)
	require.NoError(t, err)
	return msg
}

func newDispatcher(t *testing.T, cfg Config, opts ...Option) *Dispatcher {
	t.Helper()
	if cfg.InitialInterval == 0 {
		cfg.InitialInterval = time.Millisecond
	}
	if cfg.MaxInterval == 0 {
		cfg.MaxInterval = 5 * time.Millisecond
	}
	d, err := New(cfg, testLogger(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestFanOutIsolation(t *testing.T) {
	failing := newEndpoint(t, http.StatusInternalServerError)
	healthy := newEndpoint(t, http.StatusOK)
	d := newDispatcher(t, Config{})

	require.NoError(t, d.Consume(queueMessage(t, "evt-1", "sub-a", failing.URL, "a")))
	require.NoError(t, d.Consume(queueMessage(t, "evt-1", "sub-b", healthy.URL, "b")))
	require.NoError(t, d.Close())

	assert.Equal(t, 1, failing.count())
	assert.Equal(t, 1, healthy.count())
}

func TestConsumeRejectsMissingID(t *testing.T) {
	ep := newEndpoint(t)
	d := newDispatcher(t, Config{})

	msg := queueMessage(t, "evt-1", "sub-a", ep.URL, "a")
	delete(msg.Metadata, codec.QueueBinding.Key("id"))

	err := d.Consume(msg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ce.ErrDecode)
	require.NoError(t, d.Close())
	assert.Zero(t, ep.count())
}

func TestConsumeRejectsMissingCallbackURL(t *testing.T) {
	d := newDispatcher(t, Config{})

	msg := queueMessage(t, "evt-1", "sub-a", "http://localhost:1/hook", "a")
	delete(msg.Metadata, codec.QueueBinding.Key(ce.ExtCallbackURL))

	err := d.Consume(msg)
	assert.ErrorIs(t, err, ce.ErrDecode)
	assert.ErrorIs(t, err, errspkg.ErrCallbackURLMissing)
	assert.Zero(t, d.ActiveLanes())
}

func TestDeliveryRequestShape(t *testing.T) {
	ep := newEndpoint(t)
	d := newDispatcher(t, Config{})

	msg := queueMessage(t, "evt-1", "sub-a", ep.URL+"/hook", "s3cr3t")
	require.NoError(t, d.Consume(msg))
	require.NoError(t, d.Close())

	require.Equal(t, 1, ep.count())
	got := ep.first()

	assert.Equal(t, "application/json", got.header.Get("Content-Type"))
	assert.Equal(t, "1.0", got.header.Get("ce-specversion"))
	assert.Equal(t, "org.dcsa.v1.event", got.header.Get("ce-type"))
	assert.Equal(t, "http://member.dcsa.org", got.header.Get("ce-source"))
	assert.Equal(t, "evt-1", got.header.Get("ce-id"))
	assert.Equal(t, "application/json", got.header.Get("ce-datacontenttype"))
	assert.NotEmpty(t, got.header.Get("ce-time"))
	assert.Equal(t, "sub-a", got.header.Get("ce-subscriptionid"))
	assert.Empty(t, got.header.Get("ce-callbackurl"))
	assert.Empty(t, got.header.Get("ce-secret"))
	assert.Empty(t, got.header.Get("ce-topic"))

	var event domain.Event
	require.NoError(t, ce.Envelope{Data: got.body}.UnmarshalData(&event))
	assert.Equal(t, "evt-1", event.ID)
	assert.Equal(t, "ACT", event.EventClassifierCode)
	assert.Equal(t, "LOAD", event.EquipmentEventTypeCode)
	assert.Equal(t, "LADEN", event.EmptyIndicatorCode)

	mac := hmac.New(sha256.New, []byte("s3cr3t"))
	mac.Write(got.body)
	assert.Equal(t, "sha256="+hex.EncodeToString(mac.Sum(nil)), got.header.Get(SignatureHeader))
}

func TestDeliveryWithoutSecretIsUnsigned(t *testing.T) {
	ep := newEndpoint(t)
	d := newDispatcher(t, Config{})

	require.NoError(t, d.Consume(queueMessage(t, "evt-1", "sub-a", ep.URL, "")))
	require.NoError(t, d.Close())

	require.Equal(t, 1, ep.count())
	assert.Empty(t, ep.first().header.Get(SignatureHeader))
}

func TestRetryUntilSuccess(t *testing.T) {
	ep := newEndpoint(t, http.StatusServiceUnavailable, http.StatusTooManyRequests, http.StatusOK)
	m := metricspkg.New(prometheus.NewRegistry())
	d := newDispatcher(t, Config{MaxAttempts: 5}, WithMetrics(m))

	require.NoError(t, d.Consume(queueMessage(t, "evt-1", "sub-a", ep.URL, "a")))
	require.NoError(t, d.Close())

	assert.Equal(t, 3, ep.count())
	stats, ok := m.Topic("equipmentReference")
	require.True(t, ok)
	assert.Equal(t, uint64(1), stats.Delivered)
	assert.Equal(t, 3.0, stats.AvgAttempts)
}

func TestRetryStopsAtMaxAttempts(t *testing.T) {
	ep := newEndpoint(t, http.StatusInternalServerError)
	d := newDispatcher(t, Config{MaxAttempts: 3})

	require.NoError(t, d.Consume(queueMessage(t, "evt-1", "sub-a", ep.URL, "a")))
	require.NoError(t, d.Close())

	assert.Equal(t, 3, ep.count())
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	ep := newEndpoint(t, http.StatusBadRequest)
	d := newDispatcher(t, Config{MaxAttempts: 4})

	require.NoError(t, d.Consume(queueMessage(t, "evt-1", "sub-a", ep.URL, "a")))
	require.NoError(t, d.Close())

	assert.Equal(t, 1, ep.count())
}

func TestRedirectStatusIsAFailure(t *testing.T) {
	ep := newEndpoint(t, http.StatusNotModified)
	m := metricspkg.New(prometheus.NewRegistry())
	d := newDispatcher(t, Config{}, WithMetrics(m))

	require.NoError(t, d.Consume(queueMessage(t, "evt-1", "sub-a", ep.URL, "a")))
	require.NoError(t, d.Close())

	stats, ok := m.Topic("equipmentReference")
	require.True(t, ok)
	assert.Equal(t, uint64(1), stats.DeliveryFailed)
}

func TestLedgerSuppressesRepeatDelivery(t *testing.T) {
	ep := newEndpoint(t)
	ledger := NewMemoryLedger(time.Hour)
	d := newDispatcher(t, Config{}, WithLedger(ledger))

	require.NoError(t, d.Consume(queueMessage(t, "evt-1", "sub-a", ep.URL, "a")))
	require.NoError(t, d.Consume(queueMessage(t, "evt-1", "sub-a", ep.URL, "a")))
	require.NoError(t, d.Consume(queueMessage(t, "evt-2", "sub-a", ep.URL, "a")))
	require.NoError(t, d.Close())

	assert.Equal(t, 2, ep.count())
	seen, err := ledger.Seen(context.Background(), LedgerKey("evt-1", "sub-a"))
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestFailedDeliveryIsNotRecorded(t *testing.T) {
	ep := newEndpoint(t, http.StatusInternalServerError, http.StatusOK)
	ledger := NewMemoryLedger(time.Hour)
	d := newDispatcher(t, Config{}, WithLedger(ledger))

	require.NoError(t, d.Consume(queueMessage(t, "evt-1", "sub-a", ep.URL, "a")))
	require.NoError(t, d.Consume(queueMessage(t, "evt-1", "sub-a", ep.URL, "a")))
	require.NoError(t, d.Close())

	assert.Equal(t, 2, ep.count())
}

type capturePublisher struct {
	mu   sync.Mutex
	sent map[string][]*message.Message
}

func (c *capturePublisher) Publish(topic string, msgs ...*message.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sent == nil {
		c.sent = map[string][]*message.Message{}
	}
	c.sent[topic] = append(c.sent[topic], msgs...)
	return nil
}

func (c *capturePublisher) Close() error { return nil }

func TestExhaustedDeliveryIsDeadLettered(t *testing.T) {
	ep := newEndpoint(t, http.StatusInternalServerError)
	dlq := &capturePublisher{}
	m := metricspkg.New(prometheus.NewRegistry())
	d := newDispatcher(t, Config{MaxAttempts: 2, DeadLetterQueue: "webhooks.dlq"},
		WithDeadLetterPublisher(dlq), WithMetrics(m))

	require.NoError(t, d.Consume(queueMessage(t, "evt-1", "sub-a", ep.URL, "a")))
	require.NoError(t, d.Close())

	msgs := dlq.sent["webhooks.dlq"]
	require.Len(t, msgs, 1)
	env, err := codec.Decode(msgs[0], codec.QueueBinding)
	require.NoError(t, err)
	assert.Equal(t, "evt-1", env.ID)
	assert.Equal(t, "2", env.Extension(ce.ExtDeliveryAttempts))
	assert.Contains(t, env.Extension(ce.ExtDeadLetterReason), "status 500")
	assert.Equal(t, ep.URL, env.Extension(ce.ExtCallbackURL))

	stats, ok := m.Topic("webhooks.dlq")
	require.True(t, ok)
	assert.Equal(t, uint64(1), stats.DeadLettered)
}

// hungEndpoint blocks every request until release is called.
func hungEndpoint(t *testing.T) (*httptest.Server, <-chan struct{}, func()) {
	t.Helper()
	release := make(chan struct{})
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	arrived := make(chan struct{}, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		arrived <- struct{}{}
		select {
		case <-release:
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(unblock)
	return srv, arrived, unblock
}

func TestHungEndpointDoesNotBlockOtherSubscribers(t *testing.T) {
	hung, arrived, release := hungEndpoint(t)
	defer release()
	healthy := newEndpoint(t)
	d := newDispatcher(t, Config{Timeout: 5 * time.Second})

	require.NoError(t, d.Consume(queueMessage(t, "evt-1", "sub-hung", hung.URL, "a")))
	<-arrived
	require.NoError(t, d.Consume(queueMessage(t, "evt-1", "sub-ok", healthy.URL, "b")))

	assert.Eventually(t, func() bool { return healthy.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, d.ActiveLanes())
}

func TestFullLaneNacksWhenConfigured(t *testing.T) {
	hung, arrived, release := hungEndpoint(t)
	defer release()
	d := newDispatcher(t, Config{Timeout: 5 * time.Second, LaneBuffer: 1, NackOnFullLane: true})

	require.NoError(t, d.Consume(queueMessage(t, "evt-1", "sub-hung", hung.URL, "a")))
	<-arrived
	require.NoError(t, d.Consume(queueMessage(t, "evt-2", "sub-hung", hung.URL, "a")))

	err := d.Consume(queueMessage(t, "evt-3", "sub-hung", hung.URL, "a"))
	assert.ErrorIs(t, err, errspkg.ErrLaneFull)
}

func TestFullLaneWaitsForCancellation(t *testing.T) {
	hung, arrived, release := hungEndpoint(t)
	defer release()
	d := newDispatcher(t, Config{Timeout: 5 * time.Second, LaneBuffer: 1})

	require.NoError(t, d.Consume(queueMessage(t, "evt-1", "sub-hung", hung.URL, "a")))
	<-arrived
	require.NoError(t, d.Consume(queueMessage(t, "evt-2", "sub-hung", hung.URL, "a")))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	msg := queueMessage(t, "evt-3", "sub-hung", hung.URL, "a")
	msg.SetContext(ctx)

	err := d.Consume(msg)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestIdleLanesRetire(t *testing.T) {
	ep := newEndpoint(t)
	d := newDispatcher(t, Config{LaneIdleTimeout: 20 * time.Millisecond})

	require.NoError(t, d.Consume(queueMessage(t, "evt-1", "sub-a", ep.URL, "a")))
	assert.Eventually(t, func() bool { return ep.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return d.ActiveLanes() == 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, d.Consume(queueMessage(t, "evt-2", "sub-a", ep.URL, "a")))
	assert.Eventually(t, func() bool { return ep.count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestConsumeAfterClose(t *testing.T) {
	ep := newEndpoint(t)
	d := newDispatcher(t, Config{})
	require.NoError(t, d.Close())

	err := d.Consume(queueMessage(t, "evt-1", "sub-a", ep.URL, "a"))
	assert.ErrorIs(t, err, errspkg.ErrDispatcherClosed)
}

func TestTimeoutCountsAsRetryableFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			select {
			case <-time.After(time.Second):
			case <-r.Context().Done():
			}
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	m := metricspkg.New(prometheus.NewRegistry())
	d := newDispatcher(t, Config{Timeout: 50 * time.Millisecond, MaxAttempts: 2}, WithMetrics(m))

	require.NoError(t, d.Consume(queueMessage(t, "evt-1", "sub-a", srv.URL, "a")))
	require.NoError(t, d.Close())

	assert.Equal(t, int32(2), calls.Load())
	stats, ok := m.Topic("equipmentReference")
	require.True(t, ok)
	assert.Equal(t, uint64(1), stats.Delivered)
}

func TestDeliveryErrorRetryable(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{status: 0, want: true},
		{status: http.StatusInternalServerError, want: true},
		{status: http.StatusBadGateway, want: true},
		{status: http.StatusRequestTimeout, want: true},
		{status: http.StatusTooManyRequests, want: true},
		{status: http.StatusBadRequest, want: false},
		{status: http.StatusNotFound, want: false},
		{status: http.StatusFound, want: false},
	}
	for _, tt := range tests {
		err := &DeliveryError{StatusCode: tt.status}
		assert.Equal(t, tt.want, err.Retryable(), "status %d", tt.status)
		assert.ErrorIs(t, err, ErrDelivery)
	}
}
