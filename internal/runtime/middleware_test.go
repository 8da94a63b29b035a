package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	ce "github.com/drblury/hookrelay/internal/runtime/cloudevents"
	"github.com/drblury/hookrelay/internal/runtime/codec"
	configpkg "github.com/drblury/hookrelay/internal/runtime/config"
	idspkg "github.com/drblury/hookrelay/internal/runtime/ids"
	loggingpkg "github.com/drblury/hookrelay/internal/runtime/logging"
	transportpkg "github.com/drblury/hookrelay/transport"
)

type testPublisher struct {
	mu     sync.Mutex
	topics []string
	err    error
}

func (p *testPublisher) Publish(topic string, msgs ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	for range msgs {
		p.topics = append(p.topics, topic)
	}
	return nil
}

func (p *testPublisher) Close() error { return nil }

func (p *testPublisher) Topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.topics...)
}

func newTestRouter(t *testing.T) *message.Router {
	t.Helper()
	router, err := message.NewRouter(message.RouterConfig{}, loggingpkg.NewWatermillAdapter(&recordingServiceLogger{}))
	require.NoError(t, err)
	return router
}

func newMiddlewareMessage() *message.Message {
	msg := message.NewMessage(idspkg.CreateULID(), nil)
	msg.SetContext(context.Background())
	return msg
}

func noopHandler(*message.Message) ([]*message.Message, error) { return nil, nil }

func TestCorrelationIDMiddleware(t *testing.T) {
	t.Parallel()

	t.Run("adds missing id", func(t *testing.T) {
		msg := newMiddlewareMessage()
		var got string
		_, err := correlationIDMiddleware(func(m *message.Message) ([]*message.Message, error) {
			got = m.Metadata.Get(MetadataKeyCorrelationID)
			return nil, nil
		})(msg)
		require.NoError(t, err)
		assert.NotEmpty(t, got)
	})

	t.Run("keeps existing id", func(t *testing.T) {
		msg := newMiddlewareMessage()
		msg.Metadata.Set(MetadataKeyCorrelationID, "fixed")
		_, err := correlationIDMiddleware(noopHandler)(msg)
		require.NoError(t, err)
		assert.Equal(t, "fixed", msg.Metadata.Get(MetadataKeyCorrelationID))
	})
}

func TestLogMessagesMiddlewareRedactsSecret(t *testing.T) {
	t.Parallel()

	logger := &recordingServiceLogger{}
	msg := newMiddlewareMessage()
	msg.Metadata.Set(codec.QueueBinding.Key(ce.ExtSecret), "s3cr3t")

	_, err := logMessagesMiddleware(logger)(noopHandler)(msg)
	require.NoError(t, err)

	require.Len(t, logger.entries, 1)
	md, ok := logger.entries[0].fields["metadata"].(map[string]string)
	require.True(t, ok)
	assert.NotEqual(t, "s3cr3t", md[codec.QueueBinding.Key(ce.ExtSecret)])
}

func TestLogMessagesMiddlewareRequiresLogger(t *testing.T) {
	t.Parallel()

	_, err := LogMessagesMiddleware(nil).Builder(&Service{})
	assert.Error(t, err)
}

func TestCloudEventAttributes(t *testing.T) {
	t.Parallel()

	msg := newMiddlewareMessage()
	msg.Metadata.Set(codec.StreamBinding.Key("id"), "evt-1")
	msg.Metadata.Set(codec.StreamBinding.Key("type"), "org.dcsa.v2.event")
	id, eventType := cloudEventAttributes(msg)
	assert.Equal(t, "evt-1", id)
	assert.Equal(t, "org.dcsa.v2.event", eventType)

	id, eventType = cloudEventAttributes(newMiddlewareMessage())
	assert.Empty(t, id)
	assert.Empty(t, eventType)
}

func TestTracerMiddleware(t *testing.T) {
	t.Parallel()

	msg := newMiddlewareMessage()
	var observed trace.Span
	_, err := tracerMiddleware(func(m *message.Message) ([]*message.Message, error) {
		observed = trace.SpanFromContext(m.Context())
		return nil, nil
	})(msg)
	require.NoError(t, err)
	assert.NotNil(t, observed)

	boom := errors.New("boom")
	_, err = tracerMiddleware(func(*message.Message) ([]*message.Message, error) {
		return nil, boom
	})(newMiddlewareMessage())
	assert.ErrorIs(t, err, boom)
}

func TestRetryMiddlewareRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	mw := retryMiddleware(RetryMiddlewareConfig{
		MaxRetries:      2,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
	}.withDefaults(), nil)

	attempts := 0
	_, err := mw(func(*message.Message) ([]*message.Message, error) {
		attempts++
		if attempts < 2 {
			return nil, errors.New("retry")
		}
		return nil, nil
	})(newMiddlewareMessage())
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestRetryMiddlewareSkipsDeadLetterErrors(t *testing.T) {
	t.Parallel()

	mw := retryMiddleware(RetryMiddlewareConfig{
		MaxRetries:      3,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
	}.withDefaults(), nil)

	attempts := 0
	_, err := mw(func(*message.Message) ([]*message.Message, error) {
		attempts++
		return nil, &ce.DecodeError{Binding: "stream", Attribute: "id", Reason: "is missing"}
	})(newMiddlewareMessage())
	assert.ErrorIs(t, err, ce.ErrDecode)
	assert.Equal(t, 1, attempts)
}

func TestRetryMiddlewareUsesConfiguredValues(t *testing.T) {
	t.Parallel()

	svc := &Service{
		Conf: &configpkg.Config{
			RetryMaxRetries:      1,
			RetryInitialInterval: time.Millisecond,
			RetryMaxInterval:     time.Millisecond,
		},
		Logger: &recordingServiceLogger{},
	}
	mw, err := RetryMiddleware(RetryMiddlewareConfig{}).Builder(svc)
	require.NoError(t, err)

	attempts := 0
	_, err = mw(func(*message.Message) ([]*message.Message, error) {
		attempts++
		return nil, errors.New("still failing")
	})(newMiddlewareMessage())
	assert.Error(t, err)
	assert.Equal(t, 2, attempts)
}

func TestPoisonQueueMiddlewarePublishesToDeadLetterQueue(t *testing.T) {
	t.Parallel()

	pub := &testPublisher{}
	svc := &Service{
		Conf:   &configpkg.Config{DeadLetterQueue: "hookrelay.dlq"},
		Logger: &recordingServiceLogger{},
		queue:  transportpkg.Transport{Publisher: pub},
	}
	mw, err := PoisonQueueMiddleware(nil).Builder(svc)
	require.NoError(t, err)

	_, err = mw(func(*message.Message) ([]*message.Message, error) {
		return nil, &ce.DecodeError{Binding: "queue", Attribute: "id", Reason: "is missing"}
	})(newMiddlewareMessage())
	require.NoError(t, err)
	assert.Equal(t, []string{"hookrelay.dlq"}, pub.Topics())

	boom := errors.New("transient")
	_, err = mw(func(*message.Message) ([]*message.Message, error) { return nil, boom })(newMiddlewareMessage())
	assert.ErrorIs(t, err, boom)
	assert.Len(t, pub.Topics(), 1)
}

func TestPoisonQueueMiddlewareRequiresPublisher(t *testing.T) {
	t.Parallel()

	svc := &Service{Conf: &configpkg.Config{DeadLetterQueue: "hookrelay.dlq"}}
	_, err := PoisonQueueMiddleware(nil).Builder(svc)
	assert.Error(t, err)
}

func TestPoisonQueueMiddlewareDropsWithoutQueue(t *testing.T) {
	t.Parallel()

	logger := &recordingServiceLogger{}
	svc := &Service{Conf: &configpkg.Config{}, Logger: logger}
	mw, err := PoisonQueueMiddleware(nil).Builder(svc)
	require.NoError(t, err)

	_, err = mw(func(*message.Message) ([]*message.Message, error) {
		return nil, ce.ErrDeadLetterWithReason("rejected", nil)
	})(newMiddlewareMessage())
	require.NoError(t, err)
	assert.Equal(t, []string{"Dropping unprocessable message"}, logger.messages("error"))

	boom := errors.New("transient")
	_, err = mw(func(*message.Message) ([]*message.Message, error) { return nil, boom })(newMiddlewareMessage())
	assert.ErrorIs(t, err, boom)
}

func TestRecovererMiddlewareTurnsPanicIntoError(t *testing.T) {
	t.Parallel()

	_, err := RecovererMiddleware().Middleware(func(*message.Message) ([]*message.Message, error) {
		panic("boom")
	})(newMiddlewareMessage())
	assert.Error(t, err)
}

func TestMetricsMiddleware(t *testing.T) {
	t.Parallel()

	t.Run("enabled", func(t *testing.T) {
		svc := &Service{
			Conf:       &configpkg.Config{MetricsEnabled: true},
			router:     newTestRouter(t),
			registerer: prometheus.NewRegistry(),
		}
		mw, err := MetricsMiddleware().Builder(svc)
		require.NoError(t, err)
		assert.Nil(t, mw, "middleware is attached to the router directly")
	})

	t.Run("disabled", func(t *testing.T) {
		mw, err := MetricsMiddleware().Builder(&Service{Conf: &configpkg.Config{}})
		require.NoError(t, err)
		assert.Nil(t, mw)
	})
}

func TestRegisterMiddlewareValidations(t *testing.T) {
	t.Parallel()

	t.Run("requires router", func(t *testing.T) {
		err := (&Service{}).RegisterMiddleware(CorrelationIDMiddleware())
		assert.Error(t, err)
	})

	t.Run("requires middleware or builder", func(t *testing.T) {
		svc := &Service{router: newTestRouter(t)}
		assert.Error(t, svc.RegisterMiddleware(MiddlewareRegistration{Name: "empty"}))
	})

	t.Run("invokes builder", func(t *testing.T) {
		svc := &Service{router: newTestRouter(t)}
		called := false
		err := svc.RegisterMiddleware(MiddlewareRegistration{
			Name: "custom",
			Builder: func(*Service) (message.HandlerMiddleware, error) {
				called = true
				return func(h message.HandlerFunc) message.HandlerFunc { return h }, nil
			},
		})
		require.NoError(t, err)
		assert.True(t, called)
	})

	t.Run("propagates builder error", func(t *testing.T) {
		svc := &Service{router: newTestRouter(t)}
		boom := errors.New("boom")
		err := svc.RegisterMiddleware(MiddlewareRegistration{
			Builder: func(*Service) (message.HandlerMiddleware, error) { return nil, boom },
		})
		assert.ErrorIs(t, err, boom)
	})

	t.Run("accepts nil middleware from builder", func(t *testing.T) {
		svc := &Service{router: newTestRouter(t)}
		err := svc.RegisterMiddleware(MiddlewareRegistration{
			Builder: func(*Service) (message.HandlerMiddleware, error) { return nil, nil },
		})
		assert.NoError(t, err)
	})
}

func TestRegisterConfiguredMiddlewaresNamesFailures(t *testing.T) {
	t.Parallel()

	svc := &Service{
		Conf:   &configpkg.Config{},
		Logger: &recordingServiceLogger{},
		router: newTestRouter(t),
	}
	err := svc.registerConfiguredMiddlewares(Dependencies{
		DisableDefaultMiddlewares: true,
		Middlewares: []MiddlewareRegistration{{
			Builder: func(*Service) (message.HandlerMiddleware, error) { return nil, errors.New("boom") },
		}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anonymous_middleware")
}

func TestDefaultMiddlewaresOrder(t *testing.T) {
	t.Parallel()

	var names []string
	for _, reg := range DefaultMiddlewares() {
		names = append(names, reg.Name)
	}
	assert.Equal(t, []string{
		"correlation_id", "log_messages", "tracer", "metrics", "retry", "poison_queue", "recoverer",
	}, names)
}
