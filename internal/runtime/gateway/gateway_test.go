package gateway

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ce "github.com/drblury/hookrelay/internal/runtime/cloudevents"
	"github.com/drblury/hookrelay/internal/runtime/codec"
	"github.com/drblury/hookrelay/internal/runtime/domain"
	"github.com/drblury/hookrelay/internal/runtime/fanout"
	loggingpkg "github.com/drblury/hookrelay/internal/runtime/logging"
)

func testLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

type capturePublisher struct {
	mu    sync.Mutex
	err   error
	sent  map[string][]*message.Message
	calls int
}

func (c *capturePublisher) Publish(topic string, msgs ...*message.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return c.err
	}
	if c.sent == nil {
		c.sent = map[string][]*message.Message{}
	}
	c.sent[topic] = append(c.sent[topic], msgs...)
	return nil
}

func (c *capturePublisher) Close() error { return nil }

func inboundEnvelope(t *testing.T, extensions ce.Extensions) ce.Envelope {
	t.Helper()
	env, err := ce.New("org.dcsa.v2.event", "http://member.dcsa.org", domain.SampleEvent())
	require.NoError(t, err)
	for name, value := range extensions {
		env = env.WithExtension(name, value)
	}
	return env
}

func streamMessage(t *testing.T, env ce.Envelope) *message.Message {
	t.Helper()
	msg, err := codec.Encode(env, codec.StreamBinding)
	require.NoError(t, err)
	return msg
}

func TestVersionedType(t *testing.T) {
	tests := []struct {
		name    string
		version string
		inType  string
		want    string
	}{
		{name: "no version keeps type", inType: "org.dcsa.v2.event", want: "org.dcsa.v2.event"},
		{name: "no version no type", want: "org.dcsa.v1.event"},
		{name: "v2", version: "v2", inType: "org.dcsa.v1.event", want: "org.dcsa.v2.event"},
		{name: "v10", version: "v10", inType: "x", want: "org.dcsa.v10.event"},
		{name: "bare number", version: "2", inType: "x", want: "x"},
		{name: "injected suffix", version: "v2.event.evil", inType: "x", want: "x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := ce.Envelope{ID: "1", Type: tt.inType}
			if tt.version != "" {
				env = env.WithExtension(ce.ExtEventVersion, tt.version)
			}
			assert.Equal(t, tt.want, VersionedType(env))
			assert.Equal(t, tt.want, VersionedType(env), "selector must be deterministic")
		})
	}
}

func TestKeepAndFixedType(t *testing.T) {
	env := ce.Envelope{ID: "1", Type: "org.dcsa.v2.event"}
	assert.Equal(t, "org.dcsa.v2.event", KeepType(env))
	assert.Equal(t, "org.dcsa.v1.event", FixedType("org.dcsa.v1.event")(env))
}

func TestDefaultDestination(t *testing.T) {
	dest := DefaultDestination("producer-core", "fallback")

	withTopic := ce.Envelope{}.WithExtension(ce.ExtTopic, "equipment")
	assert.Equal(t, "equipment.producer-core", dest(withTopic))
	assert.Equal(t, "fallback", dest(ce.Envelope{}))
	assert.Empty(t, DefaultDestination("producer-core", "")(ce.Envelope{}))

	trailing := ce.Envelope{}.WithExtension(ce.ExtTopic, "equipment.")
	assert.Equal(t, fanout.Destination("equipment.", "producer-core"), dest(trailing))
	assert.Equal(t, "equipment.producer-core", dest(trailing))
}

func TestTranslateKeepsTypeWithoutVersion(t *testing.T) {
	g, err := New(nil, Config{Source: "http://member.dcsa.org/mediator"}, testLogger())
	require.NoError(t, err)

	out := g.Translate(inboundEnvelope(t, nil))
	assert.Equal(t, "org.dcsa.v2.event", out.Type)
}

func TestConsumeRepublishesOnQueueBinding(t *testing.T) {
	pub := &capturePublisher{}
	g, err := New(pub, Config{Source: "http://member.dcsa.org/mediator", DestinationSuffix: "producer-core"}, testLogger(),
		WithIDGenerator(func() string { return "out-1" }))
	require.NoError(t, err)

	in := inboundEnvelope(t, ce.Extensions{
		ce.ExtCallbackURL:    "http://localhost:9000/hook",
		ce.ExtSubscriptionID: "sub-1",
		ce.ExtSecret:         "s3cr3t",
		ce.ExtTopic:          "equipment",
		ce.ExtEventVersion:   "v2",
	})
	require.NoError(t, g.Consume(streamMessage(t, in)))

	msgs := pub.sent["equipment.producer-core"]
	require.Len(t, msgs, 1)

	out, err := codec.Decode(msgs[0], codec.QueueBinding)
	require.NoError(t, err)
	assert.Equal(t, "out-1", out.ID)
	assert.Equal(t, "http://member.dcsa.org/mediator", out.Source)
	assert.Equal(t, "org.dcsa.v2.event", out.Type)
	assert.JSONEq(t, string(in.Data), string(out.Data))
	assert.True(t, in.Time.Equal(out.Time))
	assert.Equal(t, ce.Extensions{
		ce.ExtCallbackURL:    "http://localhost:9000/hook",
		ce.ExtSubscriptionID: "sub-1",
		ce.ExtTopic:          "equipment",
	}, out.Extensions)
}

func TestConsumeForwardsConfiguredExtensions(t *testing.T) {
	pub := &capturePublisher{}
	g, err := New(pub, Config{
		Forward:     []string{ce.ExtCallbackURL, ce.ExtSecret},
		OutputQueue: "deliveries",
	}, testLogger(), WithTypeSelector(KeepType))
	require.NoError(t, err)

	in := inboundEnvelope(t, ce.Extensions{
		ce.ExtCallbackURL:    "http://localhost:9000/hook",
		ce.ExtSubscriptionID: "sub-1",
		ce.ExtSecret:         "s3cr3t",
	})
	require.NoError(t, g.Consume(streamMessage(t, in)))

	msgs := pub.sent["deliveries"]
	require.Len(t, msgs, 1)
	out, err := codec.Decode(msgs[0], codec.QueueBinding)
	require.NoError(t, err)

	assert.Equal(t, "org.dcsa.v2.event", out.Type)
	assert.Equal(t, in.Source, out.Source)
	assert.Equal(t, "s3cr3t", out.Extension(ce.ExtSecret))
	assert.Empty(t, out.Extension(ce.ExtSubscriptionID))
}

func TestConsumeWithoutDestinationOnlyLogs(t *testing.T) {
	pub := &capturePublisher{}
	g, err := New(pub, Config{}, testLogger())
	require.NoError(t, err)

	require.NoError(t, g.Consume(streamMessage(t, inboundEnvelope(t, nil))))
	assert.Zero(t, pub.calls)
}

func TestConsumeRejectsUndecodableMessages(t *testing.T) {
	pub := &capturePublisher{}
	g, err := New(pub, Config{OutputQueue: "deliveries"}, testLogger())
	require.NoError(t, err)

	msg := message.NewMessage("1", []byte(`{}`))
	msg.Metadata.Set("ce_type", "org.dcsa.v1.event")

	err = g.Consume(msg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ce.ErrDecode)
	assert.True(t, ce.ShouldDeadLetter(err))
	assert.Zero(t, pub.calls)
}

func TestConsumeSurfacesPublishFailure(t *testing.T) {
	pub := &capturePublisher{err: errors.New("queue down")}
	g, err := New(pub, Config{OutputQueue: "deliveries"}, testLogger(), WithDestination(func(ce.Envelope) string { return "custom" }))
	require.NoError(t, err)

	err = g.Consume(streamMessage(t, inboundEnvelope(t, nil)))
	require.Error(t, err)
	assert.ErrorContains(t, err, "custom")
	assert.False(t, ce.ShouldDeadLetter(err))
}

func TestTranslateFillsMissingTime(t *testing.T) {
	g, err := New(nil, Config{}, testLogger())
	require.NoError(t, err)

	out := g.Translate(ce.Envelope{ID: "1", Type: "t", Source: "http://a"})
	assert.False(t, out.Time.IsZero())
	assert.WithinDuration(t, time.Now(), out.Time, time.Minute)
	assert.Equal(t, "http://a", out.Source)
	assert.NotEqual(t, "1", out.ID)
}
