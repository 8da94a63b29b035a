package cloudevents

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	loggingpkg "github.com/drblury/hookrelay/internal/runtime/logging"
)

type sampleEvent struct {
	ID                     string `json:"id"`
	EventClassifierCode    string `json:"eventClassifierCode"`
	EquipmentEventTypeCode string `json:"equipmentEventTypeCode"`
	EmptyIndicatorCode     string `json:"emptyIndicatorCode"`
}

func TestNew(t *testing.T) {
	evt := sampleEvent{ID: "1", EventClassifierCode: "ACT", EquipmentEventTypeCode: "LOAD", EmptyIndicatorCode: "LADEN"}
	env, err := New("org.dcsa.v1.event", "http://member.dcsa.org", evt)
	require.NoError(t, err)

	assert.Len(t, env.ID, 26)
	assert.Equal(t, "org.dcsa.v1.event", env.Type)
	assert.Equal(t, "http://member.dcsa.org", env.Source)
	assert.Equal(t, ContentTypeJSON, env.DataContentType)
	assert.False(t, env.Time.IsZero())
	assert.Nil(t, env.Extensions)
	assert.JSONEq(t, `{"id":"1","eventClassifierCode":"ACT","equipmentEventTypeCode":"LOAD","emptyIndicatorCode":"LADEN"}`, string(env.Data))

	var out sampleEvent
	require.NoError(t, env.UnmarshalData(&out))
	assert.Equal(t, evt, out)
}

func TestNewRejectsUnserializableData(t *testing.T) {
	_, err := New("t", "s", make(chan int))
	assert.Error(t, err)
}

func TestWithExtensionDoesNotMutateReceiver(t *testing.T) {
	base := Envelope{ID: "1", Type: "t", Extensions: Extensions{"topic": "a"}}
	next := base.WithExtension("topic", "b")

	assert.Equal(t, "a", base.Extension("topic"))
	assert.Equal(t, "b", next.Extension("topic"))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{"valid", Envelope{ID: "1", Type: "t", Source: "http://member.dcsa.org"}, false},
		{"source optional", Envelope{ID: "1", Type: "t"}, false},
		{"missing id", Envelope{Type: "t"}, true},
		{"missing type", Envelope{ID: "1"}, true},
		{"bad source", Envelope{ID: "1", Type: "t", Source: "http://[::1"}, true},
		{"bad extension", Envelope{ID: "1", Type: "t", Extensions: Extensions{"Callback-URL": "x"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.env.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCloneIsDeep(t *testing.T) {
	env := Envelope{ID: "1", Type: "t", Data: []byte(`{"a":1}`), Extensions: Extensions{"topic": "x"}}
	cloned := env.Clone()
	cloned.Data[2] = 'b'
	cloned.Extensions["topic"] = "y"

	assert.Equal(t, `{"a":1}`, string(env.Data))
	assert.Equal(t, "x", env.Extensions["topic"])
}

func TestLogFieldsRedactSecret(t *testing.T) {
	env := Envelope{ID: "1", Type: "t", Extensions: Extensions{ExtSecret: "s3cr3t", ExtTopic: "equipmentReference"}}
	fields := env.LogFields()

	ext, ok := fields["extensions"].(map[string]string)
	require.True(t, ok)
	assert.Equal(t, loggingpkg.Redacted, ext[ExtSecret])
	assert.Equal(t, "equipmentReference", ext[ExtTopic])
	assert.Equal(t, "s3cr3t", env.Extension(ExtSecret))
}
