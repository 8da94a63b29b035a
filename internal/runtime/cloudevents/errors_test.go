package cloudevents

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeErrorMatching(t *testing.T) {
	cause := errors.New("bad time")
	err := fmt.Errorf("consume: %w", &DecodeError{Binding: "queue", Attribute: "time", Reason: "is unparsable", Cause: cause})

	assert.True(t, errors.Is(err, ErrDecode))
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), `attribute "time" is unparsable`)

	var decodeErr *DecodeError
	assert.True(t, errors.As(err, &decodeErr))
	assert.Equal(t, "queue", decodeErr.Binding)
}

func TestShouldDeadLetter(t *testing.T) {
	assert.False(t, ShouldDeadLetter(nil))
	assert.False(t, ShouldDeadLetter(errors.New("transient")))
	assert.True(t, ShouldDeadLetter(&DecodeError{Attribute: "id", Reason: "is missing"}))
	assert.True(t, ShouldDeadLetter(ErrDeadLetterWithReason("exhausted", errors.New("status 500"))))
}

func TestDeadLetterErrorMessage(t *testing.T) {
	assert.Equal(t, "hookrelay: dead letter (exhausted)", ErrDeadLetterWithReason("exhausted", nil).Error())
	assert.Equal(t, "hookrelay: dead letter (exhausted): boom", ErrDeadLetterWithReason("exhausted", errors.New("boom")).Error())
}
