package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorString(t *testing.T) {
	err := NewNotOwner()
	assert.Equal(t, "NOT_OWNER: caller is not the governance owner", err.Error())

	del := NewDelegatedFailure([]byte{0x01, 0x02, 0x03})
	assert.Contains(t, del.Error(), "3 payload bytes")
}

func TestIsCodeUnwrapsWrappedErrors(t *testing.T) {
	inner := NewAlreadyInitialized(1)
	wrapped := fmt.Errorf("running initializer: %w", inner)

	assert.True(t, IsCode(wrapped, CodeAlreadyInitialized))
	assert.False(t, IsCode(wrapped, CodeNotOwner))
	assert.True(t, IsKind(wrapped, KindState))
	assert.False(t, IsKind(wrapped, KindDelegated))
}

func TestIsCodePlainError(t *testing.T) {
	assert.False(t, IsCode(errors.New("boom"), CodeBadPayload))
	assert.False(t, IsKind(errors.New("boom"), KindValidation))
}

func TestAs(t *testing.T) {
	fe, ok := As(fmt.Errorf("outer: %w", NewZeroAuthority()))
	require.True(t, ok)
	assert.Equal(t, CodeZeroAuthority, fe.Code)

	_, ok = As(errors.New("boom"))
	assert.False(t, ok)
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want int
	}{
		{"validation", NewInvalidModule("deadbeef"), 400},
		{"authorization", NewNotOwner(), 403},
		{"state", NewAdminConfusion("ffffffff"), 409},
		{"delegated", NewDelegatedFailure([]byte("no")), 422},
		{"unknown kind", &Error{Kind: Kind("OTHER"), Code: Code("X")}, 500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.HTTPStatus())
		})
	}
}

func TestDelegatedFailurePreservesPayload(t *testing.T) {
	payload := []byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01}
	err := NewDelegatedFailure(payload)

	fe, ok := As(fmt.Errorf("dispatch: %w", err))
	require.True(t, ok)
	assert.Equal(t, payload, fe.Payload)
	assert.Equal(t, KindDelegated, fe.Kind)
}

func TestConstructorDetails(t *testing.T) {
	err := NewStrandedValue(42)
	require.NotNil(t, err.Details)
	assert.Equal(t, "42", err.Details["value"])

	err = NewInvalidModule("abc123")
	assert.Equal(t, "abc123", err.Details["ref"])

	err = NewAlreadyInitialized(7)
	assert.Equal(t, "7", err.Details["version"])
}
