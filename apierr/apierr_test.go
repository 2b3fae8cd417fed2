package apierr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorString(t *testing.T) {
	err := New(ItemNotFound)
	assert.Equal(t, "item_not_found", err.Error())
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := Wrap(CommError, cause)
	assert.Equal(t, "comm_error: dial tcp: timeout", err.Error())
	assert.ErrorIs(t, err, cause)
}

func TestIsMatchesByCodeOnly(t *testing.T) {
	err := fmt.Errorf("list failed: %w", New(ItemNotFound))
	assert.True(t, Is(err, ItemNotFound))
	assert.False(t, Is(err, DirectoryNotFound))
}

func TestToErrnoKnownAndUnknown(t *testing.T) {
	assert.NotZero(t, ToErrno(ItemNotFound))
	assert.NotZero(t, ToErrno(Code(999)))
}

func TestToNTStatusKnownAndUnknown(t *testing.T) {
	assert.Equal(t, StatusObjectNameNotFound, ToNTStatus(ItemNotFound))
	assert.Equal(t, StatusUnsuccessful, ToNTStatus(Code(999)))
}
