package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	err := Errorf(ErrIntegrity, "digest mismatch")
	wrapped := fmt.Errorf("finalize: %w", err)

	assert.Equal(t, ErrIntegrity, CodeOf(err))
	assert.Equal(t, ErrIntegrity, CodeOf(wrapped))
	assert.Equal(t, ErrUnknown, CodeOf(errors.New("disk on fire")))
	assert.Equal(t, ErrUnknown, CodeOf(nil))
}

func TestIsCode(t *testing.T) {
	err := ResourceError(ErrNotFound, "abc", "file not found")

	assert.True(t, IsCode(err, ErrNotFound))
	assert.False(t, IsCode(err, ErrConflict))
	assert.False(t, IsCode(nil, ErrNotFound))
	assert.True(t, errors.Is(err, &StoreError{Code: ErrNotFound}))
}

func TestStoreError_Error(t *testing.T) {
	assert.Equal(t, "NotFoundError: file not found: abc",
		ResourceError(ErrNotFound, "abc", "file not found").Error())
	assert.Equal(t, "LockTimeoutError: lease not granted",
		Errorf(ErrLockTimeout, "lease not granted").Error())
}
