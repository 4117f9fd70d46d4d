package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewInvalidArgument(t *testing.T) {
	err := NewInvalidArgument("dex path %q is not absolute", "foo.apk")

	assert.True(t, IsInvalidArgument(err))
	assert.Contains(t, err.Error(), `"foo.apk"`)
	assert.False(t, IsPermissionDenied(err))
}

func TestNewPermissionDenied(t *testing.T) {
	err := NewPermissionDenied("dex file %q is not other-readable", "/a/b.apk")

	assert.True(t, IsPermissionDenied(err))
	assert.Contains(t, err.Error(), "dex file")
}

func TestToolError(t *testing.T) {
	tests := []struct {
		name     string
		exitCode int
		signal   int
		contains string
	}{
		{"non-zero exit", 1, 0, "exit code 1"},
		{"signaled", 0, 9, "signal 9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewToolError("dex2oat", tt.exitCode, tt.signal)

			assert.True(t, IsToolError(err))
			assert.True(t, Is(err, ErrToolFailed))
			assert.Contains(t, err.Error(), tt.contains)

			exitCode, signal, ok := GetToolStatus(err)
			require.True(t, ok)
			assert.Equal(t, tt.exitCode, exitCode)
			assert.Equal(t, tt.signal, signal)
		})
	}
}

func TestToolStatusThroughWrapping(t *testing.T) {
	err := fmt.Errorf("running compiler: %w", NewToolError("dex2oat", 137, 0))

	exitCode, _, ok := GetToolStatus(err)
	require.True(t, ok)
	assert.Equal(t, 137, exitCode)
}

func TestPathError(t *testing.T) {
	err := NewFilesystemError("/data/misc/profiles/ref", "readdir", New("boom"))

	assert.True(t, IsPathError(err))
	assert.True(t, Is(err, ErrFilesystemFailed))
	assert.Contains(t, err.Error(), "/data/misc/profiles/ref")

	var pe *PathError
	require.True(t, As(err, &pe))
	assert.Equal(t, "readdir", pe.Operation)
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.NoError(t, WrapPathError("/p", "stat", nil))
	assert.NoError(t, WrapConfigError("server", "socket", nil))
}

func TestIllegalState(t *testing.T) {
	err := NewIllegalState("previous attempt failed, clean %q first", "/mnt/pre-reboot")

	assert.True(t, IsIllegalState(err))
	assert.False(t, IsCancelled(err))
}

func TestCancelledKeepsCause(t *testing.T) {
	cause := New("context canceled")
	err := NewCancelled(cause)

	assert.True(t, IsCancelled(err))
	assert.True(t, Is(err, cause))
	assert.False(t, IsToolError(err))

	assert.NoError(t, NewCancelled(nil))
}

func TestServiceFailure(t *testing.T) {
	err := NewServiceFailure("unexpected wait status type %T", struct{}{})

	assert.True(t, IsServiceFailure(err))
	assert.False(t, IsIllegalState(err))
	assert.Contains(t, err.Error(), "wait status")
}

func TestConfigError(t *testing.T) {
	err := WrapConfigError("storage", "dataRoot", New("must be absolute"))

	assert.True(t, IsConfigError(err))
	assert.Contains(t, err.Error(), "storage.dataRoot")

	noField := WrapConfigError("storage", "", New("bad"))
	assert.Contains(t, noField.Error(), "config storage:")
}
