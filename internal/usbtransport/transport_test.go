package usbtransport

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wk3x/hsdr/internal/radioerr"
)

// TestMapErrnoPreservesTranslatedKind guards against mapErrno collapsing
// every error to HardwareIOError: a backend's translateErrno output (a
// *radioerr.DeviceError sentinel for a recognized errno) must keep its Kind,
// only an unrecognized raw error falls back to HardwareIOError.
func TestMapErrnoPreservesTranslatedKind(t *testing.T) {
	assert.ErrorIs(t, mapErrno(radioerr.Sentinel(radioerr.Timeout), "usb: op"), radioerr.Sentinel(radioerr.Timeout))
	assert.ErrorIs(t, mapErrno(radioerr.Sentinel(radioerr.HardwareNotAvailable), "usb: op"), radioerr.Sentinel(radioerr.HardwareNotAvailable))
	assert.ErrorIs(t, mapErrno(radioerr.Sentinel(radioerr.Cancelled), "usb: op"), radioerr.Sentinel(radioerr.Cancelled))

	assert.ErrorIs(t, mapErrno(errors.New("short read"), "usb: op"), radioerr.Sentinel(radioerr.HardwareIOError))
}

func TestMapErrnoNilIsNil(t *testing.T) {
	assert.NoError(t, mapErrno(nil, "usb: op"))
}
