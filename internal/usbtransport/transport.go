// Package usbtransport is the thin USB wrapper of spec §4.1: open/close,
// alternate-setting selection, synchronous control transfer, synchronous
// bulk transfer, and one-shot asynchronous bulk transfer with cancellation.
//
// The Linux backend (transport_linux.go) talks directly to usbfs via
// ioctl, built with github.com/daedaluz/goioctl's IOR/IOW/IOWR helpers —
// the same macro-construction idiom Daedaluz-goserial/ioctl_linux.go uses
// for termios ioctls — instead of linking libusb.
package usbtransport

import (
	"context"
	"time"

	"github.com/wk3x/hsdr/internal/radioerr"
)

// AltSetting enumerates the device's four alternate settings.
type AltSetting int

const (
	AltIdle AltSetting = iota
	AltRFLink
	AltSPIFlash
	AltFPGA
)

// Endpoint identifies one of the four bulk endpoints.
type Endpoint int

const (
	EndpointTXSamples Endpoint = iota
	EndpointTXCtrl
	EndpointRXSamples
	EndpointRXCtrl
)

// Filter selects which attached device to open.
type Filter struct {
	VendorID, ProductID uint16
	Serial              string
	BusAddress          string // "bus:address", when the caller already knows it
}

// Speed is the negotiated USB speed class.
type Speed int

const (
	SpeedUnknown Speed = iota
	SpeedHigh
	SpeedSuper
)

// AsyncTransfer represents an in-flight asynchronous bulk transfer.
type AsyncTransfer interface {
	// Wait blocks until the transfer completes, ctx is cancelled, or the
	// transfer is explicitly cancelled, returning bytes actually
	// transferred.
	Wait(ctx context.Context) (n int, err error)
	Cancel() error
}

// Device is the open handle to one physical board. Implementations must be
// safe for concurrent use by the TX and RX serializers (spec §5: "USB
// handle... exclusively owned by the device object").
type Device interface {
	Close() error
	SetAltSetting(setting AltSetting) error
	Speed() Speed
	BusAddress() (bus, address int)

	CtrlXfer(ctx context.Context, reqType, req byte, value, index uint16, buf []byte, timeout time.Duration) (n int, err error)
	BulkXferSync(ctx context.Context, ep Endpoint, buf []byte, timeout time.Duration) (n int, err error)
	BulkXferAsync(ctx context.Context, ep Endpoint, buf []byte, timeout time.Duration) (AsyncTransfer, error)
}

// Opener opens one Device matching filter. Backends register themselves
// via RegisterOpener so tests can substitute a mock without build tags.
type Opener func(ctx context.Context, filter Filter) (Device, error)

var defaultOpener Opener

// RegisterOpener installs the platform backend's Opener. Called from the
// backend's init(), mirroring how the teacher's audio.go selects between
// OSS/ALSA/sndio backends at compile time rather than at call time.
func RegisterOpener(o Opener) { defaultOpener = o }

// Open opens a device using the registered platform backend.
func Open(ctx context.Context, filter Filter) (Device, error) {
	if defaultOpener == nil {
		return nil, radioerr.New(radioerr.HardwareNotAvailable, "no USB transport backend registered for this platform")
	}
	return defaultOpener(ctx, filter)
}

// mapErrno turns a low-level OS error into the spec §4.1 taxonomy:
// "Completion that delivered fewer bytes than requested is HardwareIOError."
// Callers first run the raw error through the backend's translateErrno (a
// platform-specific errno→Kind mapping, e.g. ETIMEDOUT→Timeout,
// ENODEV/ENOENT→HardwareNotAvailable); mapErrno preserves that Kind instead
// of collapsing everything to HardwareIOError, which is only the default
// for errors translateErrno didn't recognize.
func mapErrno(err error, context string) error {
	if err == nil {
		return nil
	}
	if de, ok := err.(*radioerr.DeviceError); ok {
		return radioerr.Wrap(de.Kind, context, de.Err)
	}
	return radioerr.Wrap(radioerr.HardwareIOError, context, err)
}
