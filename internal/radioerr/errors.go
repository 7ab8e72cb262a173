// Package radioerr defines the error taxonomy shared by every layer of the
// driver, from the USB transport up to the calibration engine.
package radioerr

import "fmt"

// Kind enumerates the error categories a caller may need to branch on.
// Values are bit positions so FatalErrorMask can select a subset.
type Kind uint32

const (
	NoError Kind = 0

	Pending Kind = 1 << iota
	Cancelled
	Timeout
	NotInitialized
	NotCalibrated
	NotSupported
	InsufficientSpeed
	InvalidPort
	OutOfRange
	NotExact
	HardwareIOError
	HardwareNotAvailable
	Saturation
	Failure
	MissingMandatoryIE
	ParserErr
)

// FatalErrorMask selects the kinds that require tearing down the interface
// rather than just reporting the failure to the caller.
const FatalErrorMask = HardwareIOError | HardwareNotAvailable | NotInitialized

func (k Kind) String() string {
	switch k {
	case NoError:
		return "no error"
	case Pending:
		return "operation pending"
	case Cancelled:
		return "cancelled"
	case Timeout:
		return "timeout"
	case NotInitialized:
		return "not initialized"
	case NotCalibrated:
		return "not calibrated"
	case NotSupported:
		return "not supported"
	case InsufficientSpeed:
		return "insufficient USB speed"
	case InvalidPort:
		return "invalid port"
	case OutOfRange:
		return "out of range"
	case NotExact:
		return "not exact"
	case HardwareIOError:
		return "hardware I/O error"
	case HardwareNotAvailable:
		return "hardware not available"
	case Saturation:
		return "saturation"
	case Failure:
		return "failure"
	case MissingMandatoryIE:
		return "missing mandatory parameter"
	case ParserErr:
		return "parse error"
	}
	return fmt.Sprintf("kind(%d)", uint32(k))
}

// Fatal reports whether k should tear down the owning interface.
func (k Kind) Fatal() bool {
	return k&FatalErrorMask != 0
}

// DeviceError wraps a Kind with human-readable context and an optional
// underlying cause, so public entry points can return formatted strings
// while still letting callers branch with errors.As/errors.Is.
//
// Grounded on Daedaluz-goserial/error.go's Error{msg, err} + Unwrap shape.
type DeviceError struct {
	Kind    Kind
	Context string
	Err     error
}

func New(kind Kind, context string) *DeviceError {
	return &DeviceError{Kind: kind, Context: context}
}

func Wrap(kind Kind, context string, err error) *DeviceError {
	return &DeviceError{Kind: kind, Context: context, Err: err}
}

func (e *DeviceError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Kind.String()
	if e.Context != "" {
		msg = e.Context + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DeviceError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is lets errors.Is(err, radioerr.Timeout) work by comparing against a
// sentinel built from a bare Kind.
func (e *DeviceError) Is(target error) bool {
	other, ok := target.(*DeviceError)
	if !ok {
		return false
	}
	return other.Err == nil && other.Context == "" && other.Kind == e.Kind
}

// Sentinel returns a bare DeviceError usable with errors.Is.
func Sentinel(kind Kind) *DeviceError {
	return &DeviceError{Kind: kind}
}

// KindOf extracts the Kind from any error, defaulting to Failure for
// errors that did not originate from this package.
func KindOf(err error) Kind {
	if err == nil {
		return NoError
	}
	var de *DeviceError
	if as(err, &de) {
		return de.Kind
	}
	return Failure
}

// as is a tiny local shim so this file has no import cycle concerns with
// the standard errors package while keeping the call site readable.
func as(err error, target **DeviceError) bool {
	for err != nil {
		if de, ok := err.(*DeviceError); ok {
			*target = de
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
