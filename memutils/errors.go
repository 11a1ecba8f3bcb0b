package memutils

import "github.com/cockroachdb/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// ResourceExhaustedError is returned when a descriptor heap, placed-resource heap, or upload ring buffer
// has no remaining capacity or submission slot for a request. Callers may retry after draining GPU work.
var ResourceExhaustedError error = errors.New("resource exhausted")

// InvalidHandleError is returned when an index or handle is used outside the range currently allocated:
// stale, from a different manager, or never allocated.
var InvalidHandleError error = errors.New("invalid handle")

// PreconditionViolatedError is returned for copies into unmapped resources, copies whose source exceeds
// the destination, and sub-resource ranges that exceed their parent.
var PreconditionViolatedError error = errors.New("precondition violated")

// FatalDeviceError marks any failure reported by the underlying graphics API, including device removal.
// It is not recoverable: the render loop should collect diagnostics and terminate.
var FatalDeviceError error = errors.New("fatal device error")

// DeviceError wraps an error returned from the graphics API and marks it as a FatalDeviceError so that
// errors.Is(err, FatalDeviceError) holds while the original cause stays in the chain. If removedReason
// is non-nil, it is attached as a secondary error.
func DeviceError(err error, removedReason error, format string, args ...any) error {
	if err == nil {
		return nil
	}

	wrapped := errors.Wrapf(err, format, args...)
	if removedReason != nil {
		wrapped = errors.WithSecondaryError(wrapped, removedReason)
	}

	return errors.Mark(wrapped, FatalDeviceError)
}
