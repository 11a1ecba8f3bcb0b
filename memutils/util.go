package memutils

import (
	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint | ~uint32 | ~uint64
}

func CheckPow2[T Number](number T, name string) error {
	if number == 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

// AlignUp rounds value up to the next multiple of alignment, which must be a power of two
func AlignUp(value int, alignment uint) int {
	if alignment <= 1 {
		return value
	}
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

// AlignDown rounds value down to the previous multiple of alignment, which must be a power of two
func AlignDown(value int, alignment uint) int {
	if alignment <= 1 {
		return value
	}
	return value & int(^(alignment - 1))
}

// Exhausted wraps ResourceExhaustedError with a formatted message
func Exhausted(format string, args ...any) error {
	return cerrors.Wrapf(ResourceExhaustedError, format, args...)
}

// InvalidHandle wraps InvalidHandleError with a formatted message
func InvalidHandle(format string, args ...any) error {
	return cerrors.Wrapf(InvalidHandleError, format, args...)
}

// Precondition wraps PreconditionViolatedError with a formatted message
func Precondition(format string, args ...any) error {
	return cerrors.Wrapf(PreconditionViolatedError, format, args...)
}

// Validatable is implemented by heap and ring metadata so DebugValidate can check their invariants
type Validatable interface {
	Validate() error
}
