package devmem

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// ErrorKind classifies every error this package can return, per the error
// taxonomy in spec.md §7. Callers should match on kind with errors.Is against
// the sentinels below rather than inspecting message text.
type ErrorKind int

const (
	// ErrorKindInvalidArgument covers zero size, misaligned alignment,
	// mutually exclusive flags, an invalid pool, an invalid heap index, or an
	// invalid usage enum value.
	ErrorKindInvalidArgument ErrorKind = iota
	// ErrorKindOutOfDeviceMemory covers no memory type satisfying budget or
	// limit, a block list exhausted under NeverAllocate, or the driver
	// reporting out-of-device-memory on block creation.
	ErrorKindOutOfDeviceMemory
	// ErrorKindOutOfHostMemory wraps the driver reporting host memory
	// exhaustion.
	ErrorKindOutOfHostMemory
	// ErrorKindFeatureNotPresent covers no memory type matching the caller's
	// requirements or usage.
	ErrorKindFeatureNotPresent
	// ErrorKindDriverError wraps any other driver failure, surfaced verbatim
	// alongside the driver's own result code.
	ErrorKindDriverError
	// ErrorKindInvalidState covers freeing an already-disposed or already-
	// lost handle when the operation is not idempotent, destroying a
	// non-empty pool, or disposing an allocator with live pools or dedicated
	// allocations.
	ErrorKindInvalidState
	// ErrorKindUnsupported marks the stubbed defragmentation surface: these
	// entry points are intentionally not implemented.
	ErrorKindUnsupported
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindInvalidArgument:
		return "InvalidArgument"
	case ErrorKindOutOfDeviceMemory:
		return "OutOfDeviceMemory"
	case ErrorKindOutOfHostMemory:
		return "OutOfHostMemory"
	case ErrorKindFeatureNotPresent:
		return "FeatureNotPresent"
	case ErrorKindDriverError:
		return "DriverError"
	case ErrorKindInvalidState:
		return "InvalidState"
	case ErrorKindUnsupported:
		return "Unsupported"
	default:
		return "Unknown"
	}
}

// kindError carries an ErrorKind alongside the wrapped cause, so
// errors.Is(err, ErrOutOfDeviceMemory) keeps working through any amount of
// further wrapping via errors.Wrap.
type kindError struct {
	kind  ErrorKind
	cause error
}

func (e *kindError) Error() string { return e.cause.Error() }
func (e *kindError) Cause() error  { return e.cause }
func (e *kindError) Unwrap() error { return e.cause }
func (e *kindError) Is(target error) bool {
	sentinel, ok := target.(*kindError)
	return ok && sentinel.kind == e.kind
}

// Sentinels for errors.Is matching against a returned error's kind,
// independent of its message.
var (
	ErrInvalidArgument   = &kindError{kind: ErrorKindInvalidArgument, cause: errors.New("invalid argument")}
	ErrOutOfDeviceMemory = &kindError{kind: ErrorKindOutOfDeviceMemory, cause: errors.New("out of device memory")}
	ErrOutOfHostMemory   = &kindError{kind: ErrorKindOutOfHostMemory, cause: errors.New("out of host memory")}
	ErrFeatureNotPresent = &kindError{kind: ErrorKindFeatureNotPresent, cause: errors.New("feature not present")}
	ErrDriverError       = &kindError{kind: ErrorKindDriverError, cause: errors.New("driver error")}
	ErrInvalidState      = &kindError{kind: ErrorKindInvalidState, cause: errors.New("invalid state")}
	ErrUnsupported       = &kindError{kind: ErrorKindUnsupported, cause: errors.New("not implemented")}
)

// Kind returns err's ErrorKind, or false if err was not produced by this
// package's constructors.
func Kind(err error) (ErrorKind, bool) {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind, true
	}
	return 0, false
}

func newKindError(kind ErrorKind, cause error) error {
	return &kindError{kind: kind, cause: cause}
}

func invalidArgumentf(format string, args ...interface{}) error {
	return newKindError(ErrorKindInvalidArgument, errors.Newf(format, args...))
}

func invalidStatef(format string, args ...interface{}) error {
	return newKindError(ErrorKindInvalidState, errors.Newf(format, args...))
}

func unsupportedf(format string, args ...interface{}) error {
	return newKindError(ErrorKindUnsupported, errors.Newf(format, args...))
}

// wrapDriverError classifies a raw driver failure, matching spec.md §7's
// mapping of VKErrorOutOfDeviceMemory and VKErrorOutOfHostMemory to their own
// kinds and everything else to ErrorKindDriverError carrying the cause
// verbatim.
func wrapDriverError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, core1_0.VKErrorOutOfDeviceMemory.ToError()):
		return newKindError(ErrorKindOutOfDeviceMemory, errors.Wrapf(err, "driver reported out of device memory"))
	case errors.Is(err, core1_0.VKErrorOutOfHostMemory.ToError()):
		return newKindError(ErrorKindOutOfHostMemory, errors.Wrapf(err, "driver reported out of host memory"))
	default:
		return newKindError(ErrorKindDriverError, errors.Wrapf(err, "driver call failed"))
	}
}
