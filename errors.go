package ivee

import (
	"errors"
	"fmt"
)

// Kind classifies an error returned by this package. Callers that need to
// react differently to different failure modes should use errors.Is against
// the sentinel matching the Kind, not string-match Error().
type Kind int

const (
	// KindUnspecified is the zero value; never returned by this package.
	KindUnspecified Kind = iota

	// KindInvalidArgument means a caller-supplied parameter violates a
	// precondition (nil state pointer, empty or unreadable executable).
	KindInvalidArgument

	// KindUnsupported means the caller asked for a capability or format
	// this build/platform does not implement.
	KindUnsupported

	// KindOutOfMemory means a host allocation (mmap, calloc-equivalent)
	// failed. No function in this package returns it: a failed host
	// mapping surfaces as KindBackendError.
	KindOutOfMemory

	// KindNoSpace means a guest memory map has more regions than the
	// backend has memory slots. No function in this package returns it: a
	// backend slot-capacity failure, like an overlapping or overflowing
	// guest region, surfaces as KindBackendError.
	KindNoSpace

	// KindBackendUnavailable means the hypervisor backend could not be
	// opened (e.g. /dev/kvm missing or inaccessible).
	KindBackendUnavailable

	// KindBackendError means the backend was opened successfully but an
	// operation against it failed (an ioctl, a syscall, a host mapping).
	// An unexpected guest exit is KindUnsupported, not this kind.
	KindBackendError
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid argument"
	case KindUnsupported:
		return "unsupported"
	case KindOutOfMemory:
		return "out of memory"
	case KindNoSpace:
		return "no space"
	case KindBackendUnavailable:
		return "backend unavailable"
	case KindBackendError:
		return "backend error"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error wraps an underlying cause with a Kind so callers can classify
// failures with errors.Is/errors.As without parsing message text.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ivee: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("ivee: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is one of the Err* sentinels matching e.Kind,
// so callers can write errors.Is(err, ivee.ErrNoSpace) instead of comparing
// Kind values directly.
func (e *Error) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && errors.Is(sentinel, target)
}

var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrUnsupported        = errors.New("unsupported")
	ErrOutOfMemory        = errors.New("out of memory")
	ErrNoSpace            = errors.New("no space")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrBackendError       = errors.New("backend error")
)

var kindSentinels = map[Kind]error{
	KindInvalidArgument:    ErrInvalidArgument,
	KindUnsupported:        ErrUnsupported,
	KindOutOfMemory:        ErrOutOfMemory,
	KindNoSpace:            ErrNoSpace,
	KindBackendUnavailable: ErrBackendUnavailable,
	KindBackendError:       ErrBackendError,
}

// newErr builds a classified error, wrapping cause if non-nil.
func newErr(kind Kind, op string, cause error) error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

func invalidArgument(op string, format string, args ...any) error {
	return newErr(KindInvalidArgument, op, fmt.Errorf(format, args...))
}

func unsupported(op string, format string, args ...any) error {
	return newErr(KindUnsupported, op, fmt.Errorf(format, args...))
}

func noSpace(op string, format string, args ...any) error {
	return newErr(KindNoSpace, op, fmt.Errorf(format, args...))
}

func backendError(op string, cause error) error {
	return newErr(KindBackendError, op, cause)
}

func backendUnavailable(op string, cause error) error {
	return newErr(KindBackendUnavailable, op, cause)
}
