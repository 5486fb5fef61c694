// Package errs defines the failure taxonomy shared by every stage of a run.
// Callers branch on the Kind, never on message text.
package errs

import (
	"errors"
	"fmt"
)

type Kind string

const (
	// Device covers missing devices, multiple attached devices and
	// unsupported hardware or iOS versions.
	Device Kind = "device"
	// Dependency means an external tool binary could not be located or
	// downloaded, with no cached copy to fall back on.
	Dependency Kind = "dependency"
	// Tool means an external tool exited non-zero or did not produce its
	// output artifact.
	Tool Kind = "tool"
	// Patch is a Tool failure from a patcher, or a failed in-process byte
	// patch.
	Patch Kind = "patch"
	// Manifest means no (or more than one) build identity matched.
	Manifest Kind = "manifest"
	// Connectivity means a remote metadata endpoint was unreachable.
	Connectivity Kind = "connectivity"
	// Pipeline is an out-of-order stage transition.
	Pipeline Kind = "pipeline"
	// Install is a failure of the remote installer that needs manual
	// intervention on the device.
	Install Kind = "install"
)

type Error struct {
	Kind Kind
	// Op names the operation that failed, eg. "gaster decrypt".
	Op  string
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns an Error of the given kind. A nil err is allowed.
func New(k Kind, op string, err error) error {
	return &Error{Kind: k, Op: op, Err: err}
}

// Errorf is New with a formatted cause.
func Errorf(k Kind, op string, format string, args ...any) error {
	return &Error{Kind: k, Op: op, Err: fmt.Errorf(format, args...)}
}

// Is reports whether any error in err's chain is an *Error of kind k.
func Is(err error, k Kind) bool {
	var e *Error
	for err != nil {
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == k {
			return true
		}
		err = e.Err
	}
	return false
}

// KindOf returns the outermost Kind in err's chain, or "" if there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
