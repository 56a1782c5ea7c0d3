package kernel

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var errNilHost = errors.New("nufr: HostOps must not be nil")

// Result is the discriminated outcome of a kernel primitive (spec.md §7).
// Resource exhaustion and cancellation are always returned, never silently
// dropped or retried by the kernel itself.
type Result int

const (
	ResultOK Result = iota
	ResultOKNoBlock
	ResultOKBlock
	ResultTimeout
	ResultAbortedByMessage
	ResultAwokeReceiver
	ResultAbortedReceiver
	ResultTaskNotWaiting
	ResultKeyMismatch
	ResultDestNotFound
	ResultPoolEmpty
	ResultNoMsgBlock
	ResultInvalid
	ResultNotLaunched
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "OK"
	case ResultOKNoBlock:
		return "OKNoBlock"
	case ResultOKBlock:
		return "OKBlock"
	case ResultTimeout:
		return "Timeout"
	case ResultAbortedByMessage:
		return "AbortedByMessage"
	case ResultAwokeReceiver:
		return "AwokeReceiver"
	case ResultAbortedReceiver:
		return "AbortedReceiver"
	case ResultTaskNotWaiting:
		return "TaskNotWaiting"
	case ResultKeyMismatch:
		return "KeyMismatch"
	case ResultDestNotFound:
		return "DestNotFound"
	case ResultPoolEmpty:
		return "PoolEmpty"
	case ResultNoMsgBlock:
		return "NoMsgBlock"
	case ResultInvalid:
		return "Invalid"
	case ResultNotLaunched:
		return "NotLaunched"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// AssertLevel selects which assertion categories (spec.md §7) are checked.
// A firmware port would select this at build time; as a library we check
// it at run time in require, so AssertNone turns every assertion into an
// early return without removing the call itself.
type AssertLevel int

const (
	// AssertNone skips every require() check.
	AssertNone AssertLevel = iota
	// AssertAPI checks only KERNEL_REQUIRE_API-class misuse at the
	// external-API boundary (bad tid, bad sema id, ...).
	AssertAPI
	// AssertAll additionally checks internal invariants
	// (KERNEL_REQUIRE_IL, KERNEL_REQUIRE, SL_*, APP_*).
	AssertAll
)

// require panics (after logging, with a stack attached) if cond is false and
// the kernel's configured AssertLevel is at least minLevel. Firing an
// assertion is fatal: spec.md §7 -- "the system halts or traps; it is never
// recovered locally."
func (k *Kernel) require(minLevel AssertLevel, cond bool, format string, args ...interface{}) {
	if k.assertLevel < minLevel {
		return
	}
	if cond {
		return
	}
	err := errors.Errorf(format, args...)
	k.log.WithError(err).Error("kernel assertion failed")
	panic(err)
}

// requireAPI checks API-misuse-class invariants (bad handle, double
// operation on an already-blocked task, ...). Checked unless the kernel is
// configured with AssertNone.
func (k *Kernel) requireAPI(cond bool, format string, args ...interface{}) {
	k.require(AssertAPI, cond, format, args...)
}

// requireInvariant checks internal-only invariants that should never fire
// unless the kernel itself has a bug.
func (k *Kernel) requireInvariant(cond bool, format string, args ...interface{}) {
	k.require(AssertAll, cond, format, args...)
}

func nilLoggerIfNeeded(l *logrus.Logger) *logrus.Logger {
	if l != nil {
		return l
	}
	l = logrus.New()
	return l
}
