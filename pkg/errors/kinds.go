package errors

import (
	"errors"
	"fmt"
)

// Fatal marks a transport death, authentication abort, or explicit
// close-on-completion. It is never caught by a retry loop; it always drives
// the owning session to closed.
type Fatal struct {
	Op  string
	Err error
}

func (e *Fatal) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("fatal: %v", e.Err)
	}
	return fmt.Sprintf("fatal: %s: %v", e.Op, e.Err)
}

func (e *Fatal) Unwrap() error { return e.Err }

// NewFatal wraps err as a Fatal error attributed to op.
func NewFatal(op string, err error) *Fatal {
	return &Fatal{Op: op, Err: err}
}

// SkipFile is emitted by the retry loop when the user chose Skip or
// Skip-All. Bulk operations catch it, mark the current file failed, and
// continue with the next.
type SkipFile struct {
	Path string
	Err  error
}

func (e *SkipFile) Error() string {
	return fmt.Sprintf("skipped %s: %v", e.Path, e.Err)
}

func (e *SkipFile) Unwrap() error { return e.Err }

// NewSkipFile builds a SkipFile error for path, wrapping the cause that
// prompted the skip.
func NewSkipFile(path string, cause error) *SkipFile {
	return &SkipFile{Path: path, Err: cause}
}

// CommandError is a recoverable remote-side error wrapping a backend
// exception. It is subject to the retry loop unless ExceptionOnFail is set
// on the caller, in which case it surfaces unchanged.
type CommandError struct {
	Message string
	Err     error
}

func (e *CommandError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// NewCommandError builds a CommandError carrying a user-facing message
// template and the underlying cause.
func NewCommandError(message string, cause error) *CommandError {
	return &CommandError{Message: message, Err: cause}
}

// Abort is a silent unwind used by the callback guard and explicit user
// cancellation. It is never shown to a user.
type Abort struct {
	// Deferred, when set, is the original recoverable error the callback
	// guard converted to a silent abort; the outer frame re-raises it as
	// Fatal once the unwind completes.
	Deferred error
}

func (e *Abort) Error() string { return "aborted" }

func (e *Abort) Unwrap() error { return e.Deferred }

// ErrAbort is the zero-value Abort, for user cancellation with nothing
// deferred.
var ErrAbort = &Abort{} //nolint:gochecknoglobals // sentinel, immutable

// ExtendedException is the enriched info bundle user callbacks receive: a
// message, an optional help keyword, and nested causes. It never escapes
// the core unhandled — react-on-command and the retry loop always convert
// it to one of the other four kinds before it crosses the Terminal
// boundary.
type ExtendedException struct {
	Message     string
	HelpKeyword string
	Causes      []error
}

func (e *ExtendedException) Error() string {
	if e.HelpKeyword == "" {
		return e.Message
	}
	return fmt.Sprintf("%s [%s]", e.Message, e.HelpKeyword)
}

// Unwrap exposes the first nested cause so errors.Is/As can traverse it;
// use Causes directly for the full list.
func (e *ExtendedException) Unwrap() error {
	if len(e.Causes) == 0 {
		return nil
	}
	return e.Causes[0]
}

// NewExtendedException builds an ExtendedException from a message, an
// optional help keyword, and the chain of causes that produced it.
func NewExtendedException(message, helpKeyword string, causes ...error) *ExtendedException {
	return &ExtendedException{Message: message, HelpKeyword: helpKeyword, Causes: causes}
}

// IsFatal reports whether err is, or wraps, a Fatal error.
func IsFatal(err error) bool {
	var f *Fatal
	return errors.As(err, &f)
}

// IsAbort reports whether err is, or wraps, an Abort error.
func IsAbort(err error) bool {
	var a *Abort
	return errors.As(err, &a)
}

// IsSkipFile reports whether err is, or wraps, a SkipFile error.
func IsSkipFile(err error) bool {
	var s *SkipFile
	return errors.As(err, &s)
}

// AsCommandError reports whether err is, or wraps, a CommandError, and
// returns it.
func AsCommandError(err error) (*CommandError, bool) {
	var c *CommandError
	ok := errors.As(err, &c)
	return c, ok
}
