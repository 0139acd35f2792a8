package terminal

import (
	"context"
	"fmt"
	"sync"

	termerrors "github.com/joe/termcore/pkg/errors"
)

// RetryAnswer is a user's response to a retry-loop prompt.
type RetryAnswer int

const (
	AnswerRetry RetryAnswer = iota
	AnswerAbort
	AnswerSkip
	AnswerSkipAll
	AnswerSpecialRetry
)

// Prompter is the host surface the retry loop calls into to ask a
// retry/skip/skip-all/abort question (§4.3). message is the operation's
// error-message template; err is the triggering error; allowSkip and
// specialLabel control which answers are offered.
type Prompter interface {
	AskRetry(ctx context.Context, message string, err error, allowSkip bool, specialLabel string) RetryAnswer
}

// RetryLoop wraps every fallible remote or local file action (C3). One
// RetryLoop is created per Terminal and reused across every operation;
// its Prompter and the Progress it consults vary per call.
type RetryLoop struct {
	prompter Prompter
}

// NewRetryLoop builds a RetryLoop that asks prompter when a failure needs
// a user decision.
func NewRetryLoop(prompter Prompter) *RetryLoop {
	return &RetryLoop{prompter: prompter}
}

// Options configures one Run call.
type Options struct {
	// Message is the user-facing template shown alongside the error.
	Message string
	// AllowSkip offers Skip/Skip-All in addition to Retry/Abort.
	AllowSkip bool
	// SpecialRetryLabel, when non-empty, offers a named "retry as
	// special" answer (e.g. "retry as binary"); Run returns
	// ErrRetryAsSpecial when the user picks it.
	SpecialRetryLabel string
	// ExceptionOnFail, when set, converts the first recoverable error
	// straight into a CommandError without ever prompting (§4.3).
	ExceptionOnFail bool
	// Progress is consulted for skip_to_all (P4) and suspended around
	// prompts so elapsed-time metrics exclude wait time.
	Progress *Progress
}

// ErrRetryAsSpecial is returned by Run when the user chose the named
// special-retry answer; the caller is expected to retry the operation in
// the special mode (e.g. binary transfer) itself.
var ErrRetryAsSpecial = fmt.Errorf("retry as special mode requested")

// Run executes block, retrying/skipping/aborting per §4.3 until it
// succeeds, the user aborts, or it is skipped. fn is re-invoked on Retry.
func (r *RetryLoop) Run(ctx context.Context, opts Options, fn func() error) error {
	for {
		err := fn()
		if err == nil {
			return nil
		}

		if termerrors.IsFatal(err) || termerrors.IsAbort(err) {
			return err
		}

		if opts.ExceptionOnFail {
			return termerrors.NewCommandError(opts.Message, err)
		}

		answer, retrySpecial, abortErr := r.decide(ctx, opts, err)
		if abortErr != nil {
			return abortErr
		}
		if retrySpecial {
			return ErrRetryAsSpecial
		}

		switch answer {
		case AnswerRetry:
			continue
		case AnswerAbort:
			if opts.Progress != nil {
				opts.Progress.Cancel(CancelCancel)
			}
			return termerrors.ErrAbort
		case AnswerSkip, AnswerSkipAll:
			return termerrors.NewSkipFile(opts.Message, err)
		default:
			return termerrors.NewCommandError(opts.Message, err)
		}
	}
}

// decide resolves the next answer: skip-to-all short-circuits without a
// prompt (P4); otherwise it asks the Prompter, suspending the Progress
// timer around the call.
func (r *RetryLoop) decide(ctx context.Context, opts Options, err error) (answer RetryAnswer, retrySpecial bool, abortErr error) {
	if opts.Progress != nil && opts.Progress.SkipToAll && opts.AllowSkip {
		return AnswerSkip, false, nil
	}

	if r.prompter == nil {
		// No host attached: degrade to abort rather than loop forever.
		return AnswerAbort, false, nil
	}

	if opts.Progress != nil {
		opts.Progress.SuspendTimer()
	}
	answer = r.prompter.AskRetry(ctx, opts.Message, err, opts.AllowSkip, opts.SpecialRetryLabel)
	if opts.Progress != nil {
		opts.Progress.ResumeTimer()
	}

	if answer == AnswerSkipAll {
		if opts.Progress != nil {
			opts.Progress.SkipToAll = true
		}
		answer = AnswerSkip
	}
	if answer == AnswerSpecialRetry {
		return answer, true, nil
	}
	return answer, false, nil
}

// RunAction is the action-aware variant: on Skip it Cancel()s action; on
// Abort or a fatal rethrow it Rollback()s action, so the action log
// always terminates cleanly (§4.3).
func (r *RetryLoop) RunAction(ctx context.Context, opts Options, action *Action, fn func() error) error {
	err := r.Run(ctx, opts, fn)
	switch {
	case err == nil:
		return nil
	case termerrors.IsSkipFile(err):
		action.Cancel()
		return err
	default:
		action.Rollback(err)
		return err
	}
}

// CallbackGuard is the re-entrancy token installed for the duration of a
// callback that re-enters the core (§4.3). Exactly one guard may be
// active on a Terminal at a time; a nested Enter call panics, since
// that indicates a callback re-entered the core without going through
// the guard.
type CallbackGuard struct {
	mu       sync.Mutex
	active   bool
	deferred error
}

// NewCallbackGuard builds an empty guard.
func NewCallbackGuard() *CallbackGuard {
	return &CallbackGuard{}
}

// Enter installs the guard for the duration of fn, converting any
// recoverable error fn returns into a silent Abort (with the original
// error remembered as Deferred) so the inner caller unwinds cleanly. A
// Fatal or Abort from fn passes through unchanged. Enter panics if a
// guard is already active.
func (g *CallbackGuard) Enter(fn func() error) error {
	g.mu.Lock()
	if g.active {
		g.mu.Unlock()
		panic("terminal: CallbackGuard re-entered while already active")
	}
	g.active = true
	g.deferred = nil
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.active = false
		g.mu.Unlock()
	}()

	err := fn()
	if err == nil {
		return nil
	}
	if termerrors.IsFatal(err) || termerrors.IsAbort(err) {
		return err
	}

	g.mu.Lock()
	g.deferred = err
	g.mu.Unlock()
	return &termerrors.Abort{Deferred: err}
}

// TakeDeferred returns and clears the fatal error an Enter call converted
// to a silent abort, for the outer frame to re-raise as Fatal.
func (g *CallbackGuard) TakeDeferred() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	d := g.deferred
	g.deferred = nil
	return d
}

// Active reports whether a callback is currently running inside the
// guard.
func (g *CallbackGuard) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}
