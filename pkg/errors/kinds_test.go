package errors_test

import (
	"errors"
	"testing"

	termerrors "github.com/joe/termcore/pkg/errors"
)

func TestFatal_WrapsAndUnwraps(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection reset")
	err := termerrors.NewFatal("open", cause)

	if !termerrors.IsFatal(err) {
		t.Fatalf("expected IsFatal true for %v", err)
	}

	if !errors.Is(err, cause) {
		t.Errorf("expected errors.Is to find wrapped cause")
	}

	if got := err.Error(); got != "fatal: open: connection reset" {
		t.Errorf("unexpected message: %q", got)
	}
}

func TestSkipFile_CarriesPath(t *testing.T) {
	t.Parallel()

	cause := errors.New("permission denied")
	err := termerrors.NewSkipFile("/remote/x.txt", cause)

	if !termerrors.IsSkipFile(err) {
		t.Fatalf("expected IsSkipFile true")
	}

	if err.Path != "/remote/x.txt" {
		t.Errorf("unexpected path: %q", err.Path)
	}
}

func TestCommandError_AsCommandErrorKeepsMessage(t *testing.T) {
	t.Parallel()

	cause := errors.New("no such file")
	cmdErr := termerrors.NewCommandError("delete failed", cause)

	got, ok := termerrors.AsCommandError(cmdErr)
	if !ok {
		t.Fatalf("expected AsCommandError to match")
	}

	if got.Message != "delete failed" {
		t.Errorf("unexpected message: %q", got.Message)
	}
}

func TestAbort_IsSilent(t *testing.T) {
	t.Parallel()

	if !termerrors.IsAbort(termerrors.ErrAbort) {
		t.Fatalf("expected IsAbort true for ErrAbort")
	}

	deferredCause := errors.New("disk full")
	abortWithDeferred := &termerrors.Abort{Deferred: deferredCause}

	if !errors.Is(abortWithDeferred, deferredCause) {
		t.Errorf("expected errors.Is to reach the deferred cause")
	}
}

func TestExtendedException_FormatsHelpKeyword(t *testing.T) {
	t.Parallel()

	cause := errors.New("timeout")
	ext := termerrors.NewExtendedException("could not connect", "net.timeout", cause)

	if got := ext.Error(); got != "could not connect [net.timeout]" {
		t.Errorf("unexpected message: %q", got)
	}

	if errors.Unwrap(ext) != cause {
		t.Errorf("expected Unwrap to return first cause")
	}
}
