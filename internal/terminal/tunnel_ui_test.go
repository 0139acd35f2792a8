package terminal

import (
	"context"
	"errors"
	"testing"

	"github.com/joe/termcore/internal/config"
)

type stubPrompter struct {
	calls int
	reply RetryAnswer
}

func (s *stubPrompter) AskRetry(context.Context, string, error, bool, string) RetryAnswer {
	s.calls++
	return s.reply
}

func TestTunnelUIForwardsWhenContextCarriesOwnerTag(t *testing.T) {
	host := &stubPrompter{reply: AnswerRetry}
	ui := NewTunnelUI(host, 42)

	ctx := WithGoroutineTag(context.Background(), 42)
	if got := ui.AskRetry(ctx, "open tunnel", errors.New("dial failed"), false, ""); got != AnswerRetry {
		t.Fatalf("AskRetry = %v, want AnswerRetry", got)
	}
	if host.calls != 1 {
		t.Fatalf("host.calls = %d, want 1", host.calls)
	}
}

func TestTunnelUIAbortsWithoutOwnerTag(t *testing.T) {
	host := &stubPrompter{reply: AnswerRetry}
	ui := NewTunnelUI(host, 42)

	if got := ui.AskRetry(context.Background(), "open tunnel", errors.New("dial failed"), false, ""); got != AnswerAbort {
		t.Fatalf("AskRetry with untagged context = %v, want AnswerAbort", got)
	}
	if host.calls != 0 {
		t.Fatalf("host.calls = %d, want 0 (untagged caller must never reach host)", host.calls)
	}
}

func TestTunnelUIAbortsWithMismatchedOwnerTag(t *testing.T) {
	host := &stubPrompter{reply: AnswerRetry}
	ui := NewTunnelUI(host, 42)

	ctx := WithGoroutineTag(context.Background(), 99)
	if got := ui.AskRetry(ctx, "open tunnel", errors.New("dial failed"), false, ""); got != AnswerAbort {
		t.Fatalf("AskRetry with mismatched tag = %v, want AnswerAbort", got)
	}
	if host.calls != 0 {
		t.Fatalf("host.calls = %d, want 0", host.calls)
	}
}

func TestTunnelUIAbortsWithNilHost(t *testing.T) {
	ui := NewTunnelUI(nil, 1)
	ctx := WithGoroutineTag(context.Background(), 1)
	if got := ui.AskRetry(ctx, "open tunnel", errors.New("dial failed"), false, ""); got != AnswerAbort {
		t.Fatalf("AskRetry with nil host = %v, want AnswerAbort", got)
	}
}

// flakyShell is a SecureShellTransport that fails Open a fixed number of
// times before succeeding, letting TestTunnelBringUpRetriesThroughTunnelUI
// exercise BringUp's retry-via-TunnelUI path without a real SSH dial.
type flakyShell struct {
	opens     int
	failUntil int
	active    bool
}

func (f *flakyShell) Open(context.Context) error {
	f.opens++
	if f.opens <= f.failUntil {
		return errors.New("dial refused")
	}
	f.active = true
	return nil
}
func (f *flakyShell) Close() error               { f.active = false; return nil }
func (f *flakyShell) Idle(context.Context) error { return nil }
func (f *flakyShell) Active() bool               { return f.active }
func (f *flakyShell) LastError() error           { return nil }

func TestTunnelBringUpRetriesThroughTunnelUI(t *testing.T) {
	shell := &flakyShell{failUntil: 2}
	host := &stubPrompter{reply: AnswerRetry}

	tun := &Tunnel{
		descriptor: &config.TunnelDescriptor{LocalPort: 19321},
		log:        NewLog("Tunnel", 16),
		shell:      shell,
	}
	tun.ui = NewTunnelUI(host, 7)

	ctx := WithGoroutineTag(context.Background(), 7)
	localPort, err := tun.BringUp(ctx, "example.test", 22)
	t.Cleanup(func() { _ = tun.TearDown() })

	if err != nil {
		t.Fatalf("BringUp: %v", err)
	}
	if localPort != 19321 {
		t.Fatalf("localPort = %d, want 19321", localPort)
	}
	if shell.opens != 3 {
		t.Fatalf("shell.opens = %d, want 3 (2 failures + 1 success)", shell.opens)
	}
	if host.calls != 2 {
		t.Fatalf("host.calls = %d, want 2", host.calls)
	}
}

func TestTunnelBringUpGivesUpWhenUIAborts(t *testing.T) {
	shell := &flakyShell{failUntil: 5}
	host := &stubPrompter{reply: AnswerAbort}

	tun := &Tunnel{
		descriptor: &config.TunnelDescriptor{LocalPort: 19322},
		log:        NewLog("Tunnel", 16),
		shell:      shell,
	}
	tun.ui = NewTunnelUI(host, 7)

	ctx := WithGoroutineTag(context.Background(), 7)
	_, err := tun.BringUp(ctx, "example.test", 22)

	if err == nil {
		t.Fatal("BringUp should fail once the UI answers abort")
	}
	if shell.opens != 1 {
		t.Fatalf("shell.opens = %d, want 1 (no retry after abort)", shell.opens)
	}
}
