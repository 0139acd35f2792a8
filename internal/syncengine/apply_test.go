package syncengine_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/joe/termcore/internal/config"
	"github.com/joe/termcore/internal/syncengine"
)

func TestApplyUploadsNewFile(t *testing.T) {
	local := t.TempDir()
	remote := t.TempDir()
	writeFile(t, local, "a.txt", "hello world")

	lt := openLocalTerminal(t)
	rt := openLocalTerminal(t)

	checklist, err := syncengine.Collect(context.Background(), lt, rt, syncengine.CollectParams{
		LocalDir:  local,
		RemoteDir: remote,
		Mode:      syncengine.Mode{Direction: syncengine.DirectionBoth},
		CopyParam: config.DefaultCopyParam(),
	})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}

	if err := syncengine.Apply(context.Background(), lt, rt, checklist, syncengine.ApplyParams{
		CopyParam: config.DefaultCopyParam(),
		Mode:      syncengine.Mode{Direction: syncengine.DirectionBoth},
	}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(remote, "a.txt"))
	if err != nil {
		t.Fatalf("read uploaded file: %v", err)
	}
	if string(got) != "hello world" {
		t.Fatalf("want %q, got %q", "hello world", got)
	}
}

func TestApplyDeletesRemoteInMirrorMode(t *testing.T) {
	local := t.TempDir()
	remote := t.TempDir()
	writeFile(t, remote, "extra.txt", "stale")

	lt := openLocalTerminal(t)
	rt := openLocalTerminal(t)

	mode := syncengine.Mode{Direction: syncengine.DirectionLocalToRemote, Mirror: true}
	checklist, err := syncengine.Collect(context.Background(), lt, rt, syncengine.CollectParams{
		LocalDir:  local,
		RemoteDir: remote,
		Mode:      mode,
		CopyParam: config.DefaultCopyParam(),
	})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}

	if err := syncengine.Apply(context.Background(), lt, rt, checklist, syncengine.ApplyParams{
		CopyParam: config.DefaultCopyParam(),
		Mode:      mode,
	}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if _, err := os.Stat(filepath.Join(remote, "extra.txt")); !os.IsNotExist(err) {
		t.Fatalf("want extra.txt removed, stat err = %v", err)
	}
}

func TestApplyCreatesNewDirectoryBeforeItsContents(t *testing.T) {
	local := t.TempDir()
	remote := t.TempDir()
	if err := os.MkdirAll(filepath.Join(local, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(local, "sub"), "nested.txt", "data")

	lt := openLocalTerminal(t)
	rt := openLocalTerminal(t)

	mode := syncengine.Mode{Direction: syncengine.DirectionBoth, Recurse: true}
	checklist, err := syncengine.Collect(context.Background(), lt, rt, syncengine.CollectParams{
		LocalDir:  local,
		RemoteDir: remote,
		Mode:      mode,
		CopyParam: config.DefaultCopyParam(),
	})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}

	if err := syncengine.Apply(context.Background(), lt, rt, checklist, syncengine.ApplyParams{
		CopyParam: config.DefaultCopyParam(),
		Mode:      mode,
	}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(remote, "sub", "nested.txt"))
	if err != nil {
		t.Fatalf("read nested upload: %v", err)
	}
	if string(got) != "data" {
		t.Fatalf("want %q, got %q", "data", got)
	}
}

// TestApplyConsultsInjectedTimeProvider verifies the adaptive pool's
// throughput evaluation reads its clock through ApplyParams.TimeProvider
// rather than calling time.Now() directly, the same dependency-injected
// clock shape the teacher's Engine used for its own scaling loop.
func TestApplyConsultsInjectedTimeProvider(t *testing.T) {
	local := t.TempDir()
	remote := t.TempDir()
	if err := os.MkdirAll(filepath.Join(local, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, local, "root.txt", "root contents")
	writeFile(t, filepath.Join(local, "sub"), "nested.txt", "nested contents")

	lt := openLocalTerminal(t)
	rt := openLocalTerminal(t)

	mode := syncengine.Mode{Direction: syncengine.DirectionLocalToRemote, Recurse: true}
	checklist, err := syncengine.Collect(context.Background(), lt, rt, syncengine.CollectParams{
		LocalDir:  local,
		RemoteDir: remote,
		Mode:      mode,
		CopyParam: config.DefaultCopyParam(),
	})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}

	clock := &steppingClock{current: time.Now()}
	if err := syncengine.Apply(context.Background(), lt, rt, checklist, syncengine.ApplyParams{
		CopyParam:    config.DefaultCopyParam(),
		Mode:         mode,
		MaxWorkers:   4,
		TimeProvider: clock,
	}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if clock.calls < 2 {
		t.Fatalf("expected the adaptive pool to read the injected clock once per group, got %d calls", clock.calls)
	}
}

// steppingClock is a syncengine.TimeProvider that advances an hour on
// every Now() call, making a multi-group hill-climb deterministic
// without depending on how fast the test actually runs.
type steppingClock struct {
	current time.Time
	calls   int
}

func (s *steppingClock) Now() time.Time {
	s.calls++
	s.current = s.current.Add(time.Hour)
	return s.current
}

func (s *steppingClock) NewTicker(time.Duration) syncengine.Ticker {
	return &syncengine.MockTicker{}
}
