package syncengine_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/joe/termcore/internal/config"
	"github.com/joe/termcore/internal/syncengine"
	"github.com/joe/termcore/internal/terminal"
	"github.com/joe/termcore/pkg/backend"
)

func openLocalTerminal(t *testing.T) *terminal.Terminal {
	t.Helper()
	term := terminal.New(config.SessionDescriptor{}, nil).
		WithBackendFactory(func(config.SessionDescriptor) (backend.Backend, error) {
			return backend.NewLocalBackend(), nil
		})
	if err := term.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = term.Close() })
	return term
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestCollectUploadNewBothDirection(t *testing.T) {
	local := t.TempDir()
	remote := t.TempDir()
	writeFile(t, local, "a.txt", "hello")

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
	if len(checklist.Items) != 1 {
		t.Fatalf("want 1 item, got %d", len(checklist.Items))
	}
	if checklist.Items[0].Action != syncengine.ActionUploadNew {
		t.Fatalf("want upload-new, got %s", checklist.Items[0].Action)
	}
}

func TestCollectSkipsIdenticalFiles(t *testing.T) {
	local := t.TempDir()
	remote := t.TempDir()
	writeFile(t, local, "a.txt", "hello")
	writeFile(t, remote, "a.txt", "hello")

	now := time.Now()
	if err := os.Chtimes(filepath.Join(local, "a.txt"), now, now); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(filepath.Join(remote, "a.txt"), now, now); err != nil {
		t.Fatal(err)
	}

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
	if len(checklist.Items) != 0 {
		t.Fatalf("want 0 items for identical files, got %d (%v)", len(checklist.Items), checklist.Items)
	}
}

func TestCollectMirrorDeletesExtraRemote(t *testing.T) {
	local := t.TempDir()
	remote := t.TempDir()
	writeFile(t, remote, "extra.txt", "stale")

	lt := openLocalTerminal(t)
	rt := openLocalTerminal(t)

	checklist, err := syncengine.Collect(context.Background(), lt, rt, syncengine.CollectParams{
		LocalDir:  local,
		RemoteDir: remote,
		Mode:      syncengine.Mode{Direction: syncengine.DirectionLocalToRemote, Mirror: true},
		CopyParam: config.DefaultCopyParam(),
	})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(checklist.Items) != 1 || checklist.Items[0].Action != syncengine.ActionDeleteRemote {
		t.Fatalf("want one delete-remote item, got %v", checklist.Items)
	}
}

func TestCollectRecursesIntoMatchedDirectories(t *testing.T) {
	local := t.TempDir()
	remote := t.TempDir()
	if err := os.MkdirAll(filepath.Join(local, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(remote, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(local, "sub"), "nested.txt", "data")

	lt := openLocalTerminal(t)
	rt := openLocalTerminal(t)

	checklist, err := syncengine.Collect(context.Background(), lt, rt, syncengine.CollectParams{
		LocalDir:  local,
		RemoteDir: remote,
		Mode:      syncengine.Mode{Direction: syncengine.DirectionBoth, Recurse: true},
		CopyParam: config.DefaultCopyParam(),
	})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}

	found := false
	for _, it := range checklist.Items {
		if it.Name == "nested.txt" && it.Action == syncengine.ActionUploadNew {
			found = true
		}
	}
	if !found {
		t.Fatalf("want nested.txt upload-new among %v", checklist.Items)
	}
}

func TestCollectChecksumComparisonCatchesSameSizeSameTimeEdit(t *testing.T) {
	local := t.TempDir()
	remote := t.TempDir()
	writeFile(t, local, "a.txt", "aaaaa")
	writeFile(t, remote, "a.txt", "bbbbb")

	now := time.Now()
	if err := os.Chtimes(filepath.Join(local, "a.txt"), now, now); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(filepath.Join(remote, "a.txt"), now, now); err != nil {
		t.Fatal(err)
	}

	lt := openLocalTerminal(t)
	rt := openLocalTerminal(t)

	cp := config.DefaultCopyParam()
	cp.Comparison = config.ComparisonChecksum

	checklist, err := syncengine.Collect(context.Background(), lt, rt, syncengine.CollectParams{
		LocalDir:  local,
		RemoteDir: remote,
		Mode:      syncengine.Mode{Direction: syncengine.DirectionBoth},
		CopyParam: cp,
	})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(checklist.Items) != 1 {
		t.Fatalf("want checksum comparison to catch the same-size, same-time edit, got %v", checklist.Items)
	}
}
