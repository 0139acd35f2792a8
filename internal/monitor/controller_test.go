package monitor_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/joe/termcore/internal/config"
	"github.com/joe/termcore/internal/monitor"
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

func TestControllerStartStop(t *testing.T) {
	localDir := t.TempDir()
	remoteDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(localDir, "a.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}

	local := openLocalTerminal(t)
	remote := openLocalTerminal(t)

	ctrl := monitor.NewController(local, remote, monitor.Params{
		LocalRoot:   localDir,
		RemoteRoot:  remoteDir,
		Mode:        syncengine.Mode{Direction: syncengine.DirectionBoth},
		CopyParam:   config.DefaultCopyParam(),
		ChangeDelay: 20 * time.Millisecond,
	})

	if err := ctrl.Start(context.Background(), true); err != nil {
		t.Fatalf("start: %v", err)
	}
	if ctrl.State() != monitor.StateRunning {
		t.Fatalf("want running, got %s", ctrl.State())
	}

	if _, err := os.ReadFile(filepath.Join(remoteDir, "a.txt")); err != nil {
		t.Fatalf("want initial synchronize to have uploaded a.txt: %v", err)
	}

	ctrl.Stop()
	if ctrl.State() != monitor.StateIdle {
		t.Fatalf("want idle after stop, got %s", ctrl.State())
	}
}

func TestControllerRejectsMissingRoots(t *testing.T) {
	local := openLocalTerminal(t)
	remote := openLocalTerminal(t)

	ctrl := monitor.NewController(local, remote, monitor.Params{})
	if err := ctrl.Start(context.Background(), false); err == nil {
		t.Fatal("want error for missing local/remote roots")
	}
}
