// Command termcore drives the session controller through a one-shot or
// watched directory synchronize: open a local and a remote Terminal,
// Collect a Checklist between them, Apply it, and optionally hand both
// Terminals to a directory monitor controller for continuous sync.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexflint/go-arg"

	"github.com/joe/termcore/internal/config"
	"github.com/joe/termcore/internal/monitor"
	"github.com/joe/termcore/internal/syncengine"
	"github.com/joe/termcore/internal/terminal"
	"github.com/joe/termcore/pkg/backend"
	termerrors "github.com/joe/termcore/pkg/errors"
	"github.com/joe/termcore/pkg/filesystem"
	"github.com/joe/termcore/pkg/formatters"
)

// cliArgs is the top-level flag set; config.SessionDescriptor supplies
// every remote-connection flag via embedding, the way go-arg composes a
// subcommand's own flags with a shared descriptor.
type cliArgs struct {
	config.SessionDescriptor

	LocalDir  string `arg:"--local" help:"local directory to synchronize"`
	RemoteDir string `arg:"--remote" help:"remote directory to synchronize, or an sftp://user@host:port/path URL that also fills in --host/--port/--user"`

	Direction string `arg:"--direction" default:"both" help:"both|local-to-remote|remote-to-local"`
	Mirror    bool   `arg:"--mirror" help:"delete extra entries on the side being written to"`
	Recurse   bool   `arg:"--recurse" default:"true" help:"descend into matched subdirectories"`
	Timestamp bool   `arg:"--timestamp" help:"fix modification times in place instead of re-transferring equal-size files"`
	BySize    bool   `arg:"--by-size" help:"ignore modification time, compare by size only"`

	Comparison string `arg:"--comparison" default:"size-time" help:"content-comparison strategy for same-size entries: size-time|checksum|byte"`

	Watch       bool `arg:"--watch" help:"after the initial synchronize, keep watching LocalDir for changes"`
	MaxWorkers  int  `arg:"--max-workers" default:"4" help:"upper bound for the apply phase's adaptive worker pool"`
}

// Description and Version satisfy go-arg's optional description interfaces,
// the same pair of methods the teacher's own Config attached to its flag
// set.
func (cliArgs) Description() string { return "Terminal core: protocol-independent directory synchronize" }
func (cliArgs) Version() string     { return "termcore" }

// postProcess applies the same kind of pre-flight validation the teacher's
// PostProcessConfig did for its Config: reject a flag combination Collect
// or Apply would otherwise fail on deep into a run. It also expands a
// --remote sftp://user@host:port/path shorthand into the discrete
// --host/--port/--user/--remote flags SessionDescriptor otherwise needs
// spelled out separately.
func postProcess(args *cliArgs) error {
	if args.LocalDir == "" || args.RemoteDir == "" {
		return fmt.Errorf("--local and --remote are both required")
	}
	if err := expandRemoteURL(args); err != nil {
		return err
	}
	if args.MaxWorkers <= 0 {
		args.MaxWorkers = 4
	}
	return nil
}

// expandRemoteURL rewrites args in place when RemoteDir is an
// sftp://user@host:port/path URL rather than a bare directory path.
func expandRemoteURL(args *cliArgs) error {
	parsed, err := filesystem.ParsePath(args.RemoteDir)
	if err != nil {
		return fmt.Errorf("--remote: %w", err)
	}
	if !parsed.IsRemote {
		return nil
	}
	args.Protocol = config.ProtocolSFTP
	args.HostName = parsed.Host
	args.PortNumber = parsed.Port
	args.UserName = parsed.User
	args.RemoteDir = parsed.Path
	return nil
}

func main() {
	var args cliArgs
	args.SessionDescriptor = config.DefaultSessionDescriptor()
	arg.MustParse(&args)

	if err := postProcess(&args); err != nil {
		log.Fatalf("termcore: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, args); err != nil {
		enriched := termerrors.NewEnricher().Enrich(err, "")
		if suggestions := termerrors.FormatSuggestions(enriched); suggestions != "" {
			log.Printf("termcore: %v\n%s", err, suggestions)
			os.Exit(1)
		}
		log.Fatalf("termcore: %v", err)
	}
}

func run(ctx context.Context, args cliArgs) error {
	cb := &terminal.HostCallbacks{
		Prompter:  abortingPrompter{},
		Overwrite: yesOverwriter{},
	}

	local := terminal.New(config.SessionDescriptor{RemoteDirectory: args.LocalDir}, cb).
		WithBackendFactory(func(config.SessionDescriptor) (backend.Backend, error) {
			return backend.NewLocalBackend(), nil
		})
	if err := local.Open(ctx); err != nil {
		return fmt.Errorf("open local side: %w", err)
	}
	defer func() { _ = local.Close() }()

	remote := terminal.New(args.SessionDescriptor, cb)
	if err := remote.Open(ctx); err != nil {
		return fmt.Errorf("open remote side: %w", err)
	}
	defer func() { _ = remote.Close() }()

	mode := syncengine.Mode{
		Direction: parseDirection(args.Direction),
		Mirror:    args.Mirror,
		BySize:    args.BySize,
		Timestamp: args.Timestamp,
		Recurse:   args.Recurse,
	}
	cp := config.DefaultCopyParam()
	cp.Comparison = parseComparison(args.Comparison)

	checklist, err := syncengine.Collect(ctx, local, remote, syncengine.CollectParams{
		LocalDir:  args.LocalDir,
		RemoteDir: args.RemoteDir,
		Mode:      mode,
		CopyParam: cp,
	})
	if err != nil {
		return fmt.Errorf("collect: %w", err)
	}
	log.Printf("collect: %d items, %d checked, %s to transfer", len(checklist.Items), checklist.CheckedCount(), formatters.FormatBytes(checklist.TotalTransferSize()))

	if err := syncengine.Apply(ctx, local, remote, checklist, syncengine.ApplyParams{
		CopyParam:  cp,
		Mode:       mode,
		Overwrite:  cb.Overwrite,
		MaxWorkers: args.MaxWorkers,
	}); err != nil {
		return fmt.Errorf("apply: %w", err)
	}

	if !args.Watch {
		return nil
	}

	ctrl := monitor.NewController(local, remote, monitor.Params{
		LocalRoot:  args.LocalDir,
		RemoteRoot: args.RemoteDir,
		Mode:       mode,
		CopyParam:  cp,
		OnLog:      func(line string) { log.Println("monitor:", line) },
		OnError:    func(err error) { log.Println("monitor error:", err) },
		OnFatal:    func(err error) { log.Println("monitor fatal:", err) },
	})
	if err := ctrl.Start(ctx, false); err != nil {
		return fmt.Errorf("start monitor: %w", err)
	}

	<-ctx.Done()
	ctrl.Stop()
	return nil
}

func parseDirection(s string) syncengine.Direction {
	switch s {
	case "local-to-remote":
		return syncengine.DirectionLocalToRemote
	case "remote-to-local":
		return syncengine.DirectionRemoteToLocal
	default:
		return syncengine.DirectionBoth
	}
}

func parseComparison(s string) config.ComparisonMode {
	switch s {
	case "checksum":
		return config.ComparisonChecksum
	case "byte":
		return config.ComparisonByte
	default:
		return config.ComparisonSizeTime
	}
}

// abortingPrompter answers every retry-loop question with Abort: a
// non-interactive run has no one to ask, so a fallible action either
// succeeds or stops the run, never hangs waiting on stdin.
type abortingPrompter struct{}

func (abortingPrompter) AskRetry(_ context.Context, message string, err error, _ bool, _ string) terminal.RetryAnswer {
	log.Printf("retry prompt suppressed (non-interactive): %s: %v", message, err)
	return terminal.AnswerAbort
}

// yesOverwriter always overwrites; a one-shot CLI sync has no interactive
// surface to ask "replace this file?" on, and the apply phase has
// already decided the item needs writing.
type yesOverwriter struct{}

func (yesOverwriter) AskOverwrite(_, _ *backend.RemoteFile) (terminal.OverwriteAnswer, config.BatchOverwriteMode) {
	return terminal.OverwriteYes, config.BatchOverwriteAll
}
