// Package monitor implements the directory monitor controller (C11): it
// watches a local directory tree with fsnotify and keeps a remote tree
// in sync by re-running the synchronization engine's Collect/Apply pair
// whenever a watched directory changes.
package monitor

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/joe/termcore/internal/config"
	"github.com/joe/termcore/internal/syncengine"
	"github.com/joe/termcore/internal/terminal"
	termerrors "github.com/joe/termcore/pkg/errors"
)

// State names the monitor's lifecycle (§4.11).
type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopping
)

// String renders State for logging.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Params configures one Controller run.
type Params struct {
	LocalRoot, RemoteRoot string
	Mode                  syncengine.Mode
	CopyParam             config.CopyParam
	Filter                syncengine.FileFilter

	// ChangeDelay coalesces a burst of filesystem events for the same
	// directory into a single resync, the "change-delay" window §4.11
	// requires a monitor to set when it creates its watcher.
	ChangeDelay time.Duration

	// TimeProvider abstracts the coalescing ticker for tests; nil uses
	// real time.
	TimeProvider syncengine.TimeProvider

	// OnLog receives the monitor's own activity log lines ("start, N
	// directories", per-directory resync results).
	OnLog func(string)
	// OnFatal fires when a resync hits a fatal error; the monitor stops
	// and closes its watcher before calling it (§4.11 "abort with
	// close").
	OnFatal func(error)
	// OnError fires on a non-fatal resync error; the monitor keeps
	// watching (§4.11 "abort without close").
	OnError func(error)
}

// Controller is the owning state machine for one local/remote directory
// pair under watch.
type Controller struct {
	local, remote *terminal.Terminal
	params        Params

	mu      sync.Mutex
	state   State
	watcher *fsnotify.Watcher
	watched map[string]struct{}

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewController builds a Controller idle and ready to Start.
func NewController(local, remote *terminal.Terminal, params Params) *Controller {
	if params.ChangeDelay <= 0 {
		params.ChangeDelay = 750 * time.Millisecond
	}
	if params.TimeProvider == nil {
		params.TimeProvider = &syncengine.RealTimeProvider{}
	}
	return &Controller{
		local:   local,
		remote:  remote,
		params:  params,
		watched: make(map[string]struct{}),
	}
}

// State reports the controller's current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start validates the run, optionally performs a full initial
// synchronize, builds a watcher over LocalRoot (and every subdirectory
// when Mode.Recurse is set), and begins watching (§4.11 Start).
func (c *Controller) Start(ctx context.Context, initialSync bool) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return fmt.Errorf("monitor: already %s", c.state)
	}
	c.mu.Unlock()

	if c.params.LocalRoot == "" || c.params.RemoteRoot == "" {
		return fmt.Errorf("monitor: at least one sync parameter (local/remote root) is required")
	}

	if initialSync {
		if err := c.resync(ctx, c.params.LocalRoot, c.params.RemoteRoot, c.params.Mode.Recurse); err != nil {
			return fmt.Errorf("monitor: initial synchronize: %w", err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("monitor: create watcher: %w", err)
	}

	c.mu.Lock()
	c.watcher = watcher
	c.mu.Unlock()

	dirs, err := c.localSubdirs(ctx, c.params.LocalRoot)
	if err != nil {
		_ = watcher.Close()
		return fmt.Errorf("monitor: enumerate directories: %w", err)
	}
	for _, d := range dirs {
		if err := c.watchDir(d); err != nil {
			_ = watcher.Close()
			return fmt.Errorf("monitor: watch %s: %w", d, err)
		}
	}

	c.mu.Lock()
	c.state = StateRunning
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	c.mu.Unlock()

	c.logf("start, %d directories", len(dirs))

	go c.loop(ctx)
	return nil
}

// Stop transitions the controller through stopping back to idle,
// closing the watcher and waiting for the event loop to exit.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return
	}
	c.state = StateStopping
	stopCh, doneCh, watcher := c.stopCh, c.doneCh, c.watcher
	c.mu.Unlock()

	close(stopCh)
	if watcher != nil {
		_ = watcher.Close()
	}
	<-doneCh

	c.mu.Lock()
	c.state = StateIdle
	c.watched = make(map[string]struct{})
	c.mu.Unlock()
}

func (c *Controller) watchDir(dir string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.watched[dir]; ok {
		return nil
	}
	if err := c.watcher.Add(dir); err != nil {
		return err
	}
	c.watched[dir] = struct{}{}
	return nil
}

func (c *Controller) unwatchDir(dir string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.watched[dir]; !ok {
		return
	}
	delete(c.watched, dir)
	_ = c.watcher.Remove(dir)
}

// loop pumps fsnotify events, coalescing repeats for the same directory
// within ChangeDelay before triggering one resync (§4.11 change-delay).
func (c *Controller) loop(ctx context.Context) {
	defer close(c.doneCh)

	pending := make(map[string]struct{})
	ticker := c.params.TimeProvider.NewTicker(c.params.ChangeDelay)
	defer ticker.Stop()

	for {
		c.mu.Lock()
		watcher := c.watcher
		c.mu.Unlock()
		if watcher == nil {
			return
		}

		select {
		case <-c.stopCh:
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			dir := path.Dir(filepathToSlash(ev.Name))
			pending[dir] = struct{}{}
		case <-ticker.C():
			if len(pending) == 0 {
				continue
			}
			dirs := pending
			pending = make(map[string]struct{})
			for dir := range dirs {
				c.handleChange(ctx, dir)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			c.reportError(err)
		}
	}
}

func filepathToSlash(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}

// handleChange maps a changed local directory onto its remote
// counterpart by prefix substitution and resyncs just that directory
// (§4.11 on-change). A structural change to a subdirectory (created,
// removed, or removed on the remote side while the local copy held
// still) re-derives the watch set for Mode.Recurse runs.
func (c *Controller) handleChange(ctx context.Context, localDir string) {
	remoteDir := c.remoteDirFor(localDir)
	if remoteDir == "" {
		return
	}

	checklist, err := syncengine.Collect(ctx, c.local, c.remote, syncengine.CollectParams{
		LocalDir:  localDir,
		RemoteDir: remoteDir,
		Mode:      c.params.Mode,
		CopyParam: c.params.CopyParam,
		Filter:    c.params.Filter,
	})
	if err != nil {
		c.reportError(err)
		return
	}

	subdirsChanged := false
	for _, it := range checklist.Items {
		if it.IsDirectory {
			subdirsChanged = true
			break
		}
	}

	err = syncengine.Apply(ctx, c.local, c.remote, checklist, syncengine.ApplyParams{
		CopyParam:    c.params.CopyParam,
		Mode:         c.params.Mode,
		TimeProvider: c.params.TimeProvider,
	})
	switch {
	case err == nil:
		c.logf("resync %s: %d items", localDir, checklist.CheckedCount())
	case termerrors.IsFatal(err):
		c.logf("resync %s: fatal: %v", localDir, err)
		c.mu.Lock()
		onFatal := c.params.OnFatal
		c.mu.Unlock()
		// handleChange runs on the loop goroutine and Stop waits for that
		// goroutine to exit, so the stop runs on a goroutine of its own.
		go func() {
			c.Stop()
			if onFatal != nil {
				onFatal(err)
			}
		}()
		return
	default:
		c.reportError(err)
	}

	if c.params.Mode.Recurse && subdirsChanged {
		if err := c.rewatch(ctx, localDir); err != nil {
			c.reportError(err)
		}
	}
}

// rewatch re-derives the watch set under localDir after a structural
// change (a subdirectory was added or removed).
func (c *Controller) rewatch(ctx context.Context, localDir string) error {
	dirs, err := c.localSubdirs(ctx, localDir)
	if err != nil {
		return err
	}
	live := make(map[string]struct{}, len(dirs))
	for _, d := range dirs {
		live[d] = struct{}{}
		if err := c.watchDir(d); err != nil {
			return err
		}
	}

	c.mu.Lock()
	var stale []string
	for d := range c.watched {
		if strings.HasPrefix(d, localDir) {
			if _, ok := live[d]; !ok {
				stale = append(stale, d)
			}
		}
	}
	c.mu.Unlock()

	for _, d := range stale {
		c.unwatchDir(d)
	}
	return nil
}

// maxWatchedDirs bounds how many directories a single Start will hand to
// fsnotify; a tree deeper than this stops descending rather than
// exhausting the OS's inotify watch limit.
const maxWatchedDirs = 4096

// localSubdirs walks dir and every Mode.Recurse-admitted descendant,
// applying the same admission test Collect's own descent uses (§4.9):
// a name must pass CopyParam.AllowTransfer, must not be a temporary
// transfer file, and must satisfy the user filter (§4.11). It stops
// descending once maxWatchedDirs directories have been collected.
func (c *Controller) localSubdirs(ctx context.Context, dir string) ([]string, error) {
	dirs := []string{dir}
	if !c.params.Mode.Recurse {
		return dirs, nil
	}
	return c.collectSubdirs(ctx, dir, dirs)
}

func (c *Controller) collectSubdirs(ctx context.Context, dir string, dirs []string) ([]string, error) {
	if len(dirs) >= maxWatchedDirs {
		c.logf("too many directories to watch, stopping descent at %s (limit %d)", dir, maxWatchedDirs)
		return dirs, nil
	}

	list, err := c.local.ReadDirectory(ctx, dir, terminal.ReadDirectoryOptions{ReloadOnly: true})
	if err != nil {
		return dirs, nil //nolint:nilerr // a directory that vanished mid-walk just stops contributing watches
	}
	filter := c.params.Filter
	if filter == nil {
		filter = syncengine.NewGlobFilter("")
	}
	for _, f := range list.Files {
		if f.IsThisDirectory || f.IsParentDir || !f.IsDir() {
			continue
		}
		if len(dirs) >= maxWatchedDirs {
			c.logf("too many directories to watch, stopping descent at %s (limit %d)", dir, maxWatchedDirs)
			break
		}
		if !c.params.CopyParam.AllowTransfer(f.Name) || c.params.CopyParam.IsTemporaryTransferFile(f.Name) {
			continue
		}
		childDir := path.Join(dir, f.Name)
		if !filter.ShouldInclude(childDir) {
			continue
		}
		dirs = append(dirs, childDir)
		var subErr error
		dirs, subErr = c.collectSubdirs(ctx, childDir, dirs)
		if subErr != nil {
			return nil, subErr
		}
	}
	return dirs, nil
}

func (c *Controller) remoteDirFor(localDir string) string {
	if !strings.HasPrefix(localDir, c.params.LocalRoot) {
		return ""
	}
	rel := strings.TrimPrefix(localDir, c.params.LocalRoot)
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" {
		return c.params.RemoteRoot
	}
	return path.Join(c.params.RemoteRoot, rel)
}

func (c *Controller) resync(ctx context.Context, localDir, remoteDir string, recurse bool) error {
	mode := c.params.Mode
	mode.Recurse = recurse
	checklist, err := syncengine.Collect(ctx, c.local, c.remote, syncengine.CollectParams{
		LocalDir:  localDir,
		RemoteDir: remoteDir,
		Mode:      mode,
		CopyParam: c.params.CopyParam,
		Filter:    c.params.Filter,
	})
	if err != nil {
		return err
	}
	return syncengine.Apply(ctx, c.local, c.remote, checklist, syncengine.ApplyParams{
		CopyParam:    c.params.CopyParam,
		Mode:         mode,
		TimeProvider: c.params.TimeProvider,
	})
}

func (c *Controller) logf(format string, args ...interface{}) {
	if c.params.OnLog != nil {
		c.params.OnLog(fmt.Sprintf(format, args...))
	}
}

func (c *Controller) reportError(err error) {
	if c.params.OnError != nil {
		c.params.OnError(err)
	}
}
