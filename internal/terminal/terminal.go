package terminal

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joe/termcore/internal/config"
	"github.com/joe/termcore/pkg/backend"
	termerrors "github.com/joe/termcore/pkg/errors"
)

//nolint:gochecknoglobals // monotonic id source for TunnelUI's goroutine-affinity tagging across Terminals
var terminalTagSeq atomic.Int64

// Status is the Terminal lifecycle state (spec.md §3 TerminalStatus).
// Only Open/Reopen drive Opening; only Close or a fatal drives Closing.
type Status int

const (
	StatusClosed Status = iota
	StatusOpening
	StatusOpened
	StatusClosing
)

func (s Status) String() string {
	switch s {
	case StatusOpening:
		return "opening"
	case StatusOpened:
		return "opened"
	case StatusClosing:
		return "closing"
	default:
		return "closed"
	}
}

// BackendFactory constructs a Backend for the protocol named by the
// descriptor. The core never type-switches on a concrete backend beyond
// this single construction point (§4.1 step 4).
type BackendFactory func(config.SessionDescriptor) (backend.Backend, error)

// HostCallbacks is the embedder surface (§6.2). Only OnBeforeReadDir is
// invoked under the CallbackGuard; the other callbacks are called
// directly, without a guard. A nil field is not invoked.
type HostCallbacks struct {
	Prompter           Prompter
	Overwrite          OverwritePrompter
	OnProgress         func(*Progress)
	OnFinished         func()
	OnInformation      func(message string)
	OnChangeDirectory  func(path string)
	OnBeforeReadDir    func(path string)
	OnAfterReadDir     func(*backend.RemoteFileList)
	OnReadDirProgress  func(count int)
	OnDisplayBanner    func(banner string)
	OnShowExtended     func(*termerrors.ExtendedException)
	OnClose            func()
	OnFindingFile      func(path string)
	OnCaptureOutput    func(line string)
	OnCalculatedChecksum func(path, checksum string)

	// ChangeCacheLoad/Save persist the change cache's Blob through the
	// host's configuration port, keyed by session (§6.3).
	ChangeCacheLoad func(sessionKey string) (Blob, bool)
	ChangeCacheSave func(sessionKey string, b Blob)
}

// ReadDirectoryOptions controls read-directory (§4.2).
type ReadDirectoryOptions struct {
	ReloadOnly bool
	ForceCache bool
	UseCache   bool
}

// Terminal is the session controller (C9): it owns the backend, caches,
// transaction manager, progress, logs, and event callbacks, and exposes
// the user-facing operations of §4.2.
type Terminal struct {
	descriptor config.SessionDescriptor
	copyParam  config.CopyParam
	factory    BackendFactory
	hostCallbacks *HostCallbacks

	mu      sync.Mutex
	status  Status
	backend backend.Backend

	dirCache    *DirectoryCache
	changeCache *ChangeCache
	transaction *Transaction
	progress    *Progress
	retryLoop   *RetryLoop
	guard       *CallbackGuard
	log         *Log

	tunnel         *Tunnel
	shellSession   *ShellSession
	isShellSession bool

	currentDir string

	reopenAttempts      int
	reopenFirstAttempt  time.Time
	lastTunnelError     error
	lastChangeRequest   string

	ownerTag int64
}

// New builds a Terminal bound to descriptor, wired to cb (may be nil).
// The backend is constructed lazily on Open via DefaultBackendFactory
// unless WithBackendFactory overrides it.
func New(descriptor config.SessionDescriptor, cb *HostCallbacks) *Terminal {
	if cb == nil {
		cb = &HostCallbacks{}
	}
	t := &Terminal{
		descriptor:    descriptor,
		copyParam:     config.DefaultCopyParam(),
		hostCallbacks: cb,
		dirCache:      NewDirectoryCache(256),
		transaction:   NewTransaction(),
		progress:      NewProgress(OpCopy, SideRemote),
		guard:         NewCallbackGuard(),
		log:           NewLog("Terminal", 4096),
		factory:       DefaultBackendFactory,
		currentDir:    "/",
		ownerTag:      terminalTagSeq.Add(1),
	}
	t.retryLoop = NewRetryLoop(cb.Prompter)
	t.shellSession = NewShellSession(t)
	return t
}

// WithBackendFactory overrides how Open constructs a backend; used by
// tests to inject fakes.
func (t *Terminal) WithBackendFactory(f BackendFactory) *Terminal {
	t.factory = f
	return t
}

// SetCopyParam replaces the transfer policy bulk operations consult.
func (t *Terminal) SetCopyParam(cp config.CopyParam) { t.copyParam = cp }

// CopyParam returns the transfer policy currently in effect.
func (t *Terminal) CopyParam() config.CopyParam { return t.copyParam }

// Status reports the current lifecycle state.
func (t *Terminal) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Log returns the session log (C14).
func (t *Terminal) Log() *Log { return t.log }

// Progress returns the Terminal's current OperationProgress; callers
// performing a bulk op replace its fields via SetTotals/Advance rather
// than swapping the pointer, so nested calls observe the same object.
func (t *Terminal) Progress() *Progress { return t.progress }

// Open connects the session: brings up a tunnel if requested, constructs
// and opens the backend, primes the change cache, and runs the startup
// conversation (§4.1). Idempotent if already open.
func (t *Terminal) Open(ctx context.Context) error {
	t.mu.Lock()
	if t.status == StatusOpened {
		t.mu.Unlock()
		return nil
	}
	t.status = StatusOpening
	t.mu.Unlock()

	t.log.Append("info", "phase: information")
	t.lastTunnelError = nil
	t.changeCache = nil

	if t.descriptor.Tunnel.Enabled() {
		if err := t.bringUpTunnel(ctx); err != nil {
			t.cleanupFailedOpen()
			return t.reopenOrFatal(ctx, err)
		}
	}

	if t.backend == nil {
		b, err := t.factory(t.descriptor)
		if err != nil {
			t.cleanupFailedOpen()
			return t.reopenOrFatal(ctx, err)
		}
		t.backend = b
	}

	if err := t.backend.Open(ctx); err != nil {
		if t.tunnel != nil && t.lastTunnelError == nil {
			t.lastTunnelError = t.tunnel.LastError()
		}
		if t.lastTunnelError != nil {
			t.cleanupFailedOpen()
			return t.reopenOrFatal(ctx, termerrors.NewFatal("tunnel", t.lastTunnelError))
		}
		t.cleanupFailedOpen()
		return t.reopenOrFatal(ctx, err)
	}

	if t.descriptor.CacheDirectoryChanges {
		t.changeCache = NewChangeCache(512)
		if t.hostCallbacks.ChangeCacheLoad != nil {
			if blob, ok := t.hostCallbacks.ChangeCacheLoad(t.sessionKey()); ok {
				t.changeCache.Restore(blob)
			}
		}
	}

	if t.descriptor.RemoteDirectory != "" && !t.isShellSession {
		if err := t.ChangeDirectory(ctx, t.descriptor.RemoteDirectory); err != nil {
			t.log.Append("error", fmt.Sprintf("startup cd %s failed: %v", t.descriptor.RemoteDirectory, err))
		}
	} else {
		t.currentDir = t.backend.CurrentDirectory()
	}

	t.mu.Lock()
	t.status = StatusOpened
	t.mu.Unlock()
	t.reopenAttempts = 0
	t.log.Append("info", "opened")
	return nil
}

func (t *Terminal) cleanupFailedOpen() {
	if t.backend != nil {
		t.backend.Close() //nolint:errcheck // best-effort cleanup of a partially-built backend
		t.backend = nil
	}
	if t.tunnel != nil {
		t.tunnel.TearDown() //nolint:errcheck // best-effort cleanup
		t.tunnel = nil
	}
	t.changeCache = nil
}

// reopenOrFatal asks the retry/fatal-error handler whether to retry
// opening, bounded by ReopenAutoMaxRetries / ReopenTimeout (§4.1, §5
// Cancellation).
func (t *Terminal) reopenOrFatal(ctx context.Context, cause error) error {
	if termerrors.IsFatal(cause) {
		t.mu.Lock()
		t.status = StatusClosed
		t.mu.Unlock()
		return cause
	}

	if t.reopenAttempts == 0 {
		t.reopenFirstAttempt = time.Now()
	}
	t.reopenAttempts++

	withinBudget := t.reopenAttempts <= t.descriptor.ReopenAutoMaxRetries &&
		time.Since(t.reopenFirstAttempt) <= t.descriptor.ReopenTimeout
	if !withinBudget {
		t.mu.Lock()
		t.status = StatusClosed
		t.mu.Unlock()
		return termerrors.NewFatal("open", cause)
	}

	answer := AnswerAbort
	if t.hostCallbacks.Prompter != nil {
		answer = t.hostCallbacks.Prompter.AskRetry(ctx, "reopen session", cause, false, "")
	}
	if answer != AnswerRetry {
		t.mu.Lock()
		t.status = StatusClosed
		t.mu.Unlock()
		return termerrors.NewFatal("open", cause)
	}
	return t.Open(ctx)
}

func (t *Terminal) bringUpTunnel(ctx context.Context) error {
	proxyMethod := ""
	if len(t.descriptor.ProxyChain) > 0 {
		proxyMethod = t.descriptor.ProxyChain[0].Method
	}
	t.descriptor.SnapshotForTunnel(proxyMethod)
	t.tunnel = NewTunnel(t.descriptor.Tunnel, t.log)
	t.tunnel.ui = NewTunnelUI(t.hostCallbacks.Prompter, t.ownerTag)
	localPort, err := t.tunnel.BringUp(WithGoroutineTag(ctx, t.ownerTag), t.descriptor.OrigHostName, t.descriptor.OrigPortNumber)
	if err != nil {
		t.lastTunnelError = err
		return err
	}
	t.descriptor.RetargetToLocalForward(localPort)
	t.log.Append("info", fmt.Sprintf("tunnel up, local port %d", localPort))
	return nil
}

// Reopen saves the current state, suspends transactions, peeks the
// current directory without contacting the server, closes the session
// if still active, reopens, and restores saved state (§4.1).
func (t *Terminal) Reopen(ctx context.Context) error {
	savedDir := t.currentDir
	savedAutoRead := t.descriptor.AutoReadDirectory
	t.transaction.Reset()

	if t.Status() != StatusClosed {
		if err := t.Close(); err != nil {
			return err
		}
	}

	err := t.Open(ctx)

	t.currentDir = savedDir
	t.descriptor.AutoReadDirectory = savedAutoRead
	return err
}

// Close closes the backend and, if open, the secondary shell session; it
// also flushes the change cache to the host's configuration port.
func (t *Terminal) Close() error {
	t.mu.Lock()
	if t.status == StatusClosed {
		t.mu.Unlock()
		return nil
	}
	t.status = StatusClosing
	t.mu.Unlock()

	var firstErr error
	if t.shellSession != nil && t.shellSession.Active() {
		if err := t.shellSession.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if t.backend != nil {
		if err := t.backend.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if t.tunnel != nil {
		t.descriptor.RollbackTunnel()
		if err := t.tunnel.TearDown(); err != nil && firstErr == nil {
			firstErr = err
		}
		t.tunnel = nil
	}
	t.flushChangeCache()

	t.mu.Lock()
	t.status = StatusClosed
	t.mu.Unlock()

	if t.hostCallbacks.OnClose != nil {
		t.hostCallbacks.OnClose()
	}
	t.log.Append("info", "closed")
	return firstErr
}

func (t *Terminal) flushChangeCache() {
	if t.changeCache != nil && t.hostCallbacks.ChangeCacheSave != nil {
		t.hostCallbacks.ChangeCacheSave(t.sessionKey(), t.changeCache.Snapshot())
	}
}

func (t *Terminal) sessionKey() string {
	return fmt.Sprintf("%s@%s:%d", t.descriptor.UserName, t.descriptor.HostName, t.descriptor.PortNumber)
}

// canonicalize makes p absolute against the current directory.
func (t *Terminal) canonicalize(p string) string {
	if strings.HasPrefix(p, "/") {
		return path.Clean(p)
	}
	return path.Clean(path.Join(t.currentDir, p))
}

// fileModified invalidates the caches the way every mutating operation's
// step 4 requires: the direct parent always, the path itself when it's a
// directory, and the matching change-cache entries.
func (t *Terminal) fileModified(p string, isDir bool) {
	abs := t.canonicalize(p)
	t.dirCache.DirectoryModified(path.Dir(abs), false)
	if isDir {
		t.dirCache.ClearFileList(abs, true)
	}
	if t.changeCache != nil {
		t.changeCache.Remove(abs)
	}
}

// reactOnCommand maps a command tag to cache actions (§4.5): changing
// directory marks cwd-reread (and dir-reread if auto-read is on); any
// mutating command marks dir-reread if auto-read-after-op is on;
// any-command marks both. Inside a transaction the marks accumulate;
// otherwise they run immediately via runReload.
func (t *Terminal) reactOnCommand(ctx context.Context, cmd commandTag) {
	markCwd, markDir := false, false
	switch cmd {
	case cmdChangeDir, cmdHomeDir:
		markCwd = true
		markDir = t.descriptor.AutoReadDirectory
	case cmdAnyCommand:
		markCwd, markDir = true, true
	case cmdMutate:
		markDir = t.descriptor.AutoReadDirectory
	}

	if !markCwd && !markDir {
		return
	}
	if t.transaction.Active() {
		if markCwd {
			t.transaction.MarkCwdReread()
		}
		if markDir {
			t.transaction.MarkDirReread()
		}
		return
	}
	t.runReload(ctx, markCwd, markDir)
}

func (t *Terminal) runReload(ctx context.Context, cwd, dir bool) {
	if cwd {
		t.currentDir = t.backend.CurrentDirectory()
	}
	if dir {
		t.dirCache.DirectoryModified(t.currentDir, false)
	}
}

type commandTag int

const (
	cmdChangeDir commandTag = iota
	cmdHomeDir
	cmdMutate
	cmdAnyCommand
)

// BeginTransaction opens a nestable batching scope (C5, §4.6). The
// secondary shell session's transaction mirrors this one.
func (t *Terminal) BeginTransaction() { t.transaction.Begin() }

// EndTransaction closes one nesting level; at depth 0 it flushes any
// pending cwd/directory reread.
func (t *Terminal) EndTransaction(ctx context.Context) {
	needsCwd, needsDir := t.transaction.End()
	if t.Status() != StatusOpened {
		return
	}
	if needsCwd {
		t.currentDir = t.backend.CurrentDirectory()
	}
	if needsDir {
		t.dirCache.DirectoryModified(t.currentDir, false)
	}
}

// WithTransaction runs fn inside a transaction, guaranteeing EndTransaction
// runs even if fn panics or returns an error.
func (t *Terminal) WithTransaction(ctx context.Context, fn func() error) error {
	t.BeginTransaction()
	defer t.EndTransaction(ctx)
	return fn()
}

// Backend exposes the bound backend for callers (sync engine, monitor)
// that need capability or direct dispatch access. Returns nil before
// Open.
func (t *Terminal) Backend() backend.Backend { return t.backend }

// CurrentDirectoryCached returns the Terminal's locally-tracked cwd
// without contacting the backend (used by Reopen's "peek", §4.1).
func (t *Terminal) CurrentDirectoryCached() string { return t.currentDir }
