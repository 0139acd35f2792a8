package syncengine

import (
	"context"
	"fmt"

	"github.com/joe/termcore/internal/config"
	"github.com/joe/termcore/internal/terminal"
	"github.com/joe/termcore/pkg/backend"
	termerrors "github.com/joe/termcore/pkg/errors"
	"github.com/joe/termcore/pkg/formatters"
)

// ApplyParams carries the policy Apply needs beyond what's already
// baked into each Item: the overwrite policy bulk transfers consult, the
// workers pool bounds, and an optional progress observer.
type ApplyParams struct {
	CopyParam config.CopyParam
	Mode      Mode
	Overwrite terminal.OverwritePrompter

	// MaxWorkers bounds the adaptive pool uploads/downloads scale to; 0
	// means "no concurrency beyond the backend's own batching" (pool
	// pinned at 1).
	MaxWorkers int

	// OnGroupProgress fires once per (localDir, remoteDir) group after
	// it finishes, reporting how many groups remain.
	OnGroupProgress func(localDir, remoteDir string, done, total int)

	// TimeProvider supplies the clock the adaptive pool evaluates
	// throughput against; nil defaults to RealTimeProvider. Tests inject
	// a fake to make a multi-group hill-climb deterministic.
	TimeProvider TimeProvider
}

type group struct {
	localDir, remoteDir string
	items                []*Item
}

// Apply executes every checked Item in checklist against local and
// remote (§4.10): it forces preserve-time, groups items by directory
// pair, skips groups with nothing checked, and within a group either
// fixes a timestamp-only mismatch in place (C9 ChangeFileProperties) or
// buckets the rest into download/delete-remote/upload/delete-local,
// in that order. Directory creation runs in directory-shallow-to-deep
// order before any transfers; directory deletion runs deep-to-shallow
// after, once a directory's contents can no longer still be pending.
func Apply(ctx context.Context, local, remote *terminal.Terminal, checklist *Checklist, params ApplyParams) error {
	cp := params.CopyParam
	cp.PreserveTime = true

	if params.TimeProvider == nil {
		params.TimeProvider = &RealTimeProvider{}
	}

	groups := groupItems(checklist.Items)
	if len(groups) == 0 {
		return nil
	}

	pool := NewAdaptivePool(1, maxInt(1, params.MaxWorkers))
	workers := pool.Min
	var prevMoved int64

	return local.WithTransaction(ctx, func() error {
		return remote.WithTransaction(ctx, func() error {
			done := 0
			for _, g := range groups {
				if !anyChecked(g.items) {
					continue
				}
				if cancelled(local, remote) {
					return termerrors.ErrAbort
				}
				var err error
				workers, prevMoved, err = applyGroup(ctx, local, remote, g, cp, params, pool, workers, prevMoved)
				if err != nil {
					return err
				}
				done++
				if params.OnGroupProgress != nil {
					params.OnGroupProgress(g.localDir, g.remoteDir, done, len(groups))
				}
			}

			for i := len(groups) - 1; i >= 0; i-- {
				g := groups[i]
				if !anyChecked(g.items) {
					continue
				}
				if cancelled(local, remote) {
					return termerrors.ErrAbort
				}
				if err := applyDirectoryDeletes(ctx, local, remote, g); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

func cancelled(local, remote *terminal.Terminal) bool {
	return local.Progress().Cancelled() || remote.Progress().Cancelled()
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// groupItems partitions items into (localDir, remoteDir) groups,
// preserving their existing order; Collect already sorts items by
// (LocalDir, RemoteDir, Name), so a shallower directory's group is
// always emitted before any of its descendants' groups.
func groupItems(items []*Item) []*group {
	var groups []*group
	var current *group
	for _, it := range items {
		if current == nil || current.localDir != it.LocalDir || current.remoteDir != it.RemoteDir {
			current = &group{localDir: it.LocalDir, remoteDir: it.RemoteDir}
			groups = append(groups, current)
		}
		current.items = append(current.items, it)
	}
	return groups
}

func anyChecked(items []*Item) bool {
	for _, it := range items {
		if it.Checked {
			return true
		}
	}
	return false
}

// applyGroup handles one directory pair's directory creations, in-place
// timestamp fixes, and its four file-level buckets, run in the §4.10/P7
// order: download, then delete-remote, then upload, then delete-local.
// prevWorkers is the worker count the previous group ran with (pool.Min
// for the first group) and prevMoved the bytes it moved (0 for the first
// group); applyGroup evaluates the pool against the bytes the previous
// group moved at that concurrency, resizes the backends to whatever the
// pool now desires, and returns that count and this group's bytes so the
// caller can feed them back in as prevWorkers/prevMoved for the next group.
func applyGroup(
	ctx context.Context, local, remote *terminal.Terminal, g *group,
	cp config.CopyParam, params ApplyParams, pool *AdaptivePool, prevWorkers int, prevMoved int64,
) (int, int64, error) {
	var downloads, uploads []backend.TransferItem
	var deleteRemotes, deleteLocals []*Item

	for _, it := range g.items {
		if !it.Checked {
			continue
		}

		if it.IsDirectory {
			if err := applyDirectoryCreate(ctx, local, remote, it); err != nil {
				return prevWorkers, 0, err
			}
			continue
		}

		if cp.Comparison != config.ComparisonByte && params.Mode.Timestamp && it.sizesEqual() &&
			(it.Action == ActionUploadUpdate || it.Action == ActionDownloadUpdate) {
			if err := applyTimestampFix(ctx, local, remote, it); err != nil {
				return prevWorkers, 0, err
			}
			continue
		}

		switch it.Action {
		case ActionDownloadNew, ActionDownloadUpdate:
			downloads = append(downloads, backend.TransferItem{
				LocalPath: it.LocalPath(), RemotePath: it.RemotePath(),
				Size: it.RemoteSize, ModTime: it.RemoteModTime,
			})
		case ActionDeleteRemote:
			deleteRemotes = append(deleteRemotes, it)
		case ActionUploadNew, ActionUploadUpdate:
			uploads = append(uploads, backend.TransferItem{
				LocalPath: it.LocalPath(), RemotePath: it.RemotePath(),
				Size: it.LocalSize, ModTime: it.LocalModTime,
			})
		case ActionDeleteLocal:
			deleteLocals = append(deleteLocals, it)
		}
	}

	moved := sumSize(downloads) + sumSize(uploads)
	pool.Evaluate(params.TimeProvider.Now(), prevMoved, prevWorkers)
	drainSpawnSignals(pool)
	workers := pool.Desired()
	setTransferConcurrency(remote.Backend(), workers)
	setTransferConcurrency(local.Backend(), workers)

	if len(downloads) > 0 {
		if err := remote.TransferToLocal(ctx, downloads, g.localDir, params.Overwrite); err != nil {
			return workers, moved, fmt.Errorf("apply download to %s (%s): %w", g.localDir, formatters.FormatBytes(sumSize(downloads)), err)
		}
	}
	for _, it := range deleteRemotes {
		if err := remote.DeleteFile(ctx, it.RemotePath(), it.RemoteFile, backend.DeleteParams{}); err != nil {
			return workers, moved, fmt.Errorf("apply %s: %w", it.RemotePath(), err)
		}
	}
	if len(uploads) > 0 {
		if err := remote.TransferToRemote(ctx, uploads, g.remoteDir, params.Overwrite); err != nil {
			return workers, moved, fmt.Errorf("apply upload to %s (%s): %w", g.remoteDir, formatters.FormatBytes(sumSize(uploads)), err)
		}
	}
	for _, it := range deleteLocals {
		if err := local.DeleteFile(ctx, it.LocalPath(), it.localFileStub(), backend.DeleteParams{}); err != nil {
			return workers, moved, fmt.Errorf("apply %s: %w", it.LocalPath(), err)
		}
	}
	return workers, moved, nil
}

// drainSpawnSignals consumes every pending "spawn a worker now" signal
// the last Evaluate produced. Desired already reflects each spawn, so
// this only keeps the buffered channel from filling over a long apply
// run; nothing blocks once it's empty.
func drainSpawnSignals(pool *AdaptivePool) {
	for {
		select {
		case <-pool.SpawnSignal():
		default:
			return
		}
	}
}

// setTransferConcurrency sizes b's transfer worker pool if it advertises
// CapParallelTransfers and implements ParallelTransferSetter; backends
// that don't (FTP, WebDAV) keep transferring one file at a time.
func setTransferConcurrency(b backend.Backend, n int) {
	if !b.Capabilities().Has(backend.CapParallelTransfers) {
		return
	}
	if setter, ok := b.(backend.ParallelTransferSetter); ok {
		setter.SetTransferConcurrency(n)
	}
}

// applyDirectoryDeletes runs a group's delete-remote/delete-local
// directory items; called only after every descendant group has had a
// chance to empty the directory out first.
func applyDirectoryDeletes(ctx context.Context, local, remote *terminal.Terminal, g *group) error {
	for _, it := range g.items {
		if !it.Checked || !it.IsDirectory {
			continue
		}
		switch it.Action {
		case ActionDeleteRemote:
			if err := remote.DeleteFile(ctx, it.RemotePath(), it.RemoteFile, backend.DeleteParams{Recursive: true}); err != nil {
				return fmt.Errorf("apply rmdir %s: %w", it.RemotePath(), err)
			}
		case ActionDeleteLocal:
			if err := local.DeleteFile(ctx, it.LocalPath(), it.localFileStub(), backend.DeleteParams{Recursive: true}); err != nil {
				return fmt.Errorf("apply rmdir %s: %w", it.LocalPath(), err)
			}
		}
	}
	return nil
}

func applyDirectoryCreate(ctx context.Context, local, remote *terminal.Terminal, it *Item) error {
	switch it.Action {
	case ActionUploadNew:
		if err := remote.CreateDirectory(ctx, it.RemotePath()); err != nil {
			return fmt.Errorf("apply mkdir %s: %w", it.RemotePath(), err)
		}
	case ActionDownloadNew:
		if err := local.CreateDirectory(ctx, it.LocalPath()); err != nil {
			return fmt.Errorf("apply mkdir %s: %w", it.LocalPath(), err)
		}
	}
	return nil
}

// applyTimestampFix handles an item whose two sides already agree on
// size: rather than re-transfer identical bytes, it touches the stale
// side's modification time to match the fresh one, via C9's generic
// ChangeFileProperties set-properties path.
func applyTimestampFix(ctx context.Context, local, remote *terminal.Terminal, it *Item) error {
	switch it.Action {
	case ActionUploadUpdate:
		return remote.ChangeFileProperties(ctx, it.RemotePath(), it.RemoteFile, backend.ModTimeOnly(it.LocalModTime), false)
	case ActionDownloadUpdate:
		return local.ChangeFileProperties(ctx, it.LocalPath(), nil, backend.ModTimeOnly(it.RemoteModTime), false)
	default:
		return nil
	}
}

func sumSize(items []backend.TransferItem) int64 {
	var n int64
	for _, it := range items {
		n += it.Size
	}
	return n
}
