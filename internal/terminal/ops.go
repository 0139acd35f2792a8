package terminal

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/joe/termcore/internal/config"
	"github.com/joe/termcore/pkg/backend"
	termerrors "github.com/joe/termcore/pkg/errors"
)

// recycleSuffixLayout mirrors the literal rename mask recycle-bin deletes
// use: "*-YYYYMMDD-HHMMSS.*", rendered against the current UTC time
// (spec.md §4.2 Recycle-bin semantics, scenario 4).
const recycleSuffixLayout = "20060102-150405"

// mutate runs the standard shape every mutating operation follows
// (§4.2): canonicalize, open an Action, check progress cancellation,
// invalidate caches, dispatch through the retry loop, then react on
// command. fn receives the canonicalized absolute path.
func (t *Terminal) mutate(ctx context.Context, kind ActionKind, p string, cmd commandTag, invalidateDir bool, fn func(abs string) error) error {
	abs := t.canonicalize(p)
	action := NewAction(kind, abs)

	if t.progress != nil && t.progress.Cancelled() {
		action.Cancel()
		return termerrors.ErrAbort
	}
	t.progress.SetCurrentFile(abs)
	t.fileModified(abs, invalidateDir)

	err := t.retryLoop.RunAction(ctx, Options{Message: fmt.Sprintf("%v %s", kind, abs), AllowSkip: true, Progress: t.progress}, action, func() error {
		return fn(abs)
	})
	if err != nil {
		return err
	}

	action.Commit()
	t.reactOnCommand(ctx, cmd)
	return nil
}

// ReadCurrentDirectory returns the Terminal's server-reported cwd,
// contacting the backend (unlike CurrentDirectoryCached).
func (t *Terminal) ReadCurrentDirectory() string {
	t.currentDir = t.backend.CurrentDirectory()
	return t.currentDir
}

// ReadDirectory lists a directory (§4.2), consulting the directory cache
// per opts and falling back to the backend on a miss or ReloadOnly.
func (t *Terminal) ReadDirectory(ctx context.Context, p string, opts ReadDirectoryOptions) (*backend.RemoteFileList, error) {
	abs := t.canonicalize(p)

	if t.hostCallbacks.OnBeforeReadDir != nil {
		if err := t.guard.Enter(func() error { t.hostCallbacks.OnBeforeReadDir(abs); return nil }); err != nil {
			return nil, err
		}
	}

	if !opts.ReloadOnly && (opts.UseCache || opts.ForceCache) {
		if cached, ok := t.dirCache.Get(abs, time.Time{}); ok {
			return cached, nil
		}
		if opts.ForceCache {
			return nil, fmt.Errorf("read directory %s: not cached", abs)
		}
	}

	var list *backend.RemoteFileList
	err := t.retryLoop.Run(ctx, Options{Message: "read directory " + abs, AllowSkip: true, Progress: t.progress}, func() error {
		l, err := t.backend.ReadDirectory(ctx, abs)
		if err != nil {
			return err
		}
		list = l
		return nil
	})
	if err != nil {
		return nil, err
	}

	t.dirCache.Add(list)
	if t.hostCallbacks.OnAfterReadDir != nil {
		t.hostCallbacks.OnAfterReadDir(list)
	}
	return list, nil
}

// ReadFile stats a single remote entry.
func (t *Terminal) ReadFile(ctx context.Context, p string) (*backend.RemoteFile, error) {
	abs := t.canonicalize(p)
	var f *backend.RemoteFile
	err := t.retryLoop.Run(ctx, Options{Message: "read file " + abs, AllowSkip: true, Progress: t.progress}, func() error {
		rf, err := t.backend.ReadFile(ctx, abs)
		if err != nil {
			return err
		}
		f = rf
		return nil
	})
	return f, err
}

// ReadSymlink resolves f's target.
func (t *Terminal) ReadSymlink(ctx context.Context, f *backend.RemoteFile) (*backend.RemoteFile, error) {
	return t.backend.ReadSymlink(ctx, f)
}

// FileExists reports whether ReadFile succeeds for p, treating any error
// as "does not exist" (the semantic files-find's existence probe needs).
func (t *Terminal) FileExists(ctx context.Context, p string) bool {
	_, err := t.ReadFile(ctx, p)
	return err == nil
}

// DeleteFile deletes p, or — when the descriptor's recycle-bin policy
// applies and p is not already under the recycle path — renames it into
// the recycle path with a timestamped suffix instead (§4.2 Recycle-bin
// semantics, P11).
func (t *Terminal) DeleteFile(ctx context.Context, p string, f *backend.RemoteFile, params backend.DeleteParams) error {
	return t.mutate(ctx, ActionDelete, p, cmdMutate, f != nil && f.IsDir(), func(abs string) error {
		if t.shouldRecycle(abs) {
			dest := t.recyclePathFor(abs)
			newName := relativeNewName(path.Dir(abs), dest)
			if err := t.backend.RenameFile(ctx, abs, newName); err != nil {
				return err
			}
			t.dirCache.DirectoryModified(path.Dir(dest), false)
			return nil
		}
		return t.backend.DeleteFile(ctx, abs, f, params)
	})
}

// shouldRecycle reports whether the recycle-bin policy applies to abs
// (P11: a path already under the recycle path always hard-deletes).
func (t *Terminal) shouldRecycle(abs string) bool {
	if !t.descriptor.DeleteToRecycle || t.descriptor.RecycleBinPath == "" {
		return false
	}
	recycle := t.canonicalize(t.descriptor.RecycleBinPath)
	prefix := recycle
	if prefix != "/" {
		prefix += "/"
	}
	if abs == recycle || hasPrefix(abs, prefix) {
		return false
	}
	return true
}

// recyclePathFor builds the rename target for a recycled file: the
// recycle path plus "<base>-YYYYMMDD-HHMMSS.<ext>", using the literal
// mask "*-YYYYMMDD-HHMMSS.*" (spec.md §4.2, scenario 4).
func (t *Terminal) recyclePathFor(abs string) string {
	base := path.Base(abs)
	ext := path.Ext(base)
	stem := base[:len(base)-len(ext)]
	stamp := time.Now().UTC().Format(recycleSuffixLayout)
	recycle := t.canonicalize(t.descriptor.RecycleBinPath)
	return path.Join(recycle, fmt.Sprintf("%s-%s%s", stem, stamp, ext))
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// RenameFile renames p to newName within its current directory. When
// checkDuplicate is set and a file already exists at the destination,
// the operation returns a CommandError instead of silently overwriting.
func (t *Terminal) RenameFile(ctx context.Context, p, newName string, checkDuplicate bool) error {
	return t.mutate(ctx, ActionRename, p, cmdMutate, false, func(abs string) error {
		if checkDuplicate {
			dest := path.Join(path.Dir(abs), newName)
			if t.FileExists(ctx, dest) {
				return termerrors.NewCommandError("rename "+abs, fmt.Errorf("destination %s already exists", dest))
			}
		}
		return t.backend.RenameFile(ctx, abs, newName)
	})
}

// MoveFile moves p into destDir. A non-empty nameMask is used verbatim as
// the destination name (wildcards in it are not expanded); an empty one
// leaves the name to the copy-param's RenameRules via cp.RewriteName. Every
// Backend.RenameFile implementation joins newName against path.Dir(p)
// (a same-directory rename by sibling name), so a cross-directory move
// is expressed as a newName relative to the source's own directory.
func (t *Terminal) MoveFile(ctx context.Context, p, destDir, nameMask string) error {
	return t.mutate(ctx, ActionMove, p, cmdMutate, false, func(abs string) error {
		name := path.Base(abs)
		if nameMask != "" {
			name = nameMask
		} else {
			name = t.copyParam.RewriteName(name)
		}
		dest := t.canonicalize(destDir)
		newName := relativeNewName(path.Dir(abs), path.Join(dest, name))
		if err := t.backend.RenameFile(ctx, abs, newName); err != nil {
			return err
		}
		t.dirCache.DirectoryModified(dest, false)
		return nil
	})
}

// relativeNewName expresses toPath as a path relative to fromDir, using
// ".." segments where the two diverge, for use as a Backend.RenameFile
// newName that must land outside the source's own directory.
func relativeNewName(fromDir, toPath string) string {
	fromDir, toPath = path.Clean(fromDir), path.Clean(toPath)
	if fromDir == "/" {
		return strings.TrimPrefix(toPath, "/")
	}
	fromParts := strings.Split(strings.Trim(fromDir, "/"), "/")
	toParts := strings.Split(strings.Trim(toPath, "/"), "/")
	i := 0
	for i < len(fromParts) && i < len(toParts) && fromParts[i] == toParts[i] {
		i++
	}
	up := strings.Repeat("../", len(fromParts)-i)
	return up + strings.Join(toParts[i:], "/")
}

// CopyFile copies p to newName within its current directory. Backends
// lacking CapRemoteCopy fall back to running `cp -a` on the server as an
// any-command through the secondary shell session, matching §4.2's
// "copy-file (with fallback to secondary shell)".
func (t *Terminal) CopyFile(ctx context.Context, p, newName string) error {
	return t.mutate(ctx, ActionCopy, p, cmdMutate, false, func(abs string) error {
		if backend.IsCapable(t.backend, backend.CapRemoteCopy) {
			return t.backend.CopyFile(ctx, abs, newName)
		}
		dest := path.Join(path.Dir(abs), newName)
		return t.shellSession.AnyCommand(ctx, fmt.Sprintf("cp -a %s %s", abs, dest), nil)
	})
}

// CreateDirectory makes a remote directory.
func (t *Terminal) CreateDirectory(ctx context.Context, p string) error {
	return t.mutate(ctx, ActionMkdir, p, cmdMutate, false, func(abs string) error {
		return t.backend.CreateDirectory(ctx, abs)
	})
}

// CreateLink creates a hard or symbolic link at p pointing to target.
func (t *Terminal) CreateLink(ctx context.Context, p, target string, symbolic bool) error {
	return t.mutate(ctx, ActionMkdir, p, cmdMutate, false, func(abs string) error {
		return t.backend.CreateLink(ctx, abs, target, symbolic)
	})
}

// HomeDirectory asks the backend for the session's home directory and
// marks the command for react-on-command (§4.5 home-dir).
func (t *Terminal) HomeDirectory(ctx context.Context) (string, error) {
	home, err := t.backend.HomeDirectory(ctx)
	if err != nil {
		return "", err
	}
	t.reactOnCommand(ctx, cmdHomeDir)
	return home, nil
}

// ChangeDirectory navigates to p, consulting the change cache first
// (P3): if a prior cd from the current directory with the same literal
// request resolved to a known target, the backend's cheap
// CachedChangeDirectory is used instead of a round trip.
func (t *Terminal) ChangeDirectory(ctx context.Context, request string) error {
	from := t.currentDir
	t.lastChangeRequest = request

	if t.changeCache != nil {
		if resolved, ok := t.changeCache.Resolve(from, request); ok {
			t.backend.CachedChangeDirectory(resolved)
			t.currentDir = resolved
			t.reactOnCommand(ctx, cmdChangeDir)
			return nil
		}
	}

	abs := t.canonicalize(request)
	err := t.retryLoop.Run(ctx, Options{Message: "change directory " + abs, AllowSkip: false, Progress: t.progress}, func() error {
		return t.backend.ChangeDirectory(ctx, abs)
	})
	if err != nil {
		return err
	}

	resolved := t.backend.CurrentDirectory()
	t.currentDir = resolved
	if t.changeCache != nil && request != "" && resolved != from {
		t.changeCache.AddChange(from, request, resolved)
	}
	if t.hostCallbacks.OnChangeDirectory != nil {
		t.hostCallbacks.OnChangeDirectory(resolved)
	}
	t.reactOnCommand(ctx, cmdChangeDir)
	return nil
}

// ChangeFileProperties applies props to p, recursing into a directory's
// children when recursive is set and the path names a directory.
func (t *Terminal) ChangeFileProperties(ctx context.Context, p string, f *backend.RemoteFile, props backend.Properties, recursive bool) error {
	return t.mutate(ctx, propsActionKind(props), p, cmdMutate, f != nil && f.IsDir(), func(abs string) error {
		if err := t.backend.ChangeFileProperties(ctx, abs, f, props); err != nil {
			return err
		}
		if recursive && f != nil && f.IsDir() {
			return t.recurseChangeProperties(ctx, abs, props)
		}
		return nil
	})
}

func (t *Terminal) recurseChangeProperties(ctx context.Context, dir string, props backend.Properties) error {
	list, err := t.ReadDirectory(ctx, dir, ReadDirectoryOptions{ReloadOnly: true})
	if err != nil {
		return err
	}
	for _, child := range list.Files {
		if child.IsThisDirectory || child.IsParentDir {
			continue
		}
		if err := t.backend.ChangeFileProperties(ctx, child.FullName(), child, props); err != nil {
			return err
		}
		if child.IsDir() {
			if err := t.recurseChangeProperties(ctx, child.FullName(), props); err != nil {
				return err
			}
		}
	}
	return nil
}

func propsActionKind(props backend.Properties) ActionKind {
	switch {
	case props.RightsNumeric != nil || props.RightsSymbolic != nil:
		return ActionChmod
	case props.Owner != nil:
		return ActionChown
	case props.ModTime != nil:
		return ActionChtime
	default:
		return ActionChtime
	}
}

// CalculateFilesSize walks files (recursing into directories) and sums
// their sizes, reporting progress through t.progress.
func (t *Terminal) CalculateFilesSize(ctx context.Context, files []*backend.RemoteFile) (int64, error) {
	var total int64
	t.progress.Operation = OpCalculateSize
	for _, f := range files {
		if t.progress.Cancelled() {
			return total, termerrors.ErrAbort
		}
		t.progress.Advance(f.FullName())
		if f.IsDir() {
			list, err := t.ReadDirectory(ctx, f.FullName(), ReadDirectoryOptions{ReloadOnly: true})
			if err != nil {
				return total, err
			}
			sub, err := t.CalculateFilesSize(ctx, list.Files)
			if err != nil {
				return total, err
			}
			total += sub
			continue
		}
		total += f.Size
	}
	return total, nil
}

// CalculateFilesChecksum computes algorithm's digest for every file,
// invoking onResult(path, checksum) as each completes (OnCalculatedChecksum
// mirrors this to the host).
func (t *Terminal) CalculateFilesChecksum(ctx context.Context, algorithm string, files []*backend.RemoteFile, onResult func(path, checksum string)) error {
	for _, f := range files {
		if t.progress.Cancelled() {
			return termerrors.ErrAbort
		}
		abs := f.FullName()
		var sum string
		err := t.retryLoop.Run(ctx, Options{Message: "checksum " + abs, AllowSkip: true, Progress: t.progress}, func() error {
			s, err := t.backend.ChecksumFile(ctx, algorithm, abs)
			if err != nil {
				return err
			}
			sum = s
			return nil
		})
		if termerrors.IsSkipFile(err) {
			continue
		}
		if err != nil {
			return err
		}
		if onResult != nil {
			onResult(abs, sum)
		}
		if t.hostCallbacks.OnCalculatedChecksum != nil {
			t.hostCallbacks.OnCalculatedChecksum(abs, sum)
		}
	}
	return nil
}

// ProcessFiles applies fn to each file in files, continuing past
// individual skip-file errors (the "process-files bulk map" operation).
func (t *Terminal) ProcessFiles(ctx context.Context, files []*backend.RemoteFile, fn func(ctx context.Context, f *backend.RemoteFile) error) error {
	for _, f := range files {
		if t.progress.Cancelled() {
			return termerrors.ErrAbort
		}
		t.progress.Advance(f.FullName())
		err := t.retryLoop.Run(ctx, Options{Message: "process " + f.FullName(), AllowSkip: true, Progress: t.progress}, func() error {
			return fn(ctx, f)
		})
		if termerrors.IsSkipFile(err) {
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// ProcessDirectory walks dir recursively, calling fn on every entry
// (files and directories) before descending into subdirectories.
func (t *Terminal) ProcessDirectory(ctx context.Context, dir string, fn func(ctx context.Context, f *backend.RemoteFile) error) error {
	list, err := t.ReadDirectory(ctx, dir, ReadDirectoryOptions{ReloadOnly: true})
	if err != nil {
		return err
	}
	for _, f := range list.Files {
		if f.IsThisDirectory || f.IsParentDir {
			continue
		}
		if t.progress.Cancelled() {
			return termerrors.ErrAbort
		}
		if err := fn(ctx, f); err != nil {
			return err
		}
		if f.IsDir() {
			if err := t.ProcessDirectory(ctx, f.FullName(), fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// FilesFind walks root recursively, collecting entries whose name
// matches mask (a doublestar pattern), stopping early if the operation
// is cancelled mid-walk.
func (t *Terminal) FilesFind(ctx context.Context, root, mask string) ([]*backend.RemoteFile, error) {
	cp := config.CopyParam{AllowMask: []string{mask}}
	var found []*backend.RemoteFile
	err := t.ProcessDirectory(ctx, root, func(_ context.Context, f *backend.RemoteFile) error {
		if t.hostCallbacks.OnFindingFile != nil {
			t.hostCallbacks.OnFindingFile(f.FullName())
		}
		if mask == "" || cp.AllowTransfer(f.Name) {
			found = append(found, f)
		}
		return nil
	})
	if err != nil {
		return found, err
	}
	return found, nil
}

// SpaceAvailable queries free/total space at p.
func (t *Terminal) SpaceAvailable(ctx context.Context, p string) (backend.SpaceAvailable, error) {
	abs := t.canonicalize(p)
	var sa backend.SpaceAvailable
	err := t.retryLoop.Run(ctx, Options{Message: "space available " + abs, AllowSkip: true, Progress: t.progress}, func() error {
		s, err := t.backend.SpaceAvailable(ctx, abs)
		if err != nil {
			return err
		}
		sa = s
		return nil
	})
	return sa, err
}

// AnyCommand runs command, dispatching to the secondary shell session
// when the primary backend lacks CapAnyCommand (§4.2, §4.8).
func (t *Terminal) AnyCommand(ctx context.Context, command string, output func(string)) error {
	var err error
	if backend.IsCapable(t.backend, backend.CapAnyCommand) {
		err = t.retryLoop.Run(ctx, Options{Message: "command " + command, AllowSkip: true, Progress: t.progress}, func() error {
			return t.backend.AnyCommand(ctx, command, output)
		})
	} else {
		err = t.shellSession.AnyCommand(ctx, command, output)
	}
	if err != nil {
		return err
	}
	t.reactOnCommand(ctx, cmdAnyCommand)
	return nil
}

// TransferToRemote uploads files into targetDir, honoring overwrite
// policy per file via ConfirmFileOverwrite before each transfer.
func (t *Terminal) TransferToRemote(ctx context.Context, files []backend.TransferItem, targetDir string, overwrite OverwritePrompter) error {
	t.progress.Operation = OpCopy
	t.progress.Side = SideRemote
	t.progress.SetTotals(len(files), sumTransferSize(files))

	var accepted []backend.TransferItem
	for _, item := range files {
		if t.progress.Cancelled() {
			return termerrors.ErrAbort
		}
		dest := path.Join(targetDir, path.Base(item.LocalPath))
		var existing *backend.RemoteFile
		if t.FileExists(ctx, dest) {
			existing, _ = t.ReadFile(ctx, dest)
		}
		if existing != nil {
			src := &backend.RemoteFile{Size: item.Size, ModTime: item.ModTime, Precision: backend.PrecisionFull}
			if ConfirmFileOverwrite(&t.copyParam, t.progress, overwrite, src, existing, true) == OverwriteNo {
				continue
			}
		}
		accepted = append(accepted, item)
	}

	abs := t.canonicalize(targetDir)
	err := t.retryLoop.Run(ctx, Options{Message: "upload to " + abs, AllowSkip: true, Progress: t.progress}, func() error {
		return t.backend.TransferToRemote(ctx, accepted, abs, t.progress)
	})
	if err != nil {
		return err
	}
	t.fileModified(abs, false)
	return nil
}

// TransferToLocal downloads files into targetDir, honoring overwrite
// policy the same way TransferToRemote does.
func (t *Terminal) TransferToLocal(ctx context.Context, files []backend.TransferItem, targetDir string, overwrite OverwritePrompter) error {
	t.progress.Operation = OpCopy
	t.progress.Side = SideLocal
	t.progress.SetTotals(len(files), sumTransferSize(files))

	var accepted []backend.TransferItem
	for _, item := range files {
		if t.progress.Cancelled() {
			return termerrors.ErrAbort
		}
		if info, statErr := os.Stat(path.Join(targetDir, path.Base(item.RemotePath))); statErr == nil {
			src := &backend.RemoteFile{Size: item.Size, ModTime: item.ModTime, Precision: backend.PrecisionFull}
			dst := &backend.RemoteFile{Size: info.Size(), ModTime: info.ModTime(), Precision: backend.PrecisionFull}
			if ConfirmFileOverwrite(&t.copyParam, t.progress, overwrite, src, dst, true) == OverwriteNo {
				continue
			}
		}
		accepted = append(accepted, item)
	}

	err := t.retryLoop.Run(ctx, Options{Message: "download to " + targetDir, AllowSkip: true, Progress: t.progress}, func() error {
		return t.backend.TransferToLocal(ctx, accepted, targetDir, t.progress)
	})
	return err
}

func sumTransferSize(files []backend.TransferItem) int64 {
	var total int64
	for _, f := range files {
		total += f.Size
	}
	return total
}
