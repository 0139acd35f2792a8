package backend

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/joe/termcore/pkg/filesystem"
)

// LocalBackend satisfies Backend over the native filesystem. It is used
// both as one side of a local<->remote session and as the "remote" side
// when a Terminal is pointed at another local tree (local-to-local
// synchronization, tests, and the monitor controller's dry runs).
type LocalBackend struct {
	fs  *filesystem.RealFileSystem
	cwd string

	// concurrency is the worker count copyItems uses, set by the apply
	// phase's adaptive pool via SetTransferConcurrency. 0 means
	// sequential.
	concurrency int
}

// NewLocalBackend builds a LocalBackend rooted at the process's starting
// directory; ChangeDirectory moves it.
func NewLocalBackend() *LocalBackend {
	wd, err := os.Getwd()
	if err != nil {
		wd = "/"
	}
	return &LocalBackend{fs: filesystem.NewRealFileSystem(), cwd: wd}
}

func (b *LocalBackend) Open(_ context.Context) error  { return nil }
func (b *LocalBackend) Close() error                  { return nil }
func (b *LocalBackend) Idle(_ context.Context) error  { return nil }
func (b *LocalBackend) CurrentDirectory() string      { return b.cwd }
func (b *LocalBackend) CachedChangeDirectory(p string) { b.cwd = p }

func (b *LocalBackend) ChangeDirectory(_ context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("change directory %s: %w", path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("change directory %s: not a directory", path)
	}
	b.cwd = path
	return nil
}

func (b *LocalBackend) HomeDirectory(_ context.Context) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home directory: %w", err)
	}
	return home, nil
}

func (b *LocalBackend) ReadDirectory(_ context.Context, path string) (*RemoteFileList, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read directory %s: %w", path, err)
	}

	list := NewRemoteFileList(path, time.Now())
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		list.Add(infoToRemoteFile(e.Name(), info))
	}
	return list, nil
}

func (b *LocalBackend) ReadFile(_ context.Context, path string) (*RemoteFile, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, fmt.Errorf("read file %s: %w", path, err)
	}
	return infoToRemoteFile(filepath.Base(path), info), nil
}

func (b *LocalBackend) ReadSymlink(_ context.Context, f *RemoteFile) (*RemoteFile, error) {
	target, err := os.Readlink(f.FullName())
	if err != nil {
		return nil, fmt.Errorf("read symlink %s: %w", f.FullName(), err)
	}
	info, err := os.Stat(target)
	if err != nil {
		return nil, fmt.Errorf("resolve symlink target %s: %w", target, err)
	}
	resolved := infoToRemoteFile(filepath.Base(target), info)
	resolved.LinkTarget = target
	resolved.LinkTargetReal = target
	return resolved, nil
}

func (b *LocalBackend) CreateDirectory(_ context.Context, path string) error {
	if err := b.fs.MkdirAll(path, 0o750); err != nil {
		return err
	}
	return nil
}

func (b *LocalBackend) CreateLink(_ context.Context, path, target string, symbolic bool) error {
	if !symbolic {
		if err := os.Link(target, path); err != nil {
			return fmt.Errorf("create hard link %s: %w", path, err)
		}
		return nil
	}
	if err := os.Symlink(target, path); err != nil {
		return fmt.Errorf("create symlink %s: %w", path, err)
	}
	return nil
}

func (b *LocalBackend) DeleteFile(_ context.Context, path string, f *RemoteFile, params DeleteParams) error {
	if params.Recursive || (f != nil && f.IsDir()) {
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("delete %s: %w", path, err)
		}
		return nil
	}
	if err := b.fs.Remove(path); err != nil {
		return err
	}
	return nil
}

func (b *LocalBackend) RenameFile(_ context.Context, path, newName string) error {
	dest := filepath.Join(filepath.Dir(path), newName)
	if err := os.Rename(path, dest); err != nil {
		return fmt.Errorf("rename %s to %s: %w", path, newName, err)
	}
	return nil
}

func (b *LocalBackend) CopyFile(_ context.Context, path, newName string) error {
	dest := filepath.Join(filepath.Dir(path), newName)
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("copy %s: %w", path, err)
	}
	defer src.Close()

	dst, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("copy %s to %s: %w", path, newName, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("copy %s to %s: %w", path, newName, err)
	}
	return nil
}

func (b *LocalBackend) ChangeFileProperties(_ context.Context, path string, _ *RemoteFile, props Properties) error {
	if props.ModTime != nil {
		if err := b.fs.Chtimes(path, *props.ModTime, *props.ModTime); err != nil {
			return err
		}
	}
	if props.RightsNumeric != nil {
		if err := os.Chmod(path, os.FileMode(*props.RightsNumeric)); err != nil {
			return fmt.Errorf("chmod %s: %w", path, err)
		}
	}
	return nil
}

func (b *LocalBackend) TransferToRemote(_ context.Context, files []TransferItem, targetDir string, sink ProgressSink) error {
	return b.copyItems(files, targetDir, sink, true)
}

func (b *LocalBackend) TransferToLocal(_ context.Context, files []TransferItem, targetDir string, sink ProgressSink) error {
	return b.copyItems(files, targetDir, sink, false)
}

func (b *LocalBackend) copyItems(files []TransferItem, targetDir string, sink ProgressSink, toRemote bool) error {
	return runTransferPool(files, b.concurrency, sink, func(item TransferItem) error {
		src, dest := item.LocalPath, filepath.Join(targetDir, filepath.Base(item.LocalPath))
		if !toRemote {
			src, dest = item.RemotePath, filepath.Join(targetDir, filepath.Base(item.RemotePath))
		}
		if sink != nil {
			sink.SetCurrentFile(filepath.Base(src))
		}
		return b.copyOneFile(src, dest, sink)
	})
}

// SetTransferConcurrency sets the worker count future TransferToRemote/
// TransferToLocal batches use to copy files in parallel.
func (b *LocalBackend) SetTransferConcurrency(n int) { b.concurrency = n }

func (b *LocalBackend) copyOneFile(src, dest string, sink ProgressSink) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("transfer %s: %w", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return fmt.Errorf("transfer %s: %w", src, err)
	}

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("transfer %s to %s: %w", src, dest, err)
	}
	defer out.Close()

	buf := make([]byte, 32*1024)
	for {
		n, readErr := in.Read(buf)
		if n > 0 {
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				return fmt.Errorf("transfer %s: %w", src, writeErr)
			}
			if sink != nil {
				sink.AddTransferred(int64(n))
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("transfer %s: %w", src, readErr)
		}
		if sink != nil && sink.Cancelled() {
			return nil
		}
	}
	return nil
}

func (b *LocalBackend) CustomCommandOnFile(_ context.Context, _ string, _ *RemoteFile, _ string, _ func(string)) error {
	return &ErrUnsupported{Backend: "local", Operation: "custom command"}
}

func (b *LocalBackend) AnyCommand(_ context.Context, _ string, _ func(string)) error {
	return &ErrUnsupported{Backend: "local", Operation: "any command"}
}

func (b *LocalBackend) ChecksumFile(_ context.Context, algorithm, path string) (string, error) {
	return checksumLocalFile(algorithm, path)
}

func (b *LocalBackend) SpaceAvailable(_ context.Context, path string) (SpaceAvailable, error) {
	return spaceAvailable(path)
}

func (b *LocalBackend) FileURL(path string) string { return "file://" + path }

func (b *LocalBackend) Capabilities() Capabilities {
	return NewCapabilities(
		CapModeChanging, CapUserGroupListing, CapHardLink, CapSymbolicLink,
		CapResolveSymlink, CapRename, CapTimestampChanging, CapCheckingSpaceAvailable,
		CapCalculatingChecksum, CapPreservingTimestampUpload, CapPreservingTimestampDirs,
		CapResumeSupport, CapParallelTransfers,
	)
}

func (b *LocalBackend) FixedPaths() []string { return nil }

func (b *LocalBackend) SessionInfo() SessionInfo {
	return SessionInfo{Protocol: "local"}
}

func (b *LocalBackend) FileSystemInfo(_ context.Context, _ bool) (FileSystemInfo, error) {
	return FileSystemInfo{CaseSensitive: true, PathSeparator: "/"}, nil
}

func infoToRemoteFile(name string, info os.FileInfo) *RemoteFile {
	ft := FileTypeFile
	switch {
	case info.IsDir():
		ft = FileTypeDirectory
	case info.Mode()&os.ModeSymlink != 0:
		ft = FileTypeSymlink
	}
	return &RemoteFile{
		Name:           name,
		Size:           info.Size(),
		ModTime:        info.ModTime(),
		Precision:      PrecisionFull,
		Type:           ft,
		RightsNumeric:  uint32(info.Mode().Perm()),
		RightsSymbolic: info.Mode().String(),
	}
}
