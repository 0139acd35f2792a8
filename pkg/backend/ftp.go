package backend

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/gonzalop/ftp"
)

// FTPTLSMode selects whether, and how, TLS wraps the control connection.
type FTPTLSMode int

const (
	FTPPlain FTPTLSMode = iota
	FTPExplicitTLS
	FTPImplicitTLS
)

// FTPBackend adapts github.com/gonzalop/ftp to Backend, covering both
// plain FTP and FTPS (explicit or implicit) — the descriptor's protocol
// selector picks TLSMode, not a different backend type.
type FTPBackend struct {
	addr     string
	user     string
	password string
	tlsMode  FTPTLSMode
	passive  bool

	client *ftp.Client
	cwd    string
}

// NewFTPBackend builds an FTPBackend for addr ("host:port"); passive
// selects PASV (the default the library already assumes unless
// WithActiveMode is set).
func NewFTPBackend(addr, user, password string, tlsMode FTPTLSMode, passive bool) *FTPBackend {
	return &FTPBackend{addr: addr, user: user, password: password, tlsMode: tlsMode, passive: passive, cwd: "/"}
}

func (b *FTPBackend) Open(_ context.Context) error {
	var opts []ftp.Option
	switch b.tlsMode {
	case FTPExplicitTLS:
		opts = append(opts, ftp.WithExplicitTLS(&tls.Config{MinVersion: tls.VersionTLS12})) //nolint:gosec // server cert validation is a host (C9) callback, §6.3
	case FTPImplicitTLS:
		opts = append(opts, ftp.WithImplicitTLS(&tls.Config{MinVersion: tls.VersionTLS12})) //nolint:gosec // see above
	case FTPPlain:
	}
	if !b.passive {
		opts = append(opts, ftp.WithActiveMode())
	}

	client, err := ftp.Dial(b.addr, opts...)
	if err != nil {
		return fmt.Errorf("ftp open: %w", err)
	}

	if err := client.Login(b.user, b.password); err != nil {
		client.Quit()
		return fmt.Errorf("ftp login: %w", err)
	}

	b.client = client
	if wd, err := client.CurrentDir(); err == nil {
		b.cwd = wd
	}
	return nil
}

func (b *FTPBackend) Close() error {
	if b.client == nil {
		return nil
	}
	if err := b.client.Quit(); err != nil {
		return fmt.Errorf("ftp close: %w", err)
	}
	return nil
}

func (b *FTPBackend) Idle(_ context.Context) error {
	if b.client == nil {
		return nil
	}
	if err := b.client.Noop(); err != nil {
		return fmt.Errorf("ftp idle: %w", err)
	}
	return nil
}

func (b *FTPBackend) CurrentDirectory() string       { return b.cwd }
func (b *FTPBackend) CachedChangeDirectory(p string) { b.cwd = p }

func (b *FTPBackend) ChangeDirectory(_ context.Context, dir string) error {
	if err := b.client.ChangeDir(dir); err != nil {
		return fmt.Errorf("change directory %s: %w", dir, err)
	}
	b.cwd = dir
	return nil
}

func (b *FTPBackend) HomeDirectory(_ context.Context) (string, error) {
	return "/", nil
}

func (b *FTPBackend) ReadDirectory(_ context.Context, dir string) (*RemoteFileList, error) {
	entries, err := b.client.List(dir)
	if err != nil {
		return nil, fmt.Errorf("read directory %s: %w", dir, err)
	}

	list := NewRemoteFileList(dir, time.Now())
	for _, e := range entries {
		rf := &RemoteFile{Name: e.Name, Size: e.Size, Precision: PrecisionMinute}
		switch e.Type {
		case "dir":
			rf.Type = FileTypeDirectory
		case "link":
			rf.Type = FileTypeSymlink
			rf.LinkTarget = e.Target
		default:
			rf.Type = FileTypeFile
		}
		list.Add(rf)
	}
	return list, nil
}

func (b *FTPBackend) ReadFile(_ context.Context, p string) (*RemoteFile, error) {
	size, err := b.client.Size(p)
	if err != nil {
		return nil, fmt.Errorf("read file %s: %w", p, err)
	}
	modTime, _ := b.client.ModTime(p)
	return &RemoteFile{Name: path.Base(p), Size: size, ModTime: modTime, Precision: PrecisionMinute, Type: FileTypeFile}, nil
}

func (b *FTPBackend) ReadSymlink(_ context.Context, f *RemoteFile) (*RemoteFile, error) {
	return nil, &ErrUnsupported{Backend: "ftp", Operation: "resolve symlink"}
}

func (b *FTPBackend) CreateDirectory(_ context.Context, dir string) error {
	if err := b.client.MakeDir(dir); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	return nil
}

func (b *FTPBackend) CreateLink(_ context.Context, _, _ string, _ bool) error {
	return &ErrUnsupported{Backend: "ftp", Operation: "create link"}
}

func (b *FTPBackend) DeleteFile(_ context.Context, p string, f *RemoteFile, params DeleteParams) error {
	if params.Recursive || (f != nil && f.IsDir()) {
		if err := b.client.RemoveDir(p); err != nil {
			return fmt.Errorf("delete %s: %w", p, err)
		}
		return nil
	}
	if err := b.client.Delete(p); err != nil {
		return fmt.Errorf("delete %s: %w", p, err)
	}
	return nil
}

func (b *FTPBackend) RenameFile(_ context.Context, p, newName string) error {
	dest := path.Join(path.Dir(p), newName)
	if err := b.client.Rename(p, dest); err != nil {
		return fmt.Errorf("rename %s to %s: %w", p, newName, err)
	}
	return nil
}

func (b *FTPBackend) CopyFile(_ context.Context, _, _ string) error {
	return &ErrUnsupported{Backend: "ftp", Operation: "remote copy"}
}

func (b *FTPBackend) ChangeFileProperties(_ context.Context, p string, _ *RemoteFile, props Properties) error {
	if props.ModTime != nil {
		if err := b.client.SetModTime(p, *props.ModTime); err != nil {
			return fmt.Errorf("set modification time %s: %w", p, err)
		}
	}
	if props.RightsNumeric != nil {
		if err := b.client.Chmod(p, os.FileMode(*props.RightsNumeric)); err != nil {
			return fmt.Errorf("chmod %s: %w", p, err)
		}
	}
	return nil
}

func (b *FTPBackend) TransferToRemote(_ context.Context, files []TransferItem, targetDir string, sink ProgressSink) error {
	for _, item := range files {
		if sink != nil && sink.Cancelled() {
			return nil
		}
		if sink != nil {
			sink.SetCurrentFile(path.Base(item.LocalPath))
		}
		dest := path.Join(targetDir, path.Base(item.LocalPath))
		if err := b.client.StoreFrom(dest, item.LocalPath); err != nil {
			return fmt.Errorf("transfer %s to %s: %w", item.LocalPath, dest, err)
		}
		if sink != nil {
			sink.AddTransferred(item.Size)
		}
	}
	return nil
}

func (b *FTPBackend) TransferToLocal(_ context.Context, files []TransferItem, targetDir string, sink ProgressSink) error {
	for _, item := range files {
		if sink != nil && sink.Cancelled() {
			return nil
		}
		if sink != nil {
			sink.SetCurrentFile(path.Base(item.RemotePath))
		}
		dest := path.Join(targetDir, path.Base(item.RemotePath))
		if err := b.client.RetrieveTo(item.RemotePath, dest); err != nil {
			return fmt.Errorf("transfer %s to %s: %w", item.RemotePath, dest, err)
		}
		if sink != nil {
			sink.AddTransferred(item.Size)
		}
	}
	return nil
}

func (b *FTPBackend) CustomCommandOnFile(_ context.Context, p string, _ *RemoteFile, command string, output func(string)) error {
	resp, err := b.client.Quote(command, p)
	if err != nil {
		return fmt.Errorf("custom command %s %s: %w", command, p, err)
	}
	if output != nil {
		output(resp.String())
	}
	return nil
}

// AnyCommand has no generic analogue beyond raw FTP verbs; Quote sends
// whatever the caller provides as a single command line.
func (b *FTPBackend) AnyCommand(_ context.Context, command string, output func(string)) error {
	resp, err := b.client.Quote(command)
	if err != nil {
		return fmt.Errorf("command %s: %w", command, err)
	}
	if output != nil {
		output(resp.String())
	}
	return nil
}

func (b *FTPBackend) ChecksumFile(_ context.Context, _, p string) (string, error) {
	sum, err := b.client.Hash(p)
	if err != nil {
		return "", fmt.Errorf("checksum %s: %w", p, err)
	}
	return sum, nil
}

func (b *FTPBackend) SpaceAvailable(_ context.Context, _ string) (SpaceAvailable, error) {
	return SpaceAvailable{}, &ErrUnsupported{Backend: "ftp", Operation: "space available"}
}

func (b *FTPBackend) FileURL(p string) string {
	scheme := "ftp"
	if b.tlsMode != FTPPlain {
		scheme = "ftps"
	}
	return fmt.Sprintf("%s://%s%s", scheme, b.addr, p)
}

func (b *FTPBackend) Capabilities() Capabilities {
	caps := []Capability{
		CapRename, CapAnyCommand, CapTimestampChanging, CapModeChanging,
		CapCalculatingChecksum, CapNewerOnlyUpload,
	}
	return NewCapabilities(caps...)
}

func (b *FTPBackend) FixedPaths() []string { return nil }

func (b *FTPBackend) SessionInfo() SessionInfo {
	proto := "ftp"
	if b.tlsMode != FTPPlain {
		proto = "ftps"
	}
	return SessionInfo{Protocol: proto, ServerID: b.addr}
}

func (b *FTPBackend) FileSystemInfo(_ context.Context, _ bool) (FileSystemInfo, error) {
	return FileSystemInfo{CaseSensitive: true, PathSeparator: "/"}, nil
}
