package backend

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// ShellBackend is the secondary-session backend (C8): a bare SSH exec
// channel with no file-transfer surface, used only to run commands a
// primary backend can't run itself (CapAnyCommand false).
type ShellBackend struct {
	host, user, password, keyFile string
	port                          int

	client *ssh.Client
	cwd    string
}

// NewShellBackend builds a ShellBackend that dials host:port as user on
// Open, grounded on the same golang.org/x/crypto/ssh dial path the
// tunnel's sshPortForwardShell uses.
func NewShellBackend(host string, port int, user, password, keyFile string) *ShellBackend {
	if port == 0 {
		port = 22
	}
	return &ShellBackend{host: host, port: port, user: user, password: password, keyFile: keyFile, cwd: "/"}
}

func (b *ShellBackend) Open(_ context.Context) error {
	var auth []ssh.AuthMethod
	if b.password != "" {
		auth = append(auth, ssh.Password(b.password))
	}
	if b.keyFile != "" {
		if data, err := os.ReadFile(b.keyFile); err == nil { //nolint:gosec // host-chosen key path
			if signer, err := ssh.ParsePrivateKey(data); err == nil {
				auth = append(auth, ssh.PublicKeys(signer))
			}
		}
	}

	cfg := &ssh.ClientConfig{
		User:            b.user,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // host keys are accepted without verification; no host callback is consulted
		Timeout:         15 * time.Second,
	}

	client, err := ssh.Dial("tcp", fmt.Sprintf("%s:%d", b.host, b.port), cfg)
	if err != nil {
		return fmt.Errorf("shell open: %w", err)
	}
	b.client = client
	return nil
}

func (b *ShellBackend) Close() error {
	if b.client == nil {
		return nil
	}
	return b.client.Close()
}

func (b *ShellBackend) Idle(_ context.Context) error {
	if b.client == nil {
		return nil
	}
	_, _, err := b.client.SendRequest("keepalive@termcore", true, nil)
	return err
}

func (b *ShellBackend) CurrentDirectory() string       { return b.cwd }
func (b *ShellBackend) CachedChangeDirectory(p string) { b.cwd = p }

func (b *ShellBackend) ChangeDirectory(_ context.Context, dir string) error {
	b.cwd = dir
	return nil
}

func (b *ShellBackend) HomeDirectory(ctx context.Context) (string, error) {
	var out string
	err := b.AnyCommand(ctx, "pwd", func(line string) { out = line })
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (b *ShellBackend) ReadDirectory(_ context.Context, _ string) (*RemoteFileList, error) {
	return nil, &ErrUnsupported{Backend: "shell", Operation: "read directory"}
}

func (b *ShellBackend) ReadFile(_ context.Context, _ string) (*RemoteFile, error) {
	return nil, &ErrUnsupported{Backend: "shell", Operation: "read file"}
}

func (b *ShellBackend) ReadSymlink(_ context.Context, _ *RemoteFile) (*RemoteFile, error) {
	return nil, &ErrUnsupported{Backend: "shell", Operation: "read symlink"}
}

func (b *ShellBackend) CreateDirectory(_ context.Context, _ string) error {
	return &ErrUnsupported{Backend: "shell", Operation: "create directory"}
}

func (b *ShellBackend) CreateLink(_ context.Context, _, _ string, _ bool) error {
	return &ErrUnsupported{Backend: "shell", Operation: "create link"}
}

func (b *ShellBackend) DeleteFile(_ context.Context, _ string, _ *RemoteFile, _ DeleteParams) error {
	return &ErrUnsupported{Backend: "shell", Operation: "delete"}
}

func (b *ShellBackend) RenameFile(_ context.Context, _, _ string) error {
	return &ErrUnsupported{Backend: "shell", Operation: "rename"}
}

func (b *ShellBackend) CopyFile(_ context.Context, _, _ string) error {
	return &ErrUnsupported{Backend: "shell", Operation: "remote copy"}
}

func (b *ShellBackend) ChangeFileProperties(_ context.Context, _ string, _ *RemoteFile, _ Properties) error {
	return &ErrUnsupported{Backend: "shell", Operation: "change file properties"}
}

func (b *ShellBackend) TransferToRemote(_ context.Context, _ []TransferItem, _ string, _ ProgressSink) error {
	return &ErrUnsupported{Backend: "shell", Operation: "transfer"}
}

func (b *ShellBackend) TransferToLocal(_ context.Context, _ []TransferItem, _ string, _ ProgressSink) error {
	return &ErrUnsupported{Backend: "shell", Operation: "transfer"}
}

func (b *ShellBackend) CustomCommandOnFile(ctx context.Context, p string, _ *RemoteFile, command string, output func(string)) error {
	return b.AnyCommand(ctx, command+" "+p, output)
}

// AnyCommand runs command on a fresh SSH session and streams combined
// stdout/stderr to output one line at a time.
func (b *ShellBackend) AnyCommand(_ context.Context, command string, output func(string)) error {
	if b.client == nil {
		return fmt.Errorf("shell backend: not open")
	}
	session, err := b.client.NewSession()
	if err != nil {
		return fmt.Errorf("shell command %q: %w", command, err)
	}
	defer session.Close()

	stdout, err := session.StdoutPipe()
	if err != nil {
		return fmt.Errorf("shell command %q: %w", command, err)
	}
	session.Stderr = session.Stdout

	if err := session.Start(command); err != nil {
		return fmt.Errorf("shell command %q: %w", command, err)
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		if output != nil {
			output(scanner.Text())
		}
	}

	if err := session.Wait(); err != nil {
		return fmt.Errorf("shell command %q: %w", command, err)
	}
	return nil
}

func (b *ShellBackend) ChecksumFile(_ context.Context, _, _ string) (string, error) {
	return "", &ErrUnsupported{Backend: "shell", Operation: "checksum"}
}

func (b *ShellBackend) SpaceAvailable(_ context.Context, _ string) (SpaceAvailable, error) {
	return SpaceAvailable{}, &ErrUnsupported{Backend: "shell", Operation: "space available"}
}

func (b *ShellBackend) FileURL(p string) string {
	return fmt.Sprintf("ssh://%s@%s:%d%s", b.user, b.host, b.port, p)
}

func (b *ShellBackend) Capabilities() Capabilities {
	return NewCapabilities(CapAnyCommand, CapShellAnyCommand)
}

func (b *ShellBackend) FixedPaths() []string { return nil }

func (b *ShellBackend) SessionInfo() SessionInfo {
	return SessionInfo{Protocol: "shell", ServerID: b.host}
}

func (b *ShellBackend) FileSystemInfo(_ context.Context, _ bool) (FileSystemInfo, error) {
	return FileSystemInfo{CaseSensitive: true, PathSeparator: "/"}, nil
}
