package config

import (
	"fmt"
	"strings"
	"time"
)

// Protocol selects which backend family a SessionDescriptor targets.
type Protocol int

// Protocol values, named for the wire family the backend drives.
const (
	ProtocolSFTP Protocol = iota
	ProtocolSCP
	ProtocolFTP
	ProtocolFTPS
	ProtocolWebDAV
	ProtocolWebDAVS
	ProtocolS3
	ProtocolShell // secondary-session-only: any-command execution, no file transfer
)

// String renders the protocol the way a descriptor's "source" tag and logs
// report it.
func (p Protocol) String() string {
	switch p {
	case ProtocolSFTP:
		return "sftp"
	case ProtocolSCP:
		return "scp"
	case ProtocolFTP:
		return "ftp"
	case ProtocolFTPS:
		return "ftps"
	case ProtocolWebDAV:
		return "webdav"
	case ProtocolWebDAVS:
		return "webdavs"
	case ProtocolS3:
		return "s3"
	case ProtocolShell:
		return "shell"
	default:
		return "unknown"
	}
}

// ParseProtocol parses a protocol selector string (case-insensitive).
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(s) {
	case "sftp":
		return ProtocolSFTP, nil
	case "scp":
		return ProtocolSCP, nil
	case "ftp":
		return ProtocolFTP, nil
	case "ftps":
		return ProtocolFTPS, nil
	case "webdav":
		return ProtocolWebDAV, nil
	case "webdavs":
		return ProtocolWebDAVS, nil
	case "s3":
		return ProtocolS3, nil
	case "shell":
		return ProtocolShell, nil
	default:
		return 0, fmt.Errorf("unknown protocol %q", s)
	}
}

// UnmarshalText implements encoding.TextUnmarshaler for go-arg.
func (p *Protocol) UnmarshalText(text []byte) error {
	parsed, err := ParseProtocol(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// DescriptorSource tags where a SessionDescriptor's fields came from, so a
// host can decide whether to offer "save changes".
type DescriptorSource int

const (
	SourceUnset DescriptorSource = iota
	SourceStored
	SourceStoredModified
)

// DSTMode picks how a descriptor's timestamp comparisons treat daylight
// saving transitions.
type DSTMode int

const (
	DSTModeUnix DSTMode = iota
	DSTModeWin
	DSTModeKeep
)

// TunnelDescriptor is the sub-descriptor a SessionDescriptor carries when it
// requests the tunnel supervisor (C7) bring up a port-forwarding relay
// before the real session connects.
type TunnelDescriptor struct {
	HostName   string
	PortNumber int
	UserName   string
	Password   string
	PublicKey  string // reference to a key-file, not key material
	LocalPort  int     // 0 means "scan for a free loopback port"
	PortRangeLo int
	PortRangeHi int
}

// Enabled reports whether the descriptor requests tunneling at all.
func (t *TunnelDescriptor) Enabled() bool {
	return t != nil && t.HostName != ""
}

// ProxyHop is one entry in a proxy chain the transport dials through before
// reaching HostName.
type ProxyHop struct {
	Method   string // e.g. "socks5", "http-connect"
	HostName string
	Port     int
	UserName string
	Password string
}

// SessionDescriptor is the value-type bundle of connection parameters a
// Terminal opens against. Every field carries a typed default so a
// zero-value SessionDescriptor is a valid (if useless) starting point.
type SessionDescriptor struct {
	HostName string `arg:"--host" help:"remote host name"`
	PortNumber int `arg:"--port" help:"remote port (0 = protocol default)"`
	UserName string `arg:"--user" help:"remote user name"`

	Password       string `arg:"--password" help:"remote password"`
	Passphrase     string `arg:"--passphrase" help:"private key passphrase"`
	KeyFile        string `arg:"--key-file" help:"path to a private key file"`

	Protocol Protocol `arg:"--protocol" default:"sftp" help:"sftp|scp|ftp|ftps|webdav|webdavs|s3|shell"`

	// Protocol-specific tunables.
	CipherList   []string `arg:"--cipher" help:"SSH cipher preference list, in priority order"`
	KexList      []string `arg:"--kex" help:"SSH key-exchange algorithm preference list"`
	HostKeyList  []string `arg:"--host-key" help:"accepted SSH host key fingerprints"`
	SFTPMaxVersion int    `arg:"--sftp-max-version" default:"6" help:"highest SFTP protocol version to negotiate"`
	FTPPassive   bool     `arg:"--ftp-passive" default:"true" help:"use passive-mode FTP data connections"`
	TLSMinVersion uint16  `arg:"--tls-min" help:"minimum TLS version, as a crypto/tls constant"`
	TLSMaxVersion uint16  `arg:"--tls-max" help:"maximum TLS version, as a crypto/tls constant"`
	ProxyChain   []ProxyHop `arg:"-" help:"proxy hops the transport dials through before HostName"`

	Tunnel *TunnelDescriptor `arg:"-"`

	// Timing.
	PingIntervalSeconds int           `arg:"--ping-interval" default:"30" help:"keepalive ping interval, in seconds"`
	PingType            string        `arg:"--ping-type" default:"dummy-command" help:"off|null-packet|dummy-command"`
	RekeyBytes          int64         `arg:"--rekey-bytes" help:"SSH rekey threshold, in bytes transferred (0 = server default)"`
	RekeyInterval       time.Duration `arg:"--rekey-interval" help:"SSH rekey threshold, as an interval (0 = server default)"`
	Timeout             time.Duration `arg:"--timeout" default:"15s" help:"connect and I/O timeout"`
	SendBufferSize       int          `arg:"--send-buffer" default:"262144" help:"transport send-buffer size, in bytes"`

	// Filesystem policy.
	RecycleBinPath      string  `arg:"--recycle-bin" help:"remote directory deletes are renamed into, instead of removed"`
	DSTMode             DSTMode `arg:"-"`
	CodePage            string  `arg:"--code-page" help:"remote filename code page"`
	DeleteToRecycle     bool    `arg:"--delete-to-recycle" help:"route deletes through RecycleBinPath"`
	OverwriteToRecycle  bool    `arg:"--overwrite-to-recycle" help:"route overwritten originals through RecycleBinPath"`

	// UI tunables the host may read but the core never interprets.
	UITag string `arg:"-"`

	Source DescriptorSource `arg:"-"`

	// Snapshot of the pre-tunnel values, so RollbackTunnel is
	// deterministic regardless of how many times BringUpTunnel runs.
	OrigHostName    string `arg:"-"`
	OrigPortNumber  int    `arg:"-"`
	OrigProxyMethod string `arg:"-"`

	// RemoteDirectory, when set, is cd'd to once Terminal.Open finishes
	// the startup conversation.
	RemoteDirectory string `arg:"--remote-directory" help:"directory to cd into once the session opens"`

	// CacheDirectoryChanges enables the change cache (C4) for this
	// session.
	CacheDirectoryChanges bool `arg:"--cache-directory-changes" default:"true"`

	// AutoReadDirectory mirrors the host setting react-on-command (§4.5)
	// consults to decide whether a mutating command schedules a reread.
	AutoReadDirectory bool `arg:"--auto-read-directory" default:"true"`

	ReopenAutoMaxRetries int           `arg:"--reopen-max-retries" default:"5"`
	ReopenTimeout        time.Duration `arg:"--reopen-timeout" default:"30s"`
}

// DefaultSessionDescriptor returns a descriptor with every typed default
// filled in, the way a freshly-constructed descriptor in the teacher's
// Config carries defaults before go-arg or a stored-session loader
// overrides them.
func DefaultSessionDescriptor() SessionDescriptor {
	return SessionDescriptor{
		Protocol:              ProtocolSFTP,
		SFTPMaxVersion:        6,
		FTPPassive:            true,
		PingIntervalSeconds:   30,
		PingType:              "dummy-command",
		Timeout:               15 * time.Second,
		SendBufferSize:        262144,
		CacheDirectoryChanges: true,
		AutoReadDirectory:     true,
		ReopenAutoMaxRetries:  5,
		ReopenTimeout:         30 * time.Second,
	}
}

// SnapshotForTunnel records the pre-tunnel host/port/proxy-method on first
// use, so RollbackTunnel can restore them even if BringUpTunnel is called
// more than once across reopen attempts.
func (d *SessionDescriptor) SnapshotForTunnel(proxyMethod string) {
	if d.OrigHostName != "" {
		return
	}
	d.OrigHostName = d.HostName
	d.OrigPortNumber = d.PortNumber
	d.OrigProxyMethod = proxyMethod
}

// RollbackTunnel restores the descriptor's host/port to the values
// SnapshotForTunnel recorded, and clears the snapshot.
func (d *SessionDescriptor) RollbackTunnel() {
	if d.OrigHostName == "" {
		return
	}
	d.HostName = d.OrigHostName
	d.PortNumber = d.OrigPortNumber
	d.OrigHostName = ""
	d.OrigPortNumber = 0
	d.OrigProxyMethod = ""
}

// RetargetToLocalForward mutates the descriptor to dial the local end of a
// just-opened tunnel instead of the real remote host.
func (d *SessionDescriptor) RetargetToLocalForward(localPort int) {
	d.HostName = "127.0.0.1"
	d.PortNumber = localPort
}
