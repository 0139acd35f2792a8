// Package backend defines the capability-indexed surface every protocol
// engine (local, SFTP/SCP, FTP/FTPS, S3, WebDAV/WebDAVS) implements, and
// hosts one thin adapter per protocol. The core never type-switches on a
// concrete backend; it routes every "can I do X" question through
// Capabilities.
package backend

import (
	"context"
	"fmt"
	"time"
)

// Capability is a static boolean tag a backend advertises.
type Capability int

// Capability tags the core inspects before attempting an operation.
const (
	CapUserGroupListing Capability = iota
	CapModeChanging
	CapGroupChanging
	CapOwnerChanging
	CapGroupOwnerChangingByID
	CapAnyCommand
	CapShellAnyCommand
	CapHardLink
	CapSymbolicLink
	CapResolveSymlink
	CapTextMode
	CapRename
	CapNativeTextMode
	CapNewerOnlyUpload
	CapRemoteCopy
	CapTimestampChanging
	CapRemoteMove
	CapLoadingAdditionalProperties
	CapCheckingSpaceAvailable
	CapIgnorePermErrors
	CapCalculatingChecksum
	CapModeChangingUpload
	CapPreservingTimestampUpload
	CapSecondaryShell
	CapRemoveCtrlZUpload
	CapRemoveBOMUpload
	CapLocking
	CapPreservingTimestampDirs
	CapResumeSupport
	CapChangePassword
	CapSkipTransfer
	CapParallelTransfers
	CapBackgroundTransfers
	numCapabilities
)

// Capabilities is the fixed boolean vector describing what a backend can
// do. It is built once when the backend is constructed and never mutated.
type Capabilities struct {
	bits [numCapabilities]bool
}

// NewCapabilities builds a Capabilities vector with the given tags set.
func NewCapabilities(set ...Capability) Capabilities {
	var c Capabilities
	for _, cap := range set {
		c.bits[cap] = true
	}
	return c
}

// Has reports whether the vector carries the given tag.
func (c Capabilities) Has(cap Capability) bool {
	if cap < 0 || int(cap) >= len(c.bits) {
		return false
	}
	return c.bits[cap]
}

// FileType enumerates what a RemoteFile names.
type FileType int

const (
	FileTypeFile FileType = iota
	FileTypeDirectory
	FileTypeSymlink
	FileTypeSpecial
)

// TimePrecision tags how granular a RemoteFile's modification time is, so
// comparisons can be reduced to the coarser of two sides.
type TimePrecision int

const (
	PrecisionNone TimePrecision = iota
	PrecisionMinute
	PrecisionHour
	PrecisionFull
)

// ReducePrecision returns the coarser of two precisions.
func ReducePrecision(a, b TimePrecision) TimePrecision {
	if a == PrecisionNone || b == PrecisionNone {
		return PrecisionNone
	}
	if a == PrecisionHour || b == PrecisionHour {
		return PrecisionHour
	}
	if a < b {
		return a
	}
	return b
}

// Truncate rounds t down to the granularity named by p, so two timestamps
// compared at the same reduced precision compare equal when they should.
func (p TimePrecision) Truncate(t time.Time) time.Time {
	switch p {
	case PrecisionNone:
		return time.Time{}
	case PrecisionMinute:
		return t.Truncate(time.Minute)
	case PrecisionHour:
		return t.Truncate(time.Hour)
	case PrecisionFull:
		return t
	default:
		return t
	}
}

// RemoteFile is one entry parsed out of a directory listing. Its list
// back-reference is non-owning: lifetime of a RemoteFile is bounded by the
// RemoteFileList that holds it.
type RemoteFile struct {
	Name            string
	Owner           string
	Group           string
	RightsSymbolic  string
	RightsNumeric   uint32
	Size            int64
	ModTime         time.Time
	Precision       TimePrecision
	Type            FileType
	LinkTarget      string
	LinkTargetReal  string
	Attributes      uint32
	IsThisDirectory bool
	IsParentDir     bool

	list *RemoteFileList
}

// IsDir reports whether the entry names a directory.
func (f *RemoteFile) IsDir() bool { return f.Type == FileTypeDirectory }

// IsSymlink reports whether the entry names a symbolic link.
func (f *RemoteFile) IsSymlink() bool { return f.Type == FileTypeSymlink }

// Directory returns the list owning this entry, or nil if detached.
func (f *RemoteFile) Directory() *RemoteFileList { return f.list }

// FullName joins the owning list's path with the entry's name.
func (f *RemoteFile) FullName() string {
	if f.list == nil {
		return f.Name
	}
	return joinRemotePath(f.list.Path, f.Name)
}

// RemoteFileList is an ordered directory listing retrieved at a point in
// time. path must match the Directory() back-reference of every child.
type RemoteFileList struct {
	Path      string
	Retrieved time.Time
	Files     []*RemoteFile
}

// NewRemoteFileList creates an empty listing rooted at path.
func NewRemoteFileList(path string, retrieved time.Time) *RemoteFileList {
	return &RemoteFileList{Path: path, Retrieved: retrieved}
}

// Add appends f to the list and sets its back-reference.
func (l *RemoteFileList) Add(f *RemoteFile) {
	f.list = l
	l.Files = append(l.Files, f)
}

// Find returns the entry named name, or nil.
func (l *RemoteFileList) Find(name string) *RemoteFile {
	for _, f := range l.Files {
		if f.Name == name {
			return f
		}
	}
	return nil
}

func joinRemotePath(dir, name string) string {
	if dir == "" || dir == "/" {
		return "/" + name
	}
	if dir[len(dir)-1] == '/' {
		return dir + name
	}
	return dir + "/" + name
}

// DeleteParams modifies how DeleteFile behaves.
type DeleteParams struct {
	Recursive bool
}

// Properties is a sparse property bag passed to ChangeFileProperties; only
// the non-nil fields are applied. Used both for full chmod/chown/chtime
// requests and for the sync engine's timestamp-only apply branch.
type Properties struct {
	ModTime        *time.Time
	RightsNumeric  *uint32
	RightsSymbolic *string
	Owner          *string
	Group          *string
}

// ModTimeOnly builds a Properties bag carrying only a new modification
// time, the shape the synchronization engine's timestamp-only apply uses.
func ModTimeOnly(t time.Time) Properties {
	return Properties{ModTime: &t}
}

// TransferItem names one file to move during a bulk transfer.
type TransferItem struct {
	LocalPath  string
	RemotePath string
	Size       int64
	ModTime    time.Time
}

// SpaceAvailable reports free/total space at a path, when the backend can
// determine it.
type SpaceAvailable struct {
	Free  int64
	Total int64
}

// SessionInfo is backend-reported metadata about the live connection
// (protocol name, negotiated options, server banner).
type SessionInfo struct {
	Protocol    string
	ServerID    string
	SecurityMsg string
}

// FileSystemInfo is backend-reported metadata about the remote filesystem
// (case sensitivity, path separator) used to drive name-rewriting.
type FileSystemInfo struct {
	CaseSensitive bool
	PathSeparator string
}

// ProgressSink receives byte-level progress during a transfer; it is the
// backend-facing half of the operation-progress object (C2).
type ProgressSink interface {
	AddTransferred(n int64)
	SetCurrentFile(name string)
	Cancelled() bool
}

// ParallelTransferSetter is implemented by backends whose Capabilities()
// advertise CapParallelTransfers: it lets the apply phase's adaptive
// pool (§6 "adaptive worker-pool sizing") size the worker count
// TransferToRemote/TransferToLocal use for the batch about to run,
// mirroring the way the teacher's sync engine matched its worker count
// to its ResizablePool-backed connection pool.
type ParallelTransferSetter interface {
	SetTransferConcurrency(n int)
}

// Backend is the polymorphic surface every protocol engine implements.
// The core never inspects a concrete type; every behavioral question is
// answered through Capabilities.
type Backend interface {
	Open(ctx context.Context) error
	Close() error
	Idle(ctx context.Context) error

	CurrentDirectory() string
	ChangeDirectory(ctx context.Context, path string) error
	CachedChangeDirectory(path string)
	HomeDirectory(ctx context.Context) (string, error)

	ReadDirectory(ctx context.Context, path string) (*RemoteFileList, error)
	ReadFile(ctx context.Context, path string) (*RemoteFile, error)
	ReadSymlink(ctx context.Context, f *RemoteFile) (*RemoteFile, error)

	CreateDirectory(ctx context.Context, path string) error
	CreateLink(ctx context.Context, path, target string, symbolic bool) error
	DeleteFile(ctx context.Context, path string, f *RemoteFile, params DeleteParams) error

	RenameFile(ctx context.Context, path, newName string) error
	CopyFile(ctx context.Context, path, newName string) error

	ChangeFileProperties(ctx context.Context, path string, f *RemoteFile, props Properties) error

	TransferToRemote(ctx context.Context, files []TransferItem, targetDir string, sink ProgressSink) error
	TransferToLocal(ctx context.Context, files []TransferItem, targetDir string, sink ProgressSink) error

	CustomCommandOnFile(ctx context.Context, path string, f *RemoteFile, command string, output func(string)) error
	AnyCommand(ctx context.Context, command string, output func(string)) error

	ChecksumFile(ctx context.Context, algorithm, path string) (string, error)
	SpaceAvailable(ctx context.Context, path string) (SpaceAvailable, error)

	FileURL(path string) string

	Capabilities() Capabilities
	FixedPaths() []string

	SessionInfo() SessionInfo
	FileSystemInfo(ctx context.Context, retrieve bool) (FileSystemInfo, error)
}

// IsCapable reports whether b advertises cap, a free function so callers
// routing through a possibly-nil backend reference get false rather than
// a panic.
func IsCapable(b Backend, cap Capability) bool {
	if b == nil {
		return false
	}
	return b.Capabilities().Has(cap)
}

// ErrUnsupported is returned by an adapter method a backend's protocol has
// no analogue for; callers should have checked Capabilities first.
type ErrUnsupported struct {
	Backend   string
	Operation string
}

func (e *ErrUnsupported) Error() string {
	return fmt.Sprintf("%s: %s is not supported by this backend", e.Backend, e.Operation)
}
