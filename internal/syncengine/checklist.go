// Package syncengine implements the synchronization engine (C10): Collect
// walks a local and a remote directory tree and produces a Checklist of
// differences; Apply executes the checked items against two
// internal/terminal.Terminal instances.
package syncengine

import (
	"time"

	"github.com/joe/termcore/pkg/backend"
)

// Action names what Apply should do with a Checklist Item.
type Action int

const (
	ActionNone Action = iota
	ActionUploadNew
	ActionUploadUpdate
	ActionDownloadNew
	ActionDownloadUpdate
	ActionDeleteRemote
	ActionDeleteLocal
)

// String renders Action for logging.
func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionUploadNew:
		return "upload-new"
	case ActionUploadUpdate:
		return "upload-update"
	case ActionDownloadNew:
		return "download-new"
	case ActionDownloadUpdate:
		return "download-update"
	case ActionDeleteRemote:
		return "delete-remote"
	case ActionDeleteLocal:
		return "delete-local"
	default:
		return "unknown"
	}
}

// Item is one row of a Checklist: a local/remote pair (either side may be
// absent) together with the Action Collect decided for it. Checked starts
// true for every item Collect produces; a host unchecks items before Apply
// to exclude them from the run without re-collecting.
type Item struct {
	LocalDir  string
	RemoteDir string
	Name      string

	IsDirectory bool

	LocalExists  bool
	LocalSize    int64
	LocalModTime time.Time
	LocalPrec    backend.TimePrecision

	RemoteExists  bool
	RemoteSize    int64
	RemoteModTime time.Time
	RemotePrec    backend.TimePrecision
	RemoteFile    *backend.RemoteFile

	// ImageHint is a free-form UI affordance (e.g. an icon key derived
	// from the file extension); it carries no synchronization meaning.
	ImageHint string

	Action  Action
	Checked bool
}

// LocalPath joins LocalDir and Name with a forward slash, the only
// separator backend.Backend paths use.
func (it *Item) LocalPath() string { return joinPath(it.LocalDir, it.Name) }

// RemotePath joins RemoteDir and Name.
func (it *Item) RemotePath() string { return joinPath(it.RemoteDir, it.Name) }

// sizesEqual reports whether both sides carry the same size, the signal
// Apply's timestamp-only branch uses to tell "content changed" apart from
// "only the clock changed" (§4.10).
func (it *Item) sizesEqual() bool {
	return it.LocalExists && it.RemoteExists && it.LocalSize == it.RemoteSize
}

// localFileStub builds a throwaway *backend.RemoteFile carrying just
// enough of the local side's shape (name, size, directory-ness) for a
// Backend.DeleteFile call that wants to know IsDir without a real
// directory listing round trip.
func (it *Item) localFileStub() *backend.RemoteFile {
	typ := backend.FileTypeFile
	if it.IsDirectory {
		typ = backend.FileTypeDirectory
	}
	return &backend.RemoteFile{
		Name:    it.Name,
		Size:    it.LocalSize,
		ModTime: it.LocalModTime,
		Type:    typ,
	}
}

func joinPath(dir, name string) string {
	if dir == "" || dir == "/" {
		return "/" + name
	}
	if dir[len(dir)-1] == '/' {
		return dir + name
	}
	return dir + "/" + name
}

// Checklist is the ordered result of Collect: every Item sorted by
// (directory, name), ready for a host to review/uncheck before Apply.
type Checklist struct {
	Items []*Item
}

// TotalTransferSize sums the bytes every checked transfer item will move,
// the figure a host shows before Apply starts.
func (c *Checklist) TotalTransferSize() int64 {
	var total int64
	for _, it := range c.Items {
		if !it.Checked {
			continue
		}
		switch it.Action {
		case ActionUploadNew, ActionUploadUpdate:
			total += it.LocalSize
		case ActionDownloadNew, ActionDownloadUpdate:
			total += it.RemoteSize
		}
	}
	return total
}

// CheckedCount returns how many items remain checked.
func (c *Checklist) CheckedCount() int {
	n := 0
	for _, it := range c.Items {
		if it.Checked {
			n++
		}
	}
	return n
}
