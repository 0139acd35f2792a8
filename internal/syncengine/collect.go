package syncengine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/joe/termcore/internal/config"
	"github.com/joe/termcore/internal/terminal"
	"github.com/joe/termcore/pkg/backend"
)

// Direction names which side(s) Collect is allowed to move files toward.
type Direction int

const (
	DirectionBoth Direction = iota
	DirectionLocalToRemote
	DirectionRemoteToLocal
)

// Mode carries the synchronize flags spec.md §9 leaves underspecified on
// precedence; Collect resolves that precedence as: Direction gates which
// actions can exist at all, Mirror then fills in the deletions Direction
// alone would leave as none, and BySize/NotByTime/Timestamp only affect
// how an item present on both sides is compared.
type Mode struct {
	Direction Direction

	// Mirror deletes, on the side Direction allows writing to, any entry
	// absent on the source side. With DirectionBoth, Mirror has no
	// effect: both sides are always sources.
	Mirror bool

	// BySize ignores modification time entirely; two items with equal
	// size are considered equal regardless of time.
	BySize bool

	// NotByTime stops modification time from counting as a difference:
	// two items of equal size are considered equal regardless of time.
	// When Direction names both sides writable, the newer reduced mtime
	// still picks which way a size-differing item travels.
	NotByTime bool

	// Timestamp tells Apply to prefer a metadata-only timestamp fix
	// (C9 ChangeFileProperties) over a full re-transfer when two sides
	// already agree on size.
	Timestamp bool

	// Recurse walks matched subdirectories; without it, Collect only
	// compares the top-level entries of LocalDir/RemoteDir.
	Recurse bool
}

// CollectParams names the directory pair and policy Collect walks.
type CollectParams struct {
	LocalDir  string
	RemoteDir string
	Mode      Mode
	CopyParam config.CopyParam
	Filter    FileFilter // nil means "include everything"
}

// Collect walks local and remote under LocalDir/RemoteDir and returns a
// Checklist describing every difference Mode's direction and comparison
// flags can see (§4.9). It never mutates either side; Apply does that.
func Collect(ctx context.Context, local, remote *terminal.Terminal, params CollectParams) (*Checklist, error) {
	if params.Filter == nil {
		params.Filter = NewGlobFilter("")
	}

	items := make([]*Item, 0, 64)
	if err := collectDir(ctx, local, remote, params.LocalDir, params.RemoteDir, true, true, params, &items); err != nil {
		return nil, err
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].LocalDir != items[j].LocalDir {
			return items[i].LocalDir < items[j].LocalDir
		}
		if items[i].RemoteDir != items[j].RemoteDir {
			return items[i].RemoteDir < items[j].RemoteDir
		}
		return items[i].Name < items[j].Name
	})

	return &Checklist{Items: items}, nil
}

// collectDir is Collect's recursive step. localExists/remoteExists being
// false means "this side's directory does not exist" (it was itself a
// one-sided new entry one level up) rather than "it is empty"; Collect
// still descends to enumerate every entry underneath for the checklist.
func collectDir(
	ctx context.Context,
	local, remote *terminal.Terminal,
	localDir, remoteDir string,
	localExists, remoteExists bool,
	params CollectParams,
	items *[]*Item,
) error {
	localEntries, err := listSide(ctx, local, localDir, localExists)
	if err != nil {
		return fmt.Errorf("collect: list local %s: %w", localDir, err)
	}
	remoteEntries, err := listSide(ctx, remote, remoteDir, remoteExists)
	if err != nil {
		return fmt.Errorf("collect: list remote %s: %w", remoteDir, err)
	}

	names := unionNames(localEntries, remoteEntries)

	var subdirs []*Item

	for _, name := range names {
		if !params.CopyParam.AllowTransfer(name) || params.CopyParam.IsTemporaryTransferFile(name) {
			continue
		}
		if !params.Filter.ShouldInclude(joinPath(localDir, name)) {
			continue
		}

		lf, hasLocal := localEntries[name]
		rf, hasRemote := remoteEntries[name]

		isDir := (hasLocal && lf.IsDir()) || (hasRemote && rf.IsDir())

		it := &Item{
			LocalDir:    localDir,
			RemoteDir:   remoteDir,
			Name:        name,
			IsDirectory: isDir,
		}
		if hasLocal {
			it.LocalExists = true
			it.LocalSize = lf.Size
			it.LocalModTime = lf.ModTime
			it.LocalPrec = lf.Precision
		}
		if hasRemote {
			it.RemoteExists = true
			it.RemoteSize = rf.Size
			it.RemoteModTime = rf.ModTime
			it.RemotePrec = rf.Precision
			it.RemoteFile = rf
		}

		if err := decideAction(ctx, local, remote, it, params.Mode, params.CopyParam); err != nil {
			return fmt.Errorf("collect: compare %s: %w", joinPath(localDir, name), err)
		}
		it.Checked = it.Action != ActionNone

		if isDir {
			if it.Action != ActionNone {
				*items = append(*items, it)
			}
			matchedOrActionable := (it.LocalExists && it.RemoteExists) || it.Action != ActionNone
			if params.Mode.Recurse && matchedOrActionable {
				subdirs = append(subdirs, it)
			}
			continue
		}

		if it.Action != ActionNone {
			*items = append(*items, it)
		}
	}

	for _, dir := range subdirs {
		childLocalDir := joinPath(dir.LocalDir, dir.Name)
		childRemoteDir := joinPath(dir.RemoteDir, dir.Name)
		if err := collectDir(ctx, local, remote, childLocalDir, childRemoteDir, dir.LocalExists, dir.RemoteExists, params, items); err != nil {
			return err
		}
	}

	return nil
}

// listSide reads one side of a directory pair, returning an empty map
// (rather than an error) when exists is false or the directory is simply
// absent on that side.
func listSide(ctx context.Context, t *terminal.Terminal, dir string, exists bool) (map[string]*backend.RemoteFile, error) {
	out := make(map[string]*backend.RemoteFile)
	if !exists || t == nil {
		return out, nil
	}
	list, err := t.ReadDirectory(ctx, dir, terminal.ReadDirectoryOptions{UseCache: true})
	if err != nil {
		return out, nil //nolint:nilerr // a missing directory on one side is not a collect failure
	}
	for _, f := range list.Files {
		if f.IsThisDirectory || f.IsParentDir {
			continue
		}
		out[f.Name] = f
	}
	return out, nil
}

func unionNames(a, b map[string]*backend.RemoteFile) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	names := make([]string, 0, len(a)+len(b))
	for name := range a {
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	for name := range b {
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// decideAction resolves one Item's Action from Mode and the two sides'
// presence/size/time, per §4.9's one-sided and both-sided cases.
func decideAction(ctx context.Context, local, remote *terminal.Terminal, it *Item, mode Mode, cp config.CopyParam) error {
	switch {
	case it.LocalExists && !it.RemoteExists:
		decideOneSided(it, mode, true)
	case !it.LocalExists && it.RemoteExists:
		decideOneSided(it, mode, false)
	case it.LocalExists && it.RemoteExists:
		return decideBothSided(ctx, local, remote, it, mode, cp)
	default:
		it.Action = ActionNone
	}
	return nil
}

// decideOneSided handles an entry present only on the local (localOnly)
// or only on the remote side.
func decideOneSided(it *Item, mode Mode, localOnly bool) {
	canLocalToRemote := mode.Direction == DirectionBoth || mode.Direction == DirectionLocalToRemote
	canRemoteToLocal := mode.Direction == DirectionBoth || mode.Direction == DirectionRemoteToLocal

	if localOnly {
		switch {
		case canLocalToRemote:
			it.Action = ActionUploadNew
		case mode.Mirror && canRemoteToLocal:
			it.Action = ActionDeleteLocal
		default:
			it.Action = ActionNone
		}
		return
	}

	switch {
	case canRemoteToLocal:
		it.Action = ActionDownloadNew
	case mode.Mirror && canLocalToRemote:
		it.Action = ActionDeleteRemote
	default:
		it.Action = ActionNone
	}
}

// decideBothSided handles an entry present on both sides: it is either
// already in sync, or one side's copy is stale and Direction says which
// way (or both ways, resolved by which mtime is newer) the fresher copy
// travels.
func decideBothSided(ctx context.Context, local, remote *terminal.Terminal, it *Item, mode Mode, cp config.CopyParam) error {
	if it.IsDirectory {
		it.Action = ActionNone
		return nil
	}

	sync, err := needsSync(ctx, local, remote, it, mode, cp)
	if err != nil {
		return err
	}
	if !sync {
		it.Action = ActionNone
		return nil
	}

	canLocalToRemote := mode.Direction == DirectionBoth || mode.Direction == DirectionLocalToRemote
	canRemoteToLocal := mode.Direction == DirectionBoth || mode.Direction == DirectionRemoteToLocal

	switch {
	case canLocalToRemote && !canRemoteToLocal:
		it.Action = ActionUploadUpdate
	case canRemoteToLocal && !canLocalToRemote:
		it.Action = ActionDownloadUpdate
	case canLocalToRemote && canRemoteToLocal:
		lt, rt := reducedTimes(it)
		if lt.After(rt) {
			it.Action = ActionUploadUpdate
		} else {
			it.Action = ActionDownloadUpdate
		}
	default:
		it.Action = ActionNone
	}
	return nil
}

// needsSync applies Mode's comparison flags and CopyParam's comparison
// strategy to decide whether two same-named entries differ enough to act
// on. A size mismatch always needs sync. A size match falls through to
// a checksum when cp.Comparison asks for one: ComparisonChecksum and
// ComparisonByte both hash the two sides (§6 "content-comparison
// strategies" notes a generic byte-for-byte compare has no backend-wide
// stream API to ride, so Byte uses the same checksum as its proxy for
// content equality), catching an edit that left size and modification
// time untouched.
func needsSync(ctx context.Context, local, remote *terminal.Terminal, it *Item, mode Mode, cp config.CopyParam) (bool, error) {
	if it.LocalSize != it.RemoteSize {
		return true, nil
	}

	if cp.Comparison == config.ComparisonChecksum || cp.Comparison == config.ComparisonByte {
		return checksumsDiffer(ctx, local, remote, it)
	}

	if mode.BySize || mode.NotByTime {
		return false, nil
	}
	lt, rt := reducedTimes(it)
	return !lt.Equal(rt), nil
}

// checksumsDiffer hashes both sides of it and reports whether their
// digests disagree, bridging the Checklist's two protocol-independent
// Terminals through Backend.ChecksumFile (§4.9).
func checksumsDiffer(ctx context.Context, local, remote *terminal.Terminal, it *Item) (bool, error) {
	localSum, err := local.Backend().ChecksumFile(ctx, "", it.LocalPath())
	if err != nil {
		return false, fmt.Errorf("checksum local %s: %w", it.LocalPath(), err)
	}
	remoteSum, err := remote.Backend().ChecksumFile(ctx, "", it.RemotePath())
	if err != nil {
		return false, fmt.Errorf("checksum remote %s: %w", it.RemotePath(), err)
	}
	return localSum != remoteSum, nil
}

// reducedTimes truncates both sides' modification times to the coarser
// of the two reported precisions (§4.9), so a backend that only reports
// minute-granularity mtimes never looks "different" from one reporting
// to the second.
func reducedTimes(it *Item) (time.Time, time.Time) {
	p := backend.ReducePrecision(it.LocalPrec, it.RemotePrec)
	return p.Truncate(it.LocalModTime), p.Truncate(it.RemoteModTime)
}
