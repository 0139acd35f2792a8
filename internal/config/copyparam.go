package config

import (
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
)

// BatchOverwriteMode is the effective overwrite-confirmation answer a
// Terminal operation, once decided, replays for every subsequent conflict
// in the same bulk operation without re-prompting.
type BatchOverwriteMode int

const (
	BatchOverwriteAsk BatchOverwriteMode = iota
	BatchOverwriteAll
	BatchOverwriteNone
	BatchOverwriteOlder
	BatchOverwriteAlternateResume
	BatchOverwriteResume
	BatchOverwriteAppend
)

// ComparisonMode names a content-comparison strategy the collect phase
// (§4.9) falls back to when size+time alone leaves an item ambiguous. This
// is additive over the spec's required timestamp-and-size policy.
type ComparisonMode int

const (
	// ComparisonSizeTime is the spec's required policy: compare size,
	// then reduced-precision modification time.
	ComparisonSizeTime ComparisonMode = iota
	// ComparisonChecksum hashes both sides and compares digests; used
	// when a backend can't be trusted to report accurate mtimes.
	ComparisonChecksum
	// ComparisonByte compares content the same way ComparisonChecksum
	// does (Collect hashes both sides; no byte-by-byte stream compare is
	// made), and additionally makes Apply re-transfer same-size items
	// instead of fixing only their timestamps.
	ComparisonByte
)

// ResumePolicy selects when a partially-transferred file resumes instead
// of restarting.
type ResumePolicy int

const (
	ResumeOff ResumePolicy = iota
	ResumeOn
	ResumeSmart // resume only when the backend advertises CapResumeSupport
)

// RenameRule rewrites a file name during transfer, the declarative
// equivalent of the host's "file name mask" setting.
type RenameRule struct {
	Match       string // glob pattern (doublestar syntax) matched against the source name
	Replacement string // literal replacement, or "" to leave unchanged
}

// CopyParam is the declarative, read-only transfer policy consumed by the
// session controller (C9), the synchronization engine (C10), and every
// backend's transfer path. Nothing downstream of CopyParam construction
// mutates it.
type CopyParam struct {
	// AllowMask and DenyMask are doublestar glob patterns (relative to
	// the item's containing directory) that gate which entries Collect
	// (§4.9) and ordinary transfers consider. A nil/empty AllowMask
	// allows everything; DenyMask is checked after AllowMask and always
	// wins.
	AllowMask []string
	DenyMask  []string

	// RenameRules rewrite file names on the way across, applied in
	// order; the first matching rule wins.
	RenameRules []RenameRule

	PreserveTime   bool
	PreserveRights bool
	PreserveRightsMask uint32

	Resume ResumePolicy

	// BandwidthLimitBytesPerSec caps aggregate transfer throughput; 0
	// means unlimited.
	BandwidthLimitBytesPerSec int64

	// BatchOverwrite is the default confirm-file-overwrite answer a new
	// bulk operation starts with before any per-file prompt updates it.
	BatchOverwrite BatchOverwriteMode

	NoConfirmation bool // §4.2 confirm-file-overwrite: force batch=all
	NewerOnly      bool // §4.2: force batch=older

	Comparison ComparisonMode

	// TemporaryTransferFileNames lists the name patterns a backend uses
	// for in-flight partial uploads; Collect skips them (§4.9 step 2).
	TemporaryTransferFileNames []string
}

// DefaultCopyParam returns a CopyParam with the spec's required defaults:
// preserve nothing extra, ask before overwriting, no bandwidth cap.
func DefaultCopyParam() CopyParam {
	return CopyParam{
		PreserveTime:   true,
		PreserveRights: false,
		Resume:         ResumeSmart,
		BatchOverwrite: BatchOverwriteAsk,
		Comparison:     ComparisonSizeTime,
	}
}

// AllowTransfer reports whether name passes the allow/deny mask, the gate
// Collect (§4.9) and ordinary bulk transfers apply to every candidate
// entry.
func (p *CopyParam) AllowTransfer(name string) bool {
	if len(p.AllowMask) > 0 && !matchesAny(p.AllowMask, name) {
		return false
	}
	if matchesAny(p.DenyMask, name) {
		return false
	}
	return true
}

// IsTemporaryTransferFile reports whether name matches one of the
// backend's in-flight partial-transfer name patterns.
func (p *CopyParam) IsTemporaryTransferFile(name string) bool {
	return matchesAny(p.TemporaryTransferFileNames, name)
}

// RewriteName applies the first matching RenameRule to name, or returns it
// unchanged.
func (p *CopyParam) RewriteName(name string) string {
	for _, rule := range p.RenameRules {
		if ok, _ := doublestar.Match(rule.Match, name); ok {
			if rule.Replacement == "" {
				return name
			}
			return rule.Replacement
		}
	}
	return name
}

func matchesAny(patterns []string, name string) bool {
	base := filepath.Base(name)
	for _, pattern := range patterns {
		if ok, _ := doublestar.Match(pattern, name); ok {
			return true
		}
		if ok, _ := doublestar.Match(pattern, base); ok {
			return true
		}
	}
	return false
}
