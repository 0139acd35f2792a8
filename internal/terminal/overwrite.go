package terminal

import (
	"github.com/joe/termcore/internal/config"
	"github.com/joe/termcore/pkg/backend"
)

// OverwriteAnswer is the canonical answer confirm-file-overwrite resolves
// to; the caller uses it to drive the actual write/append/resume.
type OverwriteAnswer int

const (
	OverwriteYes OverwriteAnswer = iota
	OverwriteNo
	OverwriteSkip
	OverwriteRetry
)

// OverwritePrompter is the host surface confirm-file-overwrite calls when
// the effective batch mode is "ask".
type OverwritePrompter interface {
	// AskOverwrite presents Yes/No/All/None/Older/Never-ask with size and
	// timestamp detail, and returns the answer plus the batch mode it
	// implies for the rest of the operation.
	AskOverwrite(src, dst *backend.RemoteFile) (OverwriteAnswer, config.BatchOverwriteMode)
}

// ConfirmFileOverwrite resolves whether src may overwrite dst, per §4.2.
// It mutates progress.BatchOverwrite when the user's answer establishes a
// new batch-wide mode (the copy-param's own flags are re-read on every
// call and never stored there), and returns the canonical answer for this
// one file.
func ConfirmFileOverwrite(cp *config.CopyParam, progress *Progress, prompter OverwritePrompter, src, dst *backend.RemoteFile, binaryMode bool) OverwriteAnswer {
	mode := effectiveBatchMode(cp, progress)

	switch mode {
	case config.BatchOverwriteAlternateResume, config.BatchOverwriteResume:
		if !(src != nil && dst != nil && src.Size > dst.Size && binaryMode) {
			mode = config.BatchOverwriteAppend
		}
	}

	switch mode {
	case config.BatchOverwriteAll:
		return OverwriteYes
	case config.BatchOverwriteNone:
		return OverwriteNo
	case config.BatchOverwriteOlder:
		if isStrictlyNewer(src, dst) {
			return OverwriteYes
		}
		return OverwriteNo
	case config.BatchOverwriteResume, config.BatchOverwriteAlternateResume, config.BatchOverwriteAppend:
		return OverwriteYes
	}

	if prompter == nil {
		return OverwriteYes
	}
	answer, newMode := prompter.AskOverwrite(src, dst)
	if progress != nil && newMode != config.BatchOverwriteAsk {
		progress.BatchOverwrite = newMode
	}
	return answer
}

// effectiveBatchMode chooses the batch mode confirm-file-overwrite starts
// from, per §4.2's precedence list.
func effectiveBatchMode(cp *config.CopyParam, progress *Progress) config.BatchOverwriteMode {
	switch {
	case cp != nil && cp.Resume == config.ResumeOn:
		return config.BatchOverwriteResume
	case cp != nil && cp.NewerOnly:
		return config.BatchOverwriteOlder
	case cp != nil && cp.NoConfirmation:
		return config.BatchOverwriteAll
	case progress != nil:
		return progress.BatchOverwrite
	default:
		return config.BatchOverwriteAsk
	}
}

// isStrictlyNewer reports whether src is strictly newer than dst once
// both timestamps are reduced to the coarser of the two sides' precision
// (P9).
func isStrictlyNewer(src, dst *backend.RemoteFile) bool {
	if src == nil || dst == nil {
		return false
	}
	precision := backend.ReducePrecision(src.Precision, dst.Precision)
	srcT := precision.Truncate(src.ModTime)
	dstT := precision.Truncate(dst.ModTime)
	return srcT.After(dstT)
}
