// Package terminal implements the protocol-independent session controller
// (C9) and the components it owns directly: operation progress (C2), the
// retry loop and callback guard (C3), the directory and change caches
// (C4), the transaction manager (C5), the tunnel supervisor (C7), the
// secondary shell session (C8), the terminal list (C12), and the session
// and action logs (C14).
package terminal

import (
	"sync"
	"time"

	"github.com/joe/termcore/internal/config"
)

// OperationKind names what kind of bulk operation a Progress tracks.
type OperationKind int

const (
	OpCopy OperationKind = iota
	OpMove
	OpDelete
	OpCalculateSize
	OpChmod
	OpCustomCommand
)

// Side names which side of a transfer a Progress counter applies to.
type Side int

const (
	SideLocal Side = iota
	SideRemote
)

// CancelStatus is the operation-wide cancellation state every suspension
// point checks before performing a side effect.
type CancelStatus int

const (
	CancelContinue CancelStatus = iota
	CancelCancel
	CancelCancelTransfer
	CancelRemoteAbort
)

// Progress is the per-operation mutable state passed by reference through
// the call stack (C2). Exactly one Progress exists per bulk operation;
// nested operations (e.g. sync apply driving copy) share the same
// instance so cancellation and skip-to-all propagate.
type Progress struct {
	mu sync.Mutex

	Operation OperationKind
	Side      Side

	FileCount    int
	CurrentIndex int
	CurrentFile  string

	TotalBytes int64
	DoneBytes  int64

	cancel CancelStatus

	// SkipToAll is set once the user answers "Skip All" to a retry
	// prompt (§4.3); once set, the retry loop stops prompting and
	// auto-skips for the remainder of this operation.
	SkipToAll bool

	BatchOverwrite config.BatchOverwriteMode

	BandwidthLimitBytesPerSec int64

	suspendedAt time.Time
	waitTime    time.Duration
}

// NewProgress builds a Progress for the given operation kind and side.
func NewProgress(op OperationKind, side Side) *Progress {
	return &Progress{Operation: op, Side: side, BatchOverwrite: config.BatchOverwriteAsk}
}

// Cancelled reports whether the operation has been told to stop. Every
// backend transfer loop and every retry-loop iteration checks this before
// performing a side effect.
func (p *Progress) Cancelled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != CancelContinue
}

// CancelStatusValue returns the current cancellation state.
func (p *Progress) CancelStatusValue() CancelStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel
}

// Cancel sets the cancellation state. Once set to anything but
// CancelContinue, no further side effects may be performed (invariant,
// spec.md §3 OperationProgress).
func (p *Progress) Cancel(status CancelStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancel = status
}

// SetCurrentFile records the file name currently being processed, the
// half of ProgressSink backends call while streaming a transfer.
func (p *Progress) SetCurrentFile(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CurrentFile = name
}

// AddTransferred advances the done-byte counter. Invariant: callers must
// never call this after Cancelled() returns true for this operation (the
// backend checks Cancelled itself before each chunk).
func (p *Progress) AddTransferred(n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.DoneBytes += n
}

// Advance moves to the next file in a bulk operation, bumping the index
// and resetting the per-file byte counter context the caller tracks
// separately.
func (p *Progress) Advance(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CurrentIndex++
	p.CurrentFile = name
}

// SetTotals records the planned file count and byte total once a bulk
// operation has enumerated its work.
func (p *Progress) SetTotals(fileCount int, totalBytes int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.FileCount = fileCount
	p.TotalBytes = totalBytes
}

// SuspendTimer marks the start of a user-prompt wait; elapsed-time metrics
// must exclude time spent waiting on a retry-loop prompt (§5 Suspension
// points).
func (p *Progress) SuspendTimer() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.suspendedAt = time.Now()
}

// ResumeTimer ends a suspend started by SuspendTimer and folds the elapsed
// wait into the accumulated wait time.
func (p *Progress) ResumeTimer() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.suspendedAt.IsZero() {
		return
	}
	p.waitTime += time.Since(p.suspendedAt)
	p.suspendedAt = time.Time{}
}

// WaitTime returns the accumulated time spent suspended at user prompts,
// to be subtracted from wall-clock duration when reporting throughput.
func (p *Progress) WaitTime() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitTime
}
