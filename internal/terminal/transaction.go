package terminal

import "sync"

// Transaction is the nestable scope that batches "needs directory reload"
// and "needs cwd reread" signals and flushes them on outermost exit (C5).
// A secondary shell session's Transaction mirrors its parent's nesting
// (§4.6) so transactional grouping spans both sessions.
type Transaction struct {
	mu               sync.Mutex
	depth            int
	needsCwdReread   bool
	needsDirReread   bool
	mirror           *Transaction
}

// NewTransaction builds a Transaction with depth 0 and no pending flags.
func NewTransaction() *Transaction {
	return &Transaction{}
}

// Mirror links t so that every Begin/End on t also drives other, keeping
// a secondary shell session's transaction nesting in lockstep with its
// parent's (§4.6).
func (t *Transaction) Mirror(other *Transaction) {
	t.mu.Lock()
	t.mirror = other
	t.mu.Unlock()
}

// Begin increments the nesting counter; entering depth 1 resets the two
// pending-reload flags.
func (t *Transaction) Begin() {
	t.mu.Lock()
	t.depth++
	if t.depth == 1 {
		t.needsCwdReread = false
		t.needsDirReread = false
	}
	mirror := t.mirror
	t.mu.Unlock()
	if mirror != nil {
		mirror.Begin()
	}
}

// MarkCwdReread records that cwd needs rereading once the outermost
// transaction ends. Safe to call outside a transaction, but at depth 0 the
// mark is not acted on (the next Begin clears it), so callers not inside a
// transaction reread directly instead (Terminal does this via runReload).
func (t *Transaction) MarkCwdReread() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.needsCwdReread = true
}

// MarkDirReread records that the current directory listing needs
// rereading once the outermost transaction ends.
func (t *Transaction) MarkDirReread() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.needsDirReread = true
}

// Active reports whether a transaction is currently open (depth > 0); the
// react-on-command dispatcher (§4.5) uses this to decide whether to mark
// and defer, or to act immediately.
func (t *Transaction) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.depth > 0
}

// End decrements the nesting counter. When it reaches 0, it returns
// (needsCwdReread, needsDirReread) for the caller to act on and resets
// both flags; the reset happens unconditionally, even if the caller's
// subsequent reread panics or errors, so a failed reload never leaves a
// stale pending mark (exception-safety requirement of §4.6).
func (t *Transaction) End() (needsCwdReread, needsDirReread bool) {
	t.mu.Lock()
	t.depth--
	if t.depth < 0 {
		t.depth = 0
	}
	if t.depth == 0 {
		needsCwdReread, needsDirReread = t.needsCwdReread, t.needsDirReread
		t.needsCwdReread = false
		t.needsDirReread = false
	}
	mirror := t.mirror
	t.mu.Unlock()
	if mirror != nil {
		mirror.End() //nolint:errcheck // mirror's own flags are independent; its caller reconciles them
	}
	return needsCwdReread, needsDirReread
}

// Reset discards a Fatal-interrupted transaction's pending flags without
// reloading (§7 "A running transaction that sees a Fatal relinquishes its
// flags without reloading").
func (t *Transaction) Reset() {
	t.mu.Lock()
	t.depth = 0
	t.needsCwdReread = false
	t.needsDirReread = false
	t.mu.Unlock()
}

// Depth reports the current nesting depth, for tests.
func (t *Transaction) Depth() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.depth
}
