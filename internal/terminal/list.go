package terminal

import (
	"context"
	"sync"
)

// PasswordRecrypter re-encrypts a secret string under a new master key,
// the host-side crypto surface List.RecryptPasswords calls into.
type PasswordRecrypter interface {
	Recrypt(ciphertext string) (string, error)
}

// List is the owning container of live Terminals (C12): it pumps idle
// across every opened one and re-encrypts stored credentials when the
// host rotates its master key.
type List struct {
	mu        sync.Mutex
	terminals map[*Terminal]struct{}
}

// NewList builds an empty List.
func NewList() *List {
	return &List{terminals: make(map[*Terminal]struct{})}
}

// Add takes (non-owning) tracking of t; Free removes it again.
func (l *List) Add(t *Terminal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.terminals[t] = struct{}{}
}

// Free detaches t from the list; it does not close t.
func (l *List) Free(t *Terminal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.terminals, t)
}

// snapshot copies the tracked set under lock, so Idle/ActiveCount never
// hold the list mutex while calling into a Terminal.
func (l *List) snapshot() []*Terminal {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Terminal, 0, len(l.terminals))
	for t := range l.terminals {
		out = append(out, t)
	}
	return out
}

// Idle calls Idle on every currently-opened Terminal, the keepalive pump
// a host's timer drives on PingIntervalSeconds (§4.12). One Terminal's
// idle failure does not stop the pump over the rest.
func (l *List) Idle(ctx context.Context) {
	for _, t := range l.snapshot() {
		if t.Status() != StatusOpened {
			continue
		}
		if t.backend == nil {
			continue
		}
		if err := t.backend.Idle(ctx); err != nil {
			t.log.Append("error", "idle: "+err.Error())
		}
	}
}

// ActiveCount returns the number of tracked Terminals currently opened.
func (l *List) ActiveCount() int {
	count := 0
	for _, t := range l.snapshot() {
		if t.Status() == StatusOpened {
			count++
		}
	}
	return count
}

// RecryptPasswords re-encrypts every tracked Terminal's stored session
// and tunnel passwords under the host's new master key (§4.12), leaving
// a Terminal's password untouched if the recrypter fails for it.
func (l *List) RecryptPasswords(r PasswordRecrypter) {
	for _, t := range l.snapshot() {
		t.mu.Lock()
		if reenc, err := r.Recrypt(t.descriptor.Password); err == nil {
			t.descriptor.Password = reenc
		}
		if t.descriptor.Tunnel != nil {
			if reenc, err := r.Recrypt(t.descriptor.Tunnel.Password); err == nil {
				t.descriptor.Tunnel.Password = reenc
			}
		}
		t.mu.Unlock()
	}
}
