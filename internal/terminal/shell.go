package terminal

import (
	"context"
	"fmt"
	"sync"

	"github.com/joe/termcore/internal/config"
)

// ShellSession is the secondary Terminal used to execute arbitrary
// commands for backends lacking CapAnyCommand (C8). It is a peer
// Terminal pointing at the same host with Protocol forced to
// config.ProtocolShell, sharing callbacks with its parent except banner
// display, and holding only a weak reference to the parent for password
// replay.
type ShellSession struct {
	mu sync.Mutex

	parent *Terminal // weak: ShellSession never extends the parent's lifetime
	inner  *Terminal

	triedMainPassword       bool
	triedMainTunnelPassword bool
}

// NewShellSession builds a ShellSession bound to parent. The inner
// Terminal is constructed lazily by Open, mirroring the teacher's
// lazy-backend-construction pattern (§4.1 step 4).
func NewShellSession(parent *Terminal) *ShellSession {
	return &ShellSession{parent: parent}
}

// Open opens the inner Terminal in shell mode. It inherits the user name
// from the parent, disables auto-read-directory, and — on the first
// attempt per tunnel-flag — replays the parent's stored password instead
// of prompting.
func (s *ShellSession) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inner == nil {
		descriptor := s.parent.descriptor
		descriptor.Protocol = config.ProtocolShell
		descriptor.UserName = s.parent.descriptor.UserName
		descriptor.AutoReadDirectory = false
		callbacks := *s.parent.hostCallbacks
		callbacks.OnDisplayBanner = nil
		s.inner = New(descriptor, &callbacks)
		s.inner.isShellSession = true
	}

	usingTunnel := s.parent.descriptor.Tunnel.Enabled()
	replay := (!usingTunnel && !s.triedMainPassword) || (usingTunnel && !s.triedMainTunnelPassword)

	if replay {
		if usingTunnel {
			s.triedMainTunnelPassword = true
		} else {
			s.triedMainPassword = true
		}
		s.inner.descriptor.Password = s.parent.descriptor.Password
	}

	if err := s.inner.Open(ctx); err != nil {
		// Replay failure is latched (never retried for this kind, §7
		// Masking); subsequent opens fall through to the normal prompt
		// path because the tried_* flag stays set.
		return fmt.Errorf("shell session open: %w", err)
	}

	s.parent.transaction.Mirror(s.inner.transaction)
	return nil
}

// Close closes the inner Terminal, if open.
func (s *ShellSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inner == nil {
		return nil
	}
	return s.inner.Close()
}

// AnyCommand runs command on the inner Terminal, opening it first if
// necessary.
func (s *ShellSession) AnyCommand(ctx context.Context, command string, output func(string)) error {
	if err := s.Open(ctx); err != nil {
		return err
	}
	return s.inner.backend.AnyCommand(ctx, command, output)
}

// Active reports whether the inner Terminal is currently opened.
func (s *ShellSession) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner != nil && s.inner.Status() == StatusOpened
}
