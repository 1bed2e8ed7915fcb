package tls

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// HandshakeState is the local lifecycle of one connection:
// idle -> handshaking -> validating -> authenticated|rejected -> closed.
type HandshakeState int

const (
	StateIdle HandshakeState = iota
	StateHandshaking
	StateValidating
	StateAuthenticated
	StateRejected
	StateClosed
)

func (s HandshakeState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHandshaking:
		return "handshaking"
	case StateValidating:
		return "validating"
	case StateAuthenticated:
		return "authenticated"
	case StateRejected:
		return "rejected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session records the handshake outcome of one connection for diagnostics.
type Session struct {
	ID         string
	RemoteAddr string
	Started    time.Time

	mu       sync.Mutex
	state    HandshakeState
	rejected bool
	reason   error
	peer     *PeerIdentity
}

func newSession(remoteAddr string) *Session {
	return &Session{
		ID:         uuid.NewString(),
		RemoteAddr: remoteAddr,
		Started:    time.Now(),
		state:      StateIdle,
	}
}

// State returns the current state.
func (s *Session) State() HandshakeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Peer returns the authenticated peer, or nil before authentication.
func (s *Session) Peer() *PeerIdentity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// Rejected reports whether validation failed, and why.
func (s *Session) Rejected() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rejected, s.reason
}

func (s *Session) transition(state HandshakeState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.state = state
}

func (s *Session) authenticate(peer *PeerIdentity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peer = peer
	s.state = StateAuthenticated
}

func (s *Session) reject(reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected = true
	s.reason = reason
	s.state = StateRejected
}

// SessionTracker indexes live sessions by remote address. The TLS stack and
// net/http see different wrappers of the same socket; the remote address is
// the common key.
type SessionTracker struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewSessionTracker() *SessionTracker {
	return &SessionTracker{sessions: make(map[string]*Session)}
}

// Open starts tracking a connection.
func (t *SessionTracker) Open(remoteAddr string) *Session {
	session := newSession(remoteAddr)
	t.mu.Lock()
	t.sessions[remoteAddr] = session
	t.mu.Unlock()
	return session
}

// Lookup returns the session for remoteAddr, opening one if none exists.
func (t *SessionTracker) Lookup(remoteAddr string) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	session, ok := t.sessions[remoteAddr]
	if !ok {
		session = newSession(remoteAddr)
		t.sessions[remoteAddr] = session
	}
	return session
}

// Close stops tracking remoteAddr and returns its final session.
func (t *SessionTracker) Close(remoteAddr string) *Session {
	t.mu.Lock()
	session, ok := t.sessions[remoteAddr]
	delete(t.sessions, remoteAddr)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	session.transition(StateClosed)
	return session
}

// Len returns the number of live sessions.
func (t *SessionTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

type sessionContextKey struct{}

func contextWithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, s)
}

// SessionFromContext returns the connection session stored by the server.
func SessionFromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(sessionContextKey{}).(*Session)
	return s
}

// PeerFromContext returns the authenticated peer of the request's connection.
func PeerFromContext(ctx context.Context) *PeerIdentity {
	if s := SessionFromContext(ctx); s != nil {
		return s.Peer()
	}
	return nil
}
