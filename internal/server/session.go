// Package server tracks the fixed-capacity session table: slot reservation,
// username registration, and idempotent teardown for every connected client.
package server

import (
	"errors"
	"regexp"
	"sync"
)

// Validation and capacity errors surfaced to command handlers as replies.
var (
	ErrServerFull      = errors.New("server full")
	ErrUsernameEmpty   = errors.New("username cannot be empty")
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameInvalid = errors.New("username must be alphanumeric")
	ErrUsernameTaken   = errors.New("username already taken")
	ErrSessionClosed   = errors.New("session closed")
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Session is the state of one connected client. All fields except the
// transport are guarded by the owning SessionTable's lock; the transport is
// written under the session's own writer lock so pushes from different
// workers never interleave.
type Session struct {
	slot     int
	conn     Conn
	addr     string
	username string
	room     string
	active   bool
	limiter  *rateLimiter

	writeMu sync.Mutex
}

// Slot returns the session's slot id.
func (s *Session) Slot() int { return s.slot }

// Addr returns the remote address the session connected from.
func (s *Session) Addr() string { return s.addr }

// Send encodes and writes a message to the session's transport. Safe to call
// from any worker.
func (s *Session) Send(m Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.sendLocked(m)
}

// sendLocked writes a message while the caller already holds writeMu. Used by
// the relay, which keeps both endpoints' writers locked across a transfer.
func (s *Session) sendLocked(m Message) error {
	_, err := s.conn.Write(m.Wire())
	return err
}

// TrySend writes a message only if the writer lock is immediately available
// and reports whether the write succeeded. A session whose writer is pinned
// by a file relay skips the message instead of stalling the caller for the
// relay's duration.
func (s *Session) TrySend(m Message) bool {
	if !s.writeMu.TryLock() {
		return false
	}
	defer s.writeMu.Unlock()
	return s.sendLocked(m) == nil
}

// SessionTable is the slot-indexed registry of connected clients. One mutex
// guards every read and write of session state so capacity checks, username
// uniqueness, and slot reuse are race free.
type SessionTable struct {
	mu    sync.Mutex
	slots []*Session

	maxUsernameLen int
}

// NewSessionTable creates a table with the given slot capacity and username
// length limit.
func NewSessionTable(capacity, maxUsernameLen int) *SessionTable {
	return &SessionTable{
		slots:          make([]*Session, capacity),
		maxUsernameLen: maxUsernameLen,
	}
}

// Capacity returns the number of slots.
func (t *SessionTable) Capacity() int { return len(t.slots) }

// Reserve claims the lowest free slot for a new connection and returns the
// fresh, unregistered session bound to it. The capacity check and the
// reservation happen under one lock acquisition so concurrent accepts can
// never over-admit. Returns ErrServerFull when every slot is occupied.
func (t *SessionTable) Reserve(conn Conn, limiter *rateLimiter) (*Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, occupant := range t.slots {
		if occupant != nil {
			continue
		}
		sess := &Session{
			slot:    i,
			conn:    conn,
			addr:    conn.RemoteAddr().String(),
			active:  true,
			limiter: limiter,
		}
		t.slots[i] = sess
		return sess, nil
	}
	return nil, ErrServerFull
}

// Release frees the session's slot and closes its transport. Idempotent: a
// second call for the same session is a no-op. The slot becomes reusable only
// after the session is fully deactivated, so a concurrent accept can never
// observe stale state.
func (t *SessionTable) Release(s *Session) {
	t.mu.Lock()
	if t.slots[s.slot] != s {
		t.mu.Unlock()
		return
	}
	s.active = false
	s.username = ""
	t.slots[s.slot] = nil
	t.mu.Unlock()

	_ = s.conn.Close()
}

// Register validates the requested username and atomically check-and-sets it
// if no other active session holds it.
func (t *SessionTable) Register(s *Session, name string) error {
	if err := t.validateUsername(name); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !s.active {
		return ErrSessionClosed
	}
	for _, other := range t.slots {
		if other != nil && other != s && other.username == name {
			return ErrUsernameTaken
		}
	}
	s.username = name
	return nil
}

func (t *SessionTable) validateUsername(name string) error {
	switch {
	case name == "":
		return ErrUsernameEmpty
	case len(name) > t.maxUsernameLen:
		return ErrUsernameTooLong
	case !namePattern.MatchString(name):
		return ErrUsernameInvalid
	}
	return nil
}

// Username returns the session's registered username, or "" before /username.
func (t *SessionTable) Username(s *Session) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return s.username
}

// Room returns the session's current room, or "" when it is in none.
func (t *SessionTable) Room(s *Session) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return s.room
}

// ByUsername resolves an active session by username.
func (t *SessionTable) ByUsername(name string) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byUsernameLocked(name)
}

func (t *SessionTable) byUsernameLocked(name string) *Session {
	if name == "" {
		return nil
	}
	for _, s := range t.slots {
		if s != nil && s.username == name {
			return s
		}
	}
	return nil
}

// ActiveCount returns the number of occupied slots.
func (t *SessionTable) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, s := range t.slots {
		if s != nil {
			n++
		}
	}
	return n
}

// CloseAll pushes a final message to every active session whose writer is
// free, then unconditionally closes every transport, returning how many
// sessions were disconnected. The notice is best effort: a session pinned by
// an in-flight relay never gets it, and closing the transport is what breaks
// the relay's blocked read so the worker can unwind. Must never wait on a
// writer lock, or a stalled relay would block shutdown indefinitely.
func (t *SessionTable) CloseAll(m Message) int {
	t.mu.Lock()
	sessions := make([]*Session, 0, len(t.slots))
	for _, s := range t.slots {
		if s != nil {
			sessions = append(sessions, s)
		}
	}
	t.mu.Unlock()

	for _, s := range sessions {
		if s.writeMu.TryLock() {
			_ = s.sendLocked(m)
			s.writeMu.Unlock()
		}
		_ = s.conn.Close()
	}
	return len(sessions)
}
