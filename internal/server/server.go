// Package server wires the listener, registries, and transfer coordinator
// into the running chat service.
package server

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// Server owns the shared registries and the TCP accept loop. Every accepted
// connection gets one dispatcher goroutine; admission happens atomically
// against the session table.
type Server struct {
	cfg       *Config
	sessions  *SessionTable
	rooms     *RoomTable
	transfers *TransferCoordinator
	log       *EventLog
	metrics   *Metrics

	mu       sync.Mutex
	listener net.Listener
	closed   bool

	wg sync.WaitGroup
}

// NewServer constructs a server from the configuration. The event log file is
// opened immediately so startup fails fast on an unwritable path.
func NewServer(cfg *Config) (*Server, error) {
	cfg.Sanitize()

	eventLog, err := OpenEventLog(cfg.LogFile)
	if err != nil {
		return nil, err
	}

	metrics := NewMetrics()
	s := &Server{
		cfg:       cfg,
		sessions:  NewSessionTable(cfg.MaxClients, cfg.MaxUsernameLen),
		rooms:     NewRoomTable(cfg.MaxRoomMembers, cfg.MaxRoomNameLen),
		transfers: NewTransferCoordinator(cfg, eventLog, metrics),
		log:       eventLog,
		metrics:   metrics,
	}
	return s, nil
}

// Metrics returns the server's Prometheus collectors.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Sessions returns the session table. Exposed for tests and the gateway.
func (s *Server) Sessions() *SessionTable { return s.sessions }

// Transfers returns the transfer coordinator.
func (s *Server) Transfers() *TransferCoordinator { return s.transfers }

// Listen binds the chat listener. A bind failure is reported distinctly from
// later accept errors so the caller can exit with a dedicated message.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.cfg.ListenAddr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.log.Eventf("[STARTUP] Server listening on %s (%d slots)", ln.Addr(), s.cfg.MaxClients)
	return nil
}

// Addr returns the bound listener address, usable after Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve runs the accept loop until the listener is closed by Shutdown. Accept
// failures terminate only the loop, never existing sessions.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("server: Serve called before Listen")
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return nil
			}
			s.log.Eventf("[ERROR] Accept failed: %v", err)
			return err
		}
		go s.Admit(conn)
	}
}

// ListenAndServe binds the listener and runs the accept loop.
func (s *Server) ListenAndServe() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Admit reserves a slot for the connection and runs its dispatcher. When the
// table is full the connection gets the capacity message and is closed
// without reserving anything. Used by the TCP accept loop and the WebSocket
// gateway alike.
func (s *Server) Admit(conn Conn) {
	addr := conn.RemoteAddr().String()
	s.log.Eventf("[CONNECTION] New connection from %s", addr)

	limiter := newRateLimiter(s.cfg.RateLimit.Burst, s.cfg.RateLimit.RefillInterval)
	sess, err := s.sessions.Reserve(conn, limiter)
	if err != nil {
		s.metrics.RejectedConnections.Inc()
		s.log.Eventf("[CONNECTION_REJECTED] Max clients reached, rejecting %s", addr)
		_, _ = conn.Write(Message{Kind: KindServerFull}.Wire())
		_ = conn.Close()
		return
	}

	s.metrics.SessionsTotal.Inc()
	s.metrics.ActiveSessions.Inc()
	s.log.Eventf("[CONNECTION_ACCEPTED] Client assigned to slot %d from %s", sess.slot, addr)
	if err := sess.Send(Message{Kind: KindLoginAccepted}); err != nil {
		s.cleanupSession(sess)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.serveConn(sess)
	}()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Shutdown pushes a shutdown notice to every session, closes every transport
// and the listener, and waits up to timeout for dispatcher goroutines to
// unwind. Best effort: in-flight relays are not waited for beyond the
// timeout.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.listener
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}

	n := s.sessions.CloseAll(Notice("Server is shutting down. Disconnecting..."))
	s.log.Eventf("[SHUTDOWN] Listener closed, %d clients disconnected", n)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Eventf("[SHUTDOWN] Server shutdown complete")
		return s.log.Close()
	case <-time.After(timeout):
		s.log.Eventf("[SHUTDOWN] Timeout reached, some workers may still be running")
		return errShutdownTimeout
	}
}

var errShutdownTimeout = errors.New("shutdown timed out")

// joinRoom moves a session into a room, leaving its previous room first. Both
// table locks are held for the whole operation, session lock before room
// lock, so membership and the session's current-room field can never
// disagree. Returns the previous room's remaining members and the new room's
// existing members for the caller to notify after the locks are released.
func (s *Server) joinRoom(sess *Session, room string) (user, prev string, prevPeers, newPeers []*Session, err error) {
	if err := s.rooms.ValidateName(room); err != nil {
		return "", "", nil, nil, err
	}

	s.sessions.mu.Lock()
	defer s.sessions.mu.Unlock()
	s.rooms.mu.Lock()
	defer s.rooms.mu.Unlock()

	if !sess.active {
		return "", "", nil, nil, ErrSessionClosed
	}
	user = sess.username
	prev = sess.room

	if prev != "" {
		s.rooms.leaveLocked(prev, sess.slot)
		sess.room = ""
		prevPeers = s.peersLocked(prev, sess.slot)
	}
	if err := s.rooms.joinLocked(room, sess.slot); err != nil {
		s.metrics.ActiveRooms.Set(float64(len(s.rooms.rooms)))
		return user, prev, prevPeers, nil, err
	}
	newPeers = s.peersLocked(room, sess.slot)
	sess.room = room
	s.metrics.ActiveRooms.Set(float64(len(s.rooms.rooms)))
	return user, prev, prevPeers, newPeers, nil
}

// leaveRoom removes a session from its current room. Returns the room left
// and the remaining members to notify.
func (s *Server) leaveRoom(sess *Session) (user, room string, peers []*Session, err error) {
	s.sessions.mu.Lock()
	defer s.sessions.mu.Unlock()
	s.rooms.mu.Lock()
	defer s.rooms.mu.Unlock()

	if sess.room == "" {
		return "", "", nil, ErrNotInRoom
	}
	user = sess.username
	room = sess.room
	s.rooms.leaveLocked(room, sess.slot)
	sess.room = ""
	peers = s.peersLocked(room, sess.slot)
	s.metrics.ActiveRooms.Set(float64(len(s.rooms.rooms)))
	return user, room, peers, nil
}

// roomPeers resolves the sender's room and the other active members in it.
func (s *Server) roomPeers(sess *Session) (user, room string, peers []*Session, err error) {
	s.sessions.mu.Lock()
	defer s.sessions.mu.Unlock()
	s.rooms.mu.Lock()
	defer s.rooms.mu.Unlock()

	if sess.room == "" {
		return sess.username, "", nil, ErrNotInRoom
	}
	return sess.username, sess.room, s.peersLocked(sess.room, sess.slot), nil
}

// roomRoster returns the usernames of the active members of the session's
// room, the session itself included.
func (s *Server) roomRoster(sess *Session) (room string, users []string, err error) {
	s.sessions.mu.Lock()
	defer s.sessions.mu.Unlock()
	s.rooms.mu.Lock()
	defer s.rooms.mu.Unlock()

	if sess.room == "" {
		return "", nil, ErrNotInRoom
	}
	for _, slot := range s.rooms.membersLocked(sess.room, -1) {
		if member := s.sessions.slots[slot]; member != nil && member.username != "" {
			users = append(users, member.username)
		}
	}
	return sess.room, users, nil
}

// peersLocked maps a room's member slots to sessions, excluding one slot.
// Caller holds both table locks.
func (s *Server) peersLocked(room string, except int) []*Session {
	slots := s.rooms.membersLocked(room, except)
	peers := make([]*Session, 0, len(slots))
	for _, slot := range slots {
		if member := s.sessions.slots[slot]; member != nil {
			peers = append(peers, member)
		}
	}
	return peers
}

// cleanupSession is the idempotent disconnect path shared by /exit, peer
// close, and I/O errors: leave the room with the same empty-room deletion as
// /leave, then deactivate and free the slot.
func (s *Server) cleanupSession(sess *Session) {
	user, room, peers, err := s.leaveRoom(sess)
	if err == nil {
		s.notify(peers, Notice("%s left the room", user))
		s.log.Eventf("[ROOM_LEAVE] Client %d (%s) left room '%s' on disconnect", sess.slot, displayName(user), room)
	}

	s.sessions.mu.Lock()
	released := s.sessions.slots[sess.slot] == sess
	name := sess.username
	s.sessions.mu.Unlock()

	s.sessions.Release(sess)
	if released {
		s.metrics.ActiveSessions.Dec()
		s.log.Eventf("[DISCONNECT] Client %d (%s) disconnected", sess.slot, displayName(name))
	}
}

// notify pushes a message to each target session without waiting on its
// writer lock: a target mid-relay keeps its payload stream intact and misses
// the push instead of stalling this worker for the relay's duration.
// Per-target failures are independent; a dead or busy peer never aborts
// delivery to the rest. Always called with no table lock held.
func (s *Server) notify(targets []*Session, m Message) {
	for _, target := range targets {
		if !target.TrySend(m) {
			s.log.Eventf("[DELIVERY_SKIPPED] Push to slot %d skipped: writer busy or closed", target.slot)
			continue
		}
		s.metrics.MessagesDelivered.Inc()
	}
}

func displayName(username string) string {
	if username == "" {
		return "unnamed"
	}
	return username
}
