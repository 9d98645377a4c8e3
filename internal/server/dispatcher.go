// Package server runs the per-connection command loop: one sequential worker
// per client that parses slash commands, mutates the registries, and replies.
package server

import (
	"errors"
	"strconv"
	"strings"
	"unicode/utf8"
)

const helpText = `Available commands:
/username <name> - Set your username
/join <room> - Join a chat room
/leave - Leave current room
/broadcast <msg> - Send message to room
/whisper <user> <msg> - Private message
/sendfile <user> <file> <size> - Send file
/list - List users in current room
/exit - Disconnect from server`

// serveConn reads commands from the session's transport until the peer
// disconnects, an I/O error occurs, or the client issues /exit. Each read is
// one command; replies go back on the same transport. Cleanup runs exactly
// once on every exit path.
func (s *Server) serveConn(sess *Session) {
	defer s.cleanupSession(sess)

	buf := make([]byte, s.cfg.ReadBufferSize)
	for {
		n, err := sess.conn.Read(buf)
		if err != nil || n == 0 {
			return
		}
		line := strings.TrimSpace(string(buf[:n]))
		if line == "" {
			continue
		}

		if !utf8.ValidString(line) {
			_ = sess.Send(Notice("Invalid message encoding"))
			continue
		}
		if !sess.limiter.allow() {
			_ = sess.Send(Notice("You are sending commands too quickly"))
			continue
		}

		s.log.Eventf("[MESSAGE_RECEIVED] Client %d (%s): %s [%d bytes]",
			sess.slot, displayName(s.sessions.Username(sess)), line, n)

		if !strings.HasPrefix(line, "/") {
			if strings.HasPrefix(line, "FILE_EXISTS") {
				s.log.Eventf("[FILE] Conflict: '%s' received twice, renamed by client",
					strings.TrimSpace(strings.TrimPrefix(line, "FILE_EXISTS")))
				continue
			}
			_ = sess.Send(Notice("Unknown command: '%s'. Type /help for available commands.", line))
			continue
		}

		if exit := s.dispatch(sess, line); exit {
			return
		}
	}
}

// dispatch routes one slash command to its handler and reports whether the
// worker should stop.
func (s *Server) dispatch(sess *Session, line string) bool {
	cmd, args, _ := strings.Cut(line, " ")
	args = strings.TrimSpace(args)
	s.metrics.CommandsTotal.WithLabelValues(strings.TrimPrefix(cmd, "/")).Inc()

	switch cmd {
	case "/username":
		s.handleUsername(sess, args)
	case "/join":
		s.handleJoin(sess, args)
	case "/leave":
		s.handleLeave(sess)
	case "/broadcast":
		s.handleBroadcast(sess, args)
	case "/whisper":
		s.handleWhisper(sess, args)
	case "/sendfile":
		s.handleSendfile(sess, args)
	case "/list":
		s.handleList(sess)
	case "/help":
		_ = sess.Send(Notice("%s", helpText))
	case "/exit":
		_ = sess.Send(Message{Kind: KindGoodbye})
		s.log.Eventf("[EXIT] Client %d (%s) disconnected voluntarily",
			sess.slot, displayName(s.sessions.Username(sess)))
		return true
	default:
		_ = sess.Send(Notice("Unknown command. Type /help for available commands."))
		s.log.Eventf("[UNKNOWN_COMMAND] Client %d sent unrecognized command: %s", sess.slot, cmd)
	}
	return false
}

func (s *Server) handleUsername(sess *Session, name string) {
	err := s.sessions.Register(sess, name)
	switch {
	case err == nil:
		_ = sess.Send(Message{Kind: KindUsernameSet})
		s.log.Eventf("[USERNAME_SET] Client %d set username to: %s", sess.slot, name)
	case errors.Is(err, ErrUsernameTaken):
		_ = sess.Send(Message{Kind: KindUsernameTaken})
		s.log.Eventf("[USERNAME_TAKEN] Client %d tried to use taken username: %s", sess.slot, name)
	case errors.Is(err, ErrUsernameEmpty):
		_ = sess.Send(Notice("Username cannot be empty"))
	case errors.Is(err, ErrUsernameTooLong):
		_ = sess.Send(Notice("Username too long"))
	case errors.Is(err, ErrUsernameInvalid):
		_ = sess.Send(Notice("Username must be alphanumeric"))
	default:
		_ = sess.Send(Notice("Could not set username"))
	}
}

func (s *Server) handleJoin(sess *Session, room string) {
	if s.sessions.Username(sess) == "" {
		_ = sess.Send(Notice("Please set a username first using /username <name>"))
		return
	}

	user, prev, prevPeers, newPeers, err := s.joinRoom(sess, room)
	if prev != "" {
		// Switching rooms leaves the old one even when the new join is
		// rejected, matching the /leave semantics.
		s.notify(prevPeers, Notice("%s left the room", user))
	}
	switch {
	case err == nil:
		_ = sess.Send(Notice("You joined room '%s'", room))
		s.notify(newPeers, Notice("%s joined the room", user))
		s.log.Eventf("[ROOM_JOIN] Client %d (%s) joined room '%s'", sess.slot, user, room)
	case errors.Is(err, ErrRoomFull):
		_ = sess.Send(Notice("Room is full"))
		s.log.Eventf("[ROOM_ERROR] Room '%s' is full, rejecting client %d", room, sess.slot)
	case errors.Is(err, ErrRoomNameEmpty):
		_ = sess.Send(Notice("Room name cannot be empty"))
	case errors.Is(err, ErrRoomNameTooLong), errors.Is(err, ErrRoomNameInvalid):
		_ = sess.Send(Notice("Invalid room name. Use alphanumeric characters only (max %d chars)", s.cfg.MaxRoomNameLen))
	default:
		_ = sess.Send(Notice("Could not join room"))
	}
}

func (s *Server) handleLeave(sess *Session) {
	user, room, peers, err := s.leaveRoom(sess)
	if err != nil {
		_ = sess.Send(Notice("You are not in any room"))
		return
	}
	_ = sess.Send(Message{Kind: KindRoomLeft})
	s.notify(peers, Notice("%s left the room", user))
	s.log.Eventf("[ROOM_LEAVE] Client %d (%s) left room '%s'", sess.slot, user, room)
}

func (s *Server) handleBroadcast(sess *Session, text string) {
	if s.sessions.Username(sess) == "" {
		_ = sess.Send(Notice("Please set a username first"))
		return
	}
	if text == "" {
		_ = sess.Send(Notice("Message cannot be empty"))
		return
	}

	user, room, peers, err := s.roomPeers(sess)
	if err != nil {
		_ = sess.Send(Notice("You must join a room first"))
		return
	}
	s.notify(peers, Message{Kind: KindBroadcast, From: user, Text: text})
	_ = sess.Send(Notice("Message broadcasted"))
	s.log.Eventf("[BROADCAST] Client %d (%s) in room '%s': %s", sess.slot, user, room, text)
}

func (s *Server) handleWhisper(sess *Session, args string) {
	target, text, ok := strings.Cut(args, " ")
	text = strings.TrimSpace(text)
	if !ok || target == "" || text == "" {
		_ = sess.Send(Notice("Usage: /whisper <username> <message>"))
		return
	}

	user := s.sessions.Username(sess)
	if user == "" {
		_ = sess.Send(Notice("Please set a username first"))
		return
	}
	if target == user {
		_ = sess.Send(Notice("You cannot whisper to yourself"))
		return
	}

	peer := s.sessions.ByUsername(target)
	if peer == nil {
		_ = sess.Send(Notice("User '%s' not found or offline", target))
		return
	}

	s.notify([]*Session{peer}, Message{Kind: KindWhisper, From: user, Text: text})
	_ = sess.Send(Message{Kind: KindWhisperEcho, Target: target, Text: text})
	s.log.Eventf("[WHISPER] %s -> %s: %s", user, target, text)
}

func (s *Server) handleSendfile(sess *Session, args string) {
	parts := strings.SplitN(args, " ", 3)
	if len(parts) < 3 {
		_ = sess.Send(Notice("Usage: /sendfile <username> <filename> <filesize>"))
		return
	}
	target, filename, sizeArg := parts[0], parts[1], strings.TrimSpace(parts[2])

	size, err := strconv.ParseInt(sizeArg, 10, 64)
	if err != nil || size <= 0 {
		_ = sess.Send(Notice("Invalid file size"))
		return
	}
	if size > s.cfg.MaxFileSize {
		_ = sess.Send(Notice("File too large (max %d bytes)", s.cfg.MaxFileSize))
		return
	}
	if !s.allowedFileType(filename) {
		_ = sess.Send(Message{Kind: KindInvalidFileType})
		s.log.Eventf("[FILE_TRANSFER_ERROR] Invalid file type '%s' from client %d", filename, sess.slot)
		return
	}

	user := s.sessions.Username(sess)
	if user == "" {
		_ = sess.Send(Notice("Please set a username first"))
		return
	}
	if target == user {
		_ = sess.Send(Notice("You cannot send a file to yourself"))
		return
	}

	peer := s.sessions.ByUsername(target)
	if peer == nil {
		_ = sess.Send(Notice("User '%s' not found or offline", target))
		return
	}

	req := NewFileTransferRequest(sess, peer, user, target, filename, size)
	result, pos, err := s.transfers.Submit(req)
	if err != nil {
		_ = sess.Send(Message{Kind: KindQueueFull})
		return
	}
	if result == TransferQueued {
		_ = sess.Send(Notice("File transfer queued. Queue position: %d", pos))
	}

	// The next bytes on this connection are the raw payload; the relay owns
	// them. Block until the transfer resolves before reading commands again.
	req.Wait()
}

func (s *Server) handleList(sess *Session) {
	room, users, err := s.roomRoster(sess)
	if err != nil {
		_ = sess.Send(Notice("You are not in any room"))
		return
	}
	if len(users) == 0 {
		_ = sess.Send(Notice("No users in room '%s'", room))
		return
	}
	_ = sess.Send(Notice("Users in room '%s': %s", room, strings.Join(users, ", ")))
}

func (s *Server) allowedFileType(filename string) bool {
	dot := strings.LastIndex(filename, ".")
	if dot < 0 {
		return false
	}
	ext := strings.ToLower(filename[dot:])
	for _, allowed := range s.cfg.FileExtensions {
		if ext == strings.ToLower(allowed) {
			return true
		}
	}
	return false
}
