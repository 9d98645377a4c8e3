package server

import (
	"io"
	"net"
	"strings"
	"testing"
	"time"
)

func newTestServer(t *testing.T, mutate func(*Config)) *Server {
	t.Helper()
	cfg := NewConfig()
	cfg.LogFile = ""
	if mutate != nil {
		mutate(cfg)
	}
	s, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	return s
}

// dial connects a pipe-backed client through the normal admission path and
// consumes the login acknowledgement.
func dial(t *testing.T, s *Server) net.Conn {
	t.Helper()
	client, srv := net.Pipe()
	go s.Admit(srv)
	expectReply(t, client, "SUCCESS_LOGIN")
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func sendCmd(t *testing.T, c net.Conn, line string) {
	t.Helper()
	_ = c.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.Write([]byte(line)); err != nil {
		t.Fatalf("Writing %q failed: %v", line, err)
	}
}

func readReply(t *testing.T, c net.Conn) string {
	t.Helper()
	buf := make([]byte, 2048)
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := c.Read(buf)
	if err != nil {
		t.Fatalf("Reading reply failed: %v", err)
	}
	return string(buf[:n])
}

func expectReply(t *testing.T, c net.Conn, want string) {
	t.Helper()
	if got := readReply(t, c); got != want {
		t.Fatalf("Expected reply %q, got %q", want, got)
	}
}

// register runs the /username handshake for a client.
func register(t *testing.T, c net.Conn, name string) {
	t.Helper()
	sendCmd(t, c, "/username "+name)
	expectReply(t, c, "SET_USERNAME")
}

// TestUsernameCommand verifies the /username conversation: acceptance,
// duplicate rejection, validation notices, and renaming.
func TestUsernameCommand(t *testing.T) {
	s := newTestServer(t, nil)
	alice := dial(t, s)
	bob := dial(t, s)

	register(t, alice, "alice")

	sendCmd(t, bob, "/username alice")
	expectReply(t, bob, "ALREADY_TAKEN")

	sendCmd(t, bob, "/username")
	expectReply(t, bob, "[SERVER] Username cannot be empty")

	sendCmd(t, bob, "/username bad name")
	expectReply(t, bob, "[SERVER] Username must be alphanumeric")

	sendCmd(t, bob, "/username thisnameiswaytoolong")
	expectReply(t, bob, "[SERVER] Username too long")

	register(t, bob, "bob")

	// Renaming frees the old name for others.
	register(t, alice, "alice2")
	sendCmd(t, bob, "/username alice")
	expectReply(t, bob, "SET_USERNAME")
}

// TestJoinAndBroadcast verifies room membership notifications and that a
// broadcast reaches every other member but never echoes to the sender.
func TestJoinAndBroadcast(t *testing.T) {
	s := newTestServer(t, nil)
	alice := dial(t, s)
	bob := dial(t, s)

	register(t, alice, "alice")
	register(t, bob, "bob")

	sendCmd(t, alice, "/join lobby")
	expectReply(t, alice, "[SERVER] You joined room 'lobby'")

	sendCmd(t, bob, "/join lobby")
	expectReply(t, bob, "[SERVER] You joined room 'lobby'")
	expectReply(t, alice, "[SERVER] bob joined the room")

	sendCmd(t, alice, "/broadcast hello room")
	expectReply(t, bob, "[BROADCAST] alice: hello room")
	expectReply(t, alice, "[SERVER] Message broadcasted")
}

// TestBroadcastPreconditions verifies the ordered checks: username first,
// non-empty message, then room membership.
func TestBroadcastPreconditions(t *testing.T) {
	s := newTestServer(t, nil)
	c := dial(t, s)

	sendCmd(t, c, "/broadcast hi")
	expectReply(t, c, "[SERVER] Please set a username first")

	register(t, c, "alice")
	sendCmd(t, c, "/broadcast")
	expectReply(t, c, "[SERVER] Message cannot be empty")

	sendCmd(t, c, "/broadcast hi")
	expectReply(t, c, "[SERVER] You must join a room first")
}

// TestJoinRequiresUsername verifies that room commands are refused before
// registration.
func TestJoinRequiresUsername(t *testing.T) {
	s := newTestServer(t, nil)
	c := dial(t, s)

	sendCmd(t, c, "/join lobby")
	expectReply(t, c, "[SERVER] Please set a username first using /username <name>")
}

// TestJoinSwitchesRooms verifies that joining while in a room leaves the old
// one, with the old room's members notified.
func TestJoinSwitchesRooms(t *testing.T) {
	s := newTestServer(t, nil)
	alice := dial(t, s)
	bob := dial(t, s)

	register(t, alice, "alice")
	register(t, bob, "bob")

	sendCmd(t, alice, "/join red")
	expectReply(t, alice, "[SERVER] You joined room 'red'")
	sendCmd(t, bob, "/join red")
	expectReply(t, bob, "[SERVER] You joined room 'red'")
	expectReply(t, alice, "[SERVER] bob joined the room")

	sendCmd(t, alice, "/join blue")
	expectReply(t, bob, "[SERVER] alice left the room")
	expectReply(t, alice, "[SERVER] You joined room 'blue'")
}

// TestJoinFullRoom verifies that a rejected switch still removes the client
// from its previous room.
func TestJoinFullRoom(t *testing.T) {
	s := newTestServer(t, func(cfg *Config) { cfg.MaxRoomMembers = 1 })
	alice := dial(t, s)
	bob := dial(t, s)

	register(t, alice, "alice")
	register(t, bob, "bob")

	sendCmd(t, alice, "/join red")
	expectReply(t, alice, "[SERVER] You joined room 'red'")
	sendCmd(t, bob, "/join blue")
	expectReply(t, bob, "[SERVER] You joined room 'blue'")

	sendCmd(t, alice, "/join blue")
	expectReply(t, alice, "[SERVER] Room is full")

	// The failed switch left room red; alice is now roomless.
	sendCmd(t, alice, "/list")
	expectReply(t, alice, "[SERVER] You are not in any room")
}

// TestLeaveRoom verifies the /leave acknowledgement, the peer notification,
// and the error when not in a room.
func TestLeaveRoom(t *testing.T) {
	s := newTestServer(t, nil)
	alice := dial(t, s)
	bob := dial(t, s)

	register(t, alice, "alice")
	register(t, bob, "bob")

	sendCmd(t, alice, "/join lobby")
	expectReply(t, alice, "[SERVER] You joined room 'lobby'")
	sendCmd(t, bob, "/join lobby")
	expectReply(t, bob, "[SERVER] You joined room 'lobby'")
	expectReply(t, alice, "[SERVER] bob joined the room")

	sendCmd(t, alice, "/leave")
	expectReply(t, alice, "ROOM_LEFT")
	expectReply(t, bob, "[SERVER] alice left the room")

	sendCmd(t, alice, "/leave")
	expectReply(t, alice, "[SERVER] You are not in any room")
}

// TestWhisperDelivery verifies private delivery and the sender echo. Room
// membership is irrelevant to whispering.
func TestWhisperDelivery(t *testing.T) {
	s := newTestServer(t, nil)
	alice := dial(t, s)
	bob := dial(t, s)

	register(t, alice, "alice")
	register(t, bob, "bob")

	sendCmd(t, alice, "/whisper bob secret words")
	expectReply(t, bob, "[WHISPER from alice] secret words")
	expectReply(t, alice, "[WHISPER to bob] secret words")
}

// TestWhisperValidation verifies the usage notice, self-whisper rejection,
// and unknown target handling.
func TestWhisperValidation(t *testing.T) {
	s := newTestServer(t, nil)
	alice := dial(t, s)
	register(t, alice, "alice")

	sendCmd(t, alice, "/whisper bob")
	expectReply(t, alice, "[SERVER] Usage: /whisper <username> <message>")

	sendCmd(t, alice, "/whisper alice hi me")
	expectReply(t, alice, "[SERVER] You cannot whisper to yourself")

	sendCmd(t, alice, "/whisper ghost boo")
	expectReply(t, alice, "[SERVER] User 'ghost' not found or offline")
}

// TestListRoster verifies that /list names every member of the room,
// including the requester.
func TestListRoster(t *testing.T) {
	s := newTestServer(t, nil)
	alice := dial(t, s)
	bob := dial(t, s)

	register(t, alice, "alice")
	register(t, bob, "bob")

	sendCmd(t, alice, "/join lobby")
	expectReply(t, alice, "[SERVER] You joined room 'lobby'")
	sendCmd(t, bob, "/join lobby")
	expectReply(t, bob, "[SERVER] You joined room 'lobby'")
	expectReply(t, alice, "[SERVER] bob joined the room")

	sendCmd(t, alice, "/list")
	roster := readReply(t, alice)
	if !strings.HasPrefix(roster, "[SERVER] Users in room 'lobby': ") {
		t.Fatalf("Unexpected roster reply %q", roster)
	}
	if !strings.Contains(roster, "alice") || !strings.Contains(roster, "bob") {
		t.Errorf("Roster missing a member: %q", roster)
	}
}

// TestUnknownInput verifies the replies for unrecognized commands and bare
// text, and that /help lists the command set.
func TestUnknownInput(t *testing.T) {
	s := newTestServer(t, nil)
	c := dial(t, s)

	sendCmd(t, c, "hello there")
	expectReply(t, c, "[SERVER] Unknown command: 'hello there'. Type /help for available commands.")

	sendCmd(t, c, "/frobnicate")
	expectReply(t, c, "[SERVER] Unknown command. Type /help for available commands.")

	sendCmd(t, c, "/help")
	help := readReply(t, c)
	for _, cmd := range []string{"/username", "/join", "/leave", "/broadcast", "/whisper", "/sendfile", "/list", "/exit"} {
		if !strings.Contains(help, cmd) {
			t.Errorf("Help text missing %s", cmd)
		}
	}
}

// TestExitDisconnects verifies the goodbye message and that the transport is
// closed afterward.
func TestExitDisconnects(t *testing.T) {
	s := newTestServer(t, nil)
	c := dial(t, s)

	sendCmd(t, c, "/exit")
	expectReply(t, c, "[SERVER] Goodbye!")

	buf := make([]byte, 16)
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.Read(buf); err == nil {
		t.Error("Expected the connection to be closed after /exit")
	}
}

// TestServerFullRejection verifies that a connection beyond the client cap
// gets the capacity message and is closed without a session.
func TestServerFullRejection(t *testing.T) {
	s := newTestServer(t, func(cfg *Config) { cfg.MaxClients = 1 })
	dial(t, s)

	client, srv := net.Pipe()
	defer client.Close()
	go s.Admit(srv)
	expectReply(t, client, "Server full. Try again later.\n")

	buf := make([]byte, 16)
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := client.Read(buf); err == nil {
		t.Error("Expected rejected connection to be closed")
	}
	if s.sessions.ActiveCount() != 1 {
		t.Errorf("Expected 1 active session, got %d", s.sessions.ActiveCount())
	}
}

// TestDisconnectNotifiesRoom verifies that an abrupt disconnect behaves like
// /leave for the remaining room members.
func TestDisconnectNotifiesRoom(t *testing.T) {
	s := newTestServer(t, nil)
	alice := dial(t, s)
	bob := dial(t, s)

	register(t, alice, "alice")
	register(t, bob, "bob")

	sendCmd(t, alice, "/join lobby")
	expectReply(t, alice, "[SERVER] You joined room 'lobby'")
	sendCmd(t, bob, "/join lobby")
	expectReply(t, bob, "[SERVER] You joined room 'lobby'")
	expectReply(t, alice, "[SERVER] bob joined the room")

	_ = bob.Close()
	expectReply(t, alice, "[SERVER] bob left the room")
}

// TestSendfileValidation verifies every rejection path of /sendfile: usage,
// size parsing, the size cap, the extension allow list, self-targeting, and
// unknown recipients.
func TestSendfileValidation(t *testing.T) {
	s := newTestServer(t, func(cfg *Config) { cfg.MaxFileSize = 1000 })
	alice := dial(t, s)
	register(t, alice, "alice")

	sendCmd(t, alice, "/sendfile bob notes.txt")
	expectReply(t, alice, "[SERVER] Usage: /sendfile <username> <filename> <filesize>")

	sendCmd(t, alice, "/sendfile bob notes.txt huge")
	expectReply(t, alice, "[SERVER] Invalid file size")

	sendCmd(t, alice, "/sendfile bob notes.txt -4")
	expectReply(t, alice, "[SERVER] Invalid file size")

	sendCmd(t, alice, "/sendfile bob notes.txt 1001")
	expectReply(t, alice, "[SERVER] File too large (max 1000 bytes)")

	sendCmd(t, alice, "/sendfile bob virus.exe 100")
	expectReply(t, alice, "INVALID_FILE_TYPE")

	sendCmd(t, alice, "/sendfile alice notes.txt 100")
	expectReply(t, alice, "[SERVER] You cannot send a file to yourself")

	sendCmd(t, alice, "/sendfile ghost notes.txt 100")
	expectReply(t, alice, "[SERVER] User 'ghost' not found or offline")
}

// TestSendfileQueueFullReply verifies that a submission rejected by the
// transfer coordinator surfaces as FILE_QUEUE_FULL.
func TestSendfileQueueFullReply(t *testing.T) {
	s := newTestServer(t, func(cfg *Config) {
		cfg.MaxTransfers = 1
		cfg.MaxFileQueue = 1
	})
	alice := dial(t, s)
	bob := dial(t, s)
	carol := dial(t, s)
	dave := dial(t, s)

	register(t, alice, "alice")
	register(t, bob, "bob")
	register(t, carol, "carol")
	register(t, dave, "dave")

	// First transfer pins the only relay slot: its recipient never reads, so
	// the relay blocks writing the file header.
	sendCmd(t, alice, "/sendfile bob a.txt 100")
	waitFor(t, "first relay to occupy the slot", func() bool {
		return s.transfers.ActiveCount() == 1
	})

	// Second fills the backlog. Its sender blocks awaiting its turn.
	sendCmd(t, carol, "/sendfile bob b.txt 100")
	waitFor(t, "second transfer to queue", func() bool {
		return s.transfers.QueuedCount() == 1
	})

	sendCmd(t, dave, "/sendfile bob c.txt 100")
	expectReply(t, dave, "FILE_QUEUE_FULL")
}

// TestShutdownUnblocksStalledRelay verifies that shutdown completes even
// while a relay holds both endpoints' writer locks waiting on a sender that
// stopped mid-payload. Closing the transports, not delivering the courtesy
// notice, is what must never block.
func TestShutdownUnblocksStalledRelay(t *testing.T) {
	s := newTestServer(t, nil)
	alice := dial(t, s)
	bob := dial(t, s)

	register(t, alice, "alice")
	register(t, bob, "bob")

	sendCmd(t, alice, "/sendfile bob big.txt 1000")
	expectReply(t, bob, "INCOMING_FILE alice big.txt 1000\n")
	expectReply(t, alice, "READY_FOR_FILE")

	// Send part of the payload, then stall. Draining both ends afterward
	// rules out pipe backpressure as the thing blocking shutdown.
	if _, err := alice.Write(make([]byte, 100)); err != nil {
		t.Fatalf("Writing partial payload failed: %v", err)
	}
	buf := make([]byte, 100)
	_ = bob.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(bob, buf); err != nil {
		t.Fatalf("Reading forwarded payload failed: %v", err)
	}
	go func() { _, _ = io.Copy(io.Discard, alice) }()
	go func() { _, _ = io.Copy(io.Discard, bob) }()

	done := make(chan error, 1)
	go func() { done <- s.Shutdown(500 * time.Millisecond) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Shutdown returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Shutdown blocked by a stalled relay")
	}
}

// TestRelayDoesNotBlockOtherPushes verifies that a worker pushing to a
// session pinned by an in-flight relay skips the push instead of stalling
// its own command loop for the relay's duration.
func TestRelayDoesNotBlockOtherPushes(t *testing.T) {
	s := newTestServer(t, nil)
	alice := dial(t, s)
	bob := dial(t, s)
	carol := dial(t, s)

	register(t, alice, "alice")
	register(t, bob, "bob")
	register(t, carol, "carol")

	sendCmd(t, alice, "/join lobby")
	expectReply(t, alice, "[SERVER] You joined room 'lobby'")
	sendCmd(t, bob, "/join lobby")
	expectReply(t, bob, "[SERVER] You joined room 'lobby'")
	expectReply(t, alice, "[SERVER] bob joined the room")

	// Carol starts a transfer to bob and then stalls; the relay now holds
	// bob's writer lock waiting on payload bytes.
	sendCmd(t, carol, "/sendfile bob big.txt 1000")
	expectReply(t, bob, "INCOMING_FILE carol big.txt 1000\n")
	expectReply(t, carol, "READY_FOR_FILE")

	// Alice's broadcast cannot reach bob mid-relay; her worker must still
	// finish the command promptly instead of waiting out the relay.
	sendCmd(t, alice, "/broadcast hello")
	expectReply(t, alice, "[SERVER] Message broadcasted")
}

// TestRateLimitNotice verifies that a session exceeding its command burst is
// throttled with a notice instead of being disconnected.
func TestRateLimitNotice(t *testing.T) {
	s := newTestServer(t, func(cfg *Config) {
		cfg.RateLimit.Burst = 2
		cfg.RateLimit.RefillInterval = time.Minute
	})
	c := dial(t, s)

	sendCmd(t, c, "/help")
	_ = readReply(t, c)
	sendCmd(t, c, "/help")
	_ = readReply(t, c)

	sendCmd(t, c, "/help")
	expectReply(t, c, "[SERVER] You are sending commands too quickly")
}
