// Package server defines the tagged message variants pushed to clients and
// their encoding to the text wire protocol.
package server

import (
	"fmt"
	"io"
	"net"
)

// Conn is the transport handle a session exclusively owns. A *net.TCPConn
// satisfies it directly; the WebSocket gateway wraps upgraded connections
// into the same shape.
type Conn interface {
	io.ReadWriteCloser
	RemoteAddr() net.Addr
}

// Kind identifies a server-to-client message variant.
type Kind int

// Message kinds. Fixed-token kinds encode to a single protocol token; the
// remaining kinds carry free text or formatted fields.
const (
	KindLoginAccepted Kind = iota
	KindServerFull
	KindUsernameSet
	KindUsernameTaken
	KindRoomLeft
	KindReadyForFile
	KindIncomingFile
	KindTransferSuccess
	KindTransferFailed
	KindQueueFull
	KindInvalidFileType
	KindBroadcast
	KindWhisper
	KindWhisperEcho
	KindServerNotice
	KindGoodbye
)

// Message is a single server-to-client push or reply. Which fields are
// meaningful depends on Kind; encoding to wire bytes happens in one place so
// handlers never build protocol strings ad hoc.
type Message struct {
	Kind     Kind
	From     string
	Target   string
	Filename string
	Size     int64
	Text     string
}

// Notice builds a free-text [SERVER] message.
func Notice(format string, args ...any) Message {
	return Message{Kind: KindServerNotice, Text: fmt.Sprintf(format, args...)}
}

// Wire encodes the message into the bytes sent to the client.
func (m Message) Wire() []byte {
	switch m.Kind {
	case KindLoginAccepted:
		return []byte("SUCCESS_LOGIN")
	case KindServerFull:
		return []byte("Server full. Try again later.\n")
	case KindUsernameSet:
		return []byte("SET_USERNAME")
	case KindUsernameTaken:
		return []byte("ALREADY_TAKEN")
	case KindRoomLeft:
		return []byte("ROOM_LEFT")
	case KindReadyForFile:
		return []byte("READY_FOR_FILE")
	case KindIncomingFile:
		// Newline-terminated so the recipient can frame where the raw
		// payload begins.
		return fmt.Appendf(nil, "INCOMING_FILE %s %s %d\n", m.From, m.Filename, m.Size)
	case KindTransferSuccess:
		return []byte("FILE_TRANSFER_SUCCESS")
	case KindTransferFailed:
		return []byte("FILE_TRANSFER_FAILED")
	case KindQueueFull:
		return []byte("FILE_QUEUE_FULL")
	case KindInvalidFileType:
		return []byte("INVALID_FILE_TYPE")
	case KindBroadcast:
		return fmt.Appendf(nil, "[BROADCAST] %s: %s", m.From, m.Text)
	case KindWhisper:
		return fmt.Appendf(nil, "[WHISPER from %s] %s", m.From, m.Text)
	case KindWhisperEcho:
		return fmt.Appendf(nil, "[WHISPER to %s] %s", m.Target, m.Text)
	case KindServerNotice:
		return []byte("[SERVER] " + m.Text)
	case KindGoodbye:
		return []byte("[SERVER] Goodbye!")
	}
	return nil
}
