// Package server houses the transfer coordinator: admission control and the
// byte-exact relay for server-mediated file transfers.
package server

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrTransferQueueFull is returned by Submit when the concurrency cap is
// reached and the FIFO backlog has no room either. The submitter is told
// immediately; requests are never silently dropped or blocked.
var ErrTransferQueueFull = errors.New("file transfer queue full")

// SubmitResult reports how a submission was admitted.
type SubmitResult int

// Admission outcomes.
const (
	TransferStarted SubmitResult = iota
	TransferQueued
)

// FileTransferRequest describes one sender-to-recipient relay. It is created
// by the sendfile handler once the recipient resolved to a live session, and
// discarded by the coordinator after the relay succeeds or fails.
type FileTransferRequest struct {
	ID            ulid.ULID
	SenderName    string
	RecipientName string
	Filename      string
	Size          int64
	EnqueuedAt    time.Time
	StartedAt     time.Time

	sender    *Session
	recipient *Session
	done      chan struct{}
}

// NewFileTransferRequest builds a request for relaying size bytes between the
// two sessions.
func NewFileTransferRequest(sender, recipient *Session, senderName, recipientName, filename string, size int64) *FileTransferRequest {
	return &FileTransferRequest{
		ID:            ulid.Make(),
		SenderName:    senderName,
		RecipientName: recipientName,
		Filename:      filename,
		Size:          size,
		EnqueuedAt:    time.Now(),
		sender:        sender,
		recipient:     recipient,
		done:          make(chan struct{}),
	}
}

// Wait blocks until the relay has completed or failed. The sender's
// dispatcher waits here so its command loop never competes with the relay
// for reads on the sender's transport.
func (r *FileTransferRequest) Wait() { <-r.done }

// TransferCoordinator bounds concurrent relays and keeps a FIFO backlog of
// admitted-but-waiting requests. Active count and backlog share one lock;
// the relay itself runs outside it.
type TransferCoordinator struct {
	maxActive int
	maxQueue  int
	chunkSize int
	log       *EventLog
	metrics   *Metrics

	mu      sync.Mutex
	active  int
	backlog []*FileTransferRequest
}

// NewTransferCoordinator creates a coordinator with the configured
// concurrency cap, backlog bound, and relay chunk size.
func NewTransferCoordinator(cfg *Config, log *EventLog, metrics *Metrics) *TransferCoordinator {
	return &TransferCoordinator{
		maxActive: cfg.MaxTransfers,
		maxQueue:  cfg.MaxFileQueue,
		chunkSize: cfg.FileChunkSize,
		log:       log,
		metrics:   metrics,
	}
}

// Submit admits a request: start immediately when a concurrency slot is
// free, otherwise enqueue FIFO, otherwise reject with ErrTransferQueueFull.
// On TransferQueued the returned position is the request's 1-based place in
// the backlog.
func (c *TransferCoordinator) Submit(req *FileTransferRequest) (SubmitResult, int, error) {
	c.mu.Lock()
	if c.active < c.maxActive {
		c.active++
		c.mu.Unlock()
		go c.run(req)
		return TransferStarted, 0, nil
	}
	if len(c.backlog) >= c.maxQueue {
		c.mu.Unlock()
		c.log.Eventf("[FILE_QUEUE] Queue full, rejecting transfer %s (%s -> %s)",
			req.ID, req.SenderName, req.RecipientName)
		return 0, 0, ErrTransferQueueFull
	}
	c.backlog = append(c.backlog, req)
	pos := len(c.backlog)
	c.metrics.QueuedTransfers.Inc()
	c.mu.Unlock()

	c.log.Eventf("[FILE_QUEUE] Transfer %s queued at position %d (%s -> %s)",
		req.ID, pos, req.SenderName, req.RecipientName)
	return TransferQueued, pos, nil
}

// ActiveCount returns the number of relays currently running.
func (c *TransferCoordinator) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// QueuedCount returns the number of requests waiting in the backlog.
func (c *TransferCoordinator) QueuedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.backlog)
}

// run executes one relay and then, still holding the admission lock, starts
// the oldest queued request if capacity allows. Every exit path releases the
// concurrency slot, so a failed relay can never leak admission budget.
func (c *TransferCoordinator) run(req *FileTransferRequest) {
	req.StartedAt = time.Now()
	c.metrics.ActiveTransfers.Inc()
	c.log.Eventf("[FILE_TRANSFER] Relaying %s: %s -> %s (%s, %d bytes) after %s queued",
		req.ID, req.SenderName, req.RecipientName, req.Filename, req.Size,
		req.StartedAt.Sub(req.EnqueuedAt).Round(time.Millisecond))

	err := c.relay(req)
	status := "success"
	if err != nil {
		status = "failed"
		c.log.Eventf("[FILE_TRANSFER_ERROR] Transfer %s failed: %v", req.ID, err)
	} else {
		c.log.Eventf("[FILE_TRANSFER_SUCCESS] Transfer %s relayed %d bytes from %s to %s",
			req.ID, req.Size, req.SenderName, req.RecipientName)
	}
	c.metrics.ActiveTransfers.Dec()
	c.metrics.TransfersTotal.WithLabelValues(status).Inc()

	var next *FileTransferRequest
	c.mu.Lock()
	c.active--
	if len(c.backlog) > 0 && c.active < c.maxActive {
		next = c.backlog[0]
		c.backlog = c.backlog[1:]
		c.active++
		c.metrics.QueuedTransfers.Dec()
	}
	c.mu.Unlock()

	close(req.done)
	if next != nil {
		go c.run(next)
	}
}

// relay performs the handshake and forwards exactly req.Size bytes. Both
// endpoints' writer locks are held in slot order for the whole relay so no
// concurrent push can interleave bytes into the payload stream, and the
// success or failure notice reaches both endpoints before other traffic.
func (c *TransferCoordinator) relay(req *FileTransferRequest) error {
	first, second := req.sender, req.recipient
	if second.slot < first.slot {
		first, second = second, first
	}
	first.writeMu.Lock()
	defer first.writeMu.Unlock()
	second.writeMu.Lock()
	defer second.writeMu.Unlock()

	err := c.forward(req)
	outcome := Message{Kind: KindTransferSuccess}
	if err != nil {
		outcome = Message{Kind: KindTransferFailed}
	}
	_ = req.recipient.sendLocked(outcome)
	_ = req.sender.sendLocked(outcome)
	return err
}

func (c *TransferCoordinator) forward(req *FileTransferRequest) error {
	if err := req.recipient.sendLocked(Message{
		Kind:     KindIncomingFile,
		From:     req.SenderName,
		Filename: req.Filename,
		Size:     req.Size,
	}); err != nil {
		return fmt.Errorf("notify recipient: %w", err)
	}
	if err := req.sender.sendLocked(Message{Kind: KindReadyForFile}); err != nil {
		return fmt.Errorf("notify sender: %w", err)
	}

	// The payload is an opaque byte stream; content is never inspected.
	buf := make([]byte, c.chunkSize)
	var relayed int64
	for relayed < req.Size {
		chunk := buf
		if remaining := req.Size - relayed; remaining < int64(len(chunk)) {
			chunk = chunk[:remaining]
		}
		n, err := req.sender.conn.Read(chunk)
		if n > 0 {
			if _, werr := req.recipient.conn.Write(chunk[:n]); werr != nil {
				return fmt.Errorf("relay to recipient after %d bytes: %w", relayed, werr)
			}
			relayed += int64(n)
			c.metrics.RelayedBytes.Add(float64(n))
		}
		if err != nil {
			return fmt.Errorf("relay from sender after %d bytes: %w", relayed, err)
		}
		if n == 0 {
			return fmt.Errorf("sender closed after %d of %d bytes", relayed, req.Size)
		}
	}
	return nil
}
