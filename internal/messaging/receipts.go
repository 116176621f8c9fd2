package messaging

import (
	"log/slog"
	"sync"
)

// receiptSink owns a receipts channel that may be closed while senders are
// still running.
type receiptSink struct {
	mu      sync.RWMutex
	ch      chan Receipt
	stopped bool
}

func newReceiptSink() *receiptSink {
	return &receiptSink{ch: make(chan Receipt, DefaultChannelBufferSize)}
}

// emit delivers r without blocking. Receipts are dropped once the buffer is
// full or the sink is closed.
func (s *receiptSink) emit(r Receipt) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}
	select {
	case s.ch <- r:
	default:
		slog.Warn("messaging receipts channel full, dropping receipt", "to", r.To, "status", r.Status)
	}
}

func (s *receiptSink) isStopped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopped
}

// close is idempotent.
func (s *receiptSink) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.ch)
}
