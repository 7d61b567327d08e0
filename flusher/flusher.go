// Package flusher batches token-level content chunks into rolling
// time windows to bound update frequency without breaking ordering.
package flusher

import (
	"sync"
	"time"
)

// DefaultWindow bounds flush frequency to roughly one update per 10ms.
const DefaultWindow = 10 * time.Millisecond

// Flusher accumulates chunks and delivers them to the flush callback
// at most once per window, preserving FIFO order within the batch.
// The callback runs on a timer goroutine and must not re-enter Add.
type Flusher struct {
	flush   func(chunks []string)
	timer   *time.Timer
	pending []string
	window  time.Duration
	mu      sync.Mutex
	// deliverMu serializes callback invocations so an explicit Flush
	// returns only after any in-flight timer delivery has finished.
	deliverMu sync.Mutex
	closed    bool
}

// New creates a flusher delivering batches to flush.
func New(window time.Duration, flush func(chunks []string)) *Flusher {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Flusher{
		window: window,
		flush:  flush,
	}
}

// Add queues a chunk for the current window. The first chunk of a
// window arms the timer; later chunks ride along.
func (f *Flusher) Add(chunk string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.pending = append(f.pending, chunk)
	if f.timer == nil {
		f.timer = time.AfterFunc(f.window, f.fire)
	}
}

func (f *Flusher) fire() {
	f.mu.Lock()
	batch := f.pending
	f.pending = nil
	f.timer = nil
	f.mu.Unlock()

	f.deliver(batch)
}

func (f *Flusher) deliver(batch []string) {
	f.deliverMu.Lock()
	defer f.deliverMu.Unlock()
	if len(batch) > 0 {
		f.flush(batch)
	}
}

// Flush delivers any pending chunks immediately and disarms the timer.
func (f *Flusher) Flush() {
	f.mu.Lock()
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	batch := f.pending
	f.pending = nil
	f.mu.Unlock()

	f.deliver(batch)
}

// Close flushes remaining chunks and rejects further Adds.
func (f *Flusher) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	batch := f.pending
	f.pending = nil
	f.mu.Unlock()

	f.deliver(batch)
}
