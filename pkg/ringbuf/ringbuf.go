// Package ringbuf implements the bounded byte queue that connects two linked
// pipeline elements.
//
// A RingBuffer has exactly one producer and one consumer. Writers block while
// the buffer is full and readers block while it is empty; this backpressure is
// the only flow control between elements. Closing a buffer marks the end of the
// stream: writes fail with ErrClosed and reads drain the remaining bytes before
// returning io.EOF.
package ringbuf

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// Forever makes Read and Write wait without a deadline.
const Forever time.Duration = -1

// MaxSize is the largest capacity New accepts.
const MaxSize = 16 << 20

var (
	// ErrResource is returned when a buffer cannot be allocated.
	ErrResource = errors.New("resource allocation failed")
	// ErrClosed is returned by Write once the buffer has been closed.
	ErrClosed = errors.New("ring buffer closed")
	// ErrTimeout is returned when nothing could be transferred before the timeout.
	ErrTimeout = errors.New("ring buffer timeout")
)

// RingBuffer is a fixed-capacity FIFO of bytes.
type RingBuffer struct {
	mu      sync.Mutex
	buf     []byte
	head    int
	filled  int
	closed  bool
	changed chan struct{}
}

// New allocates a ring buffer holding size bytes.
func New(size int) (*RingBuffer, error) {
	if size <= 0 || size > MaxSize {
		return nil, fmt.Errorf("%w: ring buffer size %d out of range [1, %d]", ErrResource, size, MaxSize)
	}
	return &RingBuffer{
		buf:     make([]byte, size),
		changed: make(chan struct{}),
	}, nil
}

// Write copies p into the buffer, waiting up to timeout for free space.
//
// It returns len(p) on success. A shorter count is returned only when the
// timeout elapsed (with a nil error if at least one byte was written, ErrTimeout
// otherwise) or when the buffer was closed (ErrClosed).
func (rb *RingBuffer) Write(p []byte, timeout time.Duration) (int, error) {
	return rb.WriteContext(context.Background(), p, timeout)
}

// WriteContext is Write with cancellation. On cancellation it returns the bytes
// written so far together with ctx.Err().
func (rb *RingBuffer) WriteContext(ctx context.Context, p []byte, timeout time.Duration) (int, error) {
	deadline, stop := deadlineFor(timeout)
	defer stop()

	written := 0
	for {
		rb.mu.Lock()
		if rb.closed {
			rb.mu.Unlock()
			return written, ErrClosed
		}
		if n := rb.put(p[written:]); n > 0 {
			written += n
			rb.broadcast()
		}
		if written == len(p) {
			rb.mu.Unlock()
			return written, nil
		}
		wait := rb.changed
		rb.mu.Unlock()

		if timeout == 0 {
			return timedOut(written)
		}
		select {
		case <-wait:
		case <-deadline:
			return timedOut(written)
		case <-ctx.Done():
			return written, ctx.Err()
		}
	}
}

// Read copies buffered bytes into p, waiting up to timeout while the buffer is
// empty. It returns as soon as at least one byte is available. (0, io.EOF) is
// returned only once the buffer is closed and drained.
func (rb *RingBuffer) Read(p []byte, timeout time.Duration) (int, error) {
	return rb.ReadContext(context.Background(), p, timeout)
}

// ReadContext is Read with cancellation.
func (rb *RingBuffer) ReadContext(ctx context.Context, p []byte, timeout time.Duration) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	deadline, stop := deadlineFor(timeout)
	defer stop()

	for {
		rb.mu.Lock()
		if rb.filled > 0 {
			n := rb.get(p)
			rb.broadcast()
			rb.mu.Unlock()
			return n, nil
		}
		if rb.closed {
			rb.mu.Unlock()
			return 0, io.EOF
		}
		wait := rb.changed
		rb.mu.Unlock()

		if timeout == 0 {
			return 0, ErrTimeout
		}
		select {
		case <-wait:
		case <-deadline:
			return 0, ErrTimeout
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Close marks the end of the stream and wakes every blocked reader and writer.
// Calling Close more than once has no further effect.
func (rb *RingBuffer) Close() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.closed {
		return
	}
	rb.closed = true
	rb.broadcast()
}

// Reset drops the buffered bytes and reopens a closed buffer. It must only be
// called while neither side is using the buffer.
func (rb *RingBuffer) Reset() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.head = 0
	rb.filled = 0
	rb.closed = false
	rb.broadcast()
}

// Size returns the capacity in bytes.
func (rb *RingBuffer) Size() int {
	return len(rb.buf)
}

// Filled returns the number of buffered bytes.
func (rb *RingBuffer) Filled() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.filled
}

// Available returns the free space in bytes.
func (rb *RingBuffer) Available() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return len(rb.buf) - rb.filled
}

// IsClosed reports whether Close has been called since the last Reset.
func (rb *RingBuffer) IsClosed() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.closed
}

// put copies as much of p as fits. Caller holds mu.
func (rb *RingBuffer) put(p []byte) int {
	n := min(len(p), len(rb.buf)-rb.filled)
	if n == 0 {
		return 0
	}
	tail := (rb.head + rb.filled) % len(rb.buf)
	c := copy(rb.buf[tail:], p[:n])
	copy(rb.buf, p[c:n])
	rb.filled += n
	return n
}

// get moves up to len(p) bytes out of the buffer. Caller holds mu.
func (rb *RingBuffer) get(p []byte) int {
	n := min(len(p), rb.filled)
	c := copy(p[:n], rb.buf[rb.head:])
	copy(p[c:n], rb.buf)
	rb.head = (rb.head + n) % len(rb.buf)
	rb.filled -= n
	return n
}

// broadcast wakes every waiter. Caller holds mu.
func (rb *RingBuffer) broadcast() {
	close(rb.changed)
	rb.changed = make(chan struct{})
}

func timedOut(written int) (int, error) {
	if written > 0 {
		return written, nil
	}
	return 0, ErrTimeout
}

func deadlineFor(timeout time.Duration) (<-chan time.Time, func()) {
	if timeout <= 0 {
		return nil, func() {}
	}
	timer := time.NewTimer(timeout)
	return timer.C, func() { timer.Stop() }
}
