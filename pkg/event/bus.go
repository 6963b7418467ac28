// Package event implements the asynchronous notification channel between
// pipeline elements, peripherals and the controlling client.
//
// A Bus has any number of producers and a single consumer. Producers must be
// attached before their messages are accepted. When the queue is full the
// oldest message that is not an error is discarded to make room; error
// messages are never discarded.
package event

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/latoulicious/audiograph/pkg/logging"
	"github.com/latoulicious/audiograph/pkg/metrics"
)

var (
	ErrTimeout   = errors.New("event bus timeout")
	ErrQueueFull = errors.New("event queue full of error messages")
	ErrDetached  = errors.New("source is not attached to the event bus")
	ErrClosed    = errors.New("event bus closed")
)

// Forever makes Listen wait without a deadline.
const Forever time.Duration = -1

// DefaultQueueSize is used when Config.QueueSize is not positive.
const DefaultQueueSize = 32

// Config sizes a bus.
type Config struct {
	QueueSize int `envconfig:"QUEUE_SIZE" json:"queue_size"`
}

// DefaultConfig returns the default bus configuration.
func DefaultConfig() Config {
	return Config{QueueSize: DefaultQueueSize}
}

// Validate checks the queue size.
func (c Config) Validate() error {
	if c.QueueSize < 1 {
		return fmt.Errorf("event queue size must be positive, got %d", c.QueueSize)
	}
	return nil
}

// Option customizes a Bus.
type Option func(*Bus)

// WithLogger sets the logger used for drop and forwarding diagnostics.
func WithLogger(l logging.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithMetrics sets the collector that counts dropped messages.
func WithMetrics(m metrics.MetricsCollector) Option {
	return func(b *Bus) {
		if m != nil {
			b.metrics = m
		}
	}
}

// WithName labels the bus in logs and metrics.
func WithName(name string) Option {
	return func(b *Bus) { b.name = name }
}

// Bus is a bounded FIFO of messages.
type Bus struct {
	name    string
	size    int
	logger  logging.Logger
	metrics metrics.MetricsCollector

	mu        sync.Mutex
	queue     []Message
	closed    bool
	attached  map[Source]struct{}
	listeners []*Bus
	notify    chan struct{}
}

// New creates a bus from cfg.
func New(cfg Config, opts ...Option) *Bus {
	if cfg.QueueSize < 1 {
		cfg.QueueSize = DefaultQueueSize
	}
	b := &Bus{
		name:     "events",
		size:     cfg.QueueSize,
		logger:   logging.Nop(),
		metrics:  metrics.Nop(),
		queue:    make([]Message, 0, cfg.QueueSize),
		attached: make(map[Source]struct{}),
		notify:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With(logging.Component("event"), logging.String("bus", b.name))
	return b
}

// Attach registers src as a producer and hands it a reference to the bus. A
// source attached elsewhere is detached from its previous bus first.
func (b *Bus) Attach(src Attachable) {
	if prev := src.AttachedBus(); prev != nil && prev != b {
		prev.Detach(src)
	}
	b.mu.Lock()
	b.attached[src] = struct{}{}
	b.mu.Unlock()
	src.AttachBus(b, src)
}

// Detach removes src. Its later messages are refused; those already queued are
// still delivered.
func (b *Bus) Detach(src Attachable) {
	b.mu.Lock()
	delete(b.attached, src)
	b.mu.Unlock()
	src.DetachBus(b)
}

// IsAttached reports whether src may publish on the bus.
func (b *Bus) IsAttached(src Source) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.attached[src]
	return ok
}

// SetListener forwards every message published on b to other. While at least
// one listener is set, b acts as a relay and queues nothing itself.
func (b *Bus) SetListener(other *Bus) error {
	if other == nil || other == b {
		return fmt.Errorf("invalid listener bus")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, l := range b.listeners {
		if l == other {
			return nil
		}
	}
	b.listeners = append(b.listeners, other)
	return nil
}

// RemoveListener stops forwarding to other.
func (b *Bus) RemoveListener(other *Bus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, l := range b.listeners {
		if l == other {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			return
		}
	}
}

// Publish enqueues msg. Messages whose Source is set must come from an
// attached source; a nil Source is accepted as a client-injected message.
func (b *Bus) Publish(msg Message) error {
	if msg.Time.IsZero() {
		msg.Time = time.Now()
	}

	b.mu.Lock()
	if msg.Source != nil {
		if _, ok := b.attached[msg.Source]; !ok {
			b.mu.Unlock()
			return ErrDetached
		}
	}
	if len(b.listeners) > 0 {
		listeners := append([]*Bus(nil), b.listeners...)
		b.mu.Unlock()
		var errs []error
		for _, l := range listeners {
			if err := l.enqueue(msg); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
	b.mu.Unlock()
	return b.enqueue(msg)
}

func (b *Bus) enqueue(msg Message) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	var dropped *Message
	if len(b.queue) >= b.size {
		idx := -1
		for i := range b.queue {
			if !b.queue[i].IsError() {
				idx = i
				break
			}
		}
		if idx < 0 {
			b.mu.Unlock()
			b.metrics.RecordCounter("event.dropped", 1, map[string]string{"bus": b.name, "reason": "queue_full"})
			return ErrQueueFull
		}
		d := b.queue[idx]
		dropped = &d
		b.queue = append(b.queue[:idx], b.queue[idx+1:]...)
	}
	b.queue = append(b.queue, msg)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}

	if dropped != nil {
		b.metrics.RecordCounter("event.dropped", 1, map[string]string{"bus": b.name, "reason": "overflow"})
		b.logger.Debug("Dropped oldest event",
			logging.String("source", dropped.SourceID),
			logging.String("cmd", dropped.Cmd.String()),
		)
	}
	return nil
}

// Listen waits up to timeout for the next message. A zero timeout polls and a
// negative one waits forever.
func (b *Bus) Listen(timeout time.Duration) (Message, error) {
	if timeout == 0 {
		if msg, ok, err := b.pop(); ok || err != nil {
			return msg, err
		}
		return Message{}, ErrTimeout
	}
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return b.ListenContext(ctx)
}

// ListenContext waits for the next message until ctx is done. A deadline
// surfaces as ErrTimeout; a cancellation as ctx.Err().
func (b *Bus) ListenContext(ctx context.Context) (Message, error) {
	for {
		if msg, ok, err := b.pop(); ok || err != nil {
			return msg, err
		}
		select {
		case <-b.notify:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return Message{}, ErrTimeout
			}
			return Message{}, ctx.Err()
		}
	}
}

func (b *Bus) pop() (Message, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) > 0 {
		msg := b.queue[0]
		b.queue[0] = Message{}
		b.queue = b.queue[1:]
		return msg, true, nil
	}
	if b.closed {
		return Message{}, false, ErrClosed
	}
	return Message{}, false, nil
}

// Discard drops every queued message.
func (b *Bus) Discard() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.queue)
	b.queue = make([]Message, 0, b.size)
	return n
}

// Len returns the number of queued messages.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Cap returns the queue capacity.
func (b *Bus) Cap() int {
	return b.size
}

// Name returns the bus label.
func (b *Bus) Name() string {
	return b.name
}

// Close refuses new messages. Queued messages can still be listened for; after
// that Listen returns ErrClosed. Attached sources are detached.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	srcs := make([]Attachable, 0, len(b.attached))
	for src := range b.attached {
		if a, ok := src.(Attachable); ok {
			srcs = append(srcs, a)
		}
	}
	b.attached = make(map[Source]struct{})
	b.listeners = nil
	b.mu.Unlock()

	for _, src := range srcs {
		src.DetachBus(b)
	}
	select {
	case b.notify <- struct{}{}:
	default:
	}
}
