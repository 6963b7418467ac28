// Package raw provides reader and writer elements over plain io.Reader and
// io.Writer values, optionally paced to the stream's byte rate.
package raw

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"

	"github.com/latoulicious/audiograph/pkg/element"
	"github.com/latoulicious/audiograph/pkg/event"
	"golang.org/x/time/rate"
)

// Option customizes a raw element.
type Option func(*options)

type options struct {
	paced bool
}

// Paced limits throughput to Info.BytesPerSecond, emulating a real-time
// source or sink.
func Paced() Option {
	return func(o *options) { o.paced = true }
}

func newLimiter(el *element.Element, o options) *rate.Limiter {
	if !o.paced {
		return nil
	}
	bps := el.Info().BytesPerSecond()
	if bps <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(bps), len(el.Buffer()))
}

type reader struct {
	src     io.Reader
	opts    options
	limiter *rate.Limiter
}

// NewReader creates a reader element that copies src to its output.
func NewReader(cfg element.Config, src io.Reader, opts ...Option) (*element.Element, error) {
	r := &reader{src: src}
	for _, opt := range opts {
		opt(&r.opts)
	}
	cfg.Type = element.TypeReader
	return element.New(cfg, r)
}

func (r *reader) Open(_ context.Context, el *element.Element) error {
	if r.src == nil {
		return errors.New("raw reader has no source")
	}
	r.limiter = newLimiter(el, r.opts)
	return nil
}

func (r *reader) Process(ctx context.Context, el *element.Element) error {
	buf := el.Buffer()
	n, err := r.src.Read(buf)
	if n > 0 {
		if r.limiter != nil {
			if werr := r.limiter.WaitN(ctx, n); werr != nil {
				return werr
			}
		}
		if _, werr := el.Output().Write(buf[:n]); werr != nil {
			return werr
		}
		el.UpdateBytePos(n)
	}
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	if err != nil {
		return element.WithCause(event.StatusErrorInput, err)
	}
	return nil
}

func (r *reader) Close(*element.Element) error { return nil }

type writer struct {
	dst     io.Writer
	opts    options
	limiter *rate.Limiter
}

// NewWriter creates a writer element that copies its input to dst.
func NewWriter(cfg element.Config, dst io.Writer, opts ...Option) (*element.Element, error) {
	w := &writer{dst: dst}
	for _, opt := range opts {
		opt(&w.opts)
	}
	cfg.Type = element.TypeWriter
	return element.New(cfg, w)
}

func (w *writer) Open(_ context.Context, el *element.Element) error {
	if w.dst == nil {
		return errors.New("raw writer has no destination")
	}
	w.limiter = newLimiter(el, w.opts)
	return nil
}

func (w *writer) Process(ctx context.Context, el *element.Element) error {
	buf := el.Buffer()
	n, err := el.Input().Read(buf)
	if n > 0 {
		if w.limiter != nil {
			if werr := w.limiter.WaitN(ctx, n); werr != nil {
				return werr
			}
		}
		if _, werr := w.dst.Write(buf[:n]); werr != nil {
			return element.WithCause(event.StatusErrorOutput, werr)
		}
		el.UpdateBytePos(n)
	}
	return err
}

func (w *writer) Close(*element.Element) error { return nil }

// Buffer is a bytes.Buffer safe for one writer element and concurrent
// observers.
type Buffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// Bytes returns a copy of everything written so far.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}
