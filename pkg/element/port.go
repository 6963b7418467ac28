package element

import (
	"context"
	"errors"
	"io"

	"github.com/latoulicious/audiograph/pkg/event"
	"github.com/latoulicious/audiograph/pkg/ringbuf"
)

type inputPort struct{ el *Element }

type outputPort struct{ el *Element }

// Input returns the reader side of the element. Read blocks until data is
// available on the bound ring buffer and returns io.EOF once that buffer is
// closed and drained.
func (el *Element) Input() io.Reader {
	return inputPort{el: el}
}

// Output returns the writer side of the element. Write blocks until every
// byte has been queued on the bound ring buffer.
func (el *Element) Output() io.Writer {
	return outputPort{el: el}
}

// binding returns the bound ring buffer together with the interrupt context
// the worker passed its safe point with. Every request that must wake a
// blocked port cancels that context.
func (el *Element) binding(input bool) (*ringbuf.RingBuffer, context.Context, error) {
	ctx, err := el.enter()
	if err != nil {
		return nil, nil, err
	}
	el.mu.Lock()
	defer el.mu.Unlock()
	if input {
		return el.in, ctx, nil
	}
	return el.out, ctx, nil
}

func (el *Element) bound(rb *ringbuf.RingBuffer, input bool) bool {
	el.mu.Lock()
	defer el.mu.Unlock()
	if input {
		return el.in == rb
	}
	return el.out == rb
}

func (el *Element) recordBytes(direction string, n int) {
	el.mu.Lock()
	tag, m := el.tag, el.metrics
	el.mu.Unlock()
	m.RecordElementBytes(tag, direction, n)
}

func (p inputPort) Read(b []byte) (int, error) {
	el := p.el
	if len(b) == 0 {
		return 0, nil
	}
	for {
		rb, ctx, err := el.binding(true)
		if err != nil {
			return 0, err
		}
		if rb == nil {
			<-ctx.Done()
			continue
		}
		n, err := rb.ReadContext(ctx, b, ringbuf.Forever)
		if n > 0 {
			el.recordBytes("in", n)
			return n, nil
		}
		switch {
		case err == nil, errors.Is(err, context.Canceled):
		case err == io.EOF:
			// a buffer the pipeline already replaced does not end the stream
			if el.bound(rb, true) {
				return 0, io.EOF
			}
		default:
			return 0, WithCause(event.StatusErrorInput, err)
		}
	}
}

func (p outputPort) Write(b []byte) (int, error) {
	el := p.el
	written := 0
	for written < len(b) {
		rb, ctx, err := el.binding(false)
		if err != nil {
			return written, err
		}
		if rb == nil {
			<-ctx.Done()
			continue
		}
		n, err := rb.WriteContext(ctx, b[written:], ringbuf.Forever)
		written += n
		el.recordBytes("out", n)
		switch {
		case err == nil, errors.Is(err, context.Canceled):
		case errors.Is(err, ringbuf.ErrClosed):
			if el.bound(rb, false) {
				return written, err
			}
		default:
			return written, WithCause(event.StatusErrorOutput, err)
		}
	}
	return written, nil
}
