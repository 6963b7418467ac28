package element

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/latoulicious/audiograph/pkg/event"
	"github.com/latoulicious/audiograph/pkg/logging"
	"github.com/latoulicious/audiograph/pkg/ringbuf"
)

// Run starts the worker goroutine. It is a no-op while the worker is alive.
func (el *Element) Run() error {
	el.mu.Lock()
	if el.alive {
		el.mu.Unlock()
		return nil
	}
	if el.deinited {
		el.mu.Unlock()
		return fmt.Errorf("%w: element %q was deinitialized", ErrInvalidState, el.tag)
	}
	el.alive = true
	el.pauseReq = false
	el.stopReq = false
	el.done = make(chan struct{})
	el.runCtx, el.runCancel = context.WithCancel(context.Background())
	prev := el.setStateLocked(StateRunning)
	ctx, done := el.runCtx, el.done
	el.mu.Unlock()

	el.announce(prev, StateRunning, nil)
	go el.work(ctx, done)
	return nil
}

// Pause asks the worker to stop at its next safe point and waits for it. The
// request stays pending if the wait times out.
func (el *Element) Pause() error {
	el.mu.Lock()
	if !el.alive || el.pauseReq {
		el.mu.Unlock()
		return nil
	}
	el.pauseReq = true
	el.signalLocked()
	el.mu.Unlock()

	return el.await("pause", func() bool { return el.state == StatePaused })
}

// Resume releases a paused worker and waits until it runs again.
func (el *Element) Resume() error {
	el.mu.Lock()
	if !el.alive || !el.pauseReq {
		el.mu.Unlock()
		return nil
	}
	el.pauseReq = false
	el.signalLocked()
	el.mu.Unlock()

	return el.await("resume", func() bool { return el.state != StatePaused })
}

// Terminate asks the worker to exit and waits for it. Buffers and bindings are
// left in place.
func (el *Element) Terminate() error {
	el.mu.Lock()
	if !el.alive {
		el.mu.Unlock()
		return nil
	}
	el.stopReq = true
	el.runCancel()
	el.signalLocked()
	done := el.done
	el.mu.Unlock()

	timer := time.NewTimer(el.controlTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: terminate of %q", ErrTimeout, el.Tag())
	}
}

// WaitForStop blocks until the worker has exited or ctx is done.
func (el *Element) WaitForStop(ctx context.Context) error {
	el.mu.Lock()
	done := el.done
	alive := el.alive
	el.mu.Unlock()
	if !alive {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsAlive reports whether the worker goroutine is running.
func (el *Element) IsAlive() bool {
	el.mu.Lock()
	defer el.mu.Unlock()
	return el.alive
}

// ResetState moves a stopped element back to StateIdle.
func (el *Element) ResetState() error {
	el.mu.Lock()
	if el.alive {
		el.mu.Unlock()
		return fmt.Errorf("%w: element %q is running", ErrInvalidState, el.tag)
	}
	prev := el.setStateLocked(StateIdle)
	el.info.BytePos = 0
	el.mu.Unlock()

	if prev != StateIdle {
		el.announce(prev, StateIdle, nil)
	}
	return nil
}

// Deinit releases the element's resources. The element must not be running.
func (el *Element) Deinit() error {
	el.mu.Lock()
	if el.alive {
		el.mu.Unlock()
		return fmt.Errorf("%w: cannot deinit running element %q", ErrInvalidState, el.tag)
	}
	if el.deinited {
		el.mu.Unlock()
		return nil
	}
	el.deinited = true
	el.in, el.out = nil, nil
	el.intCancel()
	el.mu.Unlock()

	if b := el.AttachedBus(); b != nil {
		b.Detach(el)
	}
	if d, ok := el.proc.(Destroyer); ok {
		return d.Destroy(el)
	}
	return nil
}

func (el *Element) await(op string, ok func() bool) error {
	timer := time.NewTimer(el.controlTimeout)
	defer timer.Stop()
	for {
		el.mu.Lock()
		if !el.alive || ok() {
			el.mu.Unlock()
			return nil
		}
		wait := el.changed
		el.mu.Unlock()

		select {
		case <-wait:
		case <-timer.C:
			return fmt.Errorf("%w: %s of %q not acknowledged", ErrTimeout, op, el.Tag())
		}
	}
}

// checkpoint is the worker's safe point: it blocks while a pause is pending
// and fails once a terminate is pending.
func (el *Element) checkpoint() error {
	_, err := el.enter()
	return err
}

// enter is checkpoint for port operations. It returns the interrupt context
// current when the worker was let through, so a control request or rebinding
// that arrives afterwards cancels the blocking call that follows.
func (el *Element) enter() (context.Context, error) {
	for {
		el.mu.Lock()
		if el.stopReq {
			el.mu.Unlock()
			return nil, ErrTerminated
		}
		if !el.pauseReq {
			resumed := el.state == StatePaused
			if resumed {
				el.setStateLocked(StateRunning)
			}
			ctx := el.intCtx
			el.mu.Unlock()
			if resumed {
				el.announce(StatePaused, StateRunning, nil)
			}
			return ctx, nil
		}
		var prev State
		paused := el.state != StatePaused
		if paused {
			prev = el.setStateLocked(StatePaused)
		}
		wait := el.changed
		el.mu.Unlock()

		if paused {
			el.announce(prev, StatePaused, nil)
		}
		<-wait
	}
}

func (el *Element) work(ctx context.Context, done chan struct{}) {
	defer close(done)
	el.finish(el.drive(ctx))
}

func (el *Element) drive(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = WithCause(event.StatusErrorProcess, fmt.Errorf("processor panic: %v", r))
		}
	}()

	if err := el.checkpoint(); err != nil {
		return err
	}
	if err := el.proc.Open(ctx, el); err != nil {
		return WithCause(event.StatusErrorOpen, err)
	}

	var perr error
	for {
		if perr = el.checkpoint(); perr != nil {
			break
		}
		if perr = el.proc.Process(ctx, el); perr != nil {
			break
		}
	}

	if cerr := el.proc.Close(el); cerr != nil && isCleanExit(perr) {
		return WithCause(event.StatusErrorClose, cerr)
	}
	return perr
}

func isCleanExit(err error) bool {
	return err == nil || errors.Is(err, io.EOF) || errors.Is(err, ErrTerminated)
}

// finish records how the worker ended.
func (el *Element) finish(err error) {
	el.mu.Lock()
	var to State
	switch {
	case el.stopReq, errors.Is(err, ErrTerminated):
		to = StateStopped
	case errors.Is(err, io.EOF):
		to = StateFinished
	case errors.Is(err, ringbuf.ErrClosed):
		to = StateStopped
	default:
		to = StateError
	}
	el.alive = false
	el.pauseReq = false
	el.runCancel()
	prev := el.setStateLocked(to)
	out := el.out
	logger := el.logger
	el.mu.Unlock()

	if to == StateFinished && out != nil {
		// end of stream propagates downstream
		out.Close()
	}
	if to == StateStopped && err != nil && !errors.Is(err, ErrTerminated) && !errors.Is(err, ringbuf.ErrClosed) &&
		!errors.Is(err, context.Canceled) {
		logger.Warn("Element stopped with error", logging.String("tag", el.Tag()), logging.Error(err))
	}
	el.announce(prev, to, err)
}
