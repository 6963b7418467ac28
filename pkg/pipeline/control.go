package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/latoulicious/audiograph/pkg/element"
	"github.com/latoulicious/audiograph/pkg/event"
	"github.com/latoulicious/audiograph/pkg/logging"
)

// Run starts every linked element in chain order. Elements already running
// are left alone.
func (p *Pipeline) Run() (err error) {
	defer p.track("run", time.Now(), &err)

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.chains) == 0 {
		return fmt.Errorf("%w: nothing linked", ErrInvalidState)
	}
	if p.listener == nil {
		p.logger.Warn("Running pipeline without a listener")
	}

	var errs []error
	for _, el := range p.activeLocked() {
		if err := el.Run(); err != nil {
			errs = append(errs, fmt.Errorf("run %q: %w", el.Tag(), err))
		}
	}
	p.changeStateLocked(StateRunning, "run requested")
	return joinErrors(errs)
}

// Pause pauses linked elements in chain order, producers first.
func (p *Pipeline) Pause() (err error) {
	defer p.track("pause", time.Now(), &err)

	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for _, el := range p.activeLocked() {
		if err := el.Pause(); err != nil {
			errs = append(errs, fmt.Errorf("pause %q: %w", el.Tag(), err))
		}
	}
	if p.state == StateRunning {
		p.changeStateLocked(StatePaused, "pause requested")
	}
	return joinErrors(errs)
}

// Resume resumes linked elements in reverse chain order so consumers are
// ready before their producers.
func (p *Pipeline) Resume() (err error) {
	defer p.track("resume", time.Now(), &err)

	p.mu.Lock()
	defer p.mu.Unlock()

	active := p.activeLocked()
	var errs []error
	for i := len(active) - 1; i >= 0; i-- {
		if err := active[i].Resume(); err != nil {
			errs = append(errs, fmt.Errorf("resume %q: %w", active[i].Tag(), err))
		}
	}
	if p.state == StatePaused {
		p.changeStateLocked(StateRunning, "resume requested")
	}
	return joinErrors(errs)
}

// Terminate stops the worker of every linked element. Nothing is unlinked,
// unregistered or released.
func (p *Pipeline) Terminate() (err error) {
	defer p.track("terminate", time.Now(), &err)

	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for _, el := range p.activeLocked() {
		if err := el.Terminate(); err != nil {
			errs = append(errs, fmt.Errorf("terminate %q: %w", el.Tag(), err))
		}
	}
	p.changeStateLocked(StateStopped, "terminate requested")
	return joinErrors(errs)
}

// Stop terminates every linked element concurrently and waits for all of
// them, bounded by ctx and Config.ControlTimeout.
func (p *Pipeline) Stop(ctx context.Context) (err error) {
	defer p.track("stop", time.Now(), &err)

	p.mu.Lock()
	active := p.activeLocked()
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, p.config.ControlTimeout)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, len(active))
	for _, el := range active {
		wg.Add(1)
		go func(el Element) {
			defer wg.Done()
			if err := el.Terminate(); err != nil {
				errCh <- fmt.Errorf("stop %q: %w", el.Tag(), err)
				return
			}
			if err := el.WaitForStop(ctx); err != nil {
				errCh <- fmt.Errorf("stop %q: %w", el.Tag(), err)
			}
		}(el)
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for e := range errCh {
		errs = append(errs, e)
	}

	p.mu.Lock()
	p.changeStateLocked(StateStopped, "stop requested")
	p.mu.Unlock()
	return joinErrors(errs)
}

// WaitForStop blocks until every linked element has stopped, finished or
// failed, or ctx is done.
func (p *Pipeline) WaitForStop(ctx context.Context) error {
	p.mu.Lock()
	active := p.activeLocked()
	p.mu.Unlock()

	for _, el := range active {
		if err := el.WaitForStop(ctx); err != nil {
			return err
		}
	}
	return nil
}

// SetListener attaches every linked element to bus. Elements linked later are
// attached as well.
func (p *Pipeline) SetListener(bus *event.Bus) error {
	if bus == nil {
		return fmt.Errorf("%w: nil listener", ErrInvalidState)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.listener != nil && p.listener != bus {
		for _, el := range p.activeLocked() {
			p.listener.Detach(el)
		}
	}
	p.listener = bus
	p.attachLocked(p.activeLocked())

	p.logger.Debug("Listener set", logging.String("bus", bus.Name()))
	return nil
}

// RemoveListener detaches every linked element from the listener.
func (p *Pipeline) RemoveListener() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.listener == nil {
		return
	}
	for _, el := range p.activeLocked() {
		p.listener.Detach(el)
	}
	p.listener = nil
	p.logger.Debug("Listener removed")
}

// Listener returns the bus linked elements report to, or nil.
func (p *Pipeline) Listener() *event.Bus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listener
}

// ResetRingBuffers drops buffered data and reopens every ring buffer of the
// active chains. No linked element may be running.
func (p *Pipeline) ResetRingBuffers() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, el := range p.activeLocked() {
		if el.IsAlive() {
			return fmt.Errorf("%w: %q is running", ErrInvalidState, el.Tag())
		}
	}
	for _, c := range p.chains {
		for _, rb := range c.rbs {
			rb.Reset()
		}
	}
	return nil
}

// ResetElements moves every linked element back to element.StateIdle and the
// graph to StateIdle.
func (p *Pipeline) ResetElements() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for _, el := range p.activeLocked() {
		if err := el.ResetState(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		p.changeStateLocked(StateIdle, "elements reset")
	}
	return joinErrors(errs)
}

// Finished reports whether every linked element has reached a terminal state.
func (p *Pipeline) Finished() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, el := range p.activeLocked() {
		switch el.State() {
		case element.StateFinished, element.StateStopped, element.StateError:
		default:
			return false
		}
	}
	return true
}

func (p *Pipeline) attachLocked(els []Element) {
	if p.listener == nil {
		return
	}
	for _, el := range els {
		p.listener.Attach(el)
	}
}

func (p *Pipeline) detachLocked(el Element) {
	if p.listener != nil {
		p.listener.Detach(el)
		return
	}
	if b := el.AttachedBus(); b != nil {
		b.Detach(el)
	}
}
