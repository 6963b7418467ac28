package periph

import (
	"context"
	"sync"
	"time"

	"github.com/latoulicious/audiograph/pkg/logging"
)

// DefaultLongPress is how long a button must be held to report a long press.
const DefaultLongPress = 2 * time.Second

// Button is a software button. Press and Release drive it; a press held for
// longer than the long-press duration additionally reports
// CmdButtonLongPressed and ends with CmdButtonLongReleased. Every message
// carries the button id as data.
type Button struct {
	Base

	longPress time.Duration

	mu      sync.Mutex
	started bool
	held    bool
	long    bool
	timer   *time.Timer
	gen     int
}

// NewButton creates a button. A zero longPress selects DefaultLongPress.
func NewButton(id string, longPress time.Duration, logger logging.Logger) *Button {
	if longPress <= 0 {
		longPress = DefaultLongPress
	}
	return &Button{Base: NewBase(id, logger), longPress: longPress}
}

func (b *Button) Start(context.Context) error {
	b.mu.Lock()
	b.started = true
	b.mu.Unlock()
	return nil
}

// Stop releases a held button silently.
func (b *Button) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started = false
	b.resetLocked()
	return nil
}

// Press reports CmdButtonPressed. Pressing a held button does nothing.
func (b *Button) Press() error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return ErrNotStarted
	}
	if b.held {
		b.mu.Unlock()
		return nil
	}
	b.held = true
	b.long = false
	b.gen++
	gen := b.gen
	b.timer = time.AfterFunc(b.longPress, func() { b.fireLong(gen) })
	b.mu.Unlock()

	if err := b.Send(CmdButtonPressed, b.ID()); err != nil {
		// an undelivered press leaves the button up
		b.mu.Lock()
		if b.gen == gen {
			b.resetLocked()
		}
		b.mu.Unlock()
		return err
	}
	return nil
}

// Release reports CmdButtonReleased, or CmdButtonLongReleased after a long
// press. Releasing a button that is not held does nothing.
func (b *Button) Release() error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return ErrNotStarted
	}
	if !b.held {
		b.mu.Unlock()
		return nil
	}
	long := b.long
	b.resetLocked()
	b.mu.Unlock()

	if long {
		return b.Send(CmdButtonLongReleased, b.ID())
	}
	return b.Send(CmdButtonReleased, b.ID())
}

// Click presses and immediately releases the button.
func (b *Button) Click() error {
	if err := b.Press(); err != nil {
		return err
	}
	return b.Release()
}

func (b *Button) fireLong(gen int) {
	b.mu.Lock()
	if !b.held || b.gen != gen {
		b.mu.Unlock()
		return
	}
	b.long = true
	b.mu.Unlock()
	if err := b.Send(CmdButtonLongPressed, b.ID()); err != nil {
		b.Logger().Warn("Long press not delivered", logging.Error(err))
	}
}

func (b *Button) resetLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.held = false
	b.long = false
}
