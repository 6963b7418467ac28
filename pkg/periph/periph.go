// Package periph implements control sources that report to an event bus
// alongside pipeline elements.
//
// Peripherals publish on the bus of the Set they belong to. Chaining that bus
// into a pipeline's listener with SetListener delivers element and peripheral
// messages to one consumer, which tells them apart by Message.SourceKind.
package periph

import (
	"context"
	"errors"
	"fmt"

	"github.com/latoulicious/audiograph/pkg/event"
	"github.com/latoulicious/audiograph/pkg/logging"
)

// Peripheral commands start at event.CmdPeripheralBase.
const (
	CmdButtonPressed event.Command = event.CmdPeripheralBase + iota + 1
	CmdButtonReleased
	CmdButtonLongPressed
	CmdButtonLongReleased
	CmdTimerTick
	// CmdCommand carries a named request, such as a chat command, as its
	// string data.
	CmdCommand
)

var (
	// ErrDuplicateID is returned when a Set already holds a peripheral with
	// the same id.
	ErrDuplicateID = errors.New("duplicate peripheral id")
	// ErrNotStarted is returned when a stopped peripheral is asked to act.
	ErrNotStarted = errors.New("peripheral not started")
)

// Peripheral is a control source. Start must not block.
type Peripheral interface {
	event.Attachable
	ID() string
	Start(ctx context.Context) error
	Stop() error
}

// Base implements the identity and bus side of a Peripheral.
type Base struct {
	event.Emitter
	id     string
	logger logging.Logger
}

// NewBase returns a Base for the peripheral id.
func NewBase(id string, logger logging.Logger) Base {
	if logger == nil {
		logger = logging.Nop()
	}
	return Base{
		id:     id,
		logger: logger.With(logging.Component("periph"), logging.String("periph_id", id)),
	}
}

func (b *Base) ID() string { return b.id }

func (b *Base) SourceID() string { return b.id }

func (b *Base) SourceKind() event.SourceKind { return event.SourcePeripheral }

func (b *Base) Logger() logging.Logger { return b.logger }

// Send publishes cmd with data as the peripheral the bus attached. It returns
// event.ErrDetached while no bus is attached.
func (b *Base) Send(cmd event.Command, data interface{}) error {
	var src event.Source = b
	if self := b.Self(); self != nil {
		src = self
	}
	if err := b.Emit(src, event.Message{Cmd: cmd, Data: data}); err != nil {
		return fmt.Errorf("peripheral %q: %s: %w", b.id, CommandName(cmd), err)
	}
	return nil
}

// CommandName names peripheral commands for logs.
func CommandName(cmd event.Command) string {
	switch cmd {
	case CmdButtonPressed:
		return "button_pressed"
	case CmdButtonReleased:
		return "button_released"
	case CmdButtonLongPressed:
		return "button_long_pressed"
	case CmdButtonLongReleased:
		return "button_long_released"
	case CmdTimerTick:
		return "timer_tick"
	case CmdCommand:
		return "command"
	default:
		return cmd.String()
	}
}
