package event

import (
	"sync"
	"time"
)

// Source is anything that can appear as the producer of a message.
type Source interface {
	SourceID() string
	SourceKind() SourceKind
}

// Attachable is a Source a Bus can attach to and detach from.
type Attachable interface {
	Source
	AttachBus(b *Bus, as Source)
	DetachBus(b *Bus)
	AttachedBus() *Bus
}

// Emitter holds a producer's reference to its bus. Embed it to implement the
// bus side of Attachable.
type Emitter struct {
	mu   sync.RWMutex
	bus  *Bus
	self Source
}

// AttachBus records b as the destination of Emit and as the identity the bus
// knows the producer by. Types embedding an Emitter inside another producer
// publish as the outer value through Self.
func (e *Emitter) AttachBus(b *Bus, as Source) {
	e.mu.Lock()
	e.bus = b
	e.self = as
	e.mu.Unlock()
}

// Self returns the source the emitter was last attached as, or nil.
func (e *Emitter) Self() Source {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.self
}

// DetachBus drops the reference if it points at b. A nil b drops any bus.
func (e *Emitter) DetachBus(b *Bus) {
	e.mu.Lock()
	if b == nil || e.bus == b {
		e.bus = nil
	}
	e.mu.Unlock()
}

// AttachedBus returns the current bus or nil.
func (e *Emitter) AttachedBus() *Bus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.bus
}

// Emit stamps msg with src and publishes it. ErrDetached is returned while no
// bus is attached.
func (e *Emitter) Emit(src Source, msg Message) error {
	b := e.AttachedBus()
	if b == nil {
		return ErrDetached
	}
	msg.Source = src
	if src != nil {
		msg.SourceID = src.SourceID()
		msg.SourceKind = src.SourceKind()
	}
	if msg.Time.IsZero() {
		msg.Time = time.Now()
	}
	return b.Publish(msg)
}
