package periph

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/latoulicious/audiograph/pkg/event"
	"github.com/latoulicious/audiograph/pkg/logging"
)

// Set owns a group of peripherals and the bus they publish on.
type Set struct {
	mu      sync.Mutex
	bus     *event.Bus
	periphs []Peripheral
	ids     map[string]struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	logger  logging.Logger
}

// NewSet creates an empty set with its own bus.
func NewSet(cfg event.Config, logger logging.Logger) (*Set, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Set{
		bus:    event.New(cfg, event.WithLogger(logger), event.WithName("peripherals")),
		ids:    make(map[string]struct{}),
		logger: logger.With(logging.Component("periph")),
	}, nil
}

// Bus returns the bus every peripheral of the set publishes on.
func (s *Set) Bus() *event.Bus {
	return s.bus
}

// Add attaches p to the set's bus. A set that is already started starts p.
func (s *Set) Add(p Peripheral) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[p.ID()]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateID, p.ID())
	}
	s.bus.Attach(p)
	if s.started {
		if err := p.Start(s.ctx); err != nil {
			s.bus.Detach(p)
			return fmt.Errorf("failed to start peripheral %q: %w", p.ID(), err)
		}
	}
	s.ids[p.ID()] = struct{}{}
	s.periphs = append(s.periphs, p)
	s.logger.Debug("Peripheral added", logging.String("periph_id", p.ID()))
	return nil
}

// Get returns the peripheral with the given id.
func (s *Set) Get(id string) (Peripheral, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.periphs {
		if p.ID() == id {
			return p, true
		}
	}
	return nil, false
}

// StartAll starts every peripheral. Peripherals that fail to start are
// reported in the returned error; the others keep running.
func (s *Set) StartAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	var errs []error
	for _, p := range s.periphs {
		if err := p.Start(s.ctx); err != nil {
			errs = append(errs, fmt.Errorf("peripheral %q: %w", p.ID(), err))
		}
	}
	s.started = true
	s.logger.Info("Peripherals started", logging.Int("count", len(s.periphs)))
	return errors.Join(errs...)
}

// StopAll stops every peripheral.
func (s *Set) StopAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked()
}

func (s *Set) stopLocked() error {
	if !s.started {
		return nil
	}
	var errs []error
	for _, p := range s.periphs {
		if err := p.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("peripheral %q: %w", p.ID(), err))
		}
	}
	s.cancel()
	s.started = false
	s.logger.Info("Peripherals stopped")
	return errors.Join(errs...)
}

// Destroy stops the peripherals, detaches them and closes the bus.
func (s *Set) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.stopLocked()
	for _, p := range s.periphs {
		s.bus.Detach(p)
	}
	s.periphs = nil
	s.ids = make(map[string]struct{})
	s.bus.Close()
	return err
}
