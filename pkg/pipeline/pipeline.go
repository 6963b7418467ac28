package pipeline

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/latoulicious/audiograph/pkg/element"
	"github.com/latoulicious/audiograph/pkg/event"
	"github.com/latoulicious/audiograph/pkg/logging"
	"github.com/latoulicious/audiograph/pkg/metrics"
)

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithMetrics reports graph and element measurements to c.
func WithMetrics(c metrics.MetricsCollector) Option {
	return func(p *Pipeline) {
		if c != nil {
			p.collector = c
		}
	}
}

// Pipeline is a set of registered elements and the chains linking them.
//
// Graph surgery (Register, Link, Relink, Breakup, Unregister) and run control
// are serialized under one mutex. Surgery validates and allocates before it
// mutates, so a failed call leaves the graph as it was.
type Pipeline struct {
	id        string
	config    *Config
	logger    logging.Logger
	collector metrics.MetricsCollector
	metrics   *metrics.PipelineMetricsCollector

	mu       sync.Mutex
	elements map[string]Element
	order    []string
	chains   []*chain
	listener *event.Bus
	state    State
}

// New creates an empty pipeline. A nil config falls back to DefaultConfig and
// a nil logger to one built from config.Logging.
func New(config *Config, logger logging.Logger, opts ...Option) (*Pipeline, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if logger == nil {
		l, err := logging.New(config.Logging)
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
		logger = l
	}

	pipelineID := "pipeline-" + uuid.NewString()

	p := &Pipeline{
		id:        pipelineID,
		config:    config,
		collector: metrics.Nop(),
		elements:  make(map[string]Element),
		state:     StateIdle,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.metrics = metrics.NewPipelineMetricsCollector(pipelineID, p.collector)
	p.logger = logger.With(logging.Component("pipeline"), logging.String("pipeline_id", pipelineID))

	p.logger.Info("Created new pipeline",
		logging.Int("ringbuffer_size", config.RingBufferSize),
		logging.Int("event_queue_size", config.Events.QueueSize),
	)

	return p, nil
}

// ID returns the pipeline identifier.
func (p *Pipeline) ID() string {
	return p.id
}

// Metrics returns the collector elements of this pipeline report to.
func (p *Pipeline) Metrics() *metrics.PipelineMetricsCollector {
	return p.metrics
}

// NewEventBus creates a bus sized by Config.Events that logs and counts
// through the pipeline's logger and collector.
func (p *Pipeline) NewEventBus(opts ...event.Option) *event.Bus {
	base := []event.Option{
		event.WithLogger(p.logger),
		event.WithMetrics(p.collector),
		event.WithName(p.id),
	}
	return event.New(p.config.Events, append(base, opts...)...)
}

// Register adds el under tag. An empty tag falls back to el.Tag().
func (p *Pipeline) Register(el Element, tag string) (err error) {
	defer p.track("register", time.Now(), &err)

	if el == nil {
		return fmt.Errorf("%w: nil element", ErrInvalidTag)
	}
	if tag == "" {
		tag = el.Tag()
	}
	if tag == "" {
		return fmt.Errorf("%w: empty tag", ErrInvalidTag)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.elements[tag]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateTag, tag)
	}
	for t, other := range p.elements {
		if other == el {
			return fmt.Errorf("%w: element already registered as %q", ErrDuplicateTag, t)
		}
	}

	el.SetTag(tag)
	el.SetMetrics(p.metrics)
	p.elements[tag] = el
	p.order = append(p.order, tag)

	p.logger.Debug("Registered element", logging.String("tag", tag))
	return nil
}

// Unregister removes els from the graph. Every element must be registered and
// unlinked; otherwise nothing is removed.
func (p *Pipeline) Unregister(els ...Element) (err error) {
	defer p.track("unregister", time.Now(), &err)

	p.mu.Lock()
	defer p.mu.Unlock()

	tags := make([]string, 0, len(els))
	for _, el := range els {
		tag, err := p.tagOfLocked(el)
		if err != nil {
			return err
		}
		if c, _ := p.chainOfLocked(tag); c != nil {
			return fmt.Errorf("%w: %q is linked", ErrInvalidState, tag)
		}
		tags = append(tags, tag)
	}

	for _, tag := range tags {
		delete(p.elements, tag)
		for i, t := range p.order {
			if t == tag {
				p.order = append(p.order[:i], p.order[i+1:]...)
				break
			}
		}
		p.logger.Debug("Unregistered element", logging.String("tag", tag))
	}
	return nil
}

// Element returns the element registered under tag.
func (p *Pipeline) Element(tag string) (Element, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	el, ok := p.elements[tag]
	return el, ok
}

// Tags returns the registered tags in registration order.
func (p *Pipeline) Tags() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.order...)
}

// Chains returns the tag sequence of every active chain.
func (p *Pipeline) Chains() [][]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]string, 0, len(p.chains))
	for _, c := range p.chains {
		out = append(out, append([]string(nil), c.tags...))
	}
	return out
}

// IsLinked reports whether tag belongs to an active chain.
func (p *Pipeline) IsLinked(tag string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, _ := p.chainOfLocked(tag)
	return c != nil
}

// State returns the graph run state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// CheckItemsState reports whether every linked element is in state.
func (p *Pipeline) CheckItemsState(state element.State) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, el := range p.activeLocked() {
		if el.State() != state {
			return false
		}
	}
	return true
}

func (p *Pipeline) tagOfLocked(el Element) (string, error) {
	if el == nil {
		return "", fmt.Errorf("%w: nil element", ErrUnknownTag)
	}
	tag := el.Tag()
	if registered, ok := p.elements[tag]; ok && registered == el {
		return tag, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTag, tag)
}

func (p *Pipeline) chainOfLocked(tag string) (*chain, int) {
	for _, c := range p.chains {
		if i := c.index(tag); i >= 0 {
			return c, i
		}
	}
	return nil, -1
}

// activeLocked returns linked elements in chain order.
func (p *Pipeline) activeLocked() []Element {
	var out []Element
	for _, c := range p.chains {
		for _, tag := range c.tags {
			out = append(out, p.elements[tag])
		}
	}
	return out
}

func (p *Pipeline) changeStateLocked(to State, reason string) {
	from := p.state
	if from == to {
		return
	}
	p.state = to

	p.logger.Info("Pipeline state changed",
		logging.String("from", from.String()),
		logging.String("to", to.String()),
		logging.String("reason", reason),
	)
	p.metrics.RecordPipelineState(from.String(), to.String())
}

func (p *Pipeline) track(op string, start time.Time, err *error) {
	p.metrics.RecordOperation(op, time.Since(start), *err)
	if *err != nil {
		p.logger.Warn("Pipeline operation failed", logging.String("operation", op), logging.Error(*err))
	}
}

func joinErrors(errs []error) error {
	return errors.Join(errs...)
}
