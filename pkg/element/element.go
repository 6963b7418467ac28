// Package element implements the processing stage of an audio pipeline.
//
// An Element owns one worker goroutine that drives a Processor. Data enters and
// leaves through the element's ports, which a pipeline binds to ring buffers.
// Port operations are the worker's safe points: a pending pause blocks there
// until resumed, a pending terminate makes them fail with ErrTerminated, and a
// blocked port follows the ring buffer the pipeline binds while it waits.
package element

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/latoulicious/audiograph/pkg/event"
	"github.com/latoulicious/audiograph/pkg/logging"
	"github.com/latoulicious/audiograph/pkg/metrics"
	"github.com/latoulicious/audiograph/pkg/ringbuf"
)

// Element is one stage of a pipeline.
type Element struct {
	event.Emitter

	typ            Type
	proc           Processor
	outputSize     int
	controlTimeout time.Duration
	buf            []byte

	mu       sync.Mutex
	tag      string
	state    State
	info     Info
	in, out  *ringbuf.RingBuffer
	logger   logging.Logger
	metrics  *metrics.PipelineMetricsCollector
	deinited bool

	// worker control, guarded by mu
	alive     bool
	pauseReq  bool
	stopReq   bool
	done      chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
	intCtx    context.Context
	intCancel context.CancelFunc
	changed   chan struct{}
}

// New validates cfg and allocates an element driven by proc. The element
// starts in StateInit.
func New(cfg Config, proc Processor) (*Element, error) {
	if proc == nil {
		return nil, fmt.Errorf("%w: nil processor", ErrInvalidConfig)
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.BufferSize < 0 || cfg.BufferSize > ringbuf.MaxSize {
		return nil, fmt.Errorf("%w: buffer size %d", ErrResource, cfg.BufferSize)
	}
	if cfg.OutputBufferSize < 0 || cfg.OutputBufferSize > ringbuf.MaxSize {
		return nil, fmt.Errorf("%w: output buffer size %d", ErrResource, cfg.OutputBufferSize)
	}
	if cfg.ControlTimeout <= 0 {
		cfg.ControlTimeout = DefaultControlTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}

	el := &Element{
		typ:            cfg.Type,
		proc:           proc,
		outputSize:     cfg.OutputBufferSize,
		controlTimeout: cfg.ControlTimeout,
		buf:            make([]byte, cfg.BufferSize),
		tag:            cfg.Tag,
		state:          StateInit,
		info:           cfg.Info,
		metrics:        metrics.NewPipelineMetricsCollector("", nil),
		changed:        make(chan struct{}),
	}
	el.logger = cfg.Logger.With(logging.Component("element"))
	el.intCtx, el.intCancel = context.WithCancel(context.Background())
	return el, nil
}

// SourceID identifies the element on the event bus by its tag.
func (el *Element) SourceID() string {
	return el.Tag()
}

// SourceKind implements event.Source.
func (el *Element) SourceKind() event.SourceKind {
	return event.SourceElement
}

func (el *Element) Tag() string {
	el.mu.Lock()
	defer el.mu.Unlock()
	return el.tag
}

func (el *Element) SetTag(tag string) {
	el.mu.Lock()
	el.tag = tag
	el.mu.Unlock()
}

func (el *Element) Type() Type {
	return el.typ
}

// Processor returns the processor driving the element.
func (el *Element) Processor() Processor {
	return el.proc
}

func (el *Element) State() State {
	el.mu.Lock()
	defer el.mu.Unlock()
	return el.state
}

// OutputBufferSize is the ring buffer size requested for the link downstream
// of this element, or 0.
func (el *Element) OutputBufferSize() int {
	return el.outputSize
}

// Buffer returns the element's scratch buffer. Only the worker may use it.
func (el *Element) Buffer() []byte {
	return el.buf
}

// SetLogger replaces the element's logger.
func (el *Element) SetLogger(l logging.Logger) {
	if l == nil {
		return
	}
	el.mu.Lock()
	el.logger = l.With(logging.Component("element"))
	el.mu.Unlock()
}

// Logger returns the element's logger, tagged with its component.
func (el *Element) Logger() logging.Logger {
	el.mu.Lock()
	defer el.mu.Unlock()
	return el.logger.With(logging.String("tag", el.tag))
}

// SetMetrics replaces the collector the element reports to.
func (el *Element) SetMetrics(m *metrics.PipelineMetricsCollector) {
	if m == nil {
		return
	}
	el.mu.Lock()
	el.metrics = m
	el.mu.Unlock()
}

func (el *Element) Info() Info {
	el.mu.Lock()
	defer el.mu.Unlock()
	return el.info
}

func (el *Element) SetInfo(info Info) {
	el.mu.Lock()
	el.info = info
	el.mu.Unlock()
}

// SetMusicInfo updates only the sample parameters.
func (el *Element) SetMusicInfo(sampleRate, channels, bits int) {
	el.mu.Lock()
	el.info.SampleRate = sampleRate
	el.info.Channels = channels
	el.info.Bits = bits
	el.mu.Unlock()
}

// SetCodec records the encoding the element handles.
func (el *Element) SetCodec(c Codec) {
	el.mu.Lock()
	el.info.Codec = c
	el.mu.Unlock()
}

// SetTotalBytes records the stream length when it is known.
func (el *Element) SetTotalBytes(n int64) {
	el.mu.Lock()
	el.info.TotalBytes = n
	el.mu.Unlock()
}

// UpdateBytePos advances the byte position by n.
func (el *Element) UpdateBytePos(n int) {
	el.mu.Lock()
	el.info.BytePos += int64(n)
	el.mu.Unlock()
}

func (el *Element) URI() string {
	el.mu.Lock()
	defer el.mu.Unlock()
	return el.info.URI
}

// SetURI changes the resource a reader or writer works on. It fails with
// ErrInvalidState for processors and while the element is running.
func (el *Element) SetURI(uri string) error {
	if el.typ == TypeProcessor {
		return fmt.Errorf("%w: cannot set uri on processor %q", ErrInvalidState, el.Tag())
	}
	el.mu.Lock()
	if el.state == StateRunning {
		el.mu.Unlock()
		return fmt.Errorf("%w: cannot set uri on running element %q", ErrInvalidState, el.tag)
	}
	el.info.URI = uri
	el.info.BytePos = 0
	el.mu.Unlock()

	if s, ok := el.proc.(URISetter); ok {
		return s.SetURI(el, uri)
	}
	return nil
}

// ReportInfo publishes the current Info as a CmdReportMusicInfo message.
func (el *Element) ReportInfo() error {
	return el.Emit(el, event.Message{Cmd: event.CmdReportMusicInfo, Data: el.Info()})
}

// ReportPosition publishes the current Info as a CmdReportPosition message.
func (el *Element) ReportPosition() error {
	return el.Emit(el, event.Message{Cmd: event.CmdReportPosition, Data: el.Info()})
}

// ReportCodecFormat publishes the current Info as a CmdReportCodecFmt message.
func (el *Element) ReportCodecFormat() error {
	return el.Emit(el, event.Message{Cmd: event.CmdReportCodecFmt, Data: el.Info()})
}

// SetInputRingBuffer binds the input port. A worker blocked on the port
// switches to rb.
func (el *Element) SetInputRingBuffer(rb *ringbuf.RingBuffer) {
	el.mu.Lock()
	el.in = rb
	el.signalLocked()
	el.mu.Unlock()
}

// SetOutputRingBuffer binds the output port.
func (el *Element) SetOutputRingBuffer(rb *ringbuf.RingBuffer) {
	el.mu.Lock()
	el.out = rb
	el.signalLocked()
	el.mu.Unlock()
}

func (el *Element) InputRingBuffer() *ringbuf.RingBuffer {
	el.mu.Lock()
	defer el.mu.Unlock()
	return el.in
}

func (el *Element) OutputRingBuffer() *ringbuf.RingBuffer {
	el.mu.Lock()
	defer el.mu.Unlock()
	return el.out
}

// signalLocked wakes everything waiting on the element: control waiters and a
// worker blocked in a port. Caller holds mu.
func (el *Element) signalLocked() {
	close(el.changed)
	el.changed = make(chan struct{})
	el.intCancel()
	base := el.runCtx
	if base == nil {
		base = context.Background()
	}
	el.intCtx, el.intCancel = context.WithCancel(base)
}

// setStateLocked changes the state and returns the previous one. Caller holds
// mu.
func (el *Element) setStateLocked(s State) State {
	prev := el.state
	el.state = s
	el.signalLocked()
	return prev
}

// announce logs, counts and publishes a state change.
func (el *Element) announce(from, to State, err error) {
	el.mu.Lock()
	tag, logger, m := el.tag, el.logger, el.metrics
	el.mu.Unlock()

	m.RecordElementState(tag, from.String(), to.String())

	msg := event.Message{Cmd: event.CmdReportStatus, Status: to.status()}
	if to == StateError {
		msg.Status = CauseOf(err)
		msg.Err = err
		logger.Error("Element failed",
			logging.String("tag", tag),
			logging.String("from", from.String()),
			logging.String("cause", msg.Status.String()),
			logging.Error(err),
		)
	} else {
		logger.Debug("Element state changed",
			logging.String("tag", tag),
			logging.String("from", from.String()),
			logging.String("to", to.String()),
		)
	}
	if err := el.Emit(el, msg); err != nil && err != event.ErrDetached {
		logger.Warn("Failed to publish element status", logging.String("tag", tag), logging.Error(err))
	}
}
