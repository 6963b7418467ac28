package pipeline

import (
	"context"

	"github.com/latoulicious/audiograph/pkg/element"
	"github.com/latoulicious/audiograph/pkg/event"
	"github.com/latoulicious/audiograph/pkg/metrics"
	"github.com/latoulicious/audiograph/pkg/ringbuf"
)

// Element is what the graph needs from a stage. *element.Element implements
// it.
type Element interface {
	event.Attachable

	Tag() string
	SetTag(tag string)
	State() element.State
	IsAlive() bool
	OutputBufferSize() int

	Run() error
	Pause() error
	Resume() error
	Terminate() error
	WaitForStop(ctx context.Context) error
	ResetState() error

	SetInputRingBuffer(rb *ringbuf.RingBuffer)
	SetOutputRingBuffer(rb *ringbuf.RingBuffer)
	InputRingBuffer() *ringbuf.RingBuffer
	OutputRingBuffer() *ringbuf.RingBuffer

	SetMetrics(m *metrics.PipelineMetricsCollector)
}

var _ Element = (*element.Element)(nil)
