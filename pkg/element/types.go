package element

import (
	"errors"
	"time"

	"github.com/latoulicious/audiograph/pkg/event"
	"github.com/latoulicious/audiograph/pkg/logging"
	"github.com/latoulicious/audiograph/pkg/ringbuf"
)

var (
	// ErrResource is returned when an element or one of its buffers cannot be
	// allocated.
	ErrResource = ringbuf.ErrResource
	// ErrInvalidState is returned when an operation is not allowed in the
	// element's current state.
	ErrInvalidState = errors.New("invalid element state")
	// ErrInvalidConfig is returned by New for unusable configurations.
	ErrInvalidConfig = errors.New("invalid element configuration")
	// ErrTerminated is returned by port operations once Terminate was requested.
	ErrTerminated = errors.New("element terminated")
	// ErrTimeout is returned when the worker did not acknowledge a control
	// request within Config.ControlTimeout.
	ErrTimeout = errors.New("element control timeout")
)

// State is the life-cycle state of an element.
type State int

const (
	StateIdle State = iota
	StateInit
	StateRunning
	StatePaused
	StateStopped
	StateError
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateInit:
		return "INIT"
	case StateRunning:
		return "RUNNING"
	case StatePaused:
		return "PAUSED"
	case StateStopped:
		return "STOPPED"
	case StateError:
		return "ERROR"
	case StateFinished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

// status maps a state to the status carried by its CmdReportStatus message.
func (s State) status() event.Status {
	switch s {
	case StateRunning:
		return event.StatusStateRunning
	case StatePaused:
		return event.StatusStatePaused
	case StateStopped:
		return event.StatusStateStopped
	case StateFinished:
		return event.StatusStateFinished
	default:
		return event.StatusNone
	}
}

// Type is the role of an element in a chain.
type Type int

const (
	TypeProcessor Type = iota
	TypeReader
	TypeWriter
)

func (t Type) String() string {
	switch t {
	case TypeReader:
		return "reader"
	case TypeWriter:
		return "writer"
	default:
		return "processor"
	}
}

// Codec names the encoding of the bytes an element produces or consumes.
type Codec int

const (
	CodecUnknown Codec = iota
	CodecPCM
	CodecMP3
	CodecWAV
	CodecAAC
)

func (c Codec) String() string {
	switch c {
	case CodecPCM:
		return "pcm"
	case CodecMP3:
		return "mp3"
	case CodecWAV:
		return "wav"
	case CodecAAC:
		return "aac"
	default:
		return "unknown"
	}
}

// Info is the stream metadata an element knows about.
type Info struct {
	SampleRate int
	Channels   int
	Bits       int
	Codec      Codec
	URI        string
	BytePos    int64
	TotalBytes int64
	Duration   time.Duration
	Bitrate    int
}

// BytesPerSecond returns the PCM byte rate, or 0 when the sample format is
// not known.
func (i Info) BytesPerSecond() int {
	if i.SampleRate <= 0 || i.Channels <= 0 || i.Bits <= 0 {
		return 0
	}
	return i.SampleRate * i.Channels * i.Bits / 8
}

const (
	DefaultBufferSize     = 4096
	DefaultControlTimeout = 2 * time.Second
)

// Config describes an element to New.
type Config struct {
	Type Type
	Tag  string

	// BufferSize sizes the scratch buffer returned by Buffer.
	BufferSize int
	// OutputBufferSize sizes the ring buffer a pipeline allocates downstream
	// of this element. Zero leaves the choice to the pipeline.
	OutputBufferSize int
	// ControlTimeout bounds Pause, Resume and Terminate.
	ControlTimeout time.Duration

	Info   Info
	Logger logging.Logger
}
