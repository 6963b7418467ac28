package pipeline

import (
	"time"

	"github.com/latoulicious/audiograph/pkg/ringbuf"
)

// State is the run state of the whole graph.
type State int

const (
	StateIdle State = iota
	StateRunning
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// StateChange represents a graph state transition
type StateChange struct {
	From      State
	To        State
	Timestamp time.Time
	Reason    string
}

// chain is one linked sequence of elements; rbs[i] connects tags[i] and
// tags[i+1].
type chain struct {
	tags []string
	rbs  []*ringbuf.RingBuffer
}

func (c *chain) index(tag string) int {
	for i, t := range c.tags {
		if t == tag {
			return i
		}
	}
	return -1
}

func (c *chain) pairs() map[[2]string]*ringbuf.RingBuffer {
	m := make(map[[2]string]*ringbuf.RingBuffer, len(c.rbs))
	for i, rb := range c.rbs {
		m[[2]string{c.tags[i], c.tags[i+1]}] = rb
	}
	return m
}
