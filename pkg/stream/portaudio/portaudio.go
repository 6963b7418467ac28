// Package portaudio provides a writer element playing signed 16-bit PCM on
// the default output device.
package portaudio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/gordonklaus/portaudio"
	"github.com/latoulicious/audiograph/pkg/element"
	"github.com/latoulicious/audiograph/pkg/event"
	"github.com/latoulicious/audiograph/pkg/logging"
)

// Config holds the device parameters.
type Config struct {
	SampleRate      float64 `envconfig:"SAMPLE_RATE"`
	Channels        int     `envconfig:"CHANNELS"`
	FramesPerBuffer int     `envconfig:"FRAMES_PER_BUFFER"`
}

// DefaultConfig returns 48 kHz stereo with 300 frame device buffers.
func DefaultConfig() Config {
	return Config{
		SampleRate:      48000,
		Channels:        2,
		FramesPerBuffer: 300,
	}
}

func (c Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("%w: sample rate must be positive", element.ErrInvalidConfig)
	}
	if c.Channels <= 0 {
		return fmt.Errorf("%w: channels must be positive", element.ErrInvalidConfig)
	}
	if c.FramesPerBuffer <= 0 {
		return fmt.Errorf("%w: frames per buffer must be positive", element.ErrInvalidConfig)
	}
	return nil
}

// Stream is the part of *portaudio.Stream the writer drives. Write plays the
// buffer the stream was opened with.
type Stream interface {
	Start() error
	Write() error
	Stop() error
	Close() error
}

// Opener opens an output stream bound to buf.
type Opener func(cfg Config, buf []int16) (Stream, error)

// OpenDefault initializes PortAudio and opens the default output device.
func OpenDefault(cfg Config, buf []int16) (Stream, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, err
	}
	s, err := portaudio.OpenDefaultStream(0, cfg.Channels, cfg.SampleRate, cfg.FramesPerBuffer, buf)
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}
	return &device{Stream: s}, nil
}

type device struct {
	*portaudio.Stream
}

func (d *device) Close() error {
	err := d.Stream.Close()
	if terr := portaudio.Terminate(); err == nil {
		err = terr
	}
	return err
}

type writer struct {
	cfg     Config
	open    Opener
	stream  Stream
	samples []int16
	raw     []byte
}

// Option customizes the writer.
type Option func(*writer)

// WithOpener replaces the device opener.
func WithOpener(open Opener) Option {
	return func(w *writer) { w.open = open }
}

// NewWriter creates an output element. The element Info advertises the
// device format so upstream filters can be configured from it.
func NewWriter(cfg element.Config, pc Config, opts ...Option) (*element.Element, error) {
	if err := pc.Validate(); err != nil {
		return nil, err
	}
	w := &writer{cfg: pc, open: OpenDefault}
	for _, opt := range opts {
		opt(w)
	}
	cfg.Type = element.TypeWriter
	cfg.Info.SampleRate = int(pc.SampleRate)
	cfg.Info.Channels = pc.Channels
	cfg.Info.Bits = 16
	cfg.Info.Codec = element.CodecPCM
	return element.New(cfg, w)
}

func (w *writer) Open(_ context.Context, el *element.Element) error {
	w.samples = make([]int16, w.cfg.FramesPerBuffer*w.cfg.Channels)
	w.raw = make([]byte, len(w.samples)*2)
	s, err := w.open(w.cfg, w.samples)
	if err != nil {
		return fmt.Errorf("failed to open output device: %w", err)
	}
	if err := s.Start(); err != nil {
		s.Close()
		return fmt.Errorf("failed to start output device: %w", err)
	}
	w.stream = s
	el.Logger().Info("Output device started",
		logging.Float64("sample_rate", w.cfg.SampleRate),
		logging.Int("channels", w.cfg.Channels),
		logging.Int("frames_per_buffer", w.cfg.FramesPerBuffer))
	return nil
}

// Process plays one device buffer. A short final chunk is padded with
// silence.
func (w *writer) Process(_ context.Context, el *element.Element) error {
	n, err := io.ReadFull(el.Input(), w.raw)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		clear(w.raw[n:])
		err = io.EOF
	}
	if n == 0 {
		return err
	}
	for i := range w.samples {
		w.samples[i] = int16(binary.LittleEndian.Uint16(w.raw[2*i:]))
	}
	if werr := w.stream.Write(); werr != nil {
		if !errors.Is(werr, portaudio.OutputUnderflowed) {
			return element.WithCause(event.StatusErrorOutput, werr)
		}
		el.Logger().Debug("Output underflow")
	}
	el.UpdateBytePos(n)
	return err
}

func (w *writer) Close(*element.Element) error {
	if w.stream == nil {
		return nil
	}
	s := w.stream
	w.stream = nil
	serr := s.Stop()
	if err := s.Close(); err != nil {
		return err
	}
	return serr
}
