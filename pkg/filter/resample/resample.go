// Package resample provides a filter element converting signed 16-bit PCM
// between sample rates and channel counts.
package resample

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/faiface/beep"
	"github.com/latoulicious/audiograph/pkg/element"
	"github.com/latoulicious/audiograph/pkg/event"
	"github.com/latoulicious/audiograph/pkg/logging"
)

const precision = 2

// DefaultQuality is the interpolation quality passed to beep.Resample.
const DefaultQuality = 4

// Config describes the conversion. Channel counts are 1 or 2.
type Config struct {
	SrcRate      int
	SrcChannels  int
	DestRate     int
	DestChannels int
	Quality      int
}

// Validate checks the conversion parameters.
func (c Config) Validate() error {
	var errs []error
	if c.SrcRate <= 0 {
		errs = append(errs, fmt.Errorf("source rate must be positive, got %d", c.SrcRate))
	}
	if c.DestRate <= 0 {
		errs = append(errs, fmt.Errorf("destination rate must be positive, got %d", c.DestRate))
	}
	if c.SrcChannels != 1 && c.SrcChannels != 2 {
		errs = append(errs, fmt.Errorf("source channels must be 1 or 2, got %d", c.SrcChannels))
	}
	if c.DestChannels != 1 && c.DestChannels != 2 {
		errs = append(errs, fmt.Errorf("destination channels must be 1 or 2, got %d", c.DestChannels))
	}
	if c.Quality < 1 || c.Quality > 64 {
		errs = append(errs, fmt.Errorf("quality must be within [1, 64], got %d", c.Quality))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %v", element.ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

type filter struct {
	mu      sync.Mutex
	cfg     Config
	pending *Config

	in      *portStreamer
	out     beep.Format
	stream  beep.Streamer
	samples [][2]float64
}

// New creates a resample filter. A zero Quality selects DefaultQuality.
func New(cfg element.Config, rc Config) (*element.Element, error) {
	if rc.Quality == 0 {
		rc.Quality = DefaultQuality
	}
	if err := rc.Validate(); err != nil {
		return nil, err
	}
	cfg.Type = element.TypeProcessor
	cfg.Info.SampleRate = rc.DestRate
	cfg.Info.Channels = rc.DestChannels
	cfg.Info.Bits = precision * 8
	cfg.Info.Codec = element.CodecPCM
	return element.New(cfg, &filter{cfg: rc})
}

// SetSourceInfo changes the expected input format. It takes effect the next
// time the element is run, which is how a pipeline switching between decoders
// with different rates reuses one filter.
func SetSourceInfo(el *element.Element, rate, channels int) error {
	f, ok := el.Processor().(*filter)
	if !ok {
		return fmt.Errorf("%w: %q is not a resample filter", element.ErrInvalidConfig, el.Tag())
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	next := f.cfg
	if f.pending != nil {
		next = *f.pending
	}
	next.SrcRate = rate
	next.SrcChannels = channels
	if err := next.Validate(); err != nil {
		return err
	}
	if el.IsAlive() {
		return fmt.Errorf("%w: cannot change source of running filter %q", element.ErrInvalidState, el.Tag())
	}
	f.pending = &next
	return nil
}

func (f *filter) Open(_ context.Context, el *element.Element) error {
	f.mu.Lock()
	if f.pending != nil {
		f.cfg = *f.pending
		f.pending = nil
	}
	f.mu.Unlock()
	src := beep.Format{
		SampleRate:  beep.SampleRate(f.cfg.SrcRate),
		NumChannels: f.cfg.SrcChannels,
		Precision:   precision,
	}
	f.out = beep.Format{
		SampleRate:  beep.SampleRate(f.cfg.DestRate),
		NumChannels: f.cfg.DestChannels,
		Precision:   precision,
	}
	frames := len(el.Buffer()) / f.out.Width()
	if frames == 0 {
		return fmt.Errorf("%w: buffer of %q holds no output frame", element.ErrResource, el.Tag())
	}
	f.samples = make([][2]float64, frames)
	f.in = &portStreamer{r: el.Input(), format: src}
	f.stream = f.in
	if f.cfg.SrcRate != f.cfg.DestRate {
		f.stream = beep.Resample(f.cfg.Quality, src.SampleRate, f.out.SampleRate, f.in)
	}

	el.SetMusicInfo(f.cfg.DestRate, f.cfg.DestChannels, precision*8)
	el.Logger().Debug("Resampler configured",
		logging.Int("src_rate", f.cfg.SrcRate),
		logging.Int("src_channels", f.cfg.SrcChannels),
		logging.Int("dest_rate", f.cfg.DestRate),
		logging.Int("dest_channels", f.cfg.DestChannels))
	return nil
}

func (f *filter) Process(_ context.Context, el *element.Element) error {
	n, ok := f.stream.Stream(f.samples)
	if n > 0 {
		buf := el.Buffer()
		w := 0
		for _, s := range f.samples[:n] {
			w += f.out.EncodeSigned(buf[w:], s)
		}
		if _, err := el.Output().Write(buf[:w]); err != nil {
			return err
		}
		el.UpdateBytePos(w)
	}
	if ok {
		return nil
	}
	err := f.in.err
	switch {
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return io.EOF
	case errors.Is(err, element.ErrTerminated):
		return err
	default:
		return element.WithCause(event.StatusErrorProcess, err)
	}
}

func (f *filter) Close(*element.Element) error {
	f.in, f.stream = nil, nil
	return nil
}

// portStreamer decodes interleaved PCM read from an element port into beep
// samples. Bytes of an incomplete frame are kept for the next call.
type portStreamer struct {
	r      io.Reader
	format beep.Format
	buf    []byte
	carry  int
	err    error
}

func (s *portStreamer) Stream(samples [][2]float64) (int, bool) {
	if s.err != nil || len(samples) == 0 {
		return 0, false
	}
	width := s.format.Width()
	need := len(samples) * width
	if len(s.buf) < need {
		grown := make([]byte, need)
		copy(grown, s.buf[:s.carry])
		s.buf = grown
	}

	n, err := io.ReadAtLeast(s.r, s.buf[s.carry:need], width-s.carry)
	total := s.carry + n
	frames := total / width
	for i := 0; i < frames; i++ {
		samples[i], _ = s.format.DecodeSigned(s.buf[i*width:])
	}
	s.carry = copy(s.buf, s.buf[frames*width:total])
	if err != nil {
		s.err = err
		return frames, frames > 0
	}
	return frames, true
}

func (s *portStreamer) Err() error {
	if errors.Is(s.err, io.EOF) || errors.Is(s.err, io.ErrUnexpectedEOF) {
		return nil
	}
	return s.err
}
