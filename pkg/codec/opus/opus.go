// Package opus provides an encoder element turning signed 16-bit PCM into
// Opus packets.
//
// Packets leave the element framed with a little-endian uint16 length prefix,
// the layout DCA files use, so a downstream element can recover packet
// boundaries from the byte stream. ReadPacket and WritePacket implement the
// framing.
package opus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/latoulicious/audiograph/pkg/element"
	"github.com/latoulicious/audiograph/pkg/event"
	"github.com/latoulicious/audiograph/pkg/logging"
	"layeh.com/gopus"
)

// MaxPacketSize bounds an encoded packet.
const MaxPacketSize = 4000

// Config holds the encoder parameters. Discord voice expects the defaults.
type Config struct {
	SampleRate int `envconfig:"SAMPLE_RATE"`
	Channels   int `envconfig:"CHANNELS"`
	FrameSize  int `envconfig:"FRAME_SIZE"`
	Bitrate    int `envconfig:"BITRATE"`
}

// DefaultConfig returns 20 ms stereo frames at 48 kHz and 128 kbit/s.
func DefaultConfig() Config {
	return Config{
		SampleRate: 48000,
		Channels:   2,
		FrameSize:  960,
		Bitrate:    128000,
	}
}

func (c Config) Validate() error {
	switch c.SampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return fmt.Errorf("%w: unsupported opus sample rate %d", element.ErrInvalidConfig, c.SampleRate)
	}
	if c.Channels != 1 && c.Channels != 2 {
		return fmt.Errorf("%w: channels must be 1 or 2, got %d", element.ErrInvalidConfig, c.Channels)
	}
	if c.FrameSize <= 0 {
		return fmt.Errorf("%w: frame size must be positive", element.ErrInvalidConfig)
	}
	if c.Bitrate <= 0 {
		return fmt.Errorf("%w: bitrate must be positive", element.ErrInvalidConfig)
	}
	return nil
}

// FrameBytes is the PCM byte count of one frame.
func (c Config) FrameBytes() int {
	return c.FrameSize * c.Channels * 2
}

// Encoder is the part of *gopus.Encoder the element uses.
type Encoder interface {
	Encode(pcm []int16, frameSize, maxDataBytes int) ([]byte, error)
}

// NewEncoderFunc creates an Encoder for cfg.
type NewEncoderFunc func(cfg Config) (Encoder, error)

// NewGopusEncoder creates a libopus encoder tuned for music.
func NewGopusEncoder(cfg Config) (Encoder, error) {
	enc, err := gopus.NewEncoder(cfg.SampleRate, cfg.Channels, gopus.Audio)
	if err != nil {
		return nil, err
	}
	enc.SetBitrate(cfg.Bitrate)
	return enc, nil
}

// Option customizes the encoder element.
type Option func(*encoder)

// WithEncoder replaces the libopus encoder.
func WithEncoder(fn NewEncoderFunc) Option {
	return func(e *encoder) { e.newEncoder = fn }
}

type encoder struct {
	cfg        Config
	newEncoder NewEncoderFunc
	enc        Encoder
	pcm        []byte
	samples    []int16
	packet     []byte
	frames     int
}

// NewElement creates an encoder element.
func NewElement(cfg element.Config, oc Config, opts ...Option) (*element.Element, error) {
	if err := oc.Validate(); err != nil {
		return nil, err
	}
	e := &encoder{cfg: oc, newEncoder: NewGopusEncoder}
	for _, opt := range opts {
		opt(e)
	}
	cfg.Type = element.TypeProcessor
	cfg.Info.SampleRate = oc.SampleRate
	cfg.Info.Channels = oc.Channels
	cfg.Info.Bits = 16
	cfg.Info.Bitrate = oc.Bitrate
	return element.New(cfg, e)
}

func (e *encoder) Open(_ context.Context, el *element.Element) error {
	enc, err := e.newEncoder(e.cfg)
	if err != nil {
		return fmt.Errorf("failed to create opus encoder: %w", err)
	}
	e.enc = enc
	e.pcm = make([]byte, e.cfg.FrameBytes())
	e.samples = make([]int16, e.cfg.FrameSize*e.cfg.Channels)
	e.packet = make([]byte, 2+MaxPacketSize)
	e.frames = 0
	return nil
}

// Process encodes one frame. A short final frame is padded with silence.
func (e *encoder) Process(_ context.Context, el *element.Element) error {
	n, err := io.ReadFull(el.Input(), e.pcm)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		clear(e.pcm[n:])
		err = io.EOF
	}
	if n == 0 {
		return err
	}
	for i := range e.samples {
		e.samples[i] = int16(binary.LittleEndian.Uint16(e.pcm[2*i:]))
	}
	data, eerr := e.enc.Encode(e.samples, e.cfg.FrameSize, MaxPacketSize)
	if eerr != nil {
		return element.WithCause(event.StatusErrorProcess, eerr)
	}
	if _, werr := el.Output().Write(frame(e.packet, data)); werr != nil {
		return werr
	}
	el.UpdateBytePos(n)
	e.frames++
	if e.frames%500 == 0 {
		el.Logger().Debug("Encoded opus frames", logging.Int("frames", e.frames))
	}
	return err
}

func (e *encoder) Close(*element.Element) error {
	e.enc = nil
	return nil
}

func frame(dst, packet []byte) []byte {
	binary.LittleEndian.PutUint16(dst, uint16(len(packet)))
	return append(dst[:2], packet...)
}

// WritePacket writes one length-prefixed packet to w.
func WritePacket(w io.Writer, packet []byte) error {
	if len(packet) > MaxPacketSize {
		return fmt.Errorf("opus packet of %d bytes exceeds %d", len(packet), MaxPacketSize)
	}
	_, err := w.Write(frame(make([]byte, 2, 2+len(packet)), packet))
	return err
}

// ReadPacket reads one length-prefixed packet from r into buf, which must
// hold MaxPacketSize bytes. It returns io.EOF only between packets.
func ReadPacket(r io.Reader, buf []byte) ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	size := int(binary.LittleEndian.Uint16(hdr[:]))
	if size > len(buf) {
		return nil, fmt.Errorf("opus packet of %d bytes exceeds buffer of %d", size, len(buf))
	}
	if _, err := io.ReadFull(r, buf[:size]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf[:size], nil
}
