// Package mp3 provides an MP3 decoder element producing 16-bit stereo PCM.
package mp3

import (
	"context"
	"errors"
	"io"

	"github.com/hajimehoshi/go-mp3"
	"github.com/latoulicious/audiograph/pkg/element"
	"github.com/latoulicious/audiograph/pkg/event"
	"github.com/latoulicious/audiograph/pkg/logging"
)

// go-mp3 always decodes to interleaved signed 16-bit stereo.
const (
	outChannels = 2
	outBits     = 16
)

type decoder struct {
	dec *mp3.Decoder
}

// NewDecoder creates a decoder element. The stream header is parsed on the
// first Process call, so opening never blocks on the input port.
func NewDecoder(cfg element.Config) (*element.Element, error) {
	cfg.Type = element.TypeProcessor
	return element.New(cfg, &decoder{})
}

func (d *decoder) Open(context.Context, *element.Element) error {
	d.dec = nil
	return nil
}

func (d *decoder) Process(_ context.Context, el *element.Element) error {
	if d.dec == nil {
		dec, err := mp3.NewDecoder(el.Input())
		if err != nil {
			return classify(err)
		}
		d.dec = dec
		el.SetMusicInfo(dec.SampleRate(), outChannels, outBits)
		el.SetCodec(element.CodecMP3)
		if dec.Length() > 0 {
			el.SetTotalBytes(dec.Length())
		}
		el.Logger().Info("Decoding MP3 stream",
			logging.Int("sample_rate", dec.SampleRate()),
			logging.Int64("length", dec.Length()))
		if err := el.ReportInfo(); err != nil && !errors.Is(err, event.ErrDetached) {
			el.Logger().Warn("Failed to report music info", logging.Error(err))
		}
	}

	buf := el.Buffer()
	n, err := d.dec.Read(buf)
	if n > 0 {
		if _, werr := el.Output().Write(buf[:n]); werr != nil {
			return werr
		}
		el.UpdateBytePos(n)
	}
	if err != nil {
		return classify(err)
	}
	return nil
}

func (d *decoder) Close(*element.Element) error {
	d.dec = nil
	return nil
}

// classify maps decoder errors onto the worker's exit conditions. A truncated
// final frame ends the stream like a clean EOF.
func classify(err error) error {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return io.EOF
	case errors.Is(err, element.ErrTerminated):
		return err
	default:
		return element.WithCause(event.StatusErrorProcess, err)
	}
}
