// Package wav provides a WAV decoder element producing signed 16-bit PCM at
// the stream's own sample rate and channel count.
package wav

import (
	"context"
	"errors"
	"io"

	"github.com/faiface/beep"
	"github.com/faiface/beep/wav"
	"github.com/latoulicious/audiograph/pkg/element"
	"github.com/latoulicious/audiograph/pkg/event"
	"github.com/latoulicious/audiograph/pkg/logging"
)

const outPrecision = 2

// decoder parses the RIFF header with beep and then reads the data chunk off
// the input port itself, whole frames at a time.
type decoder struct {
	started   bool
	src       beep.Format
	out       beep.Format
	remaining int64 // bytes left in the data chunk, -1 when unknown
	frame     []byte
	pending   int // bytes of an incomplete frame at the start of frame
}

// NewDecoder creates a WAV decoder element. The RIFF header is parsed on the
// first Process call.
func NewDecoder(cfg element.Config) (*element.Element, error) {
	cfg.Type = element.TypeProcessor
	return element.New(cfg, &decoder{})
}

func (d *decoder) Open(context.Context, *element.Element) error {
	d.started = false
	d.pending = 0
	return nil
}

func (d *decoder) Process(_ context.Context, el *element.Element) error {
	if !d.started {
		if err := d.start(el); err != nil {
			return err
		}
	}
	if d.remaining == 0 {
		return io.EOF
	}

	width := d.src.Width()
	limit := len(d.frame)
	if d.remaining >= 0 && int64(limit-d.pending) > d.remaining {
		limit = d.pending + int(d.remaining)
	}
	need := width - d.pending
	if need > limit-d.pending {
		need = limit - d.pending
	}
	n, rerr := io.ReadAtLeast(el.Input(), d.frame[d.pending:limit], need)
	if d.remaining > 0 {
		d.remaining -= int64(n)
	}

	filled := d.pending + n
	whole := filled - filled%width
	if whole > 0 {
		if err := d.emit(el, d.frame[:whole]); err != nil {
			return err
		}
	}
	d.pending = copy(d.frame, d.frame[whole:filled])

	if rerr != nil {
		// an incomplete last frame is dropped
		return classify(rerr)
	}
	if d.remaining == 0 {
		return io.EOF
	}
	return nil
}

// emit writes whole source frames as signed 16-bit PCM.
func (d *decoder) emit(el *element.Element, frames []byte) error {
	pcm := frames
	if d.src.Precision != outPrecision {
		buf := el.Buffer()
		w := 0
		for r := 0; r < len(frames); {
			var s [2]float64
			var n int
			if d.src.Precision == 1 {
				s, n = d.src.DecodeUnsigned(frames[r:])
			} else {
				s, n = d.src.DecodeSigned(frames[r:])
			}
			r += n
			w += d.out.EncodeSigned(buf[w:], s)
		}
		pcm = buf[:w]
	}
	if _, err := el.Output().Write(pcm); err != nil {
		return err
	}
	el.UpdateBytePos(len(pcm))
	return nil
}

func (d *decoder) start(el *element.Element) error {
	stream, format, err := wav.Decode(el.Input())
	if err != nil {
		return classify(err)
	}
	d.src = format
	d.out = beep.Format{
		SampleRate:  format.SampleRate,
		NumChannels: format.NumChannels,
		Precision:   outPrecision,
	}
	frames := len(el.Buffer()) / d.out.Width()
	if frames == 0 {
		return element.WithCause(event.StatusErrorOpen,
			errors.New("element buffer smaller than one wav frame"))
	}
	d.frame = make([]byte, frames*d.src.Width())
	d.pending = 0
	d.remaining = -1
	if n := dataFrames(stream); n > 0 {
		d.remaining = int64(n) * int64(d.src.Width())
	}
	d.started = true

	el.SetMusicInfo(int(format.SampleRate), format.NumChannels, outPrecision*8)
	el.SetCodec(element.CodecWAV)
	if d.remaining > 0 {
		el.SetTotalBytes(d.remaining / int64(d.src.Width()) * int64(d.out.Width()))
	}
	el.Logger().Info("Decoding WAV stream",
		logging.Int("sample_rate", int(format.SampleRate)),
		logging.Int("channels", format.NumChannels),
		logging.Int("source_bits", format.Precision*8))
	if err := el.ReportInfo(); err != nil && !errors.Is(err, event.ErrDetached) {
		el.Logger().Warn("Failed to report music info", logging.Error(err))
	}
	return nil
}

// dataFrames returns the frame count the header declares, or 0 when the
// header carries no usable frame size.
func dataFrames(s beep.StreamSeekCloser) (n int) {
	defer func() {
		if recover() != nil {
			n = 0
		}
	}()
	return s.Len()
}

func (d *decoder) Close(*element.Element) error {
	d.started = false
	return nil
}

// classify maps decoder errors onto the worker's exit conditions. An input
// that ends inside the header or the last frame finishes the stream.
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
