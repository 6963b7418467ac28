package mp3

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/latoulicious/audiograph/pkg/element"
	"github.com/latoulicious/audiograph/pkg/event"
	"github.com/latoulicious/audiograph/pkg/ringbuf"
	"github.com/latoulicious/audiograph/pkg/stream/raw"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MPEG-1 Layer III, 128 kbit/s, 44.1 kHz, stereo, no CRC, no padding.
var frameHeader = []byte{0xff, 0xfb, 0x90, 0x00}

const (
	frameSize    = 417
	pcmPerFrame  = 1152 * 4
	silentFrames = 10
)

// silence builds frames with zeroed side info and main data, which decode to
// digital silence.
func silence(frames int) []byte {
	var b bytes.Buffer
	for i := 0; i < frames; i++ {
		frame := make([]byte, frameSize)
		copy(frame, frameHeader)
		b.Write(frame)
	}
	return b.Bytes()
}

func decode(t *testing.T, input []byte) (*element.Element, *raw.Buffer, *event.Bus) {
	t.Helper()
	dec, err := NewDecoder(element.Config{Tag: "mp3"})
	require.NoError(t, err)
	var sink raw.Buffer
	out, err := raw.NewWriter(element.Config{Tag: "out"}, &sink)
	require.NoError(t, err)

	in, err := ringbuf.New(len(input) + 1)
	require.NoError(t, err)
	_, err = in.Write(input, 0)
	require.NoError(t, err)
	in.Close()
	pcm, err := ringbuf.New(8192)
	require.NoError(t, err)

	dec.SetInputRingBuffer(in)
	dec.SetOutputRingBuffer(pcm)
	out.SetInputRingBuffer(pcm)

	bus := event.New(event.DefaultConfig())
	bus.Attach(dec)

	require.NoError(t, out.Run())
	require.NoError(t, dec.Run())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, dec.WaitForStop(ctx))
	require.NoError(t, out.WaitForStop(ctx))
	return dec, &sink, bus
}

func TestDecodeSilentFrames(t *testing.T) {
	dec, sink, bus := decode(t, silence(silentFrames))

	assert.Equal(t, element.StateFinished, dec.State())
	info := dec.Info()
	assert.Equal(t, 44100, info.SampleRate)
	assert.Equal(t, 2, info.Channels)
	assert.Equal(t, 16, info.Bits)
	assert.Equal(t, element.CodecMP3, info.Codec)

	pcm := sink.Bytes()
	require.NotEmpty(t, pcm)
	assert.Zero(t, len(pcm)%pcmPerFrame)
	assert.LessOrEqual(t, len(pcm), silentFrames*pcmPerFrame)
	assert.Equal(t, make([]byte, len(pcm)), pcm)
	assert.EqualValues(t, len(pcm), info.BytePos)

	var reported bool
	for bus.Len() > 0 {
		msg, err := bus.Listen(0)
		require.NoError(t, err)
		assert.Equal(t, "mp3", msg.SourceID)
		if msg.Cmd == event.CmdReportMusicInfo {
			reported = true
			assert.Equal(t, 44100, msg.Data.(element.Info).SampleRate)
		}
	}
	assert.True(t, reported, "music info was not reported")
}

func TestEmptyInputFinishes(t *testing.T) {
	dec, sink, _ := decode(t, nil)
	assert.Equal(t, element.StateFinished, dec.State())
	assert.Zero(t, sink.Len())
}
