package element

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/latoulicious/audiograph/pkg/event"
	"github.com/latoulicious/audiograph/pkg/logging"
	"github.com/latoulicious/audiograph/pkg/ringbuf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func upper(in []byte) ([]byte, error) {
	return bytes.ToUpper(in), nil
}

func newTestElement(t *testing.T, typ Type, proc Processor) *Element {
	t.Helper()
	el, err := New(Config{
		Type:           typ,
		Tag:            "el",
		BufferSize:     8,
		ControlTimeout: time.Second,
		Logger:         logging.FromZap(zaptest.NewLogger(t)),
	}, proc)
	require.NoError(t, err)
	return el
}

func newRing(t *testing.T, size int) *ringbuf.RingBuffer {
	t.Helper()
	rb, err := ringbuf.New(size)
	require.NoError(t, err)
	return rb
}

func drain(t *testing.T, rb *ringbuf.RingBuffer) []byte {
	t.Helper()
	var out []byte
	buf := make([]byte, 16)
	for {
		n, err := rb.Read(buf, 2*time.Second)
		out = append(out, buf[:n]...)
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
	}
}

func nextStatus(t *testing.T, bus *event.Bus) event.Message {
	t.Helper()
	for {
		msg, err := bus.Listen(2 * time.Second)
		require.NoError(t, err)
		if msg.Cmd == event.CmdReportStatus {
			return msg
		}
	}
}

func waitState(t *testing.T, el *Element, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return el.State() == want }, 2*time.Second, time.Millisecond,
		"element state %s, want %s", el.State(), want)
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(Config{BufferSize: ringbuf.MaxSize + 1}, TransformFunc(upper))
	assert.ErrorIs(t, err, ErrResource)

	_, err = New(Config{OutputBufferSize: -1}, TransformFunc(upper))
	assert.ErrorIs(t, err, ErrResource)

	el, err := New(Config{Tag: "dec", OutputBufferSize: 1024}, TransformFunc(upper))
	require.NoError(t, err)
	assert.Equal(t, StateInit, el.State())
	assert.Equal(t, "dec", el.Tag())
	assert.Equal(t, 1024, el.OutputBufferSize())
	assert.Len(t, el.Buffer(), DefaultBufferSize)
}

type uriRecorder struct {
	TransformFunc
	uris []string
}

func (u *uriRecorder) SetURI(_ *Element, uri string) error {
	u.uris = append(u.uris, uri)
	return nil
}

func TestSetURI(t *testing.T) {
	proc := newTestElement(t, TypeProcessor, TransformFunc(upper))
	assert.ErrorIs(t, proc.SetURI("file://a.mp3"), ErrInvalidState)

	rec := &uriRecorder{TransformFunc: upper}
	reader := newTestElement(t, TypeReader, rec)
	require.NoError(t, reader.SetURI("file://a.mp3"))
	assert.Equal(t, "file://a.mp3", reader.URI())
	assert.Equal(t, []string{"file://a.mp3"}, rec.uris)

	require.NoError(t, reader.Run())
	waitState(t, reader, StateRunning)
	assert.ErrorIs(t, reader.SetURI("file://b.mp3"), ErrInvalidState)
	require.NoError(t, reader.Terminate())
	assert.Equal(t, "file://a.mp3", reader.URI())
}

func TestTransformRunsToFinish(t *testing.T) {
	bus := event.New(event.DefaultConfig())
	el := newTestElement(t, TypeProcessor, TransformFunc(upper))
	bus.Attach(el)

	in, out := newRing(t, 4), newRing(t, 4)
	el.SetInputRingBuffer(in)
	el.SetOutputRingBuffer(out)

	require.NoError(t, el.Run())
	assert.Equal(t, event.StatusStateRunning, nextStatus(t, bus).Status)

	go func() {
		_, _ = in.Write([]byte("hello pipeline"), ringbuf.Forever)
		in.Close()
	}()

	assert.Equal(t, "HELLO PIPELINE", string(drain(t, out)))
	require.NoError(t, el.WaitForStop(context.Background()))
	assert.Equal(t, StateFinished, el.State())
	assert.True(t, out.IsClosed())

	msg := nextStatus(t, bus)
	assert.Equal(t, event.StatusStateFinished, msg.Status)
	assert.Equal(t, "el", msg.SourceID)
}

func TestPauseResume(t *testing.T) {
	bus := event.New(event.DefaultConfig())
	el := newTestElement(t, TypeProcessor, TransformFunc(upper))
	bus.Attach(el)
	in, out := newRing(t, 64), newRing(t, 64)
	el.SetInputRingBuffer(in)
	el.SetOutputRingBuffer(out)

	require.NoError(t, el.Run())
	require.NoError(t, el.Pause())
	assert.Equal(t, StatePaused, el.State())
	assert.Same(t, in, el.InputRingBuffer())

	_, err := in.Write([]byte("abc"), 0)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, out.Filled(), "paused element must not process")

	require.NoError(t, el.Resume())
	assert.Equal(t, StateRunning, el.State())

	buf := make([]byte, 8)
	n, err := out.Read(buf, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ABC", string(buf[:n]))

	statuses := []event.Status{}
	for bus.Len() > 0 {
		msg, _ := bus.Listen(0)
		statuses = append(statuses, msg.Status)
	}
	assert.Equal(t, []event.Status{event.StatusStateRunning, event.StatusStatePaused, event.StatusStateRunning}, statuses)

	require.NoError(t, el.Terminate())
}

func TestIdleWorkerAcknowledgesEveryPause(t *testing.T) {
	el, err := New(Config{
		Type:           TypeProcessor,
		Tag:            "idle",
		BufferSize:     8,
		ControlTimeout: 200 * time.Millisecond,
	}, TransformFunc(upper))
	require.NoError(t, err)
	el.SetInputRingBuffer(newRing(t, 8))
	el.SetOutputRingBuffer(newRing(t, 8))

	require.NoError(t, el.Run())
	defer el.Terminate()
	waitState(t, el, StateRunning)

	// the worker re-enters its blocked read after every resume; a pause
	// arriving in between must still reach it
	for i := 0; i < 20000; i++ {
		require.NoError(t, el.Pause(), "iteration %d", i)
		require.Equal(t, StatePaused, el.State(), "iteration %d", i)
		require.NoError(t, el.Resume(), "iteration %d", i)
	}
}

func TestTerminateBlockedWorker(t *testing.T) {
	el := newTestElement(t, TypeProcessor, TransformFunc(upper))
	el.SetInputRingBuffer(newRing(t, 4))

	require.NoError(t, el.Run())
	waitState(t, el, StateRunning)
	assert.ErrorIs(t, el.Deinit(), ErrInvalidState)

	require.NoError(t, el.Terminate())
	assert.Equal(t, StateStopped, el.State())
	assert.False(t, el.IsAlive())
	assert.NotNil(t, el.InputRingBuffer(), "terminate leaves bindings")

	require.NoError(t, el.Deinit())
	assert.ErrorIs(t, el.Run(), ErrInvalidState)
}

func TestTerminatePausedWorker(t *testing.T) {
	el := newTestElement(t, TypeProcessor, TransformFunc(upper))
	require.NoError(t, el.Run())
	require.NoError(t, el.Pause())
	require.NoError(t, el.Terminate())
	assert.Equal(t, StateStopped, el.State())
}

func TestProcessErrorReportsCause(t *testing.T) {
	bus := event.New(event.DefaultConfig())
	cause := errors.New("corrupt frame")
	el := newTestElement(t, TypeProcessor, TransformFunc(func([]byte) ([]byte, error) {
		return nil, cause
	}))
	bus.Attach(el)
	in := newRing(t, 4)
	el.SetInputRingBuffer(in)
	el.SetOutputRingBuffer(newRing(t, 4))

	require.NoError(t, el.Run())
	_, err := in.Write([]byte("x"), 0)
	require.NoError(t, err)
	require.NoError(t, el.WaitForStop(context.Background()))

	assert.Equal(t, StateError, el.State())
	nextStatus(t, bus)
	msg := nextStatus(t, bus)
	assert.Equal(t, event.StatusErrorProcess, msg.Status)
	assert.ErrorIs(t, msg.Err, cause)
	assert.True(t, msg.IsError())
}

type failingOpen struct{ TransformFunc }

func (failingOpen) Open(context.Context, *Element) error { return errors.New("no such file") }

func TestOpenErrorReportsCause(t *testing.T) {
	bus := event.New(event.DefaultConfig())
	el := newTestElement(t, TypeReader, failingOpen{})
	bus.Attach(el)

	require.NoError(t, el.Run())
	require.NoError(t, el.WaitForStop(context.Background()))
	assert.Equal(t, StateError, el.State())

	nextStatus(t, bus)
	assert.Equal(t, event.StatusErrorOpen, nextStatus(t, bus).Status)
}

func TestPanicIsRecovered(t *testing.T) {
	el := newTestElement(t, TypeProcessor, TransformFunc(func([]byte) ([]byte, error) {
		panic("boom")
	}))
	in := newRing(t, 4)
	el.SetInputRingBuffer(in)
	require.NoError(t, el.Run())
	_, err := in.Write([]byte("x"), 0)
	require.NoError(t, err)
	require.NoError(t, el.WaitForStop(context.Background()))
	assert.Equal(t, StateError, el.State())
}

func TestPortFollowsRebinding(t *testing.T) {
	el := newTestElement(t, TypeProcessor, TransformFunc(upper))
	out := newRing(t, 16)
	el.SetOutputRingBuffer(out)

	// unbound input: the worker waits for a binding
	require.NoError(t, el.Run())
	time.Sleep(10 * time.Millisecond)

	first := newRing(t, 16)
	el.SetInputRingBuffer(first)
	_, err := first.Write([]byte("ab"), 0)
	require.NoError(t, err)

	buf := make([]byte, 8)
	n, err := out.Read(buf, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "AB", string(buf[:n]))

	// closing a buffer that is no longer bound does not finish the element
	second := newRing(t, 16)
	el.SetInputRingBuffer(second)
	first.Close()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, StateRunning, el.State())

	_, err = second.Write([]byte("cd"), 0)
	require.NoError(t, err)
	n, err = out.Read(buf, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "CD", string(buf[:n]))

	second.Close()
	require.NoError(t, el.WaitForStop(context.Background()))
	assert.Equal(t, StateFinished, el.State())
}

func TestRunAgainAfterFinish(t *testing.T) {
	el := newTestElement(t, TypeProcessor, TransformFunc(upper))
	in, out := newRing(t, 8), newRing(t, 8)
	el.SetInputRingBuffer(in)
	el.SetOutputRingBuffer(out)
	in.Close()

	require.NoError(t, el.Run())
	require.NoError(t, el.WaitForStop(context.Background()))
	assert.Equal(t, StateFinished, el.State())

	in.Reset()
	out.Reset()
	require.NoError(t, el.ResetState())
	assert.Equal(t, StateIdle, el.State())

	require.NoError(t, el.Run())
	require.NoError(t, el.Run())
	_, err := in.Write([]byte("z"), 0)
	require.NoError(t, err)
	in.Close()
	assert.Equal(t, "Z", string(drain(t, out)))
	require.NoError(t, el.WaitForStop(context.Background()))
}

func TestInfoReporting(t *testing.T) {
	bus := event.New(event.DefaultConfig())
	el := newTestElement(t, TypeProcessor, TransformFunc(upper))
	assert.ErrorIs(t, el.ReportInfo(), event.ErrDetached)

	bus.Attach(el)
	el.SetMusicInfo(44100, 2, 16)
	el.SetCodec(CodecMP3)
	el.UpdateBytePos(100)
	el.UpdateBytePos(28)
	require.NoError(t, el.ReportInfo())
	require.NoError(t, el.ReportPosition())

	msg, err := bus.Listen(0)
	require.NoError(t, err)
	assert.Equal(t, event.CmdReportMusicInfo, msg.Cmd)
	info := msg.Data.(Info)
	assert.Equal(t, 44100, info.SampleRate)
	assert.Equal(t, CodecMP3, info.Codec)
	assert.Equal(t, 176400, info.BytesPerSecond())

	msg, err = bus.Listen(0)
	require.NoError(t, err)
	assert.Equal(t, event.CmdReportPosition, msg.Cmd)
	assert.EqualValues(t, 128, msg.Data.(Info).BytePos)
}
