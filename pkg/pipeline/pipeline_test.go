package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/latoulicious/audiograph/pkg/element"
	"github.com/latoulicious/audiograph/pkg/event"
	"github.com/latoulicious/audiograph/pkg/logging"
	"github.com/latoulicious/audiograph/pkg/metrics"
	"github.com/latoulicious/audiograph/pkg/ringbuf"
	"github.com/latoulicious/audiograph/pkg/stream/raw"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func identity(in []byte) ([]byte, error) { return in, nil }

func upper(in []byte) ([]byte, error) { return bytes.ToUpper(in), nil }

func xor(in []byte) ([]byte, error) {
	out := make([]byte, len(in))
	for i, b := range in {
		out[i] = b ^ 0x5a
	}
	return out, nil
}

func newPipeline(t *testing.T) *Pipeline {
	t.Helper()
	cfg := DefaultConfig()
	cfg.RingBufferSize = 64
	p, err := New(cfg, logging.FromZap(zaptest.NewLogger(t)))
	require.NoError(t, err)
	return p
}

func newTransform(t *testing.T, p *Pipeline, tag string, f element.TransformFunc) *element.Element {
	t.Helper()
	el, err := element.New(element.Config{
		Tag:            tag,
		BufferSize:     16,
		ControlTimeout: 2 * time.Second,
	}, f)
	require.NoError(t, err)
	if p != nil {
		require.NoError(t, p.Register(el, tag))
	}
	return el
}

func newSink(t *testing.T, p *Pipeline, tag string) (*element.Element, *raw.Buffer) {
	t.Helper()
	var buf raw.Buffer
	el, err := raw.NewWriter(element.Config{Tag: tag, BufferSize: 16, ControlTimeout: 2 * time.Second}, &buf)
	require.NoError(t, err)
	require.NoError(t, p.Register(el, tag))
	return el, &buf
}

// feed binds a client-owned ring buffer as the head's input.
func feed(t *testing.T, head *element.Element) *ringbuf.RingBuffer {
	t.Helper()
	rb, err := ringbuf.New(256)
	require.NoError(t, err)
	head.SetInputRingBuffer(rb)
	return rb
}

func pattern(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte('a' + i%26)
	}
	return out
}

func waitFor(t *testing.T, ctx context.Context, p *Pipeline) {
	t.Helper()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, p.WaitForStop(ctx))
}

func TestRegister(t *testing.T) {
	p := newPipeline(t)
	a := newTransform(t, p, "a", identity)

	assert.ErrorIs(t, p.Register(newTransform(t, nil, "x", identity), "a"), ErrDuplicateTag)
	assert.ErrorIs(t, p.Register(a, "other"), ErrDuplicateTag)
	assert.ErrorIs(t, p.Register(newTransform(t, nil, "", identity), ""), ErrInvalidTag)

	b := newTransform(t, nil, "b", identity)
	require.NoError(t, p.Register(b, ""))
	assert.Equal(t, []string{"a", "b"}, p.Tags())

	got, ok := p.Element("b")
	require.True(t, ok)
	assert.Same(t, b, got)
	_, ok = p.Element("missing")
	assert.False(t, ok)
}

func TestLinkValidation(t *testing.T) {
	p := newPipeline(t)
	newTransform(t, p, "a", identity)
	newTransform(t, p, "b", identity)
	newTransform(t, p, "c", identity)

	assert.ErrorIs(t, p.Link(), ErrEmptyLink)
	assert.ErrorIs(t, p.Link("a", "missing"), ErrUnknownTag)
	assert.ErrorIs(t, p.Link("a", "b", "a"), ErrAlreadyLinked)
	assert.Empty(t, p.Chains())

	require.NoError(t, p.Link("a", "b"))
	assert.ErrorIs(t, p.Link("b", "c"), ErrAlreadyLinked)
	assert.Equal(t, [][]string{{"a", "b"}}, p.Chains())
	assert.True(t, p.IsLinked("a"))
	assert.False(t, p.IsLinked("c"))
}

func TestLinkBindsRingBuffers(t *testing.T) {
	p := newPipeline(t)
	a := newTransform(t, p, "a", identity)
	b, err := element.New(element.Config{Tag: "b", OutputBufferSize: 512}, element.TransformFunc(identity))
	require.NoError(t, err)
	require.NoError(t, p.Register(b, "b"))
	c := newTransform(t, p, "c", identity)

	require.NoError(t, p.Link("a", "b", "c"))

	require.NotNil(t, a.OutputRingBuffer())
	assert.Nil(t, a.InputRingBuffer())
	assert.Same(t, a.OutputRingBuffer(), b.InputRingBuffer())
	assert.Same(t, b.OutputRingBuffer(), c.InputRingBuffer())
	assert.Nil(t, c.OutputRingBuffer())

	assert.Equal(t, 64, a.OutputRingBuffer().Size())
	assert.Equal(t, 512, b.OutputRingBuffer().Size())
}

type hugeOutput struct{ *element.Element }

func (hugeOutput) OutputBufferSize() int { return ringbuf.MaxSize + 1 }

func TestLinkAllocationFailureLeavesGraphUntouched(t *testing.T) {
	p := newPipeline(t)
	a := newTransform(t, p, "a", identity)
	huge := hugeOutput{newTransform(t, nil, "huge", identity)}
	require.NoError(t, p.Register(huge, "huge"))
	newTransform(t, p, "c", identity)

	err := p.Link("a", "huge", "c")
	assert.ErrorIs(t, err, ringbuf.ErrResource)
	assert.Empty(t, p.Chains())
	assert.Nil(t, a.OutputRingBuffer())

	require.NoError(t, p.Link("a", "huge"))
}

func TestUnregisterIsAllOrNothing(t *testing.T) {
	p := newPipeline(t)
	a := newTransform(t, p, "a", identity)
	b := newTransform(t, p, "b", identity)
	c := newTransform(t, p, "c", identity)
	stranger := newTransform(t, nil, "stranger", identity)

	require.NoError(t, p.Link("a", "b"))

	assert.ErrorIs(t, p.Unregister(c, a), ErrInvalidState)
	assert.ErrorIs(t, p.Unregister(c, stranger), ErrUnknownTag)
	assert.Equal(t, []string{"a", "b", "c"}, p.Tags())

	require.NoError(t, p.Breakup(a))
	require.NoError(t, p.Unregister(a, b, c))
	assert.Empty(t, p.Tags())
}

func TestBreakupUnlinkedIsNoop(t *testing.T) {
	p := newPipeline(t)
	a := newTransform(t, p, "a", identity)
	require.NoError(t, p.Breakup(a))
	assert.ErrorIs(t, p.Breakup(newTransform(t, nil, "x", identity)), ErrUnknownTag)
}

func TestListenerAttachment(t *testing.T) {
	p := newPipeline(t)
	a := newTransform(t, p, "a", identity)
	b := newTransform(t, p, "b", identity)
	c := newTransform(t, p, "c", identity)
	bus := p.NewEventBus()

	require.NoError(t, p.Link("a", "b"))
	require.NoError(t, p.SetListener(bus))
	assert.True(t, bus.IsAttached(a))
	assert.True(t, bus.IsAttached(b))
	assert.False(t, bus.IsAttached(c))

	require.NoError(t, p.Relink("a", "b", "c"))
	assert.True(t, bus.IsAttached(c), "relinked elements join the listener")

	p.RemoveListener()
	assert.False(t, bus.IsAttached(a))
	assert.Nil(t, p.Listener())
	assert.Error(t, p.SetListener(nil))
}

// Property: link, breakup of the head and relink of the same sequence give the
// same bytes as a plain link.
func TestBreakupAndRelinkOfSameSequenceIsTransparent(t *testing.T) {
	input := pattern(3000)

	run := func(reconfigure bool) []byte {
		p := newPipeline(t)
		head := newTransform(t, p, "head", identity)
		newTransform(t, p, "mid", xor)
		_, sink := newSink(t, p, "sink")
		src := feed(t, head)

		require.NoError(t, p.Link("head", "mid", "sink"))
		if reconfigure {
			require.NoError(t, p.Breakup(head))
			assert.Empty(t, p.Chains())
			assert.Same(t, src, head.InputRingBuffer(), "client-owned input survives breakup")
			require.NoError(t, p.Relink("head", "mid", "sink"))
		}
		require.NoError(t, p.Run())

		go func() {
			_, _ = src.Write(input, ringbuf.Forever)
			src.Close()
		}()
		waitFor(t, context.Background(), p)
		assert.True(t, p.CheckItemsState(element.StateFinished))
		return sink.Bytes()
	}

	want, _ := xor(input)
	assert.Equal(t, want, run(false))
	assert.Equal(t, want, run(true))
}

// Scenario: a running chain is paused once the sink has caught up, broken up
// at the head and relinked in the same order; the stream continues unchanged.
func TestBreakupAndRelinkWhileRunning(t *testing.T) {
	p := newPipeline(t)
	head := newTransform(t, p, "head", identity)
	mid := newTransform(t, p, "mid", xor)
	w, sink := newSink(t, p, "sink")
	src := feed(t, head)

	require.NoError(t, p.Link("head", "mid", "sink"))
	require.NoError(t, p.Run())

	first := pattern(900)
	_, err := src.Write(first, ringbuf.Forever)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return sink.Len() == len(first) }, 2*time.Second, time.Millisecond)

	require.NoError(t, p.Pause())
	assert.True(t, p.CheckItemsState(element.StatePaused))

	require.NoError(t, p.Breakup(head))
	assert.Empty(t, p.Chains())
	assert.Same(t, src, head.InputRingBuffer())
	require.NoError(t, p.Relink("head", "mid", "sink"))
	require.NoError(t, p.Run())
	require.NoError(t, p.Resume())
	assert.Equal(t, StateRunning, p.State())

	second := bytes.Repeat([]byte("relinked-"), 150)
	go func() {
		_, _ = src.Write(second, ringbuf.Forever)
		src.Close()
	}()
	waitFor(t, context.Background(), p)
	for _, el := range []*element.Element{head, mid, w} {
		assert.Equal(t, element.StateFinished, el.State(), el.Tag())
	}

	want, _ := xor(append(append([]byte(nil), first...), second...))
	assert.Equal(t, want, sink.Bytes())
}

// Property: breakup removes exactly the element and its downstream; upstream
// stays linked and running.
func TestBreakupRemovesDownstreamOnly(t *testing.T) {
	p := newPipeline(t)
	bus := p.NewEventBus()
	r := newTransform(t, p, "r", identity)
	a := newTransform(t, p, "a", identity)
	b := newTransform(t, p, "b", identity)
	c := newTransform(t, p, "c", identity)
	other := newTransform(t, p, "other", identity)
	feed(t, r)

	require.NoError(t, p.Link("r", "a", "b", "c"))
	require.NoError(t, p.Link("other"))
	require.NoError(t, p.SetListener(bus))
	require.NoError(t, p.Run())

	stale := []*ringbuf.RingBuffer{a.OutputRingBuffer(), b.OutputRingBuffer()}
	kept := r.OutputRingBuffer()

	require.NoError(t, p.Breakup(b))

	assert.Equal(t, [][]string{{"r", "a"}, {"other"}}, p.Chains())
	assert.Same(t, kept, a.InputRingBuffer())
	assert.Nil(t, a.OutputRingBuffer())
	for _, el := range []*element.Element{b, c} {
		assert.Nil(t, el.InputRingBuffer())
		assert.Nil(t, el.OutputRingBuffer())
		assert.False(t, bus.IsAttached(el))
	}
	for _, rb := range stale {
		assert.True(t, rb.IsClosed())
	}
	assert.False(t, kept.IsClosed())

	assert.Equal(t, element.StateRunning, r.State())
	assert.Equal(t, element.StateRunning, a.State())
	assert.True(t, bus.IsAttached(a))
	assert.Equal(t, element.StateRunning, other.State())

	// closing the freed buffers did not end the detached workers
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, element.StateRunning, b.State())
	assert.Equal(t, element.StateRunning, c.State())

	require.NoError(t, p.Terminate())
	for _, el := range []*element.Element{b, c} {
		require.NoError(t, el.Terminate())
	}
}

func TestRelinkReusesAdjacentBuffers(t *testing.T) {
	p := newPipeline(t)
	newTransform(t, p, "r", identity)
	d1 := newTransform(t, p, "d1", identity)
	d2 := newTransform(t, p, "d2", identity)
	f := newTransform(t, p, "f", identity)
	w := newTransform(t, p, "w", identity)

	require.NoError(t, p.Link("r", "d1", "f", "w"))
	fw := f.OutputRingBuffer()
	_, err := fw.Write([]byte("queued"), 0)
	require.NoError(t, err)
	rd1 := d1.InputRingBuffer()
	d1f := d1.OutputRingBuffer()

	require.NoError(t, p.Relink("r", "d2", "f", "w"))

	assert.Equal(t, [][]string{{"r", "d2", "f", "w"}}, p.Chains())
	assert.Same(t, fw, w.InputRingBuffer(), "f -> w stays adjacent")
	assert.Equal(t, 6, fw.Filled(), "buffered data survives relink")
	assert.True(t, rd1.IsClosed())
	assert.True(t, d1f.IsClosed())
	assert.Nil(t, d1.InputRingBuffer())
	assert.Nil(t, d1.OutputRingBuffer())
	assert.Same(t, d2.OutputRingBuffer(), f.InputRingBuffer())
}

func TestRelinkSpanningTwoChainsFails(t *testing.T) {
	p := newPipeline(t)
	for _, tag := range []string{"a", "b", "c", "d"} {
		newTransform(t, p, tag, identity)
	}
	require.NoError(t, p.Link("a", "b"))
	require.NoError(t, p.Link("c", "d"))
	before := p.Chains()

	assert.ErrorIs(t, p.Relink("a", "c"), ErrAlreadyLinked)
	assert.Equal(t, before, p.Chains())

	require.NoError(t, p.Relink("b", "a"))
	assert.Equal(t, [][]string{{"b", "a"}, {"c", "d"}}, p.Chains())
}

// Scenario: reader, decoder A, filter and writer are switched to decoder B in
// the middle of the stream.
func TestSwitchDecoderMidStream(t *testing.T) {
	p := newPipeline(t)
	bus := p.NewEventBus()
	r := newTransform(t, p, "reader", identity)
	d1 := newTransform(t, p, "decoder_a", identity)
	d2 := newTransform(t, p, "decoder_b", upper)
	f := newTransform(t, p, "filter", identity)
	w, sink := newSink(t, p, "writer")
	src := feed(t, r)

	require.NoError(t, p.Link("reader", "decoder_a", "filter", "writer"))
	require.NoError(t, p.SetListener(bus))
	require.NoError(t, p.Run())
	assert.Equal(t, StateRunning, p.State())

	first := pattern(500)
	_, err := src.Write(first, ringbuf.Forever)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return sink.Len() == len(first) }, 2*time.Second, time.Millisecond)

	require.NoError(t, p.Pause())
	assert.Equal(t, StatePaused, p.State())
	assert.True(t, p.CheckItemsState(element.StatePaused))

	require.NoError(t, p.Breakup(d1))
	assert.Equal(t, [][]string{{"reader"}}, p.Chains())
	require.NoError(t, p.Relink("reader", "decoder_b", "filter", "writer"))
	require.NoError(t, p.SetListener(bus))
	require.NoError(t, p.Run())
	require.NoError(t, p.Resume())
	assert.Equal(t, StateRunning, p.State())

	second := pattern(700)
	_, err = src.Write(second, ringbuf.Forever)
	require.NoError(t, err)
	src.Close()

	waitFor(t, context.Background(), p)
	for _, el := range []*element.Element{r, d2, f, w} {
		assert.Equal(t, element.StateFinished, el.State(), el.Tag())
	}
	assert.Equal(t, element.StatePaused, d1.State(), "the removed decoder is left alone")
	assert.False(t, bus.IsAttached(d1))

	want := append(append([]byte(nil), first...), bytes.ToUpper(second)...)
	assert.Equal(t, want, sink.Bytes())

	finished := map[string]bool{}
	for bus.Len() > 0 {
		msg, err := bus.Listen(0)
		require.NoError(t, err)
		if msg.Cmd == event.CmdReportStatus && msg.Status == event.StatusStateFinished {
			finished[msg.SourceID] = true
		}
	}
	assert.True(t, finished["writer"])
	assert.False(t, finished["decoder_a"])

	require.NoError(t, d1.Terminate())
	require.NoError(t, d1.Deinit())
	require.NoError(t, p.Breakup(r))
	require.NoError(t, p.Unregister(d1, d2))
}

func TestTerminateAndReset(t *testing.T) {
	p := newPipeline(t)
	a := newTransform(t, p, "a", identity)
	b := newTransform(t, p, "b", identity)
	feed(t, a)

	assert.ErrorIs(t, p.Run(), ErrInvalidState)
	require.NoError(t, p.Link("a", "b"))
	require.NoError(t, p.Run())
	assert.ErrorIs(t, p.ResetRingBuffers(), ErrInvalidState)

	require.NoError(t, p.Terminate())
	assert.Equal(t, StateStopped, p.State())
	assert.True(t, p.CheckItemsState(element.StateStopped))
	assert.True(t, p.Finished())

	require.NoError(t, p.ResetRingBuffers())
	require.NoError(t, p.ResetElements())
	assert.True(t, p.CheckItemsState(element.StateIdle))
	assert.Equal(t, StateIdle, p.State())

	require.NoError(t, p.Run())
	require.NoError(t, p.Stop(context.Background()))
	assert.Equal(t, element.StateStopped, b.State())
}

func TestOperationsAreCounted(t *testing.T) {
	prom := metrics.NewPrometheusCollector("test", nil)
	p, err := New(DefaultConfig(), logging.Nop(), WithMetrics(prom))
	require.NoError(t, err)
	newTransform(t, p, "a", identity)
	_ = p.Link("missing")
	require.NoError(t, p.Link("a"))

	families, err := prom.Registry().Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["test_pipeline_operations_total"], fmt.Sprint(names))
	assert.True(t, names["test_pipeline_operation_duration_seconds"])
}
