package player

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/latoulicious/audiograph/pkg/database"
	"github.com/latoulicious/audiograph/pkg/element"
	"github.com/latoulicious/audiograph/pkg/event"
	"github.com/latoulicious/audiograph/pkg/logging"
	"github.com/latoulicious/audiograph/pkg/periph"
	"github.com/latoulicious/audiograph/pkg/pipeline"
	"github.com/latoulicious/audiograph/pkg/stream/file"
	"github.com/latoulicious/audiograph/pkg/stream/raw"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fixture struct {
	p    *pipeline.Pipeline
	bus  *event.Bus
	sink *raw.Buffer
	out  *element.Element
	pl   *Player
}

var identity = element.TransformFunc(func(in []byte) ([]byte, error) { return in, nil })

var upper = element.TransformFunc(func(in []byte) ([]byte, error) { return bytes.ToUpper(in), nil })

func source(t *testing.T, name string, data []byte, decode element.TransformFunc) Source {
	t.Helper()
	path := filepath.Join(t.TempDir(), name+".raw")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	r, err := file.NewReader(element.Config{
		Tag:        name + "_reader",
		BufferSize: 64,
		Info:       element.Info{URI: "file://" + path},
	})
	require.NoError(t, err)
	d, err := element.New(element.Config{Tag: name + "_decoder", BufferSize: 64}, decode)
	require.NoError(t, err)
	return Source{Name: name, Reader: r, Decoder: d}
}

// newFixture plays a through an identity decoder and b through an upper-casing
// one into a shared filter and output. A paced output drains 8000 bytes per
// second.
func newFixture(t *testing.T, a, b []byte, paced bool, opts ...Option) *fixture {
	t.Helper()
	cfg := pipeline.DefaultConfig()
	cfg.RingBufferSize = 256
	p, err := pipeline.New(cfg, logging.Nop())
	require.NoError(t, err)

	filter, err := element.New(element.Config{Tag: "filter", BufferSize: 64}, identity)
	require.NoError(t, err)

	var rawOpts []raw.Option
	if paced {
		rawOpts = append(rawOpts, raw.Paced())
	}
	sink := &raw.Buffer{}
	out, err := raw.NewWriter(element.Config{
		Tag:        "output",
		BufferSize: 64,
		Info:       element.Info{SampleRate: 8000, Channels: 1, Bits: 8},
	}, sink, rawOpts...)
	require.NoError(t, err)

	fx := &fixture{p: p, bus: p.NewEventBus(), sink: sink, out: out}
	opts = append([]Option{WithLogger(logging.FromZap(zaptest.NewLogger(t)))}, opts...)
	fx.pl, err = New(p, fx.bus, []Source{
		source(t, "a", a, identity),
		source(t, "b", b, upper),
	}, []*element.Element{filter, out}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { fx.pl.Shutdown(context.Background()) })
	return fx
}

func (fx *fixture) waitFinished(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return fx.out.State() == element.StateFinished
	}, 5*time.Second, 5*time.Millisecond)
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.events = append(r.events, s)
	r.mu.Unlock()
}

func (r *recorder) NowPlaying(title string) { r.add("playing " + title) }
func (r *recorder) Paused()                 { r.add("paused") }
func (r *recorder) Idle()                   { r.add("idle") }

func (r *recorder) has(s string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == s {
			return true
		}
	}
	return false
}

func (r *recorder) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return ""
	}
	return r.events[len(r.events)-1]
}

type memJournal struct {
	mu       sync.Mutex
	sessions []*database.Session
	events   []*database.Event
}

func (j *memJournal) StartSession(_ context.Context, pipelineID, source, uri string) (*database.Session, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	s := &database.Session{
		ID:         source + "-" + string(rune('0'+len(j.sessions))),
		PipelineID: pipelineID,
		Source:     source,
		URI:        uri,
		StartedAt:  time.Now(),
	}
	j.sessions = append(j.sessions, s)
	return s, nil
}

func (j *memJournal) EndSession(_ context.Context, id, finalState string, bytePos int64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, s := range j.sessions {
		if s.ID == id {
			now := time.Now()
			s.EndedAt = &now
			s.FinalState = finalState
			s.BytePos = bytePos
			return nil
		}
	}
	return database.ErrSessionNotFound
}

func (j *memJournal) RecordEvent(_ context.Context, ev *database.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, ev)
	return nil
}

// ended returns "source:state" for every ended session.
func (j *memJournal) ended() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []string
	for _, s := range j.sessions {
		if !s.Active() {
			out = append(out, s.Source+":"+s.FinalState)
		}
	}
	return out
}

func TestNewValidatesAndRegisters(t *testing.T) {
	p, err := pipeline.New(nil, logging.Nop())
	require.NoError(t, err)

	_, err = New(p, p.NewEventBus(), nil, nil)
	assert.Error(t, err)

	src := source(t, "a", []byte("x"), identity)
	dup, err := element.New(element.Config{Tag: "a_reader"}, identity)
	require.NoError(t, err)
	_, err = New(p, p.NewEventBus(), []Source{src}, []*element.Element{dup})
	require.Error(t, err)
	assert.Empty(t, p.Tags(), "a failed New leaves nothing registered")
}

func TestSwitchMidStreamKeepsTail(t *testing.T) {
	a := bytes.Repeat([]byte("a"), 4000)
	b := bytes.Repeat([]byte("b"), 4000)
	fx := newFixture(t, a, b, true)

	require.NoError(t, fx.pl.Start())
	assert.Equal(t, [][]string{{"a_reader", "a_decoder", "filter", "output"}}, fx.p.Chains())
	require.Eventually(t, func() bool { return fx.sink.Len() >= 200 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, fx.pl.Switch())
	assert.Equal(t, "b", fx.pl.Current().Name)
	assert.Equal(t, [][]string{{"b_reader", "b_decoder", "filter", "output"}}, fx.p.Chains())
	assert.Equal(t, element.StatePaused, fx.pl.sources[0].Reader.State(), "the previous source waits where it stopped")

	fx.waitFinished(t)
	got := fx.sink.Bytes()
	assert.Regexp(t, regexp.MustCompile(`^a+B+$`), string(got))
	assert.Equal(t, 4000, bytes.Count(got, []byte("B")))

	// back to a: it continues from its position instead of the start
	require.NoError(t, fx.pl.Switch())
	assert.Equal(t, "a", fx.pl.Current().Name)
	fx.waitFinished(t)

	got = fx.sink.Bytes()
	assert.Regexp(t, regexp.MustCompile(`^a+B+a+$`), string(got))
	assert.Equal(t, 4000, bytes.Count(got, []byte("B")))
	assert.LessOrEqual(t, bytes.Count(got, []byte("a")), len(a))
	assert.True(t, fx.p.Finished())
}

func TestSwitchAfterFinishRewinds(t *testing.T) {
	fx := newFixture(t, []byte("aaaaaaaaaa"), []byte("bbbb"), false)

	require.NoError(t, fx.pl.Start())
	fx.waitFinished(t)
	assert.Equal(t, "aaaaaaaaaa", string(fx.sink.Bytes()))

	require.NoError(t, fx.pl.Switch())
	fx.waitFinished(t)
	assert.Equal(t, "aaaaaaaaaaBBBB", string(fx.sink.Bytes()))

	require.NoError(t, fx.pl.Switch())
	fx.waitFinished(t)
	assert.Equal(t, "aaaaaaaaaaBBBBaaaaaaaaaa", string(fx.sink.Bytes()))
}

func TestButtonSwitchesThroughLoop(t *testing.T) {
	a := bytes.Repeat([]byte("a"), 8000)
	b := bytes.Repeat([]byte("b"), 1600)
	rec := &recorder{}
	fx := newFixture(t, a, b, true, WithSwitchButton("switch"), WithNotifier(rec))

	set, err := periph.NewSet(event.DefaultConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { set.Destroy() })
	btn := periph.NewButton("switch", time.Hour, nil)
	require.NoError(t, set.Add(btn))
	require.NoError(t, set.Bus().SetListener(fx.bus))
	require.NoError(t, set.StartAll(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	loopDone := make(chan error, 1)
	go func() { loopDone <- fx.pl.Loop(ctx) }()

	require.NoError(t, fx.pl.Start())
	require.Eventually(t, func() bool { return rec.has("playing a") }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, btn.Click())
	require.Eventually(t, func() bool { return rec.has("playing b") }, 2*time.Second, 5*time.Millisecond)

	fx.waitFinished(t)
	require.Eventually(t, func() bool { return rec.last() == "idle" }, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, string(fx.sink.Bytes()), "BBBB")

	cancel()
	select {
	case err := <-loopDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestTimerTickReportsPosition(t *testing.T) {
	a := bytes.Repeat([]byte("a"), 8000)
	fx := newFixture(t, a, []byte("b"), true, WithPositionTimer("tick"))

	require.NoError(t, fx.pl.Start())
	require.Eventually(t, func() bool { return fx.sink.Len() >= 64 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, fx.pl.Handle(event.Message{
		SourceID:   "tick",
		SourceKind: event.SourcePeripheral,
		Cmd:        periph.CmdTimerTick,
	}))
	// ticks from other timers are ignored
	require.NoError(t, fx.pl.Handle(event.Message{
		SourceID:   "other",
		SourceKind: event.SourcePeripheral,
		Cmd:        periph.CmdTimerTick,
	}))

	var positions []element.Info
	for {
		msg, err := fx.bus.Listen(0)
		if err != nil {
			break
		}
		if msg.Cmd == event.CmdReportPosition {
			assert.Equal(t, "output", msg.SourceID)
			positions = append(positions, msg.Data.(element.Info))
		}
	}
	require.Len(t, positions, 1)
	assert.Positive(t, positions[0].BytePos)
}

func TestShutdownReleasesGraph(t *testing.T) {
	rec := &recorder{}
	fx := newFixture(t, bytes.Repeat([]byte("a"), 8000), []byte("b"), true, WithNotifier(rec))

	require.NoError(t, fx.pl.Start())
	require.NoError(t, fx.pl.Switch())
	require.NoError(t, fx.pl.Shutdown(context.Background()))

	assert.Empty(t, fx.p.Tags())
	assert.Empty(t, fx.p.Chains())
	assert.Nil(t, fx.p.Listener())
	assert.Equal(t, "idle", rec.last())
	for _, s := range fx.pl.sources {
		assert.False(t, s.Reader.IsAlive())
		assert.Error(t, s.Reader.Run(), "deinitialized elements cannot run again")
	}
}

func TestJournalRecordsSessions(t *testing.T) {
	journal := &memJournal{}
	fx := newFixture(t, []byte("aaaaaaaaaa"), []byte("bbbb"), false,
		WithSwitchButton("switch"), WithJournal(journal))

	set, err := periph.NewSet(event.DefaultConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { set.Destroy() })
	btn := periph.NewButton("switch", time.Hour, nil)
	require.NoError(t, set.Add(btn))
	require.NoError(t, set.Bus().SetListener(fx.bus))
	require.NoError(t, set.StartAll(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		fx.pl.Loop(ctx)
	}()
	defer func() {
		cancel()
		<-loopDone
	}()

	require.NoError(t, fx.pl.Start())
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"a:finished"}, journal.ended())
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, btn.Click())
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"a:finished", "b:finished"}, journal.ended())
	}, 2*time.Second, 5*time.Millisecond)

	journal.mu.Lock()
	defer journal.mu.Unlock()
	assert.Equal(t, fx.p.ID(), journal.sessions[0].PipelineID)
	assert.EqualValues(t, 10, journal.sessions[0].BytePos)
	assert.EqualValues(t, 4, journal.sessions[1].BytePos)

	var statuses int
	for _, ev := range journal.events {
		assert.NotEqual(t, "switch", ev.Source, "peripheral events are not recorded")
		if ev.Kind == event.CmdReportStatus.String() {
			statuses++
		}
	}
	assert.Positive(t, statuses)
}

func TestCommandsControlPlayback(t *testing.T) {
	a := bytes.Repeat([]byte("a"), 8000)
	fx := newFixture(t, a, []byte("bbbb"), true)
	command := func(name string) error {
		return fx.pl.Handle(event.Message{
			SourceID:   "slash",
			SourceKind: event.SourcePeripheral,
			Cmd:        periph.CmdCommand,
			Data:       name,
		})
	}

	require.NoError(t, fx.pl.Start())
	require.Eventually(t, func() bool { return fx.sink.Len() >= 64 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, command("pause"))
	assert.Equal(t, pipeline.StatePaused, fx.p.State())
	assert.Equal(t, element.StatePaused, fx.out.State())
	n := fx.sink.Len()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, fx.sink.Len(), "nothing is written while paused")

	require.NoError(t, command("resume"))
	assert.Equal(t, pipeline.StateRunning, fx.p.State())
	require.Eventually(t, func() bool { return fx.sink.Len() > n }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, command("switch"))
	assert.Equal(t, "b", fx.pl.Current().Name)

	assert.Error(t, command("play"))
}
