package periph

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/latoulicious/audiograph/pkg/event"
	"github.com/latoulicious/audiograph/pkg/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newSet(t *testing.T) *Set {
	t.Helper()
	set, err := NewSet(event.DefaultConfig(), logging.FromZap(zaptest.NewLogger(t)))
	require.NoError(t, err)
	t.Cleanup(func() { set.Destroy() })
	return set
}

func next(t *testing.T, bus *event.Bus) event.Message {
	t.Helper()
	msg, err := bus.Listen(2 * time.Second)
	require.NoError(t, err)
	return msg
}

func commands(t *testing.T, bus *event.Bus, n int) []event.Command {
	t.Helper()
	var cmds []event.Command
	for i := 0; i < n; i++ {
		cmds = append(cmds, next(t, bus).Cmd)
	}
	return cmds
}

func TestSetRejectsDuplicateIDs(t *testing.T) {
	set := newSet(t)
	require.NoError(t, set.Add(NewButton("play", 0, nil)))
	assert.ErrorIs(t, set.Add(NewButton("play", 0, nil)), ErrDuplicateID)

	p, ok := set.Get("play")
	require.True(t, ok)
	assert.Equal(t, "play", p.ID())
	assert.True(t, set.Bus().IsAttached(p))

	_, ok = set.Get("missing")
	assert.False(t, ok)
}

func TestButtonClick(t *testing.T) {
	set := newSet(t)
	btn := NewButton("play", time.Hour, nil)
	require.NoError(t, set.Add(btn))

	assert.ErrorIs(t, btn.Press(), ErrNotStarted)
	require.NoError(t, set.StartAll(context.Background()))
	require.NoError(t, btn.Click())

	msg := next(t, set.Bus())
	assert.Equal(t, CmdButtonPressed, msg.Cmd)
	assert.Equal(t, "play", msg.SourceID)
	assert.Equal(t, event.SourcePeripheral, msg.SourceKind)
	assert.Equal(t, "play", msg.Data)
	assert.Equal(t, CmdButtonReleased, next(t, set.Bus()).Cmd)

	// releasing an idle button reports nothing
	require.NoError(t, btn.Release())
	assert.Zero(t, set.Bus().Len())
}

func TestButtonLongPress(t *testing.T) {
	set := newSet(t)
	btn := NewButton("mode", 20*time.Millisecond, nil)
	require.NoError(t, set.Add(btn))
	require.NoError(t, set.StartAll(context.Background()))

	require.NoError(t, btn.Press())
	assert.Equal(t, CmdButtonPressed, next(t, set.Bus()).Cmd)
	assert.Equal(t, CmdButtonLongPressed, next(t, set.Bus()).Cmd)
	require.NoError(t, btn.Release())
	assert.Equal(t, CmdButtonLongReleased, next(t, set.Bus()).Cmd)
}

func TestAddToStartedSetStartsPeripheral(t *testing.T) {
	set := newSet(t)
	require.NoError(t, set.StartAll(context.Background()))
	btn := NewButton("late", 0, nil)
	require.NoError(t, set.Add(btn))
	require.NoError(t, btn.Click())
	assert.Equal(t, []event.Command{CmdButtonPressed, CmdButtonReleased}, commands(t, set.Bus(), 2))

	require.NoError(t, set.StopAll())
	assert.ErrorIs(t, btn.Click(), ErrNotStarted)
}

func TestLineButton(t *testing.T) {
	set := newSet(t)
	btn := NewLineButton("console", strings.NewReader("\nnext\n"), nil)
	require.NoError(t, set.Add(btn))
	require.NoError(t, set.StartAll(context.Background()))

	assert.Equal(t, []event.Command{
		CmdButtonPressed, CmdButtonReleased,
		CmdButtonPressed, CmdButtonReleased,
	}, commands(t, set.Bus(), 4))
}

func TestTimerTicks(t *testing.T) {
	_, err := NewTimer("bad", "not a schedule", nil)
	assert.Error(t, err)

	set := newSet(t)
	timer, err := NewTimer("position", "@every 1s", nil)
	require.NoError(t, err)
	require.NoError(t, set.Add(timer))
	assert.True(t, timer.NextRun().IsZero())
	require.NoError(t, set.StartAll(context.Background()))

	msg := next(t, set.Bus())
	assert.Equal(t, CmdTimerTick, msg.Cmd)
	assert.IsType(t, time.Time{}, msg.Data)

	require.NoError(t, timer.Stop())
	assert.True(t, timer.NextRun().IsZero())
}

func TestSetBusChainsIntoListener(t *testing.T) {
	set := newSet(t)
	btn := NewButton("play", time.Hour, nil)
	require.NoError(t, set.Add(btn))
	require.NoError(t, set.StartAll(context.Background()))

	listener := event.New(event.DefaultConfig())
	require.NoError(t, set.Bus().SetListener(listener))
	require.NoError(t, btn.Click())

	msg := next(t, listener)
	assert.Equal(t, CmdButtonPressed, msg.Cmd)
	assert.Equal(t, "play", msg.SourceID)
	assert.Zero(t, set.Bus().Len())

	set.Bus().RemoveListener(listener)
	require.NoError(t, btn.Click())
	assert.Equal(t, CmdButtonPressed, next(t, set.Bus()).Cmd)
}

func TestMessagesCarryAttachedPeripheral(t *testing.T) {
	set := newSet(t)
	line := NewLineButton("console", strings.NewReader("\n"), nil)
	require.NoError(t, set.Add(line))
	require.True(t, set.Bus().IsAttached(line))
	require.NoError(t, set.StartAll(context.Background()))

	msg := next(t, set.Bus())
	assert.True(t, msg.From(line), "messages name the peripheral the bus attached")
	assert.Equal(t, "console", msg.SourceID)
}

func TestDetachedButtonReportsError(t *testing.T) {
	btn := NewButton("orphan", time.Hour, nil)
	require.NoError(t, btn.Start(context.Background()))
	assert.ErrorIs(t, btn.Click(), event.ErrDetached)

	bus := event.New(event.DefaultConfig())
	bus.Attach(btn)
	require.NoError(t, btn.Release(), "the failed press left the button up")
	assert.Zero(t, bus.Len())
	require.NoError(t, btn.Click())
	assert.Equal(t, 2, bus.Len())

	bus.Detach(btn)
	assert.ErrorIs(t, btn.Press(), event.ErrDetached)
}

func TestCommandNames(t *testing.T) {
	assert.Equal(t, "button_long_pressed", CommandName(CmdButtonLongPressed))
	assert.Equal(t, "timer_tick", CommandName(CmdTimerTick))
	assert.Equal(t, "command", CommandName(CmdCommand))
	assert.Equal(t, "report_status", CommandName(event.CmdReportStatus))
}
