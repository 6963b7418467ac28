package periph

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/latoulicious/audiograph/pkg/logging"
	"github.com/robfig/cron/v3"
)

// Timer reports CmdTimerTick on a cron schedule. The schedule accepts the
// seconds field and descriptors such as "@every 1s". Tick messages carry the
// tick time.
type Timer struct {
	Base

	schedule string

	mu    sync.Mutex
	cron  *cron.Cron
	entry cron.EntryID
}

// NewTimer validates schedule and creates a stopped timer.
func NewTimer(id, schedule string, logger logging.Logger) (*Timer, error) {
	if _, err := cron.NewParser(parseOptions).Parse(schedule); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}
	return &Timer{Base: NewBase(id, logger), schedule: schedule}, nil
}

const parseOptions = cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor

func (t *Timer) Schedule() string { return t.schedule }

func (t *Timer) Start(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cron != nil {
		return nil
	}
	c := cron.New(cron.WithParser(cron.NewParser(parseOptions)))
	entry, err := c.AddFunc(t.schedule, t.tick)
	if err != nil {
		return err
	}
	c.Start()
	t.cron, t.entry = c, entry
	t.Logger().Debug("Timer scheduled", logging.String("schedule", t.schedule))
	return nil
}

// Stop halts the schedule and waits for a running tick to return.
func (t *Timer) Stop() error {
	t.mu.Lock()
	c := t.cron
	t.cron = nil
	t.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
	return nil
}

// NextRun returns when the next tick is due, or the zero time while stopped.
func (t *Timer) NextRun() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cron == nil {
		return time.Time{}
	}
	return t.cron.Entry(t.entry).Next
}

func (t *Timer) tick() {
	if err := t.Send(CmdTimerTick, time.Now()); err != nil {
		t.Logger().Warn("Timer tick not delivered", logging.Error(err))
	}
}
