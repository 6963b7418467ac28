// Package player switches a pipeline between sources that share one output
// tail, driven by peripheral events.
package player

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/latoulicious/audiograph/pkg/database"
	"github.com/latoulicious/audiograph/pkg/element"
	"github.com/latoulicious/audiograph/pkg/event"
	"github.com/latoulicious/audiograph/pkg/logging"
	"github.com/latoulicious/audiograph/pkg/periph"
	"github.com/latoulicious/audiograph/pkg/pipeline"
)

// Source is a reader and the decoder for its format.
type Source struct {
	Name    string
	Reader  *element.Element
	Decoder *element.Element
}

func (s Source) tags() []string {
	return []string{s.Reader.Tag(), s.Decoder.Tag()}
}

// Notifier is told about playback changes.
type Notifier interface {
	NowPlaying(title string)
	Paused()
	Idle()
}

// Journal records playback sessions and the events reported during them.
// *database.Store implements it.
type Journal interface {
	StartSession(ctx context.Context, pipelineID, source, uri string) (*database.Session, error)
	EndSession(ctx context.Context, id, finalState string, bytePos int64) error
	RecordEvent(ctx context.Context, ev *database.Event) error
}

const journalTimeout = 2 * time.Second

// Option customizes a Player.
type Option func(*Player)

// WithSwitchButton makes presses of any of the peripheral ids switch sources.
func WithSwitchButton(ids ...string) Option {
	return func(pl *Player) {
		for _, id := range ids {
			pl.switchIDs[id] = true
		}
	}
}

// WithPositionTimer makes ticks of the peripheral id report the output
// position.
func WithPositionTimer(id string) Option {
	return func(pl *Player) { pl.timerID = id }
}

func WithNotifier(n Notifier) Option {
	return func(pl *Player) { pl.notifier = n }
}

func WithJournal(j Journal) Option {
	return func(pl *Player) { pl.journal = j }
}

func WithLogger(l logging.Logger) Option {
	return func(pl *Player) {
		if l != nil {
			pl.logger = l
		}
	}
}

// Player owns the sources and tail it registers on a pipeline.
type Player struct {
	p         *pipeline.Pipeline
	bus       *event.Bus
	sources   []Source
	tail      []*element.Element
	current   int
	switchIDs map[string]bool
	timerID   string
	notifier  Notifier
	journal   Journal
	session   string
	owned     map[string]bool
	logger    logging.Logger
}

// New registers every source and tail element on p. Tail elements are linked
// in order after the current source's decoder; the last one is the output.
func New(p *pipeline.Pipeline, bus *event.Bus, sources []Source, tail []*element.Element, opts ...Option) (*Player, error) {
	if len(sources) == 0 || len(tail) == 0 {
		return nil, errors.New("player needs at least one source and one output")
	}
	pl := &Player{
		p:         p,
		bus:       bus,
		sources:   sources,
		tail:      tail,
		switchIDs: make(map[string]bool),
		owned:     make(map[string]bool),
		logger:    logging.Nop(),
	}
	for _, opt := range opts {
		opt(pl)
	}
	pl.logger = pl.logger.With(logging.Component("player"))

	var registered []pipeline.Element
	for _, el := range pl.elements() {
		if err := p.Register(el, ""); err != nil {
			p.Unregister(registered...)
			return nil, fmt.Errorf("failed to register %q: %w", el.Tag(), err)
		}
		registered = append(registered, el)
		pl.owned[el.Tag()] = true
	}
	return pl, nil
}

func (pl *Player) elements() []*element.Element {
	var els []*element.Element
	for _, s := range pl.sources {
		els = append(els, s.Reader, s.Decoder)
	}
	return append(els, pl.tail...)
}

func (pl *Player) output() *element.Element {
	return pl.tail[len(pl.tail)-1]
}

func (pl *Player) chain(s Source) []string {
	tags := s.tags()
	for _, el := range pl.tail {
		tags = append(tags, el.Tag())
	}
	return tags
}

// Current returns the source being played.
func (pl *Player) Current() Source {
	return pl.sources[pl.current]
}

// Start links the first source and runs the pipeline.
func (pl *Player) Start() error {
	src := pl.Current()
	if err := pl.p.Link(pl.chain(src)...); err != nil {
		return err
	}
	if err := pl.p.SetListener(pl.bus); err != nil {
		return err
	}
	pl.beginSession(src)
	if err := pl.p.Run(); err != nil {
		return err
	}
	pl.logger.Info("Playback started", logging.String("source", src.Name))
	return nil
}

// Switch moves playback to the next source: pause, break the current source
// off the graph, link the next one in front of the shared tail, then run and
// resume. The tail keeps its state across the switch. A source that already
// played to the end is rewound first.
func (pl *Player) Switch() error {
	from := pl.Current()
	next := (pl.current + 1) % len(pl.sources)
	to := pl.sources[next]
	rewind := to.Reader.State() == element.StateFinished

	pl.logger.Info("Changing music",
		logging.String("from", from.Name),
		logging.String("to", to.Name),
		logging.Bool("rewind", rewind))

	if err := pl.p.Pause(); err != nil {
		return fmt.Errorf("pause: %w", err)
	}
	pl.endSession("switched")
	if err := pl.p.Breakup(from.Reader); err != nil {
		return fmt.Errorf("breakup: %w", err)
	}
	if err := pl.p.Relink(pl.chain(to)...); err != nil {
		return fmt.Errorf("relink: %w", err)
	}
	pl.current = next

	if rewind {
		if err := pl.rewind(); err != nil {
			return err
		}
	}
	if err := pl.p.SetListener(pl.bus); err != nil {
		return err
	}
	pl.beginSession(to)
	if err := pl.p.Run(); err != nil {
		return fmt.Errorf("run: %w", err)
	}
	if err := pl.p.Resume(); err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	pl.logger.Info("Started playback of new chain", logging.String("source", to.Name))
	return nil
}

// rewind stops the linked chain and moves every element of it back to the
// start of its stream.
func (pl *Player) rewind() error {
	if err := pl.p.Terminate(); err != nil {
		return fmt.Errorf("terminate: %w", err)
	}
	if err := pl.p.ResetRingBuffers(); err != nil {
		return fmt.Errorf("reset ring buffers: %w", err)
	}
	if err := pl.p.ResetElements(); err != nil {
		return fmt.Errorf("reset elements: %w", err)
	}
	return nil
}

func (pl *Player) notify(s Source) {
	title := s.Name
	if title == "" {
		title = s.Reader.URI()
	}
	pl.notifier.NowPlaying(title)
}

func (pl *Player) beginSession(s Source) {
	if pl.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	session, err := pl.journal.StartSession(ctx, pl.p.ID(), s.Name, s.Reader.URI())
	if err != nil {
		pl.logger.Warn("Failed to record session start", logging.Error(err))
		return
	}
	pl.session = session.ID
}

// endSession closes the current source's session at its reader position.
func (pl *Player) endSession(state string) {
	if pl.journal == nil || pl.session == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	pos := pl.Current().Reader.Info().BytePos
	if err := pl.journal.EndSession(ctx, pl.session, state, pos); err != nil {
		pl.logger.Warn("Failed to record session end", logging.Error(err))
	}
	pl.session = ""
}

func (pl *Player) recordEvent(msg event.Message) {
	if pl.journal == nil || pl.session == "" || !pl.owned[msg.SourceID] {
		return
	}
	ev := &database.Event{
		SessionID: pl.session,
		Source:    msg.SourceID,
		Kind:      msg.Cmd.String(),
		Timestamp: msg.Time,
	}
	if msg.Cmd == event.CmdReportStatus {
		ev.Status = msg.Status.String()
	}
	if msg.Err != nil {
		ev.Error = msg.Err.Error()
	}
	if info, ok := msg.Data.(element.Info); ok {
		ev.Data = map[string]interface{}{
			"sample_rate": info.SampleRate,
			"channels":    info.Channels,
			"bits":        info.Bits,
			"codec":       info.Codec.String(),
			"byte_pos":    info.BytePos,
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := pl.journal.RecordEvent(ctx, ev); err != nil {
		pl.logger.Warn("Failed to record event", logging.Error(err))
	}
}

// Handle reacts to one bus message.
func (pl *Player) Handle(msg event.Message) error {
	if msg.SourceKind == event.SourcePeripheral {
		return pl.handlePeripheral(msg)
	}
	pl.recordEvent(msg)

	switch msg.Cmd {
	case event.CmdReportStatus:
		fields := []logging.Field{
			logging.String("tag", msg.SourceID),
			logging.String("status", msg.Status.String()),
		}
		if msg.Err != nil {
			fields = append(fields, logging.Error(msg.Err))
		}
		if msg.Status.IsError() {
			pl.logger.Warn("Element failed", fields...)
		} else {
			pl.logger.Debug("Element status", fields...)
		}
		if msg.SourceID == pl.output().Tag() {
			pl.outputStatus(msg.Status)
		}
	case event.CmdReportMusicInfo, event.CmdReportPosition:
		info, _ := msg.Data.(element.Info)
		fields := []logging.Field{
			logging.String("tag", msg.SourceID),
			logging.Int("sample_rate", info.SampleRate),
			logging.Int("channels", info.Channels),
			logging.Int64("byte_pos", info.BytePos),
		}
		if bps := info.BytesPerSecond(); bps > 0 {
			fields = append(fields, logging.Duration("position",
				time.Duration(info.BytePos)*time.Second/time.Duration(bps)))
		}
		pl.logger.Info("Element "+msg.Cmd.String(), fields...)
	default:
		pl.logger.Debug("Element event",
			logging.String("tag", msg.SourceID),
			logging.String("cmd", msg.Cmd.String()))
	}
	return nil
}

// outputStatus mirrors the output element's state to the notifier.
func (pl *Player) outputStatus(status event.Status) {
	if status == event.StatusStateFinished {
		pl.logger.Info("Playback finished", logging.String("source", pl.Current().Name))
		pl.endSession("finished")
	}
	if pl.notifier == nil {
		return
	}
	switch status {
	case event.StatusStateRunning:
		pl.notify(pl.Current())
	case event.StatusStatePaused:
		pl.notifier.Paused()
	case event.StatusStateFinished, event.StatusStateStopped:
		pl.notifier.Idle()
	}
}

func (pl *Player) handlePeripheral(msg event.Message) error {
	switch {
	case msg.Cmd == periph.CmdButtonPressed && pl.switchIDs[msg.SourceID]:
		return pl.Switch()
	case msg.Cmd == periph.CmdTimerTick && pl.timerID != "" && msg.SourceID == pl.timerID:
		return pl.reportPosition()
	case msg.Cmd == periph.CmdCommand:
		name, _ := msg.Data.(string)
		return pl.command(msg.SourceID, name)
	default:
		pl.logger.Debug("Peripheral event",
			logging.String("periph_id", msg.SourceID),
			logging.String("cmd", periph.CommandName(msg.Cmd)))
	}
	return nil
}

func (pl *Player) command(from, name string) error {
	pl.logger.Info("Command received",
		logging.String("periph_id", from),
		logging.String("command", name))
	switch name {
	case "switch":
		return pl.Switch()
	case "pause":
		return pl.Pause()
	case "resume":
		return pl.Resume()
	case "position":
		return pl.reportPosition()
	}
	return fmt.Errorf("unknown command %q", name)
}

func (pl *Player) reportPosition() error {
	out := pl.output()
	if !out.IsAlive() {
		return nil
	}
	if err := out.ReportPosition(); err != nil && !errors.Is(err, event.ErrDetached) {
		return err
	}
	return nil
}

// Pause suspends the linked chain at its next safe point.
func (pl *Player) Pause() error {
	if err := pl.p.Pause(); err != nil {
		return fmt.Errorf("pause: %w", err)
	}
	pl.logger.Info("Playback paused", logging.String("source", pl.Current().Name))
	return nil
}

// Resume continues a paused chain.
func (pl *Player) Resume() error {
	if err := pl.p.Resume(); err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	pl.logger.Info("Playback resumed", logging.String("source", pl.Current().Name))
	return nil
}

// Loop handles bus messages until ctx is done or the bus is closed. Player
// methods are not safe for concurrent use, so callers stop Loop before
// Shutdown.
func (pl *Player) Loop(ctx context.Context) error {
	for {
		msg, err := pl.bus.ListenContext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := pl.Handle(msg); err != nil {
			pl.logger.Error("Failed to handle event",
				logging.String("source", msg.SourceID),
				logging.Error(err))
		}
	}
}

// Shutdown stops playback, unlinks and unregisters the player's elements,
// removes the listener and deinitializes every element.
func (pl *Player) Shutdown(ctx context.Context) error {
	pl.endSession("stopped")
	var errs []error
	if err := pl.p.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	// sources switched away from are still paused
	for _, el := range pl.elements() {
		if err := el.Terminate(); err != nil {
			errs = append(errs, err)
		}
	}
	pl.p.RemoveListener()
	if err := pl.p.Breakup(pl.Current().Reader); err != nil {
		errs = append(errs, err)
	}
	var els []pipeline.Element
	for _, el := range pl.elements() {
		els = append(els, el)
	}
	if err := pl.p.Unregister(els...); err != nil {
		errs = append(errs, err)
	}
	for _, el := range pl.elements() {
		if err := el.Deinit(); err != nil {
			errs = append(errs, fmt.Errorf("deinit %q: %w", el.Tag(), err))
		}
	}
	if pl.notifier != nil {
		pl.notifier.Idle()
	}
	pl.logger.Info("Playback stopped")
	return errors.Join(errs...)
}
