// Package discord provides a writer element sending Opus packets to a
// Discord voice channel.
package discord

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/latoulicious/audiograph/pkg/codec/opus"
	"github.com/latoulicious/audiograph/pkg/element"
	"github.com/latoulicious/audiograph/pkg/event"
	"github.com/latoulicious/audiograph/pkg/logging"
)

// Config holds the voice timeouts.
type Config struct {
	ReadyTimeout time.Duration `envconfig:"READY_TIMEOUT"`
	SendTimeout  time.Duration `envconfig:"SEND_TIMEOUT"`
}

// DefaultConfig waits 10s for the connection and drops a packet that cannot
// be queued within 100ms.
func DefaultConfig() Config {
	return Config{
		ReadyTimeout: 10 * time.Second,
		SendTimeout:  100 * time.Millisecond,
	}
}

// ErrNotReady is returned when the voice connection does not become ready in
// time.
var ErrNotReady = errors.New("voice connection not ready")

// VoiceConnection is the part of a Discord voice connection the writer uses.
type VoiceConnection interface {
	IsReady() bool
	Speaking(speaking bool) error
	Packets() chan<- []byte
}

type conn struct {
	vc *discordgo.VoiceConnection
}

// Connection adapts a discordgo voice connection.
func Connection(vc *discordgo.VoiceConnection) VoiceConnection {
	return conn{vc: vc}
}

func (c conn) IsReady() bool {
	c.vc.RLock()
	defer c.vc.RUnlock()
	return c.vc.Ready
}

func (c conn) Speaking(speaking bool) error {
	return c.vc.Speaking(speaking)
}

func (c conn) Packets() chan<- []byte {
	return c.vc.OpusSend
}

type writer struct {
	cfg     Config
	vc      VoiceConnection
	buf     []byte
	sent    int
	dropped int
}

// NewWriter creates a voice output element. Its input must carry packets
// framed by the opus encoder element.
func NewWriter(cfg element.Config, vc VoiceConnection, dc Config) (*element.Element, error) {
	if vc == nil {
		return nil, fmt.Errorf("%w: nil voice connection", element.ErrInvalidConfig)
	}
	if dc.ReadyTimeout <= 0 || dc.SendTimeout <= 0 {
		return nil, fmt.Errorf("%w: voice timeouts must be positive", element.ErrInvalidConfig)
	}
	cfg.Type = element.TypeWriter
	return element.New(cfg, &writer{cfg: dc, vc: vc})
}

func (w *writer) Open(ctx context.Context, el *element.Element) error {
	if err := waitReady(ctx, w.vc, w.cfg.ReadyTimeout); err != nil {
		return err
	}
	if err := w.vc.Speaking(true); err != nil {
		return fmt.Errorf("failed to start speaking: %w", err)
	}
	w.buf = make([]byte, opus.MaxPacketSize)
	w.sent, w.dropped = 0, 0
	el.Logger().Info("Streaming to voice channel")
	return nil
}

func (w *writer) Process(ctx context.Context, el *element.Element) error {
	pkt, err := opus.ReadPacket(el.Input(), w.buf)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return io.EOF
	}
	if err != nil {
		return err
	}
	// the connection keeps the slice after the send
	data := append([]byte(nil), pkt...)

	timer := time.NewTimer(w.cfg.SendTimeout)
	defer timer.Stop()
	select {
	case w.vc.Packets() <- data:
		w.sent++
		el.UpdateBytePos(len(pkt) + 2)
		if w.sent%100 == 0 {
			el.Logger().Debug("Streamed frames", logging.Int("frames", w.sent))
		}
	case <-timer.C:
		w.dropped++
		el.Logger().Warn("Voice send blocked, skipping frame", logging.Int("dropped", w.dropped))
	case <-ctx.Done():
		return element.ErrTerminated
	}
	return nil
}

func (w *writer) Close(el *element.Element) error {
	el.Logger().Info("Voice stream closed",
		logging.Int("frames", w.sent),
		logging.Int("dropped", w.dropped))
	if err := w.vc.Speaking(false); err != nil {
		return element.WithCause(event.StatusErrorClose, err)
	}
	return nil
}

func waitReady(ctx context.Context, vc VoiceConnection, timeout time.Duration) error {
	if vc.IsReady() {
		return nil
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrNotReady
		case <-ticker.C:
			if vc.IsReady() {
				return nil
			}
		}
	}
}
