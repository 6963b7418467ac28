// Command flexplay plays two local tracks through one resampling output and
// switches between them on a console line, a Discord button press or both.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/latoulicious/audiograph/internal/config"
	"github.com/latoulicious/audiograph/internal/player"
	"github.com/latoulicious/audiograph/internal/presence"
	"github.com/latoulicious/audiograph/pkg/codec/mp3"
	"github.com/latoulicious/audiograph/pkg/codec/opus"
	"github.com/latoulicious/audiograph/pkg/codec/wav"
	"github.com/latoulicious/audiograph/pkg/database"
	"github.com/latoulicious/audiograph/pkg/element"
	"github.com/latoulicious/audiograph/pkg/event"
	"github.com/latoulicious/audiograph/pkg/filter/resample"
	"github.com/latoulicious/audiograph/pkg/logging"
	"github.com/latoulicious/audiograph/pkg/metrics"
	"github.com/latoulicious/audiograph/pkg/periph"
	periphdiscord "github.com/latoulicious/audiograph/pkg/periph/discord"
	"github.com/latoulicious/audiograph/pkg/pipeline"
	"github.com/latoulicious/audiograph/pkg/stream/discord"
	"github.com/latoulicious/audiograph/pkg/stream/file"
	"github.com/latoulicious/audiograph/pkg/stream/portaudio"
	"github.com/latoulicious/audiograph/pkg/stream/youtube"
)

const shutdownTimeout = 5 * time.Second

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Pipeline.Logging)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()
	logging.NewStdLogAdapter(logger).SetAsStdLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()

	collector := metrics.Nop()
	if cfg.Metrics.Enabled {
		pc := metrics.NewPrometheusCollector(cfg.Metrics.Namespace, logger)
		collector = pc
		go serveMetrics(cfg.Metrics, pc, logger)
	}

	var session *discordgo.Session
	if cfg.Discord.Enabled() {
		session, err = discordgo.New("Bot " + cfg.Discord.Token)
		if err != nil {
			logger.Fatal("Failed to create Discord session", logging.Error(err))
		}
		session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
		if err := session.Open(); err != nil {
			logger.Fatal("Failed to open Discord session", logging.Error(err))
		}
		defer session.Close()
	}
	notifier := presence.NewManager(nil, logger)
	if session != nil {
		notifier = presence.NewManager(session, logger)
	}

	p, err := pipeline.New(&cfg.Pipeline, logger, pipeline.WithMetrics(collector))
	if err != nil {
		logger.Fatal("Failed to create pipeline", logging.Error(err))
	}
	bus := p.NewEventBus()

	sources, err := buildSources(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create sources", logging.Error(err))
	}
	tail, release, err := buildTail(ctx, cfg, session, logger)
	if err != nil {
		logger.Fatal("Failed to create output", logging.Error(err))
	}
	defer release()

	set, err := periph.NewSet(cfg.Pipeline.Events, logger)
	if err != nil {
		logger.Fatal("Failed to create peripheral set", logging.Error(err))
	}
	defer set.Destroy()
	switchIDs, err := addPeripherals(set, cfg, session, logger)
	if err != nil {
		logger.Fatal("Failed to add peripherals", logging.Error(err))
	}
	if err := set.Bus().SetListener(bus); err != nil {
		logger.Fatal("Failed to listen to peripherals", logging.Error(err))
	}

	opts := []player.Option{
		player.WithSwitchButton(switchIDs...),
		player.WithPositionTimer("position"),
		player.WithNotifier(notifier),
		player.WithLogger(logger),
	}
	if cfg.Database.Enabled {
		store, err := database.Open(ctx, cfg.Database, logger)
		if err != nil {
			logger.Fatal("Failed to open history database", logging.Error(err))
		}
		defer store.Close()
		if _, err := store.CleanExpired(ctx); err != nil {
			logger.Warn("Failed to clean playback history", logging.Error(err))
		}
		opts = append(opts, player.WithJournal(store))
	}

	pl, err := player.New(p, bus, sources, tail, opts...)
	if err != nil {
		logger.Fatal("Failed to create player", logging.Error(err))
	}

	var recorder *pipeline.Pipeline
	if cfg.Playback.YouTubeURL != "" {
		recorder, err = startRecorder(cfg, collector, bus, logger)
		if err != nil {
			logger.Error("Failed to start recorder", logging.Error(err))
		}
	}

	if err := set.StartAll(ctx); err != nil {
		logger.Warn("Some peripherals failed to start", logging.Error(err))
	}
	if err := pl.Start(); err != nil {
		logger.Fatal("Failed to start playback", logging.Error(err))
	}

	loopDone := make(chan error, 1)
	go func() { loopDone <- pl.Loop(ctx) }()

	logger.Info("Player is running. Press Enter to switch tracks, CTRL-C to exit.")
	<-ctx.Done()
	if err := <-loopDone; err != nil {
		logger.Error("Event loop stopped", logging.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if recorder != nil {
		if err := recorder.Stop(shutdownCtx); err != nil {
			logger.Warn("Failed to stop recorder", logging.Error(err))
		}
	}
	if err := pl.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Failed to shut down player cleanly", logging.Error(err))
	}
}

func serveMetrics(cfg config.MetricsConfig, pc *metrics.PrometheusCollector, logger logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(pc.Registry(), promhttp.HandlerOpts{}))
	logger.Info("Serving metrics", logging.String("addr", cfg.Addr), logging.String("path", cfg.Path))
	if err := http.ListenAndServe(cfg.Addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Metrics server stopped", logging.Error(err))
	}
}

func buildSources(cfg *config.Config, logger logging.Logger) ([]player.Source, error) {
	mp3Reader, err := file.NewReader(element.Config{
		Tag:    "file_mp3",
		Info:   element.Info{URI: cfg.Playback.MP3URI},
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	mp3Decoder, err := mp3.NewDecoder(element.Config{Tag: "mp3", Logger: logger})
	if err != nil {
		return nil, err
	}
	wavReader, err := file.NewReader(element.Config{
		Tag:    "file_wav",
		Info:   element.Info{URI: cfg.Playback.WAVURI},
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	wavDecoder, err := wav.NewDecoder(element.Config{Tag: "wav", Logger: logger})
	if err != nil {
		return nil, err
	}
	return []player.Source{
		{Name: "mp3", Reader: mp3Reader, Decoder: mp3Decoder},
		{Name: "wav", Reader: wavReader, Decoder: wavDecoder},
	}, nil
}

// buildTail creates the resampler and the output elements for the configured
// device. The returned func releases the device connection.
func buildTail(ctx context.Context, cfg *config.Config, session *discordgo.Session, logger logging.Logger) ([]*element.Element, func(), error) {
	rc := resample.Config{
		SrcRate:     cfg.Playback.SourceRate,
		SrcChannels: cfg.Playback.SourceChannels,
	}

	if cfg.Output.Device == config.OutputPortAudio {
		rc.DestRate = int(cfg.Output.PortAudio.SampleRate)
		rc.DestChannels = cfg.Output.PortAudio.Channels
		filter, err := resample.New(element.Config{Tag: "filter", Logger: logger}, rc)
		if err != nil {
			return nil, nil, err
		}
		out, err := portaudio.NewWriter(element.Config{Tag: "output", Logger: logger}, cfg.Output.PortAudio)
		if err != nil {
			return nil, nil, err
		}
		return []*element.Element{filter, out}, func() {}, nil
	}

	if session == nil {
		return nil, nil, config.ErrDiscordTokenNotSet
	}
	rc.DestRate = cfg.Output.Opus.SampleRate
	rc.DestChannels = cfg.Output.Opus.Channels
	filter, err := resample.New(element.Config{Tag: "filter", Logger: logger}, rc)
	if err != nil {
		return nil, nil, err
	}
	enc, err := opus.NewElement(element.Config{Tag: "opus", Logger: logger}, cfg.Output.Opus)
	if err != nil {
		return nil, nil, err
	}
	vc, err := discord.JoinUserChannel(ctx, session, cfg.Discord.GuildID, cfg.Discord.UserID, logger)
	if err != nil {
		return nil, nil, err
	}
	out, err := discord.NewWriter(element.Config{Tag: "output", Logger: logger}, discord.Connection(vc), cfg.Output.Voice)
	if err != nil {
		vc.Disconnect()
		return nil, nil, err
	}
	release := func() {
		if err := vc.Disconnect(); err != nil {
			logger.Warn("Failed to leave voice channel", logging.Error(err))
		}
	}
	return []*element.Element{filter, enc, out}, release, nil
}

// addPeripherals registers the switch buttons, the slash commands and the
// position timer. It returns the ids of the switch buttons.
func addPeripherals(set *periph.Set, cfg *config.Config, session *discordgo.Session, logger logging.Logger) ([]string, error) {
	ids := []string{"console"}
	if err := set.Add(periph.NewLineButton("console", os.Stdin, logger)); err != nil {
		return nil, err
	}

	timer, err := periph.NewTimer("position", cfg.Playback.PositionSchedule, logger)
	if err != nil {
		return nil, err
	}
	if err := set.Add(timer); err != nil {
		return nil, err
	}

	if session == nil {
		return ids, nil
	}
	btn, err := periphdiscord.NewButton("switch", cfg.Discord.ButtonID, session, logger)
	if err != nil {
		return nil, err
	}
	if err := set.Add(btn); err != nil {
		return nil, err
	}
	ids = append(ids, btn.ID())

	cmds, err := periphdiscord.NewCommands("commands", session.State.User.ID, cfg.Discord.GuildID, session, nil, logger)
	if err != nil {
		return nil, err
	}
	if err := set.Add(cmds); err != nil {
		return nil, err
	}

	if cfg.Discord.ChannelID != "" {
		msg := periphdiscord.ComponentMessage("Switch between the mp3 and wav tracks.", btn)
		if _, err := session.ChannelMessageSendComplex(cfg.Discord.ChannelID, msg); err != nil {
			logger.Warn("Failed to post switch button", logging.Error(err))
		}
	}
	return ids, nil
}

// startRecorder saves the configured YouTube audio to a file on a pipeline of
// its own. Its elements report to bus next to the player's.
func startRecorder(cfg *config.Config, collector metrics.MetricsCollector, bus *event.Bus, logger logging.Logger) (*pipeline.Pipeline, error) {
	p, err := pipeline.New(&cfg.Pipeline, logger, pipeline.WithMetrics(collector))
	if err != nil {
		return nil, err
	}
	reader, err := youtube.NewReader(element.Config{
		Tag:    "youtube",
		Info:   element.Info{URI: cfg.Playback.YouTubeURL},
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	writer, err := file.NewWriter(element.Config{
		Tag:    "record",
		Info:   element.Info{URI: cfg.Playback.RecordPath},
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	for _, el := range []*element.Element{reader, writer} {
		if err := p.Register(el, ""); err != nil {
			return nil, err
		}
	}
	if err := p.Link("youtube", "record"); err != nil {
		return nil, err
	}
	if err := p.SetListener(bus); err != nil {
		return nil, err
	}
	if err := p.Run(); err != nil {
		return nil, err
	}
	logger.Info("Recording", logging.String("url", cfg.Playback.YouTubeURL), logging.String("path", cfg.Playback.RecordPath))
	return p, nil
}
