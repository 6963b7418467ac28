// Package config loads the flexplay configuration from an optional .env file
// and FLEXPLAY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/latoulicious/audiograph/pkg/codec/opus"
	"github.com/latoulicious/audiograph/pkg/database"
	"github.com/latoulicious/audiograph/pkg/pipeline"
	"github.com/latoulicious/audiograph/pkg/stream/discord"
	"github.com/latoulicious/audiograph/pkg/stream/portaudio"
)

// Prefix is the environment variable prefix.
const Prefix = "FLEXPLAY"

// Output devices.
const (
	OutputPortAudio = "portaudio"
	OutputDiscord   = "discord"
)

// ErrDiscordTokenNotSet is returned when Discord output is selected without a
// bot token.
var ErrDiscordTokenNotSet = errors.New("discord token not set")

type Config struct {
	Playback PlaybackConfig  `envconfig:"PLAYBACK"`
	Output   OutputConfig    `envconfig:"OUTPUT"`
	Discord  DiscordConfig   `envconfig:"DISCORD"`
	Metrics  MetricsConfig   `envconfig:"METRICS"`
	Database database.Config `envconfig:"DATABASE"`
	Pipeline pipeline.Config `envconfig:"PIPELINE"`
}

// PlaybackConfig names the two tracks the player switches between.
type PlaybackConfig struct {
	MP3URI string `envconfig:"MP3_URI"`
	WAVURI string `envconfig:"WAV_URI"`
	// SourceRate and SourceChannels are the decoded format fed to the
	// resampler, shared by both tracks.
	SourceRate     int `envconfig:"SOURCE_RATE"`
	SourceChannels int `envconfig:"SOURCE_CHANNELS"`
	// YouTubeURL, when set, is recorded to RecordPath on a second chain.
	YouTubeURL string `envconfig:"YOUTUBE_URL"`
	RecordPath string `envconfig:"RECORD_PATH"`
	// PositionSchedule is the cron schedule of position reports.
	PositionSchedule string `envconfig:"POSITION_SCHEDULE"`
}

type OutputConfig struct {
	Device    string           `envconfig:"DEVICE"`
	PortAudio portaudio.Config `envconfig:"PORTAUDIO"`
	Opus      opus.Config      `envconfig:"OPUS"`
	Voice     discord.Config   `envconfig:"VOICE"`
}

// DiscordConfig enables the bot when Token is set.
type DiscordConfig struct {
	Token     string `envconfig:"BOT_TOKEN"`
	GuildID   string `envconfig:"GUILD_ID"`
	UserID    string `envconfig:"USER_ID"`
	ChannelID string `envconfig:"CHANNEL_ID"`
	ButtonID  string `envconfig:"BUTTON_ID"`
}

func (d DiscordConfig) Enabled() bool {
	return d.Token != ""
}

type MetricsConfig struct {
	Enabled   bool   `envconfig:"ENABLED"`
	Addr      string `envconfig:"LISTEN_ADDR"`
	Path      string `envconfig:"HTTP_PATH"`
	Namespace string `envconfig:"NAMESPACE"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Playback: PlaybackConfig{
			MP3URI:           "file://test.mp3",
			WAVURI:           "file://test.wav",
			SourceRate:       44100,
			SourceChannels:   2,
			RecordPath:       "youtube.m4a",
			PositionSchedule: "@every 5s",
		},
		Output: OutputConfig{
			Device:    OutputPortAudio,
			PortAudio: portaudio.DefaultConfig(),
			Opus:      opus.DefaultConfig(),
			Voice:     discord.DefaultConfig(),
		},
		Discord: DiscordConfig{
			ButtonID: "flexplay:switch",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Addr:      ":9090",
			Path:      "/metrics",
			Namespace: "flexplay",
		},
		Database: database.DefaultConfig(),
		Pipeline: *pipeline.DefaultConfig(),
	}
}

// Load reads envFile if it exists, then applies FLEXPLAY_* variables over the
// defaults.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}
	cfg := Default()
	if err := envconfig.Process(Prefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates the configuration and returns any errors
func (c *Config) Validate() error {
	var errs []string

	if c.Playback.MP3URI == "" || c.Playback.WAVURI == "" {
		errs = append(errs, "both playback uris must be set")
	}
	if c.Playback.SourceRate <= 0 {
		errs = append(errs, fmt.Sprintf("source rate must be positive, got %d", c.Playback.SourceRate))
	}
	if c.Playback.SourceChannels != 1 && c.Playback.SourceChannels != 2 {
		errs = append(errs, fmt.Sprintf("source channels must be 1 or 2, got %d", c.Playback.SourceChannels))
	}
	if c.Playback.YouTubeURL != "" && c.Playback.RecordPath == "" {
		errs = append(errs, "record path must be set when a youtube url is given")
	}

	switch c.Output.Device {
	case OutputPortAudio:
		if err := c.Output.PortAudio.Validate(); err != nil {
			errs = append(errs, err.Error())
		}
	case OutputDiscord:
		if err := c.Output.Opus.Validate(); err != nil {
			errs = append(errs, err.Error())
		}
		if !c.Discord.Enabled() {
			errs = append(errs, ErrDiscordTokenNotSet.Error())
		}
		if c.Discord.GuildID == "" || c.Discord.UserID == "" {
			errs = append(errs, "discord output needs guild and user ids")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown output device %q", c.Output.Device))
	}

	if c.Discord.Enabled() && c.Discord.ButtonID == "" {
		errs = append(errs, "discord button id must not be empty")
	}
	if c.Metrics.Enabled && (c.Metrics.Addr == "" || !strings.HasPrefix(c.Metrics.Path, "/")) {
		errs = append(errs, "metrics needs an address and an absolute path")
	}
	if c.Database.Enabled {
		if err := c.Database.Validate(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if err := c.Pipeline.Validate(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}
	return nil
}
