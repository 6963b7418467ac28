// Package presence mirrors the playback state in the bot's Discord status.
package presence

import (
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/latoulicious/audiograph/pkg/logging"
)

// Kind is the presence currently shown.
type Kind string

const (
	KindNone   Kind = ""
	KindIdle   Kind = "idle"
	KindMusic  Kind = "music"
	KindPaused Kind = "paused"
)

// StatusUpdater is the part of *discordgo.Session presence updates use.
type StatusUpdater interface {
	UpdateStatusComplex(usd discordgo.UpdateStatusData) error
}

// Manager updates the bot presence as tracks start, pause and stop.
type Manager struct {
	session StatusUpdater
	logger  logging.Logger

	mu      sync.RWMutex
	current Kind
	title   string
}

// NewManager creates a presence manager.
func NewManager(session StatusUpdater, logger logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Manager{session: session, logger: logger.With(logging.Component("presence"))}
}

// NowPlaying shows title as the track being listened to.
func (m *Manager) NowPlaying(title string) {
	m.update(KindMusic, title, &discordgo.UpdateStatusData{
		Status: "online",
		Activities: []*discordgo.Activity{{
			Name:  "to",
			Type:  discordgo.ActivityTypeListening,
			State: title,
		}},
	})
}

// Paused keeps the current title and marks playback as paused.
func (m *Manager) Paused() {
	m.mu.RLock()
	title := m.title
	m.mu.RUnlock()
	m.update(KindPaused, title, &discordgo.UpdateStatusData{
		Status: "idle",
		Activities: []*discordgo.Activity{{
			Name:  "paused",
			Type:  discordgo.ActivityTypeWatching,
			State: title,
		}},
	})
}

// Idle clears the track.
func (m *Manager) Idle() {
	m.update(KindIdle, "", &discordgo.UpdateStatusData{Status: "online"})
}

// Current returns the presence kind and title last shown.
func (m *Manager) Current() (Kind, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current, m.title
}

func (m *Manager) update(kind Kind, title string, data *discordgo.UpdateStatusData) {
	m.mu.Lock()
	if m.current == kind && m.title == title {
		m.mu.Unlock()
		return
	}
	m.current, m.title = kind, title
	m.mu.Unlock()

	if m.session == nil {
		return
	}
	if err := m.session.UpdateStatusComplex(*data); err != nil {
		m.logger.Warn("Failed to update presence",
			logging.String("kind", string(kind)),
			logging.Error(err))
	}
}
