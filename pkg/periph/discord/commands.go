package discord

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/latoulicious/audiograph/pkg/logging"
	"github.com/latoulicious/audiograph/pkg/periph"
)

// CommandSession is the part of *discordgo.Session slash commands use.
type CommandSession interface {
	Session
	ApplicationCommandCreate(appID, guildID string, cmd *discordgo.ApplicationCommand, options ...discordgo.RequestOption) (*discordgo.ApplicationCommand, error)
	ApplicationCommandDelete(appID, guildID, cmdID string, options ...discordgo.RequestOption) error
}

// Command is one slash command and the reply shown to the user who ran it.
type Command struct {
	Name        string
	Description string
	Reply       string
}

// DefaultCommands controls playback.
func DefaultCommands() []Command {
	return []Command{
		{Name: "switch", Description: "Switch to the other track", Reply: "🔀 Switching track."},
		{Name: "pause", Description: "Pause the current playback", Reply: "⏸️ Playback paused."},
		{Name: "resume", Description: "Resume paused playback", Reply: "▶️ Playback resumed."},
		{Name: "position", Description: "Log the playback position", Reply: "📍 Position reported."},
	}
}

// Commands registers slash commands on Start and sends a periph.CmdCommand
// carrying the command name whenever one is used.
type Commands struct {
	periph.Base

	session  CommandSession
	appID    string
	guildID  string
	commands map[string]Command
	order    []string

	mu      sync.Mutex
	remove  func()
	created []*discordgo.ApplicationCommand
}

// NewCommands creates the peripheral. An empty guildID registers the commands
// globally.
func NewCommands(id, appID, guildID string, s CommandSession, cmds []Command, logger logging.Logger) (*Commands, error) {
	if s == nil {
		return nil, errors.New("discord commands need a session")
	}
	if appID == "" {
		return nil, errors.New("discord commands need an application id")
	}
	if len(cmds) == 0 {
		cmds = DefaultCommands()
	}
	c := &Commands{
		Base:     periph.NewBase(id, logger),
		session:  s,
		appID:    appID,
		guildID:  guildID,
		commands: make(map[string]Command, len(cmds)),
	}
	for _, cmd := range cmds {
		if _, dup := c.commands[cmd.Name]; dup {
			return nil, fmt.Errorf("duplicate command %q", cmd.Name)
		}
		c.commands[cmd.Name] = cmd
		c.order = append(c.order, cmd.Name)
	}
	return c, nil
}

// Start registers the interaction handler and the application commands.
func (c *Commands) Start(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remove != nil {
		return nil
	}
	c.remove = c.session.AddHandler(c.handleInteraction)

	var errs []error
	for _, name := range c.order {
		cmd := c.commands[name]
		created, err := c.session.ApplicationCommandCreate(c.appID, c.guildID, &discordgo.ApplicationCommand{
			Name:        cmd.Name,
			Description: cmd.Description,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to create command %q: %w", cmd.Name, err))
			continue
		}
		c.created = append(c.created, created)
	}
	c.Logger().Info("Registered slash commands", logging.Int("count", len(c.created)))
	return errors.Join(errs...)
}

// Stop removes the handler and deletes the commands Start created.
func (c *Commands) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remove != nil {
		c.remove()
		c.remove = nil
	}
	var errs []error
	for _, cmd := range c.created {
		if err := c.session.ApplicationCommandDelete(c.appID, c.guildID, cmd.ID); err != nil {
			errs = append(errs, fmt.Errorf("failed to delete command %q: %w", cmd.Name, err))
		}
	}
	c.created = nil
	return errors.Join(errs...)
}

func (c *Commands) handleInteraction(_ *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	if u := interactionUser(i); u != nil && u.Bot {
		return
	}
	cmd, ok := c.commands[i.ApplicationCommandData().Name]
	if !ok {
		return
	}

	err := c.session.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: cmd.Reply,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
	if err != nil {
		c.Logger().Warn("Error responding to command", logging.String("command", cmd.Name), logging.Error(err))
	}
	if err := c.Send(periph.CmdCommand, cmd.Name); err != nil {
		c.Logger().Error("Failed to forward command", logging.String("command", cmd.Name), logging.Error(err))
	}
}
