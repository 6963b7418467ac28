// Package discord provides a peripheral driven by Discord message component
// buttons.
package discord

import (
	"context"
	"errors"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/latoulicious/audiograph/pkg/logging"
	"github.com/latoulicious/audiograph/pkg/periph"
)

// Session is the part of *discordgo.Session the button uses.
type Session interface {
	AddHandler(handler interface{}) func()
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
}

// Button clicks a periph.Button whenever a user presses the message component
// with its custom id.
type Button struct {
	*periph.Button

	session  Session
	customID string

	mu     sync.Mutex
	remove func()
}

// NewButton creates a button reporting as id and listening for customID.
func NewButton(id, customID string, s Session, logger logging.Logger) (*Button, error) {
	if s == nil {
		return nil, errors.New("discord button needs a session")
	}
	if customID == "" {
		return nil, errors.New("discord button needs a custom id")
	}
	return &Button{
		Button:   periph.NewButton(id, 0, logger),
		session:  s,
		customID: customID,
	}, nil
}

func (b *Button) CustomID() string { return b.customID }

// Start registers the interaction handler.
func (b *Button) Start(ctx context.Context) error {
	if err := b.Button.Start(ctx); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.remove == nil {
		b.remove = b.session.AddHandler(b.handleInteraction)
	}
	return nil
}

// Stop removes the interaction handler.
func (b *Button) Stop() error {
	b.mu.Lock()
	if b.remove != nil {
		b.remove()
		b.remove = nil
	}
	b.mu.Unlock()
	return b.Button.Stop()
}

func (b *Button) handleInteraction(_ *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionMessageComponent {
		return
	}
	if u := interactionUser(i); u != nil && u.Bot {
		return
	}
	if i.MessageComponentData().CustomID != b.customID {
		return
	}

	// Acknowledge the interaction immediately
	err := b.session.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredMessageUpdate,
	})
	if err != nil {
		b.Logger().Warn("Error acknowledging interaction", logging.Error(err))
	}
	if err := b.Click(); err != nil {
		b.Logger().Warn("Button interaction not delivered", logging.Error(err))
	}
}

func interactionUser(i *discordgo.InteractionCreate) *discordgo.User {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User
	}
	return i.User
}

// ComponentMessage builds a message with one row of buttons, each labelled
// with its peripheral id.
func ComponentMessage(content string, buttons ...*Button) *discordgo.MessageSend {
	row := discordgo.ActionsRow{}
	for _, b := range buttons {
		row.Components = append(row.Components, discordgo.Button{
			Label:    b.ID(),
			Style:    discordgo.PrimaryButton,
			CustomID: b.customID,
		})
	}
	return &discordgo.MessageSend{
		Content:    content,
		Components: []discordgo.MessageComponent{row},
	}
}
