package discord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/latoulicious/audiograph/pkg/logging"
)

// ErrUserNotInVoice is returned by JoinUserChannel when the user is not in a
// voice channel of the guild.
var ErrUserNotInVoice = errors.New("user is not in a voice channel")

const joinAttempts = 3

// UserVoiceChannel finds the voice channel userID is connected to.
func UserVoiceChannel(state *discordgo.State, guildID, userID string) (string, error) {
	guild, err := state.Guild(guildID)
	if err != nil {
		return "", fmt.Errorf("could not find guild: %w", err)
	}
	for _, vs := range guild.VoiceStates {
		if vs.UserID == userID {
			return vs.ChannelID, nil
		}
	}
	return "", ErrUserNotInVoice
}

// JoinUserChannel joins the voice channel userID is in, retrying with a
// linear backoff.
func JoinUserChannel(ctx context.Context, s *discordgo.Session, guildID, userID string, logger logging.Logger) (*discordgo.VoiceConnection, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	channelID, err := UserVoiceChannel(s.State, guildID, userID)
	if err != nil {
		return nil, err
	}
	logger = logger.With(logging.String("guild_id", guildID), logging.String("channel_id", channelID))
	logger.Info("Joining voice channel")

	var vc *discordgo.VoiceConnection
	for i := 0; i < joinAttempts; i++ {
		vc, err = s.ChannelVoiceJoin(guildID, channelID, false, true)
		if err == nil {
			return vc, nil
		}
		logger.Warn("Voice join attempt failed",
			logging.Int("attempt", i+1),
			logging.Int("max_attempts", joinAttempts),
			logging.Error(err))
		if i < joinAttempts-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(i+1) * time.Second):
			}
		}
	}
	return nil, fmt.Errorf("failed to join voice channel after %d attempts: %w", joinAttempts, err)
}
