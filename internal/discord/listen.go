package discord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/voxscribe/voxscribe/internal/voice"
)

// ListenCommands holds the dependencies for the /listen and /stop slash
// commands.
type ListenCommands struct {
	svc      *voice.Service
	notifier *Notifier
	guildID  string
}

// NewListenCommands creates a ListenCommands and registers its handlers with
// the bot's router. notifier may be nil when transcript posting is disabled.
func NewListenCommands(bot *Bot, svc *voice.Service, notifier *Notifier) *ListenCommands {
	lc := &ListenCommands{
		svc:      svc,
		notifier: notifier,
		guildID:  bot.guildID,
	}
	lc.Register(bot.Router())
	return lc
}

// Register registers /listen and /stop with the router.
func (lc *ListenCommands) Register(router *CommandRouter) {
	listen, stop := lc.Definitions()
	router.RegisterCommand("listen", listen, lc.handleListen)
	router.RegisterCommand("stop", stop, lc.handleStop)
}

// Definitions returns the ApplicationCommand definitions for /listen and
// /stop.
func (lc *ListenCommands) Definitions() (listen, stop *discordgo.ApplicationCommand) {
	userOpt := func(desc string) []*discordgo.ApplicationCommandOption {
		return []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionUser,
				Name:        "user",
				Description: desc,
				Required:    false,
			},
		}
	}
	listen = &discordgo.ApplicationCommand{
		Name:        "listen",
		Description: "Start transcribing a user's voice",
		Options:     userOpt("User to transcribe (defaults to you)"),
	}
	stop = &discordgo.ApplicationCommand{
		Name:        "stop",
		Description: "Stop transcribing a user's voice",
		Options:     userOpt("User to stop transcribing (defaults to you)"),
	}
	return listen, stop
}

// handleListen handles /listen. The target must be in a voice channel; the
// bot joins it (or reuses the guild's existing connection) and starts the
// capture pipeline.
func (lc *ListenCommands) handleListen(s *discordgo.Session, i *discordgo.InteractionCreate) {
	guildID := lc.effectiveGuildID(i)
	userID := targetUserID(i)
	if userID == "" {
		RespondEphemeral(s, i, "Could not determine which user to listen to.")
		return
	}

	vs, err := s.State.VoiceState(guildID, userID)
	if err != nil || vs == nil || vs.ChannelID == "" {
		RespondEphemeral(s, i, fmt.Sprintf("<@%s> must be in a voice channel first.", userID))
		return
	}

	// Joining the channel can take a moment; defer the reply.
	DeferReply(s, i)

	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()

	if err := lc.svc.StartListening(ctx, guildID, vs.ChannelID, userID); err != nil {
		FollowUp(s, i, startErrorMessage(userID, err))
		return
	}

	if lc.notifier != nil && i.ChannelID != "" {
		lc.notifier.Bind(userID, i.ChannelID)
	}
	FollowUp(s, i, fmt.Sprintf("Now transcribing <@%s> in <#%s>.", userID, vs.ChannelID))
}

// handleStop handles /stop.
func (lc *ListenCommands) handleStop(s *discordgo.Session, i *discordgo.InteractionCreate) {
	userID := targetUserID(i)
	if userID == "" {
		RespondEphemeral(s, i, "Could not determine which user to stop.")
		return
	}
	if !lc.svc.IsListening(userID) {
		RespondEphemeral(s, i, fmt.Sprintf("<@%s> is not being transcribed.", userID))
		return
	}

	DeferReply(s, i)
	lc.svc.StopListening(userID)
	FollowUp(s, i, fmt.Sprintf("Stopped transcribing <@%s>.", userID))
}

// effectiveGuildID prefers the interaction's guild and falls back to the
// configured single-guild default.
func (lc *ListenCommands) effectiveGuildID(i *discordgo.InteractionCreate) string {
	if i.GuildID != "" {
		return i.GuildID
	}
	return lc.guildID
}

// targetUserID resolves the "user" option, falling back to the invoker.
func targetUserID(i *discordgo.InteractionCreate) string {
	for _, opt := range i.ApplicationCommandData().Options {
		if opt.Name == "user" && opt.Type == discordgo.ApplicationCommandOptionUser {
			if id, ok := opt.Value.(string); ok && id != "" {
				return id
			}
		}
	}
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

// startErrorMessage maps StartListening failures to user-facing text.
func startErrorMessage(userID string, err error) string {
	switch {
	case errors.Is(err, voice.ErrSessionConflict):
		return fmt.Sprintf("<@%s> is already being transcribed.", userID)
	case errors.Is(err, voice.ErrChannelBusy):
		return "I'm already capturing audio in a different voice channel of this server."
	case errors.Is(err, voice.ErrConnectionTimeout):
		return "Timed out joining the voice channel. Please try again."
	default:
		return fmt.Sprintf("Failed to start transcribing: %v", err)
	}
}
