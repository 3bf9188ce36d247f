package discord

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
	"github.com/stake-plus/govsignal/src/gov"
	"github.com/stake-plus/govsignal/src/logging"
	"github.com/stake-plus/govsignal/src/tally"
)

// interactionTimeout bounds the work done after an interaction was deferred.
const interactionTimeout = 30 * time.Second

// Bot owns the gateway session and routes interactions to a Handler.
type Bot struct {
	session *discordgo.Session
	guildID string
	handler *Handler
	log     zerolog.Logger
}

// NewSession creates a bot session with the intents the poll flow needs.
func NewSession(token string) (*discordgo.Session, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMembers
	return session, nil
}

// NewBot wires handlers onto session. Start opens the connection.
func NewBot(session *discordgo.Session, guildID string, h *Handler) *Bot {
	b := &Bot{session: session, guildID: guildID, handler: h, log: logging.For("discord")}
	session.AddHandler(b.onReady)
	session.AddHandler(b.onInteractionCreate)
	return b
}

// Eligibility checks the voter role through the session.
func Eligibility(session *discordgo.Session, guildID, roleID string) tally.Eligibility {
	return func(ctx context.Context, voterID string) (bool, error) {
		return HasRole(ctx, session, guildID, voterID, roleID)
	}
}

// Name implements core.Module.
func (b *Bot) Name() string { return "discord" }

func (b *Bot) Start(context.Context) error {
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("failed to open Discord connection: %w", err)
	}
	return nil
}

func (b *Bot) Stop(context.Context) {
	if err := b.session.Close(); err != nil {
		b.log.Warn().Err(err).Msg("closing session")
	}
}

func (b *Bot) onReady(s *discordgo.Session, r *discordgo.Ready) {
	b.log.Info().Str("user", r.User.Username).Msg("logged in")
	if err := RegisterSlashCommands(s, b.guildID, b.log); err != nil {
		b.log.Error().Err(err).Msg("failed to register slash commands")
	}
}

func (b *Bot) onInteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	userID := interactionUser(i)
	if userID == "" {
		return
	}

	switch i.Type {
	case discordgo.InteractionMessageComponent:
		if i.Message == nil {
			return
		}
		data := i.MessageComponentData()
		if data.CustomID == ReasonButtonID {
			// a modal must be the first response, it cannot be deferred
			if err := s.InteractionRespond(i.Interaction, ReasonModal(i.Message.ID, tally.MaxReasonRunes)); err != nil {
				b.log.Warn().Err(err).Msg("opening reason modal failed")
			}
			return
		}
		choice, ok := ParseVoteButton(data.CustomID)
		if !ok {
			return
		}
		b.deferred(s, i, "vote", func(ctx context.Context) string {
			return b.handler.Vote(ctx, ButtonClick{MessageID: i.Message.ID, UserID: userID, ChoiceID: string(choice)})
		})
	case discordgo.InteractionModalSubmit:
		data := i.ModalSubmitData()
		messageID, ok := ParseReasonModal(data.CustomID)
		if !ok {
			return
		}
		b.deferred(s, i, "reason", func(ctx context.Context) string {
			return b.handler.Reason(ctx, ModalSubmit{
				MessageID: messageID,
				UserID:    userID,
				FreeText:  modalText(data, ReasonInputID),
			})
		})
	case discordgo.InteractionApplicationCommand:
		data := i.ApplicationCommandData()
		b.deferred(s, i, data.Name, func(ctx context.Context) string {
			return b.command(ctx, s, data, userID)
		})
	}
}

// deferred acknowledges the interaction, runs fn and edits the answer in.
// Role lookups and message edits can exceed the initial response window.
func (b *Bot) deferred(s *discordgo.Session, i *discordgo.InteractionCreate, what string, fn func(ctx context.Context) string) {
	if err := DeferEphemeral(s, i.Interaction); err != nil {
		b.log.Warn().Err(err).Str("interaction", what).Msg("failed to acknowledge interaction")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), interactionTimeout)
	defer cancel()
	if err := EditReply(s, i.Interaction, fn(ctx)); err != nil {
		b.log.Warn().Err(err).Str("interaction", what).Msg("failed to send reply")
	}
}

func (b *Bot) command(ctx context.Context, s *discordgo.Session, data discordgo.ApplicationCommandInteractionData, userID string) string {
	opts := optionMap(data.Options)
	var reply string
	switch data.Name {
	case CommandCreatePoll:
		if ok, err := HasRole(ctx, s, b.guildID, userID, b.handler.RoleID); err != nil || !ok {
			reply = "You don't have permission to use this command."
			break
		}
		reply = b.handler.CreatePoll(ctx, userID, stringOpt(opts, "title"), stringOpt(opts, "description"))
	case CommandPollStatus:
		var pid *gov.ProposalID
		if o, ok := opts["proposal"]; ok && o.IntValue() >= 0 {
			v := gov.ProposalID(o.IntValue())
			pid = &v
		}
		reply = b.handler.PollStatus(ctx, pid)
	case CommandReconcile:
		if o := opts["proposal"]; o == nil || o.IntValue() < 0 {
			reply = "Proposal id must be a positive number."
			break
		}
		reply = b.handler.Reconcile(ctx, userID, gov.ProposalID(opts["proposal"].IntValue()), stringOpt(opts, "outcome"))
	default:
		reply = "Unknown command."
	}
	return reply
}

func interactionUser(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}
