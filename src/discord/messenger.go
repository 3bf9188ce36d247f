package discord

import (
	"context"
	"errors"

	"github.com/bwmarrin/discordgo"
	"github.com/stake-plus/govsignal/src/announce"
	"github.com/stake-plus/govsignal/src/logging"
)

// threadArchiveMinutes keeps poll threads open for the three-day window.
const threadArchiveMinutes = 4320

// Messenger is the outbound chat adapter over a discordgo session.
type Messenger struct {
	session *discordgo.Session
	guildID string
}

var _ announce.Messenger = (*Messenger)(nil)

func NewMessenger(s *discordgo.Session, guildID string) *Messenger {
	return &Messenger{session: s, guildID: guildID}
}

// SendMessage posts msg and returns the id of its first message. Long content
// is split across follow-up messages; voting controls go on the first one.
func (m *Messenger) SendMessage(ctx context.Context, channelID string, msg announce.Message) (string, error) {
	chunks := SplitMessage(msg.Content, SafeChunkLen)
	var firstID string
	for i, chunk := range chunks {
		send := &discordgo.MessageSend{
			Content:         chunk,
			AllowedMentions: allowedMentions(i == 0),
		}
		if i == 0 && msg.Voting {
			send.Components = VoteComponents()
		}
		sent, err := SendComplexMessageNoEmbed(ctx, m.session, channelID, send)
		if err != nil {
			if firstID != "" {
				return firstID, nil
			}
			return "", classify("send message", err)
		}
		if i == 0 {
			firstID = sent.ID
		}
	}
	return firstID, nil
}

// EditMessage replaces the content of a poll message. Without Voting the
// buttons are removed.
func (m *Messenger) EditMessage(ctx context.Context, channelID, messageID string, msg announce.Message) error {
	content := Truncate(msg.Content, MaxDiscordMessageLen)
	components := []discordgo.MessageComponent{}
	if msg.Voting {
		components = VoteComponents()
	}
	_, err := EditMessageComplexNoEmbed(ctx, m.session, &discordgo.MessageEdit{
		ID:         messageID,
		Channel:    channelID,
		Content:    &content,
		Components: &components,
		// edits never ping again
		AllowedMentions: allowedMentions(false),
	})
	return classify("edit message", err)
}

// CreateThread opens a public thread on messageID.
func (m *Messenger) CreateThread(ctx context.Context, channelID, messageID, name string) (string, error) {
	ch, err := m.session.MessageThreadStartComplex(channelID, messageID, &discordgo.ThreadStart{
		Name:                name,
		AutoArchiveDuration: threadArchiveMinutes,
		Type:                discordgo.ChannelTypeGuildPublicThread,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", classify("create thread", err)
	}
	return ch.ID, nil
}

// DeleteMessage removes a poll message.
func (m *Messenger) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	return classify("delete message", m.session.ChannelMessageDelete(channelID, messageID, discordgo.WithContext(ctx)))
}

// FetchMembersWithRole lists the user ids holding roleID.
func (m *Messenger) FetchMembersWithRole(ctx context.Context, roleID string) ([]string, error) {
	ids, err := MembersWithRole(ctx, m.session, m.guildID, roleID)
	return ids, classify("fetch members", err)
}

func allowedMentions(roles bool) *discordgo.MessageAllowedMentions {
	am := &discordgo.MessageAllowedMentions{Parse: []discordgo.AllowedMentionType{}}
	if roles {
		am.Parse = []discordgo.AllowedMentionType{discordgo.AllowedMentionTypeRoles}
	}
	return am
}

// classify maps REST failures onto the error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		return logging.Wrap(logging.KindForStatus(rest.Response.StatusCode), "discord "+op, err)
	}
	return logging.Wrap(logging.TransientNetwork, "discord "+op, err)
}
