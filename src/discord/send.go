package discord

import (
	"context"
	"errors"

	"github.com/bwmarrin/discordgo"
)

// SendComplexMessageNoEmbed sends a message payload with link previews suppressed.
func SendComplexMessageNoEmbed(ctx context.Context, s *discordgo.Session, channelID string, msg *discordgo.MessageSend) (*discordgo.Message, error) {
	if msg == nil {
		return nil, errors.New("discord: message payload cannot be nil")
	}
	msg.Content = WrapURLsNoEmbed(msg.Content)
	return s.ChannelMessageSendComplex(channelID, msg, discordgo.WithContext(ctx))
}

// EditMessageComplexNoEmbed edits an existing message and its components.
func EditMessageComplexNoEmbed(ctx context.Context, s *discordgo.Session, edit *discordgo.MessageEdit) (*discordgo.Message, error) {
	if edit == nil {
		return nil, errors.New("discord: message edit payload cannot be nil")
	}
	if edit.Content != nil {
		cleaned := WrapURLsNoEmbed(*edit.Content)
		edit.Content = &cleaned
	}
	return s.ChannelMessageEditComplex(edit, discordgo.WithContext(ctx))
}

// DeferEphemeral acknowledges an interaction whose answer follows via EditReply.
func DeferEphemeral(s *discordgo.Session, i *discordgo.Interaction) error {
	return s.InteractionRespond(i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral},
	})
}

// EditReply replaces a deferred interaction answer.
func EditReply(s *discordgo.Session, i *discordgo.Interaction, content string) error {
	content = Truncate(WrapURLsNoEmbed(content), MaxDiscordMessageLen)
	_, err := s.InteractionResponseEdit(i, &discordgo.WebhookEdit{Content: &content})
	return err
}
