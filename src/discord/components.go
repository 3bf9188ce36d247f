package discord

import (
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/stake-plus/govsignal/src/gov"
)

// Custom ids carried by poll components. The message id identifies the poll,
// so buttons only carry the choice.
const (
	votePrefix      = "govsignal:vote:"
	ReasonButtonID  = "govsignal:reason"
	reasonModalPref = "govsignal:reason-modal:"
	ReasonInputID   = "reason"
)

// VoteButtonID is the custom id of the button for choice.
func VoteButtonID(c gov.Choice) string { return votePrefix + string(c) }

// ParseVoteButton extracts the choice from a vote button id.
func ParseVoteButton(customID string) (gov.Choice, bool) {
	raw, ok := strings.CutPrefix(customID, votePrefix)
	if !ok {
		return "", false
	}
	c, err := gov.ParseChoice(raw)
	return c, err == nil
}

// VoteComponents renders the choice buttons plus the reason button.
func VoteComponents() []discordgo.MessageComponent {
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{Components: []discordgo.MessageComponent{
			discordgo.Button{Label: "For", Style: discordgo.SuccessButton, CustomID: VoteButtonID(gov.ChoiceFor)},
			discordgo.Button{Label: "Against", Style: discordgo.DangerButton, CustomID: VoteButtonID(gov.ChoiceAgainst)},
			discordgo.Button{Label: "Abstain", Style: discordgo.SecondaryButton, CustomID: VoteButtonID(gov.ChoiceAbstain)},
			discordgo.Button{Label: "Reason", Style: discordgo.PrimaryButton, CustomID: ReasonButtonID},
		}},
	}
}

// ReasonModalID ties a reason modal to the poll message it was opened from.
func ReasonModalID(messageID string) string { return reasonModalPref + messageID }

// ParseReasonModal returns the poll message id of a reason modal.
func ParseReasonModal(customID string) (string, bool) {
	id, ok := strings.CutPrefix(customID, reasonModalPref)
	return id, ok && id != ""
}

// ReasonModal is the response that opens the free-text reason form.
func ReasonModal(messageID string, maxLen int) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseModal,
		Data: &discordgo.InteractionResponseData{
			CustomID: ReasonModalID(messageID),
			Title:    "Reason for your vote",
			Components: []discordgo.MessageComponent{
				discordgo.ActionsRow{Components: []discordgo.MessageComponent{
					discordgo.TextInput{
						CustomID:  ReasonInputID,
						Label:     "Reason",
						Style:     discordgo.TextInputParagraph,
						Required:  true,
						MaxLength: maxLen,
					},
				}},
			},
		},
	}
}

// modalText returns the value of the text input with id in a modal submission.
func modalText(data discordgo.ModalSubmitInteractionData, id string) string {
	for _, row := range data.Components {
		ar, ok := row.(*discordgo.ActionsRow)
		if !ok {
			continue
		}
		for _, c := range ar.Components {
			if in, ok := c.(*discordgo.TextInput); ok && in.CustomID == id {
				return in.Value
			}
		}
	}
	return ""
}
