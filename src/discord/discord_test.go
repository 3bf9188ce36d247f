package discord

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"github.com/stake-plus/govsignal/src/gov"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVoteButtonRoundTrip(t *testing.T) {
	for _, c := range []gov.Choice{gov.ChoiceFor, gov.ChoiceAgainst, gov.ChoiceAbstain} {
		got, ok := ParseVoteButton(VoteButtonID(c))
		require.True(t, ok)
		assert.Equal(t, c, got)
	}
	_, ok := ParseVoteButton("govsignal:vote:maybe")
	assert.False(t, ok)
	_, ok = ParseVoteButton(ReasonButtonID)
	assert.False(t, ok)
}

func TestReasonModalID(t *testing.T) {
	id, ok := ParseReasonModal(ReasonModalID("123"))
	require.True(t, ok)
	assert.Equal(t, "123", id)
	_, ok = ParseReasonModal("govsignal:reason-modal:")
	assert.False(t, ok)
}

func TestModalText(t *testing.T) {
	data := discordgo.ModalSubmitInteractionData{
		CustomID: ReasonModalID("1"),
		Components: []discordgo.MessageComponent{
			&discordgo.ActionsRow{Components: []discordgo.MessageComponent{
				&discordgo.TextInput{CustomID: ReasonInputID, Value: "treasury risk"},
			}},
		},
	}
	assert.Equal(t, "treasury risk", modalText(data, ReasonInputID))
	assert.Empty(t, modalText(data, "other"))
}

func TestSplitMessage(t *testing.T) {
	short := "hello"
	assert.Equal(t, []string{short}, SplitMessage(short, 10))

	var lines []string
	for i := 0; i < 50; i++ {
		lines = append(lines, strings.Repeat("v", 30))
	}
	chunks := SplitMessage(strings.Join(lines, "\n"), 100)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(c), 100)
	}
	assert.Equal(t, strings.Join(lines, "\n"), strings.Join(chunks, "\n"))

	chunks = SplitMessage(strings.Repeat("é", 250), 100)
	require.Len(t, chunks, 3)
	for _, c := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(c), 100)
	}
}

func TestWrapURLsNoEmbed(t *testing.T) {
	assert.Equal(t, "see <https://nouns.wtf/vote/812>.", WrapURLsNoEmbed("see https://nouns.wtf/vote/812."))
	assert.Equal(t, "<https://a.b/c>", WrapURLsNoEmbed("<https://a.b/c>"))
	assert.Equal(t, "no links", WrapURLsNoEmbed("no links"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 5))
	assert.Equal(t, "ab…", Truncate("abcdef", 3))
}

func TestCommandDefinitions(t *testing.T) {
	for _, name := range defaultCommandOrder {
		def, ok := commandDefinitions[name]
		require.True(t, ok, name)
		assert.Equal(t, name, def.Name)
	}
	assert.NotNil(t, commandDefinitions[CommandReconcile].DefaultMemberPermissions)
}
