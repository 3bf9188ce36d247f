package discord

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
)

const (
	CommandCreatePoll = "create-poll"
	CommandPollStatus = "poll-status"
	CommandReconcile  = "reconcile"
)

var adminPermission int64 = discordgo.PermissionAdministrator

var commandDefinitions = map[string]*discordgo.ApplicationCommand{
	CommandCreatePoll: {
		Name:        CommandCreatePoll,
		Description: "Open a signal poll that is not tied to an on-chain proposal",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "title",
				Description: "Poll title",
				Required:    true,
				MaxLength:   200,
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "description",
				Description: "What the poll is about",
				Required:    false,
				MaxLength:   4000,
			},
		},
	},
	CommandPollStatus: {
		Name:        CommandPollStatus,
		Description: "Show the tally of open polls or of one proposal",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionInteger,
				Name:        "proposal",
				Description: "Proposal id",
				Required:    false,
			},
		},
	},
	CommandReconcile: {
		Name:                     CommandReconcile,
		Description:              "Resolve a multisig submission with an unknown outcome",
		DefaultMemberPermissions: &adminPermission,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionInteger,
				Name:        "proposal",
				Description: "Proposal id",
				Required:    true,
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "outcome",
				Description: "What happened to the submission",
				Required:    true,
				Choices: []*discordgo.ApplicationCommandOptionChoice{
					{Name: "confirmed (it is in the Safe queue)", Value: "confirmed"},
					{Name: "retry (it never arrived)", Value: "retry"},
				},
			},
		},
	},
}

var defaultCommandOrder = []string{
	CommandCreatePoll,
	CommandPollStatus,
	CommandReconcile,
}

// RegisterSlashCommands registers the requested slash commands for a guild.
// When no command names are provided, all known commands are registered.
func RegisterSlashCommands(s *discordgo.Session, guildID string, log zerolog.Logger, names ...string) error {
	if guildID == "" {
		return fmt.Errorf("discord: guildID is required to register slash commands")
	}
	if len(names) == 0 {
		names = defaultCommandOrder
	}

	var failures []string
	for _, name := range names {
		definition, ok := commandDefinitions[name]
		if !ok {
			log.Warn().Str("command", name).Msg("unknown slash command")
			continue
		}
		if _, err := s.ApplicationCommandCreate(s.State.User.ID, guildID, definition); err != nil {
			if isDuplicateCommandError(err) {
				log.Debug().Str("command", name).Msg("slash command already registered")
				continue
			}
			failures = append(failures, fmt.Sprintf("%s: %v", name, err))
		}
	}
	if len(failures) > 0 {
		return fmt.Errorf("discord: slash command registration errors: %s", strings.Join(failures, "; "))
	}
	return nil
}

func isDuplicateCommandError(err error) bool {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Message != nil {
		if strings.Contains(strings.ToLower(restErr.Message.Message), "already exists") {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "50035") && strings.Contains(msg, "already exists")
}

func optionMap(opts []*discordgo.ApplicationCommandInteractionDataOption) map[string]*discordgo.ApplicationCommandInteractionDataOption {
	out := make(map[string]*discordgo.ApplicationCommandInteractionDataOption, len(opts))
	for _, o := range opts {
		out[o.Name] = o
	}
	return out
}

func stringOpt(opts map[string]*discordgo.ApplicationCommandInteractionDataOption, name string) string {
	if o, ok := opts[name]; ok && o != nil {
		return o.StringValue()
	}
	return ""
}
