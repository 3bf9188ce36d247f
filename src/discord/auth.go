package discord

import (
	"context"

	"github.com/bwmarrin/discordgo"
)

// HasRole checks whether a user has a role in a guild. Empty roleID always returns true.
func HasRole(ctx context.Context, s *discordgo.Session, guildID, userID, roleID string) (bool, error) {
	if roleID == "" {
		return true, nil
	}
	member, err := s.GuildMember(guildID, userID, discordgo.WithContext(ctx))
	if err != nil {
		return false, err
	}
	return memberHasRole(member, roleID), nil
}

// MembersWithRole pages through the guild member list and returns the ids of
// members holding roleID.
func MembersWithRole(ctx context.Context, s *discordgo.Session, guildID, roleID string) ([]string, error) {
	var (
		ids   []string
		after string
	)
	for {
		page, err := s.GuildMembers(guildID, after, 1000, discordgo.WithContext(ctx))
		if err != nil {
			return nil, err
		}
		for _, m := range page {
			if m.User != nil && memberHasRole(m, roleID) {
				ids = append(ids, m.User.ID)
			}
		}
		if len(page) < 1000 || page[len(page)-1].User == nil {
			return ids, nil
		}
		after = page[len(page)-1].User.ID
	}
}

func memberHasRole(m *discordgo.Member, roleID string) bool {
	if roleID == "" {
		return true
	}
	for _, role := range m.Roles {
		if role == roleID {
			return true
		}
	}
	return false
}
