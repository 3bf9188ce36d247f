package main

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/stake-plus/govsignal/src/actions/core"
	"github.com/stake-plus/govsignal/src/api/webserver"
	"github.com/stake-plus/govsignal/src/discord"
)

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot, the periodic jobs and the admin API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			handler := &discord.Handler{
				Store:        a.store,
				Tally:        a.tally,
				Poster:       a.announcer,
				Resolver:     a.gate,
				Members:      discord.NewMessenger(a.session, a.cfg.GuildID).FetchMembersWithRole,
				RoleID:       a.cfg.Poll.VoterRoleID,
				ChannelID:    a.cfg.Poll.ChannelID,
				PollDuration: a.cfg.Poll.Duration,
				Metrics:      a.metrics,
			}
			bot := discord.NewBot(a.session, a.cfg.GuildID, handler)

			mgr := core.NewManager(bot, a.runner)
			if a.cfg.API.Enabled {
				if err := mgr.Add(webserver.New(a.cfg.API, a.store, a.gate, a.registry)); err != nil {
					return err
				}
			}

			log.Info().Msg(programName + " is running, press CTRL-C to exit")
			if err := mgr.Run(ctx, 30*time.Second); err != nil {
				return err
			}
			log.Info().Msg(programName + " stopped gracefully")
			return nil
		},
	}
}
