package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/stake-plus/govsignal/src/logging"
)

const programName = "govsignal"

var globalFlags = struct {
	configFile string
	debug      bool
	jsonLogs   bool
}{}

func init() {
	logging.Setup("info", false)
}

func main() {
	rootCmd := &cobra.Command{
		Use:           programName,
		Short:         "Mirror DAO proposals into Discord signal polls and queue the winning vote on a Safe",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&globalFlags.configFile, "config", "", "path to config file")
	rootCmd.PersistentFlags().BoolVarP(&globalFlags.debug, "debug", "D", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&globalFlags.jsonLogs, "log-json", false, "log as JSON")

	rootCmd.AddCommand(
		serveCommand(),
		migrateCommand(),
		scanCommand(),
		tickCommand(),
		gateCommand(),
		resolveCommand(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		log.Error().Err(err).Str("kind", logging.KindOf(err).String()).Msg(programName + " failed")
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
