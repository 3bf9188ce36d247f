package main

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/stake-plus/govsignal/src/announce"
	"github.com/stake-plus/govsignal/src/chain"
	"github.com/stake-plus/govsignal/src/config"
	"github.com/stake-plus/govsignal/src/data"
	"github.com/stake-plus/govsignal/src/discord"
	"github.com/stake-plus/govsignal/src/events"
	"github.com/stake-plus/govsignal/src/export"
	"github.com/stake-plus/govsignal/src/gate"
	"github.com/stake-plus/govsignal/src/gov"
	"github.com/stake-plus/govsignal/src/logging"
	"github.com/stake-plus/govsignal/src/metrics"
	"github.com/stake-plus/govsignal/src/runner"
	"github.com/stake-plus/govsignal/src/safe"
	"github.com/stake-plus/govsignal/src/scanner"
	"github.com/stake-plus/govsignal/src/scheduler"
	"github.com/stake-plus/govsignal/src/store"
	"github.com/stake-plus/govsignal/src/tally"
	"gorm.io/gorm"
)

// app holds every wired component for one process.
type app struct {
	cfg      config.Config
	db       *gorm.DB
	store    *store.Store
	rdb      *redis.Client
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	events   events.Publisher

	chain     *chain.Client
	session   *discordgo.Session
	announcer *announce.Announcer
	tally     *tally.Tally
	scanner   *scanner.Scanner
	scheduler *scheduler.Scheduler
	gate      *gate.Gate
	runner    *runner.Runner
}

// openDB resolves the DSN, connects and migrates. Settings are read after
// this, so the settings table must exist first.
func openDB() (*gorm.DB, error) {
	if err := config.InitViper(globalFlags.configFile); err != nil {
		return nil, logging.Wrap(logging.PermanentConfig, "config file", err)
	}
	dsn, err := data.GetDSN()
	if err != nil {
		return nil, logging.Wrap(logging.PermanentConfig, "config", err)
	}
	db, err := data.Connect(dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting database: %w", err)
	}
	if err := db.AutoMigrate(&data.Setting{}); err != nil {
		return nil, fmt.Errorf("migrating settings: %w", err)
	}
	if err := store.New(db).Migrate(); err != nil {
		return nil, fmt.Errorf("migrating store: %w", err)
	}
	return db, nil
}

func loadConfig(db *gorm.DB) (config.Config, error) {
	cfg := config.Load(db)
	level := cfg.LogLevel
	if globalFlags.debug {
		level = "debug"
	}
	logging.Setup(level, cfg.LogJSON || globalFlags.jsonLogs)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	log.Info().Interface("config", cfg.Summary()).Msg("configuration loaded")
	return cfg, nil
}

func openApp(ctx context.Context) (*app, error) {
	db, err := openDB()
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfig(db)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		db:       db,
		store:    store.New(db),
		registry: prometheus.NewRegistry(),
		events:   events.Nop{},
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	if cfg.RedisURL != "" {
		rdb, err := data.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			a.close()
			return nil, err
		}
		a.rdb = rdb
		a.events = events.NewRedis(rdb)
	}

	a.chain, err = chain.Dial(ctx, cfg.Chain.RPCURL, common.HexToAddress(cfg.Chain.GovernorAddress), cfg.Chain.CallTimeout)
	if err != nil {
		a.close()
		return nil, err
	}

	a.session, err = discord.NewSession(cfg.Token)
	if err != nil {
		a.close()
		return nil, err
	}
	messenger := discord.NewMessenger(a.session, cfg.GuildID)
	a.announcer = announce.New(a.store, messenger, announce.Options{ChannelID: cfg.Poll.ChannelID, RoleID: cfg.Poll.VoterRoleID})
	a.tally = tally.New(a.store, discord.Eligibility(a.session, cfg.GuildID, cfg.Poll.VoterRoleID))

	a.scanner = scanner.New(a.chain, a.store, scanner.Options{
		StartBlock:     cfg.Chain.StartBlock,
		LookbackBlocks: cfg.Chain.LookbackBlocks,
		WindowBlocks:   cfg.Chain.WindowBlocks,
		BlockTime:      cfg.Chain.BlockTime,
		LeadWindow:     cfg.Poll.LeadWindow,
		MinDuration:    cfg.Poll.MinDuration,
		URLTemplate:    cfg.Poll.ProposalURLTemplate,
		ChannelID:      cfg.Poll.ChannelID,
	}, a.events, a.metrics)

	a.scheduler = scheduler.New(a.store, export.NewArchive(cfg.Poll.ExportDir, cfg.Poll.ExportHTML), a.announcer, a.events, a.metrics)

	gateOpts, err := a.gateOptions()
	if err != nil {
		a.close()
		return nil, err
	}
	a.gate = gate.New(a.store, a.chain, gateOpts, a.events, a.metrics)

	a.runner = runner.New(runner.Jobs{
		Scanner:   a.scanner,
		Scheduler: a.scheduler,
		Gate:      a.gate,
		Announcer: a.announcer,
	}, cfg.Scheduler, a.metrics)
	return a, nil
}

func (a *app) gateOptions() (gate.Options, error) {
	cfg := a.cfg
	opts := gate.Options{
		Safe:      common.HexToAddress(cfg.Safe.Address),
		Governor:  common.HexToAddress(cfg.Chain.GovernorAddress),
		IntentTTL: cfg.Safe.IntentTTL,
		ReasonURL: func(pid gov.ProposalID) string {
			return fmt.Sprintf(cfg.Poll.ProposalURLTemplate, pid)
		},
	}
	if a.rdb != nil {
		opts.Lease = gate.NewRedisLease(a.rdb)
	}
	if !cfg.Safe.Enabled {
		log.Info().Msg("multisig submission disabled")
		return opts, nil
	}
	wallet, err := chain.NewWallet(cfg.Safe.PrivateKey)
	if err != nil {
		return opts, logging.Wrap(logging.PermanentConfig, "safe_private_key", err)
	}
	opts.Signer = wallet
	opts.Service = safe.New(cfg.Safe.ServiceURL, cfg.Safe.Timeout)
	log.Info().Str("safe", cfg.Safe.Address).Str("owner", wallet.Address().Hex()).Msg("multisig submission enabled")
	return opts, nil
}

func (a *app) close() {
	if a.chain != nil {
		a.chain.Close()
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			log.Warn().Err(err).Msg("closing redis")
		}
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			sqlDB.Close()
		}
	}
}
