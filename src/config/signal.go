package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stake-plus/govsignal/src/logging"
	"gorm.io/gorm"
)

// ChainConfig configures the governor scan.
type ChainConfig struct {
	RPCURL          string
	GovernorAddress string
	StartBlock      uint64
	LookbackBlocks  uint64
	WindowBlocks    uint64
	BlockTime       time.Duration
	CallTimeout     time.Duration
}

// SafeConfig configures multisig submission.
type SafeConfig struct {
	Enabled    bool
	Address    string
	ServiceURL string
	PrivateKey string
	IntentTTL  time.Duration
	Timeout    time.Duration
}

// PollConfig controls poll creation and rendering.
type PollConfig struct {
	ChannelID           string
	VoterRoleID         string
	Duration            time.Duration
	LeadWindow          time.Duration
	MinDuration         time.Duration
	ProposalURLTemplate string
	ExportDir           string
	ExportHTML          bool
}

// SchedulerConfig holds the periodic job intervals.
type SchedulerConfig struct {
	ScanInterval time.Duration
	TickInterval time.Duration
	GateInterval time.Duration
}

// APIConfig configures the admin HTTP server.
type APIConfig struct {
	Enabled     bool
	Addr        string
	JWTSecret   string
	CORSOrigins []string
}

// Config is the full signal bot configuration.
type Config struct {
	Base
	Chain     ChainConfig
	Safe      SafeConfig
	Poll      PollConfig
	Scheduler SchedulerConfig
	API       APIConfig
	LogLevel  string
	LogJSON   bool
}

// Load resolves every setting. db may be nil before the database is reachable.
func Load(db *gorm.DB) Config {
	base := LoadBase(db)

	return Config{
		Base: base,
		Chain: ChainConfig{
			RPCURL:          GetSetting("rpc_url", "RPC_URL", ""),
			GovernorAddress: GetSetting("governor_address", "GOVERNOR_ADDRESS", "0x6f3E6272A167e8AcCb32072d08E0957F9c79223d"),
			StartBlock:      uint64(max(getIntSetting("scan_start_block", "SCAN_START_BLOCK", 0), 0)),
			LookbackBlocks:  uint64(max(getIntSetting("scan_lookback_blocks", "SCAN_LOOKBACK_BLOCKS", 28800), 1)),
			WindowBlocks:    uint64(max(getIntSetting("scan_window_blocks", "SCAN_WINDOW_BLOCKS", 2000), 1)),
			BlockTime:       getDurationSetting("block_time", "BLOCK_TIME", time.Second, 12*time.Second),
			CallTimeout:     getDurationSetting("rpc_timeout", "RPC_TIMEOUT", time.Second, 20*time.Second),
		},
		Safe: SafeConfig{
			Enabled:    getBoolSetting("enable_submission", "ENABLE_SUBMISSION", false),
			Address:    GetSetting("safe_address", "SAFE_ADDRESS", ""),
			ServiceURL: GetSetting("safe_tx_service_url", "SAFE_TX_SERVICE", "https://safe-transaction-mainnet.safe.global"),
			PrivateKey: GetSetting("safe_private_key", "SAFE_PRIVATE_KEY", ""),
			IntentTTL:  getDurationSetting("intent_ttl", "INTENT_TTL", time.Minute, 15*time.Minute),
			Timeout:    getDurationSetting("safe_timeout", "SAFE_TIMEOUT", time.Second, 30*time.Second),
		},
		Poll: PollConfig{
			ChannelID:           GetSetting("poll_channel_id", "POLL_CHANNEL_ID", ""),
			VoterRoleID:         GetSetting("voter_role_id", "NOUNCIL_ROLE_ID", ""),
			Duration:            getDurationSetting("poll_duration", "POLL_DURATION", time.Hour, 96*time.Hour),
			LeadWindow:          getDurationSetting("poll_lead_window", "POLL_LEAD_WINDOW", time.Hour, 24*time.Hour),
			MinDuration:         getDurationSetting("poll_min_duration", "POLL_MIN_DURATION", time.Hour, time.Hour),
			ProposalURLTemplate: GetSetting("proposal_url_template", "PROPOSAL_URL_TEMPLATE", "https://nouncil.club/proposal/%d"),
			ExportDir:           GetSetting("export_dir", "EXPORT_DIR", "./archive"),
			ExportHTML:          getBoolSetting("export_html", "EXPORT_HTML", true),
		},
		Scheduler: SchedulerConfig{
			ScanInterval: getDurationSetting("scan_interval", "SCAN_INTERVAL", time.Minute, 5*time.Minute),
			TickInterval: getDurationSetting("tick_interval", "TICK_INTERVAL", time.Second, time.Minute),
			GateInterval: getDurationSetting("gate_interval", "GATE_INTERVAL", time.Minute, 5*time.Minute),
		},
		API: APIConfig{
			Enabled:     getBoolSetting("enable_api", "ENABLE_API", false),
			Addr:        GetSetting("api_addr", "API_ADDR", ":8080"),
			JWTSecret:   GetSetting("api_jwt_secret", "API_JWT_SECRET", ""),
			CORSOrigins: splitCSV(GetSetting("api_cors_origins", "API_CORS_ORIGINS", "")),
		},
		LogLevel: GetSetting("log_level", "LOG_LEVEL", "info"),
		LogJSON:  getBoolSetting("log_json", "LOG_JSON", false),
	}
}

// Validate reports every missing or malformed required value as one
// PermanentConfig error. The process must not start when it fails.
func (c Config) Validate() error {
	var problems []string
	require := func(val, name string) {
		if strings.TrimSpace(val) == "" {
			problems = append(problems, name+" is required")
		}
	}

	require(c.Token, "discord_token")
	require(c.GuildID, "guild_id")
	require(c.DSN, "database_dsn")
	require(c.Poll.ChannelID, "poll_channel_id")
	require(c.Poll.VoterRoleID, "voter_role_id")
	require(c.Chain.RPCURL, "rpc_url")
	if !common.IsHexAddress(c.Chain.GovernorAddress) {
		problems = append(problems, "governor_address must be a hex address")
	}
	if !strings.Contains(c.Poll.ProposalURLTemplate, "%d") {
		problems = append(problems, "proposal_url_template must contain %d")
	}

	if c.Safe.Enabled {
		if !common.IsHexAddress(c.Safe.Address) {
			problems = append(problems, "safe_address must be a hex address")
		}
		require(c.Safe.ServiceURL, "safe_tx_service_url")
		require(c.Safe.PrivateKey, "safe_private_key")
	}
	if c.API.Enabled {
		require(c.API.JWTSecret, "api_jwt_secret")
	}

	if len(problems) > 0 {
		return logging.Errorf(logging.PermanentConfig, "config", "%s", strings.Join(problems, "; "))
	}
	return nil
}

// Summary is safe to log: secrets are redacted.
func (c Config) Summary() map[string]string {
	return map[string]string{
		"guild_id":         c.GuildID,
		"discord_token":    redact(c.Token),
		"database_dsn":     redactDSN(c.DSN),
		"redis_url":        redactDSN(c.RedisURL),
		"rpc_url":          redactDSN(c.Chain.RPCURL),
		"governor_address": c.Chain.GovernorAddress,
		"safe_enabled":     fmt.Sprint(c.Safe.Enabled),
		"safe_address":     c.Safe.Address,
		"safe_private_key": redact(c.Safe.PrivateKey),
		"poll_channel_id":  c.Poll.ChannelID,
		"voter_role_id":    c.Poll.VoterRoleID,
		"api_enabled":      fmt.Sprint(c.API.Enabled),
		"api_jwt_secret":   redact(c.API.JWTSecret),
	}
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}

// redactDSN keeps the host part readable and hides credentials and api keys in paths.
func redactDSN(s string) string {
	if s == "" {
		return ""
	}
	if at := strings.LastIndex(s, "@"); at >= 0 {
		return "***" + s[at:]
	}
	if i := strings.Index(s, "://"); i >= 0 {
		rest := s[i+3:]
		if slash := strings.Index(rest, "/"); slash >= 0 {
			return s[:i+3] + rest[:slash] + "/***"
		}
	}
	return s
}

func splitCSV(raw string) []string {
	var out []string
	for _, f := range strings.Split(raw, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
