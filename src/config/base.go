package config

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/stake-plus/govsignal/src/data"
	"gorm.io/gorm"
)

// Base contains common configuration fields
type Base struct {
	Token    string
	GuildID  string
	DSN      string
	RedisURL string
}

// InitViper wires the env/file layer. An explicit file must exist; the default
// govsignal.toml search is optional.
func InitViper(file string) error {
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	if file != "" {
		viper.SetConfigFile(file)
		return viper.ReadInConfig()
	}
	viper.SetConfigName("govsignal")
	viper.SetConfigType("toml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/govsignal")
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return err
		}
	}
	return nil
}

// LoadBase loads common configuration (discord token, guild ID, DSN, redis)
func LoadBase(db *gorm.DB) Base {
	if db != nil {
		if err := data.LoadSettings(db); err != nil {
			// env fallbacks still apply
			data.ResetSettings()
		}
	}

	dsn, _ := data.GetDSN()
	return Base{
		Token:    GetSetting("discord_token", "DISCORD_TOKEN", ""),
		GuildID:  GetSetting("guild_id", "GUILD_ID", ""),
		DSN:      dsn,
		RedisURL: GetSetting("redis_url", "REDIS_URL", ""),
	}
}

// GetSetting resolves a value from the settings table, then env/config file,
// then the default.
func GetSetting(name, envKey, defaultValue string) string {
	val := data.GetSetting(name)
	if val == "" {
		if envKey != "" {
			_ = viper.BindEnv(name, envKey)
		}
		val = viper.GetString(name)
	}
	if val == "" {
		val = defaultValue
	}
	return strings.TrimSpace(val)
}

func getBoolSetting(name, envKey string, defaultValue bool) bool {
	return parseBoolDefault(GetSetting(name, envKey, ""), defaultValue)
}

func getIntSetting(name, envKey string, defaultValue int64) int64 {
	raw := GetSetting(name, envKey, "")
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return defaultValue
	}
	return v
}

// getDurationSetting accepts Go durations ("90s") or a bare number of unit.
func getDurationSetting(name, envKey string, unit, defaultValue time.Duration) time.Duration {
	raw := GetSetting(name, envKey, "")
	if raw == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n > 0 {
		return time.Duration(n) * unit
	}
	return defaultValue
}

func parseBoolDefault(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
