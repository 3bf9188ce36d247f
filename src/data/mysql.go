package data

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// GetDSN returns the database DSN configured via environment or config file.
// Accepts a MySQL DSN or sqlite://<path> (sqlite://:memory: for an in-memory db).
func GetDSN() (string, error) {
	_ = viper.BindEnv("database_dsn", "DATABASE_DSN")
	_ = viper.BindEnv("mysql_dsn", "MYSQL_DSN")
	dsn := viper.GetString("database_dsn")
	if strings.TrimSpace(dsn) == "" {
		dsn = viper.GetString("mysql_dsn")
	}
	if strings.TrimSpace(dsn) == "" {
		return "", fmt.Errorf("DATABASE_DSN is not set")
	}
	return dsn, nil
}
