/*
Package config loads server settings through viper.

SOURCES (highest wins):
  1. flags bound by cmd/server
  2. LEDGER_* environment variables (LEDGER_DATABASE_DSN -> database.dsn)
  3. ledger.yaml in ./ or $HOME/.config/ledger
  4. defaults below
*/
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "LEDGER"

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Logging  LoggingConfig
	CORS     CORSConfig
	Drift    DriftConfig
}

type ServerConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type DatabaseConfig struct {
	Driver string // sqlite, postgres, memory
	Path   string
	DSN    string
}

type LoggingConfig struct {
	Level  string
	Format string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type DriftConfig struct {
	// Interval between drift scans. Zero disables the scanner.
	Interval time.Duration
}

// SetDefaults registers every key so AutomaticEnv can resolve it.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "ledger.db")
	v.SetDefault("database.dsn", "")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("cors.allowed_origins", []string{"http://localhost:5173", "http://localhost:8080"})
	v.SetDefault("drift.interval", time.Hour)
}

// Bind wires the env prefix onto v.
func Bind(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// ReadFile reads cfgFile, or searches for ledger.yaml. A missing file is fine.
func ReadFile(v *viper.Viper, cfgFile, home string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		if home != "" {
			v.AddConfigPath(home + "/.config/ledger")
		}
		v.AddConfigPath(".")
		v.SetConfigName("ledger")
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}
	return nil
}

// Load builds a Config from v and validates it.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:         v.GetInt("server.port"),
			ReadTimeout:  v.GetDuration("server.read_timeout"),
			WriteTimeout: v.GetDuration("server.write_timeout"),
		},
		Database: DatabaseConfig{
			Driver: strings.ToLower(v.GetString("database.driver")),
			Path:   v.GetString("database.path"),
			DSN:    v.GetString("database.dsn"),
		},
		Logging: LoggingConfig{
			Level:  v.GetString("logging.level"),
			Format: v.GetString("logging.format"),
		},
		CORS: CORSConfig{
			AllowedOrigins: v.GetStringSlice("cors.allowed_origins"),
		},
		Drift: DriftConfig{
			Interval: v.GetDuration("drift.interval"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d", c.Server.Port)
	}
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return errors.New("database.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return errors.New("database.dsn is required for the postgres driver")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown database.driver: %q", c.Database.Driver)
	}
	if c.Drift.Interval < 0 {
		return fmt.Errorf("invalid drift.interval: %s", c.Drift.Interval)
	}
	return nil
}
