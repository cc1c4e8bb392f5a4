// Package config loads the server configuration from a YAML file with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atmx/fcash-engine/internal/cashgroup"
	"github.com/atmx/fcash-engine/internal/model"
)

// Config holds every setting of the server. Load reads it from YAML and
// then applies environment overrides.
type Config struct {
	Server struct {
		Port           int           `yaml:"port" validate:"min=1,max=65535"`
		ReadTimeout    time.Duration `yaml:"read_timeout" validate:"gt=0"`
		WriteTimeout   time.Duration `yaml:"write_timeout" validate:"gt=0"`
		IdleTimeout    time.Duration `yaml:"idle_timeout" validate:"gt=0"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"server"`

	Storage struct {
		DatabaseURL string        `yaml:"database_url"`
		RedisURL    string        `yaml:"redis_url"`
		CacheTTL    time.Duration `yaml:"cache_ttl" validate:"gte=0"`
	} `yaml:"storage"`

	Events struct {
		NATSURL string        `yaml:"nats_url"`
		MaxAge  time.Duration `yaml:"max_age" validate:"gte=0"`
	} `yaml:"events"`

	Logging LoggingConfig `yaml:"logging"`

	Engine struct {
		MaxPortfolioAssets int `yaml:"max_portfolio_assets" validate:"min=1,max=64"`
		Limits             struct {
			MaxPerMaturity decimal.Decimal `yaml:"max_per_maturity"`
			MaxCorrelated  decimal.Decimal `yaml:"max_correlated"`
			Window         time.Duration   `yaml:"window" validate:"gte=0"`
		} `yaml:"limits"`
	} `yaml:"engine"`

	Currencies []CurrencyConfig `yaml:"currencies" validate:"dive"`
}

// LoggingConfig controls the slog handler and file rotation.
type LoggingConfig struct {
	Level      string `yaml:"level" validate:"oneof=debug info warn error"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `yaml:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `yaml:"max_age_days" validate:"gte=0"`
	Compress   bool   `yaml:"compress"`
}

// CurrencyConfig lists a currency at startup. AssetRate and ETHRate seed the
// static rate oracle.
type CurrencyConfig struct {
	model.Currency `yaml:",inline"`
	CashGroup      model.CashGroupConfig `yaml:"cash_group"`
	AssetRate      decimal.Decimal       `yaml:"asset_rate"`
	ETHRate        decimal.Decimal       `yaml:"eth_rate"`
}

var validate = validator.New()

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	cfg.Server.Port = 8080
	cfg.Server.ReadTimeout = 15 * time.Second
	cfg.Server.WriteTimeout = 15 * time.Second
	cfg.Server.IdleTimeout = 60 * time.Second
	cfg.Server.AllowedOrigins = []string{"*"}
	cfg.Storage.CacheTTL = 5 * time.Minute
	cfg.Events.MaxAge = 72 * time.Hour
	cfg.Logging = LoggingConfig{Level: "info", MaxSizeMB: 10, MaxBackups: 3, MaxAgeDays: 28}
	cfg.Engine.MaxPortfolioAssets = 16
	return &cfg
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := overrideWithEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks field ranges and the listed currencies.
// A cash group without a currency ID takes its currency's.
func (c *Config) Validate() error {
	for i := range c.Currencies {
		if c.Currencies[i].CashGroup.CurrencyID == 0 {
			c.Currencies[i].CashGroup.CurrencyID = c.Currencies[i].ID
		}
	}
	if err := validate.Struct(c); err != nil {
		return err
	}
	seen := make(map[uint16]bool, len(c.Currencies))
	for i := range c.Currencies {
		cc := &c.Currencies[i]
		if seen[cc.ID] {
			return fmt.Errorf("currency %d listed twice", cc.ID)
		}
		seen[cc.ID] = true

		if err := cashgroup.ValidateCurrency(cc.Currency); err != nil {
			return err
		}
		if cc.CashGroup.CurrencyID != cc.ID {
			return fmt.Errorf("currency %d: cash group names currency %d", cc.ID, cc.CashGroup.CurrencyID)
		}
		if err := cashgroup.Validate(cc.CashGroup); err != nil {
			return err
		}
		if !cc.AssetRate.IsPositive() || !cc.ETHRate.IsPositive() {
			return fmt.Errorf("currency %d: asset_rate and eth_rate must be positive", cc.ID)
		}
	}
	if c.Engine.Limits.MaxPerMaturity.IsNegative() || c.Engine.Limits.MaxCorrelated.IsNegative() {
		return fmt.Errorf("engine limits must not be negative")
	}
	return nil
}

// overrideWithEnv applies deployment settings from the environment.
func overrideWithEnv(cfg *Config) error {
	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("PORT %q: %w", port, err)
		}
		cfg.Server.Port = p
	}
	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.Storage.DatabaseURL = url
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		cfg.Storage.RedisURL = url
	}
	if url := os.Getenv("NATS_URL"); url != "" {
		cfg.Events.NATSURL = url
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if file := os.Getenv("LOG_FILE"); file != "" {
		cfg.Logging.File = file
	}
	return nil
}
