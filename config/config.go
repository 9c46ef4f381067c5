/*
Package config loads process configuration and builds the logger.

SOURCES (later wins):
 1. Defaults below
 2. .env in the working directory, if present
 3. Environment variables
 4. Command-line flags applied by cmd/server

KEYS:

	PORT, DB_DRIVER (sqlite|postgres), DB_PATH, DATABASE_URL, REDIS_ADDRESS,
	JWT_SECRET, LOG_LEVEL, LOG_FORMAT (json|text), MAX_HIERARCHY_DEPTH,
	RENEWAL_MONTHS, MARGIN_SPLIT_OUTBANK, MARGIN_SPLIT_EXECUTIVO,
	MARGIN_SPLIT_CORE, SETTINGS_CACHE_TTL, SCHEDULER_INTERVAL,
	SCHEDULER_ENABLED, BATCH_CONCURRENCY, NOTIFY_DRIVER (log|webhook|pubsub),
	NOTIFY_WEBHOOK_URL, PUBSUB_PROJECT, PUBSUB_TOPIC
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/iso-pricing/pricing"
)

// Config is the validated process configuration.
type Config struct {
	Port         int    `validate:"min=1,max=65535"`
	DBDriver     string `validate:"oneof=sqlite postgres"`
	DBPath       string `validate:"required_if=DBDriver sqlite"`
	DatabaseURL  string `validate:"required_if=DBDriver postgres"`
	RedisAddress string
	JWTSecret    string

	LogLevel  string `validate:"oneof=trace debug info warn warning error fatal panic"`
	LogFormat string `validate:"oneof=json text"`

	MaxHierarchyDepth int `validate:"min=1,max=1024"`
	RenewalMonths     int `validate:"min=1,max=120"`
	MarginSplit       pricing.MarginSplit

	SettingsCacheTTL  time.Duration `validate:"min=0s"`
	SchedulerInterval time.Duration `validate:"min=1s"`
	SchedulerEnabled  bool
	BatchConcurrency  int `validate:"min=1,max=64"`

	NotifyDriver     string `validate:"oneof=log webhook pubsub"`
	NotifyWebhookURL string `validate:"required_if=NotifyDriver webhook"`
	PubSubProject    string `validate:"required_if=NotifyDriver pubsub"`
	PubSubTopic      string `validate:"required_if=NotifyDriver pubsub"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Port:              8080,
		DBDriver:          "sqlite",
		DBPath:            "pricing.db",
		LogLevel:          "info",
		LogFormat:         "json",
		MaxHierarchyDepth: pricing.DefaultMaxDepth,
		RenewalMonths:     pricing.DefaultRenewalMonths,
		MarginSplit:       pricing.DefaultMarginSplit(),
		SettingsCacheTTL:  5 * time.Minute,
		SchedulerInterval: 24 * time.Hour,
		SchedulerEnabled:  true,
		BatchConcurrency:  pricing.DefaultConcurrency,
		NotifyDriver:      "log",
	}
}

// Load reads .env (if present) and the environment over the defaults and
// validates the result.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("read .env: %w", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function.
func FromEnv(getenv func(string) string) (Config, error) {
	c := Default()
	p := parser{getenv: getenv}

	p.int("PORT", &c.Port)
	p.str("DB_DRIVER", &c.DBDriver)
	p.str("DB_PATH", &c.DBPath)
	p.str("DATABASE_URL", &c.DatabaseURL)
	p.str("REDIS_ADDRESS", &c.RedisAddress)
	p.str("JWT_SECRET", &c.JWTSecret)
	p.str("LOG_LEVEL", &c.LogLevel)
	p.str("LOG_FORMAT", &c.LogFormat)
	p.int("MAX_HIERARCHY_DEPTH", &c.MaxHierarchyDepth)
	p.int("RENEWAL_MONTHS", &c.RenewalMonths)
	p.decimal("MARGIN_SPLIT_OUTBANK", &c.MarginSplit.Outbank)
	p.decimal("MARGIN_SPLIT_EXECUTIVO", &c.MarginSplit.Executivo)
	p.decimal("MARGIN_SPLIT_CORE", &c.MarginSplit.Core)
	p.duration("SETTINGS_CACHE_TTL", &c.SettingsCacheTTL)
	p.duration("SCHEDULER_INTERVAL", &c.SchedulerInterval)
	p.bool("SCHEDULER_ENABLED", &c.SchedulerEnabled)
	p.int("BATCH_CONCURRENCY", &c.BatchConcurrency)
	p.str("NOTIFY_DRIVER", &c.NotifyDriver)
	p.str("NOTIFY_WEBHOOK_URL", &c.NotifyWebhookURL)
	p.str("PUBSUB_PROJECT", &c.PubSubProject)
	p.str("PUBSUB_TOPIC", &c.PubSubTopic)

	if len(p.errs) > 0 {
		return Config{}, errors.Join(p.errs...)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

var validate = validator.New()

// Validate checks field constraints and the margin split.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, len(verrs))
			for i, fe := range verrs {
				msgs[i] = fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag())
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.MarginSplit.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

type parser struct {
	getenv func(string) string
	errs   []error
}

func (p *parser) lookup(key string) (string, bool) {
	v := strings.TrimSpace(p.getenv(key))
	return v, v != ""
}

func (p *parser) str(key string, dst *string) {
	if v, ok := p.lookup(key); ok {
		*dst = v
	}
}

func (p *parser) int(key string, dst *int) {
	if v, ok := p.lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
}

func (p *parser) bool(key string, dst *bool) {
	if v, ok := p.lookup(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = b
	}
}

func (p *parser) duration(key string, dst *time.Duration) {
	if v, ok := p.lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}
}

func (p *parser) decimal(key string, dst *decimal.Decimal) {
	if v, ok := p.lookup(key); ok {
		d, err := decimal.NewFromString(v)
		if err != nil {
			p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}
}

// NewLogger builds the process logger.
func NewLogger(level, format string) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(lvl)

	switch format {
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger, nil
}
