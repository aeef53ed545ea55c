// Package config loads the auctiond configuration: built-in defaults, then an optional
// YAML file, then SEALEDBID_* environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/cloudx-io/sealedbid/core"
	"github.com/cloudx-io/sealedbid/settlement"
	"github.com/cloudx-io/sealedbid/signing"
	"github.com/cloudx-io/sealedbid/store"
)

type ctxKey string

const configContextKey ctxKey = "sealedbid.config"

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "sealedbid"

func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configContextKey, cfg)
}

func FromContext(ctx context.Context) *Config {
	cfg, ok := ctx.Value(configContextKey).(*Config)
	if !ok {
		return nil
	}
	return cfg
}

// Admission backends.
const (
	AdmissionDatabase = "database"
	AdmissionRedis    = "redis"
)

// IncrementTier is the YAML form of core.IncrementTier. Amounts are decimal strings.
type IncrementTier struct {
	Floor    string `yaml:"floor"`
	Absolute string `yaml:"absolute"`
	Percent  string `yaml:"percent"`
}

type Config struct {
	BindAddr        string        `yaml:"bindAddr"        split_words:"true"`
	Debug           bool          `yaml:"debug"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" split_words:"true"`

	DatabaseDriver string `yaml:"databaseDriver" split_words:"true"`
	DatabaseDSN    string `yaml:"databaseDsn"    envconfig:"DATABASE_DSN"`

	AdmissionBackend string `yaml:"admissionBackend" split_words:"true"`
	RedisAddr        string `yaml:"redisAddr"        split_words:"true"`
	RedisPassword    string `yaml:"redisPassword"    split_words:"true"`
	RedisDB          int    `yaml:"redisDb"          envconfig:"REDIS_DB"`

	// Empty NatsURL logs fallback offers instead of publishing them
	NatsURL    string `yaml:"natsUrl"    envconfig:"NATS_URL"`
	NatsStream string `yaml:"natsStream" envconfig:"NATS_STREAM"`

	PaymentWindow         time.Duration `yaml:"paymentWindow"         split_words:"true"`
	FallbackOfferWindow   time.Duration `yaml:"fallbackOfferWindow"   split_words:"true"`
	FallbackPaymentWindow time.Duration `yaml:"fallbackPaymentWindow" split_words:"true"`
	MaxFallbackAttempts   int           `yaml:"maxFallbackAttempts"   split_words:"true"`
	BidSignatureTTL       time.Duration `yaml:"bidSignatureTtl"       envconfig:"BID_SIGNATURE_TTL"`
	CloseInterval         time.Duration `yaml:"closeInterval"         split_words:"true"`
	FallbackInterval      time.Duration `yaml:"fallbackInterval"      split_words:"true"`

	DomainName        string `yaml:"domainName"        split_words:"true"`
	DomainVersion     string `yaml:"domainVersion"     split_words:"true"`
	ChainID           int64  `yaml:"chainId"           envconfig:"CHAIN_ID"`
	VerifyingContract string `yaml:"verifyingContract" split_words:"true"`

	// Increment tiers are only configurable from YAML
	Increments []IncrementTier `yaml:"increments" ignored:"true"`

	// Empty ReceiptKeyPath signs receipts with a key generated at startup
	ReceiptKeyPath string `yaml:"receiptKeyPath" split_words:"true"`
}

// Default returns the built-in configuration.
func Default() *Config {
	domain := signing.DefaultDomain()
	settle := settlement.DefaultConfig()
	return &Config{
		BindAddr:              ":8080",
		ShutdownTimeout:       30 * time.Second,
		DatabaseDriver:        store.DriverSQLite,
		DatabaseDSN:           "sealedbid.db",
		AdmissionBackend:      AdmissionDatabase,
		RedisAddr:             "localhost:6379",
		NatsStream:            "SETTLEMENT_EVENTS",
		PaymentWindow:         settle.PaymentWindow,
		FallbackOfferWindow:   settle.FallbackOfferWindow,
		FallbackPaymentWindow: settle.FallbackPaymentWindow,
		MaxFallbackAttempts:   settle.MaxFallbackAttempts,
		BidSignatureTTL:       settle.BidSignatureTTL,
		CloseInterval:         time.Minute,
		FallbackInterval:      5 * time.Minute,
		DomainName:            domain.Name,
		DomainVersion:         domain.Version,
		ChainID:               domain.ChainID,
	}
}

// Load reads configFile (if not empty) over the defaults, then applies the environment.
func Load(configFile string) (*Config, error) {
	cfg := Default()

	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("error processing environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that have no safe fallback.
func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case store.DriverSQLite, store.DriverPostgres:
	default:
		return fmt.Errorf("invalid databaseDriver: %q (must be 'sqlite' or 'postgres')", c.DatabaseDriver)
	}
	switch c.AdmissionBackend {
	case AdmissionDatabase:
	case AdmissionRedis:
		if c.RedisAddr == "" {
			return errors.New("redisAddr is required for the redis admission backend")
		}
	default:
		return fmt.Errorf("invalid admissionBackend: %q (must be 'database' or 'redis')", c.AdmissionBackend)
	}
	if c.CloseInterval <= 0 || c.FallbackInterval <= 0 {
		return errors.New("sweep intervals must be positive")
	}
	settle, err := c.Settlement()
	if err != nil {
		return err
	}
	return settle.Validate()
}

// Domain returns the EIP-712 domain bidders sign under.
func (c *Config) Domain() signing.Domain {
	return signing.Domain{
		Name:              c.DomainName,
		Version:           c.DomainVersion,
		ChainID:           c.ChainID,
		VerifyingContract: c.VerifyingContract,
	}
}

// Settlement builds the settlement service configuration.
func (c *Config) Settlement() (settlement.Config, error) {
	schedule := core.DefaultIncrementSchedule()
	if len(c.Increments) > 0 {
		var err error
		if schedule, err = parseIncrements(c.Increments); err != nil {
			return settlement.Config{}, err
		}
	}
	return settlement.Config{
		PaymentWindow:         c.PaymentWindow,
		FallbackOfferWindow:   c.FallbackOfferWindow,
		FallbackPaymentWindow: c.FallbackPaymentWindow,
		MaxFallbackAttempts:   c.MaxFallbackAttempts,
		BidSignatureTTL:       c.BidSignatureTTL,
		Increments:            schedule,
	}, nil
}

func parseIncrements(tiers []IncrementTier) (core.IncrementSchedule, error) {
	schedule := make(core.IncrementSchedule, 0, len(tiers))
	for i, tier := range tiers {
		var parsed core.IncrementTier
		var err error
		if parsed.Floor, err = decimalOrZero(tier.Floor); err != nil {
			return nil, fmt.Errorf("increments[%d].floor: %w", i, err)
		}
		if parsed.Absolute, err = decimalOrZero(tier.Absolute); err != nil {
			return nil, fmt.Errorf("increments[%d].absolute: %w", i, err)
		}
		if parsed.Percent, err = decimalOrZero(tier.Percent); err != nil {
			return nil, fmt.Errorf("increments[%d].percent: %w", i, err)
		}
		schedule = append(schedule, parsed)
	}
	if err := schedule.Validate(); err != nil {
		return nil, fmt.Errorf("invalid increments: %w", err)
	}
	return schedule, nil
}

func decimalOrZero(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
