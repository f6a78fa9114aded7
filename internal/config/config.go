package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/punchamoorthee/moneycore/internal/domain"
)

type Config struct {
	Server      ServerConfig     `mapstructure:"server"`
	Env         string           `mapstructure:"environment"`
	Log         LogConfig        `mapstructure:"log"`
	Ledger      LedgerConfig     `mapstructure:"ledger"`
	Currency    string           `mapstructure:"currency"`
	Confirm     ConfirmConfig    `mapstructure:"confirm"`
	Claims      ClaimsConfig     `mapstructure:"claims"`
	Withdrawals WithdrawalConfig `mapstructure:"withdrawals"`
	Drafts      DraftsConfig     `mapstructure:"drafts"`
	Kafka       KafkaConfig      `mapstructure:"kafka"`
	Fees        FeesConfig       `mapstructure:"fees"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

type LedgerConfig struct {
	Driver           string `mapstructure:"driver"`
	DBSource         string `mapstructure:"db_source"`
	MaxConns         int32  `mapstructure:"max_conns"`
	RevenueAccountID string `mapstructure:"revenue_account_id"`
	EscrowAccountID  string `mapstructure:"escrow_account_id"`
}

type ConfirmConfig struct {
	MaxAttempts      int           `mapstructure:"max_attempts"`
	AttemptWindow    time.Duration `mapstructure:"attempt_window"`
	AuthorizationTTL time.Duration `mapstructure:"authorization_ttl"`
}

type ClaimsConfig struct {
	CodeLength int           `mapstructure:"code_length"`
	TTL        time.Duration `mapstructure:"ttl"`
}

type WithdrawalConfig struct {
	CodeTTL time.Duration `mapstructure:"code_ttl"`
}

type DraftsConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type KafkaConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	Brokers     []string `mapstructure:"brokers"`
	TopicPrefix string   `mapstructure:"topic_prefix"`
}

// FeesConfig holds the rate table as strings; decimals are parsed by
// Schedule and Tiers.
type FeesConfig struct {
	Transfers       []TransferFee    `mapstructure:"transfers"`
	Agents          []AgentFee       `mapstructure:"agents"`
	CommissionTiers []CommissionTier `mapstructure:"commission_tiers"`
}

type TransferFee struct {
	Origin      string `mapstructure:"origin"`
	Destination string `mapstructure:"destination"`
	Role        string `mapstructure:"role"`
	FeeRate     string `mapstructure:"fee_rate"`
}

// AgentFee overrides the default commission rate of an agent operation for
// one country.
type AgentFee struct {
	Operation      string `mapstructure:"operation"`
	Country        string `mapstructure:"country"`
	CommissionRate string `mapstructure:"commission_rate"`
}

type CommissionTier struct {
	Operation string `mapstructure:"operation"`
	MinVolume string `mapstructure:"min_volume"`
	MaxVolume string `mapstructure:"max_volume"`
	Rate      string `mapstructure:"rate"`
}

// Load reads config.yaml (optional), MONEYCORE_* environment variables and
// the plain DB_SOURCE, SERVER_PORT and ENVIRONMENT variables.
func Load(configName string) (*Config, error) {
	v := viper.New()

	v.SetConfigName(configName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/moneycore/")

	v.SetEnvPrefix("MONEYCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("ledger.db_source", "MONEYCORE_LEDGER_DB_SOURCE", "DB_SOURCE")
	_ = v.BindEnv("server.port", "MONEYCORE_SERVER_PORT", "SERVER_PORT")
	_ = v.BindEnv("environment", "MONEYCORE_ENVIRONMENT", "ENVIRONMENT")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("environment", "development")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetDefault("ledger.driver", "postgres")
	v.SetDefault("ledger.max_conns", 20)
	v.SetDefault("ledger.revenue_account_id", "00000000-0000-0000-0000-000000000001")
	v.SetDefault("ledger.escrow_account_id", "00000000-0000-0000-0000-000000000002")

	v.SetDefault("currency", "XAF")

	v.SetDefault("confirm.max_attempts", 3)
	v.SetDefault("confirm.attempt_window", 15*time.Minute)
	v.SetDefault("confirm.authorization_ttl", 2*time.Minute)

	v.SetDefault("claims.code_length", 10)
	v.SetDefault("claims.ttl", 72*time.Hour)

	v.SetDefault("withdrawals.code_ttl", 5*time.Minute)
	v.SetDefault("drafts.ttl", 30*time.Minute)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic_prefix", "moneycore")

	v.SetDefault("fees.transfers", []map[string]interface{}{
		{"origin": "CM", "destination": "CM", "role": "user", "fee_rate": "0.02"},
		{"origin": "CM", "destination": "", "role": "user", "fee_rate": "0.03"},
		{"origin": "CM", "destination": "CM", "role": "agent", "fee_rate": "0.015"},
		{"origin": "GA", "destination": "GA", "role": "user", "fee_rate": "0.02"},
		{"origin": "GA", "destination": "", "role": "user", "fee_rate": "0.03"},
	})
}

// Validate checks values that would make the core unsafe to start.
func (c *Config) Validate() error {
	switch c.Ledger.Driver {
	case "postgres":
		if c.Ledger.DBSource == "" {
			return fmt.Errorf("DB_SOURCE environment variable is required for the postgres ledger")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown ledger driver %q", c.Ledger.Driver)
	}
	if _, err := c.RevenueAccount(); err != nil {
		return err
	}
	if _, err := c.EscrowAccount(); err != nil {
		return err
	}
	if c.Currency == "" {
		return fmt.Errorf("currency is required")
	}
	if c.Confirm.MaxAttempts < 1 {
		return fmt.Errorf("confirm.max_attempts must be at least 1")
	}
	if c.Confirm.AttemptWindow <= 0 || c.Confirm.AuthorizationTTL <= 0 {
		return fmt.Errorf("confirmation durations must be positive")
	}
	if c.Claims.CodeLength < 8 {
		return fmt.Errorf("claims.code_length must be at least 8")
	}
	if c.Claims.TTL <= 0 || c.Withdrawals.CodeTTL <= 0 || c.Drafts.TTL <= 0 {
		return fmt.Errorf("claim, withdrawal code and draft ttl must be positive")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required when kafka is enabled")
	}
	if _, err := c.Schedule(); err != nil {
		return err
	}
	if _, err := c.Tiers(); err != nil {
		return err
	}
	return nil
}

func (c *Config) RevenueAccount() (uuid.UUID, error) {
	id, err := uuid.Parse(c.Ledger.RevenueAccountID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("ledger.revenue_account_id: %w", err)
	}
	return id, nil
}

func (c *Config) EscrowAccount() (uuid.UUID, error) {
	id, err := uuid.Parse(c.Ledger.EscrowAccountID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("ledger.escrow_account_id: %w", err)
	}
	return id, nil
}

// Schedule converts the configured rate table into fee schedule entries.
func (c *Config) Schedule() ([]domain.FeeScheduleEntry, error) {
	var out []domain.FeeScheduleEntry
	for i, f := range c.Fees.Transfers {
		role, err := domain.ParseRole(f.Role)
		if err != nil {
			return nil, fmt.Errorf("fees.transfers[%d]: %w", i, err)
		}
		rate, err := parseRate(f.FeeRate)
		if err != nil {
			return nil, fmt.Errorf("fees.transfers[%d].fee_rate: %w", i, err)
		}
		if f.Origin == "" {
			return nil, fmt.Errorf("fees.transfers[%d].origin is required", i)
		}
		out = append(out, domain.FeeScheduleEntry{
			OperationType:      domain.OperationTransfer,
			OriginCountry:      strings.ToUpper(f.Origin),
			DestinationCountry: strings.ToUpper(f.Destination),
			ActorRole:          role,
			FeeRate:            rate,
		})
	}
	for i, a := range c.Fees.Agents {
		op, err := domain.ParseOperationType(a.Operation)
		if err != nil {
			return nil, fmt.Errorf("fees.agents[%d]: %w", i, err)
		}
		rate, err := parseRate(a.CommissionRate)
		if err != nil {
			return nil, fmt.Errorf("fees.agents[%d].commission_rate: %w", i, err)
		}
		out = append(out, domain.FeeScheduleEntry{
			OperationType:  op,
			OriginCountry:  strings.ToUpper(a.Country),
			ActorRole:      domain.RoleAgent,
			FeeRate:        decimal.Zero,
			CommissionRate: rate,
		})
	}
	return out, nil
}

// Tiers converts the configured commission tiers.
func (c *Config) Tiers() ([]domain.CommissionTier, error) {
	var out []domain.CommissionTier
	for i, t := range c.Fees.CommissionTiers {
		op, err := domain.ParseOperationType(t.Operation)
		if err != nil {
			return nil, fmt.Errorf("fees.commission_tiers[%d]: %w", i, err)
		}
		tier := domain.CommissionTier{OperationType: op}
		if tier.MinVolume, err = parseAmount(t.MinVolume); err != nil {
			return nil, fmt.Errorf("fees.commission_tiers[%d].min_volume: %w", i, err)
		}
		if tier.MaxVolume, err = parseAmount(t.MaxVolume); err != nil {
			return nil, fmt.Errorf("fees.commission_tiers[%d].max_volume: %w", i, err)
		}
		if tier.Rate, err = parseRate(t.Rate); err != nil {
			return nil, fmt.Errorf("fees.commission_tiers[%d].rate: %w", i, err)
		}
		if !tier.MaxVolume.IsZero() && !tier.MaxVolume.GreaterThan(tier.MinVolume) {
			return nil, fmt.Errorf("fees.commission_tiers[%d]: max_volume must exceed min_volume", i)
		}
		out = append(out, tier)
	}
	return out, nil
}

func parseRate(s string) (decimal.Decimal, error) {
	r, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, err
	}
	if r.IsNegative() || r.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.Zero, fmt.Errorf("rate %s out of range [0, 1)", s)
	}
	return r, nil
}

func parseAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	a, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, err
	}
	if a.IsNegative() {
		return decimal.Zero, fmt.Errorf("amount %s is negative", s)
	}
	return a, nil
}
