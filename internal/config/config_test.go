package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/moneycore/internal/domain"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	orig, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(orig) })
}

func TestLoad_WithDefaults(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("MONEYCORE_LEDGER_DRIVER", "memory")

	cfg, err := Load("nonexistent")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, "XAF", cfg.Currency)
	assert.Equal(t, 3, cfg.Confirm.MaxAttempts)
	assert.Equal(t, 15*time.Minute, cfg.Confirm.AttemptWindow)
	assert.Equal(t, 2*time.Minute, cfg.Confirm.AuthorizationTTL)
	assert.Equal(t, 10, cfg.Claims.CodeLength)
	assert.Equal(t, 72*time.Hour, cfg.Claims.TTL)
	assert.Equal(t, 5*time.Minute, cfg.Withdrawals.CodeTTL)
	assert.Equal(t, "moneycore", cfg.Kafka.TopicPrefix)

	entries, err := cfg.Schedule()
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, domain.OperationTransfer, entries[0].OperationType)
	assert.True(t, entries[0].FeeRate.Equal(decimal.RequireFromString("0.02")))
}

func TestLoad_PostgresRequiresDBSource(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("DB_SOURCE", "")

	_, err := Load("nonexistent")
	assert.Error(t, err)
}

func TestLoad_PlainEnvVars(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("DB_SOURCE", "postgres://localhost/moneycore")
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("ENVIRONMENT", "production")

	cfg, err := Load("nonexistent")
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/moneycore", cfg.Ledger.DBSource)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "production", cfg.Env)
}

func TestLoad_WithConfigFile(t *testing.T) {
	dir := t.TempDir()
	content := `
ledger:
  driver: memory
claims:
  code_length: 12
  ttl: 24h
fees:
  transfers:
    - origin: cm
      destination: ga
      role: user
      fee_rate: 0.025
  agents:
    - operation: deposit
      country: CM
      commission_rate: "0.004"
  commission_tiers:
    - operation: deposit
      min_volume: 1000000
      max_volume: 0
      rate: 0.006
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644))
	chdir(t, dir)

	cfg, err := Load("config")
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.Claims.CodeLength)
	assert.Equal(t, 24*time.Hour, cfg.Claims.TTL)

	entries, err := cfg.Schedule()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "CM", entries[0].OriginCountry)
	assert.Equal(t, "GA", entries[0].DestinationCountry)
	assert.True(t, entries[0].FeeRate.Equal(decimal.RequireFromString("0.025")))
	assert.Equal(t, domain.OperationDeposit, entries[1].OperationType)
	assert.Equal(t, domain.RoleAgent, entries[1].ActorRole)

	tiers, err := cfg.Tiers()
	require.NoError(t, err)
	require.Len(t, tiers, 1)
	assert.True(t, tiers[0].MaxVolume.IsZero())
	assert.True(t, tiers[0].Rate.Equal(decimal.RequireFromString("0.006")))
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Ledger: LedgerConfig{
				Driver:           "memory",
				RevenueAccountID: "00000000-0000-0000-0000-000000000001",
				EscrowAccountID:  "00000000-0000-0000-0000-000000000002",
			},
			Currency:    "XAF",
			Confirm:     ConfirmConfig{MaxAttempts: 3, AttemptWindow: time.Minute, AuthorizationTTL: time.Minute},
			Claims:      ClaimsConfig{CodeLength: 10, TTL: time.Hour},
			Withdrawals: WithdrawalConfig{CodeTTL: time.Minute},
			Drafts:      DraftsConfig{TTL: time.Minute},
		}
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"short claim code", func(c *Config) { c.Claims.CodeLength = 6 }},
		{"zero attempts", func(c *Config) { c.Confirm.MaxAttempts = 0 }},
		{"bad driver", func(c *Config) { c.Ledger.Driver = "sqlite" }},
		{"bad revenue account", func(c *Config) { c.Ledger.RevenueAccountID = "revenue" }},
		{"kafka without brokers", func(c *Config) { c.Kafka.Enabled = true }},
		{"rate of one", func(c *Config) {
			c.Fees.Transfers = []TransferFee{{Origin: "CM", Role: "user", FeeRate: "1"}}
		}},
		{"unknown role", func(c *Config) {
			c.Fees.Transfers = []TransferFee{{Origin: "CM", Role: "robot", FeeRate: "0.01"}}
		}},
		{"inverted tier", func(c *Config) {
			c.Fees.CommissionTiers = []CommissionTier{{Operation: "deposit", MinVolume: "10", MaxVolume: "5", Rate: "0.01"}}
		}},
	}

	require.NoError(t, valid().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}
