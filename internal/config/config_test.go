package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Run("defaults and environment overrides", func(t *testing.T) {
		viper.Reset()
		t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.env"))
		t.Setenv("DB_NAME", "ledger")
		t.Setenv("BILLING_MONTHLY_INTEREST_RATE", "0.02")

		cfg, err := LoadConfig()
		require.NoError(t, err)

		assert.Equal(t, ":8080", cfg.ServerAddress)
		assert.Equal(t, "ledger", cfg.Database.Name)
		assert.True(t, cfg.Billing.CoefficientTotal.Equal(decimal.NewFromInt(1)))
		assert.True(t, cfg.Billing.MonthlyInterestRate.Equal(decimal.RequireFromString("0.02")))
		assert.Equal(t, "largest_remainder", cfg.Billing.RemainderPolicy)
		assert.Equal(t, 2, cfg.Reconciliation.DateWindowDays)
		assert.False(t, cfg.Billing.AutoApplyCredit)
	})

	t.Run("reads dotenv file", func(t *testing.T) {
		viper.Reset()
		path := filepath.Join(t.TempDir(), "ledger.env")
		require.NoError(t, os.WriteFile(path, []byte("SERVER_ADDRESS=:9090\nBILLING_COEFFICIENT_TOTAL=10000\n"), 0o600))
		t.Setenv("CONFIG_FILE", path)

		cfg, err := LoadConfig()
		require.NoError(t, err)
		assert.Equal(t, ":9090", cfg.ServerAddress)
		assert.True(t, cfg.Billing.CoefficientTotal.Equal(decimal.NewFromInt(10000)))
	})

	t.Run("rejects unknown remainder policy", func(t *testing.T) {
		viper.Reset()
		t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.env"))
		t.Setenv("BILLING_REMAINDER_POLICY", "random")

		_, err := LoadConfig()
		assert.Error(t, err)
	})
}

func TestConfig_GetDSN(t *testing.T) {
	cfg := &Config{Database: DatabaseConfig{
		Host: "db", Port: 3306, User: "u", Password: "p", Name: "ledger", Params: "parseTime=true",
	}}
	assert.Equal(t, "u:p@tcp(db:3306)/ledger?parseTime=true", cfg.GetDSN())
	assert.Equal(t, "mysql://u:p@tcp(db:3306)/ledger?parseTime=true", cfg.GetMigrationDBURL())
}
