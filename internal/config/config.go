package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	ServerAddress  string
	Environment    string
	Database       DatabaseConfig
	Migration      MigrationConfig
	Log            LogConfig
	Billing        BillingConfig
	Reconciliation ReconciliationConfig
	Gateway        GatewayConfig
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	Params   string
}

type MigrationConfig struct {
	Dir string
}

type LogConfig struct {
	Level  string
	Format string
	Output string
}

// BillingConfig drives proration, interest accrual and charge generation.
type BillingConfig struct {
	CoefficientTotal     decimal.Decimal
	CoefficientTolerance decimal.Decimal
	RemainderPolicy      string
	MonthlyInterestRate  decimal.Decimal
	GraceDays            int
	DueDay               int
	AutoApplyCredit      bool
	GenerateRetries      uint64
	AccrualWorkers       int
	AccrualRetries       int
	AccrualHour          int
}

type ReconciliationConfig struct {
	DateWindowDays int
}

type GatewayConfig struct {
	StripeSecretKey       string
	StripeWebhookSecret   string
	TransferWebhookSecret string
	Currency              string
}

func setDefaults() {
	viper.SetDefault("SERVER_ADDRESS", ":8080")
	viper.SetDefault("ENVIRONMENT", "development")
	viper.SetDefault("DB_HOST", "localhost")
	viper.SetDefault("DB_PORT", 3306)
	viper.SetDefault("DB_PARAMS", "parseTime=true&loc=UTC")
	viper.SetDefault("MIGRATION_DIR", "migrations")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "json")
	viper.SetDefault("LOG_OUTPUT", "stdout")
	viper.SetDefault("BILLING_COEFFICIENT_TOTAL", "1")
	viper.SetDefault("BILLING_COEFFICIENT_TOLERANCE", "0.0001")
	viper.SetDefault("BILLING_REMAINDER_POLICY", "largest_remainder")
	viper.SetDefault("BILLING_MONTHLY_INTEREST_RATE", "0.015")
	viper.SetDefault("BILLING_GRACE_DAYS", 0)
	viper.SetDefault("BILLING_DUE_DAY", 10)
	viper.SetDefault("BILLING_AUTO_APPLY_CREDIT", false)
	viper.SetDefault("BILLING_GENERATE_RETRIES", 3)
	viper.SetDefault("BILLING_ACCRUAL_WORKERS", 4)
	viper.SetDefault("BILLING_ACCRUAL_RETRIES", 2)
	viper.SetDefault("BILLING_ACCRUAL_HOUR", 2)
	viper.SetDefault("RECONCILIATION_DATE_WINDOW_DAYS", 2)
	viper.SetDefault("GATEWAY_CURRENCY", "clp")
}

// LoadConfig reads the optional config file (CONFIG_FILE, default .env)
// and overlays environment variables.
func LoadConfig() (*Config, error) {
	setDefaults()
	viper.AutomaticEnv()

	file := viper.GetString("CONFIG_FILE")
	if file == "" {
		file = ".env"
	}
	if _, err := os.Stat(file); err == nil {
		viper.SetConfigFile(file)
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := &Config{
		ServerAddress: viper.GetString("SERVER_ADDRESS"),
		Environment:   viper.GetString("ENVIRONMENT"),
		Database: DatabaseConfig{
			Host:     viper.GetString("DB_HOST"),
			Port:     viper.GetInt("DB_PORT"),
			User:     viper.GetString("DB_USER"),
			Password: viper.GetString("DB_PASSWORD"),
			Name:     viper.GetString("DB_NAME"),
			Params:   viper.GetString("DB_PARAMS"),
		},
		Migration: MigrationConfig{
			Dir: viper.GetString("MIGRATION_DIR"),
		},
		Log: LogConfig{
			Level:  viper.GetString("LOG_LEVEL"),
			Format: viper.GetString("LOG_FORMAT"),
			Output: viper.GetString("LOG_OUTPUT"),
		},
		Billing: BillingConfig{
			RemainderPolicy: strings.ToLower(viper.GetString("BILLING_REMAINDER_POLICY")),
			GraceDays:       viper.GetInt("BILLING_GRACE_DAYS"),
			DueDay:          viper.GetInt("BILLING_DUE_DAY"),
			AutoApplyCredit: viper.GetBool("BILLING_AUTO_APPLY_CREDIT"),
			GenerateRetries: viper.GetUint64("BILLING_GENERATE_RETRIES"),
			AccrualWorkers:  viper.GetInt("BILLING_ACCRUAL_WORKERS"),
			AccrualRetries:  viper.GetInt("BILLING_ACCRUAL_RETRIES"),
			AccrualHour:     viper.GetInt("BILLING_ACCRUAL_HOUR"),
		},
		Reconciliation: ReconciliationConfig{
			DateWindowDays: viper.GetInt("RECONCILIATION_DATE_WINDOW_DAYS"),
		},
		Gateway: GatewayConfig{
			StripeSecretKey:       viper.GetString("STRIPE_SECRET_KEY"),
			StripeWebhookSecret:   viper.GetString("STRIPE_WEBHOOK_SECRET"),
			TransferWebhookSecret: viper.GetString("TRANSFER_WEBHOOK_SECRET"),
			Currency:              viper.GetString("GATEWAY_CURRENCY"),
		},
	}

	var err error
	if config.Billing.CoefficientTotal, err = decimalSetting("BILLING_COEFFICIENT_TOTAL"); err != nil {
		return nil, err
	}
	if config.Billing.CoefficientTolerance, err = decimalSetting("BILLING_COEFFICIENT_TOLERANCE"); err != nil {
		return nil, err
	}
	if config.Billing.MonthlyInterestRate, err = decimalSetting("BILLING_MONTHLY_INTEREST_RATE"); err != nil {
		return nil, err
	}

	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func decimalSetting(key string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(viper.GetString(key))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func (c *Config) validate() error {
	if !c.Billing.CoefficientTotal.IsPositive() {
		return fmt.Errorf("BILLING_COEFFICIENT_TOTAL must be positive")
	}
	if c.Billing.CoefficientTolerance.IsNegative() {
		return fmt.Errorf("BILLING_COEFFICIENT_TOLERANCE must not be negative")
	}
	if c.Billing.MonthlyInterestRate.IsNegative() {
		return fmt.Errorf("BILLING_MONTHLY_INTEREST_RATE must not be negative")
	}
	switch c.Billing.RemainderPolicy {
	case "largest_remainder", "unit_id":
	default:
		return fmt.Errorf("unknown BILLING_REMAINDER_POLICY %q", c.Billing.RemainderPolicy)
	}
	if c.Billing.DueDay < 1 || c.Billing.DueDay > 28 {
		return fmt.Errorf("BILLING_DUE_DAY must be between 1 and 28")
	}
	if c.Billing.AccrualWorkers < 1 {
		c.Billing.AccrualWorkers = 1
	}
	if c.Reconciliation.DateWindowDays < 0 {
		return fmt.Errorf("RECONCILIATION_DATE_WINDOW_DAYS must not be negative")
	}
	return nil
}

// GetDSN returns the MySQL DSN string
func (c *Config) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.Params,
	)
}

// GetMigrationDBURL returns the database URL for migrations
func (c *Config) GetMigrationDBURL() string {
	return "mysql://" + c.GetDSN()
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
