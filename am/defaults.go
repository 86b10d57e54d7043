package am

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Default values
const (
	DefaultDatabasePath          = "recurra.db"
	DefaultWorkers               = 1
	DefaultTickerIntervalSeconds = 60
	DefaultRunLogLimit           = 20
	DefaultMaxCatchUp            = 12
	DefaultClaimLeaseSeconds     = 300
	DefaultLedgerTimeoutSeconds  = 30
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", DefaultDatabasePath)

	v.SetDefault("pulse.workers", DefaultWorkers)
	v.SetDefault("pulse.ticker_interval_seconds", DefaultTickerIntervalSeconds)
	v.SetDefault("pulse.cron", "")
	v.SetDefault("pulse.run_log_limit", DefaultRunLogLimit)
	v.SetDefault("pulse.max_catch_up", DefaultMaxCatchUp)
	v.SetDefault("pulse.claim_lease_seconds", DefaultClaimLeaseSeconds)

	v.SetDefault("ledger.base_url", "")
	v.SetDefault("ledger.timeout_seconds", DefaultLedgerTimeoutSeconds)
	v.SetDefault("ledger.max_requests_per_minute", 0)
	v.SetDefault("ledger.min_api_version", "")
	v.SetDefault("ledger.allow_private_ip", false)
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	// No default for the token, so AutomaticEnv alone would never surface it in AllSettings
	v.BindEnv("ledger.api_token", "RECURRA_LEDGER_API_TOKEN")
	v.BindEnv("database.path", "RECURRA_DATABASE_PATH")
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return DefaultDatabasePath
	}
	return c.Database.Path
}

// TickerInterval returns the live-run interval
func (c *Config) TickerInterval() time.Duration {
	if c.Pulse.TickerIntervalSeconds <= 0 {
		return DefaultTickerIntervalSeconds * time.Second
	}
	return time.Duration(c.Pulse.TickerIntervalSeconds) * time.Second
}

// ClaimLease returns how long a pending claim blocks other runners
func (c *Config) ClaimLease() time.Duration {
	if c.Pulse.ClaimLeaseSeconds <= 0 {
		return DefaultClaimLeaseSeconds * time.Second
	}
	return time.Duration(c.Pulse.ClaimLeaseSeconds) * time.Second
}

// LedgerTimeout returns the per-request ledger timeout
func (c *Config) LedgerTimeout() time.Duration {
	if c.Ledger.TimeoutSeconds <= 0 {
		return DefaultLedgerTimeoutSeconds * time.Second
	}
	return time.Duration(c.Ledger.TimeoutSeconds) * time.Second
}

// LedgerConfigured reports whether a ledger endpoint is set
func (c *Config) LedgerConfigured() bool {
	return c.Ledger.BaseURL != ""
}

// String returns a string representation of the config
func (c *Config) String() string {
	schedule := fmt.Sprintf("every %s", c.TickerInterval())
	if c.Pulse.Cron != "" {
		schedule = fmt.Sprintf("cron %q", c.Pulse.Cron)
	}
	return fmt.Sprintf("Config{Database: %s, Pulse: {Workers: %d, %s}, Ledger: {Configured: %t}}",
		c.GetDatabasePath(), c.Pulse.Workers, schedule, c.LedgerConfigured())
}
