// Package am loads recurra's configuration ("am" = what the node is).
package am

// Config represents the recurra configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Pulse    PulseConfig    `mapstructure:"pulse"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// PulseConfig configures the scheduler loop and runner
type PulseConfig struct {
	Workers               int    `mapstructure:"workers"`                 // Rules processed concurrently per run (default: 1)
	TickerIntervalSeconds int    `mapstructure:"ticker_interval_seconds"` // Seconds between live runs (default: 60)
	Cron                  string `mapstructure:"cron"`                    // Cron expression; replaces the interval when set
	RunLogLimit           int    `mapstructure:"run_log_limit"`           // Audit entries retained per rule (default: 20)
	MaxCatchUp            int    `mapstructure:"max_catch_up"`            // Overdue occurrences per rule per run (default: 12)
	ClaimLeaseSeconds     int    `mapstructure:"claim_lease_seconds"`     // Age after which a pending claim may be taken over (default: 300)
}

// LedgerConfig configures the HTTP ledger endpoint
type LedgerConfig struct {
	BaseURL              string `mapstructure:"base_url"`                // e.g. "https://ledger.example.com/api/v1" (empty = unconfigured)
	APIToken             string `mapstructure:"api_token"`               // Bearer token (prefer RECURRA_LEDGER_API_TOKEN)
	TimeoutSeconds       int    `mapstructure:"timeout_seconds"`         // Per-request timeout (default: 30)
	MaxRequestsPerMinute int    `mapstructure:"max_requests_per_minute"` // 0 = unlimited
	MinAPIVersion        string `mapstructure:"min_api_version"`         // Reject ledgers reporting an older version (empty = no check)
	AllowPrivateIP       bool   `mapstructure:"allow_private_ip"`        // Permit localhost/private ledgers
}

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)
