package am

import (
	"github.com/Masterminds/semver/v3"
	"github.com/robfig/cron/v3"

	"github.com/teranos/recurra/errors"
)

// cronFields mirrors the runner's parser so a config that validates here also starts
var cronFields = cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Pulse workers: 0 = default (1), negative = invalid
	if c.Pulse.Workers < 0 {
		return errors.Newf("pulse.workers must be >= 0, got %d", c.Pulse.Workers)
	}
	if c.Pulse.TickerIntervalSeconds < 0 {
		return errors.Newf("pulse.ticker_interval_seconds must be >= 0, got %d", c.Pulse.TickerIntervalSeconds)
	}
	if c.Pulse.Cron != "" {
		if _, err := cron.NewParser(cronFields).Parse(c.Pulse.Cron); err != nil {
			return errors.WithHint(errors.Wrapf(err, "pulse.cron %q is invalid", c.Pulse.Cron),
				"use five fields (minute hour day-of-month month day-of-week) or a descriptor like @daily")
		}
	}
	if c.Pulse.RunLogLimit < 0 {
		return errors.Newf("pulse.run_log_limit must be >= 0, got %d", c.Pulse.RunLogLimit)
	}
	if c.Pulse.MaxCatchUp < 0 {
		return errors.Newf("pulse.max_catch_up must be >= 0, got %d", c.Pulse.MaxCatchUp)
	}
	if c.Pulse.ClaimLeaseSeconds < 0 {
		return errors.Newf("pulse.claim_lease_seconds must be >= 0, got %d", c.Pulse.ClaimLeaseSeconds)
	}

	if c.Ledger.TimeoutSeconds < 0 {
		return errors.Newf("ledger.timeout_seconds must be >= 0, got %d", c.Ledger.TimeoutSeconds)
	}
	if c.Ledger.MaxRequestsPerMinute < 0 {
		return errors.Newf("ledger.max_requests_per_minute must be >= 0 (0 = unlimited), got %d", c.Ledger.MaxRequestsPerMinute)
	}
	if c.Ledger.MinAPIVersion != "" {
		if _, err := semver.NewVersion(c.Ledger.MinAPIVersion); err != nil {
			return errors.Wrapf(err, "ledger.min_api_version %q is not a semantic version", c.Ledger.MinAPIVersion)
		}
	}
	if c.Ledger.APIToken != "" && c.Ledger.BaseURL == "" {
		return errors.WithHint(errors.New("ledger.api_token is set but ledger.base_url is empty"),
			"set ledger.base_url or RECURRA_LEDGER_BASE_URL")
	}

	return nil
}
