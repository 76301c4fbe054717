package maintenance

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/tipsy-mixer/tipsy/controller"
)

// Bucket holds the maintenance config record.
const Bucket = "maintenance"

// maxSeconds bounds one pump run started from maintenance.
const maxSeconds = 120

type Config struct {
	ID            string  `json:"id"`
	PrimeSeconds  float64 `json:"prime_seconds"`
	CleanSeconds  float64 `json:"clean_seconds"`
	EnableClean   bool    `json:"enable_clean"`
	CleanSchedule string  `json:"clean_schedule"`
	EnableAudit   bool    `json:"enable_audit"`
	AuditSchedule string  `json:"audit_schedule"`
}

func DefaultConfig() Config {
	return Config{
		PrimeSeconds:  10,
		CleanSeconds:  10,
		CleanSchedule: "FREQ=DAILY;BYHOUR=4;BYMINUTE=0",
		AuditSchedule: "FREQ=HOURLY;INTERVAL=6",
	}
}

func (c Config) Validate() error {
	var result *multierror.Error
	if c.PrimeSeconds <= 0 || c.PrimeSeconds > maxSeconds {
		result = multierror.Append(result, fmt.Errorf("prime_seconds must be in (0, %d], got %v", maxSeconds, c.PrimeSeconds))
	}
	if c.CleanSeconds <= 0 || c.CleanSeconds > maxSeconds {
		result = multierror.Append(result, fmt.Errorf("clean_seconds must be in (0, %d], got %v", maxSeconds, c.CleanSeconds))
	}
	check := func(name string, enabled bool, rule string) {
		if !enabled && rule == "" {
			return
		}
		if enabled && rule == "" {
			result = multierror.Append(result, fmt.Errorf("%s enabled without a schedule", name))
			return
		}
		if _, err := ParseSchedule(rule); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s schedule: %v", name, err))
		}
	}
	check("clean", c.EnableClean, c.CleanSchedule)
	check("audit", c.EnableAudit, c.AuditSchedule)
	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %v", controller.ErrParse, err)
	}
	return nil
}
