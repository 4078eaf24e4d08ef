package cfg

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"
)

// Config holds every runtime setting for the service. Fields bind to
// flags here and fill from FIREWATCH_* environment variables at startup.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string
	FeedURL               string
	PollSeconds           int
	StaleAfterHours       int
	RetainHours           int
	Locations             string
	WebhookURL            string
	StandbyWebhookURL     string
	PermalinkBase         string
	DatabaseURL           string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token guarding the run and status endpoints")
	fs.StringVar(&c.FeedURL, "feed-url", "", "URL of the encrypted dispatch feed endpoint")
	fs.IntVar(&c.PollSeconds, "poll-seconds", 60, "seconds between scheduled feed polls (0 disables the scheduler, max 3600)")
	fs.IntVar(&c.StaleAfterHours, "stale-after-hours", 24, "hours without change before an open incident is expired (1..168)")
	fs.IntVar(&c.RetainHours, "retain-hours", 72, "hours to retain closed incidents before pruning (1..720)")
	fs.StringVar(&c.Locations, "locations", "vancouver", "comma-separated place names matched against incident addresses")
	fs.StringVar(&c.WebhookURL, "webhook-url", "", "webhook URL for incident notifications")
	fs.StringVar(&c.StandbyWebhookURL, "standby-webhook-url", "", "webhook URL for standby notifications (empty = primary webhook)")
	fs.StringVar(&c.PermalinkBase, "permalink-base", "", "base URL for incident permalinks embedded in notifications")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	// API token guards the manual-run and status endpoints
	if c.APIToken == "" {
		errs = append(errs, errors.New("API_TOKEN is required"))
	}

	// Feed endpoint is required: there is nothing to do without one
	if c.FeedURL == "" {
		errs = append(errs, errors.New("FEED_URL is required"))
	}

	if c.PollSeconds < 0 || c.PollSeconds > 3600 {
		errs = append(errs, fmt.Errorf("invalid POLL_SECONDS %d (must be 0..3600, 0 disables the scheduler)", c.PollSeconds))
	}

	if c.StaleAfterHours <= 0 || c.StaleAfterHours > 168 {
		errs = append(errs, fmt.Errorf("invalid STALE_AFTER_HOURS %d (must be 1..168)", c.StaleAfterHours))
	}
	if c.RetainHours <= 0 || c.RetainHours > 720 {
		errs = append(errs, fmt.Errorf("invalid RETAIN_HOURS %d (must be 1..720)", c.RetainHours))
	}

	// Retention shorter than the staleness window would prune records
	// before they can expire
	if c.RetainHours > 0 && c.StaleAfterHours > 0 && c.RetainHours < c.StaleAfterHours {
		errs = append(errs, fmt.Errorf("RETAIN_HOURS %d must not be less than STALE_AFTER_HOURS %d", c.RetainHours, c.StaleAfterHours))
	}

	if len(c.LocationList()) == 0 {
		errs = append(errs, errors.New("LOCATIONS must name at least one place"))
	}

	// Notifications are the point of the service
	if c.WebhookURL == "" {
		errs = append(errs, errors.New("WEBHOOK_URL is required"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// PollInterval returns the scheduler interval; zero means disabled.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollSeconds) * time.Second
}

// StaleAfter returns the open-incident staleness window.
func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterHours) * time.Hour
}

// RetainFor returns the closed-incident retention window.
func (c *Config) RetainFor() time.Duration {
	return time.Duration(c.RetainHours) * time.Hour
}

// LocationList splits the comma-separated Locations value, dropping
// empty entries.
func (c *Config) LocationList() []string {
	var out []string
	for _, loc := range strings.Split(c.Locations, ",") {
		if loc = strings.TrimSpace(loc); loc != "" {
			out = append(out, loc)
		}
	}
	return out
}
