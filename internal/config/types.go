package config

import (
	"fmt"
	"strings"
)

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Rules     RulesConfig     `json:"rules"`
	Templates TemplatesConfig `json:"templates"`
	SMTP      *SMTPConfig     `json:"smtp,omitempty"`
	Alerts    *AlertsConfig   `json:"alerts,omitempty"`
	HTTP      HTTPConfig      `json:"http"`

	// SiteURL is the public base URL injected into every rendered template.
	SiteURL string `json:"site_url"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the sqlite ledger.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// DispatchConfig controls the recurring dispatch pass.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "5m").
type DispatchConfig struct {
	Enabled bool `json:"enabled"`

	// Schedule accepts a cron spec ("*/5 * * * *"), a Go duration ("10m"),
	// or HH:MM interval shorthand ("00:10").
	Schedule string `json:"schedule"`
	Timezone string `json:"timezone,omitempty"`

	// LeaseTTL bounds how long a crashed pass blocks the next one.
	LeaseTTL   string `json:"lease_ttl,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`

	// RetryFailedSends keeps a user eligible when delivery fails. Off by
	// default: a lost send is alerted but not retried.
	RetryFailedSends bool `json:"retry_failed_sends,omitempty"`
}

// RulesConfig points at the two rule documents.
type RulesConfig struct {
	TransitionsFile string `json:"transitions_file"`
	EventsFile      string `json:"events_file"`

	// Watch reloads the rule documents on change without a restart.
	Watch bool `json:"watch,omitempty"`
}

type TemplatesConfig struct {
	Directory string `json:"directory"`
}

// SMTPConfig controls outbound mail. Omitting the section selects the log
// transport, which only records what would have been sent.
type SMTPConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port,omitempty"` // default 587
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"` // do not log
	Timeout  string `json:"timeout,omitempty"`  // Go duration string
}

// AlertsConfig controls the Telegram operator channel.
type AlertsConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token"` // do not log
	ChatID     int64  `json:"chat_id"`
	QueueSize  int    `json:"queue_size,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	MinLevel   string `json:"min_level,omitempty"` // "warn" (default) or "error"
}

type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address,omitempty"` // default 127.0.0.1:8085
	Token   string `json:"token,omitempty"`   // bearer token for mutating endpoints; do not log
}

// Validate checks cross-field requirements that the strict decoder cannot.
// It returns all problems at once so an operator fixes a file in one edit.
func (c *Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.Storage.Path) == "" {
		problems = append(problems, "storage.path is required")
	}
	if c.Dispatch.Enabled && strings.TrimSpace(c.Dispatch.Schedule) == "" {
		problems = append(problems, "dispatch.schedule is required when dispatch is enabled")
	}
	if strings.TrimSpace(c.Rules.TransitionsFile) == "" {
		problems = append(problems, "rules.transitions_file is required")
	}
	if strings.TrimSpace(c.Rules.EventsFile) == "" {
		problems = append(problems, "rules.events_file is required")
	}
	if strings.TrimSpace(c.Templates.Directory) == "" {
		problems = append(problems, "templates.directory is required")
	}
	if c.SMTP != nil && strings.TrimSpace(c.SMTP.Host) == "" {
		problems = append(problems, "smtp.host is required when the smtp section is present")
	}
	if c.Alerts != nil && c.Alerts.Enabled {
		if strings.TrimSpace(c.Alerts.Token) == "" {
			problems = append(problems, "alerts.token is required when alerts are enabled")
		}
		if c.Alerts.ChatID == 0 {
			problems = append(problems, "alerts.chat_id is required when alerts are enabled")
		}
	}

	for _, f := range []struct{ path, raw string }{
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"dispatch.lease_ttl", c.Dispatch.LeaseTTL},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if c.SMTP != nil {
		if _, err := ParseDurationField("smtp.timeout", c.SMTP.Timeout); err != nil {
			problems = append(problems, err.Error())
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
}
