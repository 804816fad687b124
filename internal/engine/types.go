package engine

import (
	"time"
)

// Clock supplies the reference timestamp for eligibility checks.
// Injected so tests can pin time.
type Clock func() time.Time

// Alerter forwards operator-facing problems to an out-of-band channel
// (Telegram chat, ...). Implementations must never block.
type Alerter interface {
	Warn(msg string)
	Error(msg string)
}

// NopAlerter discards alerts.
type NopAlerter struct{}

func (NopAlerter) Warn(string)  {}
func (NopAlerter) Error(string) {}

// Config tunes a dispatch pass.
type Config struct {
	// SiteURL is exposed to every template as "site_url".
	SiteURL string

	// LeaseTTL bounds how long a crashed pass can block the next one.
	LeaseTTL time.Duration

	// RetryFailedSends controls the transport-failure policy: when false
	// (default, matching long-observed behavior) a user whose message was
	// rendered but not delivered is still marked processed; when true the
	// user stays eligible and the send is retried next tick.
	RetryFailedSends bool

	// RatePerSec caps outbound sends.
	RatePerSec int

	Now Clock
}

func (c Config) withDefaults() Config {
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 5 * time.Minute
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 10
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// DueEvent is one event with the users newly eligible for it.
// Order across events follows rule-table iteration order, which is
// deterministic for a fixed configuration.
type DueEvent struct {
	Event string
	Users []int64
}

// PassStats summarizes one resolve-and-dispatch pass.
type PassStats struct {
	Events        int // distinct events with due users
	UsersDue      int
	Sent          int
	Marked        int
	RenderFailed  int
	SendFailed    int
	UnknownEvents int
	Skipped       bool // pass skipped (overlap or lease held elsewhere)
}
