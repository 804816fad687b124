package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration-valued config fields (lease_ttl, busy_timeout, smtp.timeout) are
// Go duration strings. An empty field means "unset" so sections can omit it.

// ParseDurationField parses one such field, naming the offending key on
// error. Negative durations are never meaningful here and are rejected.
func ParseDurationField(key, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0, got %s", key, d)
	default:
		return d, nil
	}
}

// ParseDurationOrDefault is ParseDurationField with a fallback for unset
// (or explicit zero) fields.
func ParseDurationOrDefault(key, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(key, raw)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}
