package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration-valued config fields (scheduler.horizon, scheduler.short_cutoff,
// scheduler.rearm_interval, storage.busy_timeout, telegram.poll_timeout) are
// Go duration strings. An empty string means unset; what unset means is the
// caller's call, hence the two helpers below.

// ParseDurationField parses one duration field. Unset yields zero. field is
// the dotted config path, used to point error messages at the right line.
func ParseDurationField(field, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: %q is not a duration (want e.g. \"90s\", \"720h\"): %w", field, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: negative durations are not allowed", field)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with unset (or zero) mapped
// to def instead of 0.
func ParseDurationOrDefault(field, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(field, raw)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}
