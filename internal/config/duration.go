package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration-valued config fields (host.tick_rate, journal.busy_timeout) are Go
// duration strings: "50ms", "1s", "2m30s". Empty means unset.

// minTickRate is the floor for host.tick_rate. Quanta below one millisecond
// turn the ticker loops into busy spins.
const minTickRate = time.Millisecond

// ParseDurationField parses one duration field. An empty value parses to 0;
// a negative value is an error. path names the field in error messages.
func ParseDurationField(path, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault substitutes def when the field is unset or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

// ParseTickRate parses host.tick_rate, substituting def when unset and
// rejecting quanta shorter than one millisecond.
func ParseTickRate(raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationOrDefault("host.tick_rate", raw, def)
	if err != nil {
		return 0, err
	}
	if d < minTickRate {
		return 0, fmt.Errorf("host.tick_rate: %v is below the %v minimum", d, minTickRate)
	}
	return d, nil
}
