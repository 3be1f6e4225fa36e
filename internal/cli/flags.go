package cli

import (
	"fmt"
	"time"
)

func parseTimestamp(flag, value string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s value: %w", flag, err)
	}
	return ts, nil
}

func parseOptionalDuration(flag, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %w", flag, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", flag)
	}
	return d, nil
}
