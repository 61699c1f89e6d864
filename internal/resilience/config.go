package resilience

import (
	"time"
)

// FromRetryConfig converts raw config values to a RetryConfig, keeping the
// fetch defaults wherever a value is unset.
func FromRetryConfig(maxAttempts, delayMs int) RetryConfig {
	cfg := DefaultRetryConfig()
	if maxAttempts > 0 {
		cfg.MaxAttempts = maxAttempts
	}
	if delayMs > 0 {
		cfg.Delay = time.Duration(delayMs) * time.Millisecond
	}
	return cfg
}
