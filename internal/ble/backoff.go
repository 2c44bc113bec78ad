package ble

import "time"

// BackoffDelay returns the reconnection delay for attempt n (0-based):
// 1s, 2s, 4s, ... capped at max.
func BackoffDelay(attempt int, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		return max
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	if delay > max {
		return max
	}
	return delay
}
