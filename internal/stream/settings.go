package stream

import "time"

// Settings are the process-wide user settings. They are persisted and merged
// with defaults on every read; all mutation goes through Normalize so invalid
// input is coerced into range, never rejected.
type Settings struct {
	PollIntervalMinutes int  `json:"poll_interval_minutes"`
	CooldownMinutes     int  `json:"cooldown_minutes"`
	NotifyIfAlreadyLive bool `json:"notify_if_already_live"`
	RequestTimeoutMs    int  `json:"request_timeout_ms"`
}

const (
	minPollIntervalMinutes = 1
	maxPollIntervalMinutes = 60
	minCooldownMinutes     = 0
	maxCooldownMinutes     = 1440
	minRequestTimeoutMs    = 2000
	maxRequestTimeoutMs    = 30000
)

// DefaultSettings returns the baseline used when the store holds nothing.
func DefaultSettings() Settings {
	return Settings{
		PollIntervalMinutes: 5,
		CooldownMinutes:     30,
		NotifyIfAlreadyLive: false,
		RequestTimeoutMs:    8000,
	}
}

// Normalize clamps every field into its valid range. A zero PollInterval or
// RequestTimeout (e.g. an absent field) clamps up to the minimum.
func (s Settings) Normalize() Settings {
	s.PollIntervalMinutes = clamp(s.PollIntervalMinutes, minPollIntervalMinutes, maxPollIntervalMinutes)
	s.CooldownMinutes = clamp(s.CooldownMinutes, minCooldownMinutes, maxCooldownMinutes)
	s.RequestTimeoutMs = clamp(s.RequestTimeoutMs, minRequestTimeoutMs, maxRequestTimeoutMs)
	return s
}

func (s Settings) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMinutes) * time.Minute
}

func (s Settings) Cooldown() time.Duration {
	return time.Duration(s.CooldownMinutes) * time.Minute
}

func (s Settings) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutMs) * time.Millisecond
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
