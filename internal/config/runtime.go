package config

import "time"

// RuntimeConfig holds all hot-updatable global settings.
// These are served and patched via GET/PATCH /system/config.
type RuntimeConfig struct {
	// Scheduling
	DeadlineRateWindow Duration `json:"deadline_rate_window"`
	DispatchPoll       Duration `json:"dispatch_poll"`

	// Validation
	StrictValidation bool `json:"strict_validation"`

	// Proxy health
	MaxConsecutiveFailures int      `json:"max_consecutive_failures"`
	ProbeInterval          Duration `json:"probe_interval"`
	ProbeTimeout           Duration `json:"probe_timeout"`
	LatencyDecayWindow     Duration `json:"latency_decay_window"`

	// Accounts
	DefaultSessionDuration Duration `json:"default_session_duration"`
	CheckoutSweepInterval  Duration `json:"checkout_sweep_interval"`

	// Persistence
	CacheFlushInterval       Duration `json:"cache_flush_interval"`
	CacheFlushDirtyThreshold int      `json:"cache_flush_dirty_threshold"`
	SessionEvictDelay        Duration `json:"session_evict_delay"`
}

// NewDefaultRuntimeConfig returns a RuntimeConfig populated with defaults.
func NewDefaultRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		DeadlineRateWindow: Duration(10 * time.Minute),
		DispatchPoll:       Duration(25 * time.Millisecond),

		StrictValidation: false,

		MaxConsecutiveFailures: 3,
		ProbeInterval:          Duration(5 * time.Minute),
		ProbeTimeout:           Duration(10 * time.Second),
		LatencyDecayWindow:     Duration(10 * time.Minute),

		DefaultSessionDuration: Duration(30 * time.Minute),
		CheckoutSweepInterval:  Duration(1 * time.Minute),

		CacheFlushInterval:       Duration(5 * time.Minute),
		CacheFlushDirtyThreshold: 1000,
		SessionEvictDelay:        Duration(72 * time.Hour),
	}
}
