package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/benthamlabs/bentham/internal/buildinfo"
	"github.com/benthamlabs/bentham/internal/config"
)

// SystemInfo is the static build identity served at /system/info.
type SystemInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"gitCommit"`
	BuildTime string `json:"buildTime"`
}

// CurrentSystemInfo returns the build identity of the running binary.
func CurrentSystemInfo() SystemInfo {
	return SystemInfo{
		Version:   buildinfo.Version,
		GitCommit: buildinfo.GitCommit,
		BuildTime: buildinfo.BuildTime,
	}
}

// HandleHealthz returns a handler for GET /healthz.
// No authentication is required.
func HandleHealthz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// HandleSystemInfo returns a handler for GET /api/v1/system/info.
func HandleSystemInfo(info SystemInfo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, info)
	}
}

// HandleSystemConfig returns a handler for GET /api/v1/system/config.
func HandleSystemConfig(runtimeCfg *atomic.Pointer[config.RuntimeConfig]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if runtimeCfg == nil {
			WriteJSON(w, http.StatusOK, nil)
			return
		}
		WriteJSON(w, http.StatusOK, runtimeCfg.Load())
	}
}

// HandleSystemDefaultConfig returns a handler for GET /api/v1/system/config/default.
func HandleSystemDefaultConfig() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, config.NewDefaultRuntimeConfig())
	}
}

// HandlePatchSystemConfig returns a handler for PATCH /api/v1/system/config.
// The body is a partial RuntimeConfig document; present fields replace the
// current values, absent fields keep them.
func HandlePatchSystemConfig(runtimeCfg *atomic.Pointer[config.RuntimeConfig]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := readRawBodyOrWriteInvalid(w, r)
		if !ok {
			return
		}
		next, err := patchRuntimeConfig(runtimeCfg.Load(), body)
		if err != nil {
			writeInvalidRequest(w, err.Error())
			return
		}
		runtimeCfg.Store(next)
		WriteJSON(w, http.StatusOK, next)
	}
}

// patchRuntimeConfig merges a partial JSON document into a copy of cur.
func patchRuntimeConfig(cur *config.RuntimeConfig, patch []byte) (*config.RuntimeConfig, error) {
	next := *cur
	if err := json.Unmarshal(patch, &next); err != nil {
		return nil, fmt.Errorf("invalid config patch: %w", err)
	}
	if err := validateRuntimeConfig(&next); err != nil {
		return nil, err
	}
	return &next, nil
}

func validateRuntimeConfig(c *config.RuntimeConfig) error {
	for name, d := range map[string]config.Duration{
		"deadline_rate_window":     c.DeadlineRateWindow,
		"dispatch_poll":            c.DispatchPoll,
		"probe_interval":           c.ProbeInterval,
		"probe_timeout":            c.ProbeTimeout,
		"latency_decay_window":     c.LatencyDecayWindow,
		"default_session_duration": c.DefaultSessionDuration,
		"checkout_sweep_interval":  c.CheckoutSweepInterval,
		"cache_flush_interval":     c.CacheFlushInterval,
	} {
		if d.Std() <= 0 {
			return fmt.Errorf("%s: must be positive", name)
		}
	}
	if c.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("max_consecutive_failures: must be positive")
	}
	if c.CacheFlushDirtyThreshold <= 0 {
		return fmt.Errorf("cache_flush_dirty_threshold: must be positive")
	}
	if c.SessionEvictDelay.Std() < 0 {
		return fmt.Errorf("session_evict_delay: must not be negative")
	}
	return nil
}
