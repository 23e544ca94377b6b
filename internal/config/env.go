// Package config handles environment-based configuration loading and the
// hot-updatable runtime config model.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// EnvConfig holds all environment-variable-driven settings (not hot-updatable).
type EnvConfig struct {
	// Directories
	DataDir       string
	CheckpointDir string

	// Network
	ListenAddress string
	APIPort       int

	// Auth
	APIToken string

	// Vault
	VaultPath     string
	VaultPassword string
	CredEnvPrefix string

	// Proxy
	GeoDBPath         string
	GeoReloadSchedule string
	ProbeTimeout      time.Duration

	// Execution
	DefaultSafetyMargin time.Duration
	StrictValidation    bool
	ShutdownGrace       time.Duration

	// Persistence
	CacheFlushInterval       time.Duration
	CacheFlushDirtyThreshold int
}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
// Returns an error listing every invalid or missing variable.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	// --- Directories ---
	cfg.DataDir = envStr("BENTHAM_DATA_DIR", "/var/lib/bentham")
	cfg.CheckpointDir = envStr("BENTHAM_CHECKPOINT_DIR", "")
	if cfg.CheckpointDir == "" {
		cfg.CheckpointDir = cfg.DataDir + "/checkpoints"
	}

	// --- Network ---
	cfg.ListenAddress = strings.TrimSpace(envStr("BENTHAM_LISTEN_ADDRESS", "0.0.0.0"))
	cfg.APIPort = envInt("BENTHAM_PORT", 2780, &errs)

	// --- Auth (must be defined; empty means auth disabled) ---
	apiToken, hasAPIToken := os.LookupEnv("BENTHAM_API_TOKEN")
	cfg.APIToken = apiToken

	// --- Vault ---
	cfg.VaultPath = envStr("BENTHAM_VAULT_PATH", "")
	cfg.VaultPassword = envStr("BENTHAM_VAULT_PASSWORD", "")
	cfg.CredEnvPrefix = envStr("BENTHAM_CRED_ENV_PREFIX", "BENTHAM")

	// --- Proxy ---
	cfg.GeoDBPath = envStr("BENTHAM_GEO_DB_PATH", cfg.DataDir+"/country.mmdb")
	cfg.GeoReloadSchedule = envStr("BENTHAM_GEO_RELOAD_SCHEDULE", "0 4 * * *")
	cfg.ProbeTimeout = envDuration("BENTHAM_PROBE_TIMEOUT", 10*time.Second, &errs)

	// --- Execution ---
	cfg.DefaultSafetyMargin = envDuration("BENTHAM_SAFETY_MARGIN", 0, &errs)
	cfg.StrictValidation = envBool("BENTHAM_STRICT_VALIDATION", false, &errs)
	cfg.ShutdownGrace = envDuration("BENTHAM_SHUTDOWN_GRACE", 5*time.Second, &errs)

	// --- Persistence ---
	cfg.CacheFlushInterval = envDuration("BENTHAM_CACHE_FLUSH_INTERVAL", 5*time.Minute, &errs)
	cfg.CacheFlushDirtyThreshold = envInt("BENTHAM_CACHE_FLUSH_DIRTY_THRESHOLD", 1000, &errs)

	// --- Validation ---
	if !hasAPIToken {
		errs = append(errs, "BENTHAM_API_TOKEN must be defined (can be empty)")
	}
	if cfg.ListenAddress == "" {
		errs = append(errs, "BENTHAM_LISTEN_ADDRESS must not be empty")
	}
	validatePort("BENTHAM_PORT", cfg.APIPort, &errs)
	if _, err := cron.ParseStandard(cfg.GeoReloadSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("BENTHAM_GEO_RELOAD_SCHEDULE: invalid cron expression %q: %v", cfg.GeoReloadSchedule, err))
	}
	if cfg.ProbeTimeout <= 0 {
		errs = append(errs, "BENTHAM_PROBE_TIMEOUT must be positive")
	}
	if cfg.DefaultSafetyMargin < 0 {
		errs = append(errs, "BENTHAM_SAFETY_MARGIN must not be negative")
	}
	if cfg.ShutdownGrace <= 0 {
		errs = append(errs, "BENTHAM_SHUTDOWN_GRACE must be positive")
	}
	if cfg.CacheFlushInterval <= 0 {
		errs = append(errs, "BENTHAM_CACHE_FLUSH_INTERVAL must be positive")
	}
	validatePositive("BENTHAM_CACHE_FLUSH_DIRTY_THRESHOLD", cfg.CacheFlushDirtyThreshold, &errs)
	if cfg.VaultPath != "" && cfg.VaultPassword == "" {
		errs = append(errs, "BENTHAM_VAULT_PASSWORD is required when BENTHAM_VAULT_PATH is set")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envBool(key string, defaultVal bool, errs *[]string) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid boolean %q", key, v))
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}
