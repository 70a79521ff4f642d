// Package config loads subbridge configuration from the data
// directory's .env file and the process environment.
//
// The entitlement allow-list (ALLOWED_PLAN_IDS) and log level are
// runtime-reloadable via the config watcher; everything else is fixed
// at startup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Defaults mirror the cadence the binding engine was designed around:
// five-minute session cache, ten-minute expiry sweep, hourly
// entitlement sweep starting one minute after boot.
const (
	DefaultCacheTTL                 = 300 * time.Second
	DefaultCacheSweepInterval       = 600 * time.Second
	DefaultEntitlementSweepInterval = 3600 * time.Second
	DefaultEntitlementSweepDelay    = 60 * time.Second
)

// Config holds all application configuration.
type Config struct {
	DataDir string

	// Billing panel
	PanelURL     string
	PanelTimeout time.Duration

	// Media server
	EmbyURL       string
	EmbyAPIKey    string
	EmbyServerURL string // connection hint surfaced to account holders

	// Record store backend: "file" or "sqlite"
	StoreBackend string

	// HTTP API listen address
	ListenAddr string

	// Prometheus endpoint; empty disables the metrics listener
	MetricsAddr string

	CacheTTL                 time.Duration
	CacheSweepInterval       time.Duration
	EntitlementSweepInterval time.Duration
	EntitlementSweepDelay    time.Duration

	LogLevel   string
	LogFile    string
	LogMaxSize int // MB
	LogMaxAge  int // days

	mu             sync.RWMutex
	allowedPlanIDs []int
}

// Load reads configuration from <dataDir>/.env plus the process
// environment and returns a Config with defaults applied.
func Load() (*Config, error) {
	dataDir := "/etc/subbridge"
	if dir := os.Getenv("SUBBRIDGE_DATA_DIR"); dir != "" {
		dataDir = dir
	}

	envFile := filepath.Join(dataDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
		}
	}
	// Also try the working directory for development setups.
	_ = godotenv.Load()

	cfg := &Config{
		DataDir:                  dataDir,
		PanelURL:                 os.Getenv("PANEL_URL"),
		PanelTimeout:             30 * time.Second,
		EmbyURL:                  os.Getenv("EMBY_URL"),
		EmbyAPIKey:               os.Getenv("EMBY_API_KEY"),
		EmbyServerURL:            os.Getenv("EMBY_SERVER_URL"),
		StoreBackend:             "file",
		ListenAddr:               ":8080",
		MetricsAddr:              os.Getenv("METRICS_ADDR"),
		CacheTTL:                 DefaultCacheTTL,
		CacheSweepInterval:       DefaultCacheSweepInterval,
		EntitlementSweepInterval: DefaultEntitlementSweepInterval,
		EntitlementSweepDelay:    DefaultEntitlementSweepDelay,
		LogLevel:                 "info",
		LogMaxSize:               50,
		LogMaxAge:                30,
	}

	if backend := strings.ToLower(strings.TrimSpace(os.Getenv("STORE_BACKEND"))); backend != "" {
		cfg.StoreBackend = backend
	}
	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	cfg.LogFile = os.Getenv("LOG_FILE")
	if size := os.Getenv("LOG_MAX_SIZE"); size != "" {
		if n, err := strconv.Atoi(size); err == nil && n > 0 {
			cfg.LogMaxSize = n
		}
	}
	if age := os.Getenv("LOG_MAX_AGE"); age != "" {
		if n, err := strconv.Atoi(age); err == nil && n >= 0 {
			cfg.LogMaxAge = n
		}
	}

	applyDuration := func(name string, target *time.Duration) {
		raw := os.Getenv(name)
		if raw == "" {
			return
		}
		d, err := parseDuration(raw)
		if err != nil {
			log.Warn().Str("var", name).Str("value", raw).Msg("Ignoring unparseable duration")
			return
		}
		*target = d
	}
	applyDuration("PANEL_TIMEOUT", &cfg.PanelTimeout)
	applyDuration("CACHE_TTL", &cfg.CacheTTL)
	applyDuration("CACHE_SWEEP_INTERVAL", &cfg.CacheSweepInterval)
	applyDuration("ENTITLEMENT_SWEEP_INTERVAL", &cfg.EntitlementSweepInterval)
	applyDuration("ENTITLEMENT_SWEEP_DELAY", &cfg.EntitlementSweepDelay)

	cfg.allowedPlanIDs = ParsePlanIDs(os.Getenv("ALLOWED_PLAN_IDS"))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings a running instance cannot do without.
func (c *Config) Validate() error {
	if c.PanelURL == "" {
		return fmt.Errorf("PANEL_URL is required")
	}
	if c.EmbyURL == "" {
		return fmt.Errorf("EMBY_URL is required")
	}
	if c.EmbyAPIKey == "" {
		return fmt.Errorf("EMBY_API_KEY is required")
	}
	switch c.StoreBackend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("STORE_BACKEND must be \"file\" or \"sqlite\", got %q", c.StoreBackend)
	}
	if len(c.AllowedPlanIDs()) == 0 {
		// Policy, not an error: with no eligible plans the sweeper
		// de-provisions every media account it can validate.
		log.Warn().Msg("ALLOWED_PLAN_IDS is empty; no plan qualifies for a media account")
	}
	return nil
}

// AllowedPlanIDs returns a copy of the entitlement allow-list.
func (c *Config) AllowedPlanIDs() []int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]int, len(c.allowedPlanIDs))
	copy(ids, c.allowedPlanIDs)
	return ids
}

// SetAllowedPlanIDs replaces the entitlement allow-list at runtime.
func (c *Config) SetAllowedPlanIDs(ids []int) {
	sorted := make([]int, len(ids))
	copy(sorted, ids)
	sort.Ints(sorted)

	c.mu.Lock()
	c.allowedPlanIDs = sorted
	c.mu.Unlock()
}

// PlanAllowed reports whether planID qualifies for a media account.
// A nil plan id never qualifies.
func (c *Config) PlanAllowed(planID *int) bool {
	if planID == nil {
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, id := range c.allowedPlanIDs {
		if id == *planID {
			return true
		}
	}
	return false
}

// ParsePlanIDs parses a comma-separated list of plan ids, skipping
// blanks and non-numeric entries.
func ParsePlanIDs(raw string) []int {
	var ids []int
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil {
			log.Warn().Str("value", part).Msg("Ignoring non-numeric plan id in allow-list")
			continue
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// parseDuration accepts Go duration strings ("90s", "1h") and bare
// integers, which are read as seconds.
func parseDuration(raw string) (time.Duration, error) {
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(raw)
}
