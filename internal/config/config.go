package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Harvest  HarvestConfig
	Session  SessionConfig
	Browser  BrowserConfig
	Solver   SolverConfig
	Unblock  UnblockerConfig
	Metrics  MetricsConfig
	Logging  LoggingConfig
}

type HarvestConfig struct {
	OutputDir         string
	Concurrency       int
	BatchSize         int
	MaxModels         int
	MaxPages          int
	Timeout           time.Duration
	Retries           int
	RetryRounds       int
	RetryDelay        time.Duration
	RetryConcurrency  int
	ListingPageSize   int
	ListingRetries    int
	ListingRetryDelay time.Duration

	// Credential rotation is triggered when at least ChallengeMinSample
	// failures are on hand and the challenge fraction meets the threshold.
	// Empirically tuned values carried over as configurable defaults.
	ChallengeRatio     float64
	ChallengeMinSample int

	PaceMinDelay time.Duration
	PaceMaxDelay time.Duration
}

type SessionConfig struct {
	ImpersonateProfiles []string
	RefreshInterval     time.Duration
	ClearanceTimeout    time.Duration
	ShortCooldown       time.Duration
	LongCooldown        time.Duration
	MaxFailures         int
}

type BrowserConfig struct {
	Headless       bool
	Timeout        time.Duration
	ViewportWidth  int
	ViewportHeight int
	UserAgent      string
	Locale         string
	TimezoneID     string
}

type SolverConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

type UnblockerConfig struct {
	APIKey   string
	Zone     string
	Endpoint string
	Format   string
}

type MetricsConfig struct {
	Addr string
}

type LoggingConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	cfg := &Config{
		Harvest: HarvestConfig{
			OutputDir:          getEnvOrDefault("HARVEST_OUTPUT_DIR", "output"),
			Concurrency:        getIntOrDefault("HARVEST_CONCURRENCY", 6),
			BatchSize:          getIntOrDefault("HARVEST_BATCH_SIZE", 20),
			MaxModels:          getIntOrDefault("HARVEST_MAX_MODELS", 50),
			MaxPages:           getIntOrDefault("HARVEST_MAX_PAGES", 100),
			Timeout:            getDurationOrDefault("HARVEST_TIMEOUT", 30*time.Second),
			Retries:            getIntOrDefault("HARVEST_RETRIES", 1),
			RetryRounds:        getIntOrDefault("HARVEST_RETRY_ROUNDS", 2),
			RetryDelay:         getDurationOrDefault("HARVEST_RETRY_DELAY", 2*time.Second),
			RetryConcurrency:   getIntOrDefault("HARVEST_RETRY_CONCURRENCY", 0),
			ListingPageSize:    getIntOrDefault("HARVEST_LISTING_PAGE_SIZE", 24),
			ListingRetries:     getIntOrDefault("HARVEST_LISTING_RETRIES", 2),
			ListingRetryDelay:  getDurationOrDefault("HARVEST_LISTING_RETRY_DELAY", 2*time.Second),
			ChallengeRatio:     getFloatOrDefault("HARVEST_CHALLENGE_RATIO", 0.6),
			ChallengeMinSample: getIntOrDefault("HARVEST_CHALLENGE_MIN_SAMPLE", 5),
			PaceMinDelay:       getDurationOrDefault("HARVEST_PACE_MIN_DELAY", 2*time.Second),
			PaceMaxDelay:       getDurationOrDefault("HARVEST_PACE_MAX_DELAY", 4*time.Second),
		},
		Session: SessionConfig{
			ImpersonateProfiles: getStringSliceOrDefault("SESSION_IMPERSONATE_PROFILES", []string{"chrome120"}),
			RefreshInterval:     getDurationOrDefault("SESSION_REFRESH_INTERVAL", 60*time.Second),
			ClearanceTimeout:    getDurationOrDefault("SESSION_CLEARANCE_TIMEOUT", 120*time.Second),
			ShortCooldown:       getDurationOrDefault("SESSION_SHORT_COOLDOWN", 5*time.Minute),
			LongCooldown:        getDurationOrDefault("SESSION_LONG_COOLDOWN", 30*time.Minute),
			MaxFailures:         getIntOrDefault("SESSION_MAX_FAILURES", 3),
		},
		Browser: BrowserConfig{
			Headless:       getBoolOrDefault("BROWSER_HEADLESS", true),
			Timeout:        getDurationOrDefault("BROWSER_TIMEOUT", 60*time.Second),
			ViewportWidth:  getIntOrDefault("BROWSER_VIEWPORT_WIDTH", 1920),
			ViewportHeight: getIntOrDefault("BROWSER_VIEWPORT_HEIGHT", 1080),
			UserAgent: getEnvOrDefault("BROWSER_USER_AGENT",
				"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36"),
			Locale:     getEnvOrDefault("BROWSER_LOCALE", "en-US"),
			TimezoneID: getEnvOrDefault("BROWSER_TIMEZONE", "America/New_York"),
		},
		Solver: SolverConfig{
			APIKey:  os.Getenv("ANTICAPTCHA_API_KEY"),
			BaseURL: getEnvOrDefault("ANTICAPTCHA_BASE_URL", "https://api.anti-captcha.com"),
			Timeout: getDurationOrDefault("ANTICAPTCHA_TIMEOUT", 120*time.Second),
		},
		Unblock: UnblockerConfig{
			APIKey:   getEnvFirst("UNBLOCKER_API_KEY", "BRIGHTDATA_API_KEY"),
			Zone:     getEnvFirst("UNBLOCKER_ZONE", "BRIGHTDATA_ZONE"),
			Endpoint: getEnvOrDefault("UNBLOCKER_ENDPOINT", "https://api.brightdata.com/request"),
			Format:   getEnvOrDefault("UNBLOCKER_FORMAT", "raw"),
		},
		Metrics: MetricsConfig{
			Addr: os.Getenv("METRICS_ADDR"),
		},
		Logging: LoggingConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "text"),
		},
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Harvest.Concurrency < 1 {
		return fmt.Errorf("HARVEST_CONCURRENCY must be at least 1")
	}
	if c.Harvest.BatchSize < 1 {
		return fmt.Errorf("HARVEST_BATCH_SIZE must be at least 1")
	}
	if c.Harvest.ChallengeRatio < 0 || c.Harvest.ChallengeRatio > 1 {
		return fmt.Errorf("HARVEST_CHALLENGE_RATIO must be between 0 and 1")
	}
	if c.Harvest.PaceMinDelay > c.Harvest.PaceMaxDelay {
		return fmt.Errorf("HARVEST_PACE_MIN_DELAY cannot be greater than HARVEST_PACE_MAX_DELAY")
	}
	if len(c.Session.ImpersonateProfiles) == 0 {
		return fmt.Errorf("SESSION_IMPERSONATE_PROFILES must name at least one profile")
	}
	return nil
}

// ValidateBackend checks the credentials a selected transport backend needs.
// Called after flag parsing; failing here is the one fatal startup path.
func (c *Config) ValidateBackend(backend string) error {
	switch backend {
	case "unblocker":
		if c.Unblock.APIKey == "" || c.Unblock.Zone == "" {
			return fmt.Errorf("backend %q requires UNBLOCKER_API_KEY and UNBLOCKER_ZONE", backend)
		}
	case "impersonate", "plain", "browser":
	default:
		return fmt.Errorf("unknown backend %q (want impersonate, plain, unblocker or browser)", backend)
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFirst(keys ...string) string {
	for _, key := range keys {
		if value := os.Getenv(key); value != "" {
			return value
		}
	}
	return ""
}

func getIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getStringSliceOrDefault(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
