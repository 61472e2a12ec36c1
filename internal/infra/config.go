package infra

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv string

	BaseURL    string
	APIBaseURL string
	UserAgent  string

	ServiceTimezone string
	Location        *time.Location
	OffPeakHours    []int
	RequireOffPeak  bool

	MaxRetryCount      int
	GatewayMaxRetries  int
	BackoffBase        time.Duration
	BackoffMax         time.Duration
	RequestTimeout     time.Duration
	MaxConcurrentTasks int
	MaxDownloadThreads int
	MinDelay           time.Duration
	MaxDelay           time.Duration
	RateLimitPerMin    int
	RetryableStatus    []int
	FatalStatus        []int

	SessionTimeout          time.Duration
	SessionRefreshThreshold time.Duration
	CredentialKeyFile       string

	StoreDriver string
	SQLitePath  string
	DatabaseURL string

	DataDir   string
	InputDir  string
	OutputDir string
	CacheDir  string

	MaxImageBytes  int64
	MaxImageSide   int
	JPEGQuality    int
	VideoDuration  int
	VideoRes       string
	ModelVersion   string
	MaxRedrives    int
	RetentionDays  int
	PurgeFailed    bool
	CacheMaxAge    time.Duration
	DefaultAccount string

	PollSchedule      string
	BacklogSchedule   string
	OffPeakSchedule   string
	CleanupSchedule   string
	StatusAddr        string
	HTTPReadTimeout   time.Duration
	HTTPWriteTimeout  time.Duration
	HTTPIdleTimeout   time.Duration
	ShutdownGraceTime time.Duration
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	dataDir := getEnv("DATA_DIR", "data")
	cfg := &Config{
		AppEnv:     getEnv("APP_ENV", "development"),
		BaseURL:    getEnv("BASE_URL", "https://www.vidu.cn"),
		APIBaseURL: getEnv("API_BASE_URL", "https://service.vidu.cn"),
		UserAgent:  getEnv("USER_AGENT", "autoGenVideo/1.0"),

		ServiceTimezone: getEnv("SERVICE_TIMEZONE", "Asia/Shanghai"),
		OffPeakHours:    getEnvIntList("OFF_PEAK_HOURS", []int{0, 1, 2, 3, 4, 5, 6}),
		RequireOffPeak:  getEnvBool("REQUIRE_OFF_PEAK", true),

		MaxRetryCount:      getEnvInt("MAX_RETRY_COUNT", 3),
		GatewayMaxRetries:  getEnvInt("GATEWAY_MAX_RETRIES", 3),
		BackoffBase:        getEnvDuration("BACKOFF_BASE", 2*time.Second),
		BackoffMax:         getEnvDuration("BACKOFF_MAX", time.Minute),
		RequestTimeout:     time.Second * time.Duration(getEnvInt("REQUEST_TIMEOUT_SECONDS", 30)),
		MaxConcurrentTasks: getEnvInt("MAX_CONCURRENT_TASKS", 5),
		MaxDownloadThreads: getEnvInt("MAX_DOWNLOAD_THREADS", 3),
		MinDelay:           time.Second * time.Duration(getEnvInt("MIN_DELAY_SECONDS", 30)),
		MaxDelay:           time.Second * time.Duration(getEnvInt("MAX_DELAY_SECONDS", 120)),
		RateLimitPerMin:    getEnvInt("RATE_LIMIT_PER_MINUTE", 0),
		RetryableStatus:    getEnvIntList("RETRYABLE_STATUS_CODES", []int{408, 429, 500, 502, 503, 504}),
		FatalStatus:        getEnvIntList("FATAL_STATUS_CODES", nil),

		SessionTimeout:          getEnvDuration("SESSION_TIMEOUT", 24*time.Hour),
		SessionRefreshThreshold: getEnvDuration("SESSION_REFRESH_THRESHOLD", 30*time.Minute),
		CredentialKeyFile:       getEnv("CREDENTIAL_KEY_FILE", filepath.Join(dataDir, "credential.key")),

		StoreDriver: strings.ToLower(getEnv("STORE_DRIVER", "sqlite")),
		SQLitePath:  getEnv("SQLITE_PATH", filepath.Join(dataDir, "autogen.db")),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		DataDir:   dataDir,
		InputDir:  getEnv("INPUT_DIR", filepath.Join(dataDir, "input")),
		OutputDir: getEnv("OUTPUT_DIR", filepath.Join(dataDir, "output")),
		CacheDir:  getEnv("CACHE_DIR", filepath.Join(dataDir, "cache")),

		MaxImageBytes:  int64(getEnvInt("MAX_IMAGE_MB", 10)) << 20,
		MaxImageSide:   getEnvInt("MAX_IMAGE_SIDE", 2048),
		JPEGQuality:    getEnvInt("JPEG_QUALITY", 85),
		VideoDuration:  getEnvInt("VIDEO_DURATION", 5),
		VideoRes:       getEnv("VIDEO_RESOLUTION", "1080p"),
		ModelVersion:   getEnv("MODEL_VERSION", "3.0"),
		MaxRedrives:    getEnvInt("MAX_REDRIVES", 1),
		RetentionDays:  getEnvInt("TASK_RETENTION_DAYS", 30),
		PurgeFailed:    getEnvBool("PURGE_FAILED", false),
		CacheMaxAge:    getEnvDuration("CACHE_MAX_AGE", 24*time.Hour),
		DefaultAccount: os.Getenv("DEFAULT_ACCOUNT"),

		PollSchedule:      getEnv("POLL_SCHEDULE", "@every 1h"),
		BacklogSchedule:   getEnv("BACKLOG_SCHEDULE", "0 2 * * *"),
		OffPeakSchedule:   getEnv("OFF_PEAK_SCHEDULE", "@every 5m"),
		CleanupSchedule:   getEnv("CLEANUP_SCHEDULE", "0 3 * * 0"),
		StatusAddr:        getEnv("STATUS_ADDR", "127.0.0.1:8090"),
		HTTPReadTimeout:   time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout:  time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:   time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		ShutdownGraceTime: getEnvDuration("SHUTDOWN_GRACE", 30*time.Second),
	}

	loc, err := time.LoadLocation(cfg.ServiceTimezone)
	if err != nil {
		return nil, fmt.Errorf("load SERVICE_TIMEZONE %q: %w", cfg.ServiceTimezone, err)
	}
	cfg.Location = loc

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects combinations the engine cannot run with.
func (c *Config) Validate() error {
	if c.MinDelay < 0 || c.MaxDelay < c.MinDelay {
		return fmt.Errorf("MIN_DELAY_SECONDS (%s) must not exceed MAX_DELAY_SECONDS (%s)", c.MinDelay, c.MaxDelay)
	}
	for _, h := range c.OffPeakHours {
		if h < 0 || h > 23 {
			return fmt.Errorf("OFF_PEAK_HOURS contains invalid hour %d", h)
		}
	}
	if c.MaxRetryCount < 0 || c.GatewayMaxRetries < 0 {
		return fmt.Errorf("retry counts must not be negative")
	}
	if c.MaxConcurrentTasks < 1 {
		return fmt.Errorf("MAX_CONCURRENT_TASKS must be at least 1")
	}
	if c.MaxDownloadThreads < 1 {
		return fmt.Errorf("MAX_DOWNLOAD_THREADS must be at least 1")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT_SECONDS must be positive")
	}
	switch c.StoreDriver {
	case "sqlite", "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for STORE_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// getEnvIntList parses a comma separated list; an unparsable entry discards the whole value.
func getEnvIntList(key string, fallback []int) []int {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		i, err := strconv.Atoi(p)
		if err != nil {
			return fallback
		}
		out = append(out, i)
	}
	return out
}
