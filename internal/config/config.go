package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration. Operational knobs carry env
// fallbacks; the persisted settings row (internal/settings) overrides them
// when present.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	LogLevel    string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int

	// External invoice-aggregation database (read-only source for sync).
	ExternalDBDSN string

	ADRBaseURL        string
	ADRRecipientEmail string
	ADRSourceAppName  string
	ADRTimeoutSeconds int

	BatchSize                 int
	MaxParallelRequests       int
	DailyStatusCheckDelayDays int
	ScrapeRetryDays           int
	CredentialCheckLeadDays   int
	MaxRetries                int
	TestModeEnabled           bool
	TestModeMaxScrapingJobs   int
	TestModeMaxRebillJobs     int
	EnableDetailedLogging     bool
	IsOrchestrationEnabled    bool

	GracePeriodMinutes  int
	StartupDelaySeconds int
	RunIntervalMinutes  int

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	AlertEmail   string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "adrflow"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		LogLevel:    getenv("LOG_LEVEL", "info"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "adrflow"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 4),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 16),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 1800),

		ExternalDBDSN: getenv("EXTERNAL_DATABASE_DSN", ""),

		ADRBaseURL:        strings.TrimRight(getenv("ADR_BASE_URL", "http://localhost:5080"), "/"),
		ADRRecipientEmail: getenv("ADR_RECIPIENT_EMAIL", "billing-ops@opsframe.io"),
		ADRSourceAppName:  getenv("ADR_SOURCE_APPLICATION", "adrflow"),
		ADRTimeoutSeconds: getenvInt("ADR_TIMEOUT_SECONDS", 300),

		BatchSize:                 getenvInt("BATCH_SIZE", 1000),
		MaxParallelRequests:       getenvInt("MAX_PARALLEL_REQUESTS", 8),
		DailyStatusCheckDelayDays: getenvInt("DAILY_STATUS_CHECK_DELAY_DAYS", 1),
		ScrapeRetryDays:           getenvInt("SCRAPE_RETRY_DAYS", 5),
		CredentialCheckLeadDays:   getenvInt("CREDENTIAL_CHECK_LEAD_DAYS", 7),
		MaxRetries:                getenvInt("MAX_RETRIES", 5),
		TestModeEnabled:           getenvBool("TEST_MODE_ENABLED", false),
		TestModeMaxScrapingJobs:   getenvInt("TEST_MODE_MAX_SCRAPING_JOBS", 50),
		TestModeMaxRebillJobs:     getenvInt("TEST_MODE_MAX_REBILL_JOBS", 50),
		EnableDetailedLogging:     getenvBool("ENABLE_DETAILED_LOGGING", false),
		IsOrchestrationEnabled:    getenvBool("IS_ORCHESTRATION_ENABLED", true),

		GracePeriodMinutes:  getenvInt("GRACE_PERIOD_MINUTES", 10),
		StartupDelaySeconds: getenvInt("STARTUP_DELAY_SECONDS", 0),
		RunIntervalMinutes:  getenvInt("RUN_INTERVAL_MINUTES", 60),

		SMTPHost:     getenv("SMTP_HOST", ""),
		SMTPPort:     getenvInt("SMTP_PORT", 587),
		SMTPUsername: getenv("SMTP_USERNAME", ""),
		SMTPPassword: getenv("SMTP_PASSWORD", ""),
		SMTPFrom:     getenv("SMTP_FROM", "adrflow@opsframe.io"),
		AlertEmail:   getenv("ALERT_EMAIL", ""),
	}
}

// Module wires configuration for the application.
var Module = fx.Module("config",
	fx.Provide(Load),
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}
