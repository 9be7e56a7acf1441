package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBPath            string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBAutoMigrate     bool
	SeedDemoCatalog   bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	NodeID int64

	QPay QPayConfig

	StatusCache StatusCacheConfig

	Scheduler SchedulerConfig
}

// QPayConfig configures the payment gateway client and its merchant profiles.
type QPayConfig struct {
	BaseURL           string
	HTTPTimeout       time.Duration
	CheckTimeout      time.Duration
	CheckRatePerSec   float64
	CheckBurst        int
	ReceiverFallbacks []string
	Profiles          []QPayProfile
}

// QPayProfile is one set of merchant credentials. Name matches a service type
// ("course", "test") or "default".
type QPayProfile struct {
	Name         string
	ClientID     string
	ClientSecret string
	InvoiceCode  string
	CallbackURL  string
}

type StatusCacheConfig struct {
	PendingTTL  time.Duration
	TerminalTTL time.Duration
	MaxEntries  int
}

type SchedulerConfig struct {
	Enabled          bool
	ReconcileEvery   time.Duration
	PendingOlderThan time.Duration
	PendingMaxAge    time.Duration
	BatchSize        int
	JobTimeout       time.Duration
}

const (
	ProfileDefault = "default"
	ProfileCourse  = "course"
	ProfileTest    = "test"
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "coursepay"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint:      getenv("OTLP_ENDPOINT", "localhost:4317"),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "coursepay"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBPath:            getenv("DATABASE_PATH", "coursepay.db"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		DBAutoMigrate:     getenvBool("DATABASE_AUTO_MIGRATE", true),
		SeedDemoCatalog:   getenvBool("SEED_DEMO_CATALOG", false),
		RedisAddr:         strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword:     getenv("REDIS_PASSWORD", ""),
		RedisDB:           getenvInt("REDIS_DB", 0),
		NodeID:            getenvInt64("NODE_ID", 1),
		QPay: QPayConfig{
			BaseURL:           strings.TrimRight(getenv("QPAY_BASE_URL", "https://merchant.qpay.mn/v2"), "/"),
			HTTPTimeout:       getenvDuration("QPAY_HTTP_TIMEOUT", 15*time.Second),
			CheckTimeout:      getenvDuration("PAYMENT_CHECK_TIMEOUT", 8*time.Second),
			CheckRatePerSec:   getenvFloat("PAYMENT_CHECK_RATE", 1),
			CheckBurst:        getenvInt("PAYMENT_CHECK_BURST", 3),
			ReceiverFallbacks: parseList(getenv("QPAY_RECEIVER_FALLBACKS", "terminal")),
			Profiles:          loadProfiles(),
		},
		StatusCache: StatusCacheConfig{
			PendingTTL:  getenvDuration("STATUS_CACHE_PENDING_TTL", 30*time.Second),
			TerminalTTL: getenvDuration("STATUS_CACHE_TERMINAL_TTL", 10*time.Minute),
			MaxEntries:  getenvInt("STATUS_CACHE_MAX_ENTRIES", 10000),
		},
		Scheduler: SchedulerConfig{
			Enabled:          getenvBool("RECONCILE_ENABLED", true),
			ReconcileEvery:   getenvDuration("RECONCILE_INTERVAL", time.Minute),
			PendingOlderThan: getenvDuration("RECONCILE_PENDING_AGE", 2*time.Minute),
			PendingMaxAge:    getenvDuration("RECONCILE_PENDING_MAX_AGE", 24*time.Hour),
			BatchSize:        getenvInt("RECONCILE_BATCH_SIZE", 50),
			JobTimeout:       getenvDuration("RECONCILE_JOB_TIMEOUT", 45*time.Second),
		},
	}

	return cfg
}

func loadProfiles() []QPayProfile {
	profiles := make([]QPayProfile, 0, 3)
	for _, src := range []struct {
		name   string
		prefix string
	}{
		{name: ProfileDefault, prefix: "QPAY_"},
		{name: ProfileCourse, prefix: "QPAY_COURSE_"},
		{name: ProfileTest, prefix: "QPAY_TEST_"},
	} {
		profile := QPayProfile{
			Name:         src.name,
			ClientID:     strings.TrimSpace(getenv(src.prefix+"CLIENT_ID", "")),
			ClientSecret: strings.TrimSpace(getenv(src.prefix+"CLIENT_SECRET", "")),
			InvoiceCode:  strings.TrimSpace(getenv(src.prefix+"INVOICE_CODE", "")),
			CallbackURL:  strings.TrimSpace(getenv(src.prefix+"CALLBACK_URL", "")),
		}
		if profile.ClientID == "" {
			continue
		}
		profiles = append(profiles, profile)
	}
	return profiles
}

// Profile returns the named gateway profile.
func (c QPayConfig) Profile(name string) (QPayProfile, bool) {
	for _, profile := range c.Profiles {
		if profile.Name == name {
			return profile, true
		}
	}
	return QPayProfile{}, false
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

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

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

// getenvDuration accepts Go duration strings ("8s") or a bare number of seconds.
func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return def
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
