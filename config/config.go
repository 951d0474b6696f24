package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// OKX credentials (optional; the candle endpoints are public but
	// signed requests get a higher rate-limit tier)
	OKXAPIKey     string
	OKXSecretKey  string
	OKXPassphrase string
	OKXSandbox    bool

	// Venue endpoints
	WSURL   string
	RESTURL string

	// Infrastructure
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	DatabaseURL   string
	MetricsAddr   string
	GatewayAddr   string
	LogLevel      string

	// Collector
	DefaultSymbols        string
	DefaultTimeframes     string
	AutoStart             bool
	InitialReconnectDelay time.Duration
	MaxReconnectDelay     time.Duration
	MaxReconnectAttempts  int // 0 retries forever

	// Persister
	BatchSize    int
	BatchTimeout time.Duration
	MaxRetries   int

	// Reconciler
	ReconcileWindowHours int
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		OKXAPIKey:     getEnv("OKX_API_KEY", ""),
		OKXSecretKey:  getEnv("OKX_SECRET_KEY", ""),
		OKXPassphrase: getEnv("OKX_PASSPHRASE", ""),
		OKXSandbox:    getEnvBool("OKX_SANDBOX", false),

		WSURL:   getEnv("OKX_WS_URL", "wss://ws.okx.com:8443/ws/v5/business"),
		RESTURL: getEnv("OKX_REST_URL", "https://www.okx.com"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		DatabaseURL:   getEnv("DATABASE_URL", "postgres://localhost:5432/trading?sslmode=disable"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		GatewayAddr:   getEnv("GATEWAY_ADDR", ":8080"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),

		DefaultSymbols:        getEnv("DEFAULT_SYMBOLS", "BTC-USDT"),
		DefaultTimeframes:     getEnv("DEFAULT_TIMEFRAMES", "5m,15m,1h,4h,1d"),
		AutoStart:             getEnvBool("AUTO_START", true),
		InitialReconnectDelay: getEnvDuration("INITIAL_RECONNECT_DELAY", 5*time.Second),
		MaxReconnectDelay:     getEnvDuration("MAX_RECONNECT_DELAY", 300*time.Second),
		MaxReconnectAttempts:  getEnvInt("MAX_RECONNECT_ATTEMPTS", 0),

		BatchSize:    getEnvInt("BATCH_SIZE", 50),
		BatchTimeout: getEnvDuration("BATCH_TIMEOUT", 5*time.Second),
		MaxRetries:   getEnvInt("MAX_RETRIES", 3),

		ReconcileWindowHours: getEnvInt("RECONCILE_WINDOW_HOURS", 25),
	}
}

// Symbols splits the DefaultSymbols list.
func (c *Config) Symbols() []string {
	return splitCSV(c.DefaultSymbols)
}

// Timeframes splits the DefaultTimeframes list.
func (c *Config) Timeframes() []string {
	return splitCSV(c.DefaultTimeframes)
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %v", key, v, fallback)
		return fallback
	}
	return b
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	// Accept both plain seconds and Go duration strings.
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %s", key, v, fallback)
		return fallback
	}
	return d
}
