package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

// Config holds all process configuration.
type Config struct {
	// Upstream
	MonitoredAddress string
	UpstreamURL      string
	UpstreamToken    string
	UpstreamTimeout  time.Duration
	MaxPages         int
	BackfillMaxPages int
	MaxRetries       int

	// Store
	Store     string // "file" or "redis"
	CacheFile string
	RedisHost string
	RedisPort string
	RedisKey  string

	// Engine
	HourlyWindowDays    int
	InitialLookbackDays int

	// Scheduler
	AutoUpdate        bool
	RefreshInterval   time.Duration
	ReconcileInterval time.Duration
	CycleTimeout      time.Duration
	BackfillTimeout   time.Duration

	// Server
	Port               string
	AdminToken         string
	RefreshRateLimit   time.Duration
	CORSAllowedOrigins []string
	CORSAllowedHeaders []string
	CORSAllowedMethods []string
	CORSDebug          bool
}

// Load reads configuration from the environment, after loading .env if present.
func Load() (*Config, error) {
	l := log.WithFields(log.Fields{
		"package": "config",
		"func":    "Load",
	})
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		l.Warnf("unable to load .env: %v", err)
	}
	cfg := &Config{
		MonitoredAddress: strings.ToLower(strings.TrimSpace(os.Getenv("MONITORED_ADDRESS"))),
		UpstreamURL:      strings.TrimRight(getEnv("UPSTREAM_URL", "https://blockscout.lisk.com"), "/"),
		UpstreamToken:    os.Getenv("UPSTREAM_JWT"),
		UpstreamTimeout:  getEnvAsDuration("UPSTREAM_TIMEOUT", 30*time.Second),
		MaxPages:         getEnvAsInt("MAX_TX_PAGES", 200),
		BackfillMaxPages: getEnvAsInt("BACKFILL_MAX_TX_PAGES", 0),
		MaxRetries:       getEnvAsInt("UPSTREAM_MAX_RETRIES", 3),

		Store:     getEnv("STORE", "file"),
		CacheFile: getEnv("CACHE_FILE", "data/cache.json"),
		RedisHost: getEnv("REDIS_HOST", "localhost"),
		RedisPort: getEnv("REDIS_PORT", "6379"),
		RedisKey:  getEnv("REDIS_KEY", "txcache:snapshot"),

		HourlyWindowDays:    getEnvAsInt("HOURLY_WINDOW_DAYS", 2),
		InitialLookbackDays: getEnvAsInt("INITIAL_LOOKBACK_DAYS", 30),

		AutoUpdate:        getEnvAsBool("AUTO_UPDATE", true),
		RefreshInterval:   getEnvAsDuration("REFRESH_INTERVAL", 5*time.Minute),
		ReconcileInterval: getEnvAsDuration("RECONCILE_INTERVAL", time.Hour),
		CycleTimeout:      getEnvAsDuration("CYCLE_TIMEOUT", 4*time.Minute),
		BackfillTimeout:   getEnvAsDuration("BACKFILL_TIMEOUT", 30*time.Minute),

		Port:               getEnv("PORT", "8080"),
		AdminToken:         os.Getenv("ADMIN_TOKEN"),
		RefreshRateLimit:   getEnvAsDuration("REFRESH_RATE_LIMIT", 30*time.Second),
		CORSAllowedOrigins: getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"*"}),
		CORSAllowedHeaders: getEnvAsSlice("CORS_ALLOWED_HEADERS", []string{"Authorization", "Content-Type"}),
		CORSAllowedMethods: getEnvAsSlice("CORS_ALLOWED_METHODS", []string{"GET", "POST"}),
		CORSDebug:          getEnvAsBool("CORS_DEBUG", false),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings the engine cannot run without.
func (c *Config) Validate() error {
	if c.MonitoredAddress == "" {
		return errors.New("MONITORED_ADDRESS is required")
	}
	if c.Store != "file" && c.Store != "redis" {
		return errors.New("STORE must be file or redis")
	}
	if c.HourlyWindowDays < 1 {
		return errors.New("HOURLY_WINDOW_DAYS must be at least 1")
	}
	if c.AutoUpdate && c.RefreshInterval <= 0 {
		return errors.New("REFRESH_INTERVAL must be positive when AUTO_UPDATE is set")
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvAsInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.Warnf("config: invalid integer for %s: %q", key, v)
	}
	return def
}

func getEnvAsBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
		log.Warnf("config: invalid bool for %s: %q", key, v)
	}
	return def
}

func getEnvAsDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		log.Warnf("config: invalid duration for %s: %q", key, v)
	}
	return def
}

func getEnvAsSlice(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
