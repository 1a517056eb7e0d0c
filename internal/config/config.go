// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes server timeouts,
// logging, the upstream document database, caching, the change feed,
// credentials, blob storage, rate limiting and observability.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends.
const (
	StoreCouch  = "couch"
	StoreSQLite = "sqlite"
)

// Cache backends.
const (
	CacheRedis  = "redis"
	CacheMemory = "memory"
)

// MaxFeedLimit is the hard ceiling on change-feed page sizes.
const MaxFeedLimit = 200

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// StoreConfig selects and configures the document database.
type StoreConfig struct {
	Backend    string // couch|sqlite
	CouchURL   string
	Username   string
	Password   string
	Design     string // design document holding the feed filters
	SQLitePath string
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	Enabled       bool
	Backend       string // redis|memory
	TTL           time.Duration
	ScopeFields   []string
	MemoryEntries int
	RedisAddr     string
	RedisDB       int
	RedisPassword string
}

// FeedConfig configures the change-feed distributor.
type FeedConfig struct {
	Heartbeat  time.Duration
	MaxLimit   int
	ContextURL string
}

// AuthConfig configures credential verification and the ACL.
type AuthConfig struct {
	JWTSecret string
	Issuer    string
	Cookie    string
	Admins    []string
	ACL       bool
	// AnonymizeSecret keys the pseudonyms of the built-in redactor.
	AnonymizeSecret string
}

// BlobConfig configures the S3-compatible blob store. Encodings are not
// served when Endpoint is empty.
type BlobConfig struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	PathStyle bool
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for REST routes

	// Gateway
	DBName    string // database name; cache key prefix and proxied db path
	DBVersion string // data model version token of proxied db paths
	Anonymize bool

	Store StoreConfig
	Cache CacheConfig
	Feed  FeedConfig
	Auth  AuthConfig
	Blob  BlobConfig

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Observability
	OTEL OTELConfig
}

// LoadDotEnv loads KEY=VALUE pairs from the given files (".env" when none is
// given) without overriding variables already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("config: load %s: %w", f, err)
		}
	}
	return nil
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/")),

		// Gateway
		DBName:    getenv("DB_NAME", "scienceai"),
		DBVersion: getenv("DB_VERSION", ""),
		Anonymize: getbool("ANONYMIZE", true),

		Store: StoreConfig{
			Backend:    strings.ToLower(getenv("STORE_BACKEND", StoreCouch)),
			CouchURL:   getenv("COUCH_URL", "http://127.0.0.1:5984"),
			Username:   getenv("COUCH_USERNAME", ""),
			Password:   getenv("COUCH_PASSWORD", ""),
			Design:     getenv("COUCH_FILTER_DESIGN", "gateway"),
			SQLitePath: getenv("SQLITE_PATH", "gateway.db"),
		},
		Cache: CacheConfig{
			Enabled:       getbool("CACHE", false),
			Backend:       strings.ToLower(getenv("CACHE_BACKEND", CacheRedis)),
			TTL:           getdur("CACHE_TTL", 24*time.Hour),
			ScopeFields:   splitCSV(getenv("CACHE_SCOPE_FIELDS", "result,object,instrument,publisher")),
			MemoryEntries: getint("CACHE_MEMORY_ENTRIES", 10_000),
			RedisAddr:     getenv("REDIS_ADDR", "127.0.0.1:6379"),
			RedisDB:       getint("REDIS_DB", 0),
			RedisPassword: getenv("REDIS_PASSWORD", ""),
		},
		Feed: FeedConfig{
			Heartbeat:  getdur("FEED_HEARTBEAT", time.Second),
			MaxLimit:   getint("FEED_MAX_LIMIT", MaxFeedLimit),
			ContextURL: getenv("FEED_CONTEXT_URL", "https://sci.pe"),
		},
		Auth: AuthConfig{
			JWTSecret:       getenv("AUTH_JWT_SECRET", ""),
			Issuer:          getenv("AUTH_ISSUER", "go-doc-gateway"),
			Cookie:          getenv("AUTH_COOKIE", "session"),
			Admins:          splitCSV(getenv("ADMIN_USERS", "")),
			ACL:             getbool("ACL", true),
			AnonymizeSecret: getenv("ANONYMIZE_SECRET", ""),
		},
		Blob: BlobConfig{
			Endpoint:  getenv("S3_ENDPOINT", ""),
			Region:    getenv("S3_REGION", "us-east-1"),
			Bucket:    getenv("S3_BUCKET", "encodings"),
			AccessKey: getenv("S3_ACCESS_KEY", ""),
			SecretKey: getenv("S3_SECRET_KEY", ""),
			UseSSL:    getbool("S3_USE_SSL", false),
			PathStyle: getbool("S3_PATH_STYLE", true),
		},

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 100),
		RateBurst: getint("RATE_BURST", 100),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-doc-gateway"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	return cfg, cfg.Validate()
}

// Validate reports the first invalid setting.
func (cfg Config) Validate() error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBName) == "" {
		return errors.New("DB_NAME must not be empty")
	}
	switch cfg.Store.Backend {
	case StoreCouch:
		if strings.TrimSpace(cfg.Store.CouchURL) == "" {
			return errors.New("COUCH_URL must not be empty")
		}
	case StoreSQLite:
		if strings.TrimSpace(cfg.Store.SQLitePath) == "" {
			return errors.New("SQLITE_PATH must not be empty")
		}
	default:
		return errors.New("STORE_BACKEND must be one of: couch, sqlite")
	}
	switch cfg.Cache.Backend {
	case CacheRedis, CacheMemory:
	default:
		return errors.New("CACHE_BACKEND must be one of: redis, memory")
	}
	if cfg.Cache.TTL <= 0 {
		return errors.New("CACHE_TTL must be > 0")
	}
	if cfg.Feed.Heartbeat <= 0 {
		return errors.New("FEED_HEARTBEAT must be > 0")
	}
	if cfg.Feed.MaxLimit < 1 || cfg.Feed.MaxLimit > MaxFeedLimit {
		return fmt.Errorf("FEED_MAX_LIMIT must be between 1 and %d", MaxFeedLimit)
	}
	if cfg.RateRPS < 0 {
		return errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}
	return nil
}

// DatabasePath returns the versioned database segment clients replicate
// against ("<name>__<version>__").
func (cfg Config) DatabasePath() string {
	return cfg.DBName + "__" + cfg.DBVersion + "__"
}

// env returns the parsed value of k, or def when k is unset, empty or does
// not parse.
func env[T any](k string, def T, parse func(string) (T, error)) T {
	v, ok := os.LookupEnv(k)
	if !ok || v == "" {
		return def
	}
	out, err := parse(v)
	if err != nil {
		return def
	}
	return out
}

func getenv(k, def string) string {
	return env(k, def, func(s string) (string, error) { return s, nil })
}

func getfloat(k string, def float64) float64 {
	return env(k, def, func(s string) (float64, error) { return strconv.ParseFloat(s, 64) })
}

func getint(k string, def int) int { return env(k, def, strconv.Atoi) }

func getdur(k string, def time.Duration) time.Duration { return env(k, def, time.ParseDuration) }

func getbool(k string, def bool) bool { return env(k, def, parseSwitch) }

// parseSwitch accepts the usual spellings of on and off.
func parseSwitch(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "y", "on":
		return true, nil
	case "0", "false", "no", "n", "off":
		return false, nil
	}
	return false, fmt.Errorf("config: %q is not a switch", s)
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// normalizeBasePath returns p with one leading slash and no trailing slash;
// blank means root.
func normalizeBasePath(p string) string {
	return "/" + strings.Trim(strings.TrimSpace(p), "/")
}
