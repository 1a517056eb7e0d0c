package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

// loadWith sets env for the duration of the test and loads the config.
func loadWith(t *testing.T, env map[string]string) (Config, error) {
	t.Helper()
	for k, v := range env {
		t.Setenv(k, v)
	}
	return Load()
}

func TestMain(m *testing.M) {
	os.Unsetenv("PORT")
	os.Exit(m.Run())
}

func TestMustLoad(t *testing.T) {
	t.Run("valid defaults", func(t *testing.T) {
		if cfg := MustLoad(); cfg.DatabasePath() != "scienceai____" {
			t.Fatalf("DatabasePath=%q", cfg.DatabasePath())
		}
	})
	t.Run("invalid panics", func(t *testing.T) {
		t.Setenv("STORE_BACKEND", "mongo")
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic")
			}
		}()
		MustLoad()
	})
}

func TestLoad_GatewayDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := []struct {
		name      string
		got, want any
	}{
		{"base path", cfg.APIBasePath, "/"},
		{"db", cfg.DBName, "scienceai"},
		{"anonymize", cfg.Anonymize, true},
		{"gin mode", cfg.GinMode, "release"},
		{"swagger", cfg.SwaggerEnabled, false},
		{"store", cfg.Store.Backend, StoreCouch},
		{"filter design", cfg.Store.Design, "gateway"},
		{"cache enabled", cfg.Cache.Enabled, false},
		{"cache backend", cfg.Cache.Backend, CacheRedis},
		{"cache ttl", cfg.Cache.TTL, 24 * time.Hour},
		{"scope fields", cfg.Cache.ScopeFields, []string{"result", "object", "instrument", "publisher"}},
		{"memory entries", cfg.Cache.MemoryEntries, 10_000},
		{"feed limit", cfg.Feed.MaxLimit, MaxFeedLimit},
		{"heartbeat", cfg.Feed.Heartbeat, time.Second},
		{"acl", cfg.Auth.ACL, true},
		{"cookie", cfg.Auth.Cookie, "session"},
		{"rate", cfg.RateRPS, 100.0},
		{"burst", cfg.RateBurst, 100},
		{"blob endpoint", cfg.Blob.Endpoint, ""},
		{"path style", cfg.Blob.PathStyle, true},
		{"hsts age", cfg.Security.HSTSMaxAge, 180 * 24 * time.Hour},
	}
	for _, w := range want {
		if !reflect.DeepEqual(w.got, w.want) {
			t.Errorf("%s = %#v; want %#v", w.name, w.got, w.want)
		}
	}
}

func TestLoad_Overrides(t *testing.T) {
	cfg, err := loadWith(t, map[string]string{
		"PORT":                        "8088",
		"READ_TIMEOUT":                "2s",
		"MAX_HEADER_BYTES":            "8192",
		"GIN_MODE":                    "weird",
		"LOG_LEVEL":                   "WARNING",
		"LOG_PRETTY":                  "yes",
		"SWAGGER_ENABLED":             "true",
		"API_BASE_PATH":               "db/",
		"DB_NAME":                     "sa",
		"DB_VERSION":                  "3",
		"ANONYMIZE":                   "off",
		"STORE_BACKEND":               "SQLite",
		"SQLITE_PATH":                 "/tmp/g.db",
		"CACHE":                       "true",
		"CACHE_BACKEND":               "memory",
		"CACHE_TTL":                   "1m",
		"CACHE_SCOPE_FIELDS":          "object, ,publisher",
		"FEED_HEARTBEAT":              "250ms",
		"FEED_MAX_LIMIT":              "50",
		"ADMIN_USERS":                 "alice, user:bob",
		"ACL":                         "0",
		"S3_ENDPOINT":                 "minio:9000",
		"S3_USE_SSL":                  "on",
		"RATE_RPS":                    "x",
		"RATE_BURST":                  "nope",
		"CORS_ALLOWED_ORIGINS":        " https://a.com , , http://b ",
		"ENABLE_HSTS":                 "TRUE",
		"HSTS_MAX_AGE":                "24h",
		"OTEL_ENABLED":                "1",
		"OTEL_EXPORTER_OTLP_INSECURE": "0",
		"OTEL_TRACES_SAMPLER_ARG":     "0.75",
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	checks := []struct {
		name      string
		got, want any
	}{
		{"port", cfg.Port, "8088"},
		{"read timeout", cfg.ReadTimeout, 2 * time.Second},
		{"header bytes", cfg.MaxHeaderBytes, 8192},
		{"unknown gin mode", cfg.GinMode, "release"},
		{"warning alias", cfg.LogLevel, "warn"},
		{"pretty", cfg.LogPretty, true},
		{"swagger", cfg.SwaggerEnabled, true},
		{"base path", cfg.APIBasePath, "/db"},
		{"database path", cfg.DatabasePath(), "sa__3__"},
		{"anonymize", cfg.Anonymize, false},
		{"store", cfg.Store.Backend, StoreSQLite},
		{"sqlite", cfg.Store.SQLitePath, "/tmp/g.db"},
		{"cache", cfg.Cache.Enabled, true},
		{"cache backend", cfg.Cache.Backend, CacheMemory},
		{"cache ttl", cfg.Cache.TTL, time.Minute},
		{"scope fields", cfg.Cache.ScopeFields, []string{"object", "publisher"}},
		{"heartbeat", cfg.Feed.Heartbeat, 250 * time.Millisecond},
		{"feed limit", cfg.Feed.MaxLimit, 50},
		{"admins", cfg.Auth.Admins, []string{"alice", "user:bob"}},
		{"acl", cfg.Auth.ACL, false},
		{"blob", cfg.Blob.Endpoint, "minio:9000"},
		{"ssl", cfg.Blob.UseSSL, true},
		{"unparsable rate keeps default", cfg.RateRPS, 100.0},
		{"unparsable burst keeps default", cfg.RateBurst, 100},
		{"origins", cfg.CORS.AllowedOrigins, []string{"https://a.com", "http://b"}},
		{"hsts", cfg.Security.EnableHSTS, true},
		{"hsts age", cfg.Security.HSTSMaxAge, 24 * time.Hour},
		{"otel", cfg.OTEL.Enabled, true},
		{"otel insecure", cfg.OTEL.Insecure, false},
		{"sample ratio", cfg.OTEL.SampleRatio, 0.75},
	}
	for _, c := range checks {
		if !reflect.DeepEqual(c.got, c.want) {
			t.Errorf("%s = %#v; want %#v", c.name, c.got, c.want)
		}
	}
}

func TestLoad_Rejects(t *testing.T) {
	cases := map[string]map[string]string{
		"LOG_LEVEL":               {"LOG_LEVEL": "trace"},
		"PORT":                    {"PORT": "   "},
		"timeouts":                {"IDLE_TIMEOUT": "0s"},
		"MAX_HEADER_BYTES":        {"MAX_HEADER_BYTES": "-1"},
		"DB_NAME":                 {"DB_NAME": " "},
		"STORE_BACKEND":           {"STORE_BACKEND": "mongo"},
		"COUCH_URL":               {"COUCH_URL": " "},
		"SQLITE_PATH":             {"STORE_BACKEND": "sqlite", "SQLITE_PATH": " "},
		"CACHE_BACKEND":           {"CACHE_BACKEND": "memcached"},
		"CACHE_TTL":               {"CACHE_TTL": "-1m"},
		"FEED_HEARTBEAT":          {"FEED_HEARTBEAT": "0s"},
		"FEED_MAX_LIMIT":          {"FEED_MAX_LIMIT": "201"},
		"RATE_RPS":                {"RATE_RPS": "-0.5"},
		"RATE_BURST":              {"RATE_BURST": "0"},
		"HSTS_MAX_AGE":            {"HSTS_MAX_AGE": "-1s"},
		"OTEL_TRACES_SAMPLER_ARG": {"OTEL_TRACES_SAMPLER_ARG": "1.01"},
	}
	for want, env := range cases {
		t.Run(want, func(t *testing.T) {
			_, err := loadWith(t, env)
			if err == nil || !strings.Contains(err.Error(), want) {
				t.Fatalf("err=%v; want mention of %s", err, want)
			}
		})
	}
}

func TestLoad_FeedLimitZeroIsRejected(t *testing.T) {
	if _, err := loadWith(t, map[string]string{"FEED_MAX_LIMIT": "0"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestLoadDotEnv_ExistingEnvironmentWins(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "gateway.env")
	if err := os.WriteFile(file, []byte("GW_FROM_FILE=file\nGW_SHADOWED=file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GW_SHADOWED", "env")
	t.Setenv("GW_FROM_FILE", "")
	os.Unsetenv("GW_FROM_FILE")

	if err := LoadDotEnv(filepath.Join(dir, "absent.env"), file); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("GW_FROM_FILE"); got != "file" {
		t.Errorf("GW_FROM_FILE=%q", got)
	}
	if got := os.Getenv("GW_SHADOWED"); got != "env" {
		t.Errorf("GW_SHADOWED=%q", got)
	}
}

func TestLoadDotEnv_MalformedFile(t *testing.T) {
	bad := filepath.Join(t.TempDir(), "bad.env")
	if err := os.WriteFile(bad, []byte("GW_BROKEN=\"unterminated\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	err := LoadDotEnv(bad)
	if err == nil || !strings.Contains(err.Error(), "bad.env") {
		t.Fatalf("err=%v", err)
	}
}

func TestEnvParsers(t *testing.T) {
	t.Setenv("GW_F", "3.5")
	t.Setenv("GW_I", "42")
	t.Setenv("GW_D", "150ms")
	t.Setenv("GW_BAD", "zzz")
	t.Setenv("GW_EMPTY", "")

	if getfloat("GW_F", 0) != 3.5 || getfloat("GW_BAD", 1.5) != 1.5 {
		t.Error("getfloat")
	}
	if getint("GW_I", 0) != 42 || getint("GW_BAD", 7) != 7 {
		t.Error("getint")
	}
	if getdur("GW_D", 0) != 150*time.Millisecond || getdur("GW_BAD", time.Second) != time.Second {
		t.Error("getdur")
	}
	if getenv("GW_EMPTY", "d") != "d" || getenv("GW_I", "d") != "42" {
		t.Error("getenv")
	}
	if !getbool("GW_BAD", true) || getbool("GW_EMPTY", false) {
		t.Error("getbool keeps the default for unknown and blank values")
	}
}

func TestParseSwitch(t *testing.T) {
	for in, want := range map[string]bool{
		"1": true, "TRUE": true, " yes ": true, "Y": true, "On": true,
		"0": false, "false": false, " NO ": false, "n": false, "off": false,
	} {
		got, err := parseSwitch(in)
		if err != nil || got != want {
			t.Errorf("parseSwitch(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := parseSwitch("maybe"); err == nil {
		t.Error("expected error for maybe")
	}
}

func TestSplitCSVAndBasePath(t *testing.T) {
	if got := splitCSV(""); got != nil {
		t.Errorf("splitCSV(\"\") = %#v", got)
	}
	if got := splitCSV(" a, ,b ,  c  ,"); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Errorf("splitCSV = %#v", got)
	}
	for in, want := range map[string]string{"": "/", "v1": "/v1", "/v1/": "/v1", " / ": "/", "api//": "/api"} {
		if got := normalizeBasePath(in); got != want {
			t.Errorf("normalizeBasePath(%q) = %q; want %q", in, got, want)
		}
	}
}
