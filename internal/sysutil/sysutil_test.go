package sysutil

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestSetLogLevel(t *testing.T) {
	orig := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(orig) })

	for in, want := range map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"fatal":   zerolog.FatalLevel,
		"panic":   zerolog.PanicLevel,
		"info":    zerolog.InfoLevel,
		"":        zerolog.InfoLevel,
		"verbose": zerolog.InfoLevel,
	} {
		SetLogLevel(in)
		if got := zerolog.GlobalLevel(); got != want {
			t.Fatalf("SetLogLevel(%q) -> %v; want %v", in, got, want)
		}
	}
}

func TestIsTruthyAndFirstNonEmpty(t *testing.T) {
	for v, want := range map[string]bool{
		"1": true, "TRUE": true, " yes ": true, "y": true, "On": true,
		"": false, "0": false, "off": false, "no": false, "sure": false,
	} {
		if got := IsTruthy(v); got != want {
			t.Fatalf("IsTruthy(%q)=%v; want %v", v, got, want)
		}
	}

	if got := FirstNonEmpty(); got != "" {
		t.Fatalf("FirstNonEmpty()=%q", got)
	}
	if got := FirstNonEmpty("", "  ", "8081", "8080"); got != "8081" {
		t.Fatalf("flag fallback: %q", got)
	}
	if got := FirstNonEmpty(" debug ", "info"); got != " debug " {
		t.Fatalf("value must be returned untrimmed: %q", got)
	}
}

func TestSetupLogger_JSONAndGlobal(t *testing.T) {
	origLevel, origLogger := zerolog.GlobalLevel(), log.Logger
	t.Cleanup(func() {
		zerolog.SetGlobalLevel(origLevel)
		log.Logger = origLogger
	})

	var buf bytes.Buffer
	SetupLogger(&buf, "warn", false, "gateway-test")
	log.Info().Msg("dropped")
	log.Warn().Str("db", "scienceai").Msg("kept")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %q", buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("not JSON: %v", err)
	}
	if entry["service"] != "gateway-test" || entry["db"] != "scienceai" || entry["message"] != "kept" {
		t.Fatalf("entry=%v", entry)
	}
}

func TestSetupLogger_Pretty(t *testing.T) {
	origLevel, origLogger := zerolog.GlobalLevel(), log.Logger
	t.Cleanup(func() {
		zerolog.SetGlobalLevel(origLevel)
		log.Logger = origLogger
	})
	t.Setenv("NO_COLOR", "1")

	var buf bytes.Buffer
	logger := SetupLogger(&buf, "info", true, "gateway-test")
	logger.Info().Msg("hello")
	if out := buf.String(); !strings.Contains(out, "INF") || !strings.Contains(out, "hello") || strings.Contains(out, "{") {
		t.Fatalf("unexpected console output %q", out)
	}
}
