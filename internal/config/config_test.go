package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var envVars = []string{
	"THERMAFUSE_HOST", "THERMAFUSE_VISIBLE_PORT", "THERMAFUSE_THERMAL_PORT",
	"THERMAFUSE_HTTP_PORT", "THERMAFUSE_VISIBLE_WIDTH", "THERMAFUSE_VISIBLE_HEIGHT",
	"THERMAFUSE_THERMAL_WIDTH", "THERMAFUSE_THERMAL_HEIGHT", "THERMAFUSE_QUEUE_CAPACITY",
	"THERMAFUSE_ACCEPT_TIMEOUT", "THERMAFUSE_BIND_RETRY_DELAY", "THERMAFUSE_MAX_PAYLOAD",
	"THERMAFUSE_VIGNETTE_STRENGTH", "THERMAFUSE_EVENT_THRESHOLD", "THERMAFUSE_EDGE_THRESHOLD",
	"THERMAFUSE_CHECKER_CELL", "THERMAFUSE_MAX_EMIT_RATE", "THERMAFUSE_OUTPUT_BUFFER",
	"THERMAFUSE_ALIGNMENT_PATH", "THERMAFUSE_JPEG_QUALITY", "THERMAFUSE_LOG_HISTORY",
	"THERMAFUSE_PERF_INTERVAL", "THERMAFUSE_RECONSTRUCT_URL", "THERMAFUSE_RECONSTRUCT_API_KEY",
	"THERMAFUSE_RECONSTRUCT_TIMEOUT", "THERMAFUSE_LOG_LEVEL", "THERMAFUSE_LOG_FORMAT",
}

// clearEnv blanks every variable; empty values fall back like unset ones.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envVars {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg := Load()

	if cfg.Host != "0.0.0.0" {
		t.Errorf("Host = %q, want 0.0.0.0", cfg.Host)
	}
	if cfg.VisiblePort != 8888 {
		t.Errorf("VisiblePort = %d, want 8888", cfg.VisiblePort)
	}
	if cfg.ThermalPort != 8889 {
		t.Errorf("ThermalPort = %d, want 8889", cfg.ThermalPort)
	}
	if cfg.HTTPPort != 8080 {
		t.Errorf("HTTPPort = %d, want 8080", cfg.HTTPPort)
	}
	if cfg.VisibleWidth != 1280 || cfg.VisibleHeight != 800 {
		t.Errorf("visible size = %dx%d, want 1280x800", cfg.VisibleWidth, cfg.VisibleHeight)
	}
	if cfg.ThermalWidth != 256 || cfg.ThermalHeight != 192 {
		t.Errorf("thermal size = %dx%d, want 256x192", cfg.ThermalWidth, cfg.ThermalHeight)
	}
	if cfg.QueueCapacity != 50 {
		t.Errorf("QueueCapacity = %d, want 50", cfg.QueueCapacity)
	}
	if cfg.AcceptTimeout != time.Second {
		t.Errorf("AcceptTimeout = %v, want 1s", cfg.AcceptTimeout)
	}
	if cfg.BindRetryDelay != 2*time.Second {
		t.Errorf("BindRetryDelay = %v, want 2s", cfg.BindRetryDelay)
	}
	if cfg.VignetteStrength != 0.8 {
		t.Errorf("VignetteStrength = %f, want 0.8", cfg.VignetteStrength)
	}
	if cfg.EventThreshold != 20 {
		t.Errorf("EventThreshold = %f, want 20", cfg.EventThreshold)
	}
	if cfg.MaxEmitRate != 60 {
		t.Errorf("MaxEmitRate = %f, want 60", cfg.MaxEmitRate)
	}
	if cfg.AlignmentPath != "alignment.msgpack" {
		t.Errorf("AlignmentPath = %q, want alignment.msgpack", cfg.AlignmentPath)
	}
	if cfg.ReconstructURL != "" {
		t.Errorf("ReconstructURL = %q, want empty default", cfg.ReconstructURL)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "console" {
		t.Errorf("logging = %s/%s, want info/console", cfg.LogLevel, cfg.LogFormat)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("THERMAFUSE_HOST", "127.0.0.1")
	t.Setenv("THERMAFUSE_VISIBLE_PORT", "9000")
	t.Setenv("THERMAFUSE_THERMAL_PORT", "9001")
	t.Setenv("THERMAFUSE_QUEUE_CAPACITY", "10")
	t.Setenv("THERMAFUSE_ACCEPT_TIMEOUT", "250ms")
	t.Setenv("THERMAFUSE_BIND_RETRY_DELAY", "5")
	t.Setenv("THERMAFUSE_VIGNETTE_STRENGTH", "0.5")
	t.Setenv("THERMAFUSE_MAX_EMIT_RATE", "0")
	t.Setenv("THERMAFUSE_RECONSTRUCT_URL", "http://recon:9100")
	t.Setenv("THERMAFUSE_RECONSTRUCT_API_KEY", "test-key-123")
	t.Setenv("THERMAFUSE_LOG_FORMAT", "json")

	cfg := Load()

	if cfg.Host != "127.0.0.1" {
		t.Errorf("Host = %q, want env override", cfg.Host)
	}
	if cfg.VisiblePort != 9000 || cfg.ThermalPort != 9001 {
		t.Errorf("ports = %d/%d, want 9000/9001", cfg.VisiblePort, cfg.ThermalPort)
	}
	if cfg.QueueCapacity != 10 {
		t.Errorf("QueueCapacity = %d, want 10", cfg.QueueCapacity)
	}
	if cfg.AcceptTimeout != 250*time.Millisecond {
		t.Errorf("AcceptTimeout = %v, want 250ms", cfg.AcceptTimeout)
	}
	if cfg.BindRetryDelay != 5*time.Second {
		t.Errorf("BindRetryDelay = %v, want 5s (bare seconds)", cfg.BindRetryDelay)
	}
	if cfg.VignetteStrength != 0.5 {
		t.Errorf("VignetteStrength = %f, want 0.5", cfg.VignetteStrength)
	}
	if cfg.MaxEmitRate != 0 {
		t.Errorf("MaxEmitRate = %f, want 0", cfg.MaxEmitRate)
	}
	if cfg.ReconstructURL != "http://recon:9100" {
		t.Errorf("ReconstructURL = %q, want env override", cfg.ReconstructURL)
	}
	if cfg.ReconstructAPIKey != "test-key-123" {
		t.Errorf("ReconstructAPIKey = %q, want env override", cfg.ReconstructAPIKey)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat = %q, want json", cfg.LogFormat)
	}
}

func TestEnvIntInvalidFallsBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("THERMAFUSE_VISIBLE_PORT", "not-a-number")
	t.Setenv("THERMAFUSE_ACCEPT_TIMEOUT", "soon")
	cfg := Load()
	if cfg.VisiblePort != 8888 {
		t.Errorf("Invalid int env should fallback to default: got %d, want 8888", cfg.VisiblePort)
	}
	if cfg.AcceptTimeout != time.Second {
		t.Errorf("Invalid duration env should fallback to default: got %v, want 1s", cfg.AcceptTimeout)
	}
}

// --- File overlay ---

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "thermafuse.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFileOverlay(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, `
visible_port: 7000
thermal_width: 160
thermal_height: 120
accept_timeout: 500ms
checker_cell: 16
reconstruct_url: http://file:1
`)
	t.Setenv("THERMAFUSE_RECONSTRUCT_URL", "http://env:2")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.VisiblePort != 7000 {
		t.Errorf("VisiblePort = %d, want 7000 from file", cfg.VisiblePort)
	}
	if cfg.ThermalWidth != 160 || cfg.ThermalHeight != 120 {
		t.Errorf("thermal size = %dx%d, want 160x120", cfg.ThermalWidth, cfg.ThermalHeight)
	}
	if cfg.AcceptTimeout != 500*time.Millisecond {
		t.Errorf("AcceptTimeout = %v, want 500ms", cfg.AcceptTimeout)
	}
	if cfg.CheckerCell != 16 {
		t.Errorf("CheckerCell = %d, want 16", cfg.CheckerCell)
	}
	if cfg.ThermalPort != 8889 {
		t.Errorf("ThermalPort = %d, want default 8889 when absent from file", cfg.ThermalPort)
	}
	if cfg.ReconstructURL != "http://env:2" {
		t.Errorf("ReconstructURL = %q, env should win over file", cfg.ReconstructURL)
	}
}

func TestLoadFileEmptyPath(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadFile("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg != Default() {
		t.Errorf("LoadFile(\"\") = %+v, want defaults", cfg)
	}
}

func TestLoadFileErrors(t *testing.T) {
	clearEnv(t)
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file should error")
	}
	if _, err := LoadFile(writeFile(t, "visible_port: [1, 2")); err == nil {
		t.Error("malformed YAML should error")
	}
}

// --- Validate ---

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port zero", func(c *Config) { c.VisiblePort = 0 }, "visible_port"},
		{"port too big", func(c *Config) { c.HTTPPort = 70000 }, "http_port"},
		{"same sensor ports", func(c *Config) { c.ThermalPort = c.VisiblePort }, "must differ"},
		{"http collides", func(c *Config) { c.HTTPPort = c.ThermalPort }, "collides"},
		{"queue too small", func(c *Config) { c.QueueCapacity = 1 }, "queue_capacity"},
		{"queue too big", func(c *Config) { c.QueueCapacity = 101 }, "queue_capacity"},
		{"vignette", func(c *Config) { c.VignetteStrength = 1.5 }, "vignette_strength"},
		{"checker", func(c *Config) { c.CheckerCell = 0 }, "checker_cell"},
		{"emit rate", func(c *Config) { c.MaxEmitRate = -1 }, "max_emit_rate"},
		{"jpeg", func(c *Config) { c.JPEGQuality = 0 }, "jpeg_quality"},
		{"format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"thermal size", func(c *Config) { c.ThermalHeight = 0 }, "thermal size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %q, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestValidateJoinsErrors(t *testing.T) {
	cfg := Default()
	cfg.CheckerCell = 0
	cfg.JPEGQuality = 0
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() = nil, want error")
	}
	for _, want := range []string{"checker_cell", "jpeg_quality"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error %q missing %q", err, want)
		}
	}
}

func TestAddrs(t *testing.T) {
	cfg := Default()
	if got := cfg.VisibleAddr(); got != "0.0.0.0:8888" {
		t.Errorf("VisibleAddr = %q, want 0.0.0.0:8888", got)
	}
	if got := cfg.ThermalAddr(); got != "0.0.0.0:8889" {
		t.Errorf("ThermalAddr = %q, want 0.0.0.0:8889", got)
	}
	cfg.Host = "::1"
	if got := cfg.HTTPAddr(); got != "[::1]:8080" {
		t.Errorf("HTTPAddr = %q, want [::1]:8080", got)
	}
}

// --- Logging ---

func TestConfigureLoggingJSON(t *testing.T) {
	prevLogger, prevLevel := log.Logger, zerolog.GlobalLevel()
	defer func() {
		log.Logger = prevLogger
		zerolog.SetGlobalLevel(prevLevel)
	}()

	cfg := Default()
	cfg.LogFormat = "json"
	cfg.LogLevel = "warn"
	var buf bytes.Buffer
	if err := ConfigureLogging(cfg, &buf); err != nil {
		t.Fatal(err)
	}

	log.Info().Msg("hidden")
	log.Warn().Str("role", "thermal").Msg("shown")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d log lines, want 1: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if rec["message"] != "shown" || rec["role"] != "thermal" || rec["level"] != "warn" {
		t.Errorf("log record = %v", rec)
	}
}

func TestConfigureLoggingBadLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = ""
	if err := ConfigureLogging(cfg, &bytes.Buffer{}); err == nil {
		t.Error("empty level should error")
	}
}
