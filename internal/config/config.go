package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// Config holds all runtime configuration. Defaults come first, then an
// optional YAML file, then THERMAFUSE_* environment variables.
type Config struct {
	// Listeners
	Host        string `yaml:"host"`
	VisiblePort int    `yaml:"visible_port"`
	ThermalPort int    `yaml:"thermal_port"`
	HTTPPort    int    `yaml:"http_port"`

	// Sensor geometry
	VisibleWidth  int `yaml:"visible_width"`
	VisibleHeight int `yaml:"visible_height"`
	ThermalWidth  int `yaml:"thermal_width"`
	ThermalHeight int `yaml:"thermal_height"`

	// Receivers
	QueueCapacity  int           `yaml:"queue_capacity"`
	AcceptTimeout  time.Duration `yaml:"accept_timeout"`
	BindRetryDelay time.Duration `yaml:"bind_retry_delay"`
	MaxPayload     int           `yaml:"max_payload"` // bytes

	// Fusion
	VignetteStrength float64 `yaml:"vignette_strength"`
	EventThreshold   float64 `yaml:"event_threshold"`
	EdgeThreshold    int     `yaml:"edge_threshold"`
	CheckerCell      int     `yaml:"checker_cell"`  // pixels
	MaxEmitRate      float64 `yaml:"max_emit_rate"` // bundles/s, 0 = unthrottled
	OutputBuffer     int     `yaml:"output_buffer"`
	AlignmentPath    string  `yaml:"alignment_path"`

	// Outputs
	JPEGQuality  int           `yaml:"jpeg_quality"`
	LogHistory   int           `yaml:"log_history"` // events replayed to new /ws/log clients
	PerfInterval time.Duration `yaml:"perf_interval"`

	// 4D reconstruction service, disabled when the URL is empty
	ReconstructURL     string        `yaml:"reconstruct_url"`
	ReconstructAPIKey  string        `yaml:"reconstruct_api_key"`
	ReconstructTimeout time.Duration `yaml:"reconstruct_timeout"`

	// Logging
	LogLevel  string `yaml:"log_level"`  // trace, debug, info, warn, error
	LogFormat string `yaml:"log_format"` // console or json
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Host:        "0.0.0.0",
		VisiblePort: 8888,
		ThermalPort: 8889,
		HTTPPort:    8080,

		VisibleWidth:  1280,
		VisibleHeight: 800,
		ThermalWidth:  256,
		ThermalHeight: 192,

		QueueCapacity:  50,
		AcceptTimeout:  time.Second,
		BindRetryDelay: 2 * time.Second,
		MaxPayload:     8 << 20,

		VignetteStrength: 0.8,
		EventThreshold:   20,
		EdgeThreshold:    96,
		CheckerCell:      32,
		MaxEmitRate:      60,
		OutputBuffer:     4,
		AlignmentPath:    "alignment.msgpack",

		JPEGQuality:  80,
		LogHistory:   64,
		PerfInterval: 2 * time.Second,

		ReconstructTimeout: 10 * time.Second,

		LogLevel:  "info",
		LogFormat: "console",
	}
}

// Load reads configuration from environment variables with sane defaults.
func Load() Config {
	cfg := Default()
	cfg.applyEnv()
	return cfg
}

// LoadFile overlays the YAML file at path on the defaults, then applies the
// environment. An empty path behaves like Load. Keys absent from the file
// keep their defaults.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Host = envStr("THERMAFUSE_HOST", c.Host)
	c.VisiblePort = envInt("THERMAFUSE_VISIBLE_PORT", c.VisiblePort)
	c.ThermalPort = envInt("THERMAFUSE_THERMAL_PORT", c.ThermalPort)
	c.HTTPPort = envInt("THERMAFUSE_HTTP_PORT", c.HTTPPort)

	c.VisibleWidth = envInt("THERMAFUSE_VISIBLE_WIDTH", c.VisibleWidth)
	c.VisibleHeight = envInt("THERMAFUSE_VISIBLE_HEIGHT", c.VisibleHeight)
	c.ThermalWidth = envInt("THERMAFUSE_THERMAL_WIDTH", c.ThermalWidth)
	c.ThermalHeight = envInt("THERMAFUSE_THERMAL_HEIGHT", c.ThermalHeight)

	c.QueueCapacity = envInt("THERMAFUSE_QUEUE_CAPACITY", c.QueueCapacity)
	c.AcceptTimeout = envDuration("THERMAFUSE_ACCEPT_TIMEOUT", c.AcceptTimeout)
	c.BindRetryDelay = envDuration("THERMAFUSE_BIND_RETRY_DELAY", c.BindRetryDelay)
	c.MaxPayload = envInt("THERMAFUSE_MAX_PAYLOAD", c.MaxPayload)

	c.VignetteStrength = envFloat("THERMAFUSE_VIGNETTE_STRENGTH", c.VignetteStrength)
	c.EventThreshold = envFloat("THERMAFUSE_EVENT_THRESHOLD", c.EventThreshold)
	c.EdgeThreshold = envInt("THERMAFUSE_EDGE_THRESHOLD", c.EdgeThreshold)
	c.CheckerCell = envInt("THERMAFUSE_CHECKER_CELL", c.CheckerCell)
	c.MaxEmitRate = envFloat("THERMAFUSE_MAX_EMIT_RATE", c.MaxEmitRate)
	c.OutputBuffer = envInt("THERMAFUSE_OUTPUT_BUFFER", c.OutputBuffer)
	c.AlignmentPath = envStr("THERMAFUSE_ALIGNMENT_PATH", c.AlignmentPath)

	c.JPEGQuality = envInt("THERMAFUSE_JPEG_QUALITY", c.JPEGQuality)
	c.LogHistory = envInt("THERMAFUSE_LOG_HISTORY", c.LogHistory)
	c.PerfInterval = envDuration("THERMAFUSE_PERF_INTERVAL", c.PerfInterval)

	c.ReconstructURL = envStr("THERMAFUSE_RECONSTRUCT_URL", c.ReconstructURL)
	c.ReconstructAPIKey = envStr("THERMAFUSE_RECONSTRUCT_API_KEY", c.ReconstructAPIKey)
	c.ReconstructTimeout = envDuration("THERMAFUSE_RECONSTRUCT_TIMEOUT", c.ReconstructTimeout)

	c.LogLevel = envStr("THERMAFUSE_LOG_LEVEL", c.LogLevel)
	c.LogFormat = envStr("THERMAFUSE_LOG_FORMAT", c.LogFormat)
}

// Validate reports every out-of-range value, joined.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	for name, p := range map[string]int{
		"visible_port": c.VisiblePort,
		"thermal_port": c.ThermalPort,
		"http_port":    c.HTTPPort,
	} {
		check(p > 0 && p <= 65535, "%s %d out of range 1-65535", name, p)
	}
	check(c.VisiblePort != c.ThermalPort, "visible and thermal ports must differ (both %d)", c.VisiblePort)
	check(c.HTTPPort != c.VisiblePort && c.HTTPPort != c.ThermalPort, "http_port %d collides with a sensor port", c.HTTPPort)

	check(c.VisibleWidth > 0 && c.VisibleHeight > 0, "visible size %dx%d must be positive", c.VisibleWidth, c.VisibleHeight)
	check(c.ThermalWidth > 0 && c.ThermalHeight > 0, "thermal size %dx%d must be positive", c.ThermalWidth, c.ThermalHeight)

	check(c.QueueCapacity >= 2 && c.QueueCapacity <= 100, "queue_capacity %d out of range 2-100", c.QueueCapacity)
	check(c.AcceptTimeout > 0, "accept_timeout must be positive")
	check(c.BindRetryDelay > 0, "bind_retry_delay must be positive")
	check(c.MaxPayload > 0, "max_payload must be positive")

	check(c.VignetteStrength >= 0 && c.VignetteStrength <= 1, "vignette_strength %g out of range 0-1", c.VignetteStrength)
	check(c.EventThreshold >= 0, "event_threshold %g must not be negative", c.EventThreshold)
	check(c.EdgeThreshold >= 0, "edge_threshold %d must not be negative", c.EdgeThreshold)
	check(c.CheckerCell >= 1, "checker_cell %d must be at least 1", c.CheckerCell)
	check(c.MaxEmitRate >= 0, "max_emit_rate %g must not be negative", c.MaxEmitRate)
	check(c.OutputBuffer >= 1, "output_buffer %d must be at least 1", c.OutputBuffer)
	check(c.AlignmentPath != "", "alignment_path must be set")

	check(c.JPEGQuality >= 1 && c.JPEGQuality <= 100, "jpeg_quality %d out of range 1-100", c.JPEGQuality)
	check(c.LogHistory >= 1, "log_history %d must be at least 1", c.LogHistory)
	check(c.PerfInterval > 0, "perf_interval must be positive")
	check(c.ReconstructTimeout > 0, "reconstruct_timeout must be positive")

	check(c.LogFormat == "console" || c.LogFormat == "json", "log_format %q must be console or json", c.LogFormat)
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// VisibleAddr is the visible receiver listen address.
func (c Config) VisibleAddr() string { return hostPort(c.Host, c.VisiblePort) }

// ThermalAddr is the thermal receiver listen address.
func (c Config) ThermalAddr() string { return hostPort(c.Host, c.ThermalPort) }

// HTTPAddr is the control and preview listen address.
func (c Config) HTTPAddr() string { return hostPort(c.Host, c.HTTPPort) }

func hostPort(host string, port int) string {
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		host = "[" + host + "]"
	}
	return fmt.Sprintf("%s:%d", host, port)
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// envDuration accepts Go durations ("250ms") or bare seconds ("2").
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(f * float64(time.Second))
	}
	return fallback
}
