package fusion

import (
	"fmt"
	"image"
	"strings"
	"time"
)

// Mode selects between interactive alignment and the locked fused view.
type Mode int

const (
	ModeAdjust Mode = iota
	ModeLocked
)

func (m Mode) String() string {
	if m == ModeLocked {
		return "LOCKED"
	}
	return "ADJUST"
}

// ParseMode accepts ADJUST or LOCKED, case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ADJUST":
		return ModeAdjust, nil
	case "LOCKED":
		return ModeLocked, nil
	}
	return 0, fmt.Errorf("unknown mode %q", s)
}

// Style selects how thermal and visible pixels are combined inside the
// overlay region.
type Style int

const (
	StyleBlend Style = iota
	StyleChecker
	StyleEdge
)

func (s Style) String() string {
	switch s {
	case StyleChecker:
		return "CHECKER"
	case StyleEdge:
		return "EDGE"
	default:
		return "BLEND"
	}
}

// ParseStyle accepts BLEND, CHECKER or EDGE, case-insensitively.
func ParseStyle(s string) (Style, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BLEND":
		return StyleBlend, nil
	case "CHECKER":
		return StyleChecker, nil
	case "EDGE":
		return StyleEdge, nil
	}
	return 0, fmt.Errorf("unknown fusion style %q", s)
}

// Weights are the per-source gains of the saturating blend.
type Weights struct {
	Visible float64
	Thermal float64
}

var (
	AdjustWeights = Weights{Visible: 0.6, Thermal: 0.4}
	LockedWeights = Weights{Visible: 0.6, Thermal: 0.7}
)

func (m Mode) Weights() Weights {
	if m == ModeLocked {
		return LockedWeights
	}
	return AdjustWeights
}

// Meta describes one emitted bundle.
type Meta struct {
	FPS         float64   `json:"fps"`
	Mode        string    `json:"mode"`
	Style       string    `json:"style"`
	Fused       bool      `json:"fused"` // false when the output is the visible image alone
	SyncSkewMS  *float64  `json:"sync_skew_ms,omitempty"`
	CenterTempC *float64  `json:"center_temp_c,omitempty"`
	VisibleSeq  uint32    `json:"visible_seq"`
	ThermalSeq  *uint32   `json:"thermal_seq,omitempty"`
	Emitted     time.Time `json:"emitted"`
}

// Bundle is one output of the engine. All images are freshly allocated;
// the engine keeps no reference after emission.
type Bundle struct {
	Fused   *image.RGBA
	Thermal *image.RGBA
	Events  *image.RGBA
	ROI     *image.RGBA
	Depth   *image.RGBA
	Meta    Meta
}

// Config parameterises the engine.
type Config struct {
	VisibleWidth     int
	VisibleHeight    int
	ThermalWidth     int
	ThermalHeight    int
	VignetteStrength float64
	EventThreshold   float64
	EdgeThreshold    int
	CheckerCell      int
	MaxEmitRate      float64 // bundles per second, 0 disables throttling
	IdleSleep        time.Duration
	ErrorSleep       time.Duration
	OutputBuffer     int
}

// DefaultConfig matches the OV9281 + Tiny1-C rig.
func DefaultConfig() Config {
	return Config{
		VisibleWidth:     1280,
		VisibleHeight:    800,
		ThermalWidth:     256,
		ThermalHeight:    192,
		VignetteStrength: 0.8,
		EventThreshold:   20,
		EdgeThreshold:    96,
		CheckerCell:      32,
		MaxEmitRate:      60,
		IdleSleep:        time.Millisecond,
		ErrorSleep:       10 * time.Millisecond,
		OutputBuffer:     4,
	}
}
