package align

import (
	"errors"
	"fmt"
	"image"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	MinScale   = 0.1
	MaxScale   = 10.0
	MinOpacity = 0.1
	MaxOpacity = 1.0

	DefaultScale   = 2.5
	DefaultOpacity = 0.5
)

var (
	ErrMalformed     = errors.New("malformed alignment record")
	ErrInvalidUpdate = errors.New("alignment update produces a non-finite value")
)

// Params place the thermal overlay on the visible canvas. X and Y are the
// overlay centre in visible pixels; Angle is in degrees.
type Params struct {
	X       float64 `msgpack:"x" json:"x"`
	Y       float64 `msgpack:"y" json:"y"`
	Scale   float64 `msgpack:"scale" json:"scale"`
	Angle   float64 `msgpack:"angle" json:"angle"`
	Opacity float64 `msgpack:"opacity" json:"opacity"`
}

// Update is a partial change. Deltas apply first, then ScaleFactor, then any
// absolute override that is set.
type Update struct {
	DX          float64  `json:"dx"`
	DY          float64  `json:"dy"`
	ScaleFactor *float64 `json:"scale_factor,omitempty"`
	Scale       *float64 `json:"scale,omitempty"`
	Angle       *float64 `json:"angle,omitempty"`
	Opacity     *float64 `json:"opacity,omitempty"`
}

// Transform is the resolved overlay box in visible pixel coordinates.
type Transform struct {
	X       int     `json:"x"` // top-left corner, may be negative
	Y       int     `json:"y"`
	W       int     `json:"w"`
	H       int     `json:"h"`
	Angle   float64 `json:"angle"`
	Opacity float64 `json:"opacity"`
}

// Rect returns the overlay box before clipping to the canvas.
func (t Transform) Rect() image.Rectangle {
	return image.Rect(t.X, t.Y, t.X+t.W, t.Y+t.H)
}

// Store holds the current alignment and persists every accepted change.
type Store struct {
	path           string
	visW, visH     int
	thermW, thermH int

	updateMu sync.Mutex // serializes Update so file order matches memory order
	mu       sync.RWMutex
	p        Params
}

// NewStore creates a store initialised with defaults. Call Load to restore
// a persisted record.
func NewStore(path string, visW, visH, thermW, thermH int) *Store {
	s := &Store{
		path:   path,
		visW:   visW,
		visH:   visH,
		thermW: thermW,
		thermH: thermH,
	}
	s.p = s.Defaults()
	return s
}

// Defaults centres the overlay on the visible canvas.
func (s *Store) Defaults() Params {
	return Params{
		X:       float64(s.visW) / 2,
		Y:       float64(s.visH) / 2,
		Scale:   DefaultScale,
		Angle:   0,
		Opacity: DefaultOpacity,
	}
}

// Load restores the persisted record. A missing file keeps the defaults and
// is not an error; a malformed one keeps the defaults and returns an error
// wrapping ErrMalformed.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read alignment: %w", err)
	}

	var rec record
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	p, err := rec.params()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.p = clamp(p)
	s.mu.Unlock()
	return nil
}

// record is the on-disk form. All five keys are required.
type record struct {
	X       *float64 `msgpack:"x"`
	Y       *float64 `msgpack:"y"`
	Scale   *float64 `msgpack:"scale"`
	Angle   *float64 `msgpack:"angle"`
	Opacity *float64 `msgpack:"opacity"`
}

func (r record) params() (Params, error) {
	fields := []struct {
		name string
		v    *float64
	}{
		{"x", r.X}, {"y", r.Y}, {"scale", r.Scale}, {"angle", r.Angle}, {"opacity", r.Opacity},
	}
	var missing []string
	for _, f := range fields {
		if f.v == nil {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return Params{}, fmt.Errorf("%w: missing %v", ErrMalformed, missing)
	}
	p := Params{X: *r.X, Y: *r.Y, Scale: *r.Scale, Angle: *r.Angle, Opacity: *r.Opacity}
	if !finite(p.X, p.Y, p.Scale, p.Angle, p.Opacity) {
		return Params{}, fmt.Errorf("%w: non-finite value", ErrMalformed)
	}
	return p, nil
}

// Params returns a snapshot of the current alignment.
func (s *Store) Params() Params {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.p
}

// Transform resolves the current alignment into an overlay box.
func (s *Store) Transform() Transform {
	return s.resolve(s.Params())
}

func (s *Store) resolve(p Params) Transform {
	aspect := float64(s.thermW) / float64(s.thermH)
	w := int(math.Round(float64(s.thermW) * p.Scale))
	if w < 1 {
		w = 1
	}
	h := int(math.Round(float64(w) / aspect))
	if h < 1 {
		h = 1
	}
	return Transform{
		X:       int(math.Round(p.X - float64(w)/2)),
		Y:       int(math.Round(p.Y - float64(h)/2)),
		W:       w,
		H:       h,
		Angle:   p.Angle,
		Opacity: p.Opacity,
	}
}

// Update applies u, clamps the result and persists it. The new value is
// applied in memory even when persisting fails; the error is returned.
func (s *Store) Update(u Update) (Params, error) {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	p := s.Params()
	p.X += u.DX
	p.Y += u.DY
	if u.ScaleFactor != nil {
		p.Scale *= *u.ScaleFactor
	}
	if u.Scale != nil {
		p.Scale = *u.Scale
	}
	if u.Angle != nil {
		p.Angle = *u.Angle
	}
	if u.Opacity != nil {
		p.Opacity = *u.Opacity
	}
	if !finite(p.X, p.Y, p.Scale, p.Angle, p.Opacity) {
		return s.Params(), ErrInvalidUpdate
	}
	p = clamp(p)

	s.mu.Lock()
	s.p = p
	s.mu.Unlock()

	if err := s.save(p); err != nil {
		log.Warn().Err(err).Str("path", s.path).Msg("alignment not persisted")
		return p, err
	}
	return p, nil
}

// Reset restores and persists the defaults.
func (s *Store) Reset() (Params, error) {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	p := s.Defaults()
	s.mu.Lock()
	s.p = p
	s.mu.Unlock()
	return p, s.save(p)
}

// save writes p to a temp file in the same directory and renames it over the
// target, so readers never observe a partial record.
func (s *Store) save(p Params) error {
	data, err := msgpack.Marshal(&p)
	if err != nil {
		return fmt.Errorf("encode alignment: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write alignment: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync alignment: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close alignment: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename alignment: %w", err)
	}
	return nil
}

func clamp(p Params) Params {
	p.Scale = math.Min(math.Max(p.Scale, MinScale), MaxScale)
	p.Opacity = math.Min(math.Max(p.Opacity, MinOpacity), MaxOpacity)
	return p
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
