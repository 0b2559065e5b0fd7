package fusion

import (
	"context"
	"fmt"
	"image"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"gocv.io/x/gocv"

	"github.com/satindergrewal/thermafuse/internal/align"
	"github.com/satindergrewal/thermafuse/internal/correct"
	"github.com/satindergrewal/thermafuse/internal/frame"
)

// QueueStats reports one input queue.
type QueueStats struct {
	Len     int    `json:"len"`
	Cap     int    `json:"cap"`
	Evicted uint64 `json:"evicted"`
	Skipped uint64 `json:"skipped"`
}

// Stats is a snapshot of engine state for status reporting.
type Stats struct {
	Mode          string          `json:"mode"`
	Style         string          `json:"style"`
	FPS           float64         `json:"fps"`
	Cycles        uint64          `json:"cycles"`
	Emitted       uint64          `json:"emitted"`
	Throttled     uint64          `json:"throttled"`
	Dropped       uint64          `json:"dropped"`
	Failures      uint64          `json:"failures"`
	ThermalCached bool            `json:"thermal_cached"`
	Visible       QueueStats      `json:"visible_queue"`
	Thermal       QueueStats      `json:"thermal_queue"`
	Alignment     align.Params    `json:"alignment"`
	Transform     align.Transform `json:"transform"`
}

// Engine pairs the freshest visible frame with the most recent thermal
// frame, corrects both and emits fused bundles.
type Engine struct {
	cfg      Config
	visible  *frame.Queue
	thermal  *frame.Queue
	store    *align.Store
	vignette *correct.Vignette
	events   *correct.EventGenerator
	mapper   correct.ThermalMapper
	out      chan *Bundle
	roi      *image.RGBA
	depth    *image.RGBA

	mu         sync.RWMutex
	mode       Mode
	style      Style
	blendStyle Style // restored when the checkerboard is toggled off

	// Owned by the Run goroutine.
	cached     *frame.Frame
	fpsCount   int
	fpsStart   time.Time
	lastEmit   time.Time
	now        func() time.Time
	hasThermal atomic.Bool

	fps       atomic.Uint64 // float64 bits
	cycles    atomic.Uint64
	emitted   atomic.Uint64
	throttled atomic.Uint64
	dropped   atomic.Uint64
	failures  atomic.Uint64
}

// New creates an engine reading from the two queues.
func New(cfg Config, visible, thermal *frame.Queue, store *align.Store) *Engine {
	if cfg.OutputBuffer <= 0 {
		cfg.OutputBuffer = 1
	}
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = time.Millisecond
	}
	if cfg.ErrorSleep <= 0 {
		cfg.ErrorSleep = 10 * time.Millisecond
	}
	return &Engine{
		cfg:      cfg,
		visible:  visible,
		thermal:  thermal,
		store:    store,
		vignette: correct.NewVignette(cfg.VisibleWidth, cfg.VisibleHeight, cfg.VignetteStrength),
		events:   correct.NewEventGenerator(cfg.VisibleWidth, cfg.VisibleHeight, cfg.EventThreshold),
		mapper:   correct.NewThermalMapper(),
		out:      make(chan *Bundle, cfg.OutputBuffer),
		roi:      placeholder("ROI VIEW", roiBorder),
		depth:    placeholder("DEPTH MAP", depthBorder),
		mode:     ModeAdjust,
		style:    StyleBlend,
		now:      time.Now,
	}
}

// Bundles returns the channel of emitted bundles. It is closed when Run
// returns.
func (e *Engine) Bundles() <-chan *Bundle {
	return e.out
}

// Run processes frames until ctx is cancelled. A failed cycle is logged and
// skipped; it never stops the loop.
func (e *Engine) Run(ctx context.Context) {
	defer close(e.out)
	defer e.release()
	log.Info().
		Int("visible_w", e.cfg.VisibleWidth).
		Int("visible_h", e.cfg.VisibleHeight).
		Float64("max_rate", e.cfg.MaxEmitRate).
		Msg("fusion engine started")
	defer log.Info().Msg("fusion engine stopped")

	for {
		if ctx.Err() != nil {
			return
		}
		ran, err := e.step()
		switch {
		case err != nil:
			e.failures.Add(1)
			log.Error().Err(err).Msg("fusion cycle failed")
			if !sleep(ctx, e.cfg.ErrorSleep) {
				return
			}
		case !ran:
			if !sleep(ctx, e.cfg.IdleSleep) {
				return
			}
		}
	}
}

// release frees the corrector state held in native memory.
func (e *Engine) release() {
	e.vignette.Close()
	e.events.Close()
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// step runs one cycle. ran is false when no visible frame was waiting.
func (e *Engine) step() (ran bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ran, err = true, fmt.Errorf("fusion cycle panic: %v", r)
		}
	}()

	vf, _, ok := e.visible.DrainLatest()
	if !ok {
		return false, nil
	}
	if tf, _, ok := e.thermal.DrainLatest(); ok {
		e.cached = tf
		e.hasThermal.Store(true)
	}

	b, err := e.process(vf, e.cached)
	if err != nil {
		return true, err
	}
	e.cycles.Add(1)

	now := e.now()
	e.tickFPS(now)
	if !e.due(now) {
		e.throttled.Add(1)
		return true, nil
	}
	e.lastEmit = now
	b.Meta.FPS = e.FPS()
	b.Meta.Emitted = now

	select {
	case e.out <- b:
		e.emitted.Add(1)
	default:
		// consumer behind; freshness beats completeness
		e.dropped.Add(1)
	}
	return true, nil
}

// process builds a bundle from a visible frame and the cached thermal frame,
// which may be nil if none has ever arrived.
func (e *Engine) process(vf, tf *frame.Frame) (*Bundle, error) {
	if vf.Gray == nil {
		return nil, fmt.Errorf("visible frame seq %d has no image", vf.Seq)
	}
	visible, err := correct.GrayMat(vf.Gray)
	if err != nil {
		return nil, err
	}
	defer visible.Close()

	corrected := gocv.NewMat()
	defer corrected.Close()
	if err := e.vignette.Apply(visible, &corrected); err != nil {
		return nil, err
	}
	mask := gocv.NewMat()
	defer mask.Close()
	if err := e.events.Apply(corrected, &mask); err != nil {
		return nil, err
	}

	mode, style := e.Mode(), e.Style()
	b := &Bundle{
		ROI:   cloneRGBA(e.roi),
		Depth: cloneRGBA(e.depth),
		Meta: Meta{
			Mode:       mode.String(),
			Style:      style.String(),
			VisibleSeq: vf.Seq,
		},
	}

	events := gocv.NewMat()
	defer events.Close()
	maskToBGR(mask, eventColor, &events)
	if b.Events, err = correct.MatRGBA(events); err != nil {
		return nil, err
	}

	canvas := gocv.NewMat()
	defer canvas.Close()
	gocv.CvtColor(corrected, &canvas, gocv.ColorGrayToBGR)

	if tf == nil || tf.Raw == nil {
		b.Thermal = image.NewRGBA(image.Rect(0, 0, e.cfg.ThermalWidth, e.cfg.ThermalHeight))
		b.Fused, err = correct.MatRGBA(canvas)
		return b, err
	}

	thermal := gocv.NewMat()
	defer thermal.Close()
	if _, err := e.mapper.ColorizeMat(tf.Raw, &thermal); err != nil {
		return nil, err
	}
	if b.Thermal, err = correct.MatRGBA(thermal); err != nil {
		return nil, err
	}
	skew := float64(int64(tf.Timestamp)-int64(vf.Timestamp)) / 1000
	temp := correct.CenterTemp(tf.Raw)
	seq := tf.Seq
	b.Meta.SyncSkewMS = &skew
	b.Meta.CenterTempC = &temp
	b.Meta.ThermalSeq = &seq

	tr := e.store.Transform()
	region := tr.Rect().Intersect(image.Rect(0, 0, canvas.Cols(), canvas.Rows()))
	if region.Empty() {
		b.Fused, err = correct.MatRGBA(canvas)
		return b, err
	}

	warped := warpThermal(thermal, tr, region)
	defer warped.Close()
	edges := gocv.NewMat()
	defer edges.Close()
	if style == StyleEdge {
		sub := corrected.Region(region)
		correct.EdgeMask(sub, &edges, e.cfg.EdgeThreshold)
		sub.Close()
	}
	composite(&canvas, warped, region, style, mode.Weights(), e.cfg.CheckerCell, edges)
	b.Meta.Fused = true

	if mode == ModeLocked {
		crop := canvas.Region(region)
		defer crop.Close()
		b.Fused, err = correct.MatRGBA(crop)
		return b, err
	}
	drawOutline(&canvas, region, 2, outlineColor)
	b.Fused, err = correct.MatRGBA(canvas)
	return b, err
}

// tickFPS counts processed cycles over rolling one-second windows.
func (e *Engine) tickFPS(now time.Time) {
	if e.fpsStart.IsZero() {
		e.fpsStart = now
	}
	e.fpsCount++
	if elapsed := now.Sub(e.fpsStart); elapsed >= time.Second {
		e.fps.Store(math.Float64bits(float64(e.fpsCount) / elapsed.Seconds()))
		e.fpsCount = 0
		e.fpsStart = now
	}
}

// due reports whether enough time has passed since the last emission.
func (e *Engine) due(now time.Time) bool {
	if e.cfg.MaxEmitRate <= 0 || e.lastEmit.IsZero() {
		return true
	}
	interval := time.Duration(float64(time.Second) / e.cfg.MaxEmitRate)
	return now.Sub(e.lastEmit) >= interval
}

// FPS returns the processed-cycle rate over the last full second.
func (e *Engine) FPS() float64 {
	return math.Float64frombits(e.fps.Load())
}

// Mode returns the current fusion mode.
func (e *Engine) Mode() Mode {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.mode
}

// SetMode switches between ADJUST and LOCKED. Takes effect next cycle.
func (e *Engine) SetMode(m Mode) {
	e.mu.Lock()
	prev := e.mode
	e.mode = m
	e.mu.Unlock()
	if prev != m {
		log.Info().Str("mode", m.String()).Msg("fusion mode changed")
	}
}

// Style returns the current fusion style.
func (e *Engine) Style() Style {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.style
}

// SetStyle selects the fusion style.
func (e *Engine) SetStyle(s Style) {
	e.mu.Lock()
	e.style = s
	if s != StyleChecker {
		e.blendStyle = s
	}
	e.mu.Unlock()
	log.Info().Str("style", s.String()).Msg("fusion style changed")
}

// ToggleChecker flips between the checkerboard and the last non-checker
// style. Returns the new style.
func (e *Engine) ToggleChecker() Style {
	e.mu.Lock()
	if e.style == StyleChecker {
		e.style = e.blendStyle
	} else {
		e.blendStyle = e.style
		e.style = StyleChecker
	}
	s := e.style
	e.mu.Unlock()
	log.Info().Str("style", s.String()).Msg("checkerboard toggled")
	return s
}

// Nudge adjusts the alignment. The change is persisted by the store and
// picked up by the next cycle.
func (e *Engine) Nudge(u align.Update) (align.Params, error) {
	return e.store.Update(u)
}

// ResetAlignment restores the default alignment.
func (e *Engine) ResetAlignment() (align.Params, error) {
	return e.store.Reset()
}

// Stats returns a snapshot for status reporting.
func (e *Engine) Stats() Stats {
	queueStats := func(q *frame.Queue) QueueStats {
		ev, sk := q.Dropped()
		return QueueStats{Len: q.Len(), Cap: q.Cap(), Evicted: ev, Skipped: sk}
	}
	return Stats{
		Mode:          e.Mode().String(),
		Style:         e.Style().String(),
		FPS:           e.FPS(),
		Cycles:        e.cycles.Load(),
		Emitted:       e.emitted.Load(),
		Throttled:     e.throttled.Load(),
		Dropped:       e.dropped.Load(),
		Failures:      e.failures.Load(),
		ThermalCached: e.hasThermal.Load(),
		Visible:       queueStats(e.visible),
		Thermal:       queueStats(e.thermal),
		Alignment:     e.store.Params(),
		Transform:     e.store.Transform(),
	}
}
