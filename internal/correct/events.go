package correct

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// DefaultEventThreshold is the base change threshold before the adaptive term.
const DefaultEventThreshold = 20

// EventGenerator emits a binary change mask between consecutive frames,
// approximating an event camera. The threshold adapts to global change:
// T = base + 1.5 * mean(|cur - prev|), so uniform flicker does not light up
// the whole mask.
type EventGenerator struct {
	w, h int
	base float64
	prev gocv.Mat
}

func NewEventGenerator(w, h int, base float64) *EventGenerator {
	if base < 0 {
		base = 0
	}
	return &EventGenerator{w: w, h: h, base: base, prev: gocv.NewMat()}
}

// Apply compares cur (8-bit gray) with the previous frame, writes the 0/255
// mask into mask and keeps cur as the new reference. The first call writes
// an all-zero mask.
func (g *EventGenerator) Apply(cur gocv.Mat, mask *gocv.Mat) error {
	if cur.Cols() != g.w || cur.Rows() != g.h {
		return fmt.Errorf("events: image %dx%d, want %dx%d", cur.Cols(), cur.Rows(), g.w, g.h)
	}
	if g.prev.Empty() {
		zero := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), g.h, g.w, gocv.MatTypeCV8UC1)
		defer zero.Close()
		zero.CopyTo(mask)
		cur.CopyTo(&g.prev)
		return nil
	}

	diff := gocv.NewMat()
	defer diff.Close()
	gocv.AbsDiff(cur, g.prev, &diff)
	mean := diff.Mean().Val1
	threshold := g.base + 1.5*mean
	gocv.Threshold(diff, mask, float32(threshold), 255, gocv.ThresholdBinary)

	cur.CopyTo(&g.prev)
	return nil
}

// Process is Apply on stdlib images.
func (g *EventGenerator) Process(img *image.Gray) (*image.Gray, error) {
	cur, err := GrayMat(img)
	if err != nil {
		return nil, err
	}
	defer cur.Close()
	mask := gocv.NewMat()
	defer mask.Close()
	if err := g.Apply(cur, &mask); err != nil {
		return nil, err
	}
	return MatGray(mask)
}

// Reset forgets the reference frame; the next Process returns an empty mask.
func (g *EventGenerator) Reset() {
	g.prev.Close()
	g.prev = gocv.NewMat()
}

// Close releases the reference frame.
func (g *EventGenerator) Close() error {
	return g.prev.Close()
}
