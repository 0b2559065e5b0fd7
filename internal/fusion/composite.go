package fusion

import (
	"image"
	"image/color"
	"math"

	"gocv.io/x/gocv"

	"github.com/satindergrewal/thermafuse/internal/align"
)

var (
	outlineColor = color.RGBA{G: 255, A: 255}
	edgeColor    = color.RGBA{G: 255, A: 255}
	eventColor   = color.RGBA{G: 255, A: 255}
)

// bgrScalar converts an RGBA colour to the Mat channel order.
func bgrScalar(c color.RGBA) gocv.Scalar {
	return gocv.NewScalar(float64(c.B), float64(c.G), float64(c.R), 0)
}

// paintMask sets the pixels of dst (BGR) selected by mask to c.
func paintMask(dst *gocv.Mat, mask gocv.Mat, c color.RGBA) {
	solid := gocv.NewMatWithSizeFromScalar(bgrScalar(c), dst.Rows(), dst.Cols(), gocv.MatTypeCV8UC3)
	defer solid.Close()
	solid.CopyToWithMask(dst, mask)
}

// maskToBGR paints set mask pixels in c on black.
func maskToBGR(mask gocv.Mat, c color.RGBA, dst *gocv.Mat) {
	black := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), mask.Rows(), mask.Cols(), gocv.MatTypeCV8UC3)
	defer black.Close()
	black.CopyTo(dst)
	paintMask(dst, mask, c)
}

// affine returns the 2x3 source-to-box matrix that scales src to w x h and
// rotates by angle degrees (counter-clockwise on screen) about the box
// centre.
func affine(srcW, srcH, w, h int, angle float64) gocv.Mat {
	sx := float64(w) / float64(srcW)
	sy := float64(h) / float64(srcH)
	theta := angle * math.Pi / 180
	alpha, beta := math.Cos(theta), math.Sin(theta)
	cx, cy := float64(w)/2, float64(h)/2

	m := gocv.NewMatWithSize(2, 3, gocv.MatTypeCV64FC1)
	m.SetDoubleAt(0, 0, alpha*sx)
	m.SetDoubleAt(0, 1, beta*sy)
	m.SetDoubleAt(0, 2, (1-alpha)*cx-beta*cy)
	m.SetDoubleAt(1, 0, -beta*sx)
	m.SetDoubleAt(1, 1, alpha*sy)
	m.SetDoubleAt(1, 2, beta*cx+(1-alpha)*cy)
	return m
}

// warpThermal renders the colourised thermal image (BGR) into the part of
// the overlay box that falls inside region. The box keeps its size so
// rotated corners are clipped; uncovered pixels stay black. The result has
// region's size.
func warpThermal(src gocv.Mat, tr align.Transform, region image.Rectangle) gocv.Mat {
	m := affine(src.Cols(), src.Rows(), tr.W, tr.H, tr.Angle)
	defer m.Close()

	box := gocv.NewMat()
	defer box.Close()
	gocv.WarpAffineWithParams(src, &box, m, image.Pt(tr.W, tr.H),
		gocv.InterpolationLinear, gocv.BorderConstant, color.RGBA{})

	local := region.Sub(image.Pt(tr.X, tr.Y))
	part := box.Region(local)
	defer part.Close()
	return part.Clone()
}

// checkerMask marks the cells of a w x h grid that show thermal pixels:
// cell (r/cell + c/cell) odd.
func checkerMask(w, h, cell int) gocv.Mat {
	mask := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), h, w, gocv.MatTypeCV8UC1)
	on := gocv.NewScalar(255, 0, 0, 0)
	for r0 := 0; r0 < h; r0 += cell {
		for c0 := 0; c0 < w; c0 += cell {
			if (r0/cell+c0/cell)%2 == 0 {
				continue
			}
			sq := mask.Region(image.Rect(c0, r0, min(c0+cell, w), min(r0+cell, h)))
			sq.SetTo(on)
			sq.Close()
		}
	}
	return mask
}

// composite fuses warped thermal pixels into canvas (BGR) within region.
// warped is region-sized BGR. edges, when not empty, is a region-sized
// visible edge mask.
func composite(canvas *gocv.Mat, warped gocv.Mat, region image.Rectangle, style Style, w Weights, cell int, edges gocv.Mat) {
	if cell <= 0 {
		cell = 32
	}
	roi := canvas.Region(region)
	defer roi.Close()

	switch style {
	case StyleChecker:
		mask := checkerMask(region.Dx(), region.Dy(), cell)
		defer mask.Close()
		warped.CopyToWithMask(&roi, mask)
	case StyleEdge:
		warped.CopyTo(&roi)
		if !edges.Empty() {
			paintMask(&roi, edges, edgeColor)
		}
	default:
		// saturating weighted sum
		gocv.AddWeighted(roi, w.Visible, warped, w.Thermal, 0, &roi)
	}
}

// drawOutline paints a thick rectangle just inside r.
func drawOutline(img *gocv.Mat, r image.Rectangle, thickness int, c color.RGBA) {
	strips := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+thickness),
		image.Rect(r.Min.X, r.Max.Y-thickness, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+thickness, r.Max.Y),
		image.Rect(r.Max.X-thickness, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, s := range strips {
		s = s.Intersect(r)
		if s.Empty() {
			continue
		}
		part := img.Region(s)
		part.SetTo(bgrScalar(c))
		part.Close()
	}
}
