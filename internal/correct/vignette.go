package correct

import (
	"fmt"
	"image"
	"math"

	"gocv.io/x/gocv"
)

// DefaultVignetteStrength is the radial gain coefficient for the OV9281 lens.
const DefaultVignetteStrength = 0.8

// Vignette compensates radial light falloff with a gain map
// G = 1 + k*r^2, where r is the distance from the image centre normalised by
// the centre-to-corner distance. The map is computed once per resolution.
type Vignette struct {
	w, h int
	k    float64
	gain gocv.Mat // CV_32FC1
}

// NewVignette precomputes the gain map for a w x h image.
func NewVignette(w, h int, k float64) *Vignette {
	v := &Vignette{w: w, h: h, k: k, gain: gocv.NewMatWithSize(h, w, gocv.MatTypeCV32FC1)}
	cx, cy := float64(w)/2, float64(h)/2
	maxR := math.Sqrt(cx*cx + cy*cy)
	for y := 0; y < h; y++ {
		dy := float64(y) - cy
		for x := 0; x < w; x++ {
			dx := float64(x) - cx
			r := math.Sqrt(dx*dx+dy*dy) / maxR
			v.gain.SetFloatAt(y, x, float32(1+k*r*r))
		}
	}
	return v
}

// Gain returns the multiplier applied at (x, y).
func (v *Vignette) Gain(x, y int) float64 {
	return float64(v.gain.GetFloatAt(y, x))
}

// Apply writes the corrected image into dst. src must be 8-bit gray of the
// gain map's size.
func (v *Vignette) Apply(src gocv.Mat, dst *gocv.Mat) error {
	if src.Cols() != v.w || src.Rows() != v.h {
		return fmt.Errorf("vignette: image %dx%d, gain map %dx%d", src.Cols(), src.Rows(), v.w, v.h)
	}
	f := gocv.NewMat()
	defer f.Close()
	src.ConvertTo(&f, gocv.MatTypeCV32F)
	gocv.Multiply(f, v.gain, &f)
	// saturating, rounded back to 8 bits
	f.ConvertTo(dst, gocv.MatTypeCV8U)
	return nil
}

// Process returns a corrected copy of img. The input is not modified.
func (v *Vignette) Process(img *image.Gray) (*image.Gray, error) {
	src, err := GrayMat(img)
	if err != nil {
		return nil, err
	}
	defer src.Close()
	dst := gocv.NewMat()
	defer dst.Close()
	if err := v.Apply(src, &dst); err != nil {
		return nil, err
	}
	return MatGray(dst)
}

// Close releases the gain map.
func (v *Vignette) Close() error {
	return v.gain.Close()
}
