package correct

import (
	"image"
	"math"
	"slices"

	"gocv.io/x/gocv"
)

// Tiny1-C radiometric scale: raw counts are Kelvin * 64.
const (
	RawPerKelvin = 64.0
	KelvinOffset = 273.15
)

// Celsius converts a raw sensor count to degrees Celsius.
func Celsius(raw uint16) float64 {
	return float64(raw)/RawPerKelvin - KelvinOffset
}

// Window is the temperature range mapped onto the 0..255 display scale.
type Window struct {
	Low    float64 // degrees C mapped to 0
	Span   float64 // degrees C covered by the full scale
	P1     float64
	P99    float64
	Median float64
}

// High is the temperature mapped to 255.
func (w Window) High() float64 { return w.Low + w.Span }

// Intensity maps a temperature onto the display scale, clamped to [0,255].
func (w Window) Intensity(c float64) uint8 {
	if w.Span <= 0 {
		return 0
	}
	return clampByte((c-w.Low)/w.Span*255 + 0.5)
}

// ThermalMapper converts raw thermal frames into false-colour images with
// robust contrast: the display window follows the 1st..99th percentile,
// widened to MinSpan around the median for flat scenes so sensor noise is
// not stretched across the palette.
type ThermalMapper struct {
	MinSpan float64
	// Flat scenes start the window this far below the median.
	AnchorBelowMedian float64
	Palette           gocv.ColormapTypes
}

// NewThermalMapper returns a mapper with the default 10 C minimum span and
// the jet palette.
func NewThermalMapper() ThermalMapper {
	return ThermalMapper{MinSpan: 10, AnchorBelowMedian: 2, Palette: gocv.ColormapJet}
}

// Window computes the display window for img.
func (m ThermalMapper) Window(img *image.Gray16) Window {
	temps := celsiusValues(img)
	if len(temps) == 0 {
		return Window{Span: m.MinSpan}
	}
	slices.Sort(temps)
	w := Window{
		P1:     percentile(temps, 1),
		P99:    percentile(temps, 99),
		Median: percentile(temps, 50),
	}
	if w.P99-w.P1 < m.MinSpan {
		w.Low = w.Median - m.AnchorBelowMedian
		w.Span = m.MinSpan
	} else {
		w.Low = w.P1
		w.Span = w.P99 - w.P1
	}
	return w
}

// IntensityMat maps img onto 8-bit gray in dst using its display window.
// The Kelvin conversion and the window are folded into one scaled,
// saturating conversion: v = raw*alpha + beta.
func (m ThermalMapper) IntensityMat(img *image.Gray16, dst *gocv.Mat) (Window, error) {
	w := m.Window(img)
	raw, err := RawMat(img)
	if err != nil {
		return w, err
	}
	defer raw.Close()
	if w.Span <= 0 {
		raw.ConvertToWithParams(dst, gocv.MatTypeCV8U, 0, 0)
		return w, nil
	}
	alpha := 255 / (RawPerKelvin * w.Span)
	beta := -(KelvinOffset + w.Low) * 255 / w.Span
	raw.ConvertToWithParams(dst, gocv.MatTypeCV8U, float32(alpha), float32(beta))
	return w, nil
}

// ColorizeMat renders img through the palette into dst as BGR.
func (m ThermalMapper) ColorizeMat(img *image.Gray16, dst *gocv.Mat) (Window, error) {
	gray := gocv.NewMat()
	defer gray.Close()
	w, err := m.IntensityMat(img, &gray)
	if err != nil {
		return w, err
	}
	gocv.ApplyColorMap(gray, dst, m.Palette)
	return w, nil
}

// Intensity maps img onto an 8-bit image using its display window.
func (m ThermalMapper) Intensity(img *image.Gray16) (*image.Gray, Window) {
	gray := gocv.NewMat()
	defer gray.Close()
	w, err := m.IntensityMat(img, &gray)
	if err != nil {
		b := img.Bounds()
		return image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy())), w
	}
	out, err := MatGray(gray)
	if err != nil {
		b := img.Bounds()
		return image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy())), w
	}
	return out, w
}

// Colorize returns the false-colour rendering of img.
func (m ThermalMapper) Colorize(img *image.Gray16) (*image.RGBA, Window) {
	bgr := gocv.NewMat()
	defer bgr.Close()
	b := img.Bounds()
	w, err := m.ColorizeMat(img, &bgr)
	if err != nil {
		return image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy())), w
	}
	out, err := MatRGBA(bgr)
	if err != nil {
		return image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy())), w
	}
	return out, w
}

// CenterTemp samples the centre pixel, row h/2 column w/2.
func CenterTemp(img *image.Gray16) float64 {
	b := img.Bounds()
	return Celsius(rawAt(img, b.Min.X+b.Dx()/2, b.Min.Y+b.Dy()/2))
}

func rawAt(img *image.Gray16, x, y int) uint16 {
	i := img.PixOffset(x, y)
	return uint16(img.Pix[i])<<8 | uint16(img.Pix[i+1])
}

func celsiusValues(img *image.Gray16) []float64 {
	b := img.Bounds()
	out := make([]float64, 0, b.Dx()*b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			out = append(out, Celsius(rawAt(img, x, y)))
		}
	}
	return out
}

// percentile uses linear interpolation between closest ranks on sorted data.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

func clampByte(f float64) uint8 {
	if f <= 0 {
		return 0
	}
	if f >= 255 {
		return 255
	}
	return uint8(f)
}
