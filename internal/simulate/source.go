package simulate

import (
	"fmt"
	"image"
	"math"

	"github.com/satindergrewal/thermafuse/internal/correct"
	"github.com/satindergrewal/thermafuse/internal/receiver"
)

// Source produces the payload for frame seq.
type Source interface {
	Payload(seq uint32) ([]byte, error)
}

// VisibleSource renders a grayscale test scene (a vertical gradient with a
// bright disc orbiting the centre) and encodes it as JPEG.
type VisibleSource struct {
	Width, Height int
	Quality       int
}

func (s VisibleSource) Payload(seq uint32) ([]byte, error) {
	img := image.NewGray(image.Rect(0, 0, s.Width, s.Height))
	cx, cy := orbit(seq, s.Width, s.Height, 60)
	r := float64(min(s.Width, s.Height)) / 10
	for y := 0; y < s.Height; y++ {
		base := 40 + 120*y/max(s.Height-1, 1)
		row := img.Pix[y*img.Stride : y*img.Stride+s.Width]
		for x := range row {
			v := base
			if math.Hypot(float64(x)-cx, float64(y)-cy) < r {
				v = 240
			}
			row[x] = uint8(v)
		}
	}
	q := s.Quality
	if q <= 0 {
		q = 85
	}
	payload, err := correct.EncodeJPEG(img, q)
	if err != nil {
		return nil, fmt.Errorf("encode visible frame %d: %w", seq, err)
	}
	return payload, nil
}

// ThermalSource renders a room-temperature background with a warm body
// drifting across it, as raw little-endian radiometric counts.
type ThermalSource struct {
	Width, Height int
	AmbientC      float64 // defaults to 22
	HotC          float64 // defaults to 36
}

func (s ThermalSource) Payload(seq uint32) ([]byte, error) {
	ambient, hot := s.AmbientC, s.HotC
	if ambient == 0 {
		ambient = 22
	}
	if hot == 0 {
		hot = 36
	}
	cx, cy := orbit(seq, s.Width, s.Height, 20)
	r := float64(min(s.Width, s.Height)) / 6
	samples := make([]uint16, s.Width*s.Height)
	for y := 0; y < s.Height; y++ {
		for x := 0; x < s.Width; x++ {
			c := ambient + float64(x%7)*0.05 // fixed-pattern noise
			if d := math.Hypot(float64(x)-cx, float64(y)-cy); d < r {
				c = hot - (hot-ambient)*d/r/2
			}
			samples[y*s.Width+x] = Raw(c)
		}
	}
	return receiver.SamplesToBytes(samples), nil
}

// Raw converts degrees Celsius to a sensor count.
func Raw(c float64) uint16 {
	v := math.Round((c + correct.KelvinOffset) * correct.RawPerKelvin)
	return uint16(math.Min(math.Max(v, 0), math.MaxUint16))
}

// orbit places the moving object for frame seq on an ellipse, one lap
// every period frames.
func orbit(seq uint32, w, h int, period int) (float64, float64) {
	a := 2 * math.Pi * float64(int(seq)%period) / float64(period)
	return float64(w)/2 + float64(w)/4*math.Cos(a), float64(h)/2 + float64(h)/4*math.Sin(a)
}
