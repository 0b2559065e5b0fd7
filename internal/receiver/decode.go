package receiver

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"

	"github.com/satindergrewal/thermafuse/internal/frame"
	"github.com/satindergrewal/thermafuse/internal/wire"
)

var (
	ErrSizeMismatch = errors.New("payload size does not match resolution")
	ErrDecode       = errors.New("image decode failed")
)

// Decoder turns one wire payload into a Frame. The payload buffer is reused
// by the caller after Decode returns, so decoders must not retain it.
type Decoder interface {
	Decode(h wire.Header, payload []byte) (*frame.Frame, error)
}

// MaxAreaFactor bounds the pixel count a visible payload may declare,
// relative to the sensor area.
const MaxAreaFactor = 4

// VisibleDecoder decodes compressed grayscale images (JPEG, PNG) and
// resamples them to Width x Height when the sender uses another size.
// Payloads whose header declares more than MaxPixels (default
// MaxAreaFactor x Width x Height) are dropped before any pixel buffer is
// allocated.
type VisibleDecoder struct {
	Width, Height int
	MaxPixels     int
}

func (d VisibleDecoder) maxPixels() int {
	if d.MaxPixels > 0 {
		return d.MaxPixels
	}
	return MaxAreaFactor * d.Width * d.Height
}

func (d VisibleDecoder) Decode(h wire.Header, payload []byte) (*frame.Frame, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: seq %d: %v", ErrDecode, h.Seq, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width > d.maxPixels()/cfg.Height {
		return nil, fmt.Errorf("%w: seq %d: declared size %dx%d exceeds %d pixels",
			ErrDecode, h.Seq, cfg.Width, cfg.Height, d.maxPixels())
	}

	img, _, err := image.Decode(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: seq %d: %v", ErrDecode, h.Seq, err)
	}
	gray := toGray(img)
	if b := gray.Bounds(); b.Dx() != d.Width || b.Dy() != d.Height {
		dst := image.NewGray(image.Rect(0, 0, d.Width, d.Height))
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), gray, b, draw.Src, nil)
		gray = dst
	}
	return &frame.Frame{
		Role:      frame.Visible,
		Timestamp: h.Timestamp,
		Seq:       h.Seq,
		Gray:      gray,
	}, nil
}

func toGray(img image.Image) *image.Gray {
	switch src := img.(type) {
	case *image.Gray:
		return src
	case *image.YCbCr:
		// Luma plane is already the grayscale image.
		b := src.Bounds()
		out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
		for y := 0; y < b.Dy(); y++ {
			off := src.YOffset(b.Min.X, b.Min.Y+y)
			copy(out.Pix[y*out.Stride:y*out.Stride+b.Dx()], src.Y[off:off+b.Dx()])
		}
		return out
	default:
		b := img.Bounds()
		out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
		return out
	}
}

// ThermalDecoder unpacks raw little-endian uint16 samples, row-major.
type ThermalDecoder struct {
	Width, Height int
}

func (d ThermalDecoder) Decode(h wire.Header, payload []byte) (*frame.Frame, error) {
	want := d.Width * d.Height * 2
	if len(payload) != want {
		return nil, fmt.Errorf("%w: seq %d: got %d bytes, want %d", ErrSizeMismatch, h.Seq, len(payload), want)
	}
	img := image.NewGray16(image.Rect(0, 0, d.Width, d.Height))
	for i := 0; i < d.Width*d.Height; i++ {
		v := binary.LittleEndian.Uint16(payload[i*2:])
		// image.Gray16 stores samples big-endian.
		img.Pix[i*2] = uint8(v >> 8)
		img.Pix[i*2+1] = uint8(v)
	}
	return &frame.Frame{
		Role:      frame.Thermal,
		Timestamp: h.Timestamp,
		Seq:       h.Seq,
		Raw:       img,
	}, nil
}

// SamplesToBytes packs raw thermal samples into the little-endian wire form.
func SamplesToBytes(samples []uint16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], s)
	}
	return buf
}
