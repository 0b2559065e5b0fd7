package correct

import (
	"encoding/binary"
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// GrayMat copies img into a new single-channel 8-bit Mat.
func GrayMat(img *image.Gray) (gocv.Mat, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	pix := img.Pix
	if img.Stride != w || b.Min != (image.Point{}) {
		pix = make([]byte, w*h)
		for y := 0; y < h; y++ {
			off := img.PixOffset(b.Min.X, b.Min.Y+y)
			copy(pix[y*w:(y+1)*w], img.Pix[off:off+w])
		}
	}
	return matFromBytes(h, w, gocv.MatTypeCV8UC1, pix[:w*h])
}

// RawMat copies a thermal frame into a 16-bit Mat in native sample order.
func RawMat(img *image.Gray16) (gocv.Mat, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	buf := make([]byte, w*h*2)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			binary.LittleEndian.PutUint16(buf[(y*w+x)*2:], rawAt(img, b.Min.X+x, b.Min.Y+y))
		}
	}
	return matFromBytes(h, w, gocv.MatTypeCV16UC1, buf)
}

// matFromBytes returns a Mat that owns its pixels; the Go slice is not
// referenced after the call.
func matFromBytes(rows, cols int, mt gocv.MatType, data []byte) (gocv.Mat, error) {
	m, err := gocv.NewMatFromBytes(rows, cols, mt, data)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("new mat %dx%d: %w", cols, rows, err)
	}
	defer m.Close()
	return m.Clone(), nil
}

// MatGray copies a single-channel 8-bit Mat into an image.Gray.
func MatGray(m gocv.Mat) (*image.Gray, error) {
	if m.Type() != gocv.MatTypeCV8UC1 {
		return nil, fmt.Errorf("mat type %v, want 8-bit gray", m.Type())
	}
	data := continuousBytes(m)
	return &image.Gray{Pix: data, Stride: m.Cols(), Rect: image.Rect(0, 0, m.Cols(), m.Rows())}, nil
}

// MatRGBA converts a BGR Mat into an opaque image.RGBA.
func MatRGBA(bgr gocv.Mat) (*image.RGBA, error) {
	if bgr.Type() != gocv.MatTypeCV8UC3 {
		return nil, fmt.Errorf("mat type %v, want 8-bit BGR", bgr.Type())
	}
	rgba := gocv.NewMat()
	defer rgba.Close()
	gocv.CvtColor(bgr, &rgba, gocv.ColorBGRToRGBA)
	return &image.RGBA{
		Pix:    rgba.ToBytes(),
		Stride: 4 * rgba.Cols(),
		Rect:   image.Rect(0, 0, rgba.Cols(), rgba.Rows()),
	}, nil
}

// continuousBytes copies the pixels of m, which may be a region of a larger
// Mat.
func continuousBytes(m gocv.Mat) []byte {
	if m.IsContinuous() {
		return m.ToBytes()
	}
	c := m.Clone()
	defer c.Close()
	return c.ToBytes()
}

// EncodeJPEG compresses img at the given quality (1-100).
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var (
		m   gocv.Mat
		err error
	)
	if g, ok := img.(*image.Gray); ok {
		m, err = GrayMat(g)
	} else {
		m, err = gocv.ImageToMatRGB(img)
	}
	if err != nil {
		return nil, fmt.Errorf("jpeg source: %w", err)
	}
	defer m.Close()

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, m, []int{gocv.IMWriteJpegQuality, quality})
	if err != nil {
		return nil, fmt.Errorf("jpeg encode: %w", err)
	}
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...), nil
}
