package fusion

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const placeholderSize = 120

var (
	roiBorder   = color.RGBA{R: 255, B: 255, A: 255}
	depthBorder = color.RGBA{R: 255, G: 255, A: 255}
	labelColor  = color.RGBA{R: 200, G: 200, B: 200, A: 255}
)

// placeholder renders a bordered square with a centred label, used for the
// auxiliary views that have no live source yet.
func placeholder(label string, border color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, placeholderSize, placeholderSize))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.RGBA{R: 20, G: 20, B: 20, A: 255}), image.Point{}, draw.Src)
	drawBorder(img, 3, border)

	face := basicfont.Face7x13
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(labelColor),
		Face: face,
	}
	width := d.MeasureString(label).Ceil()
	d.Dot = fixed.P((placeholderSize-width)/2, placeholderSize/2+face.Ascent/2)
	d.DrawString(label)
	return img
}

// drawBorder strokes a thick frame just inside img's bounds.
func drawBorder(img *image.RGBA, thickness int, c color.RGBA) {
	r := img.Bounds()
	u := image.NewUniform(c)
	for _, e := range []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+thickness),
		image.Rect(r.Min.X, r.Max.Y-thickness, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+thickness, r.Max.Y),
		image.Rect(r.Max.X-thickness, r.Min.Y, r.Max.X, r.Max.Y),
	} {
		draw.Draw(img, e, u, image.Point{}, draw.Src)
	}
}

func cloneRGBA(img *image.RGBA) *image.RGBA {
	out := image.NewRGBA(img.Bounds())
	copy(out.Pix, img.Pix)
	return out
}
