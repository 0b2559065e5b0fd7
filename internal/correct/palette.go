package correct

import (
	"image/color"

	"gocv.io/x/gocv"
)

// Jet is the blue -> cyan -> yellow -> red lookup table, read back from
// gocv.ColormapJet so the table and ApplyColorMap agree exactly.
var Jet = buildJet()

func buildJet() [256]color.RGBA {
	ramp := gocv.NewMatWithSize(1, 256, gocv.MatTypeCV8UC1)
	defer ramp.Close()
	for i := 0; i < 256; i++ {
		ramp.SetUCharAt(0, i, uint8(i))
	}
	bgr := gocv.NewMat()
	defer bgr.Close()
	gocv.ApplyColorMap(ramp, &bgr, gocv.ColormapJet)

	var lut [256]color.RGBA
	for i := range lut {
		v := bgr.GetVecbAt(0, i)
		lut[i] = color.RGBA{R: v[2], G: v[1], B: v[0], A: 255}
	}
	return lut
}
