package correct

import (
	"image"

	"gocv.io/x/gocv"
)

// DefaultEdgeThreshold is the Sobel magnitude above which a pixel counts as
// an edge.
const DefaultEdgeThreshold = 96

// EdgeMask writes a 0/255 mask of pixels in src (8-bit gray) whose 3x3
// Sobel gradient magnitude exceeds threshold. Border pixels are never edges.
func EdgeMask(src gocv.Mat, dst *gocv.Mat, threshold int) {
	w, h := src.Cols(), src.Rows()
	zero := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), h, w, gocv.MatTypeCV8UC1)
	defer zero.Close()
	zero.CopyTo(dst)
	if w < 3 || h < 3 {
		return
	}

	gx, gy, mag, bin := gocv.NewMat(), gocv.NewMat(), gocv.NewMat(), gocv.NewMat()
	defer gx.Close()
	defer gy.Close()
	defer mag.Close()
	defer bin.Close()
	gocv.Sobel(src, &gx, gocv.MatTypeCV32F, 1, 0, 3, 1, 0, gocv.BorderDefault)
	gocv.Sobel(src, &gy, gocv.MatTypeCV32F, 0, 1, 3, 1, 0, gocv.BorderDefault)
	gocv.Magnitude(gx, gy, &mag)
	gocv.Threshold(mag, &bin, float32(threshold), 255, gocv.ThresholdBinary)

	inner := image.Rect(1, 1, w-1, h-1)
	from := bin.Region(inner)
	defer from.Close()
	to := dst.Region(inner)
	defer to.Close()
	from.ConvertTo(&to, gocv.MatTypeCV8U)
}

// Edges is EdgeMask on stdlib images.
func Edges(img *image.Gray, threshold int) *image.Gray {
	b := img.Bounds()
	src, err := GrayMat(img)
	if err != nil {
		return image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	}
	defer src.Close()
	mask := gocv.NewMat()
	defer mask.Close()
	EdgeMask(src, &mask, threshold)
	out, err := MatGray(mask)
	if err != nil {
		return image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	}
	return out
}
