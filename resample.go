package pixelpipe

import (
	"image"
	"math"

	"golang.org/x/image/draw"
)

// clipAndZoom resamples a region of the source plane into the destination
// ROI. Both planes are 4-channel float. The mapping is the standard ROI
// contract: destination pixel (x, y) samples the source at
// ((roiOut.X+x)/scale - roiIn.X, ...) where scale is roiOut.Scale relative
// to roiIn.Scale.
//
// The heavy lifting is a Catmull-Rom kernel working on 16-bit fixed point;
// the float planes are bridged through RGBA64 images. A 16-bit round trip
// is plenty for display-bound scaling, which is the only consumer here
// (export pipes run at scale 1 and never hit this path).

// Resample is the exported entry point for stage implementations that
// scale (zoom, lens-style warps approximated by rescale).
func Resample(dst []float32, roiOut ROI, src []float32, roiIn ROI) {
	clipAndZoom(dst, roiOut, src, roiIn)
}

func clipAndZoom(dst []float32, roiOut ROI, src []float32, roiIn ROI) {
	if roiOut.Empty() || roiIn.Empty() {
		return
	}
	scale := float64(roiOut.Scale) / float64(roiIn.Scale)
	if scale <= 0 {
		scale = 1
	}

	srcImg := floatToRGBA64(src, roiIn.Width, roiIn.Height)

	// Source rectangle covered by the destination ROI, in input pixels.
	sx0 := float64(roiOut.X)/scale - float64(roiIn.X)
	sy0 := float64(roiOut.Y)/scale - float64(roiIn.Y)
	sx1 := sx0 + float64(roiOut.Width)/scale
	sy1 := sy0 + float64(roiOut.Height)/scale
	srcRect := image.Rect(
		clampInt(int(math.Floor(sx0)), 0, roiIn.Width),
		clampInt(int(math.Floor(sy0)), 0, roiIn.Height),
		clampInt(int(math.Ceil(sx1)), 0, roiIn.Width),
		clampInt(int(math.Ceil(sy1)), 0, roiIn.Height),
	)

	dstImg := image.NewRGBA64(image.Rect(0, 0, roiOut.Width, roiOut.Height))
	draw.CatmullRom.Scale(dstImg, dstImg.Bounds(), srcImg, srcRect, draw.Src, nil)
	rgba64ToFloat(dst, dstImg, roiOut.Width, roiOut.Height)
}

func floatToRGBA64(src []float32, width, height int) *image.RGBA64 {
	img := image.NewRGBA64(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < width; x++ {
			s := src[(y*width+x)*4 : (y*width+x)*4+4]
			o := x * 8
			for c := 0; c < 4; c++ {
				v := clamp16(s[c])
				row[o+2*c] = uint8(v >> 8)
				row[o+2*c+1] = uint8(v)
			}
		}
	}
	return img
}

func rgba64ToFloat(dst []float32, img *image.RGBA64, width, height int) {
	for y := 0; y < height; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < width; x++ {
			d := dst[(y*width+x)*4 : (y*width+x)*4+4]
			o := x * 8
			for c := 0; c < 4; c++ {
				v := uint16(row[o+2*c])<<8 | uint16(row[o+2*c+1])
				d[c] = float32(v) / 65535.0
			}
		}
	}
}

func clamp16(v float32) uint16 {
	s := v*65535.0 + 0.5
	if s <= 0 {
		return 0
	}
	if s >= 65535 {
		return 65535
	}
	return uint16(s)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
