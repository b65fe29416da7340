package stages

import "github.com/anselgo/pixelpipe"

// OpacityBlend mixes a stage's output back toward its input: the result
// is input where the effective opacity is 0 and the full stage output
// where it is 1. A raster mask modulates the opacity per pixel.
type OpacityBlend struct {
	Opacity float32
}

func (b OpacityBlend) Tiling(in, out pixelpipe.ROI) pixelpipe.TilingRequest {
	return pixelpipe.TilingRequest{CPUFactor: 2}
}

func (b OpacityBlend) BlendColorSpace(out pixelpipe.ColorSpace) pixelpipe.ColorSpace {
	return out
}

// Blend requires congruent regions; the planner guarantees this for
// non-geometry stages, and geometry stages do not carry blends.
func (b OpacityBlend) Blend(in, out []float32, roiIn, roiOut pixelpipe.ROI, mask []float32) error {
	npx := roiOut.Pixels()
	for i := 0; i < npx; i++ {
		a := b.Opacity
		if mask != nil {
			a *= mask[i]
		}
		src := in[i*4 : i*4+4]
		dst := out[i*4 : i*4+4]
		for c := 0; c < 3; c++ {
			dst[c] = src[c] + (dst[c]-src[c])*a
		}
	}
	return nil
}
