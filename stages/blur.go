package stages

import (
	"fmt"

	"github.com/anselgo/pixelpipe"
)

// BlurParams configure the box blur stage.
type BlurParams struct {
	// Radius is the box half-width in pixels at scale 1.
	Radius int
}

type blurStage struct {
	base
	params BlurParams
	hash   uint64
}

func init() {
	pixelpipe.RegisterStage("blur", orderBlur, func(params any) (pixelpipe.Stage, error) {
		p, ok := params.(BlurParams)
		if !ok {
			return nil, fmt.Errorf("blur: want BlurParams, got %T", params)
		}
		if p.Radius < 0 {
			return nil, fmt.Errorf("blur: negative radius %d", p.Radius)
		}
		return &blurStage{
			params: p,
			hash:   hashFloats("blur", float32(p.Radius)),
		}, nil
	})
}

func (s *blurStage) Name() string      { return "blur" }
func (s *blurStage) ParamHash() uint64 { return s.hash }
func (s *blurStage) TileSafe() bool    { return true }

// radiusAt scales the blur radius to the working resolution.
func (s *blurStage) radiusAt(scale float32) int {
	r := int(float32(s.params.Radius) * scale)
	if r < 1 && s.params.Radius > 0 {
		r = 1
	}
	return r
}

func (s *blurStage) Tiling(in, out pixelpipe.ROI) pixelpipe.TilingRequest {
	return pixelpipe.TilingRequest{
		CPUFactor: 3, // in, out and one transposed intermediate
		Overlap:   s.radiusAt(out.Scale),
	}
}

// Process runs a separable box filter: horizontal pass into a scratch
// plane, vertical pass into out. Borders clamp to the region edge.
func (s *blurStage) Process(state any, in, out []float32, roiIn, roiOut pixelpipe.ROI) error {
	w, h := roiOut.Width, roiOut.Height
	r := s.radiusAt(roiOut.Scale)
	if r == 0 {
		copy(out[:w*h*4], in[:w*h*4])
		return nil
	}

	tmp := make([]float32, w*h*4)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var acc [4]float32
			n := 0
			for k := -r; k <= r; k++ {
				sx := clamp(x+k, 0, w-1)
				px := in[(y*w+sx)*4:]
				for c := 0; c < 4; c++ {
					acc[c] += px[c]
				}
				n++
			}
			dst := tmp[(y*w+x)*4:]
			for c := 0; c < 4; c++ {
				dst[c] = acc[c] / float32(n)
			}
		}
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var acc [4]float32
			n := 0
			for k := -r; k <= r; k++ {
				sy := clamp(y+k, 0, h-1)
				px := tmp[(sy*w+x)*4:]
				for c := 0; c < 4; c++ {
					acc[c] += px[c]
				}
				n++
			}
			dst := out[(y*w+x)*4:]
			for c := 0; c < 4; c++ {
				dst[c] = acc[c] / float32(n)
			}
		}
	}
	return nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
