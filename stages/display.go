package stages

import (
	"fmt"

	"github.com/anselgo/pixelpipe"
)

// DisplayParams configure the output transform stage, the last enabled
// stage of a typical chain.
type DisplayParams struct {
	// Histogram requests histogram collection over the final image.
	Histogram bool
}

type displayStage struct {
	base
	params DisplayParams
	hash   uint64
}

func init() {
	pixelpipe.RegisterStage("display", orderDisplay, func(params any) (pixelpipe.Stage, error) {
		p, ok := params.(DisplayParams)
		if !ok {
			return nil, fmt.Errorf("display: want DisplayParams, got %T", params)
		}
		h := float32(0)
		if p.Histogram {
			h = 1
		}
		return &displayStage{
			params: p,
			hash:   hashFloats("display", h),
		}, nil
	})
}

func (s *displayStage) Name() string         { return "display" }
func (s *displayStage) ParamHash() uint64    { return s.hash }
func (s *displayStage) TileSafe() bool       { return true }
func (s *displayStage) WantsHistogram() bool { return s.params.Histogram }

func (s *displayStage) OutputColorSpace() pixelpipe.ColorSpace {
	return pixelpipe.ColorSpaceDisplay
}

func (s *displayStage) OutputFormat(in pixelpipe.Format) pixelpipe.Format {
	in.CST = pixelpipe.ColorSpaceDisplay
	return in
}

// Process applies the display transfer curve. The conversion helper works
// in place, so the input is copied first.
func (s *displayStage) Process(state any, in, out []float32, roiIn, roiOut pixelpipe.ROI) error {
	npx := roiOut.Pixels()
	copy(out[:npx*4], in[:npx*4])
	pixelpipe.ConvertColorSpace(out, npx, pixelpipe.ColorSpaceRGB, pixelpipe.ColorSpaceDisplay)
	return nil
}
