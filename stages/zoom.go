package stages

import (
	"fmt"

	"github.com/anselgo/pixelpipe"
)

// ZoomParams configure the zoom stage, which rescales the working region
// by a fixed factor (thumbnail fit, 1:1 pixel view).
type ZoomParams struct {
	Factor float32
}

type zoomStage struct {
	base
	params ZoomParams
	hash   uint64
}

func init() {
	pixelpipe.RegisterStage("zoom", orderZoom, func(params any) (pixelpipe.Stage, error) {
		p, ok := params.(ZoomParams)
		if !ok {
			return nil, fmt.Errorf("zoom: want ZoomParams, got %T", params)
		}
		if p.Factor <= 0 {
			return nil, fmt.Errorf("zoom: non-positive factor %g", p.Factor)
		}
		return &zoomStage{
			params: p,
			hash:   hashFloats("zoom", p.Factor),
		}, nil
	})
}

func (s *zoomStage) Name() string      { return "zoom" }
func (s *zoomStage) ParamHash() uint64 { return s.hash }

func (s *zoomStage) ModifyROIOut(in pixelpipe.ROI) pixelpipe.ROI {
	f := s.params.Factor
	return pixelpipe.ROI{
		X:     int(float32(in.X) * f),
		Y:     int(float32(in.Y) * f),
		Width: int(float32(in.Width) * f), Height: int(float32(in.Height) * f),
		Scale: in.Scale * f,
	}
}

func (s *zoomStage) ModifyROIIn(out pixelpipe.ROI) pixelpipe.ROI {
	f := s.params.Factor
	return pixelpipe.ROI{
		X:     int(float32(out.X) / f),
		Y:     int(float32(out.Y) / f),
		Width: int(float32(out.Width)/f + 0.5), Height: int(float32(out.Height)/f + 0.5),
		Scale: out.Scale / f,
	}
}

func (s *zoomStage) Tiling(in, out pixelpipe.ROI) pixelpipe.TilingRequest {
	// The resampler allocates 16-bit bridges for both planes.
	return pixelpipe.TilingRequest{CPUFactor: 3}
}

func (s *zoomStage) Process(state any, in, out []float32, roiIn, roiOut pixelpipe.ROI) error {
	pixelpipe.Resample(out, roiOut, in, roiIn)
	return nil
}

// DistortMask rescales a raster mask to the output resolution by nearest
// neighbor; masks are soft enough that kernel quality does not matter.
func (s *zoomStage) DistortMask(state any, mask []float32, roiIn, roiOut pixelpipe.ROI) ([]float32, error) {
	out := make([]float32, roiOut.Pixels())
	fx := float32(roiIn.Width) / float32(roiOut.Width)
	fy := float32(roiIn.Height) / float32(roiOut.Height)
	for y := 0; y < roiOut.Height; y++ {
		sy := clamp(int(float32(y)*fy), 0, roiIn.Height-1)
		for x := 0; x < roiOut.Width; x++ {
			sx := clamp(int(float32(x)*fx), 0, roiIn.Width-1)
			out[y*roiOut.Width+x] = mask[sy*roiIn.Width+sx]
		}
	}
	return out, nil
}
