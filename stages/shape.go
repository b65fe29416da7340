package stages

import (
	"fmt"
	"math"

	"github.com/anselgo/pixelpipe"
)

// ShapeParams configure the drawn-shape stage: an elliptical raster mask
// with a soft falloff, published for downstream blends. The stage itself
// passes pixels through untouched.
//
// Center and radii are relative to the region size (0..1), so the mask
// follows pans and zooms without parameter changes.
type ShapeParams struct {
	CenterX, CenterY float32
	RadiusX, RadiusY float32
	Feather          float32
}

// ShapeMask is the mask id the shape stage publishes.
const ShapeMask pixelpipe.MaskID = 1

type shapeStage struct {
	base
	params ShapeParams
	hash   uint64
}

func init() {
	pixelpipe.RegisterStage("shape", orderShape, func(params any) (pixelpipe.Stage, error) {
		p, ok := params.(ShapeParams)
		if !ok {
			return nil, fmt.Errorf("shape: want ShapeParams, got %T", params)
		}
		if p.RadiusX <= 0 || p.RadiusY <= 0 {
			return nil, fmt.Errorf("shape: non-positive radius %g x %g", p.RadiusX, p.RadiusY)
		}
		return &shapeStage{
			params: p,
			hash: hashFloats("shape",
				p.CenterX, p.CenterY, p.RadiusX, p.RadiusY, p.Feather),
		}, nil
	})
}

func (s *shapeStage) Name() string      { return "shape" }
func (s *shapeStage) ParamHash() uint64 { return s.hash }
func (s *shapeStage) TileSafe() bool    { return true }

func (s *shapeStage) Process(state any, in, out []float32, roiIn, roiOut pixelpipe.ROI) error {
	copy(out[:roiOut.Pixels()*4], in[:roiOut.Pixels()*4])
	return nil
}

// RasterMask renders the ellipse for the processed output region: 1 inside,
// 0 outside, a smooth ramp across the feather band.
func (s *shapeStage) RasterMask(state any, id pixelpipe.MaskID, roiOut pixelpipe.ROI) ([]float32, error) {
	if id != ShapeMask {
		return nil, fmt.Errorf("shape: unknown mask id %d", id)
	}
	p := s.params
	feather := p.Feather
	if feather <= 0 {
		feather = 0.01
	}
	mask := make([]float32, roiOut.Pixels())
	for y := 0; y < roiOut.Height; y++ {
		fy := (float32(y) + 0.5) / float32(roiOut.Height)
		for x := 0; x < roiOut.Width; x++ {
			fx := (float32(x) + 0.5) / float32(roiOut.Width)
			dx := (fx - p.CenterX) / p.RadiusX
			dy := (fy - p.CenterY) / p.RadiusY
			d := float32(math.Sqrt(float64(dx*dx + dy*dy)))
			switch {
			case d <= 1:
				mask[y*roiOut.Width+x] = 1
			case d >= 1+feather:
				// stays 0
			default:
				mask[y*roiOut.Width+x] = 1 - (d-1)/feather
			}
		}
	}
	return mask, nil
}
