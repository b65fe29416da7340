package stages

import (
	"fmt"

	"github.com/anselgo/pixelpipe"
)

// CropParams configure the crop stage. The rectangle is given in input
// pixels at scale 1 and scaled to the working resolution per run.
type CropParams struct {
	Left, Top     int
	Width, Height int
}

type cropStage struct {
	base
	params CropParams
	hash   uint64
}

func init() {
	pixelpipe.RegisterStage("crop", orderCrop, func(params any) (pixelpipe.Stage, error) {
		p, ok := params.(CropParams)
		if !ok {
			return nil, fmt.Errorf("crop: want CropParams, got %T", params)
		}
		if p.Width <= 0 || p.Height <= 0 {
			return nil, fmt.Errorf("crop: empty rectangle %dx%d", p.Width, p.Height)
		}
		return &cropStage{
			params: p,
			hash: hashFloats("crop",
				float32(p.Left), float32(p.Top), float32(p.Width), float32(p.Height)),
		}, nil
	})
}

func (s *cropStage) Name() string      { return "crop" }
func (s *cropStage) ParamHash() uint64 { return s.hash }

func (s *cropStage) ModifyROIOut(in pixelpipe.ROI) pixelpipe.ROI {
	w := int(float32(s.params.Width) * in.Scale)
	h := int(float32(s.params.Height) * in.Scale)
	if w > in.Width {
		w = in.Width
	}
	if h > in.Height {
		h = in.Height
	}
	return pixelpipe.ROI{X: in.X, Y: in.Y, Width: w, Height: h, Scale: in.Scale}
}

func (s *cropStage) ModifyROIIn(out pixelpipe.ROI) pixelpipe.ROI {
	dx := int(float32(s.params.Left) * out.Scale)
	dy := int(float32(s.params.Top) * out.Scale)
	return pixelpipe.ROI{
		X: out.X + dx, Y: out.Y + dy,
		Width: out.Width, Height: out.Height,
		Scale: out.Scale,
	}
}

// Process copies the crop window. The planner already shifted the input
// region, so the copy is the overlapping rows of the two regions.
func (s *cropStage) Process(state any, in, out []float32, roiIn, roiOut pixelpipe.ROI) error {
	rows := roiOut.Height
	if roiIn.Height < rows {
		rows = roiIn.Height
	}
	cols := roiOut.Width
	if roiIn.Width < cols {
		cols = roiIn.Width
	}
	for y := 0; y < rows; y++ {
		copy(out[y*roiOut.Width*4:(y*roiOut.Width+cols)*4], in[y*roiIn.Width*4:])
	}
	return nil
}

// DistortMask shifts a raster mask from input to output geometry: the
// crop offset moves the origin, pixels outside the window are discarded.
func (s *cropStage) DistortMask(state any, mask []float32, roiIn, roiOut pixelpipe.ROI) ([]float32, error) {
	out := make([]float32, roiOut.Pixels())
	dx := roiOut.X - roiIn.X + int(float32(s.params.Left)*roiOut.Scale)
	dy := roiOut.Y - roiIn.Y + int(float32(s.params.Top)*roiOut.Scale)
	for y := 0; y < roiOut.Height; y++ {
		sy := y + dy
		if sy < 0 || sy >= roiIn.Height {
			continue
		}
		for x := 0; x < roiOut.Width; x++ {
			sx := x + dx
			if sx < 0 || sx >= roiIn.Width {
				continue
			}
			out[y*roiOut.Width+x] = mask[sy*roiIn.Width+sx]
		}
	}
	return out, nil
}
