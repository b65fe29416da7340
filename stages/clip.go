package stages

import (
	"fmt"

	"github.com/anselgo/pixelpipe"
)

// ClipParams configure the highlight clip stage: channel values above the
// threshold (relative to the channel maximum) are clamped.
type ClipParams struct {
	Threshold float32
}

type clipStage struct {
	base
	params ClipParams
	hash   uint64
}

func init() {
	pixelpipe.RegisterStage("clip", orderClip, func(params any) (pixelpipe.Stage, error) {
		p, ok := params.(ClipParams)
		if !ok {
			return nil, fmt.Errorf("clip: want ClipParams, got %T", params)
		}
		return &clipStage{
			params: p,
			hash:   hashFloats("clip", p.Threshold),
		}, nil
	})
}

func (s *clipStage) Name() string      { return "clip" }
func (s *clipStage) ParamHash() uint64 { return s.hash }
func (s *clipStage) TileSafe() bool    { return true }

func (s *clipStage) OutputFormat(in pixelpipe.Format) pixelpipe.Format {
	for c := 0; c < 3; c++ {
		in.Maxima[c] *= s.params.Threshold
	}
	return in
}

func (s *clipStage) Process(state any, in, out []float32, roiIn, roiOut pixelpipe.ROI) error {
	npx := roiOut.Pixels()
	t := s.params.Threshold
	for i := 0; i < npx; i++ {
		src := in[i*4 : i*4+4]
		dst := out[i*4 : i*4+4]
		for c := 0; c < 3; c++ {
			v := src[c]
			if v > t {
				v = t
			}
			dst[c] = v
		}
		dst[3] = src[3]
	}
	return nil
}
