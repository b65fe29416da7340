package stages

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/anselgo/pixelpipe"
)

// GainParams configure the exposure gain stage: a per-channel multiplier
// after black-level subtraction.
type GainParams struct {
	Gain  float32
	Black float32
}

type gainStage struct {
	base
	params GainParams
	hash   uint64
}

func init() {
	pixelpipe.RegisterStage("gain", orderGain, func(params any) (pixelpipe.Stage, error) {
		p, ok := params.(GainParams)
		if !ok {
			return nil, fmt.Errorf("gain: want GainParams, got %T", params)
		}
		return &gainStage{
			params: p,
			hash:   hashFloats("gain", p.Gain, p.Black),
		}, nil
	})
}

func (s *gainStage) Name() string         { return "gain" }
func (s *gainStage) ParamHash() uint64    { return s.hash }
func (s *gainStage) TileSafe() bool       { return true }
func (s *gainStage) DeviceTileSafe() bool { return true }

func (s *gainStage) OutputFormat(in pixelpipe.Format) pixelpipe.Format {
	for c := range in.Maxima {
		in.Maxima[c] *= s.params.Gain
	}
	return in
}

func (s *gainStage) Process(state any, in, out []float32, roiIn, roiOut pixelpipe.ROI) error {
	g, b := s.params.Gain, s.params.Black
	npx := roiOut.Pixels()
	for i := 0; i < npx; i++ {
		src := in[i*4 : i*4+4]
		dst := out[i*4 : i*4+4]
		dst[0] = (src[0] - b) * g
		dst[1] = (src[1] - b) * g
		dst[2] = (src[2] - b) * g
		dst[3] = src[3]
	}
	return nil
}

func (s *gainStage) ProcessDevice(state any, dev pixelpipe.Device, in, out pixelpipe.DeviceBuffer, roiIn, roiOut pixelpipe.ROI) error {
	var push [8]byte
	binary.LittleEndian.PutUint32(push[0:], math.Float32bits(s.params.Gain))
	binary.LittleEndian.PutUint32(push[4:], math.Float32bits(s.params.Black))
	return dev.Run("gain", in, out, roiIn, roiOut, push[:])
}
