package stages

import (
	"encoding/binary"
	"math"

	"github.com/anselgo/pixelpipe"
)

// Registry order positions. The gaps leave room for applications to
// register their own stages between the built-ins.
const (
	orderGain    = 100
	orderShape   = 200
	orderBlur    = 300
	orderCrop    = 400
	orderClip    = 500
	orderZoom    = 600
	orderDisplay = 700
)

// base supplies the no-op defaults shared by the point-operation stages.
type base struct{}

func (base) BypassCache() bool       { return false }
func (base) InitState() (any, error) { return nil, nil }
func (base) FreeState(any)           {}

func (base) OutputFormat(in pixelpipe.Format) pixelpipe.Format { return in }

func (base) InputColorSpace() pixelpipe.ColorSpace  { return pixelpipe.ColorSpaceRGB }
func (base) OutputColorSpace() pixelpipe.ColorSpace { return pixelpipe.ColorSpaceRGB }

func (base) ModifyROIOut(in pixelpipe.ROI) pixelpipe.ROI { return in }
func (base) ModifyROIIn(out pixelpipe.ROI) pixelpipe.ROI { return out }

func (base) Tiling(in, out pixelpipe.ROI) pixelpipe.TilingRequest {
	return pixelpipe.TilingRequest{CPUFactor: 2}
}

// hashFloats folds a stage name and parameter values into a parameter
// hash. All built-in stages use it so equal committed parameters always
// produce equal hashes.
func hashFloats(name string, vals ...float32) uint64 {
	h := pixelpipe.Hash(5381, []byte(name))
	var buf [4]byte
	for _, v := range vals {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
		h = pixelpipe.Hash(h, buf[:])
	}
	return h
}
