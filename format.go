package pixelpipe

// DataType identifies the storage type of one channel sample.
type DataType uint32

const (
	// TypeFloat32 is a 32-bit float per channel, the pipeline working type.
	TypeFloat32 DataType = iota + 1

	// TypeUint8 is an 8-bit integer per channel, used by display output.
	TypeUint8
)

// Size returns the size of one sample in bytes.
func (t DataType) Size() int {
	switch t {
	case TypeFloat32:
		return 4
	case TypeUint8:
		return 1
	default:
		return 0
	}
}

// ColorSpace identifies the color representation of a buffer. The engine
// does not interpret profiles itself; it only tracks which space a buffer is
// in so executors can convert at stage boundaries.
type ColorSpace uint32

const (
	// ColorSpaceNone marks a buffer with no color interpretation yet
	// (raw sensor data before demosaic). Conversions are bypassed.
	ColorSpaceNone ColorSpace = iota

	// ColorSpaceRGB is the linear RGB working space.
	ColorSpaceRGB

	// ColorSpaceLab is CIE Lab, used by perceptual stages.
	ColorSpaceLab

	// ColorSpaceDisplay is display-referred RGB after the output transform.
	ColorSpaceDisplay
)

func (c ColorSpace) String() string {
	switch c {
	case ColorSpaceNone:
		return "none"
	case ColorSpaceRGB:
		return "rgb"
	case ColorSpaceLab:
		return "lab"
	case ColorSpaceDisplay:
		return "display"
	default:
		return "unknown"
	}
}

// Format describes the pixel layout of one buffer: dimensions, channel
// count, channel datatype, color space, and per-channel calibration maxima
// (the "processed maximum" white-level carried along by raw processing).
type Format struct {
	Width    int
	Height   int
	Channels int
	Datatype DataType
	CST      ColorSpace

	// Maxima carries the calibrated channel maxima; stages that rescale
	// pixel values update it so downstream stages can normalize correctly.
	Maxima [4]float32
}

// BytesPerPixel returns the byte size of one pixel in this format.
func (f Format) BytesPerPixel() int { return f.Channels * f.Datatype.Size() }

// BufferSize returns the byte size of a buffer holding roi in this format.
func (f Format) BufferSize(roi ROI) int { return f.BytesPerPixel() * roi.Pixels() }

// DefaultFormat returns the pipeline working format: 4-channel float RGB.
func DefaultFormat(width, height int) Format {
	return Format{
		Width:    width,
		Height:   height,
		Channels: 4,
		Datatype: TypeFloat32,
		CST:      ColorSpaceRGB,
		Maxima:   [4]float32{1, 1, 1, 1},
	}
}
