package pixelpipe

import "math"

// Color conversion on the host path. Stages declare the space they want on
// input and the space they produce on output; the executor inserts these
// conversions between adjacent nodes when the spaces disagree. The device
// path runs the same math in a compute kernel.

// d50 white point, matching the working profile of the XYZ bridge below.
var d50 = [3]float32{0.9642, 1.0, 0.8249}

// rgbToXYZ is the linear Rec.709 to XYZ (D50 adapted) matrix.
var rgbToXYZ = [9]float32{
	0.4360747, 0.3850649, 0.1430804,
	0.2225045, 0.7168786, 0.0606169,
	0.0139322, 0.0971045, 0.7141733,
}

// xyzToRGB is the inverse of rgbToXYZ.
var xyzToRGB = [9]float32{
	3.1338561, -1.6168667, -0.4906146,
	-0.9787684, 1.9161415, 0.0334540,
	0.0719453, -0.2289914, 1.4052427,
}

const labEps = 216.0 / 24389.0
const labKappa = 24389.0 / 27.0

func labF(t float32) float32 {
	if t > labEps {
		return float32(math.Cbrt(float64(t)))
	}
	return (labKappa*t + 16.0) / 116.0
}

func labFInv(t float32) float32 {
	t3 := t * t * t
	if t3 > labEps {
		return t3
	}
	return (116.0*t - 16.0) / labKappa
}

// rgbToLab converts one pixel in place, alpha untouched.
func rgbToLab(px []float32) {
	x := rgbToXYZ[0]*px[0] + rgbToXYZ[1]*px[1] + rgbToXYZ[2]*px[2]
	y := rgbToXYZ[3]*px[0] + rgbToXYZ[4]*px[1] + rgbToXYZ[5]*px[2]
	z := rgbToXYZ[6]*px[0] + rgbToXYZ[7]*px[1] + rgbToXYZ[8]*px[2]
	fx := labF(x / d50[0])
	fy := labF(y / d50[1])
	fz := labF(z / d50[2])
	px[0] = 116.0*fy - 16.0
	px[1] = 500.0 * (fx - fy)
	px[2] = 200.0 * (fy - fz)
}

// labToRGB converts one pixel in place, alpha untouched.
func labToRGB(px []float32) {
	fy := (px[0] + 16.0) / 116.0
	fx := fy + px[1]/500.0
	fz := fy - px[2]/200.0
	x := d50[0] * labFInv(fx)
	y := d50[1] * labFInv(fy)
	z := d50[2] * labFInv(fz)
	px[0] = xyzToRGB[0]*x + xyzToRGB[1]*y + xyzToRGB[2]*z
	px[1] = xyzToRGB[3]*x + xyzToRGB[4]*y + xyzToRGB[5]*z
	px[2] = xyzToRGB[6]*x + xyzToRGB[7]*y + xyzToRGB[8]*z
}

// toDisplay applies the sRGB transfer curve to one linear pixel in place.
func toDisplay(px []float32) {
	for c := 0; c < 3; c++ {
		v := px[c]
		switch {
		case v <= 0:
			px[c] = 0
		case v <= 0.0031308:
			px[c] = 12.92 * v
		default:
			px[c] = float32(1.055*math.Pow(float64(v), 1.0/2.4) - 0.055)
		}
	}
}

// fromDisplay inverts the sRGB transfer curve on one pixel in place.
func fromDisplay(px []float32) {
	for c := 0; c < 3; c++ {
		v := px[c]
		switch {
		case v <= 0:
			px[c] = 0
		case v <= 0.04045:
			px[c] = v / 12.92
		default:
			px[c] = float32(math.Pow((float64(v)+0.055)/1.055, 2.4))
		}
	}
}

// ConvertColorSpace transforms buf (4-channel, npix pixels) from one
// space to another in place, for stage implementations that need the
// engine's conversion math.
func ConvertColorSpace(buf []float32, npix int, from, to ColorSpace) {
	convertColorSpace(buf, npix, from, to)
}

// convertColorSpace transforms buf (4-channel, npix pixels) from one space
// to another in place. ColorSpaceNone means "whatever is there" and is
// always a no-op target and source.
func convertColorSpace(buf []float32, npix int, from, to ColorSpace) {
	if from == to || from == ColorSpaceNone || to == ColorSpaceNone {
		return
	}
	for i := 0; i < npix; i++ {
		px := buf[i*4 : i*4+4]
		switch from {
		case ColorSpaceLab:
			labToRGB(px)
		case ColorSpaceDisplay:
			fromDisplay(px)
		}
		switch to {
		case ColorSpaceLab:
			rgbToLab(px)
		case ColorSpaceDisplay:
			toDisplay(px)
		}
	}
}

// clampDisplayByte converts one display-space channel to 8 bit.
func clampDisplayByte(v float32) uint8 {
	s := v*255.0 + 0.5
	if s <= 0 {
		return 0
	}
	if s >= 255 {
		return 255
	}
	return uint8(s)
}
