package wgpu

import "github.com/gogpu/gputypes"

// Kernel registry. Every kernel binds a uniform parameter block at
// binding 0; the remaining bindings are storage buffers in registry order.
// The uniform block starts with a 16-byte header (output width/height,
// input width/height as u32) followed by the raw parameter bytes the stage
// passed to Run, padded to a 16-byte multiple. The WGSL Params struct of
// each kernel mirrors that layout exactly.

type kernelSpec struct {
	source   string
	bindings []gputypes.BufferBindingType

	// internal kernels have a uniform layout private to this package and
	// are not reachable through Run.
	internal bool
}

// Color space codes shared with the convert kernel. Values match
// pixelpipe.ColorSpace.
const (
	csRGB     = 1
	csLab     = 2
	csDisplay = 3
)

var kernels = map[string]kernelSpec{
	"gain": {
		source: gainWGSL,
		bindings: []gputypes.BufferBindingType{
			gputypes.BufferBindingTypeReadOnlyStorage,
			gputypes.BufferBindingTypeStorage,
		},
	},
	"convert": {
		source: convertWGSL,
		bindings: []gputypes.BufferBindingType{
			gputypes.BufferBindingTypeStorage,
		},
		internal: true,
	},
	"histogram": {
		source: histogramWGSL,
		bindings: []gputypes.BufferBindingType{
			gputypes.BufferBindingTypeReadOnlyStorage,
			gputypes.BufferBindingTypeStorage,
		},
		internal: true,
	},
}

// gainWGSL applies exposure gain with black point subtraction. The alpha
// channel passes through. Parameter block: header + (gain: f32, black: f32).
const gainWGSL = `
struct Params {
    out_w: u32,
    out_h: u32,
    in_w: u32,
    in_h: u32,
    gain: f32,
    black: f32,
}

@group(0) @binding(0) var<uniform> params: Params;
@group(0) @binding(1) var<storage, read> src: array<f32>;
@group(0) @binding(2) var<storage, read_write> dst: array<f32>;

@compute @workgroup_size(8, 8)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    if (gid.x >= params.out_w || gid.y >= params.out_h) {
        return;
    }
    let i = (gid.y * params.out_w + gid.x) * 4u;
    dst[i]      = (src[i]      - params.black) * params.gain;
    dst[i + 1u] = (src[i + 1u] - params.black) * params.gain;
    dst[i + 2u] = (src[i + 2u] - params.black) * params.gain;
    dst[i + 3u] = src[i + 3u];
}
`

// convertWGSL converts a buffer between working color spaces in place.
// The math mirrors the host conversion path: linear Rec.709 over a D50
// XYZ bridge for Lab, the sRGB transfer curve for display.
const convertWGSL = `
struct Params {
    npix: u32,
    from_cs: u32,
    to_cs: u32,
    pad: u32,
}

@group(0) @binding(0) var<uniform> params: Params;
@group(0) @binding(1) var<storage, read_write> px: array<f32>;

const CS_LAB: u32 = 2u;
const CS_DISPLAY: u32 = 3u;

const LAB_EPS: f32 = 0.008856452;
const LAB_KAPPA: f32 = 903.2962963;

const D50: vec3<f32> = vec3<f32>(0.9642, 1.0, 0.8249);

fn lab_f(t: f32) -> f32 {
    if (t > LAB_EPS) {
        return pow(t, 1.0 / 3.0);
    }
    return (LAB_KAPPA * t + 16.0) / 116.0;
}

fn lab_f_inv(t: f32) -> f32 {
    let t3 = t * t * t;
    if (t3 > LAB_EPS) {
        return t3;
    }
    return (116.0 * t - 16.0) / LAB_KAPPA;
}

fn rgb_to_lab(c: vec3<f32>) -> vec3<f32> {
    let x = 0.4360747 * c.x + 0.3850649 * c.y + 0.1430804 * c.z;
    let y = 0.2225045 * c.x + 0.7168786 * c.y + 0.0606169 * c.z;
    let z = 0.0139322 * c.x + 0.0971045 * c.y + 0.7141733 * c.z;
    let fx = lab_f(x / D50.x);
    let fy = lab_f(y / D50.y);
    let fz = lab_f(z / D50.z);
    return vec3<f32>(116.0 * fy - 16.0, 500.0 * (fx - fy), 200.0 * (fy - fz));
}

fn lab_to_rgb(c: vec3<f32>) -> vec3<f32> {
    let fy = (c.x + 16.0) / 116.0;
    let fx = fy + c.y / 500.0;
    let fz = fy - c.z / 200.0;
    let x = D50.x * lab_f_inv(fx);
    let y = D50.y * lab_f_inv(fy);
    let z = D50.z * lab_f_inv(fz);
    return vec3<f32>(
        3.1338561 * x - 1.6168667 * y - 0.4906146 * z,
        -0.9787684 * x + 1.9161415 * y + 0.0334540 * z,
        0.0719453 * x - 0.2289914 * y + 1.4052427 * z,
    );
}

fn to_display_1(v: f32) -> f32 {
    if (v <= 0.0) {
        return 0.0;
    }
    if (v <= 0.0031308) {
        return 12.92 * v;
    }
    return 1.055 * pow(v, 1.0 / 2.4) - 0.055;
}

fn from_display_1(v: f32) -> f32 {
    if (v <= 0.0) {
        return 0.0;
    }
    if (v <= 0.04045) {
        return v / 12.92;
    }
    return pow((v + 0.055) / 1.055, 2.4);
}

fn to_display(c: vec3<f32>) -> vec3<f32> {
    return vec3<f32>(to_display_1(c.x), to_display_1(c.y), to_display_1(c.z));
}

fn from_display(c: vec3<f32>) -> vec3<f32> {
    return vec3<f32>(from_display_1(c.x), from_display_1(c.y), from_display_1(c.z));
}

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let i = gid.x;
    if (i >= params.npix) {
        return;
    }
    let o = i * 4u;
    var c = vec3<f32>(px[o], px[o + 1u], px[o + 2u]);
    if (params.from_cs == CS_LAB) {
        c = lab_to_rgb(c);
    } else if (params.from_cs == CS_DISPLAY) {
        c = from_display(c);
    }
    if (params.to_cs == CS_LAB) {
        c = rgb_to_lab(c);
    } else if (params.to_cs == CS_DISPLAY) {
        c = to_display(c);
    }
    px[o] = c.x;
    px[o + 1u] = c.y;
    px[o + 2u] = c.z;
}
`

// histogramWGSL bins a buffer into 4x256 counters (R, G, B, luma) with
// atomic adds. The bins buffer must be zero-filled before dispatch.
const histogramWGSL = `
struct Params {
    npix: u32,
    pad0: u32,
    pad1: u32,
    pad2: u32,
}

@group(0) @binding(0) var<uniform> params: Params;
@group(0) @binding(1) var<storage, read> src: array<f32>;
@group(0) @binding(2) var<storage, read_write> bins: array<atomic<u32>, 1024>;

fn bin_of(v: f32) -> u32 {
    let b = i32(v * 256.0);
    return u32(clamp(b, 0, 255));
}

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let i = gid.x;
    if (i >= params.npix) {
        return;
    }
    let o = i * 4u;
    let r = src[o];
    let g = src[o + 1u];
    let b = src[o + 2u];
    atomicAdd(&bins[bin_of(r)], 1u);
    atomicAdd(&bins[256u + bin_of(g)], 1u);
    atomicAdd(&bins[512u + bin_of(b)], 1u);
    let luma = 0.2126 * r + 0.7152 * g + 0.0722 * b;
    atomicAdd(&bins[768u + bin_of(luma)], 1u);
}
`
