package stages

import (
	"math"
	"testing"

	"github.com/anselgo/pixelpipe"
)

func newZoom(f float32) *zoomStage {
	return &zoomStage{params: ZoomParams{Factor: f}, hash: hashFloats("zoom", f)}
}

func TestZoomModifyROI(t *testing.T) {
	s := newZoom(0.5)

	out := s.ModifyROIOut(pixelpipe.FullFrame(100, 80))
	if out.Width != 50 || out.Height != 40 || out.Scale != 0.5 {
		t.Errorf("ModifyROIOut = %+v, want 50x40 at scale 0.5", out)
	}

	in := s.ModifyROIIn(pixelpipe.ROI{X: 10, Y: 10, Width: 50, Height: 40, Scale: 0.5})
	if in.X != 20 || in.Y != 20 || in.Width != 100 || in.Height != 80 {
		t.Errorf("ModifyROIIn = %+v, want 100x80+20+20", in)
	}
	if in.Scale != 1 {
		t.Errorf("ModifyROIIn scale = %g, want 1", in.Scale)
	}
}

func TestZoomProcessDownscalesConstantPlane(t *testing.T) {
	const w, h = 16, 16
	in := make([]float32, w*h*4)
	for i := range in {
		in[i] = 0.5
	}
	s := newZoom(0.5)
	roiIn := pixelpipe.FullFrame(w, h)
	roiOut := pixelpipe.ROI{Width: 8, Height: 8, Scale: 0.5}
	out := make([]float32, roiOut.Pixels()*4)
	if err := s.Process(nil, in, out, roiIn, roiOut); err != nil {
		t.Fatal(err)
	}
	for i, v := range out {
		// The resampler bridges through 16 bit, allow one quantization step.
		if math.Abs(float64(v-0.5)) > 1.0/65535+1e-6 {
			t.Fatalf("sample %d = %g, constant plane not preserved", i, v)
		}
	}
}

func TestZoomDistortMaskNearestNeighbor(t *testing.T) {
	s := newZoom(0.5)
	roiIn := pixelpipe.FullFrame(8, 8)
	roiOut := pixelpipe.ROI{Width: 4, Height: 4, Scale: 0.5}

	// Left input half set: the left output half must come out set.
	mask := make([]float32, roiIn.Pixels())
	for y := 0; y < 8; y++ {
		for x := 0; x < 4; x++ {
			mask[y*8+x] = 1
		}
	}
	out, err := s.DistortMask(nil, mask, roiIn, roiOut)
	if err != nil {
		t.Fatal(err)
	}
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			want := float32(0)
			if x < 2 {
				want = 1
			}
			if out[y*4+x] != want {
				t.Fatalf("mask %d,%d = %g, want %g", x, y, out[y*4+x], want)
			}
		}
	}
}

func TestZoomFactoryRejectsNonPositiveFactor(t *testing.T) {
	p := pixelpipe.NewDummy(pixelpipe.NewDeviceService())
	t.Cleanup(p.Close)
	p.SetInput(gradient(4, 4), 4, 4, pixelpipe.ImageID{ID: 1})
	for _, f := range []float32{0, -1} {
		cfg := []pixelpipe.StageConfig{{Op: "zoom", Params: ZoomParams{Factor: f}, Enabled: true}}
		if err := p.SetStages(cfg); err == nil {
			t.Fatalf("factor %g accepted", f)
		}
	}
}
