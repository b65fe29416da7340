package stages

import (
	"math"
	"testing"

	"github.com/anselgo/pixelpipe"
)

func newBlur(r int) *blurStage {
	return &blurStage{params: BlurParams{Radius: r}, hash: hashFloats("blur", float32(r))}
}

func TestBlurZeroRadiusCopies(t *testing.T) {
	const w, h = 8, 4
	in := gradient(w, h)
	out := runStage(t, newBlur(0), in, w, h)
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("sample %d changed with radius 0", i)
		}
	}
}

func TestBlurPreservesConstantPlane(t *testing.T) {
	const w, h = 10, 10
	in := make([]float32, w*h*4)
	for i := range in {
		in[i] = 0.5
	}
	out := runStage(t, newBlur(3), in, w, h)
	for i, v := range out {
		if math.Abs(float64(v-0.5)) > 1e-5 {
			t.Fatalf("sample %d = %g, constant plane not preserved", i, v)
		}
	}
}

func TestBlurAveragesImpulse(t *testing.T) {
	// A single bright pixel in the middle of a 5x5 black plane, radius 1:
	// the separable box spreads it over a 3x3 neighborhood at 1/9 each.
	const w, h = 5, 5
	in := make([]float32, w*h*4)
	in[(2*w+2)*4] = 9
	out := runStage(t, newBlur(1), in, w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			want := float32(0)
			if x >= 1 && x <= 3 && y >= 1 && y <= 3 {
				want = 1
			}
			got := out[(y*w+x)*4]
			if math.Abs(float64(got-want)) > 1e-5 {
				t.Fatalf("pixel %d,%d = %g, want %g", x, y, got, want)
			}
		}
	}
}

func TestBlurRadiusAtScale(t *testing.T) {
	s := newBlur(8)
	cases := []struct {
		scale float32
		want  int
	}{
		{1, 8},
		{0.5, 4},
		{0.25, 2},
		{0.01, 1}, // never collapses to 0 while a blur is requested
	}
	for _, tc := range cases {
		if got := s.radiusAt(tc.scale); got != tc.want {
			t.Errorf("radiusAt(%g) = %d, want %d", tc.scale, got, tc.want)
		}
	}
}

func TestBlurTilingOverlap(t *testing.T) {
	s := newBlur(8)
	out := pixelpipe.ROI{Width: 100, Height: 100, Scale: 0.5}
	req := s.Tiling(out, out)
	if req.Overlap != 4 {
		t.Errorf("Overlap = %d, want the scaled radius 4", req.Overlap)
	}
}

func TestBlurFactoryRejectsNegativeRadius(t *testing.T) {
	p := pixelpipe.NewDummy(pixelpipe.NewDeviceService())
	t.Cleanup(p.Close)
	p.SetInput(gradient(4, 4), 4, 4, pixelpipe.ImageID{ID: 1})
	cfg := []pixelpipe.StageConfig{{Op: "blur", Params: BlurParams{Radius: -1}, Enabled: true}}
	if err := p.SetStages(cfg); err == nil {
		t.Fatal("negative radius accepted")
	}
}
