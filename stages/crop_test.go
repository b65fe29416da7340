package stages

import (
	"testing"

	"github.com/anselgo/pixelpipe"
)

func newCrop(p CropParams) *cropStage {
	return &cropStage{params: p, hash: hashFloats("crop",
		float32(p.Left), float32(p.Top), float32(p.Width), float32(p.Height))}
}

func TestCropModifyROI(t *testing.T) {
	s := newCrop(CropParams{Left: 10, Top: 20, Width: 40, Height: 30})

	in := pixelpipe.FullFrame(100, 80)
	out := s.ModifyROIOut(in)
	if out.Width != 40 || out.Height != 30 {
		t.Errorf("ModifyROIOut = %+v, want 40x30", out)
	}

	// At half scale the window shrinks with the working resolution.
	in.Scale = 0.5
	out = s.ModifyROIOut(in)
	if out.Width != 20 || out.Height != 15 {
		t.Errorf("ModifyROIOut at 0.5 = %+v, want 20x15", out)
	}

	// The backward pass shifts the consumed region by the crop origin.
	want := pixelpipe.ROI{X: 10, Y: 20, Width: 40, Height: 30, Scale: 1}
	got := s.ModifyROIIn(pixelpipe.ROI{Width: 40, Height: 30, Scale: 1})
	if got != want {
		t.Errorf("ModifyROIIn = %+v, want %+v", got, want)
	}
}

func TestCropModifyROIOutClampsToInput(t *testing.T) {
	s := newCrop(CropParams{Width: 500, Height: 500})
	out := s.ModifyROIOut(pixelpipe.FullFrame(100, 80))
	if out.Width != 100 || out.Height != 80 {
		t.Errorf("oversized window not clamped: %+v", out)
	}
}

func TestCropProcessCopiesWindow(t *testing.T) {
	s := newCrop(CropParams{Left: 0, Top: 0, Width: 3, Height: 2})
	in := gradient(5, 4)
	roiIn := pixelpipe.FullFrame(5, 4)
	roiOut := pixelpipe.ROI{Width: 3, Height: 2, Scale: 1}
	out := make([]float32, roiOut.Pixels()*4)
	if err := s.Process(nil, in, out, roiIn, roiOut); err != nil {
		t.Fatal(err)
	}
	for y := 0; y < 2; y++ {
		for x := 0; x < 3; x++ {
			if got, want := out[(y*3+x)*4], in[(y*5+x)*4]; got != want {
				t.Fatalf("pixel %d,%d = %g, want %g", x, y, got, want)
			}
		}
	}
}

func TestCropDistortMaskShiftsOrigin(t *testing.T) {
	s := newCrop(CropParams{Left: 2, Top: 1, Width: 3, Height: 2})
	roiIn := pixelpipe.FullFrame(6, 4)
	roiOut := pixelpipe.ROI{Width: 3, Height: 2, Scale: 1}

	mask := make([]float32, roiIn.Pixels())
	mask[1*6+2] = 1 // input pixel (2, 1): the crop window origin

	out, err := s.DistortMask(nil, mask, roiIn, roiOut)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != roiOut.Pixels() {
		t.Fatalf("mask length %d, want %d", len(out), roiOut.Pixels())
	}
	if out[0] != 1 {
		t.Error("window origin did not map to output (0, 0)")
	}
	for i := 1; i < len(out); i++ {
		if out[i] != 0 {
			t.Fatalf("output mask pixel %d unexpectedly set", i)
		}
	}
}

func TestCropFactoryRejectsEmptyWindow(t *testing.T) {
	p := pixelpipe.NewDummy(pixelpipe.NewDeviceService())
	t.Cleanup(p.Close)
	p.SetInput(gradient(4, 4), 4, 4, pixelpipe.ImageID{ID: 1})
	cfg := []pixelpipe.StageConfig{{Op: "crop", Params: CropParams{Width: 0, Height: 10}, Enabled: true}}
	if err := p.SetStages(cfg); err == nil {
		t.Fatal("empty crop window accepted")
	}
}
