package stages

import (
	"testing"

	"github.com/anselgo/pixelpipe"
)

func TestOpacityBlend(t *testing.T) {
	roi := pixelpipe.FullFrame(2, 1)
	in := []float32{0, 0, 0, 1, 1, 1, 1, 1}
	out := []float32{1, 1, 1, 1, 0, 0, 0, 1}

	b := OpacityBlend{Opacity: 0.25}
	if err := b.Blend(in, out, roi, roi, nil); err != nil {
		t.Fatal(err)
	}
	// out = in + (out-in)*0.25
	if out[0] != 0.25 {
		t.Errorf("pixel 0 = %g, want 0.25", out[0])
	}
	if out[4] != 0.75 {
		t.Errorf("pixel 1 = %g, want 0.75", out[4])
	}
	if out[3] != 1 || out[7] != 1 {
		t.Error("alpha must pass through untouched")
	}
}

func TestOpacityBlendWithMask(t *testing.T) {
	roi := pixelpipe.FullFrame(2, 1)
	in := []float32{0, 0, 0, 1, 0, 0, 0, 1}
	out := []float32{1, 1, 1, 1, 1, 1, 1, 1}
	mask := []float32{1, 0}

	b := OpacityBlend{Opacity: 1}
	if err := b.Blend(in, out, roi, roi, mask); err != nil {
		t.Fatal(err)
	}
	if out[0] != 1 {
		t.Errorf("masked-in pixel = %g, want the stage output 1", out[0])
	}
	if out[4] != 0 {
		t.Errorf("masked-out pixel = %g, want the input 0", out[4])
	}
}

func TestOpacityBlendColorSpaceFollowsOutput(t *testing.T) {
	b := OpacityBlend{Opacity: 1}
	if got := b.BlendColorSpace(pixelpipe.ColorSpaceLab); got != pixelpipe.ColorSpaceLab {
		t.Errorf("BlendColorSpace = %v", got)
	}
}
