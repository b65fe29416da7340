package pixelpipe

import "testing"

func TestROIAccessors(t *testing.T) {
	r := ROI{X: 3, Y: 4, Width: 10, Height: 5, Scale: 1}
	if r.Pixels() != 50 {
		t.Errorf("Pixels() = %d, want 50", r.Pixels())
	}
	if r.Empty() {
		t.Error("non-degenerate region reported empty")
	}
	if !(ROI{Width: 0, Height: 5}).Empty() {
		t.Error("zero-width region not reported empty")
	}
	full := FullFrame(8, 6)
	if full.X != 0 || full.Y != 0 || full.Width != 8 || full.Height != 6 || full.Scale != 1 {
		t.Errorf("FullFrame(8, 6) = %+v", full)
	}
}

func TestPropagateROIOutForwardPass(t *testing.T) {
	const w, h = 100, 80
	p := newTestPipeline(t, KindExport)
	p.SetInput(makeInput(w, h), w, h, ImageID{ID: 1})

	// ta halves the frame, tb passes it through.
	sa := newTestStage("ta", 1)
	sa.modOut = func(in ROI) ROI {
		in.Width /= 2
		in.Height /= 2
		return in
	}
	cfg := []StageConfig{
		{Op: "ta", Params: sa, Enabled: true},
		{Op: "tb", Params: newTestStage("tb", 1), Enabled: true},
	}
	if err := p.SetStages(cfg); err != nil {
		t.Fatal(err)
	}

	ow, oh := p.propagateROIOut(w, h)
	if ow != 50 || oh != 40 {
		t.Fatalf("processed size = %dx%d, want 50x40", ow, oh)
	}
	if got := p.nodes[0].bufIn; got != FullFrame(w, h) {
		t.Errorf("first node bufIn = %+v", got)
	}
	if got := p.nodes[0].bufOut; got.Width != 50 || got.Height != 40 {
		t.Errorf("first node bufOut = %+v", got)
	}
	if got := p.nodes[1].bufIn; got != p.nodes[0].bufOut {
		t.Errorf("second node bufIn = %+v, want upstream bufOut", got)
	}
}

func TestPropagateROIOutSkipsDisabled(t *testing.T) {
	const w, h = 100, 80
	p := newTestPipeline(t, KindExport)
	p.SetInput(makeInput(w, h), w, h, ImageID{ID: 1})

	sa := newTestStage("ta", 1)
	sa.modOut = func(in ROI) ROI {
		in.Width /= 2
		return in
	}
	cfg := []StageConfig{{Op: "ta", Params: sa, Enabled: false}}
	if err := p.SetStages(cfg); err != nil {
		t.Fatal(err)
	}
	if ow, oh := p.propagateROIOut(w, h); ow != w || oh != h {
		t.Fatalf("disabled node changed the output size: %dx%d", ow, oh)
	}
}

func TestPropagateROIInBackwardPass(t *testing.T) {
	const w, h = 100, 80
	p := newTestPipeline(t, KindExport)
	p.SetInput(makeInput(w, h), w, h, ImageID{ID: 1})

	// tb needs 2 pixels of context on every side, the way a convolution
	// stage would.
	sb := newTestStage("tb", 1)
	sb.modIn = func(out ROI) ROI {
		out.X -= 2
		out.Y -= 2
		out.Width += 4
		out.Height += 4
		return out
	}
	cfg := []StageConfig{
		{Op: "ta", Params: newTestStage("ta", 1), Enabled: true},
		{Op: "tb", Params: sb, Enabled: true},
	}
	if err := p.SetStages(cfg); err != nil {
		t.Fatal(err)
	}

	viewport := ROI{X: 10, Y: 10, Width: 40, Height: 30, Scale: 1}
	p.propagateROIOut(w, h)
	p.propagateROIIn(viewport)

	if got := p.nodes[1].plannedROIOut; got != viewport {
		t.Errorf("last node plannedROIOut = %+v, want the viewport", got)
	}
	wantIn := ROI{X: 8, Y: 8, Width: 44, Height: 34, Scale: 1}
	if got := p.nodes[1].plannedROIIn; got != wantIn {
		t.Errorf("padded plannedROIIn = %+v, want %+v", got, wantIn)
	}
	// The padding must be pushed upstream: ta has to produce the padded
	// region, not the viewport.
	if got := p.nodes[0].plannedROIOut; got != wantIn {
		t.Errorf("upstream plannedROIOut = %+v, want %+v", got, wantIn)
	}
}

func TestPropagateROIInStablePlanning(t *testing.T) {
	const w, h = 100, 80
	p := newTestPipeline(t, KindExport)
	p.SetInput(makeInput(w, h), w, h, ImageID{ID: 1})
	cfg := []StageConfig{{Op: "ta", Params: newTestStage("ta", 1), Enabled: true}}
	if err := p.SetStages(cfg); err != nil {
		t.Fatal(err)
	}

	viewport := ROI{X: 5, Y: 5, Width: 20, Height: 20, Scale: 1}
	p.propagateROIOut(w, h)
	p.propagateROIIn(viewport)
	first := p.nodes[0].plannedROIIn
	p.propagateROIIn(viewport)
	if p.nodes[0].plannedROIIn != first {
		t.Error("replanning with identical inputs changed the planned region")
	}
}
