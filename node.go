package pixelpipe

import "fmt"

// StageConfig is one entry of the global stage configuration a pipeline is
// built from. The pipeline deep-copies the configuration at (re)build time
// by instantiating a fresh stage per node through the registry, so edits to
// the global configuration never race a running pipeline.
type StageConfig struct {
	Op      string
	Params  any
	Enabled bool
	Blend   *BlendConfig
}

// node is one position of the stage graph: an instantiated stage plus the
// per-run planning state the engine computes for it. Nodes are owned by
// exactly one pipeline and torn down with it.
type node struct {
	stage   Stage
	enabled bool
	pos     int

	// state is the opaque working state from Stage.InitState, owned
	// exclusively by this node.
	state any

	// paramHash caches stage.ParamHash() at build time (committed
	// snapshots never change after commit).
	paramHash uint64

	// globalHash is the cumulative hash; see computeGlobalHash.
	globalHash  uint64
	bypassCache bool

	// Forward-pass regions (UI coordinate mapping).
	bufIn, bufOut ROI

	// Backward-pass regions, authoritative for execution.
	plannedROIIn, plannedROIOut ROI

	// Regions actually used by the last run.
	processedROIIn, processedROIOut ROI

	// Formats observed during the last run.
	dscIn, dscOut Format

	blend *BlendConfig

	// rasterMasks maps mask ids to lazily computed mask planes. Owned by
	// the node, invalidated at the start of every pipeline run.
	rasterMasks map[MaskID][]float32

	// histogram side channel; see histogram.go.
	wantsHistogram bool
}

// buildNodes instantiates the node list from a configuration, ordered by
// the registered total ordering over operations. Caller holds busyMu.
func (p *Pipeline) buildNodes(configs []StageConfig) error {
	sorted := sortConfigs(configs)
	nodes := make([]*node, 0, len(sorted))
	for i, cfg := range sorted {
		if _, ok := stageOrder(cfg.Op); !ok {
			p.teardownNodes(nodes)
			return fmt.Errorf("pixelpipe: unknown stage %q", cfg.Op)
		}
		st, err := newStage(cfg.Op, cfg.Params)
		if err != nil {
			p.teardownNodes(nodes)
			return fmt.Errorf("pixelpipe: building %q: %w", cfg.Op, err)
		}
		state, err := st.InitState()
		if err != nil {
			p.teardownNodes(nodes)
			return fmt.Errorf("pixelpipe: init state for %q: %w", cfg.Op, err)
		}
		hs, _ := st.(HistogramSource)
		nodes = append(nodes, &node{
			stage:          st,
			enabled:        cfg.Enabled,
			pos:            i,
			state:          state,
			paramHash:      st.ParamHash(),
			blend:          cfg.Blend,
			rasterMasks:    make(map[MaskID][]float32),
			wantsHistogram: hs != nil && hs.WantsHistogram(),
		})
	}
	p.nodes = nodes
	return nil
}

// teardownNodes releases per-node stage state. Caller holds busyMu.
func (p *Pipeline) teardownNodes(nodes []*node) {
	for _, n := range nodes {
		n.stage.FreeState(n.state)
		n.state = nil
		n.rasterMasks = nil
	}
}

// resetRunState drops the per-run lazily computed node data (raster masks)
// before a new run. Caller holds busyMu.
func (p *Pipeline) resetRunState() {
	for _, n := range p.nodes {
		if len(n.rasterMasks) > 0 {
			n.rasterMasks = make(map[MaskID][]float32)
		}
	}
}

// lastEnabledNode returns the last enabled node, or nil if none.
func (p *Pipeline) lastEnabledNode() *node {
	for i := len(p.nodes) - 1; i >= 0; i-- {
		if p.nodes[i].enabled {
			return p.nodes[i]
		}
	}
	return nil
}

// findNode returns the node running op, or nil.
func (p *Pipeline) findNode(op string) *node {
	for _, n := range p.nodes {
		if n.stage.Name() == op {
			return n
		}
	}
	return nil
}

// DisableAfter disables every node positioned after op (exclusive).
// Returns an error if op is not in the pipeline. Used by GUI modes that
// preview an intermediate point of the chain.
func (p *Pipeline) DisableAfter(op string) error {
	p.busyMu.Lock()
	defer p.busyMu.Unlock()

	tgt := p.findNode(op)
	if tgt == nil {
		return fmt.Errorf("pixelpipe: unknown stage %q", op)
	}
	for _, n := range p.nodes {
		if n.pos > tgt.pos {
			n.enabled = false
		}
	}
	return nil
}

// DisableBefore disables every node positioned before op (exclusive).
func (p *Pipeline) DisableBefore(op string) error {
	p.busyMu.Lock()
	defer p.busyMu.Unlock()

	tgt := p.findNode(op)
	if tgt == nil {
		return fmt.Errorf("pixelpipe: unknown stage %q", op)
	}
	for _, n := range p.nodes {
		if n.pos < tgt.pos {
			n.enabled = false
		}
	}
	return nil
}
