package graph

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/dverbeek/synthd/pkg/models"
)

// BuildRequest describes one job's graph construction.
type BuildRequest struct {
	Base            Graph
	JobID           string
	OutputDirPrefix string
	RefRel          string
	SrcRels         []string
	Params          *models.Params
	Debug           bool

	// InputDir is the directory the engine loads input files from. Empty
	// skips the on-disk existence check.
	InputDir string

	// SeedFn overrides the random seed source. Nil uses math/rand.
	SeedFn func() int64
}

// BuildResult is a job-ready execution graph.
type BuildResult struct {
	Graph Graph

	// OutputNodeID designates the node whose images are the job's primary
	// results.
	OutputNodeID string

	// Seed is the sampler seed actually used, pinned or drawn.
	Seed int64
}

// Build deep-copies the template and rewrites it for one job: input files,
// prompts, sampler parameters, per-source adapter chain, job-scoped output
// prefix. The returned graph shares nothing with the template.
func Build(req BuildRequest) (*BuildResult, error) {
	if req.RefRel == "" {
		return nil, fmt.Errorf("build: reference image is required")
	}
	params := req.Params
	if params == nil {
		params = &models.Params{}
	}

	g, err := req.Base.Clone()
	if err != nil {
		return nil, err
	}
	a := resolveAnchors(g)

	// Input filenames; the engine reads them from its own input directory.
	setInput(g, a.refLoad, "image", req.RefRel)
	firstSrc := req.RefRel
	if len(req.SrcRels) > 0 {
		firstSrc = req.SrcRels[0]
	}
	setInput(g, a.srcLoad, "image", firstSrc)

	// Output grouping keyed by job id keeps tenants' results apart on the
	// engine's disk.
	setInput(g, a.saveImage, "filename_prefix",
		fmt.Sprintf("%s/%s/final", req.OutputDirPrefix, req.JobID))

	applyPrompts(g, a, params)
	applyLatentSize(g, a, params)
	seed := applySampler(g, a, params, req.SeedFn)
	applyEdgeThresholds(g, a, params)
	applyStructureWindows(g, a, params)

	lastAdapter := applyAdapterOverrides(g, a, params)
	lastAdapter = chainExtraSources(g, a, params, req.SrcRels, lastAdapter)

	// The sampler must consume the end of the adapter chain. Templates
	// without an adapter track keep their original model wiring.
	if _, ok := g[lastAdapter]; ok {
		setInput(g, a.sampler, "model", Ref(lastAdapter, 0))
	}

	if req.Debug {
		debugID := g.NextNodeID()
		g[debugID] = &Node{
			ClassType: "SaveImage",
			Inputs: map[string]interface{}{
				"filename_prefix": fmt.Sprintf("%s/%s/debug/edges", req.OutputDirPrefix, req.JobID),
				"images":          Ref(a.edge, 0),
			},
			Meta: &Meta{Title: "DEBUG Save Edges"},
		}
	}

	if err := checkInputs(g, req); err != nil {
		return nil, err
	}

	return &BuildResult{Graph: g, OutputNodeID: a.saveImage, Seed: seed}, nil
}

func setInput(g Graph, nodeID, key string, value interface{}) {
	if node, ok := g[nodeID]; ok && node != nil && node.Inputs != nil {
		node.Inputs[key] = value
	}
}

func applyPrompts(g Graph, a anchors, params *models.Params) {
	if s := strings.TrimSpace(params.PositivePrompt); s != "" {
		setInput(g, a.posPrompt, "text", s)
	}
	if s := strings.TrimSpace(params.NegativePrompt); s != "" {
		setInput(g, a.negPrompt, "text", s)
	}
}

// align64 floors to the latent grid with a 256 minimum.
func align64(n int) int {
	aligned := (n / 64) * 64
	if aligned < 256 {
		return 256
	}
	return aligned
}

func applyLatentSize(g Graph, a anchors, params *models.Params) {
	if params.Width != nil && *params.Width > 0 {
		setInput(g, a.emptyLatent, "width", align64(*params.Width))
	}
	if params.Height != nil && *params.Height > 0 {
		setInput(g, a.emptyLatent, "height", align64(*params.Height))
	}
}

func applySampler(g Graph, a anchors, params *models.Params, seedFn func() int64) int64 {
	var seed int64
	if params.Seed != nil {
		seed = *params.Seed
	} else if seedFn != nil {
		seed = seedFn()
	} else {
		// Random per job so repeated submissions are independent.
		seed = rand.Int63n(1 << 31)
	}
	setInput(g, a.sampler, "seed", seed)

	if params.Steps != nil {
		setInput(g, a.sampler, "steps", *params.Steps)
	}
	if params.Guidance != nil {
		setInput(g, a.sampler, "cfg", *params.Guidance)
	}
	if s := strings.TrimSpace(params.SamplerName); s != "" {
		setInput(g, a.sampler, "sampler_name", s)
	}
	if s := strings.TrimSpace(params.Scheduler); s != "" {
		setInput(g, a.sampler, "scheduler", s)
	}
	if params.Denoise != nil {
		setInput(g, a.sampler, "denoise", *params.Denoise)
	}
	return seed
}

func applyEdgeThresholds(g Graph, a anchors, params *models.Params) {
	if params.EdgeLow != nil {
		setInput(g, a.edge, "low_threshold", *params.EdgeLow)
	}
	if params.EdgeHigh != nil {
		setInput(g, a.edge, "high_threshold", *params.EdgeHigh)
	}
}

func applyWindow(g Graph, nodeID string, strength, start, end *float64) {
	if strength != nil {
		setInput(g, nodeID, "strength", *strength)
	}
	if start != nil {
		setInput(g, nodeID, "start_percent", *start)
	}
	if end != nil {
		setInput(g, nodeID, "end_percent", *end)
	}
}

// applyStructureWindows supports both template generations: dual apply
// nodes (edge + depth tracks) and the legacy single apply node.
func applyStructureWindows(g Graph, a anchors, params *models.Params) {
	edgeApply := g.FindByTitle("CONTROLNET_APPLY_CANNY", "ControlNetApplyAdvanced")
	if edgeApply == "" {
		edgeApply = g.FindByTitle("ControlNetApply (Canny)", "ControlNetApplyAdvanced")
	}
	depthApply := g.FindByTitle("CONTROLNET_APPLY_DEPTH", "ControlNetApplyAdvanced")
	if depthApply == "" {
		depthApply = g.FindByTitle("ControlNetApply (Depth)", "ControlNetApplyAdvanced")
	}

	if edgeApply == "" && depthApply == "" {
		applyWindow(g, a.structApply, params.StructStrength, params.StructStart, params.StructEnd)
		return
	}

	if edgeApply != "" {
		applyWindow(g, edgeApply, params.StructStrength, params.StructStart, params.StructEnd)
	}
	if depthApply != "" {
		strength := valueOr(params.DepthStrength, 1.0)
		start := valueOr(params.DepthStart, 0.0)
		end := valueOr(params.DepthEnd, 1.0)
		applyWindow(g, depthApply, &strength, &start, &end)
	}
}

func valueOr(p *float64, def float64) float64 {
	if p != nil {
		return *p
	}
	return def
}

// ensurePrep inserts a crop-avoidance preprocessing node in front of an
// adapter image input. The prep id must be allocated before the consumer's,
// or the consumer would overwrite it and link to itself.
func ensurePrep(g Graph, params *models.Params, imageRef []interface{}, title string) []interface{} {
	if strings.TrimSpace(params.CropPosition) == "" {
		return imageRef
	}
	interpolation := strings.TrimSpace(params.Interpolation)
	if interpolation == "" {
		interpolation = "LANCZOS"
	}
	sharpening := 0.0
	if params.Sharpening != nil {
		sharpening = *params.Sharpening
	}

	prepID := g.NextNodeID()
	g[prepID] = &Node{
		ClassType: "PrepImageForClipVision",
		Inputs: map[string]interface{}{
			"image":         imageRef,
			"interpolation": interpolation,
			"crop_position": strings.TrimSpace(params.CropPosition),
			"sharpening":    sharpening,
		},
		Meta: &Meta{Title: title},
	}
	return Ref(prepID, 0)
}

func applyAdapterOverrides(g Graph, a anchors, params *models.Params) string {
	node, ok := g[a.adapterAdv]
	if !ok || node == nil || node.Inputs == nil {
		return a.adapterAdv
	}

	if strings.TrimSpace(params.CropPosition) != "" {
		node.Inputs["image"] = ensurePrep(g, params, Ref(a.srcLoad, 0), "Prep SRC_0 for ClipVision")
	}
	if params.MaskMode == "none" {
		delete(node.Inputs, "attn_mask")
	}

	if len(params.AdapterWeights) > 0 {
		node.Inputs["weight"] = params.AdapterWeights[0]
	}
	if len(params.AdapterWeightTypes) > 0 && strings.TrimSpace(params.AdapterWeightTypes[0]) != "" {
		node.Inputs["weight_type"] = strings.TrimSpace(params.AdapterWeightTypes[0])
	}
	if len(params.AdapterStarts) > 0 {
		node.Inputs["start_at"] = params.AdapterStarts[0]
	}
	if len(params.AdapterEnds) > 0 {
		node.Inputs["end_at"] = params.AdapterEnds[0]
	}
	if s := strings.TrimSpace(params.AdapterEmbedsScaling); s != "" {
		node.Inputs["embeds_scaling"] = s
	}
	if s := strings.TrimSpace(params.AdapterCombineEmbeds); s != "" {
		node.Inputs["combine_embeds"] = s
	}
	return a.adapterAdv
}

// chainExtraSources appends one load + adapter pair per source beyond the
// first, threading the model input through the chain so every source
// contributes.
func chainExtraSources(g Graph, a anchors, params *models.Params, srcRels []string, lastAdapter string) string {
	base := g[a.adapterAdv]
	if base == nil {
		// No adapter track to extend; extra sources are ignored.
		return lastAdapter
	}

	for i := 1; i < len(srcRels); i++ {
		loadID := g.NextNodeID()
		g[loadID] = &Node{
			ClassType: "LoadImage",
			Inputs:    map[string]interface{}{"image": srcRels[i]},
			Meta:      &Meta{Title: fmt.Sprintf("SRC_%d", i)},
		}

		imageRef := ensurePrep(g, params, Ref(loadID, 0),
			fmt.Sprintf("Prep SRC_%d for ClipVision", i))
		adapterID := g.NextNodeID()

		inputs := map[string]interface{}{
			"model":          Ref(lastAdapter, 0),
			"ipadapter":      Ref(a.adapterModel, 0),
			"image":          imageRef,
			"weight":         indexOr(params.AdapterWeights, i, baseInput(base, "weight", 0.8)),
			"weight_type":    indexOrString(params.AdapterWeightTypes, i, baseInputString(base, "weight_type", "style transfer")),
			"combine_embeds": baseInputString(base, "combine_embeds", "concat"),
			"start_at":       indexOr(params.AdapterStarts, i, baseInput(base, "start_at", 0)),
			"end_at":         indexOr(params.AdapterEnds, i, baseInput(base, "end_at", 1)),
			"embeds_scaling": baseInputString(base, "embeds_scaling", "V only"),
			"clip_vision":    Ref(a.visionLoader, 0),
		}
		g[adapterID] = &Node{
			ClassType: "IPAdapterAdvanced",
			Inputs:    inputs,
			Meta:      &Meta{Title: fmt.Sprintf("IPAdapterAdvanced SRC_%d", i)},
		}
		lastAdapter = adapterID
	}
	return lastAdapter
}

func indexOr(vals []float64, i int, def interface{}) interface{} {
	if i < len(vals) {
		return vals[i]
	}
	return def
}

func indexOrString(vals []string, i int, def string) string {
	if i < len(vals) && strings.TrimSpace(vals[i]) != "" {
		return strings.TrimSpace(vals[i])
	}
	return def
}

func baseInput(base *Node, key string, def interface{}) interface{} {
	if base != nil && base.Inputs != nil {
		if v, ok := base.Inputs[key]; ok {
			return v
		}
	}
	return def
}

func baseInputString(base *Node, key, def string) string {
	if base != nil && base.Inputs != nil {
		if s, ok := base.Inputs[key].(string); ok && s != "" {
			return s
		}
	}
	return def
}

// checkInputs is the cross-job leakage control: every file an input-loader
// references must be one of this job's persisted inputs, and must exist
// where the engine will read it.
func checkInputs(g Graph, req BuildRequest) error {
	allowed := map[string]bool{req.RefRel: true}
	for _, rel := range req.SrcRels {
		allowed[rel] = true
	}

	for id, node := range g {
		if node == nil || node.ClassType != "LoadImage" {
			continue
		}
		rel, ok := node.Inputs["image"].(string)
		if !ok {
			continue // Linked input, not a file reference.
		}
		if !allowed[rel] {
			return fmt.Errorf("graph node %s references file %q outside the job's input set", id, rel)
		}
		if req.InputDir != "" {
			path := filepath.Join(req.InputDir, filepath.FromSlash(rel))
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("graph node %s input file missing: %s", id, path)
			}
		}
	}
	return nil
}
