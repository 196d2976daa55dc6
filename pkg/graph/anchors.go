package graph

// anchors are the template nodes the builder rewrites. Resolution order:
// stable editor title (+ class type), then first-of-class fallback, then the
// historical numeric ids templates shipped with.
type anchors struct {
	posPrompt    string
	negPrompt    string
	emptyLatent  string
	sampler      string
	saveImage    string
	refLoad      string
	edge         string
	structApply  string
	srcLoad      string
	visionLoader string
	adapterModel string
	adapterAdv   string
}

type anchorHint struct {
	title     string
	classType string
	defaultID string
}

var anchorHints = map[string]anchorHint{
	"posPrompt":    {"POS_PROMPT", "CLIPTextEncode", "2"},
	"negPrompt":    {"NEG_PROMPT", "CLIPTextEncode", "3"},
	"emptyLatent":  {"Empty Latent", "EmptyLatentImage", "4"},
	"sampler":      {"KSampler", "KSampler", "5"},
	"saveImage":    {"SaveImage", "SaveImage", "7"},
	"refLoad":      {"REF_COMPOSITION", "LoadImage", "10"},
	"edge":         {"Canny Preprocessor", "Canny", "11"},
	"structApply":  {"ControlNetApply (Track A)", "ControlNetApplyAdvanced", "13"},
	"srcLoad":      {"SRC_FEATURE_STYLE", "LoadImage", "20"},
	"visionLoader": {"CLIPVisionLoader", "CLIPVisionLoader", "21"},
	"adapterModel": {"IPAdapterModelLoader", "IPAdapterModelLoader", "22"},
	"adapterAdv":   {"IPAdapterAdvanced (Track B)", "IPAdapterAdvanced", "23"},
}

func resolveAnchor(g Graph, key string) string {
	hint := anchorHints[key]
	if id := g.FindByTitle(hint.title, hint.classType); id != "" {
		return id
	}
	return hint.defaultID
}

func resolveAnchors(g Graph) anchors {
	a := anchors{
		posPrompt:    resolveAnchor(g, "posPrompt"),
		negPrompt:    resolveAnchor(g, "negPrompt"),
		emptyLatent:  resolveAnchor(g, "emptyLatent"),
		sampler:      resolveAnchor(g, "sampler"),
		saveImage:    resolveAnchor(g, "saveImage"),
		refLoad:      resolveAnchor(g, "refLoad"),
		edge:         resolveAnchor(g, "edge"),
		structApply:  resolveAnchor(g, "structApply"),
		srcLoad:      resolveAnchor(g, "srcLoad"),
		visionLoader: resolveAnchor(g, "visionLoader"),
		adapterModel: resolveAnchor(g, "adapterModel"),
		adapterAdv:   resolveAnchor(g, "adapterAdv"),
	}
	// A re-exported template may have lost the latent title entirely.
	hint := anchorHints["emptyLatent"]
	if g.FindByTitle(hint.title, hint.classType) == "" {
		if id := g.FindFirstByClass(hint.classType); id != "" {
			a.emptyLatent = id
		}
	}
	return a
}
