package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dverbeek/synthd/pkg/logging"
	"github.com/dverbeek/synthd/pkg/models"
)

// Compiler turns a job's parameters into an engine-ready graph, picking the
// richest template tier the engine can actually run.
type Compiler struct {
	templates map[string]Graph
	tiers     []string // Most- to least-featured.
	logger    *logging.Logger
}

func NewCompiler(templates map[string]Graph, tiers []string, logger *logging.Logger) *Compiler {
	return &Compiler{templates: templates, tiers: tiers, logger: logger}
}

// CompileResult is the built graph plus the tier it came from.
type CompileResult struct {
	BuildResult
	Tier string
}

// Compile attempts tiers from the requested one downward. A tier qualifies
// when every node class type it references appears in the capability
// manifest; a nil manifest skips the check (best effort). Strict mode never
// falls back: the requested tier either qualifies or the compile fails
// naming the unsupported types.
func (c *Compiler) Compile(req BuildRequest, params *models.Params, capabilities map[string]bool) (*CompileResult, error) {
	requested := ""
	strict := false
	if params != nil {
		requested = params.TemplateTier
		strict = params.TemplateStrict
	}

	candidates := c.candidateTiers(requested)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no template tier matches %q", requested)
	}
	if strict {
		candidates = candidates[:1]
	}

	var lastMissing []string
	var lastTier string
	for _, tier := range candidates {
		base, ok := c.templates[tier]
		if !ok {
			continue
		}
		req.Base = base
		req.Params = params
		built, err := Build(req)
		if err != nil {
			// Compiler errors are fatal; a lesser tier would hit them too.
			return nil, err
		}

		missing := unsupportedTypes(built.Graph, capabilities)
		if len(missing) == 0 {
			if tier != candidates[0] {
				c.logger.Info("template tier fallback", map[string]interface{}{
					"job_id":    req.JobID,
					"requested": candidates[0],
					"used":      tier,
				})
			}
			return &CompileResult{BuildResult: *built, Tier: tier}, nil
		}
		lastMissing, lastTier = missing, tier
	}

	if strict {
		return nil, fmt.Errorf("tier %q requires unsupported node types: %s",
			candidates[0], strings.Join(lastMissing, ", "))
	}
	return nil, fmt.Errorf("no template tier is supported by the engine (tier %q missing: %s)",
		lastTier, strings.Join(lastMissing, ", "))
}

// candidateTiers returns the fallback order starting at the requested tier.
// Unknown or empty requests start at the most-featured tier.
func (c *Compiler) candidateTiers(requested string) []string {
	start := 0
	for i, tier := range c.tiers {
		if tier == requested {
			start = i
			break
		}
	}
	return c.tiers[start:]
}

func unsupportedTypes(g Graph, capabilities map[string]bool) []string {
	if capabilities == nil {
		return nil
	}
	var missing []string
	for _, classType := range g.ClassTypes() {
		if !capabilities[classType] {
			missing = append(missing, classType)
		}
	}
	sort.Strings(missing)
	return missing
}
