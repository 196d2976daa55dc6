package graph

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// TierFilename maps a template tier to its file under the template
// directory.
func TierFilename(tier string) string {
	return fmt.Sprintf("template.%s.json", tier)
}

// LoadTemplate reads one tier's template from dir.
func LoadTemplate(dir, tier string) (Graph, error) {
	path := filepath.Join(dir, TierFilename(tier))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template %s: %w", path, err)
	}
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("failed to parse template %s: %w", path, err)
	}
	if len(g) == 0 {
		return nil, fmt.Errorf("template %s is empty", path)
	}
	return g, nil
}

// LoadTemplates reads every configured tier. All tiers must be present: a
// missing template file is a deployment error, not a runtime fallback.
func LoadTemplates(dir string, tiers []string) (map[string]Graph, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("no template tiers configured")
	}
	templates := make(map[string]Graph, len(tiers))
	for _, tier := range tiers {
		g, err := LoadTemplate(dir, tier)
		if err != nil {
			return nil, err
		}
		templates[tier] = g
	}
	return templates, nil
}
