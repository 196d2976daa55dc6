// Package graph builds concrete execution graphs for the compute engine from
// JSON templates. A graph is a flat map of node id → node; links between
// nodes are [source-id, output-index] pairs in the inputs map.
package graph

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Meta carries the editor-assigned node title. Titles are the stable anchor
// for resolution: numeric ids shift every time a template is re-exported.
type Meta struct {
	Title string `json:"title,omitempty"`
}

// Node is one operation in the execution graph.
type Node struct {
	Inputs    map[string]interface{} `json:"inputs"`
	ClassType string                 `json:"class_type"`
	Meta      *Meta                  `json:"_meta,omitempty"`
}

// Graph is a full execution graph keyed by node id.
type Graph map[string]*Node

// Ref builds a link to another node's output in the engine's wire format.
func Ref(nodeID string, outputIdx int) []interface{} {
	return []interface{}{nodeID, outputIdx}
}

// Title returns the node's editor title, or "".
func (n *Node) Title() string {
	if n == nil || n.Meta == nil {
		return ""
	}
	return n.Meta.Title
}

// Clone deep-copies the graph so per-job mutation never leaks into the
// shared template.
func (g Graph) Clone() (Graph, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("failed to clone graph: %w", err)
	}
	var out Graph
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to clone graph: %w", err)
	}
	return out, nil
}

// FindByTitle resolves a node id by title, optionally constrained to a class
// type. Duplicate titles resolve to the smallest numeric id so resolution
// stays deterministic across re-exports.
func (g Graph) FindByTitle(title, classType string) string {
	var hits []string
	for id, node := range g {
		if node == nil || node.Title() != title {
			continue
		}
		if classType != "" && node.ClassType != classType {
			continue
		}
		hits = append(hits, id)
	}
	return smallestNumericID(hits)
}

// FindFirstByClass resolves the smallest-numeric-id node of the given class
// type, the fallback when titles were lost in a re-export.
func (g Graph) FindFirstByClass(classType string) string {
	var hits []string
	for id, node := range g {
		if node != nil && node.ClassType == classType {
			hits = append(hits, id)
		}
	}
	return smallestNumericID(hits)
}

func smallestNumericID(ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	sort.Slice(ids, func(i, j int) bool {
		return idOrdinal(ids[i]) < idOrdinal(ids[j])
	})
	return ids[0]
}

// Non-numeric ids sort after every numeric one.
func idOrdinal(id string) int64 {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return int64(^uint64(0) >> 1)
	}
	return n
}

// NextNodeID allocates a fresh id: one past the largest numeric id present.
func (g Graph) NextNodeID() string {
	var max int64
	for id := range g {
		if n, err := strconv.ParseInt(id, 10, 64); err == nil && n > max {
			max = n
		}
	}
	return strconv.FormatInt(max+1, 10)
}

// ClassTypes returns the distinct node class types the graph references.
func (g Graph) ClassTypes() []string {
	seen := make(map[string]bool)
	var types []string
	for _, node := range g {
		if node == nil || seen[node.ClassType] {
			continue
		}
		seen[node.ClassType] = true
		types = append(types, node.ClassType)
	}
	sort.Strings(types)
	return types
}
