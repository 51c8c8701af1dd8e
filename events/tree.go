package events

import (
	"sort"
	"strings"
	"time"
)

// Leaf of a full (tree) format document
type Leaf struct {
	Path      string
	Value     Value
	Timestamp time.Time
	Source    string
}

// Flatten walks a full format vessel tree and returns its leaves sorted by path
//
// A node is a leaf if it has a `value` key. Plain scalars directly below an
// object (e.g. `name`, `mmsi` of a vessel) are leaves without timestamp.
// Metadata (`meta`, `$source` siblings, multi-source `values`) is skipped.
//
// see also
// - api: https://signalk.org/specification/1.7.0/doc/data_model.html#full-format
func Flatten(tree map[string]any) []Leaf {
	var leaves []Leaf
	flatten("", tree, &leaves)
	sort.Slice(leaves, func(i, j int) bool { return leaves[i].Path < leaves[j].Path })
	return leaves
}

func flatten(prefix string, node map[string]any, out *[]Leaf) {
	for key, child := range node {
		if key == "meta" || key == "values" || key == "pgn" || key == "sentence" || strings.HasPrefix(key, "$") {
			continue
		}
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		switch c := child.(type) {
		case map[string]any:
			if v, ok := c["value"]; ok {
				*out = append(*out, leafOf(path, v, c))
				continue
			}
			flatten(path, c, out)
		case string, float64, bool:
			*out = append(*out, Leaf{Path: path, Value: ValueOf(c)})
		}
	}
}

func leafOf(path string, v any, node map[string]any) Leaf {
	leaf := Leaf{Path: path, Value: ValueOf(v)}
	if ts, ok := node["timestamp"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			leaf.Timestamp = t
		}
	}
	if src, ok := node["$source"].(string); ok {
		leaf.Source = src
	}
	return leaf
}
