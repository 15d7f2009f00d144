package flow

import (
	"sort"
	"strings"
)

// Normalizer folds transcript text into the form end phrases are matched
// against: replacements applied, lower-cased, whitespace collapsed.
type Normalizer struct {
	from []string
	to   map[string]string
}

// NewNormalizer compiles a replacement table. Longer keys apply first so
// overlapping entries are deterministic.
func NewNormalizer(replacements map[string]string) *Normalizer {
	n := &Normalizer{to: make(map[string]string, len(replacements))}
	for from, to := range replacements {
		key := strings.ToLower(from)
		if key == "" {
			continue
		}
		n.to[key] = to
		n.from = append(n.from, key)
	}
	sort.Slice(n.from, func(i, j int) bool {
		if len(n.from[i]) != len(n.from[j]) {
			return len(n.from[i]) > len(n.from[j])
		}
		return n.from[i] < n.from[j]
	})
	return n
}

// Normalize returns the folded form of text.
func (n *Normalizer) Normalize(text string) string {
	out := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	if n != nil {
		for _, from := range n.from {
			out = strings.ReplaceAll(out, from, n.to[from])
		}
	}
	return strings.Join(strings.Fields(out), " ")
}
