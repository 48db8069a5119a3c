// Package policy parses namespaced tool identifiers and evaluates
// dot-separated allowlist patterns with segment-strict wildcards.
package policy

import "strings"

// Identifier is a parsed tool identifier: a namespace plus a name. Wire form
// is "namespace__name"; an Identifier with an empty Namespace is "bare" and
// requires resolution by enumeration.
type Identifier struct {
	Namespace string
	Name      string
}

// Parse splits qualified at the first "__" into namespace and name. A
// qualified string with no "__" produces a bare identifier (empty
// Namespace, the whole string as Name).
func Parse(qualified string) Identifier {
	if idx := strings.Index(qualified, "__"); idx >= 0 {
		return Identifier{Namespace: qualified[:idx], Name: qualified[idx+2:]}
	}
	return Identifier{Name: qualified}
}

// Format renders id back to its wire form. A bare identifier (empty
// Namespace) formats as just its Name.
func Format(id Identifier) string {
	if id.Namespace == "" {
		return id.Name
	}
	return id.Namespace + "__" + id.Name
}

// segments returns the segment-wise decomposition used for matching:
// namespace followed by the name split on "__".
func (id Identifier) segments() []string {
	segs := []string{id.Namespace}
	segs = append(segs, strings.Split(id.Name, "__")...)
	return segs
}
