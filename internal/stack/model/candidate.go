package model

import "sort"

// Candidate describes a live object for eligibility checks.
// Attrs carry the kind-specific comparable attributes (size, age, color,
// durability, enchantments, orientation, ...).
type Candidate struct {
	ID       ObjectID
	Kind     Kind
	Subtype  string
	Location Location
	Attrs    map[string]string
}

func (c Candidate) Attr(key string) string {
	if c.Attrs == nil {
		return ""
	}
	return c.Attrs[key]
}

func (c Candidate) Flag(key string) bool {
	switch c.Attr(key) {
	case "1", "true", "TRUE", "yes":
		return true
	default:
		return false
	}
}

// SortedAttrKeys returns attribute keys in lexical order.
func SortedAttrKeys(attrs map[string]string) []string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
