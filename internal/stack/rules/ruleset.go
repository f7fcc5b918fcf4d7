package rules

import (
	"sort"

	"voxelstack.ai/internal/stack/model"
)

type Rule struct {
	Kind         model.Kind
	Subtype      string
	Enabled      bool
	MaxStackSize uint32

	// Conditions maps condition name to whether it is enforced.
	Conditions map[string]bool
	// MatchAttrs are extra attribute keys that must be equal on both sides.
	MatchAttrs []string
}

func (r Rule) allows(a, b model.Candidate) bool {
	for _, p := range kindChecks[r.Kind] {
		if !p(a, b) {
			return false
		}
	}
	for name, on := range r.Conditions {
		if !on {
			continue
		}
		if p, ok := conditions[name]; ok && !p(a, b) {
			return false
		}
	}
	for _, key := range r.MatchAttrs {
		if a.Attr(key) != b.Attr(key) {
			return false
		}
	}
	return true
}

type ruleKey struct {
	kind    model.Kind
	subtype string
}

// Ruleset is an immutable rule table. A new table replaces the old one
// wholesale; nothing mutates a published Ruleset.
type Ruleset struct {
	rules   map[ruleKey]Rule
	digests map[string]string
	ignored map[string][]string
}

func newRuleset() *Ruleset {
	return &Ruleset{
		rules:   map[ruleKey]Rule{},
		digests: map[string]string{},
		ignored: map[string][]string{},
	}
}

// Empty returns a ruleset where nothing is stackable.
func Empty() *Ruleset { return newRuleset() }

// Defaults builds the ruleset used when no settings files exist.
func Defaults() *Ruleset {
	rs := newRuleset()
	for _, k := range model.Kinds() {
		doc := settingsDoc{}
		rs.apply(k, doc)
	}
	return rs
}

func (rs *Ruleset) Rule(kind model.Kind, subtype string) (Rule, bool) {
	if rs == nil {
		return Rule{}, false
	}
	r, ok := rs.rules[ruleKey{kind, subtype}]
	return r, ok
}

// MaxStackSize returns 0 for unknown or disabled subtypes.
func (rs *Ruleset) MaxStackSize(kind model.Kind, subtype string) uint32 {
	r, ok := rs.Rule(kind, subtype)
	if !ok || !r.Enabled {
		return 0
	}
	return r.MaxStackSize
}

// Stackable reports whether a single candidate may take part in stacking at all.
func (rs *Ruleset) Stackable(c model.Candidate) bool {
	r, ok := rs.Rule(c.Kind, c.Subtype)
	return ok && r.Enabled && r.MaxStackSize > 1
}

// CanMerge decides whether two candidates may share a stack.
func (rs *Ruleset) CanMerge(a, b model.Candidate) bool {
	if a.Kind != b.Kind || a.Subtype != b.Subtype {
		return false
	}
	if !rs.Stackable(a) {
		return false
	}
	r, _ := rs.Rule(a.Kind, a.Subtype)
	return r.allows(a, b)
}

// StackableSubtypes lists enabled subtypes of a kind in name order.
func (rs *Ruleset) StackableSubtypes(kind model.Kind) []string {
	if rs == nil {
		return nil
	}
	var out []string
	for k, r := range rs.rules {
		if k.kind == kind && r.Enabled && r.MaxStackSize > 1 {
			out = append(out, k.subtype)
		}
	}
	sort.Strings(out)
	return out
}

// SuggestAmounts returns stack amounts offered by command completion.
func (rs *Ruleset) SuggestAmounts(kind model.Kind, subtype string) []uint32 {
	max := rs.MaxStackSize(kind, subtype)
	if max == 0 {
		return nil
	}
	out := []uint32{max}
	for _, v := range []uint32{max / 2, max / 4} {
		if v > 1 && v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}

// Digests returns the sha256 digest of each settings file that was loaded.
func (rs *Ruleset) Digests() map[string]string {
	out := make(map[string]string, len(rs.digests))
	for k, v := range rs.digests {
		out[k] = v
	}
	return out
}

// Ignored returns, per settings file, the subtypes that were skipped because
// nothing registers them.
func (rs *Ruleset) Ignored() map[string][]string {
	out := make(map[string][]string, len(rs.ignored))
	for k, v := range rs.ignored {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// Rules returns every rule sorted by kind then subtype.
func (rs *Ruleset) Rules() []Rule {
	out := make([]Rule, 0, len(rs.rules))
	for _, r := range rs.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Subtype < out[j].Subtype
	})
	return out
}

func (rs *Ruleset) apply(kind model.Kind, doc settingsDoc) {
	globalMax := DefaultMaxStackSize[kind]
	if doc.Global.MaxStackSize != nil {
		globalMax = *doc.Global.MaxStackSize
	}
	globalEnabled := true
	if doc.Global.Enabled != nil {
		globalEnabled = *doc.Global.Enabled
	}
	for _, def := range builtin[kind] {
		r := Rule{
			Kind:         kind,
			Subtype:      def.Name,
			Enabled:      globalEnabled,
			MaxStackSize: globalMax,
			Conditions:   map[string]bool{},
		}
		for _, c := range def.Conditions {
			r.Conditions[c] = false
		}
		if o, ok := doc.Subtypes[def.Name]; ok {
			if o.Enabled != nil {
				r.Enabled = *o.Enabled
			}
			if o.MaxStackSize != nil {
				r.MaxStackSize = *o.MaxStackSize
			}
			for c, on := range o.Conditions {
				if _, applies := r.Conditions[c]; applies {
					r.Conditions[c] = on
				}
			}
			r.MatchAttrs = append([]string(nil), o.MatchAttrs...)
		}
		rs.rules[ruleKey{kind, def.Name}] = r
	}
}
