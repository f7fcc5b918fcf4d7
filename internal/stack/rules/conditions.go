package rules

import "voxelstack.ai/internal/stack/model"

// Condition names. Each one, when enabled on a rule, must hold for a pair of
// candidates before they may share a stack.
const (
	CondDifferentSize       = "dont_stack_if_different_size"
	CondBaby                = "dont_stack_if_baby"
	CondTamed               = "dont_stack_if_tamed"
	CondDifferentColor      = "dont_stack_if_different_color"
	CondSheared             = "dont_stack_if_sheared"
	CondSaddled             = "dont_stack_if_saddled"
	CondDifferentProfession = "dont_stack_if_different_profession"
	CondNamed               = "dont_stack_if_named"
)

// Candidate attribute keys understood by the built-in conditions and kind checks.
const (
	AttrSize         = "size"
	AttrBaby         = "baby"
	AttrTamed        = "tamed"
	AttrColor        = "color"
	AttrSheared      = "sheared"
	AttrSaddled      = "saddled"
	AttrProfession   = "profession"
	AttrCustomName   = "custom_name"
	AttrDurability   = "durability"
	AttrEnchantments = "enchantments"
	AttrDisplayName  = "display_name"
	AttrOrientation  = "orientation"
)

type predicate func(a, b model.Candidate) bool

func sameAttr(key string) predicate {
	return func(a, b model.Candidate) bool { return a.Attr(key) == b.Attr(key) }
}

func neitherFlag(key string) predicate {
	return func(a, b model.Candidate) bool { return !a.Flag(key) && !b.Flag(key) }
}

var conditions = map[string]predicate{
	CondDifferentSize:       sameAttr(AttrSize),
	CondBaby:                neitherFlag(AttrBaby),
	CondTamed:               neitherFlag(AttrTamed),
	CondDifferentColor:      sameAttr(AttrColor),
	CondSheared:             neitherFlag(AttrSheared),
	CondSaddled:             neitherFlag(AttrSaddled),
	CondDifferentProfession: sameAttr(AttrProfession),
	CondNamed: func(a, b model.Candidate) bool {
		return a.Attr(AttrCustomName) == "" && b.Attr(AttrCustomName) == ""
	},
}

// kindChecks always apply to their kind regardless of rule toggles.
var kindChecks = map[model.Kind][]predicate{
	model.KindItem: {
		sameAttr(AttrDurability),
		sameAttr(AttrEnchantments),
		sameAttr(AttrDisplayName),
	},
	model.KindBlock: {
		sameAttr(AttrOrientation),
	},
}

func knownCondition(name string) bool {
	_, ok := conditions[name]
	return ok
}
