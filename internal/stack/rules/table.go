package rules

import (
	"sort"

	"voxelstack.ai/internal/stack/model"
)

// SubtypeDef registers one concrete subtype and the conditions its rule may toggle.
type SubtypeDef struct {
	Kind       model.Kind
	Name       string
	Conditions []string
}

// DefaultMaxStackSize is used when a settings file has no global max for the kind.
var DefaultMaxStackSize = map[model.Kind]uint32{
	model.KindEntity:  128,
	model.KindItem:    1024,
	model.KindBlock:   2048,
	model.KindSpawner: 8,
}

var entityDefs = []SubtypeDef{
	{Name: "CHICKEN", Conditions: []string{CondBaby}},
	{Name: "COW", Conditions: []string{CondBaby}},
	{Name: "CREEPER"},
	{Name: "HORSE", Conditions: []string{CondBaby, CondTamed, CondSaddled, CondDifferentColor}},
	{Name: "IRON_GOLEM"},
	{Name: "MAGMA_CUBE", Conditions: []string{CondDifferentSize}},
	{Name: "PIG", Conditions: []string{CondBaby, CondSaddled}},
	{Name: "SHEEP", Conditions: []string{CondBaby, CondDifferentColor, CondSheared}},
	{Name: "SKELETON"},
	{Name: "SLIME", Conditions: []string{CondDifferentSize}},
	{Name: "SPIDER"},
	{Name: "VILLAGER", Conditions: []string{CondBaby, CondDifferentProfession}},
	{Name: "WOLF", Conditions: []string{CondBaby, CondTamed}},
	{Name: "ZOMBIE", Conditions: []string{CondBaby}},
}

var itemDefs = []string{
	"ARROW", "BONE", "COBBLESTONE", "DIAMOND", "DIAMOND_SWORD", "EGG",
	"GUNPOWDER", "IRON_INGOT", "ROTTEN_FLESH", "STONE", "WHITE_WOOL",
}

var blockDefs = []string{
	"COBBLESTONE", "DIAMOND_BLOCK", "DIAMOND_ORE", "EMERALD_BLOCK",
	"GOLD_BLOCK", "GOLD_ORE", "IRON_BLOCK", "IRON_ORE",
}

var builtin = buildTable()

func buildTable() map[model.Kind][]SubtypeDef {
	t := map[model.Kind][]SubtypeDef{}
	for _, d := range entityDefs {
		d.Kind = model.KindEntity
		d.Conditions = append([]string(nil), d.Conditions...)
		t[model.KindEntity] = append(t[model.KindEntity], d)
		// Every stackable creature also has a spawner.
		t[model.KindSpawner] = append(t[model.KindSpawner], SubtypeDef{Kind: model.KindSpawner, Name: d.Name})
	}
	for _, name := range itemDefs {
		t[model.KindItem] = append(t[model.KindItem], SubtypeDef{Kind: model.KindItem, Name: name})
	}
	for _, name := range blockDefs {
		t[model.KindBlock] = append(t[model.KindBlock], SubtypeDef{Kind: model.KindBlock, Name: name})
	}
	for k := range t {
		defs := t[k]
		sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	}
	return t
}

// Subtypes returns the registered subtypes for a kind in name order.
func Subtypes(kind model.Kind) []SubtypeDef {
	defs := builtin[kind]
	out := make([]SubtypeDef, len(defs))
	copy(out, defs)
	return out
}

// Lookup finds a registered subtype.
func Lookup(kind model.Kind, name string) (SubtypeDef, bool) {
	for _, d := range builtin[kind] {
		if d.Name == name {
			return d, true
		}
	}
	return SubtypeDef{}, false
}
