package rules

import (
	"os"
	"path/filepath"
	"testing"

	"voxelstack.ai/internal/stack/model"
)

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func slime(id string, size string) model.Candidate {
	return model.Candidate{
		ID:      model.ObjectID(id),
		Kind:    model.KindEntity,
		Subtype: "SLIME",
		Attrs:   map[string]string{AttrSize: size},
	}
}

func TestLoadDir_YAMLOverridesAndConditions(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "entity_settings.yaml", `
global:
  max_stack_size: 100
subtypes:
  ZOMBIE:
    max_stack_size: 64
  SLIME:
    conditions:
      dont_stack_if_different_size: true
  CREEPER:
    enabled: false
  UNICORN:
    max_stack_size: 5
`)
	rs, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := rs.MaxStackSize(model.KindEntity, "ZOMBIE"); got != 64 {
		t.Fatalf("zombie max=%d want 64", got)
	}
	if got := rs.MaxStackSize(model.KindEntity, "COW"); got != 100 {
		t.Fatalf("cow max=%d want 100 (global)", got)
	}
	if got := rs.MaxStackSize(model.KindEntity, "CREEPER"); got != 0 {
		t.Fatalf("disabled creeper max=%d want 0", got)
	}
	if got := rs.MaxStackSize(model.KindEntity, "UNICORN"); got != 0 {
		t.Fatalf("unregistered subtype max=%d want 0", got)
	}
	if got := rs.MaxStackSize(model.KindItem, "DIAMOND"); got != DefaultMaxStackSize[model.KindItem] {
		t.Fatalf("item default max=%d", got)
	}
	if ign := rs.Ignored()["entity_settings.yaml"]; len(ign) != 1 || ign[0] != "UNICORN" {
		t.Fatalf("ignored=%v", ign)
	}
	if rs.Digests()["entity_settings.yaml"] == "" {
		t.Fatalf("expected digest for entity_settings.yaml")
	}

	if rs.CanMerge(slime("a", "1"), slime("b", "2")) {
		t.Fatalf("slimes of different size must not merge")
	}
	if !rs.CanMerge(slime("a", "2"), slime("b", "2")) {
		t.Fatalf("slimes of equal size should merge")
	}
}

func TestLoadDir_TOML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "block_settings.toml", `
[global]
max_stack_size = 512

[subtypes.DIAMOND_ORE]
max_stack_size = 32
`)
	rs, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := rs.MaxStackSize(model.KindBlock, "DIAMOND_ORE"); got != 32 {
		t.Fatalf("diamond ore max=%d want 32", got)
	}
	if got := rs.MaxStackSize(model.KindBlock, "IRON_ORE"); got != 512 {
		t.Fatalf("iron ore max=%d want 512", got)
	}
}

func TestLoadDir_RejectsInvalidDocuments(t *testing.T) {
	cases := map[string]string{
		"schema type": `
subtypes:
  ZOMBIE:
    max_stack_size: "lots"
`,
		"unknown field": `
global:
  max_stack: 5
`,
		"inapplicable condition": `
subtypes:
  ZOMBIE:
    conditions:
      dont_stack_if_different_size: true
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, dir, "entity_settings.yaml", body)
			if _, err := LoadDir(dir); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestCanMerge_FailsClosed(t *testing.T) {
	rs := Defaults()
	a := model.Candidate{Kind: model.KindEntity, Subtype: "DRAGON"}
	if rs.CanMerge(a, a) {
		t.Fatalf("unregistered subtype must not merge")
	}
	if Empty().CanMerge(slime("a", "1"), slime("b", "1")) {
		t.Fatalf("empty ruleset must not merge anything")
	}
	z := model.Candidate{Kind: model.KindEntity, Subtype: "ZOMBIE"}
	s := model.Candidate{Kind: model.KindEntity, Subtype: "SKELETON"}
	if rs.CanMerge(z, s) {
		t.Fatalf("different subtypes must not merge")
	}
}

func TestCanMerge_ItemKindChecks(t *testing.T) {
	rs := Defaults()
	sword := func(dur, ench string) model.Candidate {
		return model.Candidate{
			Kind:    model.KindItem,
			Subtype: "DIAMOND_SWORD",
			Attrs:   map[string]string{AttrDurability: dur, AttrEnchantments: ench},
		}
	}
	if !rs.CanMerge(sword("10", "sharpness:1"), sword("10", "sharpness:1")) {
		t.Fatalf("identical swords should merge")
	}
	if rs.CanMerge(sword("10", "sharpness:1"), sword("9", "sharpness:1")) {
		t.Fatalf("durability differs")
	}
	if rs.CanMerge(sword("10", "sharpness:1"), sword("10", "")) {
		t.Fatalf("enchantments differ")
	}
}

func TestSuggestAmounts(t *testing.T) {
	rs := Defaults()
	got := rs.SuggestAmounts(model.KindSpawner, "ZOMBIE")
	if len(got) != 3 || got[0] != 8 || got[1] != 4 || got[2] != 2 {
		t.Fatalf("suggestions=%v", got)
	}
	if rs.SuggestAmounts(model.KindSpawner, "DRAGON") != nil {
		t.Fatalf("expected no suggestions for unknown subtype")
	}
}

func TestStore_SwapIsWholeTable(t *testing.T) {
	st := NewStore(nil)
	if st.Current().MaxStackSize(model.KindEntity, "ZOMBIE") != 0 {
		t.Fatalf("empty store should fail closed")
	}
	old := st.Swap(Defaults())
	if old == nil {
		t.Fatalf("swap should return previous table")
	}
	if st.Current().MaxStackSize(model.KindEntity, "ZOMBIE") != DefaultMaxStackSize[model.KindEntity] {
		t.Fatalf("swap not visible")
	}

	dir := t.TempDir()
	writeFile(t, dir, "entity_settings.yaml", "global: {max_stack_size: nope}\n")
	before := st.Current()
	if _, err := st.Reload(dir); err == nil {
		t.Fatalf("expected reload error")
	}
	if st.Current() != before {
		t.Fatalf("failed reload must keep the current table")
	}
}

func TestSpawnerSubtypesMirrorEntities(t *testing.T) {
	ents := Subtypes(model.KindEntity)
	spawners := Subtypes(model.KindSpawner)
	if len(ents) != len(spawners) {
		t.Fatalf("entities=%d spawners=%d", len(ents), len(spawners))
	}
	for i := range ents {
		if ents[i].Name != spawners[i].Name {
			t.Fatalf("mismatch at %d: %s vs %s", i, ents[i].Name, spawners[i].Name)
		}
	}
}
