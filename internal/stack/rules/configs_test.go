package rules

import (
	"os"
	"path/filepath"
	"testing"

	"voxelstack.ai/internal/stack/model"
)

func findRepoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatalf("could not find repo root from %s", dir)
		}
		dir = parent
	}
}

func TestLoadDir_ShippedConfigs(t *testing.T) {
	rs, err := LoadDir(filepath.Join(findRepoRoot(t), "configs"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := len(rs.Digests()); got != 4 {
		t.Fatalf("digests=%v", rs.Digests())
	}
	if len(rs.Ignored()) != 0 {
		t.Fatalf("ignored=%v", rs.Ignored())
	}
	if got := rs.MaxStackSize(model.KindEntity, "SLIME"); got != 64 {
		t.Fatalf("slime max=%d", got)
	}
	if got := rs.MaxStackSize(model.KindBlock, "DIAMOND_BLOCK"); got != 512 {
		t.Fatalf("diamond block max=%d", got)
	}
	if r, ok := rs.Rule(model.KindEntity, "VILLAGER"); !ok || r.Enabled {
		t.Fatalf("villager rule=%+v ok=%v", r, ok)
	}
	if r, _ := rs.Rule(model.KindEntity, "SHEEP"); !r.Conditions[CondDifferentColor] {
		t.Fatalf("sheep conditions=%v", r.Conditions)
	}
}
