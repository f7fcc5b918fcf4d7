package tuning

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_OverridesAndNormalizes(t *testing.T) {
	p := filepath.Join(t.TempDir(), "tuning.yaml")
	body := `
tick_rate_hz: 10
scan_radius: 8.5
spawner_every_ticks: -1
persistence:
  index_db: false
sandbox:
  enabled: true
  subtypes: [SLIME]
`
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	tu, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if tu.TickRateHz != 10 || tu.ScanRadius != 8.5 {
		t.Fatalf("overrides lost: %+v", tu)
	}
	if tu.SpawnerEveryTicks != Defaults().SpawnerEveryTicks {
		t.Fatalf("spawner_every_ticks=%d want default", tu.SpawnerEveryTicks)
	}
	if tu.Persistence.IndexDB || !tu.Persistence.EventLog {
		t.Fatalf("persistence=%+v", tu.Persistence)
	}
	if !tu.Sandbox.Enabled || len(tu.Sandbox.Subtypes) != 1 || tu.Sandbox.SpawnPerTick != 4 {
		t.Fatalf("sandbox=%+v", tu.Sandbox)
	}
}

func TestLoad_BadYAML(t *testing.T) {
	p := filepath.Join(t.TempDir(), "tuning.yaml")
	_ = os.WriteFile(p, []byte("tick_rate_hz: [nope"), 0o644)
	if _, err := Load(p); err == nil {
		t.Fatalf("expected parse error")
	}
}
