package tuning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	TickRateHz        int     `yaml:"tick_rate_hz"`
	ScanEveryTicks    int     `yaml:"scan_every_ticks"`
	ScanRadius        float64 `yaml:"scan_radius"`
	SpawnerEveryTicks int     `yaml:"spawner_every_ticks"`
	SplitSpread       float64 `yaml:"split_spread"`
	Seed              int64   `yaml:"seed"`

	RequestQueue int `yaml:"request_queue"`
	ReportQueue  int `yaml:"report_queue"`

	Persistence Persistence `yaml:"persistence"`
	Sandbox     Sandbox     `yaml:"sandbox"`
}

type Persistence struct {
	EventLog   bool `yaml:"event_log"`
	IndexDB    bool `yaml:"index_db"`
	IndexQueue int  `yaml:"index_queue"`
	// SaveOnStop parks every loaded region when the engine stops.
	SaveOnStop bool `yaml:"save_on_stop"`
}

// Sandbox drives the in-memory simulation used when no game server is attached.
type Sandbox struct {
	Enabled         bool     `yaml:"enabled"`
	SpawnEveryTicks int      `yaml:"spawn_every_ticks"`
	SpawnPerTick    int      `yaml:"spawn_per_tick"`
	Subtypes        []string `yaml:"subtypes"`
	AreaRadius      float64  `yaml:"area_radius"`
	SpawnChance     float64  `yaml:"spawn_chance"`
	MaxEntities     int      `yaml:"max_entities"`
}

func Defaults() Tuning {
	return Tuning{
		ProtocolVersion:   "1.0",
		TickRateHz:        20,
		ScanEveryTicks:    20,
		ScanRadius:        5,
		SpawnerEveryTicks: 200,
		SplitSpread:       0.75,
		Seed:              1337,
		RequestQueue:      256,
		ReportQueue:       1024,
		Persistence: Persistence{
			EventLog:   true,
			IndexDB:    true,
			IndexQueue: 8192,
			SaveOnStop: true,
		},
		Sandbox: Sandbox{
			SpawnEveryTicks: 40,
			SpawnPerTick:    4,
			Subtypes:        []string{"ZOMBIE", "SKELETON", "COW"},
			AreaRadius:      24,
			SpawnChance:     0.35,
			MaxEntities:     2000,
		},
	}
}

// Normalize replaces unusable values with defaults.
func (t *Tuning) Normalize() {
	d := Defaults()
	if t.ProtocolVersion == "" {
		t.ProtocolVersion = d.ProtocolVersion
	}
	if t.TickRateHz <= 0 || t.TickRateHz > 1000 {
		t.TickRateHz = d.TickRateHz
	}
	if t.ScanEveryTicks <= 0 {
		t.ScanEveryTicks = d.ScanEveryTicks
	}
	if t.ScanRadius <= 0 {
		t.ScanRadius = d.ScanRadius
	}
	if t.SpawnerEveryTicks <= 0 {
		t.SpawnerEveryTicks = d.SpawnerEveryTicks
	}
	if t.SplitSpread <= 0 {
		t.SplitSpread = d.SplitSpread
	}
	if t.RequestQueue <= 0 {
		t.RequestQueue = d.RequestQueue
	}
	if t.ReportQueue <= 0 {
		t.ReportQueue = d.ReportQueue
	}
	if t.Persistence.IndexQueue <= 0 {
		t.Persistence.IndexQueue = d.Persistence.IndexQueue
	}
	sb := &t.Sandbox
	if sb.SpawnEveryTicks <= 0 {
		sb.SpawnEveryTicks = d.Sandbox.SpawnEveryTicks
	}
	if sb.SpawnPerTick < 0 {
		sb.SpawnPerTick = 0
	}
	if len(sb.Subtypes) == 0 {
		sb.Subtypes = d.Sandbox.Subtypes
	}
	if sb.AreaRadius <= 0 {
		sb.AreaRadius = d.Sandbox.AreaRadius
	}
	if sb.SpawnChance <= 0 || sb.SpawnChance > 1 {
		sb.SpawnChance = d.Sandbox.SpawnChance
	}
}

// Load reads a tuning file over the defaults.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	t.Normalize()
	return t, nil
}
