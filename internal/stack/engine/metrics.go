package engine

import (
	"sync/atomic"
	"time"

	"voxelstack.ai/internal/stack/model"
)

type counters struct {
	merged        atomic.Uint64
	spawnAttempts atomic.Uint64
	spawned       atomic.Uint64
	events        atomic.Uint64
	regionsSaved  atomic.Uint64
}

type KindTotals struct {
	Stacks  int `json:"stacks"`
	Members int `json:"members"`
	Objects int `json:"objects"`
}

// Metrics is published once per tick and safe to read from any goroutine.
type Metrics struct {
	Tick          uint64                `json:"tick"`
	StepMillis    float64               `json:"step_ms"`
	Kinds         map[string]KindTotals `json:"kinds"`
	Spawners      int                   `json:"spawners"`
	Merged        uint64                `json:"merged_total"`
	SpawnAttempts uint64                `json:"spawn_attempts_total"`
	Spawned       uint64                `json:"spawned_total"`
	Events        uint64                `json:"events_total"`
	RegionsSaved  uint64                `json:"regions_saved_total"`
	RequestQueue  int                   `json:"request_queue"`
	ReportQueue   int                   `json:"report_queue"`
}

func (e *Engine) Metrics() Metrics {
	if m := e.metrics.Load(); m != nil {
		return *m
	}
	return Metrics{}
}

func (e *Engine) publishMetrics(d time.Duration) {
	m := &Metrics{
		Tick:          e.tick.Load(),
		StepMillis:    float64(d.Microseconds()) / 1000,
		Kinds:         map[string]KindTotals{},
		Spawners:      e.spawners.Len(),
		Merged:        e.totals.merged.Load(),
		SpawnAttempts: e.totals.spawnAttempts.Load(),
		Spawned:       e.totals.spawned.Load(),
		Events:        e.totals.events.Load(),
		RegionsSaved:  e.totals.regionsSaved.Load(),
		RequestQueue:  len(e.requests),
		ReportQueue:   len(e.reports),
	}
	for _, k := range model.Kinds() {
		if k == model.KindSpawner {
			continue
		}
		m.Kinds[k.String()] = KindTotals{}
	}
	for k, t := range e.reg.Totals() {
		m.Kinds[k.String()] = KindTotals{Stacks: t.Stacks, Members: t.Members, Objects: t.Objects}
	}
	e.metrics.Store(m)
}
