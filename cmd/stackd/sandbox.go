package main

import (
	"context"
	"log"
	"math"
	"math/rand"
	"time"

	"voxelstack.ai/internal/sim/tuning"
	"voxelstack.ai/internal/stack/engine"
	"voxelstack.ai/internal/stack/host/sandbox"
	"voxelstack.ai/internal/stack/model"
	"voxelstack.ai/internal/stack/rules"
)

// sandboxDriver plays the game server's part when stackd runs against the
// in-memory simulation: it spawns creatures around the origin and reports
// each spawn with its neighbours, the way a host spawn hook would.
type sandboxDriver struct {
	sim   *sandbox.Sim
	eng   *engine.Engine
	cfg   tuning.Sandbox
	world string
	scan  float64
	every time.Duration
	rng   *rand.Rand
	log   *log.Logger
}

func newSandboxDriver(sim *sandbox.Sim, eng *engine.Engine, tune tuning.Tuning, world string, logger *log.Logger) *sandboxDriver {
	every := time.Second / time.Duration(tune.TickRateHz) * time.Duration(tune.Sandbox.SpawnEveryTicks)
	return &sandboxDriver{
		sim:   sim,
		eng:   eng,
		cfg:   tune.Sandbox,
		world: world,
		scan:  tune.ScanRadius,
		every: every,
		rng:   rand.New(rand.NewSource(tune.Seed)),
		log:   logger,
	}
}

func (d *sandboxDriver) run(ctx context.Context) {
	if len(d.cfg.Subtypes) == 0 || d.cfg.SpawnPerTick <= 0 {
		return
	}
	ticker := time.NewTicker(d.every)
	defer ticker.Stop()
	dropped := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := d.pulse(); n > 0 {
				dropped += n
				d.log.Printf("sandbox: %d reports dropped so far (engine busy)", dropped)
			}
		}
	}
}

// pulse spawns one batch and returns how many reports were dropped.
func (d *sandboxDriver) pulse() int {
	if d.cfg.MaxEntities > 0 && d.sim.Count(model.KindEntity, "") >= d.cfg.MaxEntities {
		return 0
	}
	dropped := 0
	for i := 0; i < d.cfg.SpawnPerTick; i++ {
		subtype := d.cfg.Subtypes[d.rng.Intn(len(d.cfg.Subtypes))]
		loc := d.randomLocation()
		d.sim.Spawn(model.KindEntity, subtype, loc, d.randomAttrs(subtype), map[string]string{"spawn_reason": "NATURAL"})
		if !d.eng.Report(model.KindEntity, d.sim.QueryNearby(loc, d.scan, model.KindEntity)) {
			dropped++
		}
	}
	return dropped
}

func (d *sandboxDriver) randomLocation() model.Location {
	a := d.rng.Float64() * 2 * math.Pi
	r := d.cfg.AreaRadius * math.Sqrt(d.rng.Float64())
	return model.Location{
		World: d.world,
		X:     math.Round(r*math.Cos(a)*10) / 10,
		Y:     64,
		Z:     math.Round(r*math.Sin(a)*10) / 10,
	}
}

// randomAttrs gives a few creatures the traits stacking conditions look at.
func (d *sandboxDriver) randomAttrs(subtype string) map[string]string {
	attrs := map[string]string{}
	if d.rng.Intn(10) == 0 {
		attrs[rules.AttrBaby] = "true"
	}
	switch subtype {
	case "SHEEP":
		attrs[rules.AttrColor] = []string{"WHITE", "WHITE", "WHITE", "BLACK"}[d.rng.Intn(4)]
	case "SLIME", "MAGMA_CUBE":
		attrs[rules.AttrSize] = []string{"1", "2", "4"}[d.rng.Intn(3)]
	}
	return attrs
}
