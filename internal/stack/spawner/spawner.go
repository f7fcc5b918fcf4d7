// Package spawner keeps the multiplier of every injected spawner source and
// turns each spawn tick into that many independent attempts.
package spawner

import (
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"sort"

	"voxelstack.ai/internal/persistence/regionstore"
	"voxelstack.ai/internal/stack/host"
	"voxelstack.ai/internal/stack/model"
	"voxelstack.ai/internal/stack/rules"
)

var (
	ErrNotSpawner = errors.New("object is not a spawner")
	// ErrSourceGone means the source object is not in the simulation (yet).
	ErrSourceGone = errors.New("spawner source not in simulation")
)

type Config struct {
	Seed   int64
	Logger *log.Logger
}

// Source is one injected spawner.
type Source struct {
	ID         model.ObjectID `json:"id"`
	Subtype    string         `json:"subtype"`
	Multiplier int            `json:"multiplier"`
	Loc        model.Location `json:"loc"`
}

type Manager struct {
	caps  host.Capabilities
	spawn host.Spawner
	rules *rules.Store
	rng   *rand.Rand
	log   *log.Logger

	sources map[model.ObjectID]*Source
}

func New(cfg Config, caps host.Capabilities, sp host.Spawner, rs *rules.Store) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if rs == nil {
		rs = rules.NewStore(nil)
	}
	return &Manager{
		caps:    caps,
		spawn:   sp,
		rules:   rs,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
		log:     logger,
		sources: map[model.ObjectID]*Source{},
	}
}

func (m *Manager) maxFor(subtype string) int {
	return int(m.rules.Current().MaxStackSize(model.KindSpawner, subtype))
}

// Inject starts managing a spawner source with multiplier n, or 1 when n <= 0.
// Injecting an already managed source refreshes it in place; n > 0 replaces
// its multiplier and n <= 0 keeps it.
func (m *Manager) Inject(id model.ObjectID, n int) (Source, error) {
	cand, ok := m.caps.Describe(id)
	if !ok {
		return Source{}, fmt.Errorf("inject %s: %w", id, ErrSourceGone)
	}
	if cand.Kind != model.KindSpawner {
		return Source{}, fmt.Errorf("inject %s: %w", id, ErrNotSpawner)
	}
	if m.maxFor(cand.Subtype) < 1 {
		return Source{}, fmt.Errorf("inject %s %s: %w", id, cand.Subtype, model.ErrUnstackable)
	}
	if s, ok := m.sources[id]; ok {
		s.Subtype = cand.Subtype
		s.Loc = cand.Location
		if n > 0 {
			s.Multiplier = n
		}
		s.Multiplier = m.clamp(s.Subtype, s.Multiplier)
		return *s, nil
	}
	s := &Source{ID: id, Subtype: cand.Subtype, Multiplier: m.clamp(cand.Subtype, n), Loc: cand.Location}
	m.sources[id] = s
	return *s, nil
}

func (m *Manager) clamp(subtype string, n int) int {
	limit := m.maxFor(subtype)
	if n > limit {
		n = limit
	}
	if n < 1 {
		n = 1
	}
	return n
}

// SetMultiplier clamps n to [1, max stack size] and returns the stored value.
func (m *Manager) SetMultiplier(id model.ObjectID, n int) (int, error) {
	s, ok := m.sources[id]
	if !ok {
		return 0, fmt.Errorf("spawner %s: %w", id, model.ErrNotRegistered)
	}
	s.Multiplier = m.clamp(s.Subtype, n)
	return s.Multiplier, nil
}

func (m *Manager) Remove(id model.ObjectID) error {
	if _, ok := m.sources[id]; !ok {
		return fmt.Errorf("spawner %s: %w", id, model.ErrNotRegistered)
	}
	delete(m.sources, id)
	return nil
}

func (m *Manager) Get(id model.ObjectID) (Source, bool) {
	s, ok := m.sources[id]
	if !ok {
		return Source{}, false
	}
	return *s, true
}

func (m *Manager) Len() int { return len(m.sources) }

// Sources lists managed spawners in id order.
func (m *Manager) Sources() []Source {
	out := make([]Source, 0, len(m.sources))
	for _, s := range m.sources {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TickReport totals one spawn tick across every source.
type TickReport struct {
	Attempts int
	Spawned  []model.ObjectID
	Failed   int
	XP       int
	// Dropped lists sources that vanished from the simulation.
	Dropped []model.ObjectID
	Errs    []error
}

func (r TickReport) Err() error { return errors.Join(r.Errs...) }

// Tick runs Multiplier attempts for every source. Each attempt draws its own
// outcome; a failed attempt is counted and the batch goes on.
func (m *Manager) Tick() TickReport {
	var rep TickReport
	for _, src := range m.Sources() {
		cand, ok := m.caps.Describe(src.ID)
		if !ok {
			delete(m.sources, src.ID)
			rep.Dropped = append(rep.Dropped, src.ID)
			m.log.Printf("spawner %s gone, forgetting multiplier %d", src.ID, src.Multiplier)
			continue
		}
		s := m.sources[src.ID]
		s.Loc = cand.Location
		s.Multiplier = m.clamp(s.Subtype, s.Multiplier)
		for i := 0; i < s.Multiplier; i++ {
			rep.Attempts++
			out, err := m.spawn.AttemptSpawn(s.ID, s.Subtype, m.rng)
			if err != nil {
				rep.Failed++
				rep.Errs = append(rep.Errs, fmt.Errorf("spawner %s attempt %d: %w", s.ID, i, err))
				continue
			}
			if out.Spawned {
				rep.Spawned = append(rep.Spawned, out.ID)
				rep.XP += out.XP
			}
		}
	}
	return rep
}

// UnloadRegion forgets the region's spawners and returns their persisted form.
func (m *Manager) UnloadRegion(key model.RegionKey) []regionstore.SpawnerV1 {
	var out []regionstore.SpawnerV1
	for _, s := range m.Sources() {
		if s.Loc.Region() != key {
			continue
		}
		out = append(out, regionstore.SpawnerV1{
			Source:     string(s.ID),
			Subtype:    s.Subtype,
			Multiplier: s.Multiplier,
			Loc:        s.Loc,
		})
		delete(m.sources, s.ID)
	}
	return out
}

// LoadRegion re-injects persisted spawners whose source is back in the
// simulation. Records whose source has not returned yet are handed back so
// the caller can save them again; other failures are dropped.
func (m *Manager) LoadRegion(key model.RegionKey, recs []regionstore.SpawnerV1) (int, []regionstore.SpawnerV1) {
	n := 0
	var pending []regionstore.SpawnerV1
	for _, rec := range recs {
		id := model.ObjectID(rec.Source)
		if _, err := m.Inject(id, rec.Multiplier); err != nil {
			if errors.Is(err, ErrSourceGone) {
				pending = append(pending, rec)
				m.log.Printf("load %s: spawner %s not back yet, keeping multiplier %d saved", key, id, rec.Multiplier)
				continue
			}
			m.log.Printf("load %s: spawner %s not restored: %v", key, id, err)
			continue
		}
		n++
	}
	return n, pending
}
