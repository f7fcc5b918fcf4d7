package engine

import (
	"errors"

	"voxelstack.ai/internal/persistence/regionstore"
	"voxelstack.ai/internal/protocol"
	"voxelstack.ai/internal/stack/model"
)

// unloadRegion parks every stack and spawner of key and saves them.
func (e *Engine) unloadRegion(key model.RegionKey) (int, error) {
	stacks := e.reg.UnloadRegion(key)
	spawners := e.spawners.UnloadRegion(key)
	n := len(stacks) + len(spawners)
	if n == 0 {
		return 0, nil
	}
	return n, e.persist(key, stacks, spawners)
}

// loadRegion restores what was saved for key. The simulation must already
// have brought the region back.
func (e *Engine) loadRegion(key model.RegionKey) (int, error) {
	if e.store == nil {
		return 0, errors.New("no region store configured")
	}
	r, skipped, ok, err := e.store.Take(key)
	if err != nil {
		return 0, err
	}
	for _, s := range skipped {
		e.log.Printf("load %s: %v", key, s)
	}
	if !ok {
		return 0, nil
	}
	rep := e.reg.LoadRegion(key, r.Stacks)
	spawned, pending := e.spawners.LoadRegion(key, r.Spawners)
	if len(pending) > 0 {
		if err := e.persist(key, nil, pending); err != nil {
			e.log.Printf("load %s: %d spawners not back and not saved: %v", key, len(pending), err)
		}
	}
	e.emit(protocol.StackEventMsg{
		Event:  protocol.EventRegionLoad,
		Region: regionRef(key),
		Count:  rep.Restored + spawned,
		Failed: rep.Dropped,
	})
	if rep.Overflow > 0 {
		e.log.Printf("load %s: %d members over the current limit were placed as live objects", key, rep.Overflow)
	}
	return rep.Restored + spawned, rep.Err()
}

// persist adds stacks and spawners to whatever is already saved for key.
func (e *Engine) persist(key model.RegionKey, stacks []regionstore.StackV1, spawners []regionstore.SpawnerV1) error {
	if e.store == nil {
		e.log.Printf("region %s: no store, discarding %d stacks and %d spawners", key, len(stacks), len(spawners))
		return errors.New("no region store configured")
	}
	prev, skipped, ok, err := e.store.Take(key)
	if err != nil {
		e.log.Printf("region %s: previous table unreadable: %v", key, err)
	}
	for _, s := range skipped {
		e.log.Printf("region %s: %v", key, s)
	}
	if ok {
		stacks = append(prev.Stacks, stacks...)
		spawners = append(prev.Spawners, spawners...)
	}
	e.store.Save(regionstore.RegionV1{
		Header: regionstore.Header{
			World: key.World,
			CX:    key.CX,
			CZ:    key.CZ,
			Tick:  e.tick.Load(),
		},
		Stacks:   stacks,
		Spawners: spawners,
	})
	e.totals.regionsSaved.Add(1)
	e.emit(protocol.StackEventMsg{
		Event:  protocol.EventRegionSaved,
		Region: regionRef(key),
		Count:  len(stacks) + len(spawners),
	})
	return nil
}

// flushParked saves stacks that were unregistered as unloaded one by one.
func (e *Engine) flushParked() {
	for key, recs := range e.reg.DrainParked() {
		if len(recs) == 0 {
			continue
		}
		if err := e.persist(key, recs, nil); err != nil {
			e.log.Printf("region %s: %d parked stacks lost: %v", key, len(recs), err)
		}
	}
}

// saveAll unloads every region that holds a stack or spawner.
func (e *Engine) saveAll() {
	seen := map[model.RegionKey]bool{}
	var keys []model.RegionKey
	for _, k := range e.reg.Regions() {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	for _, s := range e.spawners.Sources() {
		k := s.Loc.Region()
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	for _, k := range keys {
		if _, err := e.unloadRegion(k); err != nil {
			e.log.Printf("shutdown save %s: %v", k, err)
		}
	}
	e.flushParked()
	e.flushEvents()
}

func regionRef(k model.RegionKey) *protocol.RegionRef {
	return &protocol.RegionRef{World: k.World, CX: k.CX, CZ: k.CZ}
}
