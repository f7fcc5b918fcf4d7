// Package sandbox is an in-memory simulation implementing the host
// capabilities. The daemon runs against it for soak tests and the engine
// tests use it as the collaborator.
package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"voxelstack.ai/internal/stack/host"
	"voxelstack.ai/internal/stack/model"
)

var (
	ErrNotFound       = errors.New("object not found")
	ErrRegionUnloaded = errors.New("region not loaded")
	ErrNoRoom         = errors.New("no room to spawn")
	ErrRejected       = errors.New("placement rejected")
)

type Object struct {
	ID      model.ObjectID
	Kind    model.Kind
	Subtype string
	Loc     model.Location
	Attrs   map[string]string
	// State holds everything else a real engine would persist
	// (health, age, equipment, inventory, custom flags).
	State map[string]string

	seq uint64
}

func (o *Object) clone() *Object {
	c := *o
	c.Attrs = cloneMap(o.Attrs)
	c.State = cloneMap(o.State)
	return &c
}

type LootDrop struct {
	Subtype string
	Attrs   map[string]string
	State   map[string]string
	Loc     model.Location
}

type native struct {
	Kind    uint8             `json:"kind"`
	Subtype string            `json:"subtype"`
	Attrs   map[string]string `json:"attrs,omitempty"`
	State   map[string]string `json:"state,omitempty"`
}

type Sim struct {
	mu sync.Mutex

	seq      uint64
	live     map[model.ObjectID]*Object
	detached map[model.ObjectID]*Object
	unloaded map[model.RegionKey]map[model.ObjectID]*Object

	loot []LootDrop

	// SpawnChance is the success probability of one spawner attempt.
	SpawnChance float64
	// MaxEntities caps live entities; spawn attempts beyond it fail with ErrNoRoom.
	MaxEntities int

	failInstantiate int
	failInsert      int
	failEncode      map[model.ObjectID]bool
}

var (
	_ host.Capabilities = (*Sim)(nil)
	_ host.Spawner      = (*Sim)(nil)
)

func New() *Sim {
	return &Sim{
		live:        map[model.ObjectID]*Object{},
		detached:    map[model.ObjectID]*Object{},
		unloaded:    map[model.RegionKey]map[model.ObjectID]*Object{},
		SpawnChance: 1,
		failEncode:  map[model.ObjectID]bool{},
	}
}

// Spawn adds a live object and returns its identity.
func (s *Sim) Spawn(kind model.Kind, subtype string, loc model.Location, attrs, state map[string]string) model.ObjectID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := model.ObjectID(fmt.Sprintf("%c%06d", kind.String()[0], s.seq))
	s.live[id] = &Object{
		ID:      id,
		Kind:    kind,
		Subtype: subtype,
		Loc:     loc,
		Attrs:   cloneMap(attrs),
		State:   cloneMap(state),
		seq:     s.seq,
	}
	return id
}

// Object returns a copy of a live object.
func (s *Sim) Object(id model.ObjectID) (Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.live[id]
	if !ok {
		return Object{}, false
	}
	return *o.clone(), true
}

// Live returns live object ids of kind (all kinds when kind is 0) in spawn order.
func (s *Sim) Live(kind model.Kind) []model.ObjectID {
	s.mu.Lock()
	defer s.mu.Unlock()
	objs := make([]*Object, 0, len(s.live))
	for _, o := range s.live {
		if kind == 0 || o.Kind == kind {
			objs = append(objs, o)
		}
	}
	sortBySeq(objs)
	out := make([]model.ObjectID, len(objs))
	for i, o := range objs {
		out[i] = o.ID
	}
	return out
}

func (s *Sim) Count(kind model.Kind, subtype string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, o := range s.live {
		if o.Kind == kind && (subtype == "" || o.Subtype == subtype) {
			n++
		}
	}
	return n
}

// Move relocates a live object.
func (s *Sim) Move(id model.ObjectID, loc model.Location) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.live[id]
	if !ok {
		return ErrNotFound
	}
	o.Loc = loc
	return nil
}

// Kill removes an object without telling anyone, the way a simulation
// removes objects outside the stacking engine's control.
func (s *Sim) Kill(id model.ObjectID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.live, id)
}

// UnloadRegion hides every live object in the region until LoadRegion.
func (s *Sim) UnloadRegion(r model.RegionKey) []model.ObjectID {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := s.unloaded[r]
	if bucket == nil {
		bucket = map[model.ObjectID]*Object{}
		s.unloaded[r] = bucket
	}
	var ids []model.ObjectID
	for id, o := range s.live {
		if o.Loc.Region() == r {
			bucket[id] = o
			delete(s.live, id)
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// LoadRegion brings back the objects hidden by UnloadRegion.
func (s *Sim) LoadRegion(r model.RegionKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, o := range s.unloaded[r] {
		s.live[id] = o
	}
	delete(s.unloaded, r)
}

// DropRegion forgets a region's hidden objects entirely.
func (s *Sim) DropRegion(r model.RegionKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.unloaded, r)
}

func (s *Sim) RegionLoaded(r model.RegionKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, hidden := s.unloaded[r]
	return !hidden
}

func (s *Sim) Loot() []LootDrop {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LootDrop, len(s.loot))
	copy(out, s.loot)
	return out
}

// FailNextInstantiations makes the next n InstantiateNative calls fail.
func (s *Sim) FailNextInstantiations(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failInstantiate = n
}

// FailNextInserts makes the next n InsertIntoSimulation calls fail.
func (s *Sim) FailNextInserts(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failInsert = n
}

// FailEncode makes EncodeNative fail for one object.
func (s *Sim) FailEncode(id model.ObjectID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failEncode[id] = true
}

func (s *Sim) Describe(id model.ObjectID) (model.Candidate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.live[id]
	if !ok {
		return model.Candidate{}, false
	}
	return model.Candidate{
		ID:       o.ID,
		Kind:     o.Kind,
		Subtype:  o.Subtype,
		Location: o.Loc,
		Attrs:    cloneMap(o.Attrs),
	}, true
}

func (s *Sim) EncodeNative(id model.ObjectID) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.live[id]
	if !ok {
		return nil, ErrNotFound
	}
	if s.failEncode[id] {
		return nil, fmt.Errorf("encode %s: unsupported state", id)
	}
	// Position and identity are not part of the native state.
	return json.Marshal(native{Kind: uint8(o.Kind), Subtype: o.Subtype, Attrs: o.Attrs, State: o.State})
}

func (s *Sim) DecodeNative(kind model.Kind, raw []byte) (host.Descriptor, error) {
	var n native
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, err
	}
	if model.Kind(n.Kind) != kind {
		return nil, fmt.Errorf("native kind %d, want %s", n.Kind, kind)
	}
	return n, nil
}

func (s *Sim) InstantiateNative(d host.Descriptor, loc model.Location, ident host.Identity) (model.ObjectID, error) {
	n, ok := d.(native)
	if !ok {
		return "", fmt.Errorf("unexpected descriptor %T", d)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failInstantiate > 0 {
		s.failInstantiate--
		return "", ErrRejected
	}
	if _, hidden := s.unloaded[loc.Region()]; hidden {
		return "", ErrRegionUnloaded
	}
	if _, dup := s.live[ident.ID]; dup {
		return "", fmt.Errorf("identity %s already live", ident.ID)
	}
	s.seq++
	s.detached[ident.ID] = &Object{
		ID:      ident.ID,
		Kind:    model.Kind(n.Kind),
		Subtype: n.Subtype,
		Loc:     loc,
		Attrs:   cloneMap(n.Attrs),
		State:   cloneMap(n.State),
		seq:     s.seq,
	}
	return ident.ID, nil
}

func (s *Sim) InsertIntoSimulation(id model.ObjectID, loc model.Location) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failInsert > 0 {
		s.failInsert--
		return ErrRejected
	}
	o, ok := s.detached[id]
	if !ok {
		return ErrNotFound
	}
	if _, hidden := s.unloaded[loc.Region()]; hidden {
		return ErrRegionUnloaded
	}
	delete(s.detached, id)
	o.Loc = loc
	s.live[id] = o
	return nil
}

func (s *Sim) RemoveFromSimulation(id model.ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.detached[id]; ok {
		delete(s.detached, id)
		return nil
	}
	if _, ok := s.live[id]; !ok {
		return ErrNotFound
	}
	delete(s.live, id)
	return nil
}

func (s *Sim) QueryNearby(loc model.Location, radius float64, kind model.Kind) []model.ObjectID {
	s.mu.Lock()
	defer s.mu.Unlock()
	r2 := radius * radius
	var objs []*Object
	for _, o := range s.live {
		if o.Kind != kind {
			continue
		}
		if o.Loc.DistanceSq(loc) <= r2 {
			objs = append(objs, o)
		}
	}
	sortBySeq(objs)
	out := make([]model.ObjectID, len(objs))
	for i, o := range objs {
		out[i] = o.ID
	}
	return out
}

func (s *Sim) DropLoot(d host.Descriptor, loc model.Location) error {
	n, ok := d.(native)
	if !ok {
		return fmt.Errorf("unexpected descriptor %T", d)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, hidden := s.unloaded[loc.Region()]; hidden {
		return ErrRegionUnloaded
	}
	s.loot = append(s.loot, LootDrop{Subtype: n.Subtype, Attrs: cloneMap(n.Attrs), State: cloneMap(n.State), Loc: loc})
	return nil
}

func (s *Sim) AttemptSpawn(source model.ObjectID, subtype string, rng *rand.Rand) (host.SpawnOutcome, error) {
	s.mu.Lock()
	src, ok := s.live[source]
	if !ok || src.Kind != model.KindSpawner {
		s.mu.Unlock()
		return host.SpawnOutcome{}, ErrNotFound
	}
	loc := src.Loc
	entities := 0
	for _, o := range s.live {
		if o.Kind == model.KindEntity {
			entities++
		}
	}
	chance := s.SpawnChance
	maxEntities := s.MaxEntities
	s.mu.Unlock()

	if rng.Float64() >= chance {
		return host.SpawnOutcome{}, nil
	}
	if maxEntities > 0 && entities >= maxEntities {
		return host.SpawnOutcome{}, ErrNoRoom
	}
	off := func() float64 { return math.Round((rng.Float64()*8-4)*10) / 10 }
	id := s.Spawn(model.KindEntity, subtype, loc.Offset(off(), 0, off()), nil, map[string]string{"spawn_reason": "SPAWNER"})
	return host.SpawnOutcome{Spawned: true, ID: id, XP: 1 + rng.Intn(3)}, nil
}

func sortBySeq(objs []*Object) {
	sort.Slice(objs, func(i, j int) bool { return objs[i].seq < objs[j].seq })
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
