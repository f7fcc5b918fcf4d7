// Package registry owns every live stack of one engine instance. All methods
// must be called from the tick goroutine; nothing here takes locks.
package registry

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sort"

	"voxelstack.ai/internal/persistence/regionstore"
	"voxelstack.ai/internal/stack/codec"
	"voxelstack.ai/internal/stack/host"
	"voxelstack.ai/internal/stack/model"
	"voxelstack.ai/internal/stack/rules"
)

// Handle names a stack for its whole life, including host promotion.
type Handle uint64

var (
	// ErrHostGone is returned when the host object is no longer in the simulation.
	ErrHostGone = errors.New("stack host not in simulation")
	// ErrSpawnerKind rejects spawner sources; those are handled by the spawner manager.
	ErrSpawnerKind = errors.New("spawners carry a multiplier, not members")
)

type Config struct {
	// SplitSpread is the horizontal distance between materialized members
	// and their host.
	SplitSpread float64
	Logger      *log.Logger
	Listener    Listener
}

type entry struct {
	h       Handle
	st      *model.Stack
	lastLoc model.Location
	// promoteFailures counts failed promotions since the host died.
	promoteFailures int
}

type Registry struct {
	host  host.Capabilities
	codec *codec.Codec
	rules *rules.Store
	log   *log.Logger
	out   Listener

	spread float64

	nextHandle Handle
	nextSeq    uint64
	byHandle   map[Handle]*entry
	byHost     map[model.ObjectID]*entry

	// parked holds persisted forms of stacks unregistered with ReasonUnloaded
	// until the owner writes them to region storage.
	parked map[model.RegionKey][]regionstore.StackV1

	splitCursor int
}

func New(cfg Config, h host.Capabilities, rs *rules.Store) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	var out Listener = nopListener{}
	if cfg.Listener != nil {
		out = cfg.Listener
	}
	spread := cfg.SplitSpread
	if spread <= 0 {
		spread = 0.75
	}
	if rs == nil {
		rs = rules.NewStore(nil)
	}
	return &Registry{
		host:     h,
		codec:    codec.New(h),
		rules:    rs,
		log:      logger,
		out:      out,
		spread:   spread,
		byHandle: map[Handle]*entry{},
		byHost:   map[model.ObjectID]*entry{},
		parked:   map[model.RegionKey][]regionstore.StackV1{},
	}
}

func (r *Registry) Rules() *rules.Ruleset { return r.rules.Current() }

// Register starts tracking a live object as the host of an empty stack.
func (r *Registry) Register(id model.ObjectID, kind model.Kind) (Handle, error) {
	if _, dup := r.byHost[id]; dup {
		return 0, fmt.Errorf("register %s: %w", id, model.ErrAlreadyRegistered)
	}
	if kind == model.KindSpawner {
		return 0, fmt.Errorf("register %s: %w", id, ErrSpawnerKind)
	}
	cand, ok := r.host.Describe(id)
	if !ok {
		return 0, fmt.Errorf("register %s: %w", id, ErrHostGone)
	}
	if cand.Kind != kind {
		return 0, fmt.Errorf("register %s: is %s not %s: %w", id, cand.Kind, kind, model.ErrIncompatible)
	}
	if !r.rules.Current().Stackable(cand) {
		return 0, fmt.Errorf("register %s %s: %w", kind, cand.Subtype, model.ErrUnstackable)
	}
	r.nextSeq++
	e := r.insert(model.NewStack(r.nextSeq, id, kind, cand.Subtype, cand.Location.Region()), cand.Location)
	r.out.StackCreated(r.info(e))
	return e.h, nil
}

func (r *Registry) insert(st *model.Stack, loc model.Location) *entry {
	r.nextHandle++
	e := &entry{h: r.nextHandle, st: st, lastLoc: loc}
	r.byHandle[e.h] = e
	r.byHost[st.Host] = e
	return e
}

func (r *Registry) remove(e *entry) {
	delete(r.byHandle, e.h)
	delete(r.byHost, e.st.Host)
}

func (r *Registry) FindByHost(id model.ObjectID) (Handle, bool) {
	e, ok := r.byHost[id]
	if !ok {
		return 0, false
	}
	return e.h, true
}

func (r *Registry) Stack(h Handle) (Info, bool) {
	e, ok := r.byHandle[h]
	if !ok {
		return Info{}, false
	}
	return r.info(e), true
}

// Members returns copies of a stack's member blobs in absorption order.
func (r *Registry) Members(h Handle) ([]model.MemberBlob, bool) {
	e, ok := r.byHandle[h]
	if !ok {
		return nil, false
	}
	return e.st.Members(), true
}

func (r *Registry) Len() int { return len(r.byHandle) }

// Handles lists every stack in creation order.
func (r *Registry) Handles() []Handle {
	es := r.sorted(func(*entry) bool { return true })
	out := make([]Handle, len(es))
	for i, e := range es {
		out[i] = e.h
	}
	return out
}

// Regions lists the regions that currently hold at least one stack.
func (r *Registry) Regions() []model.RegionKey {
	seen := map[model.RegionKey]bool{}
	var out []model.RegionKey
	for _, e := range r.sorted(func(*entry) bool { return true }) {
		if !seen[e.st.Region] {
			seen[e.st.Region] = true
			out = append(out, e.st.Region)
		}
	}
	return out
}

// Totals is a per-kind count of stacks and members.
type Totals struct {
	Stacks  int
	Members int
	Objects int
}

func (r *Registry) Totals() map[model.Kind]Totals {
	out := map[model.Kind]Totals{}
	for _, e := range r.byHandle {
		t := out[e.st.Kind]
		t.Stacks++
		t.Members += e.st.MemberCount()
		t.Objects += e.st.Size()
		out[e.st.Kind] = t
	}
	return out
}

// FindCandidatesNear returns stacks near the host of h that it could merge with,
// in creation order.
func (r *Registry) FindCandidatesNear(h Handle, radius float64) ([]Handle, error) {
	e, ok := r.byHandle[h]
	if !ok {
		return nil, model.ErrNotRegistered
	}
	self, ok := r.host.Describe(e.st.Host)
	if !ok {
		return nil, ErrHostGone
	}
	rs := r.rules.Current()
	var found []*entry
	for _, id := range r.host.QueryNearby(self.Location, radius, e.st.Kind) {
		o, ok := r.byHost[id]
		if !ok || o == e {
			continue
		}
		cand, ok := r.host.Describe(id)
		if !ok || !rs.CanMerge(self, cand) {
			continue
		}
		found = append(found, o)
	}
	sortEntries(found)
	out := make([]Handle, len(found))
	for i, o := range found {
		out[i] = o.h
	}
	return out, nil
}

func (r *Registry) info(e *entry) Info {
	return Info{
		Handle:   e.h,
		Seq:      e.st.Seq,
		Host:     e.st.Host,
		Kind:     e.st.Kind,
		Subtype:  e.st.Subtype,
		Size:     e.st.Size(),
		Region:   e.st.Region,
		Location: e.lastLoc,
	}
}

func (r *Registry) sorted(keep func(*entry) bool) []*entry {
	out := make([]*entry, 0, len(r.byHandle))
	for _, e := range r.byHandle {
		if keep(e) {
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out
}

func sortEntries(es []*entry) {
	sort.Slice(es, func(i, j int) bool {
		if es[i].st.Seq != es[j].st.Seq {
			return es[i].st.Seq < es[j].st.Seq
		}
		return es[i].h < es[j].h
	})
}

func (r *Registry) maxSize(st *model.Stack) int {
	return int(r.rules.Current().MaxStackSize(st.Kind, st.Subtype))
}

// locate refreshes and returns the host's location.
func (r *Registry) locate(e *entry) (model.Candidate, bool) {
	cand, ok := r.host.Describe(e.st.Host)
	if ok {
		e.lastLoc = cand.Location
		e.st.Region = cand.Location.Region()
	}
	return cand, ok
}
