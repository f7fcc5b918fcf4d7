package registry

import (
	"errors"
	"fmt"
	"sort"

	"voxelstack.ai/internal/stack/model"
)

// Merge moves as many of source's objects into target as fit. Members go
// first, oldest first; if the source is then empty and room remains, its host
// is absorbed too and the source stack disappears. A partial merge is a
// success: the excess stays in source.
func (r *Registry) Merge(target, source Handle) (int, error) {
	t, ok := r.byHandle[target]
	if !ok {
		return 0, fmt.Errorf("merge target: %w", model.ErrNotRegistered)
	}
	s, ok := r.byHandle[source]
	if !ok {
		return 0, fmt.Errorf("merge source: %w", model.ErrNotRegistered)
	}
	if t == s {
		return 0, fmt.Errorf("merge %s into itself: %w", t.st, model.ErrIncompatible)
	}
	tc, ok := r.locate(t)
	if !ok {
		return 0, fmt.Errorf("merge target %s: %w", t.st.Host, ErrHostGone)
	}
	sc, ok := r.locate(s)
	if !ok {
		return 0, fmt.Errorf("merge source %s: %w", s.st.Host, ErrHostGone)
	}
	if !r.rules.Current().CanMerge(tc, sc) {
		return 0, fmt.Errorf("merge %s into %s: %w", s.st, t.st, model.ErrIncompatible)
	}

	limit := r.maxSize(t.st)
	room := t.st.Room(limit)
	if room == 0 {
		return 0, model.ErrCapacityExceeded
	}
	moved := s.st.ReleaseOldest(room)
	for _, b := range moved {
		// Room was checked above, Attach cannot fail here.
		_ = t.st.Attach(limit, b)
	}
	count := len(moved)

	if s.st.MemberCount() == 0 && t.st.Room(limit) > 0 {
		if err := r.absorbHost(t, s, limit); err != nil {
			r.log.Printf("merge: source host %s stays as a single stack: %v", s.st.Host, err)
		} else {
			count++
		}
	}
	if count > 0 {
		r.out.StackMerged(r.info(t), count)
	}
	return count, nil
}

// absorbHost encodes the drained source host into target and retires the source stack.
func (r *Registry) absorbHost(t, s *entry, limit int) error {
	if err := t.st.TryAbsorb(limit, func() (model.MemberBlob, error) { return r.codec.Encode(s.st.Host) }); err != nil {
		return err
	}
	if err := r.host.RemoveFromSimulation(s.st.Host); err != nil {
		_, _ = t.st.ReleaseOne()
		return err
	}
	info := r.info(s)
	r.remove(s)
	r.out.StackRemoved(info, ReasonMerged)
	return nil
}

// Absorb encodes one live, unstacked object into the stack h and removes it
// from the simulation.
func (r *Registry) Absorb(h Handle, id model.ObjectID) error {
	e, ok := r.byHandle[h]
	if !ok {
		return model.ErrNotRegistered
	}
	if err := r.absorb(e, id); err != nil {
		return err
	}
	r.out.StackMerged(r.info(e), 1)
	return nil
}

func (r *Registry) absorb(e *entry, id model.ObjectID) error {
	if _, stacked := r.byHost[id]; stacked {
		return fmt.Errorf("absorb %s: %w", id, model.ErrAlreadyRegistered)
	}
	self, ok := r.locate(e)
	if !ok {
		return fmt.Errorf("absorb into %s: %w", e.st.Host, ErrHostGone)
	}
	cand, ok := r.host.Describe(id)
	if !ok {
		return fmt.Errorf("absorb %s: %w", id, ErrHostGone)
	}
	if !r.rules.Current().CanMerge(self, cand) {
		return fmt.Errorf("absorb %s into %s: %w", id, e.st, model.ErrIncompatible)
	}
	if err := e.st.TryAbsorb(r.maxSize(e.st), func() (model.MemberBlob, error) { return r.codec.Encode(id) }); err != nil {
		return err
	}
	if err := r.host.RemoveFromSimulation(id); err != nil {
		_, _ = e.st.ReleaseOne()
		return fmt.Errorf("absorb %s: %w", id, err)
	}
	return nil
}

// MergeReport summarizes one merge scan.
type MergeReport struct {
	// Objects is the number of objects that ended up inside another stack.
	Objects int
	// Created counts stacks registered during the scan.
	Created int
	Errs    []error
}

func (m MergeReport) Err() error { return errors.Join(m.Errs...) }

type slot struct {
	id   model.ObjectID
	cand model.Candidate
	e    *entry
	done bool
}

// MergeGroup runs the greedy scan over a set of nearby objects of one kind.
// Existing stacks go first in creation order, then unstacked objects in the
// order given; each object in turn becomes the target for every later
// compatible object until it is full. Objects a full target could not take
// are left for later targets in the same scan.
func (r *Registry) MergeGroup(kind model.Kind, ids []model.ObjectID) MergeReport {
	var rep MergeReport
	if kind == model.KindSpawner {
		return rep
	}
	rs := r.rules.Current()
	seen := map[model.ObjectID]bool{}
	var stacked, loose []*slot
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		cand, ok := r.host.Describe(id)
		if !ok || cand.Kind != kind || !rs.Stackable(cand) {
			continue
		}
		s := &slot{id: id, cand: cand}
		if e, ok := r.byHost[id]; ok {
			s.e = e
			stacked = append(stacked, s)
		} else {
			loose = append(loose, s)
		}
	}
	sortSlots(stacked)
	slots := append(stacked, loose...)

	for i, tgt := range slots {
		if tgt.done {
			continue
		}
		absorbed := 0
		for j := i + 1; j < len(slots); j++ {
			src := slots[j]
			if src.done || !rs.CanMerge(tgt.cand, src.cand) {
				continue
			}
			if tgt.e == nil {
				h, err := r.Register(tgt.id, kind)
				if err != nil {
					rep.Errs = append(rep.Errs, err)
					break
				}
				tgt.e = r.byHandle[h]
				rep.Created++
			}
			if tgt.e.st.Room(r.maxSize(tgt.e.st)) == 0 {
				break
			}
			if src.e != nil {
				n, err := r.Merge(tgt.e.h, src.e.h)
				if err != nil {
					rep.Errs = append(rep.Errs, err)
					continue
				}
				rep.Objects += n
				if _, still := r.byHandle[src.e.h]; !still {
					src.done = true
				}
				continue
			}
			if err := r.absorb(tgt.e, src.id); err != nil {
				if errors.Is(err, model.ErrCapacityExceeded) {
					break
				}
				rep.Errs = append(rep.Errs, err)
				continue
			}
			src.done = true
			absorbed++
		}
		if absorbed > 0 {
			rep.Objects += absorbed
			r.out.StackMerged(r.info(tgt.e), absorbed)
		}
	}
	return rep
}

func sortSlots(ss []*slot) {
	sort.SliceStable(ss, func(i, j int) bool {
		a, b := ss[i].e, ss[j].e
		if a.st.Seq != b.st.Seq {
			return a.st.Seq < b.st.Seq
		}
		return a.h < b.h
	})
}
