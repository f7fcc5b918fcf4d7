package registry

import (
	"errors"
	"fmt"

	"voxelstack.ai/internal/persistence/regionstore"
	"voxelstack.ai/internal/stack/codec"
	"voxelstack.ai/internal/stack/host"
	"voxelstack.ai/internal/stack/model"
)

// Unregister ends tracking of a stack. Died turns every member into loot at
// the host's last location; Unloaded parks the host snapshot and members for
// region storage; Removed discards the members. Members are never
// materialized as live objects here.
func (r *Registry) Unregister(id model.ObjectID, reason Reason) error {
	e, ok := r.byHost[id]
	if !ok {
		return fmt.Errorf("unregister %s: %w", id, model.ErrNotRegistered)
	}
	r.locate(e)
	info := r.info(e)
	var err error
	switch reason {
	case ReasonDied:
		err = r.dropLoot(e)
	case ReasonUnloaded:
		r.park(e)
	case ReasonRemoved:
	default:
		return fmt.Errorf("unregister %s: unsupported reason %s", id, reason)
	}
	r.remove(e)
	r.out.StackRemoved(info, reason)
	return err
}

func (r *Registry) dropLoot(e *entry) error {
	var errs []error
	for _, b := range e.st.ReleaseAll() {
		state, err := codec.Decode(b, e.st.Kind)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		d, err := r.codec.Descriptor(state)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := r.host.DropLoot(d, e.lastLoc); err != nil {
			errs = append(errs, fmt.Errorf("loot %s: %w", state.Subtype, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		r.log.Printf("death of %s: %d members lost: %v", e.st, len(errs), err)
		return err
	}
	return nil
}

func (r *Registry) park(e *entry) {
	rec := regionstore.StackV1{
		Host:    string(e.st.Host),
		Kind:    uint8(e.st.Kind),
		Subtype: e.st.Subtype,
		Seq:     e.st.Seq,
		HostLoc: e.lastLoc,
	}
	if hs, err := r.codec.Encode(e.st.Host); err == nil {
		rec.HostState = hs
	} else {
		r.log.Printf("unload %s: no host snapshot: %v", e.st, err)
	}
	rec.Members = toBytes(e.st.ReleaseAll())
	key := e.lastLoc.Region()
	r.parked[key] = append(r.parked[key], rec)
}

// parkHeadless parks a stack whose host is gone. Its newest member becomes
// the host snapshot under a fresh identity, so loading the region rebuilds it.
func (r *Registry) parkHeadless(e *entry) {
	rec := regionstore.StackV1{
		Host:    string(codec.NewIdentity().ID),
		Kind:    uint8(e.st.Kind),
		Subtype: e.st.Subtype,
		Seq:     e.st.Seq,
		HostLoc: e.lastLoc,
	}
	if hs, err := e.st.ReleaseOne(); err == nil {
		rec.HostState = hs
	}
	rec.Members = toBytes(e.st.ReleaseAll())
	key := e.lastLoc.Region()
	r.parked[key] = append(r.parked[key], rec)
}

// DrainParked hands over every stack parked for region storage since the last call.
func (r *Registry) DrainParked() map[model.RegionKey][]regionstore.StackV1 {
	out := r.parked
	r.parked = map[model.RegionKey][]regionstore.StackV1{}
	return out
}

// maxPromoteAttempts bounds how many times a headless stack is promoted
// before it is parked for region storage.
const maxPromoteAttempts = 3

// Promote replaces a dead host with its newest member so the rest of the
// stack lives on. A stack without members simply ends. On failure the
// stack stays registered under the old host and Reconcile retries.
func (r *Registry) Promote(id model.ObjectID) (model.ObjectID, error) {
	e, ok := r.byHost[id]
	if !ok {
		return "", fmt.Errorf("promote %s: %w", id, model.ErrNotRegistered)
	}
	if e.st.MemberCount() == 0 {
		info := r.info(e)
		r.remove(e)
		r.out.StackRemoved(info, ReasonDied)
		return "", nil
	}
	blob, _ := e.st.ReleaseOne()
	state, err := codec.Decode(blob, e.st.Kind)
	if err != nil {
		r.log.Printf("promote %s: dropping corrupt member: %v", e.st, err)
		e.promoteFailures++
		return "", err
	}
	next, err := r.codec.Instantiate(state, e.lastLoc, codec.NewIdentity())
	if err != nil {
		e.st.Push(blob)
		e.promoteFailures++
		return "", err
	}
	e.promoteFailures = 0
	delete(r.byHost, e.st.Host)
	e.st.Host = next
	r.byHost[next] = e
	r.locate(e)
	r.out.StackPromoted(id, r.info(e))
	return next, nil
}

// ClearAll unregisters every stack of kind with ReasonRemoved.
func (r *Registry) ClearAll(kind model.Kind) int {
	n := 0
	for _, e := range r.sorted(func(e *entry) bool { return e.st.Kind == kind }) {
		if err := r.Unregister(e.st.Host, ReasonRemoved); err == nil {
			n++
		}
	}
	return n
}

// Reconcile re-resolves every host. Stacks whose host vanished outside the
// registry's control are removed; the rest get their region refreshed. A
// stack left headless by a failed promotion is promoted again, and parked
// once maxPromoteAttempts is reached.
func (r *Registry) Reconcile() []Info {
	var gone []Info
	for _, e := range r.sorted(func(*entry) bool { return true }) {
		if _, ok := r.locate(e); ok {
			continue
		}
		if e.promoteFailures > 0 {
			if e.promoteFailures < maxPromoteAttempts {
				if _, err := r.Promote(e.st.Host); err != nil {
					r.log.Printf("reconcile: promote %s attempt %d: %v", e.st, e.promoteFailures, err)
				}
				continue
			}
			info := r.info(e)
			r.log.Printf("reconcile: %s could not be promoted, parking %d members", e.st, e.st.MemberCount())
			r.parkHeadless(e)
			r.remove(e)
			r.out.StackRemoved(info, ReasonUnloaded)
			continue
		}
		info := r.info(e)
		r.log.Printf("reconcile: host %s of %s vanished, discarding %d members", e.st.Host, e.st, e.st.MemberCount())
		r.remove(e)
		r.out.StackRemoved(info, ReasonRemoved)
		gone = append(gone, info)
	}
	return gone
}

// UnloadRegion parks every stack of the region, in creation order, and
// returns their persisted form.
func (r *Registry) UnloadRegion(key model.RegionKey) []regionstore.StackV1 {
	for _, e := range r.sorted(func(e *entry) bool { return e.st.Region == key }) {
		_ = r.Unregister(e.st.Host, ReasonUnloaded)
	}
	out := r.parked[key]
	delete(r.parked, key)
	return out
}

// LoadReport summarizes a region reload.
type LoadReport struct {
	Restored int
	// Rehosted counts stacks whose host had to be re-created from its snapshot.
	Rehosted int
	Dropped  int
	// Overflow counts members placed as live objects because the current
	// rules no longer allow that many.
	Overflow int
	Errs     []error
}

func (l LoadReport) Err() error { return errors.Join(l.Errs...) }

// LoadRegion re-registers persisted stacks with their member order intact.
// Corrupt members are dropped and logged one by one. A stack whose host
// cannot be found or re-created is parked again rather than lost.
func (r *Registry) LoadRegion(key model.RegionKey, recs []regionstore.StackV1) LoadReport {
	var rep LoadReport
	for _, rec := range recs {
		kind := model.Kind(rec.Kind)
		hostID := model.ObjectID(rec.Host)
		if _, dup := r.byHost[hostID]; dup {
			rep.Errs = append(rep.Errs, fmt.Errorf("load %s host %s: %w", key, hostID, model.ErrAlreadyRegistered))
			continue
		}
		members := make([]model.MemberBlob, 0, len(rec.Members))
		for i, m := range rec.Members {
			if err := codec.Validate(m, kind); err != nil {
				r.log.Printf("load %s: host %s member %d dropped: %v", key, hostID, i, err)
				rep.Dropped++
				continue
			}
			members = append(members, m)
		}

		cand, ok := r.host.Describe(hostID)
		if !ok {
			var err error
			cand, err = r.rehost(rec, kind)
			if err != nil {
				r.log.Printf("load %s: host %s not restored, keeping stack parked: %v", key, hostID, err)
				rep.Errs = append(rep.Errs, err)
				rec.Members = toBytes(members)
				r.parked[key] = append(r.parked[key], rec)
				continue
			}
			rep.Rehosted++
		}

		st := model.NewStack(rec.Seq, hostID, kind, rec.Subtype, cand.Location.Region())
		limit := int(r.rules.Current().MaxStackSize(kind, rec.Subtype))
		for _, m := range members {
			st.Push(m)
		}
		if rec.Seq > r.nextSeq {
			r.nextSeq = rec.Seq
		}
		e := r.insert(st, cand.Location)
		if limit > 0 && st.Size() > limit {
			over := st.Size() - limit
			ids, err := r.spill(e, over)
			rep.Overflow += len(ids)
			if err != nil {
				rep.Errs = append(rep.Errs, err)
			}
		}
		rep.Restored++
		r.out.StackCreated(r.info(e))
	}
	return rep
}

// rehost re-creates a missing host from its snapshot under its old identity.
func (r *Registry) rehost(rec regionstore.StackV1, kind model.Kind) (model.Candidate, error) {
	hostID := model.ObjectID(rec.Host)
	if len(rec.HostState) == 0 {
		return model.Candidate{}, fmt.Errorf("host %s: %w", hostID, ErrHostGone)
	}
	state, err := codec.Decode(rec.HostState, kind)
	if err != nil {
		return model.Candidate{}, fmt.Errorf("host %s snapshot: %w", hostID, err)
	}
	if _, err := r.codec.Instantiate(state, rec.HostLoc, host.Identity{ID: hostID}); err != nil {
		return model.Candidate{}, err
	}
	cand, ok := r.host.Describe(hostID)
	if !ok {
		return model.Candidate{}, fmt.Errorf("host %s: %w", hostID, ErrHostGone)
	}
	return cand, nil
}

// spill materializes the newest n members next to the host.
func (r *Registry) spill(e *entry, n int) ([]model.ObjectID, error) {
	var ids []model.ObjectID
	var errs []error
	for i := 0; i < n; i++ {
		blob, err := e.st.ReleaseOne()
		if err != nil {
			break
		}
		state, err := codec.Decode(blob, e.st.Kind)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		id, err := r.codec.Instantiate(state, r.splitLocation(e.lastLoc), codec.NewIdentity())
		if err != nil {
			e.st.Push(blob)
			errs = append(errs, err)
			break
		}
		ids = append(ids, id)
	}
	return ids, errors.Join(errs...)
}

func toBytes(ms []model.MemberBlob) [][]byte {
	out := make([][]byte, len(ms))
	for i, m := range ms {
		out[i] = m
	}
	return out
}
