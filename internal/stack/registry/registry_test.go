package registry

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"voxelstack.ai/internal/persistence/regionstore"
	"voxelstack.ai/internal/stack/host/sandbox"
	"voxelstack.ai/internal/stack/model"
	"voxelstack.ai/internal/stack/rules"
)

const zombieCap64 = `
subtypes:
  ZOMBIE:
    max_stack_size: 64
  SLIME:
    conditions:
      dont_stack_if_different_size: true
`

type event struct {
	name   string
	info   Info
	count  int
	reason Reason
}

type recorder struct{ events []event }

func (r *recorder) StackCreated(s Info) { r.events = append(r.events, event{name: "created", info: s}) }
func (r *recorder) StackMerged(s Info, n int) {
	r.events = append(r.events, event{name: "merged", info: s, count: n})
}
func (r *recorder) StackSplit(s Info, n int) {
	r.events = append(r.events, event{name: "split", info: s, count: n})
}
func (r *recorder) StackRemoved(s Info, reason Reason) {
	r.events = append(r.events, event{name: "removed", info: s, reason: reason})
}
func (r *recorder) StackPromoted(prev model.ObjectID, s Info) {
	r.events = append(r.events, event{name: "promoted", info: s})
}

func (r *recorder) count(name string) int {
	n := 0
	for _, e := range r.events {
		if e.name == name {
			n++
		}
	}
	return n
}

type fixture struct {
	sim *sandbox.Sim
	reg *Registry
	rec *recorder
}

func newFixture(t *testing.T, entitySettings string) *fixture {
	t.Helper()
	dir := t.TempDir()
	if entitySettings != "" {
		if err := os.WriteFile(filepath.Join(dir, "entity_settings.yaml"), []byte(entitySettings), 0o644); err != nil {
			t.Fatalf("write settings: %v", err)
		}
	}
	rs, err := rules.LoadDir(dir)
	if err != nil {
		t.Fatalf("load rules: %v", err)
	}
	sim := sandbox.New()
	rec := &recorder{}
	reg := New(Config{Listener: rec}, sim, rules.NewStore(rs))
	return &fixture{sim: sim, reg: reg, rec: rec}
}

var here = model.Location{World: "w", X: 8, Y: 64, Z: 8}

func (f *fixture) zombies(n int) []model.ObjectID {
	ids := make([]model.ObjectID, n)
	for i := range ids {
		ids[i] = f.sim.Spawn(model.KindEntity, "ZOMBIE", here, nil, map[string]string{"health": fmt.Sprint(20 - i%5), "n": fmt.Sprint(i)})
	}
	return ids
}

// stackOf registers ids[0] and absorbs the rest.
func (f *fixture) stackOf(t *testing.T, ids []model.ObjectID) Handle {
	t.Helper()
	h, err := f.reg.Register(ids[0], model.KindEntity)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	for _, id := range ids[1:] {
		if err := f.reg.Absorb(h, id); err != nil {
			t.Fatalf("absorb %s: %v", id, err)
		}
	}
	return h
}

func size(t *testing.T, r *Registry, h Handle) int {
	t.Helper()
	info, ok := r.Stack(h)
	if !ok {
		t.Fatalf("stack %d not registered", h)
	}
	return info.Size
}

func TestAbsorb_StopsAtCapacity(t *testing.T) {
	f := newFixture(t, zombieCap64)
	ids := f.zombies(70)
	h, err := f.reg.Register(ids[0], model.KindEntity)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	ok, rejected := 0, 0
	for _, id := range ids[1:] {
		err := f.reg.Absorb(h, id)
		switch {
		case err == nil:
			ok++
		case errors.Is(err, model.ErrCapacityExceeded):
			rejected++
		default:
			t.Fatalf("absorb %s: %v", id, err)
		}
	}
	if got := size(t, f.reg, h); got != 64 {
		t.Fatalf("size=%d want 64", got)
	}
	if ok != 63 || rejected != 6 {
		t.Fatalf("ok=%d rejected=%d want 63/6", ok, rejected)
	}
	if live := f.sim.Count(model.KindEntity, "ZOMBIE"); live != 7 {
		t.Fatalf("live zombies=%d want host + 6 rejected", live)
	}
}

func TestRegister_RejectsDuplicatesAndUnstackable(t *testing.T) {
	f := newFixture(t, "subtypes:\n  CREEPER:\n    enabled: false\n")
	z := f.zombies(1)[0]
	if _, err := f.reg.Register(z, model.KindEntity); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := f.reg.Register(z, model.KindEntity); !errors.Is(err, model.ErrAlreadyRegistered) {
		t.Fatalf("second register err=%v", err)
	}
	if f.reg.Len() != 1 || f.rec.count("created") != 1 {
		t.Fatalf("len=%d created=%d", f.reg.Len(), f.rec.count("created"))
	}
	c := f.sim.Spawn(model.KindEntity, "CREEPER", here, nil, nil)
	if _, err := f.reg.Register(c, model.KindEntity); !errors.Is(err, model.ErrUnstackable) {
		t.Fatalf("disabled subtype err=%v", err)
	}
	if _, err := f.reg.Register(z+"x", model.KindEntity); !errors.Is(err, ErrHostGone) {
		t.Fatalf("missing host err=%v", err)
	}
}

func TestMerge_PartialLeavesExcessInSource(t *testing.T) {
	f := newFixture(t, zombieCap64)
	ids := f.zombies(68)
	y := f.stackOf(t, ids[:58])
	x := f.stackOf(t, ids[58:])
	if size(t, f.reg, y) != 58 || size(t, f.reg, x) != 10 {
		t.Fatalf("setup sizes y=%d x=%d", size(t, f.reg, y), size(t, f.reg, x))
	}
	xBefore, _ := f.reg.Members(x)

	n, err := f.reg.Merge(y, x)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if n != 6 {
		t.Fatalf("merged=%d want 6", n)
	}
	if size(t, f.reg, y) != 64 || size(t, f.reg, x) != 4 {
		t.Fatalf("after merge y=%d x=%d want 64/4", size(t, f.reg, y), size(t, f.reg, x))
	}
	// Oldest members of the source move first.
	yMembers, _ := f.reg.Members(y)
	for i := 0; i < 6; i++ {
		if !bytes.Equal(yMembers[57+i], xBefore[i]) {
			t.Fatalf("member %d moved out of order", i)
		}
	}
	if _, err := f.reg.Merge(y, x); !errors.Is(err, model.ErrCapacityExceeded) {
		t.Fatalf("merge into full stack err=%v", err)
	}
}

func TestMerge_DrainedSourceIsAbsorbed(t *testing.T) {
	f := newFixture(t, zombieCap64)
	ids := f.zombies(8)
	y := f.stackOf(t, ids[:5])
	x := f.stackOf(t, ids[5:])

	n, err := f.reg.Merge(y, x)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if n != 3 || size(t, f.reg, y) != 8 {
		t.Fatalf("merged=%d size=%d want 3/8", n, size(t, f.reg, y))
	}
	if _, ok := f.reg.Stack(x); ok {
		t.Fatalf("drained source still registered")
	}
	if _, ok := f.sim.Object(ids[5]); ok {
		t.Fatalf("drained source host still in simulation")
	}
	last := f.rec.events[len(f.rec.events)-1]
	if last.name != "merged" || last.count != 3 {
		t.Fatalf("last event=%+v", last)
	}
}

func TestMerge_RespectsConditions(t *testing.T) {
	f := newFixture(t, zombieCap64)
	a := f.sim.Spawn(model.KindEntity, "SLIME", here, map[string]string{rules.AttrSize: "1"}, nil)
	b := f.sim.Spawn(model.KindEntity, "SLIME", here, map[string]string{rules.AttrSize: "2"}, nil)
	c := f.sim.Spawn(model.KindEntity, "SLIME", here, map[string]string{rules.AttrSize: "1"}, nil)
	ha, _ := f.reg.Register(a, model.KindEntity)
	hb, _ := f.reg.Register(b, model.KindEntity)
	if _, err := f.reg.Merge(ha, hb); !errors.Is(err, model.ErrIncompatible) {
		t.Fatalf("different sizes err=%v", err)
	}
	near, err := f.reg.FindCandidatesNear(ha, 5)
	if err != nil {
		t.Fatalf("near: %v", err)
	}
	if len(near) != 0 {
		t.Fatalf("near=%v want none", near)
	}
	hc, _ := f.reg.Register(c, model.KindEntity)
	near, _ = f.reg.FindCandidatesNear(ha, 5)
	if len(near) != 1 || near[0] != hc {
		t.Fatalf("near=%v want [%d]", near, hc)
	}
}

func TestSplitOne_PopsNewestAndKeepsHost(t *testing.T) {
	f := newFixture(t, zombieCap64)
	ids := f.zombies(3)
	h := f.stackOf(t, ids)

	id, err := f.reg.SplitOne(h)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	o, ok := f.sim.Object(id)
	if !ok {
		t.Fatalf("split member %s not live", id)
	}
	if o.State["n"] != "2" {
		t.Fatalf("split released n=%s want newest (2)", o.State["n"])
	}
	if o.Loc == here {
		t.Fatalf("split member placed on top of host")
	}
	if _, err := f.reg.SplitOne(h); err != nil {
		t.Fatalf("second split: %v", err)
	}
	if _, err := f.reg.SplitOne(h); !errors.Is(err, model.ErrEmpty) {
		t.Fatalf("split of size-1 stack err=%v", err)
	}
	if size(t, f.reg, h) != 1 {
		t.Fatalf("host released")
	}
}

func TestSplitOne_InstantiateFailureKeepsMember(t *testing.T) {
	f := newFixture(t, zombieCap64)
	h := f.stackOf(t, f.zombies(4))
	f.sim.FailNextInstantiations(1)
	if _, err := f.reg.SplitOne(h); err == nil {
		t.Fatalf("expected instantiate error")
	}
	if size(t, f.reg, h) != 4 {
		t.Fatalf("size=%d want 4 after failed split", size(t, f.reg, h))
	}
	f.sim.FailNextInserts(1)
	if _, err := f.reg.SplitOne(h); err == nil {
		t.Fatalf("expected insert error")
	}
	if size(t, f.reg, h) != 4 {
		t.Fatalf("size=%d want 4 after failed insert", size(t, f.reg, h))
	}
	if got := f.sim.Count(model.KindEntity, "ZOMBIE"); got != 1 {
		t.Fatalf("failed splits left %d live zombies", got)
	}
}

func sortedBlobs(bs []model.MemberBlob) []string {
	out := make([]string, len(bs))
	for i, b := range bs {
		out[i] = string(b)
	}
	sort.Strings(out)
	return out
}

func TestSplitAll_ThenRemergeRestoresMultiset(t *testing.T) {
	f := newFixture(t, zombieCap64)
	ids := f.zombies(12)
	h := f.stackOf(t, ids)
	before, _ := f.reg.Members(h)

	out, err := f.reg.SplitAll(h)
	if err != nil {
		t.Fatalf("split all: %v", err)
	}
	if len(out) != 11 || size(t, f.reg, h) != 1 {
		t.Fatalf("split=%d size=%d", len(out), size(t, f.reg, h))
	}
	if f.sim.Count(model.KindEntity, "ZOMBIE") != 12 {
		t.Fatalf("live=%d want 12", f.sim.Count(model.KindEntity, "ZOMBIE"))
	}

	rep := f.reg.MergeGroup(model.KindEntity, f.sim.QueryNearby(here, 5, model.KindEntity))
	if err := rep.Err(); err != nil {
		t.Fatalf("merge group: %v", err)
	}
	if rep.Objects != 11 || rep.Created != 0 {
		t.Fatalf("report=%+v", rep)
	}
	after, _ := f.reg.Members(h)
	a, b := sortedBlobs(before), sortedBlobs(after)
	if len(a) != len(b) {
		t.Fatalf("members %d -> %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("member multiset changed at %d", i)
		}
	}
}

func TestSplitAll_KeepsMembersThatFailToPlace(t *testing.T) {
	f := newFixture(t, zombieCap64)
	h := f.stackOf(t, f.zombies(6))
	f.sim.FailNextInstantiations(2)
	out, err := f.reg.SplitAll(h)
	if err == nil {
		t.Fatalf("expected joined error")
	}
	if len(out) != 3 || size(t, f.reg, h) != 3 {
		t.Fatalf("split=%d size=%d want 3/3", len(out), size(t, f.reg, h))
	}
	// Conservation: every object is either live or still absorbed.
	if got := f.sim.Count(model.KindEntity, "ZOMBIE") + size(t, f.reg, h) - 1; got != 6 {
		t.Fatalf("objects=%d want 6", got)
	}
}

func TestMergeGroup_OldestStackWinsAndLeftoversFormStacks(t *testing.T) {
	f := newFixture(t, zombieCap64)
	ids := f.zombies(70)
	older := f.stackOf(t, ids[:2])
	newer := f.stackOf(t, ids[2:4])

	// Newer stack listed first; creation order still decides the target.
	order := append([]model.ObjectID{ids[2], ids[0]}, ids[4:]...)
	rep := f.reg.MergeGroup(model.KindEntity, order)
	if err := rep.Err(); err != nil {
		t.Fatalf("merge group: %v", err)
	}
	if size(t, f.reg, older) != 64 {
		t.Fatalf("older size=%d want 64", size(t, f.reg, older))
	}
	if _, ok := f.reg.Stack(newer); ok {
		t.Fatalf("newer stack should have been absorbed")
	}
	if rep.Created != 1 || f.reg.Len() != 2 {
		t.Fatalf("created=%d len=%d want a second stack for the overflow", rep.Created, f.reg.Len())
	}
	total := 0
	for _, hh := range f.reg.Handles() {
		total += size(t, f.reg, hh)
	}
	if total != 70 {
		t.Fatalf("objects=%d want 70", total)
	}
}

func TestUnregister_DiedTurnsMembersIntoLoot(t *testing.T) {
	f := newFixture(t, zombieCap64)
	ids := f.zombies(5)
	f.stackOf(t, ids)
	f.sim.Kill(ids[0])
	if err := f.reg.Unregister(ids[0], ReasonDied); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	loot := f.sim.Loot()
	if len(loot) != 4 {
		t.Fatalf("loot=%d want 4", len(loot))
	}
	for _, l := range loot {
		if l.Loc != here || l.Subtype != "ZOMBIE" {
			t.Fatalf("loot=%+v", l)
		}
	}
	if f.reg.Len() != 0 {
		t.Fatalf("stack still registered")
	}
	last := f.rec.events[len(f.rec.events)-1]
	if last.reason != ReasonDied || last.info.Size != 5 {
		t.Fatalf("removed event=%+v", last)
	}
	if err := f.reg.Unregister(ids[0], ReasonDied); !errors.Is(err, model.ErrNotRegistered) {
		t.Fatalf("second unregister err=%v", err)
	}
}

func TestPromote_NewestMemberBecomesHost(t *testing.T) {
	f := newFixture(t, zombieCap64)
	ids := f.zombies(3)
	h := f.stackOf(t, ids)
	f.sim.Kill(ids[0])
	next, err := f.reg.Promote(ids[0])
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	got, ok := f.reg.FindByHost(next)
	if !ok || got != h {
		t.Fatalf("promoted host not tracked under the same handle")
	}
	if size(t, f.reg, h) != 2 {
		t.Fatalf("size=%d want 2", size(t, f.reg, h))
	}
	if o, _ := f.sim.Object(next); o.State["n"] != "2" {
		t.Fatalf("promoted n=%s want 2", o.State["n"])
	}
}

func TestPromote_FailureIsRetriedByReconcile(t *testing.T) {
	f := newFixture(t, zombieCap64)
	ids := f.zombies(3)
	h := f.stackOf(t, ids)
	f.sim.Kill(ids[0])
	f.sim.FailNextInstantiations(1)
	if _, err := f.reg.Promote(ids[0]); err == nil {
		t.Fatalf("promote succeeded with a failing instantiation")
	}
	if gone := f.reg.Reconcile(); len(gone) != 0 {
		t.Fatalf("headless stack discarded: %+v", gone)
	}
	info, ok := f.reg.Stack(h)
	if !ok || info.Host == ids[0] || info.Size != 2 {
		t.Fatalf("after retry=%+v ok=%v", info, ok)
	}
}

func TestPromote_RepeatedFailureParksStack(t *testing.T) {
	f := newFixture(t, zombieCap64)
	ids := f.zombies(3)
	f.stackOf(t, ids)
	f.sim.Kill(ids[0])
	f.sim.FailNextInstantiations(100)
	f.reg.Promote(ids[0])
	for i := 0; i < maxPromoteAttempts; i++ {
		if gone := f.reg.Reconcile(); len(gone) != 0 {
			t.Fatalf("reconcile %d discarded %+v", i, gone)
		}
	}
	if f.reg.Len() != 0 {
		t.Fatalf("len=%d want stack parked", f.reg.Len())
	}
	parked := f.reg.DrainParked()[here.Region()]
	if len(parked) != 1 || len(parked[0].HostState) == 0 || len(parked[0].Members) != 1 {
		t.Fatalf("parked=%+v", parked)
	}

	f.sim.FailNextInstantiations(0)
	rep := f.reg.LoadRegion(here.Region(), parked)
	if rep.Restored != 1 || rep.Rehosted != 1 || f.reg.Len() != 1 {
		t.Fatalf("reload=%+v len=%d", rep, f.reg.Len())
	}
}

func TestReconcile_DropsVanishedHosts(t *testing.T) {
	f := newFixture(t, zombieCap64)
	ids := f.zombies(4)
	f.stackOf(t, ids[:2])
	keep := f.stackOf(t, ids[2:])
	f.sim.Kill(ids[0])
	gone := f.reg.Reconcile()
	if len(gone) != 1 || gone[0].Host != ids[0] {
		t.Fatalf("gone=%+v", gone)
	}
	if _, ok := f.reg.Stack(keep); !ok || f.reg.Len() != 1 {
		t.Fatalf("healthy stack removed")
	}
}

func TestClearAll_OnlyTouchesKind(t *testing.T) {
	f := newFixture(t, zombieCap64)
	f.stackOf(t, f.zombies(3))
	stone := f.sim.Spawn(model.KindItem, "STONE", here, nil, nil)
	if _, err := f.reg.Register(stone, model.KindItem); err != nil {
		t.Fatalf("register item: %v", err)
	}
	if n := f.reg.ClearAll(model.KindEntity); n != 1 {
		t.Fatalf("cleared=%d", n)
	}
	if _, ok := f.reg.FindByHost(stone); !ok {
		t.Fatalf("item stack cleared")
	}
}

type snapshot struct {
	kind    model.Kind
	size    int
	members []model.MemberBlob
}

func TestUnloadReload_RestoresStacksVerbatim(t *testing.T) {
	f := newFixture(t, zombieCap64)
	ids := f.zombies(15)
	hosts := []model.ObjectID{ids[0], ids[4], ids[9]}
	f.stackOf(t, ids[:4])
	f.stackOf(t, ids[4:9])
	f.stackOf(t, ids[9:])

	want := map[model.ObjectID]snapshot{}
	for _, hid := range hosts {
		h, _ := f.reg.FindByHost(hid)
		info, _ := f.reg.Stack(h)
		ms, _ := f.reg.Members(h)
		want[hid] = snapshot{kind: info.Kind, size: info.Size, members: ms}
	}

	key := here.Region()
	recs := f.reg.UnloadRegion(key)
	if len(recs) != 3 || f.reg.Len() != 0 {
		t.Fatalf("parked=%d len=%d", len(recs), f.reg.Len())
	}
	f.sim.UnloadRegion(key)

	path := filepath.Join(t.TempDir(), "r.stk.zst")
	if err := regionstore.WriteRegion(path, regionstore.RegionV1{
		Header: regionstore.Header{World: key.World, CX: key.CX, CZ: key.CZ},
		Stacks: recs,
	}); err != nil {
		t.Fatalf("write region: %v", err)
	}
	r, skipped, err := regionstore.ReadRegion(path)
	if err != nil || len(skipped) != 0 {
		t.Fatalf("read region: %v skipped=%v", err, skipped)
	}

	f.sim.LoadRegion(key)
	rep := f.reg.LoadRegion(key, r.Stacks)
	if err := rep.Err(); err != nil || rep.Restored != 3 || rep.Rehosted != 0 {
		t.Fatalf("load report=%+v", rep)
	}
	for _, hid := range hosts {
		h, ok := f.reg.FindByHost(hid)
		if !ok {
			t.Fatalf("host %s not restored", hid)
		}
		info, _ := f.reg.Stack(h)
		ms, _ := f.reg.Members(h)
		w := want[hid]
		if info.Kind != w.kind || info.Size != w.size || len(ms) != len(w.members) {
			t.Fatalf("host %s restored kind=%s size=%d", hid, info.Kind, info.Size)
		}
		for i := range ms {
			if !bytes.Equal(ms[i], w.members[i]) {
				t.Fatalf("host %s member %d differs", hid, i)
			}
		}
	}
}

func TestLoadRegion_RecreatesHostAndDropsCorruptMembers(t *testing.T) {
	f := newFixture(t, zombieCap64)
	ids := f.zombies(4)
	f.stackOf(t, ids)
	key := here.Region()
	recs := f.reg.UnloadRegion(key)
	f.sim.UnloadRegion(key)
	f.sim.DropRegion(key)

	recs[0].Members[1] = []byte{0xff, 0x00}
	rep := f.reg.LoadRegion(key, recs)
	if rep.Restored != 1 || rep.Rehosted != 1 || rep.Dropped != 1 {
		t.Fatalf("report=%+v", rep)
	}
	h, ok := f.reg.FindByHost(ids[0])
	if !ok {
		t.Fatalf("host not re-created under its old identity")
	}
	if size(t, f.reg, h) != 3 {
		t.Fatalf("size=%d want 3", size(t, f.reg, h))
	}
}

func TestLoadRegion_ParksStackWhenHostCannotReturn(t *testing.T) {
	f := newFixture(t, zombieCap64)
	ids := f.zombies(3)
	f.stackOf(t, ids)
	key := here.Region()
	recs := f.reg.UnloadRegion(key)
	f.sim.UnloadRegion(key)
	f.sim.DropRegion(key)

	f.sim.FailNextInstantiations(1)
	rep := f.reg.LoadRegion(key, recs)
	if rep.Restored != 0 || len(rep.Errs) != 1 {
		t.Fatalf("report=%+v", rep)
	}
	parked := f.reg.DrainParked()[key]
	if len(parked) != 1 || len(parked[0].Members) != 2 {
		t.Fatalf("parked=%+v", parked)
	}
}
