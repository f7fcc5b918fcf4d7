package model

import (
	"errors"
	"fmt"
	"testing"
)

func blob(i int) func() (MemberBlob, error) {
	return func() (MemberBlob, error) { return MemberBlob(fmt.Sprintf("m%d", i)), nil }
}

func TestTryAbsorb_CapsAtMax(t *testing.T) {
	s := NewStack(1, "host", KindEntity, "ZOMBIE", RegionKey{})
	rejected := 0
	for i := 0; i < 69; i++ {
		err := s.TryAbsorb(64, blob(i))
		if errors.Is(err, ErrCapacityExceeded) {
			rejected++
			continue
		}
		if err != nil {
			t.Fatalf("absorb %d: %v", i, err)
		}
		if s.Size() != 1+s.MemberCount() {
			t.Fatalf("size invariant broken")
		}
	}
	if s.Size() != 64 || rejected != 6 {
		t.Fatalf("size=%d rejected=%d want 64/6", s.Size(), rejected)
	}
}

func TestTryAbsorb_EncodeErrorLeavesStackUnchanged(t *testing.T) {
	s := NewStack(1, "host", KindItem, "STONE", RegionKey{})
	boom := errors.New("boom")
	err := s.TryAbsorb(10, func() (MemberBlob, error) { return nil, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v", err)
	}
	if s.Size() != 1 {
		t.Fatalf("size=%d want 1", s.Size())
	}
}

func TestTryAbsorb_FullStackSkipsEncode(t *testing.T) {
	s := NewStack(1, "host", KindBlock, "IRON_ORE", RegionKey{})
	called := false
	err := s.TryAbsorb(1, func() (MemberBlob, error) { called = true; return nil, nil })
	if !errors.Is(err, ErrCapacityExceeded) || called {
		t.Fatalf("err=%v called=%v", err, called)
	}
}

func TestRelease_OrderSemantics(t *testing.T) {
	s := NewStack(1, "host", KindEntity, "COW", RegionKey{})
	for i := 0; i < 4; i++ {
		if err := s.TryAbsorb(10, blob(i)); err != nil {
			t.Fatalf("absorb: %v", err)
		}
	}
	b, err := s.ReleaseOne()
	if err != nil || string(b) != "m3" {
		t.Fatalf("ReleaseOne=%q err=%v want m3", b, err)
	}
	all := s.ReleaseAll()
	if len(all) != 3 || string(all[0]) != "m0" || string(all[2]) != "m2" {
		t.Fatalf("ReleaseAll=%q", all)
	}
	if s.Size() != 1 {
		t.Fatalf("size=%d want 1", s.Size())
	}
	if _, err := s.ReleaseOne(); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}

func TestReleaseOldestAndRestore(t *testing.T) {
	s := NewStack(1, "host", KindEntity, "COW", RegionKey{})
	for i := 0; i < 5; i++ {
		_ = s.TryAbsorb(10, blob(i))
	}
	head := s.ReleaseOldest(2)
	if len(head) != 2 || string(head[0]) != "m0" || string(head[1]) != "m1" {
		t.Fatalf("head=%q", head)
	}
	if s.MemberCount() != 3 {
		t.Fatalf("left=%d", s.MemberCount())
	}
	s.Restore(head)
	ms := s.Members()
	for i, m := range ms {
		if string(m) != fmt.Sprintf("m%d", i) {
			t.Fatalf("order after restore: %q", ms)
		}
	}
}

func TestRegionFromLocation(t *testing.T) {
	cases := []struct {
		loc  Location
		want RegionKey
	}{
		{Location{World: "w", X: 0, Z: 0}, RegionKey{World: "w", CX: 0, CZ: 0}},
		{Location{World: "w", X: 15.9, Z: 16}, RegionKey{World: "w", CX: 0, CZ: 1}},
		{Location{World: "w", X: -0.5, Z: -16}, RegionKey{World: "w", CX: -1, CZ: -1}},
		{Location{World: "w", X: -17, Z: 33}, RegionKey{World: "w", CX: -2, CZ: 2}},
	}
	for _, c := range cases {
		if got := c.loc.Region(); got != c.want {
			t.Fatalf("Region(%+v)=%v want %v", c.loc, got, c.want)
		}
	}
}

func TestParseKind(t *testing.T) {
	for _, k := range Kinds() {
		got, err := ParseKind(k.String())
		if err != nil || got != k {
			t.Fatalf("ParseKind(%s)=%v,%v", k, got, err)
		}
	}
	if _, err := ParseKind("boat"); err == nil {
		t.Fatalf("expected error")
	}
}
