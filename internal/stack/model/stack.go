package model

import "fmt"

// MemberBlob is the persisted state of one absorbed object.
// It is produced by the codec and never interpreted here.
type MemberBlob []byte

func (b MemberBlob) Clone() MemberBlob {
	if b == nil {
		return nil
	}
	out := make(MemberBlob, len(b))
	copy(out, b)
	return out
}

// Stack is one live host object plus the ordered states of the objects it absorbed.
// Members are kept in absorption order.
type Stack struct {
	Seq     uint64
	Host    ObjectID
	Kind    Kind
	Subtype string
	Region  RegionKey

	members []MemberBlob
}

func NewStack(seq uint64, host ObjectID, kind Kind, subtype string, region RegionKey) *Stack {
	return &Stack{
		Seq:     seq,
		Host:    host,
		Kind:    kind,
		Subtype: subtype,
		Region:  region,
	}
}

// Size counts the host plus every absorbed member.
func (s *Stack) Size() int { return 1 + len(s.members) }

func (s *Stack) MemberCount() int { return len(s.members) }

// Members returns a copy of the member list in absorption order.
func (s *Stack) Members() []MemberBlob {
	out := make([]MemberBlob, len(s.members))
	for i, m := range s.members {
		out[i] = m.Clone()
	}
	return out
}

// TryAbsorb encodes one more object into the stack. The capacity check runs
// before encode so a full stack never pays for serialization.
func (s *Stack) TryAbsorb(maxSize int, encode func() (MemberBlob, error)) error {
	if s.Size() >= maxSize {
		return ErrCapacityExceeded
	}
	blob, err := encode()
	if err != nil {
		return err
	}
	s.members = append(s.members, blob)
	return nil
}

// Attach appends an already encoded member.
func (s *Stack) Attach(maxSize int, blob MemberBlob) error {
	if s.Size() >= maxSize {
		return ErrCapacityExceeded
	}
	s.members = append(s.members, blob)
	return nil
}

// Room returns how many more objects fit under maxSize.
func (s *Stack) Room(maxSize int) int {
	n := maxSize - s.Size()
	if n < 0 {
		return 0
	}
	return n
}

// ReleaseOne pops the most recently absorbed member.
func (s *Stack) ReleaseOne() (MemberBlob, error) {
	n := len(s.members)
	if n == 0 {
		return nil, ErrEmpty
	}
	b := s.members[n-1]
	s.members[n-1] = nil
	s.members = s.members[:n-1]
	return b, nil
}

// ReleaseAll drains every member, oldest first.
func (s *Stack) ReleaseAll() []MemberBlob {
	out := s.members
	s.members = nil
	if out == nil {
		return []MemberBlob{}
	}
	return out
}

// ReleaseOldest drains up to n members, oldest first.
func (s *Stack) ReleaseOldest(n int) []MemberBlob {
	if n <= 0 || len(s.members) == 0 {
		return nil
	}
	if n > len(s.members) {
		n = len(s.members)
	}
	out := make([]MemberBlob, n)
	copy(out, s.members[:n])
	rest := make([]MemberBlob, len(s.members)-n)
	copy(rest, s.members[n:])
	s.members = rest
	return out
}

// Restore puts members back at the front in the given order. Used when
// materializing them failed and they have to stay absorbed.
func (s *Stack) Restore(blobs []MemberBlob) {
	if len(blobs) == 0 {
		return
	}
	merged := make([]MemberBlob, 0, len(blobs)+len(s.members))
	merged = append(merged, blobs...)
	merged = append(merged, s.members...)
	s.members = merged
}

// Push puts a single member back on top, undoing ReleaseOne.
func (s *Stack) Push(blob MemberBlob) { s.members = append(s.members, blob) }

func (s *Stack) String() string {
	return fmt.Sprintf("stack#%d(%s %s host=%s size=%d)", s.Seq, s.Kind, s.Subtype, s.Host, s.Size())
}
