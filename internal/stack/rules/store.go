package rules

import "sync/atomic"

// Store publishes the current ruleset. Readers on any goroutine get an
// immutable snapshot; Swap replaces the whole table at once.
type Store struct {
	cur atomic.Pointer[Ruleset]
}

func NewStore(rs *Ruleset) *Store {
	s := &Store{}
	if rs == nil {
		rs = Empty()
	}
	s.cur.Store(rs)
	return s
}

func (s *Store) Current() *Ruleset {
	if rs := s.cur.Load(); rs != nil {
		return rs
	}
	return Empty()
}

// Swap installs rs and returns the previous table.
func (s *Store) Swap(rs *Ruleset) *Ruleset {
	if rs == nil {
		rs = Empty()
	}
	return s.cur.Swap(rs)
}

// Reload loads dir and swaps the result in. On error the current table stays.
func (s *Store) Reload(dir string) (*Ruleset, error) {
	rs, err := LoadDir(dir)
	if err != nil {
		return nil, err
	}
	s.Swap(rs)
	return rs, nil
}
