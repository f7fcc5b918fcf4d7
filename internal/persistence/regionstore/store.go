package regionstore

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"voxelstack.ai/internal/stack/model"
)

const fileSuffix = ".stk.zst"

// Store keeps one file per region. Save queues a region for the background
// writer and keeps it readable from memory until it is on disk, so a region
// reloaded right after unloading sees exactly what was saved.
type Store struct {
	dir string
	log *log.Logger

	wmu     sync.Mutex // held for the duration of a file write or take
	mu      sync.Mutex
	pending map[model.RegionKey]*RegionV1

	signal chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
	closed atomic.Bool

	writes   atomic.Uint64
	failures atomic.Uint64

	onWrite func(path string)
}

func Open(dir string, logger *log.Logger) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("empty region dir")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	s := &Store{
		dir:     dir,
		log:     logger,
		pending: map[model.RegionKey]*RegionV1{},
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func (s *Store) Path(key model.RegionKey) string {
	return filepath.Join(s.dir, sanitize(key.World), fmt.Sprintf("r.%d.%d%s", key.CX, key.CZ, fileSuffix))
}

// SetOnWrite registers fn to run on the writer goroutine after each region
// file lands on disk. Call it before the first Save.
func (s *Store) SetOnWrite(fn func(path string)) { s.onWrite = fn }

// Save queues r for writing. The newest Save for a region wins.
func (s *Store) Save(r RegionV1) {
	key := r.Key()
	cp := r
	s.mu.Lock()
	s.pending[key] = &cp
	s.mu.Unlock()
	if s.closed.Load() {
		s.flush()
		return
	}
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Take returns the saved table for a region and removes it from the store.
// ok is false when nothing was saved. skipped lists records dropped as corrupt.
func (s *Store) Take(key model.RegionKey) (r RegionV1, skipped []error, ok bool, err error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.mu.Lock()
	p := s.pending[key]
	delete(s.pending, key)
	s.mu.Unlock()

	path := s.Path(key)
	if p != nil {
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			s.log.Printf("regionstore: remove %s: %v", path, rmErr)
		}
		return *p, nil, true, nil
	}
	r, skipped, err = ReadRegion(path)
	if err != nil {
		if os.IsNotExist(err) {
			return RegionV1{}, nil, false, nil
		}
		return RegionV1{}, nil, false, err
	}
	if r.Key() != key {
		// Another world id that sanitizes to the same directory.
		return RegionV1{}, nil, false, nil
	}
	if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
		s.log.Printf("regionstore: remove %s: %v", path, rmErr)
	}
	return r, skipped, true, nil
}

// Peek reads a region without consuming it.
func (s *Store) Peek(key model.RegionKey) (RegionV1, []error, bool, error) {
	s.mu.Lock()
	p := s.pending[key]
	s.mu.Unlock()
	if p != nil {
		return *p, nil, true, nil
	}
	r, skipped, err := ReadRegion(s.Path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return RegionV1{}, nil, false, nil
		}
		return RegionV1{}, nil, false, err
	}
	if r.Key() != key {
		return RegionV1{}, nil, false, nil
	}
	return r, skipped, true, nil
}

// Regions lists every region with a saved table, pending or on disk. World
// ids come from the file headers; directory names are sanitized and lossy.
func (s *Store) Regions() []model.RegionKey {
	seen := map[model.RegionKey]bool{}
	s.mu.Lock()
	for k := range s.pending {
		seen[k] = true
	}
	s.mu.Unlock()

	worlds, _ := os.ReadDir(s.dir)
	for _, w := range worlds {
		if !w.IsDir() {
			continue
		}
		ents, _ := os.ReadDir(filepath.Join(s.dir, w.Name()))
		for _, e := range ents {
			k, ok := parseName(w.Name(), e.Name())
			if !ok {
				continue
			}
			if h, err := ReadHeader(filepath.Join(s.dir, w.Name(), e.Name())); err == nil {
				k.World = h.World
			}
			seen[k] = true
		}
	}
	out := make([]model.RegionKey, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].World != out[j].World {
			return out[i].World < out[j].World
		}
		if out[i].CX != out[j].CX {
			return out[i].CX < out[j].CX
		}
		return out[i].CZ < out[j].CZ
	})
	return out
}

type Stats struct {
	Pending  int    `json:"pending"`
	Writes   uint64 `json:"writes"`
	Failures uint64 `json:"failures"`
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	n := len(s.pending)
	s.mu.Unlock()
	return Stats{Pending: n, Writes: s.writes.Load(), Failures: s.failures.Load()}
}

// Close writes everything still pending and stops the writer.
func (s *Store) Close() error {
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.done)
		s.wg.Wait()
		s.flush()
	})
	return nil
}

func (s *Store) loop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
			s.flush()
		}
	}
}

func (s *Store) flush() {
	for {
		s.wmu.Lock()
		s.mu.Lock()
		var key model.RegionKey
		var p *RegionV1
		for k, v := range s.pending {
			key, p = k, v
			break
		}
		s.mu.Unlock()
		if p == nil {
			s.wmu.Unlock()
			return
		}

		path := s.Path(key)
		err := WriteRegion(path, *p)

		s.mu.Lock()
		if err == nil && s.pending[key] == p {
			delete(s.pending, key)
		}
		s.mu.Unlock()
		s.wmu.Unlock()

		if err != nil {
			s.failures.Add(1)
			s.log.Printf("regionstore: write %s: %v", path, err)
			// Leave it pending; the next Save or Close retries.
			return
		}
		s.writes.Add(1)
		if s.onWrite != nil {
			s.onWrite(path)
		}
	}
}

func sanitize(world string) string {
	world = strings.TrimSpace(world)
	if world == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, world)
}

func parseName(world, name string) (model.RegionKey, bool) {
	if !strings.HasPrefix(name, "r.") || !strings.HasSuffix(name, fileSuffix) {
		return model.RegionKey{}, false
	}
	parts := strings.Split(strings.TrimSuffix(strings.TrimPrefix(name, "r."), fileSuffix), ".")
	if len(parts) != 2 {
		return model.RegionKey{}, false
	}
	cx, err1 := strconv.Atoi(parts[0])
	cz, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return model.RegionKey{}, false
	}
	return model.RegionKey{World: world, CX: cx, CZ: cz}, true
}
