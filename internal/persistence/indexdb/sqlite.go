package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"voxelstack.ai/internal/protocol"
	"voxelstack.ai/internal/sim/tuning"
	"voxelstack.ai/internal/stack/model"
	"voxelstack.ai/internal/stack/rules"
)

// Stats reports queue pressure for /metrics.
type Stats struct {
	QueueDepth     int
	QueueCapacity  int
	DropEventTotal uint64
	FlushFailTotal uint64
}

type SQLiteIndex struct {
	db *sql.DB

	ch   chan protocol.StackEventMsg
	wg   sync.WaitGroup
	once sync.Once

	closed    atomic.Bool
	dropped   atomic.Uint64
	flushFail atomic.Uint64
}

func OpenSQLite(path string, queue int) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if queue <= 0 {
		queue = 8192
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan protocol.StackEventMsg, queue),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL is much faster for append-style workloads.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS catalogs (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS events (
			cursor INTEGER PRIMARY KEY,
			tick INTEGER NOT NULL,
			event TEXT NOT NULL,
			handle INTEGER NOT NULL,
			host TEXT NOT NULL,
			kind TEXT NOT NULL,
			subtype TEXT NOT NULL,
			size INTEGER NOT NULL,
			count INTEGER NOT NULL,
			reason TEXT,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_handle ON events(handle, cursor);`,
		`CREATE INDEX IF NOT EXISTS idx_events_event_tick ON events(event, tick);`,
		`CREATE TABLE IF NOT EXISTS stacks (
			handle INTEGER PRIMARY KEY,
			host TEXT NOT NULL,
			kind TEXT NOT NULL,
			subtype TEXT NOT NULL,
			size INTEGER NOT NULL,
			world TEXT NOT NULL,
			cx INTEGER NOT NULL,
			cz INTEGER NOT NULL,
			updated_tick INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_stacks_kind ON stacks(kind, subtype);`,
		`CREATE TABLE IF NOT EXISTS regions (
			world TEXT NOT NULL,
			cx INTEGER NOT NULL,
			cz INTEGER NOT NULL,
			saved_tick INTEGER,
			saved_records INTEGER NOT NULL DEFAULT 0,
			loaded_tick INTEGER,
			PRIMARY KEY (world, cx, cz)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// RecordEvent queues ev for the writer goroutine. It never blocks.
func (s *SQLiteIndex) RecordEvent(ev protocol.StackEventMsg) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- ev:
	default:
		// Drop if the indexer falls behind; JSONL logs remain the source of truth.
		s.dropped.Add(1)
	}
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:     len(s.ch),
		QueueCapacity:  cap(s.ch),
		DropEventTotal: s.dropped.Load(),
		FlushFailTotal: s.flushFail.Load(),
	}
}

type catalogRow struct {
	name   string
	digest string
	data   []byte
}

// catalogRows describes the settings files behind rs plus the effective rule
// table and tuning.
func catalogRows(configDir string, rs *rules.Ruleset, tune tuning.Tuning) []catalogRow {
	var rows []catalogRow
	for name, digest := range rs.Digests() {
		b, err := os.ReadFile(filepath.Join(configDir, name))
		if err != nil {
			continue
		}
		rows = append(rows, catalogRow{name: name, digest: digest, data: b})
	}
	if b, err := json.Marshal(rs.Rules()); err == nil {
		rows = append(rows, catalogRow{name: "rules_effective", digest: digestOf(b), data: b})
	}
	if b, err := json.Marshal(tune); err == nil {
		rows = append(rows, catalogRow{name: "tuning", digest: digestOf(b), data: b})
	}
	return rows
}

func digestOf(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// UpsertCatalogs records the rule files and tuning currently applied.
func (s *SQLiteIndex) UpsertCatalogs(configDir string, rs *rules.Ruleset, tune tuning.Tuning) error {
	if s == nil || rs == nil {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO catalogs(name,digest,json,updated_at) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range catalogRows(configDir, rs, tune) {
		if r.name == "" || r.digest == "" || len(r.data) == 0 {
			continue
		}
		if _, err := stmt.Exec(r.name, r.digest, string(r.data), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertEvent, _ := s.db.Prepare(`INSERT OR REPLACE INTO events(cursor,tick,event,handle,host,kind,subtype,size,count,reason,raw_json) VALUES(?,?,?,?,?,?,?,?,?,?,?)`)
	upsertStack, _ := s.db.Prepare(`INSERT OR REPLACE INTO stacks(handle,host,kind,subtype,size,world,cx,cz,updated_tick) VALUES(?,?,?,?,?,?,?,?,?)`)
	deleteStack, _ := s.db.Prepare(`DELETE FROM stacks WHERE handle = ?`)
	regionSaved, _ := s.db.Prepare(`INSERT INTO regions(world,cx,cz,saved_tick,saved_records) VALUES(?,?,?,?,?)
		ON CONFLICT(world,cx,cz) DO UPDATE SET saved_tick=excluded.saved_tick, saved_records=excluded.saved_records`)
	regionLoaded, _ := s.db.Prepare(`INSERT INTO regions(world,cx,cz,loaded_tick) VALUES(?,?,?,?)
		ON CONFLICT(world,cx,cz) DO UPDATE SET loaded_tick=excluded.loaded_tick, saved_records=0`)
	defer func() {
		for _, st := range []*sql.Stmt{insertEvent, upsertStack, deleteStack, regionSaved, regionLoaded} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			// If we can't start a tx, we can't do much; sleep a bit.
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.flushFail.Add(1)
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		s.flushFail.Add(1)
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) bool {
		if st == nil {
			return true
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return false
		}
		opCount++
		return true
	}

	for ev := range s.ch {
		begin()
		if tx == nil {
			s.dropped.Add(1)
			continue
		}
		raw, _ := json.Marshal(ev)
		if !exec(insertEvent,
			int64(ev.Cursor),
			int64(ev.Tick),
			ev.Event,
			int64(ev.Handle),
			ev.Host,
			ev.Kind,
			ev.Subtype,
			ev.Size,
			ev.Count,
			ev.Reason,
			string(raw),
		) {
			continue
		}

		var region model.RegionKey
		if ev.Region != nil {
			region = model.RegionKey{World: ev.Region.World, CX: ev.Region.CX, CZ: ev.Region.CZ}
		}
		switch ev.Event {
		case protocol.EventCreated, protocol.EventMerged, protocol.EventSplit, protocol.EventPromoted:
			exec(upsertStack, int64(ev.Handle), ev.Host, ev.Kind, ev.Subtype, ev.Size, region.World, region.CX, region.CZ, int64(ev.Tick))
		case protocol.EventRemoved:
			exec(deleteStack, int64(ev.Handle))
		case protocol.EventRegionSaved:
			exec(regionSaved, region.World, region.CX, region.CZ, int64(ev.Tick), ev.Count)
		case protocol.EventRegionLoad:
			exec(regionLoaded, region.World, region.CX, region.CZ, int64(ev.Tick))
		}
		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait) {
			commit()
		}
	}

	commit()
}
