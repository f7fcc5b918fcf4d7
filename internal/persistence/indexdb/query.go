package indexdb

import (
	"context"
	"database/sql"
	"fmt"
)

// StackRow is one live stack as last seen in the event stream.
type StackRow struct {
	Handle      uint64 `json:"handle"`
	Host        string `json:"host"`
	Kind        string `json:"kind"`
	Subtype     string `json:"subtype"`
	Size        int    `json:"size"`
	World       string `json:"world"`
	CX          int    `json:"cx"`
	CZ          int    `json:"cz"`
	UpdatedTick uint64 `json:"updated_tick"`
}

type RegionRow struct {
	World        string `json:"world"`
	CX           int    `json:"cx"`
	CZ           int    `json:"cz"`
	SavedTick    *int64 `json:"saved_tick,omitempty"`
	SavedRecords int    `json:"saved_records"`
	LoadedTick   *int64 `json:"loaded_tick,omitempty"`
}

type CatalogRow struct {
	Name      string `json:"name"`
	Digest    string `json:"digest"`
	UpdatedAt string `json:"updated_at"`
}

// OpenReader opens an index database for queries only.
func OpenReader(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return db, nil
}

// QueryStacks lists live stacks, optionally filtered by kind, largest first.
func QueryStacks(ctx context.Context, db *sql.DB, kind string, limit int) ([]StackRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `SELECT handle,host,kind,subtype,size,world,cx,cz,updated_tick
		FROM stacks WHERE (? = '' OR kind = ?) ORDER BY size DESC, handle ASC LIMIT ?`, kind, kind, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StackRow
	for rows.Next() {
		var r StackRow
		var handle, tick int64
		if err := rows.Scan(&handle, &r.Host, &r.Kind, &r.Subtype, &r.Size, &r.World, &r.CX, &r.CZ, &tick); err != nil {
			return nil, err
		}
		r.Handle = uint64(handle)
		r.UpdatedTick = uint64(tick)
		out = append(out, r)
	}
	return out, rows.Err()
}

// EventCounts returns how many events of each name were indexed.
func EventCounts(ctx context.Context, db *sql.DB) (map[string]int, error) {
	rows, err := db.QueryContext(ctx, `SELECT event, COUNT(*) FROM events GROUP BY event`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return nil, err
		}
		out[name] = n
	}
	return out, rows.Err()
}

func QueryRegions(ctx context.Context, db *sql.DB) ([]RegionRow, error) {
	rows, err := db.QueryContext(ctx, `SELECT world,cx,cz,saved_tick,saved_records,loaded_tick FROM regions ORDER BY world,cx,cz`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RegionRow
	for rows.Next() {
		var r RegionRow
		var saved, loaded sql.NullInt64
		if err := rows.Scan(&r.World, &r.CX, &r.CZ, &saved, &r.SavedRecords, &loaded); err != nil {
			return nil, err
		}
		if saved.Valid {
			r.SavedTick = &saved.Int64
		}
		if loaded.Valid {
			r.LoadedTick = &loaded.Int64
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func QueryCatalogs(ctx context.Context, db *sql.DB) ([]CatalogRow, error) {
	rows, err := db.QueryContext(ctx, `SELECT name,digest,updated_at FROM catalogs ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CatalogRow
	for rows.Next() {
		var r CatalogRow
		if err := rows.Scan(&r.Name, &r.Digest, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
