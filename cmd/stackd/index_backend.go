package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"voxelstack.ai/internal/persistence/indexdb"
	"voxelstack.ai/internal/protocol"
	"voxelstack.ai/internal/sim/tuning"
	"voxelstack.ai/internal/stack/rules"
)

type runtimeIndex interface {
	RecordEvent(ev protocol.StackEventMsg)
	UpsertCatalogs(configDir string, rs *rules.Ruleset, tune tuning.Tuning) error
	Stats() indexdb.Stats
	Close() error
}

func openRuntimeIndex(worldDir, worldID string, disableDB bool, queue int, logger *log.Logger) (runtimeIndex, error) {
	if disableDB {
		return nil, nil
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("VS_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "none", "off", "disabled":
		return nil, nil
	case "sqlite":
		dbPath := filepath.Join(worldDir, "index", "stacks.sqlite")
		return indexdb.OpenSQLite(dbPath, queue)
	case "d1":
		endpoint := strings.TrimSpace(os.Getenv("VS_INDEX_D1_INGEST_URL"))
		token := strings.TrimSpace(os.Getenv("VS_INDEX_D1_TOKEN"))
		if endpoint == "" {
			return nil, fmt.Errorf("VS_INDEX_BACKEND=d1 but VS_INDEX_D1_INGEST_URL is empty")
		}
		idx, err := indexdb.OpenD1(indexdb.D1Config{
			Endpoint:      endpoint,
			Token:         token,
			WorldID:       worldID,
			BatchSize:     envInt("VS_INDEX_D1_BATCH_SIZE", 128),
			FlushInterval: time.Duration(envInt("VS_INDEX_D1_FLUSH_MS", 500)) * time.Millisecond,
			Logger:        logger,
		})
		if err != nil {
			return nil, err
		}
		return idx, nil
	default:
		return nil, fmt.Errorf("unsupported VS_INDEX_BACKEND: %s", backend)
	}
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
