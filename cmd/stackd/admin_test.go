package main

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	persistlog "voxelstack.ai/internal/persistence/log"
	"voxelstack.ai/internal/persistence/regionstore"
	"voxelstack.ai/internal/protocol"
	"voxelstack.ai/internal/sim/tuning"
	"voxelstack.ai/internal/stack/engine"
	"voxelstack.ai/internal/stack/host/sandbox"
	"voxelstack.ai/internal/stack/model"
	"voxelstack.ai/internal/stack/rules"
)

type adminFixture struct {
	mux *http.ServeMux
	eng *engine.Engine
	sim *sandbox.Sim
	dir string
}

func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()
	dir := t.TempDir()
	store, err := regionstore.Open(dir, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	sim := sandbox.New()
	sim.SpawnChance = 0
	eng := engine.New(engine.Config{World: "world_1", TickRateHz: 200}, sim, rules.NewStore(rules.Defaults()), store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = eng.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	audit := persistlog.NewAuditLogger(dir)
	t.Cleanup(func() { _ = audit.Close() })

	mux := http.NewServeMux()
	adm := &admin{
		world:     "world_1",
		configDir: filepath.Join(dir, "configs"),
		eng:       eng,
		sim:       sim,
		tune:      tuning.Defaults(),
		audit:     audit,
		log:       log.New(io.Discard, "", 0),
	}
	adm.routes(mux)
	return &adminFixture{mux: mux, eng: eng, sim: sim, dir: dir}
}

func (f *adminFixture) call(t *testing.T, method, target string) (int, opResponse) {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = "127.0.0.1:40000"
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	var out opResponse
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, target, rec.Body.String(), err)
		}
	}
	return rec.Code, out
}

// stacked reports ids and waits until the engine has taken the report.
func (f *adminFixture) stacked(t *testing.T, ids []model.ObjectID) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if !f.eng.Report(model.KindEntity, ids) {
		t.Fatalf("report dropped")
	}
	for i := 0; i < 2; i++ {
		if _, err := f.eng.Do(ctx, engine.Request{Op: engine.OpState}); err != nil {
			t.Fatalf("state: %v", err)
		}
	}
}

func TestAdmin_SplitAndState(t *testing.T) {
	f := newAdminFixture(t)
	loc := model.Location{World: "world_1", X: 2, Y: 64, Z: 2}
	ids := make([]model.ObjectID, 5)
	for i := range ids {
		ids[i] = f.sim.Spawn(model.KindEntity, "COW", loc, nil, nil)
	}
	f.stacked(t, ids)

	code, st := f.call(t, http.MethodGet, "/admin/v1/state")
	if code != http.StatusOK || len(st.Stacks) != 1 || st.Stacks[0].Size != 5 || st.Metrics == nil {
		t.Fatalf("state code=%d body=%+v", code, st)
	}
	host := string(st.Stacks[0].Host)

	code, res := f.call(t, http.MethodPost, "/admin/v1/stacks/split?all=true&host="+host)
	if code != http.StatusOK || res.Count != 4 || len(res.IDs) != 4 {
		t.Fatalf("split code=%d body=%+v", code, res)
	}

	code, res = f.call(t, http.MethodPost, "/admin/v1/stacks/split?host="+host)
	if code != http.StatusConflict || res.Error == nil || res.Error.Code != protocol.ErrEmpty {
		t.Fatalf("split empty code=%d body=%+v", code, res)
	}

	files, err := filepath.Glob(filepath.Join(f.dir, "audit", "audit-*.jsonl.zst"))
	if err != nil || len(files) != 1 {
		t.Fatalf("audit files=%v err=%v", files, err)
	}
}

func TestAdmin_Errors(t *testing.T) {
	f := newAdminFixture(t)

	code, res := f.call(t, http.MethodPost, "/admin/v1/stacks/promote?host=E999999")
	if code != http.StatusNotFound || res.Error == nil || res.Error.Code != protocol.ErrNotFound {
		t.Fatalf("missing host code=%d body=%+v", code, res)
	}
	code, res = f.call(t, http.MethodPost, "/admin/v1/stacks/clear?kind=FISH")
	if code != http.StatusBadRequest || res.Error == nil || res.Error.Code != protocol.ErrBadRequest {
		t.Fatalf("bad kind code=%d body=%+v", code, res)
	}
	code, _ = f.call(t, http.MethodPost, "/admin/v1/stacks/unregister?host=E1&reason=EXPLODED")
	if code != http.StatusBadRequest {
		t.Fatalf("bad reason code=%d", code)
	}
	code, _ = f.call(t, http.MethodGet, "/admin/v1/stacks/split?host=E1")
	if code != http.StatusMethodNotAllowed {
		t.Fatalf("GET on mutation code=%d", code)
	}

	req := httptest.NewRequest(http.MethodGet, "/admin/v1/state", nil)
	req.RemoteAddr = "203.0.113.9:5000"
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("remote code=%d", rec.Code)
	}
}

func TestAdmin_RegionRoundTrip(t *testing.T) {
	f := newAdminFixture(t)
	loc := model.Location{World: "world_1", X: 3, Y: 64, Z: 3}
	ids := make([]model.ObjectID, 3)
	for i := range ids {
		ids[i] = f.sim.Spawn(model.KindEntity, "PIG", loc, nil, nil)
	}
	f.stacked(t, ids)

	code, res := f.call(t, http.MethodPost, "/admin/v1/regions/unload?cx=0&cz=0")
	if code != http.StatusOK || res.Count != 1 || res.Extra["hidden_objects"] != float64(1) {
		t.Fatalf("unload code=%d body=%+v", code, res)
	}
	code, res = f.call(t, http.MethodPost, "/admin/v1/regions/load?cx=0&cz=0")
	if code != http.StatusOK || res.Count != 1 {
		t.Fatalf("load code=%d body=%+v", code, res)
	}
	_, st := f.call(t, http.MethodGet, "/admin/v1/state")
	if len(st.Stacks) != 1 || st.Stacks[0].Size != 3 {
		t.Fatalf("after load=%+v", st.Stacks)
	}
}

func TestAdmin_ReloadRules(t *testing.T) {
	f := newAdminFixture(t)
	cfg := filepath.Join(f.dir, "configs")
	if err := os.MkdirAll(cfg, 0o755); err != nil {
		t.Fatal(err)
	}

	code, res := f.call(t, http.MethodPost, "/admin/v1/rules/reload")
	if code != http.StatusOK || !res.OK {
		t.Fatalf("reload code=%d body=%+v", code, res)
	}

	if err := os.WriteFile(filepath.Join(cfg, "entity_settings.yaml"), []byte("stackable: [\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	code, res = f.call(t, http.MethodPost, "/admin/v1/rules/reload")
	if code != http.StatusBadRequest || res.Error == nil {
		t.Fatalf("bad settings code=%d body=%+v", code, res)
	}
}

func TestAdmin_SandboxSpawnerAndReinject(t *testing.T) {
	f := newAdminFixture(t)

	code, res := f.call(t, http.MethodPost, "/admin/v1/sandbox/spawner?subtype=zombie&x=3&z=3&n=4")
	if code != http.StatusOK || len(res.Spawners) != 1 || res.Spawners[0].Multiplier != 4 {
		t.Fatalf("sandbox spawner code=%d body=%+v", code, res)
	}
	src := string(res.Spawners[0].ID)
	if res.Spawners[0].Subtype != "ZOMBIE" {
		t.Fatalf("subtype=%s", res.Spawners[0].Subtype)
	}

	code, res = f.call(t, http.MethodPost, "/admin/v1/spawners/inject?source="+src+"&n=6")
	if code != http.StatusOK || len(res.Spawners) != 1 || res.Spawners[0].Multiplier != 6 {
		t.Fatalf("re-inject code=%d body=%+v", code, res)
	}
	code, res = f.call(t, http.MethodPost, "/admin/v1/spawners/inject?source="+src)
	if code != http.StatusOK || res.Spawners[0].Multiplier != 6 {
		t.Fatalf("re-inject without n code=%d body=%+v", code, res)
	}

	if code, res := f.call(t, http.MethodPost, "/admin/v1/sandbox/spawner?subtype=DRAGON"); code != http.StatusBadRequest || res.Error == nil {
		t.Fatalf("unknown subtype code=%d body=%+v", code, res)
	}
	if code, _ := f.call(t, http.MethodPost, "/admin/v1/spawners/inject?source="+src+"&n=many"); code != http.StatusBadRequest {
		t.Fatalf("bad n code=%d", code)
	}
}
