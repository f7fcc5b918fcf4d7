package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	persistlog "voxelstack.ai/internal/persistence/log"
	"voxelstack.ai/internal/protocol"
	"voxelstack.ai/internal/sim/tuning"
	"voxelstack.ai/internal/stack/engine"
	"voxelstack.ai/internal/stack/host/sandbox"
	"voxelstack.ai/internal/stack/model"
	"voxelstack.ai/internal/stack/registry"
	"voxelstack.ai/internal/stack/rules"
	"voxelstack.ai/internal/stack/spawner"
)

// admin serves the local-only operator endpoints. Every mutation goes
// through the engine request queue.
type admin struct {
	world     string
	configDir string
	eng       *engine.Engine
	sim       *sandbox.Sim
	idx       runtimeIndex
	tune      tuning.Tuning
	audit     *persistlog.AuditLogger
	log       *log.Logger
}

var errBadParam = errors.New("bad parameter")

func (a *admin) routes(mux *http.ServeMux) {
	mux.HandleFunc("/admin/v1/state", a.get(a.state))
	mux.HandleFunc("/admin/v1/rules", a.get(a.rulesInfo))
	mux.HandleFunc("/admin/v1/rules/reload", a.post(a.reloadRules))
	mux.HandleFunc("/admin/v1/stacks/merge", a.post(a.op(func(q *queryArgs) engine.Request {
		return engine.Request{Op: engine.OpMerge, Host: q.objectID("target"), Source: q.objectID("source")}
	})))
	mux.HandleFunc("/admin/v1/stacks/split", a.post(a.op(func(q *queryArgs) engine.Request {
		op := engine.OpSplitOne
		if q.flag("all") {
			op = engine.OpSplitAll
		}
		return engine.Request{Op: op, Host: q.objectID("host")}
	})))
	mux.HandleFunc("/admin/v1/stacks/unregister", a.post(a.op(func(q *queryArgs) engine.Request {
		return engine.Request{Op: engine.OpUnregister, Host: q.objectID("host"), Reason: q.reason("reason")}
	})))
	mux.HandleFunc("/admin/v1/stacks/promote", a.post(a.op(func(q *queryArgs) engine.Request {
		return engine.Request{Op: engine.OpPromote, Host: q.objectID("host")}
	})))
	mux.HandleFunc("/admin/v1/stacks/clear", a.post(a.op(func(q *queryArgs) engine.Request {
		return engine.Request{Op: engine.OpClearAll, Kind: q.kind("kind")}
	})))
	mux.HandleFunc("/admin/v1/spawners/inject", a.post(a.op(func(q *queryArgs) engine.Request {
		return engine.Request{Op: engine.OpInjectSpawner, Source: q.objectID("source"), N: q.optNumber("n")}
	})))
	mux.HandleFunc("/admin/v1/spawners/multiplier", a.post(a.op(func(q *queryArgs) engine.Request {
		return engine.Request{Op: engine.OpSetMultiplier, Source: q.objectID("source"), N: q.number("n")}
	})))
	mux.HandleFunc("/admin/v1/spawners/remove", a.post(a.op(func(q *queryArgs) engine.Request {
		return engine.Request{Op: engine.OpRemoveSpawner, Source: q.objectID("source")}
	})))
	mux.HandleFunc("/admin/v1/regions/unload", a.post(a.unloadRegion))
	mux.HandleFunc("/admin/v1/regions/load", a.post(a.loadRegion))
	mux.HandleFunc("/admin/v1/sandbox/spawner", a.post(a.sandboxSpawner))
}

func (a *admin) get(h http.HandlerFunc) http.HandlerFunc {
	return a.guard(http.MethodGet, h)
}

func (a *admin) post(h http.HandlerFunc) http.HandlerFunc {
	return a.guard(http.MethodPost, h)
}

func (a *admin) guard(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

type opResponse struct {
	OK       bool                `json:"ok"`
	Tick     uint64              `json:"tick"`
	Count    int                 `json:"count,omitempty"`
	Host     string              `json:"host,omitempty"`
	IDs      []model.ObjectID    `json:"ids,omitempty"`
	Stacks   []registry.Info     `json:"stacks,omitempty"`
	Spawners []spawner.Source    `json:"spawners,omitempty"`
	Error    *protocol.ErrorMsg  `json:"error,omitempty"`
	Metrics  *engine.Metrics     `json:"metrics,omitempty"`
	Rules    map[string]string   `json:"rules,omitempty"`
	Ignored  map[string][]string `json:"ignored,omitempty"`
	Extra    map[string]any      `json:"extra,omitempty"`
}

// op builds a handler that submits one request built from the query string.
func (a *admin) op(build func(q *queryArgs) engine.Request) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		q := &queryArgs{v: r.URL.Query()}
		req := build(q)
		if q.err != nil {
			a.fail(rw, r, string(req.Op), q.err)
			return
		}
		res, err := a.do(r.Context(), req)
		a.record(r, string(req.Op), q.target(), res, err)
		if err != nil {
			a.fail(rw, r, string(req.Op), err)
			return
		}
		writeJSON(rw, http.StatusOK, resultResponse(res))
	}
}

func (a *admin) do(ctx context.Context, req engine.Request) (engine.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return a.eng.Do(ctx, req)
}

func resultResponse(res engine.Result) opResponse {
	return opResponse{
		OK:       true,
		Tick:     res.Tick,
		Count:    res.Count,
		Host:     string(res.Host),
		IDs:      res.IDs,
		Stacks:   res.Stacks,
		Spawners: res.Spawners,
	}
}

func (a *admin) state(rw http.ResponseWriter, r *http.Request) {
	res, err := a.do(r.Context(), engine.Request{Op: engine.OpState})
	if err != nil {
		a.fail(rw, r, string(engine.OpState), err)
		return
	}
	out := resultResponse(res)
	m := a.eng.Metrics()
	out.Metrics = &m
	writeJSON(rw, http.StatusOK, out)
}

func (a *admin) rulesInfo(rw http.ResponseWriter, r *http.Request) {
	rs := a.eng.Rules().Current()
	extra := map[string]any{}
	for _, k := range model.Kinds() {
		subs := rs.StackableSubtypes(k)
		amounts := map[string][]uint32{}
		for _, s := range subs {
			amounts[s] = rs.SuggestAmounts(k, s)
		}
		extra[k.String()] = amounts
	}
	writeJSON(rw, http.StatusOK, opResponse{OK: true, Tick: a.eng.CurrentTick(), Rules: rs.Digests(), Ignored: rs.Ignored(), Extra: extra})
}

// reloadRules parses the settings files on the request goroutine and hands
// the finished table to the engine. A bad file leaves the current rules.
func (a *admin) reloadRules(rw http.ResponseWriter, r *http.Request) {
	rs, err := rules.LoadDir(a.configDir)
	if err != nil {
		a.record(r, string(engine.OpSwapRules), a.configDir, engine.Result{}, err)
		writeJSON(rw, http.StatusBadRequest, opResponse{Error: errorBody(fmt.Errorf("%w: %v", errBadParam, err))})
		return
	}
	res, err := a.do(r.Context(), engine.Request{Op: engine.OpSwapRules, Rules: rs})
	a.record(r, string(engine.OpSwapRules), a.configDir, res, err)
	if err != nil {
		a.fail(rw, r, string(engine.OpSwapRules), err)
		return
	}
	if a.idx != nil {
		if err := a.idx.UpsertCatalogs(a.configDir, rs, a.tune); err != nil {
			a.log.Printf("index backend: upsert catalogs: %v", err)
		}
	}
	writeJSON(rw, http.StatusOK, opResponse{OK: true, Tick: res.Tick, Count: res.Count, Rules: rs.Digests(), Ignored: rs.Ignored()})
}

// unloadRegion parks the engine side first, while hosts are still live, then
// hides the region in the simulation.
func (a *admin) unloadRegion(rw http.ResponseWriter, r *http.Request) {
	q := &queryArgs{v: r.URL.Query()}
	key := q.region(a.world)
	if q.err != nil {
		a.fail(rw, r, string(engine.OpUnloadRegion), q.err)
		return
	}
	res, err := a.do(r.Context(), engine.Request{Op: engine.OpUnloadRegion, Region: key})
	a.record(r, string(engine.OpUnloadRegion), key.String(), res, err)
	if err != nil {
		a.fail(rw, r, string(engine.OpUnloadRegion), err)
		return
	}
	hidden := a.sim.UnloadRegion(key)
	out := resultResponse(res)
	out.Extra = map[string]any{"hidden_objects": len(hidden)}
	writeJSON(rw, http.StatusOK, out)
}

// loadRegion brings the simulation side back first so hosts can be found.
func (a *admin) loadRegion(rw http.ResponseWriter, r *http.Request) {
	q := &queryArgs{v: r.URL.Query()}
	key := q.region(a.world)
	if q.err != nil {
		a.fail(rw, r, string(engine.OpLoadRegion), q.err)
		return
	}
	a.sim.LoadRegion(key)
	res, err := a.do(r.Context(), engine.Request{Op: engine.OpLoadRegion, Region: key})
	a.record(r, string(engine.OpLoadRegion), key.String(), res, err)
	if err != nil {
		a.fail(rw, r, string(engine.OpLoadRegion), err)
		return
	}
	writeJSON(rw, http.StatusOK, resultResponse(res))
}

// sandboxSpawner places a spawner block in the sandbox and injects it.
func (a *admin) sandboxSpawner(rw http.ResponseWriter, r *http.Request) {
	q := &queryArgs{v: r.URL.Query()}
	subtype := strings.ToUpper(q.get("subtype"))
	if _, ok := rules.Lookup(model.KindSpawner, subtype); !ok {
		a.fail(rw, r, string(engine.OpInjectSpawner), fmt.Errorf("%w: unknown spawner subtype %q", errBadParam, subtype))
		return
	}
	loc := model.Location{World: a.world, X: q.decimal("x"), Y: 64, Z: q.decimal("z")}
	n := q.optNumber("n")
	if q.err != nil {
		a.fail(rw, r, string(engine.OpInjectSpawner), q.err)
		return
	}
	id := a.sim.Spawn(model.KindSpawner, subtype, loc, nil, nil)
	res, err := a.do(r.Context(), engine.Request{Op: engine.OpInjectSpawner, Source: id, N: n})
	a.record(r, string(engine.OpInjectSpawner), string(id), res, err)
	if err != nil {
		a.sim.Kill(id)
		a.fail(rw, r, string(engine.OpInjectSpawner), err)
		return
	}
	writeJSON(rw, http.StatusOK, resultResponse(res))
}

func (a *admin) record(r *http.Request, op, target string, res engine.Result, err error) {
	if a.audit == nil {
		return
	}
	e := persistlog.AuditEntry{
		Time:   time.Now().UTC().Format(time.RFC3339Nano),
		Tick:   res.Tick,
		Remote: r.RemoteAddr,
		Op:     op,
		Target: target,
		Count:  res.Count,
	}
	if err != nil {
		e.Code = protocol.CodeFor(err)
		e.Error = err.Error()
	}
	if werr := a.audit.WriteAudit(e); werr != nil {
		a.log.Printf("audit: %v", werr)
	}
}

func (a *admin) fail(rw http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	if status >= 500 {
		a.log.Printf("admin %s %s: %v", op, r.URL.Path, err)
	}
	writeJSON(rw, status, opResponse{Error: errorBody(err)})
}

func errorBody(err error) *protocol.ErrorMsg {
	if errors.Is(err, errBadParam) {
		return &protocol.ErrorMsg{Type: protocol.TypeError, ProtocolVersion: protocol.Version, Code: protocol.ErrBadRequest, Message: err.Error()}
	}
	e := protocol.NewError(err)
	return &e
}

func statusFor(err error) int {
	if errors.Is(err, errBadParam) {
		return http.StatusBadRequest
	}
	switch protocol.CodeFor(err) {
	case protocol.ErrBusy:
		return http.StatusServiceUnavailable
	case protocol.ErrNotFound:
		return http.StatusNotFound
	case protocol.ErrBadRequest:
		return http.StatusBadRequest
	case protocol.ErrInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusConflict
	}
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

// queryArgs reads typed query parameters and keeps the first error.
type queryArgs struct {
	v   map[string][]string
	err error
}

func (q *queryArgs) get(name string) string {
	if vs := q.v[name]; len(vs) > 0 {
		return strings.TrimSpace(vs[0])
	}
	return ""
}

func (q *queryArgs) fail(format string, args ...any) {
	if q.err == nil {
		q.err = fmt.Errorf("%w: "+format, append([]any{errBadParam}, args...)...)
	}
}

func (q *queryArgs) objectID(name string) model.ObjectID {
	s := q.get(name)
	if s == "" {
		q.fail("%s is required", name)
	}
	return model.ObjectID(s)
}

func (q *queryArgs) number(name string) int {
	n, err := strconv.Atoi(q.get(name))
	if err != nil {
		q.fail("%s must be an integer", name)
	}
	return n
}

// optNumber is number for parameters that may be left out; absent reads as 0.
func (q *queryArgs) optNumber(name string) int {
	if q.get(name) == "" {
		return 0
	}
	return q.number(name)
}

func (q *queryArgs) decimal(name string) float64 {
	s := q.get(name)
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		q.fail("%s must be a number", name)
	}
	return f
}

func (q *queryArgs) flag(name string) bool {
	b, _ := strconv.ParseBool(q.get(name))
	return b
}

func (q *queryArgs) kind(name string) model.Kind {
	k, err := model.ParseKind(strings.ToUpper(q.get(name)))
	if err != nil {
		q.fail("%s: %v", name, err)
	}
	return k
}

func (q *queryArgs) reason(name string) registry.Reason {
	switch strings.ToUpper(q.get(name)) {
	case "", "REMOVED":
		return registry.ReasonRemoved
	case "DIED":
		return registry.ReasonDied
	case "UNLOADED":
		return registry.ReasonUnloaded
	default:
		q.fail("%s must be REMOVED, DIED or UNLOADED", name)
		return 0
	}
}

func (q *queryArgs) region(world string) model.RegionKey {
	if w := q.get("world"); w != "" {
		world = w
	}
	return model.RegionKey{World: world, CX: q.number("cx"), CZ: q.number("cz")}
}

// target names what an op acted on, for the audit log.
func (q *queryArgs) target() string {
	for _, k := range []string{"host", "target", "source", "kind"} {
		if s := q.get(k); s != "" {
			return s
		}
	}
	return ""
}
