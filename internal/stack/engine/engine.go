// Package engine runs the stacking registry and spawner manager on a single
// tick goroutine. Other goroutines talk to it through Submit and Report.
package engine

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"voxelstack.ai/internal/persistence/regionstore"
	"voxelstack.ai/internal/protocol"
	"voxelstack.ai/internal/stack/host"
	"voxelstack.ai/internal/stack/model"
	"voxelstack.ai/internal/stack/registry"
	"voxelstack.ai/internal/stack/rules"
	"voxelstack.ai/internal/stack/spawner"
)

var (
	ErrBusy    = errors.New("engine request queue full")
	ErrStopped = errors.New("engine stopped")
)

type Config struct {
	World             string
	TickRateHz        int
	ScanEveryTicks    int
	ScanRadius        float64
	SpawnerEveryTicks int
	SplitSpread       float64
	Seed              int64
	RequestQueue      int
	ReportQueue       int
	// SaveOnStop parks every stack and spawner into region storage when Run returns.
	SaveOnStop bool
}

func (c *Config) normalize() {
	if c.TickRateHz <= 0 {
		c.TickRateHz = 20
	}
	if c.ScanEveryTicks <= 0 {
		c.ScanEveryTicks = 20
	}
	if c.ScanRadius <= 0 {
		c.ScanRadius = 5
	}
	if c.SpawnerEveryTicks <= 0 {
		c.SpawnerEveryTicks = 200
	}
	if c.RequestQueue <= 0 {
		c.RequestQueue = 256
	}
	if c.ReportQueue <= 0 {
		c.ReportQueue = 1024
	}
}

// RegionStore persists region tables. *regionstore.Store implements it.
type RegionStore interface {
	Save(r regionstore.RegionV1)
	Take(key model.RegionKey) (r regionstore.RegionV1, skipped []error, ok bool, err error)
}

// EventLogger receives every stack event after the tick that produced it.
type EventLogger interface {
	WriteEvent(ev protocol.StackEventMsg) error
}

// Indexer mirrors events into a read model. Implementations must not block.
type Indexer interface {
	RecordEvent(ev protocol.StackEventMsg)
}

// Publisher fans events out to live observers. Implementations must not block.
type Publisher interface {
	Publish(ev protocol.StackEventMsg)
}

// Host is what the engine needs from the simulation.
type Host interface {
	host.Capabilities
	host.Spawner
}

type report struct {
	kind model.Kind
	ids  []model.ObjectID
}

// Engine owns the registry and spawner manager. All of their state is
// touched only from the Run goroutine.
type Engine struct {
	cfg   Config
	log   *log.Logger
	host  Host
	rules *rules.Store
	store RegionStore

	reg      *registry.Registry
	spawners *spawner.Manager

	tick    atomic.Uint64
	cursor  atomic.Uint64
	metrics atomic.Pointer[Metrics]
	totals  counters

	requests chan Request
	reports  chan report
	stop     chan struct{}
	stopOnce sync.Once

	eventLogger EventLogger
	indexer     Indexer
	publisher   Publisher
	pending     []protocol.StackEventMsg
}

func New(cfg Config, h Host, rs *rules.Store, store RegionStore, logger *log.Logger) *Engine {
	cfg.normalize()
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if rs == nil {
		rs = rules.NewStore(rules.Defaults())
	}
	e := &Engine{
		cfg:      cfg,
		log:      logger,
		host:     h,
		rules:    rs,
		store:    store,
		requests: make(chan Request, cfg.RequestQueue),
		reports:  make(chan report, cfg.ReportQueue),
		stop:     make(chan struct{}),
	}
	e.reg = registry.New(registry.Config{
		SplitSpread: cfg.SplitSpread,
		Logger:      logger,
		Listener:    events{e},
	}, h, rs)
	e.spawners = spawner.New(spawner.Config{Seed: cfg.Seed, Logger: logger}, h, h, rs)
	e.metrics.Store(&Metrics{})
	return e
}

func (e *Engine) SetEventLogger(l EventLogger) { e.eventLogger = l }
func (e *Engine) SetIndexer(i Indexer)         { e.indexer = i }
func (e *Engine) SetPublisher(p Publisher)     { e.publisher = p }

func (e *Engine) Config() Config      { return e.cfg }
func (e *Engine) CurrentTick() uint64 { return e.tick.Load() }
func (e *Engine) Cursor() uint64      { return e.cursor.Load() }
func (e *Engine) Rules() *rules.Store { return e.rules }

func (e *Engine) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(e.cfg.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	if e.cfg.SaveOnStop {
		defer e.saveAll()
	}

	var pendingRequests []Request
	var pendingReports []report

	for {
		select {
		case <-ctx.Done():
			e.drain(pendingRequests)
			return ctx.Err()
		case <-e.stop:
			e.drain(pendingRequests)
			return nil
		case req := <-e.requests:
			pendingRequests = append(pendingRequests, req)
		case rep := <-e.reports:
			pendingReports = append(pendingReports, rep)
		case <-ticker.C:
			e.step(pendingRequests, pendingReports)
			pendingRequests = pendingRequests[:0]
			pendingReports = pendingReports[:0]
		}
	}
}

func (e *Engine) Stop() { e.stopOnce.Do(func() { close(e.stop) }) }

// StepOnce advances a single tick with the same ordering as Run. Only for
// callers that do not run the loop.
func (e *Engine) StepOnce() {
	var reqs []Request
	var reps []report
	for {
		select {
		case r := <-e.requests:
			reqs = append(reqs, r)
			continue
		case r := <-e.reports:
			reps = append(reps, r)
			continue
		default:
		}
		break
	}
	e.step(reqs, reps)
}

// Report hands the engine a group of nearby objects to merge on the next
// tick. It never blocks; false means the report was dropped.
func (e *Engine) Report(kind model.Kind, ids []model.ObjectID) bool {
	cp := append([]model.ObjectID(nil), ids...)
	select {
	case e.reports <- report{kind: kind, ids: cp}:
		return true
	default:
		return false
	}
}

func (e *Engine) step(reqs []Request, reps []report) {
	start := time.Now()
	tick := e.tick.Load()

	for _, req := range reqs {
		res := e.apply(req)
		res.Tick = tick
		if req.Resp == nil {
			continue
		}
		select {
		case req.Resp <- res:
		default:
			// Caller gave up; don't block the tick.
		}
	}

	for _, r := range reps {
		rep := e.reg.MergeGroup(r.kind, r.ids)
		e.totals.merged.Add(uint64(rep.Objects))
		if err := rep.Err(); err != nil {
			e.log.Printf("tick %d: report of %d %s: %v", tick, len(r.ids), r.kind, err)
		}
	}

	if tick%uint64(e.cfg.ScanEveryTicks) == 0 {
		e.sweep()
	}
	e.reg.Reconcile()

	if tick%uint64(e.cfg.SpawnerEveryTicks) == 0 && e.spawners.Len() > 0 {
		e.tickSpawners()
	}

	e.flushParked()
	e.flushEvents()
	e.publishMetrics(time.Since(start))
	e.tick.Add(1)
}

// sweep merges every stack with whatever is near its host.
func (e *Engine) sweep() {
	for _, h := range e.reg.Handles() {
		info, ok := e.reg.Stack(h)
		if !ok {
			continue
		}
		ids := e.host.QueryNearby(info.Location, e.cfg.ScanRadius, info.Kind)
		if len(ids) < 2 {
			continue
		}
		rep := e.reg.MergeGroup(info.Kind, ids)
		e.totals.merged.Add(uint64(rep.Objects))
		if err := rep.Err(); err != nil {
			e.log.Printf("sweep around %s: %v", info.Host, err)
		}
	}
}

func (e *Engine) tickSpawners() {
	rep := e.spawners.Tick()
	e.totals.spawnAttempts.Add(uint64(rep.Attempts))
	e.totals.spawned.Add(uint64(len(rep.Spawned)))
	e.emit(protocol.StackEventMsg{
		Event:  protocol.EventSpawnerTick,
		Kind:   model.KindSpawner.String(),
		Count:  len(rep.Spawned),
		Failed: rep.Failed,
		XP:     rep.XP,
	})
	if rep.Failed > 0 {
		e.log.Printf("spawners: %d/%d attempts failed: %v", rep.Failed, rep.Attempts, rep.Err())
	}
	// Fresh spawns stack with their neighbours right away.
	for _, id := range rep.Spawned {
		cand, ok := e.host.Describe(id)
		if !ok {
			continue
		}
		group := e.reg.MergeGroup(cand.Kind, e.host.QueryNearby(cand.Location, e.cfg.ScanRadius, cand.Kind))
		e.totals.merged.Add(uint64(group.Objects))
	}
}

func (e *Engine) drain(reqs []Request) {
	for _, req := range reqs {
		if req.Resp == nil {
			continue
		}
		select {
		case req.Resp <- Result{Err: ErrStopped}:
		default:
		}
	}
}
