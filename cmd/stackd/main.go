package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	persistlog "voxelstack.ai/internal/persistence/log"
	"voxelstack.ai/internal/persistence/regionstore"
	"voxelstack.ai/internal/sim/tuning"
	"voxelstack.ai/internal/stack/engine"
	"voxelstack.ai/internal/stack/host/sandbox"
	"voxelstack.ai/internal/stack/rules"
	"voxelstack.ai/internal/transport/observer"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		worldID    = flag.String("world", "world_1", "world id")
		configDir  = flag.String("configs", "./configs", "config directory (tuning.yaml and *_settings.yaml|toml)")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		disableDB  = flag.Bool("disable_db", false, "disable the stack event index")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[stackd] ", log.LstdFlags|log.Lmicroseconds)

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
	}

	rs, err := rules.LoadDir(*configDir)
	if err != nil {
		logger.Fatalf("load rules: %v", err)
	}
	for name, skipped := range rs.Ignored() {
		logger.Printf("rules: %s: ignoring unregistered subtypes %v", name, skipped)
	}
	ruleStore := rules.NewStore(rs)

	worldDir := filepath.Join(*dataDir, "regions", *worldID)
	_ = os.MkdirAll(worldDir, 0o755)

	// Closed last so files finished during shutdown still get uploaded.
	mirror, err := buildMirrorRuntime(*dataDir, logger)
	if err != nil {
		logger.Fatalf("mirror: %v", err)
	}
	defer mirror.Close()

	store, err := regionstore.Open(worldDir, logger)
	if err != nil {
		logger.Fatalf("open region store: %v", err)
	}
	defer store.Close()
	if mirror.enabled() {
		store.SetOnWrite(mirror.Enqueue)
	}

	// Optional: read-model index backend (never blocks the tick).
	idx, err := openRuntimeIndex(worldDir, *worldID, *disableDB || !tune.Persistence.IndexDB, tune.Persistence.IndexQueue, logger)
	if err != nil {
		logger.Fatalf("open index backend: %v", err)
	}
	if idx != nil {
		defer idx.Close()
		if err := idx.UpsertCatalogs(*configDir, rs, tune); err != nil {
			logger.Printf("index backend: upsert catalogs: %v", err)
		}
	}

	sim := sandbox.New()
	sim.SpawnChance = tune.Sandbox.SpawnChance
	sim.MaxEntities = tune.Sandbox.MaxEntities

	eng := engine.New(engine.Config{
		World:             *worldID,
		TickRateHz:        tune.TickRateHz,
		ScanEveryTicks:    tune.ScanEveryTicks,
		ScanRadius:        tune.ScanRadius,
		SpawnerEveryTicks: tune.SpawnerEveryTicks,
		SplitSpread:       tune.SplitSpread,
		Seed:              tune.Seed,
		RequestQueue:      tune.RequestQueue,
		ReportQueue:       tune.ReportQueue,
		SaveOnStop:        tune.Persistence.SaveOnStop,
	}, sim, ruleStore, store, logger)

	if tune.Persistence.EventLog {
		eventLog := persistlog.NewEventLogger(worldDir)
		defer eventLog.Close()
		if mirror.enabled() {
			eventLog.OnClose(mirror.Enqueue)
		}
		eng.SetEventLogger(eventLog)
	}
	if idx != nil {
		eng.SetIndexer(idx)
	}
	obsSrv := observer.NewServer(eng, logger, 4096)
	eng.SetPublisher(obsSrv)

	ctx, cancel := signalContext()
	defer cancel()

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		if err := eng.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("engine stopped: %v", err)
		}
	}()

	if tune.Sandbox.Enabled {
		drv := newSandboxDriver(sim, eng, tune, *worldID, logger)
		go drv.run(ctx)
	}

	auditLog := persistlog.NewAuditLogger(worldDir)
	defer auditLog.Close()
	if mirror.enabled() {
		auditLog.OnClose(mirror.Enqueue)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", metricsHandler(*worldID, eng, store, idx, obsSrv, mirror))

	enableAdminHTTP := envBool("VS_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP())
	enablePprofHTTP := envBool("VS_ENABLE_PPROF_HTTP", false)
	if enableAdminHTTP {
		adm := &admin{
			world:     *worldID,
			configDir: *configDir,
			eng:       eng,
			sim:       sim,
			idx:       idx,
			tune:      tune,
			audit:     auditLog,
			log:       logger,
		}
		adm.routes(mux)
		mux.HandleFunc("/admin/v1/observer/bootstrap", obsSrv.BootstrapHandler())
		mux.HandleFunc("/admin/v1/observer/ws", obsSrv.WSHandler())
	} else {
		logger.Printf("admin endpoints disabled (VS_ENABLE_ADMIN_HTTP=false)")
	}
	if enablePprofHTTP {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s world=%s rules=%d files", *addr, *worldID, len(rs.Digests()))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
	// Let the engine park and save regions before the stores close.
	cancel()
	<-engineDone
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}
