package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"tilestream.dev/internal/persistence/indexdb"
	persistlog "tilestream.dev/internal/persistence/log"
	"tilestream.dev/internal/sim/catalogs"
	"tilestream.dev/internal/sim/session"
	"tilestream.dev/internal/sim/tilemap/assign"
	"tilestream.dev/internal/sim/tilemap/grid"
	"tilestream.dev/internal/sim/tilemap/pool"
	"tilestream.dev/internal/sim/tuning"
	"tilestream.dev/internal/transport/observer"
)

type serverOptions struct {
	Addr       string
	ConfigDir  string
	TuningPath string
	MapID      string
	Seed       uint64
	SeedSet    bool
	DisableDB  bool
}

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configDir  = flag.String("configs", "./configs", "config directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		mapID      = flag.String("map", "", "map id (default: tuning map_id)")
		seed       = flag.Uint64("seed", 0, "session seed (default: tuning seed)")
		disableDB  = flag.Bool("disable_db", false, "disable the session index (ticks + catalogs + sessions)")
	)
	flag.Parse()

	opts := serverOptions{
		Addr:       *addr,
		ConfigDir:  *configDir,
		TuningPath: *tuningPath,
		MapID:      strings.TrimSpace(*mapID),
		Seed:       *seed,
		DisableDB:  *disableDB,
	}
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "seed" {
			opts.SeedSet = true
		}
	})

	ctx, cancel := signalContext()
	defer cancel()

	if err := run(ctx, opts); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts serverOptions) error {
	tp := strings.TrimSpace(opts.TuningPath)
	if tp == "" {
		tp = filepath.Join(opts.ConfigDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		return fmt.Errorf("load tuning: %w", err)
	}
	if opts.MapID != "" {
		tune.MapID = opts.MapID
	}
	if opts.SeedSet {
		tune.Seed = opts.Seed
	}

	logger := newLogger(tune.Log.Level)
	slog.SetDefault(logger)
	logger.Info("tilestream server starting", "map_id", tune.MapID, "seed", tune.Seed, "tick_rate_hz", tune.TickRateHz)

	cats, err := catalogs.Load(opts.ConfigDir)
	if err != nil {
		return fmt.Errorf("load catalogs: %w", err)
	}
	resolved, err := cats.Resolve(tune.MapID)
	if err != nil {
		return fmt.Errorf("resolve map: %w", err)
	}
	if tune.MaxLoadsPerTick > 0 {
		resolved.Config.MaxLoadsPerTick = tune.MaxLoadsPerTick
	}

	sessionID := uuid.NewString()
	cache, err := openAssignCache(tune.Cache, sessionID)
	if err != nil {
		return fmt.Errorf("open assignment cache: %w", err)
	}
	defer cache.Close()

	gctx := resolved.Context(pool.NewObjectPool(logger), cache, logger)
	sess, err := session.New(session.Config{
		ID:              sessionID,
		MapID:           tune.MapID,
		CatalogDigest:   cats.Digest(),
		TickRateHz:      tune.TickRateHz,
		Seed:            tune.Seed,
		Spawn:           grid.Vec3{X: tune.Spawn[0], Z: tune.Spawn[1]},
		MaxCellsPerTick: tune.Observer.MaxCellsPerTick,
	}, gctx, logger)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}

	sessionDir := filepath.Join(tune.Log.Dir, sess.ID())
	manifest := sess.Manifest()
	if err := session.WriteManifest(sessionDir, manifest); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	tickLog := persistlog.NewTickLogger(sessionDir)
	defer tickLog.Close()

	// Optional read-model index (does not affect generation).
	idx, err := openRuntimeIndex(ctx, tune.Index, opts.DisableDB, logger)
	if err != nil {
		return fmt.Errorf("open index backend: %w", err)
	}
	var idxTicks session.TickLogger
	if idx != nil {
		defer idx.Close()
		if err := idx.UpsertCatalogs(opts.ConfigDir, cats, tune); err != nil {
			logger.Warn("index backend: upsert catalogs", "err", err)
		}
		if err := idx.RecordSession(manifest); err != nil {
			logger.Warn("index backend: record session", "err", err)
		}
		idxTicks = idx.TickLogger(sess.ID())
	}
	sess.SetTickLogger(multiTickLogger{a: tickLog, b: idxTicks})

	srv := &http.Server{
		Addr:              opts.Addr,
		Handler:           newMux(sess, idx, tune.Observer.AllowRemote, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, egctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := sess.Run(egctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("session: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("listening", "addr", opts.Addr, "session_id", sess.ID(), "log_dir", sessionDir)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-egctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("server stopped", "session_id", sess.ID(), "tick", sess.CurrentTick())
	return err
}

func newMux(sess *session.Session, idx indexdb.Index, allowRemote bool, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeMetrics(rw, sess, idx)
	})

	obsSrv := observer.NewServer(sess, logger, observer.Options{AllowRemote: allowRemote})
	mux.HandleFunc("/v1/observer/bootstrap", obsSrv.BootstrapHandler())
	mux.HandleFunc("/v1/observer/ws", obsSrv.WSHandler())

	if envBool("TS_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()) {
		// Local-only admin endpoints.
		mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			rw.Header().Set("Content-Type", "application/json")
			resp := struct {
				Manifest session.Manifest `json:"manifest"`
				Metrics  session.Metrics  `json:"metrics"`
				Index    *indexdb.Stats   `json:"index,omitempty"`
			}{
				Manifest: sess.Manifest(),
				Metrics:  sess.Metrics(),
			}
			if idx != nil {
				st := idx.Stats()
				resp.Index = &st
			}
			_ = json.NewEncoder(rw).Encode(resp)
		})
	} else {
		logger.Info("admin endpoints disabled (TS_ENABLE_ADMIN_HTTP=false)")
	}
	if envBool("TS_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return mux
}

// Minimal Prometheus exposition format.
func writeMetrics(rw http.ResponseWriter, sess *session.Session, idx indexdb.Index) {
	m := sess.Metrics()
	id := sess.ID()

	fmt.Fprintf(rw, "# HELP tilestream_session_tick Current session tick.\n")
	fmt.Fprintf(rw, "# TYPE tilestream_session_tick gauge\n")
	fmt.Fprintf(rw, "tilestream_session_tick{session=%q} %d\n", id, m.Tick)

	fmt.Fprintf(rw, "# HELP tilestream_active_cells Active cells by layer.\n")
	fmt.Fprintf(rw, "# TYPE tilestream_active_cells gauge\n")
	fmt.Fprintf(rw, "tilestream_active_cells{session=%q,layer=%q} %d\n", id, "tiles", m.ActiveTiles)
	fmt.Fprintf(rw, "tilestream_active_cells{session=%q,layer=%q} %d\n", id, "obstacles", m.ActiveObstacles)

	fmt.Fprintf(rw, "# HELP tilestream_pending_loads Cells in the view window still to be loaded.\n")
	fmt.Fprintf(rw, "# TYPE tilestream_pending_loads gauge\n")
	fmt.Fprintf(rw, "tilestream_pending_loads{session=%q} %d\n", id, m.Pending)

	fmt.Fprintf(rw, "# HELP tilestream_assignment_cache_size Cells with a recorded assignment.\n")
	fmt.Fprintf(rw, "# TYPE tilestream_assignment_cache_size gauge\n")
	fmt.Fprintf(rw, "tilestream_assignment_cache_size{session=%q} %d\n", id, m.CacheSize)

	fmt.Fprintf(rw, "# HELP tilestream_observers Connected observers.\n")
	fmt.Fprintf(rw, "# TYPE tilestream_observers gauge\n")
	fmt.Fprintf(rw, "tilestream_observers{session=%q} %d\n", id, m.Observers)

	fmt.Fprintf(rw, "# HELP tilestream_queue_depth Channel backlog depth.\n")
	fmt.Fprintf(rw, "# TYPE tilestream_queue_depth gauge\n")
	fmt.Fprintf(rw, "tilestream_queue_depth{session=%q,queue=%q} %d\n", id, "move", m.QueueDepths.Move)
	fmt.Fprintf(rw, "tilestream_queue_depth{session=%q,queue=%q} %d\n", id, "join", m.QueueDepths.Join)
	fmt.Fprintf(rw, "tilestream_queue_depth{session=%q,queue=%q} %d\n", id, "leave", m.QueueDepths.Leave)

	fmt.Fprintf(rw, "# HELP tilestream_step_ms Last tick step duration in milliseconds.\n")
	fmt.Fprintf(rw, "# TYPE tilestream_step_ms gauge\n")
	fmt.Fprintf(rw, "tilestream_step_ms{session=%q} %.3f\n", id, m.StepMS)

	if idx == nil {
		return
	}
	s := idx.Stats()
	fmt.Fprintf(rw, "# HELP tilestream_index_queue_depth Current index writer queue depth.\n")
	fmt.Fprintf(rw, "# TYPE tilestream_index_queue_depth gauge\n")
	fmt.Fprintf(rw, "tilestream_index_queue_depth %d\n", s.QueueDepth)

	fmt.Fprintf(rw, "# HELP tilestream_index_dropped_ticks_total Ticks dropped because the index queue was full.\n")
	fmt.Fprintf(rw, "# TYPE tilestream_index_dropped_ticks_total counter\n")
	fmt.Fprintf(rw, "tilestream_index_dropped_ticks_total %d\n", s.DropTickTotal)

	fmt.Fprintf(rw, "# HELP tilestream_index_write_errors_total Failed index writes.\n")
	fmt.Fprintf(rw, "# TYPE tilestream_index_write_errors_total counter\n")
	fmt.Fprintf(rw, "tilestream_index_write_errors_total %d\n", s.WriteErrTotal)
}

// openAssignCache picks the assignment store. LevelDB stores live under a
// per-session directory.
func openAssignCache(cfg tuning.Cache, sessionID string) (*assign.Cache, error) {
	switch cfg.Backend {
	case "", "memory":
		return assign.NewCache(assign.NewMemoryStore()), nil
	case "leveldb":
		store, err := assign.OpenLevelDB(filepath.Join(cfg.Dir, sessionID))
		if err != nil {
			return nil, err
		}
		return assign.NewCache(store), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-ch
		slog.Info("shutting down", "signal", sig)
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

func envBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

type multiTickLogger struct {
	a session.TickLogger
	b session.TickLogger
}

func (m multiTickLogger) WriteTick(entry session.TickLogEntry) error {
	var err error
	if m.a != nil {
		err = m.a.WriteTick(entry)
	}
	if m.b != nil {
		_ = m.b.WriteTick(entry)
	}
	return err
}
