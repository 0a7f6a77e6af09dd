package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"refuge.voxelcraft.ai/internal/env"
	"refuge.voxelcraft.ai/internal/metrics"
	persistlog "refuge.voxelcraft.ai/internal/persistence/log"
	"refuge.voxelcraft.ai/internal/persistence/savedb"
	"refuge.voxelcraft.ai/internal/persistence/snapshot"
	"refuge.voxelcraft.ai/internal/refuge/server"
	"refuge.voxelcraft.ai/internal/transport/ws"
	"refuge.voxelcraft.ai/internal/tuning"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		configDir  = flag.String("configs", "./configs", "config directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		envFile    = flag.String("env", ".env", "optional env file with REFUGE_* overrides")
		restore    = flag.String("restore", "", "backup to restore into the save store before starting (optional)")
		keep       = flag.Int("keep_backups", 24, "number of periodic backups to keep")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	if err := loadEnvFile(*envFile); err != nil {
		logger.Fatalf("load env: %v", err)
	}

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
	if hz := envInt("REFUGE_TICK_RATE_HZ", 0); hz > 0 {
		tune.TickRateHz = hz
	}

	_ = os.MkdirAll(*dataDir, 0o755)
	db, err := savedb.Open(filepath.Join(*dataDir, "refuge.sqlite"))
	if err != nil {
		logger.Fatalf("open save db: %v", err)
	}
	defer db.Close()

	backupDir := filepath.Join(*dataDir, "backups")
	if p := strings.TrimSpace(*restore); p != "" {
		if p == "latest" {
			p = latestBackup(backupDir)
		}
		if err := restoreBackup(db, p); err != nil {
			logger.Fatalf("restore %s: %v", p, err)
		}
		logger.Printf("restored save store from %s", filepath.Base(p))
	}

	auditLog := persistlog.NewAuditLogger(*dataDir)
	defer auditLog.Close()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mx := metrics.New(promReg)

	ctx, cancel := signalContext()
	defer cancel()

	backups := newBackupWriter(db, backupDir, *keep, logger)
	go backups.run(ctx)

	srv, err := server.New(server.Config{
		Tuning:  tune,
		Flags:   env.StaticFlags{Server: true, Ready: true},
		Store:   db,
		Audit:   persistlog.Tee{auditLog, db},
		Metrics: mx,
		Log:     logger,
		Backups: backups.capture,
	})
	if err != nil {
		logger.Fatalf("server: %v", err)
	}

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		if err := srv.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("server stopped: %v", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.Handler(promReg))

	enableAdminHTTP := envBool("REFUGE_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP())
	enablePprofHTTP := envBool("REFUGE_ENABLE_PPROF_HTTP", false)
	if enableAdminHTTP {
		// Loopback-only; the handler rejects any other remote.
		mux.Handle("/admin/v1/", srv.AdminHandler())
	} else {
		logger.Printf("admin endpoints disabled (REFUGE_ENABLE_ADMIN_HTTP=false)")
	}
	if enablePprofHTTP {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		logger.Printf("pprof endpoints disabled (REFUGE_ENABLE_PPROF_HTTP=false)")
	}
	mux.HandleFunc("/v1/ws", ws.NewServer(srv, logger).Handler())

	hs := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = hs.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s", *addr)
	if err := hs.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}

	<-loopDone
	// The loop has exited, so the store is quiescent.
	if err := backups.writeNow(srv.CurrentTick()); err != nil {
		logger.Printf("shutdown backup: %v", err)
	}
	logger.Printf("audit rows dropped: %d", db.DroppedAudits())
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

func restoreBackup(db *savedb.DB, path string) error {
	if path == "" {
		return os.ErrNotExist
	}
	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		return err
	}
	return snapshot.Restore(db, snap, true)
}
