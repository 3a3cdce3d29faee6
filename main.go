package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"playback-edge/work/buffer"
	"playback-edge/work/cache"
	"playback-edge/work/client"
	"playback-edge/work/config"
	"playback-edge/work/database"
	"playback-edge/work/handlers"
	"playback-edge/work/logger"
	"playback-edge/work/middleware"
	"playback-edge/work/poller"
	"playback-edge/work/probe"
	"playback-edge/work/proxy"
	"playback-edge/work/resolver"
	"playback-edge/work/upstream"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/ratelimit"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	// .env is a convenience for local runs; absence is normal.
	_ = godotenv.Load()

	// The settings store lives inside the database, so it opens before
	// the full configuration can be assembled. Failure degrades to
	// defaults plus environment, with probe journaling off.
	var db *database.DB
	var settings map[string]string
	if opened, err := database.Open(config.DatabasePathFromEnv()); err != nil {
		logger.Warn("{main - main} settings store unavailable, continuing on defaults+env: %v", err)
	} else {
		db = opened
		defer db.Close()
		if loaded, err := db.LoadSettings(); err != nil {
			logger.Warn("{main - main} loading persisted settings: %v", err)
		} else {
			settings = loaded
		}
	}

	cfg := config.Load(settings)
	if cfg.Debug {
		logger.SetLogLevel("DEBUG")
	} else {
		logger.SetLogLevel(cfg.LogLevel)
	}

	httpClient := client.NewHeaderSettingClient(cfg)

	workerPool, err := ants.NewPool(cfg.WorkerThreads, ants.WithPreAlloc(true))
	if err != nil {
		logger.Error("{main - main} creating worker pool: %v", err)
		os.Exit(1)
	}
	defer workerPool.Release()

	metaCache := cache.NewMetadataCache(cfg.MetadataCacheSize, cfg.MetadataCacheTTL)
	upstreamClient := upstream.New(cfg, httpClient, metaCache)

	var journal probe.Journal
	if db != nil {
		journal = db
	}
	prober := probe.NewProber(cfg, httpClient, workerPool, journal)
	rs := resolver.New(cfg, upstreamClient, prober)

	bufferPool := buffer.NewBufferPool(cfg.ProxyBufferSize)
	edgeProxy := proxy.New(cfg, httpClient, bufferPool, ratelimit.New(cfg.ProxyRateLimit))

	// Pollers are started by embedding consumers, never by a bare HTTP
	// request; the manager is wired here for the status endpoint and a
	// clean shutdown.
	pollerManager := poller.NewManager()
	defer pollerManager.StopAll()

	startedAt := time.Now()

	router := mux.NewRouter()
	router.HandleFunc("/playback-live/{playbackId}", middleware.GzipMiddleware(handlers.HandleLivePlayback(rs))).Methods("GET")
	router.HandleFunc("/playback-vod/{playbackId}", middleware.GzipMiddleware(handlers.HandleVodPlayback(rs))).Methods("GET")
	router.HandleFunc("/playback-proxy", handlers.HandleProxy(edgeProxy)).Methods("GET")
	router.HandleFunc("/health", middleware.GzipMiddleware(handlers.HandleHealth(Version, startedAt))).Methods("GET")
	router.HandleFunc("/status", middleware.GzipMiddleware(handlers.HandleStatus(db, pollerManager))).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	pruneCtx, pruneCancel := context.WithCancel(context.Background())
	defer pruneCancel()
	if db != nil {
		go pruneJournal(pruneCtx, db, cfg.JournalRetention)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("{main - main} playback-edge %s listening on %s", Version, cfg.ListenAddr)
		logger.Info("{main - main} upstream API %s, %d allow-listed host(s), %d worker(s)",
			cfg.UpstreamAPIBase, len(cfg.AllowedProxyHosts), cfg.WorkerThreads)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("{main - main} server failed: %v", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("{main - main} shutdown signal received, draining connections")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("{main - main} shutdown: %v", err)
	}
	logger.Info("{main - main} server stopped")
}

// pruneJournal expires old probe-failure rows once an hour so the
// journal stays a window, not an archive.
func pruneJournal(ctx context.Context, db *database.DB, retention time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := db.PruneProbeFailures(time.Now().Add(-retention)); err != nil {
				logger.Warn("{main - pruneJournal} prune failed: %v", err)
			} else if n > 0 {
				logger.Debug("{main - pruneJournal} pruned %d probe failure row(s)", n)
			}
		}
	}
}
