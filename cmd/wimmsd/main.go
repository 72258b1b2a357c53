// wimmsd is the node-assignment control-plane daemon: it serves the
// user placement API over HTTP on top of one sqlite database (or one
// per service application) and runs the background garbage collection
// of replaced user records.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mozilla-services/wimms/internal/lifecycle"
	"github.com/mozilla-services/wimms/internal/metrics"
	"github.com/mozilla-services/wimms/internal/store"
	"github.com/mozilla-services/wimms/internal/wimms"
)

const authHeaderName = "X-API-Token"

// backendStore is what the daemon needs from storage: the lifecycle
// backend plus the admin surface. Both store.Store and
// store.ShardedStore satisfy it.
type backendStore interface {
	lifecycle.Backend
	AddService(ctx context.Context, service, pattern string) error
	AddNode(ctx context.Context, service, node string, capacity int, opts store.NodeOptions) error
	UpdateNode(ctx context.Context, service, node string, fields store.NodeFields) error
	ListNodes(ctx context.Context, service string) ([]wimms.Node, error)
	Close() error
}

func main() {
	cfg := parseConfig()

	logger, err := newLogger(cfg.logLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	backend, err := openBackend(cfg)
	if err != nil {
		logger.Fatal("open backend", zap.Error(err))
	}
	defer backend.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	manager := lifecycle.New(backend, metrics.New(registry))

	logger.Info("startup",
		zap.String("addr", cfg.addr),
		zap.String("db", cfg.dbPath),
		zap.String("databases", cfg.databases),
		zap.Duration("cleanup_interval", cfg.cleanupInterval),
		zap.Duration("record_grace", cfg.recordGrace),
	)

	srv := newServer(cfg, manager, backend, registry, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listen", zap.String("addr", cfg.addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		runCleanup(ctx, manager, logger, cfg.cleanupInterval, cfg.recordGrace, cfg.cleanupBatch)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

type daemonConfig struct {
	addr            string
	dbPath          string
	databases       string
	apiToken        string
	logLevel        string
	cleanupInterval time.Duration
	recordGrace     time.Duration
	cleanupBatch    int
	candidateLimit  int
}

func parseConfig() daemonConfig {
	var cfg daemonConfig
	pflag.StringVar(&cfg.addr, "addr", getenvDefault("WIMMS_ADDR", ":8080"), "listen address")
	pflag.StringVar(&cfg.dbPath, "db", getenvDefault("WIMMS_DB_PATH", "wimms.db"), "sqlite db path")
	pflag.StringVar(&cfg.databases, "databases", getenvDefault("WIMMS_DATABASES", ""),
		"per-application shard spec (app=path,app2=path2); overrides --db")
	pflag.StringVar(&cfg.apiToken, "token", getenvDefault("WIMMS_API_TOKEN", ""), "api token, empty disables auth")
	pflag.StringVar(&cfg.logLevel, "log-level", getenvDefault("WIMMS_LOG_LEVEL", "info"), "zap log level")
	pflag.DurationVar(&cfg.cleanupInterval, "cleanup-interval",
		time.Duration(getenvInt("WIMMS_CLEANUP_INTERVAL_SECONDS", 3600))*time.Second, "record gc interval")
	pflag.DurationVar(&cfg.recordGrace, "record-grace",
		time.Duration(getenvInt("WIMMS_RECORD_GRACE_SECONDS", int64(wimms.DefaultGracePeriod.Seconds())))*time.Second,
		"how long replaced records are kept")
	pflag.IntVar(&cfg.cleanupBatch, "cleanup-batch", int(getenvInt("WIMMS_CLEANUP_BATCH", 100)), "records deleted per gc pass")
	pflag.IntVar(&cfg.candidateLimit, "candidate-limit", int(getenvInt("WIMMS_CANDIDATE_LIMIT", 0)),
		"max nodes considered per allocation, 0 for the default")
	pflag.Parse()
	return cfg
}

func getenvDefault(name, fallback string) string {
	if v := os.Getenv(name); strings.TrimSpace(v) != "" {
		return v
	}
	return fallback
}

func getenvInt(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}
	return cfg.Build()
}

func openBackend(cfg daemonConfig) (backendStore, error) {
	opts := store.StoreOptions{CandidateLimit: cfg.candidateLimit}
	if strings.TrimSpace(cfg.databases) != "" {
		return store.OpenSharded(cfg.databases, opts)
	}
	return store.Open(cfg.dbPath, opts)
}

func newServer(cfg daemonConfig, manager *lifecycle.Manager, backend backendStore, registry *prometheus.Registry, logger *zap.Logger) *http.Server {
	h := &handlers{manager: manager, backend: backend, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/services", withAuth(cfg.apiToken, h.services))
	mux.HandleFunc("/nodes", withAuth(cfg.apiToken, h.nodes))
	mux.HandleFunc("/nodes/update", withAuth(cfg.apiToken, h.updateNode))
	mux.HandleFunc("/nodes/decommission", withAuth(cfg.apiToken, h.decommissionNode))
	mux.HandleFunc("/user", withAuth(cfg.apiToken, h.getUser))
	mux.HandleFunc("/users", withAuth(cfg.apiToken, h.createUser))
	mux.HandleFunc("/users/update", withAuth(cfg.apiToken, h.updateUser))
	mux.HandleFunc("/users/retire", withAuth(cfg.apiToken, h.retireUser))
	mux.HandleFunc("/users/purge", withAuth(cfg.apiToken, h.purgeUser))
	mux.HandleFunc("/healthz", h.healthz)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return &http.Server{
		Addr:         cfg.addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

func withAuth(token string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimSpace(token) != "" && r.Header.Get(authHeaderName) != token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

// runCleanup walks every registered service on each tick and deletes
// records that were replaced longer than grace ago.
func runCleanup(ctx context.Context, manager *lifecycle.Manager, logger *zap.Logger, interval, grace time.Duration, batch int) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			patterns, err := manager.Patterns(ctx)
			if err != nil {
				logger.Warn("cleanup list services", zap.Error(err))
				continue
			}
			for _, p := range patterns {
				deleted, err := manager.CleanupOldRecords(ctx, p.Service, grace, batch)
				if err != nil {
					logger.Warn("cleanup",
						zap.String("service", p.Service),
						zap.Int("deleted", deleted),
						zap.Error(err))
					continue
				}
				if deleted > 0 {
					logger.Info("cleanup",
						zap.String("service", p.Service),
						zap.Int("deleted", deleted))
				}
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
