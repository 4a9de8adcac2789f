// Command warden runs the request integrity gateway: a reverse proxy whose
// every request passes through the guard pipeline (authentication, nonce and
// signature verification, idempotency keys, rate limiting) before reaching
// the backend. Administrative endpoints for rules, policies, usage stats and
// a live event stream are served under /admin.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"github.com/wardenhq/warden/internal/analytics"
	"github.com/wardenhq/warden/internal/api"
	"github.com/wardenhq/warden/internal/config"
	wardenhttp "github.com/wardenhq/warden/internal/httputil"
	"github.com/wardenhq/warden/internal/idempotency"
	"github.com/wardenhq/warden/internal/nonce"
	"github.com/wardenhq/warden/internal/pipeline"
	"github.com/wardenhq/warden/internal/policy"
	"github.com/wardenhq/warden/internal/proxy"
	"github.com/wardenhq/warden/internal/ratelimit"
	"github.com/wardenhq/warden/internal/storage"
)

const (
	shutdownTimeout = 10 * time.Second
	sweepInterval   = time.Minute
	brokerBuffer    = 256
)

func main() {
	if err := run(); err != nil {
		slog.Error("warden exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, memStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	repo, db, err := openRepository(ctx, cfg)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	provider, err := policy.NewProvider(repo, policy.ProviderConfig{
		CacheTTL:    cfg.PolicyCacheTTL,
		DefaultRule: defaultRule(cfg),
	})
	if err != nil {
		return fmt.Errorf("policy provider: %w", err)
	}

	var guardLog *analytics.Logger
	var statsProvider api.StatsProvider
	if db != nil {
		guardLog, err = analytics.New(analytics.Config{DB: db})
		if err != nil {
			return fmt.Errorf("analytics logger: %w", err)
		}
		queries, err := analytics.NewQueryService(db)
		if err != nil {
			return fmt.Errorf("analytics queries: %w", err)
		}
		statsProvider = queries
	}

	broker := api.NewEventBroker(brokerBuffer)
	sink := func(ev pipeline.Event) {
		broker.Publish(api.StreamEvent{
			Timestamp: ev.Timestamp,
			SubjectID: ev.SubjectID,
			Method:    ev.Method,
			Path:      ev.Path,
			Stage:     ev.Stage,
			Allowed:   ev.Allowed,
			Status:    ev.Status,
			Limit:     ev.Limit,
			Remaining: ev.Remaining,
			Replayed:  ev.Replayed,
		})
		if guardLog != nil {
			guardLog.Log(analytics.GuardEvent{
				Timestamp: ev.Timestamp,
				SubjectID: ev.SubjectID,
				Method:    ev.Method,
				Path:      ev.Path,
				Stage:     ev.Stage,
				Allowed:   ev.Allowed,
				Status:    ev.Status,
				RuleName:  ev.RuleName,
				Limit:     ev.Limit,
				Remaining: ev.Remaining,
				Replayed:  ev.Replayed,
			})
		}
	}

	limiter, err := ratelimit.New(store, provider, ratelimit.Config{BurstWindow: cfg.BurstWindow})
	if err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	keys, err := idempotency.New(store)
	if err != nil {
		return fmt.Errorf("idempotency keys: %w", err)
	}
	nonces, err := nonce.NewRegistry(store, cfg.JWTNonceTTL)
	if err != nil {
		return fmt.Errorf("nonce registry: %w", err)
	}

	opts := []pipeline.Option{pipeline.WithEventSink(sink)}
	if cfg.SigningSecret != "" {
		signer, err := nonce.NewSigner([]byte(cfg.SigningSecret), cfg.SignatureTolerance)
		if err != nil {
			return fmt.Errorf("signer: %w", err)
		}
		opts = append(opts, pipeline.WithSigner(signer))
	} else {
		slog.Warn("SIGNING_SECRET not set; request signature verification disabled")
	}

	auth := pipeline.HeaderAuthenticator{TrustProxy: cfg.TrustProxy}
	pipe, err := pipeline.New(auth, provider, limiter, keys, nonces, opts...)
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}

	backend, err := proxy.New(cfg.BackendURL)
	if err != nil {
		return fmt.Errorf("backend proxy: %w", err)
	}

	admin, err := api.NewAdminAPI(repo, cfg.AdminAPIToken, provider.Invalidate)
	if err != nil {
		return fmt.Errorf("admin api: %w", err)
	}
	if cfg.AdminAPIToken == "" {
		slog.Warn("ADMIN_API_TOKEN not set; admin API is unauthenticated")
	}

	router := buildRouter(cfg, store, pipe, backend, admin, statsProvider, broker)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("warden listening",
			"addr", cfg.ListenAddr,
			"backend", cfg.BackendURL.String())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	// Redis expires guard keys server-side; the in-process store needs a
	// periodic sweep for keys that stop being read.
	if memStore != nil {
		g.Go(func() error {
			ticker := time.NewTicker(sweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case now := <-ticker.C:
					if n := memStore.Sweep(now); n > 0 {
						slog.Debug("swept expired guard keys", "count", n)
					}
				}
			}
		})
	}

	err = g.Wait()

	if guardLog != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if cerr := guardLog.Close(closeCtx); cerr != nil {
			slog.Warn("analytics logger close", "error", cerr)
		}
	}

	return err
}

// defaultRule is the fallback rate limit applied when no stored rule
// matches a request.
func defaultRule(cfg *config.Config) policy.RateLimitRule {
	return policy.RateLimitRule{
		Name:       "default",
		Pattern:    "/*",
		Scope:      policy.ScopePerSubject,
		Limit:      cfg.DefaultRateLimit,
		Window:     cfg.DefaultRateWindow,
		BurstLimit: cfg.DefaultBurstLimit,
		Active:     true,
	}
}

// openStore connects the shared guard key store. REDIS_ADDR="memory"
// selects the in-process store; the second return value is non-nil only
// in that mode so the caller can run the sweeper against it.
func openStore(ctx context.Context, cfg *config.Config) (storage.Store, *storage.MemoryStore, error) {
	if cfg.RedisAddr == "memory" {
		slog.Warn("using in-memory store; guard state is not shared across processes")
		ms := storage.NewMemoryStore()
		return ms, ms, nil
	}

	redisCfg := storage.DefaultRedisConfig()
	redisCfg.Addr = cfg.RedisAddr
	store, err := storage.NewRedisStore(ctx, redisCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("redis store: %w", err)
	}
	return store, nil, nil
}

// openRepository opens the durable policy repository. Without DATABASE_URL
// rules and policies live in memory only and analytics is disabled; the
// returned *sql.DB is nil in that case.
func openRepository(ctx context.Context, cfg *config.Config) (policy.Repository, *sql.DB, error) {
	if cfg.DatabaseURL == "" {
		slog.Warn("DATABASE_URL not set; rules and policies are in-memory only, analytics disabled")
		return policy.NewInMemoryRepository(), nil, nil
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ping postgres: %w", err)
	}

	repo, err := policy.NewPostgresRepository(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}

	return repo, db, nil
}

func buildRouter(
	cfg *config.Config,
	store storage.Store,
	pipe *pipeline.Pipeline,
	backend *proxy.Backend,
	admin *api.AdminAPI,
	statsProvider api.StatsProvider,
	broker *api.EventBroker,
) chi.Router {
	r := chi.NewRouter()

	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Nonce", "X-Timestamp", "X-Signature", "X-Subject-ID"},
			ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	r.Get("/health", handleHealth(store))

	adminRouter := admin.Router()
	statsRouter := api.NewStatsHandler(statsProvider).Router()
	statsRouter.Handle("/stream", api.NewStreamHandler(broker))
	adminRouter.Mount("/stats", statsRouter)
	r.Mount("/admin", adminRouter)

	// Everything else is proxied through the guard pipeline.
	r.Handle("/*", pipe.Wrap(backend))

	return r
}

func handleHealth(store storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := store.Ping(ctx); err != nil {
			wardenhttp.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "degraded",
				"error":  err.Error(),
			})
			return
		}

		wardenhttp.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}
