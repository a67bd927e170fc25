package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/alecgard/schoolgate/internal/adminauth"
	"github.com/alecgard/schoolgate/internal/api"
	"github.com/alecgard/schoolgate/internal/audit"
	"github.com/alecgard/schoolgate/internal/config"
	"github.com/alecgard/schoolgate/internal/crypto"
	"github.com/alecgard/schoolgate/internal/guard"
	"github.com/alecgard/schoolgate/internal/identity"
	"github.com/alecgard/schoolgate/internal/metrics"
	"github.com/alecgard/schoolgate/internal/profile"
	"github.com/alecgard/schoolgate/internal/ratelimit"
	"github.com/alecgard/schoolgate/internal/roles"
	"github.com/alecgard/schoolgate/internal/session"
)

// sessionSweepInterval is how often expired credential store sessions and
// stale rate limit entries are removed.
const sessionSweepInterval = 10 * time.Minute

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Schoolgate server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return err
	}
	slog.Info("connected to database")

	m := metrics.New()
	m.RegisterDBPoolCollector(func() metrics.PoolStats {
		s := pool.Stat()
		return metrics.PoolStats{
			Total:         s.TotalConns(),
			Idle:          s.IdleConns(),
			Acquired:      s.AcquiredConns(),
			Max:           s.MaxConns(),
			EmptyAcquires: s.EmptyAcquireCount(),
		}
	})

	// Credential store.
	signer := identity.NewSigner(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	credentials := identity.NewService(pool, signer, identity.ServiceOptions{
		RequireEmailConfirmation: cfg.Auth.RequireEmailConfirmation,
		RecoveryTTL:              cfg.Auth.RecoveryTTL,
	})

	// Role resolution and records.
	resolver := roles.NewResolver(roles.NewPGProcedures(pool, credentials),
		roles.ParseFallbackPolicy(cfg.Roles.AdminFallback), m)
	lookups := guard.Coalesce(resolver)
	roleStore := roles.NewStore(pool)
	profiles := profile.NewStore(pool)
	schools := profile.NewSchoolStore(pool)
	provisioner := adminauth.NewProvisioner(lookups, credentials, roleStore, schools)

	// Session cache.
	cacheBackend, closeCache, err := newCacheBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeCache()

	var sealer *crypto.Sealer
	if cfg.SessionCache.EncryptionKey != "" {
		if sealer, err = crypto.NewSealer(cfg.SessionCache.EncryptionKey); err != nil {
			return err
		}
	} else {
		slog.Warn("session cache encryption disabled; set SCHOOLGATE_ENCRYPTION_KEY")
	}

	// Audit trail.
	auditStore := audit.NewStore(pool)
	collector := audit.NewCollector(auditStore, cfg.Audit.BatchSize, cfg.Audit.FlushInterval)
	collector.SetObserver(m)
	go collector.Start(ctx)

	limiter := ratelimit.New(cfg.RateLimit.Attempts, cfg.RateLimit.Window)

	hub := api.NewHub(api.HubDeps{
		Backend:       credentials,
		CacheBackend:  cacheBackend,
		CacheWindow:   cfg.SessionCache.Window,
		Sealer:        sealer,
		CacheObserver: m,
		Profiles:      profiles,
		Roles:         resolver,
		Schools:       schools,
		Admins:        lookups,
		Provisioner:   provisioner,
		CookieName:    cfg.Clients.CookieName,
		CookieSecure:  cfg.Clients.CookieSecure,
		IdleTimeout:   cfg.Clients.IdleTimeout,
		OnCount:       m.SetActiveClients,
	})
	defer hub.Close()

	go sweep(ctx, credentials, limiter, hub)

	router := api.NewRouter(api.RouterDeps{
		Hub:            hub,
		Limiter:        limiter,
		Resolver:       lookups,
		Profiles:       profiles,
		Members:        profiles,
		Schools:        schools,
		Roles:          roleStore,
		Audit:          collector,
		AuditLog:       auditStore,
		Metrics:        m,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		DBPool:         pool,
	})

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", cfg.Addr(),
			"session_cache", cfg.SessionCache.Backend, "admin_fallback", cfg.Roles.AdminFallback)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-sigCh
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	err = srv.Shutdown(shutdownCtx)
	collector.Stop()
	return err
}

// newCacheBackend builds the configured session cache backend and its
// release function.
func newCacheBackend(ctx context.Context, cfg *config.Config) (session.Backend, func(), error) {
	if cfg.SessionCache.Backend != "redis" {
		return session.NewMemory(cfg.SessionCache.Window), func() {}, nil
	}
	r, err := session.NewRedis(ctx, session.RedisConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Prefix:   cfg.Redis.Prefix,
	})
	if err != nil {
		return nil, nil, err
	}
	slog.Info("connected to redis", "addr", cfg.Redis.Addr)
	return r, func() { _ = r.Close() }, nil
}

// sweep periodically drops expired sessions, idle rate limit buckets and idle
// BFF clients.
func sweep(ctx context.Context, credentials *identity.Service, limiter *ratelimit.Limiter, hub *api.Hub) {
	ticker := time.NewTicker(sessionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := credentials.CleanExpiredSessions(ctx)
			if err != nil {
				slog.Error("cleaning expired sessions failed", "error", err)
			} else if n > 0 {
				slog.Info("expired sessions removed", "count", n)
			}
			if pruned := limiter.Prune(); pruned > 0 {
				slog.Debug("rate limit buckets pruned", "count", pruned, "remaining", limiter.Len())
			}
			hub.Sweep()
		}
	}
}
