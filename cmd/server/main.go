package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aidashboard/backend/internal/api"
	"github.com/aidashboard/backend/internal/auth"
	"github.com/aidashboard/backend/internal/cache"
	"github.com/aidashboard/backend/internal/config"
	"github.com/aidashboard/backend/internal/db"
	"github.com/aidashboard/backend/internal/health"
	"github.com/aidashboard/backend/internal/logger"
	"github.com/aidashboard/backend/internal/metrics"
	"github.com/aidashboard/backend/internal/ratelimit"
)

const (
	shutdownTimeout = 15 * time.Second
	janitorInterval = time.Minute
)

var envFile string

var rootCmd = &cobra.Command{
	Use:   "aidash-auth",
	Short: "Authentication service for the AI dashboard",
	Long: `Serves signup, login, logout, refresh and session lookup over
HttpOnly JWT cookies.

Run without a subcommand to start the HTTP server.`,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the users table or unique email index and exit",
	RunE:  runMigrate,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file applied before reading the environment")
	rootCmd.AddCommand(serveCmd, migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setup() (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	log := logger.New(&logger.Config{
		Level:     logger.ParseLevel(cfg.LogLevel),
		Component: cfg.ServiceName,
	})
	return cfg, log, nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	store, err := db.NewUserStore(cfg, log)
	if err != nil {
		return err
	}
	defer store.Close(context.Background())

	if err := store.EnsureSchema(ctx); err != nil {
		log.Error(ctx, "migration failed", err, map[string]interface{}{"driver": cfg.StoreDriver})
		return err
	}
	log.Info(ctx, "schema ready", map[string]interface{}{"driver": cfg.StoreDriver})
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The store connects on first use.
	store, err := db.NewUserStore(cfg, log)
	if err != nil {
		return err
	}
	defer store.Close(context.Background())

	m := metrics.New()
	g, gctx := errgroup.WithContext(ctx)

	checkerCfg := &health.CheckerConfig{
		Store:       store,
		Service:     cfg.ServiceName,
		Version:     cfg.Version,
		OnUserCount: m.SetRegisteredUsers,
		Logger:      log,
	}

	var authLimiter, apiLimiter ratelimit.Limiter
	switch cfg.RateLimitBackend {
	case config.RateLimitRedis:
		rc, err := cache.New(ctx, cfg.RedisAddr, log)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer rc.Close()

		authLimiter = ratelimit.NewRedisLimiter(rc.Client(), ratelimit.ScopeAuth, cfg.AuthRateLimit, cfg.RateLimitWindow)
		apiLimiter = ratelimit.NewRedisLimiter(rc.Client(), ratelimit.ScopeAPI, cfg.APIRateLimit, cfg.RateLimitWindow)
		checkerCfg.Redis = rc
	default:
		authMem := ratelimit.NewMemoryLimiter(cfg.AuthRateLimit, cfg.RateLimitWindow)
		apiMem := ratelimit.NewMemoryLimiter(cfg.APIRateLimit, cfg.RateLimitWindow)
		g.Go(func() error { authMem.RunJanitor(gctx, janitorInterval); return nil })
		g.Go(func() error { apiMem.RunJanitor(gctx, janitorInterval); return nil })
		authLimiter, apiLimiter = authMem, apiMem
	}

	tokens := auth.NewTokenIssuer(cfg.AccessTokenSecret, cfg.RefreshTokenSecret, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	cookies := auth.NewCookieTransport(cfg.IsProduction(), cfg.CookieDomain, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	service := auth.NewService(store, auth.NewPasswordHasher(cfg.BcryptCost), tokens, log)

	router := api.NewRouter(api.Deps{
		Config:      cfg,
		Logger:      log,
		Service:     service,
		Tokens:      tokens,
		Cookies:     cookies,
		AuthLimiter: authLimiter,
		APILimiter:  apiLimiter,
		Health:      health.NewHandler(health.NewChecker(checkerCfg)),
		Metrics:     m,
	})

	srv := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g.Go(func() error {
		log.Info(gctx, "starting server", map[string]interface{}{
			"addr":       cfg.ServerAddr,
			"env":        cfg.Env,
			"store":      cfg.StoreDriver,
			"rate_limit": cfg.RateLimitBackend,
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info(context.Background(), "shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error(context.Background(), "server stopped with error", err)
		return err
	}
	log.Info(context.Background(), "server stopped")
	return nil
}
