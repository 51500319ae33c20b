package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/tinchat/server/internal/v1/auth"
	"github.com/tinchat/server/internal/v1/config"
	"github.com/tinchat/server/internal/v1/friends"
	"github.com/tinchat/server/internal/v1/gateway"
	"github.com/tinchat/server/internal/v1/health"
	"github.com/tinchat/server/internal/v1/kv"
	"github.com/tinchat/server/internal/v1/logging"
	"github.com/tinchat/server/internal/v1/match"
	"github.com/tinchat/server/internal/v1/presence"
	"github.com/tinchat/server/internal/v1/profiles"
	"github.com/tinchat/server/internal/v1/ratelimit"
	"github.com/tinchat/server/internal/v1/session"
	"github.com/tinchat/server/internal/v1/store"
	"github.com/tinchat/server/internal/v1/tracing"
)

const serviceName = "tinchat"

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool

	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}

	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	// Validate environment variables before starting the server
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.LogLevel, cfg.DevelopmentMode); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	cfg.LogValidated(ctx)

	if cfg.DevelopmentMode {
		logging.Info(ctx, "Running in DEVELOPMENT MODE")
	}

	// --- Tracing (Optional) ---
	if cfg.TracingEnabled() {
		tp, err := tracing.InitTracer(ctx, serviceName, cfg.OTLPEndpoint, cfg.OTLPInsecureSkipVerify)
		if err != nil {
			logging.Error(ctx, "Failed to initialize tracer, continuing without tracing", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tp.Shutdown(shutdownCtx); err != nil {
					logging.Warn(shutdownCtx, "Tracer shutdown failed", zap.Error(err))
				}
			}()
			logging.Info(ctx, "✅ Tracing initialized", zap.String("endpoint", cfg.OTLPEndpoint))
		}
	}

	// --- Identity Verifier (Optional) ---
	// Without provider keys, sessions are anonymous. Development mode
	// substitutes the mock so frontend tooling still gets named users.
	var verifier auth.Verifier
	switch {
	case cfg.AuthEnabled():
		apiURL := ""
		if cfg.IdentityDomain != "" {
			apiURL = "https://" + cfg.IdentityDomain
		}
		v, err := auth.NewProviderVerifier(ctx, cfg.IdentitySecretKey, apiURL)
		if err != nil {
			logging.Fatal(ctx, "Failed to create identity verifier", zap.Error(err))
		}
		verifier = v
		logging.Info(ctx, "✅ Identity verifier initialized", zap.String("domain", cfg.IdentityDomain))
	case cfg.DevelopmentMode:
		logging.Warn(ctx, "⚠️ Identity verification DISABLED for development - DO NOT USE IN PRODUCTION")
		verifier = &auth.MockVerifier{}
	default:
		logging.Info(ctx, "Identity provider not configured, sessions are anonymous")
	}

	// --- Key-Value Tier (Optional) ---
	var kvc *kv.Client
	if cfg.KVEnabled() {
		kvc, err = kv.NewClient(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logging.Error(ctx, "Failed to connect to Redis, running with in-process caches only", zap.Error(err))
			kvc = nil
		} else {
			logging.Info(ctx, "✅ Redis cache tier initialized", zap.String("addr", cfg.RedisAddr))
		}
	} else {
		logging.Info(ctx, "Running with in-process caches only (Redis disabled)")
	}

	// --- System of Record (Optional) ---
	var st *store.Store
	if cfg.StoreEnabled() {
		st, err = store.New(cfg.StoreDSN)
		if err != nil {
			logging.Fatal(ctx, "Failed to open database", zap.Error(err))
		}
		if cfg.DevelopmentMode {
			// Production schemas come from the migration job.
			if err := st.ApplySchema(ctx); err != nil {
				logging.Fatal(ctx, "Failed to apply development schema", zap.Error(err))
			}
		}
		logging.Info(ctx, "✅ Database initialized")
	} else {
		logging.Info(ctx, "Database not configured, profiles and friends are disabled")
	}

	// --- Domain Planes ---
	matcher := match.New(kvc)
	matcher.Restore(ctx)

	var profileManager *profiles.Manager
	var presenceBatcher *presence.Batcher
	if st != nil {
		profileManager = profiles.NewManager(st, kvc)
		profileManager.Warm(ctx)
		presenceBatcher = profileManager.Presence
	}

	friendsService := friends.NewService(st, friends.NewCache(kvc), presenceBatcher)
	if profileManager != nil {
		// Display-name and username writes invalidate cached friend lists.
		profileManager.Cache.OnDisplayChange(friendsService.OnDisplayChange)
	}

	sessions := session.NewManager(session.Deps{
		Verifier: verifier,
		Matcher:  matcher,
		Profiles: profileManager,
		Store:    st,
		KV:       kvc,
		Origins:  cfg.Origins(),
	})

	limiter, err := ratelimit.New(cfg, kvc)
	if err != nil {
		logging.Fatal(ctx, "Failed to build rate limiter", zap.Error(err))
	}

	// --- HTTP Surface ---
	router := gateway.NewRouter(gateway.Deps{
		Config:   cfg,
		Sessions: sessions,
		Friends:  friendsService,
		Profiles: profileManager,
		Matcher:  matcher,
		Limiter:  limiter,
		Health:   health.NewHandler(st, kvc),
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// --- Graceful Shutdown ---
	// Start the server in a goroutine so it doesn't block.
	go func() {
		logging.Info(ctx, "API server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "Failed to run server", zap.Error(err))
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// Wait for an interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "Shutting down server...")

	// The context gives in-flight requests and socket drains 30 seconds.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Close sockets first so nothing writes through the planes below.
	sessions.Shutdown(shutdownCtx)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(shutdownCtx, "Server forced to shutdown", zap.Error(err))
	}

	// The profile plane drains presence and closes the shared KV client.
	if profileManager != nil {
		profileManager.Shutdown(shutdownCtx)
	} else if kvc != nil {
		if err := kvc.Close(); err != nil {
			logging.Warn(shutdownCtx, "KV close failed during shutdown", zap.Error(err))
		}
	}

	if st != nil {
		if err := st.Close(); err != nil {
			logging.Warn(shutdownCtx, "Database close failed during shutdown", zap.Error(err))
		}
	}

	logging.Info(shutdownCtx, "Server exiting")
}
