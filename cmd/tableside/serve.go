package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/tableside/floor-core/internal/alert"
	"github.com/tableside/floor-core/internal/cache"
	"github.com/tableside/floor-core/internal/config"
	"github.com/tableside/floor-core/internal/eventbus"
	httpapi "github.com/tableside/floor-core/internal/http"
	"github.com/tableside/floor-core/internal/ledger"
	"github.com/tableside/floor-core/internal/logger"
	"github.com/tableside/floor-core/internal/menu"
	"github.com/tableside/floor-core/internal/payment"
	"github.com/tableside/floor-core/internal/provider"
	"github.com/tableside/floor-core/internal/realtime"
	"github.com/tableside/floor-core/internal/relay"
	"github.com/tableside/floor-core/internal/repository"
	"github.com/tableside/floor-core/internal/session"
	"github.com/tableside/floor-core/internal/tables"
)

// sandboxSettleAfter is how old a sandbox checkout must be before the
// reconciler sees its deterministic outcome.
const sandboxSettleAfter = 20 * time.Second

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP, websocket and gRPC health servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Session.SigningSecret == "" {
				return fmt.Errorf("session.signing_secret is not set")
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	log.WithField("environment", cfg.Environment).Info("floor core starting")

	var wg sync.WaitGroup

	// Database
	openCtx, openCancel := context.WithTimeout(ctx, 15*time.Second)
	db, err := repository.Open(openCtx, cfg.Database)
	openCancel()
	if err != nil {
		return err
	}
	if err := repository.RunMigrations(db, cfg.Database.Driver); err != nil {
		_ = db.Close()
		return err
	}
	store := repository.NewStore(db)
	defer store.Close()
	log.WithField("driver", cfg.Database.Driver).Info("database migrations completed")

	// Redis holds sessions, the entry rate limit and the menu cache
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	bus := eventbus.New(cfg.Bus.HistorySize)
	tableSvc := tables.NewService(store.Tables, bus, log)
	alertSvc := alert.NewService(store.Alerts, bus, log)
	catalog := menu.NewCachedCatalog(
		menu.NewSQLCatalog(store.Menu),
		cache.NewRedisMenuCache(rdb, cfg.Menu.CacheTTL),
		log,
	)

	providers := []provider.Provider{
		provider.NewSandbox(provider.SandboxOptions{
			BaseURL:     "http://localhost:" + cfg.HTTP.Port,
			SettleAfter: sandboxSettleAfter,
		}),
	}
	if cfg.Payment.Hosted.BaseURL != "" {
		providers = append(providers, provider.NewHosted(cfg.Payment.Hosted, log, &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   cfg.Payment.Timeout,
		}))
	}

	coordinator := payment.New(store, providers, alertSvc, bus, payment.Options{
		DefaultProvider: cfg.Payment.Provider,
		Currency:        cfg.Payment.Currency,
		Timeout:         cfg.Payment.Timeout,
		ReturnURL:       cfg.Payment.ReturnURL,
		FailureURL:      cfg.Payment.FailureURL,
		Breaker:         cfg.Payment.Breaker,
	}, log)
	orders := ledger.New(store, catalog, tableSvc, coordinator, bus, log)

	registry := session.NewRegistry(
		session.NewRedisStore(rdb),
		session.NewSlidingWindowLimiter(rdb, cfg.Session.RateLimit, cfg.Session.RateLimitWindow),
		tableSvc,
		session.Options{
			Secret:   []byte(cfg.Session.SigningSecret),
			Lifetime: cfg.Session.Lifetime,
			TokenTTL: cfg.Session.TokenTTL,
		},
		log,
	)

	gateway := realtime.NewGateway(bus, orders, tableSvc, alertSvc, realtime.Options{
		HeartbeatInterval: cfg.Realtime.HeartbeatInterval,
		WriteTimeout:      cfg.Realtime.WriteTimeout,
		SendQueueSize:     cfg.Realtime.SendQueueSize,
		InboundRate:       cfg.Realtime.InboundRate,
		InboundBurst:      cfg.Realtime.InboundBurst,
		SnapshotTimeout:   cfg.Realtime.SnapshotTimeout,
		CheckOrigin:       originChecker(cfg.CORS.AllowedOrigins),
	}, log)

	// Background workers
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	reconciler := payment.NewReconciler(coordinator, cfg.Payment.ReconcileInterval, log)
	wg.Add(1)
	go func() {
		defer wg.Done()
		reconciler.Run(workerCtx)
	}()

	if cfg.Kafka.Enabled {
		writer := relay.NewWriter(cfg.Kafka)
		defer writer.Close()

		r := relay.New(bus, writer, cfg.Kafka.QueueSize, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Run(workerCtx)
		}()
		log.WithFields(logrus.Fields{
			"brokers": cfg.Kafka.Brokers,
			"topic":   cfg.Kafka.Topic,
		}).Info("event relay enabled")
	}

	// HTTP server
	router := httpapi.NewRouter(httpapi.Deps{
		Sessions: registry,
		Orders:   orders,
		Payments: coordinator,
		Tables:   tableSvc,
		Realtime: gateway,
		Checks: map[string]httpapi.HealthCheck{
			"database": func(ctx context.Context) error { return db.PingContext(ctx) },
			"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		},
		Log: log,
	}, cfg.HTTP, cfg.CORS)

	srv := &http.Server{
		Addr:        ":" + cfg.HTTP.Port,
		Handler:     otelhttp.NewHandler(router, "floor-core"),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	serverErr := make(chan error, 2)
	go func() {
		log.Infof("HTTP server listening on :%s", cfg.HTTP.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- fmt.Errorf("http server: %w", err)
		}
	}()

	// gRPC health endpoint for orchestrators
	lis, err := net.Listen("tcp", ":"+cfg.GRPC.Port)
	if err != nil {
		_ = srv.Close()
		return fmt.Errorf("listen grpc: %w", err)
	}
	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	reflection.Register(grpcServer)
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	go func() {
		log.Infof("gRPC health server listening on :%s", cfg.GRPC.Port)
		if err := grpcServer.Serve(lis); err != nil {
			serverErr <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var runErr error
	select {
	case sig := <-quit:
		log.WithField("signal", sig.String()).Info("shutting down floor core")
	case runErr = <-serverErr:
		log.WithError(runErr).Error("server failed, shutting down")
	case <-ctx.Done():
		log.Info("context cancelled, shutting down floor core")
	}

	healthSrv.Shutdown()
	gateway.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http server forced to shutdown")
	}
	grpcServer.GracefulStop()
	workerCancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("background workers stopped cleanly")
	case <-shutdownCtx.Done():
		log.Warn("background workers didn't stop in time")
	}

	log.Info("floor core stopped")
	return runErr
}

// originChecker admits websocket upgrades from the configured CORS origins.
// A wildcard admits everything.
func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
