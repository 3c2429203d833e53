package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hearthsats/hearth/libs/health"
	"github.com/hearthsats/hearth/libs/httpmiddleware"
	"github.com/hearthsats/hearth/libs/kafka"
	"github.com/hearthsats/hearth/libs/logging"
	"github.com/hearthsats/hearth/libs/metrics"
	"github.com/hearthsats/hearth/libs/trace"
	"github.com/hearthsats/hearth/services/treasury/internal/config"
	"github.com/hearthsats/hearth/services/treasury/internal/fee"
	"github.com/hearthsats/hearth/services/treasury/internal/gateway"
	"github.com/hearthsats/hearth/services/treasury/internal/liquidity"
	"github.com/hearthsats/hearth/services/treasury/internal/policy"
	"github.com/hearthsats/hearth/services/treasury/internal/rate"
	"github.com/hearthsats/hearth/services/treasury/internal/service"
	"github.com/hearthsats/hearth/services/treasury/internal/storage"
	"github.com/hearthsats/hearth/services/treasury/internal/swap"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"log/slog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)
	shutdownTracer, err := trace.InitTracer(cfg.App.ServiceName, cfg.App.Env)
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(registry)

	treasuryMetrics := service.NewMetrics(registry)
	kafkaMetrics := kafka.NewProducerMetrics(registry)

	ready := health.NewManager(false)

	pool, err := connectDB(cfg)
	if err != nil {
		logger.Error("db connection failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	store := storage.New(pool, logger)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	producer, err := kafka.NewSyncProducer(cfg.Kafka.Brokers, logger, kafkaMetrics)
	if err != nil {
		logger.Error("kafka producer init failed", "error", err)
		os.Exit(1)
	}
	defer producer.Close()
	var publisher kafka.Publisher = producer
	if strings.TrimSpace(cfg.Kafka.DeadLetter) != "" {
		publisher = kafka.NewDLQPublisher(producer, producer, cfg.Kafka.DeadLetter, logger)
	}

	svc, coordinator := buildService(cfg, store, redisClient, publisher, treasuryMetrics, logger)

	// Reconcile swaps that died mid-flight before accepting work.
	recoverCtx, cancelRecover := context.WithTimeout(context.Background(), 30*time.Second)
	recovered, err := coordinator.RecoverDanglingIntents(recoverCtx, cfg.Swap.RecoveryGrace)
	cancelRecover()
	if err != nil {
		logger.Error("intent recovery failed", "error", err)
		os.Exit(1)
	}
	if recovered > 0 {
		logger.Info("recovered dangling swap intents", "count", recovered)
	}
	treasuryMetrics.AddIntentRecoveries(recovered)

	httpServer := buildHTTPServer(cfg, ready, registry, svc, logger)
	ready.SetReady(true)

	go func() {
		logger.Info("treasury http starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	waitForShutdown(httpServer, ready, logger)
}

// buildService wires the treasury components behind the facade. The
// coordinator is returned alongside so startup can run the recovery sweep.
func buildService(cfg *config.Config, store *storage.Store, redisClient *redis.Client, publisher kafka.Publisher, treasuryMetrics *service.Metrics, logger *slog.Logger) (*service.Service, *swap.Coordinator) {
	pol := policy.New(policy.Config{
		OffspringDailyLimits: map[policy.OperationKind]int64{
			policy.OpSwap:      cfg.Policy.OffspringSwapLimitSat,
			policy.OpSend:      cfg.Policy.OffspringSendLimitSat,
			policy.OpMelt:      cfg.Policy.OffspringMeltLimitSat,
			policy.OpReceive:   cfg.Policy.OffspringReceiveLimitSat,
			policy.OpLiquidity: cfg.Policy.OffspringLiquidityLimitSat,
		},
		ApprovalThresholdSat: cfg.Policy.ApprovalThresholdSat,
	})

	estimator := fee.NewEstimator(fee.Config{
		LightningBaseRatePPM: cfg.Fees.LightningBaseRatePPM,
		BridgeFlatSat:        cfg.Fees.BridgeFlatSat,
		BridgeRatePPM:        cfg.Fees.BridgeRatePPM,
		Proportional:         cfg.Fees.BridgeProportional,
	})

	monitor := liquidity.NewMonitor(liquidity.MonitorConfig{
		WarningThreshold:   cfg.Liquidity.WarningThreshold,
		EmergencyThreshold: cfg.Liquidity.EmergencyThreshold,
	})

	lightningGateway := gateway.NewLightningGateway(gateway.DefaultConfig(), logger)
	federatedGateway := gateway.NewFederatedGateway(logger)

	manager := liquidity.NewManager(monitor, estimator, pol, lightningGateway, store, store, liquidity.ManagerConfig{
		MinChannelSizeSat: cfg.Liquidity.MinChannelSizeSat,
		MaxChannelSizeSat: cfg.Liquidity.MaxChannelSizeSat,
		IdempotencyWindow: cfg.Liquidity.IdempotencyWindow,
		CallTimeout:       cfg.Liquidity.CallTimeout,
	}, logger)

	coordinator := swap.NewCoordinator(store, store, store, store, manager, estimator, pol,
		map[storage.SettlementLayer]swap.Settler{
			storage.LayerLightning: lightningGateway,
			storage.LayerFederated: federatedGateway,
		},
		swap.Config{
			PhaseTimeout: cfg.Swap.PhaseTimeout,
			LockTTL:      cfg.Swap.LockTTL,
		}, logger)

	limiter := rate.NewMultiLimiter().
		WithScope(service.ScopeIP, rate.NewMemory(cfg.Rate.SwapLimit, cfg.Rate.SwapWindow)).
		WithScope(service.ScopeIdentifier, rate.NewRedisLimiter(redisClient, cfg.Rate.SwapLimit, cfg.Rate.SwapWindow, "")).
		WithScope(service.ScopeSession, rate.NewMemory(cfg.Rate.LiquidityLimit, cfg.Rate.LiquidityWindow))

	svc := service.New(coordinator, manager, monitor, store, store, store, limiter, publisher, logger, treasuryMetrics)
	return svc, coordinator
}

func connectDB(cfg *config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN())
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// ServiceContextKey is where the treasury facade rides the request context;
// the embedding deployment mounts its business routes against it.
const ServiceContextKey = "treasury.service"

func buildHTTPServer(cfg *config.Config, ready *health.Manager, registry *prometheus.Registry, svc *service.Service, logger *slog.Logger) *http.Server {
	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(trace.Middleware(cfg.App.ServiceName))
	router.Use(func(c *gin.Context) {
		c.Set(ServiceContextKey, svc)
		c.Next()
	})

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))

	addr := fmt.Sprintf("%s:%d", cfg.App.HTTP.Host, cfg.App.HTTP.Port)
	return &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}
}

func waitForShutdown(httpServer *http.Server, ready *health.Manager, logger *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown started")
	ready.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	logger.Info("shutdown complete")
}
