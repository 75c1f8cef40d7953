package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	accountingapp "github.com/wyfcoding/deficonverter/internal/accounting/application"
	"github.com/wyfcoding/deficonverter/internal/accounting/infrastructure/messaging"
	accountingmysql "github.com/wyfcoding/deficonverter/internal/accounting/infrastructure/persistence/mysql"
	conversionapp "github.com/wyfcoding/deficonverter/internal/conversion/application"
	"github.com/wyfcoding/deficonverter/internal/conversion/infrastructure/callback"
	"github.com/wyfcoding/deficonverter/internal/conversion/infrastructure/vault"
	conversionhttp "github.com/wyfcoding/deficonverter/internal/conversion/interfaces/http"
	positionapp "github.com/wyfcoding/deficonverter/internal/position/application"
	positionmysql "github.com/wyfcoding/deficonverter/internal/position/infrastructure/persistence/mysql"
	strategyapp "github.com/wyfcoding/deficonverter/internal/strategy/application"
	strategydomain "github.com/wyfcoding/deficonverter/internal/strategy/domain"
	venuedomain "github.com/wyfcoding/deficonverter/internal/venue/domain"
	"github.com/wyfcoding/deficonverter/internal/venue/infrastructure/oracle"
	"github.com/wyfcoding/deficonverter/internal/venue/infrastructure/sim"
	"github.com/wyfcoding/deficonverter/pkg/cache"
	"github.com/wyfcoding/deficonverter/pkg/config"
	"github.com/wyfcoding/deficonverter/pkg/db"
	"github.com/wyfcoding/deficonverter/pkg/logger"
	"github.com/wyfcoding/deficonverter/pkg/metrics"
	"github.com/wyfcoding/deficonverter/pkg/middleware"
	"github.com/wyfcoding/deficonverter/pkg/mq"
	"github.com/wyfcoding/deficonverter/pkg/ratelimit"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "configs/converter/config.toml", "path to config file")
	flag.Parse()

	// 1. Config
	cfg, err := config.Load(configPath)
	if err != nil {
		panic(fmt.Sprintf("load config failed: %v", err))
	}

	// 2. Logger
	if err := logger.Init(logger.Config{
		Level:      cfg.Logger.Level,
		Format:     cfg.Logger.Format,
		Output:     cfg.Logger.Output,
		FilePath:   cfg.Logger.FilePath,
		MaxSize:    cfg.Logger.MaxSize,
		MaxBackups: cfg.Logger.MaxBackups,
		MaxAge:     cfg.Logger.MaxAge,
		Compress:   cfg.Logger.Compress,
		WithCaller: cfg.Logger.WithCaller,
	}); err != nil {
		panic(fmt.Sprintf("init logger failed: %v", err))
	}
	log := logger.Get().With("service", cfg.ServiceName)
	slog.SetDefault(log)

	// 3. Database
	database, err := db.Init(db.Config{
		Driver:             cfg.Database.Driver,
		DSN:                cfg.Database.DSN,
		MaxOpenConns:       cfg.Database.MaxOpenConns,
		MaxIdleConns:       cfg.Database.MaxIdleConns,
		ConnMaxLifetime:    cfg.Database.ConnMaxLifetime,
		LogEnabled:         cfg.Database.LogEnabled,
		SlowQueryThreshold: cfg.Database.SlowQueryThreshold,
	})
	if err != nil {
		panic(fmt.Sprintf("connect db failed: %v", err))
	}
	defer database.Close()

	if err := database.AutoMigrate(
		&positionmysql.PositionModel{},
		&accountingmysql.LedgerEntryModel{},
		&accountingmysql.ActionRecordModel{},
		&messaging.OutboxMessage{},
	); err != nil {
		panic(fmt.Sprintf("migrate db failed: %v", err))
	}

	// 4. Metrics
	m := metrics.New(cfg.ServiceName)
	if err := m.Register(); err != nil {
		panic(fmt.Sprintf("register metrics failed: %v", err))
	}

	// 5. Converter parameters
	minHealthFactor := mustDecimal(cfg.Converter.MinHealthFactor)
	debtGapFraction := mustDecimal(cfg.Converter.DebtGapFraction)
	amountTolerance := mustDecimal(cfg.Converter.AmountTolerance)

	// 6. External capabilities: demo wiring.
	// 生产部署在此处注册真实场所适配器、兑换路径与预言机。
	assetVault := vault.NewMemoryVault()
	simOracle := sim.NewOracle()
	simOracle.SetPrice("ETH", decimal.NewFromInt(2000))
	simOracle.SetPrice("USDC", decimal.NewFromInt(1))

	var priceOracle venuedomain.PriceOracle = simOracle
	var redisCache *cache.RedisCache
	if cfg.Redis.Enabled {
		redisCache, err = cache.New(cache.Config{
			Host:         cfg.Redis.Host,
			Port:         cfg.Redis.Port,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			MaxPoolSize:  cfg.Redis.MaxPoolSize,
			ConnTimeout:  cfg.Redis.ConnTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err != nil {
			panic(fmt.Sprintf("connect redis failed: %v", err))
		}
		defer redisCache.Close()
		priceOracle = oracle.NewCachedOracle(simOracle, redisCache,
			time.Duration(cfg.Redis.PriceTTL)*time.Millisecond, log)
	}

	registry := venuedomain.NewAdapterRegistry()
	if err := registry.Register(sim.NewVenue(sim.VenueParams{
		Key:          "sim-lender",
		DailyCost:    decimal.NewFromFloat(0.0002),
		LTV:          decimal.NewFromFloat(0.8),
		LiqThreshold: decimal.NewFromFloat(0.85),
		Liquidity:    decimal.NewFromInt(10_000_000),
	}, assetVault, priceOracle)); err != nil {
		panic(fmt.Sprintf("register venue failed: %v", err))
	}
	swapProvider := sim.NewSwap(assetVault, priceOracle, decimal.NewFromFloat(0.003))

	// 7. Repositories & services
	positionRepo := positionmysql.NewPositionRepo(database.DB)
	ledgerRepo := accountingmysql.NewLedgerRepo(database.DB)
	outboxPublisher := messaging.NewOutboxEventPublisher(database.DB)

	positionService := positionapp.NewPositionService(positionRepo, registry,
		minHealthFactor, debtGapFraction, m, log)
	accountingService := accountingapp.NewAccountingService(ledgerRepo, positionService,
		outboxPublisher, priceOracle, log)

	selectorEngine := strategydomain.NewSelectorEngine(registry, swapProvider, priceOracle)
	strategyService := strategyapp.NewStrategyService(selectorEngine, m, log)

	orchestrator := conversionapp.NewConversionOrchestrator(
		positionService, accountingService, registry, swapProvider, priceOracle,
		assetVault, callback.NewMemoryRegistry(),
		conversionapp.Config{
			AmountTolerance: amountTolerance,
			MinHealthFactor: minHealthFactor,
			DebtGapFraction: debtGapFraction,
			KeeperID:        cfg.Converter.KeeperID,
			GovernanceID:    cfg.Converter.GovernanceID,
		},
		m, log,
	)

	// 8. HTTP
	if cfg.Environment == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.GinLoggingMiddleware())
	router.Use(middleware.GinRecoveryMiddleware())
	router.Use(middleware.GinCORSMiddleware())
	if cfg.RateLimit.Enabled && redisCache != nil {
		limiter := ratelimit.NewRedisRateLimiter(redisCache.GetClient())
		router.Use(middleware.RateLimitMiddleware(limiter, cfg.RateLimit))
	}

	sys := router.Group("/sys")
	{
		sys.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "UP"}) })
		sys.GET("/ready", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "READY"}) })
	}
	if cfg.Metrics.Enabled {
		router.GET(cfg.Metrics.Path, gin.WrapH(metrics.Handler()))
	}
	pp := router.Group("/debug/pprof")
	{
		pp.GET("/", gin.WrapF(pprof.Index))
		pp.GET("/cmdline", gin.WrapF(pprof.Cmdline))
		pp.GET("/profile", gin.WrapF(pprof.Profile))
		pp.GET("/symbol", gin.WrapF(pprof.Symbol))
		pp.GET("/trace", gin.WrapF(pprof.Trace))
	}

	handler := conversionhttp.NewHandler(orchestrator, strategyService, positionService)
	handler.RegisterRoutes(router.Group("/api/v1"))

	// 9. Start
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(rootCtx)

	addr := fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeout) * time.Second,
	}
	g.Go(func() error {
		slog.Info("HTTP server starting", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	if cfg.Kafka.Enabled {
		producer, err := mq.NewProducer(mq.KafkaConfig{
			Brokers:        cfg.Kafka.Brokers,
			GroupID:        cfg.Kafka.GroupID,
			SessionTimeout: cfg.Kafka.SessionTimeout,
			MaxRetries:     cfg.Kafka.MaxRetries,
			RetryBackoff:   cfg.Kafka.RetryBackoff,
		})
		if err != nil {
			panic(fmt.Sprintf("create kafka producer failed: %v", err))
		}
		defer producer.Close()

		relay := messaging.NewOutboxRelay(outboxPublisher, producer, cfg.Kafka.EventTopic,
			time.Duration(cfg.Kafka.RelayInterval)*time.Millisecond, 100, log)
		g.Go(func() error {
			if err := relay.Run(ctx); err != nil && err != context.Canceled {
				return err
			}
			return nil
		})
	}

	// 10. Graceful shutdown
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down servers...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server exited with error", "error", err)
	}
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(fmt.Sprintf("invalid decimal config value %q: %v", s, err))
	}
	return d
}
