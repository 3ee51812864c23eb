package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/wyfcoding/valuationpipeline/internal/valuation/application"
	"github.com/wyfcoding/valuationpipeline/internal/valuation/domain"
	"github.com/wyfcoding/valuationpipeline/internal/valuation/infrastructure/adapters/binance"
	vcache "github.com/wyfcoding/valuationpipeline/internal/valuation/infrastructure/cache"
	"github.com/wyfcoding/valuationpipeline/internal/valuation/infrastructure/eventbus"
	"github.com/wyfcoding/valuationpipeline/internal/valuation/infrastructure/lock"
	memrepo "github.com/wyfcoding/valuationpipeline/internal/valuation/infrastructure/persistence/memory"
	mysqlrepo "github.com/wyfcoding/valuationpipeline/internal/valuation/infrastructure/persistence/mysql"
	rediscache "github.com/wyfcoding/valuationpipeline/pkg/cache"
	"github.com/wyfcoding/valuationpipeline/pkg/config"
	"github.com/wyfcoding/valuationpipeline/pkg/db"
	"github.com/wyfcoding/valuationpipeline/pkg/logger"
	"github.com/wyfcoding/valuationpipeline/pkg/metrics"
)

func main() {
	configPath := flag.String("config", "configs/valuation.toml", "配置文件路径")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// 日志
	logg, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}

	// 指标
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New("pipeline")
		if err := m.Register(); err != nil {
			logg.Error("failed to register metrics", "error", err)
			os.Exit(1)
		}
		metrics.StartHTTPServer(cfg.Metrics.Port, cfg.Metrics.Path)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := domain.NewEventRegistry()

	// 事件总线
	var (
		bus      eventbus.Bus
		startBus func(context.Context) error
		stopBus  func() error
	)
	switch cfg.BusBackend {
	case "redis":
		client, err := rediscache.New(rediscache.Config{
			Host:         cfg.Redis.Host,
			Port:         cfg.Redis.Port,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			MaxPoolSize:  cfg.Redis.MaxPoolSize,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err != nil {
			logg.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		redisBus := eventbus.NewRedisBus(client, registry, cfg.Pipeline.ChannelPrefix, logg)
		bus, startBus, stopBus = redisBus, redisBus.Start, redisBus.Stop
	case "kafka":
		kafkaBus := eventbus.NewKafkaBus(eventbus.KafkaConfig{
			Brokers:     cfg.Kafka.Brokers,
			GroupID:     cfg.Kafka.GroupID,
			TopicPrefix: cfg.Kafka.TopicPrefix,
		}, registry, logg)
		bus, startBus, stopBus = kafkaBus, kafkaBus.Start, kafkaBus.Stop
	default:
		bus = eventbus.NewLocalBus(logg)
	}

	// 组合锁：后端独立配置，不随事件总线联动
	var locker lock.Locker
	switch cfg.Pipeline.LockBackend {
	case "redis":
		client, err := rediscache.New(rediscache.Config{
			Host:         cfg.Redis.Host,
			Port:         cfg.Redis.Port,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			MaxPoolSize:  cfg.Redis.MaxPoolSize,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err != nil {
			logg.Error("failed to connect to redis for locking", "error", err)
			os.Exit(1)
		}
		locker = lock.NewRedisLocker(client)
	default:
		if cfg.BusBackend != "local" {
			logg.Warn("memory lock backend provides no cross-process mutual exclusion",
				"bus_backend", cfg.BusBackend)
		}
		locker = lock.NewMemoryLocker()
	}

	// 仓储
	var repo domain.PortfolioRepository
	switch cfg.Database.Driver {
	case "mysql":
		gormDB, err := db.Init(db.Config{
			DSN:             cfg.Database.DSN,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			logg.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		mysqlRepo := mysqlrepo.NewPortfolioRepository(gormDB)
		if err := mysqlRepo.AutoMigrate(); err != nil {
			logg.Error("failed to migrate database", "error", err)
			os.Exit(1)
		}
		repo = mysqlRepo
		defer func() { _ = db.Close(gormDB) }()
	default:
		repo = memrepo.NewPortfolioRepository()
	}

	// 估值服务：可选增量优化
	var valuer application.Valuer
	if cfg.Pipeline.Incremental {
		valuer = application.NewIncrementalValuationService(repo, bus, logg, m)
	} else {
		valuer = application.NewValuationService(repo, bus, logg, m)
	}

	// 快照缓存
	snapshot, err := vcache.NewSnapshotCache(cfg.Pipeline.CacheTTL, cfg.Pipeline.CacheMaxSizeMB, logg)
	if err != nil {
		logg.Error("failed to init snapshot cache", "error", err)
		os.Exit(1)
	}
	defer func() { _ = snapshot.Close() }()

	// 摄取处理器 + 行情适配器
	processor := application.NewCachingTickProcessor(application.ProcessorConfig{
		BatchSize:     cfg.Pipeline.BatchSize,
		BatchTimeout:  cfg.Pipeline.BatchTimeout,
		FlushInterval: cfg.Pipeline.FlushInterval,
		LockTTL:       cfg.Pipeline.LockTTL,
		LockWait:      cfg.Pipeline.LockWait,
	}, valuer, repo, snapshot, bus, locker, logg, m)

	adapter := binance.NewAdapter(logg)
	if err := adapter.Subscribe(cfg.Pipeline.Symbols); err != nil {
		logg.Error("failed to subscribe symbols", "error", err)
		os.Exit(1)
	}
	processor.AttachAdapter(adapter)

	// 把持仓登记到处理器，冲刷时按组合分组触发重估
	portfolios, err := repo.FindAll(ctx, 0)
	if err != nil {
		logg.Error("failed to load portfolios", "error", err)
		os.Exit(1)
	}
	for _, p := range portfolios {
		processor.RegisterPortfolioSymbols(p.ID, p.Symbols())
	}

	if startBus != nil {
		if err := startBus(ctx); err != nil {
			logg.Error("failed to start event bus", "error", err)
			os.Exit(1)
		}
	}
	if err := processor.Start(ctx); err != nil {
		logg.Error("failed to start tick processor", "error", err)
		os.Exit(1)
	}
	logg.Info("valuation pipeline started",
		"service", cfg.ServiceName,
		"bus_backend", cfg.BusBackend,
		"database", cfg.Database.Driver,
		"portfolios", len(portfolios),
		"symbols", cfg.Pipeline.Symbols)

	// 优雅关停
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logg.Info("shutting down")
	if err := processor.Stop(); err != nil {
		logg.Warn("processor stop failed", "error", err)
	}
	if stopBus != nil {
		if err := stopBus(); err != nil {
			logg.Warn("event bus stop failed", "error", err)
		}
	}
}
