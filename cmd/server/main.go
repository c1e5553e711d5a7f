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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"shift-scheduler/backend/config"
	"shift-scheduler/backend/internal/api/handler"
	"shift-scheduler/backend/internal/api/middleware"
	"shift-scheduler/backend/internal/api/router"
	"shift-scheduler/backend/internal/health"
	"shift-scheduler/backend/internal/loader"
	"shift-scheduler/backend/internal/prediction"
	"shift-scheduler/backend/internal/prediction/worker"
	"shift-scheduler/backend/internal/repository"
	"shift-scheduler/backend/internal/service"
	"shift-scheduler/backend/pkg/database"
	applogger "shift-scheduler/backend/pkg/logger"
	"shift-scheduler/backend/pkg/redis"
)

func main() {
	configPath := os.Getenv("SHIFT_CONFIG")

	// 1. 加载配置
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 2. 初始化日志
	logger, atom, err := applogger.NewLogger(&cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("应用启动中...",
		zap.Int("port", cfg.Server.Port),
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("prediction_enabled", cfg.Prediction.Enabled),
	)

	// 2.1 配置热更新（仅日志级别即时生效，其余项需重启）
	err = config.Watch(configPath, func(next *config.Config) {
		if err := applogger.SetLevel(atom, next.Log.Level); err != nil {
			logger.Warn("日志级别热更新失败", zap.Error(err))
			return
		}
		logger.Info("配置已重新加载", zap.String("log_level", next.Log.Level))
	}, func(err error) {
		logger.Warn("配置变更校验失败，继续使用旧配置", zap.Error(err))
	})
	if err != nil {
		logger.Info("未启用配置热更新", zap.Error(err))
	}

	// 3. 连接数据库
	db, err := database.NewDB(&cfg.Database, cfg.Log.Level, logger)
	if err != nil {
		logger.Fatal("数据库连接失败", zap.Error(err))
	}

	// 3.1 执行数据库迁移
	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("获取底层 sql.DB 失败", zap.Error(err))
	}
	if cfg.Database.AutoMigrate {
		if err := database.RunMigrations(sqlDB, logger); err != nil {
			logger.Fatal("数据库迁移失败", zap.Error(err))
		}
	}

	// 4. 连接 Redis（可选：连接失败时降级运行，不缓存规则数据，限流改为进程内）
	var (
		rdb     *redis.Client
		cache   loader.Cache
		limiter middleware.Limiter
	)
	rdb, err = redis.NewClient(&cfg.Redis, cfg.Cache.Prefix, logger)
	if err != nil {
		logger.Warn("Redis 连接失败，规则缓存与分布式限流将不可用", zap.Error(err))
		rdb = nil
	} else {
		if cfg.Cache.Enabled {
			cache = rdb
		}
		limiter = rdb
	}

	// 5. 指标与错误监控
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := prediction.NewMetrics(reg)
	monitor := health.NewMonitor(cfg.Health.Capacity, cfg.Health.Threshold, cfg.Health.Window, logger)

	// 6. 预测引擎：后台通道 + 同线程引擎
	engineCfg := worker.Config{
		PipelineTimeout: cfg.Prediction.PipelineTimeout,
		ChunkSize:       cfg.Prediction.ChunkSize,
		TrainEpochs:     cfg.Prediction.TrainEpochs,
		LearningRate:    cfg.Prediction.LearningRate,
	}
	local := worker.NewEngine(engineCfg, nil, nil, logger.Named("local"))

	var (
		manager   *prediction.Manager
		predictor service.Predictor
	)
	if cfg.Prediction.Enabled {
		chCfg := worker.DefaultChannelConfig()
		chCfg.Engine = engineCfg
		if cfg.Prediction.QueueSize > 0 {
			chCfg.QueueSize = cfg.Prediction.QueueSize
		}
		chCfg.MemoryBudget = int64(cfg.Prediction.MemoryBudgetMB) << 20
		chCfg.HighWaterRatio = cfg.Prediction.HighWaterRatio
		chCfg.SweepSpec = cfg.Prediction.SweepSpec

		manager = prediction.NewManager(
			worker.Factory(chCfg, metrics, logger.Named("worker")),
			prediction.Config{
				OperationTimeout: cfg.Prediction.OperationTimeout,
				InitTimeout:      cfg.Prediction.InitTimeout,
			},
			monitor, metrics, logger.Named("prediction"),
		)
		startCtx, cancel := context.WithTimeout(context.Background(), cfg.Prediction.InitTimeout)
		if err := manager.Start(startCtx); err != nil {
			// 未就绪时请求改为同线程计算，并在后台重试
			logger.Warn("后台预测通道启动失败", zap.Error(err))
		}
		cancel()
		predictor = manager
	}

	// 7. 依赖注入: Repository → Service → Handler
	repo := repository.NewRepository(db)
	svc := service.NewService(cfg, repo, predictor, local, cache, monitor, logger)
	h := handler.NewHandler(svc, monitor)

	// 8. 初始化路由
	engine, err := router.Setup(cfg, h, limiter, reg, logger)
	if err != nil {
		logger.Fatal("初始化路由失败", zap.Error(err))
	}

	// 9. 启动 HTTP 服务器（优雅关闭）
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("HTTP 服务器已启动", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP 服务器异常", zap.Error(err))
		}
	}()

	// 10. 监听系统信号，优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("收到关闭信号，开始优雅关闭...", zap.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("服务器关闭异常", zap.Error(err))
	}

	// 等待审计与排班写入完成后再关闭通道和连接
	svc.Prediction.Close()
	if manager != nil {
		manager.Close()
	}

	if err := sqlDB.Close(); err != nil {
		logger.Warn("关闭数据库连接失败", zap.Error(err))
	}
	if rdb != nil {
		rdb.Close()
	}

	logger.Info("服务器已关闭")
}
