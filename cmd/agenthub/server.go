package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/agenthub/airouter"
	"github.com/BaSui01/agenthub/api"
	"github.com/BaSui01/agenthub/config"
	"github.com/BaSui01/agenthub/consensus"
	"github.com/BaSui01/agenthub/graph"
	"github.com/BaSui01/agenthub/hub"
	"github.com/BaSui01/agenthub/internal/metrics"
	"github.com/BaSui01/agenthub/internal/server"
	"github.com/BaSui01/agenthub/scheduler"
	"github.com/BaSui01/agenthub/storage"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 AgentHub 的主服务器：按依赖顺序组装存储、图谱、消息、共识、
// 调度与 AI 路由，并挂到统一的 HTTP 面上。
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger

	// 服务器管理器
	httpManager *server.Manager

	// 核心组件
	adapter     *storage.Adapter
	knowledge   *graph.KnowledgeGraph
	messageHub  *hub.Hub
	coordinator *consensus.Coordinator
	scheduler   *scheduler.Scheduler
	aiRouter    *airouter.Router

	// 指标收集器
	metricsCollector *metrics.Collector

	// 配置文件监视器
	watcher       *config.Watcher
	watcherCancel context.CancelFunc
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger) *Server {
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 组装并启动所有服务
func (s *Server) Start() error {
	// 1. 指标收集器
	s.metricsCollector = metrics.NewCollector("agenthub", s.logger)

	// 2. 存储层
	if err := s.initStorage(); err != nil {
		return fmt.Errorf("failed to init storage: %w", err)
	}

	// 3. 核心组件
	if err := s.initComponents(); err != nil {
		return fmt.Errorf("failed to init components: %w", err)
	}

	// 4. 配置文件监视
	s.initConfigWatcher()

	// 5. HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.String("primary_storage", s.cfg.Storage.Primary),
		zap.Int("ai_providers", len(s.cfg.AI.Providers)),
	)
	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initStorage 按配置组装主存储与辅助后端
func (s *Server) initStorage() error {
	var primary storage.Backend
	switch s.cfg.Storage.Primary {
	case "memory":
		primary = storage.NewMemoryBackend(s.logger)
	case "sqlite":
		sqliteCfg := storage.DefaultSQLiteConfig()
		if s.cfg.Storage.SQLitePath != "" {
			sqliteCfg.Path = s.cfg.Storage.SQLitePath
		}
		backend, err := storage.NewSQLiteBackend(sqliteCfg, s.logger)
		if err != nil {
			return fmt.Errorf("sqlite backend: %w", err)
		}
		primary = backend
	case "mongo":
		mongoCfg := storage.DefaultMongoConfig()
		mongoCfg.URI = s.cfg.Storage.MongoURI
		if s.cfg.Storage.MongoDatabase != "" {
			mongoCfg.Database = s.cfg.Storage.MongoDatabase
		}
		backend, err := storage.NewMongoBackend(mongoCfg, s.logger)
		if err != nil {
			return fmt.Errorf("mongo backend: %w", err)
		}
		primary = backend
	default:
		return fmt.Errorf("unknown primary storage driver %q", s.cfg.Storage.Primary)
	}

	var auxiliaries []storage.Backend
	if s.cfg.Storage.Redis.Enabled {
		redisCfg := storage.DefaultRedisConfig()
		redisCfg.Addr = s.cfg.Storage.Redis.Addr
		redisCfg.Password = s.cfg.Storage.Redis.Password
		redisCfg.DB = s.cfg.Storage.Redis.DB
		if s.cfg.Storage.Redis.PoolSize > 0 {
			redisCfg.PoolSize = s.cfg.Storage.Redis.PoolSize
		}
		backend, err := storage.NewRedisBackend(redisCfg, s.logger)
		if err != nil {
			// 辅助后端连不上只降级，不阻止启动
			s.logger.Warn("redis backend unavailable, running without cache", zap.Error(err))
		} else {
			auxiliaries = append(auxiliaries, backend)
		}
	}
	if s.cfg.Storage.VectorEnabled {
		auxiliaries = append(auxiliaries, storage.NewVectorBackend(storage.DefaultVectorConfig(), s.logger))
	}

	adapterCfg := storage.DefaultAdapterConfig()
	if s.cfg.Storage.ProbeInterval > 0 {
		adapterCfg.ProbeInterval = s.cfg.Storage.ProbeInterval
	}

	adapter, err := storage.NewAdapter(primary, auxiliaries, adapterCfg, s.logger)
	if err != nil {
		return err
	}
	s.adapter = adapter
	return nil
}

// initComponents 按依赖顺序组装核心组件
func (s *Server) initComponents() error {
	s.knowledge = graph.New(s.adapter, graph.Config{
		SearchCacheTTL:     s.cfg.Graph.CacheTTL,
		DefaultSearchLimit: s.cfg.Graph.SearchLimit,
	}, s.logger)

	s.messageHub = hub.New(s.adapter, hub.Config{
		Retention:        s.cfg.Hub.Retention,
		StatsWindow:      s.cfg.Hub.StatsWindow,
		SubscriberBuffer: s.cfg.Hub.SubscriberBuffer,
	}, s.metricsCollector, s.logger)

	s.coordinator = consensus.New(s.adapter, s.messageHub, s.knowledge, consensus.Config{
		DefaultQuorum: s.cfg.Consensus.DefaultQuorum,
		DefaultWindow: s.cfg.Consensus.DefaultWindow,
		SweepInterval: s.cfg.Consensus.SweepInterval,
	}, s.metricsCollector, s.logger)

	s.scheduler = scheduler.New(s.adapter, s.messageHub, s.knowledge, nil, scheduler.Config{
		DefaultBudget: s.cfg.Scheduler.DefaultBudget,
		BaseCost:      s.cfg.Scheduler.BaseCost,
		Encoding:      s.cfg.Scheduler.Encoding,
	}, s.metricsCollector, s.logger)

	providers := make([]airouter.Provider, 0, len(s.cfg.AI.Providers))
	for _, pc := range s.cfg.AI.Providers {
		if pc.Kind == "echo" {
			providers = append(providers, &airouter.EchoProvider{ProviderName: pc.Name})
			continue
		}
		provider, err := airouter.NewHTTPProvider(airouter.HTTPProviderConfig{
			Name:    pc.Name,
			Kind:    pc.Kind,
			BaseURL: pc.BaseURL,
			APIKey:  pc.APIKey,
			Model:   pc.Model,
			Timeout: pc.Timeout,
		})
		if err != nil {
			return fmt.Errorf("ai provider %q: %w", pc.Name, err)
		}
		providers = append(providers, provider)
	}

	routerCfg := airouter.DefaultConfig()
	routerCfg.CallTimeout = s.cfg.AI.CallTimeout
	routerCfg.RatePerSecond = s.cfg.AI.RatePerSecond
	if s.cfg.AI.BreakerThreshold > 0 {
		routerCfg.Breaker.Threshold = s.cfg.AI.BreakerThreshold
	}
	if s.cfg.AI.BreakerCooldown > 0 {
		routerCfg.Breaker.Cooldown = s.cfg.AI.BreakerCooldown
	}

	aiRouter, err := airouter.New(providers, routerCfg, s.metricsCollector, s.logger)
	if err != nil {
		return err
	}
	s.aiRouter = aiRouter
	return nil
}

// initConfigWatcher 监视配置文件变更。运行中的组件不做热切换，
// 变更只记日志提示需要重启。
func (s *Server) initConfigWatcher() {
	if s.configPath == "" {
		return
	}

	s.watcher = config.NewWatcher(s.configPath, config.WithWatcherLogger(s.logger))
	s.watcher.OnChange(func(event config.FileEvent) {
		s.logger.Info("Configuration file changed, restart to apply",
			zap.String("path", event.Path),
			zap.String("op", event.Op.String()),
		)
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.watcherCancel = cancel
	if err := s.watcher.Start(ctx); err != nil {
		s.logger.Warn("failed to start config watcher", zap.Error(err))
	}
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// startHTTPServer 挂载 API 并启动 HTTP 服务器
func (s *Server) startHTTPServer() error {
	apiHandler := api.NewHandler(
		s.knowledge,
		s.messageHub,
		s.coordinator,
		s.scheduler,
		s.aiRouter,
		s.adapter,
		s.metricsCollector,
		s.logger,
	)

	handler := Chain(apiHandler.Routes(),
		Recovery(s.logger),
		RequestID(),
		RequestLogger(s.logger),
		CORS(nil),
	)

	serverConfig := server.Config{
		Addr:        fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout: s.cfg.Server.ReadTimeout,
		// SSE 流与 WebSocket 推送是长连接，写超时必须关闭
		WriteTimeout:    0,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)

	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown 优雅关闭所有服务。先停 HTTP 面，再按依赖逆序停核心组件。
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx := context.Background()

	if s.watcherCancel != nil {
		s.watcherCancel()
	}
	if s.watcher != nil {
		s.watcher.Stop()
	}

	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	if s.coordinator != nil {
		s.coordinator.Close()
	}
	if s.messageHub != nil {
		s.messageHub.Close()
	}
	if s.adapter != nil {
		if err := s.adapter.Close(); err != nil {
			s.logger.Error("Storage shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}
