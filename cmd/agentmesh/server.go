package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh"
	"github.com/BaSui01/agentmesh/agent/discovery"
	"github.com/BaSui01/agentmesh/agent/events"
	"github.com/BaSui01/agentmesh/agent/handoff"
	"github.com/BaSui01/agentmesh/agent/knowledge"
	"github.com/BaSui01/agentmesh/agent/persistence"
	"github.com/BaSui01/agentmesh/agent/tasks"
	"github.com/BaSui01/agentmesh/api/handlers"
	"github.com/BaSui01/agentmesh/config"
	"github.com/BaSui01/agentmesh/internal/database"
	"github.com/BaSui01/agentmesh/internal/metrics"
	"github.com/BaSui01/agentmesh/internal/migration"
	"github.com/BaSui01/agentmesh/internal/server"
	"github.com/BaSui01/agentmesh/internal/telemetry"
	"github.com/BaSui01/agentmesh/internal/unit"
	"github.com/BaSui01/agentmesh/types"
)

// eventBacklogLimit 事件队列占用超过该比例时 /ready 报告 degraded
const eventBacklogLimit = 0.9

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 组装存储、事件、编排器与 HTTP 服务
type Server struct {
	cfg       *config.Config
	logger    *zap.Logger
	telemetry *telemetry.Providers

	collector *metrics.Collector
	pool      *database.PoolManager
	redis     *redis.Client
	mongo     *mongo.Client
	emitter   *events.Emitter
	bus       *events.Bus
	stream    *handlers.EventStreamHandler
	mesh      *agentmesh.Orchestrator
	health    *handlers.HealthHandler

	httpManager    *server.Manager
	metricsManager *server.Manager

	bg     context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer 创建新的服务器实例。providers 可为 nil。
func NewServer(cfg *config.Config, logger *zap.Logger, providers *telemetry.Providers) *Server {
	return &Server{
		cfg:       cfg,
		logger:    logger,
		telemetry: providers,
		health:    handlers.NewHealthHandler(logger),
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 按依赖顺序启动所有组件
func (s *Server) Start(ctx context.Context) error {
	s.collector = metrics.NewCollector("agentmesh", s.logger)

	store, err := s.openStore(ctx)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	sinks, err := s.openSinks(ctx)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("failed to open event sinks: %w", err)
	}
	s.emitter = events.NewEmitter(events.EmitterConfig{
		BufferSize:  s.cfg.Events.BufferSize,
		SinkTimeout: s.cfg.Events.SinkTimeout,
	}, s.collector, s.logger, sinks...)

	orch := s.cfg.Orchestrator
	s.mesh = agentmesh.New(store,
		agentmesh.WithConfig(meshConfig(orch)),
		agentmesh.WithLogger(s.logger),
		agentmesh.WithPublisher(s.emitter),
		agentmesh.WithMetrics(s.collector),
		agentmesh.WithKnowledge(knowledge.NewMemoryProvider(orch.KnowledgeSnapshotLimit, s.logger)),
		agentmesh.WithTracer(s.telemetry.Tracer(unit.TracerName)),
	)
	s.health.RegisterCheck(handlers.NewPingCheck("store", s.mesh.Ping), true)
	s.health.RegisterCheck(handlers.NewBacklogCheck("event_queue", s.emitter.Backlog, eventBacklogLimit), false)
	s.health.RegisterCheck(handlers.NewFreshnessCheck("sweeper", s.mesh.LastSweep, 3*s.mesh.SweepInterval()), false)

	if err := s.bootstrap(ctx); err != nil {
		return err
	}

	s.bg, s.cancel = context.WithCancel(context.Background())
	s.goBackground(func() { s.mesh.RunSweeper(s.bg) })

	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.String("http_addr", s.httpManager.Addr()),
		zap.String("metrics_addr", s.metricsManager.Addr()),
	)
	return nil
}

func (s *Server) goBackground(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func meshConfig(orch config.OrchestratorConfig) agentmesh.Config {
	return agentmesh.Config{
		Registry: discovery.RegistryConfig{
			HeartbeatTimeout:    orch.HeartbeatTimeout,
			SweepInterval:       orch.SweepInterval,
			DefaultReputation:   orch.DefaultReputation,
			ReputationSmoothing: orch.ReputationSmoothing,
		},
		Tasks: tasks.Config{
			DefaultMaxRetries: orch.DefaultMaxRetries,
			MaxTextLength:     orch.MaxTextLength,
		},
		Handoff: handoff.Config{
			MaxContextBytes: orch.MaxContextBytes,
			MaxTextLength:   orch.MaxTextLength,
		},
		WorkflowCacheSize: orch.WorkflowCacheSize,
	}
}

// =============================================================================
// 💾 存储
// =============================================================================

func (s *Server) openStore(ctx context.Context) (persistence.Store, error) {
	switch persistence.StoreType(s.cfg.Store.Type) {
	case persistence.StoreTypeRedis:
		client, err := s.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		return persistence.NewRedisStoreWithClient(client, s.cfg.Store.KeyPrefix, s.logger), nil

	case persistence.StoreTypeDatabase:
		db := s.cfg.Database
		pool, err := database.Open(db.Driver, db.DSN(), database.PoolConfig{
			MaxOpenConns:        db.MaxOpenConns,
			MaxIdleConns:        db.MaxIdleConns,
			ConnMaxLifetime:     db.ConnMaxLifetime,
			ConnMaxIdleTime:     database.DefaultPoolConfig().ConnMaxIdleTime,
			HealthCheckInterval: database.DefaultPoolConfig().HealthCheckInterval,
		}, s.logger)
		if err != nil {
			return nil, err
		}
		s.pool = pool
		pool.OnStats(func(stats sql.DBStats) {
			s.collector.RecordDBConnections(db.Driver, stats.OpenConnections, stats.Idle)
		})
		store := persistence.NewGormStore(pool, s.logger)
		if s.cfg.Store.AutoMigrate {
			if err := s.migrate(ctx, store); err != nil {
				_ = store.Close()
				return nil, err
			}
		}
		return store, nil

	default:
		return persistence.NewStore(persistence.StoreConfig{Type: persistence.StoreType(s.cfg.Store.Type)}, nil, s.logger)
	}
}

// migrate 对 postgres/mysql 执行版本化迁移，sqlite 使用 AutoMigrate
func (s *Server) migrate(ctx context.Context, store *persistence.GormStore) error {
	m, err := migration.NewMigratorFromDatabaseConfig(s.cfg.Database, s.logger)
	if errors.Is(err, migration.ErrNoVersionedSchema) {
		return store.AutoMigrate(ctx)
	}
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()
	return m.Up(ctx)
}

func (s *Server) redisClient(ctx context.Context) (*redis.Client, error) {
	if s.redis != nil {
		return s.redis, nil
	}
	rc := s.cfg.Redis
	client := redis.NewClient(&redis.Options{
		Addr:         rc.Addr,
		Password:     rc.Password,
		DB:           rc.DB,
		PoolSize:     rc.PoolSize,
		MinIdleConns: rc.MinIdleConns,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", rc.Addr, err)
	}
	s.redis = client
	return client, nil
}

// =============================================================================
// 📣 事件
// =============================================================================

func (s *Server) openSinks(ctx context.Context) ([]events.Sink, error) {
	ec := s.cfg.Events
	var sinks []events.Sink
	if ec.Log {
		sinks = append(sinks, events.NewLogSink(s.logger))
	}
	if ec.Stream {
		s.bus = events.NewBus(s.logger)
		sinks = append(sinks, s.bus)
	}

	if ec.RedisStream != "" {
		client, err := s.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, events.NewRedisStreamSink(client, ec.RedisStream, ec.RedisStreamMaxLen))
	}

	if ec.MongoURI != "" {
		client, err := mongo.Connect(options.Client().ApplyURI(ec.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to mongo: %w", err)
		}
		s.mongo = client
		s.health.RegisterCheck(handlers.NewPingCheck("mongo", func(ctx context.Context) error {
			return client.Ping(ctx, nil)
		}), false)
		coll := client.Database(ec.MongoDatabase).Collection(ec.MongoCollection)
		sinks = append(sinks, events.NewMongoSink(coll))
	}
	return sinks, nil
}

// =============================================================================
// 🌱 启动数据
// =============================================================================

// bootstrap 注册配置中的静态 Agent 与工作流模板。已存在的条目跳过。
func (s *Server) bootstrap(ctx context.Context) error {
	for _, a := range s.cfg.Agents {
		if _, err := s.mesh.GetAgent(ctx, a.Name); err == nil {
			continue
		} else if !types.IsCode(err, types.ErrNotFound) {
			return fmt.Errorf("lookup agent %s: %w", a.Name, err)
		}
		if _, err := s.mesh.RegisterAgent(ctx, discovery.RegisterRequest{
			Name:               a.Name,
			Capabilities:       a.Capabilities,
			Specializations:    a.Specializations,
			MaxConcurrentTasks: a.MaxConcurrentTasks,
		}); err != nil {
			return fmt.Errorf("register agent %s: %w", a.Name, err)
		}
		s.logger.Info("static agent registered", zap.String("agent", a.Name))
	}

	for _, path := range s.cfg.WorkflowTemplates {
		defs, err := s.mesh.LoadWorkflowTemplates(ctx, path)
		if err != nil {
			if types.IsCode(err, types.ErrValidation) {
				s.logger.Warn("workflow templates skipped", zap.String("path", path), zap.Error(err))
				continue
			}
			return fmt.Errorf("load workflow templates %s: %w", path, err)
		}
		s.logger.Info("workflow templates loaded", zap.String("path", path), zap.Int("count", len(defs)))
	}
	return nil
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.health.HandleLive)
	mux.HandleFunc("GET /healthz", s.health.HandleLive)
	mux.HandleFunc("GET /ready", s.health.HandleReady)
	mux.HandleFunc("GET /readyz", s.health.HandleReady)
	mux.HandleFunc("GET /version", s.health.HandleVersion(Version, BuildTime, GitCommit))

	handlers.Mount(mux, s.mesh, s.logger)
	if s.bus != nil {
		s.stream = handlers.MountEventStream(mux, s.bus, s.logger)
	}

	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(s.telemetry.Tracer("agentmesh/http")),
		MetricsMiddleware(s.collector),
		RequestLogger(s.logger),
		RateLimiter(s.bg, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst),
	)

	s.httpManager = server.NewManager(handler, server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)
	return s.httpManager.Start()
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	s.metricsManager = server.NewManager(mux, server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)
	return s.metricsManager.Start()
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// Wait 阻塞直到 ctx 结束或任一服务器出错
func (s *Server) Wait(ctx context.Context) error {
	if s.httpManager == nil {
		return nil
	}
	return s.httpManager.Wait(ctx)
}

// Shutdown 逆序关闭所有组件，可重复调用
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = server.DefaultConfig().ShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if s.stream != nil {
		s.stream.Close()
	}
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	// 先排空事件队列，再关闭其依赖的连接
	if s.emitter != nil {
		if err := s.emitter.Close(ctx); err != nil {
			s.logger.Warn("event emitter did not drain", zap.Error(err))
		}
	}
	if s.mesh != nil {
		if err := s.mesh.Close(); err != nil {
			s.logger.Error("store close error", zap.Error(err))
		}
	}
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.mongo != nil {
		if err := s.mongo.Disconnect(ctx); err != nil {
			s.logger.Warn("mongo disconnect error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}
