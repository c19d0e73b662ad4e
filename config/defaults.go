// =============================================================================
// 📦 AgentMesh 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:       DefaultServerConfig(),
		Store:        DefaultStoreConfig(),
		Database:     DefaultDatabaseConfig(),
		Redis:        DefaultRedisConfig(),
		Orchestrator: DefaultOrchestratorConfig(),
		Events:       DefaultEventsConfig(),
		Log:          DefaultLogConfig(),
		Telemetry:    DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultStoreConfig 返回默认存储配置
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type:        "memory",
		KeyPrefix:   "agentmesh:",
		AutoMigrate: true,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "agentmesh",
		Password:        "",
		Name:            "agentmesh",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultOrchestratorConfig 返回默认编排参数
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		HeartbeatTimeout:       2 * time.Minute,
		SweepInterval:          30 * time.Second,
		DefaultReputation:      0.5,
		ReputationSmoothing:    0.1,
		DefaultMaxRetries:      0,
		MaxTextLength:          64 * 1024,
		MaxContextBytes:        256 << 10,
		KnowledgeSnapshotLimit: 50,
		WorkflowCacheSize:      256,
	}
}

// DefaultEventsConfig 返回默认事件日志配置
func DefaultEventsConfig() EventsConfig {
	return EventsConfig{
		BufferSize:        1024,
		SinkTimeout:       5 * time.Second,
		Log:               true,
		Stream:            true,
		RedisStream:       "",
		RedisStreamMaxLen: 100000,
		MongoURI:          "",
		MongoDatabase:     "agentmesh",
		MongoCollection:   "events",
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "agentmesh",
		SampleRate:   0.1,
		Environment:  "development",
		Insecure:     true,
	}
}
