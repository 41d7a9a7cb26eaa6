// =============================================================================
// 📦 AgentHub 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Log:       DefaultLogConfig(),
		Storage:   DefaultStorageConfig(),
		Graph:     DefaultGraphConfig(),
		Hub:       DefaultHubConfig(),
		Consensus: DefaultConsensusConfig(),
		Scheduler: DefaultSchedulerConfig(),
		AI:        DefaultAIConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:        "info",
		Format:       "json",
		OutputPaths:  []string{"stdout"},
		EnableCaller: true,
	}
}

// DefaultStorageConfig 返回默认存储配置
func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		Primary:       "memory",
		SQLitePath:    "agenthub.db",
		MongoDatabase: "agenthub",
		Redis: RedisConfig{
			Enabled:  false,
			Addr:     "localhost:6379",
			DB:       0,
			PoolSize: 10,
		},
		VectorEnabled: true,
		ProbeInterval: 15 * time.Second,
	}
}

// DefaultGraphConfig 返回默认图谱配置
func DefaultGraphConfig() GraphConfig {
	return GraphConfig{
		CacheTTL:    5 * time.Minute,
		SearchLimit: 20,
	}
}

// DefaultHubConfig 返回默认消息中心配置
func DefaultHubConfig() HubConfig {
	return HubConfig{
		Retention:        7 * 24 * time.Hour,
		StatsWindow:      time.Hour,
		SubscriberBuffer: 64,
	}
}

// DefaultConsensusConfig 返回默认共识配置
func DefaultConsensusConfig() ConsensusConfig {
	return ConsensusConfig{
		DefaultQuorum: 2,
		DefaultWindow: 10 * time.Minute,
		SweepInterval: 30 * time.Second,
	}
}

// DefaultSchedulerConfig 返回默认调度器配置
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		DefaultBudget: 100000,
		BaseCost:      50,
		Encoding:      "cl100k_base",
	}
}

// DefaultAIConfig 返回默认 AI 路由配置
func DefaultAIConfig() AIConfig {
	return AIConfig{
		Providers: []AIProviderConfig{
			{Name: "echo", Kind: "echo"},
		},
		CallTimeout:      60 * time.Second,
		BreakerThreshold: 3,
		BreakerCooldown:  30 * time.Second,
		RatePerSecond:    0,
	}
}
