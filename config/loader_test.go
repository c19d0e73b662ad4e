// 配置加载器测试。
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Loader 测试 ---

func TestLoader_LoadDefaults(t *testing.T) {
	// 不指定配置文件，应该返回默认值
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, "memory", cfg.Store.Type)
	assert.Empty(t, cfg.Agents)
}

func TestLoader_LoadFromYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  http_port: 8888
  read_timeout: 60s

store:
  type: redis
  key_prefix: "mesh:"

redis:
  addr: "redis.example.com:6379"
  password: "secret"
  db: 1

orchestrator:
  heartbeat_timeout: 5m
  default_max_retries: 2

events:
  redis_stream: "agentmesh:events"

agents:
  - name: agent-a
    capabilities: [go, review]
    max_concurrent_tasks: 3

workflow_templates:
  - workflows/feature.yaml

log:
  level: "debug"
  format: "console"
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))

	cfg, err := NewLoader().
		WithConfigPath(configPath).
		Load()
	require.NoError(t, err)

	assert.Equal(t, 8888, cfg.Server.HTTPPort)
	assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)
	// 未覆盖的字段保留默认值
	assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)

	assert.Equal(t, "redis", cfg.Store.Type)
	assert.Equal(t, "mesh:", cfg.Store.KeyPrefix)
	assert.Equal(t, "redis.example.com:6379", cfg.Redis.Addr)
	assert.Equal(t, "secret", cfg.Redis.Password)
	assert.Equal(t, 1, cfg.Redis.DB)

	assert.Equal(t, 5*time.Minute, cfg.Orchestrator.HeartbeatTimeout)
	assert.Equal(t, 2, cfg.Orchestrator.DefaultMaxRetries)
	assert.Equal(t, 30*time.Second, cfg.Orchestrator.SweepInterval)
	assert.Equal(t, "agentmesh:events", cfg.Events.RedisStream)

	require.Len(t, cfg.Agents, 1)
	assert.Equal(t, "agent-a", cfg.Agents[0].Name)
	assert.Equal(t, []string{"go", "review"}, cfg.Agents[0].Capabilities)
	assert.Equal(t, 3, cfg.Agents[0].MaxConcurrentTasks)
	assert.Equal(t, []string{"workflows/feature.yaml"}, cfg.WorkflowTemplates)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	require.NoError(t, cfg.Validate())
}

func TestLoader_LoadFromEnv(t *testing.T) {
	t.Setenv("AGENTMESH_SERVER_HTTP_PORT", "7777")
	t.Setenv("AGENTMESH_SERVER_RATE_LIMIT_RPS", "12.5")
	t.Setenv("AGENTMESH_STORE_TYPE", "database")
	t.Setenv("AGENTMESH_DATABASE_DRIVER", "sqlite")
	t.Setenv("AGENTMESH_ORCHESTRATOR_SWEEP_INTERVAL", "10s")
	t.Setenv("AGENTMESH_ORCHESTRATOR_REPUTATION_SMOOTHING", "0.2")
	t.Setenv("AGENTMESH_EVENTS_LOG", "false")
	t.Setenv("AGENTMESH_WORKFLOW_TEMPLATES", "a.yaml, b.yaml")
	t.Setenv("AGENTMESH_LOG_OUTPUT_PATHS", "stdout,/var/log/agentmesh.log")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.HTTPPort)
	assert.InDelta(t, 12.5, cfg.Server.RateLimitRPS, 1e-9)
	assert.Equal(t, "database", cfg.Store.Type)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 10*time.Second, cfg.Orchestrator.SweepInterval)
	assert.InDelta(t, 0.2, cfg.Orchestrator.ReputationSmoothing, 1e-9)
	assert.False(t, cfg.Events.Log)
	assert.Equal(t, []string{"a.yaml", "b.yaml"}, cfg.WorkflowTemplates)
	assert.Equal(t, []string{"stdout", "/var/log/agentmesh.log"}, cfg.Log.OutputPaths)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  http_port: 8888
redis:
  addr: "yaml-redis:6379"
  password: "yaml-secret"
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))

	t.Setenv("AGENTMESH_SERVER_HTTP_PORT", "9999")
	t.Setenv("AGENTMESH_REDIS_ADDR", "env-redis:6379")

	cfg, err := NewLoader().
		WithConfigPath(configPath).
		Load()
	require.NoError(t, err)

	// 环境变量应该覆盖 YAML
	assert.Equal(t, 9999, cfg.Server.HTTPPort)
	assert.Equal(t, "env-redis:6379", cfg.Redis.Addr)
	// YAML 值应该保留
	assert.Equal(t, "yaml-secret", cfg.Redis.Password)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	t.Setenv("MYAPP_SERVER_HTTP_PORT", "6666")
	t.Setenv("MYAPP_STORE_TYPE", "redis")

	cfg, err := NewLoader().
		WithEnvPrefix("MYAPP").
		Load()
	require.NoError(t, err)

	assert.Equal(t, 6666, cfg.Server.HTTPPort)
	assert.Equal(t, "redis", cfg.Store.Type)
}

func TestLoader_InvalidEnvValue(t *testing.T) {
	t.Setenv("AGENTMESH_ORCHESTRATOR_HEARTBEAT_TIMEOUT", "soon")

	_, err := NewLoader().Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AGENTMESH_ORCHESTRATOR_HEARTBEAT_TIMEOUT")
}

func TestLoader_WithValidator(t *testing.T) {
	t.Setenv("AGENTMESH_SERVER_HTTP_PORT", "80")

	_, err := NewLoader().
		WithValidator(func(cfg *Config) error {
			if cfg.Server.HTTPPort < 1024 {
				return assert.AnError
			}
			return nil
		}).
		Load()
	assert.ErrorIs(t, err, assert.AnError)

	_, err = NewLoader().
		WithValidator((*Config).Validate).
		Load()
	assert.NoError(t, err)
}

func TestLoader_NonExistentFile(t *testing.T) {
	// 指定不存在的文件，应该使用默认值（不报错）
	cfg, err := NewLoader().
		WithConfigPath("/non/existent/path/config.yaml").
		Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestLoader_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")

	invalidYAML := `
server:
  http_port: [invalid
  this is not valid yaml
`
	require.NoError(t, os.WriteFile(configPath, []byte(invalidYAML), 0644))

	_, err := NewLoader().
		WithConfigPath(configPath).
		Load()
	assert.Error(t, err)
}

// --- Config 方法测试 ---

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:   "valid default config",
			modify: func(c *Config) {},
		},
		{
			name:    "invalid HTTP port (negative)",
			modify:  func(c *Config) { c.Server.HTTPPort = -1 },
			wantErr: "invalid HTTP port",
		},
		{
			name:    "invalid HTTP port (too large)",
			modify:  func(c *Config) { c.Server.HTTPPort = 70000 },
			wantErr: "invalid HTTP port",
		},
		{
			name:    "unknown store type",
			modify:  func(c *Config) { c.Store.Type = "etcd" },
			wantErr: "unsupported store type",
		},
		{
			name: "unknown database driver",
			modify: func(c *Config) {
				c.Store.Type = "database"
				c.Database.Driver = "oracle"
			},
			wantErr: "unsupported database driver",
		},
		{
			name:    "zero heartbeat timeout",
			modify:  func(c *Config) { c.Orchestrator.HeartbeatTimeout = 0 },
			wantErr: "heartbeat_timeout",
		},
		{
			name:    "reputation out of range",
			modify:  func(c *Config) { c.Orchestrator.DefaultReputation = 1.5 },
			wantErr: "default_reputation",
		},
		{
			name: "telemetry sample rate out of range",
			modify: func(c *Config) {
				c.Telemetry.Enabled = true
				c.Telemetry.SampleRate = 2
			},
			wantErr: "telemetry.sample_rate",
		},
		{
			name: "duplicate static agent",
			modify: func(c *Config) {
				c.Agents = []AgentConfig{
					{Name: "a", MaxConcurrentTasks: 1},
					{Name: "a", MaxConcurrentTasks: 1},
				}
			},
			wantErr: "duplicate name",
		},
		{
			name: "static agent without capacity",
			modify: func(c *Config) {
				c.Agents = []AgentConfig{{Name: "a"}}
			},
			wantErr: "max_concurrent_tasks",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_ValidateAggregates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.HTTPPort = 0
	cfg.Store.Type = "etcd"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid HTTP port")
	assert.Contains(t, err.Error(), "unsupported store type")
}

func TestDatabaseConfig_DSN(t *testing.T) {
	tests := []struct {
		name     string
		config   DatabaseConfig
		expected string
	}{
		{
			name: "postgres DSN",
			config: DatabaseConfig{
				Driver:   "postgres",
				Host:     "localhost",
				Port:     5432,
				User:     "user",
				Password: "pass",
				Name:     "dbname",
				SSLMode:  "disable",
			},
			expected: "host=localhost port=5432 user=user password=pass dbname=dbname sslmode=disable",
		},
		{
			name: "mysql DSN",
			config: DatabaseConfig{
				Driver:   "mysql",
				Host:     "localhost",
				Port:     3306,
				User:     "user",
				Password: "pass",
				Name:     "dbname",
			},
			expected: "user:pass@tcp(localhost:3306)/dbname?parseTime=true",
		},
		{
			name: "sqlite DSN",
			config: DatabaseConfig{
				Driver: "sqlite",
				Name:   "/path/to/db.sqlite",
			},
			expected: "/path/to/db.sqlite",
		},
		{
			name:     "unknown driver",
			config:   DatabaseConfig{Driver: "unknown"},
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.config.DSN())
		})
	}
}

// --- MustLoad 测试 ---

func TestMustLoad_Success(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("server:\n  http_port: 8080\n"), 0644))

	assert.NotPanics(t, func() {
		cfg := MustLoad(configPath)
		assert.Equal(t, 8080, cfg.Server.HTTPPort)
	})
}

func TestMustLoad_InvalidFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("invalid: [yaml"), 0644))

	assert.Panics(t, func() {
		MustLoad(configPath)
	})
}

func TestLoadFromEnv_Function(t *testing.T) {
	t.Setenv("AGENTMESH_REDIS_ADDR", "env-only:6379")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "env-only:6379", cfg.Redis.Addr)
}
