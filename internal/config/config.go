package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                 int            `mapstructure:"port"`
	APIKey               string         `mapstructure:"api_key"`
	DBPath               string         `mapstructure:"db_path"`
	NodesPath            string         `mapstructure:"nodes_path"`
	DefaultNodeLimit     int            `mapstructure:"default_node_limit"`
	NodeLimits           map[string]int `mapstructure:"node_limits"`
	MaxQueueDepth        int            `mapstructure:"max_queue_depth"`
	CheckpointInterval   time.Duration  `mapstructure:"checkpoint_interval"`
	HealthInterval       time.Duration  `mapstructure:"health_interval"`
	PlanTTL              time.Duration  `mapstructure:"plan_ttl"`
	IdempotencyRetention time.Duration  `mapstructure:"idempotency_retention"`
	AgentTimeout         time.Duration  `mapstructure:"agent_timeout"`
	DispatchAttempts     int            `mapstructure:"dispatch_attempts"`
	PromoteAfter         time.Duration  `mapstructure:"promote_after"`
	StatsFailureLimit    int            `mapstructure:"stats_failure_limit"`
}

var Default = Config{
	Port:                 8000,
	DBPath:               "relayhub.db",
	NodesPath:            "nodes.yaml",
	DefaultNodeLimit:     1,
	MaxQueueDepth:        32,
	CheckpointInterval:   3 * time.Second,
	HealthInterval:       5 * time.Second,
	PlanTTL:              15 * time.Minute,
	IdempotencyRetention: 24 * time.Hour,
	AgentTimeout:         30 * time.Second,
	DispatchAttempts:     3,
	PromoteAfter:         30 * time.Second,
	StatsFailureLimit:    5,
}

func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home dir: %w", err)
	}

	configDir := filepath.Join(home, ".relayhub")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config dir: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)

	viper.SetDefault("port", Default.Port)
	viper.SetDefault("api_key", Default.APIKey)
	viper.SetDefault("db_path", filepath.Join(configDir, Default.DBPath))
	viper.SetDefault("nodes_path", filepath.Join(configDir, Default.NodesPath))
	viper.SetDefault("default_node_limit", Default.DefaultNodeLimit)
	viper.SetDefault("max_queue_depth", Default.MaxQueueDepth)
	viper.SetDefault("checkpoint_interval", Default.CheckpointInterval)
	viper.SetDefault("health_interval", Default.HealthInterval)
	viper.SetDefault("plan_ttl", Default.PlanTTL)
	viper.SetDefault("idempotency_retention", Default.IdempotencyRetention)
	viper.SetDefault("agent_timeout", Default.AgentTimeout)
	viper.SetDefault("dispatch_attempts", Default.DispatchAttempts)
	viper.SetDefault("promote_after", Default.PromoteAfter)
	viper.SetDefault("stats_failure_limit", Default.StatsFailureLimit)

	viper.SetEnvPrefix("RELAYHUB")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := errors.AsType[viper.ConfigFileNotFoundError](err); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// NodeLimit returns the concurrency budget for a node, falling back to the
// global default when no per-node override is configured.
func (c *Config) NodeLimit(nodeID string) int {
	if limit, ok := c.NodeLimits[nodeID]; ok && limit > 0 {
		return limit
	}
	if c.DefaultNodeLimit > 0 {
		return c.DefaultNodeLimit
	}
	return 1
}
