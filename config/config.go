package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Cfg 全局配置实例
var Cfg *Config

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	DB      DBConfig      `yaml:"db"`
	FleetDB FleetDBConfig `yaml:"fleet_db"`
	JWT     JWTConfig     `yaml:"jwt"`
	Model   ModelConfig   `yaml:"model"`
	Agent   AgentConfig   `yaml:"agent"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type DBConfig struct {
	DSN string `yaml:"dsn"`
}

// FleetDBConfig 车队遥测库（Postgres）连接配置
type FleetDBConfig struct {
	DSN             string `yaml:"dsn"`
	ConnectAttempts int    `yaml:"connect_attempts"`
	ConnectDelaySec int    `yaml:"connect_delay_sec"`
}

type JWTConfig struct {
	SecretKey string `yaml:"secret_key"`
}

type ModelConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`

	// 各模型的请求整体超时时间（秒），键为模型名
	Timeouts map[string]int `yaml:"timeouts"`

	DefaultModel      string `yaml:"default_model"`
	DefaultTimeoutSec int    `yaml:"default_timeout_sec"`
}

type AgentConfig struct {
	MaxIterations        int `yaml:"max_iterations"`
	RowLimit             int `yaml:"row_limit"`
	StatementTimeoutMS   int `yaml:"statement_timeout_ms"`
	SummaryWorkerNum     int `yaml:"summary_worker_num"`
	SummaryMinContentLen int `yaml:"summary_min_content_length"`
}

func Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %v", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %v", path, err)
	}

	cfg.applyDefaults()
	Cfg = cfg
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.FleetDB.ConnectAttempts <= 0 {
		c.FleetDB.ConnectAttempts = 5
	}
	if c.FleetDB.ConnectDelaySec <= 0 {
		c.FleetDB.ConnectDelaySec = 5
	}
	if c.Model.DefaultModel == "" {
		c.Model.DefaultModel = "mistral-medium-latest"
	}
	if c.Model.DefaultTimeoutSec <= 0 {
		c.Model.DefaultTimeoutSec = 60
	}
	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = 10
	}
	if c.Agent.RowLimit <= 0 {
		c.Agent.RowLimit = 5000
	}
	if c.Agent.StatementTimeoutMS <= 0 {
		c.Agent.StatementTimeoutMS = 10000
	}
	if c.Agent.SummaryWorkerNum <= 0 {
		c.Agent.SummaryWorkerNum = 10
	}
	if c.Agent.SummaryMinContentLen <= 0 {
		c.Agent.SummaryMinContentLen = 2500
	}
}

// ModelTimeout 返回指定模型的整体请求超时时间
func (c *Config) ModelTimeout(model string) time.Duration {
	if sec, ok := c.Model.Timeouts[model]; ok && sec > 0 {
		return time.Duration(sec) * time.Second
	}
	return time.Duration(c.Model.DefaultTimeoutSec) * time.Second
}
