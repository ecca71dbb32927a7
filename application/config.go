package application

import (
	"time"

	"github.com/lk2023060901/jsm-go/internal/jsm"
	"github.com/lk2023060901/jsm-go/internal/xdb"
)

const (
	backendMemory = "memory"
	backendEtcd   = "etcd"

	defaultMetricsAddress  = ":9102"
	defaultMetricsPath     = "/metrics"
	defaultShutdownTimeout = 10 * time.Second
	defaultEmbedDataDir    = "./data/etcd"
)

// XDBConfig 为存储后端配置。
type XDBConfig struct {
	// Backend 可选 memory 或 etcd。
	Backend string         `mapstructure:"backend"`
	Etcd    xdb.EtcdConfig `mapstructure:"etcd"`
	// Embed 为 true 时在进程内启动单节点 etcd，Etcd.Endpoints 被忽略。
	Embed        bool   `mapstructure:"embed"`
	EmbedConfig  string `mapstructure:"embed_config"`
	DataDir      string `mapstructure:"data_dir"`
	EmbedLogPath string `mapstructure:"embed_log_path"`
	EmbedLogLvl  string `mapstructure:"embed_log_level"`
}

// MetricsConfig 为指标导出配置。
type MetricsConfig struct {
	Enable  bool   `mapstructure:"enable"`
	Address string `mapstructure:"address"`
	Path    string `mapstructure:"path"`
}

// ServerConfig 为参考模块使用的服务信息。
type ServerConfig struct {
	Name     string `mapstructure:"name"`
	Version  string `mapstructure:"version"`
	HashCost int    `mapstructure:"hash_cost"`
}

// Config 为应用的完整配置。
type Config struct {
	JSM             jsm.Config    `mapstructure:"jsm"`
	XDB             XDBConfig     `mapstructure:"xdb"`
	Metrics         MetricsConfig `mapstructure:"metrics"`
	Server          ServerConfig  `mapstructure:"server"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

func defaultConfig() *Config {
	return &Config{
		JSM: *jsm.DefaultConfig(),
		XDB: XDBConfig{
			Backend: backendMemory,
			DataDir: defaultEmbedDataDir,
		},
		Metrics: MetricsConfig{
			Address: defaultMetricsAddress,
			Path:    defaultMetricsPath,
		},
		ShutdownTimeout: defaultShutdownTimeout,
	}
}
