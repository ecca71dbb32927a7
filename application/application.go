package application

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lk2023060901/jsm-go/internal/jsm"
	"github.com/lk2023060901/jsm-go/internal/jsm/mods"
	"github.com/lk2023060901/jsm-go/internal/transport"
	"github.com/lk2023060901/jsm-go/internal/xdb"
	zlog "github.com/lk2023060901/jsm-go/pkg/log"
	"github.com/lk2023060901/jsm-go/pkg/metrics"
	"github.com/lk2023060901/jsm-go/pkg/util/etcd"
	"github.com/lk2023060901/jsm-go/pkg/util/merr"
	zviper "github.com/lk2023060901/jsm-go/pkg/util/viper"
)

// Application 为会话管理服务的运行时容器，负责配置、日志、指标、存储与实例的装配。
type Application struct {
	args      []string
	transport transport.Transport

	raw      *zviper.Config
	cfg      *Config
	loggers  map[string]*zlog.MLogger
	registry *prometheus.Registry
	http     *http.Server
	store    xdb.Store
	inst     *jsm.Instance
}

// Option 为 Application 的可选项。
type Option func(*Application)

// WithArgs 替换命令行参数（默认为 os.Args[1:]）。
func WithArgs(args []string) Option {
	return func(a *Application) { a.args = args }
}

// WithTransport 指定接入层出口，未指定时只记录日志。
func WithTransport(tr transport.Transport) Option {
	return func(a *Application) { a.transport = tr }
}

// New 创建 Application。
func New(opts ...Option) *Application {
	a := &Application{args: os.Args[1:]}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run 启动服务并阻塞到收到 SIGINT/SIGTERM，之后按 shutdown_timeout 优雅退出。
//
// 配置文件路径按以下优先级解析：
//  1. 默认：./config.yaml
//  2. 环境变量：JSM_CONFIG_FILE_PATH
//  3. 命令行：--config <path> 或 --config=<path>
func (a *Application) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		a.Stop(context.Background())
		return err
	}
	<-ctx.Done()
	zlog.Info("signal received, shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	return a.Stop(shutdownCtx)
}

// Start 加载配置并启动各组件，不阻塞。
func (a *Application) Start(ctx context.Context) error {
	if err := a.loadConfig(); err != nil {
		return err
	}
	if err := a.initLogging(); err != nil {
		return err
	}

	intentCtx, span := zlog.NewIntentContext("jsm", "startup")
	defer span.End()

	if err := a.initMetrics(intentCtx); err != nil {
		return err
	}
	if err := a.initStore(intentCtx); err != nil {
		return err
	}
	if err := a.initInstance(ctx); err != nil {
		return err
	}
	zlog.Ctx(intentCtx).Info("jsm application started",
		zap.String("xdb", a.cfg.XDB.Backend),
		zap.Bool("metrics", a.cfg.Metrics.Enable))
	return nil
}

// Stop 依次关闭实例、指标服务与存储。
func (a *Application) Stop(ctx context.Context) error {
	var errs []error
	if a.inst != nil {
		errs = append(errs, a.inst.Shutdown(ctx))
	}
	if a.http != nil {
		errs = append(errs, a.http.Shutdown(ctx))
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	etcd.StopEtcdServer()
	_ = zlog.Sync()
	return merr.Combine(errs...)
}

// Config 返回加载后的配置。
func (a *Application) Config() *Config {
	return a.cfg
}

// Instance 返回会话管理实例，Start 成功之后有效。
func (a *Application) Instance() *jsm.Instance {
	return a.inst
}

// Registry 返回指标注册表，未开启指标时为 nil。
func (a *Application) Registry() *prometheus.Registry {
	return a.registry
}

// Logger 返回按名称配置的 Logger，未配置时退回全局 Logger。
func (a *Application) Logger(name string) *zlog.MLogger {
	if a.loggers == nil {
		return &zlog.MLogger{Logger: zlog.L()}
	}
	if lg, ok := a.loggers[name]; ok && lg != nil {
		return lg
	}
	return &zlog.MLogger{Logger: zlog.L()}
}

// configPath 解析配置文件路径。
func (a *Application) configPath() (string, error) {
	configPath := "./config.yaml"

	if envPath := os.Getenv("JSM_CONFIG_FILE_PATH"); envPath != "" {
		configPath = envPath
	}

	args := a.args
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" {
			if i+1 >= len(args) {
				return "", merr.WrapErrParameterMissing("--config value")
			}
			configPath = args[i+1]
			i++
			continue
		}
		if strings.HasPrefix(arg, "--config=") {
			val := strings.TrimPrefix(arg, "--config=")
			if val != "" {
				configPath = val
			}
			continue
		}
	}
	return configPath, nil
}

// loadConfig 读取配置文件并叠加 JSM_ 前缀的环境变量。
func (a *Application) loadConfig() error {
	configPath, err := a.configPath()
	if err != nil {
		return err
	}

	raw := zviper.New()
	raw.BindEnv("JSM")
	if err := raw.LoadFile(configPath); err != nil {
		return errors.Wrapf(err, "failed to load config file %q", configPath)
	}

	cfg := defaultConfig()
	if err := raw.Unmarshal(cfg); err != nil {
		return errors.Wrapf(err, "failed to decode config file %q", configPath)
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	a.raw = raw
	a.cfg = cfg
	return nil
}

// initLogging 初始化全局与模块级 Logger。
func (a *Application) initLogging() error {
	if err := a.initGlobalLoggerFromEnv(); err != nil {
		return err
	}
	if err := a.initModuleLoggersFromConfig(); err != nil {
		return err
	}
	return nil
}

// initGlobalLoggerFromEnv 根据 JSM_LOG_* 环境变量配置全局 Logger。
//
//   - JSM_LOG_ENABLE：为 "1"/"true" 时开启输出，否则丢弃所有日志；
//   - JSM_LOG_LEVEL：日志级别，默认 info；
//   - JSM_LOG_STDOUT：是否输出到标准输出，默认 false；
//   - JSM_LOG_FILE_DIR：日志目录；
//   - JSM_LOG_FILE：日志文件名，留空表示不写文件；
//   - JSM_LOG_FORMAT：json 或 console，默认 console。
func (a *Application) initGlobalLoggerFromEnv() error {
	enabled := getenvBool("JSM_LOG_ENABLE", false)

	cfg := &zlog.Config{
		Level:               getenvDefault("JSM_LOG_LEVEL", "info"),
		Format:              getenvDefault("JSM_LOG_FORMAT", "console"),
		Stdout:              getenvBool("JSM_LOG_STDOUT", false),
		DisableErrorVerbose: true,
		File: zlog.FileLogConfig{
			RootPath: getenvDefault("JSM_LOG_FILE_DIR", ""),
			Filename: getenvDefault("JSM_LOG_FILE", ""),
		},
	}

	if !enabled {
		cfg.Stdout = false
		cfg.File.Filename = ""
	}

	logger, props, err := zlog.InitLogger(cfg, zap.Hooks(metrics.LoggingHook))
	if err != nil {
		return errors.Wrap(err, "init global logger from env")
	}
	zlog.ReplaceGlobals(logger, props)
	return nil
}

// initModuleLoggersFromConfig 根据 logging 配置段创建命名 Logger。
//
// 示例：
//
//	logging:
//	  jsm:
//	    level: debug
//	    stdout: true
//	    file:
//	      rootpath: ./logs
//	      filename: jsm.log
func (a *Application) initModuleLoggersFromConfig() error {
	if a.raw == nil {
		return nil
	}

	raw := make(map[string]zlog.Config)
	if err := a.raw.UnmarshalKey("logging", &raw); err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}

	a.loggers = make(map[string]*zlog.MLogger, len(raw))
	for name, lc := range raw {
		cfgCopy := lc
		logger, _, err := zlog.InitLogger(&cfgCopy, zap.Hooks(metrics.LoggingHook))
		if err != nil {
			return errors.Wrapf(err, "init module logger %q", name)
		}
		a.loggers[name] = &zlog.MLogger{Logger: logger.With(zlog.FieldModule(name))}
	}
	return nil
}

// initMetrics 注册指标并按需启动 /metrics 服务。
func (a *Application) initMetrics(ctx context.Context) error {
	if !a.cfg.Metrics.Enable {
		return nil
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(registry)
	metrics.RegisterLoggingMetrics(registry)
	a.registry = registry

	mux := http.NewServeMux()
	mux.Handle(a.cfg.Metrics.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	a.http = &http.Server{
		Addr:              a.cfg.Metrics.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger := zlog.Ctx(ctx)
	go func() {
		logger.Info("metrics server listening",
			zap.String("address", a.cfg.Metrics.Address),
			zap.String("path", a.cfg.Metrics.Path))
		if err := a.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()
	return nil
}

// initStore 按配置创建存储后端。
func (a *Application) initStore(ctx context.Context) error {
	xc := a.cfg.XDB
	switch strings.ToLower(xc.Backend) {
	case "", backendMemory:
		a.store = xdb.NewMemStore()
	case backendEtcd:
		if !xc.Embed {
			store, err := xdb.NewEtcdStore(xc.Etcd)
			if err != nil {
				return err
			}
			a.store = store
			break
		}
		if err := etcd.InitEtcdServer(true, xc.EmbedConfig, xc.DataDir, xc.EmbedLogPath, xc.EmbedLogLvl); err != nil {
			return err
		}
		cli, err := etcd.GetEmbedEtcdClient()
		if err != nil {
			return err
		}
		a.store = xdb.NewEtcdStoreWithClient(cli, xc.Etcd)
	default:
		return merr.WrapErrParameterInvalidMsg("unknown xdb backend %q", xc.Backend)
	}
	zlog.Ctx(ctx).Info("xdb backend ready", zap.String("backend", xc.Backend), zap.Bool("embed", xc.Embed))
	return nil
}

// initInstance 创建会话管理实例并加载参考模块。
func (a *Application) initInstance(ctx context.Context) error {
	tr := a.transport
	if tr == nil {
		tr = transport.NewLogging(nil)
	}
	inst, err := jsm.New(&a.cfg.JSM, a.store, tr)
	if err != nil {
		return err
	}
	if a.loggers != nil {
		if lg, ok := a.loggers["jsm"]; ok {
			inst.SetLogger(lg)
		}
	}
	err = inst.Load(mods.Default(mods.Options{
		HashCost:      a.cfg.Server.HashCost,
		ServerName:    a.cfg.Server.Name,
		ServerVersion: a.cfg.Server.Version,
	})...)
	if err == nil {
		err = inst.Start(ctx)
	}
	if err != nil {
		_ = inst.Shutdown(context.WithoutCancel(ctx))
		return err
	}
	a.inst = inst
	return nil
}

func getenvDefault(key, def string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	return val
}

func getenvBool(key string, def bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}
