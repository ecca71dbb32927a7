package etcd

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/server/v3/embed"
	"go.etcd.io/etcd/server/v3/etcdserver/api/v3client"
	"go.uber.org/zap"

	"github.com/lk2023060901/jsm-go/pkg/log"
)

// defaultReadyTimeout 为等待嵌入式 etcd 就绪的最长时间。
const defaultReadyTimeout = time.Minute

// EtcdServer 是嵌入式 etcd 服务的单例实例。
var (
	initOnce   sync.Once
	closeOnce  sync.Once
	etcdServer *embed.Etcd
)

// GetEmbedEtcdClient 返回嵌入式 etcd 服务对应的 v3 客户端。
func GetEmbedEtcdClient() (*clientv3.Client, error) {
	if etcdServer == nil {
		return nil, errors.New("embedded etcd server is not started")
	}
	return v3client.New(etcdServer.Server), nil
}

// InitEtcdServer 初始化嵌入式 etcd 单例服务，并等待其可以对外服务。
//
// 参数：
//   - useEmbedEtcd：为 false 时直接返回，使用外部 etcd。
//   - configPath：etcd 配置文件路径，留空表示使用默认配置。
//   - dataDir：数据目录。
//   - logPath：etcd 自身日志输出位置，例如 "stderr" 或文件路径。
//   - logLevel：etcd 自身日志级别。
func InitEtcdServer(
	useEmbedEtcd bool,
	configPath string,
	dataDir string,
	logPath string,
	logLevel string,
) error {
	if !useEmbedEtcd {
		return nil
	}
	var initError error
	initOnce.Do(func() {
		var cfg *embed.Config
		if len(configPath) > 0 {
			cfgFromFile, err := embed.ConfigFromFile(configPath)
			if err != nil {
				initError = errors.Wrapf(err, "failed to load etcd config %s", configPath)
				return
			}
			cfg = cfgFromFile
		} else {
			cfg = embed.NewConfig()
		}
		cfg.Dir = dataDir
		if logPath != "" {
			cfg.LogOutputs = []string{logPath}
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		e, err := embed.StartEtcd(cfg)
		if err != nil {
			log.Error("failed to init embedded Etcd server", zap.Error(err))
			initError = err
			return
		}
		select {
		case <-e.Server.ReadyNotify():
		case <-time.After(defaultReadyTimeout):
			e.Close()
			initError = errors.New("embedded etcd server took too long to start")
			return
		}
		etcdServer = e
		log.Info("finish init Etcd config", zap.String("path", configPath), zap.String("data", dataDir))
	})
	return initError
}

func HasServer() bool {
	return etcdServer != nil
}

// StopEtcdServer stops embedded etcd server singleton.
func StopEtcdServer() {
	if etcdServer != nil {
		closeOnce.Do(func() {
			etcdServer.Close()
		})
	}
}
