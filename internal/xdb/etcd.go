package xdb

import (
	"context"
	"path"
	"time"

	"github.com/cockroachdb/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"mellium.im/xmpp/jid"

	"github.com/lk2023060901/jsm-go/pkg/log"
	"github.com/lk2023060901/jsm-go/pkg/metrics"
	"github.com/lk2023060901/jsm-go/pkg/util/merr"
	"github.com/lk2023060901/jsm-go/pkg/util/retry"
)

const (
	defaultEtcdPrefix      = "/jsm/xdb"
	defaultEtcdDialTimeout = 5 * time.Second
	defaultEtcdOpTimeout   = 3 * time.Second
)

// EtcdConfig 为 etcd 后端配置。
type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	Prefix      string        `mapstructure:"prefix"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	OpTimeout   time.Duration `mapstructure:"op_timeout"`
}

// EtcdStore 将文档保存在 etcd 中，键为 <prefix>/<ns>/<bare jid>。
// Act 通过比较 ModRevision 的事务实现乐观并发，冲突时按指数退避重试。
type EtcdStore struct {
	cli       *clientv3.Client
	prefix    string
	opTimeout time.Duration
	ownClient bool
}

var _ Store = (*EtcdStore)(nil)

// NewEtcdStore 连接 cfg.Endpoints 指定的 etcd 集群。
func NewEtcdStore(cfg EtcdConfig) (*EtcdStore, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, merr.WrapErrParameterMissing("xdb.etcd.endpoints")
	}
	dial := cfg.DialTimeout
	if dial <= 0 {
		dial = defaultEtcdDialTimeout
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dial,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect etcd")
	}
	s := NewEtcdStoreWithClient(cli, cfg)
	s.ownClient = true
	return s, nil
}

// NewEtcdStoreWithClient 复用已有客户端（例如嵌入式 etcd 的客户端）。
func NewEtcdStoreWithClient(cli *clientv3.Client, cfg EtcdConfig) *EtcdStore {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultEtcdPrefix
	}
	op := cfg.OpTimeout
	if op <= 0 {
		op = defaultEtcdOpTimeout
	}
	return &EtcdStore{cli: cli, prefix: prefix, opTimeout: op}
}

func (e *EtcdStore) path(owner *jid.JID, ns string) string {
	return path.Join(e.prefix, ns, owner.Bare().String())
}

func (e *EtcdStore) Get(ctx context.Context, owner *jid.JID, ns string) ([]byte, error) {
	if owner == nil {
		return nil, merr.WrapErrParameterMissing("owner")
	}
	ctx, cancel := context.WithTimeout(ctx, e.opTimeout)
	defer cancel()

	k := e.path(owner, ns)
	resp, err := e.cli.Get(ctx, k)
	if err != nil {
		metrics.XDBOps.WithLabelValues("get", metrics.FailLabel).Inc()
		return nil, merr.WrapErrStorageFailed(k, err)
	}
	metrics.XDBOps.WithLabelValues("get", metrics.SuccessLabel).Inc()
	if len(resp.Kvs) == 0 {
		return nil, nil
	}
	return resp.Kvs[0].Value, nil
}

func (e *EtcdStore) Set(ctx context.Context, owner *jid.JID, ns string, doc []byte) error {
	if owner == nil {
		return merr.WrapErrParameterMissing("owner")
	}
	ctx, cancel := context.WithTimeout(ctx, e.opTimeout)
	defer cancel()

	k := e.path(owner, ns)
	var err error
	if doc == nil {
		_, err = e.cli.Delete(ctx, k)
	} else {
		_, err = e.cli.Put(ctx, k, string(doc))
	}
	if err != nil {
		metrics.XDBOps.WithLabelValues("set", metrics.FailLabel).Inc()
		return merr.WrapErrStorageFailed(k, err)
	}
	metrics.XDBOps.WithLabelValues("set", metrics.SuccessLabel).Inc()
	return nil
}

func (e *EtcdStore) Act(ctx context.Context, owner *jid.JID, ns string, k string, item []byte) error {
	if owner == nil {
		return merr.WrapErrParameterMissing("owner")
	}
	p := e.path(owner, ns)
	err := retry.Do(ctx, func() error {
		return e.actOnce(ctx, p, k, item)
	}, retry.Attempts(10), retry.Sleep(20*time.Millisecond), retry.RetryErr(func(err error) bool {
		return errors.Is(err, merr.ErrStorageConflict)
	}))
	if err != nil {
		metrics.XDBOps.WithLabelValues("act", metrics.FailLabel).Inc()
		log.Ctx(ctx).Warn("xdb act failed", zap.String("key", p), zap.Error(err))
		return err
	}
	metrics.XDBOps.WithLabelValues("act", metrics.SuccessLabel).Inc()
	return nil
}

func (e *EtcdStore) actOnce(ctx context.Context, p, k string, item []byte) error {
	ctx, cancel := context.WithTimeout(ctx, e.opTimeout)
	defer cancel()

	resp, err := e.cli.Get(ctx, p)
	if err != nil {
		return merr.WrapErrStorageFailed(p, err)
	}
	var (
		cur []byte
		rev int64
	)
	if len(resp.Kvs) > 0 {
		cur = resp.Kvs[0].Value
		rev = resp.Kvs[0].ModRevision
	}
	doc, err := mergeItem(cur, k, item)
	if err != nil {
		return retry.Unrecoverable(merr.WrapErrStorageFailed(p, err))
	}

	var op clientv3.Op
	if doc == nil {
		op = clientv3.OpDelete(p)
	} else {
		op = clientv3.OpPut(p, string(doc))
	}
	txn, err := e.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(p), "=", rev)).
		Then(op).
		Commit()
	if err != nil {
		return merr.WrapErrStorageFailed(p, err)
	}
	if !txn.Succeeded {
		return merr.WrapErrStorageConflict(p)
	}
	return nil
}

func (e *EtcdStore) Close() error {
	if e.ownClient {
		return e.cli.Close()
	}
	return nil
}
