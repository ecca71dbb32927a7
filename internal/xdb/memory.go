package xdb

import (
	"context"
	"slices"
	"sync"

	"mellium.im/xmpp/jid"

	"github.com/lk2023060901/jsm-go/pkg/metrics"
	"github.com/lk2023060901/jsm-go/pkg/util/merr"
)

// MemStore 为进程内存储，主要用于测试与单机演示。
type MemStore struct {
	mu   sync.RWMutex
	docs map[string][]byte

	// failWrites/failReads 不为 nil 时对应操作返回该错误，用于模拟存储故障。
	failWrites error
	failReads  error
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{docs: make(map[string][]byte)}
}

func (m *MemStore) Get(ctx context.Context, owner *jid.JID, ns string) ([]byte, error) {
	if err := m.check(ctx, owner); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failReads != nil {
		metrics.XDBOps.WithLabelValues("get", metrics.FailLabel).Inc()
		return nil, merr.WrapErrStorageFailed(key(owner, ns), m.failReads)
	}
	metrics.XDBOps.WithLabelValues("get", metrics.SuccessLabel).Inc()
	return slices.Clone(m.docs[key(owner, ns)]), nil
}

func (m *MemStore) Set(ctx context.Context, owner *jid.JID, ns string, doc []byte) error {
	if err := m.check(ctx, owner); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrites != nil {
		metrics.XDBOps.WithLabelValues("set", metrics.FailLabel).Inc()
		return merr.WrapErrStorageFailed(key(owner, ns), m.failWrites)
	}
	if doc == nil {
		delete(m.docs, key(owner, ns))
	} else {
		m.docs[key(owner, ns)] = slices.Clone(doc)
	}
	metrics.XDBOps.WithLabelValues("set", metrics.SuccessLabel).Inc()
	return nil
}

func (m *MemStore) Act(ctx context.Context, owner *jid.JID, ns string, k string, item []byte) error {
	if err := m.check(ctx, owner); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrites != nil {
		metrics.XDBOps.WithLabelValues("act", metrics.FailLabel).Inc()
		return merr.WrapErrStorageFailed(key(owner, ns), m.failWrites)
	}
	doc, err := mergeItem(m.docs[key(owner, ns)], k, item)
	if err != nil {
		metrics.XDBOps.WithLabelValues("act", metrics.FailLabel).Inc()
		return merr.WrapErrStorageFailed(key(owner, ns), err)
	}
	if doc == nil {
		delete(m.docs, key(owner, ns))
	} else {
		m.docs[key(owner, ns)] = doc
	}
	metrics.XDBOps.WithLabelValues("act", metrics.SuccessLabel).Inc()
	return nil
}

// FailWrites 让后续写操作返回 err；传入 nil 恢复正常。
func (m *MemStore) FailWrites(err error) {
	m.mu.Lock()
	m.failWrites = err
	m.mu.Unlock()
}

// FailReads 让后续读操作返回 err；传入 nil 恢复正常。
func (m *MemStore) FailReads(err error) {
	m.mu.Lock()
	m.failReads = err
	m.mu.Unlock()
}

func (m *MemStore) Close() error {
	return nil
}

func (m *MemStore) check(ctx context.Context, owner *jid.JID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if owner == nil {
		return merr.WrapErrParameterMissing("owner")
	}
	return nil
}
