package jsm

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"mellium.im/xmpp/jid"

	"github.com/lk2023060901/jsm-go/internal/xdb"
	"github.com/lk2023060901/jsm-go/pkg/metrics"
	"github.com/lk2023060901/jsm-go/pkg/util/merr"
)

// userTable 为单个托管域的用户表，键为规范化后的用户部分。
type userTable struct {
	host string
	inst *Instance

	mu    sync.Mutex
	users map[string]*User
	group singleflight.Group
}

func newUserTable(inst *Instance, host string, hint int) *userTable {
	return &userTable{
		host:  host,
		inst:  inst,
		users: make(map[string]*User, hint),
	}
}

func normalizeLocal(lp string) string {
	return strings.ToLower(lp)
}

// acquire 取得 lp 对应的用户记录并持有一个引用，调用方用完后必须 release。
//
// 说明：
//   - 记录不存在时在不持锁的情况下读取认证文档，同一用户的并发加载合并为一次；
//   - mustExist 为 true 且没有认证文档时返回 ErrUserNotFound，不创建记录；
//   - 引用在表锁内增加，回收不会与之交错。
func (t *userTable) acquire(ctx context.Context, lp string, mustExist bool) (*User, error) {
	lp = normalizeLocal(lp)
	if lp == "" {
		return nil, merr.WrapErrUserInvalid(t.host, "empty localpart")
	}
	if u := t.get(lp); u != nil {
		return u, nil
	}

	key := lp
	if mustExist {
		// 严格与宽松加载的结果不同，不能合并。
		key = "!" + lp
	}
	for {
		_, err, _ := t.group.Do(key, func() (any, error) {
			return nil, t.load(ctx, lp, mustExist)
		})
		if err != nil {
			return nil, err
		}
		if u := t.get(lp); u != nil {
			return u, nil
		}
		// 加载完成后、取引用之前被回收，重新加载。
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

func (t *userTable) get(lp string) *User {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.users[lp]
	if !ok {
		return nil
	}
	u.refs.Inc()
	return u
}

// load 读取认证文档并插入新记录；记录已存在时不做任何事。
func (t *userTable) load(ctx context.Context, lp string, mustExist bool) error {
	t.mu.Lock()
	_, ok := t.users[lp]
	t.mu.Unlock()
	if ok {
		return nil
	}

	bare, err := jid.New(lp, t.host, "")
	if err != nil {
		return merr.WrapErrUserInvalid(lp, err.Error())
	}
	auth, err := xdb.LoadDoc[xdb.Auth](ctx, t.inst.store, bare, xdb.NSAuth)
	if err != nil {
		return err
	}
	if auth == nil && mustExist {
		return merr.WrapErrUserNotFound(bare.String())
	}

	u := newUser(t.inst, t, bare)
	if auth != nil && auth.Hash != "" {
		u.hash, u.hasHash = auth.Hash, true
	}

	t.mu.Lock()
	if _, ok := t.users[lp]; !ok {
		t.users[lp] = u
		metrics.UsersCached.WithLabelValues(t.host).Set(float64(len(t.users)))
	}
	t.mu.Unlock()
	return nil
}

func (t *userTable) release(u *User) {
	if u != nil {
		u.refs.Dec()
	}
}

// lookup 只查找已经在内存中的记录，不增加引用。
func (t *userTable) lookup(lp string) *User {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.users[normalizeLocal(lp)]
}

// sweep 删除没有引用、没有会话且凭据未被撤销的记录，返回删除数量。
func (t *userTable) sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	collected := 0
	for lp, u := range t.users {
		u.mu.Lock()
		idle := !u.revoked && u.refs.Load() == 0 && len(u.sessions) == 0 && u.scount.Load() == 0
		u.mu.Unlock()
		if !idle {
			continue
		}
		delete(t.users, lp)
		collected++
	}
	if collected > 0 {
		metrics.GCCollected.WithLabelValues(t.host).Add(float64(collected))
		t.inst.Logger().Debug("user table swept",
			zap.String("host", t.host),
			zap.Int("collected", collected),
			zap.Int("remaining", len(t.users)))
	}
	metrics.UsersCached.WithLabelValues(t.host).Set(float64(len(t.users)))
	return collected
}

func (t *userTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.users)
}
