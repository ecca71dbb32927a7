package jsm

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"mellium.im/xmpp/jid"

	"github.com/lk2023060901/jsm-go/internal/transport"
	"github.com/lk2023060901/jsm-go/internal/xdb"
	"github.com/lk2023060901/jsm-go/pkg/log"
	"github.com/lk2023060901/jsm-go/pkg/util/conc"
	"github.com/lk2023060901/jsm-go/pkg/util/merr"
	"github.com/lk2023060901/jsm-go/pkg/util/typeutil"
)

// Module 为扩展模块，Init 在实例启动前调用，负责登记监听器。
type Module interface {
	Name() string
	Init(i *Instance) error
}

// Instance 为一个会话管理实例：托管域目录、实例级监听链、工作协程池与配置。
//
// 说明：
//   - 实例级监听链应在 Start 之前通过 Load/RegisterServer 登记完毕；
//   - 所有异步任务共用同一个协程池，会话任务通过各自的串行队列保证顺序。
type Instance struct {
	log.Binder

	cfg       *Config
	store     xdb.Store
	transport transport.Transport
	pool      *conc.Pool

	mu    sync.RWMutex
	hosts map[string]*userTable

	chains [eventCount]chain

	routeMu sync.RWMutex
	routes  map[string]*Session

	authService *jid.JID
	adminRead   typeutil.StringSet
	adminWrite  typeutil.StringSet
	modules     *typeutil.ConcurrentSet[string]

	closed   atomic.Bool
	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	gcDone   chan struct{}
}

// New 创建实例并预先建立配置中托管域的用户表。
func New(cfg *Config, store xdb.Store, tr transport.Transport) (*Instance, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, merr.WrapErrParameterMissing("xdb store")
	}
	if tr == nil {
		return nil, merr.WrapErrParameterMissing("transport")
	}

	pool, err := conc.NewPool(cfg.Pool.Size,
		conc.WithName("jsm"),
		conc.WithNonBlocking(true),
		conc.WithConcealPanic(true),
		conc.WithExpiryDuration(cfg.Pool.Expiry),
	)
	if err != nil {
		return nil, err
	}

	i := &Instance{
		cfg:        cfg,
		store:      store,
		transport:  tr,
		pool:       pool,
		hosts:      make(map[string]*userTable, cfg.HostHint),
		routes:     make(map[string]*Session),
		adminRead:  typeutil.NewStringSet(),
		adminWrite: typeutil.NewStringSet(),
		modules:    typeutil.NewConcurrentSet[string](),
		stop:       make(chan struct{}),
		gcDone:     make(chan struct{}),
	}
	i.SetComponent("jsm")

	if cfg.AuthService != "" {
		i.authService = jid.MustParse(cfg.AuthService)
	}
	for _, a := range cfg.Admin.Read {
		i.adminRead.Insert(jid.MustParse(a).Bare().String())
	}
	for _, a := range cfg.Admin.Write {
		bare := jid.MustParse(a).Bare().String()
		i.adminWrite.Insert(bare)
		i.adminRead.Insert(bare)
	}
	for _, h := range cfg.Hosts {
		i.ensureHost(h)
	}
	return i, nil
}

// Config 返回实例配置，调用方不应修改。
func (i *Instance) Config() *Config { return i.cfg }

// Store 返回文档存储后端。
func (i *Instance) Store() xdb.Store { return i.store }

// Transport 返回接入层出口。
func (i *Instance) Transport() transport.Transport { return i.transport }

// Load 依次初始化模块，模块名不能重复。
func (i *Instance) Load(mods ...Module) error {
	for _, m := range mods {
		name := m.Name()
		if !i.modules.Insert(name) {
			return merr.WrapErrHandlerDuplicated(name)
		}
		if err := m.Init(i); err != nil {
			i.modules.TryRemove(name)
			return merr.Combine(merr.WrapErrHandlerInvalid(name), err)
		}
		i.Logger().Info("module loaded", log.FieldModule(name))
	}
	return nil
}

// Modules 返回已加载的模块名。
func (i *Instance) Modules() []string {
	return i.modules.Collect()
}

func errInvalidRegistration(e Event) error {
	return merr.WrapErrHandlerInvalid(e.String(), "nil handler or event out of range")
}

func normalizeHost(host string) string {
	return strings.ToLower(host)
}

// ensureHost 返回 host 的用户表，不存在时创建。
func (i *Instance) ensureHost(host string) *userTable {
	host = normalizeHost(host)
	i.mu.RLock()
	t, ok := i.hosts[host]
	i.mu.RUnlock()
	if ok {
		return t
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if t, ok = i.hosts[host]; ok {
		return t
	}
	t = newUserTable(i, host, i.cfg.UserHint)
	i.hosts[host] = t
	i.Logger().Info("host table created", zap.String("host", host))
	return t
}

// table 返回 host 的用户表，host 不在本实例托管时返回 nil。
func (i *Instance) table(host string) *userTable {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.hosts[normalizeHost(host)]
}

// Hosted 判断 host 是否由本实例托管。
func (i *Instance) Hosted(host string) bool {
	return i.table(host) != nil
}

// Hosts 返回当前托管的域。
func (i *Instance) Hosts() []string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	hosts := make([]string, 0, len(i.hosts))
	for h := range i.hosts {
		hosts = append(hosts, h)
	}
	return hosts
}

func (i *Instance) tables() []*userTable {
	i.mu.RLock()
	defer i.mu.RUnlock()
	tables := make([]*userTable, 0, len(i.hosts))
	for _, t := range i.hosts {
		tables = append(tables, t)
	}
	return tables
}

// ResolveUser 返回 j 所指用户的记录。
//
// 返回：
//   - 域不在本实例托管时返回 ErrHostNotFound；
//   - 地址没有用户部分时返回 ErrUserInvalid；
//   - 严格模式下账户不存在时返回 ErrUserNotFound。
func (i *Instance) ResolveUser(ctx context.Context, j *jid.JID) (*User, error) {
	if j == nil {
		return nil, merr.WrapErrUserInvalid("<nil>")
	}
	t := i.table(j.Domain().String())
	if t == nil {
		return nil, merr.WrapErrHostNotFound(j.Domain().String())
	}
	if j.Localpart() == "" {
		return nil, merr.WrapErrUserInvalid(j, "no user part")
	}
	u, err := t.acquire(ctx, j.Localpart(), i.cfg.RequireAccount)
	if err != nil {
		return nil, err
	}
	t.release(u)
	return u, nil
}

// LookupUser 只查找已在内存中的用户记录，不访问存储。
func (i *Instance) LookupUser(j *jid.JID) *User {
	if j == nil {
		return nil
	}
	t := i.table(j.Domain().String())
	if t == nil {
		return nil
	}
	return t.lookup(j.Localpart())
}

func (i *Instance) adminLevelOf(j *jid.JID) AdminLevel {
	bare := j.Bare().String()
	switch {
	case i.adminWrite.Contain(bare):
		return AdminWrite
	case i.adminRead.Contain(bare):
		return AdminRead
	default:
		return AdminNone
	}
}

func (i *Instance) addRoute(s *Session) {
	i.routeMu.Lock()
	i.routes[s.id] = s
	i.routeMu.Unlock()
}

func (i *Instance) removeRoute(s *Session) {
	i.routeMu.Lock()
	if i.routes[s.id] == s {
		delete(i.routes, s.id)
	}
	i.routeMu.Unlock()
}

// SessionByRoute 按路由 ID 查找会话，已经拆除完毕的会话查不到。
func (i *Instance) SessionByRoute(id string) *Session {
	i.routeMu.RLock()
	defer i.routeMu.RUnlock()
	return i.routes[id]
}

// SessionCount 返回尚未拆除完毕的会话数。
func (i *Instance) SessionCount() int {
	i.routeMu.RLock()
	defer i.routeMu.RUnlock()
	return len(i.routes)
}

func (i *Instance) sessions() []*Session {
	i.routeMu.RLock()
	defer i.routeMu.RUnlock()
	list := make([]*Session, 0, len(i.routes))
	for _, s := range i.routes {
		list = append(list, s)
	}
	return list
}

// Start 启动用户表的周期回收，重复调用没有效果。
func (i *Instance) Start(ctx context.Context) error {
	if i.closed.Load() {
		return merr.ErrServiceShutdown
	}
	if !i.started.CompareAndSwap(false, true) {
		return nil
	}
	go i.gcLoop(ctx)
	i.Logger().Info("jsm instance started",
		zap.Strings("hosts", i.Hosts()),
		zap.Duration("gcInterval", i.cfg.GCInterval),
		zap.Strings("modules", i.Modules()))
	return nil
}

func (i *Instance) gcLoop(ctx context.Context) {
	defer close(i.gcDone)
	ticker := time.NewTicker(i.cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-i.stop:
			return
		case <-ticker.C:
			i.GarbageCollect()
		}
	}
}

// GarbageCollect 回收所有域中没有引用且没有会话的用户记录，返回回收数量。
func (i *Instance) GarbageCollect() int {
	collected := 0
	for _, t := range i.tables() {
		collected += t.sweep()
	}
	return collected
}

// Shutdown 关闭实例。
//
// 说明：
//   - 先分发 EventShutdown，再以 "server shutdown" 终止所有会话；
//   - 等待会话拆除完毕或 ctx 结束，之后释放协程池。
func (i *Instance) Shutdown(ctx context.Context) error {
	if !i.closed.CompareAndSwap(false, true) {
		return nil
	}
	i.Logger().Info("jsm instance shutting down", zap.Int("sessions", i.SessionCount()))
	i.callAll(ctx, EventShutdown, nil, nil, nil)

	i.stopOnce.Do(func() { close(i.stop) })
	if i.started.Load() {
		<-i.gcDone
	}

	for _, s := range i.sessions() {
		s.Terminate("server shutdown")
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	var err error
	for i.SessionCount() > 0 {
		select {
		case <-ctx.Done():
			err = ctx.Err()
			i.Logger().Warn("jsm shutdown timed out", zap.Int("sessions", i.SessionCount()))
		case <-ticker.C:
			continue
		}
		break
	}
	i.pool.Release()
	i.Logger().Info("jsm instance stopped")
	return err
}

// UserCount 返回所有域中在内存中的用户记录数。
func (i *Instance) UserCount() int {
	n := 0
	for _, t := range i.tables() {
		n += t.len()
	}
	return n
}
