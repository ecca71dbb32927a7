package jsm

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/atomic"
	"mellium.im/xmpp/jid"

	"github.com/lk2023060901/jsm-go/internal/xdb"
)

// AdminLevel 为用户的管理权限。
type AdminLevel int32

const (
	adminUnknown AdminLevel = iota
	AdminNone
	AdminRead
	AdminWrite
)

func (a AdminLevel) String() string {
	switch a {
	case AdminNone:
		return "none"
	case AdminRead:
		return "read"
	case AdminWrite:
		return "write"
	default:
		return "unknown"
	}
}

// User 为某个托管域上一个用户的内存记录。
//
// 说明：
//   - 记录只会被用户表的周期回收删除，且仅在 refs 为 0、会话列表为空、凭据未被撤销时删除；
//   - 会话列表与凭据缓存由 mu 保护。
type User struct {
	inst  *Instance
	table *userTable
	jid   *jid.JID

	mu       sync.Mutex
	sessions []*Session
	hash     string
	hasHash  bool
	// revoked 为 true 时记录常驻内存，存储中的口令摘要不会被重新加载。
	revoked bool

	// refs 为正在代表该用户执行、但不持有会话的异步任务数。
	refs atomic.Int32
	// scount 为尚未完成拆除的会话数。
	scount atomic.Int32
	admin  atomic.Int32

	// trusted 在第一次成功加载后缓存，由 mu 保护。
	trusted []*jid.JID
}

func newUser(inst *Instance, t *userTable, bare *jid.JID) *User {
	return &User{inst: inst, table: t, jid: bare}
}

// JID 返回用户的 bare 地址。
func (u *User) JID() *jid.JID {
	return u.jid
}

// Refs 返回当前引用计数。
func (u *User) Refs() int32 {
	return u.refs.Load()
}

// Sessions 返回当前会话列表的快照。
func (u *User) Sessions() []*Session {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]*Session(nil), u.sessions...)
}

// SessionCount 返回尚未拆除完毕的会话数。
func (u *User) SessionCount() int {
	return int(u.scount.Load())
}

// Session 按资源精确查找会话。
func (u *User) Session(resource string) *Session {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.sessionLocked(resource, false)
}

func (u *User) sessionLocked(resource string, prefix bool) *Session {
	for _, s := range u.sessions {
		if s.Resource() == resource {
			return s
		}
	}
	if !prefix {
		return nil
	}
	// 兼容旧式的部分资源寻址：取列表中第一个被目标资源延伸的会话。
	for _, s := range u.sessions {
		if r := s.Resource(); r != "" && strings.HasPrefix(resource, r) {
			return s
		}
	}
	return nil
}

// PrimarySession 返回优先级最高且不小于 0 的会话，没有时返回 nil。
func (u *User) PrimarySession() *Session {
	u.mu.Lock()
	defer u.mu.Unlock()
	var top *Session
	topPri := -1
	for _, s := range u.sessions {
		if pri := s.Priority(); pri >= 0 && pri > topPri {
			top, topPri = s, pri
		}
	}
	return top
}

// Credentials 返回缓存的口令摘要。
func (u *User) Credentials() (string, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.hash, u.hasHash
}

// SetCredentials 更新缓存的口令摘要，应在持久化成功之后调用。之前的撤销随之解除。
func (u *User) SetCredentials(hash string) {
	u.mu.Lock()
	u.hash, u.hasHash, u.revoked = hash, true, false
	u.mu.Unlock()
}

// RevokeCredentials 撤销口令认证，直到下一次 SetCredentials。
// 撤销期间记录不会被回收，存储中的旧摘要也就不会因重新加载而恢复。
func (u *User) RevokeCredentials() {
	u.mu.Lock()
	u.hash, u.hasHash, u.revoked = "", false, true
	u.mu.Unlock()
}

// Revoked 判断口令认证是否处于撤销状态。
func (u *User) Revoked() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.revoked
}

// ClearCredentials 清除缓存的口令摘要，之后的口令认证都会失败。
func (u *User) ClearCredentials() {
	u.mu.Lock()
	u.hash, u.hasHash = "", false
	u.mu.Unlock()
}

// AdminLevel 返回用户的管理权限，第一次查询时根据配置计算并缓存。
func (u *User) AdminLevel() AdminLevel {
	if lvl := AdminLevel(u.admin.Load()); lvl != adminUnknown {
		return lvl
	}
	lvl := u.inst.adminLevelOf(u.jid)
	u.admin.CompareAndSwap(int32(adminUnknown), int32(lvl))
	return AdminLevel(u.admin.Load())
}

// Trusted 返回用户信任的地址：自身以及花名册中对方可以看到其状态（from/both）的联系人。
// 结果在第一次成功加载后缓存。
func (u *User) Trusted(ctx context.Context) ([]*jid.JID, error) {
	u.mu.Lock()
	cached := u.trusted
	u.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	list, err := u.loadTrusted(ctx)
	if err != nil {
		return nil, err
	}
	u.mu.Lock()
	if u.trusted == nil {
		u.trusted = list
	}
	list = u.trusted
	u.mu.Unlock()
	return list, nil
}

// IsTrusted 判断 j 的 bare 地址是否在信任列表中。
func (u *User) IsTrusted(ctx context.Context, j *jid.JID) bool {
	if j == nil {
		return false
	}
	list, err := u.Trusted(ctx)
	if err != nil {
		return false
	}
	bare := j.Bare()
	for _, t := range list {
		if t.Equal(bare) {
			return true
		}
	}
	return false
}

func (u *User) loadTrusted(ctx context.Context) ([]*jid.JID, error) {
	list := []*jid.JID{u.jid}
	roster, err := xdb.LoadDoc[xdb.Roster](ctx, u.inst.store, u.jid, xdb.NSRoster)
	if err != nil {
		return nil, err
	}
	if roster == nil {
		return list, nil
	}
	for _, item := range roster.Items {
		if item.Subscription != "from" && item.Subscription != "both" {
			continue
		}
		j, err := jid.Parse(item.JID)
		if err != nil {
			continue
		}
		list = append(list, j.Bare())
	}
	return list, nil
}

// removeSessionLocked 将 s 从会话列表移除，调用方持有 u.mu。
func (u *User) removeSessionLocked(s *Session) {
	for idx, cur := range u.sessions {
		if cur == s {
			u.sessions = append(u.sessions[:idx], u.sessions[idx+1:]...)
			return
		}
	}
}
