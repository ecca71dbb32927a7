package jsm

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/lk2023060901/jsm-go/internal/packet"
	"github.com/lk2023060901/jsm-go/pkg/log"
	"github.com/lk2023060901/jsm-go/pkg/metrics"
	"github.com/lk2023060901/jsm-go/pkg/util/merr"
)

// SessionState 为会话所处的生命周期阶段。
type SessionState int32

const (
	StateCreating SessionState = iota
	StateActive
	StateEnding
	StateGone
)

func (s SessionState) String() string {
	switch s {
	case StateCreating:
		return "creating"
	case StateActive:
		return "active"
	case StateEnding:
		return "ending"
	case StateGone:
		return "gone"
	default:
		return "invalid"
	}
}

const (
	// terminatedPriority 为会话结束后强制设置的优先级，低于协议允许的最小值。
	terminatedPriority = -129
	// pendingPriority 为会话尚未发出可用 presence 时的优先级。
	pendingPriority = -1

	minPriority = -128
	maxPriority = 127
)

// Session 为用户的一个已连接资源。
//
// 说明：
//   - 会话的所有任务都在其私有的串行队列上执行，同一会话的任务不会并发；
//   - exit 标志只会被设置一次，设置后新到的报文按重投/丢弃规则处理；
//   - 会话级监听链只在 EventSession 分发期间（或其后的会话任务中）追加。
type Session struct {
	inst  *Instance
	owner *User
	ctx   context.Context

	id     string
	route  *jid.JID
	jid    *jid.JID
	remote atomic.Pointer[jid.JID]

	presence atomic.Pointer[packet.Packet]
	priority atomic.Int32

	chains [sessionEventCount]chain
	queue  *serialQueue

	exit  atomic.Bool
	state atomic.Int32

	cIn       atomic.Uint64
	cOut      atomic.Uint64
	startedAt atomic.Time
}

// ID 返回会话的路由 ID。
func (s *Session) ID() string { return s.id }

// Route 返回接入层用来寻址该会话的内部路由地址（id@host）。
func (s *Session) Route() *jid.JID { return s.route }

// JID 返回会话的完整地址。
func (s *Session) JID() *jid.JID { return s.jid }

// Resource 返回会话的资源部分。
func (s *Session) Resource() string { return s.jid.Resourcepart() }

// Owner 返回会话所属的用户。
func (s *Session) Owner() *User { return s.owner }

// Remote 返回接入层为该会话登记的地址，接入层断开后为 nil。
func (s *Session) Remote() *jid.JID { return s.remote.Load() }

// State 返回会话当前所处的阶段。
func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

// Exited 判断会话是否已经开始拆除。
func (s *Session) Exited() bool { return s.exit.Load() }

// Priority 返回当前优先级，负数表示不接收消息。
func (s *Session) Priority() int { return int(s.priority.Load()) }

// Presence 返回最近一次发出的 presence 的副本。
func (s *Session) Presence() *packet.Packet { return s.presence.Load().Clone() }

// Counters 返回送入与发出的报文数。
func (s *Session) Counters() (in, out uint64) { return s.cIn.Load(), s.cOut.Load() }

// StartedAt 返回会话进入 ACTIVE 的时间。
func (s *Session) StartedAt() time.Time { return s.startedAt.Load() }

// SetPresence 更新会话的 presence 缓存与优先级，只应在会话自己的任务中调用。
func (s *Session) SetPresence(p *packet.Packet) {
	if p == nil || s.exit.Load() {
		return
	}
	c := p.Clone()
	s.presence.Store(c)
	if c.IsAvailable() {
		s.priority.Store(clampPriority(c.Priority))
	} else {
		s.priority.Store(pendingPriority)
	}
}

// clampPriority 将 presence 中的优先级限制在 -128..127。
func clampPriority(p int) int32 {
	switch {
	case p < minPriority:
		return minPriority
	case p > maxPriority:
		return maxPriority
	default:
		return int32(p)
	}
}

func (s *Session) chain(e Event) *chain {
	return &s.chains[e-EventIn]
}

// RegisterSession 在会话级事件 e 的监听链末尾登记 h。
func (s *Session) RegisterSession(e Event, h Handler, arg any) error {
	if h == nil || !e.SessionScoped() {
		return errInvalidRegistration(e)
	}
	s.chain(e).add(h, arg)
	return nil
}

func (s *Session) logger() *log.MLogger {
	return log.Ctx(s.ctx)
}

func unavailablePresence(from *jid.JID, status string) *packet.Packet {
	p := packet.NewPresence(from, nil, stanza.UnavailablePresence)
	p.Status = status
	return p
}

// CreateSession 为 to（user@host/resource）建立新会话，remote 为接入层的会话标识。
//
// 说明：
//   - 同一资源上已有的会话会先被终止并解除链接；
//   - 返回的会话已经链接到用户上，EventSession 的分发排在会话队列的第一个任务。
func (i *Instance) CreateSession(ctx context.Context, to, remote *jid.JID) (*Session, error) {
	if i.closed.Load() {
		return nil, merr.ErrServiceShutdown
	}
	if to == nil || to.Localpart() == "" || to.Resourcepart() == "" {
		return nil, merr.WrapErrUserInvalid(to, "session needs a user and a resource")
	}
	if remote == nil {
		return nil, merr.WrapErrParameterMissing("remote session id")
	}
	t := i.table(to.Domain().String())
	if t == nil {
		return nil, merr.WrapErrHostNotFound(to.Domainpart())
	}
	u, err := t.acquire(ctx, to.Localpart(), i.cfg.RequireAccount)
	if err != nil {
		return nil, err
	}
	defer t.release(u)

	full, err := u.jid.WithResource(to.Resourcepart())
	if err != nil {
		return nil, merr.WrapErrUserInvalid(to, err.Error())
	}
	id := uuid.NewString()
	route, err := jid.New(id, u.jid.Domainpart(), "")
	if err != nil {
		return nil, merr.WrapErrServiceInternal(err.Error())
	}

	s := &Session{
		inst:  i,
		owner: u,
		id:    id,
		route: route,
		jid:   full,
		queue: newSerialQueue(i.pool),
	}
	s.ctx = log.WithFields(context.WithoutCancel(ctx), log.FieldSession(id), log.FieldJID(s.jid))
	s.remote.Store(remote.Copy())
	s.priority.Store(pendingPriority)
	s.presence.Store(unavailablePresence(s.jid, ""))

	u.mu.Lock()
	if old := u.sessionLocked(s.Resource(), false); old != nil {
		old.terminateLocked("replaced by new session")
	}
	u.sessions = append(u.sessions, s)
	u.scount.Inc()
	u.mu.Unlock()

	i.addRoute(s)
	metrics.SessionsTotal.WithLabelValues(t.host, metrics.SuccessLabel).Inc()
	s.queue.push(s.start)
	return s, nil
}

func (s *Session) start() {
	if !s.state.CompareAndSwap(int32(StateCreating), int32(StateActive)) {
		return
	}
	s.startedAt.Store(time.Now())
	metrics.SessionsActive.WithLabelValues(s.owner.table.host).Inc()
	s.logger().Info("session started", zap.Stringer("remote", s.Remote()))
	s.inst.callAll(s.ctx, EventSession, nil, s.owner, s)
}

// Terminate 开始拆除会话，重复调用没有效果。
func (s *Session) Terminate(reason string) {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	s.terminateLocked(reason)
}

// terminateLocked 在持有 owner.mu 时执行终止，拆除任务排到会话队列末尾。
func (s *Session) terminateLocked(reason string) {
	if !s.exit.CompareAndSwap(false, true) {
		return
	}
	s.priority.Store(terminatedPriority)
	if p := s.presence.Load(); p == nil || !p.IsUnavailable() {
		s.presence.Store(unavailablePresence(s.jid, reason))
	}
	s.owner.removeSessionLocked(s)
	s.owner.refs.Inc()
	s.state.Store(int32(StateEnding))
	s.logger().Info("session terminating", zap.String("reason", reason))
	s.queue.push(s.teardown)
}

func (s *Session) teardown() {
	u := s.owner
	u.scount.Dec()

	if remote := s.remote.Swap(nil); remote != nil {
		p := s.presence.Load()
		r := (&packet.Route{Kind: packet.RouteError, To: remote, From: s.route}).Fail(stanza.Gone, p.Status)
		if err := s.inst.transport.Route(s.ctx, r); err != nil {
			s.logger().Warn("failed to withdraw session route", zap.Error(err))
		}
	}
	s.inst.callAll(s.ctx, EventEnd, nil, u, s)
	u.refs.Dec()

	if !s.startedAt.Load().IsZero() {
		metrics.SessionsActive.WithLabelValues(u.table.host).Dec()
	}
	s.state.Store(int32(StateGone))
	s.inst.removeRoute(s)
	in, out := s.Counters()
	s.logger().Info("session ended", zap.Uint64("in", in), zap.Uint64("out", out))
}

// RouteTo 将报文（系统到用户方向）排入会话队列。
func (s *Session) RouteTo(p *packet.Packet) {
	s.queue.push(func() { s.processTo(p) })
}

// RouteFrom 将会话发出的报文（用户到系统方向）排入会话队列。
func (s *Session) RouteFrom(p *packet.Packet) {
	s.queue.push(func() { s.processFrom(p) })
}

func (s *Session) processTo(p *packet.Packet) {
	if s.exit.Load() {
		s.redirect(p)
		return
	}
	s.cIn.Inc()
	metrics.PacketsTotal.WithLabelValues(metrics.DirectionIn).Inc()
	if s.inst.callAll(s.ctx, EventIn, p, s.owner, s) {
		return
	}
	if s.exit.Load() {
		s.redirect(p)
		return
	}
	remote := s.remote.Load()
	if remote == nil {
		s.logger().Debug("no remote for session, packet dropped", zap.Stringer("packet", p))
		return
	}
	r := &packet.Route{Kind: packet.RouteNone, To: remote, From: s.route, Packet: p}
	if err := s.inst.transport.Route(s.ctx, r); err != nil {
		s.logger().RatedWarn(1, "failed to route packet to session", zap.Error(err))
	}
}

// redirect 处理会话结束后才到达的报文：消息重新投递，其余丢弃。
func (s *Session) redirect(p *packet.Packet) {
	if p.Type != packet.TypeMessage {
		return
	}
	if err := s.inst.Deliver(s.ctx, p); err != nil {
		s.logger().Debug("redirect after session end failed", zap.Error(err))
	}
}

func (s *Session) processFrom(p *packet.Packet) {
	if s.exit.Load() {
		return
	}
	if p.Type == packet.TypeUnknown {
		p.MakeError(stanza.BadRequest)
		p.To = s.jid.Copy()
		s.RouteTo(p)
		return
	}
	s.cOut.Inc()
	metrics.PacketsTotal.WithLabelValues(metrics.DirectionOut).Inc()

	if !s.jid.Equal(p.From) {
		p.From = s.jid.Copy()
	}
	bare := s.owner.jid
	if bare.Equal(p.To) {
		p.To = nil
	}
	if s.inst.callAll(s.ctx, EventOut, p, s.owner, s) {
		return
	}
	if p.To == nil {
		p.To = bare.Copy()
	}
	if err := s.inst.Deliver(s.ctx, p); err != nil {
		s.logger().Debug("deliver from session failed", zap.Error(err))
	}
}
