package jsm

import (
	"context"

	"go.uber.org/zap"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/lk2023060901/jsm-go/internal/packet"
	"github.com/lk2023060901/jsm-go/pkg/log"
	"github.com/lk2023060901/jsm-go/pkg/metrics"
	"github.com/lk2023060901/jsm-go/pkg/util/merr"
)

const invalidSessionText = "invalid session"

// HandleRoute 处理接入层送来的路由封装。
//
// 说明：
//   - session：建立会话，成功后把新会话的路由地址回给接入层，失败时回错误封装；
//   - auth：配置了外部认证服务时原样转发，否则交给认证任务；
//   - error：终止对应会话；没有资源时终止该用户的全部会话并清除口令缓存；
//   - 其余为会话发出的数据，找不到会话时回 invalid session 错误封装。
func (i *Instance) HandleRoute(ctx context.Context, r *packet.Route) error {
	if r == nil || r.To == nil {
		return merr.WrapErrPacketMalformed("route without destination")
	}
	if i.closed.Load() {
		return merr.ErrServiceShutdown
	}
	t := i.ensureHost(r.To.Domainpart())
	ctx = log.WithFields(ctx, zap.String("route", string(r.Kind)), log.FieldJID(r.To))

	switch r.Kind {
	case packet.RouteSession:
		return i.handleSessionRoute(ctx, r)
	case packet.RouteAuth:
		return i.handleAuthRoute(ctx, t, r)
	case packet.RouteError:
		i.handleErrorRoute(ctx, t, r)
		return nil
	default:
		return i.handleDataRoute(ctx, t, r)
	}
}

func (i *Instance) handleSessionRoute(ctx context.Context, r *packet.Route) error {
	s, err := i.CreateSession(ctx, r.To, r.From)
	reply := r.Reply()
	if err != nil {
		log.Ctx(ctx).Info("session establishment failed", zap.Error(err))
		metrics.SessionsTotal.WithLabelValues(normalizeHost(r.To.Domain().String()), metrics.FailLabel).Inc()
		if r.From == nil {
			return err
		}
		reply.Fail(merr.Condition(err), err.Error())
		return merr.Combine(err, i.transport.Route(ctx, reply))
	}
	reply.From = s.Route().Copy()
	return i.transport.Route(ctx, reply)
}

func (i *Instance) handleAuthRoute(ctx context.Context, t *userTable, r *packet.Route) error {
	if r.Packet == nil || r.Packet.Type != packet.TypeIQ {
		return merr.WrapErrPacketMalformed("auth route without iq")
	}
	if i.authService != nil {
		fwd := r.Clone()
		fwd.To = i.authService.Copy()
		return i.transport.Route(ctx, fwd)
	}
	ctx = context.WithoutCancel(ctx)
	submit(i.pool, func() { i.authenticate(ctx, t, r) })
	return nil
}

// authenticate 执行认证/注册请求，回复以 auth 封装送回接入层。
func (i *Instance) authenticate(ctx context.Context, t *userTable, r *packet.Route) {
	p := r.Packet
	e := EventAuth
	if p.Namespace() == packet.NSRegister {
		e = EventRegister
	}

	var u *User
	if lp := r.To.Localpart(); lp != "" {
		// 注册请求允许为尚不存在的账户建立记录。
		var err error
		u, err = t.acquire(ctx, lp, i.cfg.RequireAccount && e == EventAuth)
		if err != nil {
			log.Ctx(ctx).Debug("auth request for unknown user", zap.Error(err))
		} else {
			defer t.release(u)
		}
	}

	if u == nil || !i.callAll(ctx, e, p, u, nil) {
		cond := stanza.FeatureNotImplemented
		if e == EventAuth && p.Subtype == packet.SubtypeSet {
			cond = stanza.NotAuthorized
		}
		p.MakeError(cond)
	}

	reply := r.Reply()
	reply.Kind = packet.RouteAuth
	reply.Packet = p
	if err := i.transport.Route(ctx, reply); err != nil {
		log.Ctx(ctx).Warn("failed to route auth reply", zap.Error(err))
	}
}

func (i *Instance) handleErrorRoute(ctx context.Context, t *userTable, r *packet.Route) {
	if s := i.SessionByRoute(r.To.Localpart()); s != nil {
		s.remote.Store(nil)
		s.Terminate("disconnected")
		return
	}
	u := t.lookup(r.To.Localpart())
	if u == nil {
		return
	}

	if res := r.To.Resourcepart(); res != "" {
		if s := u.Session(res); s != nil {
			s.remote.Store(nil)
			s.Terminate("disconnected")
		}
		return
	}

	// 没有资源：将该用户全部下线，并撤销口令认证。
	u.mu.Lock()
	for _, s := range append([]*Session(nil), u.sessions...) {
		s.terminateLocked("kicked")
	}
	u.mu.Unlock()
	u.RevokeCredentials()
	log.Ctx(ctx).Warn("user kicked by error route", log.FieldJID(u.jid))
}

func (i *Instance) handleDataRoute(ctx context.Context, t *userTable, r *packet.Route) error {
	var s *Session
	if s = i.SessionByRoute(r.To.Localpart()); s == nil {
		if u := t.lookup(r.To.Localpart()); u != nil && r.To.Resourcepart() != "" {
			s = u.Session(r.To.Resourcepart())
		}
	}
	if s == nil || s.Exited() {
		id := r.To.String()
		if r.From != nil {
			reply := r.Reply().Fail(stanza.ItemNotFound, invalidSessionText)
			reply.Packet = nil
			if err := i.transport.Route(ctx, reply); err != nil {
				log.Ctx(ctx).Warn("failed to route invalid session reply", zap.Error(err))
			}
		}
		return merr.WrapErrSessionNotFound(id)
	}
	if r.Packet == nil {
		return merr.WrapErrPacketMalformed("data route without packet")
	}
	s.RouteFrom(r.Packet)
	return nil
}

// HandlePacket 处理不带路由封装的报文（来自其他服务器），直接本地投递。
func (i *Instance) HandlePacket(ctx context.Context, p *packet.Packet) error {
	if p == nil {
		return merr.WrapErrPacketMalformed("nil packet")
	}
	if i.closed.Load() {
		return merr.ErrServiceShutdown
	}
	if p.To == nil {
		i.Bounce(ctx, p, stanza.BadRequest)
		return merr.ErrPacketNoRecipient
	}
	if p.From == nil {
		return merr.ErrPacketNoSender
	}
	t := i.ensureHost(p.To.Domainpart())
	i.deliverLocally(ctx, t, p)
	return nil
}

// Kick 终止 j 指向的会话；j 没有资源时终止该用户的全部会话。
func (i *Instance) Kick(j *jid.JID, reason string) int {
	u := i.LookupUser(j)
	if u == nil {
		return 0
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	n := 0
	for _, s := range append([]*Session(nil), u.sessions...) {
		if j.Resourcepart() == "" || s.Resource() == j.Resourcepart() {
			s.terminateLocked(reason)
			n++
		}
	}
	return n
}
