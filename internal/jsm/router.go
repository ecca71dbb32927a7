package jsm

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"mellium.im/xmpp/stanza"

	"github.com/lk2023060901/jsm-go/internal/packet"
	"github.com/lk2023060901/jsm-go/pkg/log"
	"github.com/lk2023060901/jsm-go/pkg/metrics"
	"github.com/lk2023060901/jsm-go/pkg/util/merr"
)

// Deliver 为投递入口，供实例内部调用者与接入层共用。
//
// 说明：
//   - 缺少目标地址的报文以 bad-request 弹回；
//   - 缺少发送方地址的报文直接丢弃，不弹回；
//   - 目标域由本实例托管时本地投递，否则交给域间路由。
func (i *Instance) Deliver(ctx context.Context, p *packet.Packet) error {
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
		log.Ctx(ctx).RatedDebug(1, "packet without sender dropped", zap.Stringer("packet", p))
		return merr.ErrPacketNoSender
	}
	if t := i.table(p.To.Domainpart()); t != nil {
		i.deliverLocally(ctx, t, p)
		return nil
	}
	metrics.PacketsTotal.WithLabelValues(metrics.DirectionRemote).Inc()
	return i.transport.Deliver(ctx, p)
}

// deliverLocally 将报文投递到本地托管域 t 上的用户。
//
// 说明：
//   - 依次尝试：EventDeliver 监听器、服务器地址处理、会话、离线处理，都不可用时弹回；
//   - 离线处理任务执行期间持有用户的一个引用。
func (i *Instance) deliverLocally(ctx context.Context, t *userTable, p *packet.Packet) {
	var (
		u   *User
		s   *Session
		err error
	)
	if lp := p.To.Localpart(); lp != "" {
		u, err = t.acquire(ctx, lp, i.cfg.RequireAccount)
		if err == nil {
			defer t.release(u)
			if res := p.To.Resourcepart(); res != "" {
				u.mu.Lock()
				s = u.sessionLocked(res, i.cfg.ResourcePrefixMatch)
				u.mu.Unlock()
			}
		}
	}

	if i.callAll(ctx, EventDeliver, p, u, s) {
		return
	}

	switch {
	case p.To.Localpart() == "":
		i.submitServer(ctx, p)
	case s != nil:
		s.RouteTo(p)
	case u != nil:
		i.submitOffline(ctx, u, p)
	default:
		cond := stanza.ItemNotFound
		if err != nil && !errors.Is(err, merr.ErrUserNotFound) {
			cond = merr.Condition(err)
			log.Ctx(ctx).RatedWarn(1, "failed to resolve recipient", zap.Stringer("to", p.To), zap.Error(err))
		}
		i.Bounce(ctx, p, cond)
	}
}

// submitServer 将发往服务器地址的报文交给 EventServer 监听器处理。
func (i *Instance) submitServer(ctx context.Context, p *packet.Packet) {
	ctx = context.WithoutCancel(ctx)
	metrics.PacketsTotal.WithLabelValues(metrics.DirectionServer).Inc()
	submit(i.pool, func() {
		if !i.callAll(ctx, EventServer, p, nil, nil) {
			i.Bounce(ctx, p, stanza.ItemNotFound)
		}
	})
}

// submitOffline 将报文交给 EventOffline 监听器处理，任务结束前用户不会被回收。
func (i *Instance) submitOffline(ctx context.Context, u *User, p *packet.Packet) {
	ctx = context.WithoutCancel(ctx)
	metrics.PacketsTotal.WithLabelValues(metrics.DirectionOffline).Inc()
	u.refs.Inc()
	submit(i.pool, func() {
		defer u.refs.Dec()
		if !i.callAll(ctx, EventOffline, p, u, nil) {
			i.Bounce(ctx, p, stanza.ServiceUnavailable)
		}
	})
}
