package jsm

import (
	"context"

	"go.uber.org/zap"
	"mellium.im/xmpp/stanza"

	"github.com/lk2023060901/jsm-go/internal/packet"
	"github.com/lk2023060901/jsm-go/pkg/log"
	"github.com/lk2023060901/jsm-go/pkg/metrics"
)

// Bounce 将无法投递的报文改写为回复并送回发送方。
//
// 说明：
//   - 订阅请求改写为 unsubscribed 回复；
//   - 其他 presence 以及已经是错误的报文直接丢弃，错误不会再被弹回；
//   - 其余报文改写为带 cond 条件的错误回复。
//
// 返回：是否产生了回复。
func (i *Instance) Bounce(ctx context.Context, p *packet.Packet, cond stanza.Condition) bool {
	switch {
	case p == nil:
		return false
	case p.IsSubscribeRequest():
		p.MakeSubscriptionDenial()
	case p.Type == packet.TypePresence, p.Type == packet.TypeS10N, p.IsError():
		log.Ctx(ctx).RatedDebug(1, "bounce dropped", zap.Stringer("packet", p), zap.String("condition", string(cond)))
		return false
	default:
		orig := p.To
		p.MakeError(cond)
		if orig == nil && p.To != nil {
			p.From = p.To.Domain()
		}
	}
	if p.To == nil {
		// 没有发送方可以回复。
		return false
	}
	metrics.BouncesTotal.WithLabelValues(string(cond)).Inc()
	if err := i.Deliver(ctx, p); err != nil {
		log.Ctx(ctx).RatedDebug(1, "bounce delivery failed", zap.Error(err))
	}
	return true
}
