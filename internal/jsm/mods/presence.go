package mods

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/lk2023060901/jsm-go/internal/jsm"
	"github.com/lk2023060901/jsm-go/internal/packet"
	"github.com/lk2023060901/jsm-go/internal/xdb"
	"github.com/lk2023060901/jsm-go/pkg/log"
)

// Presence 跟踪会话发出的广播 presence，并把发往 bare 地址的 presence 分发给可用会话。
// 来自受信任联系人的状态查询以各可用会话的当前 presence 应答，其余查询静默丢弃。
// 没有可用会话时收到的订阅请求按请求方保存，会话变为可用时再投递。
type Presence struct {
	logger *log.MLogger
}

var _ jsm.Module = (*Presence)(nil)

func NewPresence() *Presence { return &Presence{logger: moduleLogger(NamePresence)} }

func (m *Presence) Name() string { return NamePresence }

func (m *Presence) Init(i *jsm.Instance) error {
	if err := i.RegisterServer(jsm.EventSession, jsm.HandlerFunc(m.sessionStart), nil); err != nil {
		return err
	}
	return i.RegisterServer(jsm.EventOffline, jsm.HandlerFunc(m.offline), nil)
}

func (m *Presence) sessionStart(_ context.Context, c *jsm.Context) jsm.Result {
	_ = c.Session.RegisterSession(jsm.EventOut, jsm.HandlerFunc(m.out), nil)
	return jsm.Pass
}

// out 记录不带目标地址的 presence，会话由不可用变为可用时投递保存的订阅请求。
func (m *Presence) out(ctx context.Context, c *jsm.Context) jsm.Result {
	p := c.Packet
	if p.Type != packet.TypePresence {
		return jsm.Ignore
	}
	if p.To != nil {
		return jsm.Pass
	}
	was := c.Session.Priority()
	c.Session.SetPresence(p)
	if was < 0 && c.Session.Priority() >= 0 {
		m.flushSubscribe(ctx, c.Instance, c.Session)
	}
	return jsm.Pass
}

// offline 处理发往没有匹配会话的用户的 presence。
func (m *Presence) offline(ctx context.Context, c *jsm.Context) jsm.Result {
	p := c.Packet
	switch p.Type {
	case packet.TypePresence, packet.TypeS10N:
	default:
		return jsm.Ignore
	}
	if p.Subtype == string(stanza.ProbePresence) {
		m.answerQuery(ctx, c)
		return jsm.Handled
	}

	delivered := 0
	for _, s := range c.User.Sessions() {
		if s.Priority() < 0 {
			continue
		}
		s.RouteTo(p.Clone())
		delivered++
	}
	if p.Type == packet.TypeS10N && delivered == 0 {
		return m.holdSubscribe(ctx, c)
	}
	return jsm.Handled
}

// holdSubscribe 保存订阅请求；其余订阅类报文以及写入失败时交给后续监听器。
func (m *Presence) holdSubscribe(ctx context.Context, c *jsm.Context) jsm.Result {
	p := c.Packet
	if p.Subtype != string(stanza.SubscribePresence) || p.From == nil {
		return jsm.Pass
	}
	from := p.From.Bare().String()
	req := &xdb.PendingSubscription{From: from, Status: p.Status, Stamp: time.Now().UnixNano()}
	if err := xdb.ActDoc(ctx, c.Instance.Store(), c.User.JID(), xdb.NSSubscribe, from, req); err != nil {
		m.logger.Warn("failed to store subscription request", log.FieldJID(c.User.JID()), zap.Error(err))
		return jsm.Pass
	}
	m.logger.Debug("subscription request held", log.FieldJID(c.User.JID()), zap.String("from", from))
	return jsm.Handled
}

func (m *Presence) flushSubscribe(ctx context.Context, i *jsm.Instance, s *jsm.Session) {
	owner := s.Owner().JID()
	items, err := xdb.LoadCollection[xdb.PendingSubscription](ctx, i.Store(), owner, xdb.NSSubscribe)
	if err != nil {
		m.logger.Warn("failed to load subscription requests", log.FieldJID(owner), zap.Error(err))
		return
	}
	if len(items) == 0 {
		return
	}
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(a, b int) bool { return items[keys[a]].Stamp < items[keys[b]].Stamp })

	for _, k := range keys {
		req := items[k]
		from, err := jid.Parse(req.From)
		if err != nil {
			m.logger.Warn("dropping malformed subscription request", log.FieldJID(owner), zap.String("from", req.From))
		} else {
			p := packet.NewPresence(from, owner.Copy(), stanza.SubscribePresence)
			p.Status = req.Status
			s.RouteTo(p)
		}
		if err := xdb.ActDoc(ctx, i.Store(), owner, xdb.NSSubscribe, k, nil); err != nil {
			m.logger.Warn("failed to drop delivered subscription request", log.FieldJID(owner), zap.Error(err))
		}
	}
	m.logger.Info("subscription requests delivered", log.FieldJID(s.JID()), zap.Int("count", len(keys)))
}

func (m *Presence) answerQuery(ctx context.Context, c *jsm.Context) {
	p := c.Packet
	if p.From == nil || !c.User.IsTrusted(ctx, p.From) {
		m.logger.Debug("status query from untrusted address dropped",
			zap.Stringer("from", p.From), log.FieldJID(c.User.JID()))
		return
	}
	for _, s := range c.User.Sessions() {
		if s.Priority() < 0 {
			continue
		}
		reply := s.Presence()
		reply.From = s.JID().Copy()
		reply.To = p.From.Copy()
		if err := c.Instance.Deliver(ctx, reply); err != nil {
			m.logger.Debug("status query reply failed", zap.Error(err))
		}
	}
}
