package mods

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"mellium.im/xmpp/jid"

	"github.com/lk2023060901/jsm-go/internal/jsm"
	"github.com/lk2023060901/jsm-go/internal/packet"
	"github.com/lk2023060901/jsm-go/internal/xdb"
	"github.com/lk2023060901/jsm-go/pkg/log"
)

// Offline 将发往 bare 地址的消息交给优先级最高的会话，没有可用会话时存入离线队列。
// 会话第一次广播可用 presence（优先级不小于 0）时取出并投递离线消息。
type Offline struct {
	logger *log.MLogger
}

var _ jsm.Module = (*Offline)(nil)

func NewOffline() *Offline {
	return &Offline{logger: moduleLogger(NameOffline)}
}

func (m *Offline) Name() string { return NameOffline }

func (m *Offline) Init(i *jsm.Instance) error {
	if err := i.RegisterServer(jsm.EventOffline, jsm.HandlerFunc(m.offline), nil); err != nil {
		return err
	}
	return i.RegisterServer(jsm.EventSession, jsm.HandlerFunc(m.sessionStart), nil)
}

func (m *Offline) offline(ctx context.Context, c *jsm.Context) jsm.Result {
	p := c.Packet
	if p.Type != packet.TypeMessage {
		return jsm.Ignore
	}
	if p.IsError() {
		return jsm.Pass
	}
	if s := c.User.PrimarySession(); s != nil {
		s.RouteTo(p)
		return jsm.Handled
	}

	now := time.Now()
	msg := &xdb.OfflineMessage{
		ID:      p.ID,
		From:    p.From.String(),
		To:      p.To.String(),
		Subtype: p.Subtype,
		Body:    p.Body,
		Stamp:   now.UnixNano(),
		Payload: p.Payload,
	}
	// 键按时间排序，后缀避免同一时刻的冲突。
	k := fmt.Sprintf("%020d-%s", msg.Stamp, uuid.NewString()[:8])
	if err := xdb.ActDoc(ctx, c.Instance.Store(), c.User.JID(), xdb.NSOffline, k, msg); err != nil {
		m.logger.Warn("failed to store offline message", log.FieldJID(c.User.JID()), zap.Error(err))
		return jsm.Pass
	}
	m.logger.Debug("message stored offline", log.FieldJID(c.User.JID()), zap.String("key", k))
	return jsm.Handled
}

// flushState 为单个会话的离线消息取出状态。
type flushState struct {
	done atomic.Bool
}

func (m *Offline) sessionStart(_ context.Context, c *jsm.Context) jsm.Result {
	_ = c.Session.RegisterSession(jsm.EventOut, jsm.HandlerFunc(m.out), &flushState{})
	return jsm.Pass
}

func (m *Offline) out(ctx context.Context, c *jsm.Context) jsm.Result {
	p := c.Packet
	if p.Type != packet.TypePresence {
		return jsm.Ignore
	}
	st := c.Arg.(*flushState)
	if st.done.Load() {
		return jsm.Ignore
	}
	if p.To != nil || !p.IsAvailable() || p.Priority < 0 {
		return jsm.Pass
	}
	st.done.Store(true)
	m.flush(ctx, c.Instance, c.Session)
	return jsm.Pass
}

func (m *Offline) flush(ctx context.Context, i *jsm.Instance, s *jsm.Session) {
	owner := s.Owner().JID()
	items, err := xdb.LoadCollection[xdb.OfflineMessage](ctx, i.Store(), owner, xdb.NSOffline)
	if err != nil {
		m.logger.Warn("failed to load offline messages", log.FieldJID(owner), zap.Error(err))
		return
	}
	if len(items) == 0 {
		return
	}
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		msg := items[k]
		from, err := jid.Parse(msg.From)
		if err != nil {
			from = owner.Domain()
		}
		p := packet.NewMessage(from, s.JID(), msg.Subtype, msg.Body)
		p.ID = msg.ID
		p.Payload = msg.Payload
		s.RouteTo(p)
		if err := xdb.ActDoc(ctx, i.Store(), owner, xdb.NSOffline, k, nil); err != nil {
			m.logger.Warn("failed to drop delivered offline message", log.FieldJID(owner), zap.Error(err))
		}
	}
	m.logger.Info("offline messages delivered", log.FieldJID(s.JID()), zap.Int("count", len(keys)))
}
