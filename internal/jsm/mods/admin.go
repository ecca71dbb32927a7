package mods

import (
	"context"
	"strconv"

	"go.uber.org/zap"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/lk2023060901/jsm-go/internal/jsm"
	"github.com/lk2023060901/jsm-go/internal/packet"
	"github.com/lk2023060901/jsm-go/pkg/log"
)

// Admin 处理发往服务器地址的 jabber:iq:admin 查询。
//
// 说明：
//   - read 权限可以查询会话、用户与托管域数量；
//   - write 权限还可以通过 kick 字段终止指定地址的会话；
//   - 权限不足时回 not-allowed。
type Admin struct {
	logger *log.MLogger
}

var _ jsm.Module = (*Admin)(nil)

func NewAdmin() *Admin {
	return &Admin{logger: moduleLogger(NameAdmin)}
}

func (m *Admin) Name() string { return NameAdmin }

func (m *Admin) Init(i *jsm.Instance) error {
	return i.RegisterServer(jsm.EventServer, jsm.HandlerFunc(m.handle), nil)
}

func (m *Admin) handle(ctx context.Context, c *jsm.Context) jsm.Result {
	p := c.Packet
	if p.Type != packet.TypeIQ {
		return jsm.Ignore
	}
	if p.Namespace() != packet.NSAdmin || p.IsError() || p.Subtype == packet.SubtypeResult {
		return jsm.Pass
	}
	i := c.Instance

	level := jsm.AdminNone
	if u, err := i.ResolveUser(ctx, p.From); err == nil {
		level = u.AdminLevel()
	}
	need := jsm.AdminRead
	if p.Subtype == packet.SubtypeSet {
		need = jsm.AdminWrite
	}
	if level < need {
		m.logger.RatedWarn(1, "admin request denied", zap.Stringer("from", p.From), zap.Stringer("level", level))
		p.MakeError(stanza.NotAllowed)
		_ = i.Deliver(ctx, p)
		return jsm.Handled
	}

	if p.Subtype == packet.SubtypeGet {
		p.MakeResult(map[string]string{
			"sessions": strconv.Itoa(i.SessionCount()),
			"users":    strconv.Itoa(i.UserCount()),
			"hosts":    strconv.Itoa(len(i.Hosts())),
		})
		_ = i.Deliver(ctx, p)
		return jsm.Handled
	}

	target, err := jid.Parse(p.Query.Field("kick"))
	if err != nil {
		p.MakeError(stanza.BadRequest)
		_ = i.Deliver(ctx, p)
		return jsm.Handled
	}
	n := i.Kick(target, "kicked by administrator")
	m.logger.Info("sessions kicked", zap.Stringer("by", p.From), log.FieldJID(target), zap.Int("count", n))
	p.MakeResult(map[string]string{"kicked": strconv.Itoa(n)})
	_ = i.Deliver(ctx, p)
	return jsm.Handled
}
