package mods

import (
	"context"

	"go.uber.org/zap"
	"mellium.im/xmpp/stanza"

	"github.com/lk2023060901/jsm-go/internal/jsm"
	"github.com/lk2023060901/jsm-go/internal/packet"
	"github.com/lk2023060901/jsm-go/internal/xdb"
	"github.com/lk2023060901/jsm-go/pkg/log"
)

// Register 处理 jabber:iq:register：写入认证文档，成功后刷新用户的口令缓存。
// 写入失败时回 service-unavailable，缓存保持不变。
type Register struct {
	hasher *Hasher
	logger *log.MLogger
}

var _ jsm.Module = (*Register)(nil)

func NewRegister(hasher *Hasher) *Register {
	if hasher == nil {
		hasher = NewHasher(0)
	}
	return &Register{hasher: hasher, logger: moduleLogger(NameRegister)}
}

func (r *Register) Name() string { return NameRegister }

func (r *Register) Init(i *jsm.Instance) error {
	return i.RegisterServer(jsm.EventRegister, jsm.HandlerFunc(r.handle), nil)
}

func (r *Register) handle(ctx context.Context, c *jsm.Context) jsm.Result {
	p := c.Packet
	if p.Namespace() != packet.NSRegister {
		return jsm.Pass
	}
	u := c.User
	store := c.Instance.Store()

	switch p.Subtype {
	case packet.SubtypeGet:
		_, registered := u.Credentials()
		fields := map[string]string{"username": u.JID().Localpart(), "password": ""}
		if registered {
			fields["registered"] = ""
		}
		p.MakeResult(fields)
		return jsm.Handled
	case packet.SubtypeSet:
	default:
		return jsm.Pass
	}

	if _, remove := p.Query.Fields["remove"]; remove {
		if err := xdb.StoreDoc(ctx, store, u.JID(), xdb.NSAuth, nil); err != nil {
			r.logger.Warn("failed to remove account", log.FieldJID(u.JID()), zap.Error(err))
			p.MakeError(stanza.ServiceUnavailable)
			return jsm.Handled
		}
		u.ClearCredentials()
		r.logger.Info("account removed", log.FieldJID(u.JID()))
		p.MakeResult(nil)
		return jsm.Handled
	}

	password := p.Query.Field("password")
	if password == "" {
		p.MakeError(stanza.NotAcceptable)
		return jsm.Handled
	}
	hash, err := r.hasher.Hash(password)
	if err != nil {
		p.MakeError(stanza.NotAcceptable)
		return jsm.Handled
	}
	if err := xdb.StoreDoc(ctx, store, u.JID(), xdb.NSAuth, &xdb.Auth{Hash: hash}); err != nil {
		r.logger.Warn("failed to store credentials", log.FieldJID(u.JID()), zap.Error(err))
		p.MakeError(stanza.ServiceUnavailable)
		return jsm.Handled
	}
	u.SetCredentials(hash)
	r.logger.Info("account registered", log.FieldJID(u.JID()))
	p.MakeResult(nil)
	return jsm.Handled
}
