package mods

import (
	"context"

	"go.uber.org/zap"
	"mellium.im/xmpp/stanza"

	"github.com/lk2023060901/jsm-go/internal/jsm"
	"github.com/lk2023060901/jsm-go/internal/packet"
	"github.com/lk2023060901/jsm-go/pkg/log"
)

// Auth 以缓存的口令摘要校验 jabber:iq:auth 明文口令认证。
type Auth struct {
	hasher *Hasher
	logger *log.MLogger
}

var _ jsm.Module = (*Auth)(nil)

func NewAuth(hasher *Hasher) *Auth {
	if hasher == nil {
		hasher = NewHasher(0)
	}
	return &Auth{hasher: hasher, logger: moduleLogger(NameAuth)}
}

func (a *Auth) Name() string { return NameAuth }

func (a *Auth) Init(i *jsm.Instance) error {
	return i.RegisterServer(jsm.EventAuth, jsm.HandlerFunc(a.handle), nil)
}

func (a *Auth) handle(ctx context.Context, c *jsm.Context) jsm.Result {
	p := c.Packet
	if p.Namespace() != packet.NSAuth {
		return jsm.Pass
	}
	switch p.Subtype {
	case packet.SubtypeGet:
		p.MakeResult(map[string]string{"username": c.User.JID().Localpart(), "password": "", "resource": ""})
		return jsm.Handled
	case packet.SubtypeSet:
	default:
		return jsm.Pass
	}

	hash, ok := c.User.Credentials()
	if !ok {
		return jsm.Pass
	}
	password := p.Query.Field("password")
	if password == "" {
		p.MakeError(stanza.NotAcceptable)
		return jsm.Handled
	}
	if err := a.hasher.Compare(hash, password); err != nil {
		a.logger.RatedWarn(1, "authentication failed", log.FieldJID(c.User.JID()), zap.Error(err))
		p.MakeError(stanza.NotAuthorized)
		return jsm.Handled
	}
	a.logger.Debug("authenticated", log.FieldJID(c.User.JID()))
	p.MakeResult(nil)
	return jsm.Handled
}
