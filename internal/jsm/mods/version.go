package mods

import (
	"context"
	"runtime"

	"mellium.im/xmpp/stanza"

	"github.com/lk2023060901/jsm-go/internal/jsm"
	"github.com/lk2023060901/jsm-go/internal/packet"
)

const (
	defaultServerName    = "jsm"
	defaultServerVersion = "0.1.0"
)

// Version 应答发往服务器地址的 jabber:iq:version 查询。
type Version struct {
	name    string
	version string
}

var _ jsm.Module = (*Version)(nil)

func NewVersion(name, version string) *Version {
	if name == "" {
		name = defaultServerName
	}
	if version == "" {
		version = defaultServerVersion
	}
	return &Version{name: name, version: version}
}

func (m *Version) Name() string { return NameVersion }

func (m *Version) Init(i *jsm.Instance) error {
	return i.RegisterServer(jsm.EventServer, jsm.HandlerFunc(m.handle), nil)
}

func (m *Version) handle(ctx context.Context, c *jsm.Context) jsm.Result {
	p := c.Packet
	if p.Type != packet.TypeIQ {
		return jsm.Ignore
	}
	if p.Namespace() != packet.NSVersion || p.IsError() || p.Subtype == packet.SubtypeResult {
		return jsm.Pass
	}
	if p.Subtype == packet.SubtypeGet {
		p.MakeResult(map[string]string{"name": m.name, "version": m.version, "os": runtime.GOOS})
	} else {
		p.MakeError(stanza.NotAllowed)
	}
	_ = c.Instance.Deliver(ctx, p)
	return jsm.Handled
}
