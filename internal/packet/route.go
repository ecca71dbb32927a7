package packet

import (
	"maps"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"
)

// RouteKind 为路由封装的类型。
type RouteKind string

const (
	// RouteNone 表示普通的路由数据，包裹一条会话发出的报文。
	RouteNone RouteKind = ""
	// RouteSession 为建立会话的握手请求。
	RouteSession RouteKind = "session"
	// RouteAuth 为已封装的认证/注册请求。
	RouteAuth RouteKind = "auth"
	// RouteError 为对端报告的会话级错误，也用于核心撤销路由。
	RouteError RouteKind = "error"
)

// Route 为接入层与核心之间的路由封装。
//
// 说明：
//   - 接入层发往核心时，To 为目标用户地址（user@host/resource）或会话路由地址，
//     From 为接入层自身的会话标识；
//   - 核心回复时交换 To/From，并按需改写地址或类型。
type Route struct {
	Kind   RouteKind
	To     *jid.JID
	From   *jid.JID
	Packet *Packet
	Error  *stanza.Error
}

// Reply 返回一个交换了 To/From 的副本，内部报文与原封装共享。
func (r *Route) Reply() *Route {
	return &Route{
		Kind:   r.Kind,
		To:     copyJID(r.From),
		From:   copyJID(r.To),
		Packet: r.Packet,
	}
}

// Fail 将封装改写为带 cond 条件的错误路由。
func (r *Route) Fail(cond stanza.Condition, text string) *Route {
	r.Kind = RouteError
	r.Error = &stanza.Error{Type: ErrorTypeOf(cond), Condition: cond}
	if text != "" {
		r.Error.Text = map[string]string{"": text}
	}
	return r
}

// Clone 深拷贝封装及其中的报文。
func (r *Route) Clone() *Route {
	c := &Route{
		Kind:   r.Kind,
		To:     copyJID(r.To),
		From:   copyJID(r.From),
		Packet: r.Packet.Clone(),
	}
	if r.Error != nil {
		e := *r.Error
		e.Text = maps.Clone(r.Error.Text)
		c.Error = &e
	}
	return c
}
