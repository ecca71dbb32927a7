// Package packet 定义会话管理核心处理的报文模型。
//
// 报文在进入核心之前已经由接入层解析完毕，核心只关心地址、分类以及少量
// 用于路由和模块判断的字段，原始文档以不透明字节的形式随报文携带。
package packet

import (
	"maps"
	"slices"
	"strings"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"
)

// 常用的 IQ 查询命名空间。
const (
	NSAuth     = "jabber:iq:auth"
	NSRegister = "jabber:iq:register"
	NSRoster   = "jabber:iq:roster"
	NSVersion  = "jabber:iq:version"
	NSAdmin    = "jabber:iq:admin"
	NSOffline  = "jabber:x:offline"
)

// 子类型取值。
const (
	SubtypeError  = "error"
	SubtypeGet    = "get"
	SubtypeSet    = "set"
	SubtypeResult = "result"
	SubtypeChat   = "chat"
	SubtypeNormal = "normal"
)

// Type 为报文分类。取值按位定义，可以直接组合成监听器的类型掩码。
type Type uint32

const (
	// TypeUnknown 表示无法识别的报文，不参与掩码。
	TypeUnknown  Type = 0
	TypeMessage  Type = 1 << 0
	TypePresence Type = 1 << 1
	TypeIQ       Type = 1 << 2
	// TypeS10N 为订阅类 presence（subscribe/subscribed/unsubscribe/unsubscribed）。
	TypeS10N Type = 1 << 3
)

func (t Type) String() string {
	switch t {
	case TypeMessage:
		return "message"
	case TypePresence:
		return "presence"
	case TypeIQ:
		return "iq"
	case TypeS10N:
		return "s10n"
	default:
		return "unknown"
	}
}

// Classify 根据元素名与 type 属性对报文分类。
func Classify(name, subtype string) Type {
	switch name {
	case "message":
		return TypeMessage
	case "presence":
		if isSubscription(subtype) {
			return TypeS10N
		}
		return TypePresence
	case "iq":
		switch subtype {
		case SubtypeGet, SubtypeSet, SubtypeResult, SubtypeError:
			return TypeIQ
		}
	}
	return TypeUnknown
}

func isSubscription(subtype string) bool {
	switch stanza.PresenceType(subtype) {
	case stanza.SubscribePresence, stanza.SubscribedPresence,
		stanza.UnsubscribePresence, stanza.UnsubscribedPresence:
		return true
	}
	return false
}

// Query 为 IQ 的查询子元素，Fields 保存其简单子元素的文本内容。
type Query struct {
	Namespace string
	Fields    map[string]string
}

// Field 返回名为 name 的子元素文本。
func (q *Query) Field(name string) string {
	if q == nil {
		return ""
	}
	return q.Fields[name]
}

// Packet 为核心内部流转的报文。
//
// 说明：
//   - To/From 可能为空，表示报文缺少对应地址；
//   - Payload 为接入层提供的原始文档，核心不解析；
//   - 报文在分发过程中可以被监听器原地修改。
type Packet struct {
	Type     Type
	Subtype  string
	ID       string
	To       *jid.JID
	From     *jid.JID
	Body     string
	Status   string
	Priority int
	Query    *Query
	Payload  []byte
	Error    *stanza.Error
}

// New 创建一个已分类的报文，name 为元素名（message/presence/iq）。
func New(name, subtype string, from, to *jid.JID) *Packet {
	return &Packet{
		Type:    Classify(name, subtype),
		Subtype: subtype,
		From:    from,
		To:      to,
	}
}

// NewMessage 创建一条消息报文。
func NewMessage(from, to *jid.JID, subtype, body string) *Packet {
	p := New("message", subtype, from, to)
	p.Body = body
	return p
}

// NewPresence 创建一条 presence 报文，subtype 为空表示 available。
func NewPresence(from, to *jid.JID, subtype stanza.PresenceType) *Packet {
	return New("presence", string(subtype), from, to)
}

// NewIQ 创建一条携带查询子元素的 IQ 报文。
func NewIQ(from, to *jid.JID, subtype, id, namespace string, fields map[string]string) *Packet {
	p := New("iq", subtype, from, to)
	p.ID = id
	p.Query = &Query{Namespace: namespace, Fields: fields}
	return p
}

// Namespace 返回 IQ 查询命名空间，没有查询子元素时返回空串。
func (p *Packet) Namespace() string {
	if p.Query == nil {
		return ""
	}
	return p.Query.Namespace
}

// IsError 判断报文是否已经是错误报文。
func (p *Packet) IsError() bool {
	return p.Subtype == SubtypeError || p.Error != nil
}

// IsSubscribeRequest 判断是否为订阅请求。
func (p *Packet) IsSubscribeRequest() bool {
	return p.Type == TypeS10N && p.Subtype == string(stanza.SubscribePresence)
}

// IsAvailable 判断是否为 available presence。
func (p *Packet) IsAvailable() bool {
	return p.Type == TypePresence && (p.Subtype == "" || p.Subtype == "available")
}

// IsUnavailable 判断是否为 unavailable presence。
func (p *Packet) IsUnavailable() bool {
	return p.Type == TypePresence && p.Subtype == string(stanza.UnavailablePresence)
}

// SwapAddresses 交换 To 与 From。
func (p *Packet) SwapAddresses() {
	p.To, p.From = p.From, p.To
}

// MakeError 将报文原地改写为带 cond 条件的错误回复。
func (p *Packet) MakeError(cond stanza.Condition) {
	p.MakeErrorText(cond, "")
}

// MakeErrorText 与 MakeError 相同，并附带一段错误描述。
func (p *Packet) MakeErrorText(cond stanza.Condition, text string) {
	e := &stanza.Error{Type: ErrorTypeOf(cond), Condition: cond}
	if text != "" {
		e.Text = map[string]string{"": text}
	}
	p.Error = e
	p.Subtype = SubtypeError
	if p.Type == TypeS10N {
		p.Type = TypePresence
	}
	p.SwapAddresses()
}

// MakeSubscriptionDenial 将订阅请求原地改写为 unsubscribed 回复。
func (p *Packet) MakeSubscriptionDenial() {
	p.Type = TypeS10N
	p.Subtype = string(stanza.UnsubscribedPresence)
	p.Status = ""
	p.SwapAddresses()
}

// MakeResult 将 IQ 请求原地改写为 result 回复，fields 作为查询结果。
// fields 为 nil 时去掉查询子元素。
func (p *Packet) MakeResult(fields map[string]string) {
	p.Subtype = SubtypeResult
	p.Error = nil
	if fields == nil {
		p.Query = nil
	} else {
		ns := p.Namespace()
		p.Query = &Query{Namespace: ns, Fields: fields}
	}
	p.SwapAddresses()
}

// Clone 深拷贝报文。
func (p *Packet) Clone() *Packet {
	if p == nil {
		return nil
	}
	c := *p
	c.To = copyJID(p.To)
	c.From = copyJID(p.From)
	if p.Query != nil {
		c.Query = &Query{Namespace: p.Query.Namespace, Fields: maps.Clone(p.Query.Fields)}
	}
	c.Payload = slices.Clone(p.Payload)
	if p.Error != nil {
		e := *p.Error
		e.Text = maps.Clone(p.Error.Text)
		c.Error = &e
	}
	return &c
}

func (p *Packet) String() string {
	var b strings.Builder
	b.WriteString(p.Type.String())
	if p.Subtype != "" {
		b.WriteString("/")
		b.WriteString(p.Subtype)
	}
	b.WriteString(" from=")
	b.WriteString(p.From.String())
	b.WriteString(" to=")
	b.WriteString(p.To.String())
	return b.String()
}

func copyJID(j *jid.JID) *jid.JID {
	if j == nil {
		return nil
	}
	return j.Copy()
}

// ErrorTypeOf 返回错误条件对应的错误类型。
func ErrorTypeOf(cond stanza.Condition) stanza.ErrorType {
	switch cond {
	case stanza.BadRequest, stanza.JIDMalformed, stanza.NotAcceptable, stanza.PolicyViolation:
		return stanza.Modify
	case stanza.Forbidden, stanza.NotAuthorized, stanza.RegistrationRequired, stanza.SubscriptionRequired:
		return stanza.Auth
	case stanza.RecipientUnavailable, stanza.RemoteServerTimeout, stanza.ResourceConstraint,
		stanza.InternalServerError, stanza.UnexpectedRequest:
		return stanza.Wait
	default:
		return stanza.Cancel
	}
}
