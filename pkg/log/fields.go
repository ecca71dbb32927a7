package log

import (
	"go.uber.org/zap"
)

const (
	FieldNameModule    = "module"
	FieldNameComponent = "component"
	FieldNameSession   = "session"
	FieldNameJID       = "jid"
)

// FieldModule 返回一个包含模块名的 zap 字段。
func FieldModule(module string) zap.Field {
	return zap.String(FieldNameModule, module)
}

// FieldComponent 返回一个包含组件名的 zap 字段。
func FieldComponent(component string) zap.Field {
	return zap.String(FieldNameComponent, component)
}

// FieldSession 返回一个包含会话路由 ID 的 zap 字段。
func FieldSession(id string) zap.Field {
	return zap.String(FieldNameSession, id)
}

// FieldJID 返回一个包含 XMPP 地址的 zap 字段，参数为 fmt.Stringer 以便直接传入 *jid.JID。
func FieldJID(j interface{ String() string }) zap.Field {
	if j == nil {
		return zap.Skip()
	}
	return zap.Stringer(FieldNameJID, j)
}
