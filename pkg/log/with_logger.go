package log

import "go.uber.org/atomic"

var (
	_ WithLogger   = &Binder{}
	_ LoggerBinder = &Binder{}
)

// WithLogger 是一个用于访问组件本地 Logger 的接口。
type WithLogger interface {
	Logger() *MLogger
}

// LoggerBinder 是一个用于设置组件 Logger 的接口。
type LoggerBinder interface {
	SetLogger(logger *MLogger)
}

// Binder 嵌入到长生命周期组件（例如会话管理实例）中，统一管理该组件使用的 Logger。
//
// 说明：
//   - 应用层可以通过 SetLogger 注入按模块配置的 Logger；
//   - 未注入时退回到全局 Logger，并附加 component 字段。
type Binder struct {
	logger    atomic.Pointer[MLogger]
	component atomic.String
}

// SetLogger 将 Logger 绑定到 Binder 上。
func (w *Binder) SetLogger(logger *MLogger) {
	w.logger.Store(logger)
}

// SetComponent 设置未注入 Logger 时使用的组件名。
func (w *Binder) SetComponent(name string) {
	w.component.Store(name)
}

// Logger 返回当前绑定的 Logger。
func (w *Binder) Logger() *MLogger {
	if l := w.logger.Load(); l != nil {
		return l
	}
	if name := w.component.Load(); name != "" {
		return With(FieldComponent(name))
	}
	return With()
}
