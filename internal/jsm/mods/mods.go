// Package mods 提供会话管理核心的参考扩展模块。
//
// 每个模块在 Init 中向实例登记监听器，所有行为都通过分发结果
// （Pass/Ignore/Handled）与核心交互。
package mods

import (
	"github.com/lk2023060901/jsm-go/internal/jsm"
	"github.com/lk2023060901/jsm-go/pkg/log"
)

// 模块名。
const (
	NameAuth     = "auth"
	NameRegister = "register"
	NamePresence = "presence"
	NameOffline  = "offline"
	NameVersion  = "version"
	NameAdmin    = "admin"
)

// Options 为参考模块的公共选项。
type Options struct {
	// HashCost 为口令摘要的 bcrypt cost，0 表示默认值。
	HashCost int
	// ServerName 与 ServerVersion 用于 jabber:iq:version 应答。
	ServerName    string
	ServerVersion string
}

// Default 按推荐顺序返回全部参考模块。
func Default(opts Options) []jsm.Module {
	hasher := NewHasher(opts.HashCost)
	return []jsm.Module{
		NewAuth(hasher),
		NewRegister(hasher),
		NewPresence(),
		NewOffline(),
		NewVersion(opts.ServerName, opts.ServerVersion),
		NewAdmin(),
	}
}

func moduleLogger(name string) *log.MLogger {
	return log.With(log.FieldModule(name))
}
