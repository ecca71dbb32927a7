package jsm

import (
	"time"

	"mellium.im/xmpp/jid"

	"github.com/lk2023060901/jsm-go/pkg/util/merr"
)

const (
	defaultHostHint   = 8
	defaultUserHint   = 1024
	defaultGCInterval = 60 * time.Second
	defaultPoolExpiry = 10 * time.Second
)

// AdminConfig 为管理员地址配置，write 权限隐含 read 权限。
type AdminConfig struct {
	Read  []string `mapstructure:"read"`
	Write []string `mapstructure:"write"`
}

// PoolConfig 为工作协程池配置。
type PoolConfig struct {
	// Size 为最大并发 worker 数，0 表示不限制。
	Size int `mapstructure:"size"`
	// Expiry 为空闲 worker 的回收间隔。
	Expiry time.Duration `mapstructure:"expiry"`
}

// Config 为会话管理实例配置，启动时读取一次。
type Config struct {
	// Hosts 为启动时预先创建用户表的托管域。其他域在第一次收到路由封装时惰性创建。
	Hosts []string `mapstructure:"hosts"`
	// HostHint 为预计托管域数量。
	HostHint int `mapstructure:"host_hint"`
	// UserHint 为单个域预计的用户数量。
	UserHint int `mapstructure:"user_hint"`
	// GCInterval 为用户表回收周期。被踢下线（凭据已撤销）的记录不参与回收。
	GCInterval time.Duration `mapstructure:"gc_interval"`
	// ResourcePrefixMatch 为 true 时，精确资源匹配失败后按前缀回退匹配会话。
	ResourcePrefixMatch bool `mapstructure:"resource_prefix_match"`
	// RequireAccount 为 true 时，没有认证文档的用户不会被合成，投递按不存在的用户处理。
	RequireAccount bool `mapstructure:"require_account"`
	// AuthService 非空时，认证类路由封装原样转发到该地址。
	AuthService string `mapstructure:"auth_service"`
	// Admin 为管理员地址。
	Admin AdminConfig `mapstructure:"admin"`
	// Pool 为工作协程池配置。
	Pool PoolConfig `mapstructure:"pool"`
	// DisableTypeMask 关闭监听器的类型掩码缓存，只用于排查问题。
	DisableTypeMask bool `mapstructure:"disable_type_mask"`
}

// DefaultConfig 返回默认配置。
func DefaultConfig() *Config {
	return &Config{
		HostHint:            defaultHostHint,
		UserHint:            defaultUserHint,
		GCInterval:          defaultGCInterval,
		ResourcePrefixMatch: true,
		Pool: PoolConfig{
			Expiry: defaultPoolExpiry,
		},
	}
}

// Validate 检查配置并补齐缺省值。
func (c *Config) Validate() error {
	if c.HostHint <= 0 {
		c.HostHint = defaultHostHint
	}
	if c.UserHint <= 0 {
		c.UserHint = defaultUserHint
	}
	if c.GCInterval <= 0 {
		c.GCInterval = defaultGCInterval
	}
	if c.Pool.Size < 0 {
		return merr.WrapErrParameterInvalidMsg("pool.size must not be negative: %d", c.Pool.Size)
	}
	for _, h := range c.Hosts {
		if _, err := jid.New("", h, ""); err != nil {
			return merr.WrapErrParameterInvalidMsg("invalid host %q: %s", h, err.Error())
		}
	}
	if c.AuthService != "" {
		if _, err := jid.Parse(c.AuthService); err != nil {
			return merr.WrapErrParameterInvalidMsg("invalid auth_service %q: %s", c.AuthService, err.Error())
		}
	}
	for _, a := range append(append([]string(nil), c.Admin.Read...), c.Admin.Write...) {
		if _, err := jid.Parse(a); err != nil {
			return merr.WrapErrParameterInvalidMsg("invalid admin address %q: %s", a, err.Error())
		}
	}
	return nil
}
