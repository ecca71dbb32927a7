package viper

import (
	"path/filepath"
	"strings"

	spfviper "github.com/spf13/viper"
)

// Config 是对 spf13/viper 的薄封装。
//
// 说明：
//   - 支持 YAML/JSON 配置文件；
//   - 可选开启环境变量覆盖：键中的 "." 与 "-" 会被替换为 "_"，
//     例如前缀为 JSM 时，jsm.gc_interval 对应 JSM_JSM_GC_INTERVAL。
type Config struct {
	v *spfviper.Viper
}

// New 创建一个空的 Config。
func New() *Config {
	return &Config{
		v: spfviper.New(),
	}
}

func (c *Config) viper() *spfviper.Viper {
	if c.v == nil {
		c.v = spfviper.New()
	}
	return c.v
}

// LoadFile 将 YAML 或 JSON 配置文件加载到 Config 中。
// 文件类型通过扩展名（.yaml/.yml/.json）推断。
func (c *Config) LoadFile(path string) error {
	v := c.viper()
	v.SetConfigFile(path)

	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml":
		v.SetConfigType("yaml")
	case ".json":
		v.SetConfigType("json")
	default:
		// 让 viper 自行推断类型，或在读取时返回清晰的错误信息。
	}

	return v.ReadInConfig()
}

// BindEnv 开启以 prefix 为前缀的环境变量覆盖。
func (c *Config) BindEnv(prefix string) {
	v := c.viper()
	v.SetEnvPrefix(prefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
}

// SetDefault 为 key 设置默认值。
// Unmarshal 只会看到配置文件、环境变量或默认值中出现过的键，
// 因此需要环境变量覆盖的键都应先设置默认值。
func (c *Config) SetDefault(key string, value any) {
	c.viper().SetDefault(key, value)
}

// IsSet 判断 key 是否在任意来源中出现过。
func (c *Config) IsSet(key string) bool {
	return c.viper().IsSet(key)
}

// GetString 返回 key 对应的字符串值。
func (c *Config) GetString(key string) string {
	return c.viper().GetString(key)
}

// Unmarshal 将完整配置反序列化到 dst。
// dst 应为结构体或 map 的指针。
func (c *Config) Unmarshal(dst interface{}) error {
	if c.v == nil {
		return nil
	}
	return c.v.Unmarshal(dst)
}

// UnmarshalKey 将指定 key 对应的子配置反序列化到 dst。
// dst 应为结构体或 map 的指针。
func (c *Config) UnmarshalKey(key string, dst interface{}) error {
	if c.v == nil {
		return nil
	}
	return c.v.UnmarshalKey(key, dst)
}
