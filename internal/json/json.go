// Package json 统一封装项目内的 JSON 编解码实现（基于 bytedance/sonic）。
//
// 业务代码不直接依赖 sonic，便于后续替换实现或调整配置。
package json

import (
	"github.com/bytedance/sonic"
)

// api 使用与标准库行为一致的配置，保证 map 键有序、转义规则相同。
var api = sonic.ConfigStd

// Marshal 将 v 编码为 JSON 字节序列。
func Marshal(v any) ([]byte, error) {
	return api.Marshal(v)
}

// Unmarshal 将 JSON 字节序列解码到 v 中。
func Unmarshal(data []byte, v any) error {
	return api.Unmarshal(data, v)
}

// Valid 判断 data 是否为合法的 JSON。
func Valid(data []byte) bool {
	return api.Valid(data)
}
