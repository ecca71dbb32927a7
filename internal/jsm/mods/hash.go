package mods

import (
	"golang.org/x/crypto/bcrypt"
)

// Hasher 使用 bcrypt 计算与校验口令摘要，明文口令不得记录或持久化。
type Hasher struct {
	Cost int
}

// NewHasher 返回指定 cost 的 Hasher，超出范围时取边界值。
func NewHasher(cost int) *Hasher {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	if cost > bcrypt.MaxCost {
		cost = bcrypt.MaxCost
	}
	return &Hasher{Cost: cost}
}

// Hash 返回口令的摘要。
func (h *Hasher) Hash(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), h.Cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Compare 校验口令，匹配时返回 nil。
func (h *Hasher) Compare(hash, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}
