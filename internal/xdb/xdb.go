// Package xdb 定义按（用户地址，命名空间）寻址的文档存储接口及其实现。
package xdb

import (
	"context"

	"mellium.im/xmpp/jid"

	"github.com/lk2023060901/jsm-go/internal/json"
	"github.com/lk2023060901/jsm-go/pkg/util/merr"
)

// 核心与参考模块使用的命名空间。
const (
	NSAuth      = "jabber:iq:auth"
	NSRoster    = "jabber:iq:roster"
	NSOffline   = "jabber:x:offline"
	// NSSubscribe 保存用户离线期间收到的订阅请求。
	NSSubscribe = "jabber:x:s10n"
)

// Store 为文档存储后端。
//
// 说明：
//   - 文档以 owner 的 bare 地址与命名空间定位；
//   - Get 在文档不存在时返回 (nil, nil)；
//   - Set 传入 nil 文档表示删除；
//   - Act 对集合型文档（JSON 对象）执行原子的按键写入：item 为 nil 时删除该键。
type Store interface {
	Get(ctx context.Context, owner *jid.JID, ns string) ([]byte, error)
	Set(ctx context.Context, owner *jid.JID, ns string, doc []byte) error
	Act(ctx context.Context, owner *jid.JID, ns string, key string, item []byte) error
	Close() error
}

// Auth 为认证文档，只保存口令的 bcrypt 摘要。
type Auth struct {
	Hash string `json:"hash"`
}

// RosterItem 为花名册中的一项。
type RosterItem struct {
	JID          string   `json:"jid"`
	Name         string   `json:"name,omitempty"`
	Subscription string   `json:"subscription"`
	Groups       []string `json:"groups,omitempty"`
}

// Roster 为花名册文档。
type Roster struct {
	Items []RosterItem `json:"items"`
}

// OfflineMessage 为离线存储的一条消息。
type OfflineMessage struct {
	ID      string `json:"id,omitempty"`
	From    string `json:"from"`
	To      string `json:"to"`
	Subtype string `json:"subtype,omitempty"`
	Body    string `json:"body,omitempty"`
	Stamp   int64  `json:"stamp"`
	Payload []byte `json:"payload,omitempty"`
}

// PendingSubscription 为等待用户处理的订阅请求，集合键为请求方的 bare 地址。
type PendingSubscription struct {
	From   string `json:"from"`
	Status string `json:"status,omitempty"`
	Stamp  int64  `json:"stamp"`
}

// LoadDoc 读取并解码 owner 在 ns 下的文档。文档不存在时返回 (nil, nil)。
func LoadDoc[T any](ctx context.Context, s Store, owner *jid.JID, ns string) (*T, error) {
	raw, err := s.Get(ctx, owner, ns)
	if err != nil || raw == nil {
		return nil, err
	}
	v := new(T)
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, merr.WrapErrStorageFailed(key(owner, ns), err)
	}
	return v, nil
}

// StoreDoc 编码并写入文档，v 为 nil 时删除文档。
func StoreDoc(ctx context.Context, s Store, owner *jid.JID, ns string, v any) error {
	if v == nil {
		return s.Set(ctx, owner, ns, nil)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return merr.WrapErrParameterInvalidMsg("encode %s: %s", ns, err.Error())
	}
	return s.Set(ctx, owner, ns, raw)
}

// LoadCollection 读取集合型文档，返回键到元素的映射。
func LoadCollection[T any](ctx context.Context, s Store, owner *jid.JID, ns string) (map[string]T, error) {
	raw, err := s.Get(ctx, owner, ns)
	if err != nil || raw == nil {
		return nil, err
	}
	items := make(map[string]T)
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, merr.WrapErrStorageFailed(key(owner, ns), err)
	}
	return items, nil
}

// ActDoc 编码 item 后写入集合型文档的 k 键，item 为 nil 时删除该键。
func ActDoc(ctx context.Context, s Store, owner *jid.JID, ns, k string, item any) error {
	if item == nil {
		return s.Act(ctx, owner, ns, k, nil)
	}
	raw, err := json.Marshal(item)
	if err != nil {
		return merr.WrapErrParameterInvalidMsg("encode %s: %s", ns, err.Error())
	}
	return s.Act(ctx, owner, ns, k, raw)
}

// mergeItem 将 item 写入（或删除）集合文档 doc 的 k 键，返回新文档。
func mergeItem(doc []byte, k string, item []byte) ([]byte, error) {
	coll := make(map[string]rawItem)
	if len(doc) > 0 {
		if err := json.Unmarshal(doc, &coll); err != nil {
			return nil, err
		}
	}
	if item == nil {
		delete(coll, k)
	} else {
		coll[k] = rawItem(item)
	}
	if len(coll) == 0 {
		return nil, nil
	}
	return json.Marshal(coll)
}

// rawItem 原样保留集合中元素的 JSON 编码。
type rawItem []byte

func (r rawItem) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

func (r *rawItem) UnmarshalJSON(data []byte) error {
	*r = append((*r)[:0], data...)
	return nil
}

func key(owner *jid.JID, ns string) string {
	if owner == nil {
		return ns
	}
	return ns + "/" + owner.Bare().String()
}
