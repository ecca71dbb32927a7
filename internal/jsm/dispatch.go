package jsm

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/lk2023060901/jsm-go/internal/packet"
	"github.com/lk2023060901/jsm-go/pkg/metrics"
)

// Result 为监听器对一次分发的答复。
type Result int

const (
	// Pass 表示本次不处理，报文继续交给后续监听器。
	Pass Result = iota
	// Ignore 表示今后不再关心这一类型的报文，该类型会被记入监听器的掩码。
	Ignore
	// Handled 表示报文已被接管（转发、回复或丢弃），分发立即结束。
	Handled
)

func (r Result) String() string {
	switch r {
	case Pass:
		return "pass"
	case Ignore:
		return "ignore"
	case Handled:
		return "handled"
	default:
		return "invalid"
	}
}

// Context 为一次分发中所有监听器共享的上下文。
//
// 说明：
//   - Packet 在生命周期事件（session/end/shutdown）中为 nil；
//   - Arg 为当前监听器登记时附带的参数，每调用一个监听器前更新。
type Context struct {
	Instance *Instance
	Event    Event
	Packet   *packet.Packet
	User     *User
	Session  *Session
	Arg      any
}

// Handler 为模块实现的监听器。
//
// 约定：
//   - 返回 Handled 时必须已经处理完报文，分发器不再做任何清理；
//   - 返回 Pass/Ignore 时报文仍归分发器所有，监听器可以原地修改它。
type Handler interface {
	Handle(ctx context.Context, c *Context) Result
}

// HandlerFunc 将普通函数适配为 Handler。
type HandlerFunc func(ctx context.Context, c *Context) Result

func (f HandlerFunc) Handle(ctx context.Context, c *Context) Result {
	return f(ctx, c)
}

// listener 为监听链中的一项，mask 记录其声明不再关心的报文类型。
type listener struct {
	h    Handler
	arg  any
	mask atomic.Uint32
}

func (l *listener) masked(t packet.Type) bool {
	return packet.Type(l.mask.Load())&t != 0
}

func (l *listener) ignore(t packet.Type) {
	for {
		old := l.mask.Load()
		if old&uint32(t) == uint32(t) || l.mask.CompareAndSwap(old, old|uint32(t)) {
			return
		}
	}
}

// chain 为按登记顺序排列的监听链，只追加不删除。
type chain struct {
	mu        sync.RWMutex
	listeners []*listener
}

func (c *chain) add(h Handler, arg any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// 复制后追加，已经取出的快照不受影响。
	next := make([]*listener, len(c.listeners), len(c.listeners)+1)
	copy(next, c.listeners)
	c.listeners = append(next, &listener{h: h, arg: arg})
}

func (c *chain) snapshot() []*listener {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.listeners
}

func (c *chain) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.listeners)
}

// callAll 将事件 e 分发给对应的监听链，返回是否有监听器接管了报文。
//
// 说明：
//   - 带会话且事件为会话级时使用会话自己的监听链，否则使用实例的监听链；
//   - 报文非空且类型已在监听器掩码中时跳过该监听器。
func (i *Instance) callAll(ctx context.Context, e Event, p *packet.Packet, u *User, s *Session) bool {
	var c *chain
	switch {
	case !e.valid():
		return false
	case e.SessionScoped():
		if s == nil {
			return false
		}
		c = s.chain(e)
	default:
		c = &i.chains[e]
	}

	listeners := c.snapshot()
	if len(listeners) == 0 {
		return false
	}

	start := time.Now()
	defer func() {
		metrics.DispatchLatency.WithLabelValues(e.String()).Observe(float64(time.Since(start).Microseconds()) / 1000)
	}()

	mc := &Context{Instance: i, Event: e, Packet: p, User: u, Session: s}
	useMask := !i.cfg.DisableTypeMask
	for _, l := range listeners {
		if useMask && p != nil && p.Type != packet.TypeUnknown && l.masked(p.Type) {
			continue
		}
		mc.Arg = l.arg
		r := l.h.Handle(ctx, mc)
		metrics.DispatchResults.WithLabelValues(e.String(), r.String()).Inc()
		switch r {
		case Handled:
			return true
		case Ignore:
			if p != nil && p.Type != packet.TypeUnknown {
				l.ignore(p.Type)
			}
		}
	}
	return false
}

// RegisterServer 在实例级事件 e 的监听链末尾登记 h。
// h 为 nil 或 e 不是实例级事件时不做任何事并返回错误。
func (i *Instance) RegisterServer(e Event, h Handler, arg any) error {
	if h == nil || !e.valid() || e.SessionScoped() {
		return errInvalidRegistration(e)
	}
	i.chains[e].add(h, arg)
	return nil
}
