// Package transport 定义核心回调接入层的接口。
package transport

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/lk2023060901/jsm-go/internal/packet"
	"github.com/lk2023060901/jsm-go/pkg/log"
)

// Transport 为核心到接入层的出口。
//
// 说明：
//   - Deliver 将报文交给域间路由（目标域不在本实例托管时使用）；
//   - Route 将路由封装推送给接入层中已登记的内部路由，
//     用于会话握手、路由撤销以及把报文送达客户端。
type Transport interface {
	Deliver(ctx context.Context, p *packet.Packet) error
	Route(ctx context.Context, r *packet.Route) error
}

// Logging 记录每次出站调用，并可选地转发给下一个 Transport。
type Logging struct {
	next Transport
}

var _ Transport = (*Logging)(nil)

// NewLogging 创建一个日志 Transport，next 为 nil 时只记录不转发。
func NewLogging(next Transport) *Logging {
	return &Logging{next: next}
}

func (l *Logging) Deliver(ctx context.Context, p *packet.Packet) error {
	log.Ctx(ctx).Debug("deliver to remote domain",
		zap.Stringer("packet", p))
	if l.next == nil {
		return nil
	}
	return l.next.Deliver(ctx, p)
}

func (l *Logging) Route(ctx context.Context, r *packet.Route) error {
	fields := []zap.Field{
		zap.String("kind", string(r.Kind)),
		log.FieldJID(r.To),
		zap.Stringer("from", r.From),
	}
	if r.Packet != nil {
		fields = append(fields, zap.Stringer("packet", r.Packet))
	}
	if r.Error != nil {
		fields = append(fields, zap.String("condition", string(r.Error.Condition)))
	}
	log.Ctx(ctx).Debug("route to wire", fields...)
	if l.next == nil {
		return nil
	}
	return l.next.Route(ctx, r)
}

// Recorder 记录所有出站流量，供测试与示例检查。
type Recorder struct {
	mu         sync.Mutex
	deliveries []*packet.Packet
	routes     []*packet.Route
	notify     chan struct{}
}

var _ Transport = (*Recorder)(nil)

func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1)}
}

func (r *Recorder) Deliver(_ context.Context, p *packet.Packet) error {
	r.mu.Lock()
	r.deliveries = append(r.deliveries, p)
	r.mu.Unlock()
	r.signal()
	return nil
}

func (r *Recorder) Route(_ context.Context, rt *packet.Route) error {
	r.mu.Lock()
	r.routes = append(r.routes, rt)
	r.mu.Unlock()
	r.signal()
	return nil
}

func (r *Recorder) signal() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Notify 在每次记录新流量后可读（合并通知）。
func (r *Recorder) Notify() <-chan struct{} {
	return r.notify
}

// Deliveries 返回已记录的域间报文快照。
func (r *Recorder) Deliveries() []*packet.Packet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*packet.Packet(nil), r.deliveries...)
}

// Routes 返回已记录的路由封装快照。
func (r *Recorder) Routes() []*packet.Route {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*packet.Route(nil), r.routes...)
}

// RoutesTo 返回发往 to（按完整地址比较）的路由封装。
func (r *Recorder) RoutesTo(to string) []*packet.Route {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*packet.Route
	for _, rt := range r.routes {
		if rt.To.String() == to {
			out = append(out, rt)
		}
	}
	return out
}

// Reset 清空记录。
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.deliveries = nil
	r.routes = nil
	r.mu.Unlock()
}
