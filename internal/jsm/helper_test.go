package jsm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"mellium.im/xmpp/jid"

	"github.com/lk2023060901/jsm-go/internal/packet"
	"github.com/lk2023060901/jsm-go/internal/transport"
	"github.com/lk2023060901/jsm-go/internal/xdb"
	"github.com/lk2023060901/jsm-go/pkg/log"
)

const testHost = "example.com"

type testEnv struct {
	inst  *Instance
	store *xdb.MemStore
	rec   *transport.Recorder
}

func newTestEnv(t *testing.T, mutate ...func(cfg *Config)) *testEnv {
	t.Helper()
	useTestLogger(t)
	cfg := DefaultConfig()
	cfg.Hosts = []string{testHost}
	cfg.GCInterval = time.Hour
	for _, fn := range mutate {
		fn(cfg)
	}
	store := xdb.NewMemStore()
	rec := transport.NewRecorder()
	inst, err := New(cfg, store, rec)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = inst.Shutdown(ctx)
	})
	return &testEnv{inst: inst, store: store, rec: rec}
}

// useTestLogger 将全局日志输出切到 t，须在登记实例关闭之前调用，
// 使 sink 在实例关闭之后才关闭。
func useTestLogger(t *testing.T) {
	t.Helper()
	lg, props, err := log.InitTestLogger(t, &log.Config{Level: "debug"})
	require.NoError(t, err)
	log.ReplaceGlobals(lg, props)
}

// session 建立会话并等待 EventSession 分发完成。
func (e *testEnv) session(t *testing.T, full, remote string) *Session {
	t.Helper()
	s, err := e.inst.CreateSession(context.Background(), jid.MustParse(full), jid.MustParse(remote))
	require.NoError(t, err)
	syncSession(t, s)
	return s
}

// syncSession 等待会话队列中已有的任务全部执行完毕。
func syncSession(t *testing.T, s *Session) {
	t.Helper()
	done := make(chan struct{})
	s.queue.push(func() { close(done) })
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("session %s queue did not drain", s.ID())
	}
}

func msg(from, to, body string) *packet.Packet {
	var f, tt *jid.JID
	if from != "" {
		f = jid.MustParse(from)
	}
	if to != "" {
		tt = jid.MustParse(to)
	}
	return packet.NewMessage(f, tt, packet.SubtypeChat, body)
}

// counter 为只计数并返回固定结果的监听器。
type counter struct {
	calls map[packet.Type]int
	res   func(p *packet.Packet) Result
}

func newCounter(res func(p *packet.Packet) Result) *counter {
	return &counter{calls: make(map[packet.Type]int), res: res}
}

func (c *counter) Handle(_ context.Context, mc *Context) Result {
	var t packet.Type
	if mc.Packet != nil {
		t = mc.Packet.Type
	}
	c.calls[t]++
	if c.res == nil {
		return Pass
	}
	return c.res(mc.Packet)
}
