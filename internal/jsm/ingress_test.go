package jsm

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/lk2023060901/jsm-go/internal/packet"
	"github.com/lk2023060901/jsm-go/internal/xdb"
	"github.com/lk2023060901/jsm-go/pkg/util/merr"
)

func TestKillSwitch(t *testing.T) {
	env := newTestEnv(t)
	phone := env.session(t, "dave@example.com/phone", "c2s@wire.example.com/1")
	laptop := env.session(t, "dave@example.com/laptop", "c2s@wire.example.com/2")
	dave := phone.Owner()
	dave.SetCredentials("hash")

	err := env.inst.HandleRoute(context.Background(), &packet.Route{
		Kind: packet.RouteError,
		To:   jid.MustParse("dave@example.com"),
		From: jid.MustParse("c2s@wire.example.com"),
	})
	require.NoError(t, err)

	assert.True(t, phone.Exited())
	assert.True(t, laptop.Exited())
	assert.Empty(t, dave.Sessions())
	_, ok := dave.Credentials()
	assert.False(t, ok)
	require.Eventually(t, func() bool {
		return phone.State() == StateGone && laptop.State() == StateGone
	}, 5*time.Second, 5*time.Millisecond)
}

// 撤销后的记录不会被回收，存储中的旧摘要不会被重新加载。
func TestKillSwitchSurvivesSweep(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	dave := jid.MustParse("dave@example.com")
	require.NoError(t, xdb.StoreDoc(ctx, env.store, dave, xdb.NSAuth, &xdb.Auth{Hash: "stored"}))

	phone := env.session(t, "dave@example.com/phone", "c2s@wire.example.com/1")
	u := phone.Owner()
	hash, ok := u.Credentials()
	require.True(t, ok)
	require.Equal(t, "stored", hash)

	require.NoError(t, env.inst.HandleRoute(ctx, &packet.Route{
		Kind: packet.RouteError,
		To:   dave,
		From: jid.MustParse("c2s@wire.example.com"),
	}))
	require.Eventually(t, func() bool { return phone.State() == StateGone }, 5*time.Second, 5*time.Millisecond)
	assert.True(t, u.Revoked())

	assert.Zero(t, env.inst.GarbageCollect())
	assert.Same(t, u, env.inst.LookupUser(dave))
	resolved, err := env.inst.ResolveUser(ctx, dave)
	require.NoError(t, err)
	assert.Same(t, u, resolved)
	_, ok = resolved.Credentials()
	assert.False(t, ok)

	u.SetCredentials("fresh")
	assert.False(t, u.Revoked())
	assert.Equal(t, 1, env.inst.GarbageCollect())
	assert.Nil(t, env.inst.LookupUser(dave))
}

func TestErrorRouteTerminatesOneSession(t *testing.T) {
	env := newTestEnv(t)
	phone := env.session(t, "dave@example.com/phone", "c2s@wire.example.com/1")
	laptop := env.session(t, "dave@example.com/laptop", "c2s@wire.example.com/2")
	phone.Owner().SetCredentials("hash")

	require.NoError(t, env.inst.HandleRoute(context.Background(), &packet.Route{
		Kind: packet.RouteError,
		To:   phone.Route(),
		From: jid.MustParse("c2s@wire.example.com/1"),
	}))
	require.NoError(t, env.inst.HandleRoute(context.Background(), &packet.Route{
		Kind: packet.RouteError,
		To:   jid.MustParse("dave@example.com/nothing"),
	}))

	assert.True(t, phone.Exited())
	assert.False(t, laptop.Exited())
	_, ok := phone.Owner().Credentials()
	assert.True(t, ok)

	require.Eventually(t, func() bool { return phone.State() == StateGone }, 5*time.Second, 5*time.Millisecond)
	// 接入层已经断开，不再回撤销路由。
	assert.Empty(t, env.rec.RoutesTo("c2s@wire.example.com/1"))
}

func TestDataRoute(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := env.session(t, "alice@example.com/phone", "c2s@wire.example.com/1")
	var outs []string
	require.NoError(t, sess.RegisterSession(EventOut, HandlerFunc(func(_ context.Context, c *Context) Result {
		outs = append(outs, c.Packet.Body)
		return Handled
	}), nil))

	require.NoError(t, env.inst.HandleRoute(ctx, &packet.Route{
		To:     sess.Route(),
		From:   jid.MustParse("c2s@wire.example.com/1"),
		Packet: msg("", "bob@example.com", "by route id"),
	}))
	require.NoError(t, env.inst.HandleRoute(ctx, &packet.Route{
		To:     jid.MustParse("alice@example.com/phone"),
		From:   jid.MustParse("c2s@wire.example.com/1"),
		Packet: msg("", "bob@example.com", "by resource"),
	}))
	syncSession(t, sess)
	assert.Equal(t, []string{"by route id", "by resource"}, outs)
}

func TestInvalidSessionEcho(t *testing.T) {
	env := newTestEnv(t)
	err := env.inst.HandleRoute(context.Background(), &packet.Route{
		To:     jid.MustParse("alice@example.com/phone"),
		From:   jid.MustParse("c2s@wire.example.com/9"),
		Packet: msg("", "bob@example.com", "hi"),
	})
	assert.True(t, errors.Is(err, merr.ErrSessionNotFound))

	routes := env.rec.RoutesTo("c2s@wire.example.com/9")
	require.Len(t, routes, 1)
	assert.Equal(t, packet.RouteError, routes[0].Kind)
	assert.Equal(t, stanza.ItemNotFound, routes[0].Error.Condition)
	assert.Equal(t, invalidSessionText, routes[0].Error.Text[""])
	assert.Nil(t, routes[0].Packet)
}

func TestSessionRouteFailure(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.RequireAccount = true })
	err := env.inst.HandleRoute(context.Background(), &packet.Route{
		Kind: packet.RouteSession,
		To:   jid.MustParse("ghost@example.com/phone"),
		From: jid.MustParse("c2s@wire.example.com/1"),
	})
	assert.Error(t, err)

	routes := env.rec.RoutesTo("c2s@wire.example.com/1")
	require.Len(t, routes, 1)
	assert.Equal(t, packet.RouteError, routes[0].Kind)
	assert.Equal(t, stanza.ItemNotFound, routes[0].Error.Condition)
}

func TestAuthRoute(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	wire := jid.MustParse("c2s@wire.example.com/1")
	auth := func(subtype, ns string) {
		require.NoError(t, env.inst.HandleRoute(ctx, &packet.Route{
			Kind:   packet.RouteAuth,
			To:     jid.MustParse("alice@example.com/phone"),
			From:   wire,
			Packet: packet.NewIQ(nil, jid.MustParse(testHost), subtype, "a1", ns, map[string]string{"password": "pw"}),
		}))
	}

	auth(packet.SubtypeSet, packet.NSAuth)
	require.Eventually(t, func() bool { return len(env.rec.RoutesTo(wire.String())) == 1 }, 5*time.Second, 5*time.Millisecond)
	r := env.rec.RoutesTo(wire.String())[0]
	assert.Equal(t, packet.RouteAuth, r.Kind)
	assert.Equal(t, stanza.NotAuthorized, r.Packet.Error.Condition)

	var events []Event
	h := HandlerFunc(func(_ context.Context, c *Context) Result {
		events = append(events, c.Event)
		c.Packet.MakeResult(nil)
		return Handled
	})
	require.NoError(t, env.inst.RegisterServer(EventRegister, h, nil))
	auth(packet.SubtypeSet, packet.NSRegister)
	require.Eventually(t, func() bool { return len(env.rec.RoutesTo(wire.String())) == 2 }, 5*time.Second, 5*time.Millisecond)
	r = env.rec.RoutesTo(wire.String())[1]
	assert.Equal(t, packet.SubtypeResult, r.Packet.Subtype)
	assert.Equal(t, []Event{EventRegister}, events)
}

func TestAuthRouteForwarded(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.AuthService = "auth.example.com" })
	p := packet.NewIQ(nil, jid.MustParse(testHost), packet.SubtypeSet, "a1", packet.NSAuth, nil)
	require.NoError(t, env.inst.HandleRoute(context.Background(), &packet.Route{
		Kind:   packet.RouteAuth,
		To:     jid.MustParse("alice@example.com/phone"),
		From:   jid.MustParse("c2s@wire.example.com/1"),
		Packet: p,
	}))

	routes := env.rec.RoutesTo("auth.example.com")
	require.Len(t, routes, 1)
	assert.Equal(t, packet.RouteAuth, routes[0].Kind)
	assert.Equal(t, "c2s@wire.example.com/1", routes[0].From.String())
	assert.NotSame(t, p, routes[0].Packet)
}

func TestLazyHostCreation(t *testing.T) {
	env := newTestEnv(t)
	assert.False(t, env.inst.Hosted("new.example.org"))
	require.NoError(t, env.inst.HandleRoute(context.Background(), &packet.Route{
		Kind: packet.RouteSession,
		To:   jid.MustParse("alice@new.example.org/phone"),
		From: jid.MustParse("c2s@wire.example.com/1"),
	}))
	assert.True(t, env.inst.Hosted("new.example.org"))
	assert.Equal(t, 1, env.inst.SessionCount())
}

type nopModule struct{ name string }

func (m nopModule) Name() string         { return m.name }
func (m nopModule) Init(*Instance) error { return nil }

func TestLoadModules(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.inst.Load(nopModule{"a"}, nopModule{"b"}))
	err := env.inst.Load(nopModule{"a"})
	assert.True(t, errors.Is(err, merr.ErrHandlerDuplicated))
	assert.ElementsMatch(t, []string{"a", "b"}, env.inst.Modules())
}

func TestShutdown(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	var shutdowns int
	require.NoError(t, env.inst.RegisterServer(EventShutdown, HandlerFunc(func(context.Context, *Context) Result {
		shutdowns++
		return Pass
	}), nil))
	require.NoError(t, env.inst.Start(ctx))
	sess := env.session(t, "alice@example.com/phone", "c2s@wire.example.com/1")

	require.NoError(t, env.inst.Shutdown(ctx))
	assert.Equal(t, 1, shutdowns)
	assert.Equal(t, StateGone, sess.State())
	assert.Zero(t, env.inst.SessionCount())
	assert.True(t, errors.Is(env.inst.Deliver(ctx, msg("a@example.com/x", "b@example.com", "")), merr.ErrServiceShutdown))
	assert.NoError(t, env.inst.Shutdown(ctx))
}

func TestHandlePacket(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := env.session(t, "alice@example.com/phone", "c2s@wire.example.com/1")

	require.NoError(t, env.inst.HandlePacket(ctx, msg("bob@remote.net/x", "alice@example.com/phone", "from afar")))
	syncSession(t, sess)
	routes := env.rec.RoutesTo("c2s@wire.example.com/1")
	require.NotEmpty(t, routes)
	last := routes[len(routes)-1]
	require.NotNil(t, last.Packet)
	assert.Equal(t, "from afar", last.Packet.Body)

	// 未托管的域在收到报文时建立，没有离线处理时以 service-unavailable 弹回。
	require.NoError(t, env.inst.HandlePacket(ctx, msg("bob@remote.net/x", "carol@other.example.org", "hello")))
	assert.True(t, env.inst.Hosted("other.example.org"))
	require.Eventually(t, func() bool { return len(env.rec.Deliveries()) == 1 }, 5*time.Second, 5*time.Millisecond)
	bounced := env.rec.Deliveries()[0]
	require.NotNil(t, bounced.Error)
	assert.Equal(t, stanza.ServiceUnavailable, bounced.Error.Condition)
	assert.Equal(t, "bob@remote.net/x", bounced.To.String())

	err := env.inst.HandlePacket(ctx, msg("bob@remote.net/x", "", "nowhere"))
	assert.True(t, errors.Is(err, merr.ErrPacketNoRecipient))
}
