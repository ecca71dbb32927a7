package mods

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/suite"
	"golang.org/x/crypto/bcrypt"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/lk2023060901/jsm-go/internal/jsm"
	"github.com/lk2023060901/jsm-go/internal/packet"
	"github.com/lk2023060901/jsm-go/internal/transport"
	"github.com/lk2023060901/jsm-go/internal/xdb"
	"github.com/lk2023060901/jsm-go/pkg/log"
)

const (
	host = "example.com"
	wire = "c2s@wire.example.com/1"
)

type ModsSuite struct {
	suite.Suite
	ctx   context.Context
	inst  *jsm.Instance
	store *xdb.MemStore
	rec   *transport.Recorder
}

func (s *ModsSuite) SetupTest() {
	lg, props, err := log.InitTestLogger(s.T(), &log.Config{Level: "debug"})
	s.Require().NoError(err)
	log.ReplaceGlobals(lg, props)

	s.ctx = context.Background()
	cfg := jsm.DefaultConfig()
	cfg.Hosts = []string{host}
	cfg.Admin.Read = []string{"reader@example.com"}
	cfg.Admin.Write = []string{"root@example.com"}
	s.store = xdb.NewMemStore()
	s.rec = transport.NewRecorder()
	inst, err := jsm.New(cfg, s.store, s.rec)
	s.Require().NoError(err)
	s.Require().NoError(inst.Load(Default(Options{HashCost: bcrypt.MinCost, ServerName: "jsm-test", ServerVersion: "1.2.3"})...))
	s.inst = inst
}

func (s *ModsSuite) TearDownTest() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.NoError(s.inst.Shutdown(ctx))
}

func (s *ModsSuite) waitRoutes(to string, n int) []*packet.Route {
	s.Require().Eventually(func() bool { return len(s.rec.RoutesTo(to)) >= n }, 5*time.Second, 5*time.Millisecond)
	return s.rec.RoutesTo(to)
}

// iqRoute 发出一次认证类请求并返回回复报文。
func (s *ModsSuite) iqRoute(user, subtype, ns string, fields map[string]string) *packet.Packet {
	n := len(s.rec.RoutesTo(wire))
	s.Require().NoError(s.inst.HandleRoute(s.ctx, &packet.Route{
		Kind:   packet.RouteAuth,
		To:     jid.MustParse(user + "@" + host + "/phone"),
		From:   jid.MustParse(wire),
		Packet: packet.NewIQ(nil, jid.MustParse(host), subtype, "q", ns, fields),
	}))
	routes := s.waitRoutes(wire, n+1)
	s.Equal(packet.RouteAuth, routes[n].Kind)
	return routes[n].Packet
}

func (s *ModsSuite) register(user, password string) {
	reply := s.iqRoute(user, packet.SubtypeSet, packet.NSRegister, map[string]string{"username": user, "password": password})
	s.Require().Equal(packet.SubtypeResult, reply.Subtype)
}

func (s *ModsSuite) login(user, password string) *packet.Packet {
	return s.iqRoute(user, packet.SubtypeSet, packet.NSAuth, map[string]string{"username": user, "password": password})
}

func (s *ModsSuite) session(full, remote string) *jsm.Session {
	n := len(s.rec.RoutesTo(remote))
	s.Require().NoError(s.inst.HandleRoute(s.ctx, &packet.Route{
		Kind: packet.RouteSession,
		To:   jid.MustParse(full),
		From: jid.MustParse(remote),
	}))
	routes := s.waitRoutes(remote, n+1)
	sess := s.inst.SessionByRoute(routes[n].From.Localpart())
	s.Require().NotNil(sess)
	s.Require().Eventually(func() bool { return sess.State() == jsm.StateActive }, 5*time.Second, 5*time.Millisecond)
	return sess
}

func (s *ModsSuite) available(sess *jsm.Session, remote string, priority int) {
	n := len(s.rec.RoutesTo(remote))
	p := packet.NewPresence(nil, nil, "")
	p.Priority = priority
	s.Require().NoError(s.inst.HandleRoute(s.ctx, &packet.Route{To: sess.Route(), From: jid.MustParse(remote), Packet: p}))
	// 广播 presence 发往自己的 bare 地址，再分发回可用会话。
	if priority >= 0 {
		s.waitRoutes(remote, n+1)
	}
}

func (s *ModsSuite) TestRegisterAndAuthenticate() {
	reply := s.iqRoute("alice", packet.SubtypeGet, packet.NSRegister, nil)
	s.Equal(packet.SubtypeResult, reply.Subtype)
	s.NotContains(reply.Query.Fields, "registered")

	s.register("alice", "secret")
	doc, err := xdb.LoadDoc[xdb.Auth](s.ctx, s.store, jid.MustParse("alice@example.com"), xdb.NSAuth)
	s.Require().NoError(err)
	s.Require().NotNil(doc)
	s.NoError(bcrypt.CompareHashAndPassword([]byte(doc.Hash), []byte("secret")))

	s.Equal(packet.SubtypeResult, s.login("alice", "secret").Subtype)
	bad := s.login("alice", "wrong")
	s.Require().NotNil(bad.Error)
	s.Equal(stanza.NotAuthorized, bad.Error.Condition)

	reply = s.iqRoute("alice", packet.SubtypeGet, packet.NSAuth, nil)
	s.Equal(packet.SubtypeResult, reply.Subtype)
	s.Equal("alice", reply.Query.Field("username"))
}

func (s *ModsSuite) TestAuthUnknownUser() {
	reply := s.login("nobody", "secret")
	s.Require().NotNil(reply.Error)
	s.Equal(stanza.NotAuthorized, reply.Error.Condition)
}

func (s *ModsSuite) TestRegisterStorageFailureKeepsCache() {
	s.register("alice", "secret")
	s.store.FailWrites(xdbFailure)
	reply := s.iqRoute("alice", packet.SubtypeSet, packet.NSRegister, map[string]string{"password": "other"})
	s.Require().NotNil(reply.Error)
	s.Equal(stanza.ServiceUnavailable, reply.Error.Condition)
	s.store.FailWrites(nil)

	s.Equal(packet.SubtypeResult, s.login("alice", "secret").Subtype)
	s.NotNil(s.login("alice", "other").Error)
}

func (s *ModsSuite) TestRegisterRemove() {
	s.register("alice", "secret")
	reply := s.iqRoute("alice", packet.SubtypeSet, packet.NSRegister, map[string]string{"remove": ""})
	s.Equal(packet.SubtypeResult, reply.Subtype)
	doc, err := s.store.Get(s.ctx, jid.MustParse("alice@example.com"), xdb.NSAuth)
	s.NoError(err)
	s.Nil(doc)
	s.NotNil(s.login("alice", "secret").Error)
}

// 踢下线后，原口令的明文认证失败。
func (s *ModsSuite) TestKillSwitchRevokesCredentials() {
	s.register("dave", "secret")
	sess := s.session("dave@example.com/phone", "c2s@wire.example.com/dave")

	s.Require().NoError(s.inst.HandleRoute(s.ctx, &packet.Route{
		Kind: packet.RouteError,
		To:   jid.MustParse("dave@example.com"),
		From: jid.MustParse("c2s@wire.example.com"),
	}))
	s.True(sess.Exited())

	reply := s.login("dave", "secret")
	s.Require().NotNil(reply.Error)
	s.Equal(stanza.NotAuthorized, reply.Error.Condition)
}

func (s *ModsSuite) TestOfflineStoreAndFlush() {
	bob := jid.MustParse("bob@example.com")
	_, err := s.inst.ResolveUser(s.ctx, bob)
	s.Require().NoError(err)

	for _, body := range []string{"one", "two"} {
		s.Require().NoError(s.inst.Deliver(s.ctx, packet.NewMessage(jid.MustParse("alice@remote.net/pc"), bob, packet.SubtypeChat, body)))
	}
	s.Require().Eventually(func() bool {
		items, err := xdb.LoadCollection[xdb.OfflineMessage](s.ctx, s.store, bob, xdb.NSOffline)
		return err == nil && len(items) == 2
	}, 5*time.Second, 5*time.Millisecond)
	s.Empty(s.rec.Deliveries())

	remote := "c2s@wire.example.com/bob"
	sess := s.session("bob@example.com/pc", remote)
	before := len(s.rec.RoutesTo(remote))
	s.available(sess, remote, 1)

	var bodies []string
	s.Require().Eventually(func() bool {
		bodies = bodies[:0]
		for _, r := range s.rec.RoutesTo(remote)[before:] {
			if r.Packet != nil && r.Packet.Type == packet.TypeMessage {
				bodies = append(bodies, r.Packet.Body)
			}
		}
		return len(bodies) == 2
	}, 5*time.Second, 5*time.Millisecond)
	s.Equal([]string{"one", "two"}, bodies)

	doc, err := s.store.Get(s.ctx, bob, xdb.NSOffline)
	s.NoError(err)
	s.Nil(doc)
}

func (s *ModsSuite) TestOfflineToPrimarySession() {
	remote := "c2s@wire.example.com/carol"
	sess := s.session("carol@example.com/pc", remote)
	s.available(sess, remote, 3)
	before := len(s.rec.RoutesTo(remote))

	s.Require().NoError(s.inst.Deliver(s.ctx, packet.NewMessage(jid.MustParse("alice@remote.net/pc"), jid.MustParse("carol@example.com"), packet.SubtypeChat, "live")))
	routes := s.waitRoutes(remote, before+1)
	s.Equal("live", routes[before].Packet.Body)
	doc, err := s.store.Get(s.ctx, jid.MustParse("carol@example.com"), xdb.NSOffline)
	s.NoError(err)
	s.Nil(doc)
}

func (s *ModsSuite) TestOfflineStorageFailureBounces() {
	_, err := s.inst.ResolveUser(s.ctx, jid.MustParse("bob@example.com"))
	s.Require().NoError(err)
	s.store.FailWrites(xdbFailure)
	defer s.store.FailWrites(nil)

	s.Require().NoError(s.inst.Deliver(s.ctx, packet.NewMessage(jid.MustParse("alice@remote.net/pc"), jid.MustParse("bob@example.com"), packet.SubtypeChat, "x")))
	s.Require().Eventually(func() bool { return len(s.rec.Deliveries()) == 1 }, 5*time.Second, 5*time.Millisecond)
	s.Equal(stanza.ServiceUnavailable, s.rec.Deliveries()[0].Error.Condition)
}

func (s *ModsSuite) TestPresenceTracking() {
	remote := "c2s@wire.example.com/erin"
	sess := s.session("erin@example.com/pc", remote)
	s.Equal(-1, sess.Priority())
	s.available(sess, remote, 7)
	s.Equal(7, sess.Priority())
	s.True(sess.Presence().IsAvailable())
	s.Same(sess, sess.Owner().PrimarySession())
}

func (s *ModsSuite) TestStatusQueryAnsweredForTrustedContacts() {
	erin := jid.MustParse("erin@example.com")
	s.Require().NoError(xdb.StoreDoc(s.ctx, s.store, erin, xdb.NSRoster, xdb.Roster{Items: []xdb.RosterItem{
		{JID: "alice@remote.net", Subscription: "both"},
		{JID: "mallory@remote.net", Subscription: "to"},
	}}))
	remote := "c2s@wire.example.com/erin"
	sess := s.session("erin@example.com/pc", remote)
	s.available(sess, remote, 3)

	s.Require().NoError(s.inst.Deliver(s.ctx, packet.NewPresence(jid.MustParse("mallory@remote.net/x"), erin, stanza.ProbePresence)))
	s.Require().NoError(s.inst.Deliver(s.ctx, packet.NewPresence(jid.MustParse("alice@remote.net/pc"), erin, stanza.ProbePresence)))

	s.Require().Eventually(func() bool { return len(s.rec.Deliveries()) == 1 }, 5*time.Second, 5*time.Millisecond)
	reply := s.rec.Deliveries()[0]
	s.True(reply.IsAvailable())
	s.Equal(3, reply.Priority)
	s.Equal("erin@example.com/pc", reply.From.String())
	s.Equal("alice@remote.net/pc", reply.To.String())

	trusted, err := sess.Owner().Trusted(s.ctx)
	s.Require().NoError(err)
	s.Len(trusted, 2)
}

// 没有可用会话时订阅请求被保存，不会被自动拒绝。
func (s *ModsSuite) TestSubscribeHeldUntilAvailable() {
	gina := jid.MustParse("gina@example.com")
	_, err := s.inst.ResolveUser(s.ctx, gina)
	s.Require().NoError(err)

	// 同一请求方的重复请求只保留最后一条。
	for _, req := range []struct{ from, status string }{
		{"alice@remote.net/pc", "hello"},
		{"alice@remote.net/phone", "add me"},
	} {
		p := packet.NewPresence(jid.MustParse(req.from), gina, stanza.SubscribePresence)
		p.Status = req.status
		s.Require().NoError(s.inst.Deliver(s.ctx, p))
		s.Require().Eventually(func() bool {
			items, err := xdb.LoadCollection[xdb.PendingSubscription](s.ctx, s.store, gina, xdb.NSSubscribe)
			return err == nil && len(items) == 1 && items["alice@remote.net"].Status == req.status
		}, 5*time.Second, 5*time.Millisecond)
	}
	s.Empty(s.rec.Deliveries())

	remote := "c2s@wire.example.com/gina"
	sess := s.session("gina@example.com/pc", remote)
	before := len(s.rec.RoutesTo(remote))
	s.available(sess, remote, 0)

	var got *packet.Packet
	s.Require().Eventually(func() bool {
		for _, r := range s.rec.RoutesTo(remote)[before:] {
			if r.Packet != nil && r.Packet.Type == packet.TypeS10N {
				got = r.Packet
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)
	s.Equal(string(stanza.SubscribePresence), got.Subtype)
	s.Equal("alice@remote.net", got.From.String())
	s.Equal("add me", got.Status)

	doc, err := s.store.Get(s.ctx, gina, xdb.NSSubscribe)
	s.NoError(err)
	s.Nil(doc)
}

// 保存失败时退回到自动拒绝。
func (s *ModsSuite) TestSubscribeStorageFailureDenies() {
	gina := jid.MustParse("gina@example.com")
	_, err := s.inst.ResolveUser(s.ctx, gina)
	s.Require().NoError(err)
	s.store.FailWrites(xdbFailure)
	defer s.store.FailWrites(nil)

	s.Require().NoError(s.inst.Deliver(s.ctx, packet.NewPresence(jid.MustParse("alice@remote.net/pc"), gina, stanza.SubscribePresence)))
	s.Require().Eventually(func() bool { return len(s.rec.Deliveries()) == 1 }, 5*time.Second, 5*time.Millisecond)
	denial := s.rec.Deliveries()[0]
	s.Equal(packet.TypeS10N, denial.Type)
	s.Equal(string(stanza.UnsubscribedPresence), denial.Subtype)
}

func (s *ModsSuite) TestVersion() {
	iq := packet.NewIQ(jid.MustParse("alice@remote.net/pc"), jid.MustParse(host), packet.SubtypeGet, "v", packet.NSVersion, nil)
	s.Require().NoError(s.inst.Deliver(s.ctx, iq))
	s.Require().Eventually(func() bool { return len(s.rec.Deliveries()) == 1 }, 5*time.Second, 5*time.Millisecond)
	reply := s.rec.Deliveries()[0]
	s.Equal(packet.SubtypeResult, reply.Subtype)
	s.Equal("jsm-test", reply.Query.Field("name"))
	s.Equal("1.2.3", reply.Query.Field("version"))
}

func (s *ModsSuite) adminIQ(from, subtype string, fields map[string]string) *packet.Packet {
	n := len(s.rec.Deliveries())
	iq := packet.NewIQ(jid.MustParse(from), jid.MustParse(host), subtype, "adm", packet.NSAdmin, fields)
	s.Require().NoError(s.inst.Deliver(s.ctx, iq))
	s.Require().Eventually(func() bool { return len(s.rec.Deliveries()) > n }, 5*time.Second, 5*time.Millisecond)
	return s.rec.Deliveries()[n]
}

func (s *ModsSuite) TestAdmin() {
	// 回复发往本地用户时没有会话，这里用远端域的地址观察结果。
	s.Equal(stanza.NotAllowed, s.adminIQ("alice@remote.net/pc", packet.SubtypeGet, nil).Error.Condition)

	victim := s.session("frank@example.com/pc", "c2s@wire.example.com/frank")
	s.Require().NoError(s.inst.RegisterServer(jsm.EventDeliver, jsm.HandlerFunc(func(ctx context.Context, c *jsm.Context) jsm.Result {
		if c.Packet.Namespace() == packet.NSAdmin && c.Packet.Subtype != packet.SubtypeGet && c.Packet.Subtype != packet.SubtypeSet {
			_ = s.rec.Deliver(ctx, c.Packet)
			return jsm.Handled
		}
		return jsm.Pass
	}), nil))

	reply := s.adminIQ("reader@example.com/console", packet.SubtypeGet, nil)
	s.Equal(packet.SubtypeResult, reply.Subtype)
	s.Equal("1", reply.Query.Field("sessions"))

	reply = s.adminIQ("reader@example.com/console", packet.SubtypeSet, map[string]string{"kick": "frank@example.com"})
	s.Equal(stanza.NotAllowed, reply.Error.Condition)
	s.False(victim.Exited())

	reply = s.adminIQ("root@example.com/console", packet.SubtypeSet, map[string]string{"kick": "frank@example.com"})
	s.Equal(packet.SubtypeResult, reply.Subtype)
	s.Equal("1", reply.Query.Field("kicked"))
	s.True(victim.Exited())
}

func TestMods(t *testing.T) {
	suite.Run(t, new(ModsSuite))
}

var xdbFailure = errors.New("storage offline")
