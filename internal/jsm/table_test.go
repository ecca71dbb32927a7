package jsm

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"mellium.im/xmpp/jid"

	"github.com/lk2023060901/jsm-go/internal/xdb"
	"github.com/lk2023060901/jsm-go/pkg/util/merr"
)

func TestResolveUserSingleWinner(t *testing.T) {
	env := newTestEnv(t)

	const k = 32
	users := make([]*User, k)
	var wg sync.WaitGroup
	for n := 0; n < k; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			addr := "alice@example.com"
			if n%2 == 1 {
				addr = "Alice@example.com/phone"
			}
			u, err := env.inst.ResolveUser(context.Background(), jid.MustParse(addr))
			assert.NoError(t, err)
			users[n] = u
		}(n)
	}
	wg.Wait()

	require.NotNil(t, users[0])
	for _, u := range users {
		assert.Same(t, users[0], u)
	}
	assert.Equal(t, 1, env.inst.UserCount())
	assert.Equal(t, "alice@example.com", users[0].JID().String())
}

func TestResolveUserErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.inst.ResolveUser(ctx, jid.MustParse("alice@elsewhere.org"))
	assert.True(t, errors.Is(err, merr.ErrHostNotFound))

	_, err = env.inst.ResolveUser(ctx, jid.MustParse("example.com"))
	assert.True(t, errors.Is(err, merr.ErrUserInvalid))

	u, err := env.inst.ResolveUser(ctx, jid.MustParse("ghost@example.com"))
	require.NoError(t, err)
	_, ok := u.Credentials()
	assert.False(t, ok)
}

func TestResolveUserStrict(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.RequireAccount = true })
	ctx := context.Background()

	_, err := env.inst.ResolveUser(ctx, jid.MustParse("ghost@example.com"))
	assert.True(t, errors.Is(err, merr.ErrUserNotFound))
	assert.Zero(t, env.inst.UserCount())

	bob := jid.MustParse("bob@example.com")
	require.NoError(t, xdb.StoreDoc(ctx, env.store, bob, xdb.NSAuth, &xdb.Auth{Hash: "h"}))
	u, err := env.inst.ResolveUser(ctx, bob)
	require.NoError(t, err)
	hash, ok := u.Credentials()
	assert.True(t, ok)
	assert.Equal(t, "h", hash)
}

func TestResolveUserStorageFailure(t *testing.T) {
	env := newTestEnv(t)
	env.store.FailReads(errors.New("disk on fire"))

	_, err := env.inst.ResolveUser(context.Background(), jid.MustParse("alice@example.com"))
	assert.Error(t, err)
	assert.Zero(t, env.inst.UserCount())
}

func TestGarbageCollectKeepsUsersInUse(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tbl := env.inst.table(testHost)

	idle, err := env.inst.ResolveUser(ctx, jid.MustParse("idle@example.com"))
	require.NoError(t, err)

	held, err := tbl.acquire(ctx, "held", false)
	require.NoError(t, err)

	s := env.session(t, "online@example.com/laptop", "c2s@wire.example.com/1")

	assert.Equal(t, 1, env.inst.GarbageCollect())
	assert.Nil(t, env.inst.LookupUser(idle.JID()))
	assert.Same(t, held, tbl.lookup("held"))
	assert.Same(t, s.Owner(), env.inst.LookupUser(s.JID()))

	tbl.release(held)
	s.Terminate("bye")
	require.Eventually(t, func() bool { return s.State() == StateGone }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, env.inst.GarbageCollect())
	assert.Zero(t, env.inst.UserCount())
}

func TestGarbageCollectUnderSessionChurn(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	stop := make(chan struct{})
	var gcRuns atomic.Int32
	gcDone := make(chan struct{})
	go func() {
		defer close(gcDone)
		for {
			select {
			case <-stop:
				return
			default:
				env.inst.GarbageCollect()
				gcRuns.Inc()
			}
		}
	}()

	const (
		workers = 8
		rounds  = 100
	)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for n := 0; n < rounds; n++ {
				full := jid.MustParse(fmt.Sprintf("user%d@example.com/r%d", n%5, w))
				s, err := env.inst.CreateSession(ctx, full, jid.MustParse(fmt.Sprintf("c2s@wire.example.com/%d-%d", w, n)))
				if !assert.NoError(t, err) {
					return
				}
				assert.Same(t, s.Owner(), env.inst.LookupUser(full), "linked owner must stay in the table")
				if n%3 == 0 {
					_, err := env.inst.ResolveUser(ctx, full)
					assert.NoError(t, err)
				}
				s.Terminate("churn")
			}
		}(w)
	}
	wg.Wait()
	close(stop)
	<-gcDone

	require.Eventually(t, func() bool { return env.inst.SessionCount() == 0 }, 5*time.Second, 5*time.Millisecond)
	env.inst.GarbageCollect()
	assert.Zero(t, env.inst.UserCount())
	assert.Positive(t, gcRuns.Load())
}
