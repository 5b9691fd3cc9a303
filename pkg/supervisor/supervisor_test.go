package supervisor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"relay-farm/pkg/api"
	"relay-farm/pkg/database"
	"relay-farm/pkg/models"
	"relay-farm/pkg/node"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	proxyA = "http://10.0.0.1:8080"
	proxyB = "http://10.0.0.2:8080"
)

func newStore(t *testing.T) *database.DB {
	t.Helper()

	db, err := database.NewDB(database.Config{Driver: database.DriverSQLite, DSN: ":memory:"}, nil)
	require.NoError(t, err)
	require.NoError(t, db.InitSchema(context.Background()))
	t.Cleanup(func() { db.Close() })

	return db
}

type acceptAll struct{}

func (acceptAll) Validate(context.Context, string) bool { return true }

type fakeSession struct {
	run func(ctx context.Context) error

	mu     sync.Mutex
	status node.Status
}

func (f *fakeSession) Run(ctx context.Context) error {
	f.mu.Lock()
	f.status = node.Status{State: node.StateConnected, LastLive: time.Now()}
	f.mu.Unlock()

	err := f.run(ctx)

	f.mu.Lock()
	f.status.State = node.StateTerminated
	f.mu.Unlock()
	return err
}

func (f *fakeSession) Status() node.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

type started struct {
	identity node.Identity
	proxy    string
}

// sessions records every session the supervisor creates and runs each
// with the behaviour returned by script.
type sessions struct {
	script func(proxy string, n int) error

	mu      sync.Mutex
	started []started
}

func (s *sessions) factory(identity node.Identity, proxyURL, userAgent string) (Session, error) {
	s.mu.Lock()
	s.started = append(s.started, started{identity: identity, proxy: proxyURL})
	n := 0
	for _, st := range s.started {
		if st.proxy == proxyURL {
			n++
		}
	}
	s.mu.Unlock()

	return &fakeSession{run: func(ctx context.Context) error {
		if err := s.script(proxyURL, n); err != nil {
			return err
		}
		<-ctx.Done()
		return ctx.Err()
	}}, nil
}

func (s *sessions) all() []started {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]started(nil), s.started...)
}

type fakeAPI struct {
	loginErr error
	score    float64
	points   string
	claimErr error

	claims  *atomic.Int32
	active  *atomic.Int32
	maxSeen *atomic.Int32
}

func (f *fakeAPI) Login(ctx context.Context) (api.LoginResult, error) {
	if f.loginErr != nil {
		return api.LoginResult{}, f.loginErr
	}
	return api.LoginResult{UserID: "uid-" + f.points, AccessToken: "tok"}, nil
}

func (f *fakeAPI) ClaimRewards(ctx context.Context) error {
	if f.active != nil {
		n := f.active.Add(1)
		for {
			prev := f.maxSeen.Load()
			if n <= prev || f.maxSeen.CompareAndSwap(prev, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		f.active.Add(-1)
	}
	if f.claims != nil {
		f.claims.Add(1)
	}
	return f.claimErr
}

func (f *fakeAPI) EpochPoints(ctx context.Context) (string, error) { return f.points, nil }

func (f *fakeAPI) ProxyScore(ctx context.Context) (float64, error) { return f.score, nil }

func (f *fakeAPI) CloseIdleConnections() {}

func apiFactory(byProxy map[string]*fakeAPI, fallback *fakeAPI) APIFactory {
	return func(account Account, proxyURL, userAgent string) (API, error) {
		if a, ok := byProxy[proxyURL]; ok {
			return a, nil
		}
		return fallback, nil
	}
}

func testConfig() Config {
	return Config{
		StartInterval:     time.Millisecond,
		BackoffInitial:    time.Millisecond,
		BackoffMax:        5 * time.Millisecond,
		ForbiddenCooldown: 10 * time.Millisecond,
		PointsInterval:    time.Hour,
		Node:              node.Config{UserAgent: "test-agent"},
	}
}

type runResult struct {
	cancel context.CancelFunc
	done   chan error
}

func start(t *testing.T, s *Supervisor, accounts []Account) *runResult {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	r := &runResult{cancel: cancel, done: make(chan error, 1)}
	go func() { r.done <- s.Run(ctx, accounts) }()
	t.Cleanup(cancel)

	return r
}

func (r *runResult) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not return")
		return nil
	}
}

func TestForbiddenProxyIsQuarantinedAndReplaced(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.AssignProxy(ctx, "a@x.test", proxyA))
	require.NoError(t, store.ReplaceSparePool(ctx, []string{proxyB}))

	rec := &sessions{script: func(proxy string, n int) error {
		if proxy == proxyA {
			return fmt.Errorf("%w: upgrade refused", node.ErrForbiddenProxy)
		}
		return nil
	}}
	s := New(testConfig(), store, acceptAll{}, nil,
		WithSessionFactory(rec.factory),
		WithAPIFactory(apiFactory(nil, &fakeAPI{})))

	run := start(t, s, []Account{{Email: "a@x.test", Password: "pw"}})

	require.Eventually(t, func() bool {
		all := rec.all()
		return len(all) == 2 && all[1].proxy == proxyB
	}, 5*time.Second, 5*time.Millisecond)

	status, err := store.ProxyStatus(ctx, proxyA)
	require.NoError(t, err)
	assert.Equal(t, models.ProxyQuarantined, status)

	active, err := store.ActiveProxy(ctx, "a@x.test")
	require.NoError(t, err)
	assert.Equal(t, proxyB, active)

	all := rec.all()
	assert.Equal(t, BrowserID("a@x.test", proxyA), all[0].identity.BrowserID)
	assert.Equal(t, BrowserID("a@x.test", proxyB), all[1].identity.BrowserID)

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, proxyB, snap[0].Proxy)
	assert.Contains(t, snap[0].LastError, "proxy")

	run.cancel()
	assert.NoError(t, run.wait(t))
}

func TestForbiddenProxyCooldown(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.AssignProxy(ctx, "a@x.test", proxyA))
	require.NoError(t, store.ReplaceSparePool(ctx, []string{proxyB}))

	rec := &sessions{script: func(proxy string, n int) error {
		if proxy == proxyA {
			return node.ErrForbiddenProxy
		}
		return nil
	}}
	cfg := testConfig()
	cfg.StopOnForbidden = true
	cfg.ForbiddenCooldown = 200 * time.Millisecond
	s := New(cfg, store, acceptAll{}, nil,
		WithSessionFactory(rec.factory),
		WithAPIFactory(apiFactory(nil, &fakeAPI{})))

	began := time.Now()
	start(t, s, []Account{{Email: "a@x.test"}})

	require.Eventually(t, func() bool { return len(rec.all()) == 2 }, 5*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(began), cfg.ForbiddenCooldown)
}

func TestTransientFailureRestartsSameSession(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.AssignProxy(ctx, "a@x.test", proxyA))

	rec := &sessions{script: func(proxy string, n int) error {
		if n <= 2 {
			return fmt.Errorf("%w: reset by peer", node.ErrChannelClosed)
		}
		return nil
	}}
	s := New(testConfig(), store, acceptAll{}, nil,
		WithSessionFactory(rec.factory),
		WithAPIFactory(apiFactory(nil, &fakeAPI{})))

	start(t, s, []Account{{Email: "a@x.test"}})

	require.Eventually(t, func() bool { return len(rec.all()) == 3 }, 5*time.Second, 5*time.Millisecond)

	for _, st := range rec.all() {
		assert.Equal(t, proxyA, st.proxy)
		assert.Equal(t, BrowserID("a@x.test", proxyA), st.identity.BrowserID)
	}

	status, err := store.ProxyStatus(ctx, proxyA)
	require.NoError(t, err)
	assert.Equal(t, models.ProxyAssigned, status)

	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		return snap[0].Restarts == 2 && snap[0].State == node.StateConnected.String()
	}, 5*time.Second, 5*time.Millisecond)
}

func TestAuthenticationFailureStopsAccount(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.AssignProxy(ctx, "a@x.test", proxyA))

	rec := &sessions{script: func(string, int) error { return nil }}
	s := New(testConfig(), store, acceptAll{}, nil,
		WithSessionFactory(rec.factory),
		WithAPIFactory(apiFactory(nil, &fakeAPI{loginErr: fmt.Errorf("%w: invalid password", api.ErrAuthentication)})))

	run := start(t, s, []Account{{Email: "a@x.test"}})
	assert.NoError(t, run.wait(t))

	assert.Empty(t, rec.all())
	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.True(t, snap[0].Stopped)
	assert.Contains(t, snap[0].LastError, "invalid password")

	status, err := store.ProxyStatus(ctx, proxyA)
	require.NoError(t, err)
	assert.Equal(t, models.ProxyAssigned, status, "proxy is not blamed for bad credentials")
}

func TestOneStoppedAccountDoesNotAffectOthers(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.AssignProxy(ctx, "bad@x.test", proxyA))
	require.NoError(t, store.AssignProxy(ctx, "good@x.test", proxyB))

	rec := &sessions{script: func(string, int) error { return nil }}
	s := New(testConfig(), store, acceptAll{}, nil,
		WithSessionFactory(rec.factory),
		WithAPIFactory(apiFactory(map[string]*fakeAPI{
			proxyA: {loginErr: api.ErrAuthentication},
		}, &fakeAPI{})))

	start(t, s, []Account{{Email: "bad@x.test"}, {Email: "good@x.test"}})

	require.Eventually(t, func() bool {
		all := rec.all()
		return len(all) == 1 && all[0].identity.Email == "good@x.test"
	}, 5*time.Second, 5*time.Millisecond)
}

func TestLowProxyScoreIsRejected(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.AssignProxy(ctx, "a@x.test", proxyA))
	require.NoError(t, store.ReplaceSparePool(ctx, []string{proxyB}))

	rec := &sessions{script: func(string, int) error { return nil }}
	cfg := testConfig()
	cfg.MinProxyScore = 50
	s := New(cfg, store, acceptAll{}, nil,
		WithSessionFactory(rec.factory),
		WithAPIFactory(apiFactory(map[string]*fakeAPI{
			proxyA: {score: 10},
			proxyB: {score: 80},
		}, nil)))

	start(t, s, []Account{{Email: "a@x.test"}})

	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, proxyB, rec.all()[0].proxy)

	status, err := store.ProxyStatus(ctx, proxyA)
	require.NoError(t, err)
	assert.Equal(t, models.ProxyQuarantined, status)
}

func TestExhaustedPoolStopsAccount(t *testing.T) {
	store := newStore(t)

	rec := &sessions{script: func(string, int) error { return nil }}
	s := New(testConfig(), store, acceptAll{}, nil,
		WithSessionFactory(rec.factory),
		WithAPIFactory(apiFactory(nil, &fakeAPI{})))

	run := start(t, s, []Account{{Email: "a@x.test"}})
	assert.NoError(t, run.wait(t))

	assert.Empty(t, rec.all())
	assert.True(t, s.Snapshot()[0].Stopped)
}

func TestStoreUnavailableAbortsRun(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.Close())

	rec := &sessions{script: func(string, int) error { return nil }}
	s := New(testConfig(), store, acceptAll{}, nil,
		WithSessionFactory(rec.factory),
		WithAPIFactory(apiFactory(nil, &fakeAPI{})))

	run := start(t, s, []Account{{Email: "a@x.test"}, {Email: "b@x.test"}})
	assert.ErrorIs(t, run.wait(t), database.ErrStoreUnavailable)
}

func TestPointsArePolledAndRecorded(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.AssignProxy(ctx, "a@x.test", proxyA))
	require.NoError(t, store.AssignProxy(ctx, "b@x.test", proxyB))

	rec := &sessions{script: func(string, int) error { return nil }}
	cfg := testConfig()
	cfg.CheckPoints = true
	cfg.PointsInterval = 10 * time.Millisecond
	s := New(cfg, store, acceptAll{}, nil,
		WithSessionFactory(rec.factory),
		WithAPIFactory(apiFactory(map[string]*fakeAPI{
			proxyA: {points: "100"},
			proxyB: {points: "50.5"},
		}, nil)))

	start(t, s, []Account{{Email: "a@x.test"}, {Email: "b@x.test"}})

	require.Eventually(t, func() bool {
		total, err := store.TotalPoints(ctx)
		return err == nil && total == 150.5
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		return snap[0].Points == "100" && snap[1].Points == "50.5"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestClaim(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	accounts := []Account{{Email: "a@x.test"}, {Email: "b@x.test"}, {Email: "c@x.test"}}
	require.NoError(t, store.ReplaceSparePool(ctx, []string{
		"http://10.0.1.1:80", "http://10.0.1.2:80", "http://10.0.1.3:80",
	}))

	var claims, active, maxSeen atomic.Int32
	cfg := testConfig()
	cfg.Threads = 2
	s := New(cfg, store, acceptAll{}, nil,
		WithAPIFactory(apiFactory(nil, &fakeAPI{claims: &claims, active: &active, maxSeen: &maxSeen})))

	require.NoError(t, s.Claim(ctx, accounts))

	assert.Equal(t, int32(3), claims.Load())
	assert.LessOrEqual(t, maxSeen.Load(), int32(2))
	for _, st := range s.Snapshot() {
		assert.Equal(t, stateClaimed, st.State)
		assert.NotEmpty(t, st.Proxy)
	}
}

func TestClaimProxyBlockedRedraws(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.AssignProxy(ctx, "a@x.test", proxyA))
	require.NoError(t, store.ReplaceSparePool(ctx, []string{proxyB}))

	var claims atomic.Int32
	s := New(testConfig(), store, acceptAll{}, nil,
		WithAPIFactory(apiFactory(map[string]*fakeAPI{
			proxyA: {loginErr: api.ErrProxyBlocked},
			proxyB: {claims: &claims},
		}, nil)))

	require.NoError(t, s.Claim(ctx, []Account{{Email: "a@x.test"}}))
	assert.Equal(t, int32(1), claims.Load())

	status, err := store.ProxyStatus(ctx, proxyA)
	require.NoError(t, err)
	assert.Equal(t, models.ProxyQuarantined, status)
}

func TestBrowserID(t *testing.T) {
	id := BrowserID("a@x.test", proxyA)
	assert.Equal(t, id, BrowserID("a@x.test", proxyA))
	assert.NotEqual(t, id, BrowserID("a@x.test", proxyB))

	parsed, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(3), parsed.Version())
}
