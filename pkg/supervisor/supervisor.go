// Package supervisor keeps one relay session alive per account. It draws
// proxies from the store, logs accounts in, restarts sessions after
// transient failures and feeds rejected proxies back into the quarantine.
package supervisor

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"relay-farm/pkg/api"
	"relay-farm/pkg/database"
	"relay-farm/pkg/node"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type Account struct {
	Email    string
	Password string
}

// Store is the part of the account/proxy store the supervisor uses.
type Store interface {
	ActiveProxy(ctx context.Context, email string) (string, error)
	DrawProxy(ctx context.Context, email string, validator database.Validator) (string, error)
	QuarantineProxy(ctx context.Context, proxy string) error
	RecordPoints(ctx context.Context, accountID, email, points string) error
	TotalPoints(ctx context.Context) (float64, error)
}

type Session interface {
	Run(ctx context.Context) error
	Status() node.Status
}

// API is the account REST surface.
type API interface {
	Login(ctx context.Context) (api.LoginResult, error)
	ClaimRewards(ctx context.Context) error
	EpochPoints(ctx context.Context) (string, error)
	ProxyScore(ctx context.Context) (float64, error)
	CloseIdleConnections()
}

type SessionFactory func(identity node.Identity, proxyURL, userAgent string) (Session, error)

type APIFactory func(account Account, proxyURL, userAgent string) (API, error)

type Config struct {
	Node node.Config
	API  api.Config

	// Threads bounds concurrent accounts in claim-only mode.
	Threads           int
	MinProxyScore     float64
	CheckPoints       bool
	PointsInterval    time.Duration
	StopOnForbidden   bool
	ForbiddenCooldown time.Duration
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	// StartInterval spaces out session starts across all accounts.
	StartInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Threads <= 0 {
		c.Threads = 5
	}
	if c.PointsInterval <= 0 {
		c.PointsInterval = 10 * time.Minute
	}
	if c.ForbiddenCooldown <= 0 {
		c.ForbiddenCooldown = 20 * time.Minute
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 5 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Minute
	}
	if c.StartInterval <= 0 {
		c.StartInterval = time.Second
	}
	return c
}

type Option func(*Supervisor)

func WithSessionFactory(f SessionFactory) Option {
	return func(s *Supervisor) { s.newSession = f }
}

func WithAPIFactory(f APIFactory) Option {
	return func(s *Supervisor) { s.newAPI = f }
}

type Supervisor struct {
	cfg       Config
	store     Store
	validator database.Validator
	logger    *slog.Logger

	newSession SessionFactory
	newAPI     APIFactory
	limiter    *rate.Limiter

	mu       sync.Mutex
	accounts map[string]*accountState
}

func New(cfg Config, store Store, validator database.Validator, logger *slog.Logger, opts ...Option) *Supervisor {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	s := &Supervisor{
		cfg:       cfg,
		store:     store,
		validator: validator,
		logger:    logger,
		limiter:   rate.NewLimiter(rate.Every(cfg.StartInterval), 1),
		accounts:  make(map[string]*accountState),
	}
	s.newSession = s.defaultSession
	s.newAPI = s.defaultAPI
	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *Supervisor) defaultSession(identity node.Identity, proxyURL, userAgent string) (Session, error) {
	cfg := s.cfg.Node
	cfg.UserAgent = userAgent
	return node.NewSession(cfg, identity, proxyURL, s.logger)
}

func (s *Supervisor) defaultAPI(account Account, proxyURL, userAgent string) (API, error) {
	cfg := s.cfg.API
	cfg.Email = account.Email
	cfg.Password = account.Password
	cfg.Proxy = proxyURL
	cfg.UserAgent = userAgent
	return api.NewClient(cfg, s.logger)
}

// BrowserID derives the device identity for an account on a proxy. The
// same pair always yields the same id.
func BrowserID(email, proxyURL string) string {
	return uuid.NewMD5(uuid.NameSpaceDNS, []byte(email+proxyURL)).String()
}

// Run mines with every account until ctx is done or every account has
// stopped. Only a store failure ends it early, and that error is returned.
func (s *Supervisor) Run(ctx context.Context, accounts []Account) error {
	if len(accounts) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(accounts))
	for _, account := range accounts {
		s.track(account.Email)
		g.Go(func() error {
			return s.runAccount(gctx, account)
		})
	}

	pollCtx, stopPoll := context.WithCancel(gctx)
	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		if s.cfg.CheckPoints {
			s.pollPoints(pollCtx)
		}
	}()

	err := g.Wait()
	stopPoll()
	<-pollDone

	return err
}

// AccountStatus is a point-in-time view of one account.
type AccountStatus struct {
	Email     string
	Proxy     string
	State     string
	Restarts  int
	LastError string
	Points    string
	Stopped   bool
}

const (
	stateStarting = "starting"
	stateLogin    = "login"
	stateBackoff  = "backoff"
	stateCooldown = "cooldown"
	stateStopped  = "stopped"
	stateClaimed  = "claimed"
)

type accountState struct {
	AccountStatus

	userID  string
	session Session
	client  API
}

func (s *Supervisor) track(email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[email]; !ok {
		s.accounts[email] = &accountState{AccountStatus: AccountStatus{Email: email, State: stateStarting}}
	}
}

func (s *Supervisor) update(email string, f func(st *accountState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.accounts[email]
	if !ok {
		st = &accountState{AccountStatus: AccountStatus{Email: email}}
		s.accounts[email] = st
	}
	f(st)
}

// Snapshot returns the status of every tracked account, sorted by email.
func (s *Supervisor) Snapshot() []AccountStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]AccountStatus, 0, len(s.accounts))
	for _, st := range s.accounts {
		status := st.AccountStatus
		if st.session != nil && !status.Stopped && status.State != stateBackoff && status.State != stateCooldown {
			status.State = st.session.Status().State.String()
		}
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })

	return out
}
