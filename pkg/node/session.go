package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"relay-farm/pkg/fetch"
	"relay-farm/pkg/proxy"

	"github.com/gorilla/websocket"
)

// State is the protocol state of a Session.
type State int

const (
	StateUnbound State = iota
	StateHandshaking
	StateConnected
	StateReconnecting
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUnbound:
		return "unbound"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	DefaultCheckinURL   = "https://director.getgrass.io/checkin"
	DefaultExtensionID  = "lkbnfiajjmbhnfledhphioinpickokdi"
	DefaultVersion      = "5.1.1"
	DefaultPingInterval = 30 * time.Second

	defaultRequestTimeout   = 30 * time.Second
	defaultHandshakeTimeout = 30 * time.Second
	writeTimeout            = 10 * time.Second
)

// DefaultMaxResponseSize caps the body of one relayed response.
const DefaultMaxResponseSize = 16 << 20

type Config struct {
	CheckinURL       string
	UseWSS           bool
	Version          string
	ExtensionID      string
	UserAgent        string
	PingInterval     time.Duration
	RequestTimeout   time.Duration
	HandshakeTimeout time.Duration
	MaxResponseSize  int64
}

func (c Config) withDefaults() Config {
	if c.CheckinURL == "" {
		c.CheckinURL = DefaultCheckinURL
	}
	if c.Version == "" {
		c.Version = DefaultVersion
	}
	if c.ExtensionID == "" {
		c.ExtensionID = DefaultExtensionID
	}
	if c.UserAgent == "" {
		c.UserAgent = RandomUserAgent()
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.MaxResponseSize <= 0 {
		c.MaxResponseSize = DefaultMaxResponseSize
	}
	return c
}

// Identity is what a session presents at checkin.
type Identity struct {
	Email     string
	UserID    string
	BrowserID string
}

// Status is the externally visible view of a session.
type Status struct {
	State       State
	Destination string
	LastLive    time.Time
}

// Session is one account's connection to the relay network through one
// proxy. It runs once: Run performs checkin, opens the channel and serves
// inbound actions until the channel closes, an error occurs or ctx is done.
// Reconnecting is the caller's job.
type Session struct {
	cfg      Config
	identity Identity
	proxy    string
	logger   *slog.Logger

	dialer        *fetch.Dialer
	checkinClient *http.Client
	requestClient *http.Client

	mu          sync.Mutex
	state       State
	destination string
	token       string
	lastLive    time.Time

	writeMu   sync.Mutex
	conn      *websocket.Conn
	closeOnce sync.Once
}

func NewSession(cfg Config, identity Identity, proxyURL string, logger *slog.Logger) (*Session, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	dialer, err := fetch.NewDialer(proxyURL)
	if err != nil {
		return nil, err
	}
	checkinClient, err := fetch.NewClient(fetch.Options{
		Proxy:              proxyURL,
		Timeout:            cfg.HandshakeTimeout,
		InsecureSkipVerify: true,
	})
	if err != nil {
		return nil, err
	}
	// relayed targets are arbitrary third-party sites
	requestClient, err := fetch.NewClient(fetch.Options{
		Proxy:              proxyURL,
		Timeout:            cfg.RequestTimeout,
		InsecureSkipVerify: true,
	})
	if err != nil {
		return nil, err
	}

	return &Session{
		cfg:           cfg,
		identity:      identity,
		proxy:         proxyURL,
		logger:        logger.With("account", identity.Email, "proxy", proxy.Redact(proxyURL)),
		dialer:        dialer,
		checkinClient: checkinClient,
		requestClient: requestClient,
		state:         StateUnbound,
	}, nil
}

// Status returns a snapshot of the session's state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{State: s.state, Destination: s.destination, LastLive: s.lastLive}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastLive = time.Now()
	s.mu.Unlock()
}

// Run drives the session through checkin, channel setup and the dispatch
// loop. It returns ctx.Err() after a requested stop, otherwise an error
// wrapping ErrHandshakeFailure, ErrForbiddenProxy or ErrChannelClosed, or a
// transport error.
func (s *Session) Run(ctx context.Context) (err error) {
	s.mu.Lock()
	if s.state != StateUnbound {
		s.mu.Unlock()
		return fmt.Errorf("session already started (%s)", s.state)
	}
	s.state = StateHandshaking
	s.mu.Unlock()

	defer func() {
		s.teardown()
		if errors.Is(err, ErrChannelClosed) && ctx.Err() == nil {
			s.setState(StateReconnecting)
		} else {
			s.setState(StateTerminated)
		}
		s.checkinClient.CloseIdleConnections()
		s.requestClient.CloseIdleConnections()
	}()

	destination, token, err := s.checkin(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.destination, s.token = destination, token
	s.mu.Unlock()

	conn, err := s.connect(ctx, destination, token)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.state = StateConnected
	s.lastLive = time.Now()
	s.mu.Unlock()
	s.logger.Info("Connected to relay", "destination", destination)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-connCtx.Done()
		s.teardown()
	}()
	go s.pingLoop(connCtx)

	return s.dispatchLoop(connCtx, conn)
}

// teardown closes the channel once, saying goodbye if the socket still
// takes writes.
func (s *Session) teardown() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}

	s.closeOnce.Do(func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	})
}

func (s *Session) write(data []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrChannelClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}
