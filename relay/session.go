package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const (
	defaultReadLimit        = 1 << 20
	defaultPingInterval     = 20 * time.Second
	defaultPingTimeout      = 10 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
)

var (
	// ErrSend is returned when a message cannot be sent on a session.
	ErrSend = errors.New("sending on session failed")
	// ErrKeepaliveTimeout is reported when the endpoint does not answer a ping in time.
	ErrKeepaliveTimeout = errors.New("keepalive timeout")
)

// DialConfig configures how sessions connect and how they are kept alive.
// Zero values are replaced with defaults.
type DialConfig struct {
	// TLSConfig is used for wss:// endpoints. Nil means the system defaults.
	TLSConfig *tls.Config
	// Header is sent with the WebSocket handshake.
	Header http.Header

	ReadLimit        int64
	PingInterval     time.Duration
	PingTimeout      time.Duration
	HandshakeTimeout time.Duration
	// WriteTimeout bounds a single Send. A write that times out closes the session.
	WriteTimeout time.Duration
}

func (c DialConfig) withDefaults() DialConfig {
	if c.ReadLimit <= 0 {
		c.ReadLimit = defaultReadLimit
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = defaultPingTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	return c
}

// Handlers receives the events of one session. Any of them may be nil.
// OnOpen fires first and OnClose fires last, exactly once each.
// OnError fires at most once, before OnClose.
type Handlers struct {
	OnOpen    func(s *Session)
	OnMessage func(s *Session, text string)
	OnError   func(s *Session, err error)
	OnClose   func(s *Session)
}

const (
	sessionDialed int32 = iota
	sessionOpen
	sessionClosed
)

// Session is a single WebSocket connection to the endpoint.
// A session is never reused once it has closed.
type Session struct {
	ID string

	log  *zap.SugaredLogger
	conn *websocket.Conn
	cfg  DialConfig

	state  atomic.Int32
	ctx    context.Context
	cancel func()
	wg     sync.WaitGroup

	keepaliveMut sync.Mutex
	keepaliveErr error
}

// Dial opens a WebSocket connection to the endpoint.
func Dial(ctx context.Context, log *zap.SugaredLogger, endpoint string, cfg DialConfig) (*Session, error) {
	cfg = cfg.withDefaults()
	id := uuid.NewString()
	log = log.With("SessionID", id)

	opts := &websocket.DialOptions{HTTPHeader: cfg.Header}
	if cfg.TLSConfig != nil {
		opts.HTTPClient = &http.Client{
			Transport: &http.Transport{TLSClientConfig: cfg.TLSConfig},
		}
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()

	log.Debugw("dialing WebSocket", "URL", RedactEndpoint(endpoint))
	conn, _, err := websocket.Dial(ctx, endpoint, opts)
	if err != nil {
		// the wrapping text already embeds the full URL, and endpoints carry tokens, so only the
		// url.Error is kept once its URL is redacted
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			urlErr.URL = RedactEndpoint(urlErr.URL)
			err = urlErr
		}
		return nil, fmt.Errorf("dialing %s: %w", RedactEndpoint(endpoint), err)
	}
	conn.SetReadLimit(cfg.ReadLimit)

	return &Session{
		ID:   id,
		log:  log,
		conn: conn,
		cfg:  cfg,
	}, nil
}

// Run delivers the session's events to h and returns once the session has closed.
// Cancelling ctx closes the session without reporting an error.
func (s *Session) Run(ctx context.Context, h Handlers) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.state.Store(sessionOpen)
	if h.OnOpen != nil {
		h.OnOpen(s)
	}

	s.wg.Add(1)
	go s.keepalive()

	var readErr error
	for {
		_, b, err := s.conn.Read(s.ctx)
		if err != nil {
			readErr = err
			break
		}
		if h.OnMessage != nil {
			h.OnMessage(s, string(b))
		}
	}

	s.finish(ctx, h, readErr)
}

func (s *Session) finish(parent context.Context, h Handlers, readErr error) {
	s.state.Store(sessionClosed)
	s.cancel()
	s.wg.Wait()

	err := s.closeErr(parent, readErr)
	if err != nil {
		s.log.Debugf("session error: %s", err)
		if h.OnError != nil {
			h.OnError(s, err)
		}
	}

	closeErr := s.conn.Close(websocket.StatusNormalClosure, "")
	if closeErr != nil {
		s.log.Debugf("error closing conn: %s", closeErr)
	}

	if h.OnClose != nil {
		h.OnClose(s)
	}
}

// closeErr decides which error, if any, ended the session.
func (s *Session) closeErr(parent context.Context, readErr error) error {
	s.keepaliveMut.Lock()
	keepaliveErr := s.keepaliveErr
	s.keepaliveMut.Unlock()
	if keepaliveErr != nil {
		return keepaliveErr
	}
	if parent.Err() != nil {
		return nil
	}
	switch websocket.CloseStatus(readErr) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		s.log.Debugw("endpoint closed the connection", "Status", websocket.CloseStatus(readErr))
		return nil
	}
	return readErr
}

func (s *Session) keepalive() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.PingTimeout)
		err := s.conn.Ping(ctx)
		cancel()
		if err == nil {
			continue
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			// the read loop sees whatever broke the connection
			return
		}

		s.keepaliveMut.Lock()
		s.keepaliveErr = fmt.Errorf("%w: no pong within %s", ErrKeepaliveTimeout, s.cfg.PingTimeout)
		s.keepaliveMut.Unlock()
		s.conn.Close(websocket.StatusPolicyViolation, "keepalive timeout")
		return
	}
}

// Send sends text as one message. It gives up after the configured write timeout, which also closes the session.
func (s *Session) Send(ctx context.Context, text string) error {
	if s.state.Load() != sessionOpen {
		return fmt.Errorf("%w: session %s is not open", ErrSend, s.ID)
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	err := s.conn.Write(ctx, websocket.MessageText, []byte(text))
	if err != nil {
		return fmt.Errorf("%w: %s", ErrSend, err)
	}
	return nil
}

// Open reports whether the session can currently send.
func (s *Session) Open() bool {
	return s.state.Load() == sessionOpen
}

// RedactEndpoint strips credentials and the query string from an endpoint URL so it can be logged.
func RedactEndpoint(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "<unparseable endpoint>"
	}
	u.User = nil
	if u.RawQuery != "" {
		u.RawQuery = "redacted"
	}
	u.Fragment = ""
	return u.String()
}
