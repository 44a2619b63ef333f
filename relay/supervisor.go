package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const DefaultBackOff = 3 * time.Second

// ErrNoSession is returned by Supervisor.Send when no session is open.
var ErrNoSession = errors.New("no open session")

type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Supervisor keeps a session to the endpoint alive.
// It dials, runs the session until it closes, waits for the backoff, and dials again, until its context is cancelled.
// Dial failures are treated the same as a session that closed.
type Supervisor struct {
	Endpoint string
	Dial     DialConfig
	// BackOff is consulted after every closed session or failed dial, and reset when a session opens.
	// Defaults to a constant DefaultBackOff.
	BackOff backoff.BackOff
	// OnMessage receives every inbound message, in order.
	OnMessage func(text string)
	Log       *zap.SugaredLogger

	// mut guards the current session and everything observed by Status.
	mut      sync.Mutex
	current  *Session
	state    State
	attempts int
	lastOpen time.Time
}

// Run supervises sessions until ctx is cancelled. It always returns nil.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.Log == nil {
		s.Log = zap.NewNop().Sugar()
	}
	if s.BackOff == nil {
		s.BackOff = backoff.NewConstantBackOff(DefaultBackOff)
	}

	for {
		s.connect(ctx)
		if ctx.Err() != nil {
			s.Log.Debug("context done, supervisor exiting")
			return nil
		}

		delay := s.nextDelay()
		s.Log.Infof("reconnecting in %s", delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (s *Supervisor) nextDelay() time.Duration {
	d := s.BackOff.NextBackOff()
	if d == backoff.Stop {
		// the loop has no terminal state, so an exhausted policy starts over
		s.BackOff.Reset()
		d = s.BackOff.NextBackOff()
	}
	if d < 0 {
		d = 0
	}
	return d
}

// connect makes one attempt and blocks for the lifetime of the resulting session.
func (s *Supervisor) connect(ctx context.Context) {
	s.mut.Lock()
	s.state = StateConnecting
	s.attempts++
	attempt := s.attempts
	s.mut.Unlock()

	s.Log.Debugw("connecting", "Endpoint", RedactEndpoint(s.Endpoint), "Attempt", attempt)
	sess, err := Dial(ctx, s.Log.Named("session"), s.Endpoint, s.Dial)
	if err != nil {
		if ctx.Err() == nil {
			s.Log.Warnf("connection attempt %d failed: %s", attempt, err)
		}
		s.setClosed(nil)
		return
	}

	sess.Run(ctx, Handlers{
		OnOpen: s.opened,
		OnMessage: func(_ *Session, text string) {
			if s.OnMessage != nil {
				s.OnMessage(text)
			}
		},
		OnError: func(sess *Session, err error) {
			s.Log.Warnw("WebSocket error", "SessionID", sess.ID, "Error", err)
		},
		OnClose: func(sess *Session) {
			s.Log.Infow("disconnected from endpoint", "SessionID", sess.ID)
			s.setClosed(sess)
		},
	})
}

func (s *Supervisor) opened(sess *Session) {
	s.mut.Lock()
	s.current = sess
	s.state = StateOpen
	s.lastOpen = time.Now()
	s.mut.Unlock()

	s.BackOff.Reset()
	s.Log.Infow("connected to endpoint", "SessionID", sess.ID)
}

// setClosed clears the current session if it is still sess.
func (s *Supervisor) setClosed(sess *Session) {
	s.mut.Lock()
	defer s.mut.Unlock()
	if sess != nil && s.current == sess {
		s.current = nil
	}
	s.state = StateClosed
}

// Send sends text on the current session.
// The session is looked up and used under the same lock, so a session is never used while it is being replaced.
func (s *Supervisor) Send(ctx context.Context, text string) error {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.current == nil {
		return ErrNoSession
	}
	return s.current.Send(ctx, text)
}

// Current returns the open session, or nil.
func (s *Supervisor) Current() *Session {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.current
}

func (s *Supervisor) State() State {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.state
}

// Attempts returns how many connection attempts have been started.
func (s *Supervisor) Attempts() int {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.attempts
}

type Status struct {
	State     string
	SessionID string
	Attempts  int
	Endpoint  string
	// LastOpen is the RFC3339 time the last session opened, empty if none has.
	LastOpen string
}

func (s *Supervisor) Status() Status {
	s.mut.Lock()
	defer s.mut.Unlock()
	st := Status{
		State:    s.state.String(),
		Attempts: s.attempts,
		Endpoint: RedactEndpoint(s.Endpoint),
	}
	if s.current != nil {
		st.SessionID = s.current.ID
	}
	if !s.lastOpen.IsZero() {
		st.LastOpen = s.lastOpen.UTC().Format(time.RFC3339)
	}
	return st
}
