package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

// LineChannel is the local side of the bridge. *Child implements it.
type LineChannel interface {
	WriteLine(text string) error
	// Lines is closed when no more lines will be produced.
	Lines() <-chan string
}

// Bridge relays lines between a LineChannel and a supervised WebSocket session.
// Inbound messages are written to the channel as they arrive; lines read from the channel are sent on the
// current session, or dropped if there is none.
type Bridge struct {
	logger     *zap.Logger
	log        *zap.SugaredLogger
	child      LineChannel
	supervisor *Supervisor

	// applied after all options, so option order does not matter
	logLevel     *zapcore.Level
	pingInterval time.Duration
	pingTimeout  time.Duration
}

type Option func(b *Bridge)

func WithLogger(l *zap.Logger) Option {
	return func(b *Bridge) {
		b.logger = l
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(b *Bridge) {
		b.logLevel = &l
	}
}

func WithBackOff(p backoff.BackOff) Option {
	return func(b *Bridge) {
		b.supervisor.BackOff = p
	}
}

func WithDialConfig(c DialConfig) Option {
	return func(b *Bridge) {
		b.supervisor.Dial = c
	}
}

func WithPingInterval(d time.Duration) Option {
	return func(b *Bridge) {
		b.pingInterval = d
	}
}

func WithPingTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		b.pingTimeout = d
	}
}

// NewBridge constructs a bridge between child and the endpoint. Nothing runs until Run is called.
func NewBridge(child LineChannel, endpoint string, opts ...Option) (*Bridge, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	b := &Bridge{
		logger: logger,
		child:  child,
		supervisor: &Supervisor{
			Endpoint: endpoint,
			BackOff:  backoff.NewConstantBackOff(DefaultBackOff),
		},
	}
	for _, o := range opts {
		o(b)
	}
	if b.logLevel != nil {
		b.logger = b.logger.WithOptions(zap.IncreaseLevel(*b.logLevel))
	}
	if b.pingInterval > 0 {
		b.supervisor.Dial.PingInterval = b.pingInterval
	}
	if b.pingTimeout > 0 {
		b.supervisor.Dial.PingTimeout = b.pingTimeout
	}

	b.log = b.logger.Named("bridge").Sugar()
	b.supervisor.Log = b.logger.Named("supervisor").Sugar()
	b.supervisor.OnMessage = b.forwardInbound
	return b, nil
}

func (b *Bridge) Supervisor() *Supervisor {
	return b.supervisor
}

// Run runs the supervisor and the outbound loop until ctx is cancelled.
// The outbound loop ends on its own when the child's output closes; the supervisor does not.
func (b *Bridge) Run(ctx context.Context) error {
	var group errgroup.Group
	group.Go(func() error {
		return b.supervisor.Run(ctx)
	})
	group.Go(func() error {
		b.forwardOutbound(ctx)
		return nil
	})
	return group.Wait()
}

func (b *Bridge) forwardInbound(text string) {
	err := b.child.WriteLine(text)
	if err != nil {
		b.log.Warnf("write to child failed, dropping inbound message: %s", err)
	}
}

func (b *Bridge) forwardOutbound(ctx context.Context) {
	lines := b.child.Lines()
	for {
		var line string
		var ok bool
		select {
		case <-ctx.Done():
			return
		case line, ok = <-lines:
		}
		if !ok {
			b.log.Warn("child output closed, outbound forwarding stopped")
			return
		}
		if line == "" {
			continue
		}

		err := b.supervisor.Send(ctx, line)
		if errors.Is(err, ErrNoSession) {
			b.log.Debugw("dropping outbound line", "Reason", err)
		} else if err != nil {
			b.log.Warnw("dropping outbound line", "Reason", err)
		}
	}
}
