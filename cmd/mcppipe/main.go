package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/cenkalti/backoff/v4"
	"github.com/guseggert/mcppipe/config"
	"github.com/guseggert/mcppipe/relay"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

// exitConfig is the exit status for unusable startup configuration.
const exitConfig = 2

func newApp() *cli.App {
	return &cli.App{
		Name:      "mcppipe",
		Usage:     "relay a WebSocket MCP endpoint to a local stdio MCP server",
		ArgsUsage: "<command> [args...]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "endpoint",
				Usage:   "The WebSocket endpoint to connect to (ws:// or wss://).",
				EnvVars: []string{"MCP_ENDPOINT"},
			},
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to a YAML config file. Defaults to the nearest .mcppipe.yaml in the working dir or its parents.",
				EnvVars: []string{"MCPPIPE_CONFIG"},
			},
			&cli.DurationFlag{
				Name:    "backoff",
				Usage:   "Time to wait before reconnecting after the connection ends.",
				EnvVars: []string{"MCPPIPE_BACKOFF"},
			},
			&cli.DurationFlag{
				Name:  "ping-interval",
				Usage: "Interval between keepalive pings.",
			},
			&cli.DurationFlag{
				Name:  "ping-timeout",
				Usage: "Time to wait for a pong before treating the connection as dead.",
			},
			&cli.Int64Flag{
				Name:  "read-limit",
				Usage: "Largest inbound message in bytes. A larger message closes the connection.",
			},
			&cli.StringFlag{
				Name:    "status-addr",
				Usage:   "Address for the HTTP status server. Disabled when empty.",
				EnvVars: []string{"MCPPIPE_STATUS_ADDR"},
			},
			&cli.StringFlag{
				Name:  "ca-cert",
				Usage: "PEM file of CA certs to trust for wss:// endpoints.",
			},
			&cli.StringFlag{
				Name:  "cert",
				Usage: "PEM client certificate for wss:// endpoints.",
			},
			&cli.StringFlag{
				Name:  "key",
				Usage: "PEM client key for wss:// endpoints.",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "One of [debug,info,warn,error].",
				EnvVars: []string{"MCPPIPE_LOG_LEVEL"},
			},
		},
		Action: func(ctx *cli.Context) error {
			cfg, err := loadConfig(ctx)
			if err != nil {
				return cli.Exit(fmt.Sprintf("mcppipe: %s", err), exitConfig)
			}
			return run(ctx.Context, cfg)
		},
	}
}

// loadConfig layers flags and environment variables over the config file and validates the result.
func loadConfig(ctx *cli.Context) (config.Config, error) {
	var cfg config.Config
	if path := ctx.String("config"); path != "" {
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return config.Config{}, err
		}
	} else {
		wd, err := os.Getwd()
		if err != nil {
			return config.Config{}, fmt.Errorf("getting working dir: %w", err)
		}
		cfg, _, err = config.Discover(wd)
		if err != nil {
			return config.Config{}, err
		}
	}

	if ctx.IsSet("endpoint") {
		cfg.Endpoint = ctx.String("endpoint")
	}
	if ctx.IsSet("backoff") {
		cfg.Backoff = ctx.Duration("backoff")
	}
	if ctx.IsSet("ping-interval") {
		cfg.PingInterval = ctx.Duration("ping-interval")
	}
	if ctx.IsSet("ping-timeout") {
		cfg.PingTimeout = ctx.Duration("ping-timeout")
	}
	if ctx.IsSet("read-limit") {
		cfg.ReadLimit = ctx.Int64("read-limit")
	}
	if ctx.IsSet("status-addr") {
		cfg.StatusAddr = ctx.String("status-addr")
	}
	if ctx.IsSet("ca-cert") {
		cfg.TLS.CACert = ctx.String("ca-cert")
	}
	if ctx.IsSet("cert") {
		cfg.TLS.Cert = ctx.String("cert")
	}
	if ctx.IsSet("key") {
		cfg.TLS.Key = ctx.String("key")
	}
	if ctx.IsSet("log-level") {
		cfg.LogLevel = ctx.String("log-level")
	}
	if ctx.NArg() > 0 {
		cfg.Command = ctx.Args().First()
		cfg.Args = ctx.Args().Tail()
	}

	if _, err := zapcore.ParseLevel(cfg.LogLevel); err != nil {
		return config.Config{}, fmt.Errorf("parsing log level: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg config.Config) error {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()
	leveled := logger.WithOptions(zap.IncreaseLevel(level))

	tlsConfig, err := relay.LoadClientTLSConfig(cfg.TLS.CACert, cfg.TLS.Cert, cfg.TLS.Key)
	if err != nil {
		return fmt.Errorf("building client TLS config: %w", err)
	}

	// Cancelling this context is the only shutdown path: it kills the child and ends every loop.
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	child, err := relay.StartChild(ctx, relay.ChildConfig{
		Command: cfg.Command,
		Args:    cfg.Args,
		Env:     cfg.Env,
		Dir:     cfg.Dir,
		Log:     leveled.Named("child").Sugar(),
	})
	if err != nil {
		return fmt.Errorf("starting child: %w", err)
	}

	bridge, err := relay.NewBridge(
		child,
		cfg.Endpoint,
		relay.WithLogger(logger),
		relay.WithLogLevel(level),
		relay.WithBackOff(backoff.NewConstantBackOff(cfg.Backoff)),
		relay.WithDialConfig(relay.DialConfig{
			TLSConfig: tlsConfig,
			ReadLimit: cfg.ReadLimit,
		}),
		relay.WithPingInterval(cfg.PingInterval),
		relay.WithPingTimeout(cfg.PingTimeout),
	)
	if err != nil {
		return fmt.Errorf("building bridge: %w", err)
	}

	// the group context is cancelled if the status server fails to serve
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return bridge.Run(ctx)
	})
	if cfg.StatusAddr != "" {
		status := relay.NewStatusServer(leveled.Named("status").Sugar(), bridge.Supervisor(), cfg.StatusAddr)
		group.Go(status.Run)
		go func() {
			<-ctx.Done()
			status.Stop()
		}()
	}
	return group.Wait()
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
