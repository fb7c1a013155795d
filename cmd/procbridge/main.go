package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/procbridge/procbridge/bridge"
	"github.com/procbridge/procbridge/bridge/sessions"
	"github.com/procbridge/procbridge/bridge/worker"
	"github.com/procbridge/procbridge/internal/config"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:  "procbridge",
		Usage: "bridge a line-delimited JSON worker process to HTTP and server-sent events",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to a YAML config file. Defaults to ./procbridge.yaml when present.",
			},
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "The address for the HTTP server to listen on.",
			},
			&cli.StringFlag{
				Name:  "worker-command",
				Usage: "The worker executable to supervise.",
			},
			&cli.StringSliceFlag{
				Name:  "worker-arg",
				Usage: "An argument for the worker command. Repeatable.",
			},
			&cli.StringFlag{
				Name:  "auth-command",
				Usage: "One-shot command run before each worker start; must exit zero.",
			},
			&cli.StringFlag{
				Name:  "token",
				Usage: "Backend credential passed to the auth command and the worker.",
			},
			&cli.DurationFlag{
				Name:  "request-timeout",
				Usage: "How long a request may wait for its correlated response.",
			},
			&cli.DurationFlag{
				Name:  "heartbeat-interval",
				Usage: "Interval of the session keep-alive and idle-eviction sweep.",
			},
			&cli.DurationFlag{
				Name:  "idle-timeout",
				Usage: "Evict a session stream after this long without a delivered event.",
			},
			&cli.DurationFlag{
				Name:  "restart-delay",
				Usage: "Fixed delay before restarting a crashed worker.",
			},
			&cli.BoolFlag{
				Name:  "default-wait",
				Usage: "Make inline replies the default submission mode.",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Minimum log level. One of [debug,info,warn,error].",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(ctx *cli.Context) error {
	cfg, err := config.Load(ctx.String("config"))
	if err != nil {
		return err
	}
	applyFlags(ctx, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()

	supervisor := worker.New(worker.Config{
		Command:      cfg.Worker.Command,
		Args:         cfg.Worker.Args,
		Dir:          cfg.Worker.Dir,
		DataDirs:     cfg.Worker.DataDirs,
		AuthCommand:  cfg.Worker.AuthCommand,
		AuthArgs:     cfg.Worker.AuthArgs,
		Token:        cfg.Worker.Token,
		RestartDelay: cfg.Worker.RestartDelay,
	}, worker.WithLogger(logger))

	broker := sessions.NewBroker(
		sessions.WithLogger(logger),
		sessions.WithHeartbeatInterval(cfg.HeartbeatInterval),
		sessions.WithIdleTimeout(cfg.IdleTimeout),
	)

	b := bridge.New(supervisor, broker,
		bridge.WithLogger(logger),
		bridge.WithRequestTimeout(cfg.RequestTimeout),
	)
	defer b.Close()

	if err := b.Start(); err != nil {
		return fmt.Errorf("starting worker: %w", err)
	}

	server := bridge.NewServer(b,
		bridge.WithServerLogger(logger),
		bridge.WithListenAddr(cfg.ListenAddr),
		bridge.WithDefaultWait(cfg.DefaultWait),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Sugar().Infof("received %s, shutting down", sig)
		_ = server.Stop()
	}()

	return server.Run()
}

func applyFlags(ctx *cli.Context, cfg *config.Config) {
	if ctx.IsSet("listen-addr") {
		cfg.ListenAddr = ctx.String("listen-addr")
	}
	if ctx.IsSet("worker-command") {
		cfg.Worker.Command = ctx.String("worker-command")
	}
	if ctx.IsSet("worker-arg") {
		cfg.Worker.Args = ctx.StringSlice("worker-arg")
	}
	if ctx.IsSet("auth-command") {
		cfg.Worker.AuthCommand = ctx.String("auth-command")
	}
	if ctx.IsSet("token") {
		cfg.Worker.Token = ctx.String("token")
	}
	if ctx.IsSet("request-timeout") {
		cfg.RequestTimeout = ctx.Duration("request-timeout")
	}
	if ctx.IsSet("heartbeat-interval") {
		cfg.HeartbeatInterval = ctx.Duration("heartbeat-interval")
	}
	if ctx.IsSet("idle-timeout") {
		cfg.IdleTimeout = ctx.Duration("idle-timeout")
	}
	if ctx.IsSet("restart-delay") {
		cfg.Worker.RestartDelay = ctx.Duration("restart-delay")
	}
	if ctx.IsSet("default-wait") {
		cfg.DefaultWait = ctx.Bool("default-wait")
	}
	if ctx.IsSet("log-level") {
		cfg.LogLevel = ctx.String("log-level")
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("unsupported log level %q", level)
	}
	logCfg := zap.NewProductionConfig()
	logCfg.Level = zap.NewAtomicLevelAt(lvl)
	return logCfg.Build()
}
