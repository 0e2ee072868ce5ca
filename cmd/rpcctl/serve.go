package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"callback-rpc/middleware"
	"callback-rpc/registry"
	"callback-rpc/server"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

var serveCmd = &cli.Command{
	Name:      "serve",
	ArgsUsage: " ",
	Usage:     "run the Echo service for all four call shapes",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "advertise",
			Usage: "address published to etcd, defaults to --addr",
		},
		&cli.Float64Flag{
			Name:  "rate-limit",
			Usage: "unary requests per second admitted by the server, 0 disables the limit",
		},
		&cli.UintFlag{
			Name:  "retries",
			Value: 2,
			Usage: "retries of unary handlers failing with a transient status",
		},
		&cli.DurationFlag{
			Name:  "shutdown-timeout",
			Value: 5 * time.Second,
			Usage: "how long in-flight calls may take once a signal is received",
		},
	},
	Action: cmdServe,
}

func cmdServe(ctx *cli.Context) error {
	logger := ctx.App.Metadata["logger"].(*zap.Logger)
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	if ctx.IsSet("rate-limit") {
		cfg.RateLimit = ctx.Float64("rate-limit")
	}

	s := server.NewServer(server.WithLogger(logger.With(zap.String("subsystem", "server"))))
	s.Use(middleware.LoggingMiddleware(logger.With(zap.String("subsystem", "middleware"))))
	if cfg.UnaryTimeout > 0 {
		s.Use(middleware.TimeOutMiddleware(cfg.UnaryTimeout))
	}
	if cfg.RateLimit > 0 {
		s.Use(middleware.RateLimitMiddleware(cfg.RateLimit, cfg.Burst))
	}
	if retries := ctx.Uint("retries"); retries > 0 {
		s.Use(middleware.RetryMiddleware(logger, retries, 50*time.Millisecond))
	}
	if err := registerEcho(s); err != nil {
		return err
	}

	var reg registry.Registry
	if len(cfg.Etcd) > 0 {
		etcd, err := registry.NewEtcdRegistry(logger.With(zap.String("subsystem", "registry")), cfg.Etcd, 5*time.Second)
		if err != nil {
			return fmt.Errorf("connecting to etcd: %w", err)
		}
		defer etcd.Close()
		reg = etcd
	}

	advertise := ctx.String("advertise")
	if advertise == "" {
		advertise = cfg.Addr
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Serve("tcp", cfg.Addr, advertise, reg)
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigs:
		logger.Info("Received signal to stop", zap.String("signal", sig.String()))
	}

	if err := s.Shutdown(ctx.Duration("shutdown-timeout")); err != nil {
		logger.Warn("Shutdown did not complete cleanly", zap.Error(err))
	}
	return <-errCh
}
