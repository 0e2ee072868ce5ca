// Command rpcctl runs the Echo reference service and calls it with every call shape.
package main

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var Build = "head"

func newApp() *cli.App {
	return &cli.App{
		Name:            "rpcctl",
		Usage:           fmt.Sprintf("build for %s on %s", runtime.GOARCH, runtime.GOOS),
		Version:         Build,
		HideHelpCommand: true,
		Description:     "serve and call the Echo service over the callback RPC protocol",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "verbose",
				Value: false,
				Usage: "enable verbose logging",
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config yaml file",
			},
			&cli.StringFlag{
				Name:    "addr",
				Usage:   "server address to listen on or dial",
				EnvVars: []string{"RPCCTL_ADDR"},
			},
			&cli.StringFlag{
				Name:  "codec",
				Usage: "frame codec, json or binary",
			},
			&cli.StringFlag{
				Name:  "balancer",
				Usage: "round_robin, weighted_random or consistent_hash, used with --etcd",
			},
			&cli.StringSliceFlag{
				Name:    "etcd",
				Usage:   "etcd endpoints used to register and discover servers",
				EnvVars: []string{"RPCCTL_ETCD"},
			},
			&cli.UintFlag{
				Name:  "channel",
				Usage: "channel ID of the calls",
			},
			&cli.DurationFlag{
				Name:  "unary-timeout",
				Usage: "default timeout of unary calls",
			},
			&cli.DurationFlag{
				Name:  "stream-timeout",
				Usage: "default timeout of streaming calls",
			},
		},
		Commands: []*cli.Command{
			serveCmd,
			methodsCmd,
			callCmd,
			streamCmd,
			sumCmd,
			chatCmd,
		},
		Before: configLogger,
		After: func(ctx *cli.Context) error {
			if logger, ok := ctx.App.Metadata["logger"].(*zap.Logger); ok {
				logger.Sync()
			}
			return nil
		},
	}
}

func configLogger(ctx *cli.Context) error {
	var config zap.Config
	if ctx.Bool("verbose") {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
		config.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.RFC3339)
	}
	// Command output goes to stdout, logs to stderr.
	config.OutputPaths = []string{"stderr"}
	logger, err := config.Build()
	if err != nil {
		return err
	}
	ctx.App.Metadata["logger"] = logger
	return nil
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
