package main

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"callback-rpc/client"
	"callback-rpc/loadbalance"
	"callback-rpc/registry"
	"callback-rpc/rpc"
	"callback-rpc/transport"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

var (
	methodsCmd = &cli.Command{
		Name:      "methods",
		ArgsUsage: " ",
		Usage:     "describe the methods of the Echo service",
		Action:    cmdMethods,
	}
	callCmd = &cli.Command{
		Name:      "call",
		ArgsUsage: "TEXT",
		Usage:     "send TEXT to Echo.Say and print the reply",
		Action:    cmdCall,
	}
	streamCmd = &cli.Command{
		Name:      "stream",
		ArgsUsage: " ",
		Usage:     "print the numbers streamed by Echo.Count",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "n",
				Value: 5,
				Usage: "how many numbers to stream",
			},
			&cli.DurationFlag{
				Name:  "interval",
				Value: 100 * time.Millisecond,
				Usage: "delay between two numbers",
			},
		},
		Action: cmdStream,
	}
	sumCmd = &cli.Command{
		Name:      "sum",
		ArgsUsage: "NUMBER...",
		Usage:     "stream numbers to Echo.Sum and print the total",
		Action:    cmdSum,
	}
	chatCmd = &cli.Command{
		Name:      "chat",
		ArgsUsage: " ",
		Usage:     "send every line of stdin to Echo.Chat and print the replies",
		Action:    cmdChat,
	}
)

// connect returns a client for the configured server. With etcd endpoints the server is
// discovered and picked by the balancer; otherwise --addr is dialed directly.
func connect(ctx *cli.Context, method *rpc.Method) (*client.Client, *Config, error) {
	logger := ctx.App.Metadata["logger"].(*zap.Logger)
	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, nil, err
	}

	transportOpts := []transport.Option{
		transport.WithCodec(cfg.codecType),
		transport.WithLogger(logger.With(zap.String("subsystem", "transport"))),
	}
	clientOpts := []client.Option{
		client.WithLogger(logger.With(zap.String("subsystem", "client"))),
		client.WithDefaultUnaryTimeout(cfg.UnaryTimeout),
		client.WithDefaultStreamTimeout(cfg.StreamTimeout),
	}

	if len(cfg.Etcd) == 0 {
		d, err := transport.Dial(ctx.Context, cfg.Addr, transport.DefaultDialConfig, transportOpts...)
		if err != nil {
			return nil, nil, err
		}
		return client.New(d, clientOpts...), cfg, nil
	}

	reg, err := registry.NewEtcdRegistry(logger.With(zap.String("subsystem", "registry")), cfg.Etcd, 5*time.Second)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to etcd: %w", err)
	}
	defer reg.Close()

	balancer, err := loadbalance.New(cfg.Balancer)
	if err != nil {
		return nil, nil, err
	}
	discovery := &client.Discovery{
		Registry:  reg,
		Balancer:  balancer,
		Dial:      transport.DefaultDialConfig,
		Transport: transportOpts,
	}
	id := rpc.NewIdentity(rpc.Channel{ID: cfg.Channel}, method)
	c, err := discovery.Connect(ctx.Context, echoServiceName, id.Key(), clientOpts...)
	if err != nil {
		return nil, nil, err
	}
	return c, cfg, nil
}

func cmdMethods(ctx *cli.Context) error {
	for _, m := range echoMethods {
		fmt.Fprintln(ctx.App.Writer, m.Help())
	}
	return nil
}

func cmdCall(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return fmt.Errorf("missing TEXT")
	}
	c, cfg, err := connect(ctx, sayMethod)
	if err != nil {
		return err
	}
	defer c.Close()

	say, err := c.Unary(rpc.Channel{ID: cfg.Channel}, sayMethod)
	if err != nil {
		return err
	}
	resp, err := say.Call(ctx.Context, textMessage{Text: strings.Join(ctx.Args().Slice(), " ")})
	if err != nil {
		return err
	}
	fmt.Fprintln(ctx.App.Writer, resp.Response.(*textMessage).Text)
	return nil
}

func cmdStream(ctx *cli.Context) error {
	c, cfg, err := connect(ctx, countMethod)
	if err != nil {
		return err
	}
	defer c.Close()

	count, err := c.ServerStreaming(rpc.Channel{ID: cfg.Channel}, countMethod)
	if err != nil {
		return err
	}
	stream, err := count.Call(ctx.Context, countRequest{
		N:        ctx.Int("n"),
		Interval: ctx.Duration("interval"),
	})
	if err != nil {
		return err
	}
	for response, err := range stream.Responses(ctx.Context) {
		if err != nil {
			return err
		}
		fmt.Fprintln(ctx.App.Writer, response.(*countReply).Value)
	}
	return nil
}

func cmdSum(ctx *cli.Context) error {
	numbers := make([]int, 0, ctx.NArg())
	for _, arg := range ctx.Args().Slice() {
		n, err := strconv.Atoi(arg)
		if err != nil {
			return fmt.Errorf("invalid number %q: %w", arg, err)
		}
		numbers = append(numbers, n)
	}

	c, cfg, err := connect(ctx, sumMethod)
	if err != nil {
		return err
	}
	defer c.Close()

	sum, err := c.ClientStreaming(rpc.Channel{ID: cfg.Channel}, sumMethod)
	if err != nil {
		return err
	}
	stream, err := sum.Open()
	if err != nil {
		return err
	}
	for _, n := range numbers {
		if err := stream.Send(n); err != nil {
			return err
		}
	}
	resp, err := stream.FinishAndWait(ctx.Context)
	if err != nil {
		return err
	}
	fmt.Fprintln(ctx.App.Writer, resp.Response.(*sumReply).Sum)
	return nil
}

func cmdChat(ctx *cli.Context) error {
	c, cfg, err := connect(ctx, chatMethod)
	if err != nil {
		return err
	}
	defer c.Close()

	chat, err := c.BidirectionalStreaming(rpc.Channel{ID: cfg.Channel}, chatMethod)
	if err != nil {
		return err
	}
	stream, err := chat.Open(func(_ *client.BidirectionalStream, response any) error {
		fmt.Fprintln(ctx.App.Writer, response.(*textMessage).Text)
		return nil
	}, client.WithTimeout(client.NoTimeout))
	if err != nil {
		return err
	}

	scanner := bufio.NewScanner(ctx.App.Reader)
	for scanner.Scan() {
		if err := stream.Send(textMessage{Text: scanner.Text()}); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		stream.Cancel()
		return err
	}

	finishCtx, cancel := context.WithTimeout(ctx.Context, cfg.StreamTimeout)
	defer cancel()
	_, err = stream.FinishAndWait(finishCtx)
	return err
}
