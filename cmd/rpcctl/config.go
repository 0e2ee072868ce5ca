package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"callback-rpc/codec"
	"callback-rpc/loadbalance"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

// Config is the YAML configuration shared by every command. Flags set on the command
// line take precedence over the file.
type Config struct {
	Addr          string        `yaml:"addr"`
	Codec         string        `yaml:"codec,omitempty"`
	Balancer      string        `yaml:"balancer,omitempty"`
	Etcd          []string      `yaml:"etcd,omitempty"`
	Channel       uint32        `yaml:"channel,omitempty"`
	UnaryTimeout  time.Duration `yaml:"unaryTimeout,omitempty"`
	StreamTimeout time.Duration `yaml:"streamTimeout,omitempty"`
	RateLimit     float64       `yaml:"rateLimit,omitempty"`
	Burst         int           `yaml:"burst,omitempty"`

	codecType codec.CodecType
}

func defaultConfig() *Config {
	return &Config{
		Addr:          "127.0.0.1:9090",
		Codec:         codec.CodecTypeJSON.String(),
		Balancer:      "round_robin",
		Channel:       1,
		UnaryTimeout:  time.Second,
		StreamTimeout: 10 * time.Second,
		Burst:         100,
	}
}

func readConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening config file for reading: %w", err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("error decoding config file: %w", err)
	}
	return cfg, nil
}

// overlay copies every flag the user set over the values read from the file.
func (c *Config) overlay(ctx *cli.Context) {
	if ctx.IsSet("addr") {
		c.Addr = ctx.String("addr")
	}
	if ctx.IsSet("codec") {
		c.Codec = ctx.String("codec")
	}
	if ctx.IsSet("balancer") {
		c.Balancer = ctx.String("balancer")
	}
	if ctx.IsSet("etcd") {
		c.Etcd = ctx.StringSlice("etcd")
	}
	if ctx.IsSet("channel") {
		c.Channel = uint32(ctx.Uint("channel"))
	}
	if ctx.IsSet("unary-timeout") {
		c.UnaryTimeout = ctx.Duration("unary-timeout")
	}
	if ctx.IsSet("stream-timeout") {
		c.StreamTimeout = ctx.Duration("stream-timeout")
	}
}

func (c *Config) validate() error {
	if c.Addr == "" && len(c.Etcd) == 0 {
		return errors.New("either an address or etcd endpoints are required")
	}
	t, err := codec.ParseCodecType(c.Codec)
	if err != nil {
		return err
	}
	c.codecType = t
	if _, err := loadbalance.New(c.Balancer); err != nil {
		return err
	}
	if c.RateLimit < 0 || c.Burst < 0 {
		return errors.New("rateLimit and burst must not be negative")
	}
	return nil
}

func loadConfig(ctx *cli.Context) (*Config, error) {
	cfg, err := readConfig(ctx.String("config"))
	if err != nil {
		return nil, err
	}
	cfg.overlay(ctx)
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("error validating config: %w", err)
	}
	return cfg, nil
}
