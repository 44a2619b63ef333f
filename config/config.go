// Package config holds mcppipe's startup configuration.
// Values come from an optional YAML file and are then overridden by flags and environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/guseggert/mcppipe/internal/files"
	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up from the working directory when none is given explicitly.
const FileName = ".mcppipe.yaml"

var (
	ErrMissingEndpoint = errors.New("no endpoint configured (set MCP_ENDPOINT or --endpoint)")
	ErrMissingCommand  = errors.New("no child command given")
)

type TLS struct {
	CACert string `yaml:"ca_cert"`
	Cert   string `yaml:"cert"`
	Key    string `yaml:"key"`
}

type Config struct {
	Endpoint string `yaml:"endpoint"`

	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Env     []string `yaml:"env"`
	Dir     string   `yaml:"dir"`

	Backoff      time.Duration `yaml:"backoff"`
	PingInterval time.Duration `yaml:"ping_interval"`
	PingTimeout  time.Duration `yaml:"ping_timeout"`

	// ReadLimit is the largest inbound message in bytes.
	ReadLimit int64 `yaml:"read_limit"`

	TLS TLS `yaml:"tls"`

	// StatusAddr is the listen address of the status server. Empty disables it.
	StatusAddr string `yaml:"status_addr"`
	LogLevel   string `yaml:"log_level"`
}

func Default() Config {
	return Config{
		Backoff:      3 * time.Second,
		PingInterval: 20 * time.Second,
		PingTimeout:  10 * time.Second,
		ReadLimit:    1 << 20,
		LogLevel:     "info",
	}
}

// Load reads a YAML config file on top of the defaults.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("opening config: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Discover finds FileName in dir or one of its parents and loads it.
// It returns the defaults and an empty path when there is none.
func Discover(dir string) (Config, string, error) {
	path, err := files.FindUp(FileName, dir)
	if err != nil {
		return Config{}, "", fmt.Errorf("looking for %s: %w", FileName, err)
	}
	if path == "" {
		return Default(), "", nil
	}
	cfg, err := Load(path)
	return cfg, path, err
}

func Decode(r io.Reader) (Config, error) {
	cfg := Default()
	b, err := io.ReadAll(r)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return cfg, nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	err = dec.Decode(&cfg)
	if err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	return cfg, nil
}

// Validate reports configuration that makes starting impossible.
// A malformed endpoint is not an error here: it is retried like any other connection failure.
func (c *Config) Validate() error {
	c.Endpoint = strings.TrimSpace(c.Endpoint)
	if c.Endpoint == "" {
		return ErrMissingEndpoint
	}
	if strings.TrimSpace(c.Command) == "" {
		return ErrMissingCommand
	}
	if c.Backoff < 0 {
		return fmt.Errorf("backoff must not be negative, got %s", c.Backoff)
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("ping interval must be positive, got %s", c.PingInterval)
	}
	if c.PingTimeout <= 0 {
		return fmt.Errorf("ping timeout must be positive, got %s", c.PingTimeout)
	}
	if c.ReadLimit <= 0 {
		return fmt.Errorf("read limit must be positive, got %d", c.ReadLimit)
	}
	return nil
}
