// Package config holds the settings of both binaries. Values come from an
// optional YAML file; command-line flags are laid over them by the caller.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPort           = 9999
	DefaultReapInterval   = 100 * time.Millisecond
	DefaultGraceWindow    = 5 * time.Second
	DefaultConnectTimeout = time.Second
	DefaultReconnectDelay = 2 * time.Second
)

// Introducer configures the rendezvous server.
type Introducer struct {
	Port         int           `yaml:"port"`
	FeedAddr     string        `yaml:"feed_addr"` // empty disables the websocket feed
	ReapInterval time.Duration `yaml:"reap_interval"`
	GraceWindow  time.Duration `yaml:"grace_window"`
	Debug        bool          `yaml:"debug"`
}

// Participant configures the client.
type Participant struct {
	Server         string        `yaml:"server"` // introducer host:port
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	Debug          bool          `yaml:"debug"`
}

func DefaultIntroducer() Introducer {
	return Introducer{
		Port:         DefaultPort,
		ReapInterval: DefaultReapInterval,
		GraceWindow:  DefaultGraceWindow,
	}
}

func DefaultParticipant() Participant {
	return Participant{
		Server:         fmt.Sprintf("127.0.0.1:%d", DefaultPort),
		ConnectTimeout: DefaultConnectTimeout,
		ReconnectDelay: DefaultReconnectDelay,
	}
}

// Addr is the listen address for Port.
func (c Introducer) Addr() string { return fmt.Sprintf(":%d", c.Port) }

func (c Introducer) Validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range 1~65535", c.Port))
	}
	if c.FeedAddr != "" {
		if _, _, err := net.SplitHostPort(c.FeedAddr); err != nil {
			errs = append(errs, fmt.Errorf("feed_addr: %w", err))
		}
	}
	if c.ReapInterval <= 0 {
		errs = append(errs, errors.New("reap_interval must be positive"))
	}
	if c.GraceWindow < c.ReapInterval {
		errs = append(errs, errors.New("grace_window must not be shorter than reap_interval"))
	}
	return errors.Join(errs...)
}

func (c Participant) Validate() error {
	var errs []error
	if _, _, err := net.SplitHostPort(c.Server); err != nil {
		errs = append(errs, fmt.Errorf("server: %w", err))
	}
	if c.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("connect_timeout must be positive"))
	}
	if c.ReconnectDelay <= 0 {
		errs = append(errs, errors.New("reconnect_delay must be positive"))
	}
	return errors.Join(errs...)
}

// LoadIntroducer reads path over the defaults. An empty path yields the
// defaults.
func LoadIntroducer(path string) (Introducer, error) {
	cfg := DefaultIntroducer()
	if err := load(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func LoadParticipant(path string) (Participant, error) {
	cfg := DefaultParticipant()
	if err := load(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func load(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}
