package utcp

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultMTU         = 1000
	defaultUserTimeout = 60 * time.Second
	defaultSndBufSize  = 4096
	defaultMaxSndBuf   = 131072
)

// Duration wraps time.Duration so tunables can be written as "60s" or "1500ms"
// in configuration files.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config holds the tunables of a multiplexer. NewMux fills zero fields from
// DefaultConfig; LoadConfig starts from DefaultConfig and rejects a zero MTU.
type Config struct {
	// MTU is the maximum payload size carried in one datagram, exclusive of
	// the header.
	MTU uint16 `yaml:"mtu"`
	// UserTimeout bounds how long a connection may sit without progress
	// before it is torn down with a timeout error.
	UserTimeout Duration `yaml:"user_timeout"`
	// SndBuf is the initial per-connection send buffer size in bytes.
	SndBuf uint32 `yaml:"sndbuf"`
	// MaxSndBuf is the limit the send buffer may grow to.
	MaxSndBuf uint32 `yaml:"max_sndbuf"`
}

// DefaultConfig returns the tunables of the protocol's reference settings:
// MTU 1000, user timeout 60 seconds, 4 KiB send buffer growable to 128 KiB.
func DefaultConfig() Config {
	return Config{
		MTU:         defaultMTU,
		UserTimeout: Duration(defaultUserTimeout),
		SndBuf:      defaultSndBufSize,
		MaxSndBuf:   defaultMaxSndBuf,
	}
}

// withDefaults fills zero fields from DefaultConfig so a partially specified
// Config remains usable.
func (cfg Config) withDefaults() Config {
	def := DefaultConfig()
	if cfg.MTU == 0 {
		cfg.MTU = def.MTU
	}
	if cfg.UserTimeout == 0 {
		cfg.UserTimeout = def.UserTimeout
	}
	if cfg.SndBuf == 0 {
		cfg.SndBuf = def.SndBuf
	}
	if cfg.MaxSndBuf == 0 {
		cfg.MaxSndBuf = def.MaxSndBuf
	}
	return cfg
}

func (cfg *Config) validate() error {
	if cfg.MTU == 0 {
		return fmt.Errorf("utcp: zero MTU")
	}
	if cfg.UserTimeout <= 0 {
		return fmt.Errorf("utcp: non-positive user timeout")
	}
	if cfg.SndBuf == 0 || cfg.MaxSndBuf < cfg.SndBuf {
		return fmt.Errorf("utcp: bad send buffer sizes %d/%d", cfg.SndBuf, cfg.MaxSndBuf)
	}
	return nil
}

// LoadConfig reads a yaml tunables file. Missing keys keep their defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.validate()
}

// MuxConfig configures a multiplexer: the tunables plus the callbacks wiring
// the engine to its carrier and to the application.
type MuxConfig struct {
	Config `yaml:",inline"`

	// Send delivers one outbound datagram to the carrier. Required.
	Send SendFunc `yaml:"-"`
	// Accept is invoked when a passive open completes its handshake. A nil
	// Accept disables passive opens entirely.
	Accept AcceptFunc `yaml:"-"`
	// PreAccept filters incoming SYNs by local port before any connection
	// state is allocated. Optional.
	PreAccept PreAcceptFunc `yaml:"-"`
	// Priv is an opaque caller value retrievable with Mux.Priv.
	Priv any `yaml:"-"`
	// Logger receives structured engine logs. Nil disables logging.
	Logger *slog.Logger `yaml:"-"`
}
