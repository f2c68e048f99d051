package relay

import (
	"fmt"
	"time"
)

// DefaultListenAddr is the listening address used when none is configured
const DefaultListenAddr = ":9002"

// DefaultWriteTimeout bounds a single message write when none is configured
const DefaultWriteTimeout = 10 * time.Second

// Config is the configuration of a relay Server
type Config struct {
	// ListenAddr is the TCP address accepting WebSocket upgrades
	ListenAddr string `yaml:"listen"`

	// UpstreamURL is the ws:// or wss:// URL dialed once for every Session
	UpstreamURL string `yaml:"upstream"`

	// ConnectTimeout bounds dial plus handshake of the upstream connection
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// WriteTimeout bounds each message write on either side; a write that cannot
	// complete in time fails the Session
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// ReadLimit is the largest message accepted on either side, in bytes. Zero
	// means unlimited.
	ReadLimit int64 `yaml:"read_limit"`

	// MaxPendingMessages bounds the queue of client messages held while the
	// upstream is being dialed
	MaxPendingMessages int `yaml:"max_pending_messages"`

	// DialOnAccept dials the upstream as soon as a client connects instead of on
	// the client's first message
	DialOnAccept bool `yaml:"dial_on_accept"`

	// LogLevel is one of panic, fatal, error, warning, info, debug, trace
	LogLevel string `yaml:"log_level"`

	// LogFormat is plain, text or json
	LogFormat string `yaml:"log_format"`
}

// DefaultConfig returns a Config with every optional field set to its default
func DefaultConfig() Config {
	return Config{
		ListenAddr:         DefaultListenAddr,
		ConnectTimeout:     DefaultConnectTimeout,
		WriteTimeout:       DefaultWriteTimeout,
		MaxPendingMessages: DefaultMaxPendingMessages,
		LogLevel:           "info",
		LogFormat:          "plain",
	}
}

// Validate checks a Config for values the Server cannot run with
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.UpstreamURL == "" {
		return fmt.Errorf("upstream URL is required")
	}
	return c.validateLimits()
}

// validateLimits checks everything but the addresses, which a Server built with
// its own UpstreamDialer does not need
func (c *Config) validateLimits() error {
	if c.ConnectTimeout < 0 {
		return fmt.Errorf("connect timeout must not be negative")
	}
	if c.WriteTimeout < 0 {
		return fmt.Errorf("write timeout must not be negative")
	}
	if c.ReadLimit < 0 {
		return fmt.Errorf("read limit must not be negative")
	}
	if c.MaxPendingMessages < 0 {
		return fmt.Errorf("max pending messages must not be negative")
	}
	switch c.LogFormat {
	case "", "plain", "text", "json":
	default:
		return fmt.Errorf("unknown log format \"%s\"", c.LogFormat)
	}
	return nil
}
