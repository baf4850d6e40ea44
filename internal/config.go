package tftp

import (
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT      = 69
	DEFAULT_BLOCKSIZE = 512
	DEFAULT_TIMEOUT   = 5 * time.Second
	DEFAULT_RETRIES   = 5
)

// Config holds the per-client transfer parameters. There is no option
// negotiation, so BlockSize must match what the server uses (512 for any
// RFC 1350 server).
type Config struct {
	Port      int
	BlockSize int
	Timeout   time.Duration

	// Retries is how many times the last packet is retransmitted after a
	// receive window passes without a matching reply. Zero means a single
	// timeout fails the transfer.
	Retries int

	Logger logrus.FieldLogger

	// Listen opens the transport for one transfer.
	Listen func(timeout time.Duration) (Channel, error)
}

type Option func(*Config)

func WithPort(port int) Option {
	return func(c *Config) { c.Port = port }
}

func WithBlockSize(size int) Option {
	return func(c *Config) { c.BlockSize = size }
}

func WithTimeout(timeout time.Duration) Option {
	return func(c *Config) { c.Timeout = timeout }
}

func WithRetries(retries int) Option {
	return func(c *Config) { c.Retries = retries }
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(c *Config) { c.Logger = logger }
}

// WithChannel replaces the UDP transport, mostly for tests.
func WithChannel(listen func(timeout time.Duration) (Channel, error)) Option {
	return func(c *Config) { c.Listen = listen }
}

func defaultConfig() Config {
	return Config{
		Port:      DEFAULT_PORT,
		BlockSize: DEFAULT_BLOCKSIZE,
		Timeout:   DEFAULT_TIMEOUT,
		Retries:   DEFAULT_RETRIES,
		Logger:    logrus.StandardLogger(),
		Listen: func(timeout time.Duration) (Channel, error) {
			return Listen(timeout)
		},
	}
}

func (c *Config) validate() error {
	switch {
	case c.Port <= 0 || 65535 < c.Port:
		return errors.Errorf("port %d out of range [1,65535]", c.Port)
	case c.BlockSize < 8 || 65464 < c.BlockSize:
		// RFC 2348 bounds, even without negotiating
		return errors.Errorf("blocksize %d out of range [8,65464]", c.BlockSize)
	case c.Timeout <= 0:
		return errors.Errorf("timeout %s must be positive", c.Timeout)
	case c.Retries < 0:
		return errors.Errorf("retries %d must not be negative", c.Retries)
	case c.Listen == nil:
		return errors.New("no transport configured")
	}
	return nil
}
