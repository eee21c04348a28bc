package soundtrigger

import (
	"log/slog"
	"time"

	"github.com/ggoodman/soundtrigger-go/bus"
)

// Option configures Init.
type Option func(*initConfig)

type initConfig struct {
	conn         bus.Conn
	cfg          *Config
	logger       *slog.Logger
	asyncTimeout time.Duration
}

// WithConn uses an existing connection. The module does not close it.
func WithConn(c bus.Conn) Option {
	return func(ic *initConfig) { ic.conn = c }
}

// WithConfig dials the transport cfg selects instead of reading the
// environment.
func WithConfig(cfg Config) Option {
	return func(ic *initConfig) { c := cfg; ic.cfg = &c }
}

// WithLogger sets the logger. If not provided, slog.Default() is used.
func WithLogger(l *slog.Logger) Option {
	return func(ic *initConfig) { ic.logger = l }
}

// WithAsyncTimeout overrides the deadline of ReadBuffer and StopBuffering
// waits.
func WithAsyncTimeout(d time.Duration) Option {
	return func(ic *initConfig) {
		if d > 0 {
			ic.asyncTimeout = d
		}
	}
}
