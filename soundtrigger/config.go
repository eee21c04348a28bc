package soundtrigger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/soundtrigger-go/bus"
	"github.com/ggoodman/soundtrigger-go/bus/dbusconn"
	"github.com/ggoodman/soundtrigger-go/bus/redisbus"
	"github.com/joeshaw/envdecode"
)

// Transport names accepted by Config.Transport.
const (
	TransportDBus  = "dbus"
	TransportRedis = "redis"
)

// DefaultAsyncTimeout bounds ReadBuffer and StopBuffering waits.
const DefaultAsyncTimeout = 1000 * time.Millisecond

// Config selects and addresses the transport. Defaults can be loaded via
// envdecode.
type Config struct {
	// Transport is "dbus" or "redis". ENV: QSTHW_TRANSPORT
	Transport string `env:"QSTHW_TRANSPORT,default=dbus"`
	// Address of the PulseAudio D-Bus server. ENV: PULSE_DBUS_SERVER
	Address string `env:"PULSE_DBUS_SERVER,default=unix:path=/var/run/pulse/dbus-socket"`
	// MessageBus attaches to a bus daemon instead of a peer-to-peer server.
	// ENV: QSTHW_DBUS_MESSAGE_BUS
	MessageBus bool `env:"QSTHW_DBUS_MESSAGE_BUS,default=false"`
	// AsyncTimeout bounds blocking reads and stop-buffering waits.
	// ENV: QSTHW_ASYNC_TIMEOUT
	AsyncTimeout time.Duration `env:"QSTHW_ASYNC_TIMEOUT,default=1s"`
	// Redis configures the redis transport.
	Redis redisbus.Config
}

// ConfigFromEnv decodes Config from the environment. Malformed values are
// errors.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config from environment: %w", err)
	}
	return cfg, nil
}

// Dial opens the transport cfg selects.
func Dial(ctx context.Context, cfg Config, log *slog.Logger) (bus.Conn, error) {
	switch cfg.Transport {
	case "", TransportDBus:
		c, err := dbusconn.Dial(ctx, dbusconn.Options{
			Address:    cfg.Address,
			MessageBus: cfg.MessageBus,
			Logger:     log,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrTransport, err)
		}
		return c, nil
	case TransportRedis:
		c, err := redisbus.New(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrTransport, err)
		}
		return c, nil
	default:
		return nil, invalidArgument("unknown transport %q", cfg.Transport)
	}
}
