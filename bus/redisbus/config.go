package redisbus

import (
	"time"

	"github.com/joeshaw/envdecode"
)

// Config for the Redis transport. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: QSTHW_REDIS_ADDR
	RedisAddr string `env:"QSTHW_REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys and channels. ENV: QSTHW_REDIS_KEY_PREFIX
	KeyPrefix string `env:"QSTHW_REDIS_KEY_PREFIX,default=qsthw:bus:"`
	// CallTTL bounds how long an unanswered call keeps its await marker.
	// ENV: QSTHW_REDIS_CALL_TTL
	CallTTL time.Duration `env:"QSTHW_REDIS_CALL_TTL,default=1m"`
}

const (
	defaultAddr   = "localhost:6379"
	defaultPrefix = "qsthw:bus:"
	defaultTTL    = time.Minute
)

// ConfigFromEnv decodes Config from the environment.
func ConfigFromEnv() Config {
	var cfg Config
	// Defaults are provided via struct tags.
	_ = envdecode.Decode(&cfg)
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.RedisAddr == "" {
		c.RedisAddr = defaultAddr
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = defaultPrefix
	}
	if c.CallTTL <= 0 {
		c.CallTTL = defaultTTL
	}
	return c
}

type keys struct {
	prefix string
}

func (k keys) calls() string          { return k.prefix + "calls" }
func (k keys) await(id string) string { return k.prefix + "await:" + id }
func (k keys) reply(id string) string { return k.prefix + "reply:" + id }
func (k keys) signal(iface, member, path string) string {
	return k.prefix + "signal:" + iface + "." + member + ":" + path
}
