package redisbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/soundtrigger-go/bus"
	"github.com/ggoodman/soundtrigger-go/internal/codec"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// pollInterval bounds each BLPOP so cancellation and Close are noticed.
const pollInterval = time.Second

// Conn is the client half of the Redis transport.
type Conn struct {
	client *redis.Client
	keys   keys
	ttl    time.Duration

	mu   sync.Mutex
	subs map[bus.SubscriptionID]*redis.PubSub

	nextID atomic.Uint64
	closed atomic.Bool
}

// New connects to Redis and verifies the server answers PING.
func New(cfg Config) (*Conn, error) {
	cfg = cfg.withDefaults()
	cl := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Conn{
		client: cl,
		keys:   keys{prefix: cfg.KeyPrefix},
		ttl:    cfg.CallTTL,
		subs:   make(map[bus.SubscriptionID]*redis.PubSub),
	}, nil
}

// NewFromEnv builds a Conn using envdecode to populate Config.
func NewFromEnv() (*Conn, error) {
	return New(ConfigFromEnv())
}

// Call implements bus.Conn.Call.
func (c *Conn) Call(ctx context.Context, path bus.ObjectPath, iface, method string, args ...any) (bus.Body, error) {
	if c.closed.Load() {
		return nil, bus.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, err := codec.EncodeValues(args...)
	if err != nil {
		return nil, fmt.Errorf("encoding arguments for %s.%s: %w", iface, method, err)
	}
	id := uuid.NewString()
	env, err := codec.Marshal(callEnvelope{ID: id, Path: path, Interface: iface, Method: method, Args: raw})
	if err != nil {
		return nil, fmt.Errorf("encoding call envelope: %w", err)
	}

	// The await marker must exist before the call is visible to a server.
	ok, err := c.client.SetNX(ctx, c.keys.await(id), "1", c.ttl).Result()
	if err != nil {
		return nil, c.wrap(err)
	}
	if !ok {
		return nil, fmt.Errorf("redisbus: duplicate call id %s", id)
	}
	if err := c.client.RPush(ctx, c.keys.calls(), env).Err(); err != nil {
		c.abandon(id)
		return nil, c.wrap(err)
	}

	data, err := c.awaitReply(ctx, id)
	if err != nil {
		c.abandon(id)
		return nil, err
	}

	var reply replyEnvelope
	if err := codec.Unmarshal(data, &reply); err != nil {
		return nil, fmt.Errorf("decoding reply for %s.%s: %w", iface, method, err)
	}
	if reply.ErrName != "" {
		return nil, &bus.Error{Name: reply.ErrName, Message: reply.ErrMessage}
	}
	return codec.Body(reply.Values), nil
}

func (c *Conn) awaitReply(ctx context.Context, id string) ([]byte, error) {
	list := c.keys.reply(id)
	for {
		res, err := c.client.BLPop(ctx, pollInterval, list).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, c.wrap(err)
		}
		if len(res) == 2 {
			// res[0] is the list name; res[1] is the data
			return []byte(res[1]), nil
		}
	}
}

// abandon deletes the await marker and reply list of a call that will never
// be read.
func (c *Conn) abandon(id string) {
	if c.closed.Load() {
		return
	}
	_, _ = c.client.Del(context.Background(), c.keys.await(id), c.keys.reply(id)).Result()
}

func (c *Conn) wrap(err error) error {
	if c.closed.Load() || errors.Is(err, redis.ErrClosed) {
		return bus.ErrClosed
	}
	return err
}

// Subscribe implements bus.Conn.Subscribe. It returns once Redis has
// confirmed the subscription, so signals published afterwards are delivered.
func (c *Conn) Subscribe(ctx context.Context, match bus.Match, handler bus.SignalHandler) (bus.SubscriptionID, error) {
	if c.closed.Load() {
		return 0, bus.ErrClosed
	}
	if handler == nil {
		return 0, fmt.Errorf("redisbus: nil signal handler")
	}

	ps := c.client.PSubscribe(ctx, c.pattern(match))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return 0, c.wrap(err)
	}

	id := bus.SubscriptionID(c.nextID.Add(1))
	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		_ = ps.Close()
		return 0, bus.ErrClosed
	}
	c.subs[id] = ps
	c.mu.Unlock()

	go deliver(ps.Channel(), match, handler)
	return id, nil
}

func deliver(ch <-chan *redis.Message, match bus.Match, handler bus.SignalHandler) {
	for msg := range ch {
		var env signalEnvelope
		if err := codec.Unmarshal([]byte(msg.Payload), &env); err != nil {
			continue
		}
		sig := &bus.Signal{Path: env.Path, Interface: env.Interface, Name: env.Member, Body: codec.Body(env.Args)}
		// Patterns use '*' for unset fields, which can over-match.
		if !match.Matches(sig) {
			continue
		}
		handler(sig)
	}
}

// Unsubscribe implements bus.Conn.Unsubscribe.
func (c *Conn) Unsubscribe(id bus.SubscriptionID) error {
	c.mu.Lock()
	ps, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return ps.Close()
}

// Close implements bus.Conn.Close.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[bus.SubscriptionID]*redis.PubSub)
	c.mu.Unlock()
	for _, ps := range subs {
		_ = ps.Close()
	}
	return c.client.Close()
}

func (c *Conn) pattern(m bus.Match) string {
	field := func(s string) string {
		if s == "" {
			return "*"
		}
		return globEscape(s)
	}
	return c.keys.prefix + "signal:" + field(m.Interface) + "." + field(m.Member) + ":" + field(string(m.Path))
}

func globEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Interface compliance
var _ bus.Conn = (*Conn)(nil)
