package redisbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/soundtrigger-go/bus"
	"github.com/ggoodman/soundtrigger-go/internal/codec"
	"github.com/redis/go-redis/v9"
)

// Server is the exporting half of the Redis transport. Calls are dispatched
// one at a time in arrival order.
type Server struct {
	client *redis.Client
	keys   keys
	ttl    time.Duration
	log    *slog.Logger

	mu      sync.RWMutex
	methods map[methodKey]bus.MethodFunc
}

type methodKey struct {
	path   bus.ObjectPath
	iface  string
	member string
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets the logger used for dispatch failures.
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// NewServer connects to Redis and verifies the server answers PING.
func NewServer(cfg Config, opts ...ServerOption) (*Server, error) {
	cfg = cfg.withDefaults()
	cl := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	s := &Server{
		client:  cl,
		keys:    keys{prefix: cfg.KeyPrefix},
		ttl:     cfg.CallTTL,
		log:     slog.Default(),
		methods: make(map[methodKey]bus.MethodFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the Redis client. A running Serve returns.
func (s *Server) Close() error { return s.client.Close() }

// Export implements bus.Exporter.Export.
func (s *Server) Export(path bus.ObjectPath, iface, member string, fn bus.MethodFunc) {
	s.mu.Lock()
	s.methods[methodKey{path: path, iface: iface, member: member}] = fn
	s.mu.Unlock()
}

// Unexport implements bus.Exporter.Unexport.
func (s *Server) Unexport(path bus.ObjectPath) {
	s.mu.Lock()
	for k := range s.methods {
		if k.path == path {
			delete(s.methods, k)
		}
	}
	s.mu.Unlock()
}

// Emit implements bus.Exporter.Emit.
func (s *Server) Emit(ctx context.Context, path bus.ObjectPath, iface, member string, args ...any) error {
	raw, err := codec.EncodeValues(args...)
	if err != nil {
		return fmt.Errorf("encoding signal %s.%s: %w", iface, member, err)
	}
	data, err := codec.Marshal(signalEnvelope{Path: path, Interface: iface, Member: member, Args: raw})
	if err != nil {
		return fmt.Errorf("encoding signal envelope: %w", err)
	}
	return s.client.Publish(ctx, s.keys.signal(iface, member, string(path)), data).Err()
}

// Serve pops calls until ctx ends or the client is closed.
func (s *Server) Serve(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := s.client.BLPop(ctx, pollInterval, s.keys.calls()).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if len(res) != 2 {
			continue
		}
		s.dispatch(ctx, []byte(res[1]))
	}
}

func (s *Server) dispatch(ctx context.Context, data []byte) {
	var call callEnvelope
	if err := codec.Unmarshal(data, &call); err != nil {
		s.log.WarnContext(ctx, "redisbus.dispatch.decode.fail", slog.String("err", err.Error()))
		return
	}

	reply := s.invoke(ctx, &call)
	out, err := codec.Marshal(reply)
	if err != nil {
		out, _ = codec.Marshal(replyEnvelope{ErrName: bus.ErrorFailed, ErrMessage: err.Error()})
	}

	ok, err := s.fulfil(ctx, call.ID, out)
	if err != nil {
		s.log.WarnContext(ctx, "redisbus.dispatch.fulfil.fail",
			slog.String("method", call.Interface+"."+call.Method),
			slog.String("err", err.Error()))
		return
	}
	if !ok {
		s.log.DebugContext(ctx, "redisbus.dispatch.abandoned", slog.String("id", call.ID))
	}
}

func (s *Server) invoke(ctx context.Context, call *callEnvelope) replyEnvelope {
	fn, berr := s.lookup(call.Path, call.Interface, call.Method)
	if berr != nil {
		return replyEnvelope{ErrName: berr.Name, ErrMessage: berr.Message}
	}
	values, err := fn(ctx, call.Path, codec.Body(call.Args))
	if err != nil {
		be := bus.AsError(err)
		return replyEnvelope{ErrName: be.Name, ErrMessage: be.Message}
	}
	raw, err := codec.EncodeValues(values...)
	if err != nil {
		return replyEnvelope{ErrName: bus.ErrorFailed, ErrMessage: err.Error()}
	}
	return replyEnvelope{Values: raw}
}

func (s *Server) lookup(path bus.ObjectPath, iface, method string) (bus.MethodFunc, *bus.Error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if fn, ok := s.methods[methodKey{path: path, iface: iface, member: method}]; ok {
		return fn, nil
	}
	for k := range s.methods {
		if k.path == path {
			return nil, bus.NewError(bus.ErrorUnknownMethod, "no method %s.%s on %s", iface, method, path)
		}
	}
	return nil, bus.NewError(bus.ErrorUnknownObject, "no object at %s", path)
}

var fulfilScript = redis.NewScript(`
local await = KEYS[1]
local list = KEYS[2]
local payload = ARGV[1]
local ttl = tonumber(ARGV[2])
if redis.call('EXISTS', await) == 1 then
  redis.call('RPUSH', list, payload)
  redis.call('DEL', await)
  redis.call('EXPIRE', list, ttl)
  return 1
end
return 0
`)

// fulfil pushes a reply only while the caller still awaits it.
func (s *Server) fulfil(ctx context.Context, id string, data []byte) (bool, error) {
	ttl := int64(s.ttl / time.Second)
	if ttl < 1 {
		ttl = 1
	}
	keys := []string{s.keys.await(id), s.keys.reply(id)}
	res, err := fulfilScript.Run(ctx, s.client, keys, data, ttl).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Interface compliance
var _ bus.Exporter = (*Server)(nil)
