package dbusconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/soundtrigger-go/bus"
	"github.com/godbus/dbus/v5"
)

// DefaultAddress is the PulseAudio D-Bus server socket.
const DefaultAddress = "unix:path=/var/run/pulse/dbus-socket"

// signalBuffer is the depth of the channel godbus delivers signals on.
const signalBuffer = 64

// Options configures Dial.
type Options struct {
	// Address is a D-Bus address such as "unix:path=/run/pulse/dbus-socket".
	Address string
	// MessageBus selects bus-daemon mode (Hello + AddMatch).
	MessageBus bool
	// Logger receives connection level diagnostics.
	Logger *slog.Logger
}

// Conn is a bus.Conn over a godbus connection.
type Conn struct {
	conn       *dbus.Conn
	messageBus bool
	log        *slog.Logger

	mu   sync.RWMutex
	subs map[bus.SubscriptionID]*subscription

	signals chan *dbus.Signal
	done    chan struct{}

	nextID atomic.Uint64
	closed atomic.Bool
}

type subscription struct {
	id      bus.SubscriptionID
	match   bus.Match
	handler bus.SignalHandler
}

// Dial connects and authenticates to the D-Bus server at opts.Address.
func Dial(ctx context.Context, opts Options) (*Conn, error) {
	addr := opts.Address
	if addr == "" {
		addr = DefaultAddress
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	conn, err := dbus.Dial(addr, dbus.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if err := conn.Auth(nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("authenticate %s: %w", addr, err)
	}
	if opts.MessageBus {
		if err := conn.Hello(); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("hello %s: %w", addr, err)
		}
	}

	c := newConn(conn, opts.MessageBus, log)
	log.DebugContext(ctx, "dbusconn.dial.ok", slog.String("addr", addr), slog.Bool("message_bus", opts.MessageBus))
	return c, nil
}

func newConn(conn *dbus.Conn, messageBus bool, log *slog.Logger) *Conn {
	c := &Conn{
		conn:       conn,
		messageBus: messageBus,
		log:        log,
		subs:       make(map[bus.SubscriptionID]*subscription),
		signals:    make(chan *dbus.Signal, signalBuffer),
		done:       make(chan struct{}),
	}
	conn.Signal(c.signals)
	go c.dispatch()
	return c
}

// Call implements bus.Conn.Call.
func (c *Conn) Call(ctx context.Context, path bus.ObjectPath, iface, method string, args ...any) (bus.Body, error) {
	if c.closed.Load() {
		return nil, bus.ErrClosed
	}
	obj := c.conn.Object("", dbus.ObjectPath(path))
	call := obj.CallWithContext(ctx, iface+"."+method, 0, toWire(args)...)
	if call.Err != nil {
		return nil, fromWireError(call.Err)
	}
	return body(call.Body), nil
}

// Subscribe implements bus.Conn.Subscribe.
func (c *Conn) Subscribe(ctx context.Context, match bus.Match, handler bus.SignalHandler) (bus.SubscriptionID, error) {
	if c.closed.Load() {
		return 0, bus.ErrClosed
	}
	if handler == nil {
		return 0, fmt.Errorf("dbusconn: nil signal handler")
	}
	if c.messageBus {
		if err := c.conn.AddMatchSignalContext(ctx, matchOptions(match)...); err != nil {
			return 0, fromWireError(err)
		}
	}

	id := bus.SubscriptionID(c.nextID.Add(1))
	c.mu.Lock()
	c.subs[id] = &subscription{id: id, match: match, handler: handler}
	c.mu.Unlock()
	return id, nil
}

// Unsubscribe implements bus.Conn.Unsubscribe.
func (c *Conn) Unsubscribe(id bus.SubscriptionID) error {
	c.mu.Lock()
	sub, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if !ok || !c.messageBus || c.closed.Load() {
		return nil
	}
	if err := c.conn.RemoveMatchSignal(matchOptions(sub.match)...); err != nil {
		return fromWireError(err)
	}
	return nil
}

// Close implements bus.Conn.Close.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.conn.RemoveSignal(c.signals)
	close(c.done)
	return c.conn.Close()
}

func (c *Conn) dispatch() {
	for {
		select {
		case <-c.done:
			return
		case sig, ok := <-c.signals:
			if !ok {
				return
			}
			c.deliver(sig)
		}
	}
}

func (c *Conn) deliver(raw *dbus.Signal) {
	if raw == nil {
		return
	}
	sig := fromWireSignal(raw)

	c.mu.RLock()
	targets := make([]*subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		if sub.match.Matches(sig) {
			targets = append(targets, sub)
		}
	}
	c.mu.RUnlock()
	if len(targets) == 0 {
		return
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })

	for _, sub := range targets {
		sub.handler(sig)
	}
}

// --- Wire conversion ---

// body adapts a godbus reply or signal body to bus.Body.
type body []any

func (b body) Len() int { return len(b) }

func (b body) Store(dst ...any) error {
	if len(dst) > len(b) {
		return fmt.Errorf("body has %d values, %d requested", len(b), len(dst))
	}
	return dbus.Store(b[:len(dst)], dst...)
}

// toWire converts bus.ObjectPath arguments to their D-Bus type so they are
// marshalled as 'o' rather than 's'.
func toWire(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		switch v := a.(type) {
		case bus.ObjectPath:
			out[i] = dbus.ObjectPath(v)
		case []bus.ObjectPath:
			paths := make([]dbus.ObjectPath, len(v))
			for j, p := range v {
				paths[j] = dbus.ObjectPath(p)
			}
			out[i] = paths
		default:
			out[i] = a
		}
	}
	return out
}

func fromWireSignal(raw *dbus.Signal) *bus.Signal {
	iface, member := splitMember(raw.Name)
	return &bus.Signal{
		Path:      bus.ObjectPath(raw.Path),
		Interface: iface,
		Name:      member,
		Body:      body(raw.Body),
	}
}

// splitMember splits "org.Example.Iface.Member" at the last dot.
func splitMember(name string) (iface, member string) {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return "", name
	}
	return name[:i], name[i+1:]
}

func fromWireError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, dbus.ErrClosed) {
		return bus.ErrClosed
	}
	var de dbus.Error
	if errors.As(err, &de) {
		return &bus.Error{Name: de.Name, Message: errorMessage(de.Body)}
	}
	var dep *dbus.Error
	if errors.As(err, &dep) && dep != nil {
		return &bus.Error{Name: dep.Name, Message: errorMessage(dep.Body)}
	}
	return err
}

func errorMessage(body []any) string {
	if len(body) == 0 {
		return ""
	}
	if s, ok := body[0].(string); ok {
		return s
	}
	return fmt.Sprint(body...)
}

func matchOptions(m bus.Match) []dbus.MatchOption {
	var opts []dbus.MatchOption
	if m.Interface != "" {
		opts = append(opts, dbus.WithMatchInterface(m.Interface))
	}
	if m.Member != "" {
		opts = append(opts, dbus.WithMatchMember(m.Member))
	}
	if m.Path != "" {
		opts = append(opts, dbus.WithMatchObjectPath(dbus.ObjectPath(m.Path)))
	}
	return opts
}

// Interface compliance
var _ bus.Conn = (*Conn)(nil)
