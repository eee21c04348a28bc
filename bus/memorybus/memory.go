package memorybus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/soundtrigger-go/bus"
	"github.com/ggoodman/soundtrigger-go/internal/codec"
)

// Bus implements bus.Conn and bus.Exporter in memory.
type Bus struct {
	mu      sync.RWMutex
	methods map[methodKey]bus.MethodFunc
	subs    map[bus.SubscriptionID]*subscription

	// emitMu serializes Emit so delivery order equals emission order.
	emitMu sync.Mutex

	nextID atomic.Uint64
	closed atomic.Bool
}

type methodKey struct {
	path   bus.ObjectPath
	iface  string
	member string
}

type subscription struct {
	id      bus.SubscriptionID
	match   bus.Match
	handler bus.SignalHandler
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		methods: make(map[methodKey]bus.MethodFunc),
		subs:    make(map[bus.SubscriptionID]*subscription),
	}
}

// --- Client side ---

// Call implements bus.Conn.Call.
func (b *Bus) Call(ctx context.Context, path bus.ObjectPath, iface, method string, args ...any) (bus.Body, error) {
	if b.closed.Load() {
		return nil, bus.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fn, err := b.lookup(path, iface, method)
	if err != nil {
		return nil, err
	}

	raw, err := codec.EncodeValues(args...)
	if err != nil {
		return nil, fmt.Errorf("encoding arguments for %s.%s: %w", iface, method, err)
	}

	out, err := fn(ctx, path, codec.Body(raw))
	if err != nil {
		return nil, bus.AsError(err)
	}

	reply, err := codec.EncodeValues(out...)
	if err != nil {
		return nil, bus.NewError(bus.ErrorFailed, "encoding reply for %s.%s: %v", iface, method, err)
	}
	return codec.Body(reply), nil
}

// Subscribe implements bus.Conn.Subscribe.
func (b *Bus) Subscribe(ctx context.Context, match bus.Match, handler bus.SignalHandler) (bus.SubscriptionID, error) {
	if b.closed.Load() {
		return 0, bus.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if handler == nil {
		return 0, fmt.Errorf("memorybus: nil signal handler")
	}

	id := bus.SubscriptionID(b.nextID.Add(1))
	b.mu.Lock()
	b.subs[id] = &subscription{id: id, match: match, handler: handler}
	b.mu.Unlock()
	return id, nil
}

// Unsubscribe implements bus.Conn.Unsubscribe.
func (b *Bus) Unsubscribe(id bus.SubscriptionID) error {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
	return nil
}

// Close implements bus.Conn.Close. It drops every subscription and export.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.mu.Lock()
	b.subs = make(map[bus.SubscriptionID]*subscription)
	b.methods = make(map[methodKey]bus.MethodFunc)
	b.mu.Unlock()
	return nil
}

// Subscriptions returns the number of installed subscriptions.
func (b *Bus) Subscriptions() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// --- Server side ---

// Export implements bus.Exporter.Export.
func (b *Bus) Export(path bus.ObjectPath, iface, member string, fn bus.MethodFunc) {
	b.mu.Lock()
	b.methods[methodKey{path: path, iface: iface, member: member}] = fn
	b.mu.Unlock()
}

// Unexport implements bus.Exporter.Unexport.
func (b *Bus) Unexport(path bus.ObjectPath) {
	b.mu.Lock()
	for k := range b.methods {
		if k.path == path {
			delete(b.methods, k)
		}
	}
	b.mu.Unlock()
}

// Emit implements bus.Exporter.Emit. Handlers run on the calling goroutine.
func (b *Bus) Emit(ctx context.Context, path bus.ObjectPath, iface, member string, args ...any) error {
	if b.closed.Load() {
		return bus.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := codec.EncodeValues(args...)
	if err != nil {
		return fmt.Errorf("encoding signal %s.%s: %w", iface, member, err)
	}

	b.emitMu.Lock()
	defer b.emitMu.Unlock()

	for _, sub := range b.matching(path, iface, member) {
		// Each handler gets its own body so one subscriber cannot observe
		// another's decoding side effects.
		body := make(codec.Body, len(raw))
		copy(body, raw)
		sub.handler(&bus.Signal{Path: path, Interface: iface, Name: member, Body: body})
	}
	return nil
}

func (b *Bus) lookup(path bus.ObjectPath, iface, method string) (bus.MethodFunc, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if fn, ok := b.methods[methodKey{path: path, iface: iface, member: method}]; ok {
		return fn, nil
	}
	for k := range b.methods {
		if k.path == path {
			return nil, bus.NewError(bus.ErrorUnknownMethod, "no method %s.%s on %s", iface, method, path)
		}
	}
	return nil, bus.NewError(bus.ErrorUnknownObject, "no object at %s", path)
}

// matching snapshots subscriptions for a signal in subscription order.
func (b *Bus) matching(path bus.ObjectPath, iface, member string) []*subscription {
	probe := &bus.Signal{Path: path, Interface: iface, Name: member}

	b.mu.RLock()
	out := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.match.Matches(probe) {
			out = append(out, sub)
		}
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Compile-time interface checks
var (
	_ bus.Conn     = (*Bus)(nil)
	_ bus.Exporter = (*Bus)(nil)
)
