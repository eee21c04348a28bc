package soundtrigger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ggoodman/soundtrigger-go/bus"
	"github.com/ggoodman/soundtrigger-go/protocol"
)

// eventKind is one of the three session signals.
type eventKind int

const (
	kindDetection eventKind = iota
	kindReadBuffer
	kindStopBuffering
	numKinds
)

var allKinds = [numKinds]eventKind{kindDetection, kindReadBuffer, kindStopBuffering}

func (k eventKind) signal() string {
	switch k {
	case kindDetection:
		return protocol.SignalDetectionEvent
	case kindReadBuffer:
		return protocol.SignalReadBufferAvailableEvent
	case kindStopBuffering:
		return protocol.SignalStopBufferingDoneEvent
	}
	return fmt.Sprintf("eventKind(%d)", int(k))
}

func (k eventKind) minVersion() int32 {
	if k == kindDetection {
		return protocol.InterfaceVersionDefault
	}
	return protocol.InterfaceVersionAsyncBuffer
}

// subscriptionManager installs per-session signal subscriptions and keeps
// one core listener per kind alive while any session subscribes to it.
type subscriptionManager struct {
	m *Module

	// mu guards refs and every session's subIDs. It is held across the
	// listener RPCs so the first/last decisions cannot interleave.
	mu   sync.Mutex
	refs [numKinds]int
}

func newSubscriptionManager(m *Module) *subscriptionManager {
	return &subscriptionManager{m: m}
}

func (sm *subscriptionManager) supported(k eventKind) error {
	if sm.m.version < k.minVersion() {
		return fmt.Errorf("%w: %s needs interface version %#x, have %#x",
			ErrUnsupported, k.signal(), k.minVersion(), sm.m.version)
	}
	return nil
}

// subscribe routes kind signals from s's object into s's event loop.
func (sm *subscriptionManager) subscribe(ctx context.Context, k eventKind, s *session) error {
	if err := sm.supported(k); err != nil {
		return err
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	if s.subIDs[k] != 0 {
		return nil
	}

	name := protocol.ListenSignalName(k.signal())
	first := sm.refs[k] == 0
	if first {
		_, err := sm.m.call(ctx, protocol.CorePath, protocol.CoreInterface, protocol.MethodListenForSignal,
			name, []bus.ObjectPath{})
		if err != nil {
			return err
		}
		sm.m.log.DebugContext(ctx, "subscriptions.listen.ok", slog.String("signal", name))
	}

	match := bus.Match{Interface: protocol.SessionInterface, Member: k.signal(), Path: s.path}
	id, err := sm.m.conn.Subscribe(ctx, match, s.enqueue)
	if err != nil {
		if first {
			sm.stopListening(context.WithoutCancel(ctx), name)
		}
		return fmt.Errorf("%w: subscribing %s: %w", ErrTransport, k.signal(), err)
	}

	s.subIDs[k] = id
	sm.refs[k]++
	return nil
}

// unsubscribe removes s's kind subscription and, for the last subscriber,
// the core listener.
func (sm *subscriptionManager) unsubscribe(ctx context.Context, k eventKind, s *session) error {
	if err := sm.supported(k); err != nil {
		return err
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	id := s.subIDs[k]
	if id == 0 {
		return nil
	}
	s.subIDs[k] = 0
	sm.refs[k]--

	var unsubErr error
	if err := sm.m.conn.Unsubscribe(id); err != nil {
		unsubErr = fmt.Errorf("%w: unsubscribing %s: %w", ErrTransport, k.signal(), err)
	}

	if sm.refs[k] == 0 {
		name := protocol.ListenSignalName(k.signal())
		if _, err := sm.m.call(ctx, protocol.CorePath, protocol.CoreInterface, protocol.MethodStopListeningForSignal, name); err != nil {
			return err
		}
		sm.m.log.DebugContext(ctx, "subscriptions.stop_listening.ok", slog.String("signal", name))
	}
	return unsubErr
}

func (sm *subscriptionManager) stopListening(ctx context.Context, name string) {
	if _, err := sm.m.call(ctx, protocol.CorePath, protocol.CoreInterface, protocol.MethodStopListeningForSignal, name); err != nil {
		sm.m.log.WarnContext(ctx, "subscriptions.stop_listening.fail",
			slog.String("signal", name), slog.String("err", err.Error()))
	}
}

// listeners reports the current refcount of kind k.
func (sm *subscriptionManager) listeners(k eventKind) int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.refs[k]
}
