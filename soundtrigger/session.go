package soundtrigger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/soundtrigger-go/bus"
	"github.com/ggoodman/soundtrigger-go/protocol"
)

// SessionHandle identifies a loaded model within a Module. Zero addresses
// the module itself in SetParameters.
type SessionHandle int32

// SessionState tracks the local view of a session. The remote module is
// authoritative.
type SessionState int32

const (
	StateUnloaded SessionState = iota
	StateLoaded
	StateRecognizing
	StateStopped
)

func (s SessionState) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoaded:
		return "loaded"
	case StateRecognizing:
		return "recognizing"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("SessionState(%d)", int32(s))
}

// RecognitionCallback receives detection events on the session's event
// loop. ctx is marked so that session mutating calls made with it fail with
// ErrReentrantCall. The marker is the only guard: unloading the session
// from the callback with any other context waits for the event loop to
// exit and so never returns.
type RecognitionCallback func(ctx context.Context, ev *protocol.DetectionEvent, cookie any)

// inboxSize bounds signals queued ahead of the event loop. A full inbox
// blocks the transport's delivery goroutine.
const inboxSize = 64

type session struct {
	handle SessionHandle
	path   bus.ObjectPath
	log    *slog.Logger

	// subIDs is guarded by subscriptionManager.mu.
	subIDs [numKinds]bus.SubscriptionID

	inbox    chan *bus.Signal
	quit     chan struct{}
	exited   chan struct{}
	stopOnce sync.Once

	state atomic.Int32

	cbMu     sync.Mutex
	callback RecognitionCallback
	cookie   any

	// readMu serializes ReadBuffer calls on the session.
	readMu sync.Mutex

	// mu guards everything below. wake is closed and replaced on every
	// broadcast.
	mu            sync.Mutex
	wake          chan struct{}
	closed        bool
	readDst       []byte
	readReceived  int
	readOverflow  bool
	readEvents    uint64
	lastSeq       uint32
	stopStatus    int32
	stopBufferGen uint64
}

func newSession(h SessionHandle, path bus.ObjectPath, log *slog.Logger) *session {
	s := &session{
		handle: h,
		path:   path,
		log:    log,
		inbox:  make(chan *bus.Signal, inboxSize),
		quit:   make(chan struct{}),
		exited: make(chan struct{}),
		wake:   make(chan struct{}),
	}
	s.state.Store(int32(StateLoaded))
	return s
}

func (s *session) setState(st SessionState) { s.state.Store(int32(st)) }

func (s *session) getState() SessionState { return SessionState(s.state.Load()) }

func (s *session) setCallback(cb RecognitionCallback, cookie any) {
	s.cbMu.Lock()
	s.callback, s.cookie = cb, cookie
	s.cbMu.Unlock()
}

func (s *session) getCallback() (RecognitionCallback, any) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	return s.callback, s.cookie
}

// enqueue is the bus.SignalHandler for every subscription of s.
func (s *session) enqueue(sig *bus.Signal) {
	select {
	case s.inbox <- sig:
	case <-s.quit:
	}
}

// run is the session event loop. It exits when stop is called.
func (s *session) run(ctx context.Context, m *Module) {
	defer close(s.exited)
	s.log.DebugContext(ctx, "session.loop.start")
	for {
		select {
		case <-s.quit:
			s.log.DebugContext(ctx, "session.loop.exit")
			return
		case sig := <-s.inbox:
			s.dispatch(ctx, m, sig)
		}
	}
}

// stop ends the event loop and waits for it to exit. Blocked readers are
// woken and fail with ErrNoSuchSession.
func (s *session) stop() {
	s.stopOnce.Do(func() {
		close(s.quit)
	})
	<-s.exited

	s.mu.Lock()
	s.closed = true
	s.broadcastLocked()
	s.mu.Unlock()
}

func (s *session) dispatch(ctx context.Context, m *Module, sig *bus.Signal) {
	switch sig.Name {
	case protocol.SignalDetectionEvent:
		ev, err := protocol.DecodeDetectionEvent(sig.Body)
		if err != nil {
			s.log.WarnContext(ctx, "session.detection.decode.fail", slog.String("err", err.Error()))
			return
		}
		cb, cookie := s.getCallback()
		if cb == nil {
			s.log.DebugContext(ctx, "session.detection.drop", slog.String("reason", "no callback"))
			return
		}
		s.log.DebugContext(ctx, "session.detection.ok",
			slog.String("status", ev.Header.Status.String()),
			slog.Int("phrases", len(ev.Phrases)),
			slog.Int("data_size", ev.DataSize()))
		cb(context.WithValue(ctx, callbackKey{}, m), ev, cookie)

	case protocol.SignalReadBufferAvailableEvent:
		ev, err := protocol.DecodeReadBufferAvailable(sig.Body)
		if err != nil {
			s.log.WarnContext(ctx, "session.read.decode.fail", slog.String("err", err.Error()))
			return
		}
		s.applyReadBuffer(ctx, ev)

	case protocol.SignalStopBufferingDoneEvent:
		status, err := protocol.DecodeStopBufferingDone(sig.Body)
		if err != nil {
			s.log.WarnContext(ctx, "session.stop_buffering.decode.fail", slog.String("err", err.Error()))
			return
		}
		s.mu.Lock()
		s.stopStatus = status
		s.stopBufferGen++
		s.broadcastLocked()
		s.mu.Unlock()

	default:
		s.log.DebugContext(ctx, "session.signal.unknown", slog.String("name", sig.Name))
	}
}

// applyReadBuffer copies the payload into a pending read and wakes the
// reader. The sequence is recorded even for failed or unrequested buffers.
func (s *session) applyReadBuffer(ctx context.Context, ev protocol.ReadBufferAvailable) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.Sequence != 0 && ev.Sequence != s.lastSeq+1 {
		s.log.WarnContext(ctx, "session.read.gap",
			slog.Uint64("last_seq", uint64(s.lastSeq)),
			slog.Uint64("seq", uint64(ev.Sequence)))
	}

	switch {
	case len(s.readDst) == 0 || ev.Status < 0:
		s.log.InfoContext(ctx, "session.read.discard",
			slog.Int("requested", len(s.readDst)),
			slog.Uint64("seq", uint64(ev.Sequence)),
			slog.Int("status", int(ev.Status)))
		s.readReceived = 0
	default:
		n := copy(s.readDst, ev.Data)
		s.readReceived = n
		s.readOverflow = len(ev.Data) > n
	}

	s.lastSeq = ev.Sequence
	s.readEvents++
	s.broadcastLocked()
}

func (s *session) broadcastLocked() {
	close(s.wake)
	s.wake = make(chan struct{})
}

// waitLocked blocks until done reports true, the deadline passes, ctx ends
// or the session is torn down. s.mu must be held; it is held again on
// return.
func (s *session) waitLocked(ctx context.Context, deadline time.Time, done func() bool) error {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	for !done() {
		if s.closed {
			return ErrNoSuchSession
		}
		wake := s.wake
		s.mu.Unlock()
		select {
		case <-wake:
			s.mu.Lock()
		case <-timer.C:
			s.mu.Lock()
			if done() {
				return nil
			}
			return ErrTimeout
		case <-ctx.Done():
			s.mu.Lock()
			return ctx.Err()
		}
	}
	return nil
}

// beginRead arms a read into dst and returns the event count to wait past.
func (s *session) beginRead(dst []byte) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readDst = dst
	s.readReceived = 0
	s.readOverflow = false
	return s.readEvents
}

// endReadLocked disarms the pending read so late events cannot touch dst.
func (s *session) endReadLocked() {
	s.readDst = nil
	s.readReceived = 0
	s.readOverflow = false
}
