package soundtrigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/soundtrigger-go/protocol"
)

// ReadBuffer fills dst with captured audio and returns the byte count. dst is
// zeroed first. On interface versions with asynchronous buffering the call
// waits up to the async timeout for the matching ReadBufferAvailableEvent
// and fails with ErrTimeout otherwise. When the module had more data than
// dst holds, dst is filled and ErrInsufficientBuffer is returned alongside
// len(dst).
func (m *Module) ReadBuffer(ctx context.Context, h SessionHandle, dst []byte) (int, error) {
	if err := m.check(ctx, true); err != nil {
		return 0, err
	}
	if len(dst) == 0 {
		return 0, invalidArgument("empty read buffer")
	}
	s, err := m.session(h)
	if err != nil {
		return 0, err
	}
	clear(dst)
	ctx = m.sessionCtx(ctx, s)

	s.readMu.Lock()
	defer s.readMu.Unlock()

	if m.version < protocol.InterfaceVersionAsyncBuffer {
		return m.readBufferSync(ctx, s, dst)
	}

	snap := s.beginRead(dst)
	if _, err := m.call(ctx, s.path, protocol.SessionInterface, protocol.MethodRequestReadBuffer, uint32(len(dst))); err != nil {
		s.mu.Lock()
		s.endReadLocked()
		s.mu.Unlock()
		return 0, err
	}

	s.mu.Lock()
	err = s.waitLocked(ctx, time.Now().Add(m.asyncTimeout), func() bool { return s.readEvents != snap })
	n, overflow := s.readReceived, s.readOverflow
	s.endReadLocked()
	s.mu.Unlock()

	switch {
	case errors.Is(err, ErrTimeout):
		m.log.WarnContext(ctx, "session.read.timeout", slog.Duration("after", m.asyncTimeout))
		return 0, fmt.Errorf("%w: no buffer within %s", ErrTimeout, m.asyncTimeout)
	case err != nil:
		return 0, err
	case overflow:
		return n, fmt.Errorf("%w: buffer filled with %d bytes", ErrInsufficientBuffer, n)
	}
	return n, nil
}

func (m *Module) readBufferSync(ctx context.Context, s *session, dst []byte) (int, error) {
	reply, err := m.call(ctx, s.path, protocol.SessionInterface, protocol.MethodReadBuffer, uint32(len(dst)))
	if err != nil {
		return 0, err
	}
	var data []byte
	if err := reply.Store(&data); err != nil {
		return 0, m.replyError(protocol.MethodReadBuffer, s.path, err)
	}
	n := copy(dst, data)
	if len(data) > n {
		return n, fmt.Errorf("%w: %d bytes available, buffer holds %d", ErrInsufficientBuffer, len(data), n)
	}
	return n, nil
}

// StopBuffering ends buffered capture and returns the module's completion
// status. On interface versions with asynchronous buffering it waits up to
// the async timeout for StopBufferingDoneEvent; on timeout it returns
// StatusTimedOut with ErrTimeout. Older versions report 0 once the call is
// acknowledged.
func (m *Module) StopBuffering(ctx context.Context, h SessionHandle) (int32, error) {
	if err := m.check(ctx, true); err != nil {
		return 0, err
	}
	s, err := m.session(h)
	if err != nil {
		return 0, err
	}
	ctx = m.sessionCtx(ctx, s)

	if m.version < protocol.InterfaceVersionAsyncBuffer {
		if _, err := m.call(ctx, s.path, protocol.SessionInterface, protocol.MethodStopBuffering); err != nil {
			return 0, err
		}
		return 0, nil
	}

	s.mu.Lock()
	gen := s.stopBufferGen
	s.mu.Unlock()

	if _, err := m.call(ctx, s.path, protocol.SessionInterface, protocol.MethodStopBuffering); err != nil {
		return 0, err
	}

	s.mu.Lock()
	err = s.waitLocked(ctx, time.Now().Add(m.asyncTimeout), func() bool { return s.stopBufferGen != gen })
	status := s.stopStatus
	s.mu.Unlock()

	switch {
	case errors.Is(err, ErrTimeout):
		m.log.WarnContext(ctx, "session.stop_buffering.timeout", slog.Duration("after", m.asyncTimeout))
		return StatusTimedOut, fmt.Errorf("%w: no completion within %s", ErrTimeout, m.asyncTimeout)
	case err != nil:
		return 0, err
	}
	m.log.DebugContext(ctx, "session.stop_buffering.ok", slog.Int("status", int(status)))
	return status, nil
}
