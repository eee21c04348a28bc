package soundtrigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ggoodman/soundtrigger-go/bus"
	"github.com/ggoodman/soundtrigger-go/internal/logctx"
	"github.com/ggoodman/soundtrigger-go/protocol"
)

// Module is a connected remote detection module.
type Module struct {
	name         string
	path         bus.ObjectPath
	conn         bus.Conn
	ownsConn     bool
	version      int32
	asyncTimeout time.Duration
	log          *slog.Logger
	logData      *logctx.ModuleData

	reg  *registry
	subs *subscriptionManager

	closed atomic.Bool
}

type callbackKey struct{}

// Init opens the named module. Only protocol.ModulePrimary exists. Without
// WithConn the transport is dialled from WithConfig or, failing that, the
// environment, and is closed by Deinit.
func Init(ctx context.Context, moduleName string, opts ...Option) (*Module, error) {
	if moduleName != protocol.ModulePrimary {
		return nil, invalidArgument("unsupported module %q", moduleName)
	}

	ic := &initConfig{logger: slog.Default(), asyncTimeout: DefaultAsyncTimeout}
	for _, opt := range opts {
		opt(ic)
	}
	log := logctx.Wrap(ic.logger)

	conn, owns := ic.conn, false
	if conn == nil {
		cfg := ic.cfg
		if cfg == nil {
			envCfg, err := ConfigFromEnv()
			if err != nil {
				return nil, err
			}
			cfg = &envCfg
		}
		if cfg.AsyncTimeout > 0 && ic.asyncTimeout == DefaultAsyncTimeout {
			ic.asyncTimeout = cfg.AsyncTimeout
		}
		c, err := Dial(ctx, *cfg, log)
		if err != nil {
			return nil, err
		}
		conn, owns = c, true
	}

	m := &Module{
		name:         moduleName,
		path:         protocol.ModulePath(moduleName),
		conn:         conn,
		ownsConn:     owns,
		version:      protocol.InterfaceVersionDefault,
		asyncTimeout: ic.asyncTimeout,
		log:          log,
		reg:          newRegistry(),
	}
	m.subs = newSubscriptionManager(m)
	m.logData = &logctx.ModuleData{Name: m.name, Path: string(m.path)}

	m.negotiateVersion(ctx)
	return m, nil
}

// negotiateVersion queries the interface version once. Failure keeps the
// default.
func (m *Module) negotiateVersion(ctx context.Context) {
	ctx = m.ctx(ctx)
	reply, err := m.call(ctx, m.path, protocol.ModuleInterface, protocol.MethodGetInterfaceVersion)
	if err == nil {
		var v int32
		if err = reply.Store(&v); err == nil {
			m.version = v
		}
	}
	m.logData.InterfaceVersion = fmt.Sprintf("%#x", m.version)
	if err != nil {
		m.log.WarnContext(ctx, "module.iface_version.fail", slog.String("err", err.Error()))
		return
	}
	m.log.InfoContext(ctx, "module.iface_version.ok")
}

// Deinit unloads every remaining session and releases the module. The
// connection is closed if Init dialled it. Later calls fail with ErrClosed.
func (m *Module) Deinit(ctx context.Context) error {
	if ctx.Value(callbackKey{}) == m {
		return ErrReentrantCall
	}
	if !m.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	ctx = m.ctx(ctx)

	var errs []error
	for _, h := range m.reg.handles() {
		s, ok := m.reg.remove(h)
		if !ok {
			continue
		}
		m.log.InfoContext(ctx, "module.deinit.unload", slog.Int("handle", int(h)))
		if err := m.teardown(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	if m.ownsConn {
		if err := m.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%w: closing connection: %w", ErrTransport, err))
		}
	}
	return errors.Join(errs...)
}

// Name returns the module id passed to Init.
func (m *Module) Name() string { return m.name }

// InterfaceVersion returns the interface version negotiated by Init.
func (m *Module) InterfaceVersion() int32 { return m.version }

// Sessions returns the live session handles in ascending order.
func (m *Module) Sessions() []SessionHandle { return m.reg.handles() }

// SessionState returns the local state of a live session.
func (m *Module) SessionState(h SessionHandle) (SessionState, error) {
	s, ok := m.reg.get(h)
	if !ok {
		return StateUnloaded, fmt.Errorf("%w: %d", ErrNoSuchSession, h)
	}
	return s.getState(), nil
}

// Version returns the module implementation version.
func (m *Module) Version(ctx context.Context) (int32, error) {
	if err := m.check(ctx, false); err != nil {
		return 0, err
	}
	ctx = m.ctx(ctx)
	reply, err := m.call(ctx, m.path, protocol.ModuleInterface, protocol.MethodGetVersion)
	if err != nil {
		return 0, err
	}
	var v int32
	if err := reply.Store(&v); err != nil {
		return 0, m.replyError(protocol.MethodGetVersion, m.path, err)
	}
	return v, nil
}

// LoadModel loads a sound model and returns the new session's handle. A
// failure after the remote load is undone and reported as a *SetupError.
func (m *Module) LoadModel(ctx context.Context, model *protocol.SoundModel, media protocol.MediaConfig) (SessionHandle, error) {
	if err := m.check(ctx, true); err != nil {
		return 0, err
	}
	if model == nil {
		return 0, invalidArgument("nil sound model")
	}
	args, err := protocol.LoadSoundModelArgs(model, media)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	ctx = m.ctx(ctx)

	reply, err := m.call(ctx, m.path, protocol.ModuleInterface, protocol.MethodLoadSoundModel, args...)
	if err != nil {
		return 0, err
	}
	var path bus.ObjectPath
	if err := reply.Store(&path); err != nil {
		return 0, m.replyError(protocol.MethodLoadSoundModel, m.path, err)
	}
	raw, err := protocol.ParseSessionHandle(path)
	if err != nil {
		m.unloadRemote(ctx, path)
		return 0, &SetupError{Step: "parse session path", Err: err}
	}

	h := SessionHandle(raw)
	sctx := logctx.WithSessionData(ctx, &logctx.SessionData{Handle: raw, Path: string(path)})
	s := newSession(h, path, m.log)

	// The loop runs before any subscription so no early signal is lost.
	go s.run(context.WithoutCancel(sctx), m)

	if err := m.subs.subscribe(sctx, kindDetection, s); err != nil {
		m.unwind(sctx, s)
		return 0, &SetupError{Step: "subscribe " + kindDetection.signal(), Err: err}
	}
	for _, k := range []eventKind{kindReadBuffer, kindStopBuffering} {
		if err := m.subs.subscribe(sctx, k, s); err != nil {
			if errors.Is(err, ErrUnsupported) {
				m.log.InfoContext(sctx, "session.subscribe.unsupported", slog.String("signal", k.signal()))
				continue
			}
			m.log.WarnContext(sctx, "session.subscribe.fail", slog.String("signal", k.signal()), slog.String("err", err.Error()))
		}
	}

	if !m.reg.insert(s) {
		m.unwind(sctx, s)
		return 0, &SetupError{Step: "register", Err: fmt.Errorf("handle %d already in use", h)}
	}
	// Deinit may have taken its snapshot of the registry before the insert.
	if m.closed.Load() {
		if _, ok := m.reg.remove(h); ok {
			m.unwind(sctx, s)
		}
		return 0, ErrClosed
	}
	m.log.InfoContext(sctx, "session.load.ok", slog.Int("sessions", m.reg.len()))
	return h, nil
}

// unwind undoes a partially set up load.
func (m *Module) unwind(ctx context.Context, s *session) {
	ctx = context.WithoutCancel(ctx)
	m.unsubscribeAll(ctx, s)
	s.stop()
	m.unloadRemote(ctx, s.path)
}

func (m *Module) unloadRemote(ctx context.Context, path bus.ObjectPath) {
	if _, err := m.call(context.WithoutCancel(ctx), path, protocol.SessionInterface, protocol.MethodUnloadSoundModel); err != nil {
		m.log.WarnContext(ctx, "session.unwind.unload.fail", slog.String("err", err.Error()))
	}
}

func (m *Module) unsubscribeAll(ctx context.Context, s *session) {
	for _, k := range allKinds {
		if err := m.subs.unsubscribe(ctx, k, s); err != nil {
			if errors.Is(err, ErrUnsupported) {
				continue
			}
			m.log.WarnContext(ctx, "session.unsubscribe.fail", slog.String("signal", k.signal()), slog.String("err", err.Error()))
		}
	}
}

// UnloadModel unloads a session's model. The handle is invalid afterwards
// even if the remote unload fails.
func (m *Module) UnloadModel(ctx context.Context, h SessionHandle) error {
	if err := m.check(ctx, true); err != nil {
		return err
	}
	s, ok := m.reg.remove(h)
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoSuchSession, h)
	}
	return m.teardown(m.ctx(ctx), s)
}

// teardown unsubscribes, joins the event loop and then unloads remotely.
func (m *Module) teardown(ctx context.Context, s *session) error {
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{Handle: int32(s.handle), Path: string(s.path)})
	m.unsubscribeAll(ctx, s)
	s.stop()
	s.setState(StateUnloaded)
	if _, err := m.call(ctx, s.path, protocol.SessionInterface, protocol.MethodUnloadSoundModel); err != nil {
		return err
	}
	m.log.InfoContext(ctx, "session.unload.ok")
	return nil
}

// StartRecognition starts detection. cb is invoked on the session's event
// loop for every detection event from then on.
func (m *Module) StartRecognition(ctx context.Context, h SessionHandle, cfg *protocol.RecognitionConfig, cb RecognitionCallback, cookie any) error {
	if err := m.check(ctx, true); err != nil {
		return err
	}
	if cfg == nil || cb == nil {
		return invalidArgument("recognition config and callback are required")
	}
	s, err := m.session(h)
	if err != nil {
		return err
	}
	args, err := protocol.StartRecognitionArgs(cfg)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	ctx = m.sessionCtx(ctx, s)
	if _, err := m.call(ctx, s.path, protocol.SessionInterface, protocol.MethodStartRecognition, args...); err != nil {
		return err
	}
	s.setCallback(cb, cookie)
	s.setState(StateRecognizing)
	return nil
}

// StopRecognition stops detection.
func (m *Module) StopRecognition(ctx context.Context, h SessionHandle) error {
	if err := m.check(ctx, true); err != nil {
		return err
	}
	s, err := m.session(h)
	if err != nil {
		return err
	}
	if _, err := m.call(m.sessionCtx(ctx, s), s.path, protocol.SessionInterface, protocol.MethodStopRecognition); err != nil {
		return err
	}
	s.setState(StateStopped)
	return nil
}

// SetParameters sends a key=value string to a session, or to the module
// itself when h is 0.
func (m *Module) SetParameters(ctx context.Context, h SessionHandle, kv string) error {
	if err := m.check(ctx, false); err != nil {
		return err
	}
	if h == 0 {
		_, err := m.call(m.ctx(ctx), m.path, protocol.ModuleInterface, protocol.MethodSetParameters, kv)
		return err
	}
	s, err := m.session(h)
	if err != nil {
		return err
	}
	_, err = m.call(m.sessionCtx(ctx, s), s.path, protocol.SessionInterface, protocol.MethodSetParameters, kv)
	return err
}

// GetParamData reads a named parameter into dst and returns its size. dst
// is zeroed first and left zeroed on failure, including when the parameter
// does not fit.
func (m *Module) GetParamData(ctx context.Context, h SessionHandle, name string, dst []byte) (int, error) {
	clear(dst)
	if err := m.check(ctx, false); err != nil {
		return 0, err
	}
	s, err := m.session(h)
	if err != nil {
		return 0, err
	}
	reply, err := m.call(m.sessionCtx(ctx, s), s.path, protocol.SessionInterface, protocol.MethodGetParamData, name)
	if err != nil {
		return 0, err
	}
	var data []byte
	if err := reply.Store(&data); err != nil {
		return 0, m.replyError(protocol.MethodGetParamData, s.path, err)
	}
	if len(data) > len(dst) {
		return 0, fmt.Errorf("%w: parameter %q needs %d bytes, have %d", ErrInsufficientBuffer, name, len(data), len(dst))
	}
	return copy(dst, data), nil
}

// GetBufferSize returns the session's capture buffer size in bytes.
func (m *Module) GetBufferSize(ctx context.Context, h SessionHandle) (int, error) {
	if err := m.check(ctx, false); err != nil {
		return 0, err
	}
	s, err := m.session(h)
	if err != nil {
		return 0, err
	}
	reply, err := m.call(m.sessionCtx(ctx, s), s.path, protocol.SessionInterface, protocol.MethodGetBufferSize)
	if err != nil {
		return 0, err
	}
	var size int32
	if err := reply.Store(&size); err != nil {
		return 0, m.replyError(protocol.MethodGetBufferSize, s.path, err)
	}
	return int(size), nil
}

// --- Helpers ---

// check rejects calls on a closed module and, for session mutating calls,
// calls made from a recognition callback of this module.
func (m *Module) check(ctx context.Context, mutating bool) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if mutating && ctx.Value(callbackKey{}) == m {
		return ErrReentrantCall
	}
	return nil
}

func (m *Module) session(h SessionHandle) (*session, error) {
	s, ok := m.reg.get(h)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchSession, h)
	}
	return s, nil
}

func (m *Module) ctx(ctx context.Context) context.Context {
	return logctx.WithModuleData(ctx, m.logData)
}

func (m *Module) sessionCtx(ctx context.Context, s *session) context.Context {
	return logctx.WithSessionData(m.ctx(ctx), &logctx.SessionData{Handle: int32(s.handle), Path: string(s.path)})
}

// call performs one RPC and wraps failures in *CallError.
func (m *Module) call(ctx context.Context, path bus.ObjectPath, iface, method string, args ...any) (bus.Body, error) {
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: method, Path: string(path)})
	reply, err := m.conn.Call(ctx, path, iface, method, args...)
	if err != nil {
		m.log.WarnContext(ctx, "rpc.fail", slog.String("err", err.Error()))
		return nil, &CallError{Method: method, Path: path, Err: err}
	}
	m.log.DebugContext(ctx, "rpc.ok")
	return reply, nil
}

func (m *Module) replyError(method string, path bus.ObjectPath, err error) error {
	return &CallError{Method: method, Path: path, Err: fmt.Errorf("decoding reply: %w", err)}
}
