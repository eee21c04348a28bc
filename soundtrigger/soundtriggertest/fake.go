package soundtriggertest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ggoodman/soundtrigger-go/bus"
	"github.com/ggoodman/soundtrigger-go/protocol"
)

// ErrNotListening is returned by the Emit helpers when no client listens for
// the signal, in which case the real module would not deliver it either.
var ErrNotListening = errors.New("soundtriggertest: signal not listened for")

// Option configures a fake Module.
type Option func(*Module)

// WithInterfaceVersion sets the version GetInterfaceVersion reports.
func WithInterfaceVersion(v int32) Option {
	return func(m *Module) { m.ifaceVersion = v }
}

// WithVersion sets the version GetVersion reports.
func WithVersion(v int32) Option {
	return func(m *Module) { m.implVersion = v }
}

// WithBufferSize sets the size GetBufferSize reports.
func WithBufferSize(n int32) Option {
	return func(m *Module) { m.bufferSize = n }
}

// WithParam sets the data GetParamData returns for name.
func WithParam(name string, data []byte) Option {
	return func(m *Module) { m.params[name] = data }
}

// WithBufferData sets the audio served by ReadBuffer and, with
// WithAutoReadBuffer, by RequestReadBuffer.
func WithBufferData(data []byte) Option {
	return func(m *Module) { m.bufferData = data }
}

// WithAutoReadBuffer answers every RequestReadBuffer with a
// ReadBufferAvailableEvent carrying the buffer data.
func WithAutoReadBuffer() Option {
	return func(m *Module) { m.autoRead = true }
}

// WithAutoStopBuffering answers every StopBuffering with a
// StopBufferingDoneEvent carrying status.
func WithAutoStopBuffering(status int32) Option {
	return func(m *Module) { m.autoStop, m.autoStopStatus = true, status }
}

// WithSessionPath overrides the object path LoadSoundModel returns for a
// newly allocated handle.
func WithSessionPath(fn func(module bus.ObjectPath, handle int32) bus.ObjectPath) Option {
	return func(m *Module) { m.sessionPath = fn }
}

// Session is the fake's record of one loaded model.
type Session struct {
	Handle      int32
	Path        bus.ObjectPath
	Model       *protocol.SoundModel
	Media       protocol.MediaConfig
	Config      *protocol.RecognitionConfig
	Recognizing bool
	Unloaded    bool
	Params      []string
	ReadSizes   []uint32

	seq uint32
}

// Module is a fake remote detection module.
type Module struct {
	exp  bus.Exporter
	name string
	path bus.ObjectPath

	ifaceVersion   int32
	implVersion    int32
	bufferSize     int32
	bufferData     []byte
	autoRead       bool
	autoStop       bool
	autoStopStatus int32
	sessionPath    func(bus.ObjectPath, int32) bus.ObjectPath

	mu           sync.Mutex
	params       map[string][]byte
	failures     map[string]error
	hooks        map[string]func()
	nextHandle   int32
	sessions     map[int32]*Session
	byPath       map[bus.ObjectPath]*Session
	listening    map[string]int
	listenCalls  map[string]int
	stopCalls    map[string]int
	moduleParams []string
}

// NewModule exports the fake "primary" module on exp.
func NewModule(exp bus.Exporter, opts ...Option) *Module {
	m := &Module{
		exp:          exp,
		name:         protocol.ModulePrimary,
		path:         protocol.ModulePath(protocol.ModulePrimary),
		ifaceVersion: protocol.InterfaceVersionAsyncBuffer,
		implVersion:  1,
		sessionPath:  protocol.SessionPath,
		params:       make(map[string][]byte),
		failures:     make(map[string]error),
		hooks:        make(map[string]func()),
		sessions:     make(map[int32]*Session),
		byPath:       make(map[bus.ObjectPath]*Session),
		listening:    make(map[string]int),
		listenCalls:  make(map[string]int),
		stopCalls:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}

	exp.Export(m.path, protocol.ModuleInterface, protocol.MethodGetInterfaceVersion, m.getInterfaceVersion)
	exp.Export(m.path, protocol.ModuleInterface, protocol.MethodGetVersion, m.getVersion)
	exp.Export(m.path, protocol.ModuleInterface, protocol.MethodLoadSoundModel, m.loadSoundModel)
	exp.Export(m.path, protocol.ModuleInterface, protocol.MethodSetParameters, m.setModuleParameters)
	exp.Export(protocol.CorePath, protocol.CoreInterface, protocol.MethodListenForSignal, m.listenForSignal)
	exp.Export(protocol.CorePath, protocol.CoreInterface, protocol.MethodStopListeningForSignal, m.stopListeningForSignal)
	return m
}

// Fail makes every later call of method fail with err. A nil err clears the
// failure.
func (m *Module) Fail(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, method)
		return
	}
	m.failures[method] = err
}

// FailListen makes ListenForSignal fail for signal, given by member name.
func (m *Module) FailListen(signal string, err error) {
	m.Fail(protocol.MethodListenForSignal+":"+protocol.ListenSignalName(signal), err)
}

// OnCall runs fn at the start of every later call of method, before any
// injected failure. A nil fn removes the hook.
func (m *Module) OnCall(method string, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fn == nil {
		delete(m.hooks, method)
		return
	}
	m.hooks[method] = fn
}

// failure runs the hook for method and returns its injected failure.
func (m *Module) failure(method string) error {
	m.mu.Lock()
	hook, err := m.hooks[method], m.failures[method]
	m.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

// Listening reports how many clients listen for signal, given by member name.
func (m *Module) Listening(signal string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listening[protocol.ListenSignalName(signal)]
}

// ListenCalls reports how often ListenForSignal was called for signal.
func (m *Module) ListenCalls(signal string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listenCalls[protocol.ListenSignalName(signal)]
}

// StopListeningCalls reports how often StopListeningForSignal was called for
// signal.
func (m *Module) StopListeningCalls(signal string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopCalls[protocol.ListenSignalName(signal)]
}

// Session returns a copy of the record for handle.
func (m *Module) Session(handle int32) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[handle]
	if !ok {
		return Session{}, false
	}
	cp := *s
	cp.Params = append([]string(nil), s.Params...)
	cp.ReadSizes = append([]uint32(nil), s.ReadSizes...)
	return cp, true
}

// Loaded returns the handles with a model still loaded, ascending.
func (m *Module) Loaded() []int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []int32
	for h, s := range m.sessions {
		if !s.Unloaded {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ModuleParams returns the strings passed to the module's SetParameters.
func (m *Module) ModuleParams() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.moduleParams...)
}

// --- Signals ---

// EmitDetection emits a DetectionEvent from the session.
func (m *Module) EmitDetection(ctx context.Context, handle int32, ev *protocol.DetectionEvent) error {
	return m.emit(ctx, handle, protocol.SignalDetectionEvent, protocol.DetectionEventArgs(ev)...)
}

// EmitReadBuffer emits a ReadBufferAvailableEvent from the session with an
// explicit sequence number.
func (m *Module) EmitReadBuffer(ctx context.Context, handle int32, ev protocol.ReadBufferAvailable) error {
	m.mu.Lock()
	if s, ok := m.sessions[handle]; ok {
		s.seq = ev.Sequence
	}
	m.mu.Unlock()
	return m.emit(ctx, handle, protocol.SignalReadBufferAvailableEvent, protocol.ReadBufferAvailableArgs(ev)...)
}

// EmitStopBufferingDone emits a StopBufferingDoneEvent from the session.
func (m *Module) EmitStopBufferingDone(ctx context.Context, handle int32, status int32) error {
	return m.emit(ctx, handle, protocol.SignalStopBufferingDoneEvent, protocol.StopBufferingDoneArgs(status)...)
}

func (m *Module) emit(ctx context.Context, handle int32, signal string, args ...any) error {
	m.mu.Lock()
	s, ok := m.sessions[handle]
	listening := m.listening[protocol.ListenSignalName(signal)] > 0
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("soundtriggertest: no session %d", handle)
	}
	if !listening {
		return ErrNotListening
	}
	return m.exp.Emit(ctx, s.Path, protocol.SessionInterface, signal, args...)
}

// --- Module methods ---

func (m *Module) getInterfaceVersion(ctx context.Context, path bus.ObjectPath, args bus.Body) ([]any, error) {
	if err := m.failure(protocol.MethodGetInterfaceVersion); err != nil {
		return nil, err
	}
	return []any{m.ifaceVersion}, nil
}

func (m *Module) getVersion(ctx context.Context, path bus.ObjectPath, args bus.Body) ([]any, error) {
	if err := m.failure(protocol.MethodGetVersion); err != nil {
		return nil, err
	}
	return []any{m.implVersion}, nil
}

func (m *Module) loadSoundModel(ctx context.Context, path bus.ObjectPath, args bus.Body) ([]any, error) {
	if err := m.failure(protocol.MethodLoadSoundModel); err != nil {
		return nil, err
	}
	model, media, err := protocol.DecodeLoadSoundModel(args)
	if err != nil {
		return nil, bus.NewError(bus.ErrorInvalidArgs, "%v", err)
	}

	m.mu.Lock()
	m.nextHandle++
	h := m.nextHandle
	s := &Session{Handle: h, Path: m.sessionPath(m.path, h), Model: model, Media: media}
	m.sessions[h] = s
	m.byPath[s.Path] = s
	m.mu.Unlock()

	m.exportSession(s.Path)
	return []any{s.Path}, nil
}

func (m *Module) setModuleParameters(ctx context.Context, path bus.ObjectPath, args bus.Body) ([]any, error) {
	if err := m.failure(protocol.MethodSetParameters); err != nil {
		return nil, err
	}
	var kv string
	if err := args.Store(&kv); err != nil {
		return nil, bus.NewError(bus.ErrorInvalidArgs, "%v", err)
	}
	m.mu.Lock()
	m.moduleParams = append(m.moduleParams, kv)
	m.mu.Unlock()
	return nil, nil
}

func (m *Module) listenForSignal(ctx context.Context, path bus.ObjectPath, args bus.Body) ([]any, error) {
	var (
		name    string
		objects []bus.ObjectPath
	)
	if err := args.Store(&name, &objects); err != nil {
		return nil, bus.NewError(bus.ErrorInvalidArgs, "%v", err)
	}
	if err := m.failure(protocol.MethodListenForSignal); err != nil {
		return nil, err
	}
	if err := m.failure(protocol.MethodListenForSignal + ":" + name); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.listenCalls[name]++
	m.listening[name]++
	m.mu.Unlock()
	return nil, nil
}

func (m *Module) stopListeningForSignal(ctx context.Context, path bus.ObjectPath, args bus.Body) ([]any, error) {
	var name string
	if err := args.Store(&name); err != nil {
		return nil, bus.NewError(bus.ErrorInvalidArgs, "%v", err)
	}
	if err := m.failure(protocol.MethodStopListeningForSignal); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopCalls[name]++
	if m.listening[name] == 0 {
		return nil, bus.NewError(bus.ErrorFailed, "not listening for %s", name)
	}
	m.listening[name]--
	return nil, nil
}

// --- Session methods ---

func (m *Module) exportSession(p bus.ObjectPath) {
	export := func(method string, fn func(ctx context.Context, s *Session, args bus.Body) ([]any, error)) {
		m.exp.Export(p, protocol.SessionInterface, method, func(ctx context.Context, path bus.ObjectPath, args bus.Body) ([]any, error) {
			if err := m.failure(method); err != nil {
				return nil, err
			}
			m.mu.Lock()
			s, ok := m.byPath[path]
			m.mu.Unlock()
			if !ok {
				return nil, bus.NewError(bus.ErrorUnknownObject, "no session at %s", path)
			}
			return fn(ctx, s, args)
		})
	}

	export(protocol.MethodUnloadSoundModel, m.unloadSoundModel)
	export(protocol.MethodStartRecognition, m.startRecognition)
	export(protocol.MethodStopRecognition, m.stopRecognition)
	export(protocol.MethodSetParameters, m.setSessionParameters)
	export(protocol.MethodGetParamData, m.getParamData)
	export(protocol.MethodGetBufferSize, m.getBufferSize)
	export(protocol.MethodStopBuffering, m.stopBuffering)
	if m.ifaceVersion >= protocol.InterfaceVersionAsyncBuffer {
		export(protocol.MethodRequestReadBuffer, m.requestReadBuffer)
	} else {
		export(protocol.MethodReadBuffer, m.readBuffer)
	}
}

func (m *Module) unloadSoundModel(ctx context.Context, s *Session, args bus.Body) ([]any, error) {
	m.mu.Lock()
	s.Unloaded = true
	s.Recognizing = false
	delete(m.byPath, s.Path)
	m.mu.Unlock()
	m.exp.Unexport(s.Path)
	return nil, nil
}

func (m *Module) startRecognition(ctx context.Context, s *Session, args bus.Body) ([]any, error) {
	cfg, err := protocol.DecodeStartRecognition(args)
	if err != nil {
		return nil, bus.NewError(bus.ErrorInvalidArgs, "%v", err)
	}
	m.mu.Lock()
	s.Config = cfg
	s.Recognizing = true
	m.mu.Unlock()
	return nil, nil
}

func (m *Module) stopRecognition(ctx context.Context, s *Session, args bus.Body) ([]any, error) {
	m.mu.Lock()
	s.Recognizing = false
	m.mu.Unlock()
	return nil, nil
}

func (m *Module) setSessionParameters(ctx context.Context, s *Session, args bus.Body) ([]any, error) {
	var kv string
	if err := args.Store(&kv); err != nil {
		return nil, bus.NewError(bus.ErrorInvalidArgs, "%v", err)
	}
	m.mu.Lock()
	s.Params = append(s.Params, kv)
	m.mu.Unlock()
	return nil, nil
}

func (m *Module) getParamData(ctx context.Context, s *Session, args bus.Body) ([]any, error) {
	var name string
	if err := args.Store(&name); err != nil {
		return nil, bus.NewError(bus.ErrorInvalidArgs, "%v", err)
	}
	m.mu.Lock()
	data, ok := m.params[name]
	m.mu.Unlock()
	if !ok {
		return nil, bus.NewError(bus.ErrorInvalidArgs, "unknown parameter %q", name)
	}
	return []any{data}, nil
}

func (m *Module) getBufferSize(ctx context.Context, s *Session, args bus.Body) ([]any, error) {
	return []any{m.bufferSize}, nil
}

func (m *Module) readBuffer(ctx context.Context, s *Session, args bus.Body) ([]any, error) {
	var n uint32
	if err := args.Store(&n); err != nil {
		return nil, bus.NewError(bus.ErrorInvalidArgs, "%v", err)
	}
	m.mu.Lock()
	s.ReadSizes = append(s.ReadSizes, n)
	m.mu.Unlock()
	data := m.bufferData
	if data == nil {
		data = []byte{}
	}
	return []any{data}, nil
}

func (m *Module) requestReadBuffer(ctx context.Context, s *Session, args bus.Body) ([]any, error) {
	var n uint32
	if err := args.Store(&n); err != nil {
		return nil, bus.NewError(bus.ErrorInvalidArgs, "%v", err)
	}
	m.mu.Lock()
	s.ReadSizes = append(s.ReadSizes, n)
	seq := s.seq + 1
	m.mu.Unlock()

	if m.autoRead {
		ev := protocol.ReadBufferAvailable{Sequence: seq, Status: 0, Data: m.bufferData}
		if err := m.EmitReadBuffer(ctx, s.Handle, ev); err != nil && !errors.Is(err, ErrNotListening) {
			return nil, err
		}
	}
	return nil, nil
}

func (m *Module) stopBuffering(ctx context.Context, s *Session, args bus.Body) ([]any, error) {
	if m.autoStop && m.ifaceVersion >= protocol.InterfaceVersionAsyncBuffer {
		if err := m.EmitStopBufferingDone(ctx, s.Handle, m.autoStopStatus); err != nil && !errors.Is(err, ErrNotListening) {
			return nil, err
		}
	}
	return nil, nil
}
