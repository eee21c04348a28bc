package logctx

import (
	"context"
	"log/slog"
)

// Handler decorates records with the module, session and rpc data carried
// on the context.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if md, ok := ctx.Value(moduleDataKey{}).(*ModuleData); ok {
		r.AddAttrs(slog.Group("module",
			slog.String("name", md.Name),
			slog.String("path", md.Path),
			slog.String("iface_version", md.InterfaceVersion),
		))
	}

	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.Int("handle", int(sd.Handle)),
			slog.String("path", sd.Path),
		))
	}

	if msg, ok := ctx.Value(rpcMsg{}).(*RPCMessage); ok {
		r.AddAttrs(slog.Group("rpc",
			slog.String("method", msg.Method),
			slog.String("path", msg.Path),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

// Wrap returns l with its handler decorated, unless it already is.
func Wrap(l *slog.Logger) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	if _, ok := l.Handler().(Handler); ok {
		return l
	}
	return slog.New(Handler{Handler: l.Handler()})
}

type rpcMsg struct{}

type RPCMessage struct {
	Method string
	Path   string
}

func WithRPCMessage(ctx context.Context, msg *RPCMessage) context.Context {
	return context.WithValue(ctx, rpcMsg{}, msg)
}

type moduleDataKey struct{}

type ModuleData struct {
	Name             string
	Path             string
	InterfaceVersion string
}

func WithModuleData(ctx context.Context, data *ModuleData) context.Context {
	return context.WithValue(ctx, moduleDataKey{}, data)
}

type sessionDataKey struct{}

type SessionData struct {
	Handle int32
	Path   string
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}
