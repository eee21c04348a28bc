package bus

import (
	"context"
	"errors"
	"fmt"
)

// ObjectPath addresses a remote object, e.g. "/org/pulseaudio/ext/qsthw/primary".
type ObjectPath string

// SubscriptionID identifies an installed signal subscription. Zero is never a
// valid id.
type SubscriptionID uint64

// Body is the positional payload of a method reply or a signal.
type Body interface {
	// Len returns the number of top-level values.
	Len() int
	// Store decodes the first len(dst) values into dst, which must be
	// non-nil pointers. Storing more values than present is an error.
	Store(dst ...any) error
}

// Signal is a broadcast emitted by a remote object.
type Signal struct {
	Path      ObjectPath
	Interface string
	Name      string
	Body      Body
}

// Match selects signals by interface, member and emitting object. Empty
// fields match anything.
type Match struct {
	Interface string
	Member    string
	Path      ObjectPath
}

// Matches reports whether sig satisfies m.
func (m Match) Matches(sig *Signal) bool {
	if sig == nil {
		return false
	}
	if m.Interface != "" && m.Interface != sig.Interface {
		return false
	}
	if m.Member != "" && m.Member != sig.Name {
		return false
	}
	if m.Path != "" && m.Path != sig.Path {
		return false
	}
	return true
}

// SignalHandler receives matching signals. Handlers are invoked on a
// transport goroutine and must not block for long.
type SignalHandler func(sig *Signal)

// Conn is a connection to the remote bus. Implementations MUST be safe for
// concurrent use; no ordering is promised between calls issued from
// different goroutines.
type Conn interface {
	// Call invokes iface.method on the object at path and blocks until the
	// reply arrives, the transport fails, or ctx ends. Remote failures are
	// reported as *Error.
	Call(ctx context.Context, path ObjectPath, iface, method string, args ...any) (Body, error)

	// Subscribe installs handler for signals satisfying match.
	Subscribe(ctx context.Context, match Match, handler SignalHandler) (SubscriptionID, error)

	// Unsubscribe removes a subscription. Unknown ids are ignored.
	Unsubscribe(id SubscriptionID) error

	// Close releases the connection. Subsequent calls fail with ErrClosed.
	Close() error
}

// MethodFunc serves one exported method. The returned values form the reply
// body. Returning a non-*Error error is reported to the caller as
// ErrorFailed.
type MethodFunc func(ctx context.Context, path ObjectPath, args Body) ([]any, error)

// Exporter is the server half of a transport.
type Exporter interface {
	// Export registers fn for iface.member on path, replacing any previous
	// registration.
	Export(path ObjectPath, iface, member string, fn MethodFunc)

	// Unexport removes every method exported on path.
	Unexport(path ObjectPath)

	// Emit broadcasts a signal from path.
	Emit(ctx context.Context, path ObjectPath, iface, member string, args ...any) error
}

// Standard error names, mirroring the D-Bus well-known names.
const (
	ErrorFailed        = "org.freedesktop.DBus.Error.Failed"
	ErrorUnknownObject = "org.freedesktop.DBus.Error.UnknownObject"
	ErrorUnknownMethod = "org.freedesktop.DBus.Error.UnknownMethod"
	ErrorInvalidArgs   = "org.freedesktop.DBus.Error.InvalidArgs"
	ErrorNoReply       = "org.freedesktop.DBus.Error.NoReply"
)

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("bus: connection closed")

// Error is a failure reported by the remote side of a call.
type Error struct {
	Name    string
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Name
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// NewError builds a remote error with a formatted message.
func NewError(name, format string, args ...any) *Error {
	return &Error{Name: name, Message: fmt.Sprintf(format, args...)}
}

// AsError converts err into a remote error. Errors that are already *Error
// are returned unchanged; anything else becomes ErrorFailed.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return be
	}
	return &Error{Name: ErrorFailed, Message: err.Error()}
}

// EmptyBody is a Body with no values.
var EmptyBody Body = emptyBody{}

type emptyBody struct{}

func (emptyBody) Len() int { return 0 }

func (emptyBody) Store(dst ...any) error {
	if len(dst) > 0 {
		return fmt.Errorf("body has 0 values, %d requested", len(dst))
	}
	return nil
}
