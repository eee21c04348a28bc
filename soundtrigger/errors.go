package soundtrigger

import (
	"errors"
	"fmt"

	"github.com/ggoodman/soundtrigger-go/bus"
)

var (
	// ErrInvalidArgument reports missing or out of bounds input.
	ErrInvalidArgument = errors.New("soundtrigger: invalid argument")
	// ErrNoSuchSession reports an unknown or already unloaded handle.
	ErrNoSuchSession = errors.New("soundtrigger: no such session")
	// ErrUnsupported reports an operation the negotiated interface version
	// does not offer.
	ErrUnsupported = errors.New("soundtrigger: not supported by interface version")
	// ErrTransport reports a failed remote call.
	ErrTransport = errors.New("soundtrigger: transport error")
	// ErrTimeout reports a blocking wait that reached its deadline.
	ErrTimeout = errors.New("soundtrigger: timed out")
	// ErrInsufficientBuffer reports a destination smaller than the data.
	ErrInsufficientBuffer = errors.New("soundtrigger: insufficient buffer")
	// ErrPartialSetup reports a LoadModel that failed after the model was
	// loaded remotely. The load has been undone.
	ErrPartialSetup = errors.New("soundtrigger: partial setup")
	// ErrClosed reports use of a module after Deinit.
	ErrClosed = errors.New("soundtrigger: module closed")
	// ErrReentrantCall reports a session mutating call made from within a
	// recognition callback.
	ErrReentrantCall = errors.New("soundtrigger: call from recognition callback")
)

// StatusTimedOut is the status StopBuffering reports when completion was not
// signalled in time.
const StatusTimedOut int32 = -110

// CallError is a failed remote call. It matches ErrTransport and unwraps to
// the transport's error, which is a *bus.Error for remote failures.
type CallError struct {
	Method string
	Path   bus.ObjectPath
	Err    error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s on %s: %v", e.Method, e.Path, e.Err)
}

func (e *CallError) Unwrap() []error { return []error{ErrTransport, e.Err} }

// SetupError is a LoadModel failure after the remote load succeeded. It
// matches ErrPartialSetup and ErrInvalidArgument.
type SetupError struct {
	Step string
	Err  error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("soundtrigger: load failed at %s: %v", e.Step, e.Err)
}

func (e *SetupError) Unwrap() []error {
	return []error{ErrPartialSetup, ErrInvalidArgument, e.Err}
}

func invalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
