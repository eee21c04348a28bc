package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ggoodman/soundtrigger-go/bus"
)

// Object layout.
const (
	ObjectPathPrefix = "/org/pulseaudio/ext/qsthw"
	ModuleInterface  = "org.PulseAudio.Ext.Qsthw"
	SessionInterface = "org.PulseAudio.Ext.Qsthw.Session"

	CorePath      bus.ObjectPath = "/org/pulseaudio/core1"
	CoreInterface                = "org.PulseAudio.Core1"
)

// ModulePrimary is the only module id a client may open.
const ModulePrimary = "primary"

// Module methods.
const (
	MethodGetInterfaceVersion = "GetInterfaceVersion"
	MethodGetVersion          = "GetVersion"
	MethodLoadSoundModel      = "LoadSoundModel"
	MethodSetParameters       = "SetParameters"
)

// Session methods. SetParameters is served by both objects.
const (
	MethodUnloadSoundModel  = "UnloadSoundModel"
	MethodStartRecognition  = "StartRecognition"
	MethodStopRecognition   = "StopRecognition"
	MethodGetParamData      = "GetParamData"
	MethodGetBufferSize     = "GetBufferSize"
	MethodReadBuffer        = "ReadBuffer"
	MethodRequestReadBuffer = "RequestReadBuffer"
	MethodStopBuffering     = "StopBuffering"
)

// Core listener methods.
const (
	MethodListenForSignal        = "ListenForSignal"
	MethodStopListeningForSignal = "StopListeningForSignal"
)

// Session signals.
const (
	SignalDetectionEvent           = "DetectionEvent"
	SignalReadBufferAvailableEvent = "ReadBufferAvailableEvent"
	SignalStopBufferingDoneEvent   = "StopBufferingDoneEvent"
)

// Interface versions.
const (
	InterfaceVersionDefault int32 = 0x100
	// InterfaceVersionAsyncBuffer introduces RequestReadBuffer and the
	// ReadBufferAvailable/StopBufferingDone signals.
	InterfaceVersionAsyncBuffer int32 = 0x101
)

// Collection bounds shared by models, configs and events.
const (
	MaxPhrases = 10
	MaxUsers   = 10
)

// ModulePath returns the object path of a module.
func ModulePath(module string) bus.ObjectPath {
	return bus.ObjectPath(ObjectPathPrefix + "/" + module)
}

// SessionPath returns the object path a module assigns to a session.
func SessionPath(module bus.ObjectPath, handle int32) bus.ObjectPath {
	return bus.ObjectPath(fmt.Sprintf("%s/session_%d", module, handle))
}

// ListenSignalName is the fully qualified name the core listener calls take.
func ListenSignalName(signal string) string {
	return SessionInterface + "." + signal
}

// ErrBadSessionPath is returned for session paths that carry no handle.
var ErrBadSessionPath = errors.New("protocol: session path carries no handle")

// ParseSessionHandle extracts the integer following the first '_' of a
// session object path. Like strtol with base 0 it accepts a sign and the
// 0x and 0 prefixes, and stops at the first character that is not a digit.
func ParseSessionHandle(path bus.ObjectPath) (int32, error) {
	s := string(path)
	i := strings.IndexByte(s, '_')
	if i < 0 {
		return 0, fmt.Errorf("%w: %q", ErrBadSessionPath, s)
	}
	s = s[i+1:]
	if j := strings.IndexByte(s, '_'); j >= 0 {
		s = s[:j]
	}

	n, err := strconv.ParseInt(leadingInteger(s), 0, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadSessionPath, string(path))
	}
	return int32(n), nil
}

// leadingInteger returns the longest prefix of s that is a base-0 integer
// literal.
func leadingInteger(s string) string {
	end := 0
	if end < len(s) && (s[end] == '+' || s[end] == '-') {
		end++
	}
	digits := "0123456789"
	start := end
	if strings.HasPrefix(s[end:], "0x") || strings.HasPrefix(s[end:], "0X") {
		digits = "0123456789abcdefABCDEF"
		end += 2
	} else if strings.HasPrefix(s[end:], "0") {
		digits = "01234567"
	}
	body := end
	for end < len(s) && strings.IndexByte(digits, s[end]) >= 0 {
		end++
	}
	if end == body && body == start+2 {
		// "0x" with no hex digits parses as 0.
		return s[:start+1]
	}
	return s[:end]
}
