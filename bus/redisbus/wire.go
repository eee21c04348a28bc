package redisbus

import (
	"github.com/ggoodman/soundtrigger-go/bus"
	"github.com/ggoodman/soundtrigger-go/internal/codec"
)

type callEnvelope struct {
	ID        string             `cbor:"id"`
	Path      bus.ObjectPath     `cbor:"path"`
	Interface string             `cbor:"iface"`
	Method    string             `cbor:"method"`
	Args      []codec.RawMessage `cbor:"args"`
}

type replyEnvelope struct {
	Values     []codec.RawMessage `cbor:"values,omitempty"`
	ErrName    string             `cbor:"err,omitempty"`
	ErrMessage string             `cbor:"msg,omitempty"`
}

type signalEnvelope struct {
	Path      bus.ObjectPath     `cbor:"path"`
	Interface string             `cbor:"iface"`
	Member    string             `cbor:"member"`
	Args      []codec.RawMessage `cbor:"args"`
}
