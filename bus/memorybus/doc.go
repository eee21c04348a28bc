// Package memorybus provides an in-process bus.Conn and bus.Exporter for
// tests, examples and single-process embedding. The same *Bus value is both
// the client connection and the server that exports methods and emits
// signals.
//
// Characteristics
//
//	Durability   : none (RAM only)
//	Encoding     : every argument, reply and signal value is CBOR encoded so
//	               callers never share memory with the server side
//	Signals      : delivered synchronously, in emission order, to every
//	               matching subscription
//	Concurrency  : safe
//
// Example:
//
//	b := memorybus.New()
//	b.Export("/obj", "com.example.Iface", "Ping", func(ctx context.Context, _ bus.ObjectPath, _ bus.Body) ([]any, error) {
//	    return []any{"pong"}, nil
//	})
//	reply, err := b.Call(ctx, "/obj", "com.example.Iface", "Ping")
package memorybus
