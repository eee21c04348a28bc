// Package soundtriggertest provides an in-process stand-in for the remote
// detection module. It exports the module, session and core listener methods
// on any bus.Exporter and lets tests emit session signals, inject failures
// and inspect what the client sent.
//
//	b := memorybus.New()
//	fake := soundtriggertest.NewModule(b, soundtriggertest.WithInterfaceVersion(0x101))
//	m, err := soundtrigger.Init(ctx, "primary", soundtrigger.WithConn(b))
package soundtriggertest
