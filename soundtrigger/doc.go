// Package soundtrigger is a client for a remote sound-trigger (voice
// detection) module reached over a bus.Conn.
//
// A Module is opened with Init and owns the connection, the negotiated
// interface version and every session loaded through it. Each loaded model
// is a session addressed by a SessionHandle. Sessions run their own event
// loop goroutine that decodes the module's signals and either invokes the
// recognition callback or wakes a caller blocked in ReadBuffer or
// StopBuffering.
//
// Layers & Roles
//
//	Module               : public API, protocol driver, registry owner
//	subscriptionManager  : per-kind listener refcounts; issues the core
//	                       ListenForSignal/StopListeningForSignal calls on
//	                       the first and last subscriber of a kind
//	session              : event loop, read and stop-buffering synchronisation
//
// Typical flow:
//
//	m, err := soundtrigger.Init(ctx, protocol.ModulePrimary)
//	h, err := m.LoadModel(ctx, model, media)
//	err = m.StartRecognition(ctx, h, cfg, onDetection, nil)
//	n, err := m.ReadBuffer(ctx, h, buf)
//	status, err := m.StopBuffering(ctx, h)
//	err = m.StopRecognition(ctx, h)
//	err = m.UnloadModel(ctx, h)
//	err = m.Deinit(ctx)
//
// Recognition callbacks run on the session's event loop. They must return
// promptly and must not call LoadModel, UnloadModel, StartRecognition,
// StopRecognition, ReadBuffer, StopBuffering or Deinit with the context they
// were handed; those calls fail with ErrReentrantCall. Calling UnloadModel
// or Deinit from a callback with a different context deadlocks the session's
// event loop.
package soundtrigger
