// Package bus defines the transport contract used to talk to a remote
// sound-trigger module: synchronous method calls addressed by object path and
// interface, and per-object signal subscriptions.
//
// Layers & Roles
//
//	Conn      -> client side: Call / Subscribe / Unsubscribe / Close
//	Exporter  -> server side: Export methods, Emit signals (tests, bridges)
//	Body      -> positional, typed payload of a reply or signal
//
// Implementations
//
//	dbusconn  : D-Bus (production; PulseAudio exposes the module over D-Bus)
//	memorybus : in-process reference used by tests and examples
//	redisbus  : Redis lists + pub/sub for bridged deployments
//
// The package is intentionally narrow. It only carries what the sound-trigger
// protocol needs and is not a general message-bus framework.
package bus
