// Package dbusconn implements bus.Conn over D-Bus using godbus.
//
// The detection service is reached through the PulseAudio D-Bus server,
// which is peer-to-peer: there is no message bus daemon, no Hello and no
// AddMatch. Signals arrive unfiltered and are matched client-side. When
// Options.MessageBus is set the connection also registers match rules with
// the bus daemon so the same code can talk to a service on a session or
// system bus.
package dbusconn
