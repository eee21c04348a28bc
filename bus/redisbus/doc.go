// Package redisbus carries bus calls and signals over Redis so a detection
// module can be served by a process that does not share a socket with its
// clients (bridges, test rigs, remote labs).
//
// Design Notes
//   - Calls: CBOR envelopes RPUSHed on "<prefix>calls"; the server BLPOPs
//     them and dispatches sequentially
//   - Replies: the caller sets an await marker (SETNX + TTL) and BLPOPs
//     "<prefix>reply:<id>"; the server fulfils through a Lua script that only
//     pushes while the marker exists, so abandoned calls never accumulate
//   - Signals: PUBLISH on "<prefix>signal:<iface>.<member>:<path>"; clients
//     PSUBSCRIBE per subscription and receive in publish order
//
// Trade-offs
//
//	Pros: no shared socket, any number of clients, trivial to inspect
//	Cons: signals are fire-and-forget; a client that is not subscribed at
//	      publish time misses them (the same as a D-Bus match rule)
//
// Example:
//
//	srv, _ := redisbus.NewServer(redisbus.Config{RedisAddr: "localhost:6379"})
//	srv.Export(path, iface, "Ping", ping)
//	go srv.Serve(ctx)
//
//	conn, _ := redisbus.New(redisbus.Config{RedisAddr: "localhost:6379"})
//	reply, err := conn.Call(ctx, path, iface, "Ping")
package redisbus
