// Package supervise owns the per-service handle to a running remote process.
//
// A Supervisor wraps the transport-level Process and speaks the engine's
// control protocol over its stdio: the launch config (bind table) is written
// to stdin, the process answers "ready" once every listen socket is bound,
// "start: <connect table>" tells it to dial its peers and is acknowledged with
// "ack start", and "stop" requests graceful shutdown with a bounded grace
// period before the process is killed. Binding and connecting are therefore
// separable phases, which is what makes mutual connections deadlock-free.
//
// Everything the process writes outside the control handshake is fanned out
// through broadcast streams: each observer registers a cursor and receives
// every line emitted after registration, never before.
package supervise
