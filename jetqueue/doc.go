// Package jetqueue is a client for a remote job queue backend. Jobs are
// received in batches over a long lived websocket connection, and per-job
// outcomes are acknowledged on the same connection. Enqueue and cancel go
// over plain HTTP.
//
// A listen session runs until its context is cancelled or a fatal error
// occurs. Set ListenOptions.Retry, or wrap the call in Supervise, to keep
// consuming across connection failures.
package jetqueue
