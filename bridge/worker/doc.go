/*
Package worker supervises the single long-lived backend process behind the bridge.

The supervisor owns the process end-to-end: it prepares filesystem directories,
runs a one-shot authentication handshake, spawns the worker, frames its stdout
byte stream into newline-delimited JSON messages, and restarts it with a fixed
delay whenever it exits unexpectedly. Restarts retry forever; the supervisor
favors availability over fail-fast.

The worker speaks one JSON value per line, UTF-8, on stdin and stdout. Stderr
is free-form text and is only split into lines for logging.

Consumers receive messages and lifecycle transitions from a single Events
channel. The channel is closed by Stop once all internal goroutines have
drained, so a range loop over Events terminates on shutdown.
*/
package worker
