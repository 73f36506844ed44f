/*
Package server manages HTTP/HTTPS listener lifecycle: non-blocking start,
graceful shutdown, and signal handling.

Manager wraps net/http.Server with an asynchronous error channel. Start and
StartTLS serve from a background goroutine; Shutdown drains in-flight
requests within the configured timeout; WaitForShutdown blocks on
SIGINT/SIGTERM or a serve error and then shuts down.
*/
package server
