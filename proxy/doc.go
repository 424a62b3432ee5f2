// Package proxy implements the per-session execution proxy.
//
// The proxy listens on a loopback TCP port or a Unix socket and speaks a
// small HTTP/1.1 subset. Each connection carries one request:
//
//	POST /exec    run an allowlisted tool in the session's sidecars
//	POST /notify  run the configured notification command on the host
//
// Every response carries an X-Exit-Code header so shell-level clients can
// turn it into a process exit status. Code 86 marks protocol and handler
// failures, 124 marks a timeout. Version 1 of /exec buffers output; version 2
// streams it with chunked encoding and delivers the exit code as a trailer.
//
// Requests pass through a fixed pipeline: parse, route, allowlist, auth,
// version, validation, dispatch. The allowlist check happens before
// authentication.
package proxy
