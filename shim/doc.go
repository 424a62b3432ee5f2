// Package shim is the client side of the toolchain proxy.
//
// A shim is installed under the name of every proxied tool (cargo, npm,
// python, ...). When run, it decides whether the invocation should execute
// locally or in a sidecar, and in the latter case forwards it to the session
// proxy and exits with the tool's exit code.
package shim
