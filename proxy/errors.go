package proxy

import "errors"

// Wire header names.
const (
	HeaderProto    = "X-Aifo-Proto"
	HeaderExitCode = "X-Exit-Code"
	HeaderExecID   = "X-Aifo-Exec-Id"
	// HeaderStreamExecID names the exec id echoed on streaming responses.
	HeaderStreamExecID = "X-Exec-Id"
)

// Exit codes carried in X-Exit-Code when the tool itself did not decide.
const (
	ExitProtocol = 86
	ExitTimeout  = 124
)

const (
	maxHeaderBytes = 64 << 10
	maxBodyBytes   = 1 << 20
	maxOutputBytes = 16 << 20
)

var (
	// ErrServerClosed is returned by Start after Shutdown.
	ErrServerClosed = errors.New("proxy: server closed")

	// ErrNoRunner is returned by New when no Runner is supplied.
	ErrNoRunner = errors.New("proxy: runner is required")

	// ErrNotifyDisabled is returned by the default notifier.
	ErrNotifyDisabled = errors.New("notifications are not configured")
)
