package shim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel"
)

// Names under which the shim binary itself may be invoked.
var selfNames = []string{"aifo-shim", "aifo-shim-proxy"}

// ErrNoTool is returned when the tool name cannot be determined.
var ErrNoTool = errors.New("could not determine tool name")

// ParseInvocation splits argv into the tool name and its arguments. The tool
// is argv[0]'s base name, or argv[1] when the shim is run under its own name.
func ParseInvocation(argv []string) (string, []string, error) {
	if len(argv) == 0 {
		return "", nil, ErrNoTool
	}
	tool := filepath.Base(argv[0])
	args := argv[1:]
	for _, self := range selfNames {
		if tool != self {
			continue
		}
		if len(args) == 0 || args[0] == "" {
			return "", nil, ErrNoTool
		}
		return filepath.Base(args[0]), args[1:], nil
	}
	if tool == "" || tool == "." || tool == "/" {
		return "", nil, ErrNoTool
	}
	return tool, args, nil
}

// Options is the resolved shim configuration.
type Options struct {
	URL                  string
	Token                string
	Verbose              bool
	ExitZeroOnDisconnect bool
	// ExecID is sent to the proxy; a random one is used when empty.
	ExecID string
	// Cwd is sent to the proxy. Defaults to the process cwd.
	Cwd    string
	Policy Policy
	Getenv func(string) string
}

// Run executes one shim invocation and returns the process exit code.
func Run(ctx context.Context, opts Options, argv []string, stdout, stderr io.Writer) int {
	if strings.TrimSpace(opts.URL) == "" {
		fmt.Fprintln(stderr, "aifo-shim: proxy not configured. Please launch agent with --toolchain.")
		return ExitProtocol
	}
	if strings.TrimSpace(opts.Token) == "" {
		fmt.Fprintln(stderr, "aifo-shim: proxy token missing. Please launch agent with --toolchain.")
		return ExitProtocol
	}

	tool, args, err := ParseInvocation(argv)
	if err != nil {
		fmt.Fprintf(stderr, "aifo-shim: %v\n", err)
		return ExitDisconnect
	}

	cwd := opts.Cwd
	if cwd == "" {
		cwd = "."
		if wd, err := os.Getwd(); err == nil {
			cwd = wd
		}
	}
	policy := opts.Policy
	if policy.Cwd == "" {
		policy.Cwd = cwd
	}

	d := policy.Decide(tool, args)
	switch d.Mode {
	case ModeLocal:
		if opts.Verbose {
			fmt.Fprintln(stderr, smartLine(tool, d))
		}
		return RunLocal(ctx, d.LocalBin, args, stdout, stderr)
	case ModeUvxFrom:
		if opts.Verbose {
			fmt.Fprintf(stderr, "aifo-shim: smart: tool=%s mode=proxy reason=%s\n", tool, d.Reason)
		}
	}

	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	client, err := NewClient(opts.URL, opts.Token,
		WithExecID(opts.ExecID),
		WithExitZeroOnDisconnect(opts.ExitZeroOnDisconnect))
	if err != nil {
		fmt.Fprintf(stderr, "aifo-shim: %v\n", err)
		return ExitProtocol
	}
	if opts.Verbose {
		fmt.Fprintf(stderr, "aifo-shim: tool=%s cwd=%s exec_id=%s\n", tool, cwd, client.ExecID())
	}

	ctx = ContextFromEnv(ctx, otel.GetTextMapPropagator(), getenv)
	code, err := client.Exec(ctx, tool, cwd, args, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "aifo-shim: %v\n", err)
	}
	return code
}

func smartLine(tool string, d Decision) string {
	var b strings.Builder
	fmt.Fprintf(&b, "aifo-shim: smart: tool=%s mode=%s reason=%s", tool, d.Mode, d.Reason)
	if d.Program != "" {
		fmt.Fprintf(&b, " program=%s", d.Program)
	}
	if d.LocalBin != "" {
		fmt.Fprintf(&b, " local=%s", d.LocalBin)
	}
	return b.String()
}

// RunLocal runs bin with args, inheriting stdin, and returns its exit code.
func RunLocal(ctx context.Context, bin string, args []string, stdout, stderr io.Writer) int {
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	err := cmd.Run()
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) && ee.ExitCode() >= 0 {
		return ee.ExitCode()
	}
	fmt.Fprintf(stderr, "aifo-shim: failed to exec local runtime: %v\n", err)
	return ExitDisconnect
}
