package notify

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
)

// ErrPolicy is matched by every PolicyError.
var ErrPolicy = errors.New("notification policy violation")

// PolicyError explains why a notification request was rejected.
type PolicyError struct {
	Reason string
}

func (e *PolicyError) Error() string { return e.Reason }

func (e *PolicyError) Unwrap() error { return ErrPolicy }

func policyErr(format string, args ...any) error {
	return &PolicyError{Reason: fmt.Sprintf(format, args...)}
}

// Limits on client supplied values.
const (
	MaxCmdLen     = 128
	MaxArgs       = 128
	MaxArgLen     = 4096
	maxListLength = 16
)

// DefaultMaxAppendedArgs caps how many client args replace {args}.
const DefaultMaxAppendedArgs = 8

// DefaultAllowlist holds the executable basenames always accepted.
var DefaultAllowlist = []string{"say"}

// DefaultSafeDirs are the directories a notification executable may live in.
var DefaultSafeDirs = []string{"/usr/bin", "/bin", "/usr/local/bin", "/opt/homebrew/bin"}

// Command is a validated notification command line.
type Command struct {
	// Exec is the absolute, symlink-resolved executable.
	Exec string
	// Configured is Exec as written in the config file.
	Configured   string
	Fixed        []string
	TrailingArgs bool
}

// ParseTokens validates a configured argv.
func ParseTokens(tokens []string) (*Command, error) {
	if len(tokens) == 0 {
		return nil, policyErr("%s is empty", CommandKey)
	}
	exe := tokens[0]
	if !filepath.IsAbs(exe) {
		return nil, policyErr("%s executable must be an absolute path", CommandKey)
	}
	rest := tokens[1:]
	trailing := len(rest) > 0 && rest[len(rest)-1] == ArgsPlaceholder
	if trailing {
		rest = rest[:len(rest)-1]
	}
	if slices.Contains(rest, ArgsPlaceholder) {
		return nil, policyErr("invalid %s: '%s' placeholder must be trailing", CommandKey, ArgsPlaceholder)
	}

	resolved := exe
	if p, err := filepath.EvalSymlinks(exe); err == nil {
		resolved = p
	}
	return &Command{
		Exec:         resolved,
		Configured:   exe,
		Fixed:        append([]string(nil), rest...),
		TrailingArgs: trailing,
	}, nil
}

// Policy decides which notification requests may run. The config file is
// read on every Resolve so edits apply without restarting the session.
type Policy struct {
	// ConfigPath is the aider config file. Empty means DefaultConfigPath.
	ConfigPath string
	// Allowlist extends DefaultAllowlist.
	Allowlist []string
	// SafeDirs replaces DefaultSafeDirs when non-empty.
	SafeDirs []string
	// MaxAppendedArgs is clamped to 1..32; zero means the default.
	MaxAppendedArgs int
}

// Basenames returns the accepted executable basenames.
func (p *Policy) Basenames() []string {
	out := append([]string(nil), DefaultAllowlist...)
	for _, name := range p.Allowlist {
		name = strings.TrimSpace(name)
		if name == "" || slices.Contains(out, name) {
			continue
		}
		out = append(out, name)
		if len(out) >= maxListLength {
			break
		}
	}
	return out
}

// Allowed reports whether cmd names an allowlisted executable. It does not
// read the config file.
func (p *Policy) Allowed(cmd string) bool {
	if cmd == "" || len(cmd) > MaxCmdLen {
		return false
	}
	return slices.Contains(p.Basenames(), filepath.Base(cmd))
}

// Command loads and validates the configured command.
func (p *Policy) Command() (*Command, error) {
	path := p.ConfigPath
	if path == "" {
		var err error
		if path, err = DefaultConfigPath(); err != nil {
			return nil, &PolicyError{Reason: err.Error()}
		}
	}
	tokens, err := LoadCommand(path)
	if err != nil {
		return nil, &PolicyError{Reason: err.Error()}
	}
	return ParseTokens(tokens)
}

// Resolve returns the argv to run for a request naming cmd with args.
func (p *Policy) Resolve(cmd string, args []string) ([]string, error) {
	c, err := p.Command()
	if err != nil {
		return nil, err
	}
	if !p.inSafeDir(c.Exec) {
		return nil, policyErr("notifications executable '%s' is not in a safe directory", c.Exec)
	}
	base := filepath.Base(c.Exec)
	if !slices.Contains(p.Basenames(), base) {
		return nil, policyErr("command '%s' not allowed for notifications", base)
	}
	if len(cmd) > MaxCmdLen {
		return nil, policyErr("cmd too long")
	}
	if cmd != base && cmd != c.Configured && cmd != c.Exec {
		return nil, policyErr("only executable basename '%s' is accepted (got '%s')", base, cmd)
	}
	if len(args) > MaxArgs || slices.ContainsFunc(args, func(a string) bool { return len(a) > MaxArgLen }) {
		return nil, policyErr("too many or too long args")
	}

	argv := append([]string{c.Exec}, c.Fixed...)
	if c.TrailingArgs {
		n := min(len(args), p.maxAppended())
		return append(argv, args[:n]...), nil
	}
	if !slices.Equal(c.Fixed, args) {
		return nil, policyErr("arguments mismatch: configured %q vs requested %q", c.Fixed, args)
	}
	return argv, nil
}

func (p *Policy) maxAppended() int {
	n := p.MaxAppendedArgs
	if n == 0 {
		n = DefaultMaxAppendedArgs
	}
	return max(1, min(n, 32))
}

func (p *Policy) inSafeDir(exe string) bool {
	dirs := p.SafeDirs
	if len(dirs) == 0 {
		dirs = DefaultSafeDirs
	}
	if len(dirs) > maxListLength {
		dirs = dirs[:maxListLength]
	}
	for _, d := range dirs {
		if r, err := filepath.EvalSymlinks(d); err == nil {
			d = r
		}
		rel, err := filepath.Rel(d, exe)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != "." {
			return true
		}
	}
	return false
}
