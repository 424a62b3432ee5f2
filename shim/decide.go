package shim

import (
	"os"
	"path/filepath"
	"strings"
)

// WorkspaceRoot is where the project is mounted inside agent containers.
const WorkspaceRoot = "/workspace"

// Mode is the outcome of the local-vs-proxy decision.
type Mode int

const (
	// ModeProxy forwards the invocation to the execution proxy.
	ModeProxy Mode = iota
	// ModeLocal runs a runtime installed next to the shim.
	ModeLocal
	// ModeUvxFrom marks `uvx --from ...`. It is proxied for now but kept
	// apart so the policy for it can change independently.
	ModeUvxFrom
)

func (m Mode) String() string {
	switch m {
	case ModeLocal:
		return "local"
	case ModeUvxFrom:
		return "uvx-from"
	}
	return "proxy"
}

// Decision explains how one invocation will run.
type Decision struct {
	Mode   Mode
	Reason string
	// Program is the resolved script path that drove the decision, if any.
	Program string
	// LocalBin is the runtime to execute for ModeLocal.
	LocalBin string
}

// Default local runtimes, in preference order.
var (
	LocalNodeCandidates    = []string{"/usr/local/bin/node", "/usr/bin/node"}
	LocalPythonCandidates  = []string{"/usr/local/bin/python3", "/usr/bin/python3"}
	LocalPython2Candidates = []string{"/usr/local/bin/python", "/usr/bin/python"}
)

// Policy holds the smart-shim toggles. The zero value proxies everything.
type Policy struct {
	Smart       bool
	SmartNode   bool
	SmartPython bool

	// Workspace defaults to WorkspaceRoot.
	Workspace string
	// Cwd resolves relative script paths. Defaults to the process cwd.
	Cwd string
	// IsFile reports whether a candidate runtime exists. Defaults to a stat.
	IsFile func(path string) bool
}

// Decide picks local or proxied execution for tool invoked with args, where
// args excludes the tool name itself.
func (p Policy) Decide(tool string, args []string) Decision {
	if AlwaysProxy(tool) {
		if tool == "uvx" && UvxFromBeforeSeparator(args) {
			return Decision{Mode: ModeUvxFrom, Reason: "uvx-from"}
		}
		return Decision{Mode: ModeProxy, Reason: "always-proxy"}
	}
	if !p.Smart {
		return Decision{Mode: ModeProxy}
	}

	switch tool {
	case "node":
		if !p.SmartNode {
			break
		}
		program, ok := NodeMainProgramArg(args)
		if !ok {
			break
		}
		return p.localIfOutside(program, LocalNodeCandidates)
	case "python", "python3":
		if !p.SmartPython {
			break
		}
		candidates := LocalPythonCandidates
		if tool == "python" {
			candidates = append(append([]string(nil), LocalPython2Candidates...), LocalPythonCandidates...)
		}
		if PythonIsModuleMode(args) {
			if bin := p.pick(candidates); bin != "" {
				return Decision{Mode: ModeLocal, Reason: "module-mode", LocalBin: bin}
			}
			return Decision{Mode: ModeProxy, Reason: "no-local-runtime"}
		}
		script, ok := PythonScriptArg(args)
		if !ok {
			break
		}
		return p.localIfOutside(script, candidates)
	}
	return Decision{Mode: ModeProxy}
}

func (p Policy) localIfOutside(program string, candidates []string) Decision {
	abs := ResolveProgramPath(program, p.cwd())
	if UnderWorkspace(abs, p.workspace()) {
		return Decision{Mode: ModeProxy, Reason: "inside-workspace", Program: abs}
	}
	bin := p.pick(candidates)
	if bin == "" {
		return Decision{Mode: ModeProxy, Reason: "no-local-runtime", Program: abs}
	}
	return Decision{Mode: ModeLocal, Reason: "outside-workspace", Program: abs, LocalBin: bin}
}

func (p Policy) pick(candidates []string) string {
	isFile := p.IsFile
	if isFile == nil {
		isFile = func(path string) bool {
			fi, err := os.Stat(path)
			return err == nil && fi.Mode().IsRegular()
		}
	}
	for _, c := range candidates {
		if isFile(c) {
			return c
		}
	}
	return ""
}

func (p Policy) workspace() string {
	if p.Workspace != "" {
		return p.Workspace
	}
	return WorkspaceRoot
}

func (p Policy) cwd() string {
	if p.Cwd != "" {
		return p.Cwd
	}
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "."
}

// AlwaysProxy reports tools that must run in the sidecar so installs stay
// containerized and cached.
func AlwaysProxy(tool string) bool {
	switch tool {
	case "pip", "pip3", "uv", "uvx":
		return true
	}
	return false
}

// ResolveProgramPath makes program absolute against cwd.
func ResolveProgramPath(program, cwd string) string {
	if filepath.IsAbs(program) {
		return filepath.Clean(program)
	}
	return filepath.Join(cwd, program)
}

// UnderWorkspace reports whether path is root or inside it.
func UnderWorkspace(path, root string) bool {
	root = strings.TrimRight(root, "/")
	return path == root || strings.HasPrefix(path, root+"/")
}

// NodeMainProgramArg returns the script node would run. Eval, print, help
// and version flags mean there is no script.
func NodeMainProgramArg(args []string) (string, bool) {
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch a {
		case "--":
			if i+1 < len(args) {
				return args[i+1], true
			}
			return "", false
		case "-e", "--eval", "-p", "--print", "-h", "--help", "-v", "--version":
			return "", false
		case "-r", "--require", "--loader", "--import", "--eval-file", "--inspect-port", "--title":
			i++
			continue
		}
		if strings.HasPrefix(a, "-") {
			continue
		}
		return a, true
	}
	return "", false
}

// PythonIsModuleMode reports `-m module` before any `--`.
func PythonIsModuleMode(args []string) bool {
	for _, a := range args {
		if a == "--" {
			return false
		}
		if strings.HasPrefix(a, "-m") {
			return true
		}
	}
	return false
}

// PythonScriptArg returns the script python would run.
func PythonScriptArg(args []string) (string, bool) {
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "--":
			if i+1 < len(args) {
				return args[i+1], true
			}
			return "", false
		case strings.HasPrefix(a, "-m"):
			return "", false
		case a == "-c" || a == "-W" || a == "-X":
			i++
		case strings.HasPrefix(a, "-"):
		default:
			return a, true
		}
	}
	return "", false
}

// UvxFromBeforeSeparator reports a --from flag ahead of any `--`. Flags after
// the separator belong to the invoked tool.
func UvxFromBeforeSeparator(args []string) bool {
	for _, a := range args {
		if a == "--" {
			return false
		}
		if a == "--from" || strings.HasPrefix(a, "--from=") {
			return true
		}
	}
	return false
}
