// Package routing maps tool names onto the toolchain sidecars that serve them.
//
// The table is static. The allowlist is the union of every kind's tool set and
// is consulted for untrusted input before KindOf is ever asked.
package routing

import (
	"slices"
	"strings"
)

// Kind identifies a toolchain sidecar.
type Kind string

const (
	Rust   Kind = "rust"
	Node   Kind = "node"
	Python Kind = "python"
	CCpp   Kind = "c-cpp"
	Go     Kind = "go"
)

// DefaultKind is where unrecognized tool names are routed.
const DefaultKind = Node

// Kinds lists every toolchain kind in a stable order.
var Kinds = []Kind{Rust, Node, Python, CCpp, Go}

// devTools are shared build tools present in every toolchain image.
var devTools = []string{
	"make", "cmake", "ninja", "pkg-config",
	"gcc", "g++", "clang", "clang++", "cc", "c++",
}

// primary holds each kind's own tools, excluding the shared dev tools.
var primary = map[Kind][]string{
	Rust:   {"cargo", "rustc"},
	Node:   {"node", "npm", "npx", "yarn", "pnpm", "deno", "bun", "tsc", "ts-node"},
	Python: {"python", "python3", "pip", "pip3", "uv", "uvx"},
	CCpp:   {},
	Go:     {"go", "gofmt"},
}

// devToolPreference is the order in which live sidecars are tried for a dev tool.
var devToolPreference = []Kind{CCpp, Rust, Go, Node, Python}

var kindOf = func() map[string]Kind {
	m := make(map[string]Kind)
	for _, k := range Kinds {
		for _, t := range primary[k] {
			m[t] = k
		}
	}
	for _, t := range devTools {
		m[t] = CCpp
	}
	return m
}()

// KindOf returns the toolchain kind a tool is routed to. Names are matched
// case-insensitively; anything unknown resolves to DefaultKind.
func KindOf(tool string) Kind {
	if k, ok := kindOf[strings.ToLower(tool)]; ok {
		return k
	}
	return DefaultKind
}

// Allowed reports whether tool is in the allowlist. The match is exact: the
// proxy only ever dispatches names that appear verbatim in the table.
func Allowed(tool string) bool {
	_, ok := kindOf[tool]
	return ok
}

// AllowedForKind reports whether a sidecar of the given kind may run tool.
func AllowedForKind(kind Kind, tool string) bool {
	return slices.Contains(Allowlist(kind), tool)
}

// Allowlist returns the tools a sidecar of the given kind accepts.
func Allowlist(kind Kind) []string {
	own, ok := primary[kind]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(own)+len(devTools))
	out = append(out, own...)
	return append(out, devTools...)
}

// Tools returns every allowlisted tool name, sorted.
func Tools() []string {
	out := make([]string, 0, len(kindOf))
	for t := range kindOf {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// IsDevTool reports whether tool is a shared build tool that any sidecar can run.
func IsDevTool(tool string) bool {
	return slices.Contains(devTools, tool)
}

// PreferredKinds returns the kinds to try, in order, when dispatching tool.
// Dev tools may be served by any live sidecar; everything else has exactly
// one candidate.
func PreferredKinds(tool string) []Kind {
	if IsDevTool(tool) {
		return slices.Clone(devToolPreference)
	}
	return []Kind{KindOf(tool)}
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	return slices.Contains(Kinds, k)
}

func (k Kind) String() string { return string(k) }
