package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		tool string
		want Kind
	}{
		{"cargo", Rust},
		{"rustc", Rust},
		{"npx", Node},
		{"tsc", Node},
		{"ts-node", Node},
		{"bun", Node},
		{"pip", Python},
		{"uvx", Python},
		{"cmake", CCpp},
		{"cc", CCpp},
		{"gofmt", Go},
		{"go", Go},
		{"CARGO", Rust},
		{"definitely-not-a-tool", Node},
		{"", Node},
	}

	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			if got := KindOf(tt.tool); got != tt.want {
				t.Errorf("KindOf(%q) = %q, want %q", tt.tool, got, tt.want)
			}
		})
	}
}

func TestAllowed(t *testing.T) {
	for _, tool := range []string{"cargo", "node", "python3", "g++", "pkg-config", "gofmt"} {
		assert.True(t, Allowed(tool), tool)
	}
	for _, tool := range []string{"bash", "sh", "rm", "curl", "CARGO", "../cargo", ""} {
		assert.False(t, Allowed(tool), tool)
	}
}

func TestAllowlistIncludesDevTools(t *testing.T) {
	for _, k := range Kinds {
		list := Allowlist(k)
		assert.Contains(t, list, "make", k)
		assert.Contains(t, list, "c++", k)
	}
	assert.True(t, AllowedForKind(Rust, "cargo"))
	assert.False(t, AllowedForKind(Rust, "npm"))
	assert.False(t, AllowedForKind(Kind("java"), "make"))
	assert.Nil(t, Allowlist(Kind("java")))
}

func TestPreferredKinds(t *testing.T) {
	assert.Equal(t, []Kind{CCpp, Rust, Go, Node, Python}, PreferredKinds("make"))
	assert.Equal(t, []Kind{Python}, PreferredKinds("pip"))
	assert.Equal(t, []Kind{Node}, PreferredKinds("unknown"))

	// Callers may reorder the result without affecting later calls.
	p := PreferredKinds("gcc")
	p[0] = Python
	assert.Equal(t, CCpp, PreferredKinds("gcc")[0])
}

func TestTools(t *testing.T) {
	tools := Tools()
	assert.Contains(t, tools, "cargo")
	assert.Contains(t, tools, "uv")
	assert.IsIncreasing(t, tools)
}
