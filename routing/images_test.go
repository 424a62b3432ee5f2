package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeKind(t *testing.T) {
	tests := []struct {
		in     string
		want   Kind
		wantOK bool
	}{
		{"rust", Rust, true},
		{"ts", Node, true},
		{"TypeScript", Node, true},
		{"py", Python, true},
		{"c", CCpp, true},
		{"c++", CCpp, true},
		{"c_cpp", CCpp, true},
		{"golang", Go, true},
		{" Go ", Go, true},
		{"java", Kind("java"), false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := NormalizeKind(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantOK, ok)
		})
	}
}

func TestDefaultImage(t *testing.T) {
	assert.Equal(t, "aifo-coder-toolchain-rust:latest", DefaultImage("rust"))
	assert.Equal(t, "aifo-coder-toolchain-ts:latest", DefaultImage("ts"))
	assert.Equal(t, "python:3.12-slim", DefaultImage("py"))
	assert.Equal(t, "aifo-coder-toolchain-cpp:latest", DefaultImage("cpp"))
	assert.Equal(t, "golang:1.22-bookworm", DefaultImage("golang"))
	assert.Equal(t, FallbackImage, DefaultImage("java"))
}

func TestDefaultImageForVersion(t *testing.T) {
	assert.Equal(t, "python:3.11-slim", DefaultImageForVersion("python", "3.11"))
	assert.Equal(t, "golang:1.23-bookworm", DefaultImageForVersion("go", "1.23"))
	assert.Equal(t, "aifo-coder-toolchain-rust:1.80", DefaultImageForVersion("rust", "1.80"))
	assert.Equal(t, "aifo-coder-toolchain-node:latest", DefaultImageForVersion("node", ""))
	assert.Equal(t, FallbackImage, DefaultImageForVersion("java", "21"))
}

func TestWithTag(t *testing.T) {
	assert.Equal(t, "aifo-coder-toolchain-rust:v2", WithTag("aifo-coder-toolchain-rust:latest", "v2"))
	assert.Equal(t, "registry:5000/aifo-coder-toolchain-node:v2", WithTag("registry:5000/aifo-coder-toolchain-node", "v2"))
	assert.Equal(t, "python:3.12-slim", WithTag("python:3.12-slim", "v2"))
	assert.Equal(t, "aifo-coder-toolchain-cpp:latest", WithTag("aifo-coder-toolchain-cpp:latest", " "))
}

func TestParseSpec(t *testing.T) {
	k, v := ParseSpec("python@3.11")
	assert.Equal(t, "python", k)
	assert.Equal(t, "3.11", v)

	k, v = ParseSpec(" rust ")
	assert.Equal(t, "rust", k)
	assert.Empty(t, v)
}
