package routing

import "strings"

// FallbackImage is used for names that normalize to no known kind.
const FallbackImage = "node:22-bookworm-slim"

const firstPartyPrefix = "aifo-coder-toolchain-"

var aliases = map[string]string{
	"rust":       "rust",
	"node":       "node",
	"ts":         "typescript",
	"typescript": "typescript",
	"python":     "python",
	"py":         "python",
	"c":          "c-cpp",
	"cpp":        "c-cpp",
	"c-cpp":      "c-cpp",
	"c_cpp":      "c-cpp",
	"c++":        "c-cpp",
	"go":         "go",
	"golang":     "go",
}

var defaultImages = map[string]string{
	"rust":       "aifo-coder-toolchain-rust:latest",
	"node":       "aifo-coder-toolchain-node:latest",
	"typescript": "aifo-coder-toolchain-ts:latest",
	"python":     "python:3.12-slim",
	"c-cpp":      "aifo-coder-toolchain-cpp:latest",
	"go":         "golang:1.22-bookworm",
}

var versionedImages = map[string]string{
	"rust":       "aifo-coder-toolchain-rust:{version}",
	"node":       "aifo-coder-toolchain-node:{version}",
	"typescript": "aifo-coder-toolchain-ts:{version}",
	"python":     "python:{version}-slim",
	"c-cpp":      "aifo-coder-toolchain-cpp:{version}",
	"go":         "golang:{version}-bookworm",
}

// canonicalName lowercases name and resolves aliases. TypeScript keeps its own
// name here because it has a dedicated image.
func canonicalName(name string) string {
	lower := strings.ToLower(strings.TrimSpace(name))
	if c, ok := aliases[lower]; ok {
		return c
	}
	return lower
}

// NormalizeKind resolves a user supplied toolchain name to a Kind. TypeScript
// sidecars are node sidecars running the TypeScript image. The second result
// is false for names that match no kind.
func NormalizeKind(name string) (Kind, bool) {
	c := canonicalName(name)
	if c == "typescript" {
		return Node, true
	}
	k := Kind(c)
	return k, k.Valid()
}

// DefaultImage returns the default sidecar image for a toolchain name.
func DefaultImage(name string) string {
	if img, ok := defaultImages[canonicalName(name)]; ok {
		return img
	}
	return FallbackImage
}

// DefaultImageForVersion returns the image for name@version.
func DefaultImageForVersion(name, version string) string {
	version = strings.TrimSpace(version)
	if f, ok := versionedImages[canonicalName(name)]; ok && version != "" {
		return strings.ReplaceAll(f, "{version}", version)
	}
	return DefaultImage(name)
}

// IsFirstParty reports whether image is one of the project's own toolchain images.
func IsFirstParty(image string) bool {
	return strings.Contains(image, firstPartyPrefix)
}

// WithTag replaces the tag of a first-party image. Other images, and empty
// tags, are returned unchanged.
func WithTag(image, tag string) string {
	tag = strings.TrimSpace(tag)
	if tag == "" || !IsFirstParty(image) {
		return image
	}
	repo := image
	if i := strings.LastIndex(image, ":"); i > strings.LastIndex(image, "/") {
		repo = image[:i]
	}
	return repo + ":" + tag
}

// ParseSpec splits a "kind@version" toolchain spec. The version is empty when
// absent.
func ParseSpec(s string) (name, version string) {
	s = strings.TrimSpace(s)
	if k, v, ok := strings.Cut(s, "@"); ok {
		return strings.TrimSpace(k), strings.TrimSpace(v)
	}
	return s, ""
}
