package container

import (
	"fmt"
	"sort"

	"github.com/docker/docker/api/types/mount"

	"github.com/everydev1618/aifo/routing"
)

// Labels set on every managed object.
const (
	LabelManagedBy = "aifo.managed-by"
	LabelSession   = "aifo.session"
	LabelKind      = "aifo.kind"
	managedByValue = "aifo"
)

// Paths inside every sidecar.
const (
	WorkspaceDir = "/workspace"
	HomeDir      = "/home/coder"
)

// SidecarName returns the container name for kind in session sid.
func SidecarName(kind routing.Kind, sid string) string {
	return fmt.Sprintf("aifo-tc-%s-%s", kind, sid)
}

// NetworkName returns the session-private network name.
func NetworkName(sid string) string {
	return "aifo-net-" + sid
}

// Volume is a named cache volume mounted into a sidecar.
type Volume struct {
	Name   string
	Target string
}

// Named cache volumes. Cleanup never touches these; PurgeCaches does.
const (
	VolCargoRegistry = "aifo-cargo-registry"
	VolCargoGit      = "aifo-cargo-git"
	VolSccache       = "aifo-sccache"
	VolNodeCache     = "aifo-node-cache"
	VolNodeModules   = "aifo-node-modules"
	VolPipCache      = "aifo-pip-cache"
	VolCcache        = "aifo-ccache"
	VolGo            = "aifo-go"

	// volNpmCacheLegacy is no longer mounted but may exist on older hosts.
	volNpmCacheLegacy = "aifo-npm-cache"
)

// PurgeVolumes lists every cache volume removed by PurgeCaches, legacy names
// included.
var PurgeVolumes = []string{
	VolCargoRegistry,
	VolCargoGit,
	VolSccache,
	VolNodeCache,
	volNpmCacheLegacy,
	VolPipCache,
	VolCcache,
	VolGo,
}

// CacheVolumes returns the named volumes for a kind. Cargo caches are mounted
// at both the current and the legacy CARGO_HOME so that either image layout
// finds them.
func CacheVolumes(kind routing.Kind, sccache bool) []Volume {
	switch kind {
	case routing.Rust:
		v := []Volume{
			{VolCargoRegistry, HomeDir + "/.cargo/registry"},
			{VolCargoRegistry, "/usr/local/cargo/registry"},
			{VolCargoGit, HomeDir + "/.cargo/git"},
			{VolCargoGit, "/usr/local/cargo/git"},
		}
		if sccache {
			v = append(v, Volume{VolSccache, HomeDir + "/.cache/sccache"})
		}
		return v
	case routing.Node:
		return []Volume{
			{VolNodeCache, HomeDir + "/.cache"},
			{VolNodeModules, WorkspaceDir + "/node_modules"},
		}
	case routing.Python:
		return []Volume{{VolPipCache, HomeDir + "/.cache/pip"}}
	case routing.CCpp:
		return []Volume{{VolCcache, HomeDir + "/.cache/ccache"}}
	case routing.Go:
		return []Volume{{VolGo, "/go"}}
	}
	return nil
}

// sidecarMounts binds the host workspace and attaches cache volumes unless
// caching is disabled. A non-empty sccacheDir replaces the sccache volume with
// a bind mount of that host directory.
func sidecarMounts(kind routing.Kind, workspace string, noCache, sccache bool, sccacheDir string) []mount.Mount {
	mounts := []mount.Mount{{
		Type:   mount.TypeBind,
		Source: workspace,
		Target: WorkspaceDir,
	}}
	if noCache {
		return mounts
	}
	for _, v := range CacheVolumes(kind, sccache) {
		if v.Name == VolSccache && sccacheDir != "" {
			mounts = append(mounts, mount.Mount{
				Type:   mount.TypeBind,
				Source: sccacheDir,
				Target: v.Target,
			})
			continue
		}
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeVolume,
			Source: v.Name,
			Target: v.Target,
		})
	}
	return mounts
}

var kindEnv = map[routing.Kind][]string{
	routing.Go: {
		"GOPATH=/go",
		"GOMODCACHE=/go/pkg/mod",
		"GOCACHE=/go/build-cache",
	},
	routing.CCpp: {
		"CCACHE_DIR=" + HomeDir + "/.cache/ccache",
	},
	routing.Node: {
		"XDG_CACHE_HOME=" + HomeDir + "/.cache",
		"NPM_CONFIG_CACHE=" + HomeDir + "/.cache/npm",
		"YARN_CACHE_FOLDER=" + HomeDir + "/.cache/yarn",
		"PNPM_STORE_PATH=" + WorkspaceDir + "/.pnpm-store",
		"PNPM_HOME=" + HomeDir + "/.local/share/pnpm",
		"DENO_DIR=" + HomeDir + "/.cache/deno",
	},
	routing.Rust: {
		"RUSTUP_HOME=/usr/local/rustup",
		"CARGO_HOME=" + HomeDir + "/.cargo",
		"RUSTUP_TOOLCHAIN=stable",
		"CC=gcc",
		"CXX=g++",
		"RUST_BACKTRACE=1",
	},
}

// passthroughEnv are host variables forwarded into every sidecar when set.
// Toolchain location variables are deliberately absent: the image decides
// those.
var passthroughEnv = []string{
	"HTTP_PROXY", "HTTPS_PROXY", "NO_PROXY",
	"http_proxy", "https_proxy", "no_proxy",
	"CARGO_NET_GIT_FETCH_WITH_CLI",
	"CARGO_REGISTRIES_CRATES_IO_PROTOCOL",
}

// SidecarEnv returns the environment for a sidecar of kind. lookup reads the
// host environment for passthrough variables; nil skips passthrough.
func SidecarEnv(kind routing.Kind, sccache bool, lookup func(string) (string, bool)) []string {
	env := []string{
		"HOME=" + HomeDir,
		"GNUPGHOME=" + HomeDir + "/.gnupg",
	}
	env = append(env, kindEnv[kind]...)
	if kind == routing.Rust && sccache {
		env = append(env,
			"RUSTC_WRAPPER=sccache",
			"SCCACHE_DIR="+HomeDir+"/.cache/sccache",
		)
	}
	if lookup != nil {
		for _, k := range passthroughEnv {
			if v, ok := lookup(k); ok && v != "" {
				env = append(env, k+"="+v)
			}
		}
	}
	return env
}

// sidecarLabels returns the labels identifying a sidecar.
func sidecarLabels(kind routing.Kind, sid string) map[string]string {
	return map[string]string{
		LabelManagedBy: managedByValue,
		LabelSession:   sid,
		LabelKind:      string(kind),
	}
}

// sortedKinds returns the keys of m in routing.Kinds order.
func sortedKinds[V any](m map[routing.Kind]V) []routing.Kind {
	out := make([]routing.Kind, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	order := make(map[routing.Kind]int, len(routing.Kinds))
	for i, k := range routing.Kinds {
		order[k] = i
	}
	sort.Slice(out, func(i, j int) bool { return order[out[i]] < order[out[j]] })
	return out
}
