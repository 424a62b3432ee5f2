// Package config resolves every runtime toggle of the gateway into one
// explicit structure.
//
// Values come from the environment (the historical AIFO_* names) and,
// optionally, from $XDG_CONFIG_HOME/aifo/config.toml. Environment wins.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/everydev1618/aifo/notify"
	"github.com/spf13/viper"
)

// Keys used in the config file. Each is bound to one or more environment
// variables; the first one set wins.
const (
	KeyTimeoutSecs            = "toolexec.timeout_secs"
	KeyUseUnix                = "toolexec.use_unix"
	KeyBindHost               = "toolexec.bind_host"
	KeyAdvertiseHost          = "toolexec.advertise_host"
	KeySocketRoot             = "toolexec.socket_root"
	KeyURL                    = "toolexec.url"
	KeyToken                  = "toolexec.token"
	KeyVerbose                = "toolchain.verbose"
	KeyNoCache                = "toolchain.no_cache"
	KeyToolchainTag           = "toolchain.tag"
	KeyRustSccache            = "toolchain.rust_sccache"
	KeyRustSccacheDir         = "toolchain.rust_sccache_dir"
	KeySessionID              = "session.id"
	KeyRegistryPath           = "session.db"
	KeySmart                  = "shim.smart"
	KeySmartNode              = "shim.smart_node"
	KeySmartPython            = "shim.smart_python"
	KeyExitZeroOnDisconnect   = "shim.exit_zero_on_disconnect"
	KeySkipLock               = "lock.skip"
	KeyNotificationsConfig    = "notifications.config"
	KeyNotificationsAllowlist = "notifications.allowlist"
	KeyNotificationsMaxArgs   = "notifications.max_args"
	KeyNotificationsSafeDirs  = "notifications.safe_dirs"
)

var envBindings = map[string][]string{
	KeyTimeoutSecs:            {"AIFO_TOOLEEXEC_MAX_SECS", "AIFO_TOOLEEXEC_TIMEOUT_SECS"},
	KeyUseUnix:                {"AIFO_TOOLEEXEC_USE_UNIX"},
	KeyBindHost:               {"AIFO_TOOLEEXEC_BIND_HOST"},
	KeyAdvertiseHost:          {"AIFO_TOOLEEXEC_ADVERTISE_HOST"},
	KeySocketRoot:             {"AIFO_TOOLEEXEC_SOCKET_ROOT"},
	KeyURL:                    {"AIFO_TOOLEEXEC_URL"},
	KeyToken:                  {"AIFO_TOOLEEXEC_TOKEN"},
	KeyVerbose:                {"AIFO_TOOLCHAIN_VERBOSE"},
	KeyNoCache:                {"AIFO_TOOLCHAIN_NO_CACHE"},
	KeyToolchainTag:           {"AIFO_TOOLCHAIN_TAG", "AIFO_TAG"},
	KeyRustSccache:            {"AIFO_RUST_SCCACHE"},
	KeyRustSccacheDir:         {"AIFO_RUST_SCCACHE_DIR"},
	KeySessionID:              {"AIFO_CODER_FORK_SESSION"},
	KeyRegistryPath:           {"AIFO_SESSION_DB"},
	KeySmart:                  {"AIFO_SHIM_SMART"},
	KeySmartNode:              {"AIFO_SHIM_SMART_NODE"},
	KeySmartPython:            {"AIFO_SHIM_SMART_PYTHON"},
	KeyExitZeroOnDisconnect:   {"AIFO_SHIM_EXIT_ZERO_ON_DISCONNECT"},
	KeySkipLock:               {"AIFO_CODER_SKIP_LOCK"},
	KeyNotificationsConfig:    {"AIFO_NOTIFICATIONS_CONFIG"},
	KeyNotificationsAllowlist: {"AIFO_NOTIFICATIONS_ALLOWLIST"},
	KeyNotificationsMaxArgs:   {"AIFO_NOTIFICATIONS_MAX_ARGS"},
	KeyNotificationsSafeDirs:  {"AIFO_NOTIFICATIONS_SAFE_DIRS"},
}

// Defaults.
const (
	DefaultBindHost      = "127.0.0.1"
	DefaultAdvertiseHost = "host.docker.internal"
	DefaultSocketRoot    = "/run/aifo"
	DefaultMaxNotifyArgs = notify.DefaultMaxAppendedArgs
)

// Config holds every toggle consulted by the proxy, the shim, the lock manager
// and the session manager.
type Config struct {
	// ProxyTimeout bounds a single dispatched tool run. Zero disables it.
	ProxyTimeout  time.Duration
	UseUnixSocket bool
	BindHost      string
	AdvertiseHost string
	SocketRoot    string

	// ProxyURL and ProxyToken are what a shim needs to reach a session.
	ProxyURL   string
	ProxyToken string

	Verbose      bool
	NoCache      bool
	ToolchainTag string
	SessionID    string
	RegistryPath string

	// RustSccache enables sccache in rust sidecars. RustSccacheDir, when set,
	// is bind-mounted as the cache instead of the shared volume.
	RustSccache    bool
	RustSccacheDir string

	SmartShim            bool
	SmartNode            bool
	SmartPython          bool
	ExitZeroOnDisconnect bool

	SkipLock bool

	NotificationsConfig    string
	NotificationsAllowlist []string
	NotificationsMaxArgs   int
	NotificationsSafeDirs  []string
}

// Load resolves the configuration from the environment and the optional
// config file.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	if dir := configDir(); dir != "" {
		v.AddConfigPath(dir)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return FromViper(v)
}

// FromViper resolves a Config from an already populated viper instance.
// Environment bindings are added to v.
func FromViper(v *viper.Viper) (*Config, error) {
	for key, envs := range envBindings {
		args := append([]string{key}, envs...)
		if err := v.BindEnv(args...); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}
	v.SetDefault(KeyBindHost, DefaultBindHost)
	v.SetDefault(KeyAdvertiseHost, DefaultAdvertiseHost)
	v.SetDefault(KeySocketRoot, DefaultSocketRoot)
	v.SetDefault(KeyNotificationsMaxArgs, DefaultMaxNotifyArgs)
	v.SetDefault(KeyRegistryPath, defaultRegistryPath())

	cfg := &Config{
		ProxyTimeout:  time.Duration(firstPositive(v, KeyTimeoutSecs, envBindings[KeyTimeoutSecs])) * time.Second,
		UseUnixSocket: Truthy(v.GetString(KeyUseUnix)),
		BindHost:      strings.TrimSpace(v.GetString(KeyBindHost)),
		AdvertiseHost: strings.TrimSpace(v.GetString(KeyAdvertiseHost)),
		SocketRoot:    v.GetString(KeySocketRoot),

		ProxyURL:   strings.TrimSpace(v.GetString(KeyURL)),
		ProxyToken: strings.TrimSpace(v.GetString(KeyToken)),

		Verbose:      Truthy(v.GetString(KeyVerbose)),
		NoCache:      Truthy(v.GetString(KeyNoCache)),
		ToolchainTag: strings.TrimSpace(v.GetString(KeyToolchainTag)),
		SessionID:    strings.TrimSpace(v.GetString(KeySessionID)),
		RegistryPath: v.GetString(KeyRegistryPath),

		RustSccache:    v.GetString(KeyRustSccache) == "1",
		RustSccacheDir: strings.TrimSpace(v.GetString(KeyRustSccacheDir)),

		SmartShim:            Truthy(v.GetString(KeySmart)),
		SmartNode:            Truthy(v.GetString(KeySmartNode)),
		SmartPython:          Truthy(v.GetString(KeySmartPython)),
		ExitZeroOnDisconnect: Truthy(v.GetString(KeyExitZeroOnDisconnect)),

		SkipLock: v.GetString(KeySkipLock) == "1",

		NotificationsConfig:    v.GetString(KeyNotificationsConfig),
		NotificationsAllowlist: SplitList(v.GetString(KeyNotificationsAllowlist)),
		NotificationsMaxArgs:   clamp(v.GetInt(KeyNotificationsMaxArgs), 1, 32),
		NotificationsSafeDirs:  SplitList(v.GetString(KeyNotificationsSafeDirs)),
	}
	if len(cfg.NotificationsSafeDirs) == 0 {
		cfg.NotificationsSafeDirs = append([]string(nil), notify.DefaultSafeDirs...)
	}
	return cfg, nil
}

// firstPositive returns the first positive integer among the environment
// variables bound to key, falling back to the config file value. A zero or
// unparsable variable does not shadow a later one.
func firstPositive(v *viper.Viper, key string, envs []string) int {
	for _, name := range envs {
		if n, ok := parsePositive(os.Getenv(name)); ok {
			return n
		}
	}
	if n, ok := parsePositive(v.GetString(key)); ok {
		return n
	}
	return 0
}

func parsePositive(s string) (int, bool) {
	var n int
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d", &n); err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// Truthy reports whether s is one of 1, true, yes, on (any case).
func Truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// SplitList splits a comma or whitespace separated list, dropping empties.
func SplitList(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

func configDir() string {
	if x := os.Getenv("XDG_CONFIG_HOME"); x != "" {
		return filepath.Join(x, "aifo")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "aifo")
	}
	return ""
}

func defaultRegistryPath() string {
	if x := os.Getenv("XDG_STATE_HOME"); x != "" {
		return filepath.Join(x, "aifo", "sessions.db")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "state", "aifo", "sessions.db")
	}
	return filepath.Join(os.TempDir(), "aifo-sessions.db")
}
