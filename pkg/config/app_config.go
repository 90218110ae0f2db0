// Package config handles quixand's configuration: environment variables
// recognized at every entry point, plus a config.yml for defaults that
// aren't naturally environment-shaped. It follows the teacher's
// AppConfig/UserConfig split in pkg/config/app_config.go — AppConfig
// carries process-level flags and env overrides, UserConfig carries the
// on-disk yaml document merged underneath them.
package config

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"

	"github.com/OpenPeeDeeP/xdg"
	yaml "github.com/jesseduffield/yaml"
)

// AppConfig is the fully resolved configuration for one quixand process:
// environment variables layered over config.yml defaults.
type AppConfig struct {
	// Adapter is the default adapter name (QS_ADAPTER), e.g. "local-docker".
	Adapter string

	// TimeoutDefault is the default idle timeout in seconds
	// (QS_TIMEOUT_DEFAULT) applied to a sandbox when the caller doesn't
	// specify one.
	TimeoutDefault int

	// Image is the default sandbox image (QS_IMAGE).
	Image string

	// Runtime is the preferred backend, "docker" or "podman"
	// (QS_RUNTIME). Empty means "probe both, prefer docker".
	Runtime string

	// Root is the SDK's root directory (QS_ROOT), default
	// ⟨HOME⟩/.quixand.
	Root string

	// Metadata is default metadata merged into every new sandbox's
	// record (QS_METADATA, a JSON object).
	Metadata map[string]string

	// DisableWatchdog, if true, skips spawning a watchdog process for
	// new sandboxes (QS_DISABLE_WATCHDOG).
	DisableWatchdog bool

	// DockerHost and PodmanURI override the backend endpoint
	// (DOCKER_HOST / PODMAN_URI); read here only so callers can log
	// what was picked up, the actual clients read the env directly.
	DockerHost string
	PodmanURI  string

	UserConfig *UserConfig
	ConfigDir  string

	// Debug, Version, Commit, BuildDate are build/runtime metadata
	// stamped onto every log line, the way the teacher's AppConfig
	// carries -ldflags-injected version info through to NewLogger.
	Debug     bool
	Version   string
	Commit    string
	BuildDate string
}

// NewAppConfigWithVersion is NewAppConfig plus build metadata normally
// injected via -ldflags at `go build` time (see the repo-root main.go).
func NewAppConfigWithVersion(version, commit, buildDate string) (*AppConfig, error) {
	cfg, err := NewAppConfig()
	if err != nil {
		return nil, err
	}
	cfg.Debug = isTruthy(os.Getenv("QS_DEBUG"))
	cfg.Version = version
	cfg.Commit = commit
	cfg.BuildDate = buildDate
	return cfg, nil
}

// NewAppConfig builds an AppConfig by reading quixand's recognized
// environment variables and merging config.yml underneath them, the way
// the teacher's NewAppConfig loads UserConfig from disk before applying
// flag/env overrides.
func NewAppConfig() (*AppConfig, error) {
	configDir, err := findOrCreateConfigDir()
	if err != nil {
		return nil, err
	}

	userConfig, err := loadUserConfigWithDefaults(configDir)
	if err != nil {
		return nil, err
	}

	root := os.Getenv("QS_ROOT")
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		root = filepath.Join(home, ".quixand")
	}

	timeout := 0
	if v := os.Getenv("QS_TIMEOUT_DEFAULT"); v != "" {
		timeout, _ = strconv.Atoi(v)
	}

	var metadata map[string]string
	if v := os.Getenv("QS_METADATA"); v != "" {
		_ = json.Unmarshal([]byte(v), &metadata)
	}

	return &AppConfig{
		Adapter:         os.Getenv("QS_ADAPTER"),
		TimeoutDefault:  timeout,
		Image:           os.Getenv("QS_IMAGE"),
		Runtime:         os.Getenv("QS_RUNTIME"),
		Root:            root,
		Metadata:        metadata,
		DisableWatchdog: isTruthy(os.Getenv("QS_DISABLE_WATCHDOG")),
		DockerHost:      os.Getenv("DOCKER_HOST"),
		PodmanURI:       os.Getenv("PODMAN_URI"),
		UserConfig:      userConfig,
		ConfigDir:       configDir,
	}, nil
}

func isTruthy(v string) bool {
	switch v {
	case "1", "true", "TRUE", "True", "yes":
		return true
	default:
		return false
	}
}

func findOrCreateConfigDir() (string, error) {
	dir := os.Getenv("QS_CONFIG_DIR")
	if dir == "" {
		dirs := xdg.New("", "quixand")
		dir = dirs.ConfigHome()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func loadUserConfigWithDefaults(configDir string) (*UserConfig, error) {
	config := GetDefaultConfig()
	return loadUserConfig(configDir, &config)
}

func loadUserConfig(configDir string, base *UserConfig) (*UserConfig, error) {
	fileName := filepath.Join(configDir, "config.yml")

	if _, err := os.Stat(fileName); err != nil {
		if os.IsNotExist(err) {
			file, err := os.Create(fileName)
			if err != nil {
				return nil, err
			}
			file.Close()
		} else {
			return nil, err
		}
	}

	content, err := ioutil.ReadFile(fileName)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(content, base); err != nil {
		return nil, err
	}

	return base, nil
}

// WriteToUserConfig loads the on-disk config.yml, applies updateConfig,
// and rewrites the file. Kept for `quixand config set`-style CLI use;
// most callers only ever read config.
func (c *AppConfig) WriteToUserConfig(updateConfig func(*UserConfig) error) error {
	userConfig, err := loadUserConfig(c.ConfigDir, &UserConfig{})
	if err != nil {
		return err
	}

	if err := updateConfig(userConfig); err != nil {
		return err
	}

	file, err := os.OpenFile(c.ConfigFilename(), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return err
	}
	defer file.Close()

	return yaml.NewEncoder(file).Encode(userConfig)
}

// ConfigFilename returns the filename of the current config file.
func (c *AppConfig) ConfigFilename() string {
	return filepath.Join(c.ConfigDir, "config.yml")
}
