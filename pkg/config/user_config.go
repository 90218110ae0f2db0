package config

import (
	"strconv"

	"github.com/unconst/quixand/pkg/quixerrors"
)

// UserConfig holds the defaults that aren't naturally environment-shaped:
// things a user sets once in config.yml rather than per-invocation. This
// mirrors the split the teacher uses (AppConfig for process-level flags
// and env, UserConfig for the on-disk yaml), with quixand's own fields in
// place of lazydocker's GUI/keybinding ones.
//
// The values are loaded into AppConfig.UserConfig, printed by `quixand -c`
// and written by `quixand config set`. Sandbox creation, the playground and
// the template cache do not read them: a new sandbox's workdir, resources,
// pool size and the template index location come from their callers.
type UserConfig struct {
	// Workdir records a default working directory for sandboxes.
	Workdir string `yaml:"workdir,omitempty"`

	// Resources records a default compute footprint for sandboxes.
	Resources ResourcesConfig `yaml:"resources,omitempty"`

	// Playground records prewarmed-pool settings.
	Playground PlaygroundConfig `yaml:"playground,omitempty"`

	// Templates records image build cache settings.
	Templates TemplatesConfig `yaml:"templates,omitempty"`
}

// ResourcesConfig is the on-disk form of runtime.Resources.
type ResourcesConfig struct {
	CPUCores  float64 `yaml:"cpuCores,omitempty"`
	Memory    string  `yaml:"memory,omitempty"`
	PidsLimit int64   `yaml:"pidsLimit,omitempty"`
}

// PlaygroundConfig controls the LIFO prewarmed pool.
type PlaygroundConfig struct {
	// PoolSize records how many sandboxes a pool should keep warm.
	PoolSize int `yaml:"poolSize,omitempty"`

	// PrewarmImage records the image for pooled sandboxes.
	PrewarmImage string `yaml:"prewarmImage,omitempty"`
}

// TemplatesConfig controls the content-addressed build cache.
type TemplatesConfig struct {
	// CacheDir records a template cache directory; the CLI keeps its
	// template index at ⟨root⟩/templates.json whatever this is set to.
	CacheDir string `yaml:"cacheDir,omitempty"`
}

// GetDefaultConfig returns the application defaults, the quixand analogue
// of the teacher's GetDefaultConfig. As in the teacher's note, don't
// default a bool to true — the omitempty yaml tags mean a false/zero
// value round-trips as absent.
func GetDefaultConfig() UserConfig {
	return UserConfig{
		Workdir: "/workspace",
		Resources: ResourcesConfig{
			CPUCores: 1,
			Memory:   "512m",
		},
	}
}

// ApplyKeyValue sets one dotted-path field on uc, the mutation `quixand
// config set -k <key> -v <value>` passes to AppConfig.WriteToUserConfig. Keys
// mirror the yaml tags above: "workdir", "playground.poolSize",
// "playground.prewarmImage", "resources.cpuCores", "resources.memory",
// "resources.pidsLimit", "templates.cacheDir".
func ApplyKeyValue(uc *UserConfig, key, value string) error {
	switch key {
	case "workdir":
		uc.Workdir = value
	case "resources.cpuCores":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return quixerrors.New(quixerrors.Unknown, "resources.cpuCores must be a number", err)
		}
		uc.Resources.CPUCores = f
	case "resources.memory":
		uc.Resources.Memory = value
	case "resources.pidsLimit":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return quixerrors.New(quixerrors.Unknown, "resources.pidsLimit must be an integer", err)
		}
		uc.Resources.PidsLimit = n
	case "playground.poolSize":
		n, err := strconv.Atoi(value)
		if err != nil {
			return quixerrors.New(quixerrors.Unknown, "playground.poolSize must be an integer", err)
		}
		uc.Playground.PoolSize = n
	case "playground.prewarmImage":
		uc.Playground.PrewarmImage = value
	case "templates.cacheDir":
		uc.Templates.CacheDir = value
	default:
		return quixerrors.New(quixerrors.Unknown, "unrecognized config key "+key, nil)
	}
	return nil
}
