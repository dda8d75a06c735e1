package hotpatch

import (
	"os"

	"github.com/ZenLiuCN/fn"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/ZenLiuCN/hotpatch/classify"
	"github.com/ZenLiuCN/hotpatch/patcher"
	"github.com/ZenLiuCN/hotpatch/remap"
)

// Config of a Reloader. The zero value is usable; DefaultConfig spells the
// defaults out.
type Config struct {
	Debug         bool            `yaml:"debug"`
	Classify      classify.Config `yaml:"classify"`
	Patcher       patcher.Config  `yaml:"patcher"`
	RemapCapacity int             `yaml:"remap_capacity"` // records allocated for the channel path
}

func DefaultConfig() Config {
	return Config{
		Classify: classify.Config{RuntimeLibraries: classify.DefaultRuntimeLibraries},
		Patcher: patcher.Config{
			InitializerPrefixes: patcher.DefaultInitializerPrefixes,
			LiteralPrefixes:     patcher.DefaultLiteralPrefixes,
		},
		RemapCapacity: remap.DefaultCapacity,
	}
}

// LoadConfig reads a YAML file over DefaultConfig.
func LoadConfig(path string) (cfg Config, err error) {
	cfg = DefaultConfig()
	f, err := os.Open(path)
	if err != nil {
		return cfg, errors.Wrap(err, "open config")
	}
	defer fn.IgnoreClose(f)
	if err = yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, errors.Wrapf(err, "decode config %s", path)
	}
	return
}

// Logger filters logger by the Debug flag.
func (c Config) Logger(logger log.Logger) log.Logger {
	if logger == nil {
		return log.NewNopLogger()
	}
	if c.Debug {
		return level.NewFilter(logger, level.AllowDebug())
	}
	return level.NewFilter(logger, level.AllowInfo())
}
