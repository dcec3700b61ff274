package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/mstoykov/envconfig"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"gopkg.in/guregu/null.v3"
	"gopkg.in/yaml.v3"

	"github.com/liuxd6825/k6web/errext"
	"github.com/liuxd6825/k6web/errext/exitcodes"
	"github.com/liuxd6825/k6web/lib"
)

// Config is the consolidated configuration of a run.
type Config struct {
	lib.Options

	ConsoleOutput null.String `json:"consoleOutput" envconfig:"K6WEB_CONSOLE_OUTPUT"`
}

// Apply returns c with every field set in cfg overwritten.
func (c Config) Apply(cfg Config) Config {
	c.Options = c.Options.Apply(cfg.Options)
	if cfg.ConsoleOutput.Valid {
		c.ConsoleOutput = cfg.ConsoleOutput
	}
	return c
}

func getConfig(flags *pflag.FlagSet) (Config, error) {
	opts, err := getOptions(flags)
	if err != nil {
		return Config{}, err
	}
	consoleOutput, err := flags.GetString("console-output")
	if err != nil {
		return Config{}, err
	}
	return Config{
		Options:       opts,
		ConsoleOutput: null.NewString(consoleOutput, flags.Changed("console-output")),
	}, nil
}

// readDiskConfig reads the config file. A missing file is fine only when it
// is the default one.
func readDiskConfig(gs *globalState) (Config, error) {
	path := gs.flags.configFilePath
	data, err := afero.ReadFile(gs.fs, path)
	if errors.Is(err, fs.ErrNotExist) && path == gs.defaultFlags.configFilePath {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("couldn't load the configuration from %q: %w", path, err)
	}

	conf, err := decodeConfig(path, data)
	if err != nil {
		return Config{}, fmt.Errorf("couldn't parse the configuration from %q: %w", path, err)
	}
	return conf, nil
}

// decodeConfig decodes YAML and TOML files into a generic document first,
// then goes through JSON so the nullable option types apply their own
// parsing for every format.
func decodeConfig(path string, data []byte) (Config, error) {
	var doc map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return Config{}, err
		}
	case ".toml":
		if err := toml.Unmarshal(data, &doc); err != nil {
			return Config{}, err
		}
	default:
		var conf Config
		return conf, json.Unmarshal(data, &conf)
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return Config{}, err
	}
	var conf Config
	return conf, json.Unmarshal(data, &conf)
}

func readEnvConfig(env map[string]string) (Config, error) {
	var conf Config
	err := envconfig.Process("", &conf, func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	})
	return conf, err
}

// getConsolidatedConfig layers the defaults, the config file, the
// environment and the command line flags, each overriding the previous ones.
func getConsolidatedConfig(gs *globalState, cliConf Config) (Config, error) {
	fileConf, err := readDiskConfig(gs)
	if err != nil {
		return Config{}, errext.WithExitCodeIfNone(err, exitcodes.InvalidConfig)
	}
	envConf, err := readEnvConfig(gs.envVars)
	if err != nil {
		return Config{}, errext.WithExitCodeIfNone(err, exitcodes.InvalidConfig)
	}

	conf := Config{Options: lib.DefaultOptions()}.Apply(fileConf).Apply(envConf).Apply(cliConf)
	if errs := conf.Validate(); len(errs) > 0 {
		err := errext.WithHint(errors.Join(errs...), "check the config file, K6WEB_* variables and flags")
		return Config{}, errext.WithExitCodeIfNone(err, exitcodes.InvalidConfig)
	}
	return conf, nil
}
