// Package cli wires Cobra and Viper together for fetchkit binaries: config
// file discovery, environment binding, and logger construction from the
// resolved configuration.
package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bitswalk/fetchkit/src/common/logs"
	"github.com/bitswalk/fetchkit/src/common/paths"
)

// ConfigOptions controls how the configuration file is located.
type ConfigOptions struct {
	// ConfigFile is an explicit config path (from the --config flag). When
	// set, the search paths are ignored.
	ConfigFile string

	// ConfigName is the file name to search for, without extension.
	ConfigName string

	// ConfigType is the file format (yaml, json, toml).
	ConfigType string

	// EnvPrefix maps environment variables onto config keys
	// ("FETCHKIT" makes FETCHKIT_STORAGE_CACHE_DIR set storage.cache_dir).
	EnvPrefix string

	// SearchPaths are the directories tried in order for ConfigName.
	SearchPaths []string
}

// DefaultConfigOptions returns the standard fetchkit search locations.
func DefaultConfigOptions(configName, envPrefix string) ConfigOptions {
	return ConfigOptions{
		ConfigName: configName,
		ConfigType: "yaml",
		EnvPrefix:  envPrefix,
		SearchPaths: []string{
			"/etc/fetchkit",
			"$HOME/.config/fetchkit",
			".",
		},
	}
}

// InitConfig points Viper at the configuration sources. A missing config file
// is not an error; flag and environment values still apply.
func InitConfig(opts ConfigOptions) error {
	if opts.ConfigFile != "" {
		viper.SetConfigFile(paths.Expand(opts.ConfigFile))
	} else {
		viper.SetConfigName(opts.ConfigName)
		viper.SetConfigType(opts.ConfigType)
		for _, searchPath := range opts.SearchPaths {
			viper.AddConfigPath(paths.Expand(searchPath))
		}
	}

	if opts.EnvPrefix != "" {
		viper.SetEnvPrefix(opts.EnvPrefix)
		viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		viper.AutomaticEnv()
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

// RegisterConfigFlag adds the persistent --config flag to a command.
func RegisterConfigFlag(cmd *cobra.Command, cfgFile *string, defaultPath string) {
	cmd.PersistentFlags().StringVar(cfgFile, "config", "",
		fmt.Sprintf("config file (default: %s)", defaultPath))
}

// InitLogger builds a logger from the resolved log.output and log.level keys.
// Call after InitConfig.
func InitLogger(prefix string) *logs.Logger {
	return logs.New(logs.Config{
		Output: logs.LogOutput(viper.GetString("log.output")),
		Level:  viper.GetString("log.level"),
		Prefix: prefix,
	})
}

// GetExpandedString reads a config key and expands ~ and environment
// variables, for keys that hold filesystem paths.
func GetExpandedString(key string) string {
	return paths.Expand(viper.GetString(key))
}
