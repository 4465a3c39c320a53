package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// newViper returns a viper instance seeded with defaults that also reads
// PREFIX_KEY environment variables
func newViper(envPrefix string, defaults map[string]any) *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// bindFlags binds each named flag to its snake_case key
func bindFlags(v *viper.Viper, flagSet *pflag.FlagSet, names ...string) error {
	for _, name := range names {
		f := flagSet.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(strings.ReplaceAll(name, "-", "_"), f); err != nil {
			return fmt.Errorf("error binding flag %s: %w", name, err)
		}
	}
	return nil
}

// readConfigFile reads configPath, or name.yaml from the working directory,
// $HOME/.rnread or /etc/rnread. A missing file is not an error.
func readConfigFile(v *viper.Viper, configPath, name string) error {
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName(name)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.rnread")
		v.AddConfigPath("/etc/rnread")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

// defaultInstanceID is the hostname, or rnread-<pid> when it is unknown
func defaultInstanceID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return fmt.Sprintf("rnread-%d", os.Getpid())
	}
	return hostname
}

// writeYAML writes values as YAML under a comment header, creating the
// parent directories of path
func writeYAML(path, header string, values any) error {
	out, err := yaml.Marshal(values)
	if err != nil {
		return fmt.Errorf("error encoding config: %w", err)
	}

	var buf bytes.Buffer
	for _, line := range strings.Split(header, "\n") {
		buf.WriteString("# " + line + "\n")
	}
	buf.Write(out)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}
	return nil
}
