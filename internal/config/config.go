// Package config loads the optional fsmgr configuration file. The file
// carries host-wide defaults the command line can override: the log level,
// default mount behavior and per-type extra mkfs arguments.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/blockkit/fsmgr/pkg/fs"
)

// DefaultLogLevel applies when neither the file nor the command line sets
// a level.
const DefaultLogLevel = "info"

// Config is the fsmgr configuration.
type Config struct {
	LogLevel string        `yaml:"log_level"`
	Mount    MountDefaults `yaml:"mount"`
	// Mkfs lists extra mkfs arguments per filesystem type, appended after
	// the mandatory arguments, e.g. ext4: ["-b", "4096"].
	Mkfs map[string][]string `yaml:"mkfs"`
}

// MountDefaults is the mount behavior applied when the mount command line
// leaves the corresponding flag unset.
type MountDefaults struct {
	// Options is a comma separated mount option string.
	Options string `yaml:"options"`
	// RunAsUID and RunAsGID are numeric credentials the mount command
	// runs under.
	RunAsUID string `yaml:"run_as_uid"`
	RunAsGID string `yaml:"run_as_gid"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{LogLevel: DefaultLogLevel}
}

// Load reads the YAML file at path on top of the defaults and validates
// the result. An empty path returns the defaults unchanged; unknown keys
// in the file are an error.
func Load(path string) (Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading configuration: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	// an empty file is a valid configuration
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parsing configuration %s: %w", path, err)
	}
	if err := c.validate(); err != nil {
		return Config{}, fmt.Errorf("configuration %s: %w", path, err)
	}
	return c, nil
}

func (c Config) validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	for name := range c.Mkfs {
		if _, err := fs.ParseType(name); err != nil {
			return fmt.Errorf("mkfs defaults: %w", err)
		}
	}
	return nil
}

// MkfsArgs returns the configured extra mkfs arguments for t, one token
// per argument, in file order.
func (c Config) MkfsArgs(t fs.Type) []fs.ExtraArg {
	raw := c.Mkfs[string(t)]
	if len(raw) == 0 {
		return nil
	}
	extra := make([]fs.ExtraArg, 0, len(raw))
	for _, token := range raw {
		extra = append(extra, fs.ExtraArg{Flag: token})
	}
	return extra
}
