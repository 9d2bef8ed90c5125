// This file is Free Software under the Apache-2.0 License
// without warranty, see README.md and LICENSES/Apache-2.0.txt for details.
//
// SPDX-License-Identifier: Apache-2.0

// Package options holds the machinery shared by the command line
// tools to parse flags and merge in TOML configuration files.
package options

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/jessevdk/go-flags"
	"github.com/mitchellh/go-homedir"

	"github.com/advmirror/advmirror/pkg/errs"
)

// LogLevel implements a TOML and flags unmarshalable slog.Level.
type LogLevel struct {
	slog.Level
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (ll *LogLevel) UnmarshalText(text []byte) error {
	return ll.Level.UnmarshalText(text)
}

// UnmarshalTOML implements [toml.Unmarshaler].
func (ll *LogLevel) UnmarshalTOML(data any) error {
	s, ok := data.(string)
	if !ok {
		return fmt.Errorf("log level is not a string: %v", data)
	}
	return ll.Level.UnmarshalText([]byte(s))
}

// UnmarshalFlag implements [flags.Unmarshaler].
func (ll *LogLevel) UnmarshalFlag(value string) error {
	return ll.Level.UnmarshalText([]byte(value))
}

// Parser helps parsing command line arguments and loading
// stored configurations from file.
type Parser[C any] struct {
	// DefaultConfigLocations are the locations where the configuration
	// file is looked up if no explicit --config flag is given.
	DefaultConfigLocations []string
	// ConfigLocation extracts the config file location from the
	// parsed command line flags.
	ConfigLocation func(*C) string
	// Usage is the usage string shown on parse errors.
	Usage string
	// HasVersion checks if the version flag was given.
	HasVersion func(*C) bool
	// Version is the version to be printed if HasVersion returns true.
	Version string
	// SetDefaults fills the configuration with default values.
	SetDefaults func(*C)
	// EnsureDefaults re-establishes defaults overwritten with
	// zero values by a partial config file.
	EnsureDefaults func(*C)
}

// findConfigFile looks for a file in the default locations.
func findConfigFile(locations []string) string {
	for _, f := range locations {
		name, err := homedir.Expand(f)
		if err != nil {
			continue
		}
		if _, err := os.Stat(name); err == nil {
			return name
		}
	}
	return ""
}

// loadTOML loads a configuration from file.
func loadTOML(cfg any, path string) error {
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return fmt.Errorf("could not parse %q from config file %q",
			undecoded, path)
	}
	return nil
}

// Parse parses the command line for flags and a config file
// and returns the remaining arguments and the configuration.
func (p *Parser[C]) Parse(args []string) ([]string, *C, error) {
	var cfg C
	if p.SetDefaults != nil {
		p.SetDefaults(&cfg)
	}
	parser := flags.NewParser(&cfg, flags.Default)
	parser.Usage = p.Usage

	rest, err := parser.ParseArgs(args)
	if err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		return nil, nil, errs.ErrUsage{Message: err.Error()}
	}

	if p.HasVersion != nil && p.HasVersion(&cfg) {
		fmt.Println(p.Version)
		os.Exit(0)
	}

	location := ""
	if p.ConfigLocation != nil {
		location = p.ConfigLocation(&cfg)
	}
	if location == "" {
		location = findConfigFile(p.DefaultConfigLocations)
	}

	if location != "" {
		path, err := homedir.Expand(location)
		if err != nil {
			return nil, nil, err
		}
		// Reset to defaults, load file, then let the flags win again.
		var fileCfg C
		if p.SetDefaults != nil {
			p.SetDefaults(&fileCfg)
		}
		if err := loadTOML(&fileCfg, path); err != nil {
			return nil, nil, err
		}
		fileParser := flags.NewParser(&fileCfg, flags.Default)
		fileParser.Usage = p.Usage
		if rest, err = fileParser.ParseArgs(args); err != nil {
			return nil, nil, errs.ErrUsage{Message: err.Error()}
		}
		if p.EnsureDefaults != nil {
			p.EnsureDefaults(&fileCfg)
		}
		cfg = fileCfg
	}

	return rest, &cfg, nil
}

// ErrorCheck checks if err is not nil and terminates
// the process with the exit code mapped to the error.
func ErrorCheck(err error) {
	if err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(errs.ExitCode(err))
	}
}
