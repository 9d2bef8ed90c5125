// This file is Free Software under the Apache-2.0 License
// without warranty, see README.md and LICENSES/Apache-2.0.txt for details.
//
// SPDX-License-Identifier: Apache-2.0

// Package commands implements the subcommands shared by the csaf
// and sbom command line tools.
package commands

import (
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/advmirror/advmirror/csaf"
	"github.com/advmirror/advmirror/pkg/errs"
	"github.com/advmirror/advmirror/pkg/options"
	"github.com/advmirror/advmirror/walker"
)

// LogEnvVar overrides the log level from the environment.
const LogEnvVar = "ADVMIRROR_LOG"

// defaultWorker is the default concurrency budget.
const defaultWorker = 4

// Config are the command line flags and config file settings
// shared by all subcommands.
type Config struct {
	Directory string `short:"d" long:"directory" description:"DIRectory to store the downloaded documents in" value-name:"DIR" toml:"directory"`
	Insecure  bool   `long:"insecure" description:"Do not check TLS certificates from provider" toml:"insecure"`

	ClientCert       *string           `long:"client_cert" description:"TLS client certificate file (PEM encoded data)" value-name:"CERT-FILE" toml:"client_cert"`
	ClientKey        *string           `long:"client_key" description:"TLS client private key file (PEM encoded data)" value-name:"KEY-FILE" toml:"client_key"`
	ExtraHeader      http.Header       `long:"header" description:"One or more extra HTTP header fields" toml:"header"`
	Rate             *float64          `long:"rate" description:"The average upper limit of https operations per second (defaults to unlimited)" toml:"rate"`
	Worker           int               `long:"worker" short:"n" description:"NUMber of concurrent downloads" value-name:"NUM" toml:"worker"`

	Since     string `long:"since" description:"Only consider documents changed at TIME or later (RFC 3339)" value-name:"TIME" toml:"since"`
	SinceFile string `long:"since_file" description:"FILE to read the last run time from and update on success" value-name:"FILE" toml:"since_file"`
	TimeRange string `long:"time_range" description:"RANGE of document changes to consider: a duration (e.g. 72h), a timestamp, or start,end" value-name:"RANGE" toml:"time_range"`

	PreferredHash string `long:"preferred_hash" choice:"sha256" choice:"sha512" description:"HASH to fetch first; the other digest sidecar is only fetched when the preferred one is missing" value-name:"HASH" toml:"preferred_hash"`

	AcceptV3   bool     `short:"3" long:"accept_v3" description:"Accept v3 signatures and SHA-1 digests" toml:"accept_v3"`
	PolicyDate string   `long:"policy_date" description:"DATE the cryptographic policy is evaluated at (RFC 3339)" value-name:"DATE" toml:"policy_date"`
	IgnoreChecks []string `long:"ignore" description:"Ignore findings of the named CHECK (may be repeated)" value-name:"CHECK" toml:"ignore"`
	Validations  []string `long:"validations" description:"Rule SETs to run: schema, mandatory, optional (may be repeated)" value-name:"SET" toml:"validations"`
	ValidationMode string `long:"validation_mode" choice:"strict" choice:"unsafe" description:"MODE how strict the validation is" value-name:"MODE" toml:"validation_mode"`
	NoSignatureRequired bool `long:"no_signature_required" description:"Do not treat a missing signature as a failure" toml:"no_signature_required"`

	RemoteValidator        string   `long:"validator" description:"URL to an external validator service" value-name:"URL" toml:"validator"`
	RemoteValidatorCache   string   `long:"validator_cache" description:"FILE to cache remote validations in" value-name:"FILE" toml:"validator_cache"`
	RemoteValidatorPresets []string `long:"validator_preset" description:"One or more PRESETS to the remote validation" value-name:"PRESETS" toml:"validator_preset"`

	IgnorePattern []string `long:"ignore_pattern" description:"Do not download documents whose URLs match the given PATTERN" value-name:"PATTERN" toml:"ignore_pattern"`
	BodyLimit     int64    `long:"body_limit" description:"Maximum document SIZE in bytes" value-name:"SIZE" toml:"body_limit"`

	Output string `short:"o" long:"output" description:"FILE to write the report to" value-name:"FILE" toml:"output"`
	Full   bool   `long:"full" description:"Also list documents without findings in the report" toml:"full"`

	Auth    string `long:"auth" description:"Authorization header VALUE presented to the ingestion endpoint" value-name:"VALUE" toml:"auth"`
	Retries uint64 `long:"retries" description:"NUMber of retries on transient send failures" value-name:"NUM" toml:"retries"`

	Enumerate bool `long:"enumerate" description:"Print all discoverable provider metadata, not only the first" toml:"enumerate"`

	LogFile  *string           `long:"log_file" description:"FILE to log to" value-name:"FILE" toml:"log_file"`
	LogLevel *options.LogLevel `long:"log_level" description:"LEVEL of logging details" value-name:"LEVEL" choice:"debug" choice:"info" choice:"warn" choice:"error" toml:"log_level"`

	Config  string `short:"c" long:"config" description:"Path to config TOML file" value-name:"TOML-FILE" toml:"-"`
	Version bool   `long:"version" description:"Display version of the binary" toml:"-"`

	clientCerts   []tls.Certificate
	since         *time.Time
	rangeStart    *time.Time
	rangeEnd      *time.Time
	policyDate    time.Time
	ignoreURL     func(string) bool
	ruleSets      []csaf.RuleSet
	preferredHash walker.HashAlgorithm
}

// configPaths are the default locations of the config file.
var configPaths = []string{
	"~/.config/advmirror/config.toml",
	"~/.advmirror.toml",
	"advmirror.toml",
}

// ParseArgsConfig parses the command line and the optional
// config file.
func ParseArgsConfig(args []string, version string) ([]string, *Config, error) {
	p := options.Parser[Config]{
		DefaultConfigLocations: configPaths,
		ConfigLocation:         func(cfg *Config) string { return cfg.Config },
		Usage:                  "[OPTIONS] command [source...]",
		HasVersion:             func(cfg *Config) bool { return cfg.Version },
		Version:                version,
		SetDefaults: func(cfg *Config) {
			cfg.Worker = defaultWorker
			cfg.ValidationMode = "strict"
			cfg.BodyLimit = walker.DefaultBodyLimit
		},
		EnsureDefaults: func(cfg *Config) {
			if cfg.Worker == 0 {
				cfg.Worker = defaultWorker
			}
			if cfg.ValidationMode == "" {
				cfg.ValidationMode = "strict"
			}
			if cfg.BodyLimit == 0 {
				cfg.BodyLimit = walker.DefaultBodyLimit
			}
		},
	}
	return p.Parse(args)
}

// Prepare prepares the configuration for use: logging, parsed
// timestamps, compiled ignore patterns and loaded certificates.
func (cfg *Config) Prepare() error {
	if err := cfg.prepareLogging(); err != nil {
		return err
	}
	if err := cfg.prepareCertificates(); err != nil {
		return err
	}
	if cfg.Since != "" {
		t, err := time.Parse(time.RFC3339, cfg.Since)
		if err != nil {
			return errs.ErrUsage{Message: fmt.Sprintf(
				"invalid --since value %q: %v", cfg.Since, err)}
		}
		cfg.since = &t
	}
	if cfg.TimeRange != "" {
		start, end, err := parseTimeRange(cfg.TimeRange)
		if err != nil {
			return errs.ErrUsage{Message: fmt.Sprintf(
				"invalid --time_range value %q: %v", cfg.TimeRange, err)}
		}
		cfg.rangeStart = &start
		cfg.rangeEnd = &end
	}
	if cfg.PolicyDate != "" {
		t, err := time.Parse(time.RFC3339, cfg.PolicyDate)
		if err != nil {
			return errs.ErrUsage{Message: fmt.Sprintf(
				"invalid --policy_date value %q: %v", cfg.PolicyDate, err)}
		}
		cfg.policyDate = t
	}
	cfg.preferredHash = walker.HashAlgorithm(cfg.PreferredHash)
	if err := cfg.compileIgnorePatterns(); err != nil {
		return err
	}
	if err := cfg.prepareRuleSets(); err != nil {
		return err
	}
	return nil
}

// parseTimeRange parses a change time range: a duration ending
// now (e.g. "72h"), a single start timestamp running until now,
// or an absolute "start,end" pair. Timestamps are RFC 3339 or
// plain dates.
func parseTimeRange(s string) (time.Time, time.Time, error) {
	parse := func(v string) (time.Time, error) {
		v = strings.TrimSpace(v)
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t, nil
		}
		return time.Parse("2006-01-02", v)
	}
	if start, end, found := strings.Cut(s, ","); found {
		st, err := parse(start)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		en, err := parse(end)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		if en.Before(st) {
			return time.Time{}, time.Time{}, fmt.Errorf(
				"end %s is before start %s", end, start)
		}
		return st, en, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		now := time.Now().UTC()
		return now.Add(-d), now, nil
	}
	st, err := parse(s)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return st, time.Now().UTC(), nil
}

func (cfg *Config) prepareLogging() error {
	level := slog.LevelInfo
	if cfg.LogLevel != nil {
		level = cfg.LogLevel.Level
	} else if env := os.Getenv(LogEnvVar); env != "" {
		var ll slog.Level
		if err := ll.UnmarshalText([]byte(env)); err == nil {
			level = ll
		}
	}
	var w io.Writer = os.Stderr
	if cfg.LogFile != nil && *cfg.LogFile != "" {
		f, err := os.OpenFile(
			*cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		w = f
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
	return nil
}

func (cfg *Config) prepareCertificates() error {
	switch hasCert, hasKey := cfg.ClientCert != nil, cfg.ClientKey != nil; {
	case hasCert && !hasKey, !hasCert && hasKey:
		return errs.ErrUsage{
			Message: "both client_cert and client_key are needed"}
	case hasCert && hasKey:
		cert, err := tls.LoadX509KeyPair(*cfg.ClientCert, *cfg.ClientKey)
		if err != nil {
			return err
		}
		cfg.clientCerts = []tls.Certificate{cert}
	}
	return nil
}

func (cfg *Config) compileIgnorePatterns() error {
	if len(cfg.IgnorePattern) == 0 {
		cfg.ignoreURL = nil
		return nil
	}
	patterns := make([]*regexp.Regexp, 0, len(cfg.IgnorePattern))
	for _, p := range cfg.IgnorePattern {
		re, err := regexp.Compile(p)
		if err != nil {
			return errs.ErrUsage{Message: fmt.Sprintf(
				"invalid ignore pattern %q: %v", p, err)}
		}
		patterns = append(patterns, re)
	}
	cfg.ignoreURL = func(u string) bool {
		for _, re := range patterns {
			if re.MatchString(u) {
				return true
			}
		}
		return false
	}
	return nil
}

func (cfg *Config) prepareRuleSets() error {
	if len(cfg.Validations) == 0 {
		cfg.ruleSets = []csaf.RuleSet{csaf.RuleSetSchema, csaf.RuleSetMandatory}
		return nil
	}
	for _, v := range cfg.Validations {
		rs, err := csaf.ParseRuleSet(v)
		if err != nil {
			return errs.ErrUsage{Message: err.Error()}
		}
		cfg.ruleSets = append(cfg.ruleSets, rs)
	}
	return nil
}

func (cfg *Config) verbose() bool {
	return cfg.LogLevel != nil && cfg.LogLevel.Level <= slog.LevelDebug
}

// requireSignature derives the signature requirement of a kind:
// CSAF requires one unless switched off, SBOM never does.
func (cfg *Config) requireSignature(kind walker.DocumentKind) bool {
	if cfg.NoSignatureRequired {
		return false
	}
	return kind == walker.KindCSAF
}
