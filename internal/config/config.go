// Package config loads the YAML configuration recognized by the replay
// core: a struct tagged for gopkg.in/yaml.v2, loaded from a file on
// disk, with every field also overridable by an environment variable
// for headless test runs.
package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

// Checksum selects how aggressively the external trace-interpretation
// layer verifies memory contents against recorded checksums. The core
// only needs to know the mode name; the checksum engine itself is an
// external collaborator.
type Checksum string

const (
	ChecksumOff     Checksum = "off"
	ChecksumAll     Checksum = "all"
	ChecksumSyscall Checksum = "syscall"
)

// Config holds every configuration key the core recognizes, plus the
// two ambient logging knobs and the two perf-counter knobs
// (extended_counters, ticks_period).
type Config struct {
	// ForcedUarch, when non-empty, overrides CPU identification with a
	// case-insensitive substring match against the PMU profile table.
	ForcedUarch string `yaml:"forced_uarch"`

	// SuppressEnvironmentWarnings silences the HLE/IN_TXCP user-visible
	// compatibility warnings.
	SuppressEnvironmentWarnings bool `yaml:"suppress_environment_warnings"`

	// ForceThings overrides the HLE-under-KVM-bug abort in read_ticks.
	ForceThings bool `yaml:"force_things"`

	// Autopilot skips debugger attachment and drives replay to completion.
	Autopilot bool `yaml:"autopilot"`

	// DbgPort is the TCP port the debugger transport listens on.
	DbgPort int `yaml:"dbgport"`

	// Checksum selects the checksum verification mode. The frame-number
	// threshold form ("<N") is accepted verbatim and interpreted by the
	// trace-interpretation layer, not by this package.
	Checksum string `yaml:"checksum"`

	// DumpOn names a trace-stop reason (or "ALL") that should dump tracee
	// memory; hooked externally, not interpreted here.
	DumpOn string `yaml:"dump_on"`

	// Redirect enables syscall output redirection.
	Redirect bool `yaml:"redirect"`

	// Log is a comma-separated list of subsystems to enable logging for.
	Log string `yaml:"log"`

	// LogFile holds the log_file key. It is loaded but not read by any
	// package; log output is not redirected by it and goes to stderr.
	LogFile string `yaml:"log_file"`

	// ExtendedCounters also opens the hw_interrupts, instructions_retired,
	// and page_faults counters alongside the primary ticks counter.
	ExtendedCounters bool `yaml:"extended_counters"`

	// TicksPeriod is the sample period passed to Counters.Reset after
	// every successful non-FLUSH frame retirement.
	TicksPeriod uint64 `yaml:"ticks_period"`
}

// Default returns the configuration the core assumes in the absence of
// any file or environment override.
func Default() *Config {
	return &Config{
		DbgPort:  0,
		Checksum: string(ChecksumOff),
	}
}

// Load reads a YAML config file at path, falling back to Default if the
// file does not exist, then applies environment overrides.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("opening config file: %w", err)
			}
		} else {
			defer f.Close()
			data, err := ioutil.ReadAll(f)
			if err != nil {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
			if err := yaml.Unmarshal(data, c); err != nil {
				return nil, fmt.Errorf("decoding config file: %w", err)
			}
		}
	}
	applyEnvOverrides(c)
	return c, nil
}

// applyEnvOverrides lets headless test runs set configuration without a
// file on disk, e.g. RR_FORCED_UARCH=haswell.
func applyEnvOverrides(c *Config) {
	if v := os.Getenv("RR_FORCED_UARCH"); v != "" {
		c.ForcedUarch = v
	}
	if v := os.Getenv("RR_SUPPRESS_ENVIRONMENT_WARNINGS"); v != "" {
		c.SuppressEnvironmentWarnings = parseBool(v, c.SuppressEnvironmentWarnings)
	}
	if v := os.Getenv("RR_FORCE_THINGS"); v != "" {
		c.ForceThings = parseBool(v, c.ForceThings)
	}
	if v := os.Getenv("RR_AUTOPILOT"); v != "" {
		c.Autopilot = parseBool(v, c.Autopilot)
	}
	if v := os.Getenv("RR_DBGPORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.DbgPort = n
		}
	}
	if v := os.Getenv("RR_CHECKSUM"); v != "" {
		c.Checksum = v
	}
	if v := os.Getenv("RR_DUMP_ON"); v != "" {
		c.DumpOn = v
	}
	if v := os.Getenv("RR_REDIRECT"); v != "" {
		c.Redirect = parseBool(v, c.Redirect)
	}
	if v := os.Getenv("RR_LOG"); v != "" {
		c.Log = v
	}
	if v := os.Getenv("RR_LOG_FILE"); v != "" {
		c.LogFile = v
	}
	if v := os.Getenv("RR_EXTENDED_COUNTERS"); v != "" {
		c.ExtendedCounters = parseBool(v, c.ExtendedCounters)
	}
	if v := os.Getenv("RR_TICKS_PERIOD"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			c.TicksPeriod = n
		}
	}
}

func parseBool(s string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}
