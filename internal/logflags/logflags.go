// Package logflags controls per-subsystem logging, mirroring the way
// command line tools in this tree gate diagnostic output: each subsystem
// has a bool and a *logrus.Entry, and logging is silent (PanicLevel)
// until the subsystem is named in the "log" config key (or RR_LOG).
package logflags

import (
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	pmu          = false
	perfCounters = false
	replay       = false
	debugger     = false
	diversion    = false
)

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	logger := logrus.New().WithFields(fields)
	logger.Logger.Level = logrus.DebugLevel
	if !flag {
		logger.Logger.Level = logrus.PanicLevel
	}
	return logger
}

// PMU returns true if the pmu package should log.
func PMU() bool { return pmu }

// PMULogger returns a logger for the pmu package.
func PMULogger() *logrus.Entry {
	return makeLogger(pmu, logrus.Fields{"layer": "pmu"})
}

// PerfCounters returns true if the perfcounters package should log.
func PerfCounters() bool { return perfCounters }

// PerfCountersLogger returns a logger for the perfcounters package.
func PerfCountersLogger() *logrus.Entry {
	return makeLogger(perfCounters, logrus.Fields{"layer": "perfcounters"})
}

// Replay returns true if the replay scheduler should log.
func Replay() bool { return replay }

// ReplayLogger returns a logger for the replay scheduler.
func ReplayLogger() *logrus.Entry {
	return makeLogger(replay, logrus.Fields{"layer": "replay"})
}

// Debugger returns true if the debugger dispatch loop should log.
func Debugger() bool { return debugger }

// DebuggerLogger returns a logger for the debugger dispatch loop.
func DebuggerLogger() *logrus.Entry {
	return makeLogger(debugger, logrus.Fields{"layer": "debugger"})
}

// Diversion returns true if the diversion controller should log.
func Diversion() bool { return diversion }

// DiversionLogger returns a logger for the diversion controller.
func DiversionLogger() *logrus.Entry {
	return makeLogger(diversion, logrus.Fields{"layer": "diversion"})
}

// Setup enables the subsystems named in a comma-separated list, e.g.
// "pmu,replay". An empty logstr with logFlag set enables "replay" alone.
func Setup(logFlag bool, logstr string) {
	if !logFlag {
		return
	}
	if logstr == "" {
		logstr = "replay"
	}
	for _, name := range strings.Split(logstr, ",") {
		switch strings.TrimSpace(name) {
		case "pmu":
			pmu = true
		case "perfcounters":
			perfCounters = true
		case "replay":
			replay = true
		case "debugger":
			debugger = true
		case "diversion":
			diversion = true
		}
	}
}
