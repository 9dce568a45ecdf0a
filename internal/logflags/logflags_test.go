package logflags

import (
	"testing"

	"github.com/sirupsen/logrus"
)

func resetAll() {
	pmu, perfCounters, replay, debugger, diversion = false, false, false, false, false
}

func TestSetupEnablesNamedSubsystems(t *testing.T) {
	resetAll()
	defer resetAll()

	Setup(true, "pmu,replay")

	if !PMU() {
		t.Fatal("expected pmu enabled")
	}
	if !Replay() {
		t.Fatal("expected replay enabled")
	}
	if PerfCounters() || Debugger() || Diversion() {
		t.Fatal("expected only pmu and replay enabled")
	}
}

func TestSetupDisabledLeavesEverythingOff(t *testing.T) {
	resetAll()
	defer resetAll()

	Setup(false, "pmu,replay,debugger")

	if PMU() || Replay() || Debugger() {
		t.Fatal("expected no subsystem enabled when logFlag is false")
	}
}

func TestSetupEmptyListDefaultsToReplay(t *testing.T) {
	resetAll()
	defer resetAll()

	Setup(true, "")

	if !Replay() {
		t.Fatal("expected empty logstr to default to the replay subsystem")
	}
}

func TestLoggerLevelGatedByFlag(t *testing.T) {
	resetAll()
	defer resetAll()

	quiet := PMULogger()
	if quiet.Logger.Level != logrus.PanicLevel {
		t.Fatalf("expected PanicLevel when disabled, got %v", quiet.Logger.Level)
	}

	Setup(true, "pmu")
	loud := PMULogger()
	if loud.Logger.Level != logrus.DebugLevel {
		t.Fatalf("expected DebugLevel when enabled, got %v", loud.Logger.Level)
	}
}
