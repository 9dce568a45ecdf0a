// Command rrcore wires the replay scheduler, debugger dispatch loop,
// and diversion controller together and drives a single recorded
// trace to completion. There is no command-line parsing; configuration
// comes entirely from internal/config. The shape here — load config,
// construct logger, run — mirrors a cobra-free main without its
// command tree.
package main

import (
	"fmt"
	"os"

	"github.com/rr-go/rrcore/internal/config"
	"github.com/rr-go/rrcore/internal/logflags"
	"github.com/rr-go/rrcore/pkg/breakpoint"
	"github.com/rr-go/rrcore/pkg/debugger"
	"github.com/rr-go/rrcore/pkg/diversion"
	"github.com/rr-go/rrcore/pkg/perfcounters"
	"github.com/rr-go/rrcore/pkg/pmu"
	"github.com/rr-go/rrcore/pkg/replay"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "rrcore:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := os.Getenv("RRCORE_CONFIG")
	if configPath == "" {
		configPath = "rrcore.yml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	logflags.Setup(cfg.Log != "", cfg.Log)

	profile, err := pmu.Detect(cfg.ForcedUarch)
	if err != nil {
		return fmt.Errorf("detecting PMU profile: %w", err)
	}
	logflags.PMULogger().Infof("using PMU profile %s", profile.Uarch)

	quirks := perfcounters.NewQuirks(profile)

	reg := replay.NewRegistry()
	bps := &breakpoint.Table{}
	ptrace := replay.NewNativePtracer()

	trace, err := openTraceInterpreter(cfg)
	if err != nil {
		return fmt.Errorf("opening trace: %w", err)
	}

	scheduler := replay.NewScheduler(reg, trace, ptrace, bps)
	scheduler.Autopilot = cfg.Autopilot
	scheduler.Quirks = quirks
	scheduler.TicksPeriod = cfg.TicksPeriod
	scheduler.NewCounters = func(liveTid int) *perfcounters.Counters {
		return perfcounters.New(profile, liveTid, perfcounters.Options{
			ExtendedCounters:            cfg.ExtendedCounters,
			SuppressEnvironmentWarnings: cfg.SuppressEnvironmentWarnings,
			ForceThings:                 cfg.ForceThings,
		})
	}

	var dispatch *debugger.Dispatcher
	if !cfg.Autopilot {
		ln, err := debugger.Listen(cfg.DbgPort)
		if err != nil {
			return fmt.Errorf("starting debugger transport: %w", err)
		}
		defer ln.Close()
		logflags.DebuggerLogger().Infof("listening for debugger on %s", ln.Addr())

		transport, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("accepting debugger connection: %w", err)
		}
		defer transport.Close()

		dispatch = debugger.NewDispatcher(transport, ptrace)
		controller := diversion.NewController(dispatch)
		dispatch.Divert = func(tid int) error {
			src, err := openReplaySource(cfg)
			if err != nil {
				return err
			}
			return controller.Divert(src, reg, bps, tid)
		}

		scheduler.SetEmergencyAttach(func(task *replay.Task) error {
			emergencyLn, err := debugger.Listen(task.RecordedTid)
			if err != nil {
				return fmt.Errorf("emergency attach on port %d: %w", task.RecordedTid, err)
			}
			logflags.DebuggerLogger().Warnf("replay divergence: attaching emergency debugger on port %d", task.RecordedTid)
			emergencyTransport, err := emergencyLn.Accept()
			if err != nil {
				return err
			}
			dispatch = debugger.NewDispatcher(emergencyTransport, ptrace)
			return nil
		})
	}

	return scheduler.Run(loopDebugger(dispatch))
}

// loopDebugger adapts a possibly-nil *debugger.Dispatcher to the
// replay.DebuggerLoop interface: in autopilot mode there is no
// dispatcher and the scheduler must never call it. Returning an untyped
// nil keeps the scheduler's nil checks working: ReplayOneTraceFrame
// checks both the loop and Scheduler.Autopilot, retire checks the loop
// only.
func loopDebugger(d *debugger.Dispatcher) replay.DebuggerLoop {
	if d == nil {
		return nil
	}
	return d
}

// openTraceInterpreter constructs the external trace-reading
// collaborator the scheduler drives . Its on-disk
// encoding and syscall/signal interpretation logic are explicitly out
// of this core's scope; wiring a concrete implementation belongs to
// whatever embeds this core as a library.
func openTraceInterpreter(cfg *config.Config) (replay.TraceInterpreter, error) {
	return nil, fmt.Errorf("no trace interpreter configured: provide one via the replay.TraceInterpreter extension point")
}

// openReplaySource constructs the external collaborator that clones a
// live replay session into a diversion, triggered by a DIVERT request
// over the debugger transport. Cloning a running replay (forking the
// tracee, duplicating the registry) depends on the same out-of-scope
// trace-reading machinery as openTraceInterpreter; wiring a concrete
// implementation belongs to whatever embeds this core as a library.
func openReplaySource(cfg *config.Config) (diversion.ReplaySource, error) {
	return nil, fmt.Errorf("no replay source configured: provide one via the diversion.ReplaySource extension point")
}
