package replay

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/sys/unix"

	"github.com/rr-go/rrcore/internal/logflags"
	"github.com/rr-go/rrcore/pkg/breakpoint"
	"github.com/rr-go/rrcore/pkg/perfcounters"
)

// progressInterval is how often the scheduler logs a progress line,
// in global-time ticks.
const progressInterval = 10000

// DebuggerLoop is the inline-request servicer the scheduler hands
// control to at frame boundaries and traps. pkg/debugger implements
// this; replay only depends on the shape it needs.
type DebuggerLoop interface {
	// ServiceRequests answers inspection requests inline until a
	// resume-family request (continue/step) arrives, then returns it.
	ServiceRequests(reg *Registry, bps *breakpoint.Table) (*ResumeRequest, error)
	// NotifyStop tells the debugger a task has stopped with the given
	// signal (5 = SIGTRAP, the value the GDB remote protocol mandates).
	NotifyStop(recordedTid int, signal int) error
}

// DivergenceError is a fatal replay-divergence condition: live
// register state differs from recorded state, an unrecorded signal
// was observed, or an unexpected stop reason was seen. This is fatal
// in autopilot and triggers an emergency debugger attach when
// interactive.
type DivergenceError struct {
	Detail string
}

func (e DivergenceError) Error() string { return "replay divergence: " + e.Detail }

// ProtocolError is a fatal unknown-debugger-request-kind condition,
// surfaced here only when the scheduler itself must reject a resume
// request it cannot classify.
type ProtocolError struct {
	Detail string
}

func (e ProtocolError) Error() string { return "protocol error: " + e.Detail }

// Scheduler drives the replay of a recorded trace across a task
// registry. The process-wide validate latch lives here: once true it
// never resets, matching a process-lifetime static bool.
type Scheduler struct {
	Registry *Registry
	Trace    TraceInterpreter
	Ptrace   Ptracer
	BPs      *breakpoint.Table

	Autopilot bool

	// TicksPeriod is the sample period passed to Counters.Reset after
	// every successful non-FLUSH retirement. NewCounters and Quirks are both nil
	// by default; a nil NewCounters leaves Task.Counters unset and
	// retire skips the reset entirely.
	TicksPeriod uint64
	NewCounters func(liveTid int) *perfcounters.Counters
	Quirks      *perfcounters.Quirks

	validate   bool
	globalTime uint64

	emergencyAttach func(task *Task) error
}

// NewScheduler constructs a Scheduler over the given external
// collaborators.
func NewScheduler(reg *Registry, trace TraceInterpreter, pt Ptracer, bps *breakpoint.Table) *Scheduler {
	return &Scheduler{Registry: reg, Trace: trace, Ptrace: pt, BPs: bps}
}

// Validate reports whether the validate latch has been set.
func (s *Scheduler) Validate() bool { return s.validate }

// Run drives the whole replay lifecycle: while tasks remain
// registered, pop the next runnable task, replay its next frame.
func (s *Scheduler) Run(dbg DebuggerLoop) error {
	for s.Registry.Len() > 0 {
		task, ok := s.Registry.NextRunnable()
		if !ok {
			break
		}
		if err := s.ReplayOneTraceFrame(task, dbg); err != nil {
			return err
		}
	}
	return nil
}

// ReplayOneTraceFrame is the scheduler's primary operation: read the
// task's next trace frame, service debugger requests if validated,
// dispatch on stop reason, and retire the frame.
func (s *Scheduler) ReplayOneTraceFrame(task *Task, dbg DebuggerLoop) error {
	frame, err := s.Trace.ReadNextTraceFrame(task)
	if err != nil {
		return fmt.Errorf("reading trace frame for tid %d: %w", task.RecordedTid, err)
	}
	task.Current = frame
	s.globalTime = frame.GlobalTime
	if s.globalTime%progressInterval == 0 {
		logflags.ReplayLogger().Infof("replayed %d trace frames", s.globalTime)
	}

	var pending *ResumeRequest
	if s.validate && dbg != nil && !s.Autopilot {
		pending, err = dbg.ServiceRequests(s.Registry, s.BPs)
		if err != nil {
			return err
		}
	}

	switch frame.StopReason {
	case StopInitScratchMem:
		region, err := s.Trace.ReadNextMmappedFileStats()
		if err != nil {
			return fmt.Errorf("reading scratch region: %w", err)
		}
		task.scratch = region
		if err := s.injectScratchMapping(task, region); err != nil {
			return err
		}
		return s.retire(task, &TraceStep{Action: Retire}, pending, dbg)

	case StopExit:
		s.Registry.Remove(task.RecordedTid)
		task.exited = true
		return nil

	case StopFlush:
		if err := s.Trace.RepProcessFlush(task); err != nil {
			return fmt.Errorf("rep_process_flush: %w", err)
		}
		return s.retire(task, &TraceStep{Action: Retire}, pending, dbg)

	default:
		if frame.StopReason.IsSignal() {
			if err := s.Trace.RepProcessSignal(task, s.validate); err != nil {
				return fmt.Errorf("rep_process_signal: %w", err)
			}
			return s.retire(task, &TraceStep{Action: Retire}, pending, dbg)
		}
		if !frame.StopReason.IsSyscall() {
			return DivergenceError{Detail: fmt.Sprintf("unexpected stop reason %s", frame.StopReason)}
		}
		if frame.State == SyscallExit && int(frame.StopReason) == syscallExecve {
			s.validate = true
		}
		step, err := s.Trace.RepProcessSyscall(task, false)
		if err != nil {
			return fmt.Errorf("rep_process_syscall: %w", err)
		}
		return s.retire(task, step, pending, dbg)
	}
}

// syscallExecve is the x86-64 execve syscall number, used only to
// detect the validate-latching frame
const syscallExecve = 59

// injectScratchMapping reserves the tracee's scratch-memory region by
// redirecting its next instruction through an injected mmap(2) call:
// overwrite the two bytes at the current instruction pointer with a
// SYSCALL opcode, point the register file at an anonymous PROT_NONE
// mapping fixed at the recorded bounds, single-step across exactly
// that one instruction, then restore the original bytes and registers.
func (s *Scheduler) injectScratchMapping(task *Task, region ScratchRegion) error {
	length := region.End - region.Start
	if length == 0 {
		return nil
	}

	saved, err := s.Ptrace.GetRegs(task.LiveTid)
	if err != nil {
		return fmt.Errorf("scratch mapping: reading regs: %w", err)
	}

	var savedInsn [2]byte
	if _, err := s.Ptrace.PeekData(task.LiveTid, uintptr(saved.Rip), savedInsn[:]); err != nil {
		return fmt.Errorf("scratch mapping: reading insn at %#x: %w", saved.Rip, err)
	}
	if _, err := s.Ptrace.PokeData(task.LiveTid, uintptr(saved.Rip), []byte{0x0f, 0x05}); err != nil {
		return fmt.Errorf("scratch mapping: writing syscall insn: %w", err)
	}
	restore := func() error {
		if _, err := s.Ptrace.PokeData(task.LiveTid, uintptr(saved.Rip), savedInsn[:]); err != nil {
			return fmt.Errorf("scratch mapping: restoring insn: %w", err)
		}
		return s.Ptrace.SetRegs(task.LiveTid, saved)
	}

	mmapRegs := *saved
	mmapRegs.Rax = unix.SYS_MMAP
	mmapRegs.Rdi = region.Start
	mmapRegs.Rsi = length
	mmapRegs.Rdx = unix.PROT_NONE
	mmapRegs.R10 = uint64(unix.MAP_PRIVATE | unix.MAP_ANONYMOUS | unix.MAP_FIXED)
	mmapRegs.R8 = uint64(int64(-1))
	mmapRegs.R9 = 0
	if err := s.Ptrace.SetRegs(task.LiveTid, &mmapRegs); err != nil {
		restore()
		return fmt.Errorf("scratch mapping: setting regs: %w", err)
	}

	if err := s.Ptrace.SingleStep(task.LiveTid, 0); err != nil {
		restore()
		return fmt.Errorf("scratch mapping: single step: %w", err)
	}
	if _, err := s.Ptrace.Wait(task.LiveTid); err != nil {
		restore()
		return fmt.Errorf("scratch mapping: wait: %w", err)
	}

	result, err := s.Ptrace.GetRegs(task.LiveTid)
	if err != nil {
		restore()
		return fmt.Errorf("scratch mapping: reading result regs: %w", err)
	}
	ret := int64(result.Rax)
	failed := ret < 0 && ret > -4096

	if err := restore(); err != nil {
		return err
	}
	if failed {
		return fmt.Errorf("scratch mapping: injected mmap for tid %d returned errno %d", task.RecordedTid, -ret)
	}

	logflags.ReplayLogger().Debugf("scratch region [%#x, %#x) injected for tid %d", region.Start, region.End, task.RecordedTid)
	return nil
}

// verifySyscallInsn decodes the instruction at the tracee's current
// instruction pointer and confirms it is a SYSCALL before the
// sysemu-singlestep trick in tryOneTraceStep skips over it: the trick
// assumes it is stepping over exactly one two-byte 0F 05, and silently
// mis-stepping over anything else is a replay divergence worth
// catching here rather than downstream as a garbled register file.
func (s *Scheduler) verifySyscallInsn(task *Task) error {
	regs, err := s.Ptrace.GetRegs(task.LiveTid)
	if err != nil {
		return fmt.Errorf("verifying syscall insn: reading regs: %w", err)
	}
	buf := make([]byte, 16)
	if _, err := s.Ptrace.PeekData(task.LiveTid, uintptr(regs.Rip), buf); err != nil {
		return fmt.Errorf("verifying syscall insn: reading insn at %#x: %w", regs.Rip, err)
	}
	inst, err := x86asm.Decode(buf, 64)
	if err != nil {
		return DivergenceError{Detail: fmt.Sprintf("decoding instruction at %#x: %v", regs.Rip, err)}
	}
	if inst.Op != x86asm.SYSCALL {
		return DivergenceError{Detail: fmt.Sprintf("expected SYSCALL at %#x for emulated exit-syscall retirement, decoded %v", regs.Rip, inst.Op)}
	}
	return nil
}

// retire drives the task forward via try_one_trace_step, handling
// traps by notifying the debugger, re-entering the request loop and
// retrying the step with the resume request it returns, then resets
// the hardware-counter interval unless the frame was FLUSH
func (s *Scheduler) retire(task *Task, step *TraceStep, pending *ResumeRequest, dbg DebuggerLoop) error {
	for {
		trapped, err := s.tryOneTraceStep(task, step, pending)
		if err != nil {
			return err
		}
		if !trapped {
			break
		}
		liveRegs, err := s.Ptrace.GetRegs(task.LiveTid)
		if err != nil {
			return fmt.Errorf("reading regs after trap: %w", err)
		}
		if !s.BPs.IsBreakpoint(liveRegs.Rip) && !pending.TargetsTask(task.RecordedTid) {
			return DivergenceError{Detail: "trap with no registered breakpoint and no matching step request"}
		}
		if dbg == nil {
			break
		}
		if err := dbg.NotifyStop(task.RecordedTid, 5); err != nil {
			return err
		}
		pending, err = dbg.ServiceRequests(s.Registry, s.BPs)
		if err != nil {
			return err
		}
	}

	if task.Current.StopReason != StopFlush {
		if task.Counters == nil && s.NewCounters != nil {
			task.Counters = s.NewCounters(task.LiveTid)
		}
		if task.Counters != nil {
			if err := task.Counters.Reset(s.TicksPeriod, s.Quirks); err != nil {
				return fmt.Errorf("resetting performance counters for tid %d: %w", task.RecordedTid, err)
			}
		}
	}
	return nil
}

// tryOneTraceStep advances task by exactly one TraceStep action. It
// returns true if the boundary-advance loop trapped (SIGTRAP) rather
// than reaching the intended boundary cleanly.
func (s *Scheduler) tryOneTraceStep(task *Task, step *TraceStep, pending *ResumeRequest) (trapped bool, err error) {
	switch step.Action {
	case Retire:
		return false, nil

	case EnterSyscall:
		singlestep := pending.TargetsTask(task.RecordedTid)
		trapped, err = s.advanceToBoundary(task, step.Emulated, singlestep)
		if err != nil {
			return false, err
		}
		if trapped {
			return true, nil
		}
		if err := s.validateRegs(task); err != nil {
			return false, err
		}
		return false, nil

	case ExitSyscall:
		if !step.Emulated {
			singlestep := pending.TargetsTask(task.RecordedTid)
			trapped, err = s.advanceToBoundary(task, false, singlestep)
			if err != nil {
				return false, err
			}
			if trapped {
				return true, nil
			}
		}
		blobs, err := s.Trace.NextMemBlobs(task, step.MemBlobCount)
		if err != nil {
			return false, fmt.Errorf("fetching memory blobs: %w", err)
		}
		for _, blob := range blobs {
			if _, err := s.Ptrace.PokeData(task.LiveTid, uintptr(blob.Addr), blob.Data); err != nil {
				return false, fmt.Errorf("applying memory side effect at %#x: %w", blob.Addr, err)
			}
		}
		if step.EmulatedReturn {
			regs, err := s.Ptrace.GetRegs(task.LiveTid)
			if err != nil {
				return false, err
			}
			regs.Rax = uint64(step.ReturnValue)
			if err := s.Ptrace.SetRegs(task.LiveTid, regs); err != nil {
				return false, err
			}
		}
		if err := s.validateRegs(task); err != nil {
			return false, err
		}
		if step.Emulated {
			if err := s.verifySyscallInsn(task); err != nil {
				return false, err
			}
			pre, err := s.Ptrace.GetRegs(task.LiveTid)
			if err != nil {
				return false, err
			}
			if err := s.Ptrace.SysemuSingleStep(task.LiveTid, 0); err != nil {
				return false, err
			}
			if _, err := s.Ptrace.Wait(task.LiveTid); err != nil {
				return false, err
			}
			if err := s.Ptrace.SetRegs(task.LiveTid, pre); err != nil {
				return false, err
			}
		}
		return false, nil
	}
	return false, ProtocolError{Detail: fmt.Sprintf("unknown trace step action %v", step.Action)}
}

// advanceToBoundary issues the appropriate ptrace continue variant and
// classifies the pending signal's boundary-advance
// inner loop.
func (s *Scheduler) advanceToBoundary(task *Task, emulated bool, singlestep bool) (trapped bool, err error) {
	for {
		if emulated {
			if singlestep {
				err = s.Ptrace.SysemuSingleStep(task.LiveTid, task.PendingSignal)
			} else {
				err = s.Ptrace.ContinueSysemu(task.LiveTid, task.PendingSignal)
			}
		} else {
			if singlestep {
				err = s.Ptrace.SingleStep(task.LiveTid, task.PendingSignal)
			} else {
				err = s.Ptrace.ContinueSyscall(task.LiveTid, task.PendingSignal)
			}
		}
		task.PendingSignal = 0
		if err != nil {
			return false, fmt.Errorf("ptrace continue: %w", err)
		}

		status, err := s.Ptrace.Wait(task.LiveTid)
		if err != nil {
			return false, fmt.Errorf("waitpid: %w", err)
		}

		if !status.Stopped() {
			s.Registry.Remove(task.RecordedTid)
			task.exited = true
			return false, nil
		}

		sig := status.StopSignal()
		switch {
		case sig == unix.SIGCHLD:
			// The only host-generated signal expected during replay;
			// suppress and retry.
			continue
		case sig == unix.SIGTRAP:
			return true, nil
		case sig == 0:
			return false, nil
		default:
			s.emergencyDebugAttach(task)
			return false, DivergenceError{Detail: fmt.Sprintf("unrecorded signal %d observed during boundary advance", sig)}
		}
	}
}

func (s *Scheduler) validateRegs(task *Task) error {
	if !s.validate {
		return nil
	}
	live, err := s.Ptrace.GetRegs(task.LiveTid)
	if err != nil {
		return err
	}
	if !live.Equal(&task.Current.Regs) {
		s.emergencyDebugAttach(task)
		return DivergenceError{Detail: fmt.Sprintf("live register file for tid %d diverges from recorded at global time %d", task.RecordedTid, s.globalTime)}
	}
	return nil
}

// SetEmergencyAttach installs the hook invoked when a replay
// divergence or unrecorded signal is observed interactively.
// Autopilot mode (no hook installed) treats the same condition as
// fatal instead.
func (s *Scheduler) SetEmergencyAttach(fn func(task *Task) error) {
	s.emergencyAttach = fn
}

func (s *Scheduler) emergencyDebugAttach(task *Task) {
	if s.Autopilot || s.emergencyAttach == nil {
		return
	}
	if err := s.emergencyAttach(task); err != nil {
		logflags.ReplayLogger().Errorf("emergency debug attach failed: %v", err)
	}
}
