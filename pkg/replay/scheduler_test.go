package replay

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/rr-go/rrcore/pkg/breakpoint"
)

func stoppedStatus(sig int) unix.WaitStatus {
	return unix.WaitStatus(uint32(sig)<<8 | 0x7f)
}

func exitedStatus() unix.WaitStatus {
	return unix.WaitStatus(0)
}

// fakePtracer is an in-memory stand-in for the kernel ptrace boundary.
type fakePtracer struct {
	waits   []unix.WaitStatus
	regs    GPRegs
	setRegs []GPRegs
	mem     map[uint64]byte
}

func (f *fakePtracer) next() unix.WaitStatus {
	if len(f.waits) == 0 {
		return exitedStatus()
	}
	w := f.waits[0]
	f.waits = f.waits[1:]
	return w
}

func (f *fakePtracer) ContinueSyscall(tid int, sig int) error       { return nil }
func (f *fakePtracer) ContinueSysemu(tid int, sig int) error        { return nil }
func (f *fakePtracer) SingleStep(tid int, sig int) error            { return nil }
func (f *fakePtracer) SysemuSingleStep(tid int, sig int) error      { return nil }
func (f *fakePtracer) GetRegs(tid int) (*GPRegs, error)             { r := f.regs; return &r, nil }
func (f *fakePtracer) SetRegs(tid int, regs *GPRegs) error {
	f.setRegs = append(f.setRegs, *regs)
	f.regs = *regs
	return nil
}
func (f *fakePtracer) PeekData(tid int, addr uintptr, data []byte) (int, error) {
	for i := range data {
		data[i] = f.mem[uint64(addr)+uint64(i)]
	}
	return len(data), nil
}
func (f *fakePtracer) PokeData(tid int, addr uintptr, data []byte) (int, error) {
	if f.mem == nil {
		f.mem = make(map[uint64]byte)
	}
	for i, b := range data {
		f.mem[uint64(addr)+uint64(i)] = b
	}
	return len(data), nil
}
func (f *fakePtracer) Wait(tid int) (unix.WaitStatus, error)                    { return f.next(), nil }
func (f *fakePtracer) Kill(pid int) error                                      { return nil }

// fakeTrace is an in-memory stand-in for the external trace interpreter.
type fakeTrace struct {
	frames []*TraceFrame
	step   *TraceStep
}

func (f *fakeTrace) ReadNextTraceFrame(task *Task) (*TraceFrame, error) {
	fr := f.frames[0]
	f.frames = f.frames[1:]
	return fr, nil
}
func (f *fakeTrace) RepProcessSyscall(task *Task, redirect bool) (*TraceStep, error) { return f.step, nil }
func (f *fakeTrace) NextMemBlobs(task *Task, count int) ([]MemBlob, error)           { return nil, nil }
func (f *fakeTrace) RepProcessSignal(task *Task, validate bool) error               { return nil }
func (f *fakeTrace) RepProcessFlush(task *Task) error                                { return nil }
func (f *fakeTrace) ReadNextMmappedFileStats() (ScratchRegion, error) {
	return ScratchRegion{Start: 0x1000, End: 0x2000}, nil
}

func newTestScheduler(frames []*TraceFrame, step *TraceStep, pt *fakePtracer) (*Scheduler, *Registry, *Task) {
	reg := NewRegistry()
	task := &Task{RecordedTid: 1, LiveTid: 1}
	reg.Add(task)
	bps := &breakpoint.Table{}
	s := NewScheduler(reg, &fakeTrace{frames: frames, step: step}, pt, bps)
	return s, reg, task
}

func TestReplayOneTraceFrameExitRemovesTask(t *testing.T) {
	s, reg, task := newTestScheduler([]*TraceFrame{{StopReason: StopExit}}, nil, &fakePtracer{})
	if err := s.ReplayOneTraceFrame(task, nil); err != nil {
		t.Fatal(err)
	}
	if reg.Len() != 0 {
		t.Fatalf("expected task removed from registry, len=%d", reg.Len())
	}
	if !task.exited {
		t.Fatal("expected task.exited to be true")
	}
}

func TestReplayOneTraceFrameInitScratchMemRegistersRegion(t *testing.T) {
	s, _, task := newTestScheduler([]*TraceFrame{{StopReason: StopInitScratchMem}}, &TraceStep{Action: Retire}, &fakePtracer{})
	if err := s.ReplayOneTraceFrame(task, nil); err != nil {
		t.Fatal(err)
	}
	if task.scratch.Start != 0x1000 || task.scratch.End != 0x2000 {
		t.Fatalf("expected scratch region [0x1000,0x2000), got %+v", task.scratch)
	}
}

func TestInjectScratchMappingIssuesMmapThenRestores(t *testing.T) {
	pt := &fakePtracer{regs: GPRegs{Rip: 0x400000}}
	s, _, task := newTestScheduler(nil, nil, pt)
	region := ScratchRegion{Start: 0x7f0000000000, End: 0x7f0000001000}

	if err := s.injectScratchMapping(task, region); err != nil {
		t.Fatal(err)
	}

	if len(pt.setRegs) != 2 {
		t.Fatalf("expected exactly one mmap register write and one restore, got %d", len(pt.setRegs))
	}
	mmapRegs := pt.setRegs[0]
	if mmapRegs.Rax != unix.SYS_MMAP || mmapRegs.Rdi != region.Start || mmapRegs.Rsi != region.End-region.Start {
		t.Fatalf("expected mmap(start=%#x, len=%#x), got rax=%d rdi=%#x rsi=%#x", region.Start, region.End-region.Start, mmapRegs.Rax, mmapRegs.Rdi, mmapRegs.Rsi)
	}
	if mmapRegs.Rdx != uint64(unix.PROT_NONE) {
		t.Fatalf("expected PROT_NONE, got %#x", mmapRegs.Rdx)
	}
	restored := pt.setRegs[1]
	if restored.Rip != 0x400000 {
		t.Fatalf("expected original regs restored, got rip=%#x", restored.Rip)
	}
	if pt.mem[0x400000] != 0 {
		t.Fatalf("expected the original instruction byte restored at rip, got %#x", pt.mem[0x400000])
	}
}

func TestInjectScratchMappingZeroLengthRegionIsNoop(t *testing.T) {
	pt := &fakePtracer{}
	s, _, task := newTestScheduler(nil, nil, pt)

	if err := s.injectScratchMapping(task, ScratchRegion{Start: 0x1000, End: 0x1000}); err != nil {
		t.Fatal(err)
	}
	if len(pt.setRegs) != 0 {
		t.Fatalf("expected no register writes for a zero-length region, got %d", len(pt.setRegs))
	}
}

func TestVerifySyscallInsnAcceptsSyscallOpcode(t *testing.T) {
	pt := &fakePtracer{regs: GPRegs{Rip: 0x500000}, mem: map[uint64]byte{0x500000: 0x0f, 0x500001: 0x05}}
	s, _, task := newTestScheduler(nil, nil, pt)

	if err := s.verifySyscallInsn(task); err != nil {
		t.Fatalf("expected a SYSCALL opcode to verify cleanly, got %v", err)
	}
}

func TestVerifySyscallInsnRejectsOtherInstructions(t *testing.T) {
	pt := &fakePtracer{regs: GPRegs{Rip: 0x500000}, mem: map[uint64]byte{0x500000: 0x90}}
	s, _, task := newTestScheduler(nil, nil, pt)

	err := s.verifySyscallInsn(task)
	if _, ok := err.(DivergenceError); !ok {
		t.Fatalf("expected DivergenceError for a non-SYSCALL opcode, got %v", err)
	}
}

func TestReplayOneTraceFrameFlushRetires(t *testing.T) {
	s, _, task := newTestScheduler([]*TraceFrame{{StopReason: StopFlush}}, &TraceStep{Action: Retire}, &fakePtracer{})
	if err := s.ReplayOneTraceFrame(task, nil); err != nil {
		t.Fatal(err)
	}
}

func TestReplayOneTraceFrameSignalDelegates(t *testing.T) {
	s, _, task := newTestScheduler([]*TraceFrame{{StopReason: StopReason(-11)}}, &TraceStep{Action: Retire}, &fakePtracer{})
	if err := s.ReplayOneTraceFrame(task, nil); err != nil {
		t.Fatal(err)
	}
}

func TestReplayOneTraceFrameExecveLatchesValidate(t *testing.T) {
	s, _, task := newTestScheduler(
		[]*TraceFrame{{StopReason: StopReason(syscallExecve), State: SyscallExit}},
		&TraceStep{Action: Retire},
		&fakePtracer{},
	)
	if s.Validate() {
		t.Fatal("expected validate latch initially false")
	}
	if err := s.ReplayOneTraceFrame(task, nil); err != nil {
		t.Fatal(err)
	}
	if !s.Validate() {
		t.Fatal("expected validate latch set true after an execve-exit frame")
	}
}

func TestReplayOneTraceFrameOrdinarySyscallRetires(t *testing.T) {
	s, _, task := newTestScheduler([]*TraceFrame{{StopReason: StopReason(0), State: SyscallEntry}}, &TraceStep{Action: Retire}, &fakePtracer{})
	if err := s.ReplayOneTraceFrame(task, nil); err != nil {
		t.Fatal(err)
	}
}

func TestAdvanceToBoundarySuppressesSIGCHLDAndReturnsOnZero(t *testing.T) {
	pt := &fakePtracer{waits: []unix.WaitStatus{stoppedStatus(int(unix.SIGCHLD)), stoppedStatus(0)}}
	s, _, task := newTestScheduler(nil, nil, pt)
	trapped, err := s.advanceToBoundary(task, false, false)
	if err != nil {
		t.Fatal(err)
	}
	if trapped {
		t.Fatal("expected boundary reached, not trapped")
	}
}

func TestAdvanceToBoundaryTrapOnSIGTRAP(t *testing.T) {
	pt := &fakePtracer{waits: []unix.WaitStatus{stoppedStatus(int(unix.SIGTRAP))}}
	s, _, task := newTestScheduler(nil, nil, pt)
	trapped, err := s.advanceToBoundary(task, false, false)
	if err != nil {
		t.Fatal(err)
	}
	if !trapped {
		t.Fatal("expected trapped=true on SIGTRAP")
	}
}

func TestAdvanceToBoundaryUnrecordedSignalIsDivergenceAndAttaches(t *testing.T) {
	pt := &fakePtracer{waits: []unix.WaitStatus{stoppedStatus(int(unix.SIGSEGV))}}
	s, _, task := newTestScheduler(nil, nil, pt)
	attached := false
	s.SetEmergencyAttach(func(*Task) error { attached = true; return nil })
	_, err := s.advanceToBoundary(task, false, false)
	if _, ok := err.(DivergenceError); !ok {
		t.Fatalf("expected DivergenceError, got %v", err)
	}
	if !attached {
		t.Fatal("expected emergency attach hook to be invoked")
	}
}

func TestAdvanceToBoundaryExitRemovesTask(t *testing.T) {
	pt := &fakePtracer{waits: []unix.WaitStatus{exitedStatus()}}
	s, reg, task := newTestScheduler(nil, nil, pt)
	_, err := s.advanceToBoundary(task, false, false)
	if err != nil {
		t.Fatal(err)
	}
	if reg.Len() != 0 {
		t.Fatal("expected task removed from registry on tracee exit")
	}
}

func TestAutopilotSkipsEmergencyAttach(t *testing.T) {
	pt := &fakePtracer{waits: []unix.WaitStatus{stoppedStatus(int(unix.SIGSEGV))}}
	s, _, task := newTestScheduler(nil, nil, pt)
	s.Autopilot = true
	attached := false
	s.SetEmergencyAttach(func(*Task) error { attached = true; return nil })
	s.emergencyDebugAttach(task)
	if attached {
		t.Fatal("expected emergency attach to be skipped in autopilot mode")
	}
}
