package replay

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// Ptracer is the set of ptrace operations the scheduler needs: the
// four continue variants, register access, and memory peek/poke. It
// is an interface so tests can supply a fake kernel boundary instead
// of requiring a real tracee.
type Ptracer interface {
	ContinueSyscall(tid int, sig int) error
	ContinueSysemu(tid int, sig int) error
	SingleStep(tid int, sig int) error
	SysemuSingleStep(tid int, sig int) error
	GetRegs(tid int) (*GPRegs, error)
	SetRegs(tid int, regs *GPRegs) error
	PeekData(tid int, addr uintptr, data []byte) (int, error)
	PokeData(tid int, addr uintptr, data []byte) (int, error)
	Wait(tid int) (status unix.WaitStatus, err error)
	Kill(pid int) error
}

// nativePtracer serializes every ptrace(2) call onto one locked OS
// thread, the execPtraceFunc idiom native ptrace wrappers use: ptrace
// requires all calls after the initial attach to come from the same
// thread.
type nativePtracer struct {
	fn   chan func()
	done chan struct{}
}

// NewNativePtracer starts the dedicated ptrace goroutine and returns a
// Ptracer bound to it.
func NewNativePtracer() Ptracer {
	p := &nativePtracer{fn: make(chan func()), done: make(chan struct{})}
	go p.loop()
	return p
}

func (p *nativePtracer) loop() {
	runtime.LockOSThread()
	for fn := range p.fn {
		fn()
		p.done <- struct{}{}
	}
}

func (p *nativePtracer) exec(fn func()) {
	p.fn <- fn
	<-p.done
}

// ptraceSysemuReq and ptraceSysemuSinglestepReq are PTRACE_SYSEMU (31)
// and PTRACE_SYSEMU_SINGLESTEP (32). golang.org/x/sys/unix does not
// wrap either request, so they are issued with a raw Syscall6 the same
// way any ptrace request missing from the package has to be.
const (
	ptraceSysemuReq           = 31
	ptraceSysemuSinglestepReq = 32
)

func rawPtrace(request uintptr, tid int, addr uintptr, data uintptr) error {
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, request, uintptr(tid), addr, data, 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func (p *nativePtracer) ContinueSyscall(tid int, sig int) (err error) {
	p.exec(func() { err = unix.PtraceSyscall(tid, sig) })
	return
}

func (p *nativePtracer) ContinueSysemu(tid int, sig int) (err error) {
	p.exec(func() { err = rawPtrace(ptraceSysemuReq, tid, 0, uintptr(sig)) })
	return
}

func (p *nativePtracer) SingleStep(tid int, sig int) (err error) {
	p.exec(func() { err = rawPtrace(unix.PTRACE_SINGLESTEP, tid, 0, uintptr(sig)) })
	return
}

func (p *nativePtracer) SysemuSingleStep(tid int, sig int) (err error) {
	p.exec(func() { err = rawPtrace(ptraceSysemuSinglestepReq, tid, 0, uintptr(sig)) })
	return
}

func (p *nativePtracer) GetRegs(tid int) (*GPRegs, error) {
	var regs unix.PtraceRegs
	var err error
	p.exec(func() { err = unix.PtraceGetRegs(tid, &regs) })
	if err != nil {
		return nil, fmt.Errorf("ptrace getregs: %w", err)
	}
	return ptraceRegsToGPRegs(&regs), nil
}

func (p *nativePtracer) SetRegs(tid int, regs *GPRegs) error {
	var ur unix.PtraceRegs
	gpRegsToPtraceRegs(regs, &ur)
	var err error
	p.exec(func() { err = unix.PtraceSetRegs(tid, &ur) })
	if err != nil {
		return fmt.Errorf("ptrace setregs: %w", err)
	}
	return nil
}

func (p *nativePtracer) PeekData(tid int, addr uintptr, data []byte) (n int, err error) {
	p.exec(func() { n, err = unix.PtracePeekData(tid, addr, data) })
	return
}

func (p *nativePtracer) PokeData(tid int, addr uintptr, data []byte) (n int, err error) {
	p.exec(func() { n, err = unix.PtracePokeData(tid, addr, data) })
	return
}

func (p *nativePtracer) Wait(tid int) (status unix.WaitStatus, err error) {
	p.exec(func() { _, err = unix.Wait4(tid, &status, 0, nil) })
	return
}

func (p *nativePtracer) Kill(pid int) error {
	return unix.Kill(pid, unix.SIGKILL)
}

func ptraceRegsToGPRegs(r *unix.PtraceRegs) *GPRegs {
	return &GPRegs{
		R15: r.R15, R14: r.R14, R13: r.R13, R12: r.R12,
		Rbp: r.Rbp, Rbx: r.Rbx, R11: r.R11, R10: r.R10,
		R9: r.R9, R8: r.R8, Rax: r.Rax, Rcx: r.Rcx,
		Rdx: r.Rdx, Rsi: r.Rsi, Rdi: r.Rdi, OrigRax: r.Orig_rax,
		Rip: r.Rip, Cs: r.Cs, Eflags: r.Eflags, Rsp: r.Rsp,
		Ss: r.Ss, FsBase: r.Fs_base, GsBase: r.Gs_base,
		Ds: r.Ds, Es: r.Es, Fs: r.Fs, Gs: r.Gs,
	}
}

func gpRegsToPtraceRegs(g *GPRegs, r *unix.PtraceRegs) {
	r.R15, r.R14, r.R13, r.R12 = g.R15, g.R14, g.R13, g.R12
	r.Rbp, r.Rbx, r.R11, r.R10 = g.Rbp, g.Rbx, g.R11, g.R10
	r.R9, r.R8, r.Rax, r.Rcx = g.R9, g.R8, g.Rax, g.Rcx
	r.Rdx, r.Rsi, r.Rdi, r.Orig_rax = g.Rdx, g.Rsi, g.Rdi, g.OrigRax
	r.Rip, r.Cs, r.Eflags, r.Rsp = g.Rip, g.Cs, g.Eflags, g.Rsp
	r.Ss, r.Fs_base, r.Gs_base = g.Ss, g.FsBase, g.GsBase
	r.Ds, r.Es, r.Fs, r.Gs = g.Ds, g.Es, g.Fs, g.Gs
}
