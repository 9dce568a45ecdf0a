package debugger

import (
	"fmt"

	"github.com/rr-go/rrcore/internal/logflags"
	"github.com/rr-go/rrcore/pkg/breakpoint"
	"github.com/rr-go/rrcore/pkg/replay"
)

// Dispatcher implements replay.DebuggerLoop: it drains inline
// requests off a Transport until a resume-family request arrives,
// answering inspection requests against the scheduler's live state in
// between. Grounded on replayer.c's process_debugger_requests().
type Dispatcher struct {
	Transport Transport
	Ptrace    replay.Ptracer

	// Divert, when set, runs a full diversion session against the
	// given recorded tid. A DIVERT request is answered inline: the
	// dispatch loop does not return to the scheduler until Divert
	// itself returns.
	Divert func(tid int) error

	lastSignal map[int]int
	lastStop   int
}

// NewDispatcher constructs a Dispatcher over an already-accepted
// Transport and the scheduler's ptrace boundary.
func NewDispatcher(t Transport, pt replay.Ptracer) *Dispatcher {
	return &Dispatcher{Transport: t, Ptrace: pt, lastSignal: make(map[int]int)}
}

// taskMemory adapts a live tid's ptrace peek/poke into breakpoint.Memory.
type taskMemory struct {
	pt  replay.Ptracer
	tid int
}

func (m taskMemory) ReadByte(addr uint64) (byte, error) {
	buf := make([]byte, 1)
	if _, err := m.pt.PeekData(m.tid, uintptr(addr), buf); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (m taskMemory) WriteByte(addr uint64, b byte) error {
	_, err := m.pt.PokeData(m.tid, uintptr(addr), []byte{b})
	return err
}

// ServiceRequests implements replay.DebuggerLoop. It loops reading
// requests from the transport; resume-family requests stop the loop
// and are translated into a *replay.ResumeRequest for the scheduler.
// Every other kind is answered inline via AnswerInline.
func (d *Dispatcher) ServiceRequests(reg *replay.Registry, bps *breakpoint.Table) (*replay.ResumeRequest, error) {
	for {
		req, err := d.Transport.ReadRequest()
		if err != nil {
			return nil, err
		}

		switch req.Kind {
		case ReqContinue:
			return &replay.ResumeRequest{Kind: replay.ReqContinue, TargetTid: req.Tid}, nil
		case ReqStep:
			return &replay.ResumeRequest{Kind: replay.ReqStep, TargetTid: req.Tid}, nil
		case ReqRestart:
			// RESTART terminates the current replay run above this
			// core; the scheduler sees it as a continue of every task
			// so it can unwind cleanly.
			return &replay.ResumeRequest{Kind: replay.ReqContinue, TargetTid: -1}, nil

		case ReqDivert:
			status := StatusOK
			if d.Divert == nil {
				status = StatusFailed
			} else if err := d.Divert(req.Tid); err != nil {
				logflags.DebuggerLogger().Warnf("DIVERT tid %d failed: %v", req.Tid, err)
				status = StatusFailed
			}
			if err := d.Transport.WriteReply(&Reply{Status: status}); err != nil {
				return nil, err
			}
			continue
		}

		reply, err := d.AnswerInline(reg, bps, req)
		if err != nil {
			return nil, err
		}
		if err := d.Transport.WriteReply(reply); err != nil {
			return nil, err
		}
	}
}

// AnswerInline answers a single non-resume request against the
// scheduler's live state. Exported so the diversion controller can
// layer its own refcount-gated requests on top of the same
// inline-answer surface.
func (d *Dispatcher) AnswerInline(reg *replay.Registry, bps *breakpoint.Table, req *Request) (*Reply, error) {
	switch req.Kind {
	case ReqGetCurrentThread:
		return &Reply{Status: StatusOK, Tid: d.currentThread(reg)}, nil

	case ReqGetThreadList:
		return &Reply{Status: StatusOK, Threads: reg.ThreadList()}, nil

	case ReqGetIsThreadAlive:
		return &Reply{Status: StatusOK, Alive: reg.IsThreadAlive(req.Tid)}, nil

	case ReqGetReg:
		task, ok := reg.Get(req.Tid)
		if !ok {
			return &Reply{Status: StatusFailed}, nil
		}
		regs, err := d.Ptrace.GetRegs(task.LiveTid)
		if err != nil {
			return nil, fmt.Errorf("debugger: GET_REG: %w", err)
		}
		return &Reply{Status: StatusOK, Regs: []replay.NamedRegister{regs.Get(req.RegName)}}, nil

	case ReqGetRegs:
		task, ok := reg.Get(req.Tid)
		if !ok {
			return &Reply{Status: StatusFailed}, nil
		}
		regs, err := d.Ptrace.GetRegs(task.LiveTid)
		if err != nil {
			return nil, fmt.Errorf("debugger: GET_REGS: %w", err)
		}
		return &Reply{Status: StatusOK, Regs: regs.Slice()}, nil

	case ReqGetMem:
		task, ok := reg.Get(req.Tid)
		if !ok {
			return &Reply{Status: StatusFailed}, nil
		}
		buf := make([]byte, req.Len)
		if _, err := d.Ptrace.PeekData(task.LiveTid, uintptr(req.Addr), buf); err != nil {
			return nil, fmt.Errorf("debugger: GET_MEM: %w", err)
		}
		return &Reply{Status: StatusOK, Mem: buf}, nil

	case ReqGetStopReason:
		sig, ok := d.lastSignal[req.Tid]
		if !ok {
			sig = -1
		}
		return &Reply{Status: StatusOK, StopTid: req.Tid, StopSignal: sig}, nil

	case ReqInterrupt:
		return &Reply{Status: StatusStopped, Signal: 0}, nil

	case ReqSetSWBreak:
		task, ok := reg.Get(req.Tid)
		if !ok {
			return &Reply{Status: StatusFailed}, nil
		}
		if err := bps.Set(taskMemory{pt: d.Ptrace, tid: task.LiveTid}, req.Addr); err != nil {
			logflags.DebuggerLogger().Warnf("SET_SW_BREAK at %#x failed: %v", req.Addr, err)
			return &Reply{Status: StatusFailed}, nil
		}
		return &Reply{Status: StatusOK}, nil

	case ReqRemoveSWBreak:
		task, ok := reg.Get(req.Tid)
		if !ok {
			return &Reply{Status: StatusFailed}, nil
		}
		if err := bps.Remove(taskMemory{pt: d.Ptrace, tid: task.LiveTid}, req.Addr); err != nil {
			return nil, fmt.Errorf("debugger: REMOVE_SW_BREAK: %w", err)
		}
		return &Reply{Status: StatusOK}, nil

	case ReqSetHWBreak, ReqRemoveHWBreak, ReqSetWatch, ReqRemoveWatch:
		// Unsupported in the core
		return &Reply{Status: StatusFailed}, nil

	case ReqGetOffsets:
		return &Reply{Status: StatusOK}, nil

	case ReqReadSiginfo, ReqWriteSiginfo:
		// Only meaningful inside a diversion session; a dispatcher
		// servicing the live replay (not a diversion) has no siginfo to
		// answer with.
		return &Reply{Status: StatusFailed}, nil

	default:
		return nil, ProtocolError{Kind: req.Kind}
	}
}

func (d *Dispatcher) currentThread(reg *replay.Registry) int {
	if d.lastStop != 0 && reg.IsThreadAlive(d.lastStop) {
		return d.lastStop
	}
	threads := reg.ThreadList()
	if len(threads) == 0 {
		return 0
	}
	return threads[0]
}

// NotifyStop implements replay.DebuggerLoop. It records the stop for
// the next GET_STOP_REASON and sends the client an unsolicited
// notification.
func (d *Dispatcher) NotifyStop(recordedTid int, signal int) error {
	d.lastStop = recordedTid
	d.lastSignal[recordedTid] = signal
	return d.Transport.WriteNotification(&StopNotification{Tid: recordedTid, Signal: signal})
}

// NotifyWatchStop is NotifyStop's diversion-only counterpart: it
// additionally carries the watchpoint address a BREAK_WATCHPOINT stop
// reports.
func (d *Dispatcher) NotifyWatchStop(recordedTid int, signal int, watchAddr uint64) error {
	d.lastStop = recordedTid
	d.lastSignal[recordedTid] = signal
	return d.Transport.WriteNotification(&StopNotification{Tid: recordedTid, Signal: signal, WatchAddr: watchAddr})
}

// NotifyExit reports that the diversion session exited, as a
// DIVERSION_EXITED notification.
func (d *Dispatcher) NotifyExit(exitCode int) error {
	return d.Transport.WriteExit(&ExitNotification{ExitCode: exitCode})
}
