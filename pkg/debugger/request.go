// Package debugger implements a dispatch loop: it reads requests from
// a remote-debugger transport, answers inspection requests inline
// against the replay scheduler's state, and hands resume-family
// requests back to the scheduler. The dispatch switch mirrors
// replayer.c's process_debugger_requests(); the transport idiom (TCP
// listener, bufio reader, blocking accept-then-serve loop) mirrors a
// DAP server's accept loop.
package debugger

import "github.com/rr-go/rrcore/pkg/replay"

// RequestKind is the tagged union discriminator for every request kind
// the dispatch loop understands. The dispatch loop is a total match
// over this set; an unrecognized kind is a protocol error.
type RequestKind int

const (
	ReqGetCurrentThread RequestKind = iota
	ReqGetThreadList
	ReqGetIsThreadAlive
	ReqGetReg
	ReqGetRegs
	ReqGetMem
	ReqGetStopReason
	ReqInterrupt
	ReqSetSWBreak
	ReqRemoveSWBreak
	ReqSetHWBreak
	ReqRemoveHWBreak
	ReqSetWatch
	ReqRemoveWatch
	ReqGetOffsets
	ReqReadSiginfo
	ReqWriteSiginfo
	ReqContinue
	ReqStep
	ReqRestart
	ReqDivert
)

// Request is one client request off the transport, a closed tagged
// union: only the fields relevant to Kind are populated.
type Request struct {
	Kind RequestKind

	Tid      int
	RegName  string
	Addr     uint64
	Len      int
	Data     []byte
	StepKind replay.RequestKind
}

// IsResumeFamily reports whether this request is continue or step,
// the resume-family kinds that stop the dispatch loop and return to
// the scheduler. RESTART also ends the loop but is not counted here.
func (r *Request) IsResumeFamily() bool {
	return r.Kind == ReqContinue || r.Kind == ReqStep
}

// ReplyStatus is the small status enum every reply carries.
type ReplyStatus int

const (
	StatusOK ReplyStatus = iota
	StatusFailed
	StatusStopped
)

// Reply is the dispatch loop's answer to one inline request.
type Reply struct {
	Status ReplyStatus

	Tid         int
	Signal      int
	Threads     []int
	Alive       bool
	Regs        []replay.NamedRegister
	Mem         []byte
	TextOffset  uint64
	DataOffset  uint64
	BssOffset   uint64
	StopTid     int
	StopSignal  int
}

// StopNotification is the unsolicited "target stopped" message the
// dispatch loop sends on a trap. WatchAddr is only populated for a
// diversion's BREAK_WATCHPOINT notification.
type StopNotification struct {
	Tid       int
	Signal    int
	WatchAddr uint64
}

// ExitNotification reports the diversion session exited, carrying the
// DIVERSION_EXITED status.
type ExitNotification struct {
	ExitCode int
}

// ProtocolError names an unrecognized request kind, a fatal condition.
type ProtocolError struct {
	Kind RequestKind
}

func (e ProtocolError) Error() string {
	return "debugger: unknown request kind"
}
