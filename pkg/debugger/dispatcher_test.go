package debugger

import (
	"fmt"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/rr-go/rrcore/pkg/breakpoint"
	"github.com/rr-go/rrcore/pkg/replay"
)

// fakeTransport is an in-memory stand-in for the wire codec: requests
// are fed in order, replies/notifications/exits are recorded for
// inspection.
type fakeTransport struct {
	requests []*Request
	replies  []*Reply
	notifs   []*StopNotification
	exits    []*ExitNotification
}

func (f *fakeTransport) ReadRequest() (*Request, error) {
	req := f.requests[0]
	f.requests = f.requests[1:]
	return req, nil
}
func (f *fakeTransport) WriteReply(r *Reply) error {
	f.replies = append(f.replies, r)
	return nil
}
func (f *fakeTransport) WriteNotification(n *StopNotification) error {
	f.notifs = append(f.notifs, n)
	return nil
}
func (f *fakeTransport) WriteExit(n *ExitNotification) error {
	f.exits = append(f.exits, n)
	return nil
}
func (f *fakeTransport) Close() error { return nil }

// fakePtracer is a no-op ptrace boundary sufficient to exercise the
// dispatch loop's inline answers without a real tracee.
type fakePtracer struct {
	regs replay.GPRegs
	mem  map[uint64]byte
}

func (f *fakePtracer) ContinueSyscall(tid, sig int) error  { return nil }
func (f *fakePtracer) ContinueSysemu(tid, sig int) error   { return nil }
func (f *fakePtracer) SingleStep(tid, sig int) error       { return nil }
func (f *fakePtracer) SysemuSingleStep(tid, sig int) error { return nil }
func (f *fakePtracer) GetRegs(tid int) (*replay.GPRegs, error) {
	r := f.regs
	return &r, nil
}
func (f *fakePtracer) SetRegs(tid int, regs *replay.GPRegs) error { f.regs = *regs; return nil }
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
func (f *fakePtracer) Wait(tid int) (unix.WaitStatus, error) { return 0, nil }
func (f *fakePtracer) Kill(pid int) error                    { return nil }

func newTestDispatcher(requests []*Request) (*Dispatcher, *fakeTransport, *replay.Registry) {
	tr := &fakeTransport{requests: requests}
	pt := &fakePtracer{}
	d := NewDispatcher(tr, pt)
	reg := replay.NewRegistry()
	reg.Add(&replay.Task{RecordedTid: 1, LiveTid: 101})
	return d, tr, reg
}

func TestServiceRequestsAnswersInlineThenReturnsResume(t *testing.T) {
	d, tr, reg := newTestDispatcher([]*Request{
		{Kind: ReqGetCurrentThread},
		{Kind: ReqContinue, Tid: -1},
	})
	bps := &breakpoint.Table{}

	resume, err := d.ServiceRequests(reg, bps)
	if err != nil {
		t.Fatal(err)
	}
	if resume.Kind != replay.ReqContinue || resume.TargetTid != -1 {
		t.Fatalf("expected continue(-1), got %+v", resume)
	}
	if len(tr.replies) != 1 || tr.replies[0].Status != StatusOK {
		t.Fatalf("expected one OK inline reply, got %+v", tr.replies)
	}
}

func TestServiceRequestsStepReturnsResume(t *testing.T) {
	d, _, reg := newTestDispatcher([]*Request{{Kind: ReqStep, Tid: 1}})
	bps := &breakpoint.Table{}

	resume, err := d.ServiceRequests(reg, bps)
	if err != nil {
		t.Fatal(err)
	}
	if resume.Kind != replay.ReqStep || resume.TargetTid != 1 {
		t.Fatalf("expected step(1), got %+v", resume)
	}
}

func TestServiceRequestsRestartActsAsContinueAll(t *testing.T) {
	d, _, reg := newTestDispatcher([]*Request{{Kind: ReqRestart}})
	bps := &breakpoint.Table{}

	resume, err := d.ServiceRequests(reg, bps)
	if err != nil {
		t.Fatal(err)
	}
	if resume.Kind != replay.ReqContinue || resume.TargetTid != -1 {
		t.Fatalf("expected RESTART to translate to continue(-1), got %+v", resume)
	}
}

func TestServiceRequestsDivertWithNoCallbackFails(t *testing.T) {
	d, tr, reg := newTestDispatcher([]*Request{
		{Kind: ReqDivert, Tid: 1},
		{Kind: ReqContinue, Tid: -1},
	})
	bps := &breakpoint.Table{}

	resume, err := d.ServiceRequests(reg, bps)
	if err != nil {
		t.Fatal(err)
	}
	if resume.Kind != replay.ReqContinue {
		t.Fatalf("expected the loop to continue past DIVERT to the following resume request, got %+v", resume)
	}
	if len(tr.replies) != 1 || tr.replies[0].Status != StatusFailed {
		t.Fatalf("expected DIVERT with no callback to reply StatusFailed, got %+v", tr.replies)
	}
}

func TestServiceRequestsDivertInvokesCallback(t *testing.T) {
	d, tr, reg := newTestDispatcher([]*Request{
		{Kind: ReqDivert, Tid: 1},
		{Kind: ReqContinue, Tid: -1},
	})
	bps := &breakpoint.Table{}

	var gotTid int
	d.Divert = func(tid int) error {
		gotTid = tid
		return nil
	}

	if _, err := d.ServiceRequests(reg, bps); err != nil {
		t.Fatal(err)
	}
	if gotTid != 1 {
		t.Fatalf("expected Divert called with tid 1, got %d", gotTid)
	}
	if len(tr.replies) != 1 || tr.replies[0].Status != StatusOK {
		t.Fatalf("expected DIVERT to reply StatusOK, got %+v", tr.replies)
	}
}

func TestServiceRequestsDivertCallbackErrorFails(t *testing.T) {
	d, tr, reg := newTestDispatcher([]*Request{
		{Kind: ReqDivert, Tid: 1},
		{Kind: ReqContinue, Tid: -1},
	})
	bps := &breakpoint.Table{}

	d.Divert = func(tid int) error { return fmt.Errorf("diversion failed") }

	if _, err := d.ServiceRequests(reg, bps); err != nil {
		t.Fatal(err)
	}
	if len(tr.replies) != 1 || tr.replies[0].Status != StatusFailed {
		t.Fatalf("expected DIVERT callback error to reply StatusFailed, got %+v", tr.replies)
	}
}

func TestAnswerInlineGetThreadList(t *testing.T) {
	d, _, reg := newTestDispatcher(nil)
	bps := &breakpoint.Table{}

	reply, err := d.AnswerInline(reg, bps, &Request{Kind: ReqGetThreadList})
	if err != nil {
		t.Fatal(err)
	}
	if len(reply.Threads) != 1 || reply.Threads[0] != 1 {
		t.Fatalf("expected thread list [1], got %v", reply.Threads)
	}
}

func TestAnswerInlineGetIsThreadAlive(t *testing.T) {
	d, _, reg := newTestDispatcher(nil)
	bps := &breakpoint.Table{}

	alive, err := d.AnswerInline(reg, bps, &Request{Kind: ReqGetIsThreadAlive, Tid: 1})
	if err != nil {
		t.Fatal(err)
	}
	if !alive.Alive {
		t.Fatal("expected tid 1 alive")
	}
	dead, err := d.AnswerInline(reg, bps, &Request{Kind: ReqGetIsThreadAlive, Tid: 99})
	if err != nil {
		t.Fatal(err)
	}
	if dead.Alive {
		t.Fatal("expected tid 99 not alive")
	}
}

func TestAnswerInlineGetMemUnknownTidFails(t *testing.T) {
	d, _, reg := newTestDispatcher(nil)
	bps := &breakpoint.Table{}

	reply, err := d.AnswerInline(reg, bps, &Request{Kind: ReqGetMem, Tid: 99, Len: 4})
	if err != nil {
		t.Fatal(err)
	}
	if reply.Status != StatusFailed {
		t.Fatalf("expected StatusFailed for unknown tid, got %v", reply.Status)
	}
}

func TestAnswerInlineSetAndRemoveSWBreak(t *testing.T) {
	d, _, reg := newTestDispatcher(nil)
	bps := &breakpoint.Table{}

	set, err := d.AnswerInline(reg, bps, &Request{Kind: ReqSetSWBreak, Tid: 1, Addr: 0x4000})
	if err != nil {
		t.Fatal(err)
	}
	if set.Status != StatusOK {
		t.Fatalf("expected SET_SW_BREAK to succeed, got %v", set.Status)
	}
	if !bps.IsBreakpoint(0x4001) {
		t.Fatal("expected a trap at 0x4001 (addr+1) to map back to the breakpoint at 0x4000")
	}

	remove, err := d.AnswerInline(reg, bps, &Request{Kind: ReqRemoveSWBreak, Tid: 1, Addr: 0x4000})
	if err != nil {
		t.Fatal(err)
	}
	if remove.Status != StatusOK {
		t.Fatalf("expected REMOVE_SW_BREAK to succeed, got %v", remove.Status)
	}
	if bps.IsBreakpoint(0x4001) {
		t.Fatal("expected 0x4000 no longer a breakpoint")
	}
}

func TestAnswerInlineUnsupportedHWBreakFails(t *testing.T) {
	d, _, reg := newTestDispatcher(nil)
	bps := &breakpoint.Table{}

	for _, kind := range []RequestKind{ReqSetHWBreak, ReqRemoveHWBreak, ReqSetWatch, ReqRemoveWatch} {
		reply, err := d.AnswerInline(reg, bps, &Request{Kind: kind})
		if err != nil {
			t.Fatal(err)
		}
		if reply.Status != StatusFailed {
			t.Fatalf("expected kind %v to fail, got %v", kind, reply.Status)
		}
	}
}

func TestAnswerInlineUnknownKindIsProtocolError(t *testing.T) {
	d, _, reg := newTestDispatcher(nil)
	bps := &breakpoint.Table{}

	_, err := d.AnswerInline(reg, bps, &Request{Kind: RequestKind(999)})
	if _, ok := err.(ProtocolError); !ok {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
}

func TestNotifyStopRecordsStateAndSendsNotification(t *testing.T) {
	d, tr, _ := newTestDispatcher(nil)
	if err := d.NotifyStop(1, 5); err != nil {
		t.Fatal(err)
	}
	if len(tr.notifs) != 1 || tr.notifs[0].Tid != 1 || tr.notifs[0].Signal != 5 {
		t.Fatalf("expected one stop notification for tid 1 sig 5, got %+v", tr.notifs)
	}
	if d.lastStop != 1 || d.lastSignal[1] != 5 {
		t.Fatal("expected lastStop/lastSignal updated")
	}
}

func TestNotifyWatchStopCarriesWatchAddr(t *testing.T) {
	d, tr, _ := newTestDispatcher(nil)
	if err := d.NotifyWatchStop(1, 5, 0x8000); err != nil {
		t.Fatal(err)
	}
	if len(tr.notifs) != 1 || tr.notifs[0].WatchAddr != 0x8000 {
		t.Fatalf("expected watch notification carrying addr 0x8000, got %+v", tr.notifs)
	}
}

func TestNotifyExitWritesExitNotification(t *testing.T) {
	d, tr, _ := newTestDispatcher(nil)
	if err := d.NotifyExit(7); err != nil {
		t.Fatal(err)
	}
	if len(tr.exits) != 1 || tr.exits[0].ExitCode != 7 {
		t.Fatalf("expected exit notification with code 7, got %+v", tr.exits)
	}
}

func TestCurrentThreadPrefersLastStopThenFallsBackToFirst(t *testing.T) {
	d, _, reg := newTestDispatcher(nil)
	reg.Add(&replay.Task{RecordedTid: 2, LiveTid: 102})

	if got := d.currentThread(reg); got != 1 {
		t.Fatalf("expected fallback to first thread 1, got %d", got)
	}
	d.lastStop = 2
	if got := d.currentThread(reg); got != 2 {
		t.Fatalf("expected lastStop thread 2, got %d", got)
	}
	reg.Remove(2)
	if got := d.currentThread(reg); got != 1 {
		t.Fatalf("expected fallback to 1 once lastStop thread dies, got %d", got)
	}
}
