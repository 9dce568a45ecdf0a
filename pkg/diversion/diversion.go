// Package diversion implements scratch replay sessions: a cloned
// session used to evaluate hypothetical debugger commands without
// contaminating the real replay. Grounded directly on diverter.cc's
// refcount state machine and divert() loop.
package diversion

import (
	"fmt"

	"github.com/rr-go/rrcore/pkg/breakpoint"
	"github.com/rr-go/rrcore/pkg/debugger"
	"github.com/rr-go/rrcore/pkg/replay"
)

// RunCommand selects how diversion_step advances the target task.
type RunCommand int

const (
	RunContinue RunCommand = iota
	RunSingleStep
)

// BreakReason classifies why a diversion step stopped.
type BreakReason int

const (
	BreakNone BreakReason = iota
	BreakSignal
	BreakWatchpoint
	BreakOther
)

// StepStatus is the outcome of one diversion_step call.
type StepStatus int

const (
	DiversionContinue StepStatus = iota
	DiversionExited
)

// StepResult is what Session.Step reports back to the controller.
type StepResult struct {
	Status    StepStatus
	Reason    BreakReason
	Signal    int
	WatchAddr uint64
	Task      *replay.Task
}

// Session is a cloned scratch replay the controller steps through
// hypothetical commands. Implemented by the replay session type as an
// external collaborator; this package calls it but does not implement
// it.
type Session interface {
	FindTask(tid int) (*replay.Task, bool)
	Step(task *replay.Task, cmd RunCommand) (StepResult, error)
	KillAllTasks() error
}

// ReplaySource clones a live replay into a diversion session.
type ReplaySource interface {
	CloneDiversion() (Session, error)
}

// AlreadyActiveError is returned by Divert when a diversion is
// already in progress; this is expected to never happen.
type AlreadyActiveError struct{}

func (AlreadyActiveError) Error() string { return "diversion: a diversion is already active" }

// Controller runs at most one diversion session at a time.
type Controller struct {
	Dispatch *debugger.Dispatcher

	session  Session
	refcount int
}

// NewController constructs a Controller layered over an existing
// debugger dispatcher's transport and inline-answer surface.
func NewController(dispatch *debugger.Dispatcher) *Controller {
	return &Controller{Dispatch: dispatch}
}

// Active reports whether a diversion session is currently running.
func (c *Controller) Active() bool { return c.session != nil }

// Divert runs the diversion lifecycle to completion: clone, loop
// servicing requests and stepping the target, then teardown. It
// returns when the diversion ends: because refcount dropped to zero and
// a break/watch/resume request asked to return to the parent replay,
// because a RESTART request arrived (at any refcount), or because the
// diverted task exited.
func (c *Controller) Divert(src ReplaySource, reg *replay.Registry, bps *breakpoint.Table, targetTid int) error {
	if c.session != nil || c.refcount != 0 {
		return AlreadyActiveError{}
	}

	session, err := src.CloneDiversion()
	if err != nil {
		return fmt.Errorf("diversion: clone: %w", err)
	}
	c.session = session
	c.refcount = 1
	defer c.teardown()

	task, ok := session.FindTask(targetTid)
	if !ok {
		return fmt.Errorf("diversion: target tid %d not found in cloned session", targetTid)
	}

	for {
		nextTask, resume, returnToParent, err := c.nextAction(reg, bps, task)
		if err != nil {
			return err
		}
		if returnToParent {
			return nil
		}
		task = nextTask

		cmd := RunContinue
		if resume.Kind == replay.ReqStep && (resume.TargetTid == -1 || resume.TargetTid == task.RecordedTid) {
			cmd = RunSingleStep
		}

		result, err := session.Step(task, cmd)
		if err != nil {
			return fmt.Errorf("diversion: step: %w", err)
		}

		if result.Status == DiversionExited {
			c.refcount = 0
			if err := c.Dispatch.NotifyExit(0); err != nil {
				return err
			}
			return nil
		}

		if result.Reason == BreakNone {
			continue
		}

		sig := 5 // SIGTRAP
		var watch uint64
		switch result.Reason {
		case BreakSignal:
			sig = result.Signal
		case BreakWatchpoint:
			watch = result.WatchAddr
		}
		stopTid := targetTid
		if result.Task != nil {
			stopTid = result.Task.RecordedTid
		}
		if err := c.Dispatch.NotifyWatchStop(stopTid, sig, watch); err != nil {
			return err
		}
	}
}

// nextAction reuses the parent scheduler's registry for every inline
// answer (GET_REG, GET_MEM, ...): a cloned diversion task shares the
// traced address space and register file with its parent at fork
// time, so inline requests see identical state whether answered
// against the parent registry or a second one this package would
// otherwise have to maintain.
//
// nextAction is process_debugger_requests: it drains inline requests,
// applying the diversion-specific READ_SIGINFO/WRITE_SIGINFO and
// refcount-gating rules, until a resume-family request arrives or a
// request asks to return to the parent replay.
func (c *Controller) nextAction(reg *replay.Registry, bps *breakpoint.Table, task *replay.Task) (nextTask *replay.Task, resume *replay.ResumeRequest, returnToParent bool, err error) {
	for {
		req, err := c.Dispatch.Transport.ReadRequest()
		if err != nil {
			return nil, nil, false, err
		}

		if req.IsResumeFamily() {
			if c.refcount == 0 {
				return nil, nil, true, nil
			}
			kind := replay.ReqContinue
			if req.Kind == debugger.ReqStep {
				kind = replay.ReqStep
			}
			return task, &replay.ResumeRequest{Kind: kind, TargetTid: req.Tid}, false, nil
		}

		switch req.Kind {
		case debugger.ReqRestart:
			return nil, nil, true, nil

		case debugger.ReqReadSiginfo:
			c.refcount++
			zero := make([]byte, req.Len)
			if err := c.Dispatch.Transport.WriteReply(&debugger.Reply{Status: debugger.StatusOK, Mem: zero}); err != nil {
				return nil, nil, false, err
			}
			continue

		case debugger.ReqWriteSiginfo:
			if c.refcount > 0 {
				c.refcount--
			}
			if err := c.Dispatch.Transport.WriteReply(&debugger.Reply{Status: debugger.StatusOK}); err != nil {
				return nil, nil, false, err
			}
			continue

		case debugger.ReqSetSWBreak, debugger.ReqRemoveSWBreak,
			debugger.ReqSetHWBreak, debugger.ReqRemoveHWBreak,
			debugger.ReqSetWatch, debugger.ReqRemoveWatch:
			// Setting/removing breakpoints in a dying diversion is
			// assumed to target the parent replay session instead.
			if c.refcount == 0 {
				return nil, nil, true, nil
			}
		}

		if req.Tid != 0 && req.Tid != task.RecordedTid {
			if t, ok := reg.Get(req.Tid); ok {
				task = t
			}
		}

		reply, err := c.Dispatch.AnswerInline(reg, bps, req)
		if err != nil {
			return nil, nil, false, err
		}
		if err := c.Dispatch.Transport.WriteReply(reply); err != nil {
			return nil, nil, false, err
		}
	}
}

func (c *Controller) teardown() {
	if c.session != nil {
		c.session.KillAllTasks()
	}
	c.session = nil
	c.refcount = 0
}
