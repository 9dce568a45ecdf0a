package replay

import "github.com/rr-go/rrcore/pkg/perfcounters"

// RequestKind distinguishes the two resume-family debugger requests
// the scheduler must know about: every other request kind is serviced
// inline by the debugger dispatch loop (pkg/debugger) before it ever
// reaches this package.
type RequestKind int

const (
	ReqContinue RequestKind = iota
	ReqStep
)

// ResumeRequest is what the debugger dispatch loop hands back to the
// scheduler when the client asks to continue or step.
// TargetTid of -1 means "all tasks".
type ResumeRequest struct {
	Kind      RequestKind
	TargetTid int
}

// TargetsTask reports whether this resume request is a step aimed at
// tid specifically (used to decide singlestepping vs. syscall-stop
// during boundary advance).
func (r *ResumeRequest) TargetsTask(tid int) bool {
	return r != nil && r.Kind == ReqStep && (r.TargetTid == -1 || r.TargetTid == tid)
}

// Task is the live state the scheduler tracks for one traced thread.
type Task struct {
	// RecordedTid is the thread id stable across replay runs; LiveTid is
	// the kernel thread id of the current incarnation.
	RecordedTid int
	LiveTid     int

	PendingSignal int
	LastStatus    int

	Counters *perfcounters.Counters

	Current *TraceFrame

	scratch ScratchRegion
	exited  bool
}

// Registry is the scheduler's set of live tasks, keyed by recorded tid.
type Registry struct {
	tasks map[int]*Task
	order []int
}

// NewRegistry constructs an empty task registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[int]*Task)}
}

// Add registers a task.
func (r *Registry) Add(t *Task) {
	if _, ok := r.tasks[t.RecordedTid]; !ok {
		r.order = append(r.order, t.RecordedTid)
	}
	r.tasks[t.RecordedTid] = t
}

// Remove deregisters a task by recorded tid, per the EXIT dispatch row.
func (r *Registry) Remove(recordedTid int) {
	delete(r.tasks, recordedTid)
	for i, tid := range r.order {
		if tid == recordedTid {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Get looks up a task by recorded tid.
func (r *Registry) Get(recordedTid int) (*Task, bool) {
	t, ok := r.tasks[recordedTid]
	return t, ok
}

// Len returns the number of tasks still registered.
func (r *Registry) Len() int { return len(r.tasks) }

// NextRunnable pops the next runnable task in round-robin order. The
// core drives exactly one task at a time; with a single traced thread
// this always returns the same task until it exits.
func (r *Registry) NextRunnable() (*Task, bool) {
	if len(r.order) == 0 {
		return nil, false
	}
	tid := r.order[0]
	r.order = append(r.order[1:], tid)
	return r.tasks[tid], true
}

// IsThreadAlive reports whether recordedTid is still registered.
func (r *Registry) IsThreadAlive(recordedTid int) bool {
	_, ok := r.tasks[recordedTid]
	return ok
}

// ThreadList returns the recorded tids of every live task.
func (r *Registry) ThreadList() []int {
	out := make([]int, 0, len(r.tasks))
	for _, tid := range r.order {
		out = append(out, tid)
	}
	return out
}
