package perfcounters

import (
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/rr-go/rrcore/internal/logflags"
	"github.com/rr-go/rrcore/pkg/pmu"
)

// nestedReplayEnvVar is set by an outer instance of this tool around a
// nested invocation, the Go equivalent of rr's running_under_rr(). Both
// quirk probes short-circuit to "no bug" under nesting: a counter
// opened inside an already-replayed tracee cannot be trusted to probe
// real hardware/kernel behavior.
const nestedReplayEnvVar = "RRCORE_NESTED"

// runningUnderRR reports whether this process is itself being replayed
// by an outer instance of the tool.
func runningUnderRR() bool {
	return os.Getenv(nestedReplayEnvVar) != ""
}

// Quirks holds the memoized results of two kernel/hardware defect
// probes. Each probe runs at most once per Quirks value. Construct with
// NewQuirks: outside nested replay the probes read the profile's event
// codes, so a zero value (nil profile) cannot run them.
type Quirks struct {
	profile *pmu.Profile

	iocPeriodOnce sync.Once
	iocPeriodBug  bool

	kvmInTXCPOnce sync.Once
	kvmInTXCPBug  bool
}

// NewQuirks constructs a Quirks prober for the given PMU profile.
func NewQuirks(profile *pmu.Profile) *Quirks {
	return &Quirks{profile: profile}
}

// HasIOCPeriodBug probes whether PERF_EVENT_IOC_PERIOD fails to re-arm
// a shortened sample period. The probe opens a counter with a very
// large period, shortens it to 1 via ioctl, and polls with a zero
// timeout: the kernel is buggy iff no event is pending.
func (q *Quirks) HasIOCPeriodBug() bool {
	q.iocPeriodOnce.Do(func() {
		if runningUnderRR() {
			q.iocPeriodBug = false
			return
		}
		q.iocPeriodBug = probeIOCPeriodBug(q.profile)
		logflags.PerfCountersLogger().Debugf("ioc_period bug present: %v", q.iocPeriodBug)
	})
	return q.iocPeriodBug
}

// HasKVMInTXCPBug probes whether a virtualized PMU undercounts ticks
// while IN_TXCP is set: a group-leader counter is
// opened with IN_TXCP and sample_period=0, enabled across a tight loop
// of 500 unpredictable conditional branches, then read back. Fewer
// than 500 recorded ticks means the bug is present.
func (q *Quirks) HasKVMInTXCPBug() bool {
	q.kvmInTXCPOnce.Do(func() {
		if runningUnderRR() {
			q.kvmInTXCPBug = false
			return
		}
		q.kvmInTXCPBug = probeKVMInTXCPBug(q.profile)
		logflags.PerfCountersLogger().Debugf("kvm in_txcp bug present: %v", q.kvmInTXCPBug)
	})
	return q.kvmInTXCPBug
}

// AlwaysRecreate is true iff either probe detected its defect; it
// forces the counter group to be torn down and reopened on every
// Reset instead of reset via ioctl.
func (q *Quirks) AlwaysRecreate() bool {
	return q.HasIOCPeriodBug() || q.HasKVMInTXCPBug()
}

const numUnpredictableBranches = 500

func probeIOCPeriodBug(profile *pmu.Profile) bool {
	const hugePeriod = uint64(1) << 32
	fd, err := openPerfEvent(profile, 0, profile.RetiredCondBranches, hugePeriod, 0, -1)
	if err != nil {
		// Cannot open perf events at all; leave the determination of
		// that fatal condition to the counter group itself.
		return false
	}
	defer unix.Close(fd)

	h := &handle{fd: fd}
	if err := h.enable(); err != nil {
		return false
	}
	if err := h.setPeriod(1); err != nil {
		return false
	}

	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(pfd, 0)
	if err != nil {
		return false
	}
	return n == 0
}

func probeKVMInTXCPBug(profile *pmu.Profile) bool {
	fd, err := openPerfEvent(profile, 0, profile.RetiredCondBranches, 0, inTXCP, -1)
	if err != nil {
		return false
	}
	defer unix.Close(fd)

	h := &handle{fd: fd}
	h.disable()
	if err := h.enable(); err != nil {
		return false
	}

	runUnpredictableBranches(numUnpredictableBranches)

	h.disable()
	count, err := h.readUint64()
	if err != nil {
		return false
	}
	return count < numUnpredictableBranches
}

// runUnpredictableBranches executes a tight loop of conditional
// branches seeded from a volatile-ish source so the compiler cannot
// fold them into a constant, matching the probe rr uses to exercise
// the branch-retired counter under a live transaction.
func runUnpredictableBranches(n int) {
	seed := uint32(uintptr(unsafe.Pointer(&n)))
	count := 0
	for i := 0; i < n; i++ {
		seed = seed*1103515245 + 12345
		if seed&1 == 0 {
			count++
		} else {
			count--
		}
	}
	if count == 1<<30 {
		// unreachable; keeps count live across the loop.
		os.Exit(count)
	}
}
