// Package perfcounters implements the per-task performance-counter
// group the replay scheduler reads ticks from. The algorithm —
// which handles to open, when to recreate rather than reset them, and
// how to reconcile the transaction/interrupt counter pair — is
// transcribed from rr's PerfCounters.cc (start_counter, reset,
// read_ticks, read_extra), adapted to the Go idiom of explicit error
// returns instead of fatal() aborts at the point of use.
package perfcounters

import (
	"fmt"
	"os"
	"unsafe"

	"acln.ro/ioctl"
	"golang.org/x/sys/unix"

	isatty "github.com/mattn/go-isatty"

	"github.com/rr-go/rrcore/internal/logflags"
	"github.com/rr-go/rrcore/pkg/pmu"
)

// IN_TX and IN_TXCP are bits of the perf_event_attr Config field
// requesting transactional-memory-scoped counting.
const (
	inTX   uint64 = 1 << 32
	inTXCP uint64 = 1 << 33
)

// Bits of perf_event_attr's packed flag word (see linux/perf_event.h);
// x/sys/unix does not name these, so they are reproduced directly from
// the kernel ABI, as the PerfCounters.cc original does in C.
const (
	attrDisabled      uint64 = 1 << 0
	attrExcludeKernel uint64 = 1 << 5
	attrExcludeGuest  uint64 = 1 << 20
)

// TIME_SLICE_SIGNAL is the reserved real-time signal used to notify the
// traced thread of a tick-counter overflow: the realtime signal seven
// above SIGRTMIN, in the low part of the realtime range.
const TimeSliceSignal = unix.SIGRTMIN + 7

// Extra is the {page_faults, hw_interrupts, instructions_retired}
// triple returned by ReadExtra.
type Extra struct {
	PageFaults         uint64
	HardwareInterrupts uint64
	InstructionsRetired uint64
}

// handle wraps one open perf_event fd.
type handle struct {
	fd int
}

func (h *handle) open() bool { return h != nil && h.fd >= 0 }

func (h *handle) close() {
	if h != nil && h.fd >= 0 {
		unix.Close(h.fd)
		h.fd = -1
	}
}

func (h *handle) readUint64() (uint64, error) {
	var buf [8]byte
	n, err := unix.Read(h.fd, buf[:])
	if err != nil {
		return 0, err
	}
	if n != 8 {
		return 0, fmt.Errorf("perfcounters: short read (%d bytes)", n)
	}
	return *(*uint64)(unsafe.Pointer(&buf[0])), nil
}

var (
	ioctlEnable = ioctl.N{Name: "PERF_EVENT_IOC_ENABLE", Type: '$', Nr: 0}
	ioctlDisable = ioctl.N{Name: "PERF_EVENT_IOC_DISABLE", Type: '$', Nr: 1}
	ioctlReset  = ioctl.N{Name: "PERF_EVENT_IOC_RESET", Type: '$', Nr: 3}
	ioctlPeriod = ioctl.W{Name: "PERF_EVENT_IOC_PERIOD", Type: '$', Nr: 4}
)

func (h *handle) enable() error  { _, err := ioctlEnable.Exec(h.fd); return err }
func (h *handle) disable() error { _, err := ioctlDisable.Exec(h.fd); return err }
func (h *handle) reset() error   { _, err := ioctlReset.Exec(h.fd); return err }
func (h *handle) setPeriod(period uint64) error {
	_, err := ioctlPeriod.Exec(h.fd, unsafe.Pointer(&period))
	return err
}

// Counters is a per-task group of kernel perf_event handles. The zero
// value is not usable; construct with New.
type Counters struct {
	profile *pmu.Profile
	taskID  int

	ticksInterrupt     *handle
	ticksMeasure       *handle
	ticksInTransaction *handle
	hwInterrupts       *handle
	instructionsRet    *handle
	pageFaults         *handle
	uselessCounter     *handle

	extendedCounters bool
	suppressWarnings bool
	forceThings      bool

	started  bool
	counting bool
}

// Options configures counter-group construction; it mirrors the
// configuration keys relevant to this subsystem.
type Options struct {
	ExtendedCounters             bool
	SuppressEnvironmentWarnings  bool
	ForceThings                  bool
}

// New constructs a Counters group in the stopped state for taskID,
// using profile for its raw event codes.
func New(profile *pmu.Profile, taskID int, opts Options) *Counters {
	return &Counters{
		profile:          profile,
		taskID:           taskID,
		extendedCounters: opts.ExtendedCounters,
		suppressWarnings: opts.SuppressEnvironmentWarnings,
		forceThings:      opts.ForceThings,
	}
}

// SetTid implicitly stops the group; the next Reset re-opens handles on
// the new thread id.
func (c *Counters) SetTid(newTid int) error {
	if err := c.Stop(); err != nil {
		return err
	}
	c.taskID = newTid
	return nil
}

// HLEDetectedError is returned by ReadTicks when a KVM IN_TXCP virtual
// PMU produced a nonzero in_transaction count, which this package
// cannot treat as a valid tick count unless force_things is set.
type HLEDetectedError struct{}

func (HLEDetectedError) Error() string {
	return "hardware lock elision detected under a buggy virtualized PMU; ticks are not reliable (set force_things to override)"
}

func openPerfEvent(profile *pmu.Profile, taskID int, event uint64, samplePeriod uint64, extraBits uint64, groupFD int) (int, error) {
	attr := &unix.PerfEventAttr{
		Type:   unix.PERF_TYPE_RAW,
		Size:   uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Config: event | extraBits,
		Bits:   attrDisabled | attrExcludeKernel | attrExcludeGuest,
	}
	if samplePeriod > 0 {
		attr.Sample = samplePeriod
	}
	fd, err := unix.PerfEventOpen(attr, taskID, -1, groupFD, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return -1, err
	}
	return fd, nil
}

// openSoftwareEvent opens a PERF_TYPE_SOFTWARE counter (page faults are
// not exposed as a raw PMU event) as a non-sampling member of groupFD.
func openSoftwareEvent(taskID int, event uint64, groupFD int) (int, error) {
	attr := &unix.PerfEventAttr{
		Type:   unix.PERF_TYPE_SOFTWARE,
		Size:   uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Config: event,
		Bits:   attrDisabled | attrExcludeKernel | attrExcludeGuest,
	}
	fd, err := unix.PerfEventOpen(attr, taskID, -1, groupFD, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return -1, err
	}
	return fd, nil
}

// EnvironmentError wraps a fatal perf_event_open failure.
type EnvironmentError struct {
	Detail string
	Cause  error
}

func (e EnvironmentError) Error() string { return e.Detail }
func (e EnvironmentError) Unwrap() error { return e.Cause }

func classifyOpenErr(err error) error {
	switch err {
	case unix.EACCES:
		return EnvironmentError{Detail: "permission denied opening performance counter: are perf events enabled?", Cause: err}
	case unix.ENOENT:
		return EnvironmentError{Detail: "no such performance counter event available on this CPU", Cause: err}
	default:
		return EnvironmentError{Detail: fmt.Sprintf("perf_event_open failed: %v", err), Cause: err}
	}
}

// Reset (re)arms the counters. ticksPeriod must be >= 0; a period of 0
// is rewritten to 2^60 unless always-recreate is in force, because the
// kernel refuses to switch a counter between sampling and non-sampling
// via the period ioctl.
func (c *Counters) Reset(ticksPeriod uint64, q *Quirks) error {
	log := logflags.PerfCountersLogger()

	if ticksPeriod == 0 && !q.AlwaysRecreate() {
		ticksPeriod = 1 << 60
	}

	if !c.started {
		return c.openAll(ticksPeriod, q)
	}

	if q.AlwaysRecreate() {
		c.closeAll()
		return c.openAll(ticksPeriod, q)
	}

	if err := c.ticksInterrupt.reset(); err != nil {
		return err
	}
	if err := c.ticksInterrupt.setPeriod(ticksPeriod); err != nil {
		return err
	}
	if err := c.ticksInterrupt.enable(); err != nil {
		return err
	}
	active := c.ticksMeasure
	if active == nil {
		active = c.ticksInTransaction
	}
	if active != nil {
		if err := active.reset(); err != nil {
			return err
		}
		if err := active.enable(); err != nil {
			return err
		}
	}
	c.counting = true
	log.Debugf("reset counters for tid %d, period %d", c.taskID, ticksPeriod)
	return nil
}

func (c *Counters) openAll(ticksPeriod uint64, q *Quirks) error {
	log := logflags.PerfCountersLogger()

	leaderFd, err := openPerfEvent(c.profile, c.taskID, c.profile.RetiredCondBranches, ticksPeriod, 0, -1)
	if err != nil {
		return classifyOpenErr(err)
	}
	c.ticksInterrupt = &handle{fd: leaderFd}

	if q.HasKVMInTXCPBug() {
		fd, err := openPerfEvent(c.profile, c.taskID, c.profile.RetiredCondBranches, 0, inTX, leaderFd)
		if err != nil {
			c.closeAll()
			return classifyOpenErr(err)
		}
		c.ticksInTransaction = &handle{fd: fd}
	} else {
		fd, err := openPerfEvent(c.profile, c.taskID, c.profile.RetiredCondBranches, 0, inTXCP, leaderFd)
		if err != nil && err == unix.EINVAL {
			log.Warnf("kernel rejected IN_TXCP, retrying without it")
			fd, err = openPerfEvent(c.profile, c.taskID, c.profile.RetiredCondBranches, 0, 0, leaderFd)
			// The CPU's HLE support is not queried: this warning is
			// printed whenever the retry succeeds, warnings are not
			// suppressed, and stderr is a terminal.
			if err == nil && !c.suppressWarnings && isatty.IsTerminal(os.Stderr.Fd()) {
				fmt.Fprintln(os.Stderr, "warning: the running kernel does not support IN_TXCP; programs that use Hardware Lock Elision may not replay correctly")
			}
		}
		if err != nil {
			c.closeAll()
			return classifyOpenErr(err)
		}
		c.ticksMeasure = &handle{fd: fd}
	}

	if c.extendedCounters {
		if fd, err := openPerfEvent(c.profile, c.taskID, c.profile.HardwareInterrupts, 0, 0, leaderFd); err == nil {
			c.hwInterrupts = &handle{fd: fd}
		}
		if fd, err := openPerfEvent(c.profile, c.taskID, c.profile.RetiredInstructions, 0, 0, leaderFd); err == nil {
			c.instructionsRet = &handle{fd: fd}
		}
		if fd, err := openSoftwareEvent(c.taskID, unix.PERF_COUNT_SW_PAGE_FAULTS, leaderFd); err == nil {
			c.pageFaults = &handle{fd: fd}
		}
	}

	if c.profile.NeedsUselessCounter {
		if fd, err := openPerfEvent(c.profile, c.taskID, c.profile.RetiredCondBranches, 0, 0, -1); err == nil {
			c.uselessCounter = &handle{fd: fd}
			c.uselessCounter.enable()
		}
	}

	if err := c.armAsyncSignal(); err != nil {
		c.closeAll()
		return err
	}

	if err := c.ticksInterrupt.enable(); err != nil {
		c.closeAll()
		return err
	}
	if c.ticksMeasure != nil {
		if err := c.ticksMeasure.enable(); err != nil {
			c.closeAll()
			return err
		}
	}
	if c.ticksInTransaction != nil {
		if err := c.ticksInTransaction.enable(); err != nil {
			c.closeAll()
			return err
		}
	}

	c.started = true
	c.counting = true
	log.Debugf("opened counters for tid %d, period %d", c.taskID, ticksPeriod)
	return nil
}

// armAsyncSignal arranges for the tick-counter overflow to arrive as
// TimeSliceSignal delivered to the target thread.
func (c *Counters) armAsyncSignal() error {
	if err := unix.FcntlInt(uintptr(c.ticksInterrupt.fd), unix.F_SETFL, unix.O_ASYNC); err != nil {
		return fmt.Errorf("perfcounters: F_SETFL O_ASYNC: %w", err)
	}
	if err := unix.FcntlInt(uintptr(c.ticksInterrupt.fd), unix.F_SETSIG, int(TimeSliceSignal)); err != nil {
		return fmt.Errorf("perfcounters: F_SETSIG: %w", err)
	}
	owner := unix.FOwnerEx{Type: unix.F_OWNER_TID, Pid: int32(c.taskID)}
	if _, _, errno := unix.Syscall(unix.SYS_FCNTL, uintptr(c.ticksInterrupt.fd), unix.F_SETOWN_EX, uintptr(unsafe.Pointer(&owner))); errno != 0 {
		return fmt.Errorf("perfcounters: F_SETOWN_EX: %w", errno)
	}
	return nil
}

func (c *Counters) closeAll() {
	for _, h := range []*handle{c.ticksInterrupt, c.ticksMeasure, c.ticksInTransaction, c.hwInterrupts, c.instructionsRet, c.pageFaults, c.uselessCounter} {
		h.close()
	}
	c.ticksInterrupt, c.ticksMeasure, c.ticksInTransaction = nil, nil, nil
	c.hwInterrupts, c.instructionsRet, c.pageFaults, c.uselessCounter = nil, nil, nil, nil
	c.started = false
	c.counting = false
}

// Stop closes all handles.
func (c *Counters) Stop() error {
	c.closeAll()
	return nil
}

// StopCounting disables counters (or, under always-recreate, closes
// them) but retains enough state for a later Reset.
func (c *Counters) StopCounting(q *Quirks) error {
	if !c.started {
		return nil
	}
	if q.AlwaysRecreate() {
		c.closeAll()
		return nil
	}
	for _, h := range []*handle{c.ticksInterrupt, c.ticksMeasure, c.ticksInTransaction} {
		if h.open() {
			if err := h.disable(); err != nil {
				return err
			}
		}
	}
	c.counting = false
	return nil
}

// ReadTicks returns the precise tick count since the last reset,
// reconciling the transaction/interrupt counter pair.
func (c *Counters) ReadTicks() (uint64, error) {
	if !c.started || !c.counting {
		return 0, nil
	}
	if c.ticksInTransaction.open() {
		v, err := c.ticksInTransaction.readUint64()
		if err != nil {
			return 0, err
		}
		if v > 0 && !c.forceThings {
			return 0, HLEDetectedError{}
		}
	}
	interrupt, err := c.ticksInterrupt.readUint64()
	if err != nil {
		return 0, err
	}
	if !c.ticksMeasure.open() {
		return interrupt, nil
	}
	measure, err := c.ticksMeasure.readUint64()
	if err != nil {
		return 0, err
	}
	if measure > interrupt {
		// Spurious events under IN_TXCP; the interrupt count is authoritative.
		return interrupt, nil
	}
	return measure, nil
}

// ReadExtra returns {page_faults, hw_interrupts, instructions_retired},
// all zero when the group is stopped.
func (c *Counters) ReadExtra() (Extra, error) {
	if !c.started {
		return Extra{}, nil
	}
	var e Extra
	if c.pageFaults.open() {
		v, err := c.pageFaults.readUint64()
		if err != nil {
			return Extra{}, err
		}
		e.PageFaults = v
	}
	if c.hwInterrupts.open() {
		v, err := c.hwInterrupts.readUint64()
		if err != nil {
			return Extra{}, err
		}
		e.HardwareInterrupts = v
	}
	if c.instructionsRet.open() {
		v, err := c.instructionsRet.readUint64()
		if err != nil {
			return Extra{}, err
		}
		e.InstructionsRetired = v
	}
	return e, nil
}

// Started reports whether kernel handles are currently open.
func (c *Counters) Started() bool { return c.started }

// CountingNow reports whether counters are currently enabled.
func (c *Counters) CountingNow() bool { return c.counting }
