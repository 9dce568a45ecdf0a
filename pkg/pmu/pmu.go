// Package pmu identifies the host CPU microarchitecture and selects the
// raw performance-counter event codes a perfcounters.Counters needs to
// count retired conditional branches, retired instructions, and
// hardware interrupts. The event codes and the CPUID signature table
// are transcribed from PerfCounters.cc's pmu_configs / get_cpu_microarch,
// not invented.
package pmu

import (
	"fmt"
	"strings"

	"github.com/intel-go/cpuid"

	"github.com/rr-go/rrcore/internal/logflags"
)

// Microarch names a CPU generation. Values match the display names in
// the pmu_configs table.
type Microarch string

const (
	Merom       Microarch = "Intel Merom"
	Penryn      Microarch = "Intel Penryn"
	Nehalem     Microarch = "Intel Nehalem"
	Westmere    Microarch = "Intel Westmere"
	SandyBridge Microarch = "Intel SandyBridge"
	IvyBridge   Microarch = "Intel IvyBridge"
	Haswell     Microarch = "Intel Haswell"
	Broadwell   Microarch = "Intel Broadwell"
	Skylake     Microarch = "Intel Skylake"
	Silvermont  Microarch = "Intel Silvermont"
	Kabylake    Microarch = "Intel Kabylake"
)

// Profile is an immutable description of the raw perf_event_open event
// codes this microarchitecture exposes for the three counters the
// replay scheduler needs, selected once at process start.
type Profile struct {
	Uarch Microarch

	// RetiredCondBranches is the raw event-select value for the "ticks"
	// counter: retired conditional branches.
	RetiredCondBranches uint64
	// RetiredInstructions is the raw event-select value for the
	// instructions_retired extra counter.
	RetiredInstructions uint64
	// HardwareInterrupts is the raw event-select value for the
	// hw_interrupts extra counter.
	HardwareInterrupts uint64

	// Supported is false for microarchitectures recognized by CPUID but
	// known to not support precise replay (pre-Nehalem Intel).
	Supported bool
	// NeedsUselessCounter is true when the kernel on this microarch will
	// power down the PMU between samples unless an always-on idle
	// counter keeps it alive in its own group.
	NeedsUselessCounter bool
}

// profiles is the fixed, authoritative table of event codes per
// microarchitecture, transcribed from PerfCounters.cc's pmu_configs[].
// rbc = retired conditional branches, rinsn = retired instructions,
// hw_intr = hardware interrupts.
var profiles = []Profile{
	{Uarch: Merom, RetiredCondBranches: 0, RetiredInstructions: 0, HardwareInterrupts: 0, Supported: false, NeedsUselessCounter: false},
	{Uarch: Penryn, RetiredCondBranches: 0, RetiredInstructions: 0, HardwareInterrupts: 0, Supported: false, NeedsUselessCounter: false},
	{Uarch: Nehalem, RetiredCondBranches: 0x5101c4, RetiredInstructions: 0x5100c0, HardwareInterrupts: 0x50011d, Supported: true, NeedsUselessCounter: true},
	{Uarch: Westmere, RetiredCondBranches: 0x5101c4, RetiredInstructions: 0x5100c0, HardwareInterrupts: 0x50011d, Supported: true, NeedsUselessCounter: true},
	{Uarch: SandyBridge, RetiredCondBranches: 0x5101c4, RetiredInstructions: 0x5100c0, HardwareInterrupts: 0x5301cb, Supported: true, NeedsUselessCounter: true},
	{Uarch: IvyBridge, RetiredCondBranches: 0x5101c4, RetiredInstructions: 0x5100c0, HardwareInterrupts: 0x5301cb, Supported: true, NeedsUselessCounter: true},
	{Uarch: Haswell, RetiredCondBranches: 0x5101c4, RetiredInstructions: 0x5100c0, HardwareInterrupts: 0x5301cb, Supported: true, NeedsUselessCounter: true},
	{Uarch: Broadwell, RetiredCondBranches: 0x5101c4, RetiredInstructions: 0x5100c0, HardwareInterrupts: 0x5301cb, Supported: true, NeedsUselessCounter: true},
	{Uarch: Skylake, RetiredCondBranches: 0x5101c4, RetiredInstructions: 0x5100c0, HardwareInterrupts: 0x5301cb, Supported: true, NeedsUselessCounter: false},
	{Uarch: Silvermont, RetiredCondBranches: 0x517ec4, RetiredInstructions: 0x5100c0, HardwareInterrupts: 0x5301cb, Supported: true, NeedsUselessCounter: true},
	{Uarch: Kabylake, RetiredCondBranches: 0x5101c4, RetiredInstructions: 0x5100c0, HardwareInterrupts: 0x5301cb, Supported: true, NeedsUselessCounter: false},
}

// signatureRanges maps a masked CPUID leaf-1 eax signature
// (eax & 0xF0FF0) to a microarch, reproducing get_cpu_microarch()'s
// switch statement verbatim.
var signatureRanges = map[uint32]Microarch{
	0x006F0: Merom,
	0x10660: Merom,
	0x10670: Penryn,
	0x106D0: Penryn,
	0x106A0: Nehalem,
	0x106E0: Nehalem,
	0x206E0: Nehalem,
	0x20650: Westmere,
	0x206C0: Westmere,
	0x206F0: Westmere,
	0x206A0: SandyBridge,
	0x206D0: SandyBridge,
	0x306E0: SandyBridge,
	0x306A0: IvyBridge,
	0x306C0: Haswell,
	0x306F0: Haswell,
	0x40650: Haswell,
	0x40660: Haswell,
	0x306D0: Broadwell,
	0x406F0: Broadwell,
	0x50660: Broadwell,
	0x406E0: Skylake,
	0x506E0: Skylake,
	0x50670: Silvermont,
	0x806E0: Kabylake,
	0x906E0: Kabylake,
}

// UnsupportedMicroarchError is returned when CPU identification matches
// a profile whose Supported flag is false, or matches no known
// signature at all.
type UnsupportedMicroarchError struct {
	Detail string
}

func (e UnsupportedMicroarchError) Error() string {
	return fmt.Sprintf("unsupported CPU microarchitecture: %s", e.Detail)
}

// maskedSignature reproduces `cpuid_data.eax & 0xF0FF0` for CPUID leaf 1
// using the exported family/model/stepping fields of the intel-go/cpuid
// package, which already executes CPUID leaf 1 at package init.
func maskedSignature() uint32 {
	eax := uint32(cpuid.SteppingID) |
		uint32(cpuid.Model)<<4 |
		uint32(cpuid.Family)<<8 |
		uint32(cpuid.ExtendedModel)<<16 |
		uint32(cpuid.ExtendedFamily)<<20
	return eax & 0xF0FF0
}

// Detect selects a Profile. If forcedUarch is non-empty, it is matched
// as a case-insensitive substring of each profile's display name; the
// first match wins. Otherwise the profile is chosen from the live
// CPUID signature. Detect fails fatally (via the returned error) on an
// unknown signature, and a matched-but-unsupported profile is also a
// fatal error.
func Detect(forcedUarch string) (*Profile, error) {
	log := logflags.PMULogger()

	if forcedUarch != "" {
		needle := strings.ToLower(forcedUarch)
		for i := range profiles {
			if strings.Contains(strings.ToLower(string(profiles[i].Uarch)), needle) {
				log.Debugf("forced_uarch %q matched profile %s", forcedUarch, profiles[i].Uarch)
				if !profiles[i].Supported {
					return nil, UnsupportedMicroarchError{Detail: string(profiles[i].Uarch)}
				}
				p := profiles[i]
				return &p, nil
			}
		}
		return nil, UnsupportedMicroarchError{Detail: fmt.Sprintf("no profile matches forced_uarch %q", forcedUarch)}
	}

	sig := maskedSignature()
	uarch, ok := signatureRanges[sig]
	if !ok {
		return nil, UnsupportedMicroarchError{Detail: fmt.Sprintf("unrecognized CPUID signature %#x", sig)}
	}
	for i := range profiles {
		if profiles[i].Uarch == uarch {
			log.Debugf("CPUID signature %#x identified as %s", sig, uarch)
			if !profiles[i].Supported {
				return nil, UnsupportedMicroarchError{Detail: string(uarch)}
			}
			p := profiles[i]
			return &p, nil
		}
	}
	return nil, UnsupportedMicroarchError{Detail: fmt.Sprintf("signature %#x mapped to %s with no table entry", sig, uarch)}
}
