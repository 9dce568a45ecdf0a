// Package breakpoint implements the fixed-capacity software-breakpoint
// table the replay scheduler and debugger dispatch loop share: an
// address -> saved-byte map with set/remove/lookup operations shaped
// after replayer.c's breakpoint_table.
package breakpoint

import (
	"fmt"

	"github.com/rr-go/rrcore/internal/logflags"
)

// int3Insn is the x86 single-byte software breakpoint instruction.
const int3Insn = 0xCC

// MaxBreakpoints bounds the table, matching replayer.c's
// MAX_NUM_BREAKPOINTS.
const MaxBreakpoints = 128

// Memory is the minimal tracee memory access the table needs to plant
// and remove the trap byte. pkg/debugger's taskMemory adapter, which
// wraps a Ptracer's peek/poke for one live tid, satisfies this.
type Memory interface {
	ReadByte(addr uint64) (byte, error)
	WriteByte(addr uint64, b byte) error
}

type slot struct {
	addr     uint64
	used     bool
	original byte
}

// Table is a process-wide, fixed-capacity address -> original-byte map.
// The zero value is an empty table ready to use.
type Table struct {
	slots [MaxBreakpoints]slot
}

// CapacityExceededError is returned by Set when the table is full.
// This is a fatal condition for the caller.
type CapacityExceededError struct{}

func (CapacityExceededError) Error() string {
	return fmt.Sprintf("breakpoint table exceeded its fixed capacity of %d entries", MaxBreakpoints)
}

// DuplicateAddressError is returned by Set when addr already has a
// registered breakpoint.
type DuplicateAddressError struct {
	Addr uint64
}

func (e DuplicateAddressError) Error() string {
	return fmt.Sprintf("breakpoint already set at %#x", e.Addr)
}

func (t *Table) find(addr uint64) int {
	for i := range t.slots {
		if t.slots[i].used && t.slots[i].addr == addr {
			return i
		}
	}
	return -1
}

func (t *Table) firstFree() int {
	for i := range t.slots {
		if !t.slots[i].used {
			return i
		}
	}
	return -1
}

// Set plants a software breakpoint at addr in mem: reads and saves the
// original byte there, then writes 0xCC over it. Duplicate addresses
// and a full table are both errors the caller should treat as fatal.
func (t *Table) Set(mem Memory, addr uint64) error {
	if t.find(addr) >= 0 {
		return DuplicateAddressError{Addr: addr}
	}
	i := t.firstFree()
	if i < 0 {
		return CapacityExceededError{}
	}
	original, err := mem.ReadByte(addr)
	if err != nil {
		return fmt.Errorf("breakpoint: reading original byte at %#x: %w", addr, err)
	}
	if err := mem.WriteByte(addr, int3Insn); err != nil {
		return fmt.Errorf("breakpoint: writing trap byte at %#x: %w", addr, err)
	}
	t.slots[i] = slot{addr: addr, used: true, original: original}
	return nil
}

// Remove locates the slot for addr and restores the original byte. If
// addr has no registered breakpoint, it warns and returns without
// error.
func (t *Table) Remove(mem Memory, addr uint64) error {
	i := t.find(addr)
	if i < 0 {
		logflags.DebuggerLogger().Warnf("couldn't find breakpoint %#x to remove", addr)
		return nil
	}
	original := t.slots[i].original
	if err := mem.WriteByte(addr, original); err != nil {
		return fmt.Errorf("breakpoint: restoring original byte at %#x: %w", addr, err)
	}
	t.slots[i] = slot{}
	return nil
}

// IsBreakpoint reports whether eip-1 is a registered breakpoint
// address. x86 reports the trap address as the byte after the
// breakpoint instruction.
func (t *Table) IsBreakpoint(eip uint64) bool {
	if eip == 0 {
		return false
	}
	return t.find(eip-1) >= 0
}

// Len returns the number of breakpoints currently registered.
func (t *Table) Len() int {
	n := 0
	for i := range t.slots {
		if t.slots[i].used {
			n++
		}
	}
	return n
}
