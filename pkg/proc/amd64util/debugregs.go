package amd64util

import (
	"errors"
	"fmt"
)

// NumDebugRegisters is the number of address registers (DR0-DR3).
const NumDebugRegisters = 4

// Indexes of the control and status registers in the debug register file
// as exposed by the user area.
const (
	DR6 = 6
	DR7 = 7
)

// DebugRegisters represents x86 debug registers described in the Intel 64
// and IA-32 Architectures Software Developer's Manual, Vol. 3B, section
// 17.2
type DebugRegisters struct {
	Addrs    [NumDebugRegisters]uint64
	DR6, DR7 uint64

	// Dirty is set by every method that changed a register.
	Dirty bool
}

func lenrwBitsOffset(idx uint8) uint8 {
	return 16 + idx*4
}

func enableBitOffset(idx uint8) uint8 {
	return idx * 2
}

// Enabled returns true if the breakpoint at index idx is enabled.
func (drs *DebugRegisters) Enabled(idx uint8) bool {
	return drs.DR7&(1<<enableBitOffset(idx)) != 0
}

func (drs *DebugRegisters) breakpoint(idx uint8) (addr uint64, read, write bool, sz int) {
	if !drs.Enabled(idx) {
		return 0, false, false, 0
	}

	addr = drs.Addrs[idx]
	lenrw := (drs.DR7 >> lenrwBitsOffset(idx)) & 0xf
	write = (lenrw & 0x1) != 0
	read = (lenrw & 0x2) != 0
	switch lenrw >> 2 {
	case 0x0:
		sz = 1
	case 0x1:
		sz = 2
	case 0x2:
		sz = 8 // sic
	case 0x3:
		sz = 4
	}
	return addr, read, write, sz
}

// FreeSlot returns the first disabled address register.
func (drs *DebugRegisters) FreeSlot() (uint8, error) {
	for idx := uint8(0); idx < NumDebugRegisters; idx++ {
		if !drs.Enabled(idx) {
			return idx, nil
		}
	}
	return 0, errors.New("hardware breakpoints exhausted")
}

// SetBreakpoint sets hardware breakpoint at index 'idx' to the specified
// address, read/write flags and size. With read and write both false the
// breakpoint triggers on instruction execution and sz must be 1.
// If the breakpoint is already in use but the parameters match it does
// nothing.
func (drs *DebugRegisters) SetBreakpoint(idx uint8, addr uint64, read, write bool, sz int) error {
	if int(idx) >= NumDebugRegisters {
		return fmt.Errorf("hardware breakpoints exhausted")
	}
	curaddr, curread, curwrite, cursz := drs.breakpoint(idx)
	if cursz != 0 {
		if (curaddr != addr) || (curread != read) || (curwrite != write) || (cursz != sz) {
			return fmt.Errorf("hardware breakpoint %d already in use (address %#x)", idx, curaddr)
		}
		// hardware breakpoint already set
		return nil
	}

	if read && !write {
		return errors.New("break on read only not supported")
	}

	var lenrw uint64
	if write {
		lenrw |= 0x1
	}
	if read {
		lenrw |= 0x2
	}
	switch sz {
	case 1:
		// already ok
	case 2:
		lenrw |= 0x1 << 2
	case 4:
		lenrw |= 0x3 << 2
	case 8:
		lenrw |= 0x2 << 2
	default:
		return fmt.Errorf("data breakpoint of size %d not supported", sz)
	}
	if !read && !write && sz != 1 {
		return fmt.Errorf("execution breakpoint of size %d not supported", sz)
	}
	if sz > 1 && addr%uint64(sz) != 0 {
		return fmt.Errorf("address %#x not aligned to %d bytes", addr, sz)
	}

	drs.Addrs[idx] = addr
	drs.DR7 &^= (0xf << lenrwBitsOffset(idx)) // clear old settings
	drs.DR7 |= lenrw << lenrwBitsOffset(idx)
	drs.DR7 |= 1 << enableBitOffset(idx) // enable
	drs.Dirty = true
	return nil
}

// ClearBreakpoint disables the hardware breakpoint at index 'idx'. If the
// breakpoint was already disabled it does nothing.
func (drs *DebugRegisters) ClearBreakpoint(idx uint8) {
	if !drs.Enabled(idx) {
		return
	}
	drs.DR7 &^= (1 << enableBitOffset(idx))
	drs.DR7 &^= (0xf << lenrwBitsOffset(idx))
	drs.Addrs[idx] = 0
	drs.Dirty = true
}

// GetActiveBreakpoint returns the active hardware breakpoint and resets the
// condition flags.
func (drs *DebugRegisters) GetActiveBreakpoint() (ok bool, idx uint8) {
	for idx := uint8(0); idx < NumDebugRegisters; idx++ {
		if !drs.Enabled(idx) {
			continue
		}
		if drs.DR6&(1<<idx) != 0 {
			drs.DR6 &^= 0xf // it is our responsibility to clear the condition bits
			drs.Dirty = true
			return true, idx
		}
	}
	return false, 0
}
