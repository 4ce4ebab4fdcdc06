package native

import (
	"fmt"
	"unsafe"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/ptserver/pkg/proc/amd64util"
)

// Registers is the general purpose register set of an amd64 inferior.
type Registers = sys.PtraceRegs

// FPRegisters is the floating point register set of an amd64 inferior, as
// returned by PTRACE_GETFPREGS (struct user_fpregs_struct).
type FPRegisters struct {
	Cwd      uint16
	Swd      uint16
	Ftw      uint16
	Fop      uint16
	Rip      uint64
	Rdp      uint64
	Mxcsr    uint32
	MxcrMask uint32
	StSpace  [32]uint32
	XmmSpace [64]uint32
	Padding  [24]uint32
}

const debugRegUserOffset = 848 // offset of debug registers in the user struct, see source/arch/x86/kernel/ptrace.c

// GetRegisters reads the general purpose registers of the stopped inferior
// and refreshes the cached snapshot.
func (h *InferiorHandle) GetRegisters() (*Registers, error) {
	if h.detached.Load() {
		return nil, h.closedErr()
	}
	var (
		regs Registers
		err  error
	)
	h.pt.execPtraceFunc(func() { err = sys.PtraceGetRegs(h.pid, &regs) })
	if err != nil {
		return nil, h.commandError("get registers", err)
	}
	h.regs = regs
	return &regs, nil
}

// SetRegisters writes the general purpose registers of the stopped inferior.
func (h *InferiorHandle) SetRegisters(regs *Registers) error {
	if h.detached.Load() {
		return h.closedErr()
	}
	var err error
	h.pt.execPtraceFunc(func() { err = sys.PtraceSetRegs(h.pid, regs) })
	if err != nil {
		return h.commandError("set registers", err)
	}
	h.regs = *regs
	return nil
}

// GetFPRegisters reads the floating point registers of the stopped inferior
// and refreshes the cached snapshot.
func (h *InferiorHandle) GetFPRegisters() (*FPRegisters, error) {
	if h.detached.Load() {
		return nil, h.closedErr()
	}
	var (
		regs FPRegisters
		err  error
	)
	h.pt.execPtraceFunc(func() { err = ptraceGetFpRegs(h.pid, &regs) })
	if err != nil {
		return nil, h.commandError("get fp registers", err)
	}
	h.fpregs = regs
	return &regs, nil
}

// SetFPRegisters writes the floating point registers of the stopped inferior.
func (h *InferiorHandle) SetFPRegisters(regs *FPRegisters) error {
	if h.detached.Load() {
		return h.closedErr()
	}
	var err error
	h.pt.execPtraceFunc(func() { err = ptraceSetFpRegs(h.pid, regs) })
	if err != nil {
		return h.commandError("set fp registers", err)
	}
	h.fpregs = *regs
	return nil
}

// CachedRegisters returns the register snapshots taken by the last
// successful register access.
func (h *InferiorHandle) CachedRegisters() (Registers, FPRegisters) {
	return h.regs, h.fpregs
}

func debugRegOffset(idx int) uintptr {
	return debugRegUserOffset + uintptr(idx)*unsafe.Sizeof(uint64(0))
}

// SetDebugRegister programs debug register DR<idx> of the inferior.
func (h *InferiorHandle) SetDebugRegister(idx int, value uint64) error {
	if h.detached.Load() {
		return h.closedErr()
	}
	var err error
	if idx < 0 || idx > amd64util.DR7 {
		return h.commandError(fmt.Sprintf("set debug register %d to %#x", idx, value), sys.EINVAL)
	}
	h.pt.execPtraceFunc(func() { err = ptracePokeUser(h.pid, debugRegOffset(idx), value) })
	if err != nil {
		return h.unknownError(fmt.Sprintf("set debug register %d to %#x", idx, value), err)
	}
	return nil
}

// DebugRegisters reads DR0-DR3, DR6 and DR7 of the inferior.
func (h *InferiorHandle) DebugRegisters() (*amd64util.DebugRegisters, error) {
	if h.detached.Load() {
		return nil, h.closedErr()
	}
	var (
		drs amd64util.DebugRegisters
		err error
	)
	h.pt.execPtraceFunc(func() {
		for i := range drs.Addrs {
			if drs.Addrs[i], err = ptracePeekUser(h.pid, debugRegOffset(i)); err != nil {
				return
			}
		}
		if drs.DR6, err = ptracePeekUser(h.pid, debugRegOffset(amd64util.DR6)); err != nil {
			return
		}
		drs.DR7, err = ptracePeekUser(h.pid, debugRegOffset(amd64util.DR7))
	})
	if err != nil {
		return nil, h.commandError("get debug registers", err)
	}
	return &drs, nil
}

// writeDebugRegisters writes back the registers a DebugRegisters changed.
func (h *InferiorHandle) writeDebugRegisters(drs *amd64util.DebugRegisters, idx uint8) error {
	if !drs.Dirty {
		return nil
	}
	if err := h.SetDebugRegister(int(idx), drs.Addrs[idx]); err != nil {
		return err
	}
	if err := h.SetDebugRegister(amd64util.DR6, drs.DR6); err != nil {
		return err
	}
	if err := h.SetDebugRegister(amd64util.DR7, drs.DR7); err != nil {
		return err
	}
	drs.Dirty = false
	return nil
}

func pc(regs *Registers) uint64 {
	return regs.Rip
}

func setPC(regs *Registers, pc uint64) {
	regs.Rip = pc
}
