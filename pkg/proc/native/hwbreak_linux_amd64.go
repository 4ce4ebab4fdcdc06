package native

import (
	"github.com/go-delve/ptserver/pkg/proc"
	"github.com/go-delve/ptserver/pkg/proc/amd64util"
)

// writeHardwareBreakpoint programs a free debug register of h to trap on
// execution of addr and records the slot in bp.
func (h *InferiorHandle) writeHardwareBreakpoint(bp *proc.BreakpointInfo) error {
	drs, err := h.DebugRegisters()
	if err != nil {
		return err
	}
	idx, err := drs.FreeSlot()
	if err != nil {
		return h.unknownError("insert hardware breakpoint", err)
	}
	if err := drs.SetBreakpoint(idx, bp.Addr, false, false, 1); err != nil {
		return h.unknownError("insert hardware breakpoint", err)
	}
	if err := h.writeDebugRegisters(drs, idx); err != nil {
		return err
	}
	bp.HWIndex = idx
	return nil
}

func (h *InferiorHandle) clearHardwareBreakpoint(bp *proc.BreakpointInfo) error {
	drs, err := h.DebugRegisters()
	if err != nil {
		return err
	}
	drs.ClearBreakpoint(bp.HWIndex)
	return h.writeDebugRegisters(drs, bp.HWIndex)
}

// findHardwareBreakpoint returns the hardware breakpoint that caused the
// current SIGTRAP stop, clearing the condition bits of DR6.
func (h *InferiorHandle) findHardwareBreakpoint() (*proc.BreakpointInfo, error) {
	drs, err := h.DebugRegisters()
	if err != nil {
		return nil, err
	}
	ok, idx := drs.GetActiveBreakpoint()
	if !ok {
		return nil, nil
	}
	if err := h.SetDebugRegister(amd64util.DR6, drs.DR6); err != nil {
		return nil, err
	}
	var retbp *proc.BreakpointInfo
	h.bpm.WithBreakpoints(func(bps []*proc.BreakpointInfo) {
		for _, bp := range bps {
			if bp.Hardware && bp.HWIndex == idx {
				retbp = bp
				break
			}
		}
	})
	return retbp, nil
}
