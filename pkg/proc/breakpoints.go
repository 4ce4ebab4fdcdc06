package proc

import (
	"fmt"
	"sync"

	"go.uber.org/atomic"

	"github.com/go-delve/ptserver/pkg/logflags"
)

// BreakpointInfo represents one installed physical breakpoint. Stores the
// bytes of data that originally were stored at its address so that reads
// of target memory can hide the trap instruction.
type BreakpointInfo struct {
	ID    int    // Unique id, never reused by the manager that assigned it.
	Owner int    // Identifier of the logical owner that first requested it.
	Addr  uint64 // Address the breakpoint is set for.

	// Hardware breakpoints use the debug registers instead of patched
	// memory and are not indexed by address.
	Hardware bool
	HWIndex  uint8

	OriginalData []byte // If software breakpoint, the data replaced by the trap instruction.

	refcount int
}

// Refcount returns the number of owners sharing the breakpoint.
func (bp *BreakpointInfo) Refcount() int {
	return bp.refcount
}

func (bp *BreakpointInfo) String() string {
	kind := "sw"
	if bp.Hardware {
		kind = "hw"
	}
	return fmt.Sprintf("Breakpoint %d (%s) at %#x owner %d refcount %d", bp.ID, kind, bp.Addr, bp.Owner, bp.refcount)
}

// overlap returns the part of bp.OriginalData that falls inside
// [start, start+size) and its offset inside that range.
func (bp *BreakpointInfo) overlap(start uint64, size int) (off int, data []byte) {
	end := start + uint64(size)
	bpend := bp.Addr + uint64(len(bp.OriginalData))
	if bp.Addr >= end || bpend <= start {
		return 0, nil
	}
	lo, hi := bp.Addr, bpend
	if lo < start {
		lo = start
	}
	if hi > end {
		hi = end
	}
	return int(lo - start), bp.OriginalData[lo-bp.Addr : hi-bp.Addr]
}

// BreakpointManager owns the set of active breakpoints of one inferior.
// The insertion ordered list, the id index and the address index are only
// modified together, under mu.
type BreakpointManager struct {
	mu          sync.Mutex
	breakpoints []*BreakpointInfo
	byID        map[int]*BreakpointInfo
	byAddr      map[uint64]*BreakpointInfo

	lastID *atomic.Int64
	instr  []byte
}

// AMD64BreakpointInstruction is the int3 instruction.
var AMD64BreakpointInstruction = []byte{0xCC}

// NewBreakpointManager creates an empty manager whose ids start at 1.
func NewBreakpointManager() *BreakpointManager {
	return &BreakpointManager{
		byID:   make(map[int]*BreakpointInfo),
		byAddr: make(map[uint64]*BreakpointInfo),
		lastID: atomic.NewInt64(0),
		instr:  AMD64BreakpointInstruction,
	}
}

// BreakpointInstruction returns the trap instruction written at software
// breakpoints.
func (bpm *BreakpointManager) BreakpointInstruction() []byte {
	return bpm.instr
}

// NextID returns a fresh breakpoint id. Ids are strictly increasing and are
// not reused after the breakpoint they were assigned to is removed.
func (bpm *BreakpointManager) NextID() int {
	return int(bpm.lastID.Inc())
}

// NewBreakpoint allocates a breakpoint with a fresh id. The breakpoint is
// not registered until it is passed to Insert.
func (bpm *BreakpointManager) NewBreakpoint(owner int, addr uint64, hardware bool) *BreakpointInfo {
	return &BreakpointInfo{
		ID:       bpm.NextID(),
		Owner:    owner,
		Addr:     addr,
		Hardware: hardware,
	}
}

// Insert registers bp. If bp is a software breakpoint and another software
// breakpoint is already installed at the same address, the existing one
// gains an owner and is returned instead; otherwise bp itself is returned.
func (bpm *BreakpointManager) Insert(bp *BreakpointInfo) *BreakpointInfo {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	if !bp.Hardware {
		if existing, ok := bpm.byAddr[bp.Addr]; ok {
			existing.refcount++
			if logflags.Breakpoints() {
				logflags.BreakpointsLogger().Debugf("shared %s", existing)
			}
			return existing
		}
	}

	bp.refcount = 1
	bpm.breakpoints = append(bpm.breakpoints, bp)
	bpm.byID[bp.ID] = bp
	if !bp.Hardware {
		bpm.byAddr[bp.Addr] = bp
	}
	if logflags.Breakpoints() {
		logflags.BreakpointsLogger().Debugf("inserted %s", bp)
	}
	return bp
}

// LookupByAddress returns the software breakpoint installed at addr.
func (bpm *BreakpointManager) LookupByAddress(addr uint64) (*BreakpointInfo, bool) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	bp, ok := bpm.byAddr[addr]
	return bp, ok
}

// LookupByID returns the breakpoint with the given id.
func (bpm *BreakpointManager) LookupByID(id int) (*BreakpointInfo, bool) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	bp, ok := bpm.byID[id]
	return bp, ok
}

// Remove drops one owner of bp. Only when no owners are left is the
// breakpoint removed from every index, in which case Remove returns true
// and the caller is responsible for restoring target memory or clearing
// the debug register.
func (bpm *BreakpointManager) Remove(bp *BreakpointInfo) bool {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	if bpm.byID[bp.ID] != bp {
		return false
	}
	bp.refcount--
	if bp.refcount > 0 {
		if logflags.Breakpoints() {
			logflags.BreakpointsLogger().Debugf("released %s", bp)
		}
		return false
	}

	delete(bpm.byID, bp.ID)
	if !bp.Hardware {
		delete(bpm.byAddr, bp.Addr)
	}
	for i := range bpm.breakpoints {
		if bpm.breakpoints[i] == bp {
			copy(bpm.breakpoints[i:], bpm.breakpoints[i+1:])
			bpm.breakpoints[len(bpm.breakpoints)-1] = nil
			bpm.breakpoints = bpm.breakpoints[:len(bpm.breakpoints)-1]
			break
		}
	}
	if logflags.Breakpoints() {
		logflags.BreakpointsLogger().Debugf("removed %s", bp)
	}
	return true
}

// Owners returns the number of owners of bp, 0 if bp is not installed.
func (bpm *BreakpointManager) Owners(bp *BreakpointInfo) int {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	if bpm.byID[bp.ID] != bp {
		return 0
	}
	return bp.refcount
}

// Breakpoints returns a snapshot of the installed breakpoints in insertion
// order.
func (bpm *BreakpointManager) Breakpoints() []*BreakpointInfo {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	r := make([]*BreakpointInfo, len(bpm.breakpoints))
	copy(r, bpm.breakpoints)
	return r
}

// WithBreakpoints calls fn with the live collection while holding the
// manager lock. fn must not call back into the manager.
func (bpm *BreakpointManager) WithBreakpoints(fn func([]*BreakpointInfo)) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	fn(bpm.breakpoints)
}

// Len returns the number of installed breakpoints.
func (bpm *BreakpointManager) Len() int {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	return len(bpm.breakpoints)
}
