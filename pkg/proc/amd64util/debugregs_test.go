package amd64util

import "testing"

func TestSetExecutionBreakpoint(t *testing.T) {
	var drs DebugRegisters
	idx, err := drs.FreeSlot()
	if err != nil || idx != 0 {
		t.Fatalf("FreeSlot() = %d, %v", idx, err)
	}
	if err := drs.SetBreakpoint(idx, 0x401000, false, false, 1); err != nil {
		t.Fatal(err)
	}
	if drs.Addrs[0] != 0x401000 || drs.DR7 != 0x1 || !drs.Dirty {
		t.Fatalf("unexpected registers %#v", drs)
	}
	// setting the same breakpoint again is a no-op
	drs.Dirty = false
	if err := drs.SetBreakpoint(0, 0x401000, false, false, 1); err != nil || drs.Dirty {
		t.Fatalf("resetting identical breakpoint: %v dirty=%v", err, drs.Dirty)
	}
	if err := drs.SetBreakpoint(0, 0x402000, false, false, 1); err == nil {
		t.Fatalf("expected error for busy slot")
	}
	if idx, _ := drs.FreeSlot(); idx != 1 {
		t.Fatalf("FreeSlot() = %d, expected 1", idx)
	}
}

func TestSetWatchpoint(t *testing.T) {
	var drs DebugRegisters
	if err := drs.SetBreakpoint(2, 0x1000, true, true, 8); err != nil {
		t.Fatal(err)
	}
	want := uint64(1<<4) | uint64(0xb)<<24
	if drs.DR7 != want {
		t.Fatalf("DR7 = %#x, expected %#x", drs.DR7, want)
	}
	if err := drs.SetBreakpoint(1, 0x1000, true, false, 8); err == nil {
		t.Fatalf("expected error for read-only watchpoint")
	}
	if err := drs.SetBreakpoint(1, 0x1001, false, true, 4); err == nil {
		t.Fatalf("expected error for unaligned watchpoint")
	}
}

func TestClearAndActive(t *testing.T) {
	var drs DebugRegisters
	for i := uint8(0); i < NumDebugRegisters; i++ {
		if err := drs.SetBreakpoint(i, 0x1000+uint64(i), false, false, 1); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := drs.FreeSlot(); err == nil {
		t.Fatalf("expected exhausted debug registers")
	}
	drs.DR6 = 1 << 3
	ok, idx := drs.GetActiveBreakpoint()
	if !ok || idx != 3 {
		t.Fatalf("GetActiveBreakpoint() = %v, %d", ok, idx)
	}
	if drs.DR6 != 0 {
		t.Fatalf("condition bits not cleared: %#x", drs.DR6)
	}
	drs.ClearBreakpoint(1)
	if drs.Enabled(1) || drs.Addrs[1] != 0 {
		t.Fatalf("breakpoint 1 still enabled")
	}
	if idx, err := drs.FreeSlot(); err != nil || idx != 1 {
		t.Fatalf("FreeSlot() = %d, %v", idx, err)
	}
}
