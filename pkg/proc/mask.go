package proc

// MaskBreakpoints replaces the trap instructions that software breakpoints
// planted inside [start, start+len(buf)) with the original bytes. buf must
// hold memory just read from the target at start.
func (bpm *BreakpointManager) MaskBreakpoints(start uint64, buf []byte) {
	if len(buf) == 0 {
		return
	}
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	for _, bp := range bpm.breakpoints {
		if bp.Hardware {
			continue
		}
		if off, orig := bp.overlap(start, len(buf)); orig != nil {
			copy(buf[off:], orig)
		}
	}
}

// PatchWrite prepares data, about to be written at start, for a target
// that has software breakpoints planted in that range: the returned copy
// carries the trap instruction at every breakpoint offset so the
// breakpoints stay armed. Nothing is recorded; once the write succeeded
// CommitWrite makes the written bytes the new original data.
// If no breakpoint overlaps the range data is returned unchanged.
func (bpm *BreakpointManager) PatchWrite(start uint64, data []byte) []byte {
	if len(data) == 0 {
		return data
	}
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	out := data
	for _, bp := range bpm.breakpoints {
		if bp.Hardware {
			continue
		}
		off, orig := bp.overlap(start, len(data))
		if orig == nil {
			continue
		}
		if &out[0] == &data[0] {
			out = make([]byte, len(data))
			copy(out, data)
		}
		lo := int(start+uint64(off)-bp.Addr) % len(bpm.instr)
		for i := range orig {
			out[off+i] = bpm.instr[(lo+i)%len(bpm.instr)]
		}
	}
	return out
}

// CommitWrite records data, successfully written at start, as the original
// data of the software breakpoints it overlaps, so that later reads return
// what was written.
func (bpm *BreakpointManager) CommitWrite(start uint64, data []byte) {
	if len(data) == 0 {
		return
	}
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	for _, bp := range bpm.breakpoints {
		if bp.Hardware {
			continue
		}
		if off, orig := bp.overlap(start, len(data)); orig != nil {
			copy(orig, data[off:off+len(orig)])
		}
	}
}
