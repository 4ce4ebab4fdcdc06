//go:build linux && amd64

package native

import (
	"fmt"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/ptserver/pkg/logflags"
	"github.com/go-delve/ptserver/pkg/proc"
)

const pageSize = 4096

// memChannel is random access to the memory of the inferior.
type memChannel interface {
	pread(p []byte, off int64) (int, error)
	pwrite(p []byte, off int64) (int, error)
	close() error
}

// procMem is /proc/<pid>/mem.
type procMem struct {
	fd int
}

func openProcMem(pid int, write bool) (*procMem, error) {
	mode := sys.O_RDONLY
	if write {
		mode = sys.O_RDWR
	}
	fd, err := sys.Open(fmt.Sprintf("/proc/%d/mem", pid), mode|sys.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	return &procMem{fd: fd}, nil
}

func (m *procMem) pread(p []byte, off int64) (int, error) {
	return sys.Pread(m.fd, p, off)
}

func (m *procMem) pwrite(p []byte, off int64) (int, error) {
	return sys.Pwrite(m.fd, p, off)
}

func (m *procMem) close() error {
	return sys.Close(m.fd)
}

// openMemChannel opens the memory channel of the inferior.
func (h *InferiorHandle) openMemChannel(write bool) error {
	m, err := openProcMem(h.pid, write)
	if err != nil && write {
		// some kernels refuse writes to /proc/<pid>/mem, fall back to POKEDATA
		m, err = openProcMem(h.pid, false)
		write = false
	}
	if err != nil {
		return err
	}
	h.mem = m
	h.memWrite = write
	return nil
}

// ReadMemory reads size bytes of target memory starting at addr. Software
// breakpoints planted in the range are masked: the returned buffer holds
// the original instruction bytes at their addresses.
func (h *InferiorHandle) ReadMemory(addr uint64, size int) ([]byte, error) {
	buf := make([]byte, size)
	if err := h.readRaw(addr, buf); err != nil {
		return nil, err
	}
	h.bpm.MaskBreakpoints(addr, buf)
	return buf, nil
}

func (h *InferiorHandle) readRaw(addr uint64, buf []byte) error {
	if h.mem == nil {
		return proc.ErrHandleClosed
	}
	if h.cache != nil && h.readCached(addr, buf) {
		return nil
	}
	return h.pread(addr, buf)
}

func (h *InferiorHandle) pread(addr uint64, buf []byte) error {
	start := addr
	for len(buf) > 0 {
		n, err := h.mem.pread(buf, int64(addr))
		if err == sys.EINTR {
			continue
		}
		if err == sys.EIO || (err == nil && n == 0) {
			return &proc.CommandError{Code: proc.ErrMemoryAccess, Op: "read memory", Pid: h.pid, Addr: addr, Err: err}
		}
		if err != nil {
			logflags.PtraceLogger().Warnf("read memory: can't read target memory at address %#x (%#x): %v", addr, start, err)
			return &proc.CommandError{Code: proc.ErrUnknown, Op: "read memory", Pid: h.pid, Addr: addr, Err: err}
		}
		buf = buf[n:]
		addr += uint64(n)
	}
	return nil
}

// readCached serves buf from whole cached pages, loading missing pages.
// It returns false if any page could not be read, in which case the caller
// falls back to an uncached read of exactly the requested range.
func (h *InferiorHandle) readCached(addr uint64, buf []byte) bool {
	end := addr + uint64(len(buf))
	for page := addr &^ (pageSize - 1); page < end; page += pageSize {
		var data []byte
		if v, ok := h.cache.Get(page); ok {
			data = v.([]byte)
		} else {
			data = make([]byte, pageSize)
			if err := h.pread(page, data); err != nil {
				return false
			}
			h.cache.Add(page, data)
		}
		lo, hi := page, page+pageSize
		if lo < addr {
			lo = addr
		}
		if hi > end {
			hi = end
		}
		copy(buf[lo-addr:hi-addr], data[lo-page:hi-page])
	}
	return true
}

func (h *InferiorHandle) purgeCache() {
	if h.cache != nil {
		h.cache.Purge()
	}
}

// WriteMemory writes data to target memory at addr. Bytes landing on a
// software breakpoint replace its saved original data while the trap
// instruction stays in place. A failed write leaves the saved original
// data untouched.
func (h *InferiorHandle) WriteMemory(addr uint64, data []byte) error {
	if err := h.writeRaw(addr, h.bpm.PatchWrite(addr, data)); err != nil {
		return err
	}
	h.bpm.CommitWrite(addr, data)
	return nil
}

func (h *InferiorHandle) writeRaw(addr uint64, data []byte) error {
	if h.mem == nil {
		return proc.ErrHandleClosed
	}
	h.purgeCache()
	if !h.memWrite {
		var err error
		h.pt.execPtraceFunc(func() { _, err = sys.PtracePokeData(h.pid, uintptr(addr), data) })
		if err == sys.EIO || err == sys.EFAULT {
			return &proc.CommandError{Code: proc.ErrMemoryAccess, Op: "write memory", Pid: h.pid, Addr: addr, Err: err}
		}
		return h.commandError("write memory", err)
	}
	for len(data) > 0 {
		n, err := h.mem.pwrite(data, int64(addr))
		if err == sys.EINTR {
			continue
		}
		if err == sys.EIO || (err == nil && n == 0) {
			return &proc.CommandError{Code: proc.ErrMemoryAccess, Op: "write memory", Pid: h.pid, Addr: addr, Err: err}
		}
		if err != nil {
			logflags.PtraceLogger().Warnf("write memory: can't write target memory at address %#x: %v", addr, err)
			return &proc.CommandError{Code: proc.ErrUnknown, Op: "write memory", Pid: h.pid, Addr: addr, Err: err}
		}
		data = data[n:]
		addr += uint64(n)
	}
	return nil
}
