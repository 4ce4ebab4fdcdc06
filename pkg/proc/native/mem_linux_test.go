//go:build linux && amd64

package native

import (
	"bytes"
	"os"
	"testing"
	"unsafe"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/ptserver/pkg/config"
	"github.com/go-delve/ptserver/pkg/proc"
)

// memTestBuf lives in the data segment of the test binary so that its
// address is stable for the lifetime of the process.
var memTestBuf [16]byte

func resetMemTestBuf() {
	for i := range memTestBuf {
		memTestBuf[i] = 0x90
	}
}

func memTestAddr() uint64 {
	return uint64(uintptr(unsafe.Pointer(&memTestBuf[0])))
}

func selfHandle(t *testing.T, conf *config.Config) *InferiorHandle {
	t.Helper()
	h := newInferior(os.Getpid(), nil, nil, conf)
	if err := h.openMemChannel(true); err != nil {
		h.close()
		t.Skipf("can't open /proc/self/mem: %v", err)
	}
	t.Cleanup(h.close)
	return h
}

func TestReadMemoryMasksBreakpoints(t *testing.T) {
	resetMemTestBuf()
	h := selfHandle(t, nil)
	s := NewServer(h)
	addr := memTestAddr()

	bp, err := s.InsertBreakpoint(1, addr+6)
	if err != nil {
		t.Fatal(err)
	}
	if memTestBuf[6] != 0xCC {
		t.Fatalf("trap not planted: %#x", memTestBuf[6])
	}
	if !bytes.Equal(bp.OriginalData, []byte{0x90}) {
		t.Fatalf("original data %#v", bp.OriginalData)
	}

	buf, err := h.ReadMemory(addr, len(memTestBuf))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, bytes.Repeat([]byte{0x90}, len(memTestBuf))) {
		t.Fatalf("breakpoint visible in read: % x", buf)
	}

	raw := make([]byte, 1)
	if err := h.readRaw(addr+6, raw); err != nil {
		t.Fatal(err)
	}
	if raw[0] != 0xCC {
		t.Fatalf("raw read %#x", raw[0])
	}

	if err := s.RemoveBreakpoint(bp.ID); err != nil {
		t.Fatal(err)
	}
	if memTestBuf[6] != 0x90 {
		t.Fatalf("original byte not restored: %#x", memTestBuf[6])
	}
	if err := s.RemoveBreakpoint(bp.ID); err != proc.ErrBreakpointNotFound {
		t.Fatalf("second remove: %v", err)
	}
}

func TestSharedBreakpointRestoredByLastOwner(t *testing.T) {
	resetMemTestBuf()
	h := selfHandle(t, nil)
	s := NewServer(h)
	addr := memTestAddr() + 3

	bp1, err := s.InsertBreakpoint(1, addr)
	if err != nil {
		t.Fatal(err)
	}
	bp2, err := s.InsertBreakpoint(2, addr)
	if err != nil {
		t.Fatal(err)
	}
	if bp1 != bp2 || bp1.Refcount() != 2 {
		t.Fatalf("breakpoint not shared: %v %v", bp1, bp2)
	}
	if !bytes.Equal(bp1.OriginalData, []byte{0x90}) {
		t.Fatalf("original data overwritten by second insert: %#v", bp1.OriginalData)
	}

	if err := s.RemoveBreakpoint(bp1.ID); err != nil {
		t.Fatal(err)
	}
	if memTestBuf[3] != 0xCC {
		t.Fatalf("trap removed while still owned")
	}
	if err := s.RemoveBreakpoint(bp1.ID); err != nil {
		t.Fatal(err)
	}
	if memTestBuf[3] != 0x90 {
		t.Fatalf("original byte not restored: %#x", memTestBuf[3])
	}
}

func TestWriteMemoryKeepsTrap(t *testing.T) {
	resetMemTestBuf()
	h := selfHandle(t, nil)
	s := NewServer(h)
	addr := memTestAddr()

	bp, err := s.InsertBreakpoint(1, addr+4)
	if err != nil {
		t.Fatal(err)
	}
	data := []byte{0x10, 0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17}
	if err := h.WriteMemory(addr, data); err != nil {
		t.Fatal(err)
	}
	if memTestBuf[4] != 0xCC {
		t.Fatalf("write replaced the trap: %#x", memTestBuf[4])
	}
	if !bytes.Equal(bp.OriginalData, []byte{0x14}) {
		t.Fatalf("original data not updated: %#v", bp.OriginalData)
	}
	buf, err := h.ReadMemory(addr, len(data))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, data) {
		t.Fatalf("read back % x, want % x", buf, data)
	}
	if err := s.RemoveBreakpoint(bp.ID); err != nil {
		t.Fatal(err)
	}
	if memTestBuf[4] != 0x14 {
		t.Fatalf("restored %#x", memTestBuf[4])
	}
}

func TestReadMemoryUnmapped(t *testing.T) {
	h := selfHandle(t, nil)
	_, err := h.ReadMemory(0, 8)
	if code := proc.Code(err); code != proc.ErrMemoryAccess {
		t.Fatalf("got %v (%v), want memory access", code, err)
	}
}

func TestMemoryClosedHandle(t *testing.T) {
	h := newInferior(os.Getpid(), nil, nil, nil)
	h.close()
	if _, err := h.ReadMemory(memTestAddr(), 1); err != proc.ErrHandleClosed {
		t.Fatalf("read: %v", err)
	}
	if err := h.WriteMemory(memTestAddr(), []byte{1}); err != proc.ErrHandleClosed {
		t.Fatalf("write: %v", err)
	}
}

// fakeMem serves reads from a byte slice mapped at base. The first intr
// calls fail with EINTR.
type fakeMem struct {
	base      uint64
	data      []byte
	intr      int
	preads    int
	failWrite error // returned by every pwrite when set
}

func (m *fakeMem) pread(p []byte, off int64) (int, error) {
	if m.intr > 0 {
		m.intr--
		return 0, sys.EINTR
	}
	m.preads++
	o := uint64(off) - m.base
	if uint64(off) < m.base || o >= uint64(len(m.data)) {
		return 0, sys.EIO
	}
	return copy(p, m.data[o:]), nil
}

func (m *fakeMem) pwrite(p []byte, off int64) (int, error) {
	if m.failWrite != nil {
		return 0, m.failWrite
	}
	if m.intr > 0 {
		m.intr--
		return 0, sys.EINTR
	}
	o := uint64(off) - m.base
	if uint64(off) < m.base || o >= uint64(len(m.data)) {
		return 0, sys.EIO
	}
	return copy(m.data[o:], p), nil
}

func (m *fakeMem) close() error { return nil }

func fakeHandle(t *testing.T, m *fakeMem, conf *config.Config) *InferiorHandle {
	h := newInferior(4242, nil, nil, conf)
	h.mem = m
	h.memWrite = true
	t.Cleanup(h.close)
	return h
}

func TestReadMemoryRetriesEINTR(t *testing.T) {
	m := &fakeMem{base: 0x1000, data: []byte{1, 2, 3, 4}, intr: 2}
	h := fakeHandle(t, m, nil)
	buf, err := h.ReadMemory(0x1001, 3)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, []byte{2, 3, 4}) {
		t.Fatalf("got % x", buf)
	}
	if m.intr != 0 {
		t.Fatalf("EINTR not consumed")
	}

	m.intr = 1
	if err := h.WriteMemory(0x1000, []byte{9}); err != nil {
		t.Fatal(err)
	}
	if m.data[0] != 9 {
		t.Fatalf("write lost after EINTR")
	}
}

func TestReadMemoryPastMapping(t *testing.T) {
	m := &fakeMem{base: 0x1000, data: []byte{1, 2, 3, 4}}
	h := fakeHandle(t, m, nil)
	_, err := h.ReadMemory(0x1002, 4)
	if code := proc.Code(err); code != proc.ErrMemoryAccess {
		t.Fatalf("got %v (%v)", code, err)
	}
	if err := h.WriteMemory(0x2000, []byte{1}); proc.Code(err) != proc.ErrMemoryAccess {
		t.Fatalf("write: %v", err)
	}
}

func TestMemoryCache(t *testing.T) {
	m := &fakeMem{base: 0x1000, data: make([]byte, 2*pageSize)}
	for i := range m.data {
		m.data[i] = byte(i)
	}
	h := fakeHandle(t, m, &config.Config{MemCachePages: 4})

	read := func(addr uint64, size int) []byte {
		t.Helper()
		buf, err := h.ReadMemory(addr, size)
		if err != nil {
			t.Fatal(err)
		}
		return buf
	}

	// crosses the page boundary
	buf := read(0x1000+pageSize-2, 4)
	if !bytes.Equal(buf, m.data[pageSize-2:pageSize+2]) {
		t.Fatalf("got % x", buf)
	}
	if m.preads != 2 {
		t.Fatalf("expected two page loads, got %d", m.preads)
	}
	read(0x1010, 8)
	if m.preads != 2 {
		t.Fatalf("cached page read again (%d reads)", m.preads)
	}

	if err := h.WriteMemory(0x1010, []byte{0xaa}); err != nil {
		t.Fatal(err)
	}
	if buf := read(0x1010, 1); buf[0] != 0xaa {
		t.Fatalf("stale cache after write: %#x", buf[0])
	}
	if m.preads != 3 {
		t.Fatalf("cache not purged by write (%d reads)", m.preads)
	}

	h.noteEvent(&proc.Event{Pid: h.pid, Kind: proc.EventStopped, Signal: int(sys.SIGTRAP)})
	read(0x1010, 1)
	if m.preads != 4 {
		t.Fatalf("cache not purged by event (%d reads)", m.preads)
	}
}

func TestFailedWriteKeepsOriginalData(t *testing.T) {
	m := &fakeMem{base: 0x1000, data: []byte{0x55, 0xCC, 0x89, 0xe5}, failWrite: sys.EPERM}
	h := fakeHandle(t, m, nil)
	bp := h.bpm.Insert(h.bpm.NewBreakpoint(1, 0x1001, false))
	bp.OriginalData = []byte{0x48}

	err := h.WriteMemory(0x1000, []byte{1, 2, 3, 4})
	if proc.Code(err) != proc.ErrUnknown {
		t.Fatalf("write: %v", err)
	}
	if !bytes.Equal(bp.OriginalData, []byte{0x48}) {
		t.Fatalf("original data changed by a failed write: % x", bp.OriginalData)
	}
	buf, err := h.ReadMemory(0x1000, 4)
	if err != nil {
		t.Fatal(err)
	}
	if want := []byte{0x55, 0x48, 0x89, 0xe5}; !bytes.Equal(buf, want) {
		t.Fatalf("read % x, want % x", buf, want)
	}

	m.failWrite = nil
	if err := h.WriteMemory(0x1000, []byte{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}
	if m.data[1] != 0xCC || !bytes.Equal(bp.OriginalData, []byte{2}) {
		t.Fatalf("memory % x, original data % x", m.data, bp.OriginalData)
	}
}

func TestFailedRemoveKeepsBreakpoint(t *testing.T) {
	m := &fakeMem{base: 0x1000, data: []byte{0x55, 0x48, 0x89, 0xe5}}
	h := fakeHandle(t, m, nil)
	s := NewServer(h)

	bp, err := s.InsertBreakpoint(1, 0x1001)
	if err != nil {
		t.Fatal(err)
	}
	if m.data[1] != 0xCC {
		t.Fatalf("trap not planted: % x", m.data)
	}

	m.failWrite = sys.EIO
	if err := s.RemoveBreakpoint(bp.ID); proc.Code(err) != proc.ErrMemoryAccess {
		t.Fatalf("remove: %v", err)
	}
	if got, ok := s.LookupBreakpoint(0x1001); !ok || got != bp {
		t.Fatal("breakpoint dropped although the trap is still in memory")
	}
	buf, err := h.ReadMemory(0x1000, 4)
	if err != nil {
		t.Fatal(err)
	}
	if buf[1] != 0x48 {
		t.Fatalf("trap visible after failed remove: % x", buf)
	}

	m.failWrite = nil
	if err := s.RemoveBreakpoint(bp.ID); err != nil {
		t.Fatal(err)
	}
	if m.data[1] != 0x48 {
		t.Fatalf("original byte not restored: % x", m.data)
	}
	if _, ok := s.BreakpointByID(bp.ID); ok {
		t.Fatal("breakpoint still installed")
	}
}
