//go:build linux && amd64

package native

import (
	"runtime"
	"sync"
	"syscall"
	"unsafe"

	sys "golang.org/x/sys/unix"
)

// ptraceThread runs every ptrace request of a traced process tree on the
// same OS thread. This is due to the fact that ptrace(2) expects all
// commands after PTRACE_ATTACH (or the fork of a PTRACE_TRACEME child) to
// come from the tracer thread.
type ptraceThread struct {
	mu             sync.Mutex
	ptraceRefCnt   int
	ptraceChan     chan func()
	ptraceDoneChan chan struct{}
}

func newPtraceThread() *ptraceThread {
	pt := &ptraceThread{
		ptraceChan:     make(chan func()),
		ptraceDoneChan: make(chan struct{}),
		ptraceRefCnt:   1,
	}
	go pt.handlePtraceFuncs()
	return pt
}

func (pt *ptraceThread) handlePtraceFuncs() {
	runtime.LockOSThread()

	for fn := range pt.ptraceChan {
		fn()
		pt.ptraceDoneChan <- struct{}{}
	}
}

func (pt *ptraceThread) execPtraceFunc(fn func()) {
	pt.ptraceChan <- fn
	<-pt.ptraceDoneChan
}

// acquire adds a user of the thread, used by child handles.
func (pt *ptraceThread) acquire() *ptraceThread {
	pt.mu.Lock()
	pt.ptraceRefCnt++
	pt.mu.Unlock()
	return pt
}

// release drops a user of the thread and stops it when the last one is gone.
func (pt *ptraceThread) release() {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.ptraceRefCnt--
	if pt.ptraceRefCnt == 0 {
		close(pt.ptraceChan)
	}
}

func errnoErr(e syscall.Errno) error {
	if e == 0 {
		return nil
	}
	return e
}

// ptraceAttach executes the sys.PtraceAttach call.
func ptraceAttach(pid int) error {
	return sys.PtraceAttach(pid)
}

// ptraceDetach calls ptrace(PTRACE_DETACH).
func ptraceDetach(tid, sig int) error {
	_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_DETACH, uintptr(tid), 1, uintptr(sig), 0, 0)
	return errnoErr(err)
}

// ptraceCont executes ptrace PTRACE_CONT
func ptraceCont(tid, sig int) error {
	return sys.PtraceCont(tid, sig)
}

// ptraceSingleStep executes ptrace PTRACE_SINGLESTEP
func ptraceSingleStep(pid, sig int) error {
	_, _, e1 := sys.Syscall6(sys.SYS_PTRACE, uintptr(sys.PTRACE_SINGLESTEP), uintptr(pid), uintptr(0), uintptr(sig), 0, 0)
	return errnoErr(e1)
}

// ptraceGetFpRegs executes PTRACE_GETFPREGS.
func ptraceGetFpRegs(tid int, regs *FPRegisters) error {
	_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_GETFPREGS, uintptr(tid), 0, uintptr(unsafe.Pointer(regs)), 0, 0)
	return errnoErr(err)
}

// ptraceSetFpRegs executes PTRACE_SETFPREGS.
func ptraceSetFpRegs(tid int, regs *FPRegisters) error {
	_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_SETFPREGS, uintptr(tid), 0, uintptr(unsafe.Pointer(regs)), 0, 0)
	return errnoErr(err)
}

// ptracePeekUser reads one word of the user area.
func ptracePeekUser(tid int, off uintptr) (uint64, error) {
	var val uint64
	_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_PEEKUSR, uintptr(tid), off, uintptr(unsafe.Pointer(&val)), 0, 0)
	return val, errnoErr(err)
}

// ptracePokeUser writes one word of the user area.
func ptracePokeUser(tid int, off uintptr, val uint64) error {
	_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_POKEUSR, uintptr(tid), off, uintptr(val), 0, 0)
	return errnoErr(err)
}
