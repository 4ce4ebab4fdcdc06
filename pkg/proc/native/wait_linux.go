//go:build linux && amd64

package native

import (
	"runtime"
	"unsafe"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/ptserver/pkg/logflags"
	"github.com/go-delve/ptserver/pkg/proc"
)

const (
	_SIG_BLOCK   = 0
	_SIG_SETMASK = 2

	waitOptions = sys.WALL | sys.WUNTRACED
)

// asyncStopSignals are kept away from the thread blocked in wait4.
var asyncStopSignals = []sys.Signal{sys.SIGINT, sys.SIGQUIT, sys.SIGTSTP}

func sigaddset(set *sys.Sigset_t, sig sys.Signal) {
	n := uint(sig) - 1
	set.Val[n/64] |= 1 << (n % 64)
}

func sigprocmask(how int, set, old *sys.Sigset_t) error {
	// the kernel sigset is 64 bits wide on linux/amd64
	_, _, err := sys.RawSyscall6(sys.SYS_RT_SIGPROCMASK, uintptr(how), uintptr(unsafe.Pointer(set)), uintptr(unsafe.Pointer(old)), 8, 0, 0)
	return errnoErr(err)
}

// waitHook, if set, is called after the non blocking poll found nothing
// and right before the blocking wait4. Tests use it to inject events in
// the window between the two calls.
var waitHook func()

// Wait waits for the next state change of pid, or of any traced process
// if pid is -1, and returns it as an event.
//
// A pending event is returned immediately. Otherwise the calling thread
// blocks the asynchronous stop signals and waits; a stop requested with
// Interrupt in the meantime still wakes it because it is delivered to the
// inferior. There is no timeout.
//
// When there is nothing left to wait for proc.ErrNoChildren is returned.
func Wait(pid int) (*proc.Event, error) {
	var ws sys.WaitStatus
	wpid, err := wait4(pid, &ws, waitOptions|sys.WNOHANG)
	if err != nil {
		return nil, waitError(pid, err)
	}
	if wpid == 0 {
		wpid, err = blockingWait(pid, &ws)
		if err != nil {
			return nil, waitError(pid, err)
		}
	}
	ev := decodeStatus(wpid, ws)
	if logflags.Wait() {
		logflags.WaitLogger().Debugf("wait(%d): %s", pid, ev)
	}
	return ev, nil
}

func blockingWait(pid int, ws *sys.WaitStatus) (int, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var set, old sys.Sigset_t
	for _, sig := range asyncStopSignals {
		sigaddset(&set, sig)
	}
	if err := sigprocmask(_SIG_BLOCK, &set, &old); err != nil {
		return 0, err
	}
	defer sigprocmask(_SIG_SETMASK, &old, nil)

	if waitHook != nil {
		waitHook()
	}
	return wait4(pid, ws, waitOptions)
}

func wait4(pid int, ws *sys.WaitStatus, options int) (int, error) {
	for {
		wpid, err := sys.Wait4(pid, ws, options, nil)
		if err == sys.EINTR {
			continue
		}
		return wpid, err
	}
}

func waitError(pid int, err error) error {
	if err == sys.ECHILD {
		return proc.ErrNoChildren
	}
	logflags.WaitLogger().Errorf("can't waitpid %d: %v", pid, err)
	return &proc.CommandError{Code: proc.ErrUnknown, Op: "wait", Pid: pid, Err: err}
}

func decodeStatus(wpid int, ws sys.WaitStatus) *proc.Event {
	ev := &proc.Event{Pid: wpid, Status: uint32(ws)}
	switch {
	case ws.Exited():
		ev.Kind = proc.EventExited
		ev.ExitCode = ws.ExitStatus()
	case ws.Signaled():
		ev.Kind = proc.EventSignaled
		ev.Signal = int(ws.Signal())
	default:
		ev.Kind = proc.EventStopped
		ev.Signal = int(ws.StopSignal())
		if ws.StopSignal() == sys.SIGTRAP {
			ev.Cause = trapCause(ws.TrapCause())
		}
	}
	return ev
}

func trapCause(cause int) proc.TrapCause {
	switch cause {
	case sys.PTRACE_EVENT_FORK:
		return proc.TrapFork
	case sys.PTRACE_EVENT_VFORK:
		return proc.TrapVfork
	case sys.PTRACE_EVENT_CLONE:
		return proc.TrapClone
	case sys.PTRACE_EVENT_EXEC:
		return proc.TrapExec
	case sys.PTRACE_EVENT_VFORK_DONE:
		return proc.TrapVforkDone
	case sys.PTRACE_EVENT_EXIT:
		return proc.TrapExit
	}
	return proc.TrapNone
}

// EventMessage returns the PTRACE_GETEVENTMSG value of the last ptrace
// event of the inferior, the pid of the new child for fork and clone.
func (h *InferiorHandle) EventMessage() (uint, error) {
	if h.detached.Load() {
		return 0, h.closedErr()
	}
	var (
		msg uint
		err error
	)
	h.pt.execPtraceFunc(func() { msg, err = sys.PtraceGetEventMsg(h.pid) })
	return msg, h.commandError("get event message", err)
}

// noteEvent records ev on the handle it belongs to.
func (h *InferiorHandle) noteEvent(ev *proc.Event) (interrupted bool) {
	h.purgeCache()
	switch ev.Kind {
	case proc.EventExited:
		h.exited = &proc.ErrProcessExited{Pid: h.pid, Status: ev.ExitCode}
		return false
	case proc.EventSignaled:
		h.exited = &proc.ErrProcessExited{Pid: h.pid, Status: 128 + ev.Signal}
		return false
	}
	h.lastSignal = ev.Signal
	if ev.Signal == int(sys.SIGSTOP) {
		return h.interrupt.Swap(false)
	}
	return false
}
